package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"

	"github.com/Fantasim/chainwatch/internal/api/httputil"
	"github.com/Fantasim/chainwatch/internal/config"
	"github.com/Fantasim/chainwatch/internal/db"
	"github.com/Fantasim/chainwatch/internal/models"
	"github.com/Fantasim/chainwatch/internal/watcher"
	"github.com/go-chi/chi/v5"
)

type createBalanceRuleRequest struct {
	Property           int32  `json:"property"`
	Address            string `json:"address"`
	TargetAmount       int64  `json:"target_amount"`
	TargetConfirmation int32  `json:"target_confirmation"`
	TimeoutMS          int64  `json:"timeout_ms"`
	TimeoutStatus      string `json:"timeout_status"`
	CallbackID         string `json:"callback_id"`
}

type createBalanceRuleResponse struct {
	RuleID             string `json:"rule_id"`
	Property           int32  `json:"property"`
	Address            string `json:"address"`
	TargetAmount       int64  `json:"target_amount"`
	TargetConfirmation int32  `json:"target_confirmation"`
	TimeoutMS          int64  `json:"timeout_ms"`
	Status             string `json:"status"`
	CreatedAt          string `json:"created_at"`
}

// CreateBalanceRuleHandler returns a handler for POST /api/balance-rules.
func CreateBalanceRuleHandler(store *db.DB, watchers map[models.PropertyID]*watcher.BalanceWatcher, cfg *config.Config) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var req createBalanceRuleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Error(rw, http.StatusBadRequest, config.ErrorCodeInvalidRequest, "Invalid request body")
			return
		}

		bw, ok := watchers[models.PropertyID(req.Property)]
		if !ok {
			httputil.Error(rw, http.StatusBadRequest, config.ErrorCodeValidation, config.ErrUnknownProperty.Error())
			return
		}

		addr, err := btcutil.DecodeAddress(req.Address, cfg.ChainParams())
		if err != nil || !addr.IsForNet(cfg.ChainParams()) {
			httputil.Error(rw, http.StatusBadRequest, config.ErrorCodeValidation, config.ErrInvalidAddress.Error())
			return
		}
		if req.TargetAmount <= 0 {
			httputil.Error(rw, http.StatusBadRequest, config.ErrorCodeValidation, config.ErrInvalidAmount.Error())
			return
		}
		if req.TargetConfirmation < config.MinConfirmations {
			httputil.Error(rw, http.StatusBadRequest, config.ErrorCodeValidation, config.ErrInvalidConfirmations.Error())
			return
		}
		if len(req.TimeoutStatus) > config.MaxTimeoutStatusLen {
			httputil.Error(rw, http.StatusBadRequest, config.ErrorCodeValidation, "timeout_status too long")
			return
		}

		timeout, err := ruleTimeout(req.TimeoutMS, cfg)
		if err != nil {
			httputil.Error(rw, http.StatusBadRequest, config.ErrorCodeValidation, err.Error())
			return
		}

		var callbackID *uuid.UUID
		if req.CallbackID != "" {
			id, err := uuid.Parse(req.CallbackID)
			if err != nil {
				httputil.Error(rw, http.StatusBadRequest, config.ErrorCodeValidation, "callback_id must be a UUID")
				return
			}
			if _, err := store.GetCallback(r.Context(), id); err != nil {
				if errors.Is(err, config.ErrCallbackNotFound) {
					httputil.Error(rw, http.StatusBadRequest, config.ErrorCodeValidation, config.ErrCallbackNotFound.Error())
					return
				}
				slog.Error("callback lookup failed", "error", err)
				httputil.Error(rw, http.StatusInternalServerError, config.ErrorCodeInternal, "Failed to create balance rule")
				return
			}
			callbackID = &id
		}

		rule := &models.BalanceRule{
			ID:                 uuid.New(),
			Property:           models.PropertyID(req.Property),
			Address:            addr.EncodeAddress(),
			TargetAmount:       req.TargetAmount,
			TargetConfirmation: req.TargetConfirmation,
			OriginalTimeout:    timeout,
			RemainingTimeout:   timeout,
			TimeoutStatus:      req.TimeoutStatus,
			CallbackID:         callbackID,
			Status:             models.BalanceRuleUncompleted,
			CreatedAt:          time.Now().UTC(),
		}
		if err := bw.AddRule(r.Context(), rule); err != nil {
			slog.Error("create balance rule failed", "error", err)
			httputil.Error(rw, http.StatusInternalServerError, config.ErrorCodeInternal, "Failed to create balance rule")
			return
		}

		httputil.JSON(rw, http.StatusCreated, createBalanceRuleResponse{
			RuleID:             rule.ID.String(),
			Property:           int32(rule.Property),
			Address:            rule.Address,
			TargetAmount:       rule.TargetAmount,
			TargetConfirmation: rule.TargetConfirmation,
			TimeoutMS:          rule.OriginalTimeout.Milliseconds(),
			Status:             string(rule.Status),
			CreatedAt:          rule.CreatedAt.Format(time.RFC3339),
		})
	}
}

type balanceRuleDetail struct {
	Rule            *models.BalanceRule `json:"rule"`
	ConfirmedAmount int64               `json:"confirmed_amount"`
}

// GetBalanceRuleHandler returns a handler for GET /api/balance-rules/{id}.
func GetBalanceRuleHandler(store *db.DB) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Error(rw, http.StatusBadRequest, config.ErrorCodeInvalidRequest, "Rule id must be a UUID")
			return
		}

		rule, err := store.GetBalanceRule(r.Context(), id)
		if err != nil {
			if errors.Is(err, config.ErrRuleNotFound) {
				httputil.Error(rw, http.StatusNotFound, config.ErrorCodeNotFound, config.ErrRuleNotFound.Error())
				return
			}
			slog.Error("get balance rule failed", "ruleID", id.String(), "error", err)
			httputil.Error(rw, http.StatusInternalServerError, config.ErrorCodeInternal, "Failed to get balance rule")
			return
		}

		confirmed, err := store.SumConfirmedBalance(r.Context(), rule.ID, rule.TargetConfirmation)
		if err != nil {
			slog.Error("confirmed balance lookup failed", "ruleID", id.String(), "error", err)
			httputil.Error(rw, http.StatusInternalServerError, config.ErrorCodeInternal, "Failed to get balance rule")
			return
		}

		httputil.JSON(rw, http.StatusOK, balanceRuleDetail{Rule: rule, ConfirmedAmount: confirmed})
	}
}
