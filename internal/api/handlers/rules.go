package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"

	"github.com/Fantasim/chainwatch/internal/api/httputil"
	"github.com/Fantasim/chainwatch/internal/config"
	"github.com/Fantasim/chainwatch/internal/db"
	"github.com/Fantasim/chainwatch/internal/models"
	"github.com/Fantasim/chainwatch/internal/watcher"
	"github.com/go-chi/chi/v5"
)

type createRuleRequest struct {
	TransactionHash string          `json:"transaction_hash"`
	Confirmations   int32           `json:"confirmations"`
	TimeoutMS       int64           `json:"timeout_ms"`
	SuccessPayload  json.RawMessage `json:"success_payload"`
	TimeoutPayload  json.RawMessage `json:"timeout_payload"`
	CallbackID      string          `json:"callback_id"`
}

type createRuleResponse struct {
	RuleID          string `json:"rule_id"`
	TransactionHash string `json:"transaction_hash"`
	Confirmations   int32  `json:"confirmations"`
	TimeoutMS       int64  `json:"timeout_ms"`
	Status          string `json:"status"`
	CreatedAt       string `json:"created_at"`
}

// CreateRuleHandler returns a handler for POST /api/rules.
func CreateRuleHandler(store *db.DB, w *watcher.TransactionConfirmationWatcher, cfg *config.Config) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var req createRuleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Error(rw, http.StatusBadRequest, config.ErrorCodeInvalidRequest, "Invalid request body")
			return
		}

		hash, err := chainhash.NewHashFromStr(req.TransactionHash)
		if err != nil {
			httputil.Error(rw, http.StatusBadRequest, config.ErrorCodeValidation, config.ErrInvalidTransaction.Error())
			return
		}
		if req.Confirmations < config.MinConfirmations {
			httputil.Error(rw, http.StatusBadRequest, config.ErrorCodeValidation, config.ErrInvalidConfirmations.Error())
			return
		}

		timeout, err := ruleTimeout(req.TimeoutMS, cfg)
		if err != nil {
			httputil.Error(rw, http.StatusBadRequest, config.ErrorCodeValidation, err.Error())
			return
		}
		if len(req.SuccessPayload) > config.MaxPayloadBytes || len(req.TimeoutPayload) > config.MaxPayloadBytes {
			httputil.Error(rw, http.StatusBadRequest, config.ErrorCodeValidation, "Payload too large")
			return
		}

		callbackID, err := uuid.Parse(req.CallbackID)
		if err != nil {
			httputil.Error(rw, http.StatusBadRequest, config.ErrorCodeValidation, "callback_id must be a UUID")
			return
		}
		if _, err := store.GetCallback(r.Context(), callbackID); err != nil {
			if errors.Is(err, config.ErrCallbackNotFound) {
				httputil.Error(rw, http.StatusBadRequest, config.ErrorCodeValidation, config.ErrCallbackNotFound.Error())
				return
			}
			slog.Error("callback lookup failed", "error", err)
			httputil.Error(rw, http.StatusInternalServerError, config.ErrorCodeInternal, "Failed to create rule")
			return
		}

		rule := &models.TransactionRule{
			ID:               uuid.New(),
			TxHash:           *hash,
			Confirmations:    req.Confirmations,
			OriginalTimeout:  timeout,
			RemainingTimeout: timeout,
			SuccessPayload:   req.SuccessPayload,
			TimeoutPayload:   req.TimeoutPayload,
			CallbackID:       callbackID,
			Status:           models.RuleStatusPending,
			CreatedAt:        time.Now().UTC(),
		}
		if err := w.AddRule(r.Context(), rule); err != nil {
			slog.Error("create rule failed", "error", err)
			httputil.Error(rw, http.StatusInternalServerError, config.ErrorCodeInternal, "Failed to create rule")
			return
		}

		httputil.JSON(rw, http.StatusCreated, createRuleResponse{
			RuleID:          rule.ID.String(),
			TransactionHash: rule.TxHash.String(),
			Confirmations:   rule.Confirmations,
			TimeoutMS:       rule.OriginalTimeout.Milliseconds(),
			Status:          string(rule.Status),
			CreatedAt:       rule.CreatedAt.Format(time.RFC3339),
		})
	}
}

// GetRuleHandler returns a handler for GET /api/rules/{id}.
func GetRuleHandler(store *db.DB) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Error(rw, http.StatusBadRequest, config.ErrorCodeInvalidRequest, "Rule id must be a UUID")
			return
		}

		rule, err := store.GetTransactionRule(r.Context(), id)
		if err != nil {
			if errors.Is(err, config.ErrRuleNotFound) {
				httputil.Error(rw, http.StatusNotFound, config.ErrorCodeNotFound, config.ErrRuleNotFound.Error())
				return
			}
			slog.Error("get rule failed", "ruleID", id.String(), "error", err)
			httputil.Error(rw, http.StatusInternalServerError, config.ErrorCodeInternal, "Failed to get rule")
			return
		}

		httputil.JSON(rw, http.StatusOK, rule)
	}
}

// ruleTimeout validates a millisecond timeout against the configured bounds,
// falling back to the default when unset.
func ruleTimeout(ms int64, cfg *config.Config) (time.Duration, error) {
	if ms == 0 {
		return config.DefaultTimeout, nil
	}
	d := time.Duration(ms) * time.Millisecond
	if d < config.MinTimeout || d > time.Duration(cfg.MaxRuleTimeoutHr)*time.Hour {
		return 0, config.ErrInvalidTimeout
	}
	return d, nil
}
