package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/Fantasim/chainwatch/internal/api/httputil"
	"github.com/Fantasim/chainwatch/internal/config"
	"github.com/Fantasim/chainwatch/internal/db"
	"github.com/go-chi/chi/v5"
)

type registerCallbackRequest struct {
	URL string `json:"url"`
}

// RegisterCallbackHandler returns a handler for POST /api/callbacks.
func RegisterCallbackHandler(store *db.DB) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var req registerCallbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Error(rw, http.StatusBadRequest, config.ErrorCodeInvalidRequest, "Invalid request body")
			return
		}

		parsed, err := url.Parse(req.URL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			httputil.Error(rw, http.StatusBadRequest, config.ErrorCodeValidation, config.ErrInvalidCallbackURL.Error())
			return
		}

		cb, err := store.AddCallback(r.Context(), req.URL)
		if err != nil {
			slog.Error("register callback failed", "error", err)
			httputil.Error(rw, http.StatusInternalServerError, config.ErrorCodeInternal, "Failed to register callback")
			return
		}

		httputil.JSON(rw, http.StatusCreated, cb)
	}
}

// ListInvocationsHandler returns a handler for GET /api/callbacks/{id}/invocations.
// Supports page and pageSize query parameters.
func ListInvocationsHandler(store *db.DB) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httputil.Error(rw, http.StatusBadRequest, config.ErrorCodeInvalidRequest, "Callback id must be a UUID")
			return
		}

		page := parseIntParam(r, "page", 1)
		if page < 1 {
			page = 1
		}
		pageSize := parseIntParam(r, "pageSize", config.DefaultPageSize)
		if pageSize < 1 {
			pageSize = config.DefaultPageSize
		}
		if pageSize > config.MaxPageSize {
			pageSize = config.MaxPageSize
		}

		if _, err := store.GetCallback(r.Context(), id); err != nil {
			if errors.Is(err, config.ErrCallbackNotFound) {
				httputil.Error(rw, http.StatusNotFound, config.ErrorCodeNotFound, config.ErrCallbackNotFound.Error())
				return
			}
			slog.Error("callback lookup failed", "callbackID", id.String(), "error", err)
			httputil.Error(rw, http.StatusInternalServerError, config.ErrorCodeInternal, "Failed to list invocations")
			return
		}

		invocations, err := store.ListCallbackInvocations(r.Context(), id, pageSize, (page-1)*pageSize)
		if err != nil {
			slog.Error("list invocations failed", "callbackID", id.String(), "error", err)
			httputil.Error(rw, http.StatusInternalServerError, config.ErrorCodeInternal, "Failed to list invocations")
			return
		}

		httputil.JSON(rw, http.StatusOK, invocations)
	}
}

func parseIntParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
