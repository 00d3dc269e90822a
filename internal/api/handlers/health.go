package handlers

import (
	"errors"
	"net/http"

	"github.com/Fantasim/chainwatch/internal/api/httputil"
	"github.com/Fantasim/chainwatch/internal/config"
	"github.com/Fantasim/chainwatch/internal/db"
)

type healthResponse struct {
	Status      string `json:"status"`
	Network     string `json:"network"`
	BestBlock   string `json:"best_block,omitempty"`
	BlockHeight int32  `json:"block_height"`
}

// HealthHandler returns a handler for GET /api/health.
func HealthHandler(store *db.DB, cfg *config.Config) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Network: cfg.Network}

		hash, height, err := store.BestBlock(r.Context())
		if err != nil && !errors.Is(err, config.ErrBlockNotFound) {
			httputil.Error(rw, http.StatusInternalServerError, config.ErrorCodeInternal, "Health check failed")
			return
		}
		if err == nil {
			resp.BestBlock = hash.String()
			resp.BlockHeight = height
		}

		httputil.JSON(rw, http.StatusOK, resp)
	}
}
