package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/felipepmaragno/tiergate/internal/quota"
)

// AdminHandler exposes support operations on usage records. It is mounted
// behind auth.AdminAuthenticator.
type AdminHandler struct {
	engine *quota.Engine
	logger *slog.Logger
	mux    *http.ServeMux
}

func newAdminHandler(engine *quota.Engine, logger *slog.Logger) *AdminHandler {
	h := &AdminHandler{
		engine: engine,
		logger: logger,
		mux:    http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /admin/usage/{key}", h.getUsage)
	h.mux.HandleFunc("DELETE /admin/usage/{key}", h.resetUsage)

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *AdminHandler) getUsage(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	rec, err := h.engine.Record(r.Context(), key)
	if errors.Is(err, domain.ErrUsageNotFound) {
		writeError(w, http.StatusNotFound, "usage record not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load usage record", "caller_key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load usage record")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (h *AdminHandler) resetUsage(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	if err := h.engine.Reset(r.Context(), key); err != nil {
		h.logger.Error("failed to reset usage", "caller_key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reset usage")
		return
	}

	h.logger.Info("usage reset", "caller_key", key)
	w.WriteHeader(http.StatusNoContent)
}
