package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/fieldsync/pkg/interceptor"
	"github.com/cuemby/fieldsync/pkg/metrics"
	"github.com/cuemby/fieldsync/pkg/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxMessageSize = 8 << 20

// Handler serves the control endpoint, health and metrics, and proxies
// everything else through the interceptor
func (w *Worker) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post(interceptor.ControlPath, w.handleMessage)
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Handle("/*", w.interceptor)
	return r
}

// handleMessage accepts a JSON Message and answers with its Reply
// POST /__fieldsync/message
func (w *Worker) handleMessage(rw http.ResponseWriter, r *http.Request) {
	var msg Message
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil || json.Unmarshal(body, &msg) != nil || msg.Type == "" {
		writeError(rw, http.StatusBadRequest, "invalid message")
		return
	}

	// FORCE_SYNC can outlive a short client timeout; let it finish
	ctx := r.Context()
	if msg.Type == MsgForceSync {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
		defer cancel()
	}

	reply, err := w.Client().Send(ctx, msg)
	switch {
	case err == nil:
		writeJSON(rw, http.StatusOK, reply)
	case errors.Is(err, ErrUnknownMessage), errors.Is(err, ErrInvalidPayload):
		writeError(rw, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotRunning):
		writeError(rw, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, storage.ErrStorageUnavailable):
		writeError(rw, http.StatusInsufficientStorage, err.Error())
	default:
		w.logger.Warn().Err(err).Str("message", string(msg.Type)).Msg("Control message failed")
		writeError(rw, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
