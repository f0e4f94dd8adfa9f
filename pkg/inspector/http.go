package inspector

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/fieldsync/pkg/autosave"
	"github.com/cuemby/fieldsync/pkg/session"
	"github.com/cuemby/fieldsync/pkg/storage"
	"github.com/cuemby/fieldsync/pkg/types"
	"github.com/go-chi/chi/v5"
)

// BasePath is where Handler is mounted by the serve command
const BasePath = "/__fieldsync/inspections"

const maxBodySize = 16 << 20

type beginRequest struct {
	PropertyID   string          `json:"property_id"`
	InspectionID string          `json:"inspection_id"`
	SessionData  json.RawMessage `json:"session_data,omitempty"`
}

type statusRequest struct {
	Status types.InspectionStatus `json:"status"`
}

type saveRequest struct {
	SessionData json.RawMessage        `json:"session_data"`
	Status      types.InspectionStatus `json:"status,omitempty"`
}

type saveResponse struct {
	InspectionID string    `json:"inspection_id"`
	QueueID      uint64    `json:"queue_id"`
	SavedAt      time.Time `json:"saved_at"`
}

// Handler exposes the session to a browser shell:
//
//	GET  /active                 active session, or 204
//	POST /                       begin {property_id, inspection_id, session_data}
//	POST /{id}/events/{event}    fire a lifecycle event
//	PUT  /{id}/status            move to {status}
//	PUT  /{id}/data              autosave {session_data}; a status, if sent,
//	                             must be the current one
func (s *Surface) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/active", s.handleActive)
	r.Post("/", s.handleBegin)
	r.Route("/{id}", func(r chi.Router) {
		r.Post("/events/{event}", s.handleEvent)
		r.Put("/status", s.handleStatus)
		r.Put("/data", s.handleSave)
	})
	return r
}

func (s *Surface) handleActive(w http.ResponseWriter, _ *http.Request) {
	active := s.sessions.Active()
	if active == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, active)
}

func (s *Surface) handleBegin(w http.ResponseWriter, r *http.Request) {
	var req beginRequest
	if err := decode(r, &req); err != nil || req.InspectionID == "" {
		writeError(w, http.StatusBadRequest, "inspection_id is required")
		return
	}
	created, err := s.sessions.Begin(req.PropertyID, req.InspectionID, req.SessionData)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Surface) handleEvent(w http.ResponseWriter, r *http.Request) {
	ev := session.Event(chi.URLParam(r, "event"))
	if !knownEvent(ev) {
		writeError(w, http.StatusBadRequest, "unknown event "+string(ev))
		return
	}
	snapshot, err := s.sessions.Fire(r.Context(), chi.URLParam(r, "id"), ev)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Surface) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decode(r, &req); err != nil || !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "a valid status is required")
		return
	}
	snapshot, err := s.sessions.ChangeStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Surface) handleSave(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Status != "" && !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+string(req.Status))
		return
	}

	id := chi.URLParam(r, "id")
	if active := s.sessions.Active(); active == nil || active.InspectionID != id {
		s.fail(w, fmt.Errorf("%w: %s is not active", session.ErrUnknownSession, id))
		return
	}
	ack, err := s.saver.Save(r.Context(), req.SessionData, req.Status)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, saveResponse{
		InspectionID: ack.InspectionID,
		QueueID:      ack.QueueID,
		SavedAt:      ack.SavedAt,
	})
}

// fail maps session and storage errors onto HTTP statuses
func (s *Surface) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrSessionActive):
		status = http.StatusConflict
	case errors.Is(err, session.ErrUnknownSession), errors.Is(err, autosave.ErrNoActiveSession):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrStorageUnavailable):
		status = http.StatusInsufficientStorage
	default:
		s.logger.Error().Err(err).Msg("Inspection request failed")
	}
	writeError(w, status, err.Error())
}

func knownEvent(ev session.Event) bool {
	for _, e := range session.Events() {
		if e == ev {
			return true
		}
	}
	return false
}

func decode(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
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
