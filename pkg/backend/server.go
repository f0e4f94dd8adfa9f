package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/fieldsync/pkg/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	headerIdempotencyKey = "Idempotency-Key"

	// HeaderIdempotentReplay marks a response served from the idempotency table
	HeaderIdempotentReplay = "Idempotent-Replayed"

	maxBodySize = 16 << 20
)

// Server is a minimal PostgREST-style repository used as the remote in
// development and integration tests
type Server struct {
	store  *Store
	logger zerolog.Logger

	// writes are applied one at a time so a key is never processed twice
	writeMu sync.Mutex
}

// NewServer serves collections from store
func NewServer(store *Store) *Server {
	return &Server{
		store:  store,
		logger: log.WithComponent("backend"),
	}
}

// Handler returns the HTTP surface
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Route("/rest/v1", func(r chi.Router) {
		r.Get("/", s.handleHealth)
		r.Get("/{collection}", s.handleSelect)
		r.Group(func(r chi.Router) {
			r.Use(s.idempotent)
			r.Post("/{collection}", s.handleInsert)
			r.Patch("/{collection}", s.handlePatch)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request served")
	})
}

// idempotent answers a repeated Idempotency-Key with the first response
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(headerIdempotencyKey)
		if key == "" {
			s.writeMu.Lock()
			defer s.writeMu.Unlock()
			next.ServeHTTP(w, r)
			return
		}

		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		stored, err := s.store.LookupKey(r.Context(), key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if stored != nil {
			s.logger.Info().Str("idempotency_key", key).Msg("Duplicate write ignored")
			w.Header().Set(HeaderIdempotentReplay, "true")
			writeRaw(w, stored.Status, stored.Body)
			return
		}

		rec := &recorder{header: make(http.Header), status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status >= 200 && rec.status < 300 {
			resp := Response{Status: rec.status, Body: rec.body.Bytes()}
			if err := s.store.RememberKey(r.Context(), key, r.Method, r.URL.Path, resp); err != nil {
				s.logger.Warn().Err(err).Str("idempotency_key", key).Msg("Idempotency key not stored")
			}
		}
		for k, v := range rec.header {
			w.Header()[k] = v
		}
		w.WriteHeader(rec.status)
		_, _ = w.Write(rec.body.Bytes())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSelect returns the records matching the eq. filters
// GET /rest/v1/{collection}?col=eq.value
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	filter, err := ParseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	records, err := s.store.Select(r.Context(), collection, filter, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleInsert upserts one record or an array of records
// POST /rest/v1/{collection}
func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	records, err := readRecords(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, rec := range records {
		if rec.ID() == "" {
			rec["id"] = uuid.New().String()
		}
	}

	if err := s.store.Upsert(r.Context(), collection, records); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info().Str("collection", collection).Int("records", len(records)).Msg("Records inserted")
	respond(w, r, http.StatusCreated, records)
}

// handlePatch merges the body into every matching record
// PATCH /rest/v1/{collection}?col=eq.value
func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	filter, err := ParseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(filter) == 0 {
		writeError(w, http.StatusBadRequest, "PATCH requires a filter")
		return
	}

	records, err := readRecords(r.Body)
	if err != nil || len(records) != 1 {
		writeError(w, http.StatusBadRequest, "PATCH body must be one JSON object")
		return
	}

	updated, err := s.store.Patch(r.Context(), collection, filter, records[0])
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info().Str("collection", collection).Int("records", len(updated)).Msg("Records patched")
	respond(w, r, http.StatusOK, updated)
}

func readRecords(body io.Reader) ([]Record, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxBodySize))
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrInvalidRecord
	}
	if data[0] == '[' {
		var records []Record
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, ErrInvalidRecord
		}
		return records, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil || rec == nil {
		return nil, ErrInvalidRecord
	}
	return []Record{rec}, nil
}

// respond honours Prefer: return=minimal
func respond(w http.ResponseWriter, r *http.Request, status int, records []Record) {
	if strings.Contains(r.Header.Get("Prefer"), "return=minimal") {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, status, records)
}

func statusFor(err error) int {
	if errors.Is(err, ErrInvalidRecord) || errors.Is(err, ErrInvalidFilter) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeRaw(w, status, data)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	if len(body) > 0 {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	data, _ := json.Marshal(map[string]string{"message": message})
	writeRaw(w, status, data)
}

// recorder buffers a response so it can be stored before it is sent
type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
	wrote  bool
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if !r.wrote {
		r.status = status
		r.wrote = true
	}
}

func (r *recorder) Write(p []byte) (int, error) {
	r.wrote = true
	return r.body.Write(p)
}
