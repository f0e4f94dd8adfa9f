package inspector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/fieldsync/pkg/autosave"
	"github.com/cuemby/fieldsync/pkg/background"
	"github.com/cuemby/fieldsync/pkg/config"
	"github.com/cuemby/fieldsync/pkg/events"
	"github.com/cuemby/fieldsync/pkg/queue"
	"github.com/cuemby/fieldsync/pkg/storage"
	"github.com/cuemby/fieldsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type host struct {
	queue *queue.Queue
	bus   *events.Bus
}

func (h *host) Queue() *queue.Queue         { return h.queue }
func (h *host) Bus() *events.Bus            { return h.bus }
func (h *host) Trigger() background.Trigger { return background.NopTrigger{} }

func newHost(t *testing.T) *host {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return &host{queue: queue.New(store), bus: events.NewBus()}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Backend.URL = "https://project.example.com"
	cfg.Autosave.Interval = time.Hour
	return cfg
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func pending(t *testing.T, h *host) []*types.QueuedRequest {
	t.Helper()
	reqs, err := h.queue.ListPending(context.Background())
	require.NoError(t, err)
	return reqs
}

func TestHandler_Lifecycle(t *testing.T) {
	h := newHost(t)
	surface := New(h, testConfig())
	handler := surface.Handler()

	rec := do(t, handler, http.MethodGet, "/active", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, handler, http.MethodPost, "/", `{"property_id":"prop-1","inspection_id":"insp-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, handler, http.MethodPost, "/insp-1/events/start", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var snapshot types.InspectionSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, types.StatusInProgress, snapshot.Status)
	assert.Len(t, pending(t, h), 1, "transition checkpoint")

	rec = do(t, handler, http.MethodPut, "/insp-1/data", `{"session_data":{"notes":"roof"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	reqs := pending(t, h)
	require.Len(t, reqs, 2)
	assert.Equal(t, autosave.RecordURL("https://project.example.com", "insp-1"), reqs[1].URL)
	assert.Contains(t, string(reqs[1].Body), `"notes":"roof"`)

	// autosave cannot change the status
	rec = do(t, handler, http.MethodPut, "/insp-1/data", `{"session_data":{"notes":"gone"},"status":"completed"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, pending(t, h), 2)
	assert.JSONEq(t, `{"notes":"roof"}`, string(surface.Sessions().Active().SessionData))

	// no edge from in_progress to completed
	rec = do(t, handler, http.MethodPut, "/insp-1/status", `{"status":"completed"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, handler, http.MethodPost, "/insp-1/events/submitForReview", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, handler, http.MethodPut, "/insp-1/status", `{"status":"completed"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, pending(t, h), 4)

	rec = do(t, handler, http.MethodGet, "/active", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, handler, http.MethodPost, "/insp-1/events/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandler_Errors(t *testing.T) {
	h := newHost(t)
	handler := New(h, testConfig()).Handler()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{name: "begin without id", method: http.MethodPost, path: "/", body: `{"property_id":"p"}`, code: http.StatusBadRequest},
		{name: "unknown event", method: http.MethodPost, path: "/insp-1/events/explode", code: http.StatusBadRequest},
		{name: "unknown session", method: http.MethodPost, path: "/insp-9/events/start", code: http.StatusNotFound},
		{name: "invalid status", method: http.MethodPut, path: "/insp-1/status", body: `{"status":"archived"}`, code: http.StatusBadRequest},
		{name: "save without session", method: http.MethodPut, path: "/insp-1/data", body: `{}`, code: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, handler, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, pending(t, h))
}

func TestHandler_SecondSessionRejected(t *testing.T) {
	h := newHost(t)
	handler := New(h, testConfig()).Handler()

	rec := do(t, handler, http.MethodPost, "/", `{"inspection_id":"insp-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(t, handler, http.MethodPost, "/", `{"inspection_id":"insp-2"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSurface_RestoresInterruptedSession(t *testing.T) {
	h := newHost(t)
	ctx := context.Background()

	first := New(h, testConfig())
	_, err := first.Sessions().Begin("prop-1", "insp-1", json.RawMessage(`{"notes":"attic"}`))
	require.NoError(t, err)
	_, err = first.Sessions().Fire(ctx, "insp-1", "start")
	require.NoError(t, err)

	// a new page after the process was killed
	second := New(h, testConfig())
	require.NoError(t, second.Start(ctx))

	active := second.Sessions().Active()
	require.NotNil(t, active)
	assert.Equal(t, "insp-1", active.InspectionID)
	assert.Equal(t, types.StatusInProgress, active.Status)
	assert.JSONEq(t, `{"notes":"attic"}`, string(active.SessionData))

	require.NoError(t, second.Close(ctx))
	assert.Len(t, pending(t, h), 2, "unmount checkpoint")
}

func TestSurface_ConvergesAcrossSubscribers(t *testing.T) {
	h := newHost(t)
	surface := New(h, testConfig())
	ctx := context.Background()

	var seen []types.InspectionStatus
	unsubscribe := events.OnInspectionStatus(h.bus, "insp-1", func(e events.InspectionStatusChanged) {
		seen = append(seen, e.Current)
	})
	defer unsubscribe()

	_, err := surface.Sessions().Begin("prop-1", "insp-1", nil)
	require.NoError(t, err)
	_, err = surface.Sessions().Fire(ctx, "insp-1", "start")
	require.NoError(t, err)
	_, err = surface.Sessions().Fire(ctx, "insp-1", "cancel")
	require.NoError(t, err)

	assert.Equal(t, []types.InspectionStatus{types.StatusInProgress, types.StatusCancelled}, seen)
}
