package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/fieldsync/pkg/autosave"
	"github.com/cuemby/fieldsync/pkg/config"
	"github.com/cuemby/fieldsync/pkg/health"
	"github.com/cuemby/fieldsync/pkg/interceptor"
	"github.com/cuemby/fieldsync/pkg/repository"
	"github.com/cuemby/fieldsync/pkg/session"
	"github.com/cuemby/fieldsync/pkg/storage"
	"github.com/cuemby/fieldsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// network switches between a working transport and a dead one
type network struct {
	down atomic.Bool
}

func (n *network) RoundTrip(req *http.Request) (*http.Response, error) {
	if n.down.Load() {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func (n *network) Check(context.Context) health.Result {
	return health.Result{Reachable: !n.down.Load(), Message: "fake probe", CheckedAt: time.Now()}
}

func (n *network) Type() health.CheckType { return health.CheckTypeHTTP }

// backend records every write it accepts
type backend struct {
	mu     sync.Mutex
	writes []string
	keys   []string
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
		return
	}
	body, _ := io.ReadAll(r.Body)
	b.mu.Lock()
	b.writes = append(b.writes, r.Method+" "+string(body))
	b.keys = append(b.keys, r.Header.Get("Idempotency-Key"))
	b.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (b *backend) Writes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.writes...)
}

type fixture struct {
	worker  *Worker
	net     *network
	backend *backend
	server  *httptest.Server
	cfg     *config.Config
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	f := &fixture{net: &network{}, backend: &backend{}}
	f.server = httptest.NewServer(f.backend)
	t.Cleanup(f.server.Close)

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Version = "A"
	cfg.Backend.URL = f.server.URL
	cfg.Probe.Interval = time.Hour
	cfg.Sync.InitialBackoff = 10 * time.Millisecond
	cfg.Sync.MaxBackoff = 50 * time.Millisecond
	cfg.Sync.RateLimit = 0
	if mutate != nil {
		mutate(cfg)
	}
	f.cfg = cfg

	w, err := New(cfg,
		WithHTTPClient(&http.Client{Transport: f.net, Timeout: 5 * time.Second}),
		WithChecker(f.net),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })
	f.worker = w
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.worker.Start(ctx)
}

func TestNew_ActivatesFirstVersion(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, "A", f.worker.Generation())
	assert.Empty(t, f.worker.Waiting())
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Sync.Scheduler = "cron"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestSend_NotRunning(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.worker.Client().Send(context.Background(), Message{Type: MsgGetOfflineStatus})
	assert.ErrorIs(t, err, ErrNotRunning)

	f.start(t)
	require.NoError(t, f.worker.Stop())
	_, err = f.worker.Client().Send(context.Background(), Message{Type: MsgGetOfflineStatus})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestSend_UnknownAndInvalid(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	client := f.worker.Client()

	_, err := client.Send(context.Background(), Message{Type: "CLAIM_CLIENTS"})
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = client.Send(context.Background(), Message{Type: MsgCacheInspectionData, Payload: json.RawMessage(`{"id":""}`)})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestCacheInspectionData_ServedOffline(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	msg, err := NewCacheInspectionData("insp-1", json.RawMessage(`[{"id":"insp-1","status":"scheduled"}]`))
	require.NoError(t, err)
	reply, err := f.worker.Client().Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "GET "+autosave.RecordURL(f.server.URL, "insp-1"), reply.CacheKey)

	f.net.down.Store(true)
	req := httptest.NewRequest(http.MethodGet, autosave.RecordURL(f.server.URL, "insp-1"), nil)
	resp, err := f.worker.Interceptor().Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.FromCache)
	assert.JSONEq(t, `[{"id":"insp-1","status":"scheduled"}]`, string(resp.Body))
}

// Offline autosave then reconnect
func TestOfflineAutosaveThenReconnect(t *testing.T) {
	f := newFixture(t, nil)
	f.net.down.Store(true)
	f.start(t)
	ctx := context.Background()
	client := f.worker.Client()

	sessions := session.NewManager(f.worker.Bus())
	_, err := sessions.Begin("prop-1", "insp-1", nil)
	require.NoError(t, err)
	_, err = sessions.Fire(ctx, "insp-1", session.EventStart)
	require.NoError(t, err)

	saver := autosave.New(f.worker.Queue(), sessions, f.server.URL, autosave.WithTrigger(f.worker.Trigger()))
	_, err = saver.Save(ctx, json.RawMessage(`{"notes":"roof"}`), types.StatusInProgress)
	require.NoError(t, err)
	_, err = saver.Save(ctx, json.RawMessage(`{"notes":"roof, gutters"}`), types.StatusInProgress)
	require.NoError(t, err)

	status, err := client.OfflineStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.IsOffline)
	assert.Equal(t, 2, status.QueuedItems)

	f.net.down.Store(false)
	_, err = client.ForceSync(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := client.OfflineStatus(ctx)
		return err == nil && s.QueuedItems == 0 && !s.IsOffline
	}, 5*time.Second, 20*time.Millisecond)

	writes := f.backend.Writes()
	require.Len(t, writes, 2)
	assert.Contains(t, writes[0], `"notes":"roof"`)
	assert.Contains(t, writes[1], `"notes":"roof, gutters"`)
	assert.NotEqual(t, f.backend.keys[0], f.backend.keys[1])
}

// Version upgrade preserves pending writes
func TestVersionUpgradePreservesPendingWrites(t *testing.T) {
	f := newFixture(t, nil)
	f.net.down.Store(true)
	f.start(t)
	ctx := context.Background()
	client := f.worker.Client()

	msg, err := NewCacheInspectionData("insp-1", json.RawMessage(`[{"id":"insp-1"}]`))
	require.NoError(t, err)
	reply, err := client.Send(ctx, msg)
	require.NoError(t, err)

	_, err = f.worker.Queue().Enqueue(ctx, &types.QueuedRequest{
		URL:         autosave.RecordURL(f.server.URL, "insp-1"),
		Method:      http.MethodPatch,
		Body:        []byte(`{"status":"completed"}`),
		OrderingKey: "insp-1",
	})
	require.NoError(t, err)

	require.NoError(t, f.worker.Install("B"))
	assert.Equal(t, "B", f.worker.Waiting())
	assert.Equal(t, "A", f.worker.Generation())

	activated, err := client.Send(ctx, Message{Type: MsgSkipWaiting})
	require.NoError(t, err)
	assert.Equal(t, "B", activated.Generation)
	assert.Empty(t, f.worker.Waiting())

	_, err = f.worker.store.GetCacheEntry(reply.CacheKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	gens, err := f.worker.store.Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, gens)

	status, err := client.OfflineStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.QueuedItems)
	assert.Equal(t, "B", status.Generation)

	f.net.down.Store(false)
	_, err = client.ForceSync(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.backend.Writes()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, `PATCH {"status":"completed"}`, f.backend.Writes()[0])
}

func TestActivate_WithoutWaitingVersion(t *testing.T) {
	f := newFixture(t, nil)

	gen, err := f.worker.Activate()
	require.NoError(t, err)
	assert.Equal(t, "A", gen)

	require.NoError(t, f.worker.Install("A"))
	assert.Empty(t, f.worker.Waiting())
	assert.Error(t, f.worker.Install(""))
}

func TestStart_ReplaysLeftoverWrites(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.worker.Queue().Enqueue(context.Background(), &types.QueuedRequest{
		URL:    f.server.URL + "/rest/v1/findings",
		Method: http.MethodPost,
		Body:   []byte(`{"id":"f-1"}`),
	})
	require.NoError(t, err)

	f.start(t)
	require.Eventually(t, func() bool { return len(f.backend.Writes()) == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestIntervalScheduler(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Sync.Scheduler = config.SchedulerInterval
		cfg.Sync.Interval = 20 * time.Millisecond
	})
	f.start(t)

	_, err := f.worker.Queue().Enqueue(context.Background(), &types.QueuedRequest{
		URL:    f.server.URL + "/rest/v1/findings",
		Method: http.MethodPost,
		Body:   []byte(`{"id":"f-2"}`),
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.backend.Writes()) == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestHandler(t *testing.T) {
	f := newFixture(t, nil)
	f.net.down.Store(true)
	f.start(t)

	srv := httptest.NewServer(f.worker.Handler())
	defer srv.Close()

	// Proxied write while offline is queued
	resp, err := http.Post(srv.URL+"/rest/v1/findings", "application/json", strings.NewReader(`{"id":"f-1"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get(interceptor.HeaderOffline))

	post := func(body string) (*http.Response, Reply) {
		resp, err := http.Post(srv.URL+interceptor.ControlPath, "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		var reply Reply
		_ = json.NewDecoder(resp.Body).Decode(&reply)
		return resp, reply
	}

	resp, reply := post(`{"type":"GET_OFFLINE_STATUS"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, reply.Status)
	assert.True(t, reply.Status.IsOffline)
	assert.Equal(t, 1, reply.Status.QueuedItems)

	resp, _ = post(`{"type":"NOPE"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(`not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	health, err := http.Get(srv.URL + "/live")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestRepository_QueuesOfflineUpdate(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Backend.APIKey = "anon" })
	f.net.down.Store(true)
	f.start(t)
	ctx := context.Background()

	ack, err := f.worker.Repository().Update(ctx, "inspections", repository.Filter{"id": "insp-1"}, map[string]string{"status": "cancelled"})
	require.NoError(t, err)
	assert.True(t, ack.Offline)

	pending, err := f.worker.Queue().ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "insp-1", pending[0].OrderingKey)
	assert.Equal(t, "anon", pending[0].HTTPHeader().Get("apikey"))
}
