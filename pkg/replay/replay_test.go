package replay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/fieldsync/pkg/events"
	"github.com/cuemby/fieldsync/pkg/queue"
	"github.com/cuemby/fieldsync/pkg/storage"
	"github.com/cuemby/fieldsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type received struct {
	method         string
	path           string
	body           string
	idempotencyKey string
	contentType    string
}

// recorder is a backend that fails requests whose body contains a marker
type recorder struct {
	mu       sync.Mutex
	requests []received
	failOn   string
	status   int
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.requests = append(r.requests, received{
		method:         req.Method,
		path:           req.URL.Path,
		body:           string(body),
		idempotencyKey: req.Header.Get(HeaderIdempotencyKey),
		contentType:    req.Header.Get("Content-Type"),
	})
	failOn := r.failOn
	r.mu.Unlock()

	if failOn != "" && strings.Contains(string(body), failOn) {
		w.WriteHeader(r.status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *recorder) bodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.requests))
	for i, req := range r.requests {
		out[i] = req.body
	}
	return out
}

func setup(t *testing.T, backend http.Handler) (*queue.Queue, *httptest.Server) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	server := httptest.NewServer(backend)
	t.Cleanup(server.Close)
	return queue.New(store), server
}

func enqueue(t *testing.T, q *queue.Queue, url, key, body string) *types.QueuedRequest {
	t.Helper()
	req := &types.QueuedRequest{
		URL:         url,
		Method:      http.MethodPatch,
		Headers:     []types.Header{{Key: "Content-Type", Value: "application/json"}},
		Body:        []byte(body),
		OrderingKey: key,
	}
	_, err := q.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return req
}

func unpaced() Option {
	return WithRateLimit(rate.Inf, 1)
}

func TestReplayAll_EnqueueOrder(t *testing.T) {
	backend := &recorder{}
	q, server := setup(t, backend)

	enqueue(t, q, server.URL+"/rest/v1/inspections", "a", `{"n":1}`)
	enqueue(t, q, server.URL+"/rest/v1/inspections", "b", `{"n":2}`)
	enqueue(t, q, server.URL+"/rest/v1/inspections", "a", `{"n":3}`)

	res, err := New(q, unpaced()).ReplayAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Result{Replayed: 3}, res)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, backend.bodies())

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReplayAll_CarriesHeadersAndIdempotencyKey(t *testing.T) {
	backend := &recorder{}
	q, server := setup(t, backend)

	queued := enqueue(t, q, server.URL+"/rest/v1/inspections", "a", `{}`)

	_, err := New(q, unpaced()).ReplayAll(context.Background())
	require.NoError(t, err)

	require.Len(t, backend.requests, 1)
	got := backend.requests[0]
	assert.Equal(t, http.MethodPatch, got.method)
	assert.Equal(t, "/rest/v1/inspections", got.path)
	assert.Equal(t, "application/json", got.contentType)
	assert.Equal(t, queued.IdempotencyKey, got.idempotencyKey)
}

func TestReplayAll_FailureHaltsPass(t *testing.T) {
	backend := &recorder{failOn: "bad", status: http.StatusInternalServerError}
	q, server := setup(t, backend)

	enqueue(t, q, server.URL+"/x", "a", `{"v":"ok-first"}`)
	enqueue(t, q, server.URL+"/x", "a", `{"v":"bad"}`)
	enqueue(t, q, server.URL+"/x", "b", `{"v":"ok-b"}`)
	enqueue(t, q, server.URL+"/x", "a", `{"v":"ok-a"}`)

	bus := events.NewBus()
	var completed []events.SyncCompleted
	events.Subscribe(bus, func(e events.SyncCompleted) { completed = append(completed, e) })

	res, err := New(q, unpaced(), WithEmitter(bus)).ReplayAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Result{Replayed: 1, Failed: 1, Skipped: 2, Remaining: 3}, res)
	// nothing queued after the failure is sent, whatever its key
	assert.Equal(t, []string{`{"v":"ok-first"}`, `{"v":"bad"}`}, backend.bodies())

	pending, err := q.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, `{"v":"bad"}`, string(pending[0].Body))
	assert.Equal(t, `{"v":"ok-b"}`, string(pending[1].Body))
	assert.Equal(t, `{"v":"ok-a"}`, string(pending[2].Body))

	require.Len(t, completed, 1)
	assert.Equal(t, 3, completed[0].Remaining)
	assert.Equal(t, "manual", completed[0].Source)
}

func TestReplayAll_UpdateWaitsForFailedCreate(t *testing.T) {
	// the create is rejected once; the autosave patch for the same
	// inspection must not reach the backend ahead of it
	var mu sync.Mutex
	var seen []string
	createFailures := 1
	q, server := setup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, r.Method)
		if r.Method == http.MethodPost && createFailures > 0 {
			createFailures--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Method == http.MethodPatch && !contains(seen[:len(seen)-1], http.MethodPost) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	_, err := q.Enqueue(context.Background(), &types.QueuedRequest{
		URL:         server.URL + "/rest/v1/inspections",
		Method:      http.MethodPost,
		Body:        []byte(`{"id":"insp-1","status":"scheduled"}`),
		OrderingKey: "/rest/v1/inspections",
	})
	require.NoError(t, err)
	enqueue(t, q, server.URL+"/rest/v1/inspections?id=eq.insp-1", "insp-1", `{"status":"in_progress"}`)

	r := New(q, unpaced())
	res, err := r.ReplayAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Failed: 1, Skipped: 1, Remaining: 2}, res)

	res, err = r.ReplayAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Replayed: 2}, res)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{http.MethodPost, http.MethodPost, http.MethodPatch}, seen)
}

func TestReplayAll_EnqueueDuringPassKeepsOrder(t *testing.T) {
	backend := &recorder{}
	var q *queue.Queue
	var url string
	var once sync.Once
	appendDuringPass := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			// a page writes while the first request is in flight
			enqueue(t, q, url+"/x", "a", `{"n":3}`)
		})
		backend.ServeHTTP(w, r)
	})
	q, server := setup(t, appendDuringPass)
	url = server.URL

	enqueue(t, q, url+"/x", "a", `{"n":1}`)
	enqueue(t, q, url+"/x", "b", `{"n":2}`)

	r := New(q, unpaced())
	res, err := r.ReplayAll(context.Background())
	require.NoError(t, err)
	// the pass works from the snapshot it listed
	assert.Equal(t, Result{Replayed: 2, Remaining: 1}, res)

	res, err = r.ReplayAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Replayed: 1}, res)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, backend.bodies())
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func TestReplayAll_NonSuccessStatusIsFailure(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{name: "client error", status: http.StatusConflict},
		{name: "server error", status: http.StatusBadGateway},
		{name: "redirect", status: http.StatusNotModified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &recorder{failOn: "x", status: tt.status}
			q, server := setup(t, backend)
			enqueue(t, q, server.URL+"/x", "a", `"x"`)

			res, err := New(q, unpaced()).ReplayAll(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, res.Failed)
			assert.Equal(t, 1, res.Remaining)
		})
	}
}

func TestReplayAll_Unreachable(t *testing.T) {
	q, server := setup(t, &recorder{})
	url := server.URL
	server.Close()

	enqueue(t, q, url+"/x", "a", `{}`)

	res, err := New(q, unpaced()).ReplayAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Failed: 1, Remaining: 1}, res)
}

func TestReplayAll_AtLeastOnceAcrossPasses(t *testing.T) {
	backend := &recorder{failOn: "flaky", status: http.StatusServiceUnavailable}
	q, server := setup(t, backend)
	enqueue(t, q, server.URL+"/x", "a", `"flaky"`)

	r := New(q, unpaced())
	res, err := r.ReplayAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Remaining)

	backend.mu.Lock()
	backend.failOn = ""
	backend.mu.Unlock()

	res, err = r.ReplayAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Replayed: 1}, res)
	assert.Len(t, backend.bodies(), 2)
}

func TestReplayAll_ConcurrentCallsShareOnePass(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	q, server := setup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	enqueue(t, q, server.URL+"/x", "a", `{}`)

	r := New(q, unpaced())
	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = r.ReplayAll(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
}

func TestReplayAll_EmitsRequestReplayed(t *testing.T) {
	q, server := setup(t, &recorder{})
	queued := enqueue(t, q, server.URL+"/x", "insp-7", `{}`)

	bus := events.NewBus()
	var replayed []events.RequestReplayed
	events.Subscribe(bus, func(e events.RequestReplayed) { replayed = append(replayed, e) })

	_, err := New(q, unpaced(), WithEmitter(bus)).ReplayAll(WithSource(context.Background(), "force_sync"))
	require.NoError(t, err)

	require.Len(t, replayed, 1)
	assert.Equal(t, queued.ID, replayed[0].QueueID)
	assert.Equal(t, "insp-7", replayed[0].OrderingKey)
	assert.Equal(t, http.StatusNoContent, replayed[0].StatusCode)
}

func TestReplayAll_EmptyQueue(t *testing.T) {
	q, _ := setup(t, &recorder{})

	res, err := New(q).ReplayAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestRun_ReportsRemaining(t *testing.T) {
	backend := &recorder{failOn: "x", status: http.StatusInternalServerError}
	q, server := setup(t, backend)
	enqueue(t, q, server.URL+"/x", "a", `"x"`)

	remaining, err := New(q, unpaced()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
}
