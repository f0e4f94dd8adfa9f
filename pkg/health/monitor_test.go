package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/fieldsync/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// switchable backend health endpoint
func newBackend(t *testing.T) (*httptest.Server, *atomic.Bool) {
	t.Helper()
	up := &atomic.Bool{}
	up.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server, up
}

func TestMonitor_ProbeTransitions(t *testing.T) {
	server, up := newBackend(t)
	bus := events.NewBus()
	var changes []bool
	events.Subscribe(bus, func(e events.ConnectivityChanged) { changes = append(changes, e.Online) })

	m := NewMonitor(NewHTTPProbe(server.URL, time.Second), Config{Timeout: time.Second, Retries: 1}, bus)
	ctx := context.Background()

	assert.True(t, m.Online())
	assert.True(t, m.Probe(ctx))
	assert.Empty(t, changes, "no change while staying online")

	up.Store(false)
	assert.False(t, m.Probe(ctx))
	assert.False(t, m.Online())

	up.Store(true)
	assert.True(t, m.Probe(ctx))

	assert.Equal(t, []bool{false, true}, changes)
}

func TestMonitor_RetriesBeforeOffline(t *testing.T) {
	m := NewMonitor(NewHTTPProbe("http://unused", time.Second), Config{Retries: 3}, nil)

	m.Observe(false, "dial tcp: connection refused")
	m.Observe(false, "dial tcp: connection refused")
	assert.True(t, m.Online())

	m.Observe(false, "dial tcp: connection refused")
	assert.False(t, m.Online())
	assert.Equal(t, 3, m.Snapshot().Failures)

	m.Observe(true, "HTTP 200")
	assert.True(t, m.Online())
	snap := m.Snapshot()
	assert.Zero(t, snap.Failures)
	assert.Equal(t, 1, snap.Successes)
	assert.Equal(t, "HTTP 200", snap.LastMessage)
}

func TestMonitor_StartStop(t *testing.T) {
	server, up := newBackend(t)
	up.Store(false)

	m := NewMonitor(NewHTTPProbe(server.URL, time.Second), Config{Interval: 10 * time.Millisecond, Timeout: time.Second, Retries: 1}, nil)
	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool { return !m.Online() }, time.Second, 5*time.Millisecond)

	up.Store(true)
	require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)
}

func TestMonitor_StopWithoutStart(t *testing.T) {
	m := NewMonitor(NewHTTPProbe("http://unused", time.Second), DefaultConfig(), nil)
	assert.NotPanics(t, func() {
		m.Stop()
		m.Stop()
	})
}
