package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/fieldsync/pkg/events"
	"github.com/cuemby/fieldsync/pkg/log"
	"github.com/cuemby/fieldsync/pkg/metrics"
	"github.com/rs/zerolog"
)

// Monitor owns the online/offline view of the backend. It is fed by active
// probes and by passive observations from real traffic.
type Monitor struct {
	checker Checker
	config  Config
	emitter events.Emitter
	logger  zerolog.Logger

	mu    sync.RWMutex
	state Connectivity

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewMonitor creates a monitor that starts online
func NewMonitor(checker Checker, config Config, emitter events.Emitter) *Monitor {
	if emitter == nil {
		emitter = events.Discard{}
	}
	m := &Monitor{
		checker: checker,
		config:  config,
		emitter: emitter,
		logger:  log.WithComponent("connectivity"),
		state:   newConnectivity(time.Now()),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	metrics.Online.Set(1)
	metrics.UpdateComponent(metrics.ComponentBackend, true, "assumed reachable")
	return m
}

// Online reports the current connectivity state
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Online
}

// Snapshot returns a copy of the connectivity state
func (m *Monitor) Snapshot() Connectivity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Probe runs the checker once and returns the resulting online state
func (m *Monitor) Probe(ctx context.Context) bool {
	timeout := m.config.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return m.record(m.checker.Check(checkCtx))
}

// Observe records the outcome of a real request. Any HTTP response counts as
// reachable; only transport failures count against connectivity.
func (m *Monitor) Observe(reachable bool, message string) {
	m.record(Result{Reachable: reachable, Message: message, CheckedAt: time.Now()})
}

func (m *Monitor) record(result Result) bool {
	m.mu.Lock()
	changed := m.state.apply(result, m.config.Retries)
	now := m.state.Online
	m.mu.Unlock()

	if !changed {
		return now
	}

	if now {
		metrics.Online.Set(1)
		m.logger.Info().Str("probe", result.Message).Msg("Backend reachable, back online")
	} else {
		metrics.Online.Set(0)
		m.logger.Warn().Str("probe", result.Message).Msg("Backend unreachable, working offline")
	}
	metrics.UpdateComponent(metrics.ComponentBackend, now, result.Message)
	m.emitter.Emit(events.ConnectivityChanged{Online: now, Message: result.Message})
	return now
}

// Start probes on every interval until Stop
func (m *Monitor) Start() {
	if m.started.CompareAndSwap(false, true) {
		go m.run()
	}
}

// Stop ends the probe loop and waits for it
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	if m.started.Load() {
		<-m.doneCh
	}
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	interval := m.config.Interval
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	m.Probe(ctx)
	for {
		select {
		case <-ticker.C:
			m.Probe(ctx)
		case <-m.stopCh:
			return
		}
	}
}
