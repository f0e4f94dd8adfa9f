package background

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/fieldsync/pkg/log"
	"github.com/cuemby/fieldsync/pkg/metrics"
	"github.com/rs/zerolog"
)

// IntervalScheduler is the foreground fallback: it runs its job on every
// tick, and immediately whenever Schedule is called.
type IntervalScheduler struct {
	job      Job
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	wake   chan struct{}
	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewIntervalScheduler creates a scheduler running job every interval
func NewIntervalScheduler(job Job, interval time.Duration) *IntervalScheduler {
	return &IntervalScheduler{
		job:      job,
		interval: interval,
		logger:   log.WithComponent("interval-sync"),
		wake:     make(chan struct{}, 1),
	}
}

// Schedule forces an immediate run. The tag is ignored: there is one job.
func (s *IntervalScheduler) Schedule(string) {
	metrics.SyncTriggersTotal.WithLabelValues("interval_forced").Inc()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start begins the loop
func (s *IntervalScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.doneCh = make(chan struct{})
	go s.run(ctx, s.doneCh)
}

// Stop ends the loop and waits for it
func (s *IntervalScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.doneCh
	s.cancel, s.doneCh = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *IntervalScheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.SyncTriggersTotal.WithLabelValues("interval").Inc()
			s.tick(ctx)
		case <-s.wake:
			s.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *IntervalScheduler) tick(ctx context.Context) {
	remaining, err := s.job.Run(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Sync run failed")
		return
	}
	if remaining > 0 {
		s.logger.Debug().Int("remaining", remaining).Msg("Requests still queued")
	}
}
