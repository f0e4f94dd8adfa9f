package background

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/fieldsync/pkg/log"
	"github.com/cuemby/fieldsync/pkg/metrics"
	"github.com/rs/zerolog"
)

// DeferredScheduler runs registered jobs once the backend is reachable.
// A scheduled tag stays registered, and is retried with exponential backoff,
// until its job reports no remaining work.
type DeferredScheduler struct {
	prober         Prober
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         zerolog.Logger

	mu      sync.Mutex
	jobs    map[string]Job
	pending map[string]uint64 // tag -> schedule sequence
	seq     uint64

	wake   chan struct{}
	cancel context.CancelFunc
	doneCh chan struct{}
}

// DeferredOption configures a DeferredScheduler
type DeferredOption func(*DeferredScheduler)

// WithBackoff sets the first and the largest wait between attempts
func WithBackoff(initial, max time.Duration) DeferredOption {
	return func(s *DeferredScheduler) {
		s.initialBackoff = initial
		s.maxBackoff = max
	}
}

// NewDeferredScheduler creates a scheduler gated by prober. A nil prober
// treats the backend as always reachable.
func NewDeferredScheduler(prober Prober, opts ...DeferredOption) *DeferredScheduler {
	s := &DeferredScheduler{
		prober:         prober,
		initialBackoff: time.Second,
		maxBackoff:     5 * time.Minute,
		logger:         log.WithComponent("deferred-sync"),
		jobs:           make(map[string]Job),
		pending:        make(map[string]uint64),
		wake:           make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register binds job to tag, replacing any previous job
func (s *DeferredScheduler) Register(tag string, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[tag] = job
}

// Schedule registers tag for execution. Scheduling an already pending tag
// is a no-op apart from waking the scheduler.
func (s *DeferredScheduler) Schedule(tag string) {
	s.mu.Lock()
	s.seq++
	s.pending[tag] = s.seq
	s.mu.Unlock()

	metrics.SyncTriggersTotal.WithLabelValues("deferred").Inc()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the registered tags still waiting to complete
func (s *DeferredScheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags := make([]string, 0, len(s.pending))
	for tag := range s.pending {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Start runs the scheduler until ctx is done or Stop is called
func (s *DeferredScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx, s.doneCh)
}

// Stop ends the scheduler and waits for a running job to return
func (s *DeferredScheduler) Stop() {
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

func (s *DeferredScheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	// Registrations survive restarts of the scheduler
	if len(s.Pending()) > 0 {
		s.drain(ctx)
	}
	for {
		select {
		case <-s.wake:
			s.drain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// drain runs pending jobs until none remain, backing off while the
// backend is unreachable or a job leaves work behind
func (s *DeferredScheduler) drain(ctx context.Context) {
	backoff := s.initialBackoff
	for {
		if len(s.Pending()) == 0 {
			return
		}

		if s.prober == nil || s.prober.Probe(ctx) {
			s.runPending(ctx)
			if len(s.Pending()) == 0 {
				return
			}
		} else {
			s.logger.Debug().Dur("backoff", backoff).Msg("Backend unreachable, deferring sync")
		}

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return
		}

		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

func (s *DeferredScheduler) runPending(ctx context.Context) {
	s.mu.Lock()
	type run struct {
		tag string
		seq uint64
		job Job
	}
	runs := make([]run, 0, len(s.pending))
	for tag, seq := range s.pending {
		runs = append(runs, run{tag: tag, seq: seq, job: s.jobs[tag]})
	}
	s.mu.Unlock()
	sort.Slice(runs, func(i, j int) bool { return runs[i].tag < runs[j].tag })

	for _, r := range runs {
		if r.job == nil {
			s.logger.Warn().Str("tag", r.tag).Msg("No job registered for tag, dropping")
			s.complete(r.tag, r.seq)
			continue
		}

		remaining, err := r.job.Run(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Str("tag", r.tag).Msg("Deferred job failed, keeping registration")
			continue
		}
		if remaining > 0 {
			s.logger.Debug().Str("tag", r.tag).Int("remaining", remaining).Msg("Deferred job left work, keeping registration")
			continue
		}
		s.complete(r.tag, r.seq)
	}
}

// complete clears tag unless it was scheduled again while its job ran
func (s *DeferredScheduler) complete(tag string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[tag] == seq {
		delete(s.pending, tag)
	}
}
