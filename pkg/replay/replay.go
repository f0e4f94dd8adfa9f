package replay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/fieldsync/pkg/events"
	"github.com/cuemby/fieldsync/pkg/log"
	"github.com/cuemby/fieldsync/pkg/metrics"
	"github.com/cuemby/fieldsync/pkg/queue"
	"github.com/cuemby/fieldsync/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// HeaderIdempotencyKey carries QueuedRequest.IdempotencyKey on every replay
const HeaderIdempotencyKey = "Idempotency-Key"

// Result summarizes one replay pass
type Result struct {
	Replayed  int `json:"replayed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Remaining int `json:"remaining"`
}

// Observer receives connectivity evidence from replayed requests
type Observer interface {
	Observe(reachable bool, message string)
}

// Replayer drains the write queue against the backend
type Replayer struct {
	queue    *queue.Queue
	client   *http.Client
	limiter  *rate.Limiter
	emitter  events.Emitter
	observer Observer
	logger   zerolog.Logger

	group singleflight.Group
}

// Option configures a Replayer
type Option func(*Replayer)

// WithClient sets the HTTP client. It must talk to the network directly,
// never through the interceptor, or failed replays would be queued again.
func WithClient(c *http.Client) Option {
	return func(r *Replayer) { r.client = c }
}

// WithEmitter publishes RequestReplayed and SyncCompleted
func WithEmitter(e events.Emitter) Option {
	return func(r *Replayer) { r.emitter = e }
}

// WithObserver reports transport outcomes, typically to a health.Monitor
func WithObserver(o Observer) Option {
	return func(r *Replayer) { r.observer = o }
}

// WithRateLimit paces replayed requests. rate.Inf disables pacing.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(r *Replayer) { r.limiter = rate.NewLimiter(limit, burst) }
}

// New creates a replayer for q
func New(q *queue.Queue, opts ...Option) *Replayer {
	r := &Replayer{
		queue:   q,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 5),
		emitter: events.Discard{},
		logger:  log.WithComponent("replay"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type sourceKey struct{}

// WithSource labels passes started with ctx, e.g. "interval" or "force_sync"
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

func sourceFrom(ctx context.Context) string {
	if s, ok := ctx.Value(sourceKey{}).(string); ok {
		return s
	}
	return "manual"
}

// ReplayAll replays every pending request in enqueue order. A request is
// removed only after a 2xx. The first failure ends the pass: the failed
// request and everything queued after it stay queued, so a dependent
// update never reaches the backend before the create it builds on.
// Concurrent calls share a single pass.
func (r *Replayer) ReplayAll(ctx context.Context) (Result, error) {
	v, err, shared := r.group.Do("replay", func() (interface{}, error) {
		return r.replayAll(ctx)
	})
	if shared {
		r.logger.Debug().Msg("Joined replay pass already in progress")
	}
	res, _ := v.(Result)
	return res, err
}

// Run adapts ReplayAll to background.Job
func (r *Replayer) Run(ctx context.Context) (int, error) {
	res, err := r.ReplayAll(ctx)
	return res.Remaining, err
}

func (r *Replayer) replayAll(ctx context.Context) (Result, error) {
	var res Result
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReplayDuration)

	pending, err := r.queue.ListPending(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list pending requests: %w", err)
	}
	if len(pending) == 0 {
		return res, nil
	}

	r.logger.Info().Int("pending", len(pending)).Msg("Replay pass started")

	halted := false
	for _, req := range pending {
		if ctx.Err() != nil {
			break
		}
		if halted {
			res.Skipped++
			metrics.ReplayAttemptsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		if err := r.limiter.Wait(ctx); err != nil {
			break
		}

		status, err := r.send(ctx, req)
		if err != nil {
			res.Failed++
			halted = true
			metrics.ReplayAttemptsTotal.WithLabelValues("failure").Inc()
			log.WithQueueID(req.ID).Warn().
				Err(err).
				Str("method", req.Method).
				Str("url", req.URL).
				Str("ordering_key", req.OrderingKey).
				Msg("Replay failed, request and later writes kept")
			continue
		}

		// Removal failure means the request is replayed again next pass
		if err := r.queue.Remove(ctx, req.ID); err != nil {
			log.WithQueueID(req.ID).Warn().Err(err).Msg("Replayed request could not be removed")
		}
		res.Replayed++
		metrics.ReplayAttemptsTotal.WithLabelValues("success").Inc()
		r.emitter.Emit(events.RequestReplayed{
			QueueID:     req.ID,
			Method:      req.Method,
			URL:         req.URL,
			OrderingKey: req.OrderingKey,
			StatusCode:  status,
		})
	}

	if n, err := r.queue.Len(context.WithoutCancel(ctx)); err == nil {
		res.Remaining = n
	}

	r.logger.Info().
		Int("replayed", res.Replayed).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Int("remaining", res.Remaining).
		Msg("Replay pass finished")

	r.emitter.Emit(events.SyncCompleted{
		Replayed:  res.Replayed,
		Failed:    res.Failed,
		Skipped:   res.Skipped,
		Remaining: res.Remaining,
		Source:    sourceFrom(ctx),
	})
	return res, ctx.Err()
}

// send issues one queued request. Any non-2xx is a failure.
func (r *Replayer) send(ctx context.Context, req *types.QueuedRequest) (int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return 0, fmt.Errorf("invalid queued request: %w", err)
	}
	httpReq.Header = req.HTTPHeader()
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(HeaderIdempotencyKey, req.IdempotencyKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		r.observe(false, err.Error())
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	r.observe(true, resp.Status)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("backend answered %s", resp.Status)
	}
	return resp.StatusCode, nil
}

func (r *Replayer) observe(reachable bool, message string) {
	if r.observer != nil {
		r.observer.Observe(reachable, message)
	}
}
