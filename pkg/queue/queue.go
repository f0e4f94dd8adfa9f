package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/fieldsync/pkg/events"
	"github.com/cuemby/fieldsync/pkg/log"
	"github.com/cuemby/fieldsync/pkg/metrics"
	"github.com/cuemby/fieldsync/pkg/storage"
	"github.com/cuemby/fieldsync/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrReadRequest is returned when a GET or HEAD request is offered to the queue
var ErrReadRequest = errors.New("only mutations can be queued")

// Queue is the durable write queue. It is safe for concurrent use.
type Queue struct {
	store    storage.Store
	emitter  events.Emitter
	coalesce bool
	now      func() time.Time
	newKey   func() string
	logger   zerolog.Logger

	// serializes the read-then-delete of coalescing
	mu sync.Mutex
}

// Option configures a Queue
type Option func(*Queue)

// WithEmitter publishes RequestQueued and StorageUnavailable events
func WithEmitter(e events.Emitter) Option {
	return func(q *Queue) { q.emitter = e }
}

// WithCoalescing drops older pending autosave checkpoints of the same
// ordering key whenever a newer checkpoint is enqueued.
func WithCoalescing(enabled bool) Option {
	return func(q *Queue) { q.coalesce = enabled }
}

// WithClock sets the time source for EnqueuedAt
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a queue over store
func New(store storage.Store, opts ...Option) *Queue {
	q := &Queue{
		store:   store,
		emitter: events.Discard{},
		now:     time.Now,
		newKey:  uuid.NewString,
		logger:  log.WithComponent("queue"),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue persists req and returns its id. A storage failure is retried
// once; if it persists the returned error matches storage.ErrStorageUnavailable.
func (q *Queue) Enqueue(ctx context.Context, req *types.QueuedRequest) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if req.Method == "" || req.Method == http.MethodGet || req.Method == http.MethodHead {
		return 0, fmt.Errorf("%w: %s %s", ErrReadRequest, req.Method, req.URL)
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = q.now()
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = q.newKey()
	}

	id, err := q.store.AppendRequest(req)
	if errors.Is(err, storage.ErrStorageUnavailable) {
		q.logger.Warn().Err(err).Msg("Enqueue failed, retrying once")
		id, err = q.store.AppendRequest(req)
	}
	if err != nil {
		metrics.EnqueuedTotal.WithLabelValues("unavailable").Inc()
		metrics.UpdateComponent(metrics.ComponentStorage, false, err.Error())
		q.emitter.Emit(events.StorageUnavailable{Op: "enqueue", Err: err.Error()})
		q.logger.Error().Err(err).Str("url", req.URL).Msg("Offline durability compromised, write not queued")
		return 0, err
	}

	metrics.EnqueuedTotal.WithLabelValues("ok").Inc()
	log.WithQueueID(id).Debug().
		Str("method", req.Method).
		Str("url", req.URL).
		Str("ordering_key", req.OrderingKey).
		Msg("Request queued")

	if q.coalesce && req.Checkpoint && req.OrderingKey != "" {
		q.dropSuperseded(req)
	}

	q.refreshGauge()
	q.emitter.Emit(events.RequestQueued{
		QueueID:     id,
		Method:      req.Method,
		URL:         req.URL,
		OrderingKey: req.OrderingKey,
		Checkpoint:  req.Checkpoint,
	})
	return id, nil
}

// dropSuperseded removes earlier checkpoints of the same ordering key.
// Failures are logged only: keeping an extra checkpoint is always safe.
func (q *Queue) dropSuperseded(latest *types.QueuedRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending, err := q.store.ListRequests()
	if err != nil {
		q.logger.Warn().Err(err).Msg("Coalescing skipped")
		return
	}

	var stale []uint64
	for _, p := range pending {
		if p.ID < latest.ID && p.Checkpoint && p.OrderingKey == latest.OrderingKey {
			stale = append(stale, p.ID)
		}
	}
	if len(stale) == 0 {
		return
	}
	if err := q.store.DeleteRequests(stale); err != nil {
		q.logger.Warn().Err(err).Msg("Coalescing skipped")
		return
	}
	metrics.CoalescedTotal.Add(float64(len(stale)))
	q.logger.Debug().
		Str("ordering_key", latest.OrderingKey).
		Int("dropped", len(stale)).
		Msg("Superseded checkpoints dropped")
}

// ListPending returns every queued request in enqueue order
func (q *Queue) ListPending(ctx context.Context) ([]*types.QueuedRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return q.store.ListRequests()
}

// Remove deletes a queued request. Removing an unknown id is not an error.
func (q *Queue) Remove(ctx context.Context, id uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := q.store.DeleteRequest(id); err != nil {
		return err
	}
	q.refreshGauge()
	return nil
}

// Len returns the number of queued requests
func (q *Queue) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return q.store.CountRequests()
}

func (q *Queue) refreshGauge() {
	if n, err := q.store.CountRequests(); err == nil {
		metrics.QueuedRequests.Set(float64(n))
	}
}
