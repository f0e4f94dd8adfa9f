package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/fieldsync/pkg/autosave"
	"github.com/cuemby/fieldsync/pkg/background"
	"github.com/cuemby/fieldsync/pkg/config"
	"github.com/cuemby/fieldsync/pkg/events"
	"github.com/cuemby/fieldsync/pkg/health"
	"github.com/cuemby/fieldsync/pkg/interceptor"
	"github.com/cuemby/fieldsync/pkg/log"
	"github.com/cuemby/fieldsync/pkg/metrics"
	"github.com/cuemby/fieldsync/pkg/queue"
	"github.com/cuemby/fieldsync/pkg/replay"
	"github.com/cuemby/fieldsync/pkg/repository"
	"github.com/cuemby/fieldsync/pkg/storage"
	"github.com/cuemby/fieldsync/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrNotRunning is returned by Send before Start or after Stop
	ErrNotRunning = errors.New("worker is not running")

	// ErrUnknownMessage is returned for a message type the worker does not handle
	ErrUnknownMessage = errors.New("unknown message type")

	// ErrInvalidPayload is returned when a message payload cannot be decoded
	ErrInvalidPayload = errors.New("invalid message payload")
)

type envelope struct {
	ctx   context.Context
	msg   Message
	reply chan result
}

type result struct {
	reply Reply
	err   error
}

// Worker is the background context that owns the durable store. It is the
// only writer of queue and cache; the page side talks to it through a Client.
type Worker struct {
	cfg         *config.Config
	store       storage.Store
	ownsStore   bool
	bus         *events.Bus
	queue       *queue.Queue
	monitor     *health.Monitor
	replayer    *replay.Replayer
	scheduler   background.Scheduler
	interceptor *interceptor.Interceptor
	collector   *metrics.Collector
	logger      zerolog.Logger

	mu      sync.Mutex
	active  string
	waiting string

	inbox       chan envelope
	started     atomic.Bool
	stopped     atomic.Bool
	stopOnce    sync.Once
	unsubscribe func()
	cancel      context.CancelFunc
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// Option configures a Worker
type Option func(*options)

type options struct {
	store   storage.Store
	bus     *events.Bus
	client  *http.Client
	checker health.Checker
}

// WithStore uses an already opened store. The worker does not close it.
func WithStore(s storage.Store) Option {
	return func(o *options) { o.store = s }
}

// WithBus publishes worker events on an existing bus
func WithBus(b *events.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithHTTPClient sets the client used for backend traffic and replay
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithChecker replaces the connectivity probe built from the config
func WithChecker(c health.Checker) Option {
	return func(o *options) { o.checker = c }
}

// New assembles a worker from cfg and installs cfg.Version. The first
// version ever installed is activated immediately; later ones wait for
// Activate or SKIP_WAITING.
func New(cfg *config.Config, opts ...Option) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	w := &Worker{
		cfg:    cfg,
		store:  o.store,
		bus:    o.bus,
		logger: log.WithComponent("worker"),
		inbox:  make(chan envelope),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if w.store == nil {
		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		w.store = store
		w.ownsStore = true
	}
	if w.bus == nil {
		w.bus = events.NewBus()
	}

	client := o.client
	if client == nil {
		client = &http.Client{Timeout: cfg.Backend.Timeout}
	}

	checker := o.checker
	if checker == nil {
		var probeOpts []health.ProbeOption
		if cfg.Backend.APIKey != "" {
			probeOpts = append(probeOpts, health.WithHeader("apikey", cfg.Backend.APIKey))
		}
		c, err := health.NewChecker(cfg.Probe.Type, cfg.HealthURL(), cfg.Probe.Timeout, probeOpts...)
		if err != nil {
			w.closeStore()
			return nil, err
		}
		checker = c
	}

	w.queue = queue.New(w.store,
		queue.WithEmitter(w.bus),
		queue.WithCoalescing(cfg.Sync.Coalesce),
	)
	w.monitor = health.NewMonitor(checker, cfg.HealthConfig(), w.bus)

	limit := rate.Inf
	if cfg.Sync.RateLimit > 0 {
		limit = rate.Limit(cfg.Sync.RateLimit)
	}
	w.replayer = replay.New(w.queue,
		replay.WithClient(client),
		replay.WithEmitter(w.bus),
		replay.WithObserver(w.monitor),
		replay.WithRateLimit(limit, cfg.Sync.Burst),
	)

	switch cfg.Sync.Scheduler {
	case config.SchedulerInterval:
		w.scheduler = background.NewIntervalScheduler(w.replayer, cfg.Sync.Interval)
	default:
		d := background.NewDeferredScheduler(w.monitor,
			background.WithBackoff(cfg.Sync.InitialBackoff, cfg.Sync.MaxBackoff))
		d.Register(background.SyncTag, w.replayer)
		w.scheduler = d
	}

	w.interceptor = interceptor.New(w.store, w.queue,
		interceptor.WithRouter(interceptor.NewRouter(cfg.Routes)),
		interceptor.WithClient(client),
		interceptor.WithTrigger(w.scheduler),
		interceptor.WithObserver(w.monitor),
		interceptor.WithUpstream(cfg.BackendURL()),
	)
	w.collector = metrics.NewCollector(w.store, 15*time.Second)

	active, err := w.store.ActiveGeneration()
	if err != nil {
		w.closeStore()
		return nil, err
	}
	w.active = active
	if err := w.Install(cfg.Version); err != nil {
		w.closeStore()
		return nil, err
	}

	metrics.RegisterComponent(metrics.ComponentStorage, true, "open")
	metrics.RegisterComponent(metrics.ComponentWorker, false, "not started")
	return w, nil
}

// Start runs the message loop, the connectivity monitor and the sync scheduler
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)

	// Coming back online is a sync trigger of its own
	w.unsubscribe = events.Subscribe(w.bus, func(e events.ConnectivityChanged) {
		if e.Online {
			w.scheduler.Schedule(background.SyncTag)
		}
	})

	w.monitor.Start()
	w.scheduler.Start(ctx)
	w.collector.Start()

	// Writes left over from a previous run
	if n, err := w.queue.Len(ctx); err == nil && n > 0 {
		w.logger.Info().Int("pending", n).Msg("Pending writes found at startup")
		w.scheduler.Schedule(background.SyncTag)
	}

	go w.run(ctx)

	metrics.UpdateComponent(metrics.ComponentWorker, true, "running")
	w.logger.Info().
		Str("generation", w.Generation()).
		Str("backend", w.cfg.Backend.URL).
		Msg("Worker started")
}

// Stop ends every loop and closes the store when the worker opened it
func (w *Worker) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		if w.started.Load() {
			close(w.stopCh)
			<-w.doneCh
			w.cancel()
			w.unsubscribe()
			w.scheduler.Stop()
			w.monitor.Stop()
			w.collector.Stop()
		}
		w.interceptor.Wait()
		metrics.UpdateComponent(metrics.ComponentWorker, false, "stopped")
		err = w.closeStore()
		w.logger.Info().Msg("Worker stopped")
	})
	return err
}

func (w *Worker) closeStore() error {
	if !w.ownsStore {
		return nil
	}
	return w.store.Close()
}

// run handles messages one at a time
func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case env := <-w.inbox:
			reply, err := w.handle(env.ctx, env.msg)
			env.reply <- result{reply: reply, err: err}
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg Message) (Reply, error) {
	reply := Reply{Type: msg.Type}
	logger := w.logger.With().Str("message", string(msg.Type)).Logger()

	switch msg.Type {
	case MsgSkipWaiting:
		gen, err := w.Activate()
		if err != nil {
			return reply, err
		}
		reply.Generation = gen

	case MsgCacheInspectionData:
		var data InspectionData
		if err := json.Unmarshal(msg.Payload, &data); err != nil || data.ID == "" || len(data.Payload) == 0 {
			return reply, fmt.Errorf("%w: CACHE_INSPECTION_DATA needs id and payload", ErrInvalidPayload)
		}
		key, err := w.cacheInspection(data)
		if err != nil {
			return reply, err
		}
		reply.CacheKey = key

	case MsgGetOfflineStatus:
		status, err := w.Status(ctx)
		if err != nil {
			return reply, err
		}
		reply.Status = &status

	case MsgForceSync:
		metrics.SyncTriggersTotal.WithLabelValues("force").Inc()
		res, err := w.replayer.ReplayAll(replay.WithSource(ctx, "force"))
		if err != nil {
			return reply, err
		}
		reply.Sync = &res

	default:
		return reply, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}

	logger.Debug().Msg("Control message handled")
	return reply, nil
}

// cacheInspection seeds the read cache for one inspection record
func (w *Worker) cacheInspection(data InspectionData) (string, error) {
	key := types.CacheKey(http.MethodGet, autosave.RecordURL(w.cfg.Backend.URL, data.ID))
	entry := &types.CacheEntry{
		Key:         key,
		Status:      http.StatusOK,
		ContentType: "application/json",
		Payload:     append([]byte(nil), data.Payload...),
		StoredAt:    time.Now(),
	}
	if err := w.store.PutCacheEntry(entry); err != nil {
		return "", fmt.Errorf("failed to cache inspection %s: %w", data.ID, err)
	}
	log.WithInspectionID(data.ID).Debug().Str("key", key).Msg("Inspection data cached")
	return key, nil
}

// Install stages version. With no active generation it is activated at once.
func (w *Worker) Install(version string) error {
	if version == "" {
		return fmt.Errorf("version must not be empty")
	}

	w.mu.Lock()
	if version == w.active {
		w.waiting = ""
		w.mu.Unlock()
		return nil
	}
	w.waiting = version
	first := w.active == ""
	w.mu.Unlock()

	w.logger.Info().Str("version", version).Bool("first_install", first).Msg("Version installed")
	if first {
		_, err := w.Activate()
		return err
	}
	return nil
}

// Activate switches the cache to the waiting version and purges every other
// generation. Queued writes are left untouched. Without a waiting version it
// returns the active generation.
func (w *Worker) Activate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.waiting == "" {
		return w.active, nil
	}

	purged, err := w.store.ActivateGeneration(w.waiting)
	if err != nil {
		return w.active, fmt.Errorf("failed to activate %s: %w", w.waiting, err)
	}

	w.logger.Info().
		Str("generation", w.waiting).
		Str("previous", w.active).
		Strs("purged", purged).
		Msg("Version activated")

	w.active = w.waiting
	w.waiting = ""
	w.collector.Collect()
	return w.active, nil
}

// Generation returns the active cache generation
func (w *Worker) Generation() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// Waiting returns the installed version waiting for activation, if any
func (w *Worker) Waiting() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.waiting
}

// Status reports connectivity and the number of pending writes
func (w *Worker) Status(ctx context.Context) (types.OfflineStatus, error) {
	n, err := w.queue.Len(ctx)
	if err != nil {
		return types.OfflineStatus{}, err
	}
	return types.OfflineStatus{
		IsOffline:   !w.monitor.Online(),
		QueuedItems: n,
		Generation:  w.Generation(),
	}, nil
}

// Client returns a handle for sending control messages
func (w *Worker) Client() *Client {
	return &Client{worker: w}
}

// Bus returns the event bus the worker publishes on
func (w *Worker) Bus() *events.Bus { return w.bus }

// Queue returns the durable write queue
func (w *Worker) Queue() *queue.Queue { return w.queue }

// Interceptor returns the network boundary
func (w *Worker) Interceptor() *interceptor.Interceptor { return w.interceptor }

// Monitor returns the connectivity monitor
func (w *Worker) Monitor() *health.Monitor { return w.monitor }

// Repository returns a repository client routed through the interceptor
func (w *Worker) Repository() *repository.Client {
	return repository.New(w.interceptor, w.cfg.Backend.URL, repository.WithAPIKey(w.cfg.Backend.APIKey))
}

// Trigger returns the sync scheduler as a trigger
func (w *Worker) Trigger() background.Trigger { return w.scheduler }

// Client is the page-side handle to a worker
type Client struct {
	worker *Worker
}

// Send delivers msg to the worker goroutine and waits for its reply
func (c *Client) Send(ctx context.Context, msg Message) (Reply, error) {
	w := c.worker
	if !w.started.Load() || w.stopped.Load() {
		return Reply{Type: msg.Type}, ErrNotRunning
	}

	env := envelope{ctx: ctx, msg: msg, reply: make(chan result, 1)}
	select {
	case w.inbox <- env:
	case <-w.doneCh:
		return Reply{Type: msg.Type}, ErrNotRunning
	case <-ctx.Done():
		return Reply{Type: msg.Type}, ctx.Err()
	}

	select {
	case res := <-env.reply:
		return res.reply, res.err
	case <-ctx.Done():
		return Reply{Type: msg.Type}, ctx.Err()
	}
}

// OfflineStatus is a shorthand for GET_OFFLINE_STATUS
func (c *Client) OfflineStatus(ctx context.Context) (types.OfflineStatus, error) {
	reply, err := c.Send(ctx, Message{Type: MsgGetOfflineStatus})
	if err != nil {
		return types.OfflineStatus{}, err
	}
	return *reply.Status, nil
}

// ForceSync is a shorthand for FORCE_SYNC
func (c *Client) ForceSync(ctx context.Context) (replay.Result, error) {
	reply, err := c.Send(ctx, Message{Type: MsgForceSync})
	if reply.Sync == nil {
		return replay.Result{}, err
	}
	return *reply.Sync, err
}
