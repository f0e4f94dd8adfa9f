package autosave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/fieldsync/pkg/background"
	"github.com/cuemby/fieldsync/pkg/log"
	"github.com/cuemby/fieldsync/pkg/metrics"
	"github.com/cuemby/fieldsync/pkg/queue"
	"github.com/cuemby/fieldsync/pkg/session"
	"github.com/cuemby/fieldsync/pkg/types"
	"github.com/rs/zerolog"
)

// Save reasons
const (
	ReasonManual     = "manual"
	ReasonInterval   = "interval"
	ReasonUnmount    = "unmount"
	ReasonTransition = "transition"
)

// ErrNoActiveSession is returned by Save when nothing is being edited
var ErrNoActiveSession = errors.New("no active inspection session")

// Source is the owner of the active session, normally a *session.Manager
type Source interface {
	Active() *types.InspectionSession
	Update(inspectionID string, data json.RawMessage) error
	MarkSaved(inspectionID string, at time.Time)
}

// Record is the body of a checkpoint write
type Record struct {
	InspectionID string                 `json:"inspection_id"`
	PropertyID   string                 `json:"property_id"`
	Status       types.InspectionStatus `json:"status"`
	SessionData  json.RawMessage        `json:"session_data,omitempty"`
	LastSavedAt  time.Time              `json:"last_saved_at"`
}

// Ack confirms a checkpoint is durable locally. It says nothing about the backend.
type Ack struct {
	InspectionID string
	QueueID      uint64
	SavedAt      time.Time
}

// Controller turns session snapshots into queued checkpoint writes
type Controller struct {
	queue    *queue.Queue
	source   Source
	trigger  background.Trigger
	baseURL  string
	headers  []types.Header
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	doneCh chan struct{}
}

// Option configures a Controller
type Option func(*Controller)

// WithTrigger schedules replay after every checkpoint
func WithTrigger(t background.Trigger) Option {
	return func(c *Controller) { c.trigger = t }
}

// WithInterval sets the timer period used while in progress
func WithInterval(d time.Duration) Option {
	return func(c *Controller) { c.interval = d }
}

// WithHeaders adds headers to every checkpoint write, e.g. API keys
func WithHeaders(h http.Header) Option {
	return func(c *Controller) {
		c.headers = append(c.headers, types.HeadersFrom(h, nil)...)
	}
}

// WithClock sets the time source for LastSavedAt
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a controller writing checkpoints for source's active session
// to the inspections collection under baseURL
func New(q *queue.Queue, source Source, baseURL string, opts ...Option) *Controller {
	c := &Controller{
		queue:    q,
		source:   source,
		trigger:  background.NopTrigger{},
		baseURL:  strings.TrimRight(baseURL, "/"),
		interval: 30 * time.Second,
		now:      time.Now,
		logger:   log.WithComponent("autosave"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RecordURL is the PATCH target of an inspection's checkpoints
func RecordURL(baseURL, inspectionID string) string {
	return strings.TrimRight(baseURL, "/") + "/rest/v1/inspections?id=eq." + url.QueryEscape(inspectionID)
}

// Save stores sessionData as the active session's new data and queues a
// checkpoint of it. status, when set, must equal the session's current
// status: changing status is the state machine's job. It never waits for
// the network.
func (c *Controller) Save(ctx context.Context, sessionData json.RawMessage, status types.InspectionStatus) (Ack, error) {
	snapshot := c.source.Active()
	if snapshot == nil {
		return Ack{}, ErrNoActiveSession
	}
	if status != "" && status != snapshot.Status {
		return Ack{}, &session.InvalidTransitionError{
			InspectionID: snapshot.InspectionID,
			From:         snapshot.Status,
			To:           status,
		}
	}
	if sessionData != nil {
		if err := c.source.Update(snapshot.InspectionID, sessionData); err != nil {
			return Ack{}, err
		}
		snapshot.SessionData = sessionData
	}
	return c.persist(ctx, snapshot, ReasonManual)
}

// Checkpoint queues snapshot as is; it is the hook run after every transition
func (c *Controller) Checkpoint(ctx context.Context, snapshot *types.InspectionSession, reason string) error {
	_, err := c.persist(ctx, snapshot, reason)
	return err
}

func (c *Controller) persist(ctx context.Context, snapshot *types.InspectionSession, reason string) (Ack, error) {
	at := c.now().UTC()
	snapshot.LastSavedAt = at

	body, err := json.Marshal(Record{
		InspectionID: snapshot.InspectionID,
		PropertyID:   snapshot.PropertyID,
		Status:       snapshot.Status,
		SessionData:  snapshot.SessionData,
		LastSavedAt:  at,
	})
	if err != nil {
		return Ack{}, fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	headers := append([]types.Header{
		{Key: "Content-Type", Value: "application/json"},
		{Key: "Prefer", Value: "return=minimal"},
	}, c.headers...)

	id, err := c.queue.Enqueue(ctx, &types.QueuedRequest{
		URL:         RecordURL(c.baseURL, snapshot.InspectionID),
		Method:      http.MethodPatch,
		Headers:     headers,
		Body:        body,
		OrderingKey: snapshot.InspectionID,
		Checkpoint:  true,
	})
	if err != nil {
		return Ack{}, fmt.Errorf("failed to queue checkpoint: %w", err)
	}

	c.source.MarkSaved(snapshot.InspectionID, at)
	metrics.AutosavesTotal.WithLabelValues(reasonLabel(reason)).Inc()
	log.WithInspectionID(snapshot.InspectionID).Debug().
		Str("reason", reason).
		Str("status", string(snapshot.Status)).
		Uint64("queue_id", id).
		Msg("Checkpoint saved")

	c.trigger.Schedule(background.SyncTag)
	return Ack{InspectionID: snapshot.InspectionID, QueueID: id, SavedAt: at}, nil
}

func reasonLabel(reason string) string {
	if i := strings.IndexByte(reason, ':'); i >= 0 {
		return reason[:i]
	}
	return reason
}

// Run saves the active session every interval while it is in progress.
// Paused sessions are not saved by the timer.
func (c *Controller) Run(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.doneCh = make(chan struct{})
	go c.loop(ctx, c.doneCh)
}

func (c *Controller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snapshot := c.source.Active()
			if snapshot == nil || snapshot.Status != types.StatusInProgress {
				continue
			}
			if _, err := c.persist(ctx, snapshot, ReasonInterval); err != nil {
				c.logger.Error().Err(err).Str("inspection_id", snapshot.InspectionID).Msg("Interval autosave failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the timer
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.doneCh
	c.cancel, c.doneCh = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops the timer and saves the active session one last time, as a
// page does right before it unmounts
func (c *Controller) Close(ctx context.Context) error {
	c.Stop()
	snapshot := c.source.Active()
	if snapshot == nil {
		return nil
	}
	_, err := c.persist(ctx, snapshot, ReasonUnmount)
	return err
}

// LatestCheckpoint decodes the newest pending checkpoint, or returns nil
// when none is queued
func (c *Controller) LatestCheckpoint(ctx context.Context) (*types.InspectionSession, error) {
	pending, err := c.queue.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	var latest *types.InspectionSession
	for _, req := range pending {
		if !req.Checkpoint {
			continue
		}
		var rec Record
		if err := json.Unmarshal(req.Body, &rec); err != nil {
			log.WithQueueID(req.ID).Warn().Err(err).Msg("Unreadable checkpoint skipped")
			continue
		}
		if !rec.Status.Valid() {
			log.WithQueueID(req.ID).Warn().Str("status", string(rec.Status)).Msg("Checkpoint with unknown status skipped")
			continue
		}
		// later entries win ties: they were enqueued last
		if latest != nil && rec.LastSavedAt.Before(latest.LastSavedAt) {
			continue
		}
		latest = &types.InspectionSession{
			PropertyID:   rec.PropertyID,
			InspectionID: rec.InspectionID,
			Status:       rec.Status,
			SessionData:  rec.SessionData,
			LastSavedAt:  rec.LastSavedAt,
		}
	}
	return latest, nil
}
