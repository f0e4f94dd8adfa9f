package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/fieldsync/pkg/events"
	"github.com/cuemby/fieldsync/pkg/log"
	"github.com/cuemby/fieldsync/pkg/metrics"
	"github.com/cuemby/fieldsync/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrSessionActive is returned when another inspection is being edited
	ErrSessionActive = errors.New("another inspection session is active")

	// ErrUnknownSession is returned for an inspection this manager never saw
	ErrUnknownSession = errors.New("unknown inspection session")
)

// Checkpointer persists a snapshot after each transition and stamps its
// LastSavedAt
type Checkpointer interface {
	Checkpoint(ctx context.Context, snapshot *types.InspectionSession, reason string) error
}

// CheckpointReader finds the newest persisted snapshot, used after a crash
type CheckpointReader interface {
	LatestCheckpoint(ctx context.Context) (*types.InspectionSession, error)
}

// Manager owns the single active inspection session of one browser context
// and fires its lifecycle transitions.
type Manager struct {
	emitter      events.Emitter
	checkpointer Checkpointer
	now          func() time.Time
	logger       zerolog.Logger

	mu     sync.Mutex
	active *types.InspectionSession
	// terminal sessions keep rejecting transitions after they are cleared
	finished map[string]types.InspectionStatus
}

// Option configures a Manager
type Option func(*Manager)

// WithCheckpointer autosaves after every transition
func WithCheckpointer(c Checkpointer) Option {
	return func(m *Manager) { m.checkpointer = c }
}

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager publishing lifecycle events on emitter
func NewManager(emitter events.Emitter, opts ...Option) *Manager {
	if emitter == nil {
		emitter = events.Discard{}
	}
	m := &Manager{
		emitter:  emitter,
		now:      time.Now,
		logger:   log.WithComponent("session"),
		finished: make(map[string]types.InspectionStatus),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetCheckpointer wires the autosave controller after construction, which
// breaks the construction cycle between the two
func (m *Manager) SetCheckpointer(c Checkpointer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpointer = c
}

// Begin makes a new scheduled session the active one
func (m *Manager) Begin(propertyID, inspectionID string, data json.RawMessage) (*types.InspectionSession, error) {
	if inspectionID == "" {
		return nil, fmt.Errorf("inspection id is required")
	}

	m.mu.Lock()
	if m.active != nil {
		activeID := m.active.InspectionID
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionActive, activeID)
	}
	if status, ok := m.finished[inspectionID]; ok {
		m.mu.Unlock()
		return nil, &InvalidTransitionError{InspectionID: inspectionID, From: status, To: types.StatusScheduled}
	}
	m.active = &types.InspectionSession{
		PropertyID:   propertyID,
		InspectionID: inspectionID,
		Status:       types.StatusScheduled,
		SessionData:  append(json.RawMessage(nil), data...),
	}
	snapshot := m.active.Clone()
	m.mu.Unlock()

	log.WithInspectionID(inspectionID).Info().Str("property_id", propertyID).Msg("Inspection session created")
	m.emitter.Emit(events.InspectionCreated{
		InspectionID: inspectionID,
		PropertyID:   propertyID,
		Snapshot:     snapshot,
	})
	return snapshot.Clone(), nil
}

// Fire applies ev to the inspection. On success the status is updated, a
// checkpoint is autosaved and InspectionStatusChanged is emitted before
// Fire returns. A rejected event leaves the session untouched.
func (m *Manager) Fire(ctx context.Context, inspectionID string, ev Event) (*types.InspectionSession, error) {
	m.mu.Lock()
	current, err := m.lookup(inspectionID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	next, err := Next(current, ev)
	if err != nil {
		m.mu.Unlock()
		var invalid *InvalidTransitionError
		if errors.As(err, &invalid) {
			invalid.InspectionID = inspectionID
		}
		metrics.TransitionsTotal.WithLabelValues(string(ev), "rejected").Inc()
		log.WithInspectionID(inspectionID).Debug().Err(err).Msg("Transition rejected")
		return nil, err
	}

	m.active.Status = next
	snapshot := m.active.Clone()
	if next.Terminal() {
		m.active = nil
		m.finished[inspectionID] = next
	}
	checkpointer := m.checkpointer
	m.mu.Unlock()

	metrics.TransitionsTotal.WithLabelValues(string(ev), "ok").Inc()
	log.WithInspectionID(inspectionID).Info().
		Str("from", string(current)).
		Str("to", string(next)).
		Msg("Inspection status changed")

	if checkpointer != nil {
		// The transition stands even if the checkpoint cannot be stored;
		// storage failures surface through their own event.
		if err := checkpointer.Checkpoint(ctx, snapshot, "transition:"+string(ev)); err != nil {
			log.WithInspectionID(inspectionID).Error().Err(err).Msg("Transition checkpoint not saved")
		}
	}

	m.emitter.Emit(events.InspectionStatusChanged{
		InspectionID: inspectionID,
		PropertyID:   snapshot.PropertyID,
		Previous:     current,
		Current:      next,
		Snapshot:     snapshot.Clone(),
		At:           m.now(),
	})

	switch next {
	case types.StatusCompleted:
		m.emitter.Emit(events.BuildingInspectionHistoryUpdated{
			PropertyID:   snapshot.PropertyID,
			InspectionID: inspectionID,
			Status:       next,
		})
		m.emitter.Emit(events.DataRefreshRequested{
			Scopes: []string{events.ScopeInspectionsTab, events.ScopeInspectionHistory, events.ScopeBuildingDetail},
			Reason: "inspection completed",
		})
	case types.StatusCancelled:
		m.emitter.Emit(events.DataRefreshRequested{
			Scopes: []string{events.ScopeInspectionsTab, events.ScopeInspectionsPending},
			Reason: "inspection cancelled",
		})
	}

	return snapshot, nil
}

// ChangeStatus moves the inspection to target through the one event whose
// edge leads there
func (m *Manager) ChangeStatus(ctx context.Context, inspectionID string, target types.InspectionStatus) (*types.InspectionSession, error) {
	m.mu.Lock()
	current, err := m.lookup(inspectionID)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ev, err := EventFor(current, target)
	if err != nil {
		var invalid *InvalidTransitionError
		if errors.As(err, &invalid) {
			invalid.InspectionID = inspectionID
		}
		metrics.TransitionsTotal.WithLabelValues("change_status", "rejected").Inc()
		return nil, err
	}
	return m.Fire(ctx, inspectionID, ev)
}

// Update replaces the session data of the active inspection in memory
func (m *Manager) Update(inspectionID string, data json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.InspectionID != inspectionID {
		return fmt.Errorf("%w: %s is not active", ErrUnknownSession, inspectionID)
	}
	m.active.SessionData = append(json.RawMessage(nil), data...)
	return nil
}

// MarkSaved records a successful checkpoint on the active session
func (m *Manager) MarkSaved(inspectionID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.InspectionID == inspectionID {
		m.active.LastSavedAt = at
	}
}

// Active returns a copy of the active session, or nil
func (m *Manager) Active() *types.InspectionSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active.Clone()
}

// Status returns the last known status of an inspection
func (m *Manager) Status(inspectionID string) (types.InspectionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(inspectionID)
}

// Restore reactivates the newest checkpointed session after a restart.
// Missing checkpoints leave the manager idle. A terminal checkpoint also
// leaves it idle but keeps that inspection terminal, so it cannot be begun
// again. Only checkpoints still queued are visible: once the backend has
// acknowledged the final one, the backend record is the authority.
func (m *Manager) Restore(ctx context.Context, reader CheckpointReader) (*types.InspectionSession, error) {
	snapshot, err := reader.LatestCheckpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if snapshot == nil || !snapshot.Status.Valid() {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snapshot.Status.Terminal() {
		m.finished[snapshot.InspectionID] = snapshot.Status
		log.WithInspectionID(snapshot.InspectionID).Debug().
			Str("status", string(snapshot.Status)).
			Msg("Finished inspection recorded from checkpoint")
		return nil, nil
	}
	if m.active != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionActive, m.active.InspectionID)
	}
	m.active = snapshot.Clone()
	log.WithInspectionID(snapshot.InspectionID).Info().
		Str("status", string(snapshot.Status)).
		Time("last_saved_at", snapshot.LastSavedAt).
		Msg("Inspection session restored from checkpoint")
	return snapshot.Clone(), nil
}

// lookup must be called with mu held
func (m *Manager) lookup(inspectionID string) (types.InspectionStatus, error) {
	if m.active != nil && m.active.InspectionID == inspectionID {
		return m.active.Status, nil
	}
	if status, ok := m.finished[inspectionID]; ok {
		return status, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownSession, inspectionID)
}
