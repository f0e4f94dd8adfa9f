package events

import (
	"time"

	"github.com/cuemby/fieldsync/pkg/types"
)

// EventName identifies an event family on the bus
type EventName string

const (
	EventInspectionStatusChanged          EventName = "inspectionStatusChanged"
	EventInspectionCreated                EventName = "inspectionCreated"
	EventDataRefreshRequested             EventName = "dataRefreshRequested"
	EventBuildingInspectionHistoryUpdated EventName = "buildingInspectionHistoryUpdated"
	EventRequestQueued                    EventName = "requestQueued"
	EventRequestReplayed                  EventName = "requestReplayed"
	EventSyncCompleted                    EventName = "syncCompleted"
	EventConnectivityChanged              EventName = "connectivityChanged"
	EventStorageUnavailable               EventName = "storageUnavailable"
)

// Refresh scopes understood by dashboard surfaces
const (
	ScopeInspectionsTab     = "inspections_tab"
	ScopeInspectionHistory  = "inspection_history"
	ScopeBuildingDetail     = "building_detail"
	ScopeInspectionsPending = "inspections_pending"
)

// Event is the closed set of payloads the bus carries. Only types in this
// package implement it.
type Event interface {
	Name() EventName
	isEvent()
}

// InspectionStatusChanged is emitted after every successful lifecycle transition
type InspectionStatusChanged struct {
	InspectionID string
	PropertyID   string
	Previous     types.InspectionStatus
	Current      types.InspectionStatus
	Snapshot     *types.InspectionSession
	At           time.Time
}

// InspectionCreated is emitted when an inspector begins a new inspection
type InspectionCreated struct {
	InspectionID string
	PropertyID   string
	Snapshot     *types.InspectionSession
}

// DataRefreshRequested asks the listed surfaces to reload their data
type DataRefreshRequested struct {
	Scopes []string
	Reason string
}

// BuildingInspectionHistoryUpdated tells building-scoped panels their history changed
type BuildingInspectionHistoryUpdated struct {
	PropertyID   string
	InspectionID string
	Status       types.InspectionStatus
}

// RequestQueued is emitted when a write is stored for later replay
type RequestQueued struct {
	QueueID     uint64
	Method      string
	URL         string
	OrderingKey string
	Checkpoint  bool
}

// RequestReplayed is emitted when a queued write was accepted by the backend
type RequestReplayed struct {
	QueueID     uint64
	Method      string
	URL         string
	OrderingKey string
	StatusCode  int
}

// SyncCompleted summarizes one replay pass
type SyncCompleted struct {
	Replayed  int
	Failed    int
	Skipped   int
	Remaining int
	Source    string
}

// ConnectivityChanged reports a transition between online and offline
type ConnectivityChanged struct {
	Online  bool
	Message string
}

// StorageUnavailable warns that offline durability is compromised
type StorageUnavailable struct {
	Op  string
	Err string
}

func (InspectionStatusChanged) Name() EventName { return EventInspectionStatusChanged }
func (InspectionCreated) Name() EventName       { return EventInspectionCreated }
func (DataRefreshRequested) Name() EventName    { return EventDataRefreshRequested }
func (BuildingInspectionHistoryUpdated) Name() EventName {
	return EventBuildingInspectionHistoryUpdated
}
func (RequestQueued) Name() EventName       { return EventRequestQueued }
func (RequestReplayed) Name() EventName     { return EventRequestReplayed }
func (SyncCompleted) Name() EventName       { return EventSyncCompleted }
func (ConnectivityChanged) Name() EventName { return EventConnectivityChanged }
func (StorageUnavailable) Name() EventName  { return EventStorageUnavailable }

func (InspectionStatusChanged) isEvent()          {}
func (InspectionCreated) isEvent()                {}
func (DataRefreshRequested) isEvent()             {}
func (BuildingInspectionHistoryUpdated) isEvent() {}
func (RequestQueued) isEvent()                    {}
func (RequestReplayed) isEvent()                  {}
func (SyncCompleted) isEvent()                    {}
func (ConnectivityChanged) isEvent()              {}
func (StorageUnavailable) isEvent()               {}
