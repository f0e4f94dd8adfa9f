package events

import (
	"testing"

	"github.com/cuemby/fieldsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmit_RegistrationOrder(t *testing.T) {
	bus := NewBus()

	var calls []int
	for i := 1; i <= 3; i++ {
		i := i
		bus.On(EventDataRefreshRequested, func(Event) { calls = append(calls, i) })
	}

	bus.Emit(DataRefreshRequested{Scopes: []string{ScopeInspectionsTab}})
	assert.Equal(t, []int{1, 2, 3}, calls)
}

func TestEmit_PanickingHandlerIsIsolated(t *testing.T) {
	bus := NewBus()

	var calls []string
	bus.On(EventInspectionCreated, func(Event) { calls = append(calls, "first") })
	bus.On(EventInspectionCreated, func(Event) { panic("boom") })
	bus.On(EventInspectionCreated, func(Event) { calls = append(calls, "third") })

	assert.NotPanics(t, func() {
		bus.Emit(InspectionCreated{InspectionID: "insp-1"})
	})
	assert.Equal(t, []string{"first", "third"}, calls)

	// Next emission is delivered normally
	calls = nil
	bus.Emit(InspectionCreated{InspectionID: "insp-2"})
	assert.Equal(t, []string{"first", "third"}, calls)
}

func TestEmit_OnlyMatchingName(t *testing.T) {
	bus := NewBus()

	var got []EventName
	bus.On(EventSyncCompleted, func(e Event) { got = append(got, e.Name()) })

	bus.Emit(RequestQueued{QueueID: 1})
	bus.Emit(SyncCompleted{Replayed: 1})

	assert.Equal(t, []EventName{EventSyncCompleted}, got)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()

	count := 0
	unsubscribe := bus.On(EventConnectivityChanged, func(Event) { count++ })
	assert.Equal(t, 1, bus.SubscriberCount(EventConnectivityChanged))

	bus.Emit(ConnectivityChanged{Online: false})
	unsubscribe()
	unsubscribe()
	bus.Emit(ConnectivityChanged{Online: true})

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, bus.SubscriberCount(EventConnectivityChanged))
}

func TestUnsubscribeDuringDispatch(t *testing.T) {
	bus := NewBus()

	var calls []string
	var unsubscribeThird func()

	bus.On(EventSyncCompleted, func(Event) {
		calls = append(calls, "first")
		unsubscribeThird()
	})
	bus.On(EventSyncCompleted, func(Event) { calls = append(calls, "second") })
	unsubscribeThird = bus.On(EventSyncCompleted, func(Event) { calls = append(calls, "third") })

	bus.Emit(SyncCompleted{})
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestSubscribeDuringDispatch_NotDeliveredToCurrentEmission(t *testing.T) {
	bus := NewBus()

	late := 0
	bus.On(EventRequestQueued, func(Event) {
		bus.On(EventRequestQueued, func(Event) { late++ })
	})

	bus.Emit(RequestQueued{QueueID: 1})
	assert.Equal(t, 0, late)

	bus.Emit(RequestQueued{QueueID: 2})
	assert.Equal(t, 1, late)
}

func TestSubscribe_Typed(t *testing.T) {
	bus := NewBus()

	var got []RequestReplayed
	unsubscribe := Subscribe(bus, func(e RequestReplayed) { got = append(got, e) })
	defer unsubscribe()

	bus.Emit(RequestReplayed{QueueID: 7, StatusCode: 204})

	require.Len(t, got, 1)
	assert.Equal(t, uint64(7), got[0].QueueID)
	assert.Equal(t, 204, got[0].StatusCode)
}

func TestOnInspectionStatus_FiltersByInspection(t *testing.T) {
	bus := NewBus()

	var got []types.InspectionStatus
	OnInspectionStatus(bus, "insp-1", func(e InspectionStatusChanged) {
		got = append(got, e.Current)
	})

	bus.Emit(InspectionStatusChanged{InspectionID: "insp-2", Current: types.StatusInProgress})
	bus.Emit(InspectionStatusChanged{InspectionID: "insp-1", Previous: types.StatusReadyForReview, Current: types.StatusCompleted})

	assert.Equal(t, []types.InspectionStatus{types.StatusCompleted}, got)
}

func TestEmit_NilEventIgnored(t *testing.T) {
	bus := NewBus()
	assert.NotPanics(t, func() { bus.Emit(nil) })
}
