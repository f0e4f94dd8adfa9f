package session

import (
	"errors"
	"testing"

	"github.com/cuemby/fieldsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext(t *testing.T) {
	tests := []struct {
		from     types.InspectionStatus
		event    Event
		expected types.InspectionStatus
	}{
		{types.StatusScheduled, EventStart, types.StatusInProgress},
		{types.StatusInProgress, EventPause, types.StatusPaused},
		{types.StatusPaused, EventResume, types.StatusInProgress},
		{types.StatusInProgress, EventSubmitForReview, types.StatusReadyForReview},
		{types.StatusReadyForReview, EventComplete, types.StatusCompleted},
		{types.StatusScheduled, EventCancel, types.StatusCancelled},
		{types.StatusInProgress, EventCancel, types.StatusCancelled},
		{types.StatusPaused, EventCancel, types.StatusCancelled},
		{types.StatusReadyForReview, EventCancel, types.StatusCancelled},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.event), func(t *testing.T) {
			got, err := Next(tt.from, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNext_Undefined(t *testing.T) {
	tests := []struct {
		from  types.InspectionStatus
		event Event
	}{
		{types.StatusScheduled, EventPause},
		{types.StatusScheduled, EventComplete},
		{types.StatusInProgress, EventStart},
		{types.StatusInProgress, EventComplete},
		{types.StatusPaused, EventSubmitForReview},
		{types.StatusReadyForReview, EventResume},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.event), func(t *testing.T) {
			got, err := Next(tt.from, tt.event)
			assert.True(t, errors.Is(err, ErrInvalidTransition))
			assert.Equal(t, tt.from, got)
		})
	}
}

func TestNext_TerminalRejectsEveryEvent(t *testing.T) {
	for _, from := range []types.InspectionStatus{types.StatusCompleted, types.StatusCancelled} {
		for _, ev := range Events() {
			got, err := Next(from, ev)
			var invalid *InvalidTransitionError
			require.True(t, errors.As(err, &invalid), "%s/%s", from, ev)
			assert.Equal(t, from, invalid.From)
			assert.Equal(t, ev, invalid.Event)
			assert.Equal(t, from, got)
		}
	}
}

func TestEventFor(t *testing.T) {
	ev, err := EventFor(types.StatusReadyForReview, types.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, EventComplete, ev)

	ev, err = EventFor(types.StatusPaused, types.StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, EventResume, ev)

	_, err = EventFor(types.StatusInProgress, types.StatusCompleted)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "from in_progress to completed")
}
