package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		wantErr  bool
	}{
		{input: "", expected: InfoLevel},
		{input: "debug", expected: DebugLevel},
		{input: "WARN", expected: WarnLevel},
		{input: "trace", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestInit_JSONFields(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	WithQueueID(42).Debug().Msg("queued")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "queued", entry["message"])
	assert.Equal(t, float64(42), entry["queue_id"])
	assert.Equal(t, "debug", entry["level"])
}

func TestInit_LevelFilters(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	logger := WithComponent("autosave")
	logger.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	WithInspectionID("insp-1").Warn().Msg("shown")
	assert.Contains(t, buf.String(), `"inspection_id":"insp-1"`)
}
