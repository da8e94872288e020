package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{input: "", want: slog.LevelInfo},
		{input: "INFO", want: slog.LevelInfo},
		{input: "debug", want: slog.LevelDebug},
		{input: "warning", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "loud", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEventWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, Options{Instance: "studio"})
	require.NoError(t, err)

	Event(logger.With("component", "engine"), "module_initialized", "module", "counter")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "module_initialized", record["msg"])
	assert.Equal(t, "module_initialized", record["event_type"])
	assert.Equal(t, "engine", record["component"])
	assert.Equal(t, "studio", record["instance"])
	assert.Equal(t, "counter", record["module"])
	assert.Equal(t, "INFO", record["level"])
}

func TestNewRespectsLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, Options{Format: FormatText, Level: "warn"})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")

	_, err = New(&buf, Options{Format: "xml"})
	assert.Error(t, err)
}

func TestDiscard(t *testing.T) {
	assert.NotPanics(t, func() {
		Discard().Error("nothing")
	})
}
