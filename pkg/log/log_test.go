package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/dukex/flowcore/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, log.ParseLevel(tt.in))
		})
	}
}

func TestWithModule_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger := log.WithModule(log.NewWithWriter(&buf, "info", "json"), "decider")
	logger.Info("claimed", "execution_id", "e-1")
	logger.Debug("hidden")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "decider", entry["module"])
	assert.Equal(t, "e-1", entry["execution_id"])
	assert.Equal(t, "claimed", entry["msg"])
}
