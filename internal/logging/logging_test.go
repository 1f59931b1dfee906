package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T, level string) (*slog.Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	zl := zerolog.New(&buf).Level(ParseLevel(level))
	return slog.New(NewSlogHandler(zl)), &buf
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestSlogHandler_Fields(t *testing.T) {
	logger, buf := capture(t, "debug")

	logger.Info("append accepted",
		"aggregate_id", "order-42", "version", int64(3), "sealed", true,
		"err", errors.New("boom"))

	recs := lines(t, buf)
	require.Len(t, recs, 1)
	assert.Equal(t, "info", recs[0]["level"])
	assert.Equal(t, "append accepted", recs[0]["message"])
	assert.Equal(t, "order-42", recs[0]["aggregate_id"])
	assert.Equal(t, float64(3), recs[0]["version"])
	assert.Equal(t, true, recs[0]["sealed"])
	assert.Equal(t, "boom", recs[0]["err"])
}

func TestSlogHandler_Levels(t *testing.T) {
	logger, buf := capture(t, "warn")

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")
	logger.Error("shown")

	recs := lines(t, buf)
	require.Len(t, recs, 2)
	assert.Equal(t, "warn", recs[0]["level"])
	assert.Equal(t, "error", recs[1]["level"])
}

func TestSlogHandler_GroupsAndAttrs(t *testing.T) {
	logger, buf := capture(t, "info")

	logger.With("component", "projection").
		WithGroup("snapshot").
		Info("marked stale", "name", "order_status", slog.Group("gap", "last", 1, "got", 3))

	recs := lines(t, buf)
	require.Len(t, recs, 1)
	assert.Equal(t, "projection", recs[0]["component"])
	assert.Equal(t, "order_status", recs[0]["snapshot.name"])
	assert.Equal(t, float64(1), recs[0]["snapshot.gap.last"])
	assert.Equal(t, float64(3), recs[0]["snapshot.gap.got"])
}

func TestInit(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	t.Cleanup(func() { Init(DefaultConfig()) })

	NewSlogLogger().Debug("configured", "k", "v")
	recs := lines(t, &buf)
	require.Len(t, recs, 1)
	assert.Equal(t, "v", recs[0]["k"])
	assert.NotContains(t, recs[0], "time")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace":    zerolog.TraceLevel,
		"DEBUG":    zerolog.DebugLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"":         zerolog.InfoLevel,
		"bogus":    zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestDiscard(t *testing.T) {
	assert.False(t, Discard().Enabled(t.Context(), slog.LevelError))
}
