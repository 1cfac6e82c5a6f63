package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf, ServiceName: "test-svc"})

	logger.Info().Str("queue", "ingest_document").Int("attempt", 2).Msg("job started")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "test-svc", entry["service"])
	assert.Equal(t, "ingest_document", entry["queue"])
	assert.Equal(t, float64(2), entry["attempt"])
	assert.Equal(t, "job started", entry["message"])
}

func TestWithContext_AddsJobID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Output: &buf})

	ctx := ContextWithJobID(context.Background(), "job-123")
	logger.WithContext(ctx).Info().Msg("hello")

	assert.Contains(t, buf.String(), `"job_id":"job-123"`)
	assert.Equal(t, "job-123", JobIDFromContext(ctx))
	assert.Empty(t, JobIDFromContext(context.Background()))
}

func TestParseLevel_DefaultsToInfo(t *testing.T) {
	assert.Equal(t, "info", parseLevel("nonsense").String())
	assert.Equal(t, "warn", parseLevel("warning").String())
}

func TestOnce_RunsOnlyFirstTime(t *testing.T) {
	once := NewOnce()
	calls := 0

	assert.True(t, once.Do("visual_disabled", func() { calls++ }))
	assert.False(t, once.Do("visual_disabled", func() { calls++ }))
	assert.True(t, once.Do("other", func() { calls++ }))
	assert.Equal(t, 2, calls)
}

func TestNewLogger_LevelIsPerLogger(t *testing.T) {
	var quiet, loud bytes.Buffer
	warnOnly := NewLogger(LogConfig{Level: "warn", Output: &quiet})
	debug := NewLogger(LogConfig{Level: "debug", Output: &loud})

	warnOnly.Info().Msg("dropped")
	warnOnly.WithOperation("verify").Warn().Msg("kept")
	debug.Debug().Msg("still logged")

	assert.NotContains(t, quiet.String(), "dropped")
	assert.Contains(t, quiet.String(), `"operation":"verify"`)
	assert.Contains(t, loud.String(), "still logged")
}
