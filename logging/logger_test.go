package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamplight/rewards-engine/logging"
)

func TestCtx_CarriesRequestAndUser(t *testing.T) {
	// GIVEN: a logger writing JSON to a buffer
	buf := captureLogs(t, "info")
	ctx := logging.WithRequestID(context.Background(), "req-1")
	ctx = logging.WithUserID(ctx, "u1")

	// WHEN: logging through the context
	logging.Ctx(ctx).Info().Str("achievement", "week_streak").Msg("achievement unlocked")

	// THEN: both ids are fields on the line
	line := lastLine(t, buf)
	assert.Equal(t, "req-1", line["request_id"])
	assert.Equal(t, "u1", line["user_id"])
	assert.Equal(t, "week_streak", line["achievement"])
	assert.Equal(t, "info", line["level"])
}

func TestWithUserID_EmptyIsNoop(t *testing.T) {
	ctx := logging.WithUserID(context.Background(), "")
	assert.Empty(t, logging.UserID(ctx))
	assert.NotEmpty(t, logging.NewRequestID())
}

func TestInit_LevelFilters(t *testing.T) {
	buf := captureLogs(t, "warn")

	logging.Info().Msg("hidden")
	logging.Warn().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestInit_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "rewards.log")
	logging.Init(logging.Config{Level: "info", Format: "json", File: path, Output: &bytes.Buffer{}})
	t.Cleanup(func() { logging.Init(logging.DefaultConfig()) })

	logging.Info().Msg("to file")
	require.NoError(t, logging.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

// =============================================================================
// TEST HELPERS
// =============================================================================

func captureLogs(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	logging.Init(logging.Config{Level: level, Format: "json", Output: buf})
	t.Cleanup(func() { logging.Init(logging.DefaultConfig()) })
	return buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &out))
	return out
}
