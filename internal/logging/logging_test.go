package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestSetupWriter_JSON(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	SetupWriter(&buf, Config{Format: "json", Level: "info"})

	log := BatchLogger(RunLogger("run-1", "orders"), 2, 3, 50)
	log.Debug("hidden")
	log.Info("batch uploaded")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "batch uploaded", rec["msg"])
	assert.Equal(t, "run-1", rec["run_id"])
	assert.Equal(t, "orders", rec["file_name"])
	assert.EqualValues(t, 2, rec["batch"])
	assert.EqualValues(t, 50, rec["slices"])
}

func TestRunID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RunID(ctx))

	id := NewRunID()
	assert.Len(t, id, 36)
	assert.Equal(t, id, RunID(WithRunID(ctx, id)))
	assert.NotEqual(t, id, NewRunID())
}
