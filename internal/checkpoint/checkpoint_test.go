package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileManager_SaveLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	m, err := NewManager(Config{Enabled: true, Dir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	cp := &Checkpoint{
		RunID:            "run-1",
		FileName:         "orders",
		Status:           StatusFailed,
		BatchesTotal:     3,
		BatchesCompleted: 1,
		SlicesUploaded:   50,
		RetryRounds:      11,
		Unresolved:       []string{"/data/part-0051.csv"},
	}
	require.NoError(t, m.Save(ctx, cp))
	assert.False(t, cp.UpdatedAt.IsZero())

	got, err := m.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, cp.Unresolved, got.Unresolved)
	assert.Equal(t, 11, got.RetryRounds)
	assert.Equal(t, StatusFailed, got.Status)

	_, err = os.Stat(filepath.Join(dir, "checkpoint_run-1.json.tmp"))
	assert.True(t, os.IsNotExist(err))

	_, err = m.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestFileManager_Latest(t *testing.T) {
	m, err := NewManager(Config{Enabled: true, Dir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.Latest(ctx)
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	now := time.Now().UTC()
	require.NoError(t, m.Save(ctx, &Checkpoint{RunID: "old", UpdatedAt: now.Add(-time.Hour)}))
	require.NoError(t, m.Save(ctx, &Checkpoint{RunID: "new", UpdatedAt: now}))

	got, err := m.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", got.RunID)
}

func TestFileManager_SaveRequiresRunID(t *testing.T) {
	m, err := NewManager(Config{Enabled: true, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.Error(t, m.Save(context.Background(), &Checkpoint{}))
}

func TestNoopManager(t *testing.T) {
	m, err := NewManager(Config{Enabled: false})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, &Checkpoint{RunID: "x"}))
	_, err = m.Load(ctx, "x")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
	_, err = Noop().Latest(ctx)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}
