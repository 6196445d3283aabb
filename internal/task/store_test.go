package task

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/warden/internal/config"
	"github.com/ChuLiYu/warden/pkg/types"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.StoreConfig{Path: "tasks.db"}, t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreNextDueOrder(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time { return now }

	_, err := s.Add(ctx, &types.TaskRecord{Name: "later", RunAt: now.Add(time.Minute)})
	require.NoError(t, err)
	second, err := s.Add(ctx, &types.TaskRecord{Name: "second", RunAt: now.Add(-time.Second)})
	require.NoError(t, err)
	first, err := s.Add(ctx, &types.TaskRecord{Name: "first", RunAt: now.Add(-time.Minute), Payload: map[string]any{"k": "v"}})
	require.NoError(t, err)

	rec, err := s.NextDue(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, first, rec.ID)
	assert.Equal(t, "v", rec.Payload["k"])

	require.NoError(t, s.Run(ctx, first, 4242))
	assert.ErrorIs(t, s.Run(ctx, first, 1), ErrTaskTaken)

	got, err := s.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, got.Status)
	assert.Equal(t, 4242, got.ExecutorPID)
	require.NotNil(t, got.StartedAt)

	rec, err = s.NextDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, rec.ID)
}

func TestStoreFinish(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time { return now }

	once, err := s.Add(ctx, &types.TaskRecord{Name: "once"})
	require.NoError(t, err)
	every, err := s.Add(ctx, &types.TaskRecord{Name: "every", Interval: time.Hour})
	require.NoError(t, err)

	require.NoError(t, s.Run(ctx, once, 1))
	require.NoError(t, s.Finish(ctx, once, errors.New("exploded")))
	got, err := s.Get(ctx, once)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, "exploded", got.LastError)
	require.NotNil(t, got.FinishedAt)

	require.NoError(t, s.Run(ctx, every, 1))
	require.NoError(t, s.Finish(ctx, every, nil))
	got, err = s.Get(ctx, every)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status)
	assert.Equal(t, now.Add(time.Hour), got.RunAt)

	rec, err := s.NextDue(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	assert.ErrorIs(t, s.Finish(ctx, 999, nil), ErrTaskNotFound)
	_, err = s.Get(ctx, 999)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStoreRunningServer(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetRunningServer(ctx, 100, "warden"))
	require.NoError(t, s.SetRunningServer(ctx, 200, "warden"))

	servers, err := s.RunningServers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, 200, servers[0].PID)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(config.StoreConfig{Driver: "nats"}, t.TempDir(), nil)
	var cfgErr *types.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestOpenResolvesRelativePath(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(config.StoreConfig{Path: filepath.Join("nested", "t.db")}, dir, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, filepath.Join(dir, "nested", "t.db"), s.pool.Path())
}
