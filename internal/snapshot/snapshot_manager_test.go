package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證狀態快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/warden/pkg/types"
)

func sampleStatus() types.Status {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return types.Status{
		PID:       4242,
		StartedAt: now,
		Services:  []string{"http", "queue.mail"},
		Workers: []types.WorkerState{
			{Service: "http", Index: 0, PID: 5000, StartedAt: now, Running: true},
			{Service: "queue.mail", Index: 0, PID: 5001, StartedAt: now, Restarts: 2, Running: true},
		},
		UpdatedAt: now.Add(time.Second),
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("status.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "status.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "status.json"))
	original := sampleStatus()

	require.NoError(t, manager.Write(original))
	assert.True(t, manager.Exists())

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, original.PID, loaded.PID)
	assert.Equal(t, original.Services, loaded.Services)
	require.Len(t, loaded.Workers, 2)
	assert.Equal(t, 2, loaded.Workers[1].Restarts)
	assert.True(t, original.StartedAt.Equal(loaded.StartedAt))
}

// TestOverwrite 測試覆寫不留下暫存檔
func TestOverwrite(t *testing.T) {
	dir := t.TempDir()
	manager := NewManager(filepath.Join(dir, "status.json"))

	st := sampleStatus()
	require.NoError(t, manager.Write(st))
	st.PID = 7
	require.NoError(t, manager.Write(st))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.PID)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestLoadMissing 測試快照不存在
func TestLoadMissing(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "status.json"))
	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
	assert.False(t, manager.Exists())
	assert.NoError(t, manager.Remove())
}

// TestLoadCorrupted 測試損壞的快照
func TestLoadCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestLoadIncompatibleVersion 測試版本不相容
func TestLoadIncompatibleVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version": 9, "status": {}}`), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestRemove 測試刪除
func TestRemove(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "status.json"))
	require.NoError(t, manager.Write(sampleStatus()))
	require.NoError(t, manager.Remove())
	assert.False(t, manager.Exists())
}

// ============================================================================
// 並發測試
// ============================================================================

// TestConcurrentWrites 測試並發寫入後檔案仍可載入
func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "status.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			st := sampleStatus()
			st.PID = pid
			assert.NoError(t, manager.Write(st))
		}(i + 1)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Positive(t, loaded.PID)
}
