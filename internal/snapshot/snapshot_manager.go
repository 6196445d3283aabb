package snapshot

// ============================================================================
// 職責說明：
// 1. 將 master 的運行狀態（pid、services、worker process）序列化為 JSON 快照檔
// 2. 使用原子性寫入（renameio）防止 status 指令讀到寫到一半的檔案
// 3. 載入時驗證 schema 版本相容性
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/ChuLiYu/warden/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("status snapshot is corrupted")
	ErrIncompatibleVersion = errors.New("status snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("status snapshot not found")
)

// SchemaVersion of the file written by Write.
const SchemaVersion = 1

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

type document struct {
	SchemaVer int          `json:"schema_version"`
	Status    types.Status `json:"status"`
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write 原子性寫入快照
func (m *Manager) Write(st types.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.MarshalIndent(document{SchemaVer: SchemaVersion, Status: st}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := renameio.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}
	return nil
}

// Load 載入快照
//
// 行為：
//   - 檔案不存在 → ErrSnapshotNotFound（master 未運行）
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的快照檔案
func (m *Manager) Load() (types.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return types.Status{}, ErrSnapshotNotFound
		}
		return types.Status{}, fmt.Errorf("failed to read status: %w", err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return types.Status{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if doc.SchemaVer != SchemaVersion {
		return types.Status{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, doc.SchemaVer, SchemaVersion)
	}
	return doc.Status, nil
}

// Remove 刪除快照檔（master 正常結束時）
func (m *Manager) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}
