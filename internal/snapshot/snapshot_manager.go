package snapshot

// ============================================================================
// 職責說明：
// 1. 將遠端 schema 快照序列化為 JSON 檔（--schema-dump 診斷用）
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/annosync/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

const schemaVersion = 1

// fileData 快照檔案格式
type fileData struct {
	SchemaVer  int                     `json:"schema_ver"`
	Dataset    string                  `json:"dataset"`
	TakenAt    time.Time               `json:"taken_at"`
	Classes    []types.RemoteClass     `json:"classes"`
	Attributes []types.RemoteAttribute `json:"attributes"`
}

// Manager 快照檔案管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write 原子性寫入快照
//
// 流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(dataset string, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data := fileData{
		SchemaVer:  schemaVersion,
		Dataset:    dataset,
		TakenAt:    s.TakenAt,
		Classes:    s.Classes,
		Attributes: s.Attributes,
	}

	// 帶縮排，方便人工閱讀與除錯
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load 載入快照並重建查詢表
//
// 行為：
//   - 檔案不存在回傳 ErrSnapshotNotFound
//   - 內容損壞回傳 ErrCorruptedSnapshot
//   - 版本不符回傳 ErrIncompatibleVersion
func (m *Manager) Load() (string, *Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, ErrSnapshotNotFound
		}
		return "", nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var data fileData
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != schemaVersion {
		return "", nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, schemaVersion)
	}

	s := New(data.Classes, data.Attributes)
	s.TakenAt = data.TakenAt
	return data.Dataset, s, nil
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
