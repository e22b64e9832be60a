// ============================================================================
// annosync 匯入帳本 - 檔案狀態機實現
// ============================================================================
//
// Package: internal/ledger
// 文件: ledger.go
// 功能: 追蹤一次匯入中每個本地檔案的狀態，並收集錯誤
//
// 檔案狀態轉換 (State Machine):
//   Pending (待處理)
//      ├─ MarkMissing()   → Missing   (遠端找不到對應檔案)
//      ├─ MarkSkipped()   → Skipped   (沒有標註)
//      └─ MarkUploading() → Uploading (上傳中)
//                              ├─ MarkImported() → Imported
//                              └─ MarkFailed()   → Failed
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 錯誤清單只增不減
//
// ============================================================================

package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 檔案重複登記
	ErrDuplicateFile = errors.New("file already registered")
	// 檔案不存在
	ErrFileNotFound = errors.New("file not found")
	// 非法的狀態轉換
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Status 檔案狀態
type Status string

const (
	StatusPending   Status = "pending"   // 已解析，尚未處理
	StatusMissing   Status = "missing"   // 遠端沒有對應檔案
	StatusSkipped   Status = "skipped"   // 略過（例如沒有標註）
	StatusUploading Status = "uploading" // 上傳中
	StatusImported  Status = "imported"  // 匯入成功
	StatusFailed    Status = "failed"    // 上傳失敗
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusPending, StatusMissing, StatusSkipped, StatusUploading, StatusImported, StatusFailed}

// Entry 單一檔案的紀錄
type Entry struct {
	Path        string        // 本地來源路徑
	FullPath    string        // 遠端邏輯路徑
	FileID      string        // 遠端檔案 ID
	Status      Status        // 當前狀態
	Annotations int           // 上傳的標註數
	Reason      string        // 略過原因
	Error       error         // 失敗原因
	Duration    time.Duration // 上傳耗時
	UpdatedAt   time.Time
	started     time.Time
}

// Ledger 檔案狀態帳本
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]*Entry // path -> entry
	errors  []error           // 只增不減的錯誤清單
}

// New 建立新的帳本
func New() *Ledger {
	return &Ledger{entries: make(map[string]*Entry)}
}

// Register 登記一個已解析的檔案，狀態為 Pending
func (l *Ledger) Register(path, fullPath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[path]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateFile, path)
	}
	l.entries[path] = &Entry{
		Path:      path,
		FullPath:  fullPath,
		Status:    StatusPending,
		UpdatedAt: time.Now(),
	}
	return nil
}

// transition 檢查並更新狀態，呼叫端需持有鎖
func (l *Ledger) transition(path string, from, to Status) (*Entry, error) {
	e, exists := l.entries[path]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	if e.Status != from {
		return nil, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, path, e.Status, to)
	}
	e.Status = to
	e.UpdatedAt = time.Now()
	return e, nil
}

// MarkMissing Pending → Missing
func (l *Ledger) MarkMissing(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.transition(path, StatusPending, StatusMissing)
	return err
}

// MarkSkipped Pending → Skipped
func (l *Ledger) MarkSkipped(path, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, err := l.transition(path, StatusPending, StatusSkipped)
	if err != nil {
		return err
	}
	e.Reason = reason
	return nil
}

// MarkUploading Pending → Uploading
func (l *Ledger) MarkUploading(path, fileID string, annotations int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, err := l.transition(path, StatusPending, StatusUploading)
	if err != nil {
		return err
	}
	e.FileID = fileID
	e.Annotations = annotations
	e.started = e.UpdatedAt
	return nil
}

// MarkImported Uploading → Imported
func (l *Ledger) MarkImported(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, err := l.transition(path, StatusUploading, StatusImported)
	if err != nil {
		return err
	}
	e.Duration = e.UpdatedAt.Sub(e.started)
	return nil
}

// MarkFailed Uploading → Failed，並記錄錯誤
func (l *Ledger) MarkFailed(path string, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, err := l.transition(path, StatusUploading, StatusFailed)
	if err != nil {
		return err
	}
	e.Error = cause
	e.Duration = e.UpdatedAt.Sub(e.started)
	l.errors = append(l.errors, fmt.Errorf("%s: %w", e.FullPath, cause))
	return nil
}

// AddError 記錄與單一檔案無關的錯誤
func (l *Ledger) AddError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, err)
}

// Errors 返回錯誤清單的副本
func (l *Ledger) Errors() []error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]error(nil), l.errors...)
}

// Get 取得單一檔案紀錄的副本
func (l *Ledger) Get(path string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[path]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries 返回依路徑排序的所有紀錄
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Stats 返回各狀態的檔案數量
func (l *Ledger) Stats() map[Status]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		stats[s] = 0
	}
	for _, e := range l.entries {
		stats[e.Status]++
	}
	return stats
}
