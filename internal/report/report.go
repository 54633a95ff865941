package report

// ============================================================================
// 職責說明：
// 1. 將 controller 狀態序列化為 JSON 報告檔，供外部輪詢
// 2. 使用原子性寫入（temp file + rename）防止讀到半寫入的檔案
// 3. 讀取時驗證 schema 版本（僅供檢視，不作為重啟恢復用途）
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SchemaVersion 目前報告格式版本
const SchemaVersion = 1

var (
	ErrCorruptedReport     = errors.New("report file is corrupted")
	ErrIncompatibleVersion = errors.New("report schema version is incompatible")
	ErrReportNotFound      = errors.New("report file not found")
)

// Document 報告檔內容
type Document[T any] struct {
	SchemaVer   int       `json:"schema_version"`
	GeneratedAt time.Time `json:"generated_at"`
	Status      T         `json:"status"`
}

// Writer 報告寫入器
type Writer[T any] struct {
	path string     // 報告檔案路徑
	mu   sync.Mutex // 保護檔案操作
	now  func() time.Time
}

// NewWriter 建立報告寫入器
func NewWriter[T any](path string) *Writer[T] {
	return &Writer[T]{path: path, now: time.Now}
}

// Write 原子性寫入報告
//
// 流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (w *Writer[T]) Write(status T) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	doc := Document[T]{
		SchemaVer:   SchemaVersion,
		GeneratedAt: w.now().UTC(),
		Status:      status,
	}

	// 帶縮排，方便人工閱讀
	jsonBytes, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if dir := filepath.Dir(w.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report dir: %w", err)
		}
	}

	tmpPath := w.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp report: %w", err)
	}

	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename report: %w", err)
	}

	return nil
}

// Load 讀取報告（CLI status 與測試使用）
func (w *Writer[T]) Load() (Document[T], error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return Read[T](w.path)
}

// Read 讀取指定路徑的報告並驗證版本
func Read[T any](path string) (Document[T], error) {
	var doc Document[T]

	jsonBytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, fmt.Errorf("%w: %s", ErrReportNotFound, path)
		}
		return doc, fmt.Errorf("failed to read report: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return doc, fmt.Errorf("%w: %v", ErrCorruptedReport, err)
	}

	if doc.SchemaVer != SchemaVersion {
		return doc, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, doc.SchemaVer, SchemaVersion)
	}

	return doc, nil
}

// Path 取得報告檔案路徑
func (w *Writer[T]) Path() string {
	return w.path
}
