package snapshot

// ============================================================================
// 職責說明：
// 1. 將一次執行（單一批次或整個語料）的 RunSummary 序列化為 JSON 檔
// 2. 使用原子性寫入（temp file + fsync + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. batch 子行程寫入、supervisor 讀回並彙整
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/blockseq/pkg/types"
)

// SchemaVersion 目前的摘要格式版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// Manager 快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write 原子性寫入摘要
//
// 流程：
// 1. 寫入同目錄下的臨時檔案並 fsync
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(summary types.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary.SchemaVer = SchemaVersion

	// 帶縮排，方便人工閱讀
	jsonBytes, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(jsonBytes); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	// 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load 載入摘要
//
// 行為：
//   - 檔案不存在時回傳 ErrSnapshotNotFound（batch 子行程可能在寫入前就被終止）
//   - 驗證 schema 版本
//   - 偵測損壞的檔案
func (m *Manager) Load() (types.RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var summary types.RunSummary

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return summary, ErrSnapshotNotFound
		}
		return summary, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &summary); err != nil {
		return summary, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if summary.SchemaVer != SchemaVersion {
		return summary, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, summary.SchemaVer, SchemaVersion)
	}

	// 確保 map 不為 nil
	if summary.Versions == nil {
		summary.Versions = make(map[int]int)
	}
	if summary.FailedBy == nil {
		summary.FailedBy = make(map[string]int)
	}
	return summary, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}

// Remove 刪除快照檔案，檔案不存在時不算錯誤
func (m *Manager) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}

// Merge 將 src 的計數累加到 dst，範圍取聯集
func Merge(dst *types.RunSummary, src types.RunSummary) {
	if dst.Total == 0 && dst.High == 0 {
		dst.Low = src.Low
	} else if src.Low < dst.Low {
		dst.Low = src.Low
	}
	if src.High > dst.High {
		dst.High = src.High
	}
	dst.Total += src.Total
	dst.Succeeded += src.Succeeded
	dst.Failed += src.Failed
	dst.Empty += src.Empty
	dst.Duplicates += src.Duplicates

	if dst.Versions == nil {
		dst.Versions = make(map[int]int)
	}
	for v, n := range src.Versions {
		dst.Versions[v] += n
	}
	if dst.FailedBy == nil {
		dst.FailedBy = make(map[string]int)
	}
	for k, n := range src.FailedBy {
		dst.FailedBy[k] += n
	}
	if dst.StartedAt == 0 || (src.StartedAt != 0 && src.StartedAt < dst.StartedAt) {
		dst.StartedAt = src.StartedAt
	}
	if src.FinishedAt > dst.FinishedAt {
		dst.FinishedAt = src.FinishedAt
	}
}
