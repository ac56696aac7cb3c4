package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證摘要的原子性寫入、載入、版本驗證與合併
// ============================================================================

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ChuLiYu/blockseq/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSummary(low, high int) types.RunSummary {
	return types.RunSummary{
		Low:        low,
		High:       high,
		Total:      high - low,
		Succeeded:  high - low - 2,
		Failed:     2,
		Empty:      1,
		Versions:   map[int]int{3: high - low - 1, 2: 1},
		FailedBy:   map[string]int{"normalize": 1, "parse": 1},
		StartedAt:  1000,
		FinishedAt: 2000,
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("0-999_summary.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "0-999_summary.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入
func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "0-9_summary.json")
	manager := NewManager(path)
	assert.False(t, manager.Exists())

	original := sampleSummary(0, 10)
	require.NoError(t, manager.Write(original))
	assert.True(t, manager.Exists())

	loaded, err := manager.Load()
	require.NoError(t, err)

	original.SchemaVer = SchemaVersion
	assert.Equal(t, original, loaded)
}

// TestRemove 測試刪除快照
func TestRemove(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "0-9_summary.json"))
	require.NoError(t, manager.Remove(), "missing file is not an error")

	require.NoError(t, manager.Write(sampleSummary(0, 10)))
	require.NoError(t, manager.Remove())
	assert.False(t, manager.Exists())

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

// TestAtomicWrite 測試並發寫入與讀取時不會讀到半成品
func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "summary.json")
	manager := NewManager(path)
	require.NoError(t, manager.Write(sampleSummary(0, 50)))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, manager.Write(sampleSummary(0, 100)))
		}()
		go func() {
			defer wg.Done()
			s, err := manager.Load()
			assert.NoError(t, err)
			assert.True(t, s.High == 50 || s.High == 100, "got %d", s.High)
		}()
	}
	wg.Wait()

	// 不應留下臨時檔案
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestLoadMissing 測試檔案不存在
func TestLoadMissing(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "none.json"))
	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 2}`), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted 測試損壞的檔案
func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 1, "total": `), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestLoadFillsMaps 測試缺少的 map 會被初始化
func TestLoadFillsMaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 1, "total": 3}`), 0o644))

	s, err := NewManager(path).Load()
	require.NoError(t, err)
	assert.NotNil(t, s.Versions)
	assert.NotNil(t, s.FailedBy)
	assert.Equal(t, 3, s.Total)
}

// ============================================================================
// 合併測試
// ============================================================================

func TestMerge(t *testing.T) {
	var total types.RunSummary
	Merge(&total, sampleSummary(1000, 2000))
	Merge(&total, sampleSummary(0, 1000))

	assert.Equal(t, 0, total.Low)
	assert.Equal(t, 2000, total.High)
	assert.Equal(t, 2000, total.Total)
	assert.Equal(t, 4, total.Failed)
	assert.Equal(t, 2, total.Empty)
	assert.Equal(t, 2, total.Versions[2])
	assert.Equal(t, 1998, total.Versions[3])
	assert.Equal(t, 2, total.FailedBy["parse"])
	assert.Equal(t, int64(1000), total.StartedAt)
	assert.Equal(t, int64(2000), total.FinishedAt)
}
