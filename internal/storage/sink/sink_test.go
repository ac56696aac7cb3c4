package sink

// ============================================================================
// Result Sink 測試檔案
// 職責：驗證追加寫入、並發安全、錯誤傳遞
// ============================================================================

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/blockseq/internal/encoder"
	"github.com/ChuLiYu/blockseq/pkg/types"
)

// mockFile 可注入錯誤的檔案實作
type mockFile struct {
	writes   []string
	writeErr error
	syncErr  error
	synced   int
	closed   bool
}

func (f *mockFile) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.writes = append(f.writes, string(p))
	return len(p), nil
}

func (f *mockFile) Sync() error {
	f.synced++
	return f.syncErr
}

func (f *mockFile) Close() error {
	f.closed = true
	return nil
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// ============================================================================
// Stream
// ============================================================================

func TestStream_AppendIsSingleWrite(t *testing.T) {
	f := &mockFile{}
	s := newStream(f, "mock", true)

	require.NoError(t, s.AppendLines([]string{"a", "b", "c"}))
	require.NoError(t, s.AppendLine("d"))

	assert.Equal(t, []string{"a\nb\nc\n", "d\n"}, f.writes)
	assert.Equal(t, 2, f.synced)
	assert.Equal(t, uint64(4), s.Lines())
}

func TestStream_Errors(t *testing.T) {
	boom := errors.New("disk full")

	s := newStream(&mockFile{writeErr: boom}, "mock", false)
	assert.ErrorIs(t, s.AppendLine("x"), boom)
	assert.Equal(t, uint64(0), s.Lines())

	s = newStream(&mockFile{syncErr: boom}, "mock", true)
	assert.ErrorIs(t, s.AppendLine("x"), boom)

	f := &mockFile{}
	s = newStream(f, "mock", false)
	require.NoError(t, s.Close())
	assert.True(t, f.closed)
	assert.ErrorIs(t, s.AppendLine("x"), ErrClosed)
	assert.NoError(t, s.Close(), "second close is a no-op")
}

func TestStream_AppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.txt")

	s, err := OpenStream(path, false)
	require.NoError(t, err)
	require.NoError(t, s.AppendLine("first"))
	require.NoError(t, s.Close())

	s, err = OpenStream(path, false)
	require.NoError(t, err)
	require.NoError(t, s.AppendLine("second"))
	require.NoError(t, s.Close())

	assert.Equal(t, []string{"first", "second"}, readLines(t, path))
}

// ============================================================================
// Sink
// ============================================================================

func TestBatchPaths(t *testing.T) {
	b := types.Batch{Index: 2, Low: 1000, High: 2000}
	p := BatchPaths("out", b)

	assert.Equal(t, filepath.Join("out", "1000-1999_sequences.txt"), p.Sequences)
	assert.Equal(t, filepath.Join("out", "1000-1999_ids.txt"), p.Identifiers)
	assert.Equal(t, filepath.Join("out", "1000-1999_errors.txt"), p.Errors)
	assert.Equal(t, filepath.Join("out", "1000-1999_summary.json"), SummaryPath("out", b))
}

func TestSink_Persist(t *testing.T) {
	dir := t.TempDir()
	paths := BatchPaths(dir, types.Batch{Low: 0, High: 10})

	s, err := Open(paths, false)
	require.NoError(t, err)

	require.NoError(t, s.Persist("1", encoder.Sequence{"_STARTSTACK_", "looks_show", "_ENDSTACK_"}))
	require.NoError(t, s.Persist("2", encoder.Sequence{}))
	require.NoError(t, s.WriteErrors([]types.ProjectID{"3", "4"}))
	require.NoError(t, s.WriteErrors(nil))

	seqs, ids := s.Counts()
	assert.Equal(t, uint64(1), seqs)
	assert.Equal(t, uint64(2), ids)
	require.NoError(t, s.Close())

	assert.Equal(t, []string{"_STARTSTACK_ looks_show _ENDSTACK_"}, readLines(t, paths.Sequences))
	assert.Equal(t, []string{"1", "2"}, readLines(t, paths.Identifiers))
	assert.Equal(t, []string{"3", "4"}, readLines(t, paths.Errors))
}

func TestSink_IdentifierFailureIsReported(t *testing.T) {
	seqFile := &mockFile{}
	s := &Sink{
		sequences:   newStream(seqFile, "seq", false),
		identifiers: newStream(&mockFile{writeErr: errors.New("io")}, "ids", false),
		errors:      newStream(&mockFile{}, "err", false),
	}

	err := s.Persist("1", encoder.Sequence{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append identifier")
	assert.Len(t, seqFile.writes, 1, "sequence line is kept")
}

func TestSink_ConcurrentPersist(t *testing.T) {
	dir := t.TempDir()
	paths := BatchPaths(dir, types.Batch{Low: 0, High: 200})
	s, err := Open(paths, false)
	require.NoError(t, err)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := types.ProjectID(fmt.Sprint(i))
			assert.NoError(t, s.Persist(id, encoder.Sequence{"_STARTSTACK_", "op" + fmt.Sprint(i), "_ENDSTACK_"}))
		}(i)
	}
	wg.Wait()
	require.NoError(t, s.Close())

	lines := readLines(t, paths.Sequences)
	require.Len(t, lines, n)
	for _, line := range lines {
		fields := strings.Fields(line)
		require.Len(t, fields, 3, "line was interleaved: %q", line)
		assert.Equal(t, "_STARTSTACK_", fields[0])
		assert.Equal(t, "_ENDSTACK_", fields[2])
	}
	assert.Len(t, readLines(t, paths.Identifiers), n)
}
