package sink

// ============================================================================
// Append-only line stream
// 職責：
// 1. 以 O_APPEND 模式追加完整的文字行
// 2. 每筆記錄只呼叫一次 Write，避免並發寫入時的行交錯
// 3. 可選擇每次追加後 fsync
// ============================================================================

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrClosed 表示 stream 已關閉，無法再寫入
var ErrClosed = errors.New("sink: stream already closed")

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Stream 是一個只能追加的行式輸出檔
type Stream struct {
	mu           sync.Mutex
	file         FileInterface
	path         string
	syncOnAppend bool // 是否每次追加都強制同步
	lines        uint64
	closed       bool
}

// OpenStream 建立或開啟 path，必要時建立上層目錄
func OpenStream(path string, syncOnAppend bool) (*Stream, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return newStream(file, path, syncOnAppend), nil
}

func newStream(file FileInterface, path string, syncOnAppend bool) *Stream {
	return &Stream{file: file, path: path, syncOnAppend: syncOnAppend}
}

// AppendLine 追加一行（不需含換行符）
func (s *Stream) AppendLine(line string) error {
	return s.AppendLines([]string{line})
}

// AppendLines 以單次 Write 追加多行
func (s *Stream) AppendLines(lines []string) error {
	if len(lines) == 0 {
		return nil
	}

	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, err := s.file.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	if s.syncOnAppend {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("sync %s: %w", s.path, err)
		}
	}
	s.lines += uint64(len(lines))
	return nil
}

// Lines 回傳此 stream 開啟後已寫入的行數
func (s *Stream) Lines() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines
}

// Path 回傳檔案路徑
func (s *Stream) Path() string { return s.path }

// Close 同步並關閉檔案，關閉後的 Stream 不可重用
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return fmt.Errorf("sync %s: %w", s.path, err)
	}
	return s.file.Close()
}
