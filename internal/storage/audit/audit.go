package audit

// ============================================================================
// Batch audit log
// 職責：
// 1. 追加批次結果到日誌檔案（append-only），每行一筆："SUCCESS 0-999"
// 2. 每次追加後 fsync，supervisor 才能前進到下一個批次
// 3. 提供重放功能，讓重啟後的 supervisor 從最後一筆紀錄之後繼續
// ============================================================================

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ChuLiYu/blockseq/pkg/types"
)

var (
	// ErrCorruptedLog 表示日誌中有無法解析的行
	ErrCorruptedLog = errors.New("audit: malformed record")
	// ErrLogClosed 表示日誌已關閉
	ErrLogClosed = errors.New("audit: already closed")
)

// 稽核標記
const (
	MarkerSuccess = "SUCCESS"
	MarkerError   = "ERROR"
	MarkerTimeout = "TIMEOUT"
)

// Record 是一筆批次結果；Last 為包含的最後索引
type Record struct {
	Marker string
	First  int
	Last   int
}

// NewRecord 依批次與結果建立紀錄
func NewRecord(b types.Batch, outcome types.BatchOutcome) Record {
	return Record{Marker: outcome.Marker(), First: b.Low, Last: b.High - 1}
}

func (r Record) String() string {
	return fmt.Sprintf("%s %d-%d", r.Marker, r.First, r.Last)
}

// Next 回傳此紀錄之後的第一個索引
func (r Record) Next() int { return r.Last + 1 }

// ParseRecord 解析一行稽核紀錄
func ParseRecord(line string) (Record, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return Record{}, fmt.Errorf("%w: %q", ErrCorruptedLog, line)
	}
	switch fields[0] {
	case MarkerSuccess, MarkerError, MarkerTimeout:
	default:
		return Record{}, fmt.Errorf("%w: unknown marker %q", ErrCorruptedLog, fields[0])
	}

	lo, hi, ok := strings.Cut(fields[1], "-")
	if !ok {
		return Record{}, fmt.Errorf("%w: range %q", ErrCorruptedLog, fields[1])
	}
	first, err := strconv.Atoi(lo)
	if err != nil {
		return Record{}, fmt.Errorf("%w: range %q", ErrCorruptedLog, fields[1])
	}
	last, err := strconv.Atoi(hi)
	if err != nil || last < first {
		return Record{}, fmt.Errorf("%w: range %q", ErrCorruptedLog, fields[1])
	}
	return Record{Marker: fields[0], First: first, Last: last}, nil
}

// FileInterface 定義檔案操作所需的方法
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Log 是 append-only 的稽核日誌
type Log struct {
	mu     sync.Mutex
	file   FileInterface
	path   string
	closed bool
}

// Open 以追加模式開啟（或建立）稽核日誌
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := repairTail(file); err != nil {
		file.Close()
		return nil, fmt.Errorf("audit: repair %s: %w", path, err)
	}
	return &Log{file: file, path: path}, nil
}

// repairTail 處理寫入中斷留下的最後一行（沒有換行結尾）。
// 能解析的紀錄補上換行；無法解析的殘行截掉，下一筆才不會接在後面。
func repairTail(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	const chunk = 4096
	buf := make([]byte, chunk)
	var tail []byte
	keep := int64(0)
	for end := size; end > 0; {
		start := max(end-chunk, 0)
		n := end - start
		if _, err := f.ReadAt(buf[:n], start); err != nil {
			return err
		}
		if end == size && buf[n-1] == '\n' {
			return nil
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			keep = start + int64(i) + 1
			tail = append(append([]byte{}, buf[i+1:n]...), tail...)
			break
		}
		tail = append(append([]byte{}, buf[:n]...), tail...)
		end = start
	}

	line := strings.TrimSpace(string(tail))
	if _, err := ParseRecord(line); err == nil {
		_, err := f.Write([]byte("\n"))
		if err != nil {
			return err
		}
		return f.Sync()
	}

	slog.Warn("Dropping torn audit record", "path", f.Name(), "bytes", size-keep, "line", line)
	if err := f.Truncate(keep); err != nil {
		return err
	}
	return f.Sync()
}

// Append 寫入一筆紀錄並同步到磁碟，回傳前紀錄已持久化
func (l *Log) Append(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}
	if _, err := l.file.Write([]byte(r.String() + "\n")); err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}
	return nil
}

// Path 回傳日誌路徑
func (l *Log) Path() string { return l.path }

// Close 關閉日誌
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// Replay 依序讀出 path 中的所有紀錄；檔案不存在視為空日誌。
// 最後一行若無法解析（寫入中斷）則忽略，其他無法解析的行回傳錯誤。
func Replay(path string, handler func(Record) error) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	var pending error
	for lineNo := 1; sc.Scan(); lineNo++ {
		if pending != nil {
			return pending
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		r, err := ParseRecord(line)
		if err != nil {
			// 只有最後一行可以容忍
			pending = fmt.Errorf("line %d: %w", lineNo, err)
			continue
		}
		if err := handler(r); err != nil {
			return err
		}
	}
	return sc.Err()
}

// Summary 是重放後的統計
type Summary struct {
	Counts  map[string]int
	Records int
	Resume  int // 下一個要處理的索引
	Last    *Record
}

// Summarize 重放日誌並計算續跑位置
func Summarize(path string) (Summary, error) {
	s := Summary{Counts: map[string]int{}}
	err := Replay(path, func(r Record) error {
		s.Counts[r.Marker]++
		s.Records++
		if r.Next() > s.Resume {
			s.Resume = r.Next()
		}
		rec := r
		s.Last = &rec
		return nil
	})
	return s, err
}
