package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrLocked 表示另一個 supervisor 正持有鎖
var ErrLocked = errors.New("another supervisor holds the lock")

// LockName 是鎖檔名稱
const LockName = "blockseq.lock"

// Lock 是單一實例鎖（flock），確保同一個稽核日誌只有一個寫入者
type Lock struct {
	path string
	file *os.File
}

// NewLock 建立 <dir>/blockseq.lock 的鎖，不會立即取得
func NewLock(dir string) *Lock {
	if dir == "" {
		dir = os.TempDir()
	}
	return &Lock{path: filepath.Join(dir, LockName)}
}

// Path 回傳鎖檔路徑
func (l *Lock) Path() string { return l.path }

// Acquire 以非阻塞方式取得獨佔鎖，並把自己的 PID 寫入鎖檔
func (l *Lock) Acquire() error {
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file %s: %w", l.path, err)
	}

	if err := lockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLocked) {
			if pid := readPID(l.path); pid > 0 {
				return fmt.Errorf("%w (pid %d, %s)", ErrLocked, pid, l.path)
			}
			return fmt.Errorf("%w (%s)", ErrLocked, l.path)
		}
		return fmt.Errorf("acquire lock: %w", err)
	}

	// PID 只用於除錯訊息，寫入失敗不影響鎖
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	l.file = f
	return nil
}

// Release 釋放鎖；重複呼叫是安全的
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	err := unlockFile(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return closeErr
}

// IsHeld 回報此實例是否持有鎖
func (l *Lock) IsHeld() bool { return l.file != nil }

func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
