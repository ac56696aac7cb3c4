// ============================================================================
// blockseq Batch Supervisor - 批次監督者
// ============================================================================
//
// Package: internal/supervisor
// 文件: supervisor.go
// 功能: 把語料切成固定大小的批次，逐一以獨立子程序執行，並記錄稽核日誌
//
// 批次狀態機:
//   Dispatched → Running → {Succeeded | Failed | TimedOut}
//
// 每個批次:
//   1. Launcher 建立子程序（自己的 process group）
//   2. 啟動 watchdog；子程序逾時 → 先設定 killedByUs，再送 SIGTERM，
//      KillGrace 之後仍未結束則 SIGKILL
//   3. 子程序結束：exit 0 → SUCCESS；killedByUs → TIMEOUT；其他 → ERROR
//   4. 稽核紀錄 fsync 之後才前進到下一個批次
//
// 續跑:
//   啟動時重放稽核日誌，從最後一筆紀錄之後開始。
//
// 停止:
//   ctx 取消時子程序同樣被終止，但不寫入稽核紀錄；
//   下次啟動會重新執行該批次。
//
// 任何批次結果都不會讓 Run 失敗；只有設定錯誤、稽核 I/O 錯誤或 ctx 取消會。
//
// ============================================================================

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/blockseq/internal/metrics"
	"github.com/ChuLiYu/blockseq/internal/snapshot"
	"github.com/ChuLiYu/blockseq/internal/storage/audit"
	"github.com/ChuLiYu/blockseq/internal/storage/sink"
	"github.com/ChuLiYu/blockseq/pkg/types"
)

var (
	// ErrBatchCrash 表示批次子程序自行異常結束
	ErrBatchCrash = errors.New("batch unit exited abnormally")
	// ErrBatchTimeout 表示批次子程序被 watchdog 終止
	ErrBatchTimeout = errors.New("batch unit timed out")
)

// Launcher 為一個批次建立（尚未啟動的）子程序
type Launcher interface {
	Command(ctx context.Context, b types.Batch) *exec.Cmd
}

// Config Supervisor 配置
type Config struct {
	BatchSize    int
	BatchTimeout time.Duration // 0 表示不限制
	KillGrace    time.Duration // SIGTERM 與 SIGKILL 之間的等待
	AuditLog     string
	Resume       bool   // 依稽核日誌續跑
	OutputDir    string // 讀取各批次的 summary.json
}

// Report 是一次 supervisor 執行的結果
type Report struct {
	Batches  int                        // 這次實際執行的批次數
	Skipped  int                        // 依稽核日誌略過的批次數
	Outcomes map[types.BatchOutcome]int // 各結果的批次數
	Summary  types.RunSummary           // 成功寫出 summary 的批次合併結果
}

// Supervisor 依序執行批次
type Supervisor struct {
	config   Config
	launcher Launcher
	metrics  *metrics.Collector
	running  atomic.Bool
	current  atomic.Int64 // 目前批次的 Index，0 表示閒置
}

// New 建立 Supervisor
func New(config Config, launcher Launcher, collector *metrics.Collector) *Supervisor {
	if config.KillGrace <= 0 {
		config.KillGrace = 5 * time.Second
	}
	return &Supervisor{config: config, launcher: launcher, metrics: collector}
}

// Running 回報 Run 是否仍在執行
func (s *Supervisor) Running() bool { return s.running.Load() }

// Current 回傳目前執行中的批次 Index，閒置時為 0
func (s *Supervisor) Current() int { return int(s.current.Load()) }

// Run 對 total 筆識別碼執行所有批次
func (s *Supervisor) Run(ctx context.Context, total int) (Report, error) {
	s.running.Store(true)
	defer s.running.Store(false)

	report := Report{
		Outcomes: map[types.BatchOutcome]int{},
		Summary:  types.RunSummary{High: total, Versions: map[int]int{}, FailedBy: map[string]int{}},
	}

	batches, err := Plan(total, s.config.BatchSize)
	if err != nil {
		return report, err
	}

	start := 0
	if s.config.Resume {
		prior, err := audit.Summarize(s.config.AuditLog)
		if err != nil {
			return report, fmt.Errorf("replay audit log: %w", err)
		}
		start = prior.Resume
		if prior.Records > 0 {
			slog.Info("Resuming from audit log", "records", prior.Records, "next_index", start)
		}
	}
	pending := From(batches, start)
	report.Skipped = len(batches) - len(pending)
	s.metrics.SetNextIndex(start)

	log, err := audit.Open(s.config.AuditLog)
	if err != nil {
		return report, err
	}
	defer log.Close()

	slog.Info("Supervisor started", "total", total, "batch_size", s.config.BatchSize,
		"batches", len(pending), "skipped", report.Skipped)

	for _, b := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		began := time.Now()
		summary := s.summaryFor(b)
		if summary != nil {
			// 上一次執行留下的摘要不能算進這次的結果
			if err := summary.Remove(); err != nil {
				slog.Warn("Failed to clear stale batch summary", "path", summary.GetPath(), "error", err)
			}
		}
		s.current.Store(int64(b.Index))
		outcome, runErr := s.runBatch(ctx, b)
		s.current.Store(0)

		if ctx.Err() != nil {
			// 停止不是批次結果，不寫入稽核日誌
			slog.Warn("Supervisor stopped during batch", "batch", b.Index, "range", b.Range())
			return report, ctx.Err()
		}

		if err := log.Append(audit.NewRecord(b, outcome)); err != nil {
			return report, fmt.Errorf("append audit record: %w", err)
		}

		report.Batches++
		report.Outcomes[outcome]++
		duration := time.Since(began)
		s.metrics.RecordBatch(string(outcome), duration, b.High)

		s.logOutcome(b, outcome, runErr, duration)
		s.mergeSummary(&report.Summary, b, summary)
	}

	slog.Info("Supervisor finished",
		"batches", report.Batches,
		"succeeded", report.Outcomes[types.BatchSucceeded],
		"failed", report.Outcomes[types.BatchFailed],
		"timed_out", report.Outcomes[types.BatchTimedOut])
	return report, nil
}

// runBatch 啟動子程序並等待其結束或逾時
func (s *Supervisor) runBatch(ctx context.Context, b types.Batch) (types.BatchOutcome, error) {
	cmd := s.launcher.Command(ctx, b)
	isolate(cmd)

	if err := cmd.Start(); err != nil {
		return types.BatchFailed, fmt.Errorf("%w: start: %v", ErrBatchCrash, err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var timeout <-chan time.Time
	if s.config.BatchTimeout > 0 {
		timer := time.NewTimer(s.config.BatchTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var killedByUs bool
	select {
	case err := <-waitCh:
		if err != nil {
			return types.BatchFailed, fmt.Errorf("%w: %v", ErrBatchCrash, err)
		}
		return types.BatchSucceeded, nil

	case <-timeout:
		killedByUs = true
	case <-ctx.Done():
	}

	err := s.stop(cmd, waitCh)
	if killedByUs {
		return types.BatchTimedOut, fmt.Errorf("%w after %s", ErrBatchTimeout, s.config.BatchTimeout)
	}
	return types.BatchFailed, err
}

// stop 送出 SIGTERM，等待 KillGrace，之後 SIGKILL，並等待子程序真正結束
func (s *Supervisor) stop(cmd *exec.Cmd, waitCh <-chan error) error {
	if err := terminate(cmd); err != nil {
		slog.Debug("SIGTERM failed", "pid", cmd.Process.Pid, "error", err)
	}

	grace := time.NewTimer(s.config.KillGrace)
	defer grace.Stop()

	select {
	case err := <-waitCh:
		return err
	case <-grace.C:
		slog.Warn("Batch unit ignored SIGTERM, killing", "pid", cmd.Process.Pid)
		if err := kill(cmd); err != nil {
			slog.Debug("SIGKILL failed", "pid", cmd.Process.Pid, "error", err)
		}
		return <-waitCh
	}
}

func (s *Supervisor) logOutcome(b types.Batch, outcome types.BatchOutcome, err error, d time.Duration) {
	switch outcome {
	case types.BatchSucceeded:
		slog.Info("Batch succeeded", "batch", b.Index, "range", b.Range(), "duration", d)
	case types.BatchTimedOut:
		slog.Warn("Batch timed out", "batch", b.Index, "range", b.Range(), "duration", d, "error", err)
	default:
		slog.Error("Batch failed", "batch", b.Index, "range", b.Range(), "duration", d, "error", err)
	}
}

// summaryFor 回傳批次的 summary.json 管理器，未設定輸出目錄時為 nil
func (s *Supervisor) summaryFor(b types.Batch) *snapshot.Manager {
	if s.config.OutputDir == "" {
		return nil
	}
	return snapshot.NewManager(sink.SummaryPath(s.config.OutputDir, b))
}

// mergeSummary 讀取批次寫出的 summary.json 並合併；缺少或損壞的摘要只記錄不報錯
func (s *Supervisor) mergeSummary(dst *types.RunSummary, b types.Batch, summary *snapshot.Manager) {
	if summary == nil || !summary.Exists() {
		return
	}
	sum, err := summary.Load()
	if err != nil {
		if !errors.Is(err, snapshot.ErrSnapshotNotFound) {
			slog.Warn("Failed to read batch summary", "batch", b.Index, "path", summary.GetPath(), "error", err)
		}
		return
	}
	snapshot.Merge(dst, sum)
}
