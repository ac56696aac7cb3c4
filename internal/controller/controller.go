// ============================================================================
// blockseq 控制器 - Job Queue
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 把一批專案 ID 送進 Worker Pool，收集每個 pipeline 結果，
//       維護這次執行專屬的錯誤累加器（jobmanager），並在全部結束後觸發 drain。
//
// 核心循環:
//   1. Dispatch Loop - 依序把去重後的 ID 提交給 pool（緩衝滿時阻塞）
//   2. Result Loop   - 接收結果，更新 JobManager 與 metrics，直到全部到達終止狀態
//   3. Progress      - 定期回報佇列深度與活躍 Worker 數（僅供參考）
//
// 收尾流程:
//   所有任務到達終止狀態 → close(drained) → pool.Stop()
//   → 錯誤檔一次性寫入（失敗順序）→ 寫入 RunSummary 快照
//
// 取消:
//   ctx 取消時已提交的任務會很快以失敗結束（pipeline 在各階段檢查 ctx），
//   Result Loop 仍然等待每一個結果，因此累加器永遠完整。
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/blockseq/internal/jobmanager"
	"github.com/ChuLiYu/blockseq/internal/metrics"
	"github.com/ChuLiYu/blockseq/internal/pipeline"
	"github.com/ChuLiYu/blockseq/internal/snapshot"
	"github.com/ChuLiYu/blockseq/internal/worker"
	"github.com/ChuLiYu/blockseq/pkg/types"
)

// ErrAlreadyRun 表示 Run 只能呼叫一次
var ErrAlreadyRun = errors.New("controller already ran")

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	WorkerCount      int           // Worker 數量（至少 1）
	JobTimeout       time.Duration // 每個專案的超時時間，0 表示不限制
	BufferSize       int           // 任務與結果通道的緩衝大小
	ProgressInterval time.Duration // 進度回報間隔，0 表示不回報
	Low              int           // 本次執行覆蓋的語料範圍，寫入 RunSummary
	High             int
}

// ErrorWriter 接收一次性寫出的失敗 ID
type ErrorWriter interface {
	WriteErrors(ids []types.ProjectID) error
}

// Status 目前的執行狀態
type Status struct {
	Uptime  time.Duration
	Workers int
	Pending int
	Active  int
	Stats   jobmanager.Stats
}

// Controller 核心控制器，一個實例對應一次執行
type Controller struct {
	mu         sync.Mutex
	config     Config
	executor   worker.Executor
	errWriter  ErrorWriter        // 可為 nil
	summaries  *snapshot.Manager  // 可為 nil
	metrics    *metrics.Collector // 可為 nil
	jobManager *jobmanager.JobManager
	pool       *worker.Pool
	drained    chan struct{}
	started    bool
	startTime  time.Time
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
func NewController(config Config, executor worker.Executor, errs ErrorWriter, summaries *snapshot.Manager, collector *metrics.Collector) *Controller {
	if config.WorkerCount < 1 {
		config.WorkerCount = 1
	}
	if config.BufferSize < config.WorkerCount {
		config.BufferSize = config.WorkerCount
	}
	return &Controller{
		config:     config,
		executor:   executor,
		errWriter:  errs,
		summaries:  summaries,
		metrics:    collector,
		jobManager: jobmanager.NewJobManager(),
		pool:       worker.NewPool(config.BufferSize, executor),
		drained:    make(chan struct{}),
	}
}

// Drained 在所有提交的專案都到達終止狀態時關閉
func (c *Controller) Drained() <-chan struct{} {
	return c.drained
}

// Run 處理 ids 直到全部結束，回傳這次執行的摘要。
// 個別專案的失敗不會讓 Run 回傳錯誤；只有錯誤檔或摘要寫入失敗才會。
func (c *Controller) Run(ctx context.Context, ids []types.ProjectID) (types.RunSummary, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return types.RunSummary{}, ErrAlreadyRun
	}
	c.started = true
	c.startTime = time.Now()
	c.mu.Unlock()

	log := slog.Default().With("low", c.config.Low, "high", c.config.High)

	// 1. 登記任務（重複 ID 只處理一次）
	unique := make([]types.ProjectID, 0, len(ids))
	for _, id := range ids {
		if err := c.jobManager.Enqueue(id); err != nil {
			log.Warn("Skipping duplicate project id", "project_id", string(id))
			c.metrics.RecordDuplicate(1)
			continue
		}
		unique = append(unique, id)
	}

	log.Info("Queue started", "jobs", len(unique), "workers", c.config.WorkerCount)

	// 2. 啟動 Worker Pool
	if err := c.pool.Start(ctx, c.config.WorkerCount); err != nil {
		return types.RunSummary{}, fmt.Errorf("failed to start worker pool: %w", err)
	}

	// 3. Dispatch Loop
	rejected := make(chan worker.Result, len(unique))
	go c.dispatchLoop(unique, rejected)

	// 4. Result Loop
	c.resultLoop(len(unique), rejected, log)

	close(c.drained)
	c.pool.Stop()
	c.metrics.UpdateQueueStats(0, 0)

	// 5. 收尾：錯誤檔與摘要
	summary := c.jobManager.Summary(c.config.Low, c.config.High)
	var errs []error
	if c.errWriter != nil {
		if err := c.errWriter.WriteErrors(c.jobManager.Failures()); err != nil {
			errs = append(errs, fmt.Errorf("failed to write errors file: %w", err))
		}
	}
	if c.summaries != nil {
		if err := c.summaries.Write(summary); err != nil {
			errs = append(errs, fmt.Errorf("failed to write summary: %w", err))
		}
	}

	log.Info("Queue drained",
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"empty", summary.Empty,
		"duplicates", summary.Duplicates,
		"duration", time.Since(c.startTime))

	return summary, errors.Join(errs...)
}

// dispatchLoop 依序提交任務。提交失敗的任務直接以失敗結果送回 Result Loop。
func (c *Controller) dispatchLoop(ids []types.ProjectID, rejected chan<- worker.Result) {
	for _, id := range ids {
		task := worker.Task{
			ID:      id,
			Timeout: c.config.JobTimeout,
			Progress: func(s types.JobStatus) {
				if err := c.jobManager.Advance(id, s); err != nil {
					slog.Error("Failed to advance job", "project_id", string(id), "error", err)
				}
			},
		}

		c.metrics.RecordStart()
		if err := c.pool.Submit(task); err != nil {
			rejected <- worker.Result{
				ID:      id,
				Outcome: pipeline.Outcome{ID: id, Status: types.StatusFailed, Err: err},
			}
		}
	}
}

// resultLoop 等待 total 個結果
func (c *Controller) resultLoop(total int, rejected <-chan worker.Result, log *slog.Logger) {
	var tick <-chan time.Time
	if c.config.ProgressInterval > 0 {
		ticker := time.NewTicker(c.config.ProgressInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for received := 0; received < total; {
		select {
		case result, ok := <-c.pool.Results():
			if !ok {
				return
			}
			c.handleResult(result)
			received++
		case result := <-rejected:
			c.handleResult(result)
			received++
		case <-tick:
			c.reportProgress(log)
		}
	}
}

// handleResult 將結果合併進累加器
func (c *Controller) handleResult(result worker.Result) {
	out := result.Outcome
	if out.ID == "" {
		out.ID = result.ID
	}

	if err := c.jobManager.Complete(out); err != nil {
		slog.Error("Failed to record job outcome", "project_id", string(out.ID), "error", err)
		return
	}

	c.metrics.RecordVersion(out.Version)
	latency := result.Duration.Seconds()
	if out.Failed() {
		c.metrics.RecordFailed(pipeline.KindName(out.Err), latency)
		return
	}
	c.metrics.RecordCompleted(latency, out.Tokens, out.Empty)
}

// reportProgress 回報佇列深度與活躍 Worker 數
func (c *Controller) reportProgress(log *slog.Logger) {
	status := c.GetStatus()
	c.metrics.UpdateQueueStats(status.Pending, status.Active)
	log.Info("Progress",
		"pending", status.Pending,
		"active", status.Active,
		"done", status.Stats.Done,
		"failed", status.Stats.Failed,
		"remaining", status.Stats.Remaining())
}

// GetStatus 返回目前狀態
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	start := c.startTime
	c.mu.Unlock()

	var uptime time.Duration
	if !start.IsZero() {
		uptime = time.Since(start)
	}
	return Status{
		Uptime:  uptime,
		Workers: c.config.WorkerCount,
		Pending: c.pool.Pending(),
		Active:  c.pool.Active(),
		Stats:   c.jobManager.Stats(),
	}
}

// JobManager 返回這次執行的任務登記表
func (c *Controller) JobManager() *jobmanager.JobManager {
	return c.jobManager
}
