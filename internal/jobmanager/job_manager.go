// ============================================================================
// blockseq 任務管理器 - 每次執行的任務登記表與錯誤累加器
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 追蹤一次執行（一個批次）中每個專案的 pipeline 狀態，並彙總結果
//
// 設計理念:
//   1. jobs map - 統一的任務存儲，作為單一真實來源
//   2. order / failures - 保持提交順序與失敗順序，讓錯誤檔輸出可重現
//   3. 統計欄位在 Complete() 時一次更新，Summary() 只讀取
//
// 任務狀態轉換 (State Machine):
//   Pending → Normalizing → Parsing → Encoding → Persisting → Done
//                                                          └→ Failed
//   只能前進，不允許重試；由 types.Job.Advance 保證。
//
// 生命週期:
//   一個 JobManager 只屬於一次執行（由 controller 建立並擁有），
//   絕不是程序層級的全域變數。
//
// 並發安全:
//   - sync.RWMutex 保護所有資料
//   - Worker 透過 Advance() 回報進度，controller 透過 Complete() 收尾
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/blockseq/internal/pipeline"
	"github.com/ChuLiYu/blockseq/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複錯誤
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 任務已經結束
	ErrAlreadyTerminal = errors.New("job already terminal")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Stats 任務統計
type Stats struct {
	Total      int
	Pending    int
	InFlight   int
	Done       int
	Failed     int
	Duplicates int
}

// Remaining 回傳尚未到達終止狀態的任務數量
func (s Stats) Remaining() int { return s.Pending + s.InFlight }

// JobManager 代表單次執行的任務管理器
type JobManager struct {
	mu       sync.RWMutex
	jobs     map[types.ProjectID]*types.Job
	order    []types.ProjectID        // 提交順序
	failures []types.ProjectID        // 失敗順序
	recorded map[types.ProjectID]bool // 已由 Complete() 計入統計

	versions   map[int]int
	failedBy   map[string]int
	empty      int
	duplicates int
	startedAt  time.Time
}

// ============================================================================
// 核心方法
// ============================================================================

// NewJobManager 建立新的任務管理器實例
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:      make(map[types.ProjectID]*types.Job),
		order:     make([]types.ProjectID, 0),
		failures:  make([]types.ProjectID, 0),
		recorded:  make(map[types.ProjectID]bool),
		versions:  make(map[int]int),
		failedBy:  make(map[string]int),
		startedAt: time.Now(),
	}
}

// Enqueue 登記新任務，狀態為 Pending。重複的 ID 回傳 ErrDuplicateJob 並計入 duplicates。
func (jm *JobManager) Enqueue(id types.ProjectID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[id]; exists {
		jm.duplicates++
		return ErrDuplicateJob
	}

	now := time.Now().UnixMilli()
	jm.jobs[id] = &types.Job{
		ID:        id,
		Status:    types.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	jm.order = append(jm.order, id)
	return nil
}

// Advance 將任務推進到指定狀態，倒退會回傳 types.ErrBackwardTransition
func (jm *JobManager) Advance(id types.ProjectID, to types.JobStatus) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status == to {
		return nil
	}
	return job.Advance(to)
}

// Complete 記錄 pipeline 的終止結果並更新統計。
// 任務若已經由 Advance() 推進到相同的終止狀態，仍會被計入統計一次。
func (jm *JobManager) Complete(out pipeline.Outcome) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[out.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, out.ID)
	}

	status := types.StatusDone
	if out.Failed() {
		status = types.StatusFailed
	}

	if jm.recorded[out.ID] {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, out.ID)
	}
	switch {
	case job.Status == status:
		// 進度回呼已經推進到相同的終止狀態
	case job.Status.Terminal():
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, out.ID, job.Status)
	default:
		if err := job.Advance(status); err != nil {
			return err
		}
	}
	jm.recorded[out.ID] = true

	if out.Version > 0 {
		jm.versions[out.Version]++
	}
	if status == types.StatusFailed {
		job.Err = out.Err
		var se *pipeline.StageError
		if errors.As(out.Err, &se) {
			job.FailedStage = se.Stage
		}
		jm.failures = append(jm.failures, out.ID)
		jm.failedBy[pipeline.KindName(out.Err)]++
	} else if out.Empty {
		jm.empty++
	}
	return nil
}

// GetJob 取得任務的副本
func (jm *JobManager) GetJob(id types.ProjectID) (types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, ok := jm.jobs[id]
	if !ok {
		return types.Job{}, false
	}
	return *job, true
}

// Stats 回傳目前的任務統計
func (jm *JobManager) Stats() Stats {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	s := Stats{Total: len(jm.jobs), Duplicates: jm.duplicates}
	for _, job := range jm.jobs {
		switch job.Status {
		case types.StatusPending:
			s.Pending++
		case types.StatusDone:
			s.Done++
		case types.StatusFailed:
			s.Failed++
		default:
			s.InFlight++
		}
	}
	return s
}

// Failures 依失敗順序回傳失敗的專案 ID
func (jm *JobManager) Failures() []types.ProjectID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return append([]types.ProjectID(nil), jm.failures...)
}

// Order 依提交順序回傳所有專案 ID
func (jm *JobManager) Order() []types.ProjectID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return append([]types.ProjectID(nil), jm.order...)
}

// Summary 將目前狀態彙總為 RunSummary。low/high 是這次執行覆蓋的語料範圍。
func (jm *JobManager) Summary(low, high int) types.RunSummary {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	sum := types.RunSummary{
		Low:        low,
		High:       high,
		Total:      len(jm.jobs),
		Empty:      jm.empty,
		Duplicates: jm.duplicates,
		Versions:   make(map[int]int, len(jm.versions)),
		FailedBy:   make(map[string]int, len(jm.failedBy)),
		StartedAt:  jm.startedAt.UnixMilli(),
		FinishedAt: time.Now().UnixMilli(),
	}
	for _, job := range jm.jobs {
		switch job.Status {
		case types.StatusDone:
			sum.Succeeded++
		case types.StatusFailed:
			sum.Failed++
		}
	}
	for v, n := range jm.versions {
		sum.Versions[v] = n
	}
	for k, n := range jm.failedBy {
		sum.FailedBy[k] = n
	}
	return sum
}
