package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/blockseq/internal/pipeline"
	"github.com/ChuLiYu/blockseq/pkg/types"
)

// Task 代表要處理的一個專案
type Task struct {
	ID       types.ProjectID       // 專案識別碼
	Timeout  time.Duration         // 執行超時時間，0 表示不限制
	Progress func(types.JobStatus) // 狀態前進時的回呼（可為 nil）
}

// Result 代表任務執行結果
type Result struct {
	ID       types.ProjectID  // 專案識別碼
	Outcome  pipeline.Outcome // pipeline 的終止結果
	Duration time.Duration    // 實際執行時間（含排隊後的等待）
}

// Executor 執行單一專案的 pipeline
type Executor interface {
	Run(ctx context.Context, id types.ProjectID, progress func(types.JobStatus)) pipeline.Outcome
}
