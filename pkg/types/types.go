// Package types 定義了 blockseq 系統中使用的核心領域模型
package types

import (
	"errors"
	"fmt"
	"time"
)

// ProjectID 專案唯一識別碼（語料中的一筆記錄）
type ProjectID string

// JobStatus 任務在 pipeline 中的狀態
type JobStatus string

// 定義任務狀態常數，順序即為合法的前進順序
const (
	StatusPending     JobStatus = "pending"     // 待處理：已從佇列取出但尚未開始
	StatusNormalizing JobStatus = "normalizing" // 取得並升級專案格式
	StatusParsing     JobStatus = "parsing"     // 解析為 block graph
	StatusEncoding    JobStatus = "encoding"    // 編碼為 token 序列
	StatusPersisting  JobStatus = "persisting"  // 寫入結果檔
	StatusDone        JobStatus = "done"        // 成功完成
	StatusFailed      JobStatus = "failed"      // 任一階段失敗
)

var statusRank = map[JobStatus]int{
	StatusPending:     0,
	StatusNormalizing: 1,
	StatusParsing:     2,
	StatusEncoding:    3,
	StatusPersisting:  4,
	StatusDone:        5,
	StatusFailed:      5,
}

// ErrBackwardTransition 表示狀態轉換違反了只能前進的規則
var ErrBackwardTransition = errors.New("job state may only move forward")

// Terminal 回報狀態是否為終止狀態
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// CanAdvance 檢查 from -> to 是否為合法轉換
func CanAdvance(from, to JobStatus) bool {
	if from.Terminal() {
		return false
	}
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// Job 任務結構，代表處理一個專案的工作單元
type Job struct {
	ID     ProjectID `json:"id"`
	Status JobStatus `json:"status"`

	// 失敗資訊（僅在 StatusFailed 時有值）
	FailedStage JobStatus `json:"failed_stage,omitempty"`
	Err         error     `json:"-"`

	CreatedAt int64 `json:"created_at"` // Unix 毫秒
	UpdatedAt int64 `json:"updated_at"` // Unix 毫秒
}

// Advance 將任務推進到下一個狀態，拒絕倒退或離開終止狀態
func (j *Job) Advance(to JobStatus) error {
	if !CanAdvance(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBackwardTransition, j.Status, to)
	}
	j.Status = to
	j.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// Batch 語料中連續的一段 [Low, High)
type Batch struct {
	Index int `json:"index"` // 從 1 開始
	Low   int `json:"low"`
	High  int `json:"high"` // 不包含
}

// Size 回傳批次中的識別碼數量
func (b Batch) Size() int { return b.High - b.Low }

// Range 回傳稽核紀錄使用的範圍字串，結尾為包含的最後索引（例如 "0-999"）
func (b Batch) Range() string {
	return fmt.Sprintf("%d-%d", b.Low, b.High-1)
}

// BatchOutcome 批次的最終結果
type BatchOutcome string

const (
	BatchSucceeded BatchOutcome = "succeeded"
	BatchFailed    BatchOutcome = "failed"
	BatchTimedOut  BatchOutcome = "timed_out"
)

// Marker 回傳稽核紀錄中的標記
func (o BatchOutcome) Marker() string {
	switch o {
	case BatchSucceeded:
		return "SUCCESS"
	case BatchTimedOut:
		return "TIMEOUT"
	default:
		return "ERROR"
	}
}

// RunSummary 一次執行（單一批次或整個語料）的統計摘要
type RunSummary struct {
	Low        int            `json:"low"`
	High       int            `json:"high"`
	Total      int            `json:"total"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	Empty      int            `json:"empty"`      // 成功但沒有任何 stack 的專案
	Duplicates int            `json:"duplicates"` // 語料中重複而略過的識別碼
	Versions   map[int]int    `json:"versions"`   // 各 schema 版本的專案數量
	FailedBy   map[string]int `json:"failed_by"`  // 依失敗階段統計
	SchemaVer  int            `json:"schema_ver"`
	StartedAt  int64          `json:"started_at"`
	FinishedAt int64          `json:"finished_at"`
}
