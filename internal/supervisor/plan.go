package supervisor

import (
	"errors"

	"github.com/ChuLiYu/blockseq/pkg/types"
)

// ErrInvalidBatchSize 表示批次大小必須為正數
var ErrInvalidBatchSize = errors.New("batch size must be positive")

// Plan 將 [0, total) 切成大小為 size 的半開區間；最後一個批次被截斷到 total。
// 回傳 ceil(total/size) 個互不重疊、聯集為 [0, total) 的批次。
func Plan(total, size int) ([]types.Batch, error) {
	if size <= 0 {
		return nil, ErrInvalidBatchSize
	}
	if total <= 0 {
		return nil, nil
	}

	batches := make([]types.Batch, 0, (total+size-1)/size)
	for i := 1; (i-1)*size < total; i++ {
		low := (i - 1) * size
		high := min(i*size, total)
		batches = append(batches, types.Batch{Index: i, Low: low, High: high})
	}
	return batches, nil
}

// From 回傳從 start 開始仍需處理的批次。start 落在批次中間時，
// 該批次只剩下 [start, High) 的部分。
func From(batches []types.Batch, start int) []types.Batch {
	out := make([]types.Batch, 0, len(batches))
	for _, b := range batches {
		if b.High <= start {
			continue
		}
		if b.Low < start {
			b.Low = start
		}
		out = append(out, b)
	}
	return out
}
