// ============================================================================
// blockseq Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露執行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter):
//      - blockseq_jobs_started_total
//      - blockseq_jobs_completed_total
//      - blockseq_jobs_failed_total{kind}     normalize / parse / persist / other
//      - blockseq_jobs_empty_total            成功但沒有任何 stack
//      - blockseq_jobs_duplicate_total        語料中重複而略過
//      - blockseq_projects_by_version_total{version}
//      - blockseq_batches_total{outcome}      succeeded / failed / timed_out
//
//   2. 分佈 (Histogram):
//      - blockseq_job_latency_seconds
//      - blockseq_sequence_tokens
//      - blockseq_batch_duration_seconds
//
//   3. 狀態 (Gauge):
//      - blockseq_jobs_pending / blockseq_workers_active
//      - blockseq_supervisor_next_index       下一個要處理的語料索引
//
// 匯出方式:
//   - supervise 指令以 /metrics HTTP 端點暴露（StartServer）
//   - batch 子行程壽命短，結束前寫成 textfile（WriteTextfile），
//     供 node_exporter textfile collector 讀取
//
// 每個 Collector 擁有自己的 Registry，所以同一行程（或測試）可以建立多個。
// 所有方法對 nil *Collector 都是 no-op，未啟用 metrics 時直接傳 nil。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "blockseq"

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	// 任務相關指標
	jobsStarted    prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     *prometheus.CounterVec
	jobsEmpty      prometheus.Counter
	jobsDuplicate  prometheus.Counter
	projectVersion *prometheus.CounterVec

	// 效能指標
	jobLatency     prometheus.Histogram
	sequenceTokens prometheus.Histogram

	// 狀態指標
	jobsPending   prometheus.Gauge
	workersActive prometheus.Gauge

	// 批次指標
	batches       *prometheus.CounterVec
	batchDuration prometheus.Histogram
	nextIndex     prometheus.Gauge
}

// NewCollector 創建新的指標收集器，連同 Go runtime 與 process 指標
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Total number of jobs handed to a worker",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs that reached done",
		}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of failed jobs by failure kind",
		}, []string{"kind"}),
		jobsEmpty: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_empty_total",
			Help:      "Total number of successful jobs whose project had no stacks",
		}),
		jobsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_duplicate_total",
			Help:      "Total number of corpus identifiers skipped as duplicates",
		}),
		projectVersion: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projects_by_version_total",
			Help:      "Projects seen per source schema version",
		}, []string{"version"}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_latency_seconds",
			Help:      "Job processing latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		sequenceTokens: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sequence_tokens",
			Help:      "Tokens per encoded project",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 8),
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_pending",
			Help:      "Current number of submitted but unfinished jobs",
		}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Current number of workers running a job",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches finished by outcome",
		}, []string{"outcome"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of a batch unit",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		nextIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "supervisor_next_index",
			Help:      "First corpus index not yet covered by the audit log",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.jobsStarted,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsEmpty,
		c.jobsDuplicate,
		c.projectVersion,
		c.jobLatency,
		c.sequenceTokens,
		c.jobsPending,
		c.workersActive,
		c.batches,
		c.batchDuration,
		c.nextIndex,
	)
	return c
}

// Registry 回傳此 Collector 的 registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordStart 記錄任務開始
func (c *Collector) RecordStart() {
	if c == nil {
		return
	}
	c.jobsStarted.Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(latencySeconds float64, tokens int, empty bool) {
	if c == nil {
		return
	}
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(latencySeconds)
	c.sequenceTokens.Observe(float64(tokens))
	if empty {
		c.jobsEmpty.Inc()
	}
}

// RecordFailed 記錄任務失敗
func (c *Collector) RecordFailed(kind string, latencySeconds float64) {
	if c == nil {
		return
	}
	c.jobsFailed.WithLabelValues(kind).Inc()
	c.jobLatency.Observe(latencySeconds)
}

// RecordDuplicate 記錄重複的識別碼
func (c *Collector) RecordDuplicate(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.jobsDuplicate.Add(float64(n))
}

// RecordVersion 記錄專案的來源 schema 版本（0 表示未知，不記錄）
func (c *Collector) RecordVersion(version int) {
	if c == nil || version <= 0 {
		return
	}
	c.projectVersion.WithLabelValues(strconv.Itoa(version)).Inc()
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(pending, active int) {
	if c == nil {
		return
	}
	c.jobsPending.Set(float64(pending))
	c.workersActive.Set(float64(active))
}

// RecordBatch 記錄批次結果
func (c *Collector) RecordBatch(outcome string, duration time.Duration, nextIndex int) {
	if c == nil {
		return
	}
	c.batches.WithLabelValues(outcome).Inc()
	c.batchDuration.Observe(duration.Seconds())
	c.nextIndex.Set(float64(nextIndex))
}

// SetNextIndex 設定續跑位置
func (c *Collector) SetNextIndex(nextIndex int) {
	if c == nil {
		return
	}
	c.nextIndex.Set(float64(nextIndex))
}

// WriteTextfile 以 Prometheus 文字格式原子性寫入 path
func (c *Collector) WriteTextfile(path string) error {
	if c == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, c.registry)
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 結束時關閉
//
// 參數：
//   - ctx: 控制伺服器生命週期
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - error: 啟動失敗的錯誤；正常關閉時回傳 nil
func (c *Collector) StartServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
