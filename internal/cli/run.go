package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/blockseq/internal/controller"
	"github.com/ChuLiYu/blockseq/internal/corpus"
	"github.com/ChuLiYu/blockseq/internal/metrics"
	"github.com/ChuLiYu/blockseq/internal/pipeline"
	"github.com/ChuLiYu/blockseq/internal/snapshot"
	"github.com/ChuLiYu/blockseq/internal/storage/sink"
	"github.com/ChuLiYu/blockseq/internal/upgrader"
	"github.com/ChuLiYu/blockseq/pkg/types"
)

// queueRun describes one in-process Job Queue run.
type queueRun struct {
	ids         []types.ProjectID
	paths       sink.Paths
	summaryPath string
	low, high   int
}

// runQueue wires upgrader → pipeline → sink under a controller and runs ids.
func runQueue(ctx context.Context, cfg *Config, run queueRun, collector *metrics.Collector) (types.RunSummary, error) {
	out, err := sink.Open(run.paths, cfg.Output.SyncOnAppend)
	if err != nil {
		return types.RunSummary{}, fmt.Errorf("failed to open outputs: %w", err)
	}

	p := pipeline.New(upgrader.FromConfig(cfg.UpgraderConfig()), out)

	var summaries *snapshot.Manager
	if run.summaryPath != "" {
		summaries = snapshot.NewManager(run.summaryPath)
	}

	ctrl := controller.NewController(controller.Config{
		WorkerCount:      cfg.Worker.WorkerCount,
		JobTimeout:       cfg.Worker.JobTimeout,
		BufferSize:       cfg.Worker.BufferSize,
		ProgressInterval: cfg.Worker.ProgressInterval,
		Low:              run.low,
		High:             run.high,
	}, p, out, summaries, collector)

	summary, runErr := ctrl.Run(ctx, run.ids)
	return summary, errors.Join(runErr, out.Close())
}

// startMetrics serves /metrics until ctx is done when enabled.
func startMetrics(ctx context.Context, cfg *Config, collector *metrics.Collector) {
	if !cfg.Metrics.Enabled {
		return
	}
	go func() {
		if err := collector.StartServer(ctx, cfg.Metrics.Port); err != nil {
			slog.Error("Metrics server error", "error", err)
		}
	}()
}

func writeTextfile(cfg *Config, collector *metrics.Collector) {
	if cfg.Metrics.Textfile == "" {
		return
	}
	if err := collector.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		slog.Warn("Failed to write metrics textfile", "path", cfg.Metrics.Textfile, "error", err)
	}
}

func printSummary(w io.Writer, s types.RunSummary) {
	fmt.Fprintf(w, "projects:   %d\n", s.Total)
	fmt.Fprintf(w, "succeeded:  %d (empty: %d)\n", s.Succeeded, s.Empty)
	fmt.Fprintf(w, "failed:     %d\n", s.Failed)
	if s.Duplicates > 0 {
		fmt.Fprintf(w, "duplicates: %d\n", s.Duplicates)
	}
	for _, kind := range []string{"normalize", "parse", "persist", "other"} {
		if n := s.FailedBy[kind]; n > 0 {
			fmt.Fprintf(w, "  %-10s %d\n", kind+":", n)
		}
	}
	for v := 1; v <= 3; v++ {
		if n := s.Versions[v]; n > 0 {
			fmt.Fprintf(w, "schema %d:   %d\n", v, n)
		}
	}
}

// ============================================================================
// run
// ============================================================================

type runOptions struct {
	ids         []string
	corpusPath  string
	outDir      string
	sequences   string
	identifiers string
	errors      string
	workers     int
	timeout     time.Duration
}

func buildRunCommand(g *globalOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Encode a corpus or single projects in this process",
		Long: `Run the job queue over one or more identifiers (--id), a corpus file
(--corpus), or the corpus configured in corpus.path.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.config(cmd)
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)
			return runCorpus(cmd, cfg, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.ids, "id", nil, "project identifier (repeatable)")
	cmd.Flags().StringVar(&opts.corpusPath, "corpus", "", "corpus CSV (overrides corpus.path)")
	cmd.Flags().StringVar(&opts.outDir, "out-dir", "", "output directory (overrides output.dir)")
	cmd.Flags().StringVar(&opts.sequences, "sequences", "", "sequences file")
	cmd.Flags().StringVar(&opts.identifiers, "ids", "", "identifiers file")
	cmd.Flags().StringVar(&opts.errors, "errors", "", "errors file")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 0, "worker count (overrides worker.worker_count)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "per-project timeout (overrides worker.job_timeout)")

	return cmd
}

func (o *runOptions) apply(cmd *cobra.Command, cfg *Config) {
	flags := cmd.Flags()
	if flags.Changed("corpus") {
		cfg.Corpus.Path = o.corpusPath
	}
	if flags.Changed("out-dir") {
		cfg.Output.Dir = o.outDir
	}
	if flags.Changed("sequences") {
		cfg.Output.Sequences = o.sequences
	}
	if flags.Changed("ids") {
		cfg.Output.Identifiers = o.identifiers
	}
	if flags.Changed("errors") {
		cfg.Output.Errors = o.errors
	}
	if flags.Changed("workers") && o.workers > 0 {
		cfg.Worker.WorkerCount = o.workers
	}
	if flags.Changed("timeout") {
		cfg.Worker.JobTimeout = o.timeout
	}
}

func runCorpus(cmd *cobra.Command, cfg *Config, opts *runOptions) error {
	var ids []types.ProjectID
	if len(opts.ids) > 0 {
		for _, id := range opts.ids {
			ids = append(ids, types.ProjectID(id))
		}
	} else {
		loaded, err := corpus.Load(cfg.Corpus.Path, cfg.Corpus.Header)
		if err != nil {
			return fmt.Errorf("failed to load corpus: %w", err)
		}
		ids = loaded
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()
	startMetrics(ctx, cfg, collector)

	summary, err := runQueue(ctx, cfg, queueRun{
		ids:         ids,
		paths:       cfg.OutputPaths(),
		summaryPath: filepath.Join(cfg.Output.Dir, "summary.json"),
		low:         0,
		high:        len(ids),
	}, collector)
	writeTextfile(cfg, collector)
	if err != nil {
		return err
	}

	printSummary(cmd.OutOrStdout(), summary)
	return nil
}

// ============================================================================
// batch (started by supervise)
// ============================================================================

func buildBatchCommand(g *globalOptions) *cobra.Command {
	var b types.Batch
	var corpusPath, outDir string

	cmd := &cobra.Command{
		Use:    "batch",
		Short:  "Run one batch of the corpus (used by supervise)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.config(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("corpus") {
				cfg.Corpus.Path = corpusPath
			}
			if cmd.Flags().Changed("out-dir") {
				cfg.Output.Dir = outDir
			}
			return runBatch(cmd, cfg, b)
		},
	}

	cmd.Flags().IntVar(&b.Index, "index", 0, "batch index (1-based)")
	cmd.Flags().IntVar(&b.Low, "low", 0, "first corpus index")
	cmd.Flags().IntVar(&b.High, "high", 0, "corpus index after the last one")
	cmd.Flags().StringVar(&corpusPath, "corpus", "", "corpus CSV (overrides corpus.path)")
	cmd.Flags().StringVar(&outDir, "out-dir", "", "output directory (overrides output.dir)")
	_ = cmd.MarkFlagRequired("low")
	_ = cmd.MarkFlagRequired("high")

	return cmd
}

func runBatch(cmd *cobra.Command, cfg *Config, b types.Batch) error {
	if b.High < b.Low {
		return fmt.Errorf("invalid batch range %d-%d", b.Low, b.High)
	}
	all, err := corpus.Load(cfg.Corpus.Path, cfg.Corpus.Header)
	if err != nil {
		return fmt.Errorf("failed to load corpus: %w", err)
	}

	// SIGTERM from the watchdog ends in-flight jobs through ctx.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()
	slog.Info("Batch started", "batch", b.Index, "range", b.Range(), "pid", os.Getpid())

	_, err = runQueue(ctx, cfg, queueRun{
		ids:         corpus.Slice(all, b.Low, b.High),
		paths:       sink.BatchPaths(cfg.Output.Dir, b),
		summaryPath: sink.SummaryPath(cfg.Output.Dir, b),
		low:         b.Low,
		high:        b.High,
	}, collector)
	writeTextfile(cfg, collector)
	return err
}
