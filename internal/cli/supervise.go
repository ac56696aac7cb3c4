package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/blockseq/internal/corpus"
	"github.com/ChuLiYu/blockseq/internal/metrics"
	"github.com/ChuLiYu/blockseq/internal/server"
	"github.com/ChuLiYu/blockseq/internal/supervisor"
	"github.com/ChuLiYu/blockseq/pkg/types"
)

type superviseOptions struct {
	corpusPath   string
	batchSize    int
	batchTimeout time.Duration
	noResume     bool
}

func buildSuperviseCommand(g *globalOptions) *cobra.Command {
	opts := &superviseOptions{}

	cmd := &cobra.Command{
		Use:   "supervise",
		Short: "Run the corpus batch by batch in isolated subprocesses",
		Long: `Split the corpus into fixed-size batches and run each one as a separate
process under a watchdog. Every batch outcome is appended to the audit log
before the next batch starts; a restarted supervisor resumes after the last
recorded batch.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.config(cmd)
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)

			args := append([]string{"batch"}, g.childArgs(cmd)...)
			launcher, err := supervisor.SelfLauncher(append(args, batchArgs(cfg)...)...)
			if err != nil {
				return fmt.Errorf("failed to locate executable: %w", err)
			}
			return runSupervisor(cmd, cfg, launcher)
		},
	}

	cmd.Flags().StringVar(&opts.corpusPath, "corpus", "", "corpus CSV (overrides corpus.path)")
	cmd.Flags().IntVarP(&opts.batchSize, "batch-size", "b", 0, "identifiers per batch (overrides supervisor.batch_size)")
	cmd.Flags().DurationVar(&opts.batchTimeout, "batch-timeout", 0, "watchdog timeout per batch (overrides supervisor.batch_timeout)")
	cmd.Flags().BoolVar(&opts.noResume, "no-resume", false, "ignore the audit log and start from the first batch")

	return cmd
}

func (o *superviseOptions) apply(cmd *cobra.Command, cfg *Config) {
	flags := cmd.Flags()
	if flags.Changed("corpus") {
		cfg.Corpus.Path = o.corpusPath
	}
	if flags.Changed("batch-size") && o.batchSize > 0 {
		cfg.Supervisor.BatchSize = o.batchSize
	}
	if flags.Changed("batch-timeout") {
		cfg.Supervisor.BatchTimeout = o.batchTimeout
	}
	if o.noResume {
		cfg.Supervisor.Resume = false
	}
}

// batchArgs carries the settings the supervisor resolved from flags, so every
// batch slices the same corpus the batches were planned against.
func batchArgs(cfg *Config) []string {
	return []string{
		"--corpus", cfg.Corpus.Path,
		"--out-dir", cfg.Output.Dir,
	}
}

// runSupervisor holds the lock and runs the supervisor alongside the metrics
// and health servers. The servers stop when the supervisor returns.
func runSupervisor(cmd *cobra.Command, cfg *Config, launcher supervisor.Launcher) error {
	// The lock sits next to the audit log it protects.
	lock := supervisor.NewLock(filepath.Dir(cfg.Supervisor.AuditLog))
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Failed to release lock", "error", err)
		}
	}()

	ids, err := corpus.Load(cfg.Corpus.Path, cfg.Corpus.Header)
	if err != nil {
		return fmt.Errorf("failed to load corpus: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()
	sup := supervisor.New(supervisor.Config{
		BatchSize:    cfg.Supervisor.BatchSize,
		BatchTimeout: cfg.Supervisor.BatchTimeout,
		KillGrace:    cfg.Supervisor.KillGrace,
		AuditLog:     cfg.Supervisor.AuditLog,
		Resume:       cfg.Supervisor.Resume,
		OutputDir:    cfg.Output.Dir,
	}, launcher, collector)

	serveCtx, stopServers := context.WithCancel(ctx)
	defer stopServers()

	var report supervisor.Report
	g, gctx := errgroup.WithContext(serveCtx)

	g.Go(func() error {
		defer stopServers()
		var err error
		report, err = sup.Run(gctx, len(ids))
		return err
	})

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return collector.StartServer(gctx, cfg.Metrics.Port)
		})
	}

	if cfg.Health.Enabled {
		health := server.NewServer(sup, time.Second)
		g.Go(func() error {
			return health.ListenAndServe(gctx, cfg.Health.Port)
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "batches:    %d run, %d skipped\n", report.Batches, report.Skipped)
	fmt.Fprintf(out, "outcomes:   %d succeeded, %d failed, %d timed out\n",
		report.Outcomes[types.BatchSucceeded], report.Outcomes[types.BatchFailed], report.Outcomes[types.BatchTimedOut])
	if report.Summary.Total > 0 {
		printSummary(out, report.Summary)
	}
	return nil
}
