// ============================================================================
// blockseq CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree, configuration loading and logging bootstrap
//
// Command Structure:
//   blockseq                       # Root command
//   ├── run                        # Encode a corpus (or one id) in-process
//   ├── supervise                  # Run the corpus batch by batch in subprocesses
//   ├── batch                      # (hidden) one batch unit, started by supervise
//   ├── encode                     # Encode a local project file and print it
//   ├── status                     # Replay the audit log, probe health
//   ├── --config, -c               # YAML config (default: configs/default.yaml)
//   ├── --log-level                # debug | info | warn | error
//   └── --log-format               # text | json
//
// Configuration Management:
//   configs/default.yaml is optional; when it is missing the built-in
//   defaults apply. An explicitly passed --config must exist.
//   Command flags override config values.
//
// Exit status:
//   0 when the run completes, even if every project or batch failed;
//   non-zero only for setup errors (bad config, unreadable corpus, lock held).
//
// ============================================================================

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Version is reported by --version.
var Version = "1.0.0"

// globalOptions holds persistent flags.
type globalOptions struct {
	configFile string
	logLevel   string
	logFormat  string
}

// BuildCLI creates the root command.
func BuildCLI() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "blockseq",
		Short: "blockseq: encode block-based projects into token sequences",
		Long: `blockseq turns visual-programming projects into flat token sequences:
- format normalization and parsing per project
- bounded-concurrency job queue with per-job timeouts
- batch supervisor with watchdog and resumable audit log
- Prometheus metrics and gRPC health`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", DefaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "log format: text, json")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildSuperviseCommand(opts))
	rootCmd.AddCommand(buildBatchCommand(opts))
	rootCmd.AddCommand(buildEncodeCommand())
	rootCmd.AddCommand(buildStatusCommand(opts))

	return rootCmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// config loads the config named by --config.
func (o *globalOptions) config(cmd *cobra.Command) (*Config, error) {
	explicit := cmd.Flags().Changed("config")
	cfg, err := loadConfig(o.configFile, explicit)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// childArgs are the persistent flags a batch subprocess inherits. --config
// is passed on only when the parent actually read a file, since an explicit
// path that does not exist is an error.
func (o *globalOptions) childArgs(cmd *cobra.Command) []string {
	args := []string{
		"--log-level", o.logLevel,
		"--log-format", o.logFormat,
	}
	if cmd.Flags().Changed("config") || fileExists(o.configFile) {
		args = append(args, "--config", o.configFile)
	}
	return args
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q (want text or json)", format)
	}
}
