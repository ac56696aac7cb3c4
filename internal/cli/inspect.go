package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/blockseq/internal/blockgraph"
	"github.com/ChuLiYu/blockseq/internal/encoder"
	"github.com/ChuLiYu/blockseq/internal/server"
	"github.com/ChuLiYu/blockseq/internal/storage/audit"
)

// ============================================================================
// encode
// ============================================================================

func buildEncodeCommand() *cobra.Command {
	var file string
	var check bool

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode a local schema 3 project file and print the sequence",
		Long:  "Read a project.json from --file (or stdin) and print its token sequence.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var r io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("failed to open project file: %w", err)
				}
				defer f.Close()
				r = f
			}
			return encodeProject(cmd.OutOrStdout(), r, check)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "project JSON file (default: stdin)")
	cmd.Flags().BoolVar(&check, "check", false, "verify delimiter balance of the output")

	return cmd
}

func encodeProject(w io.Writer, r io.Reader, check bool) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read project: %w", err)
	}

	project, err := blockgraph.Parse(body)
	if err != nil {
		return err
	}

	seq := encoder.Encode(project)
	if check {
		if err := encoder.Balanced(seq); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintln(w, seq.String())
	return err
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(g *globalOptions) *cobra.Command {
	var healthAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show batch status from the audit log",
		Long:  "Replay the audit log and print per-outcome counts and the resume point. With --health, also probe a running supervisor.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.config(cmd)
			if err != nil {
				return err
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), cfg, healthAddr)
		},
	}

	cmd.Flags().StringVar(&healthAddr, "health", "", "supervisor health address (e.g. localhost:50051)")

	return cmd
}

func showStatus(ctx context.Context, w io.Writer, cfg *Config, healthAddr string) error {
	s, err := audit.Summarize(cfg.Supervisor.AuditLog)
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}

	fmt.Fprintf(w, "audit log:   %s\n", cfg.Supervisor.AuditLog)
	fmt.Fprintf(w, "batches:     %d\n", s.Records)
	fmt.Fprintf(w, "  SUCCESS:   %d\n", s.Counts[audit.MarkerSuccess])
	fmt.Fprintf(w, "  ERROR:     %d\n", s.Counts[audit.MarkerError])
	fmt.Fprintf(w, "  TIMEOUT:   %d\n", s.Counts[audit.MarkerTimeout])
	if s.Last != nil {
		fmt.Fprintf(w, "last:        %s\n", s.Last)
	}
	fmt.Fprintf(w, "next index:  %d\n", s.Resume)

	if healthAddr == "" {
		return nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	status, err := server.Probe(probeCtx, healthAddr)
	if err != nil {
		fmt.Fprintf(w, "supervisor:  unreachable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(w, "supervisor:  %s\n", status)
	return nil
}
