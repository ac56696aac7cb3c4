// ============================================================================
// Result Sink
// ============================================================================
//
// Package: internal/storage/sink
// File: sink.go
// Purpose: The three append-only outputs of a run.
//
//   sequences    one space-joined token sequence per non-empty project
//   identifiers  one id per successfully completed job
//   errors       one id per failed job, flushed once per run
//
// Persist writes the sequence before the identifier while holding the sink
// lock, so the pair for one job is never interleaved with another job's. If
// either write fails the job is reported failed; a sequence line that landed
// before the identifier write failed is kept.
//
// ============================================================================

package sink

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/blockseq/internal/encoder"
	"github.com/ChuLiYu/blockseq/pkg/types"
)

// Paths locates the three output files.
type Paths struct {
	Sequences   string
	Identifiers string
	Errors      string
}

// BatchPaths names a batch's outputs inside dir, e.g. "0-999_sequences.txt".
func BatchPaths(dir string, b types.Batch) Paths {
	prefix := filepath.Join(dir, b.Range())
	return Paths{
		Sequences:   prefix + "_sequences.txt",
		Identifiers: prefix + "_ids.txt",
		Errors:      prefix + "_errors.txt",
	}
}

// SummaryPath names a batch's JSON summary inside dir.
func SummaryPath(dir string, b types.Batch) string {
	return filepath.Join(dir, b.Range()+"_summary.json")
}

// Sink owns the three streams of one run.
type Sink struct {
	mu          sync.Mutex
	sequences   *Stream
	identifiers *Stream
	errors      *Stream
}

// Open creates or appends to the three files.
func Open(paths Paths, syncOnAppend bool) (*Sink, error) {
	var streams [3]*Stream
	for i, path := range []string{paths.Sequences, paths.Identifiers, paths.Errors} {
		st, err := OpenStream(path, syncOnAppend)
		if err != nil {
			for _, opened := range streams[:i] {
				opened.Close()
			}
			return nil, fmt.Errorf("open sink: %w", err)
		}
		streams[i] = st
	}
	return &Sink{sequences: streams[0], identifiers: streams[1], errors: streams[2]}, nil
}

// Persist records one finished job.
func (s *Sink) Persist(id types.ProjectID, seq encoder.Sequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !seq.Empty() {
		if err := s.sequences.AppendLine(seq.String()); err != nil {
			return fmt.Errorf("append sequence: %w", err)
		}
	}
	if err := s.identifiers.AppendLine(string(id)); err != nil {
		return fmt.Errorf("append identifier: %w", err)
	}
	return nil
}

// WriteErrors appends the failed identifiers in one write.
func (s *Sink) WriteErrors(ids []types.ProjectID) error {
	lines := make([]string, len(ids))
	for i, id := range ids {
		lines[i] = string(id)
	}
	return s.errors.AppendLines(lines)
}

// Counts returns how many sequence and identifier lines this sink wrote.
func (s *Sink) Counts() (sequences, identifiers uint64) {
	return s.sequences.Lines(), s.identifiers.Lines()
}

// Close closes all streams.
func (s *Sink) Close() error {
	return errors.Join(s.sequences.Close(), s.identifiers.Close(), s.errors.Close())
}
