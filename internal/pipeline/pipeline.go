// ============================================================================
// Job Pipeline
// ============================================================================
//
// Package: internal/pipeline
// File: pipeline.go
// Purpose: Runs one project through Normalize → Parse → Encode → Persist.
//
// State machine (pkg/types.JobStatus):
//
//   Pending → Normalizing → Parsing → Encoding → Persisting → Done
//                 │            │                     │
//                 └────────────┴─────────────────────┴──→ Failed(stage, cause)
//
// Each stage either hands its output to the next one or returns a
// *StageError; the first failure ends the job. Encoding cannot fail.
// A project that encodes to an empty sequence still succeeds: its id is
// persisted, its (empty) sequence is not.
//
// Logging:
//   Normalize and Parse failures are expected on a real corpus and logged at
//   Warn. Persist failures point at the sink itself and are logged at Error.
//
// ============================================================================

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/blockseq/internal/blockgraph"
	"github.com/ChuLiYu/blockseq/internal/ctxlog"
	"github.com/ChuLiYu/blockseq/internal/encoder"
	"github.com/ChuLiYu/blockseq/internal/upgrader"
	"github.com/ChuLiYu/blockseq/pkg/types"
)

var (
	// ErrNormalize marks a failure to fetch or upgrade the project.
	ErrNormalize = errors.New("normalize failed")
	// ErrParse marks a malformed or unsupported document.
	ErrParse = errors.New("parse failed")
	// ErrPersist marks a sink I/O failure.
	ErrPersist = errors.New("persist failed")
)

// StageError is the failure of one pipeline stage.
type StageError struct {
	Stage types.JobStatus // stage that failed
	Kind  error           // ErrNormalize, ErrParse or ErrPersist
	Cause error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Cause}
}

// KindName is a short label for the failure kind, used in metrics and summaries.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrNormalize):
		return "normalize"
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, ErrPersist):
		return "persist"
	default:
		return "other"
	}
}

// Normalizer produces a current-schema document for an identifier.
type Normalizer interface {
	Normalize(ctx context.Context, id types.ProjectID) (upgrader.Document, error)
}

// Sink persists a finished job. It must write the sequence (when non-empty)
// before the identifier, and report failure if either write fails.
type Sink interface {
	Persist(id types.ProjectID, seq encoder.Sequence) error
}

// Outcome is the terminal result of one job.
type Outcome struct {
	ID       types.ProjectID
	Status   types.JobStatus // StatusDone or StatusFailed
	Version  int             // source schema version, 0 when unknown
	Tokens   int
	Empty    bool
	Err      error // *StageError when Status is StatusFailed
	Duration time.Duration
}

// Failed reports whether the job ended in StatusFailed.
func (o Outcome) Failed() bool { return o.Status == types.StatusFailed }

// Pipeline wires the stages together.
type Pipeline struct {
	normalizer Normalizer
	sink       Sink
}

// New creates a Pipeline.
func New(normalizer Normalizer, sink Sink) *Pipeline {
	return &Pipeline{normalizer: normalizer, sink: sink}
}

// Run drives one project to a terminal state. progress, when non-nil, is
// called on every forward transition.
func (p *Pipeline) Run(ctx context.Context, id types.ProjectID, progress func(types.JobStatus)) Outcome {
	start := time.Now()
	ctx, log := ctxlog.With(ctx, "project_id", string(id))

	job := &types.Job{ID: id, Status: types.StatusPending, CreatedAt: start.UnixMilli()}
	out := Outcome{ID: id}

	advance := func(to types.JobStatus) {
		if err := job.Advance(to); err != nil {
			// Stages are strictly sequential; this is a programming error.
			panic(err)
		}
		if progress != nil {
			progress(to)
		}
	}
	fail := func(kind, cause error) Outcome {
		stage := job.Status
		job.FailedStage = stage
		job.Err = &StageError{Stage: stage, Kind: kind, Cause: cause}
		advance(types.StatusFailed)

		level := slog.LevelWarn
		if errors.Is(kind, ErrPersist) && ctx.Err() == nil {
			level = slog.LevelError
		}
		log.Log(ctx, level, "Job failed", "stage", stage, "error", cause)

		out.Status = types.StatusFailed
		out.Err = job.Err
		out.Duration = time.Since(start)
		return out
	}

	// Normalize
	advance(types.StatusNormalizing)
	doc, err := p.normalizer.Normalize(ctx, id)
	out.Version = doc.SourceVersion
	if err != nil {
		return fail(ErrNormalize, err)
	}

	// Parse
	advance(types.StatusParsing)
	if err := ctx.Err(); err != nil {
		return fail(ErrParse, err)
	}
	project, err := blockgraph.Parse(doc.Body)
	if err != nil {
		return fail(ErrParse, err)
	}

	// Encode
	advance(types.StatusEncoding)
	seq := encoder.Encode(project)
	out.Tokens = len(seq)
	out.Empty = seq.Empty()

	// Persist. A job whose deadline already passed must not write.
	advance(types.StatusPersisting)
	if err := ctx.Err(); err != nil {
		return fail(ErrPersist, err)
	}
	if err := p.sink.Persist(id, seq); err != nil {
		return fail(ErrPersist, err)
	}

	advance(types.StatusDone)
	out.Status = types.StatusDone
	out.Duration = time.Since(start)
	log.Debug("Job done", "tokens", out.Tokens, "version", out.Version, "duration", out.Duration)
	return out
}
