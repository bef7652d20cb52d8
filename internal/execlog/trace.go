package execlog

// trace.go — per-signal structured execution log.
//
// Every signal gets a trace ID at claim time; each pipeline stage
// appends one record carrying the trace ID, the stage name and elapsed
// time. Records go to slog and to the execution_log table so a single
// trade can be reconstructed end to end after the fact.

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"polycopy/internal/domain"
	"polycopy/internal/ports"
)

// Trace follows one signal through the pipeline.
type Trace struct {
	ID         string
	StrategyID string
	store      ports.LogStore
	started    time.Time
}

// NewTrace starts a trace for one signal of one strategy.
func NewTrace(store ports.LogStore, strategyID string) *Trace {
	return &Trace{
		ID:         uuid.NewString(),
		StrategyID: strategyID,
		store:      store,
		started:    time.Now(),
	}
}

// Stage records a normal pipeline step.
func (t *Trace) Stage(ctx context.Context, stage, message string) {
	t.record(ctx, slog.LevelInfo, stage, message)
}

// Warn records a recoverable anomaly within a step.
func (t *Trace) Warn(ctx context.Context, stage, message string) {
	t.record(ctx, slog.LevelWarn, stage, message)
}

// Error records a stage failure.
func (t *Trace) Error(ctx context.Context, stage string, err error) {
	t.record(ctx, slog.LevelError, stage, err.Error())
}

func (t *Trace) record(ctx context.Context, level slog.Level, stage, message string) {
	elapsed := time.Since(t.started).Milliseconds()

	slog.Log(ctx, level, message,
		"trace_id", t.ID,
		"strategy", t.StrategyID,
		"stage", stage,
		"elapsed_ms", elapsed,
	)

	rec := domain.ExecutionRecord{
		TraceID:    t.ID,
		StrategyID: t.StrategyID,
		Stage:      stage,
		Level:      level.String(),
		Message:    message,
		ElapsedMS:  elapsed,
		At:         time.Now().UTC(),
	}
	if err := t.store.AppendExecutionRecord(ctx, rec); err != nil {
		// The log table must never break the pipeline.
		slog.Warn("execlog: append failed", "trace_id", t.ID, "err", err)
	}
}
