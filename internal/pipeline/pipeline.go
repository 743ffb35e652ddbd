// Package pipeline runs one aggregation pass: fetch the window, fold it into
// per-device summaries, write them. Stages run strictly in sequence and
// nothing is written unless fetch and aggregation both succeeded within the
// run deadline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stuartshay/device-aggregator/internal/aggregator"
	"github.com/stuartshay/device-aggregator/internal/ledger"
	"github.com/stuartshay/device-aggregator/internal/telemetry"
)

const tracerName = "github.com/stuartshay/device-aggregator/internal/pipeline"

// Stage names used in errors, logs and the run ledger
const (
	StageFetch     = "fetch"
	StageAggregate = "aggregate"
	StageWrite     = "write"
)

// Reader supplies the raw rows of a window in arrival order.
type Reader interface {
	FetchWindow(ctx context.Context, window telemetry.Window) ([]telemetry.Row, error)
}

// Writer persists a complete set of summaries or nothing.
type Writer interface {
	WriteSummaries(ctx context.Context, window telemetry.Window, summaries map[string]telemetry.DeviceSummary) error
}

// StageError identifies the window and stage at which a run failed.
type StageError struct {
	Stage  string
	Window telemetry.Window
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed for window %s: %v", e.Stage, e.Window, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Runner wires a Reader, an Aggregator and a Writer together.
type Runner struct {
	reader     Reader
	writer     Writer
	aggregator *aggregator.Aggregator
	ledger     ledger.Store
	timeout    time.Duration
	tracer     trace.Tracer
}

// Option configures a Runner.
type Option func(*Runner)

// WithLedger records every run in store.
func WithLedger(store ledger.Store) Option {
	return func(r *Runner) { r.ledger = store }
}

// WithTimeout sets the hard deadline for a whole run. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithAggregator overrides the default aggregator.
func WithAggregator(a *aggregator.Aggregator) Option {
	return func(r *Runner) { r.aggregator = a }
}

// NewRunner creates a pipeline runner.
func NewRunner(reader Reader, writer Writer, opts ...Option) *Runner {
	r := &Runner{
		reader:     reader,
		writer:     writer,
		aggregator: aggregator.New(aggregator.WithLogger(log.Logger)),
		ledger:     ledger.NewMemory(100),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one pass over window and returns its ledger record. On failure
// the error is a *StageError and the record is marked failed.
func (r *Runner) Run(ctx context.Context, window telemetry.Window) (*ledger.Run, error) {
	run := ledger.NewRun(window)
	logger := log.With().
		Str("run_id", run.ID).
		Int64("window_start", window.Start).
		Int64("window_end", window.End).
		Logger()

	if err := window.Validate(); err != nil {
		return r.fail(ctx, logger, run, StageFetch, err, nil)
	}

	r.record(ctx, logger, run)

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	ctx, span := r.tracer.Start(ctx, "aggregation.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.Int64("window.start", window.Start),
		attribute.Int64("window.end", window.End),
	))
	defer span.End()

	started := time.Now()
	logger.Info().Str("window", window.String()).Msg("Aggregation run started")

	// Fetch
	rows, err := r.fetch(ctx, window)
	if err != nil {
		return r.failSpan(ctx, span, logger, run, StageFetch, err, nil)
	}
	partial := &ledger.Result{RowsFetched: len(rows)}
	logger.Info().Int("rows", len(rows)).Msg("Window fetched")

	// Aggregate
	_, aggSpan := r.tracer.Start(ctx, "aggregation.fold")
	res, err := r.aggregator.Aggregate(rows)
	aggSpan.SetAttributes(
		attribute.Int("rows.folded", res.Folded),
		attribute.Int("rows.skipped", res.Skipped),
		attribute.Int("devices", len(res.Summaries)),
	)
	if err != nil {
		aggSpan.RecordError(err)
		aggSpan.SetStatus(codes.Error, "aggregation aborted")
	}
	aggSpan.End()
	if err != nil {
		return r.failSpan(ctx, span, logger, run, StageAggregate, err, partial)
	}
	partial.RowsFolded = res.Folded
	partial.RowsSkipped = res.Skipped

	logger.Info().
		Int("rows_folded", res.Folded).
		Int("rows_skipped", res.Skipped).
		Int("devices", len(res.Summaries)).
		Msg("Readings aggregated")

	// Do not start a write the deadline has already ruled out
	if err := ctx.Err(); err != nil {
		return r.failSpan(ctx, span, logger, run, StageWrite, err, partial)
	}

	// Write
	if err := r.write(ctx, window, res.Summaries); err != nil {
		return r.failSpan(ctx, span, logger, run, StageWrite, err, partial)
	}

	partial.DevicesWritten = len(res.Summaries)
	partial.ProcessingTimeMS = time.Since(started).Milliseconds()
	run.Complete(*partial)
	r.record(context.WithoutCancel(ctx), logger, run)

	span.SetStatus(codes.Ok, "")
	logger.Info().
		Int("devices_written", partial.DevicesWritten).
		Int64("processing_time_ms", partial.ProcessingTimeMS).
		Msg("Aggregation run completed")

	return run, nil
}

func (r *Runner) fetch(ctx context.Context, window telemetry.Window) ([]telemetry.Row, error) {
	ctx, span := r.tracer.Start(ctx, "aggregation.fetch")
	defer span.End()

	rows, err := r.reader.FetchWindow(ctx, window)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("rows.fetched", len(rows)))
	return rows, nil
}

func (r *Runner) write(ctx context.Context, window telemetry.Window, summaries map[string]telemetry.DeviceSummary) error {
	ctx, span := r.tracer.Start(ctx, "aggregation.write", trace.WithAttributes(
		attribute.Int("devices", len(summaries)),
	))
	defer span.End()

	if err := r.writer.WriteSummaries(ctx, window, summaries); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return err
	}
	return nil
}

func (r *Runner) failSpan(ctx context.Context, span trace.Span, logger zerolog.Logger, run *ledger.Run, stage string, err error, partial *ledger.Result) (*ledger.Run, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, stage+" failed")
	span.SetAttributes(attribute.String("failed.stage", stage))
	return r.fail(ctx, logger, run, stage, err, partial)
}

func (r *Runner) fail(ctx context.Context, logger zerolog.Logger, run *ledger.Run, stage string, err error, partial *ledger.Result) (*ledger.Run, error) {
	stageErr := &StageError{Stage: stage, Window: run.Window, Err: err}
	run.Fail(stage, stageErr, partial)

	// the run context may be past its deadline; the ledger write must still happen
	r.record(context.WithoutCancel(ctx), logger, run)

	event := logger.Error().Err(err).Str("stage", stage)
	if errors.Is(err, context.DeadlineExceeded) {
		event = event.Bool("deadline_exceeded", true)
	}
	event.Msg("Aggregation run failed")

	return run, stageErr
}

func (r *Runner) record(ctx context.Context, logger zerolog.Logger, run *ledger.Run) {
	if r.ledger == nil {
		return
	}
	if err := r.ledger.Save(ctx, run); err != nil {
		logger.Warn().Err(err).Msg("Failed to record run in ledger")
	}
}
