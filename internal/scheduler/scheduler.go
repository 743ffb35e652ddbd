// Package scheduler triggers one aggregation run per cron tick, each over the
// trailing window ending at the tick time.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stuartshay/device-aggregator/internal/ledger"
	"github.com/stuartshay/device-aggregator/internal/telemetry"
)

// RunFunc executes one run over window.
type RunFunc func(ctx context.Context, window telemetry.Window) (*ledger.Run, error)

// ResultFunc observes the outcome of every tick.
type ResultFunc func(run *ledger.Run, err error)

// Scheduler owns the cron loop.
type Scheduler struct {
	cron     *cron.Cron
	job      cron.Job
	run      RunFunc
	window   time.Duration
	onResult ResultFunc
	now      func() time.Time
	logger   zerolog.Logger

	ctx context.Context
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithResultHandler registers fn to be called after every tick.
func WithResultHandler(fn ResultFunc) Option {
	return func(s *Scheduler) { s.onResult = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New parses the cron expression and builds a stopped scheduler. A tick that fires while
// the previous one is still running is skipped.
func New(spec string, window time.Duration, run RunFunc, opts ...Option) (*Scheduler, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %s", window)
	}

	s := &Scheduler{
		run:    run,
		window: window,
		now:    time.Now,
		logger: log.With().Str("component", "scheduler").Logger(),
		ctx:    context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}

	cl := cronLogger{logger: s.logger}
	s.job = cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(s.Tick))
	s.cron = cron.New(cron.WithLogger(cl))

	if _, err := s.cron.AddJob(spec, s.job); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	return s, nil
}

// Start begins firing ticks. Runs inherit ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()

	entries := s.cron.Entries()
	if len(entries) > 0 {
		s.logger.Info().Time("next_run", entries[0].Next).Msg("Scheduler started")
	}
}

// Stop halts the cron loop. The returned context is done once an in-flight
// run has finished.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info().Msg("Scheduler stopping")
	return s.cron.Stop()
}

// Tick runs the trailing window ending now.
func (s *Scheduler) Tick() {
	window := telemetry.TrailingWindow(s.now(), s.window)
	run, err := s.run(s.ctx, window)
	if s.onResult != nil {
		s.onResult(run, err)
	}
}

// cronLogger adapts zerolog to cron.Logger. cron's info chatter goes to debug.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
