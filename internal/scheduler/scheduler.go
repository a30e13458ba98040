// Package scheduler runs the trade cycle on a cron schedule. Runs never
// overlap and a panicking run does not stop the schedule.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"quantis-trader/internal/logging"
)

// DefaultSpec runs one cycle every fifteen minutes.
const DefaultSpec = "@every 15m"

// Job is one scheduled unit of work.
type Job func(ctx context.Context)

// Scheduler manages the cycle cron entry.
type Scheduler struct {
	cron   *cron.Cron
	job    cron.Job
	spec   string
	entry  cron.EntryID
	ctx    context.Context
	logger *logging.Logger
}

// New creates a Scheduler that runs job on spec (standard cron syntax or
// descriptors such as "@every 15m"). ctx is handed to every run.
func New(ctx context.Context, spec string, job Job, logger *logging.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSpec
	}
	if logger == nil {
		logger = logging.WithComponent("scheduler")
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}

	cl := cronLogger{logger}
	c := cron.New(cron.WithLogger(cl), cron.WithLocation(time.UTC))

	s := &Scheduler{
		cron:   c,
		spec:   spec,
		ctx:    ctx,
		logger: logger,
	}
	// The same wrapped job serves cron and RunNow so they share the
	// skip-if-running guard.
	s.job = cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
		job(s.ctx)
	}))
	s.entry = c.Schedule(schedule, s.job)
	return s, nil
}

// Start starts the cron loop. With runNow the first cycle starts
// immediately instead of waiting for the first tick.
func (s *Scheduler) Start(runNow bool) {
	s.cron.Start()
	s.logger.Info("scheduler started", "spec", s.spec, "next_run", s.NextRun())
	if runNow {
		go s.RunNow()
	}
}

// RunNow runs the job in the caller's goroutine. It is skipped when a run
// is already in progress.
func (s *Scheduler) RunNow() {
	s.job.Run()
}

// NextRun returns when the next scheduled run is due. It is zero until
// the scheduler has started.
func (s *Scheduler) NextRun() time.Time {
	return s.cron.Entry(s.entry).Next
}

// Stop stops scheduling and waits for a running job to finish or ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running cycle: %w", ctx.Err())
	}
}

// cronLogger adapts the bot logger to cron.Logger.
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.WithError(err).Error(msg, keysAndValues...)
}
