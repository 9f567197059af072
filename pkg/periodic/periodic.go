// Package periodic runs recurring background jobs on a fixed tick. Each job has a period and a
// due time; a tick starts every due job that is not already running and returns immediately.
package periodic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/flowcore/pkg/otelhelper"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultTick = 10 * time.Second

var (
	ErrInvalidPeriod = errors.New("job period must be positive")
	ErrInvalidTick   = errors.New("scheduler tick must be positive")
	ErrMissingFunc   = errors.New("job has no function")
)

// Func is the body of a periodic job. It should return promptly once ctx is cancelled.
type Func func(ctx context.Context) error

type Job struct {
	Name   string
	Period time.Duration
	// RunNow makes the job due on the first tick instead of one period after registration.
	RunNow bool
	Fn     Func
}

// JobID indexes a registered job.
type JobID int

type slot struct {
	job     Job
	due     time.Time
	running bool
}

type Scheduler struct {
	mu     sync.Mutex
	jobs   []slot
	wg     sync.WaitGroup
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
	tick   time.Duration
}

type Option func(*Scheduler)

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) {
		s.tracer = tracer
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func WithTick(tick time.Duration) Option {
	return func(s *Scheduler) {
		s.tick = tick
	}
}

func New(logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger: logger.With("module", "periodic"),
		tracer: otelhelper.NoopTracer(),
		now:    func() time.Time { return time.Now().UTC() },
		tick:   DefaultTick,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Add registers job. The period must be positive.
func (s *Scheduler) Add(job Job) (JobID, error) {
	if job.Period <= 0 {
		return 0, fmt.Errorf("%w: %s has period %s", ErrInvalidPeriod, job.Name, job.Period)
	}

	if job.Fn == nil {
		return 0, fmt.Errorf("%w: %s", ErrMissingFunc, job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	due := s.now()
	if !job.RunNow {
		due = due.Add(job.Period)
	}

	s.jobs = append(s.jobs, slot{job: job, due: due})

	return JobID(len(s.jobs) - 1), nil
}

// Due reports when the job will next be started.
func (s *Scheduler) Due(id JobID) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.jobs[id].due
}

// Running reports whether the job is executing.
func (s *Scheduler) Running(id JobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.jobs[id].running
}

// Dispatch starts every due job that is not running and returns how many were started.
func (s *Scheduler) Dispatch(ctx context.Context) int {
	s.mu.Lock()

	now := s.now()
	started := make([]JobID, 0)

	for i := range s.jobs {
		if s.jobs[i].running || !s.jobs[i].due.Before(now) {
			continue
		}

		s.jobs[i].running = true
		started = append(started, JobID(i))
	}

	s.mu.Unlock()

	for _, id := range started {
		s.wg.Add(1)

		go s.run(ctx, id)
	}

	return len(started)
}

func (s *Scheduler) run(ctx context.Context, id JobID) {
	defer s.wg.Done()

	s.mu.Lock()
	job := s.jobs[id].job
	s.mu.Unlock()

	logger := s.logger.With("job", job.Name)

	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "periodic.run",
		attribute.String(otelhelper.JobNameKey, job.Name))
	defer span.End()

	err := s.call(ctx, job)
	if err != nil {
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "periodic job failed", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx.Err() == nil {
		now := s.now()
		for s.jobs[id].due.Before(now) {
			s.jobs[id].due = s.jobs[id].due.Add(job.Period)
		}
	}

	s.jobs[id].running = false
}

func (s *Scheduler) call(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in periodic job %s: %v", job.Name, r)
		}
	}()

	return job.Fn(ctx)
}

// Run dispatches due jobs on every tick until ctx is done, then waits for running jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.tick <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTick, s.tick)
	}

	logger := cronLogger{s.logger}

	driver := cron.New(cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))

	_, err := driver.AddFunc(fmt.Sprintf("@every %s", s.tick), func() {
		s.Dispatch(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule tick: %w", err)
	}

	s.mu.Lock()
	count := len(s.jobs)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "starting periodic jobs", "jobs", count, "tick", s.tick)

	driver.Start()
	<-ctx.Done()
	<-driver.Stop().Done()

	s.Wait()
	s.logger.Info("periodic jobs stopped")

	return nil
}

// Wait blocks until every started job has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
