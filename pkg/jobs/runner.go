package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Job is one periodic lifecycle task. Every job must be idempotent and safe
// to re-run: an interrupted run is reconciled from current state by the next.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type scheduledJob struct {
	job      Job
	interval time.Duration
}

// Runner drives registered jobs on their intervals, one goroutine per job.
type Runner struct {
	mu     sync.Mutex
	jobs   []scheduledJob
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

// NewRunner creates an empty job runner.
func NewRunner(log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{log: log}
}

// Register adds a job with its interval. Must be called before Start.
func (r *Runner) Register(job Job, interval time.Duration) error {
	if job == nil {
		return fmt.Errorf("jobs: nil job")
	}
	if interval <= 0 {
		return fmt.Errorf("jobs: job %q has non-positive interval", job.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return ErrRunnerStarted
	}
	r.jobs = append(r.jobs, scheduledJob{job: job, interval: interval})
	return nil
}

// Start launches every registered job. Each job runs once immediately, then
// on its ticker until the context is canceled or Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return ErrRunnerStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	for _, sj := range r.jobs {
		r.wg.Add(1)
		go r.loop(ctx, sj)
	}

	r.log.InfoContext(ctx, "job runner started", slog.Int("jobs", len(r.jobs)))
	return nil
}

// Stop cancels all job loops and waits for in-flight runs to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, sj scheduledJob) {
	defer r.wg.Done()

	r.runOnce(ctx, sj.job)

	ticker := time.NewTicker(sj.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, sj.job)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.ErrorContext(ctx, "job panicked",
				slog.String("job", job.Name()),
				slog.Any("panic", rec))
		}
	}()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		r.log.ErrorContext(ctx, "job failed",
			slog.String("job", job.Name()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()))
		return
	}
	r.log.DebugContext(ctx, "job completed",
		slog.String("job", job.Name()),
		slog.Duration("elapsed", time.Since(start)))
}
