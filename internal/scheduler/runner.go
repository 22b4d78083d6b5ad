package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// JobRunner executes a single job on schedule.
type JobRunner struct {
	job    *Job
	mu     *sync.Mutex // guards job.State, shared with the scheduler
	logger *slog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewJobRunner creates a runner. mu guards the job's state; pass nil when
// the job is not shared.
func NewJobRunner(job *Job, mu *sync.Mutex, log *slog.Logger) *JobRunner {
	if log == nil {
		log = slog.Default()
	}
	if mu == nil {
		mu = &sync.Mutex{}
	}
	return &JobRunner{
		job:    job,
		mu:     mu,
		logger: log.With("job", job.ID),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the job at every scheduled time until ctx is cancelled or Stop
// is called.
func (r *JobRunner) Start(ctx context.Context) {
	defer close(r.doneCh)

	nextRun, err := r.job.NextRun(time.Now())
	if err != nil {
		r.logger.Error("failed to calculate next run", "error", err)
		return
	}
	r.setNext(nextRun)
	r.logger.Debug("job runner started", "next_run", nextRun.Format(time.RFC3339))

	timer := time.NewTimer(time.Until(nextRun))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-timer.C:
			r.executeJob(ctx)

			nextRun, err := r.job.NextRun(time.Now())
			if err != nil {
				r.logger.Error("failed to calculate next run", "error", err)
				return
			}
			r.setNext(nextRun)
			timer.Reset(time.Until(nextRun))
		}
	}
}

// Stop stops the runner and waits for it to exit.
func (r *JobRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *JobRunner) setNext(t time.Time) {
	r.mu.Lock()
	r.job.State.NextRunAt = t
	r.mu.Unlock()
}

// executeJob runs the job once and records the outcome.
func (r *JobRunner) executeJob(ctx context.Context) {
	start := time.Now()

	err := r.safeRun(ctx)
	duration := time.Since(start)

	r.mu.Lock()
	r.job.State.LastRunAt = time.Now()
	r.job.State.LastDuration = duration
	r.job.State.RunCount++
	if err != nil {
		r.job.State.ErrorCount++
		r.job.State.LastError = err.Error()
	} else {
		r.job.State.LastError = ""
	}
	runs, errs := r.job.State.RunCount, r.job.State.ErrorCount
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("job failed",
			"error", err,
			"duration", duration,
			"run_count", runs,
			"error_count", errs)
		return
	}
	r.logger.Debug("job completed", "duration", duration, "run_count", runs)
}

func (r *JobRunner) safeRun(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return r.job.Run(ctx)
}
