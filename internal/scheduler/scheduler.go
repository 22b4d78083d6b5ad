// Package scheduler runs the sync core's periodic maintenance jobs, such as
// re-queuing failed operations whose backoff elapsed and pruning finished
// ones.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Scheduler manages all scheduled jobs.
type Scheduler struct {
	jobs    map[string]*Job
	runners map[string]*JobRunner
	logger  *slog.Logger
	mu      sync.Mutex // guards jobs, runners and every job's State
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a new scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:    make(map[string]*Job),
		runners: make(map[string]*JobRunner),
		logger:  logger.With("component", "scheduler"),
	}
}

// Start launches a runner for every enabled job.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)
	for id, job := range s.jobs {
		if !job.Enabled {
			s.logger.Debug("skipping disabled job", "job", id)
			continue
		}
		s.startRunner(job)
	}
	s.logger.Info("scheduler started", "active_jobs", len(s.runners))
	return nil
}

// Stop stops all job runners.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	runners := s.runners
	s.runners = make(map[string]*JobRunner)
	s.ctx = nil
	s.mu.Unlock()

	// Runners take s.mu to record state, so wait without holding it.
	for _, runner := range runners {
		runner.Stop()
	}
	s.logger.Info("scheduler stopped")
}

// must hold s.mu
func (s *Scheduler) startRunner(job *Job) {
	runner := NewJobRunner(job, &s.mu, s.logger)
	s.runners[job.ID] = runner
	go runner.Start(s.ctx)
}

// AddJob adds a job, starting it when the scheduler is running.
func (s *Scheduler) AddJob(job *Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job with ID %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	if s.ctx != nil && job.Enabled {
		s.startRunner(job)
	}
	s.logger.Debug("job added", "job", job.ID, "enabled", job.Enabled)
	return nil
}

// RemoveJob removes a job and stops its runner.
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	if _, exists := s.jobs[id]; !exists {
		s.mu.Unlock()
		return fmt.Errorf("job not found: %s", id)
	}
	runner := s.runners[id]
	delete(s.runners, id)
	delete(s.jobs, id)
	s.mu.Unlock()

	if runner != nil {
		runner.Stop()
	}
	s.logger.Debug("job removed", "job", id)
	return nil
}

// Reschedule replaces a job's schedule and restarts its runner.
func (s *Scheduler) Reschedule(id string, sched ScheduleConfig) error {
	s.mu.Lock()
	job, exists := s.jobs[id]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("job not found: %s", id)
	}
	updated := *job
	updated.Schedule = sched
	if err := updated.Validate(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("invalid job: %w", err)
	}
	runner := s.runners[id]
	delete(s.runners, id)
	s.mu.Unlock()

	if runner != nil {
		runner.Stop()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	job.Schedule = sched
	if s.ctx != nil && job.Enabled {
		s.startRunner(job)
	}
	s.logger.Info("job rescheduled", "job", id, "kind", sched.Kind)
	return nil
}

// GetJob returns a copy of the job.
func (s *Scheduler) GetJob(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return Job{}, fmt.Errorf("job not found: %s", id)
	}
	return job.snapshot(), nil
}

// ListJobs returns copies of all jobs.
func (s *Scheduler) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.snapshot())
	}
	return jobs
}

// RunJobNow executes a job once, bypassing its schedule.
func (s *Scheduler) RunJobNow(ctx context.Context, id string) error {
	s.mu.Lock()
	job, exists := s.jobs[id]
	s.mu.Unlock()
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}

	NewJobRunner(job, &s.mu, s.logger).executeJob(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if job.State.LastError != "" {
		return fmt.Errorf("job %s: %s", id, job.State.LastError)
	}
	return nil
}

// GetStats returns scheduler statistics.
func (s *Scheduler) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	totalRuns := int64(0)
	totalErrors := int64(0)
	activeJobs := 0
	for _, job := range s.jobs {
		totalRuns += job.State.RunCount
		totalErrors += job.State.ErrorCount
		if job.Enabled {
			activeJobs++
		}
	}

	return map[string]interface{}{
		"total_jobs":   len(s.jobs),
		"active_jobs":  activeJobs,
		"running_jobs": len(s.runners),
		"total_runs":   totalRuns,
		"total_errors": totalErrors,
	}
}
