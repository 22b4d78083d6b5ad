package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Func is the work a job performs.
type Func func(ctx context.Context) error

// Job is a named periodic task.
type Job struct {
	ID       string
	Name     string
	Schedule ScheduleConfig
	Run      Func
	Enabled  bool
	State    JobState
}

// ScheduleConfig defines when a job runs.
type ScheduleConfig struct {
	Kind     string        `json:"kind"` // "interval" or "cron"
	Interval time.Duration `json:"interval,omitempty"`
	Expr     string        `json:"expr,omitempty"` // standard 5-field cron expression
}

// Every returns an interval schedule.
func Every(d time.Duration) ScheduleConfig {
	return ScheduleConfig{Kind: "interval", Interval: d}
}

// Cron returns a cron schedule.
func Cron(expr string) ScheduleConfig {
	return ScheduleConfig{Kind: "cron", Expr: expr}
}

// JobState tracks job execution state.
type JobState struct {
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
	RunCount     int64         `json:"runCount"`
	ErrorCount   int64         `json:"errorCount"`
	LastError    string        `json:"lastError,omitempty"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
}

// Validate checks if job configuration is valid.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID required")
	}
	if j.Run == nil {
		return fmt.Errorf("job %s has no run func", j.ID)
	}

	switch j.Schedule.Kind {
	case "interval":
		if j.Schedule.Interval <= 0 {
			return fmt.Errorf("interval must be positive")
		}
	case "cron":
		if j.Schedule.Expr == "" {
			return fmt.Errorf("cron expression required")
		}
		if _, err := cron.ParseStandard(j.Schedule.Expr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s (use interval or cron)", j.Schedule.Kind)
	}
	return nil
}

// NextRun calculates the next run time after from.
func (j *Job) NextRun(from time.Time) (time.Time, error) {
	switch j.Schedule.Kind {
	case "interval":
		return from.Add(j.Schedule.Interval), nil
	case "cron":
		schedule, err := cron.ParseStandard(j.Schedule.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron: %w", err)
		}
		return schedule.Next(from), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", j.Schedule.Kind)
	}
}

// snapshot copies the job without its run func.
func (j *Job) snapshot() Job {
	c := *j
	c.Run = nil
	return c
}
