// Package session implements the Session Runner (spec §4.12,
// component C12): owns one Constellation and its Scheduler, and
// aggregates the run into a single result.
package session

import (
	"context"
	"time"

	"github.com/basket/constellation/internal/dag"
)

// Runnable is the subset of *scheduler.Scheduler a Runner drives.
type Runnable interface {
	Run(ctx context.Context) (*dag.Stats, error)
}

// TaskResult is one task's outcome within a Run.
type TaskResult struct {
	TaskID   string
	Status   dag.TaskStatus
	Result   interface{}
	Error    string
	Duration time.Duration
}

// RunResult aggregates an entire constellation run.
type RunResult struct {
	ConstellationID string
	FinalState      dag.ConstellationState
	TaskResults     []TaskResult
	Stats           dag.Stats
	TotalDuration    time.Duration
}

// Runner owns a Constellation and its Scheduler for the duration of
// one run.
type Runner struct {
	c         *dag.Constellation
	scheduler Runnable
}

func New(c *dag.Constellation, scheduler Runnable) *Runner {
	return &Runner{c: c, scheduler: scheduler}
}

// Run drives the scheduler to completion (or cancellation) and
// aggregates per-task results, timings, final state, and total
// duration (spec §4.12).
func (r *Runner) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	stats, err := r.scheduler.Run(ctx)
	duration := time.Since(start)

	result := &RunResult{
		ConstellationID: r.c.ConstellationID,
		FinalState:      r.c.State(),
		TotalDuration:   duration,
	}
	if stats != nil {
		result.Stats = *stats
	} else {
		result.Stats = r.c.Statistics()
	}

	for id, t := range r.c.Tasks() {
		tr := TaskResult{TaskID: id, Status: t.Status, Result: t.Result, Error: t.Error}
		if !t.StartedAt.IsZero() && !t.EndedAt.IsZero() {
			tr.Duration = t.EndedAt.Sub(t.StartedAt)
		}
		result.TaskResults = append(result.TaskResults, tr)
	}

	if err != nil {
		return result, err
	}
	return result, nil
}
