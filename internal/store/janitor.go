package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Janitor periodically evicts expired terminal records from both stores.
// The schedule is a cron expression checked once a minute.
type Janitor struct {
	Processes  *ProcessStore
	Tasks      *TaskStore
	Cron       string
	ProcessTTL time.Duration
	TaskTTL    time.Duration
}

// Run blocks until ctx is done, sweeping whenever the cron expression is due.
func (j *Janitor) Run(ctx context.Context) {
	expr := j.Cron
	if expr == "" {
		expr = "*/5 * * * *"
	}
	gron := gronx.New()
	if !gron.IsValid(expr) {
		slog.Warn("store.janitor.invalid_cron", "expr", expr)
		expr = "*/5 * * * *"
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := gron.IsDue(expr, time.Now())
			if err != nil || !due {
				continue
			}
			j.Sweep()
		}
	}
}

// Sweep runs one cleanup pass immediately.
func (j *Janitor) Sweep() {
	if j.Processes != nil {
		if n := j.Processes.Cleanup(j.ProcessTTL); n > 0 {
			slog.Info("store.janitor.processes_evicted", "count", n)
		}
	}
	if j.Tasks != nil {
		if n := j.Tasks.Cleanup(j.TaskTTL); n > 0 {
			slog.Info("store.janitor.tasks_evicted", "count", n)
		}
	}
}
