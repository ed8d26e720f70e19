// Package driver contains the internally scheduled loops: transfer
// discovery/seeding, migration job pop-and-drain, and deprovision target
// pop-and-run. Each loop is a thin clock-driven shell around a Tick
// method so tests exercise single ticks without timers.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/stor-ops/custodian/internal/store"
	"github.com/stor-ops/custodian/internal/workflow"
)

// Seeder discovers newly completed transfers and inserts migration jobs
// for them. Seeding is idempotent: a transfer already represented by a
// job is skipped.
type Seeder struct {
	Tracker  store.Tracker
	Interval time.Duration
	Clock    clock.Clock
	Log      *slog.Logger
}

// Run ticks until the context is cancelled.
func (s *Seeder) Run(ctx context.Context) {
	t := clockOf(s.Clock).NewTimer(s.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			if n, err := s.Tick(ctx); err != nil {
				loggerOf(s.Log).Error("seeder tick failed", slog.String("error", err.Error()))
			} else if n > 0 {
				loggerOf(s.Log).Info("seeded migration jobs", slog.Int("count", n))
			}
			t.Reset(s.Interval)
		}
	}
}

// Tick runs one discovery pass and returns how many jobs were created.
func (s *Seeder) Tick(ctx context.Context) (int, error) {
	candidates, err := s.Tracker.DiscoverCompletedTransfers(ctx)
	if err != nil {
		return 0, fmt.Errorf("discovering completed transfers: %w", err)
	}
	created := 0
	for _, c := range candidates {
		ok, err := s.Tracker.SeedJob(ctx, c)
		if err != nil {
			return created, fmt.Errorf("seeding job for %s: %w", c.UserLogin, err)
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// Runner pops one migration job per tick and drains it to completion.
// Pop-style dequeue guarantees a job is owned by at most one runner.
type Runner struct {
	Tracker      store.Tracker
	NewMigration func(progress func(string)) *workflow.Migration
	Interval     time.Duration
	Clock        clock.Clock
	Log          *slog.Logger
}

// Run ticks until the context is cancelled.
func (r *Runner) Run(ctx context.Context) {
	t := clockOf(r.Clock).NewTimer(r.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			if _, err := r.Tick(ctx); err != nil {
				loggerOf(r.Log).Error("migration run failed", slog.String("error", err.Error()))
			}
			t.Reset(r.Interval)
		}
	}
}

// Tick pops the next job and runs it. Returns false when the queue was
// empty. A failed run is not marked finished; the job comes back after
// its claim lease expires.
func (r *Runner) Tick(ctx context.Context) (bool, error) {
	job, err := r.Tracker.DequeueJob(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeuing job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	log := loggerOf(r.Log).With(slog.Int64("job_id", job.ID), slog.String("login", job.UserLogin))
	log.Info("running migration job")

	m := r.NewMigration(func(line string) {
		log.Info(line)
	})
	if err := m.Run(ctx, job); err != nil {
		return true, fmt.Errorf("job %d (%s): %w", job.ID, job.UserLogin, err)
	}
	log.Info("migration job finished")
	return true, nil
}

// DeprovisionRunner pops one deprovision target per tick and converts it.
type DeprovisionRunner struct {
	Tracker        store.Tracker
	NewDeprovision func(progress func(string)) *workflow.Deprovision
	Interval       time.Duration
	Clock          clock.Clock
	Log            *slog.Logger
}

// Run ticks until the context is cancelled.
func (r *DeprovisionRunner) Run(ctx context.Context) {
	t := clockOf(r.Clock).NewTimer(r.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			if _, err := r.Tick(ctx); err != nil {
				loggerOf(r.Log).Error("deprovision run failed", slog.String("error", err.Error()))
			}
			t.Reset(r.Interval)
		}
	}
}

// Tick pops the next target and runs it. The target is marked finished
// only after the whole workflow succeeds.
func (r *DeprovisionRunner) Tick(ctx context.Context) (bool, error) {
	tgt, err := r.Tracker.DequeueDeprovisionTarget(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeuing deprovision target: %w", err)
	}
	if tgt == nil {
		return false, nil
	}

	log := loggerOf(r.Log).With(slog.String("account_id", tgt.AccountID), slog.String("login", tgt.Login))
	log.Info("running deprovision")

	d := r.NewDeprovision(func(line string) {
		log.Info(line)
	})
	if err := d.Run(ctx, tgt); err != nil {
		return true, fmt.Errorf("target %s: %w", tgt.Login, err)
	}
	if err := r.Tracker.MarkTargetFinished(ctx, tgt.ID); err != nil {
		return true, fmt.Errorf("marking target %d finished: %w", tgt.ID, err)
	}
	log.Info("deprovision finished")
	return true, nil
}

func clockOf(c clock.Clock) clock.Clock {
	if c != nil {
		return c
	}
	return clock.WallClock
}

func loggerOf(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}
