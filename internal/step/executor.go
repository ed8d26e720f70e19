// Package step wraps single remote operations with structured logging,
// fault classification, and the tiered retry policy shared by both
// workflows.
package step

import (
	"context"
	"log/slog"
	"time"

	"github.com/stor-ops/custodian/internal/remote"
)

// Executor runs one remote operation with a correlation id and one
// structured log record per attempt. It never swallows a fault: the typed
// error comes back for the caller to branch on.
type Executor struct {
	Log *slog.Logger
}

// Run executes fn under a fresh correlation id (unless the context already
// carries one), logging intent before and outcome after.
func (e *Executor) Run(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	corr := remote.CorrelationFrom(ctx)
	if corr == "" {
		corr = remote.NewCorrelation()
		ctx = remote.WithCorrelation(ctx, corr)
	}

	log := e.logger().With(slog.String("step", label), slog.String("correlation_id", corr))
	log.Debug("step starting")

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	if err != nil {
		log.Warn("step failed",
			slog.String("class", remote.ClassOf(err).String()),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		return err
	}
	log.Info("step ok", slog.Duration("elapsed", elapsed))
	return nil
}

func (e *Executor) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}
