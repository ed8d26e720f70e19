package step

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/stor-ops/custodian/internal/remote"
)

// Exhausted is returned when a step fails on every allowed attempt. It
// wraps the fault of the final attempt.
type Exhausted struct {
	Label    string
	Attempts int
	Last     error
}

func (e *Exhausted) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Label, e.Attempts, e.Last)
}

func (e *Exhausted) Unwrap() error { return e.Last }

// Policy decides whether and how long to wait before re-attempting a
// failed step, based on the fault classification:
//
//   - RateLimited: sleep 2^attempt seconds, retry.
//   - TransientServerFault / ClientTimeout: sleep Delay, retry.
//   - Conflict: return immediately; creation call sites switch to a lookup.
//   - PermanentFault / ResolutionAmbiguous / MalformedResponse: return
//     immediately.
//
// Call sites share one Policy shape with different MaxAttempts: higher for
// the idempotent bootstrap and lookup calls, lower for high-volume
// per-item calls where one bad item must not stall the batch.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration // fixed delay for the transient tier
	Clock       clock.Clock
	Log         *slog.Logger
}

// WithAttempts returns a copy of the policy with a different ceiling.
func (p Policy) WithAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// Do runs fn until it succeeds, fails permanently, or exhausts the attempt
// ceiling. Backoff sleeps go through the injected clock and respect ctx
// cancellation, so they never block sibling operations in a fan-out.
func (p Policy) Do(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		last = fn(ctx)
		if last == nil {
			return nil
		}

		class := remote.ClassOf(last)
		var wait time.Duration
		switch class {
		case remote.ClassRateLimited:
			wait = time.Duration(1<<uint(attempt)) * time.Second
		case remote.ClassTransient, remote.ClassClientTimeout:
			wait = p.Delay
		default:
			// Conflict and the permanent classes are the caller's problem.
			return last
		}

		if attempt == p.MaxAttempts {
			break
		}
		p.logger().Debug("step backing off",
			slog.String("step", label),
			slog.Int("attempt", attempt),
			slog.String("class", class.String()),
			slog.Duration("wait", wait),
		)
		select {
		case <-p.clock().After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return &Exhausted{Label: label, Attempts: p.MaxAttempts, Last: last}
}

func (p Policy) clock() clock.Clock {
	if p.Clock != nil {
		return p.Clock
	}
	return clock.WallClock
}

func (p Policy) logger() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}
