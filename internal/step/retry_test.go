package step

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"

	"github.com/stor-ops/custodian/internal/remote"
)

// fakeClock records requested sleeps and returns immediately.
type fakeClock struct {
	mu    sync.Mutex
	waits []time.Duration
	block bool // when set, After never fires
}

func (c *fakeClock) Now() time.Time { return time.Time{} }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if !c.block {
		ch <- time.Time{}
	}
	return ch
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	f()
	return &fakeTimer{}
}

func (c *fakeClock) NewTimer(d time.Duration) clock.Timer {
	return &fakeTimer{ch: c.After(d)}
}

func (c *fakeClock) At(t time.Time) <-chan time.Time {
	ch := make(chan time.Time, 1)
	if !c.block {
		ch <- time.Time{}
	}
	return ch
}

func (c *fakeClock) AtFunc(t time.Time, f func()) clock.Alarm {
	f()
	return &fakeAlarm{}
}

func (c *fakeClock) NewAlarm(t time.Time) clock.Alarm {
	return &fakeAlarm{ch: c.At(t)}
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.waits))
	copy(out, c.waits)
	return out
}

type fakeTimer struct {
	ch <-chan time.Time
}

func (t *fakeTimer) Chan() <-chan time.Time     { return t.ch }
func (t *fakeTimer) Reset(d time.Duration) bool { return true }
func (t *fakeTimer) Stop() bool                 { return true }

type fakeAlarm struct {
	ch <-chan time.Time
}

func (a *fakeAlarm) Chan() <-chan time.Time { return a.ch }
func (a *fakeAlarm) Reset(t time.Time) bool { return true }
func (a *fakeAlarm) Stop() bool             { return true }

func rateLimited() error {
	return &remote.Fault{Class: remote.ClassRateLimited, Op: "GET /x", Status: 429}
}

func transient() error {
	return &remote.Fault{Class: remote.ClassTransient, Op: "GET /x", Status: 503}
}

func TestPolicy_RateLimitedBacksOffExponentially(t *testing.T) {
	fc := &fakeClock{}
	p := Policy{MaxAttempts: 5, Delay: time.Second, Clock: fc}

	calls := 0
	err := p.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		if calls < 4 {
			return rateLimited()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	got := fc.recorded()
	if len(got) != len(want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPolicy_TransientUsesFixedDelay(t *testing.T) {
	fc := &fakeClock{}
	p := Policy{MaxAttempts: 3, Delay: 2 * time.Second, Clock: fc}

	calls := 0
	err := p.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return transient()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	for i, d := range fc.recorded() {
		if d != 2*time.Second {
			t.Errorf("sleep[%d] = %v, want 2s", i, d)
		}
	}
}

func TestPolicy_PermanentNotRetried(t *testing.T) {
	fc := &fakeClock{}
	p := Policy{MaxAttempts: 5, Delay: time.Second, Clock: fc}

	calls := 0
	err := p.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return &remote.Fault{Class: remote.ClassPermanent, Op: "GET /x", Status: 404}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent)", calls)
	}
	if len(fc.recorded()) != 0 {
		t.Errorf("sleeps = %v, want none", fc.recorded())
	}
}

func TestPolicy_ConflictReturnsImmediately(t *testing.T) {
	p := Policy{MaxAttempts: 5, Delay: time.Second, Clock: &fakeClock{}}

	calls := 0
	err := p.Do(context.Background(), "create", func(ctx context.Context) error {
		calls++
		return &remote.Fault{Class: remote.ClassConflict, Op: "POST /folders", Status: 409}
	})
	if !remote.IsConflict(err) {
		t.Fatalf("expected conflict to pass through, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPolicy_Exhausted(t *testing.T) {
	fc := &fakeClock{}
	p := Policy{MaxAttempts: 3, Delay: time.Second, Clock: fc}

	calls := 0
	err := p.Do(context.Background(), "flaky step", func(ctx context.Context) error {
		calls++
		return transient()
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	var ex *Exhausted
	if !errors.As(err, &ex) {
		t.Fatalf("expected *Exhausted, got %v", err)
	}
	if ex.Attempts != 3 || ex.Label != "flaky step" {
		t.Errorf("exhausted = %+v", ex)
	}
	// The final fault stays reachable for classification and reporting.
	if remote.ClassOf(err) != remote.ClassTransient {
		t.Errorf("ClassOf = %v, want ClassTransient", remote.ClassOf(err))
	}
	// No sleep after the final attempt.
	if len(fc.recorded()) != 2 {
		t.Errorf("sleeps = %v, want 2 entries", fc.recorded())
	}
}

func TestPolicy_ContextCancelDuringBackoff(t *testing.T) {
	fc := &fakeClock{block: true}
	p := Policy{MaxAttempts: 3, Delay: time.Second, Clock: fc}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, "test", func(ctx context.Context) error {
			return transient()
		})
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after context cancellation")
	}
}

func TestPolicy_WithAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3, Delay: time.Second}
	q := p.WithAttempts(8)
	if q.MaxAttempts != 8 || p.MaxAttempts != 3 {
		t.Errorf("WithAttempts should copy: p=%d q=%d", p.MaxAttempts, q.MaxAttempts)
	}
}
