package models

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Run represents one async workflow execution (a full migration job or a
// deprovision) started through the API.
type Run struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`    // "migration", "deprovision"
	Subject    string     `json:"subject"` // login or account id
	Status     string     `json:"status"`  // "running", "completed", "failed", "cancelled"
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	Output     []string   `json:"output"`

	mu     sync.Mutex
	cancel context.CancelFunc
}

// AppendLog adds a log line to the run output.
func (r *Run) AppendLog(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Output = append(r.Output, line)
}

// LogsSince returns log lines starting from the given index.
func (r *Run) LogsSince(offset int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if offset >= len(r.Output) {
		return nil
	}
	lines := make([]string, len(r.Output)-offset)
	copy(lines, r.Output[offset:])
	return lines
}

// CurrentStatus returns the status under the lock.
func (r *Run) CurrentStatus() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Status
}

// Complete marks the run as completed.
func (r *Run) Complete() {
	r.finish("completed", "")
}

// Fail marks the run as failed with an error message.
func (r *Run) Fail(err string) {
	r.finish("failed", err)
}

// Cancel cancels the run's context and marks it cancelled.
func (r *Run) Cancel() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	r.finish("cancelled", "")
}

func (r *Run) finish(status, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FinishedAt != nil {
		return
	}
	r.Status = status
	r.Error = errMsg
	now := time.Now()
	r.FinishedAt = &now
}

// RunStore is an in-memory thread-safe store for runs.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewRunStore creates an empty run store.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]*Run)}
}

// Create adds a new run, assigning it a UUID and a cancellable context
// derived from parent.
func (s *RunStore) Create(parent context.Context, runType, subject string) (*Run, context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithCancel(parent)
	r := &Run{
		ID:        uuid.New().String(),
		Type:      runType,
		Subject:   subject,
		Status:    "running",
		StartedAt: time.Now(),
		Output:    []string{},
		cancel:    cancel,
	}
	s.runs[r.ID] = r
	return r, ctx
}

// Get returns a run by ID, or nil.
func (s *RunStore) Get(id string) *Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runs[id]
}

// List returns all runs, most recent first.
func (s *RunStore) List() []*Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	return result
}
