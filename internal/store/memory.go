package store

import (
	"context"
	"sync"
	"time"
)

// MemoryTracker is an in-memory Tracker for tests and -dev mode.
type MemoryTracker struct {
	mu         sync.Mutex
	nextJobID  int64
	Jobs       []*MigrationJob
	Items      map[int64][]TransferItem
	Perms      map[int64][]TransferPermission
	Targets    []*DeprovisionTarget
	Candidates []TransferCandidate

	claimedJobs    map[int64]bool
	claimedTargets map[int64]bool
}

// NewMemoryTracker creates an empty in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		Items:          make(map[int64][]TransferItem),
		Perms:          make(map[int64][]TransferPermission),
		claimedJobs:    make(map[int64]bool),
		claimedTargets: make(map[int64]bool),
	}
}

// AddJob registers a job directly (test setup).
func (t *MemoryTracker) AddJob(j *MigrationJob) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextJobID++
	if j.ID == 0 {
		j.ID = t.nextJobID
	}
	t.Jobs = append(t.Jobs, j)
}

func (t *MemoryTracker) DequeueJob(ctx context.Context) (*MigrationJob, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, j := range t.Jobs {
		if j.FinishedAt == nil && !t.claimedJobs[j.ID] {
			t.claimedJobs[j.ID] = true
			return j, nil
		}
	}
	return nil, nil
}

func (t *MemoryTracker) JobItems(ctx context.Context, jobID int64) ([]TransferItem, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TransferItem(nil), t.Items[jobID]...), nil
}

func (t *MemoryTracker) JobPermissions(ctx context.Context, jobID int64) ([]TransferPermission, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TransferPermission(nil), t.Perms[jobID]...), nil
}

func (t *MemoryTracker) SetResolvedIDs(ctx context.Context, jobID int64, userID, managedFolderID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, j := range t.Jobs {
		if j.ID == jobID {
			j.UserID = userID
			j.ManagedFolderID = managedFolderID
			return nil
		}
	}
	return ErrNotFound
}

func (t *MemoryTracker) MarkJobFinished(ctx context.Context, jobID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, j := range t.Jobs {
		if j.ID == jobID {
			now := time.Now()
			j.FinishedAt = &now
			delete(t.claimedJobs, jobID)
			return nil
		}
	}
	return ErrNotFound
}

// ReleaseJob drops a claim without finishing (test helper for re-pickup).
func (t *MemoryTracker) ReleaseJob(jobID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.claimedJobs, jobID)
}

func (t *MemoryTracker) DiscoverCompletedTransfers(ctx context.Context) ([]TransferCandidate, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []TransferCandidate
	for _, c := range t.Candidates {
		seeded := false
		for _, j := range t.Jobs {
			if j.UserLogin == c.UserLogin {
				seeded = true
				break
			}
		}
		if !seeded {
			out = append(out, c)
		}
	}
	return out, nil
}

func (t *MemoryTracker) SeedJob(ctx context.Context, c TransferCandidate) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, j := range t.Jobs {
		if j.UserLogin == c.UserLogin {
			return false, nil
		}
	}
	t.nextJobID++
	t.Jobs = append(t.Jobs, &MigrationJob{
		ID:            t.nextJobID,
		UserLogin:     c.UserLogin,
		ManagedUserID: c.ManagedUserID,
	})
	return true, nil
}

func (t *MemoryTracker) DequeueDeprovisionTarget(ctx context.Context) (*DeprovisionTarget, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.Targets {
		if !t.claimedTargets[d.ID] {
			t.claimedTargets[d.ID] = true
			return d, nil
		}
	}
	return nil, nil
}

func (t *MemoryTracker) MarkTargetFinished(ctx context.Context, targetID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, d := range t.Targets {
		if d.ID == targetID {
			t.Targets = append(t.Targets[:i], t.Targets[i+1:]...)
			delete(t.claimedTargets, targetID)
			return nil
		}
	}
	return ErrNotFound
}

var _ Tracker = (*MemoryTracker)(nil)

// ledgerRow is one recorded per-item outcome.
type ledgerRow struct {
	JobID   int64
	Phase   string
	ItemID  int64
	Outcome ItemOutcome
}

// BootstrapRow is one recorded bootstrap result.
type BootstrapRow struct {
	JobID         int64
	UserID        string
	FolderID      string
	CorrelationID string
	Request       string
	Response      string
}

// MemoryLedger is an in-memory Ledger for tests and -dev mode.
type MemoryLedger struct {
	mu         sync.Mutex
	Bootstraps []BootstrapRow
	items      []ledgerRow
	Cleanups   []int64
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (l *MemoryLedger) RecordBootstrap(ctx context.Context, jobID int64, userID, folderID, correlationID, request, response string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Bootstraps = append(l.Bootstraps, BootstrapRow{
		JobID: jobID, UserID: userID, FolderID: folderID,
		CorrelationID: correlationID, Request: request, Response: response,
	})
	return nil
}

func (l *MemoryLedger) RecordItemResult(ctx context.Context, jobID int64, phase string, itemID int64, out ItemOutcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, ledgerRow{JobID: jobID, Phase: phase, ItemID: itemID, Outcome: out})
	return nil
}

func (l *MemoryLedger) SuccessfulItems(ctx context.Context, jobID int64, phase string) (map[int64]bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	memo := make(map[int64]bool)
	for _, r := range l.items {
		if r.JobID == jobID && r.Phase == phase && r.Outcome.Status == OutcomeSuccess {
			memo[r.ItemID] = true
		}
	}
	return memo, nil
}

func (l *MemoryLedger) RecordCleanup(ctx context.Context, jobID int64, correlationID, response string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Cleanups = append(l.Cleanups, jobID)
	return nil
}

// Results returns the recorded outcomes for one job and phase (test helper).
func (l *MemoryLedger) Results(jobID int64, phase string) []ItemOutcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ItemOutcome
	for _, r := range l.items {
		if r.JobID == jobID && r.Phase == phase {
			out = append(out, r.Outcome)
		}
	}
	return out
}

// ResultFor returns the outcome recorded for one item, or nil.
func (l *MemoryLedger) ResultFor(jobID int64, phase string, itemID int64) *ItemOutcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.items {
		if r.JobID == jobID && r.Phase == phase && r.ItemID == itemID {
			out := r.Outcome
			return &out
		}
	}
	return nil
}

var _ Ledger = (*MemoryLedger)(nil)
