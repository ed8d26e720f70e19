// Package store is the data access layer for the two backing databases:
// the job tracker (source of truth for what must be migrated) and the
// ledger (workflow state, per-item audit rows, resume memo). All SQL goes
// through pgx; the DBTX interface lets repositories run inside or outside
// a transaction.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/stor-ops/custodian/internal/remote"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// DBTX is implemented by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// MigrationJob is one migration unit per source account. The resolved
// identifiers stay empty until Bootstrap completes; they are set together
// or not at all.
type MigrationJob struct {
	ID              int64
	UserLogin       string
	ManagedUserID   string
	UserID          string // resolved source account id, "" until bootstrap
	ManagedFolderID string // resolved destination folder id, "" until bootstrap
	SkipAll         bool
	SkipCleanup     bool
	FinishedAt      *time.Time
}

// TransferItem is one top-level item to move for a job. An empty
// SourceItemID means the item cannot be moved and must be recorded as a
// permanent skip.
type TransferItem struct {
	ID           int64
	JobID        int64
	Kind         remote.ItemKind
	SourceItemID string
}

// TransferPermission is one shared item whose collaborators must be
// downgraded to viewer. Empty SourceItemID has the same permanent-skip
// semantics as TransferItem.
type TransferPermission struct {
	ID           int64
	JobID        int64
	Kind         remote.ItemKind
	SourceItemID string
}

// DeprovisionTarget is one account undergoing read-only conversion.
type DeprovisionTarget struct {
	ID        int64
	AccountID string
	Login     string
}

// TransferCandidate is a completed transfer discovered by the seeder.
type TransferCandidate struct {
	UserLogin     string
	ManagedUserID string
}

// Outcome statuses recorded per item.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Ledger phase keys for per-item result rows.
const (
	PhaseKeyMove           = "move"
	PhaseKeyCollaborations = "collaborations"
)

// ItemOutcome is the audit record of one per-item operation.
type ItemOutcome struct {
	Status        string
	CorrelationID string
	Response      string // raw provider response, for forensic replay
}

// Tracker is the source-of-truth job store. Dequeue operations are
// pop-style: a claimed job is invisible to other runners until its claim
// lease expires or it is marked finished.
type Tracker interface {
	DequeueJob(ctx context.Context) (*MigrationJob, error) // nil when none
	JobItems(ctx context.Context, jobID int64) ([]TransferItem, error)
	JobPermissions(ctx context.Context, jobID int64) ([]TransferPermission, error)
	SetResolvedIDs(ctx context.Context, jobID int64, userID, managedFolderID string) error
	MarkJobFinished(ctx context.Context, jobID int64) error

	DiscoverCompletedTransfers(ctx context.Context) ([]TransferCandidate, error)
	SeedJob(ctx context.Context, c TransferCandidate) (created bool, err error)

	DequeueDeprovisionTarget(ctx context.Context) (*DeprovisionTarget, error) // nil when none
	MarkTargetFinished(ctx context.Context, targetID int64) error
}

// Ledger is the workflow-state and reporting store. SuccessfulItems is the
// resume memo: re-runs skip everything it reports.
type Ledger interface {
	RecordBootstrap(ctx context.Context, jobID int64, userID, folderID, correlationID, request, response string) error
	RecordItemResult(ctx context.Context, jobID int64, phase string, itemID int64, out ItemOutcome) error
	SuccessfulItems(ctx context.Context, jobID int64, phase string) (map[int64]bool, error)
	RecordCleanup(ctx context.Context, jobID int64, correlationID, response string) error
}
