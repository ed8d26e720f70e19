package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/stor-ops/custodian/internal/remote"
)

// claimLease is how long a dequeued job stays invisible to other runners.
// A crashed run becomes eligible for re-pickup after the lease expires.
const claimLease = "1 hour"

const jobColumns = `id, user_login, managed_user_id, COALESCE(user_id, ''),
	COALESCE(managed_folder_id, ''), skip_all, skip_cleanup, finished_at`

// PGTracker implements Tracker over the tracker database.
type PGTracker struct {
	db DBTX
}

// NewPGTracker creates a tracker repository.
func NewPGTracker(db DBTX) *PGTracker {
	return &PGTracker{db: db}
}

// DequeueJob claims the next unfinished, unclaimed job. Returns nil when
// there is nothing to do.
func (t *PGTracker) DequeueJob(ctx context.Context) (*MigrationJob, error) {
	query := fmt.Sprintf(`
		UPDATE migration_jobs SET claimed_at = now()
		WHERE id = (
			SELECT id FROM migration_jobs
			WHERE finished_at IS NULL
			  AND (claimed_at IS NULL OR claimed_at < now() - interval '%s')
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, claimLease, jobColumns)

	j := &MigrationJob{}
	err := t.db.QueryRow(ctx, query).Scan(
		&j.ID, &j.UserLogin, &j.ManagedUserID, &j.UserID,
		&j.ManagedFolderID, &j.SkipAll, &j.SkipCleanup, &j.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeuing job: %w", err)
	}
	return j, nil
}

// JobItems returns the top-level items to move for a job.
func (t *PGTracker) JobItems(ctx context.Context, jobID int64) ([]TransferItem, error) {
	rows, err := t.db.Query(ctx,
		`SELECT id, job_id, item_type, COALESCE(source_item_id, '')
		 FROM transfer_items WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing transfer items: %w", err)
	}
	defer rows.Close()

	var items []TransferItem
	for rows.Next() {
		var it TransferItem
		var kind string
		if err := rows.Scan(&it.ID, &it.JobID, &kind, &it.SourceItemID); err != nil {
			return nil, fmt.Errorf("scanning transfer item: %w", err)
		}
		if it.Kind, err = remote.ParseItemKind(kind); err != nil {
			return nil, fmt.Errorf("transfer item %d: %w", it.ID, err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// JobPermissions returns the shared items whose collaborators must be
// downgraded for a job.
func (t *PGTracker) JobPermissions(ctx context.Context, jobID int64) ([]TransferPermission, error) {
	rows, err := t.db.Query(ctx,
		`SELECT id, job_id, item_type, COALESCE(source_item_id, '')
		 FROM transfer_permissions WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing transfer permissions: %w", err)
	}
	defer rows.Close()

	var perms []TransferPermission
	for rows.Next() {
		var p TransferPermission
		var kind string
		if err := rows.Scan(&p.ID, &p.JobID, &kind, &p.SourceItemID); err != nil {
			return nil, fmt.Errorf("scanning transfer permission: %w", err)
		}
		if p.Kind, err = remote.ParseItemKind(kind); err != nil {
			return nil, fmt.Errorf("transfer permission %d: %w", p.ID, err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// SetResolvedIDs persists both bootstrap identifiers in one statement, so
// they are set together or not at all.
func (t *PGTracker) SetResolvedIDs(ctx context.Context, jobID int64, userID, managedFolderID string) error {
	tag, err := t.db.Exec(ctx,
		`UPDATE migration_jobs SET user_id = $2, managed_folder_id = $3 WHERE id = $1`,
		jobID, userID, managedFolderID)
	if err != nil {
		return fmt.Errorf("setting resolved ids: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkJobFinished is the single write that makes a job invisible to
// DequeueJob.
func (t *PGTracker) MarkJobFinished(ctx context.Context, jobID int64) error {
	tag, err := t.db.Exec(ctx,
		`UPDATE migration_jobs SET finished_at = now() WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("marking job finished: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DiscoverCompletedTransfers returns completed transfers that do not yet
// have a migration job.
func (t *PGTracker) DiscoverCompletedTransfers(ctx context.Context) ([]TransferCandidate, error) {
	rows, err := t.db.Query(ctx,
		`SELECT ct.user_login, ct.managed_user_id
		 FROM completed_transfers ct
		 WHERE NOT EXISTS (
			SELECT 1 FROM migration_jobs j WHERE j.user_login = ct.user_login
		 )
		 ORDER BY ct.user_login`)
	if err != nil {
		return nil, fmt.Errorf("discovering completed transfers: %w", err)
	}
	defer rows.Close()

	var out []TransferCandidate
	for rows.Next() {
		var c TransferCandidate
		if err := rows.Scan(&c.UserLogin, &c.ManagedUserID); err != nil {
			return nil, fmt.Errorf("scanning transfer candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SeedJob inserts a migration job for a candidate. Idempotent: a second
// seed of the same login is a no-op.
func (t *PGTracker) SeedJob(ctx context.Context, c TransferCandidate) (bool, error) {
	tag, err := t.db.Exec(ctx,
		`INSERT INTO migration_jobs (user_login, managed_user_id)
		 VALUES ($1, $2)
		 ON CONFLICT (user_login) DO NOTHING`,
		c.UserLogin, c.ManagedUserID)
	if err != nil {
		return false, fmt.Errorf("seeding job for %s: %w", c.UserLogin, err)
	}
	return tag.RowsAffected() > 0, nil
}

// DequeueDeprovisionTarget claims the next unfinished deprovision target.
func (t *PGTracker) DequeueDeprovisionTarget(ctx context.Context) (*DeprovisionTarget, error) {
	query := fmt.Sprintf(`
		UPDATE deprovision_targets SET claimed_at = now()
		WHERE id = (
			SELECT id FROM deprovision_targets
			WHERE finished_at IS NULL
			  AND (claimed_at IS NULL OR claimed_at < now() - interval '%s')
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, account_id, login`, claimLease)

	d := &DeprovisionTarget{}
	err := t.db.QueryRow(ctx, query).Scan(&d.ID, &d.AccountID, &d.Login)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeuing deprovision target: %w", err)
	}
	return d, nil
}

// MarkTargetFinished completes a deprovision target.
func (t *PGTracker) MarkTargetFinished(ctx context.Context, targetID int64) error {
	tag, err := t.db.Exec(ctx,
		`UPDATE deprovision_targets SET finished_at = now() WHERE id = $1`, targetID)
	if err != nil {
		return fmt.Errorf("marking target finished: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Tracker = (*PGTracker)(nil)
