package store

import (
	"context"
	"fmt"
)

// PGLedger implements Ledger over the workflow-state database. Every row
// carries the correlation id and raw provider response for forensic
// replay.
type PGLedger struct {
	db DBTX
}

// NewPGLedger creates a ledger repository.
func NewPGLedger(db DBTX) *PGLedger {
	return &PGLedger{db: db}
}

// RecordBootstrap persists the bootstrap result and audit payloads.
func (l *PGLedger) RecordBootstrap(ctx context.Context, jobID int64, userID, folderID, correlationID, request, response string) error {
	_, err := l.db.Exec(ctx,
		`INSERT INTO bootstrap_results
			(job_id, user_id, managed_folder_id, correlation_id, request_payload, response_payload)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		jobID, userID, folderID, correlationID, request, response)
	if err != nil {
		return fmt.Errorf("recording bootstrap result: %w", err)
	}
	return nil
}

// RecordItemResult appends one per-item outcome row.
func (l *PGLedger) RecordItemResult(ctx context.Context, jobID int64, phase string, itemID int64, out ItemOutcome) error {
	_, err := l.db.Exec(ctx,
		`INSERT INTO item_results
			(job_id, phase, item_id, status, correlation_id, response_payload)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		jobID, phase, itemID, out.Status, out.CorrelationID, out.Response)
	if err != nil {
		return fmt.Errorf("recording item result: %w", err)
	}
	return nil
}

// SuccessfulItems returns the resume memo for one phase of one job.
func (l *PGLedger) SuccessfulItems(ctx context.Context, jobID int64, phase string) (map[int64]bool, error) {
	rows, err := l.db.Query(ctx,
		`SELECT item_id FROM item_results
		 WHERE job_id = $1 AND phase = $2 AND status = $3`,
		jobID, phase, OutcomeSuccess)
	if err != nil {
		return nil, fmt.Errorf("fetching successful items: %w", err)
	}
	defer rows.Close()

	memo := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning successful item: %w", err)
		}
		memo[id] = true
	}
	return memo, rows.Err()
}

// RecordCleanup persists the cleanup result.
func (l *PGLedger) RecordCleanup(ctx context.Context, jobID int64, correlationID, response string) error {
	_, err := l.db.Exec(ctx,
		`INSERT INTO cleanup_results (job_id, correlation_id, response_payload)
		 VALUES ($1, $2, $3)`,
		jobID, correlationID, response)
	if err != nil {
		return fmt.Errorf("recording cleanup result: %w", err)
	}
	return nil
}

var _ Ledger = (*PGLedger)(nil)
