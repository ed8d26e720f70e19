// Package workflow implements the two account state machines: the
// migration workflow (bootstrap, move, collaboration downgrade, cleanup)
// and the deprovision workflow (activate, drain, trash, convert, notify).
// Every phase is idempotent; a crashed run resumes from durable state.
package workflow

import "github.com/stor-ops/custodian/internal/store"

// Phase is a stage of the migration workflow.
type Phase int

const (
	PhaseBootstrap Phase = iota
	PhaseMoveItems
	PhaseUpdateCollaborations
	PhaseCleanup
	PhaseFinish
)

func (p Phase) String() string {
	switch p {
	case PhaseBootstrap:
		return "bootstrap"
	case PhaseMoveItems:
		return "move-items"
	case PhaseUpdateCollaborations:
		return "update-collaborations"
	case PhaseCleanup:
		return "cleanup"
	default:
		return "finish"
	}
}

// ResumeState derives the phase a picked-up job should start from by
// inspecting its durable fields. There is no status column: populated
// resolved identifiers mean bootstrap is done, and the per-phase success
// memo in the ledger covers everything finer-grained.
func ResumeState(job *store.MigrationJob) Phase {
	if job.SkipAll {
		return PhaseFinish
	}
	if job.UserID == "" || job.ManagedFolderID == "" {
		return PhaseBootstrap
	}
	return PhaseMoveItems
}
