package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/stor-ops/custodian/internal/notify"
	"github.com/stor-ops/custodian/internal/remote"
	"github.com/stor-ops/custodian/internal/step"
	"github.com/stor-ops/custodian/internal/store"
)

// maxFanOut bounds concurrent per-item operations within one phase.
const maxFanOut = 8

// Migration drives one job through Bootstrap, MoveItems,
// UpdateCollaborations, Cleanup and Finish. One instance owns one job for
// the duration of a run.
type Migration struct {
	Tracker store.Tracker
	Ledger  store.Ledger
	Remote  remote.Storage
	Exec    *step.Executor
	Retry   step.Policy // delay/clock; attempt ceilings applied per site

	BootstrapAttempts int
	ItemAttempts      int

	Notifier notify.Notifier
	Operator string // digest recipient

	Log      *slog.Logger
	Progress func(string) // run-log callback, may be nil
}

// BootstrapResult carries the two identifiers Bootstrap must produce.
type BootstrapResult struct {
	UserID          string `json:"UserId"`
	ManagedFolderID string `json:"ManagedFolderId"`
	GroupID         string `json:"-"`
}

// MoveOutcome is the result of one item move.
type MoveOutcome struct {
	AlreadySatisfied bool   `json:"AlreadySatisfied"`
	Response         string `json:"-"`
}

// Run executes the job from its resume phase to completion. Bootstrap and
// Cleanup faults abort the run; the job stays eligible for re-pickup and
// re-entry is safe.
func (m *Migration) Run(ctx context.Context, job *store.MigrationJob) error {
	phase := ResumeState(job)
	m.progress(fmt.Sprintf("=== Job %d (%s): starting at %s ===", job.ID, job.UserLogin, phase))

	if phase == PhaseFinish {
		m.progress("skip-all set: marking finished without any remote calls")
		return m.finish(ctx, job)
	}
	if phase == PhaseBootstrap {
		if err := m.bootstrap(ctx, job); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}
	if err := m.moveItems(ctx, job); err != nil {
		return err
	}
	if err := m.updateCollaborations(ctx, job); err != nil {
		return err
	}
	if job.SkipCleanup {
		m.progress("skip-cleanup set: leaving scaffolding in place")
	} else if err := m.cleanup(ctx, job); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	return m.finish(ctx, job)
}

// bootstrap resolves both identifiers and persists them together.
func (m *Migration) bootstrap(ctx context.Context, job *store.MigrationJob) error {
	corr := remote.NewCorrelation()
	ctx = remote.WithCorrelation(ctx, corr)
	m.progress("=== Bootstrap ===")

	res, err := m.Scaffold(ctx, job.UserLogin, job.ManagedUserID)
	if err != nil {
		return err
	}

	request, _ := json.Marshal(map[string]string{
		"UserLogin": job.UserLogin, "ManagedUserId": job.ManagedUserID,
	})
	response, _ := json.Marshal(res)
	if err := m.Ledger.RecordBootstrap(ctx, job.ID, res.UserID, res.ManagedFolderID, corr, string(request), string(response)); err != nil {
		return err
	}
	if err := m.Tracker.SetResolvedIDs(ctx, job.ID, res.UserID, res.ManagedFolderID); err != nil {
		return err
	}
	job.UserID = res.UserID
	job.ManagedFolderID = res.ManagedFolderID
	m.progress(fmt.Sprintf("bootstrap ok: account %s, folder %s", res.UserID, res.ManagedFolderID))
	return nil
}

// Scaffold performs the one-time per-user setup: resolve the login, then
// find-or-create the destination folder, the per-user group, its
// membership, and the editor collaboration between group and folder. The
// group indirection avoids per-user notification noise and sidesteps the
// user's auto-accept preference.
func (m *Migration) Scaffold(ctx context.Context, userLogin, managedUserID string) (*BootstrapResult, error) {
	policy := m.bootstrapPolicy()

	var acct *remote.Account
	err := m.run(ctx, policy, "resolve account "+userLogin, func(ctx context.Context) error {
		var err error
		acct, err = m.Remote.ResolveAccountByLogin(ctx, userLogin)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := validateID("account id", acct.ID); err != nil {
		return nil, err
	}

	managed := m.Remote.AsUser(managedUserID)
	folderName := archiveFolderName(userLogin)
	var folder *remote.Item
	err = m.run(ctx, policy, "create folder "+folderName, func(ctx context.Context) error {
		var err error
		folder, err = managed.CreateFolder(ctx, remote.RootFolderID, folderName)
		return err
	})
	if remote.IsConflict(err) {
		err = m.run(ctx, policy, "find folder "+folderName, func(ctx context.Context) error {
			var ferr error
			folder, ferr = managed.FindFolderByName(ctx, remote.RootFolderID, folderName)
			return ferr
		})
		if err == nil && folder == nil {
			err = fmt.Errorf("folder %q conflicted on create but was not found", folderName)
		}
	}
	if err != nil {
		return nil, err
	}
	if err := validateID("managed folder id", folder.ID); err != nil {
		return nil, err
	}

	groupName := migrationGroupName(acct.ID)
	var group *remote.Group
	err = m.run(ctx, policy, "create group "+groupName, func(ctx context.Context) error {
		var err error
		group, err = m.Remote.CreateGroup(ctx, groupName)
		return err
	})
	if remote.IsConflict(err) {
		err = m.run(ctx, policy, "find group "+groupName, func(ctx context.Context) error {
			var gerr error
			group, gerr = m.Remote.FindGroupByName(ctx, groupName)
			return gerr
		})
		if err == nil && group == nil {
			err = fmt.Errorf("group %q conflicted on create but was not found", groupName)
		}
	}
	if err != nil {
		return nil, err
	}

	err = m.run(ctx, policy, "add group member", func(ctx context.Context) error {
		return m.Remote.AddGroupMember(ctx, group.ID, acct.ID)
	})
	if err != nil && !remote.IsConflict(err) {
		return nil, err
	}

	folderRef := remote.ItemRef{ID: folder.ID, Kind: remote.Folder}
	party := remote.Party{ID: group.ID, Type: "group"}
	if err := m.ensureCollaboration(ctx, policy, managed, folderRef, party, remote.RoleEditor); err != nil {
		return nil, err
	}

	return &BootstrapResult{UserID: acct.ID, ManagedFolderID: folder.ID, GroupID: group.ID}, nil
}

// moveItems fans out the not-yet-moved items and joins before returning.
// Per-item faults are recorded and aggregated; they never abort the phase.
func (m *Migration) moveItems(ctx context.Context, job *store.MigrationJob) error {
	items, err := m.Tracker.JobItems(ctx, job.ID)
	if err != nil {
		return err
	}
	memo, err := m.Ledger.SuccessfulItems(ctx, job.ID, store.PhaseKeyMove)
	if err != nil {
		return err
	}

	m.progress(fmt.Sprintf("=== Moving items (%d total, %d already done) ===", len(items), len(memo)))

	faults := &FaultList{}
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxFanOut)
	for _, it := range items {
		if memo[it.ID] {
			continue
		}
		it := it
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			m.moveItem(ctx, job, it, faults)
		}()
	}
	wg.Wait()

	if faults.Len() > 0 {
		m.report(ctx, fmt.Sprintf("MoveItems digest for job %d (%s)", job.ID, job.UserLogin), faults)
	}
	return nil
}

func (m *Migration) moveItem(ctx context.Context, job *store.MigrationJob, it store.TransferItem, faults *FaultList) {
	corr := remote.NewCorrelation()
	ctx = remote.WithCorrelation(ctx, corr)

	if it.SourceItemID == "" {
		// Not actually movable; permanent skip, never retried.
		m.record(ctx, job.ID, store.PhaseKeyMove, it.ID, store.ItemOutcome{
			Status: store.OutcomeSkipped, CorrelationID: corr, Response: "no source item id",
		}, faults)
		m.progress(fmt.Sprintf("item %d: permanent skip (no source id)", it.ID))
		return
	}

	ref := remote.ItemRef{ID: it.SourceItemID, Kind: it.Kind}
	out, err := m.MoveOne(ctx, job.UserID, ref, job.ManagedFolderID)
	if err != nil {
		faults.Add(fmt.Sprintf("item %d (%s %s)", it.ID, it.Kind, it.SourceItemID), err)
		m.record(ctx, job.ID, store.PhaseKeyMove, it.ID, store.ItemOutcome{
			Status: store.OutcomeFailed, CorrelationID: corr, Response: err.Error(),
		}, nil)
		return
	}

	resp := out.Response
	if out.AlreadySatisfied {
		resp = "already in destination folder"
	}
	m.record(ctx, job.ID, store.PhaseKeyMove, it.ID, store.ItemOutcome{
		Status: store.OutcomeSuccess, CorrelationID: corr, Response: resp,
	}, faults)
}

// MoveOne moves a single item into destFolderID. An item already there is
// treated as satisfied with zero mutating calls.
func (m *Migration) MoveOne(ctx context.Context, userID string, ref remote.ItemRef, destFolderID string) (*MoveOutcome, error) {
	policy := m.itemPolicy()
	user := m.Remote.AsUser(userID)

	var current *remote.Item
	err := m.run(ctx, policy, "get item "+ref.ID, func(ctx context.Context) error {
		var err error
		current, err = user.GetItem(ctx, ref)
		return err
	})
	if err != nil {
		return nil, err
	}

	if current.Parent != nil && current.Parent.ID == destFolderID {
		return &MoveOutcome{AlreadySatisfied: true}, nil
	}

	var raw []byte
	err = m.run(ctx, policy, "move item "+ref.ID, func(ctx context.Context) error {
		var err error
		raw, err = user.MoveItem(ctx, ref, destFolderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &MoveOutcome{Response: string(raw)}, nil
}

// updateCollaborations fans out the viewer downgrade across the job's
// shared items, with the same skip/isolation rules as moveItems.
func (m *Migration) updateCollaborations(ctx context.Context, job *store.MigrationJob) error {
	perms, err := m.Tracker.JobPermissions(ctx, job.ID)
	if err != nil {
		return err
	}
	memo, err := m.Ledger.SuccessfulItems(ctx, job.ID, store.PhaseKeyCollaborations)
	if err != nil {
		return err
	}

	m.progress(fmt.Sprintf("=== Updating collaborations (%d total, %d already done) ===", len(perms), len(memo)))

	faults := &FaultList{}
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxFanOut)
	for _, p := range perms {
		if memo[p.ID] {
			continue
		}
		p := p
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			m.updatePermission(ctx, job, p, faults)
		}()
	}
	wg.Wait()

	if faults.Len() > 0 {
		m.report(ctx, fmt.Sprintf("UpdateCollaborations digest for job %d (%s)", job.ID, job.UserLogin), faults)
	}
	return nil
}

func (m *Migration) updatePermission(ctx context.Context, job *store.MigrationJob, p store.TransferPermission, faults *FaultList) {
	corr := remote.NewCorrelation()
	ctx = remote.WithCorrelation(ctx, corr)

	if p.SourceItemID == "" {
		m.record(ctx, job.ID, store.PhaseKeyCollaborations, p.ID, store.ItemOutcome{
			Status: store.OutcomeSkipped, CorrelationID: corr, Response: "no source item id",
		}, faults)
		m.progress(fmt.Sprintf("permission %d: permanent skip (no source id)", p.ID))
		return
	}

	ref := remote.ItemRef{ID: p.SourceItemID, Kind: p.Kind}
	downgraded, err := m.DowngradeOne(ctx, job.UserID, ref)
	if err != nil {
		faults.Add(fmt.Sprintf("permission %d (%s %s)", p.ID, p.Kind, p.SourceItemID), err)
		m.record(ctx, job.ID, store.PhaseKeyCollaborations, p.ID, store.ItemOutcome{
			Status: store.OutcomeFailed, CorrelationID: corr, Response: err.Error(),
		}, nil)
		return
	}
	m.record(ctx, job.ID, store.PhaseKeyCollaborations, p.ID, store.ItemOutcome{
		Status: store.OutcomeSuccess, CorrelationID: corr,
		Response: fmt.Sprintf("downgraded %d collaborator(s)", downgraded),
	}, faults)
}

// DowngradeOne sets every direct collaborator of the item to viewer,
// excluding the owner, collaborators already at viewer, and collaboration
// records anchored on a different item (inherited grants). Re-running is
// always safe: the exclusions leave nothing to re-submit.
func (m *Migration) DowngradeOne(ctx context.Context, userID string, ref remote.ItemRef) (int, error) {
	policy := m.itemPolicy()
	user := m.Remote.AsUser(userID)

	var collabs []remote.Collaboration
	err := m.run(ctx, policy, "list collaborations "+ref.ID, func(ctx context.Context) error {
		var err error
		collabs, err = user.ListItemCollaborations(ctx, ref)
		return err
	})
	if err != nil {
		return 0, err
	}

	downgraded := 0
	for _, c := range collabs {
		if c.Role == remote.RoleViewer || c.Role == remote.RoleOwner {
			continue
		}
		if c.Item == nil || c.Item.ID != ref.ID {
			continue
		}
		collabID := c.ID
		err := m.run(ctx, policy, "downgrade collaboration "+collabID, func(ctx context.Context) error {
			_, err := user.UpdateCollaborationRole(ctx, collabID, remote.RoleViewer)
			return err
		})
		if err != nil {
			return downgraded, err
		}
		downgraded++
	}
	return downgraded, nil
}

// cleanup removes the bootstrap group and grants the migrated account a
// direct viewer collaboration on its archive folder.
func (m *Migration) cleanup(ctx context.Context, job *store.MigrationJob) error {
	corr := remote.NewCorrelation()
	ctx = remote.WithCorrelation(ctx, corr)
	m.progress("=== Cleanup ===")

	if err := m.CleanupFor(ctx, job.UserID, job.ManagedUserID, job.ManagedFolderID); err != nil {
		return err
	}
	return m.Ledger.RecordCleanup(ctx, job.ID, corr, "ok")
}

// CleanupFor is the cleanup phase body, also exposed through the webhook
// surface.
func (m *Migration) CleanupFor(ctx context.Context, userID, managedUserID, managedFolderID string) error {
	policy := m.bootstrapPolicy()

	groupName := migrationGroupName(userID)
	var group *remote.Group
	err := m.run(ctx, policy, "find group "+groupName, func(ctx context.Context) error {
		var err error
		group, err = m.Remote.FindGroupByName(ctx, groupName)
		return err
	})
	if err != nil {
		return err
	}
	if group != nil {
		err := m.run(ctx, policy, "delete group "+group.ID, func(ctx context.Context) error {
			return m.Remote.DeleteGroup(ctx, group.ID)
		})
		if err != nil {
			return err
		}
	}

	managed := m.Remote.AsUser(managedUserID)
	folderRef := remote.ItemRef{ID: managedFolderID, Kind: remote.Folder}
	party := remote.Party{ID: userID, Type: "user"}
	return m.ensureCollaboration(ctx, policy, managed, folderRef, party, remote.RoleViewer)
}

// finish is the single write that makes the job invisible to dequeue.
func (m *Migration) finish(ctx context.Context, job *store.MigrationJob) error {
	if err := m.Tracker.MarkJobFinished(ctx, job.ID); err != nil {
		return fmt.Errorf("finish: %w", err)
	}
	m.progress(fmt.Sprintf("=== Job %d finished ===", job.ID))
	return nil
}

// ListSubfolders returns the direct subfolders of a folder, as the bound
// account sees them.
func (m *Migration) ListSubfolders(ctx context.Context, userID, folderID string) ([]remote.Item, error) {
	policy := m.itemPolicy()
	user := m.Remote.AsUser(userID)

	var items []remote.Item
	err := m.run(ctx, policy, "list folder items "+folderID, func(ctx context.Context) error {
		var err error
		items, err = user.ListFolderItems(ctx, folderID, remote.ListOptions{
			Fields: []string{"id", "type", "name"},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	folders := items[:0:0]
	for _, it := range items {
		if it.Type == remote.Folder.String() {
			folders = append(folders, it)
		}
	}
	return folders, nil
}

// ensureCollaboration makes party hold exactly role on the item, checking
// existing collaborators first so re-runs perform no duplicate grants.
func (m *Migration) ensureCollaboration(ctx context.Context, policy step.Policy, st remote.Storage, ref remote.ItemRef, party remote.Party, role string) error {
	var collabs []remote.Collaboration
	err := m.run(ctx, policy, "list collaborations "+ref.ID, func(ctx context.Context) error {
		var err error
		collabs, err = st.ListItemCollaborations(ctx, ref)
		return err
	})
	if err != nil {
		return err
	}

	for _, c := range collabs {
		if c.AccessibleBy.ID == party.ID && c.AccessibleBy.Type == party.Type {
			if c.Role == role {
				return nil
			}
			collabID := c.ID
			return m.run(ctx, policy, "update collaboration role "+collabID, func(ctx context.Context) error {
				_, err := st.UpdateCollaborationRole(ctx, collabID, role)
				return err
			})
		}
	}

	err = m.run(ctx, policy, "create collaboration on "+ref.ID, func(ctx context.Context) error {
		_, err := st.CreateCollaboration(ctx, ref, party, role)
		return err
	})
	if remote.IsConflict(err) {
		return nil
	}
	return err
}

// record persists one per-item outcome; a failed ledger write is itself a
// fault worth surfacing.
func (m *Migration) record(ctx context.Context, jobID int64, phase string, itemID int64, out store.ItemOutcome, faults *FaultList) {
	if err := m.Ledger.RecordItemResult(ctx, jobID, phase, itemID, out); err != nil {
		m.logger().Error("ledger write failed",
			slog.Int64("job_id", jobID),
			slog.Int64("item_id", itemID),
			slog.String("error", err.Error()),
		)
		if faults != nil {
			faults.Add(fmt.Sprintf("item %d ledger write", itemID), err)
		}
	}
}

// report surfaces a phase digest to the operator without stopping the job.
func (m *Migration) report(ctx context.Context, header string, faults *FaultList) {
	digest := faults.Digest(header)
	m.progress(digest)
	if m.Notifier == nil || m.Operator == "" {
		return
	}
	if err := m.Notifier.Send(ctx, m.Operator, header, digest); err != nil {
		m.logger().Warn("digest delivery failed", slog.String("error", err.Error()))
	}
}

func (m *Migration) run(ctx context.Context, policy step.Policy, label string, fn func(ctx context.Context) error) error {
	return policy.Do(ctx, label, func(ctx context.Context) error {
		return m.Exec.Run(ctx, label, fn)
	})
}

func (m *Migration) bootstrapPolicy() step.Policy {
	p := m.Retry
	p.MaxAttempts = m.BootstrapAttempts
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 8
	}
	return p
}

func (m *Migration) itemPolicy() step.Policy {
	p := m.Retry
	p.MaxAttempts = m.ItemAttempts
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	return p
}

func (m *Migration) progress(line string) {
	if m.Progress != nil {
		m.Progress(line)
	}
}

func (m *Migration) logger() *slog.Logger {
	if m.Log != nil {
		return m.Log
	}
	return slog.Default()
}

// archiveFolderName is the deterministic destination folder name for a
// migrated login.
func archiveFolderName(userLogin string) string {
	return "Archive - " + userLogin
}

// migrationGroupName is the deterministic per-user group name, derived
// from the resolved account id.
func migrationGroupName(accountID string) string {
	return "migration-" + accountID
}

// validateID enforces the identifier shape bootstrap requires: a small
// positive integer. Anything else is a malformed response, never retried.
func validateID(what, id string) error {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return &remote.Fault{
			Class: remote.ClassMalformed,
			Op:    what,
			Err:   fmt.Errorf("expected positive integer, got %q", id),
		}
	}
	return nil
}
