package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/stor-ops/custodian/internal/notify"
	"github.com/stor-ops/custodian/internal/remote"
	"github.com/stor-ops/custodian/internal/step"
	"github.com/stor-ops/custodian/internal/store"
)

// Deprovision converts one account to a standalone personal account:
// Activate, drain owned and internally-collaborated content, empty the
// trash, reset the quota, detach from the enterprise, notify the holder.
type Deprovision struct {
	Remote remote.Storage
	Exec   *step.Executor
	Retry  step.Policy

	Attempts           int // per-activity attempt ceiling
	MaxRounds          int // drain loop safety valve
	PersonalQuotaBytes int64

	Notifier notify.Notifier
	Log      *slog.Logger
	Progress func(string)
}

// Run executes the deprovision workflow for one target. Any phase
// exhausting its retries aborts the whole run; the target stays eligible
// for re-pickup.
func (d *Deprovision) Run(ctx context.Context, tgt *store.DeprovisionTarget) error {
	d.progress(fmt.Sprintf("=== Deprovision %s (%s) ===", tgt.Login, tgt.AccountID))

	if err := d.activate(ctx, tgt); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	if err := d.drain(ctx, tgt); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	if err := d.emptyTrash(ctx, tgt); err != nil {
		return fmt.Errorf("empty trash: %w", err)
	}
	if err := d.convert(ctx, tgt); err != nil {
		return fmt.Errorf("convert: %w", err)
	}
	d.notifyHolder(ctx, tgt)
	return nil
}

// activate sets the account active; content cannot be enumerated or
// deleted on a deactivated account.
func (d *Deprovision) activate(ctx context.Context, tgt *store.DeprovisionTarget) error {
	ctx = remote.WithCorrelation(ctx, remote.NewCorrelation())
	return d.run(ctx, "activate account "+tgt.AccountID, func(ctx context.Context) error {
		return d.Remote.UpdateAccountStatus(ctx, tgt.AccountID, remote.StatusActive)
	})
}

// drain repeats enumerate-and-remove rounds until a round finds zero
// candidates or the round ceiling is hit. The ceiling defends against
// provider listing lag reporting an always-nonempty set.
func (d *Deprovision) drain(ctx context.Context, tgt *store.DeprovisionTarget) error {
	rounds := d.MaxRounds
	if rounds == 0 {
		rounds = 100
	}

	for round := 1; round <= rounds; round++ {
		candidates, err := d.drainRound(ctx, tgt, round)
		if err != nil {
			return err
		}
		d.progress(fmt.Sprintf("drain round %d: %d candidate(s)", round, candidates))
		if candidates == 0 {
			return nil
		}
	}
	return fmt.Errorf("drain did not converge within %d rounds", rounds)
}

// drainRound enumerates the root, partitions into owned items and
// internally-collaborated items, and fans out the removals. Externally
// owned items are excluded: cross-organization content must survive.
func (d *Deprovision) drainRound(ctx context.Context, tgt *store.DeprovisionTarget, round int) (int, error) {
	ctx = remote.WithCorrelation(ctx, remote.NewCorrelation())
	user := d.Remote.AsUser(tgt.AccountID)

	var items []remote.Item
	err := d.run(ctx, fmt.Sprintf("list root items round %d", round), func(ctx context.Context) error {
		var err error
		items, err = user.ListFolderItems(ctx, remote.RootFolderID, remote.ListOptions{
			Fields: []string{"id", "type", "name", "owned_by", "is_externally_owned"},
		})
		return err
	})
	if err != nil {
		return 0, err
	}

	var owned []remote.ItemRef
	var collaborated []remote.ItemRef
	for _, it := range items {
		ref, err := it.Ref()
		if err != nil {
			d.logger().Warn("skipping item of unknown kind",
				slog.String("item_id", it.ID), slog.String("type", it.Type))
			continue
		}
		switch {
		case it.OwnedBy != nil && it.OwnedBy.ID == tgt.AccountID:
			owned = append(owned, ref)
		case it.IsExternallyOwned:
			// survives deprovisioning
		default:
			collaborated = append(collaborated, ref)
		}
	}

	faults := &FaultList{}
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxFanOut)

	for _, ref := range owned {
		ref := ref
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			rctx := remote.WithCorrelation(ctx, remote.NewCorrelation())
			err := d.run(rctx, "delete item "+ref.ID, func(ctx context.Context) error {
				return user.DeleteItem(ctx, ref)
			})
			if err != nil {
				faults.Add(fmt.Sprintf("%s %s", ref.Kind, ref.ID), err)
			}
		}()
	}

	for _, ref := range collaborated {
		ref := ref
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			rctx := remote.WithCorrelation(ctx, remote.NewCorrelation())
			if err := d.revokeCollaboration(rctx, user, tgt, ref); err != nil {
				faults.Add(fmt.Sprintf("%s %s collaboration", ref.Kind, ref.ID), err)
			}
		}()
	}

	wg.Wait()

	if faults.Len() > 0 {
		d.report(ctx, fmt.Sprintf("Drain round %d digest for %s", round, tgt.Login), faults)
	}
	return len(owned) + len(collaborated), nil
}

// revokeCollaboration resolves this account's collaboration record on the
// item and removes it.
func (d *Deprovision) revokeCollaboration(ctx context.Context, user remote.Storage, tgt *store.DeprovisionTarget, ref remote.ItemRef) error {
	var collabs []remote.Collaboration
	err := d.run(ctx, "list collaborations "+ref.ID, func(ctx context.Context) error {
		var err error
		collabs, err = user.ListItemCollaborations(ctx, ref)
		return err
	})
	if err != nil {
		return err
	}

	for _, c := range collabs {
		if c.AccessibleBy.ID != tgt.AccountID && c.AccessibleBy.Login != tgt.Login {
			continue
		}
		collabID := c.ID
		return d.run(ctx, "remove collaboration "+collabID, func(ctx context.Context) error {
			return user.RemoveCollaboration(ctx, collabID)
		})
	}
	// No record anchored here; the listing was stale. The next round
	// re-evaluates.
	return nil
}

// emptyTrash purges every trashed item permanently.
func (d *Deprovision) emptyTrash(ctx context.Context, tgt *store.DeprovisionTarget) error {
	ctx = remote.WithCorrelation(ctx, remote.NewCorrelation())
	user := d.Remote.AsUser(tgt.AccountID)

	var trashed []remote.Item
	err := d.run(ctx, "list trashed items", func(ctx context.Context) error {
		var err error
		trashed, err = user.ListTrashedItems(ctx)
		return err
	})
	if err != nil {
		return err
	}
	d.progress(fmt.Sprintf("purging %d trashed item(s)", len(trashed)))

	faults := &FaultList{}
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxFanOut)
	for _, it := range trashed {
		ref, rerr := it.Ref()
		if rerr != nil {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			rctx := remote.WithCorrelation(ctx, remote.NewCorrelation())
			err := d.run(rctx, "purge item "+ref.ID, func(ctx context.Context) error {
				return user.PurgeTrashedItem(ctx, ref)
			})
			if err != nil {
				faults.Add(fmt.Sprintf("trashed %s %s", ref.Kind, ref.ID), err)
			}
		}()
	}
	wg.Wait()

	if faults.Len() > 0 {
		d.report(ctx, "Trash purge digest for "+tgt.Login, faults)
	}
	return nil
}

// convert resets the quota to the personal allowance, then performs the
// privileged detach from the enterprise. Order matters: the quota call
// requires the account to still be a managed seat.
func (d *Deprovision) convert(ctx context.Context, tgt *store.DeprovisionTarget) error {
	ctx = remote.WithCorrelation(ctx, remote.NewCorrelation())

	quota := d.PersonalQuotaBytes
	if quota == 0 {
		quota = 10 << 30
	}
	err := d.run(ctx, "reset quota "+tgt.AccountID, func(ctx context.Context) error {
		return d.Remote.UpdateAccountQuota(ctx, tgt.AccountID, quota)
	})
	if err != nil {
		return err
	}

	return d.run(ctx, "detach from enterprise "+tgt.AccountID, func(ctx context.Context) error {
		return d.Remote.DetachFromEnterprise(ctx, tgt.AccountID)
	})
}

// notifyHolder is best-effort; a delivery failure neither rolls back nor
// blocks completion.
func (d *Deprovision) notifyHolder(ctx context.Context, tgt *store.DeprovisionTarget) {
	if d.Notifier == nil {
		return
	}
	body := fmt.Sprintf(
		"Your account %s has been converted to a personal account. "+
			"Archived content remains available read-only.", tgt.Login)
	if err := d.Notifier.Send(ctx, tgt.Login, "Account converted", body); err != nil {
		d.logger().Warn("holder notification failed",
			slog.String("login", tgt.Login),
			slog.String("error", err.Error()),
		)
	}
	d.progress("=== Deprovision complete ===")
}

func (d *Deprovision) report(ctx context.Context, header string, faults *FaultList) {
	digest := faults.Digest(header)
	d.progress(digest)
}

func (d *Deprovision) run(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	policy := d.Retry
	policy.MaxAttempts = d.Attempts
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 3
	}
	return policy.Do(ctx, label, func(ctx context.Context) error {
		return d.Exec.Run(ctx, label, fn)
	})
}

func (d *Deprovision) progress(line string) {
	if d.Progress != nil {
		d.Progress(line)
	}
}

func (d *Deprovision) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}
