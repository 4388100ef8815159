package engine

import (
	"context"
	"errors"

	"flowline/internal/domain"
	"flowline/internal/events"
	"flowline/internal/repo"
)

// Claim binds a principal to an invitation and to the owning instance's
// current actor in one transaction. The instance write is conditional
// on "active, no actor"; under concurrent claims exactly one succeeds
// and the rest fail deterministically.
func (e Engine) Claim(ctx context.Context, invitationID, principal string) (domain.TaskInvitation, error) {
	inv, wfi, err := e.loadInvitation(ctx, invitationID)
	if err != nil {
		return domain.TaskInvitation{}, err
	}
	if wfi.Status != domain.StatusActive || wfi.CurrentStep != inv.StepName {
		return domain.TaskInvitation{}, ErrInstanceNotClaimable
	}
	if wfi.CurrentActor != nil {
		return domain.TaskInvitation{}, ErrAlreadyClaimed
	}
	ok, err := e.Roles.IsMember(ctx, principal, inv.Role)
	if err != nil {
		return domain.TaskInvitation{}, err
	}
	if !ok {
		return domain.TaskInvitation{}, ErrUnauthorized
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskInvitation{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.ClaimInstanceActor(ctx, tx, wfi.ID, principal); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			// free the connection before re-reading post-race state
			tx.Rollback()
			return domain.TaskInvitation{}, e.claimConflict(ctx, wfi.ID)
		}
		return domain.TaskInvitation{}, err
	}
	if err := e.Repo.SetInvitationRole(ctx, tx, inv.ID, inv.Role, principal); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.TaskInvitation{}, ErrAlreadyClaimed
		}
		return domain.TaskInvitation{}, err
	}
	if err := e.Events.Append(ctx, tx, "invitation.claimed", "invitation", inv.ID, principal, events.EventPayload{
		"instance_id": wfi.ID,
		"step":        inv.StepName,
	}); err != nil {
		return domain.TaskInvitation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskInvitation{}, err
	}
	inv.Role = principal
	return inv, nil
}

// claimConflict translates a lost conditional write into the business
// error matching the instance's post-race state.
func (e Engine) claimConflict(ctx context.Context, instanceID string) error {
	wfi, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if wfi.Status != domain.StatusActive {
		return ErrInstanceNotClaimable
	}
	return ErrAlreadyClaimed
}

// Reassign hands a claimed invitation over to another principal within
// one transaction, conditional on the caller still holding the
// instance. The explanation is kept as an audit note.
func (e Engine) Reassign(ctx context.Context, invitationID, holder, target, explanation string) (domain.TaskInvitation, error) {
	inv, wfi, err := e.loadInvitation(ctx, invitationID)
	if err != nil {
		return domain.TaskInvitation{}, err
	}
	if err := requireCurrentActor(wfi, holder); err != nil {
		return domain.TaskInvitation{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskInvitation{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.ReassignInstanceActor(ctx, tx, wfi.ID, holder, target); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.TaskInvitation{}, ErrInstanceNotClaimable
		}
		return domain.TaskInvitation{}, err
	}
	if err := e.Repo.SetInvitationRole(ctx, tx, inv.ID, inv.Role, target); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.TaskInvitation{}, ErrAlreadyClaimed
		}
		return domain.TaskInvitation{}, err
	}
	if err := e.Events.Append(ctx, tx, "invitation.reassigned", "invitation", inv.ID, holder, events.EventPayload{
		"instance_id": wfi.ID,
		"target":      target,
		"explanation": explanation,
	}); err != nil {
		return domain.TaskInvitation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskInvitation{}, err
	}
	inv.Role = target
	return inv, nil
}

// Release clears the current actor on the invitation's instance,
// conditional on the holder. Used when a claim is given back without
// suspending the instance.
func (e Engine) Release(ctx context.Context, invitationID, holder string) error {
	inv, wfi, err := e.loadInvitation(ctx, invitationID)
	if err != nil {
		return err
	}
	if err := requireCurrentActor(wfi, holder); err != nil {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.ReleaseInstanceActor(ctx, tx, wfi.ID, holder); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return ErrInstanceNotClaimable
		}
		return err
	}
	if err := e.Repo.SetInvitationRole(ctx, tx, inv.ID, holder, inv.OriginRole); err != nil && !errors.Is(err, repo.ErrConflict) {
		return err
	}
	if err := e.Events.Append(ctx, tx, "invitation.released", "invitation", inv.ID, holder, events.EventPayload{
		"instance_id": wfi.ID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
