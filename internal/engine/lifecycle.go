package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flowline/internal/domain"
	"flowline/internal/events"
	"flowline/internal/repo"
)

// PostponeDateFormat is the DD.MM.YYYY boundary contract for postpone
// requests. Windows are stored internally as RFC 3339.
const PostponeDateFormat = "02.01.2006"

func ensureInstanceTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.StatusActive:
		if newStatus == domain.StatusSuspended || newStatus == domain.StatusPostponed || newStatus == domain.StatusFinished {
			return nil
		}
	case domain.StatusSuspended, domain.StatusPostponed:
		if newStatus == domain.StatusActive {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
}

// parsePostponeWindow validates a DD.MM.YYYY window: both dates must
// parse, the finish must fall after the start, and the start must not
// lie in the past relative to the server clock's date.
func parsePostponeWindow(startStr, finishStr string, now time.Time) (time.Time, time.Time, error) {
	start, err := time.Parse(PostponeDateFormat, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start date %q", ErrInvalidDateRange, startStr)
	}
	finish, err := time.Parse(PostponeDateFormat, finishStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: finish date %q", ErrInvalidDateRange, finishStr)
	}
	if !finish.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: finish %s is not after start %s", ErrInvalidDateRange, finishStr, startStr)
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if start.Before(today) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start %s is in the past", ErrInvalidDateRange, startStr)
	}
	return start, finish, nil
}

// Suspend pauses the invitation's instance. Only the current actor may
// suspend, and only from active; the conditional write keeps racing
// transitions out.
func (e Engine) Suspend(ctx context.Context, invitationID, principal string) (domain.WorkflowInstance, error) {
	inv, wfi, err := e.loadInvitation(ctx, invitationID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := requireCurrentActor(wfi, principal); err != nil {
		return domain.WorkflowInstance{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.SuspendInstance(ctx, tx, wfi.ID, principal); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.WorkflowInstance{}, ErrInvalidTransition
		}
		return domain.WorkflowInstance{}, err
	}
	// The invitation returns to its role pool; whoever qualifies may
	// claim again after resume.
	if err := e.Repo.SetInvitationRole(ctx, tx, inv.ID, inv.Role, inv.OriginRole); err != nil && !errors.Is(err, repo.ErrConflict) {
		return domain.WorkflowInstance{}, err
	}
	if err := e.Events.Append(ctx, tx, "instance.suspended", "instance", wfi.ID, principal, events.EventPayload{
		"invitation_id": inv.ID,
		"step":          wfi.CurrentStep,
	}); err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowInstance{}, err
	}
	wfi.Status = domain.StatusSuspended
	wfi.CurrentActor = nil
	return wfi, nil
}

// Postpone parks the invitation's instance until a resume window.
func (e Engine) Postpone(ctx context.Context, invitationID, principal, startDate, finishDate string) (domain.WorkflowInstance, error) {
	inv, wfi, err := e.loadInvitation(ctx, invitationID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := requireCurrentActor(wfi, principal); err != nil {
		return domain.WorkflowInstance{}, err
	}
	start, finish, err := parsePostponeWindow(startDate, finishDate, e.now().UTC())
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	resumeStart := start.Format(time.RFC3339)
	resumeFinish := finish.Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.PostponeInstance(ctx, tx, wfi.ID, principal, resumeStart, resumeFinish); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.WorkflowInstance{}, ErrInvalidTransition
		}
		return domain.WorkflowInstance{}, err
	}
	if err := e.Repo.SetInvitationRole(ctx, tx, inv.ID, inv.Role, inv.OriginRole); err != nil && !errors.Is(err, repo.ErrConflict) {
		return domain.WorkflowInstance{}, err
	}
	if err := e.Events.Append(ctx, tx, "instance.postponed", "instance", wfi.ID, principal, events.EventPayload{
		"invitation_id": inv.ID,
		"resume_start":  resumeStart,
		"resume_finish": resumeFinish,
	}); err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowInstance{}, err
	}
	wfi.Status = domain.StatusPostponed
	wfi.CurrentActor = nil
	wfi.ResumeStart = &resumeStart
	wfi.ResumeFinish = &resumeFinish
	return wfi, nil
}

// Resume returns a suspended or postponed instance to active with no
// actor bound. A postponed instance resumes once its window opens, or
// earlier when operator is set (explicit operator action).
func (e Engine) Resume(ctx context.Context, instanceID, actorID string, operator bool) (domain.WorkflowInstance, error) {
	wfi, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := ensureInstanceTransition(wfi.Status, domain.StatusActive); err != nil {
		return domain.WorkflowInstance{}, err
	}
	if wfi.Status == domain.StatusPostponed && !operator {
		if wfi.ResumeStart == nil {
			return domain.WorkflowInstance{}, ErrInvalidTransition
		}
		start, err := time.Parse(time.RFC3339, *wfi.ResumeStart)
		if err != nil {
			return domain.WorkflowInstance{}, err
		}
		if e.now().UTC().Before(start) {
			return domain.WorkflowInstance{}, fmt.Errorf("%w: resume window opens %s", ErrInvalidTransition, *wfi.ResumeStart)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.ResumeInstance(ctx, tx, wfi.ID); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.WorkflowInstance{}, ErrInvalidTransition
		}
		return domain.WorkflowInstance{}, err
	}
	if err := e.Events.Append(ctx, tx, "instance.resumed", "instance", wfi.ID, actorID, events.EventPayload{
		"from": wfi.Status,
	}); err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowInstance{}, err
	}
	wfi.Status = domain.StatusActive
	wfi.CurrentActor = nil
	wfi.ResumeStart = nil
	wfi.ResumeFinish = nil
	return wfi, nil
}

// CompleteStep advances the instance past the invitation's step,
// issuing the next step's invitation, or finishes the instance when the
// step was the last. Only the current actor may complete.
func (e Engine) CompleteStep(ctx context.Context, invitationID, principal string) (domain.WorkflowInstance, error) {
	inv, wfi, err := e.loadInvitation(ctx, invitationID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := requireCurrentActor(wfi, principal); err != nil {
		return domain.WorkflowInstance{}, err
	}
	if wfi.CurrentStep != inv.StepName {
		return domain.WorkflowInstance{}, ErrInstanceNotClaimable
	}
	if e.Config == nil {
		return domain.WorkflowInstance{}, errors.New("config not loaded")
	}
	wf, ok := e.Config.Workflow(wfi.WorkflowName)
	if !ok {
		return domain.WorkflowInstance{}, fmt.Errorf("workflow %s not defined", wfi.WorkflowName)
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	defer tx.Rollback()

	next, hasNext := wf.NextStep(inv.StepName)
	if hasNext {
		if err := e.Repo.AdvanceInstanceStep(ctx, tx, wfi.ID, principal, next.Name); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return domain.WorkflowInstance{}, ErrInvalidTransition
			}
			return domain.WorkflowInstance{}, err
		}
		nextInv := newInvitation(wfi.ID, next, now)
		if err := e.Repo.InsertInvitation(ctx, tx, nextInv); err != nil {
			return domain.WorkflowInstance{}, err
		}
		if err := e.Events.Append(ctx, tx, "instance.advanced", "instance", wfi.ID, principal, events.EventPayload{
			"from_step": inv.StepName,
			"to_step":   next.Name,
		}); err != nil {
			return domain.WorkflowInstance{}, err
		}
		wfi.CurrentStep = next.Name
	} else {
		if err := e.Repo.FinishInstance(ctx, tx, wfi.ID, principal, now); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return domain.WorkflowInstance{}, ErrInvalidTransition
			}
			return domain.WorkflowInstance{}, err
		}
		if err := e.Events.Append(ctx, tx, "instance.finished", "instance", wfi.ID, principal, events.EventPayload{
			"last_step": inv.StepName,
		}); err != nil {
			return domain.WorkflowInstance{}, err
		}
		wfi.Status = domain.StatusFinished
		wfi.FinishDate = &now
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowInstance{}, err
	}
	wfi.CurrentActor = nil
	return wfi, nil
}
