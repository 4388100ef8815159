package engine

import (
	"context"
	"errors"
	"fmt"

	"flowline/internal/domain"
	"flowline/internal/engine/roles"
)

// Outcome is the structured result every dispatched action produces.
// Title carries the msgbox contract: "Successful" or "Unsuccessful".
type Outcome struct {
	Status  string `json:"status" enum:"Successful,Unsuccessful"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

const (
	StatusSuccessful   = "Successful"
	StatusUnsuccessful = "Unsuccessful"
)

// Action names, matching the workflow routes of the public API.
const (
	ActionAssignYourself    = "task_assign_yourself"
	ActionAssignToRole      = "assign_same_abstract_role"
	ActionSuspendWorkflow   = "suspend_workflow"
	ActionPostponeWorkflow  = "postpone_workflow"
	ActionResumeWorkflow    = "resume_workflow"
	ActionReleaseTask       = "release_task"
	ActionCompleteStep      = "complete_step"
)

// ActionRequest is an inbound action produced by the transport layer.
type ActionRequest struct {
	Action       string
	Principal    string
	InvitationID string
	InstanceID   string
	TargetRoleID string
	Explanation  string
	StartDate    string
	FinishDate   string
	Operator     bool
}

// Dispatch routes an action request to the matching operation.
func (e Engine) Dispatch(ctx context.Context, req ActionRequest) (Outcome, error) {
	switch req.Action {
	case ActionAssignYourself:
		return e.AssignToSelf(ctx, req.Principal, req.InvitationID)
	case ActionAssignToRole:
		return e.AssignToRole(ctx, req.Principal, req.InvitationID, req.TargetRoleID, req.Explanation)
	case ActionSuspendWorkflow:
		return e.SuspendWorkflow(ctx, req.Principal, req.InvitationID)
	case ActionPostponeWorkflow:
		return e.PostponeWorkflow(ctx, req.Principal, req.InvitationID, req.StartDate, req.FinishDate)
	case ActionResumeWorkflow:
		return e.ResumeWorkflow(ctx, req.Principal, req.InstanceID, req.Operator)
	case ActionReleaseTask:
		return e.ReleaseTask(ctx, req.Principal, req.InvitationID)
	case ActionCompleteStep:
		return e.CompleteStepAction(ctx, req.Principal, req.InvitationID)
	default:
		return Outcome{}, fmt.Errorf("unknown action %s", req.Action)
	}
}

// AssignToSelf claims the invitation for the calling principal.
func (e Engine) AssignToSelf(ctx context.Context, principal, invitationID string) (Outcome, error) {
	if _, err := e.Claim(ctx, invitationID, principal); err != nil {
		return failure(err)
	}
	return success("Workflow assigned to you."), nil
}

// AssignToRole hands the invitation to a member of another role. Only
// the current actor may reassign, and only to a role interchangeable
// with the one the invitation was issued for.
func (e Engine) AssignToRole(ctx context.Context, principal, invitationID, targetRoleID, explanation string) (Outcome, error) {
	inv, wfi, err := e.loadInvitation(ctx, invitationID)
	if err != nil {
		return Outcome{}, err
	}
	if err := requireCurrentActor(wfi, principal); err != nil {
		return failure(err)
	}
	if e.Config == nil || !e.Config.SameRoleClass(inv.OriginRole, targetRoleID) {
		return failure(fmt.Errorf("%w: %s and %s", ErrRoleClassMismatch, inv.OriginRole, targetRoleID))
	}
	members, err := e.Roles.Resolve(ctx, targetRoleID)
	if err != nil {
		return failure(err)
	}
	target := members[0]
	if _, err := e.Reassign(ctx, invitationID, principal, target, explanation); err != nil {
		return failure(err)
	}
	return success(fmt.Sprintf("Workflow assigned to %s.", target)), nil
}

// SuspendWorkflow pauses the invitation's instance.
func (e Engine) SuspendWorkflow(ctx context.Context, principal, invitationID string) (Outcome, error) {
	if _, err := e.Suspend(ctx, invitationID, principal); err != nil {
		return failure(err)
	}
	return success("Workflow suspended."), nil
}

// PostponeWorkflow parks the invitation's instance until a resume
// window given as DD.MM.YYYY dates.
func (e Engine) PostponeWorkflow(ctx context.Context, principal, invitationID, startDate, finishDate string) (Outcome, error) {
	if _, err := e.Postpone(ctx, invitationID, principal, startDate, finishDate); err != nil {
		return failure(err)
	}
	return success(fmt.Sprintf("Workflow postponed until %s.", startDate)), nil
}

// ResumeWorkflow returns an instance to active.
func (e Engine) ResumeWorkflow(ctx context.Context, principal, instanceID string, operator bool) (Outcome, error) {
	if _, err := e.Resume(ctx, instanceID, principal, operator); err != nil {
		return failure(err)
	}
	return success("Workflow resumed."), nil
}

// ReleaseTask gives the claim back to the invitation's role pool.
func (e Engine) ReleaseTask(ctx context.Context, principal, invitationID string) (Outcome, error) {
	if err := e.Release(ctx, invitationID, principal); err != nil {
		return failure(err)
	}
	return success("Workflow released back to its role."), nil
}

// CompleteStepAction advances past the invitation's step.
func (e Engine) CompleteStepAction(ctx context.Context, principal, invitationID string) (Outcome, error) {
	wfi, err := e.CompleteStep(ctx, invitationID, principal)
	if err != nil {
		return failure(err)
	}
	if wfi.Status == domain.StatusFinished {
		return success("Workflow finished."), nil
	}
	return success(fmt.Sprintf("Workflow advanced to step %s.", wfi.CurrentStep)), nil
}

func success(message string) Outcome {
	return Outcome{Status: StatusSuccessful, Title: StatusSuccessful, Message: message}
}

// failure converts a recoverable business error into an Unsuccessful
// outcome; anything else propagates so the transport can report an
// infrastructure fault.
func failure(err error) (Outcome, error) {
	if !isBusinessError(err) {
		return Outcome{}, err
	}
	return Outcome{Status: StatusUnsuccessful, Title: StatusUnsuccessful, Message: err.Error()}, nil
}

func isBusinessError(err error) bool {
	for _, target := range []error{
		ErrAlreadyClaimed,
		ErrInstanceNotClaimable,
		ErrInvalidTransition,
		ErrInvalidDateRange,
		ErrUnauthorized,
		ErrRoleClassMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	var unknownRole roles.UnknownRoleError
	return errors.As(err, &unknownRole)
}
