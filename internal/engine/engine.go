package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowline/internal/config"
	"flowline/internal/domain"
	"flowline/internal/engine/roles"
	"flowline/internal/events"
	"flowline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Roles  roles.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Roles:  roles.Service{Repo: r},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// StartWorkflow creates an active instance at the workflow's first step
// and issues the invitation for that step.
func (e Engine) StartWorkflow(ctx context.Context, workflowName, actorID string) (domain.WorkflowInstance, domain.TaskInvitation, error) {
	if e.Config == nil {
		return domain.WorkflowInstance{}, domain.TaskInvitation{}, errors.New("config not loaded")
	}
	wf, ok := e.Config.Workflow(workflowName)
	if !ok {
		return domain.WorkflowInstance{}, domain.TaskInvitation{}, fmt.Errorf("workflow %s not defined", workflowName)
	}
	first := wf.Steps[0]
	now := e.now().UTC().Format(time.RFC3339)
	wfi := domain.WorkflowInstance{
		ID:           uuid.New().String(),
		WorkflowName: workflowName,
		CurrentStep:  first.Name,
		Status:       domain.StatusActive,
		StartDate:    now,
	}
	inv := newInvitation(wfi.ID, first, now)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowInstance{}, domain.TaskInvitation{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertInstance(ctx, tx, wfi); err != nil {
		return domain.WorkflowInstance{}, domain.TaskInvitation{}, fmt.Errorf("insert instance: %w", err)
	}
	if err := e.Repo.InsertInvitation(ctx, tx, inv); err != nil {
		return domain.WorkflowInstance{}, domain.TaskInvitation{}, fmt.Errorf("insert invitation: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "instance.started", "instance", wfi.ID, actorID, events.EventPayload{
		"workflow": workflowName,
		"step":     first.Name,
	}); err != nil {
		return domain.WorkflowInstance{}, domain.TaskInvitation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowInstance{}, domain.TaskInvitation{}, err
	}
	return wfi, inv, nil
}

func newInvitation(instanceID string, step config.Step, now string) domain.TaskInvitation {
	title := step.Title
	if title == "" {
		title = step.Name
	}
	return domain.TaskInvitation{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		Role:       step.Role,
		OriginRole: step.Role,
		Title:      title,
		StepName:   step.Name,
		CreatedAt:  now,
	}
}

// loadInvitation fetches an invitation together with its owning
// instance.
func (e Engine) loadInvitation(ctx context.Context, invitationID string) (domain.TaskInvitation, domain.WorkflowInstance, error) {
	inv, err := e.Repo.GetInvitation(ctx, invitationID)
	if err != nil {
		return domain.TaskInvitation{}, domain.WorkflowInstance{}, err
	}
	wfi, err := e.Repo.GetInstance(ctx, inv.InstanceID)
	if err != nil {
		return domain.TaskInvitation{}, domain.WorkflowInstance{}, err
	}
	return inv, wfi, nil
}

// requireCurrentActor enforces that only the holder of an active
// instance may act on it.
func requireCurrentActor(wfi domain.WorkflowInstance, principal string) error {
	if wfi.Status != domain.StatusActive {
		return ErrInvalidTransition
	}
	if wfi.CurrentActor == nil || *wfi.CurrentActor != principal {
		return ErrUnauthorized
	}
	return nil
}
