package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"flowline/internal/config"
	"flowline/internal/domain"
)

// Repo is the persistence adapter. Mutations that decide races are
// expressed as conditional updates keyed on the expected current state;
// a write that matches no row lost the race and reports ErrConflict.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conditional update conflict")
)

func scanInstance(scan func(dest ...any) error) (domain.WorkflowInstance, error) {
	var w domain.WorkflowInstance
	var actor, resumeStart, resumeFinish, finishDate sql.NullString
	err := scan(&w.ID, &w.WorkflowName, &w.CurrentStep, &actor, &w.Status, &resumeStart, &resumeFinish, &w.StartDate, &finishDate)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if actor.Valid {
		w.CurrentActor = &actor.String
	}
	if resumeStart.Valid {
		w.ResumeStart = &resumeStart.String
	}
	if resumeFinish.Valid {
		w.ResumeFinish = &resumeFinish.String
	}
	if finishDate.Valid {
		w.FinishDate = &finishDate.String
	}
	return w, nil
}

const instanceColumns = `id,workflow_name,current_step,current_actor,status,resume_start,resume_finish,start_date,finish_date`

func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, w domain.WorkflowInstance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_instances(`+instanceColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		w.ID, w.WorkflowName, w.CurrentStep, nullableStringPtr(w.CurrentActor), w.Status,
		nullableStringPtr(w.ResumeStart), nullableStringPtr(w.ResumeFinish), w.StartDate, nullableStringPtr(w.FinishDate))
	return err
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.WorkflowInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id=?`, id)
	return scanInstance(row.Scan)
}

type InstanceFilters struct {
	WorkflowName string
	Status       string
	CurrentActor string
	Limit        int
}

func (r Repo) ListInstances(ctx context.Context, f InstanceFilters) ([]domain.WorkflowInstance, error) {
	var clauses []string
	var args []any
	if f.WorkflowName != "" {
		clauses = append(clauses, "workflow_name=?")
		args = append(args, f.WorkflowName)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CurrentActor != "" {
		clauses = append(clauses, "current_actor=?")
		args = append(args, f.CurrentActor)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances ` + where + ` ORDER BY start_date DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowInstance
	for rows.Next() {
		w, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// ClaimInstanceActor binds a principal as the instance's current actor.
// The write only matches when the instance is still active with no
// actor set, so exactly one of any racing claims can succeed.
func (r Repo) ClaimInstanceActor(ctx context.Context, tx *sql.Tx, instanceID, principal string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_instances SET current_actor=? WHERE id=? AND status=? AND current_actor IS NULL`,
		principal, instanceID, domain.StatusActive)
	if err != nil {
		return err
	}
	return conflictWhenUnmatched(res)
}

// ReassignInstanceActor swaps the current actor, conditional on the
// caller still holding the instance.
func (r Repo) ReassignInstanceActor(ctx context.Context, tx *sql.Tx, instanceID, from, to string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_instances SET current_actor=? WHERE id=? AND status=? AND current_actor=?`,
		to, instanceID, domain.StatusActive, from)
	if err != nil {
		return err
	}
	return conflictWhenUnmatched(res)
}

// ReleaseInstanceActor clears the current actor, conditional on the
// holder.
func (r Repo) ReleaseInstanceActor(ctx context.Context, tx *sql.Tx, instanceID, holder string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_instances SET current_actor=NULL WHERE id=? AND current_actor=?`,
		instanceID, holder)
	if err != nil {
		return err
	}
	return conflictWhenUnmatched(res)
}

// SuspendInstance moves an active instance to suspended and clears the
// actor, conditional on the expected holder.
func (r Repo) SuspendInstance(ctx context.Context, tx *sql.Tx, instanceID, holder string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_instances SET status=?, current_actor=NULL WHERE id=? AND status=? AND current_actor=?`,
		domain.StatusSuspended, instanceID, domain.StatusActive, holder)
	if err != nil {
		return err
	}
	return conflictWhenUnmatched(res)
}

// PostponeInstance moves an active instance to postponed with a resume
// window, conditional on the expected holder.
func (r Repo) PostponeInstance(ctx context.Context, tx *sql.Tx, instanceID, holder, resumeStart, resumeFinish string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_instances SET status=?, current_actor=NULL, resume_start=?, resume_finish=? WHERE id=? AND status=? AND current_actor=?`,
		domain.StatusPostponed, resumeStart, resumeFinish, instanceID, domain.StatusActive, holder)
	if err != nil {
		return err
	}
	return conflictWhenUnmatched(res)
}

// ResumeInstance moves a suspended or postponed instance back to active
// with no actor bound, ready for a fresh claim.
func (r Repo) ResumeInstance(ctx context.Context, tx *sql.Tx, instanceID string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_instances SET status=?, current_actor=NULL, resume_start=NULL, resume_finish=NULL WHERE id=? AND status IN (?,?)`,
		domain.StatusActive, instanceID, domain.StatusSuspended, domain.StatusPostponed)
	if err != nil {
		return err
	}
	return conflictWhenUnmatched(res)
}

// FinishInstance is terminal; only an active instance held by the
// expected actor can finish.
func (r Repo) FinishInstance(ctx context.Context, tx *sql.Tx, instanceID, holder, finishDate string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_instances SET status=?, current_actor=NULL, finish_date=? WHERE id=? AND status=? AND current_actor=?`,
		domain.StatusFinished, finishDate, instanceID, domain.StatusActive, holder)
	if err != nil {
		return err
	}
	return conflictWhenUnmatched(res)
}

// AdvanceInstanceStep moves the step pointer and releases the actor,
// conditional on the expected holder.
func (r Repo) AdvanceInstanceStep(ctx context.Context, tx *sql.Tx, instanceID, holder, nextStep string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_instances SET current_step=?, current_actor=NULL WHERE id=? AND status=? AND current_actor=?`,
		nextStep, instanceID, domain.StatusActive, holder)
	if err != nil {
		return err
	}
	return conflictWhenUnmatched(res)
}

func conflictWhenUnmatched(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) UpsertDeploymentConfig(ctx context.Context, name string, cfg *config.Config) error {
	return upsertDeploymentConfig(ctx, r.DB, nil, name, cfg)
}

func (r Repo) UpsertDeploymentConfigTx(ctx context.Context, tx *sql.Tx, name string, cfg *config.Config) error {
	return upsertDeploymentConfig(ctx, nil, tx, name, cfg)
}

func upsertDeploymentConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, name string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Deployment.Name = name
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO deployment_configs(name,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(name) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, name, string(payload), now, now)
	return err
}

func (r Repo) GetDeploymentConfig(ctx context.Context, name string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM deployment_configs WHERE name=?`, name).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Deployment.Name == "" {
		cfg.Deployment.Name = name
	}
	return &cfg, cfg.Validate()
}

// LatestEvents returns newest-first events, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
