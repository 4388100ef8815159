package repo

import (
	"context"
	"database/sql"
	"strings"

	"flowline/internal/domain"
)

const invitationColumns = `id,instance_id,role,origin_role,title,step_name,created_at`

func scanInvitation(scan func(dest ...any) error) (domain.TaskInvitation, error) {
	var inv domain.TaskInvitation
	err := scan(&inv.ID, &inv.InstanceID, &inv.Role, &inv.OriginRole, &inv.Title, &inv.StepName, &inv.CreatedAt)
	if err == sql.ErrNoRows {
		return inv, ErrNotFound
	}
	return inv, err
}

func (r Repo) InsertInvitation(ctx context.Context, tx *sql.Tx, inv domain.TaskInvitation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_invitations(`+invitationColumns+`) VALUES (?,?,?,?,?,?,?)`,
		inv.ID, inv.InstanceID, inv.Role, inv.OriginRole, inv.Title, inv.StepName, inv.CreatedAt)
	return err
}

func (r Repo) GetInvitation(ctx context.Context, id string) (domain.TaskInvitation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+invitationColumns+` FROM task_invitations WHERE id=?`, id)
	return scanInvitation(row.Scan)
}

// SetInvitationRole overwrites the role slot, conditional on the
// expected current value so concurrent claims cannot both stick.
func (r Repo) SetInvitationRole(ctx context.Context, tx *sql.Tx, id, expected, role string) error {
	res, err := tx.ExecContext(ctx, `UPDATE task_invitations SET role=? WHERE id=? AND role=?`, role, id, expected)
	if err != nil {
		return err
	}
	return conflictWhenUnmatched(res)
}

type InvitationFilters struct {
	InstanceID string
	Role       string
	StepName   string
	Limit      int
}

func (r Repo) ListInvitations(ctx context.Context, f InvitationFilters) ([]domain.TaskInvitation, error) {
	var clauses []string
	var args []any
	if f.InstanceID != "" {
		clauses = append(clauses, "instance_id=?")
		args = append(args, f.InstanceID)
	}
	if f.Role != "" {
		clauses = append(clauses, "role=?")
		args = append(args, f.Role)
	}
	if f.StepName != "" {
		clauses = append(clauses, "step_name=?")
		args = append(args, f.StepName)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + invitationColumns + ` FROM task_invitations ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskInvitation
	for rows.Next() {
		inv, err := scanInvitation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, inv)
	}
	return res, rows.Err()
}
