package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"

	"flowline/internal/domain"
)

// HashPassword returns the stored form of a password.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// PermissionExists reports whether a permission id is registered in
// the catalog. Unregistered ids are not enforceable.
func (r Repo) PermissionExists(ctx context.Context, permID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM permissions WHERE id=?`, permID).Scan(&n)
	return n > 0, err
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO users(id,username,password_hash,superuser,created_at) VALUES (?,?,?,?,?)`,
		u.ID, u.Username, u.PasswordHash, boolToInt(u.Superuser), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,username,password_hash,superuser,created_at FROM users WHERE id=?`, id)
	return scanUser(row.Scan)
}

func (r Repo) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,username,password_hash,superuser,created_at FROM users WHERE username=?`, username)
	return scanUser(row.Scan)
}

func scanUser(scan func(dest ...any) error) (domain.User, error) {
	var u domain.User
	var superuser int
	err := scan(&u.ID, &u.Username, &u.PasswordHash, &superuser, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.Superuser = superuser != 0
	return u, err
}

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO roles(id, description) VALUES (?,?)`, id, nullable(desc))
	return err
}

func (r Repo) AddRoleMember(ctx context.Context, tx *sql.Tx, roleID, userID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_members(role_id, user_id) VALUES (?,?)`, roleID, userID)
	return err
}

func (r Repo) RemoveRoleMember(ctx context.Context, tx *sql.Tx, roleID, userID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM role_members WHERE role_id=? AND user_id=?`, roleID, userID)
	return err
}

// RoleMembers returns member user IDs in stable order.
func (r Repo) RoleMembers(ctx context.Context, roleID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id FROM role_members WHERE role_id=? ORDER BY user_id ASC`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

func (r Repo) IsRoleMember(ctx context.Context, roleID, userID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM role_members WHERE role_id=? AND user_id=? LIMIT 1`, roleID, userID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) UserRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM role_members WHERE user_id=? ORDER BY role_id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// UpsertPermission inserts a permission if new, reporting whether a row
// was added.
func (r Repo) UpsertPermission(ctx context.Context, tx *sql.Tx, p domain.Permission) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO permissions(id, name, description) VALUES (?,?,?)`,
		p.ID, p.Name, nullable(p.Description))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) CountPermissions(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM permissions`).Scan(&n)
	return n, err
}

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, roleID, permID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, roleID, permID)
	return err
}

func (r Repo) RoleHasPermission(ctx context.Context, roleID, permID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM role_permissions WHERE role_id=? AND permission_id=? LIMIT 1`, roleID, permID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
