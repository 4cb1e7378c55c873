package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/authforge/auth-service/internal/errdefs"
)

type pgRoles struct{ p *Postgres }

const roleColumns = `id, name, description, parent_id, is_system, created_at, updated_at`

func (r *pgRoles) Create(ctx context.Context, role *Role) error {
	q := r.p.querier(ctx)
	now := time.Now()
	role.CreatedAt = now
	role.UpdatedAt = now

	_, err := q.ExecContext(ctx, `
		INSERT INTO roles (id, name, description, parent_id, is_system, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		role.ID, role.Name, role.Description, role.ParentID, role.IsSystem,
		role.CreatedAt, role.UpdatedAt)
	if err != nil {
		return mapPQError(err, "role")
	}
	for _, pid := range role.PermissionIDs {
		if err := r.AttachPermission(ctx, role.ID, pid); err != nil {
			return err
		}
	}
	return nil
}

func (r *pgRoles) GetByID(ctx context.Context, id string) (*Role, error) {
	return r.getOne(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id)
}

func (r *pgRoles) GetByName(ctx context.Context, name string) (*Role, error) {
	return r.getOne(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name)
}

func (r *pgRoles) getOne(ctx context.Context, query string, arg interface{}) (*Role, error) {
	q := r.p.querier(ctx)
	role, err := scanRole(q.QueryRowContext(ctx, query, arg))
	if err != nil {
		return nil, mapPQError(err, "role")
	}
	role.PermissionIDs, err = r.loadPermissions(ctx, role.ID)
	if err != nil {
		return nil, err
	}
	return role, nil
}

func (r *pgRoles) Update(ctx context.Context, role *Role) error {
	q := r.p.querier(ctx)
	role.UpdatedAt = time.Now()

	res, err := q.ExecContext(ctx, `
		UPDATE roles SET name = $2, description = $3, parent_id = $4, updated_at = $5
		WHERE id = $1`,
		role.ID, role.Name, role.Description, role.ParentID, role.UpdatedAt)
	if err != nil {
		return mapPQError(err, "role")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound("role")
	}
	return nil
}

func (r *pgRoles) Delete(ctx context.Context, id string) error {
	q := r.p.querier(ctx)
	res, err := q.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return mapPQError(err, "role")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound("role")
	}
	return nil
}

func (r *pgRoles) List(ctx context.Context, p Pagination) ([]*Role, int, error) {
	p = p.Normalize()
	q := r.p.querier(ctx)

	var total int
	if err := q.QueryRowContext(ctx, `SELECT count(*) FROM roles`).Scan(&total); err != nil {
		return nil, 0, mapPQError(err, "role")
	}

	roles, err := r.query(ctx,
		`SELECT `+roleColumns+` FROM roles ORDER BY name LIMIT $1 OFFSET $2`,
		p.Limit, p.Offset)
	if err != nil {
		return nil, 0, err
	}
	return roles, total, nil
}

func (r *pgRoles) All(ctx context.Context) ([]*Role, error) {
	return r.query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY name`)
}

func (r *pgRoles) Children(ctx context.Context, id string) ([]*Role, error) {
	return r.query(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE parent_id = $1 ORDER BY name`, id)
}

func (r *pgRoles) AttachPermission(ctx context.Context, roleID, permissionID string) error {
	q := r.p.querier(ctx)
	_, err := q.ExecContext(ctx,
		`INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		roleID, permissionID)
	return mapPQError(err, "role permission")
}

func (r *pgRoles) DetachPermission(ctx context.Context, roleID, permissionID string) error {
	q := r.p.querier(ctx)
	res, err := q.ExecContext(ctx,
		`DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`,
		roleID, permissionID)
	if err != nil {
		return mapPQError(err, "role permission")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound("role permission")
	}
	return nil
}

func (r *pgRoles) query(ctx context.Context, query string, args ...interface{}) ([]*Role, error) {
	q := r.p.querier(ctx)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapPQError(err, "role")
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, mapPQError(err, "role")
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPQError(err, "role")
	}
	for _, role := range roles {
		if role.PermissionIDs, err = r.loadPermissions(ctx, role.ID); err != nil {
			return nil, err
		}
	}
	return roles, nil
}

func (r *pgRoles) loadPermissions(ctx context.Context, roleID string) ([]string, error) {
	q := r.p.querier(ctx)
	rows, err := q.QueryContext(ctx,
		`SELECT permission_id FROM role_permissions WHERE role_id = $1 ORDER BY permission_id`,
		roleID)
	if err != nil {
		return nil, mapPQError(err, "role permission")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapPQError(err, "role permission")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanRole(row rowScanner) (*Role, error) {
	role := &Role{}
	var parent sql.NullString
	err := row.Scan(&role.ID, &role.Name, &role.Description, &parent, &role.IsSystem,
		&role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		s := parent.String
		role.ParentID = &s
	}
	return role, nil
}
