package store

import (
	"context"
	"time"

	"github.com/lib/pq"

	"github.com/authforge/auth-service/internal/errdefs"
)

type pgPermissions struct{ p *Postgres }

const permissionColumns = `id, name, description, created_at`

func (r *pgPermissions) Create(ctx context.Context, perm *Permission) error {
	q := r.p.querier(ctx)
	perm.CreatedAt = time.Now()

	_, err := q.ExecContext(ctx, `
		INSERT INTO permissions (id, name, description, created_at)
		VALUES ($1, $2, $3, $4)`,
		perm.ID, perm.Name, perm.Description, perm.CreatedAt)
	return mapPQError(err, "permission")
}

func (r *pgPermissions) GetByID(ctx context.Context, id string) (*Permission, error) {
	q := r.p.querier(ctx)
	perm, err := scanPermission(q.QueryRowContext(ctx,
		`SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, id))
	if err != nil {
		return nil, mapPQError(err, "permission")
	}
	return perm, nil
}

func (r *pgPermissions) GetByName(ctx context.Context, name string) (*Permission, error) {
	q := r.p.querier(ctx)
	perm, err := scanPermission(q.QueryRowContext(ctx,
		`SELECT `+permissionColumns+` FROM permissions WHERE name = $1`, name))
	if err != nil {
		return nil, mapPQError(err, "permission")
	}
	return perm, nil
}

func (r *pgPermissions) GetByIDs(ctx context.Context, ids []string) ([]*Permission, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := r.p.querier(ctx)
	rows, err := q.QueryContext(ctx,
		`SELECT `+permissionColumns+` FROM permissions WHERE id = ANY($1) ORDER BY name`,
		pq.Array(ids))
	if err != nil {
		return nil, mapPQError(err, "permission")
	}
	defer rows.Close()

	var perms []*Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, mapPQError(err, "permission")
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

// Update rewrites the description. The name is immutable: grants reference
// permissions by ID, but cached expansions and audit trails carry the name.
func (r *pgPermissions) Update(ctx context.Context, perm *Permission) error {
	q := r.p.querier(ctx)
	res, err := q.ExecContext(ctx,
		`UPDATE permissions SET description = $2 WHERE id = $1`,
		perm.ID, perm.Description)
	if err != nil {
		return mapPQError(err, "permission")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound("permission")
	}
	return nil
}

func (r *pgPermissions) Delete(ctx context.Context, id string) error {
	q := r.p.querier(ctx)
	res, err := q.ExecContext(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if err != nil {
		return mapPQError(err, "permission")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound("permission")
	}
	return nil
}

func (r *pgPermissions) List(ctx context.Context, p Pagination) ([]*Permission, int, error) {
	p = p.Normalize()
	q := r.p.querier(ctx)

	var total int
	if err := q.QueryRowContext(ctx, `SELECT count(*) FROM permissions`).Scan(&total); err != nil {
		return nil, 0, mapPQError(err, "permission")
	}

	rows, err := q.QueryContext(ctx,
		`SELECT `+permissionColumns+` FROM permissions ORDER BY name LIMIT $1 OFFSET $2`,
		p.Limit, p.Offset)
	if err != nil {
		return nil, 0, mapPQError(err, "permission")
	}
	defer rows.Close()

	var perms []*Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, 0, mapPQError(err, "permission")
		}
		perms = append(perms, perm)
	}
	return perms, total, rows.Err()
}

func scanPermission(row rowScanner) (*Permission, error) {
	perm := &Permission{}
	if err := row.Scan(&perm.ID, &perm.Name, &perm.Description, &perm.CreatedAt); err != nil {
		return nil, err
	}
	return perm, nil
}
