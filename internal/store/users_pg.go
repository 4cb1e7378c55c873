package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/authforge/auth-service/internal/errdefs"
)

type pgUsers struct{ p *Postgres }

const userColumns = `id, email, password_hash, is_active, mfa_enabled, mfa_secret,
	recovery_codes, failed_attempts, last_failed_at, password_set_at, created_at, updated_at`

func (r *pgUsers) Create(ctx context.Context, u *User) error {
	q := r.p.querier(ctx)
	now := time.Now()
	u.CreatedAt = now
	u.UpdatedAt = now
	if u.PasswordSetAt.IsZero() {
		u.PasswordSetAt = now
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, is_active, mfa_enabled, mfa_secret,
			recovery_codes, failed_attempts, last_failed_at, password_set_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		u.ID, u.Email, u.PasswordHash, u.IsActive, u.MFAEnabled, u.MFASecret,
		pq.Array(u.RecoveryCodes), u.FailedAttempts, u.LastFailedAt, u.PasswordSetAt,
		u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return mapPQError(err, "user")
	}
	return r.saveRoles(ctx, u.ID, u.RoleIDs)
}

func (r *pgUsers) GetByID(ctx context.Context, id string) (*User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (r *pgUsers) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email)
}

func (r *pgUsers) getOne(ctx context.Context, query string, arg interface{}) (*User, error) {
	q := r.p.querier(ctx)
	u, err := scanUser(q.QueryRowContext(ctx, query, arg))
	if err != nil {
		return nil, mapPQError(err, "user")
	}
	u.RoleIDs, err = r.loadRoles(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (r *pgUsers) Update(ctx context.Context, u *User) error {
	q := r.p.querier(ctx)
	u.UpdatedAt = time.Now()

	res, err := q.ExecContext(ctx, `
		UPDATE users SET email = $2, password_hash = $3, is_active = $4,
			mfa_enabled = $5, mfa_secret = $6, recovery_codes = $7,
			failed_attempts = $8, last_failed_at = $9, password_set_at = $10,
			updated_at = $11
		WHERE id = $1`,
		u.ID, u.Email, u.PasswordHash, u.IsActive, u.MFAEnabled, u.MFASecret,
		pq.Array(u.RecoveryCodes), u.FailedAttempts, u.LastFailedAt, u.PasswordSetAt,
		u.UpdatedAt)
	if err != nil {
		return mapPQError(err, "user")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound("user")
	}
	return nil
}

func (r *pgUsers) Delete(ctx context.Context, id string) error {
	q := r.p.querier(ctx)
	res, err := q.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return mapPQError(err, "user")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound("user")
	}
	return nil
}

func (r *pgUsers) List(ctx context.Context, p Pagination) ([]*User, int, error) {
	p = p.Normalize()
	q := r.p.querier(ctx)

	var total int
	if err := q.QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, mapPQError(err, "user")
	}

	rows, err := q.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at, id LIMIT $1 OFFSET $2`,
		p.Limit, p.Offset)
	if err != nil {
		return nil, 0, mapPQError(err, "user")
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, mapPQError(err, "user")
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, mapPQError(err, "user")
	}
	for _, u := range users {
		if u.RoleIDs, err = r.loadRoles(ctx, u.ID); err != nil {
			return nil, 0, err
		}
	}
	return users, total, nil
}

func (r *pgUsers) SetRoles(ctx context.Context, userID string, roleIDs []string) error {
	return r.p.Do(ctx, func(ctx context.Context) error {
		q := r.p.querier(ctx)
		if _, err := q.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = $1`, userID); err != nil {
			return mapPQError(err, "user role")
		}
		return r.saveRoles(ctx, userID, roleIDs)
	})
}

func (r *pgUsers) CountByRole(ctx context.Context, roleID string) (int, error) {
	q := r.p.querier(ctx)
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT count(*) FROM user_roles WHERE role_id = $1`, roleID).Scan(&n)
	if err != nil {
		return 0, mapPQError(err, "user role")
	}
	return n, nil
}

func (r *pgUsers) saveRoles(ctx context.Context, userID string, roleIDs []string) error {
	q := r.p.querier(ctx)
	for _, roleID := range roleIDs {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			userID, roleID); err != nil {
			return mapPQError(err, "user role")
		}
	}
	return nil
}

func (r *pgUsers) loadRoles(ctx context.Context, userID string) ([]string, error) {
	q := r.p.querier(ctx)
	rows, err := q.QueryContext(ctx,
		`SELECT role_id FROM user_roles WHERE user_id = $1 ORDER BY role_id`, userID)
	if err != nil {
		return nil, mapPQError(err, "user role")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapPQError(err, "user role")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*User, error) {
	u := &User{}
	var lastFailed sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsActive, &u.MFAEnabled,
		&u.MFASecret, pq.Array(&u.RecoveryCodes), &u.FailedAttempts, &lastFailed,
		&u.PasswordSetAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastFailed.Valid {
		t := lastFailed.Time
		u.LastFailedAt = &t
	}
	return u, nil
}
