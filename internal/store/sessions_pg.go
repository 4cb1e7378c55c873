package store

import (
	"context"
	"time"
)

type pgSessions struct{ p *Postgres }

func (r *pgSessions) Create(ctx context.Context, s *Session) error {
	q := r.p.querier(ctx)
	s.CreatedAt = time.Now()

	_, err := q.ExecContext(ctx, `
		INSERT INTO active_sessions (id, user_id, refresh_jti, user_agent, ip_address, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.UserID, s.RefreshJTI, s.UserAgent, s.IPAddress, s.CreatedAt, s.ExpiresAt)
	return mapPQError(err, "session")
}

func (r *pgSessions) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	q := r.p.querier(ctx)
	rows, err := q.QueryContext(ctx, `
		SELECT id, user_id, refresh_jti, user_agent, ip_address, created_at, expires_at
		FROM active_sessions WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, mapPQError(err, "session")
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s := &Session{}
		if err := rows.Scan(&s.ID, &s.UserID, &s.RefreshJTI, &s.UserAgent,
			&s.IPAddress, &s.CreatedAt, &s.ExpiresAt); err != nil {
			return nil, mapPQError(err, "session")
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *pgSessions) DeleteByRefreshJTI(ctx context.Context, jti string) error {
	q := r.p.querier(ctx)
	_, err := q.ExecContext(ctx, `DELETE FROM active_sessions WHERE refresh_jti = $1`, jti)
	return mapPQError(err, "session")
}

func (r *pgSessions) DeleteByUser(ctx context.Context, userID string) error {
	q := r.p.querier(ctx)
	_, err := q.ExecContext(ctx, `DELETE FROM active_sessions WHERE user_id = $1`, userID)
	return mapPQError(err, "session")
}

func (r *pgSessions) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	q := r.p.querier(ctx)
	res, err := q.ExecContext(ctx, `DELETE FROM active_sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, mapPQError(err, "session")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
