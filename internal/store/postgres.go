package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/authforge/auth-service/internal/errdefs"
)

// Postgres is the production Store implementation.
type Postgres struct {
	db     *sql.DB
	logger *zap.Logger

	users       *pgUsers
	roles       *pgRoles
	permissions *pgPermissions
	sessions    *pgSessions
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Postgres{db: db, logger: logger}
	p.users = &pgUsers{p}
	p.roles = &pgRoles{p}
	p.permissions = &pgPermissions{p}
	p.sessions = &pgSessions{p}
	return p
}

func (p *Postgres) Users() UserRepository             { return p.users }
func (p *Postgres) Roles() RoleRepository             { return p.roles }
func (p *Postgres) Permissions() PermissionRepository { return p.permissions }
func (p *Postgres) Sessions() SessionRepository       { return p.sessions }

type txKey struct{}

// Do begins a transaction, stores it in the context, and runs fn. If the
// context already carries a transaction the call joins it: fn runs in the
// same scope and commit/rollback stays with the outermost Do.
func (p *Postgres) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errdefs.Unavailable("database").WithCause(err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			p.logger.Error("Transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errdefs.Unavailable("database").WithCause(err)
	}
	return nil
}

// querier routes through the context transaction when one is open.
func (p *Postgres) querier(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return p.db
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// mapPQError translates driver errors into the service taxonomy.
func mapPQError(err error, kind string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errdefs.NotFound(kind)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return errdefs.Duplicate(kind)
		case "23503": // foreign_key_violation
			return errdefs.Validation(fmt.Sprintf("%s references a missing or in-use entity", kind)).WithCause(err)
		}
	}
	return errdefs.Internal(err)
}
