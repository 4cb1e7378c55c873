// Package store defines the persistence model and repository contracts.
//
// Repositories accept a context that may carry an open transaction (see
// UnitOfWork); implementations route queries through it when present so a
// coordinator can group writes atomically without repositories knowing.
package store

import (
	"context"
	"time"
)

// User is a registered principal.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	IsActive     bool

	MFAEnabled bool
	// MFASecret is the base32 TOTP secret; empty until MFA setup completes.
	MFASecret string
	// RecoveryCodes holds SHA-256 hex digests of unused recovery codes.
	RecoveryCodes []string

	// FailedAttempts and LastFailedAt drive the login lockout window.
	FailedAttempts int
	LastFailedAt   *time.Time

	PasswordSetAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// RoleIDs is loaded eagerly with the user.
	RoleIDs []string
}

// Role is a named permission grant, optionally inheriting from a parent.
type Role struct {
	ID          string
	Name        string
	Description string
	// ParentID links to the role this one inherits permissions from.
	ParentID *string
	// IsSystem protects seeded roles from deletion.
	IsSystem bool

	CreatedAt time.Time
	UpdatedAt time.Time

	// PermissionIDs is loaded eagerly with the role.
	PermissionIDs []string
}

// Permission is a scope:action capability.
type Permission struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}

// Session records an issued refresh credential for a user.
type Session struct {
	ID         string
	UserID     string
	RefreshJTI string
	UserAgent  string
	IPAddress  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Pagination bounds list queries.
type Pagination struct {
	Offset int
	Limit  int
}

// Normalize clamps pagination to sane bounds.
func (p Pagination) Normalize() Pagination {
	if p.Limit <= 0 || p.Limit > 100 {
		p.Limit = 20
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// UserRepository persists users and their role assignments.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, p Pagination) ([]*User, int, error)
	SetRoles(ctx context.Context, userID string, roleIDs []string) error
	// CountByRole reports how many users hold the role; guards role deletion.
	CountByRole(ctx context.Context, roleID string) (int, error)
}

// RoleRepository persists roles and their permission attachments.
type RoleRepository interface {
	Create(ctx context.Context, r *Role) error
	GetByID(ctx context.Context, id string) (*Role, error)
	GetByName(ctx context.Context, name string) (*Role, error)
	Update(ctx context.Context, r *Role) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, p Pagination) ([]*Role, int, error)
	// All returns every role; the permission cache walks the full hierarchy.
	All(ctx context.Context) ([]*Role, error)
	// Children returns roles whose ParentID is the given role.
	Children(ctx context.Context, id string) ([]*Role, error)
	AttachPermission(ctx context.Context, roleID, permissionID string) error
	DetachPermission(ctx context.Context, roleID, permissionID string) error
}

// PermissionRepository persists the permission catalog.
type PermissionRepository interface {
	Create(ctx context.Context, p *Permission) error
	GetByID(ctx context.Context, id string) (*Permission, error)
	GetByName(ctx context.Context, name string) (*Permission, error)
	GetByIDs(ctx context.Context, ids []string) ([]*Permission, error)
	Update(ctx context.Context, p *Permission) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, p Pagination) ([]*Permission, int, error)
}

// SessionRepository persists refresh sessions.
type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	ListByUser(ctx context.Context, userID string) ([]*Session, error)
	DeleteByRefreshJTI(ctx context.Context, jti string) error
	DeleteByUser(ctx context.Context, userID string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Store aggregates the repositories and transactional scope.
type Store interface {
	Users() UserRepository
	Roles() RoleRepository
	Permissions() PermissionRepository
	Sessions() SessionRepository
	// Do runs fn inside a transaction. Nested calls join the outer
	// transaction; only the outermost commit makes any write visible.
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}
