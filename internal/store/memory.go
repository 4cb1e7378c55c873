package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/authforge/auth-service/internal/errdefs"
)

// Memory is an in-memory Store for tests. Do snapshots all tables and
// restores them when fn fails, giving the same all-or-nothing visibility as
// the SQL implementation; nested Do calls join the outer scope.
type Memory struct {
	mu          sync.Mutex
	users       map[string]*User
	roles       map[string]*Role
	permissions map[string]*Permission
	sessions    map[string]*Session
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:       make(map[string]*User),
		roles:       make(map[string]*Role),
		permissions: make(map[string]*Permission),
		sessions:    make(map[string]*Session),
	}
}

func (m *Memory) Users() UserRepository             { return (*memUsers)(m) }
func (m *Memory) Roles() RoleRepository             { return (*memRoles)(m) }
func (m *Memory) Permissions() PermissionRepository { return (*memPermissions)(m) }
func (m *Memory) Sessions() SessionRepository       { return (*memSessions)(m) }

type memTxKey struct{}

func (m *Memory) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}

	m.mu.Lock()
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.mu.Lock()
		m.users = snapshot.users
		m.roles = snapshot.roles
		m.permissions = snapshot.permissions
		m.sessions = snapshot.sessions
		m.mu.Unlock()
		return err
	}
	return nil
}

type memSnapshot struct {
	users       map[string]*User
	roles       map[string]*Role
	permissions map[string]*Permission
	sessions    map[string]*Session
}

func (m *Memory) snapshotLocked() memSnapshot {
	s := memSnapshot{
		users:       make(map[string]*User, len(m.users)),
		roles:       make(map[string]*Role, len(m.roles)),
		permissions: make(map[string]*Permission, len(m.permissions)),
		sessions:    make(map[string]*Session, len(m.sessions)),
	}
	for k, v := range m.users {
		s.users[k] = copyUser(v)
	}
	for k, v := range m.roles {
		s.roles[k] = copyRole(v)
	}
	for k, v := range m.permissions {
		c := *v
		s.permissions[k] = &c
	}
	for k, v := range m.sessions {
		c := *v
		s.sessions[k] = &c
	}
	return s
}

func copyUser(u *User) *User {
	c := *u
	c.RecoveryCodes = append([]string(nil), u.RecoveryCodes...)
	c.RoleIDs = append([]string(nil), u.RoleIDs...)
	if u.LastFailedAt != nil {
		t := *u.LastFailedAt
		c.LastFailedAt = &t
	}
	return &c
}

func copyRole(r *Role) *Role {
	c := *r
	c.PermissionIDs = append([]string(nil), r.PermissionIDs...)
	if r.ParentID != nil {
		p := *r.ParentID
		c.ParentID = &p
	}
	return &c
}

// --- users ---

type memUsers Memory

func (m *memUsers) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return errdefs.Duplicate("user")
		}
	}
	now := time.Now()
	u.CreatedAt = now
	u.UpdatedAt = now
	if u.PasswordSetAt.IsZero() {
		u.PasswordSetAt = now
	}
	m.users[u.ID] = copyUser(u)
	return nil
}

func (m *memUsers) GetByID(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, errdefs.NotFound("user")
	}
	return copyUser(u), nil
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return copyUser(u), nil
		}
	}
	return nil, errdefs.NotFound("user")
}

func (m *memUsers) Update(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.users[u.ID]
	if !ok {
		return errdefs.NotFound("user")
	}
	u.UpdatedAt = time.Now()
	c := copyUser(u)
	c.RoleIDs = append([]string(nil), existing.RoleIDs...)
	m.users[u.ID] = c
	return nil
}

func (m *memUsers) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return errdefs.NotFound("user")
	}
	delete(m.users, id)
	return nil
}

func (m *memUsers) List(_ context.Context, p Pagination) ([]*User, int, error) {
	p = p.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		all = append(all, copyUser(u))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return paginate(all, p), len(all), nil
}

func (m *memUsers) SetRoles(_ context.Context, userID string, roleIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return errdefs.NotFound("user")
	}
	u.RoleIDs = append([]string(nil), roleIDs...)
	return nil
}

func (m *memUsers) CountByRole(_ context.Context, roleID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, u := range m.users {
		for _, id := range u.RoleIDs {
			if id == roleID {
				n++
			}
		}
	}
	return n, nil
}

// --- roles ---

type memRoles Memory

func (m *memRoles) Create(_ context.Context, r *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.roles {
		if existing.Name == r.Name {
			return errdefs.Duplicate("role")
		}
	}
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	m.roles[r.ID] = copyRole(r)
	return nil
}

func (m *memRoles) GetByID(_ context.Context, id string) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return nil, errdefs.NotFound("role")
	}
	return copyRole(r), nil
}

func (m *memRoles) GetByName(_ context.Context, name string) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.Name == name {
			return copyRole(r), nil
		}
	}
	return nil, errdefs.NotFound("role")
}

func (m *memRoles) Update(_ context.Context, r *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.roles[r.ID]
	if !ok {
		return errdefs.NotFound("role")
	}
	r.UpdatedAt = time.Now()
	c := copyRole(r)
	c.PermissionIDs = append([]string(nil), existing.PermissionIDs...)
	m.roles[r.ID] = c
	return nil
}

func (m *memRoles) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[id]; !ok {
		return errdefs.NotFound("role")
	}
	delete(m.roles, id)
	return nil
}

func (m *memRoles) List(_ context.Context, p Pagination) ([]*Role, int, error) {
	p = p.Normalize()
	all, _ := m.All(context.Background())
	return paginate(all, p), len(all), nil
}

func (m *memRoles) All(_ context.Context) ([]*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*Role, 0, len(m.roles))
	for _, r := range m.roles {
		all = append(all, copyRole(r))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}

func (m *memRoles) Children(_ context.Context, id string) ([]*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var children []*Role
	for _, r := range m.roles {
		if r.ParentID != nil && *r.ParentID == id {
			children = append(children, copyRole(r))
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
	return children, nil
}

func (m *memRoles) AttachPermission(_ context.Context, roleID, permissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[roleID]
	if !ok {
		return errdefs.NotFound("role")
	}
	for _, id := range r.PermissionIDs {
		if id == permissionID {
			return nil
		}
	}
	r.PermissionIDs = append(r.PermissionIDs, permissionID)
	return nil
}

func (m *memRoles) DetachPermission(_ context.Context, roleID, permissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[roleID]
	if !ok {
		return errdefs.NotFound("role")
	}
	for i, id := range r.PermissionIDs {
		if id == permissionID {
			r.PermissionIDs = append(r.PermissionIDs[:i], r.PermissionIDs[i+1:]...)
			return nil
		}
	}
	return errdefs.NotFound("role permission")
}

// --- permissions ---

type memPermissions Memory

func (m *memPermissions) Create(_ context.Context, p *Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.permissions {
		if existing.Name == p.Name {
			return errdefs.Duplicate("permission")
		}
	}
	p.CreatedAt = time.Now()
	c := *p
	m.permissions[p.ID] = &c
	return nil
}

func (m *memPermissions) GetByID(_ context.Context, id string) (*Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.permissions[id]
	if !ok {
		return nil, errdefs.NotFound("permission")
	}
	c := *p
	return &c, nil
}

func (m *memPermissions) GetByName(_ context.Context, name string) (*Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.permissions {
		if p.Name == name {
			c := *p
			return &c, nil
		}
	}
	return nil, errdefs.NotFound("permission")
}

func (m *memPermissions) GetByIDs(_ context.Context, ids []string) ([]*Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Permission
	for _, id := range ids {
		if p, ok := m.permissions[id]; ok {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memPermissions) Update(_ context.Context, p *Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.permissions[p.ID]
	if !ok {
		return errdefs.NotFound("permission")
	}
	existing.Description = p.Description
	return nil
}

func (m *memPermissions) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.permissions[id]; !ok {
		return errdefs.NotFound("permission")
	}
	delete(m.permissions, id)
	for _, r := range m.roles {
		for i, pid := range r.PermissionIDs {
			if pid == id {
				r.PermissionIDs = append(r.PermissionIDs[:i], r.PermissionIDs[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (m *memPermissions) List(_ context.Context, p Pagination) ([]*Permission, int, error) {
	p = p.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*Permission, 0, len(m.permissions))
	for _, perm := range m.permissions {
		c := *perm
		all = append(all, &c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return paginate(all, p), len(all), nil
}

// --- sessions ---

type memSessions Memory

func (m *memSessions) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.CreatedAt = time.Now()
	c := *s
	m.sessions[s.ID] = &c
	return nil
}

func (m *memSessions) ListByUser(_ context.Context, userID string) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			c := *s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memSessions) DeleteByRefreshJTI(_ context.Context, jti string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.RefreshJTI == jti {
			delete(m.sessions, id)
		}
	}
	return nil
}

func (m *memSessions) DeleteByUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.UserID == userID {
			delete(m.sessions, id)
		}
	}
	return nil
}

func (m *memSessions) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func paginate[T any](all []T, p Pagination) []T {
	if p.Offset >= len(all) {
		return nil
	}
	end := p.Offset + p.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[p.Offset:end]
}
