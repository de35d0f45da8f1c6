package httpapi

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"warden.dev/internal/auth"
	"warden.dev/internal/logpipe"
)

// memStore is an in-memory auth.RBACStore. Users are returned with their
// roles and permissions resolved, the way the SQL store loads them.
type memStore struct {
	mu     sync.Mutex
	nextID int64

	users       map[int64]*auth.User
	userRoles   map[int64][]int64
	roles       map[int64]*auth.Role
	rolePerms   map[int64][]int64
	permissions map[int64]*auth.Permission

	findErr error
	listErr error
}

func newMemStore() *memStore {
	return &memStore{
		users:       map[int64]*auth.User{},
		userRoles:   map[int64][]int64{},
		roles:       map[int64]*auth.Role{},
		rolePerms:   map[int64][]int64{},
		permissions: map[int64]*auth.Permission{},
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) resolveRole(id int64) auth.Role {
	r := *s.roles[id]
	r.Permissions = []auth.Permission{}
	for _, pid := range s.rolePerms[id] {
		if p, ok := s.permissions[pid]; ok {
			r.Permissions = append(r.Permissions, *p)
		}
	}
	return r
}

func (s *memStore) resolveUser(id int64) *auth.User {
	u := *s.users[id]
	u.Roles = []auth.Role{}
	for _, rid := range s.userRoles[id] {
		if _, ok := s.roles[rid]; ok {
			u.Roles = append(u.Roles, s.resolveRole(rid))
		}
	}
	return &u
}

func (s *memStore) FindUserByUsername(_ context.Context, username string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	for id, u := range s.users {
		if u.Username == username {
			return s.resolveUser(id), nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s *memStore) CreateUser(_ context.Context, nu auth.NewUser) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == nu.Username {
			return nil, auth.ErrConflict
		}
	}
	now := time.Now().UTC()
	id := s.id()
	s.users[id] = &auth.User{
		ID:           id,
		Username:     nu.Username,
		PasswordHash: nu.PasswordHash,
		IsActive:     nu.IsActive,
		IsSuperuser:  nu.IsSuperuser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.userRoles[id] = append([]int64(nil), nu.RoleIDs...)
	return s.resolveUser(id), nil
}

func (s *memStore) ListUsers(context.Context) ([]auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := []auth.User{}
	for _, id := range sortedKeys(s.users) {
		out = append(out, *s.resolveUser(id))
	}
	return out, nil
}

func (s *memStore) GetUser(_ context.Context, id int64) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return nil, auth.ErrNotFound
	}
	return s.resolveUser(id), nil
}

func (s *memStore) UpdateUser(_ context.Context, id int64, upd auth.UserUpdate) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if upd.Username != nil {
		u.Username = *upd.Username
	}
	if upd.PasswordHash != nil {
		u.PasswordHash = *upd.PasswordHash
	}
	if upd.IsActive != nil {
		u.IsActive = *upd.IsActive
	}
	if upd.IsSuperuser != nil {
		u.IsSuperuser = *upd.IsSuperuser
	}
	if upd.RoleIDs != nil {
		s.userRoles[id] = append([]int64(nil), upd.RoleIDs...)
	}
	return s.resolveUser(id), nil
}

func (s *memStore) DeleteUser(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return auth.ErrNotFound
	}
	delete(s.users, id)
	delete(s.userRoles, id)
	return nil
}

func (s *memStore) CreateRole(_ context.Context, nr auth.NewRole) (*auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.roles {
		if r.Name == nr.Name {
			return nil, auth.ErrConflict
		}
	}
	id := s.id()
	s.roles[id] = &auth.Role{ID: id, Name: nr.Name, Description: nr.Description}
	s.rolePerms[id] = append([]int64(nil), nr.PermissionIDs...)
	r := s.resolveRole(id)
	return &r, nil
}

func (s *memStore) ListRoles(context.Context) ([]auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []auth.Role{}
	for _, id := range sortedKeys(s.roles) {
		out = append(out, s.resolveRole(id))
	}
	return out, nil
}

func (s *memStore) GetRole(_ context.Context, id int64) (*auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return nil, auth.ErrNotFound
	}
	r := s.resolveRole(id)
	return &r, nil
}

func (s *memStore) UpdateRole(_ context.Context, id int64, upd auth.RoleUpdate) (*auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if upd.Name != nil {
		r.Name = *upd.Name
	}
	if upd.Description != nil {
		r.Description = *upd.Description
	}
	if upd.PermissionIDs != nil {
		s.rolePerms[id] = append([]int64(nil), upd.PermissionIDs...)
	}
	out := s.resolveRole(id)
	return &out, nil
}

func (s *memStore) DeleteRole(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return auth.ErrNotFound
	}
	delete(s.roles, id)
	delete(s.rolePerms, id)
	return nil
}

func (s *memStore) CreatePermission(_ context.Context, np auth.NewPermission) (*auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.permissions {
		if p.Code == np.Code && p.Type == np.Type {
			return nil, auth.ErrConflict
		}
	}
	id := s.id()
	p := &auth.Permission{ID: id, Name: np.Name, Code: np.Code, Type: np.Type, Description: np.Description}
	s.permissions[id] = p
	out := *p
	return &out, nil
}

func (s *memStore) ListPermissions(context.Context) ([]auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []auth.Permission{}
	for _, id := range sortedKeys(s.permissions) {
		out = append(out, *s.permissions[id])
	}
	return out, nil
}

func (s *memStore) GetPermission(_ context.Context, id int64) (*auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permissions[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	out := *p
	return &out, nil
}

func (s *memStore) UpdatePermission(_ context.Context, id int64, upd auth.PermissionUpdate) (*auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permissions[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if upd.Name != nil {
		p.Name = *upd.Name
	}
	if upd.Code != nil {
		p.Code = *upd.Code
	}
	if upd.Type != nil {
		p.Type = *upd.Type
	}
	if upd.Description != nil {
		p.Description = *upd.Description
	}
	out := *p
	return &out, nil
}

func (s *memStore) DeletePermission(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.permissions[id]; !ok {
		return auth.ErrNotFound
	}
	delete(s.permissions, id)
	return nil
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// memDenylist keeps revoked ids in memory.
type memDenylist struct {
	mu      sync.Mutex
	revoked map[string]time.Time
	err     error
}

func (d *memDenylist) Revoke(_ context.Context, jti string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	if d.revoked == nil {
		d.revoked = map[string]time.Time{}
	}
	d.revoked[jti] = until
	return nil
}

func (d *memDenylist) IsRevoked(_ context.Context, jti string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	_, ok := d.revoked[jti]
	return ok, nil
}

type stubLogReader struct {
	mu    sync.Mutex
	last  logpipe.Query
	page  logpipe.Page
	err   error
	calls int
}

func (s *stubLogReader) ListLogs(_ context.Context, q logpipe.Query) (logpipe.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.last = q
	if s.err != nil {
		return logpipe.Page{}, s.err
	}
	return s.page, nil
}

func (s *stubLogReader) setPage(p logpipe.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.page = p
}

func (s *stubLogReader) snapshot() (logpipe.Query, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.calls
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

var errStoreDown = errors.New("connection refused")
