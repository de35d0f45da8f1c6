package auth

import (
	"context"
	"time"
)

// CredentialStore resolves users for authentication. The returned user must
// carry its roles and their permissions.
type CredentialStore interface {
	FindUserByUsername(ctx context.Context, username string) (*User, error)
}

// Denylist records revoked token identifiers until they would have expired.
type Denylist interface {
	Revoke(ctx context.Context, jti string, until time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// RBACStore describes the persistence operations behind user, role and
// permission management.
type RBACStore interface {
	CredentialStore

	CreateUser(ctx context.Context, u NewUser) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	UpdateUser(ctx context.Context, id int64, upd UserUpdate) (*User, error)
	DeleteUser(ctx context.Context, id int64) error

	CreateRole(ctx context.Context, r NewRole) (*Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (*Role, error)
	UpdateRole(ctx context.Context, id int64, upd RoleUpdate) (*Role, error)
	DeleteRole(ctx context.Context, id int64) error

	CreatePermission(ctx context.Context, p NewPermission) (*Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	GetPermission(ctx context.Context, id int64) (*Permission, error)
	UpdatePermission(ctx context.Context, id int64, upd PermissionUpdate) (*Permission, error)
	DeletePermission(ctx context.Context, id int64) error
}
