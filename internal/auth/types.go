package auth

import (
	"fmt"
	"strings"
	"time"
)

// PermissionType classifies what a permission grants access to.
type PermissionType string

const (
	PermissionPage      PermissionType = "page"
	PermissionOperation PermissionType = "operation"
	PermissionData      PermissionType = "data"
)

// PermissionTypes lists every valid permission type.
var PermissionTypes = []PermissionType{PermissionPage, PermissionOperation, PermissionData}

// Valid reports whether t is one of the known permission types.
func (t PermissionType) Valid() bool {
	switch t {
	case PermissionPage, PermissionOperation, PermissionData:
		return true
	}
	return false
}

// ParsePermissionType normalizes raw and validates it. An empty value yields
// PermissionOperation.
func ParsePermissionType(raw string) (PermissionType, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return PermissionOperation, nil
	}
	t := PermissionType(raw)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unsupported permission type %q", ErrInvalidInput, raw)
	}
	return t, nil
}

// Permission is a fine-grained capability identified by (Code, Type).
type Permission struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Code        string         `json:"code"`
	Type        PermissionType `json:"type"`
	Description string         `json:"description,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Role groups permissions.
type Role struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// User is an account that can authenticate. Roles are loaded together with
// their permissions whenever a user is resolved for authorization.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	IsSuperuser  bool      `json:"is_superuser"`
	Roles        []Role    `json:"roles"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewUser carries the fields needed to create a user. PasswordHash must
// already be hashed.
type NewUser struct {
	Username     string
	PasswordHash string
	IsActive     bool
	IsSuperuser  bool
	RoleIDs      []int64
}

// UserUpdate lists optional user changes. A nil RoleIDs leaves assignments
// untouched; an empty non-nil slice clears them.
type UserUpdate struct {
	Username     *string
	PasswordHash *string
	IsActive     *bool
	IsSuperuser  *bool
	RoleIDs      []int64
}

// NewRole carries the fields needed to create a role.
type NewRole struct {
	Name          string
	Description   string
	PermissionIDs []int64
}

// RoleUpdate lists optional role changes. PermissionIDs follows the same nil
// semantics as UserUpdate.RoleIDs.
type RoleUpdate struct {
	Name          *string
	Description   *string
	PermissionIDs []int64
}

// NewPermission carries the fields needed to create a permission.
type NewPermission struct {
	Name        string
	Code        string
	Type        PermissionType
	Description string
}

// PermissionUpdate lists optional permission changes.
type PermissionUpdate struct {
	Name        *string
	Code        *string
	Type        *PermissionType
	Description *string
}
