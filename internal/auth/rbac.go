package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
)

// Limits follow the column widths in the rbac migration.
const (
	maxUsernameLength       = 150
	maxRoleNameLength       = 100
	maxPermissionNameLength = 100
	maxPermissionCodeLength = 100
	minPasswordLength       = 6
)

// passwordRules bounds passwords in runes below and in bytes above, since
// bcrypt only accepts MaxPasswordBytes.
func passwordRules() []validation.Rule {
	return []validation.Rule{
		validation.Length(minPasswordLength, 0),
		validation.By(func(value interface{}) error {
			var p string
			switch v := value.(type) {
			case string:
				p = v
			case *string:
				if v != nil {
					p = *v
				}
			}
			if len(p) > MaxPasswordBytes {
				return fmt.Errorf("must be at most %d bytes", MaxPasswordBytes)
			}
			return nil
		}),
	}
}

// CreateUserInput is the payload for creating a user.
type CreateUserInput struct {
	Username    string  `json:"username"`
	Password    string  `json:"password"`
	IsActive    *bool   `json:"is_active"`
	IsSuperuser bool    `json:"is_superuser"`
	RoleIDs     []int64 `json:"role_ids"`
}

// Validate checks the payload shape.
func (in CreateUserInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Username, validation.Required, validation.Length(1, maxUsernameLength)),
		validation.Field(&in.Password, append([]validation.Rule{validation.Required}, passwordRules()...)...),
	)
}

// UpdateUserInput is the payload for updating a user. Omitted fields are kept.
type UpdateUserInput struct {
	Username    *string  `json:"username"`
	Password    *string  `json:"password"`
	IsActive    *bool    `json:"is_active"`
	IsSuperuser *bool    `json:"is_superuser"`
	RoleIDs     *[]int64 `json:"role_ids"`
}

// Validate checks the payload shape.
func (in UpdateUserInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Username, validation.NilOrNotEmpty, validation.Length(1, maxUsernameLength)),
		validation.Field(&in.Password, append([]validation.Rule{validation.NilOrNotEmpty}, passwordRules()...)...),
	)
}

// CreateRoleInput is the payload for creating a role.
type CreateRoleInput struct {
	Name          string  `json:"name"`
	Description   string  `json:"description"`
	PermissionIDs []int64 `json:"permission_ids"`
}

// Validate checks the payload shape.
func (in CreateRoleInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Name, validation.Required, validation.Length(1, maxRoleNameLength)),
	)
}

// UpdateRoleInput is the payload for updating a role.
type UpdateRoleInput struct {
	Name          *string  `json:"name"`
	Description   *string  `json:"description"`
	PermissionIDs *[]int64 `json:"permission_ids"`
}

// Validate checks the payload shape.
func (in UpdateRoleInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Name, validation.NilOrNotEmpty, validation.Length(1, maxRoleNameLength)),
	)
}

// CreatePermissionInput is the payload for creating a permission.
type CreatePermissionInput struct {
	Name        string `json:"name"`
	Code        string `json:"code"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Validate checks the payload shape.
func (in CreatePermissionInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Name, validation.Required, validation.Length(1, maxPermissionNameLength)),
		validation.Field(&in.Code, validation.Required, validation.Length(1, maxPermissionCodeLength)),
		validation.Field(&in.Type, validation.In(permissionTypeValues()...)),
	)
}

// UpdatePermissionInput is the payload for updating a permission.
type UpdatePermissionInput struct {
	Name        *string `json:"name"`
	Code        *string `json:"code"`
	Type        *string `json:"type"`
	Description *string `json:"description"`
}

// Validate checks the payload shape.
func (in UpdatePermissionInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Name, validation.NilOrNotEmpty, validation.Length(1, maxPermissionNameLength)),
		validation.Field(&in.Code, validation.NilOrNotEmpty, validation.Length(1, maxPermissionCodeLength)),
		validation.Field(&in.Type, validation.NilOrNotEmpty, validation.In(permissionTypeValues()...)),
	)
}

func permissionTypeValues() []interface{} {
	out := make([]interface{}, 0, len(PermissionTypes))
	for _, t := range PermissionTypes {
		out = append(out, string(t))
	}
	return out
}

// RBACService validates management requests before they reach the store.
type RBACService struct {
	store RBACStore
}

func NewRBACService(store RBACStore) (*RBACService, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	return &RBACService{store: store}, nil
}

func (s *RBACService) CreateUser(ctx context.Context, in CreateUserInput) (*User, error) {
	in.Username = strings.TrimSpace(in.Username)
	if err := invalid(in.Validate()); err != nil {
		return nil, err
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	return s.store.CreateUser(ctx, NewUser{
		Username:     in.Username,
		PasswordHash: hash,
		IsActive:     active,
		IsSuperuser:  in.IsSuperuser,
		RoleIDs:      dedupeIDs(in.RoleIDs),
	})
}

func (s *RBACService) ListUsers(ctx context.Context) ([]User, error) {
	return s.store.ListUsers(ctx)
}

func (s *RBACService) GetUser(ctx context.Context, id int64) (*User, error) {
	if err := requireID(id, "user_id"); err != nil {
		return nil, err
	}
	return s.store.GetUser(ctx, id)
}

func (s *RBACService) UpdateUser(ctx context.Context, id int64, in UpdateUserInput) (*User, error) {
	if err := requireID(id, "user_id"); err != nil {
		return nil, err
	}
	in.Username = trimPtr(in.Username)
	if err := invalid(in.Validate()); err != nil {
		return nil, err
	}
	upd := UserUpdate{
		Username:    in.Username,
		IsActive:    in.IsActive,
		IsSuperuser: in.IsSuperuser,
	}
	if in.Password != nil {
		hash, err := HashPassword(*in.Password)
		if err != nil {
			return nil, err
		}
		upd.PasswordHash = &hash
	}
	if in.RoleIDs != nil {
		upd.RoleIDs = nonNilIDs(dedupeIDs(*in.RoleIDs))
	}
	return s.store.UpdateUser(ctx, id, upd)
}

func (s *RBACService) DeleteUser(ctx context.Context, id int64) error {
	if err := requireID(id, "user_id"); err != nil {
		return err
	}
	return s.store.DeleteUser(ctx, id)
}

func (s *RBACService) CreateRole(ctx context.Context, in CreateRoleInput) (*Role, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	if err := invalid(in.Validate()); err != nil {
		return nil, err
	}
	return s.store.CreateRole(ctx, NewRole{
		Name:          in.Name,
		Description:   in.Description,
		PermissionIDs: dedupeIDs(in.PermissionIDs),
	})
}

func (s *RBACService) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

func (s *RBACService) GetRole(ctx context.Context, id int64) (*Role, error) {
	if err := requireID(id, "role_id"); err != nil {
		return nil, err
	}
	return s.store.GetRole(ctx, id)
}

func (s *RBACService) UpdateRole(ctx context.Context, id int64, in UpdateRoleInput) (*Role, error) {
	if err := requireID(id, "role_id"); err != nil {
		return nil, err
	}
	in.Name = trimPtr(in.Name)
	in.Description = trimPtr(in.Description)
	if err := invalid(in.Validate()); err != nil {
		return nil, err
	}
	upd := RoleUpdate{Name: in.Name, Description: in.Description}
	if in.PermissionIDs != nil {
		upd.PermissionIDs = nonNilIDs(dedupeIDs(*in.PermissionIDs))
	}
	return s.store.UpdateRole(ctx, id, upd)
}

func (s *RBACService) DeleteRole(ctx context.Context, id int64) error {
	if err := requireID(id, "role_id"); err != nil {
		return err
	}
	return s.store.DeleteRole(ctx, id)
}

func (s *RBACService) CreatePermission(ctx context.Context, in CreatePermissionInput) (*Permission, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Code = strings.TrimSpace(in.Code)
	in.Type = strings.TrimSpace(strings.ToLower(in.Type))
	in.Description = strings.TrimSpace(in.Description)
	if err := invalid(in.Validate()); err != nil {
		return nil, err
	}
	typ, err := ParsePermissionType(in.Type)
	if err != nil {
		return nil, err
	}
	return s.store.CreatePermission(ctx, NewPermission{
		Name:        in.Name,
		Code:        in.Code,
		Type:        typ,
		Description: in.Description,
	})
}

func (s *RBACService) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

func (s *RBACService) GetPermission(ctx context.Context, id int64) (*Permission, error) {
	if err := requireID(id, "permission_id"); err != nil {
		return nil, err
	}
	return s.store.GetPermission(ctx, id)
}

func (s *RBACService) UpdatePermission(ctx context.Context, id int64, in UpdatePermissionInput) (*Permission, error) {
	if err := requireID(id, "permission_id"); err != nil {
		return nil, err
	}
	in.Name = trimPtr(in.Name)
	in.Code = trimPtr(in.Code)
	in.Description = trimPtr(in.Description)
	if in.Type != nil {
		lowered := strings.ToLower(strings.TrimSpace(*in.Type))
		in.Type = &lowered
	}
	if err := invalid(in.Validate()); err != nil {
		return nil, err
	}
	upd := PermissionUpdate{Name: in.Name, Code: in.Code, Description: in.Description}
	if in.Type != nil {
		typ, err := ParsePermissionType(*in.Type)
		if err != nil {
			return nil, err
		}
		upd.Type = &typ
	}
	return s.store.UpdatePermission(ctx, id, upd)
}

func (s *RBACService) DeletePermission(ctx context.Context, id int64) error {
	if err := requireID(id, "permission_id"); err != nil {
		return err
	}
	return s.store.DeletePermission(ctx, id)
}

// invalid wraps validation failures so callers can match ErrInvalidInput.
func invalid(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidInput, err.Error())
}

func requireID(id int64, field string) error {
	if id <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidInput, field)
	}
	return nil
}

func trimPtr(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	return &trimmed
}

func dedupeIDs(values []int64) []int64 {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(values))
	result := make([]int64, 0, len(values))
	for _, v := range values {
		if v <= 0 {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

// EnsureSuperuser creates an active superuser named username unless a user
// with that name already exists. It reports whether a user was created.
func (s *RBACService) EnsureSuperuser(ctx context.Context, username, password string) (bool, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return false, nil
	}
	_, err := s.store.FindUserByUsername(ctx, username)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	_, err = s.CreateUser(ctx, CreateUserInput{Username: username, Password: password, IsSuperuser: true})
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
