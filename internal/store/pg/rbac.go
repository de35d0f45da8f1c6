package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"warden.dev/internal/auth"
)

var _ auth.RBACStore = (*Store)(nil)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const userSelect = `
	select u.id, u.username, u.password_hash, u.is_active, u.is_superuser, u.created_at, u.updated_at,
	       r.id, r.name, r.description, r.created_at, r.updated_at,
	       p.id, p.name, p.code, p.type, p.description, p.created_at, p.updated_at
	from users u
	left join user_roles ur on ur.user_id = u.id
	left join roles r on r.id = ur.role_id
	left join role_permissions rp on rp.role_id = r.id
	left join permissions p on p.id = rp.permission_id`

const roleSelect = `
	select r.id, r.name, r.description, r.created_at, r.updated_at,
	       p.id, p.name, p.code, p.type, p.description, p.created_at, p.updated_at
	from roles r
	left join role_permissions rp on rp.role_id = r.id
	left join permissions p on p.id = rp.permission_id`

const permissionSelect = `
	select id, name, code, type, description, created_at, updated_at
	from permissions`

// mapError translates constraint violations into auth sentinels.
func mapError(err error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return auth.ErrConflict
		case pgErrForeignKeyViolation:
			return auth.ErrNotFound
		case pgErrCheckViolation:
			return fmt.Errorf("%w: %s", auth.ErrInvalidInput, pgErr.ConstraintName)
		case pgErrStringTooLong:
			return fmt.Errorf("%w: value too long", auth.ErrInvalidInput)
		}
	}
	return err
}

// FindUserByUsername loads the user with roles and permissions in one query.
func (s *Store) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	users, err := s.queryUsers(ctx, s.db, `where u.username = $1`, username)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, auth.ErrNotFound
	}
	return &users[0], nil
}

func (s *Store) CreateUser(ctx context.Context, u auth.NewUser) (*auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, `
		insert into users (username, password_hash, is_active, is_superuser)
		values ($1, $2, $3, $4)
		returning id
	`, u.Username, u.PasswordHash, u.IsActive, u.IsSuperuser).Scan(&id)
	if err != nil {
		return nil, mapError(err)
	}
	if err := assignRoles(ctx, tx, id, u.RoleIDs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetUser(ctx, id)
}

func (s *Store) ListUsers(ctx context.Context) ([]auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return s.queryUsers(ctx, s.db, "")
}

func (s *Store) GetUser(ctx context.Context, id int64) (*auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	users, err := s.queryUsers(ctx, s.db, `where u.id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, auth.ErrNotFound
	}
	return &users[0], nil
}

func (s *Store) UpdateUser(ctx context.Context, id int64, upd auth.UserUpdate) (*auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		setClauses = []string{"updated_at = now()"}
		args       []any
		idx        = 1
	)
	add := func(column string, value any) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, idx))
		args = append(args, value)
		idx++
	}
	if upd.Username != nil {
		add("username", *upd.Username)
	}
	if upd.PasswordHash != nil {
		add("password_hash", *upd.PasswordHash)
	}
	if upd.IsActive != nil {
		add("is_active", *upd.IsActive)
	}
	if upd.IsSuperuser != nil {
		add("is_superuser", *upd.IsSuperuser)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`update users set %s where id = $%d`, strings.Join(setClauses, ", "), idx)
	args = append(args, id)
	if err := execOne(ctx, tx, query, args...); err != nil {
		return nil, err
	}
	if upd.RoleIDs != nil {
		if _, err := tx.ExecContext(ctx, `delete from user_roles where user_id = $1`, id); err != nil {
			return nil, err
		}
		if err := assignRoles(ctx, tx, id, upd.RoleIDs); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetUser(ctx, id)
}

func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	if s.db == nil {
		return errNoDB
	}
	return execOne(ctx, s.db, `delete from users where id = $1`, id)
}

func (s *Store) CreateRole(ctx context.Context, r auth.NewRole) (*auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, `
		insert into roles (name, description)
		values ($1, $2)
		returning id
	`, r.Name, r.Description).Scan(&id)
	if err != nil {
		return nil, mapError(err)
	}
	if err := grantPermissions(ctx, tx, id, r.PermissionIDs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetRole(ctx, id)
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return s.queryRoles(ctx, "")
}

func (s *Store) GetRole(ctx context.Context, id int64) (*auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	roles, err := s.queryRoles(ctx, `where r.id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return nil, auth.ErrNotFound
	}
	return &roles[0], nil
}

func (s *Store) UpdateRole(ctx context.Context, id int64, upd auth.RoleUpdate) (*auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		setClauses = []string{"updated_at = now()"}
		args       []any
		idx        = 1
	)
	if upd.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Description != nil {
		setClauses = append(setClauses, fmt.Sprintf("description = $%d", idx))
		args = append(args, *upd.Description)
		idx++
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`update roles set %s where id = $%d`, strings.Join(setClauses, ", "), idx)
	args = append(args, id)
	if err := execOne(ctx, tx, query, args...); err != nil {
		return nil, err
	}
	if upd.PermissionIDs != nil {
		if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, id); err != nil {
			return nil, err
		}
		if err := grantPermissions(ctx, tx, id, upd.PermissionIDs); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetRole(ctx, id)
}

func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	if s.db == nil {
		return errNoDB
	}
	return execOne(ctx, s.db, `delete from roles where id = $1`, id)
}

func (s *Store) CreatePermission(ctx context.Context, p auth.NewPermission) (*auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		insert into permissions (name, code, type, description)
		values ($1, $2, $3, $4)
		returning id, name, code, type, description, created_at, updated_at
	`, p.Name, p.Code, string(p.Type), p.Description)
	perm, err := scanPermission(row)
	if err != nil {
		return nil, mapError(err)
	}
	return perm, nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, permissionSelect+` order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []auth.Permission{}
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *perm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetPermission(ctx context.Context, id int64) (*auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	perm, err := scanPermission(s.db.QueryRowContext(ctx, permissionSelect+` where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return perm, nil
}

func (s *Store) UpdatePermission(ctx context.Context, id int64, upd auth.PermissionUpdate) (*auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		setClauses = []string{"updated_at = now()"}
		args       []any
		idx        = 1
	)
	add := func(column string, value any) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, idx))
		args = append(args, value)
		idx++
	}
	if upd.Name != nil {
		add("name", *upd.Name)
	}
	if upd.Code != nil {
		add("code", *upd.Code)
	}
	if upd.Type != nil {
		add("type", string(*upd.Type))
	}
	if upd.Description != nil {
		add("description", *upd.Description)
	}
	query := fmt.Sprintf(`update permissions set %s where id = $%d
		returning id, name, code, type, description, created_at, updated_at`,
		strings.Join(setClauses, ", "), idx)
	args = append(args, id)

	perm, err := scanPermission(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return perm, nil
}

func (s *Store) DeletePermission(ctx context.Context, id int64) error {
	if s.db == nil {
		return errNoDB
	}
	return execOne(ctx, s.db, `delete from permissions where id = $1`, id)
}

// Unknown role ids are skipped.
func assignRoles(ctx context.Context, q queryer, userID int64, roleIDs []int64) error {
	for _, roleID := range roleIDs {
		if _, err := q.ExecContext(ctx, `
			insert into user_roles (user_id, role_id)
			select $1, id from roles where id = $2
			on conflict do nothing
		`, userID, roleID); err != nil {
			return mapError(err)
		}
	}
	return nil
}

// Unknown permission ids are skipped.
func grantPermissions(ctx context.Context, q queryer, roleID int64, permissionIDs []int64) error {
	for _, permID := range permissionIDs {
		if _, err := q.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			select $1, id from permissions where id = $2
			on conflict do nothing
		`, roleID, permID); err != nil {
			return mapError(err)
		}
	}
	return nil
}

// execOne runs a statement that must touch exactly one row.
func execOne(ctx context.Context, q queryer, query string, args ...any) error {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return mapError(err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPermission(row rowScanner) (*auth.Permission, error) {
	var (
		p   auth.Permission
		typ string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Code, &typ, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Type = auth.PermissionType(typ)
	return &p, nil
}

// nullPermission holds the permission columns of an outer join.
type nullPermission struct {
	id          sql.NullInt64
	name        sql.NullString
	code        sql.NullString
	typ         sql.NullString
	description sql.NullString
	createdAt   sql.NullTime
	updatedAt   sql.NullTime
}

func (n *nullPermission) targets() []any {
	return []any{&n.id, &n.name, &n.code, &n.typ, &n.description, &n.createdAt, &n.updatedAt}
}

func (n *nullPermission) permission() (auth.Permission, bool) {
	if !n.id.Valid {
		return auth.Permission{}, false
	}
	return auth.Permission{
		ID:          n.id.Int64,
		Name:        n.name.String,
		Code:        n.code.String,
		Type:        auth.PermissionType(n.typ.String),
		Description: n.description.String,
		CreatedAt:   n.createdAt.Time,
		UpdatedAt:   n.updatedAt.Time,
	}, true
}

func (s *Store) queryUsers(ctx context.Context, q queryer, where string, args ...any) ([]auth.User, error) {
	rows, err := q.QueryContext(ctx, userSelect+" "+where+` order by u.id, r.id, p.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		users   = []auth.User{}
		userIdx = map[int64]int{}
		roleIdx = map[[2]int64]int{}
	)
	for rows.Next() {
		var (
			u        auth.User
			roleID   sql.NullInt64
			roleName sql.NullString
			roleDesc sql.NullString
			roleCAt  sql.NullTime
			roleUAt  sql.NullTime
			perm     nullPermission
		)
		dest := []any{&u.ID, &u.Username, &u.PasswordHash, &u.IsActive, &u.IsSuperuser, &u.CreatedAt, &u.UpdatedAt,
			&roleID, &roleName, &roleDesc, &roleCAt, &roleUAt}
		if err := rows.Scan(append(dest, perm.targets()...)...); err != nil {
			return nil, err
		}

		ui, ok := userIdx[u.ID]
		if !ok {
			u.Roles = []auth.Role{}
			users = append(users, u)
			ui = len(users) - 1
			userIdx[u.ID] = ui
		}
		if !roleID.Valid {
			continue
		}
		key := [2]int64{u.ID, roleID.Int64}
		ri, ok := roleIdx[key]
		if !ok {
			users[ui].Roles = append(users[ui].Roles, auth.Role{
				ID:          roleID.Int64,
				Name:        roleName.String,
				Description: roleDesc.String,
				Permissions: []auth.Permission{},
				CreatedAt:   roleCAt.Time,
				UpdatedAt:   roleUAt.Time,
			})
			ri = len(users[ui].Roles) - 1
			roleIdx[key] = ri
		}
		if p, ok := perm.permission(); ok {
			users[ui].Roles[ri].Permissions = append(users[ui].Roles[ri].Permissions, p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) queryRoles(ctx context.Context, where string, args ...any) ([]auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, roleSelect+" "+where+` order by r.id, p.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		roles   = []auth.Role{}
		roleIdx = map[int64]int{}
	)
	for rows.Next() {
		var (
			r    auth.Role
			perm nullPermission
		)
		dest := []any{&r.ID, &r.Name, &r.Description, &r.CreatedAt, &r.UpdatedAt}
		if err := rows.Scan(append(dest, perm.targets()...)...); err != nil {
			return nil, err
		}
		ri, ok := roleIdx[r.ID]
		if !ok {
			r.Permissions = []auth.Permission{}
			roles = append(roles, r)
			ri = len(roles) - 1
			roleIdx[r.ID] = ri
		}
		if p, ok := perm.permission(); ok {
			roles[ri].Permissions = append(roles[ri].Permissions, p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}
