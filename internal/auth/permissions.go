package auth

// Requirements guarding the administrative API.
var (
	PermUserCreate = Requirement{Code: "user:create", Type: PermissionOperation}
	PermUserList   = Requirement{Code: "user:list", Type: PermissionOperation}
	PermUserRead   = Requirement{Code: "user:read", Type: PermissionOperation}
	PermUserUpdate = Requirement{Code: "user:update", Type: PermissionOperation}
	PermUserDelete = Requirement{Code: "user:delete", Type: PermissionOperation}

	PermRoleCreate = Requirement{Code: "role:create", Type: PermissionOperation}
	PermRoleList   = Requirement{Code: "role:list", Type: PermissionOperation}
	PermRoleRead   = Requirement{Code: "role:read", Type: PermissionOperation}
	PermRoleUpdate = Requirement{Code: "role:update", Type: PermissionOperation}
	PermRoleDelete = Requirement{Code: "role:delete", Type: PermissionOperation}

	PermPermissionCreate = Requirement{Code: "permission:create", Type: PermissionOperation}
	PermPermissionList   = Requirement{Code: "permission:list", Type: PermissionPage}
	PermPermissionRead   = Requirement{Code: "permission:read", Type: PermissionOperation}
	PermPermissionUpdate = Requirement{Code: "permission:update", Type: PermissionOperation}
	PermPermissionDelete = Requirement{Code: "permission:delete", Type: PermissionOperation}

	PermLogRead = Requirement{Code: "log:read", Type: PermissionOperation}
)

// BuiltinPermissions is the catalog seeded into a fresh database.
var BuiltinPermissions = []NewPermission{
	builtin("Create users", PermUserCreate),
	builtin("List users", PermUserList),
	builtin("Read users", PermUserRead),
	builtin("Update users", PermUserUpdate),
	builtin("Delete users", PermUserDelete),
	builtin("Create roles", PermRoleCreate),
	builtin("List roles", PermRoleList),
	builtin("Read roles", PermRoleRead),
	builtin("Update roles", PermRoleUpdate),
	builtin("Delete roles", PermRoleDelete),
	builtin("Create permissions", PermPermissionCreate),
	builtin("List permissions", PermPermissionList),
	builtin("Read permissions", PermPermissionRead),
	builtin("Update permissions", PermPermissionUpdate),
	builtin("Delete permissions", PermPermissionDelete),
	builtin("Read logs", PermLogRead),
}

func builtin(name string, req Requirement) NewPermission {
	return NewPermission{Name: name, Code: req.Code, Type: req.Type}
}
