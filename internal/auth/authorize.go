package auth

// Requirement identifies the permission a protected operation demands.
type Requirement struct {
	Code string
	Type PermissionType
}

// Valid reports whether the requirement names a code and a known type.
func (r Requirement) Valid() bool {
	return r.Code != "" && r.Type.Valid()
}

func (r Requirement) String() string {
	return r.Code + "/" + string(r.Type)
}

// Decision is the outcome of evaluating a requirement.
type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Authorize evaluates req against the user's roles and permissions.
// Superusers are allowed unconditionally; everyone else needs a permission
// matching both code and type on one of their roles.
func Authorize(user *User, req Requirement) Decision {
	if user == nil {
		return Deny
	}
	if user.IsSuperuser {
		return Allow
	}
	if !req.Valid() {
		return Deny
	}
	for _, role := range user.Roles {
		for _, p := range role.Permissions {
			if p.Code == req.Code && p.Type == req.Type {
				return Allow
			}
		}
	}
	return Deny
}
