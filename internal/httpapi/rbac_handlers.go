package httpapi

import (
	"fmt"
	"net/http"

	"warden.dev/internal/auth"
)

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var in auth.CreateUserInput
	if !decodeBody(w, r, &in) {
		return
	}
	user, err := a.rbac.CreateUser(r.Context(), in)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/users/%d", user.ID))
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.rbac.ListUsers(r.Context())
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	user, err := a.rbac.GetUser(r.Context(), id)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	var in auth.UpdateUserInput
	if !decodeBody(w, r, &in) {
		return
	}
	user, err := a.rbac.UpdateUser(r.Context(), id, in)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if err := a.rbac.DeleteUser(r.Context(), id); err != nil {
		a.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var in auth.CreateRoleInput
	if !decodeBody(w, r, &in) {
		return
	}
	role, err := a.rbac.CreateRole(r.Context(), in)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/roles/%d", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.rbac.ListRoles(r.Context())
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	role, err := a.rbac.GetRole(r.Context(), id)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	var in auth.UpdateRoleInput
	if !decodeBody(w, r, &in) {
		return
	}
	role, err := a.rbac.UpdateRole(r.Context(), id, in)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if err := a.rbac.DeleteRole(r.Context(), id); err != nil {
		a.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	var in auth.CreatePermissionInput
	if !decodeBody(w, r, &in) {
		return
	}
	perm, err := a.rbac.CreatePermission(r.Context(), in)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/permissions/%d", perm.ID))
	writeJSON(w, http.StatusCreated, perm)
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.rbac.ListPermissions(r.Context())
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perms)
}

func (a *API) handleGetPermission(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	perm, err := a.rbac.GetPermission(r.Context(), id)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perm)
}

func (a *API) handleUpdatePermission(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	var in auth.UpdatePermissionInput
	if !decodeBody(w, r, &in) {
		return
	}
	perm, err := a.rbac.UpdatePermission(r.Context(), id, in)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perm)
}

func (a *API) handleDeletePermission(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if err := a.rbac.DeletePermission(r.Context(), id); err != nil {
		a.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
