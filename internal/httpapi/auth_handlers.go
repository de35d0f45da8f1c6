package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"warden.dev/internal/audit"
	"warden.dev/internal/auth"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	pair, user, err := a.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if auth.IsUnauthenticated(err) {
			_ = a.audit.Event(r.Context(), audit.LoginFailed, zap.String("username", req.Username))
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		a.handleError(w, r, err)
		return
	}
	_ = a.audit.Event(r.Context(), audit.LoginSucceeded,
		zap.String("username", user.Username),
		zap.Int64("user_id", user.ID))
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	pair, err := a.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if auth.IsUnauthenticated(err) {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		a.handleError(w, r, err)
		return
	}
	_ = a.audit.Event(r.Context(), audit.TokenRefreshed)
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	if err := a.auth.Logout(r.Context(), id.Claims); err != nil {
		a.handleError(w, r, err)
		return
	}
	_ = a.audit.Event(r.Context(), audit.LoggedOut, zap.Bool("revoked", a.auth.SupportsRevocation()))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, id.User)
}
