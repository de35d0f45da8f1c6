package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"warden.dev/internal/audit"
	"warden.dev/internal/auth"
	"warden.dev/internal/logpipe"
	"warden.dev/internal/obs"
	"warden.dev/internal/stream"
)

const serviceName = "warden"

// Pinger is a dependency that can report its health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks every named dependency.
type ReadyProbe map[string]Pinger

func (rp ReadyProbe) Check(ctx context.Context) map[string]error {
	failed := map[string]error{}
	for name, p := range rp {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			failed[name] = err
		}
	}
	return failed
}

// LogReader lists persisted log records.
type LogReader interface {
	ListLogs(ctx context.Context, q logpipe.Query) (logpipe.Page, error)
}

// Deps are the services behind the HTTP API.
type Deps struct {
	Auth   *auth.Service
	RBAC   *auth.RBACService
	Logs   LogReader
	Tail   *stream.Hub
	Ready  ReadyProbe
	Logger *zap.Logger
	Audit  *audit.Logger
}

// Options tune the HTTP surface.
type Options struct {
	Version        string
	Whitelist      []string
	MaxBodyBytes   int64
	AllowedOrigins []string
	LoginPerSecond float64
	LoginBurst     int
}

// API is the HTTP layer.
type API struct {
	router *mux.Router
	authn  *Authenticator
	auth   *auth.Service
	rbac   *auth.RBACService
	logs   LogReader
	tail   *stream.Hub
	ready  ReadyProbe
	logger *zap.Logger
	audit  *audit.Logger
	opts   Options
}

func New(deps Deps, opts Options) (*API, error) {
	if deps.Auth == nil {
		return nil, errors.New("auth service is required")
	}
	if deps.RBAC == nil {
		return nil, errors.New("rbac service is required")
	}
	if deps.Logs == nil {
		return nil, errors.New("log reader is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	a := &API{
		router: mux.NewRouter(),
		auth:   deps.Auth,
		rbac:   deps.RBAC,
		logs:   deps.Logs,
		tail:   deps.Tail,
		ready:  deps.Ready,
		logger: logger.Named("http"),
		audit:  deps.Audit,
		opts:   opts,
	}
	a.authn = NewAuthenticator(deps.Auth, opts.Whitelist, a.logger)
	a.routes()
	return a, nil
}

func (a *API) routes() {
	r := a.router
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	login := http.Handler(http.HandlerFunc(a.handleLogin))
	if a.opts.LoginPerSecond > 0 {
		login = RateLimit(login, a.opts.LoginBurst, a.opts.LoginPerSecond)
	}
	r.Handle("/auth/login", login).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh", a.handleRefresh).Methods(http.MethodPost)
	r.Handle("/auth/logout", a.requireIdentity(a.handleLogout)).Methods(http.MethodPost)

	r.Handle("/users/me", a.requireIdentity(a.handleMe)).Methods(http.MethodGet)
	r.Handle("/users", a.require(auth.PermUserCreate, a.handleCreateUser)).Methods(http.MethodPost)
	r.Handle("/users", a.require(auth.PermUserList, a.handleListUsers)).Methods(http.MethodGet)
	r.Handle("/users/{id:[0-9]+}", a.require(auth.PermUserRead, a.handleGetUser)).Methods(http.MethodGet)
	r.Handle("/users/{id:[0-9]+}", a.require(auth.PermUserUpdate, a.handleUpdateUser)).Methods(http.MethodPut)
	r.Handle("/users/{id:[0-9]+}", a.require(auth.PermUserDelete, a.handleDeleteUser)).Methods(http.MethodDelete)

	r.Handle("/roles", a.require(auth.PermRoleCreate, a.handleCreateRole)).Methods(http.MethodPost)
	r.Handle("/roles", a.require(auth.PermRoleList, a.handleListRoles)).Methods(http.MethodGet)
	r.Handle("/roles/{id:[0-9]+}", a.require(auth.PermRoleRead, a.handleGetRole)).Methods(http.MethodGet)
	r.Handle("/roles/{id:[0-9]+}", a.require(auth.PermRoleUpdate, a.handleUpdateRole)).Methods(http.MethodPut)
	r.Handle("/roles/{id:[0-9]+}", a.require(auth.PermRoleDelete, a.handleDeleteRole)).Methods(http.MethodDelete)

	r.Handle("/permissions", a.require(auth.PermPermissionCreate, a.handleCreatePermission)).Methods(http.MethodPost)
	r.Handle("/permissions", a.require(auth.PermPermissionList, a.handleListPermissions)).Methods(http.MethodGet)
	r.Handle("/permissions/{id:[0-9]+}", a.require(auth.PermPermissionRead, a.handleGetPermission)).Methods(http.MethodGet)
	r.Handle("/permissions/{id:[0-9]+}", a.require(auth.PermPermissionUpdate, a.handleUpdatePermission)).Methods(http.MethodPut)
	r.Handle("/permissions/{id:[0-9]+}", a.require(auth.PermPermissionDelete, a.handleDeletePermission)).Methods(http.MethodDelete)

	r.Handle("/logs", a.require(auth.PermLogRead, a.handleListLogs)).Methods(http.MethodGet)
	r.Handle("/logs/stream", a.require(auth.PermLogRead, a.handleStreamLogs)).Methods(http.MethodGet)
}

// Handler returns the router wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = a.authn.Wrap(h)
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = CORS(h, a.opts.AllowedOrigins)
	h = ProcessTime(h)
	h = obs.Instrument(h)
	h = Logging(h, a.logger)
	h = Recover(h, a.logger)
	h = RequestID(h)
	return h
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if failed := a.ready.Check(ctx); len(failed) > 0 {
		names := make([]string, 0, len(failed))
		for name, err := range failed {
			names = append(names, name)
			a.logger.Warn("readiness check failed", zap.String("dependency", name), zap.Error(err))
		}
		sort.Strings(names)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"failed": names,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
