package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"warden.dev/internal/auth"
)

const testSecret = "test-secret-0123456789"

var docWrite = auth.Requirement{Code: "doc:write", Type: auth.PermissionOperation}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T

	api   *API
	store *memStore
	deny  *memDenylist
	logs  *stubLogReader
}

type testOptions struct {
	deps   func(*Deps)
	opts   func(*Options)
	svcOpt []auth.ServiceOption
}

func newTestAPI(t *testing.T, to testOptions) *apiClient {
	t.Helper()

	store := newMemStore()
	deny := &memDenylist{}
	logs := &stubLogReader{}

	codec, err := auth.NewCodec([]byte(testSecret))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	svcOpts := append([]auth.ServiceOption{auth.WithDenylist(deny)}, to.svcOpt...)
	svc, err := auth.NewService(codec, store, svcOpts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	rbac, err := auth.NewRBACService(store)
	if err != nil {
		t.Fatalf("NewRBACService: %v", err)
	}

	deps := Deps{Auth: svc, RBAC: rbac, Logs: logs, Ready: ReadyProbe{}, Logger: zap.NewNop()}
	if to.deps != nil {
		to.deps(&deps)
	}
	opts := Options{
		Version:        "test",
		Whitelist:      []string{"/auth/login", "/auth/refresh", "/healthz", "/readyz", "/metrics"},
		AllowedOrigins: []string{"*"},
	}
	if to.opts != nil {
		to.opts(&opts)
	}
	api, err := New(deps, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Stand-in for a business route guarded by a custom permission.
	api.router.Handle("/docs", api.require(docWrite, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]string{"status": "written"})
	})).Methods(http.MethodPost)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		api:     api,
		store:   store,
		deny:    deny,
		logs:    logs,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, headers)
}

// seedUser stores a user holding one role per permission set.
func (c *apiClient) seedUser(username, password string, superuser bool, perms ...auth.Requirement) *auth.User {
	c.t.Helper()
	ctx := context.Background()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		c.t.Fatalf("hash: %v", err)
	}
	var roleIDs []int64
	if len(perms) > 0 {
		var permIDs []int64
		for _, req := range perms {
			p, err := c.store.CreatePermission(ctx, auth.NewPermission{Name: req.Code, Code: req.Code, Type: req.Type})
			if err != nil {
				all, _ := c.store.ListPermissions(ctx)
				for _, existing := range all {
					if existing.Code == req.Code && existing.Type == req.Type {
						p = &existing
						break
					}
				}
			}
			permIDs = append(permIDs, p.ID)
		}
		role, err := c.store.CreateRole(ctx, auth.NewRole{Name: username + "-role", PermissionIDs: permIDs})
		if err != nil {
			c.t.Fatalf("create role: %v", err)
		}
		roleIDs = append(roleIDs, role.ID)
	}
	u, err := c.store.CreateUser(ctx, auth.NewUser{
		Username:     username,
		PasswordHash: string(hash),
		IsActive:     true,
		IsSuperuser:  superuser,
		RoleIDs:      roleIDs,
	})
	if err != nil {
		c.t.Fatalf("create user: %v", err)
	}
	return u
}

func (c *apiClient) login(username, password string) auth.TokenPair {
	c.t.Helper()
	resp := c.post("/auth/login", map[string]string{"username": username, "password": password}, nil)
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		c.t.Fatalf("unexpected login status: %d", resp.StatusCode)
	}
	pair := decode[auth.TokenPair](c.t, resp)
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		c.t.Fatalf("empty token pair issued")
	}
	return pair
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d", want, resp.StatusCode)
	}
}

func expectMessage(t *testing.T, resp *http.Response, want string) {
	t.Helper()
	body := decode[map[string]string](t, resp)
	if body["message"] != want {
		t.Fatalf("expected message %q, got %q", want, body["message"])
	}
}

func TestNewRequiresServices(t *testing.T) {
	if _, err := New(Deps{}, Options{}); err == nil {
		t.Fatal("expected error without services")
	}
}

func TestHealthzIsWhitelisted(t *testing.T) {
	api := newTestAPI(t, testOptions{})

	resp := api.get("/healthz", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	body := decode[map[string]string](t, resp)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("unexpected healthz body: %v", body)
	}
}

func TestReadyReportsFailedDependencies(t *testing.T) {
	api := newTestAPI(t, testOptions{deps: func(d *Deps) {
		d.Ready = ReadyProbe{
			"postgres": pingFunc(func(context.Context) error { return nil }),
			"redis":    pingFunc(func(context.Context) error { return errStoreDown }),
		}
	}})

	resp := api.get("/readyz", nil, nil)
	expectStatus(t, resp, http.StatusServiceUnavailable)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if strings.Contains(string(raw), errStoreDown.Error()) {
		t.Fatalf("dependency error leaked to client: %s", raw)
	}
	var body struct {
		Status string   `json:"status"`
		Failed []string `json:"failed"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "not_ready" || len(body.Failed) != 1 || body.Failed[0] != "redis" {
		t.Fatalf("expected only redis to fail, got %+v", body)
	}
}

func TestGuardAllowsHolderAndForbidsOthers(t *testing.T) {
	api := newTestAPI(t, testOptions{})
	api.seedUser("alice", "alice-pass", false, docWrite)
	api.seedUser("bob", "bob-pass", false)

	alice := api.login("alice", "alice-pass")
	resp := api.post("/docs", nil, bearerHeader(alice.AccessToken))
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	bob := api.login("bob", "bob-pass")
	resp = api.post("/docs", nil, bearerHeader(bob.AccessToken))
	expectStatus(t, resp, http.StatusForbidden)
	expectMessage(t, resp, "forbidden")
}

func TestGuardMatchesCodeAndType(t *testing.T) {
	api := newTestAPI(t, testOptions{})
	api.seedUser("carol", "carol-pass", false, auth.Requirement{Code: "doc:write", Type: auth.PermissionPage})

	carol := api.login("carol", "carol-pass")
	resp := api.post("/docs", nil, bearerHeader(carol.AccessToken))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

func TestSuperuserWithoutRolesIsAllowed(t *testing.T) {
	api := newTestAPI(t, testOptions{})
	api.seedUser("root", "root-pass", true)

	root := api.login("root", "root-pass")
	for _, path := range []string{"/users", "/roles", "/permissions", "/logs"} {
		resp := api.get(path, nil, bearerHeader(root.AccessToken))
		expectStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}
	resp := api.post("/docs", nil, bearerHeader(root.AccessToken))
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	api := newTestAPI(t, testOptions{})
	api.seedUser("alice", "alice-pass", false)

	for _, body := range []map[string]string{
		{"username": "alice", "password": "wrong"},
		{"username": "nobody", "password": "alice-pass"},
		{"username": "", "password": ""},
	} {
		resp := api.post("/auth/login", body, nil)
		expectStatus(t, resp, http.StatusUnauthorized)
		expectMessage(t, resp, "invalid credentials")
	}
}

func TestLoginRejectsMalformedBody(t *testing.T) {
	api := newTestAPI(t, testOptions{})

	resp := api.post("/auth/login", map[string]any{"username": "a", "extra": true}, nil)
	expectStatus(t, resp, http.StatusUnprocessableEntity)
	resp.Body.Close()
}

func TestProtectedRouteRequiresBearer(t *testing.T) {
	api := newTestAPI(t, testOptions{})

	resp := api.get("/users", nil, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	expectMessage(t, resp, "not authenticated")

	resp = api.get("/users", nil, map[string]string{"Authorization": "Basic Zm9vOmJhcg=="})
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = api.get("/users", nil, bearerHeader("not-a-jwt"))
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestExpiredAccessTokenIsRejected(t *testing.T) {
	api := newTestAPI(t, testOptions{})
	api.seedUser("root", "root-pass", true)

	past := time.Now().Add(-2 * time.Hour)
	stale, err := auth.NewCodec([]byte(testSecret), auth.WithCodecClock(func() time.Time { return past }))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	token, err := stale.Issue("root", auth.AccessToken, 30*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	resp := api.get("/users", nil, bearerHeader(token))
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestRefreshTokenCannotAuthenticate(t *testing.T) {
	api := newTestAPI(t, testOptions{})
	api.seedUser("root", "root-pass", true)
	pair := api.login("root", "root-pass")

	resp := api.get("/users", nil, bearerHeader(pair.RefreshToken))
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestRefreshIssuesWorkingPair(t *testing.T) {
	api := newTestAPI(t, testOptions{})
	api.seedUser("root", "root-pass", true)
	pair := api.login("root", "root-pass")

	for i := 0; i < 2; i++ {
		resp := api.post("/auth/refresh", map[string]string{"refresh_token": pair.RefreshToken}, nil)
		expectStatus(t, resp, http.StatusOK)
		next := decode[auth.TokenPair](t, resp)
		if next.TokenType != "bearer" {
			t.Fatalf("unexpected token type %q", next.TokenType)
		}
		resp = api.get("/users/me", nil, bearerHeader(next.AccessToken))
		expectStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}

	resp := api.post("/auth/refresh", map[string]string{"refresh_token": pair.AccessToken}, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	expectMessage(t, resp, "invalid token")
}

func TestRefreshRotationRevokesPresentedToken(t *testing.T) {
	api := newTestAPI(t, testOptions{svcOpt: []auth.ServiceOption{auth.WithRefreshRotation(true)}})
	api.seedUser("root", "root-pass", true)
	pair := api.login("root", "root-pass")

	resp := api.post("/auth/refresh", map[string]string{"refresh_token": pair.RefreshToken}, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.post("/auth/refresh", map[string]string{"refresh_token": pair.RefreshToken}, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	api := newTestAPI(t, testOptions{})
	api.seedUser("root", "root-pass", true)
	pair := api.login("root", "root-pass")

	resp := api.post("/auth/logout", nil, bearerHeader(pair.AccessToken))
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = api.get("/users/me", nil, bearerHeader(pair.AccessToken))
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestMeReturnsCallerWithRoles(t *testing.T) {
	api := newTestAPI(t, testOptions{})
	api.seedUser("alice", "alice-pass", false, docWrite)
	pair := api.login("alice", "alice-pass")

	resp := api.get("/users/me", nil, bearerHeader(pair.AccessToken))
	expectStatus(t, resp, http.StatusOK)
	me := decode[auth.User](t, resp)
	if me.Username != "alice" || len(me.Roles) != 1 || len(me.Roles[0].Permissions) != 1 {
		t.Fatalf("unexpected identity: %+v", me)
	}
	if me.Roles[0].Permissions[0].Code != "doc:write" {
		t.Fatalf("unexpected permission: %+v", me.Roles[0].Permissions[0])
	}
}

func TestInactiveUserCannotAuthenticate(t *testing.T) {
	api := newTestAPI(t, testOptions{})
	u := api.seedUser("root", "root-pass", true)
	pair := api.login("root", "root-pass")

	inactive := false
	if _, err := api.store.UpdateUser(context.Background(), u.ID, auth.UserUpdate{IsActive: &inactive}); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	resp := api.get("/users/me", nil, bearerHeader(pair.AccessToken))
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestStoreFailureDuringAuthenticationIs500(t *testing.T) {
	api := newTestAPI(t, testOptions{})
	api.seedUser("root", "root-pass", true)
	pair := api.login("root", "root-pass")

	api.store.mu.Lock()
	api.store.findErr = errStoreDown
	api.store.mu.Unlock()

	resp := api.get("/users", nil, bearerHeader(pair.AccessToken))
	expectStatus(t, resp, http.StatusInternalServerError)
	expectMessage(t, resp, "internal server error")
}

func TestDenylistFailureFailsClosed(t *testing.T) {
	api := newTestAPI(t, testOptions{})
	api.seedUser("root", "root-pass", true)
	pair := api.login("root", "root-pass")

	api.deny.mu.Lock()
	api.deny.err = errStoreDown
	api.deny.mu.Unlock()

	resp := api.get("/users/me", nil, bearerHeader(pair.AccessToken))
	expectStatus(t, resp, http.StatusInternalServerError)
	resp.Body.Close()
}

func TestHandlerErrorDoesNotLeakDetails(t *testing.T) {
	api := newTestAPI(t, testOptions{})
	api.seedUser("root", "root-pass", true)
	pair := api.login("root", "root-pass")

	api.store.mu.Lock()
	api.store.listErr = errStoreDown
	api.store.mu.Unlock()

	resp := api.get("/users", nil, bearerHeader(pair.AccessToken))
	expectStatus(t, resp, http.StatusInternalServerError)
	body := decode[map[string]string](t, resp)
	if strings.Contains(body["message"], "refused") {
		t.Fatalf("internal error leaked: %q", body["message"])
	}
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	api := newTestAPI(t, testOptions{})
	api.seedUser("root", "root-pass", true)
	pair := api.login("root", "root-pass")

	resp := api.get("/nope", nil, bearerHeader(pair.AccessToken))
	expectStatus(t, resp, http.StatusNotFound)
	expectMessage(t, resp, "not found")
}
