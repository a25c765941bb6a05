package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"edunexus.org/internal/audit"
	"edunexus.org/internal/auth"
	"edunexus.org/internal/store/memory"
	"edunexus.org/internal/tenant"
)

const testPassword = "correct horse battery"

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *memory.Store
	reg     *auth.Registry
	tokens  *auth.TokenService
	t       *testing.T
}

func newTestAPI(t *testing.T, ready ReadyProbe) *apiClient {
	t.Helper()
	return buildTestAPI(t, func(o *Options) { o.Ready = ready })
}

func buildTestAPI(t *testing.T, configure func(*Options)) *apiClient {
	t.Helper()
	ctx := context.Background()

	st := memory.New()
	for _, id := range []string{"s1", "s2"} {
		if err := st.CreateTenant(ctx, &tenant.Tenant{ID: id, Name: "School " + id, Slug: id}); err != nil {
			t.Fatalf("create tenant: %v", err)
		}
	}
	reg, err := auth.DefaultRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	tokens, err := auth.NewTokenService(auth.TokenConfig{
		AccessSecret:  "access-secret-0123456789abcdef0123456789",
		RefreshSecret: "refresh-secret-0123456789abcdef012345678",
		Issuer:        "edunexus-test",
		Audience:      "edunexus-test-api",
	})
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	rec := audit.NewRecorder(st)
	principals := st.Principals()
	guard := auth.NewLockoutGuard(principals, rec)
	sessions := auth.NewSessionManager(st.Sessions(), principals, tokens, guard, rec)

	opts := Options{
		Auth:       auth.NewAuthenticator(principals, reg, tokens, sessions, guard),
		Access:     tenant.NewAccessController(reg, st, st, st, rec),
		Principals: principals,
		Version:    "test",
		RateRPS:    1000,
		RateBurst:  1000,
		AuthRPS:    1000,
		AuthBurst:  1000,
	}
	if configure != nil {
		configure(&opts)
	}
	srv := httptest.NewServer(New(opts).Handler())
	t.Cleanup(srv.Close)

	return &apiClient{baseURL: srv.URL, client: srv.Client(), store: st, reg: reg, tokens: tokens, t: t}
}

func (c *apiClient) provision(email string, role auth.Role, home string) *auth.Principal {
	c.t.Helper()
	p, err := auth.Provision(context.Background(), c.store.Principals(), c.reg, auth.NewPrincipal{
		Email:    email,
		Password: testPassword,
		Role:     role,
		TenantID: home,
	})
	if err != nil {
		c.t.Fatalf("provision %s: %v", email, err)
	}
	return p
}

type response struct {
	status int
	header http.Header
	body   struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *errorBody      `json:"error"`
	}
}

func (r *response) data(t *testing.T, dst any) {
	t.Helper()
	if err := json.Unmarshal(r.body.Data, dst); err != nil {
		t.Fatalf("decode data: %v (%s)", err, r.body.Data)
	}
}

func (r *response) expectError(t *testing.T, status int, code string) {
	t.Helper()
	if r.status != status {
		t.Fatalf("expected %d, got %d", status, r.status)
	}
	if r.body.Success || r.body.Error == nil {
		t.Fatalf("expected failure envelope")
	}
	if r.body.Error.Code != code {
		t.Fatalf("expected code %s, got %s", code, r.body.Error.Code)
	}
	if r.body.Error.RequestID == "" {
		t.Fatalf("expected request_id in error")
	}
}

func (c *apiClient) do(method, path, token string, body any, headers map[string]string) *response {
	c.t.Helper()
	var rd io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rd)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	out := &response{status: resp.StatusCode, header: resp.Header}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatalf("read body: %v", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out.body); err != nil {
			c.t.Fatalf("decode body: %v (%s)", err, raw)
		}
	}
	return out
}

type loginData struct {
	Tokens    tokenResponse `json:"tokens"`
	Principal principalView `json:"principal"`
}

func (c *apiClient) login(email string) loginData {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": email, "password": testPassword}, nil)
	if resp.status != http.StatusOK {
		c.t.Fatalf("login %s: expected 200, got %d", email, resp.status)
	}
	var out loginData
	resp.data(c.t, &out)
	return out
}

func (c *apiClient) countEvents(typ string) int {
	n := 0
	for _, ev := range c.store.Events() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestHealthAndReadiness(t *testing.T) {
	c := newTestAPI(t, ReadyProbe{Ping: func(context.Context) error { return errors.New("db down") }})

	resp, err := c.client.Get(c.baseURL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", resp.StatusCode)
	}

	resp, err = c.client.Get(c.baseURL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected readyz 503, got %d", resp.StatusCode)
	}
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	c := newTestAPI(t, ReadyProbe{})
	c.do(http.MethodGet, "/v1/nope", "", nil, nil).expectError(t, http.StatusNotFound, CodeNotFound)
}

func TestLoginMeAndLogout(t *testing.T) {
	c := newTestAPI(t, ReadyProbe{})
	p := c.provision("Teacher@Example.com", auth.RoleTeacher, "s1")

	got := c.login("teacher@example.com")
	if got.Tokens.TokenType != "Bearer" || got.Tokens.AccessToken == "" || got.Tokens.RefreshToken == "" {
		t.Fatalf("unexpected tokens: %+v", got.Tokens)
	}
	if got.Tokens.ExpiresIn <= 0 {
		t.Fatalf("expected positive expires_in")
	}
	if got.Principal.ID != p.ID || got.Principal.TenantID != "s1" {
		t.Fatalf("unexpected principal: %+v", got.Principal)
	}

	me := c.do(http.MethodGet, "/v1/auth/me?app_scope=parent_portal", got.Tokens.AccessToken, nil, nil)
	if me.status != http.StatusOK {
		t.Fatalf("me: expected 200, got %d", me.status)
	}
	var view struct {
		ActiveTenantID  string   `json:"active_tenant_id"`
		Permissions     []string `json:"permissions"`
		DashboardAccess bool     `json:"dashboard_access"`
		MultiTenant     bool     `json:"multi_tenant"`
	}
	me.data(t, &view)
	if view.ActiveTenantID != "s1" {
		t.Fatalf("expected active tenant s1, got %q", view.ActiveTenantID)
	}
	if view.DashboardAccess || view.MultiTenant {
		t.Fatalf("teacher must not reach the parent portal or other tenants: %+v", view)
	}
	found := false
	for _, perm := range view.Permissions {
		if perm == auth.PermGradesManage {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s in %v", auth.PermGradesManage, view.Permissions)
	}

	out := c.do(http.MethodPost, "/v1/auth/logout", got.Tokens.AccessToken, map[string]string{"refresh_token": got.Tokens.RefreshToken}, nil)
	if out.status != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d", out.status)
	}
	again := c.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": got.Tokens.RefreshToken}, nil)
	if again.status != http.StatusUnauthorized {
		t.Fatalf("refresh after logout: expected 401, got %d", again.status)
	}
	if again.body.Error.Code == CodeTokenReused {
		t.Fatalf("logged out token must not count as reuse")
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	c := newTestAPI(t, ReadyProbe{})
	c.provision("teacher@example.com", auth.RoleTeacher, "s1")

	wrong := c.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "teacher@example.com", "password": "nope-nope"}, nil)
	unknown := c.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "ghost@example.com", "password": "nope-nope"}, nil)
	wrong.expectError(t, http.StatusUnauthorized, CodeInvalidCreds)
	unknown.expectError(t, http.StatusUnauthorized, CodeInvalidCreds)
	if wrong.body.Error.Message != unknown.body.Error.Message {
		t.Fatalf("messages differ: %q vs %q", wrong.body.Error.Message, unknown.body.Error.Message)
	}
}

func TestMissingTokenIsRejected(t *testing.T) {
	c := newTestAPI(t, ReadyProbe{})
	c.do(http.MethodGet, "/v1/auth/me", "", nil, nil).expectError(t, http.StatusUnauthorized, CodeMissingToken)
	c.do(http.MethodGet, "/v1/auth/me", "not-a-jwt", nil, nil).expectError(t, http.StatusUnauthorized, CodeInvalidToken)
}

func TestRefreshReplayRevokesAllSessions(t *testing.T) {
	c := newTestAPI(t, ReadyProbe{})
	c.provision("parent@example.com", auth.RoleParent, "s1")
	first := c.login("parent@example.com")
	other := c.login("parent@example.com")

	rotated := c.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": first.Tokens.RefreshToken}, nil)
	if rotated.status != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d", rotated.status)
	}
	var next struct {
		Tokens tokenResponse `json:"tokens"`
	}
	rotated.data(t, &next)
	if next.Tokens.RefreshToken == first.Tokens.RefreshToken {
		t.Fatalf("expected a new refresh token")
	}

	c.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": first.Tokens.RefreshToken}, nil).
		expectError(t, http.StatusUnauthorized, CodeTokenReused)
	if n := c.countEvents(audit.TokenReuseDetected); n != 1 {
		t.Fatalf("expected one reuse event, got %d", n)
	}

	for _, tok := range []string{next.Tokens.RefreshToken, other.Tokens.RefreshToken} {
		resp := c.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": tok}, nil)
		if resp.status != http.StatusUnauthorized {
			t.Fatalf("expected every session revoked, got %d", resp.status)
		}
	}
}

func TestLockoutReturnsAccountLocked(t *testing.T) {
	c := newTestAPI(t, ReadyProbe{})
	c.provision("accountant@example.com", auth.RoleAccountant, "s1")

	for i := 1; i <= 5; i++ {
		resp := c.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "accountant@example.com", "password": "wrong-password"}, nil)
		if i < 5 {
			resp.expectError(t, http.StatusUnauthorized, CodeInvalidCreds)
			continue
		}
		resp.expectError(t, http.StatusForbidden, CodeAccountLocked)
	}
	c.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "accountant@example.com", "password": testPassword}, nil).
		expectError(t, http.StatusForbidden, CodeAccountLocked)
	if n := c.countEvents(audit.AccountLocked); n != 1 {
		t.Fatalf("expected one lock event, got %d", n)
	}
}

func TestBlockedRoleCannotLogin(t *testing.T) {
	c := newTestAPI(t, ReadyProbe{})
	c.provision("support@example.com", auth.RolePlatformSupport, "s1")
	c.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "support@example.com", "password": testPassword}, nil).
		expectError(t, http.StatusForbidden, CodeInsufficientPerms)
}

func TestBlockedRoleTokenIsRejectedBeforeHandlers(t *testing.T) {
	c := newTestAPI(t, ReadyProbe{})
	p := c.provision("support@example.com", auth.RolePlatformSupport, "s1")
	pair, err := c.tokens.Issue(context.Background(), p, "sess-"+p.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	tok := string(pair.AccessToken)

	cases := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/v1/auth/me", nil},
		{http.MethodGet, "/v1/tenants/context", nil},
		{http.MethodPut, "/v1/tenants/context", map[string]string{"tenant_id": "s1"}},
		{http.MethodGet, "/v1/tenant/principals", nil},
		{http.MethodPost, "/v1/auth/logout-all", nil},
	}
	for _, tc := range cases {
		c.do(tc.method, tc.path, tok, tc.body, nil).expectError(t, http.StatusForbidden, CodeInsufficientPerms)
	}
	if n := c.countEvents(audit.ContextSwitch); n != 0 {
		t.Fatalf("context switch handler ran for a blocked role: %d events", n)
	}
	if _, err := c.store.GetActiveTenant(context.Background(), p.ID); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected no active tenant, got %v", err)
	}
}

func TestTeacherCannotReachOtherTenant(t *testing.T) {
	c := newTestAPI(t, ReadyProbe{})
	c.provision("teacher@example.com", auth.RoleTeacher, "s1")
	tok := c.login("teacher@example.com").Tokens.AccessToken

	c.do(http.MethodGet, "/v1/tenant/principals", tok, nil, map[string]string{tenantHeader: "s2"}).
		expectError(t, http.StatusForbidden, CodeTenantDenied)
	c.do(http.MethodGet, "/v1/tenant/principals?tenant_id=s2", tok, nil, nil).
		expectError(t, http.StatusForbidden, CodeTenantDenied)
	if n := c.countEvents(audit.UnauthorizedTenantAccess); n != 2 {
		t.Fatalf("expected two denial events, got %d", n)
	}

	// home tenant passes isolation but the role lacks the directory permission
	c.do(http.MethodGet, "/v1/tenant/principals", tok, nil, nil).
		expectError(t, http.StatusForbidden, CodeInsufficientPerms)
}

func TestDirectorSwitchesContext(t *testing.T) {
	c := newTestAPI(t, ReadyProbe{})
	director := c.provision("director@example.com", auth.RoleDirector, "s1")
	c.provision("admin@example.com", auth.RoleSuperAdmin, "")
	c.provision("teacher1@example.com", auth.RoleTeacher, "s1")
	c.provision("teacher2@example.com", auth.RoleTeacher, "s2")

	dirTok := c.login("director@example.com").Tokens.AccessToken
	adminTok := c.login("admin@example.com").Tokens.AccessToken

	c.do(http.MethodPut, "/v1/tenants/context", dirTok, map[string]string{"tenant_id": "s2"}, nil).
		expectError(t, http.StatusForbidden, CodeTenantDenied)

	// directors cannot grant themselves access
	c.do(http.MethodPost, "/v1/admin/tenant-access/", dirTok, map[string]string{"principal_id": director.ID, "tenant_id": "s2"}, nil).
		expectError(t, http.StatusForbidden, CodeInsufficientPerms)

	grant := c.do(http.MethodPost, "/v1/admin/tenant-access/", adminTok, map[string]string{
		"principal_id": director.ID,
		"tenant_id":    "s2",
		"level":        "read",
	}, nil)
	if grant.status != http.StatusCreated {
		t.Fatalf("grant: expected 201, got %d", grant.status)
	}

	sw := c.do(http.MethodPut, "/v1/tenants/context", dirTok, map[string]string{"tenant_id": "s2"}, nil)
	if sw.status != http.StatusOK {
		t.Fatalf("switch: expected 200, got %d", sw.status)
	}
	var switched struct {
		Previous string `json:"previous_tenant_id"`
		Active   string `json:"active_tenant_id"`
	}
	sw.data(t, &switched)
	if switched.Previous != "s1" || switched.Active != "s2" {
		t.Fatalf("unexpected switch result: %+v", switched)
	}
	if n := c.countEvents(audit.ContextSwitch); n != 1 {
		t.Fatalf("expected one context switch event, got %d", n)
	}

	list := c.do(http.MethodGet, "/v1/tenant/principals", dirTok, nil, nil)
	if list.status != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", list.status)
	}
	var members struct {
		Principals []memberView `json:"principals"`
	}
	list.data(t, &members)
	if len(members.Principals) != 1 || members.Principals[0].Email != "teacher2@example.com" {
		t.Fatalf("expected only s2 members, got %+v", members.Principals)
	}

	grants := c.do(http.MethodGet, "/v1/admin/tenant-access/"+director.ID, adminTok, nil, nil)
	if grants.status != http.StatusOK {
		t.Fatalf("list grants: expected 200, got %d", grants.status)
	}

	revoke := c.do(http.MethodDelete, "/v1/admin/tenant-access/", adminTok, map[string]string{"principal_id": director.ID, "tenant_id": "s2"}, nil)
	if revoke.status != http.StatusOK {
		t.Fatalf("revoke: expected 200, got %d", revoke.status)
	}

	ctxResp := c.do(http.MethodGet, "/v1/tenants/context", dirTok, nil, nil)
	var current struct {
		Active string `json:"active_tenant_id"`
	}
	ctxResp.data(t, &current)
	if current.Active != "s1" {
		t.Fatalf("expected fallback to home tenant after revoke, got %q", current.Active)
	}
}

func TestGrantRejectsIneligibleRole(t *testing.T) {
	c := newTestAPI(t, ReadyProbe{})
	teacher := c.provision("teacher@example.com", auth.RoleTeacher, "s1")
	c.provision("admin@example.com", auth.RoleSuperAdmin, "")
	adminTok := c.login("admin@example.com").Tokens.AccessToken

	c.do(http.MethodPost, "/v1/admin/tenant-access/", adminTok, map[string]string{"principal_id": teacher.ID, "tenant_id": "s2"}, nil).
		expectError(t, http.StatusBadRequest, CodeBadRequest)
	c.do(http.MethodPost, "/v1/admin/tenant-access/", adminTok, map[string]string{"principal_id": teacher.ID, "tenant_id": "s2", "level": "owner"}, nil).
		expectError(t, http.StatusBadRequest, CodeBadRequest)
}

func TestPlatformAdminNeedsExplicitTenant(t *testing.T) {
	c := newTestAPI(t, ReadyProbe{})
	c.provision("admin@example.com", auth.RoleSuperAdmin, "")
	c.provision("teacher2@example.com", auth.RoleTeacher, "s2")
	tok := c.login("admin@example.com").Tokens.AccessToken

	c.do(http.MethodGet, "/v1/tenant/principals", tok, nil, nil).
		expectError(t, http.StatusBadRequest, CodeBadRequest)

	resp := c.do(http.MethodGet, "/v1/tenant/principals", tok, nil, map[string]string{tenantHeader: "s2"})
	if resp.status != http.StatusOK {
		t.Fatalf("expected 200 with explicit tenant, got %d", resp.status)
	}
}

func TestListGrantsRejectsMalformedID(t *testing.T) {
	c := newTestAPI(t, ReadyProbe{})
	c.provision("admin@example.com", auth.RoleSuperAdmin, "")
	tok := c.login("admin@example.com").Tokens.AccessToken
	c.do(http.MethodGet, "/v1/admin/tenant-access/not-an-id", tok, nil, nil).
		expectError(t, http.StatusBadRequest, CodeBadRequest)
}
