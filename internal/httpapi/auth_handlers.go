package httpapi

import (
	"net/http"
	"strings"

	"edunexus.org/internal/auth"
)

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	DeviceInfo string `json:"device_info"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	DeviceInfo   string `json:"device_info"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type principalView struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	TenantID string `json:"tenant_id,omitempty"`
}

func tokensView(pair auth.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:  string(pair.AccessToken),
		RefreshToken: string(pair.RefreshToken),
		TokenType:    "Bearer",
		ExpiresIn:    int64(pair.ExpiresIn.Seconds()),
	}
}

func deviceInfo(r *http.Request, fromBody string) string {
	d := strings.TrimSpace(fromBody)
	if d == "" {
		d = r.UserAgent()
	}
	if len(d) > 255 {
		d = d[:255]
	}
	return d
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		badRequest(w, r, "email and password are required")
		return
	}
	res, err := a.auth.Login(r.Context(), auth.LoginRequest{
		Email:      req.Email,
		Password:   req.Password,
		DeviceInfo: deviceInfo(r, req.DeviceInfo),
	})
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"tokens": tokensView(res.Tokens),
		"principal": principalView{
			ID:       res.Principal.ID,
			Email:    res.Principal.Email,
			Role:     string(res.Principal.Role),
			TenantID: res.Principal.TenantID,
		},
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusUnauthorized, CodeMissingToken, "refresh_token is required")
		return
	}
	pair, err := a.auth.Refresh(r.Context(), auth.RefreshToken(req.RefreshToken), deviceInfo(r, req.DeviceInfo))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"tokens": tokensView(pair)})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		badRequest(w, r, "refresh_token is required")
		return
	}
	if err := a.auth.Logout(r.Context(), id.PrincipalID, auth.RefreshToken(req.RefreshToken)); err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"revoked": 1})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	n, err := a.auth.LogoutAll(r.Context(), id.PrincipalID)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"revoked": n})
}

// handleMe returns the resolved identity. With ?app_scope it also reports whether the
// role may open that application's dashboard.
func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	active, err := a.access.ActiveContext(r.Context(), p)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	id := a.auth.Identity(p, active)
	data := map[string]any{
		"principal":        principalView{ID: p.ID, Email: p.Email, Role: string(p.Role), TenantID: p.TenantID},
		"active_tenant_id": id.TenantID,
		"permissions":      id.Permissions.Slice(),
		"platform_wide":    a.auth.Registry().IsPlatformWide(p.Role),
		"multi_tenant":     a.auth.Registry().IsMultiTenantEligible(p.Role),
	}
	if scope := strings.TrimSpace(r.URL.Query().Get("app_scope")); scope != "" {
		data["app_scope"] = scope
		data["dashboard_access"] = a.auth.Registry().HasDashboardAccess(p.Role, auth.AppScope(scope))
	}
	writeData(w, http.StatusOK, data)
}
