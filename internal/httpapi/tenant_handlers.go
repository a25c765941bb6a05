package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"edunexus.org/internal/auth"
	"edunexus.org/internal/ids"
	"edunexus.org/internal/tenant"
)

type switchContextRequest struct {
	TenantID string `json:"tenant_id"`
}

type grantRequest struct {
	PrincipalID string `json:"principal_id"`
	TenantID    string `json:"tenant_id"`
	Level       string `json:"level,omitempty"`
}

type grantView struct {
	PrincipalID string    `json:"principal_id"`
	TenantID    string    `json:"tenant_id"`
	Level       string    `json:"level"`
	GrantedAt   time.Time `json:"granted_at"`
	GrantedBy   string    `json:"granted_by,omitempty"`
}

type memberView struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Status string `json:"status"`
}

func grantsView(gs []tenant.Grant) []grantView {
	out := make([]grantView, 0, len(gs))
	for _, g := range gs {
		out = append(out, grantView{
			PrincipalID: g.PrincipalID,
			TenantID:    g.TenantID,
			Level:       string(g.Level),
			GrantedAt:   g.GrantedAt,
			GrantedBy:   g.GrantedBy,
		})
	}
	return out
}

func (a *API) handleGetContext(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	active, err := a.access.ActiveContext(r.Context(), p)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	grants, err := a.access.ListGrants(r.Context(), p.ID)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"active_tenant_id": active,
		"home_tenant_id":   p.TenantID,
		"grants":           grantsView(grants),
	})
}

func (a *API) handleSwitchContext(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	var req switchContextRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.TenantID) == "" {
		badRequest(w, r, "tenant_id is required")
		return
	}
	prev, err := a.access.SwitchContext(r.Context(), tenant.SwitchRequest{
		Principal: p,
		TenantID:  strings.TrimSpace(req.TenantID),
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"previous_tenant_id": prev,
		"active_tenant_id":   strings.TrimSpace(req.TenantID),
	})
}

// handleListMembers reads the directory of the acting tenant only.
func (a *API) handleListMembers(w http.ResponseWriter, r *http.Request) {
	var out []memberView
	if bd, ok := tenant.BoundFromContext(r.Context()); ok {
		members, err := tenant.ListMembers(r.Context(), bd)
		if err != nil {
			a.respondErr(w, r, err)
			return
		}
		for _, m := range members {
			out = append(out, memberView{ID: m.ID, Email: m.Email, Role: string(m.Role), Status: string(m.Status)})
		}
	} else {
		id, _ := auth.IdentityFromContext(r.Context())
		principals, err := a.principals.ListByTenant(r.Context(), id.TenantID)
		if err != nil {
			a.respondErr(w, r, err)
			return
		}
		for _, p := range principals {
			out = append(out, memberView{ID: p.ID, Email: p.Email, Role: string(p.Role), Status: string(p.Status)})
		}
	}
	if out == nil {
		out = []memberView{}
	}
	writeData(w, http.StatusOK, map[string]any{"principals": out})
}

func (a *API) handleGrantAccess(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.Level) == "" {
		req.Level = string(tenant.LevelRead)
	}
	level, err := tenant.ParseLevel(req.Level)
	if err != nil {
		badRequest(w, r, "level must be read, write or admin")
		return
	}
	grantee, err := a.principals.Find(r.Context(), strings.TrimSpace(req.PrincipalID))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	g, err := a.access.GrantAccess(r.Context(), grantee, strings.TrimSpace(req.TenantID), level, id.PrincipalID)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, grantsView([]tenant.Grant{*g})[0])
}

func (a *API) handleRevokeAccess(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.PrincipalID) == "" || strings.TrimSpace(req.TenantID) == "" {
		badRequest(w, r, "principal_id and tenant_id are required")
		return
	}
	if err := a.access.RevokeAccess(r.Context(), strings.TrimSpace(req.PrincipalID), strings.TrimSpace(req.TenantID), id.PrincipalID); err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"revoked": true})
}

func (a *API) handleListGrants(w http.ResponseWriter, r *http.Request) {
	principalID := chi.URLParam(r, "principalID")
	if !ids.Valid(principalID) {
		badRequest(w, r, "principal id is malformed")
		return
	}
	grants, err := a.access.ListGrants(r.Context(), principalID)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"grants": grantsView(grants)})
}
