package httpapi

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"

	"edunexus.org/internal/auth"
	"edunexus.org/internal/obs"
	"edunexus.org/internal/tenant"
)

const (
	authHeader   = "Authorization"
	bearerScheme = "Bearer"
	tenantHeader = "X-Tenant-ID"
	tenantQuery  = "tenant_id"
)

var (
	errMissingToken = errors.New("missing bearer token")
	errBadScheme    = errors.New("invalid authorization scheme")
	// errRollback ends a bound transaction for a handler that answered with an error status.
	errRollback = errors.New("handler responded with an error status")
)

type principalKey struct{}

func principalFromContext(ctx context.Context) (*auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*auth.Principal)
	return p, ok && p != nil
}

// authenticate verifies the bearer token and rechecks the principal against the store.
// Blocked roles are rejected here, before any handler runs.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			code := CodeMissingToken
			if errors.Is(err, errBadScheme) {
				code = CodeInvalidToken
			}
			writeError(w, r, http.StatusUnauthorized, code, err.Error())
			return
		}
		p, err := a.auth.Authenticate(r.Context(), auth.AccessToken(token))
		if err != nil {
			a.respondErr(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, p)
		ctx = auth.ContextWithIdentity(ctx, a.auth.Identity(p, ""))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestedTenant reads the explicit tenant selection: header first, then query.
func requestedTenant(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(tenantHeader)); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get(tenantQuery))
}

// bindTenant resolves the acting tenant, authorizes it at level and runs the handler
// inside a transaction bound to that tenant. The handler's response is held until the
// transaction is released: it commits only when the handler answered below 400, and a
// failed commit replaces the response with 503.
func (a *API) bindTenant(level tenant.Level) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := principalFromContext(r.Context())
			if !ok {
				a.respondErr(w, r, auth.ErrAuthentication)
				return
			}
			target, err := a.access.Resolve(r.Context(), p, requestedTenant(r), level, clientIP(r), r.UserAgent())
			if err != nil {
				a.respondErr(w, r, err)
				return
			}
			ctx := auth.ContextWithIdentity(r.Context(), a.auth.Identity(p, target))
			if a.binder == nil {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			ran := false
			buf := newBufferedResponse()
			scope := tenant.Scope{PrincipalID: p.ID, Role: p.Role, TenantID: target}
			err = a.binder.Run(ctx, scope, func(ctx context.Context, _ *tenant.Bound) error {
				ran = true
				next.ServeHTTP(buf, r.WithContext(ctx))
				if buf.code >= http.StatusBadRequest {
					return errRollback
				}
				return nil
			})
			switch {
			case err == nil, errors.Is(err, errRollback):
				buf.flush(w)
			case !ran:
				a.respondErr(w, r, err)
			default:
				obs.Logger().Error("tenant transaction failed",
					"request_id", RequestIDFromContext(r.Context()),
					"tenant_id", target,
					"err", err)
				a.respondErr(w, r, err)
			}
		})
	}
}

// bufferedResponse holds a bound handler's response until its transaction is released.
type bufferedResponse struct {
	header      http.Header
	code        int
	wroteHeader bool
	body        bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header), code: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(code int) {
	if !b.wroteHeader {
		b.code = code
		b.wroteHeader = true
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	b.wroteHeader = true
	return b.body.Write(p)
}

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	w.WriteHeader(b.code)
	_, _ = w.Write(b.body.Bytes())
}

// requirePermission answers 403 unless the request identity holds perm.
func requirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				writeError(w, r, http.StatusUnauthorized, CodeMissingToken, "authentication required")
				return
			}
			if !id.Can(perm) {
				writeError(w, r, http.StatusForbidden, CodeInsufficientPerms, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractBearerToken splits "Bearer <token>". A bare scheme counts as a missing token.
func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingToken
	}
	scheme, token, _ := strings.Cut(header, " ")
	if !strings.EqualFold(scheme, bearerScheme) {
		return "", errBadScheme
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", errMissingToken
	}
	return token, nil
}
