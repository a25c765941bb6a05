package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"edunexus.org/internal/auth"
	"edunexus.org/internal/obs"
)

// Error codes returned in the failure envelope.
const (
	CodeMissingToken      = "MISSING_TOKEN"
	CodeTokenExpired      = "TOKEN_EXPIRED"
	CodeInvalidToken      = "INVALID_TOKEN"
	CodeTokenReused       = "TOKEN_REUSED"
	CodeInvalidCreds      = "INVALID_CREDENTIALS"
	CodeAccountLocked     = "ACCOUNT_LOCKED"
	CodeAccountInactive   = "ACCOUNT_INACTIVE"
	CodeInsufficientPerms = "INSUFFICIENT_PERMISSIONS"
	CodeTenantDenied      = "TENANT_ACCESS_DENIED"
	CodeRateLimited       = "RATE_LIMIT_EXCEEDED"
	CodeUnavailable       = "SERVICE_UNAVAILABLE"
	CodeBadRequest        = "BAD_REQUEST"
	CodeNotFound          = "NOT_FOUND"
	CodeConflict          = "CONFLICT"
	CodeMethodNotAllowed  = "METHOD_NOT_ALLOWED"
	CodeInternal          = "INTERNAL_ERROR"
)

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Details   string `json:"details,omitempty"`
}

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, envelope{Error: &errorBody{
		Code:      code,
		Message:   msg,
		RequestID: RequestIDFromContext(r.Context()),
	}})
}

// mapError translates the error taxonomy into status, code and a generic message.
func mapError(err error) (int, string, string) {
	var tokErr *auth.TokenError
	switch {
	case errors.Is(err, auth.ErrTokenReuse):
		return http.StatusUnauthorized, CodeTokenReused, "refresh token already used; all sessions revoked"
	case errors.As(err, &tokErr):
		if tokErr.Kind == auth.TokenExpired {
			return http.StatusUnauthorized, CodeTokenExpired, "token expired"
		}
		return http.StatusUnauthorized, CodeInvalidToken, "invalid token"
	case errors.Is(err, auth.ErrAccountLocked):
		return http.StatusForbidden, CodeAccountLocked, "account temporarily locked"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, CodeInvalidCreds, "invalid email or password"
	case errors.Is(err, auth.ErrAccountInactive):
		return http.StatusUnauthorized, CodeAccountInactive, "account is not active"
	case errors.Is(err, auth.ErrAuthentication):
		return http.StatusUnauthorized, CodeInvalidToken, "authentication required"
	case errors.Is(err, auth.ErrTenantIsolation):
		return http.StatusForbidden, CodeTenantDenied, "access to this tenant is denied"
	case errors.Is(err, auth.ErrAuthorization):
		return http.StatusForbidden, CodeInsufficientPerms, "insufficient permissions"
	case errors.Is(err, auth.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, CodeUnavailable, "service temporarily unavailable"
	case errors.Is(err, auth.ErrInvalidInput):
		return http.StatusBadRequest, CodeBadRequest, "invalid request"
	case errors.Is(err, auth.ErrNotFound):
		return http.StatusNotFound, CodeNotFound, "resource not found"
	case errors.Is(err, auth.ErrConflict):
		return http.StatusConflict, CodeConflict, "resource already exists"
	}
	return http.StatusInternalServerError, CodeInternal, "internal error"
}

// respondErr writes the mapped failure. Raw error text is attached only in dev mode.
func (a *API) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		obs.Logger().Error("request failed",
			"request_id", RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"code", code,
			"err", err)
	}
	body := &errorBody{Code: code, Message: msg, RequestID: RequestIDFromContext(r.Context())}
	if a.dev {
		body.Details = err.Error()
	}
	writeJSON(w, status, envelope{Error: body})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, CodeNotFound, "resource not found")
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeError(w, r, http.StatusBadRequest, CodeBadRequest, strings.TrimSpace(msg))
}
