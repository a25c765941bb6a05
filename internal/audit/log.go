package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"edunexus.org/internal/ids"
	"edunexus.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Incident types written to audit_events.
const (
	UnauthorizedTenantAccess = "unauthorized_tenant_access"
	ContextSwitch            = "context_switch"
	TokenReuseDetected       = "token_reuse_detected"
	AccountLocked            = "account_locked"
	TenantAccessGranted      = "tenant_access_granted"
	TenantAccessRevoked      = "tenant_access_revoked"
)

// Event is an append-only security incident.
type Event struct {
	ID                string
	Type              string
	PrincipalID       string
	TenantID          string
	AttemptedTenantID string
	ActualTenantID    string
	IP                string
	UserAgent         string
	OccurredAt        time.Time
	Metadata          map[string]string
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, ev *Event) error
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log line enriched with the request id.
func LogEvent(ctx context.Context, level slog.Level, msg string, ev *Event) error {
	if ev == nil || strings.TrimSpace(ev.Type) == "" {
		return errors.New("audit: event type is required")
	}
	attrs := []slog.Attr{
		slog.String("type", "audit"),
		slog.String("event", ev.Type),
		slog.String("event_id", ev.ID),
		slog.Time("occurred_at", ev.OccurredAt),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
	}
	optional := []struct{ key, val string }{
		{"principal_id", ev.PrincipalID},
		{"tenant_id", ev.TenantID},
		{"attempted_tenant_id", ev.AttemptedTenantID},
		{"actual_tenant_id", ev.ActualTenantID},
		{"ip", ev.IP},
		{"user_agent", ev.UserAgent},
	}
	for _, f := range optional {
		if f.val != "" {
			attrs = append(attrs, slog.String(f.key, f.val))
		}
	}
	if len(ev.Metadata) > 0 {
		fields := make([]any, 0, len(ev.Metadata))
		for k, v := range ev.Metadata {
			fields = append(fields, slog.String(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", fields...))
	}
	obs.Logger().LogAttrs(context.WithoutCancel(ctx), level, msg, attrs...)
	return nil
}

// Recorder appends events to the store and diverts them to the fallback log when the store fails.
type Recorder struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
}

// RecorderOption configures Recorder.
type RecorderOption func(*Recorder)

// WithTimeout bounds each Append call.
func WithTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRecorder builds a Recorder. A nil store logs every event to the fallback channel.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store, timeout: 3 * time.Second, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record persists ev. The returned error is informational: the event has already been
// written to the fallback log when it is non-nil.
func (r *Recorder) Record(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = r.now().UTC()
	}
	if r.store == nil {
		_ = LogEvent(ctx, slog.LevelInfo, "audit_event", &ev)
		return nil
	}

	// a cancelled request must not drop the incident
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	err := r.store.Append(actx, &ev)
	if err == nil {
		return nil
	}

	obs.AuditFallback()
	_ = LogEvent(ctx, slog.LevelError, "audit_fallback", &ev)
	obs.Logger().Error("audit append failed", "event_id", ev.ID, "err", err)
	return err
}
