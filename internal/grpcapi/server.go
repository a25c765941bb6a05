// Package grpcapi serves the gRPC surface: bearer-token interceptors sharing the HTTP
// authentication path, and the standard health service.
package grpcapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"edunexus.org/internal/auth"
	"edunexus.org/internal/obs"
	"edunexus.org/internal/tenant"
)

const (
	authorizationKey = "authorization"
	tenantKey        = "x-tenant-id"
	bearerScheme     = "bearer"
)

// Authenticator resolves request identities for gRPC calls.
type Authenticator struct {
	authn  *auth.Authenticator
	access *tenant.AccessController
	public map[string]bool
}

// Option configures Authenticator.
type Option func(*Authenticator)

// WithPublicMethods lists full method names that skip authentication.
func WithPublicMethods(methods ...string) Option {
	return func(a *Authenticator) {
		for _, m := range methods {
			a.public[m] = true
		}
	}
}

// NewAuthenticator builds the interceptor state. Health checks are public by default.
func NewAuthenticator(authn *auth.Authenticator, access *tenant.AccessController, opts ...Option) *Authenticator {
	a := &Authenticator{
		authn:  authn,
		access: access,
		public: map[string]bool{"/grpc.health.v1.Health/Check": true},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Unary returns the unary server interceptor.
func (a *Authenticator) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if a.public[info.FullMethod] {
			return handler(ctx, req)
		}
		ctx, err := a.identify(ctx)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

type identifiedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *identifiedStream) Context() context.Context { return s.ctx }

// Stream returns the stream server interceptor.
func (a *Authenticator) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if a.public[info.FullMethod] {
			return handler(srv, ss)
		}
		ctx, err := a.identify(ss.Context())
		if err != nil {
			return err
		}
		return handler(srv, &identifiedStream{ServerStream: ss, ctx: ctx})
	}
}

// identify mirrors the HTTP path: verify, recheck the principal, resolve the tenant.
func (a *Authenticator) identify(ctx context.Context) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	token := first(md, authorizationKey)
	if token == "" {
		return nil, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	scheme, raw, _ := strings.Cut(token, " ")
	if !strings.EqualFold(scheme, bearerScheme) {
		return nil, status.Error(codes.Unauthenticated, "invalid authorization scheme")
	}
	if raw = strings.TrimSpace(raw); raw == "" {
		return nil, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	p, err := a.authn.Authenticate(ctx, auth.AccessToken(raw))
	if err != nil {
		return nil, toStatus(err)
	}

	requested := first(md, tenantKey)
	target := ""
	if requested != "" || p.TenantID != "" {
		target, err = a.access.Resolve(ctx, p, requested, tenant.LevelRead, peerAddr(md), first(md, "user-agent"))
		if err != nil {
			return nil, toStatus(err)
		}
	}
	return auth.ContextWithIdentity(ctx, a.authn.Identity(p, target)), nil
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}

func peerAddr(md metadata.MD) string {
	if v := first(md, "x-forwarded-for"); v != "" {
		return strings.TrimSpace(strings.Split(v, ",")[0])
	}
	return ""
}

// toStatus maps the error taxonomy onto gRPC codes with generic messages.
func toStatus(err error) error {
	switch {
	case errors.Is(err, auth.ErrTokenReuse), errors.Is(err, auth.ErrAuthentication):
		return status.Error(codes.Unauthenticated, "authentication failed")
	case errors.Is(err, auth.ErrAccountLocked):
		return status.Error(codes.PermissionDenied, "account locked")
	case errors.Is(err, auth.ErrTenantIsolation):
		return status.Error(codes.PermissionDenied, "tenant access denied")
	case errors.Is(err, auth.ErrAuthorization):
		return status.Error(codes.PermissionDenied, "insufficient permissions")
	case errors.Is(err, auth.ErrStoreUnavailable):
		return status.Error(codes.Unavailable, "service temporarily unavailable")
	case errors.Is(err, auth.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, "invalid request")
	}
	obs.Logger().Error("grpc request failed", "err", err)
	return status.Error(codes.Internal, "internal error")
}

// NewServer builds a gRPC server with the auth interceptors and a health service.
func NewServer(a *Authenticator, hs *health.Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(a.Unary()),
		grpc.ChainStreamInterceptor(a.Stream()),
	)
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, hs)
	return srv
}

// WatchReadiness flips the health status with the result of check until ctx is done.
func WatchReadiness(ctx context.Context, hs *health.Server, check func(context.Context) error, every time.Duration) {
	if every <= 0 {
		every = 10 * time.Second
	}
	update := func() {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		st := healthpb.HealthCheckResponse_SERVING
		if check != nil {
			if err := check(cctx); err != nil {
				st = healthpb.HealthCheckResponse_NOT_SERVING
			}
		}
		hs.SetServingStatus("", st)
	}
	update()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			update()
		}
	}
}
