package auth

import "context"

type identityContextKey struct{}

// ContextWithIdentity attaches the resolved request identity to the context.
func ContextWithIdentity(ctx context.Context, id RequestIdentity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, &id)
}

// IdentityFromContext extracts the request identity from the context.
func IdentityFromContext(ctx context.Context) (RequestIdentity, bool) {
	if ctx == nil {
		return RequestIdentity{}, false
	}
	v, ok := ctx.Value(identityContextKey{}).(*RequestIdentity)
	if !ok || v == nil {
		return RequestIdentity{}, false
	}
	return *v, true
}
