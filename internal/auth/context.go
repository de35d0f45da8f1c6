package auth

import "context"

type identityContextKey struct{}

// Identity is attached to every request that passed the authenticator.
// Anonymous identities are issued for whitelisted paths.
type Identity struct {
	User      *User
	Claims    Claims
	Anonymous bool
}

// AnonymousIdentity returns the identity used for whitelisted requests.
func AnonymousIdentity() Identity {
	return Identity{Anonymous: true}
}

// ContextWithIdentity attaches the identity to the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, &id)
}

// IdentityFromContext extracts the identity from the context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	v, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok || v == nil {
		return Identity{}, false
	}
	return *v, true
}

// Username returns the authenticated username or "" for anonymous callers.
func (i Identity) Username() string {
	if i.User == nil {
		return ""
	}
	return i.User.Username
}
