// ABOUTME: Identity propagation through request handlers via context.
// ABOUTME: WithIdentity/FromContext carry the verified caller into handlers.

package auth

import "context"

// Identity is the authenticated caller attached to a request context by the
// middleware.
type Identity struct {
	Subject string
	Roles   []string
}

// IsAdmin returns true if the caller holds the admin or owner role.
// Administrative operations like force-release require it.
func (id *Identity) IsAdmin() bool {
	for _, r := range id.Roles {
		if r == "admin" || r == "owner" {
			return true
		}
	}
	return false
}

type identityKey struct{}

// WithIdentity returns a new context with the identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the identity, returning nil if the request was not
// authenticated.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
