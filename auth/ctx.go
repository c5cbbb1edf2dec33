package auth

import (
	"context"

	"github.com/goliatone/go-router"
	"github.com/google/uuid"
)

// PrincipalContextKey is the Locals key holding the Principal
const PrincipalContextKey = "principal"

var principalCtxKey = &contextKey{"principal"}

type contextKey struct {
	name string
}

// Principal is the authenticated identity resolved from an access token.
// Role comes from the stored user, never from the token.
type Principal struct {
	ID       uuid.UUID `json:"id"`
	Role     Role      `json:"role"`
	Email    string    `json:"email"`
	FullName string    `json:"full_name"`
}

// IsAdmin reports whether the principal holds the admin role
func (p Principal) IsAdmin() bool {
	return p.Role.IsAdmin()
}

// WithPrincipal sets the Principal in the given context
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey, p)
}

// PrincipalFromContext finds the principal in the context
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalCtxKey).(Principal)
	return p, ok
}

// GetPrincipal extracts the principal stored by the session middleware
func GetPrincipal(c router.Context) (Principal, bool) {
	if p, ok := c.Locals(PrincipalContextKey).(Principal); ok {
		return p, true
	}
	return PrincipalFromContext(c.Context())
}

// MustPrincipal returns the principal or ErrMissingToken
func MustPrincipal(c router.Context) (Principal, error) {
	p, ok := GetPrincipal(c)
	if !ok || p.ID == uuid.Nil {
		return Principal{}, ErrMissingToken
	}
	return p, nil
}
