package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"time"

	"github.com/goliatone/go-civic/middleware/csrf"
	"github.com/goliatone/go-civic/middleware/jwtware"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-router"
	"github.com/google/uuid"
)

const (
	cookieSameSiteLax  = "Lax"
	cookieSameSiteNone = "None"
)

// CookieConfig controls the session cookies
type CookieConfig struct {
	AccessName  string
	RefreshName string
	Domain      string
	Path        string
	Secure      bool
	// SameSite is one of Lax, Strict or None
	SameSite string
}

// DefaultCookieConfig returns the cookie policy for the environment.
// Production cookies are Secure and SameSite=None so a separately hosted
// frontend can send them; development uses Lax over plain HTTP.
func DefaultCookieConfig(production bool) CookieConfig {
	cfg := CookieConfig{
		AccessName:  "accessToken",
		RefreshName: "refreshToken",
		Path:        "/",
		SameSite:    cookieSameSiteLax,
	}
	if production {
		cfg.Secure = true
		cfg.SameSite = cookieSameSiteNone
	}
	return cfg
}

func (cc CookieConfig) withDefaults() CookieConfig {
	def := DefaultCookieConfig(cc.Secure)
	if cc.AccessName == "" {
		cc.AccessName = def.AccessName
	}
	if cc.RefreshName == "" {
		cc.RefreshName = def.RefreshName
	}
	if cc.Path == "" {
		cc.Path = def.Path
	}
	if cc.SameSite == "" {
		cc.SameSite = def.SameSite
	}
	return cc
}

func (cc CookieConfig) set(c router.Context, name, value string, expires time.Time) {
	c.Cookie(&router.Cookie{
		Name:     name,
		Value:    value,
		Path:     cc.Path,
		Domain:   cc.Domain,
		Expires:  expires,
		HTTPOnly: true,
		Secure:   cc.Secure,
		SameSite: cc.SameSite,
	})
}

// SetSessionCookies writes both token cookies
func (cc CookieConfig) SetSessionCookies(c router.Context, pair *TokenPair) {
	cc.set(c, cc.AccessName, pair.AccessToken, pair.AccessExpiresAt)
	cc.set(c, cc.RefreshName, pair.RefreshToken, pair.RefreshExpires)
}

// ClearSessionCookies expires both token cookies
func (cc CookieConfig) ClearSessionCookies(c router.Context) {
	past := time.Unix(0, 0)
	cc.set(c, cc.AccessName, "", past)
	cc.set(c, cc.RefreshName, "", past)
}

// ProtectedRoute returns the session middleware. It accepts the access
// token from the cookie first and the Authorization header second, then
// checks that the user still exists before attaching the Principal.
func ProtectedRoute(tokens *TokenService, users Users, cookies CookieConfig) router.MiddlewareFunc {
	cookies = cookies.withDefaults()

	return jwtware.New(jwtware.Config{
		ContextKey:     PrincipalContextKey,
		TokenLookup:    "cookie:" + cookies.AccessName + ",header:" + router.HeaderAuthorization,
		TokenValidator: tokens,
		Resolver: func(ctx context.Context, claims jwtware.Claims) (any, error) {
			id, err := uuid.Parse(claims.UserID())
			if err != nil {
				return nil, ErrInvalidToken
			}
			user, err := users.GetByID(ctx, id)
			if err != nil {
				if errors.Is(err, ErrUserNotFound) {
					return nil, ErrInvalidToken
				}
				return nil, internalError(err, "failed to resolve session user")
			}
			return user.Principal(), nil
		},
		ContextEnricher: func(ctx context.Context, principal any) context.Context {
			if p, ok := principal.(Principal); ok {
				return WithPrincipal(ctx, p)
			}
			return ctx
		},
		ErrorHandler: func(c router.Context, err error) error {
			if errors.Is(err, jwtware.ErrJWTMissingOrMalformed) {
				return ErrMissingToken
			}
			var richErr *goerrors.Error
			if goerrors.As(err, &richErr) && richErr.Category == goerrors.CategoryInternal {
				return richErr
			}
			return ErrInvalidToken
		},
	})
}

// NewCSRFSigner derives the CSRF signing key from secret, so every
// instance sharing the JWT secret accepts the same tokens.
func NewCSRFSigner(secret string, ttl time.Duration) *csrf.Signer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	key := sha256.Sum256([]byte("csrf:" + secret))
	return csrf.NewSigner(key[:], csrf.WithExpiration(ttl))
}

// CSRFProtection returns the double submit check for cookie sessions. It
// must run after ProtectedRoute. Requests that carry an Authorization
// header are exempt: a cross site form can not set one.
func CSRFProtection(signer *csrf.Signer) router.MiddlewareFunc {
	return csrf.New(csrf.Config{
		Signer: signer,
		Skip: func(c router.Context) bool {
			return c.GetString(router.HeaderAuthorization, "") != ""
		},
		SessionKey: csrfSessionKey,
	})
}

func csrfSessionKey(c router.Context) string {
	if p, ok := GetPrincipal(c); ok && p.ID != uuid.Nil {
		return p.ID.String()
	}
	return ""
}

// RegisterAuthRoutes mounts the auth endpoints on r. session is the chain
// guarding authenticated routes, normally ProtectedRoute followed by
// CSRFProtection.
func RegisterAuthRoutes[T any](r router.Router[T], controller *AuthController, session ...router.MiddlewareFunc) {
	g := r.Group(controller.Routes.Prefix)

	g.Post("/register", controller.Register).SetName("auth.register")
	g.Post("/login", controller.Login).SetName("auth.login")
	g.Post("/refresh-token", controller.RefreshToken).SetName("auth.refresh")
	g.Post("/logout", controller.Logout, session...).SetName("auth.logout")

	g.Post("/verify-email", controller.VerifyEmail).SetName("auth.verify-email")
	g.Post("/resend-verification", controller.ResendVerification).SetName("auth.resend-verification")
	g.Post("/forgot-password", controller.ForgotPassword).SetName("auth.forgot-password")
	g.Get("/verify-reset-token", controller.VerifyResetToken).SetName("auth.verify-reset-token")
	g.Post("/reset-password", controller.ResetPassword).SetName("auth.reset-password")

	g.Get("/verify-token", controller.VerifyToken, session...).SetName("auth.verify-token")
	g.Patch("/update-account", controller.UpdateAccount, session...).SetName("auth.update-account")
	g.Patch("/update-avatar", controller.UpdateAvatar, session...).SetName("auth.update-avatar")
	g.Post("/change-password", controller.ChangePassword, session...).SetName("auth.change-password")

	csrf.RegisterRoutes(g, csrf.RouteConfig{RouteName: "auth.csrf"}, session...)
}
