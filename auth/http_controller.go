package auth

import (
	"encoding/json"
	"strings"

	"github.com/goliatone/go-civic/media"
	"github.com/goliatone/go-civic/middleware/csrf"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
)

// AuthControllerRoutes holds the route prefix for the auth endpoints
type AuthControllerRoutes struct {
	Prefix string
}

// AuthController exposes account and session flows over JSON
type AuthController struct {
	Debug    bool
	Logger   Logger
	Accounts *Accounts
	Auth     Authenticator
	Tokens   *TokenService
	Cookies  CookieConfig
	Routes   *AuthControllerRoutes
	// CSRF, when set, issues the token returned with a new session
	CSRF *csrf.Signer
}

// NewAuthController returns a controller mounted under /auth
func NewAuthController(accounts *Accounts, auther Authenticator, tokens *TokenService, cookies CookieConfig) *AuthController {
	return &AuthController{
		Logger:   defLogger{},
		Accounts: accounts,
		Auth:     auther,
		Tokens:   tokens,
		Cookies:  cookies.withDefaults(),
		Routes: &AuthControllerRoutes{
			Prefix: "/auth",
		},
	}
}

type refreshTokenPayload struct {
	RefreshToken string `json:"refreshToken" form:"refreshToken"`
}

func (a *AuthController) Register(c router.Context) error {
	var payload RegisterUserMessage
	if err := a.parse(c, &payload); err != nil {
		return err
	}

	avatar, closeFn, err := media.FromForm(c, "avatar")
	if err != nil {
		return badRequest(err, "failed to read avatar upload")
	}
	defer closeFn()

	if avatar != nil {
		if err := avatar.Validate(); err != nil {
			return err
		}
		payload.Avatar = avatar
	}

	user, err := a.Accounts.Register(c.Context(), payload)
	if err != nil {
		return err
	}

	return c.JSON(router.StatusCreated, map[string]any{
		"success": true,
		"message": "Registration successful. Check your email to verify your account.",
		"user":    user.Public(),
	})
}

func (a *AuthController) Login(c router.Context) error {
	var payload LoginRequest
	if err := a.parse(c, &payload); err != nil {
		return err
	}

	res, err := a.Auth.Login(c.Context(), payload)
	if err != nil {
		return err
	}

	a.Cookies.SetSessionCookies(c, res.Tokens)

	body := map[string]any{
		"success":     true,
		"user":        res.User.Public(),
		"accessToken": res.Tokens.AccessToken,
	}
	if err := a.withCSRFToken(body, res.User.ID.String()); err != nil {
		return err
	}

	return c.JSON(router.StatusOK, body)
}

// RefreshToken reads the refresh token from its cookie, falling back
// to the request body.
func (a *AuthController) RefreshToken(c router.Context) error {
	token := c.Cookies(a.Cookies.RefreshName)
	if token == "" {
		var payload refreshTokenPayload
		if len(c.Body()) > 0 {
			if err := a.parse(c, &payload); err != nil {
				return err
			}
		}
		token = strings.TrimSpace(payload.RefreshToken)
	}

	if token == "" {
		return ErrMissingToken
	}

	res, err := a.Auth.Refresh(c.Context(), token)
	if err != nil {
		return err
	}

	a.Cookies.SetSessionCookies(c, res.Tokens)

	body := map[string]any{
		"success":      true,
		"accessToken":  res.Tokens.AccessToken,
		"refreshToken": res.Tokens.RefreshToken,
	}
	if err := a.withCSRFToken(body, res.User.ID.String()); err != nil {
		return err
	}

	return c.JSON(router.StatusOK, body)
}

func (a *AuthController) Logout(c router.Context) error {
	principal, err := MustPrincipal(c)
	if err != nil {
		return err
	}

	if err := a.Auth.Logout(c.Context(), principal); err != nil {
		return err
	}

	a.Cookies.ClearSessionCookies(c)

	return c.JSON(router.StatusOK, map[string]any{
		"success": true,
		"message": "Logged out",
	})
}

// VerifyEmail accepts the token in the body or, for links, as ?token=
func (a *AuthController) VerifyEmail(c router.Context) error {
	var payload VerifyEmailMessage
	if len(c.Body()) > 0 {
		if err := a.parse(c, &payload); err != nil {
			return err
		}
	}

	if payload.Token == "" {
		payload.Token = c.Query("token")
	}

	if _, err := a.Accounts.VerifyEmail(c.Context(), payload); err != nil {
		return err
	}

	return c.JSON(router.StatusOK, map[string]any{
		"success": true,
		"message": "Email verified",
	})
}

func (a *AuthController) ResendVerification(c router.Context) error {
	var payload ResendVerificationMessage
	if err := a.parse(c, &payload); err != nil {
		return err
	}

	if err := a.Accounts.ResendVerification(c.Context(), payload); err != nil {
		return err
	}

	return c.JSON(router.StatusOK, map[string]any{
		"success": true,
		"message": "Verification email sent",
	})
}

// ForgotPassword answers the same way whether or not the email exists
func (a *AuthController) ForgotPassword(c router.Context) error {
	var payload InitializePasswordResetMessage
	if err := a.parse(c, &payload); err != nil {
		return err
	}

	if err := a.Accounts.InitializePasswordReset(c.Context(), payload); err != nil {
		return err
	}

	return c.JSON(router.StatusOK, map[string]any{
		"success": true,
		"message": "If an account exists for that email, a reset link has been sent",
	})
}

func (a *AuthController) VerifyResetToken(c router.Context) error {
	if err := a.Accounts.VerifyResetToken(c.Context(), c.Query("token")); err != nil {
		return err
	}

	return c.JSON(router.StatusOK, map[string]any{
		"success": true,
		"valid":   true,
	})
}

func (a *AuthController) ResetPassword(c router.Context) error {
	var payload FinalizePasswordResetMessage
	if err := a.parse(c, &payload); err != nil {
		return err
	}

	if _, err := a.Accounts.FinalizePasswordReset(c.Context(), payload); err != nil {
		return err
	}

	a.Cookies.ClearSessionCookies(c)

	return c.JSON(router.StatusOK, map[string]any{
		"success": true,
		"message": "Password has been reset",
	})
}

// VerifyToken returns the session user; the middleware did the work
func (a *AuthController) VerifyToken(c router.Context) error {
	principal, err := MustPrincipal(c)
	if err != nil {
		return err
	}

	user, err := a.Accounts.CurrentUser(c.Context(), principal)
	if err != nil {
		return err
	}

	return c.JSON(router.StatusOK, map[string]any{
		"success": true,
		"user":    user.Public(),
	})
}

func (a *AuthController) UpdateAccount(c router.Context) error {
	principal, err := MustPrincipal(c)
	if err != nil {
		return err
	}

	var payload UpdateAccountMessage
	if err := a.parse(c, &payload); err != nil {
		return err
	}

	user, err := a.Accounts.UpdateAccount(c.Context(), principal, payload)
	if err != nil {
		return err
	}

	return c.JSON(router.StatusOK, map[string]any{
		"success": true,
		"user":    user.Public(),
	})
}

func (a *AuthController) UpdateAvatar(c router.Context) error {
	principal, err := MustPrincipal(c)
	if err != nil {
		return err
	}

	avatar, closeFn, err := media.FromForm(c, "avatar")
	if err != nil {
		return badRequest(err, "failed to read avatar upload")
	}
	defer closeFn()

	if avatar == nil {
		return goerrors.New("avatar file is required", goerrors.CategoryValidation).
			WithCode(goerrors.CodeBadRequest).
			WithTextCode("AVATAR_REQUIRED")
	}

	user, err := a.Accounts.UpdateAvatar(c.Context(), principal, *avatar)
	if err != nil {
		return err
	}

	return c.JSON(router.StatusOK, map[string]any{
		"success": true,
		"user":    user.Public(),
	})
}

// ChangePassword revokes the old session and issues a fresh pair
func (a *AuthController) ChangePassword(c router.Context) error {
	principal, err := MustPrincipal(c)
	if err != nil {
		return err
	}

	var payload ChangePasswordMessage
	if err := a.parse(c, &payload); err != nil {
		return err
	}

	if err := a.Accounts.ChangePassword(c.Context(), principal, payload); err != nil {
		return err
	}

	user, err := a.Accounts.CurrentUser(c.Context(), principal)
	if err != nil {
		return err
	}

	pair, err := a.Tokens.IssueTokenPair(c.Context(), user)
	if err != nil {
		return err
	}

	a.Cookies.SetSessionCookies(c, pair)

	return c.JSON(router.StatusOK, map[string]any{
		"success":     true,
		"message":     "Password changed",
		"accessToken": pair.AccessToken,
	})
}

func (a *AuthController) parse(c router.Context, out any) error {
	if err := c.Bind(out); err != nil {
		return badRequest(err, "malformed request body")
	}

	if a.Debug {
		a.Logger.Debug("request payload", "path", c.Path(), "body", print.MaybePrettyJSON(redact(out)))
	}

	return nil
}

func (a *AuthController) withCSRFToken(body map[string]any, session string) error {
	if a.CSRF == nil {
		return nil
	}
	token, err := a.CSRF.Token(session)
	if err != nil {
		return internalError(err, "failed to issue csrf token")
	}
	body["csrfToken"] = token
	return nil
}

// redact masks secrets before a payload is logged
func redact(payload any) any {
	raw, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return payload
	}
	for k := range fields {
		lk := strings.ToLower(k)
		if strings.Contains(lk, "password") || strings.Contains(lk, "token") {
			fields[k] = "***"
		}
	}
	return fields
}

func badRequest(err error, msg string) error {
	return goerrors.Wrap(err, goerrors.CategoryBadInput, msg).
		WithCode(goerrors.CodeBadRequest)
}
