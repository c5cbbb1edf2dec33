package auth_test

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-civic/auth"
	"github.com/goliatone/go-civic/middleware/csrf"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCSRF = auth.NewCSRFSigner("access-secret-0123456789", time.Hour)

func testErrorHandler(c *fiber.Ctx, err error) error {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr.Code != 0 {
		return c.Status(richErr.Code).JSON(fiber.Map{
			"success":   false,
			"message":   richErr.Message,
			"text_code": richErr.TextCode,
		})
	}
	return fiber.DefaultErrorHandler(c, err)
}

func newTestApp(t *testing.T, f *fixture) *fiber.App {
	t.Helper()

	srv := router.NewFiberAdapter(func(_ *fiber.App) *fiber.App {
		return fiber.New(fiber.Config{ErrorHandler: testErrorHandler})
	})

	cookies := auth.DefaultCookieConfig(false)
	ctrl := auth.NewAuthController(f.accounts, f.auther, f.tokens, cookies)
	ctrl.CSRF = testCSRF
	auth.RegisterAuthRoutes(srv.Router(), ctrl,
		auth.ProtectedRoute(f.tokens, f.users, cookies),
		auth.CSRFProtection(testCSRF),
	)
	return srv.WrappedRouter()
}

func jsonRequest(method, target string, payload any) *http.Request {
	var body io.Reader
	if payload != nil {
		b, _ := json.Marshal(payload)
		body = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, body)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return req
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func cookieValue(resp *http.Response, name string) string {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func TestHTTP_LoginSetsCookiesAndVerifyToken(t *testing.T) {
	f := newFixture(t)
	app := newTestApp(t, f)
	f.seedUser(t, "alice@example.com", "password123", auth.RoleUser)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/auth/login", map[string]string{
		"email":    "alice@example.com",
		"password": "password123",
	}), -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	access := cookieValue(resp, "accessToken")
	refresh := cookieValue(resp, "refreshToken")
	assert.NotEmpty(t, access)
	assert.NotEmpty(t, refresh)

	for _, c := range resp.Cookies() {
		assert.True(t, c.HttpOnly)
		assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	}

	body := decode(t, resp)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, access, body["accessToken"])
	user := body["user"].(map[string]any)
	assert.NotContains(t, user, "password_hash")

	req := httptest.NewRequest(http.MethodGet, "/auth/verify-token", nil)
	req.AddCookie(&http.Cookie{Name: "accessToken", Value: access})
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/auth/verify-token", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+access)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTP_ProtectedRouteErrors(t *testing.T) {
	f := newFixture(t)
	app := newTestApp(t, f)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/auth/verify-token", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, auth.TextCodeMissingToken, decode(t, resp)["text_code"])

	req := httptest.NewRequest(http.MethodGet, "/auth/verify-token", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer garbage")
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, auth.TextCodeInvalidToken, decode(t, resp)["text_code"])
}

func TestHTTP_DeletedUserTokenIsRejected(t *testing.T) {
	f := newFixture(t)
	app := newTestApp(t, f)
	user := f.seedUser(t, "alice@example.com", "password123", auth.RoleUser)

	access, _, err := f.tokens.IssueAccessToken(user)
	require.NoError(t, err)

	f.users.mu.Lock()
	delete(f.users.byID, user.ID)
	f.users.mu.Unlock()

	req := httptest.NewRequest(http.MethodGet, "/auth/verify-token", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+access)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHTTP_RefreshFromBodyAndReplay(t *testing.T) {
	f := newFixture(t)
	app := newTestApp(t, f)
	user := f.seedUser(t, "alice@example.com", "password123", auth.RoleUser)

	res, err := f.auther.Login(t.Context(), auth.LoginRequest{Email: user.Email, Password: "password123"})
	require.NoError(t, err)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/auth/refresh-token", map[string]string{
		"refreshToken": res.Tokens.RefreshToken,
	}), -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.NotEqual(t, res.Tokens.RefreshToken, body["refreshToken"])

	resp, err = app.Test(jsonRequest(http.MethodPost, "/auth/refresh-token", map[string]string{
		"refreshToken": res.Tokens.RefreshToken,
	}), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = app.Test(jsonRequest(http.MethodPost, "/auth/refresh-token", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHTTP_LogoutClearsCookies(t *testing.T) {
	f := newFixture(t)
	app := newTestApp(t, f)
	user := f.seedUser(t, "alice@example.com", "password123", auth.RoleUser)

	res, err := f.auther.Login(t.Context(), auth.LoginRequest{Email: user.Email, Password: "password123"})
	require.NoError(t, err)

	csrfToken, err := testCSRF.Token(user.ID.String())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: "accessToken", Value: res.Tokens.AccessToken})
	req.Header.Set(csrf.DefaultHeaderName, csrfToken)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for _, c := range resp.Cookies() {
		assert.Empty(t, c.Value)
	}

	stored, err := f.users.GetByID(t.Context(), user.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.RefreshToken)
}

func TestHTTP_RegisterMultipartAndRoleMismatch(t *testing.T) {
	f := newFixture(t)
	app := newTestApp(t, f)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("fullName", "Jane Citizen"))
	require.NoError(t, w.WriteField("email", "jane@example.com"))
	require.NoError(t, w.WriteField("password", "correct-horse"))
	require.NoError(t, w.WriteField("passwordConfirm", "correct-horse"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/auth/register", &buf)
	req.Header.Set(fiber.HeaderContentType, w.FormDataContentType())
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, true, body["success"])

	resp, err = app.Test(jsonRequest(http.MethodPost, "/auth/login", map[string]string{
		"email":    "jane@example.com",
		"password": "correct-horse",
		"role":     "admin",
	}), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHTTP_ForgotPasswordUnknownEmail(t *testing.T) {
	f := newFixture(t)
	app := newTestApp(t, f)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/auth/forgot-password", map[string]string{
		"email": "ghost@example.com",
	}), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, f.mail.count())

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/auth/verify-reset-token?token=nope", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, auth.TextCodeInvalidOrExpired, decode(t, resp)["text_code"])
}

func TestHTTP_CookieSessionRequiresCSRFToken(t *testing.T) {
	f := newFixture(t)
	app := newTestApp(t, f)
	f.seedUser(t, "alice@example.com", "password123", auth.RoleUser)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/auth/login", map[string]string{
		"email":    "alice@example.com",
		"password": "password123",
	}), -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	access := cookieValue(resp, "accessToken")
	csrfToken, _ := decode(t, resp)["csrfToken"].(string)
	require.NotEmpty(t, csrfToken)

	// a cross site form post carries the cookie but can not set headers
	form := url.Values{"fullName": {"Mallory"}}
	req := httptest.NewRequest(http.MethodPatch, "/auth/update-account", strings.NewReader(form.Encode()))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationForm)
	req.AddCookie(&http.Cookie{Name: "accessToken", Value: access})
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, csrf.TextCodeTokenMissing, decode(t, resp)["text_code"])

	req = jsonRequest(http.MethodPatch, "/auth/update-account", map[string]string{"fullName": "Mallory"})
	req.AddCookie(&http.Cookie{Name: "accessToken", Value: access})
	req.Header.Set(csrf.DefaultHeaderName, "forged")
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, csrf.TextCodeTokenInvalid, decode(t, resp)["text_code"])

	req = jsonRequest(http.MethodPatch, "/auth/update-account", map[string]string{"fullName": "Alice Liddell"})
	req.AddCookie(&http.Cookie{Name: "accessToken", Value: access})
	req.Header.Set(csrf.DefaultHeaderName, csrfToken)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Alice Liddell", decode(t, resp)["user"].(map[string]any)["full_name"])

	// bearer clients are not exposed to cross site forms
	req = jsonRequest(http.MethodPatch, "/auth/update-account", map[string]string{"fullName": "Alice"})
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+access)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTP_CSRFTokenEndpoint(t *testing.T) {
	f := newFixture(t)
	app := newTestApp(t, f)
	user := f.seedUser(t, "alice@example.com", "password123", auth.RoleUser)

	access, _, err := f.tokens.IssueAccessToken(user)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/auth/csrf", nil)
	req.AddCookie(&http.Cookie{Name: "accessToken", Value: access})
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store, max-age=0", resp.Header.Get("Cache-Control"))

	body := decode(t, resp)
	assert.Equal(t, csrf.DefaultHeaderName, body["headerName"])
	token, _ := body["csrfToken"].(string)
	assert.NoError(t, testCSRF.Verify(user.ID.String(), token))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/auth/csrf", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHTTP_VerifyEmailFromLinkQuery(t *testing.T) {
	f := newFixture(t)
	app := newTestApp(t, f)

	user, err := f.accounts.Register(t.Context(), registration())
	require.NoError(t, err)
	token := tokenFromMail(t, f.mail)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/auth/verify-email?token="+url.QueryEscape(token), nil), -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := f.users.GetByID(t.Context(), user.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsEmailVerified)

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/auth/verify-email", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
