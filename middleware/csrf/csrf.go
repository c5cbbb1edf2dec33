// Package csrf implements stateless double submit protection for cookie
// sessions. Tokens are HMAC signed and bound to a session key, so the
// server keeps no token state.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-router"
)

var (
	ErrTokenMismatch    = errors.New("CSRF token mismatch")
	ErrTokenMissing     = errors.New("CSRF token missing")
	ErrTokenExpired     = errors.New("CSRF token expired")
	ErrSecureKeyMissing = errors.New("CSRF secure key required")
	ErrSessionMissing   = errors.New("CSRF session missing")
)

const (
	TextCodeTokenMissing  = "CSRF_TOKEN_MISSING"
	TextCodeTokenInvalid  = "CSRF_TOKEN_INVALID"
	TextCodeTokenExpired  = "CSRF_TOKEN_EXPIRED"
	TextCodeConfiguration = "CSRF_CONFIGURATION"
)

// DefaultTokenLength is the nonce length in bytes
const DefaultTokenLength = 32

// DefaultContextKey is the Locals key holding the token for the request
const DefaultContextKey = "csrf_token"

// DefaultFormFieldName is the form field checked when TokenLookup names a form source
const DefaultFormFieldName = "_csrf"

// DefaultHeaderName is the header clients echo the token in
const DefaultHeaderName = "X-CSRF-Token"

// Config defines the configuration for the CSRF middleware
type Config struct {
	// Skip exempts a request from the check
	Skip func(router.Context) bool

	// SessionKey identifies the session a token is bound to. Defaults to
	// the session_id or user_id locals, then the client IP.
	SessionKey func(router.Context) string

	// Signer issues and verifies tokens. Built from SecureKey when nil.
	Signer *Signer

	TokenLength   int
	ContextKey    string
	FormFieldName string
	HeaderName    string

	// TokenLookup defines where to look for the token
	// Format: "header:X-CSRF-Token,form:_csrf"
	TokenLookup string

	ErrorHandler   router.ErrorHandler
	SuccessHandler router.HandlerFunc

	// SafeMethods are never checked
	SafeMethods []string

	// Expiration bounds the age of an accepted token
	Expiration time.Duration

	// SecureKey signs tokens, at least 32 bytes
	SecureKey []byte
}

// TokenExtractor defines a function to extract token from request
type TokenExtractor func(router.Context) (string, error)

// New creates a new CSRF middleware. Every request gets a fresh token in
// Locals; unsafe methods must carry a valid one.
func New(config ...Config) router.MiddlewareFunc {
	cfg := configDefault(config...)
	extractors := getExtractors(cfg.TokenLookup, cfg.FormFieldName, cfg.HeaderName)

	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			if cfg.Skip != nil && cfg.Skip(ctx) {
				return ctx.Next()
			}

			session := cfg.SessionKey(ctx)
			if session == "" {
				return cfg.ErrorHandler(ctx, ErrSessionMissing)
			}

			token, err := cfg.Signer.Token(session)
			if err != nil {
				return cfg.ErrorHandler(ctx, err)
			}

			ctx.Locals(cfg.ContextKey, token)
			ctx.Locals(cfg.ContextKey+"_header", cfg.HeaderName)

			// safe methods don't require validation
			if slices.Contains(cfg.SafeMethods, strings.ToUpper(ctx.Method())) {
				return cfg.SuccessHandler(ctx)
			}

			received := extractToken(ctx, extractors)
			if received == "" {
				return cfg.ErrorHandler(ctx, ErrTokenMissing)
			}

			if err := cfg.Signer.Verify(session, received); err != nil {
				return cfg.ErrorHandler(ctx, err)
			}

			return cfg.SuccessHandler(ctx)
		}
	}
}

// Signer issues stateless tokens of the form
// base64(timestamp:nonce:session:hmac).
type Signer struct {
	key        []byte
	length     int
	expiration time.Duration
	now        func() time.Time
}

// SignerOption customizes a Signer
type SignerOption func(*Signer)

// WithSignerClock injects a custom clock (useful for tests).
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// WithExpiration bounds the age of accepted tokens; zero disables the check
func WithExpiration(d time.Duration) SignerOption {
	return func(s *Signer) {
		s.expiration = d
	}
}

// WithTokenLength sets the nonce length in bytes
func WithTokenLength(n int) SignerOption {
	return func(s *Signer) {
		if n > 0 {
			s.length = n
		}
	}
}

// NewSigner returns a Signer for key. It panics when key is shorter than
// 32 bytes.
func NewSigner(key []byte, opts ...SignerOption) *Signer {
	if len(key) < 32 {
		panic(fmt.Errorf("csrf: secure key must be at least 32 bytes, got %d", len(key)))
	}

	s := &Signer{
		key:        key,
		length:     DefaultTokenLength,
		expiration: 24 * time.Hour,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Token returns a new token bound to session
func (s *Signer) Token(session string) (string, error) {
	if s == nil || len(s.key) == 0 {
		return "", ErrSecureKeyMissing
	}

	nonce := make([]byte, s.length)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	payload := fmt.Sprintf("%d:%s:%s",
		s.now().UTC().Unix(),
		hex.EncodeToString(nonce),
		hex.EncodeToString([]byte(session)),
	)

	token := payload + ":" + hex.EncodeToString(s.sign(payload))
	return base64.RawURLEncoding.EncodeToString([]byte(token)), nil
}

// Verify checks that token was issued by s for session and has not expired
func (s *Signer) Verify(session, token string) error {
	if s == nil || len(s.key) == 0 {
		return ErrSecureKeyMissing
	}

	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ErrTokenMismatch
	}

	parts := strings.Split(string(decoded), ":")
	if len(parts) != 4 {
		return ErrTokenMismatch
	}

	timestampStr, nonceHex, sessionHex, signatureHex := parts[0], parts[1], parts[2], parts[3]

	timestamp, err := strconv.ParseInt(timestampStr, 10, 64)
	if err != nil {
		return ErrTokenMismatch
	}

	if _, err := hex.DecodeString(nonceHex); err != nil {
		return ErrTokenMismatch
	}

	signature, err := hex.DecodeString(signatureHex)
	if err != nil {
		return ErrTokenMismatch
	}

	if !hmac.Equal(signature, s.sign(strings.Join(parts[:3], ":"))) {
		return ErrTokenMismatch
	}

	expected := hex.EncodeToString([]byte(session))
	if subtle.ConstantTimeCompare([]byte(sessionHex), []byte(expected)) != 1 {
		return ErrTokenMismatch
	}

	if s.expiration > 0 {
		expiresAt := time.Unix(timestamp, 0).Add(s.expiration)
		if s.now().UTC().After(expiresAt) {
			return ErrTokenExpired
		}
	}

	return nil
}

func (s *Signer) sign(payload string) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func extractToken(ctx router.Context, extractors []TokenExtractor) string {
	for _, extractor := range extractors {
		token, err := extractor(ctx)
		if token != "" && err == nil {
			return token
		}
	}
	return ""
}

// getSessionKey is the default SessionKey
func getSessionKey(ctx router.Context) string {
	if sessionID, ok := ctx.Locals("session_id").(string); ok && sessionID != "" {
		return "session_" + sessionID
	}

	if userID, ok := ctx.Locals("user_id").(string); ok && userID != "" {
		return "user_" + userID
	}

	return "ip_" + ctx.IP()
}

// getExtractors returns token extractors based on configuration
func getExtractors(tokenLookup, formField, header string) []TokenExtractor {
	if tokenLookup == "" {
		return []TokenExtractor{extractorFromHeader(header)}
	}

	var extractors []TokenExtractor
	for _, part := range strings.Split(tokenLookup, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "form:"):
			field := strings.TrimPrefix(part, "form:")
			if field == "" {
				field = formField
			}
			extractors = append(extractors, extractorFromForm(field))
		case strings.HasPrefix(part, "header:"):
			name := strings.TrimPrefix(part, "header:")
			if name == "" {
				name = header
			}
			extractors = append(extractors, extractorFromHeader(name))
		}
	}

	return extractors
}

func extractorFromForm(fieldName string) TokenExtractor {
	return func(ctx router.Context) (string, error) {
		return ctx.FormValue(fieldName), nil
	}
}

func extractorFromHeader(headerName string) TokenExtractor {
	return func(ctx router.Context) (string, error) {
		return ctx.GetString(headerName, ""), nil
	}
}

func configDefault(config ...Config) Config {
	var cfg Config
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.TokenLength == 0 {
		cfg.TokenLength = DefaultTokenLength
	}

	if cfg.ContextKey == "" {
		cfg.ContextKey = DefaultContextKey
	}

	if cfg.FormFieldName == "" {
		cfg.FormFieldName = DefaultFormFieldName
	}

	if cfg.HeaderName == "" {
		cfg.HeaderName = DefaultHeaderName
	}

	if cfg.SafeMethods == nil {
		cfg.SafeMethods = []string{"GET", "HEAD", "OPTIONS", "TRACE"}
	}

	if cfg.Expiration == 0 {
		cfg.Expiration = 24 * time.Hour
	}

	if cfg.SessionKey == nil {
		cfg.SessionKey = getSessionKey
	}

	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}

	if cfg.SuccessHandler == nil {
		cfg.SuccessHandler = func(ctx router.Context) error {
			return ctx.Next()
		}
	}

	if cfg.Signer == nil {
		cfg.Signer = NewSigner(initializeSecureKey(cfg.SecureKey),
			WithExpiration(cfg.Expiration),
			WithTokenLength(cfg.TokenLength),
		)
	}

	return cfg
}

// defaultErrorHandler turns check failures into 403 responses rendered
// by the application error handler.
func defaultErrorHandler(_ router.Context, err error) error {
	switch {
	case errors.Is(err, ErrTokenMissing):
		return goerrors.Wrap(err, goerrors.CategoryAuthz, "CSRF token missing").
			WithCode(goerrors.CodeForbidden).
			WithTextCode(TextCodeTokenMissing)
	case errors.Is(err, ErrTokenExpired):
		return goerrors.Wrap(err, goerrors.CategoryAuthz, "CSRF token expired").
			WithCode(goerrors.CodeForbidden).
			WithTextCode(TextCodeTokenExpired)
	case errors.Is(err, ErrTokenMismatch), errors.Is(err, ErrSessionMissing):
		return goerrors.Wrap(err, goerrors.CategoryAuthz, "CSRF token mismatch").
			WithCode(goerrors.CodeForbidden).
			WithTextCode(TextCodeTokenInvalid)
	default:
		return goerrors.Wrap(err, goerrors.CategoryInternal, "CSRF configuration error").
			WithCode(goerrors.CodeInternal).
			WithTextCode(TextCodeConfiguration)
	}
}

func initializeSecureKey(current []byte) []byte {
	if len(current) > 0 {
		return current
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		panic(fmt.Errorf("csrf: unable to initialize secure key: %w", err))
	}
	return key
}
