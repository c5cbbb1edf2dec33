package auth

import (
	"context"
	"errors"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-civic/middleware/jwtware"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

const (
	// DefaultResetTokenTTL is how long a password reset link stays valid
	DefaultResetTokenTTL = 10 * time.Minute
	defaultKeyID         = "v1"
)

// TokenConfig is the explicit configuration for the token service. Access
// and refresh tokens are signed with distinct secrets.
type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	ResetTTL      time.Duration
	Issuer        string
	// KeyID is written to the kid header of every token we sign
	KeyID string
	// Retired secrets keyed by kid. They still verify but never sign.
	RetiredAccessSecrets  map[string]string
	RetiredRefreshSecrets map[string]string
}

// Validate will run validation rules
func (c TokenConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.AccessSecret, validation.Required, validation.Length(16, 0)),
		validation.Field(&c.RefreshSecret,
			validation.Required,
			validation.Length(16, 0),
			validation.NotIn(c.AccessSecret).Error("must differ from the access secret"),
		),
		validation.Field(&c.AccessTTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.RefreshTTL, validation.Required, validation.Min(c.AccessTTL)),
	)
}

func (c TokenConfig) withDefaults() TokenConfig {
	if c.KeyID == "" {
		c.KeyID = defaultKeyID
	}
	if c.ResetTTL <= 0 {
		c.ResetTTL = DefaultResetTokenTTL
	}
	return c
}

// TokenPair is the result of a login or a rotation
type TokenPair struct {
	AccessToken     string    `json:"access_token"`
	RefreshToken    string    `json:"-"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
	RefreshExpires  time.Time `json:"-"`
}

// TokenService issues, verifies and rotates session tokens and manages the
// single-use email verification and password reset tokens.
type TokenService struct {
	cfg         TokenConfig
	users       Users
	accessKeys  jwt.Keyfunc
	refreshKeys jwt.Keyfunc
	now         func() time.Time
	logger      Logger
	activity    ActivitySink
}

// TokenServiceOption customizes the token service
type TokenServiceOption func(*TokenService)

// WithTokenClock injects a custom clock (useful for tests).
func WithTokenClock(clock func() time.Time) TokenServiceOption {
	return func(ts *TokenService) {
		if clock != nil {
			ts.now = clock
		}
	}
}

// WithTokenLogger overrides the logger
func WithTokenLogger(logger Logger) TokenServiceOption {
	return func(ts *TokenService) {
		if logger != nil {
			ts.logger = logger
		}
	}
}

// WithTokenActivitySink sets the sink used to report refresh events
func WithTokenActivitySink(sink ActivitySink) TokenServiceOption {
	return func(ts *TokenService) {
		ts.activity = normalizeActivitySink(sink)
	}
}

// NewTokenService creates a new TokenService instance
func NewTokenService(cfg TokenConfig, users Users, opts ...TokenServiceOption) (*TokenService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid token configuration")
	}

	if users == nil {
		return nil, goerrors.New("token service requires a users store", goerrors.CategoryInternal)
	}

	cfg = cfg.withDefaults()

	ts := &TokenService{
		cfg:         cfg,
		users:       users,
		accessKeys:  hmacKeyfunc(cfg.KeyID, cfg.AccessSecret, cfg.RetiredAccessSecrets),
		refreshKeys: hmacKeyfunc(cfg.KeyID, cfg.RefreshSecret, cfg.RetiredRefreshSecrets),
		now:         time.Now,
		logger:      defLogger{},
		activity:    noopActivitySink{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(ts)
		}
	}

	return ts, nil
}

func hmacKeyfunc(kid, secret string, retired map[string]string) jwt.Keyfunc {
	alg := jwt.SigningMethodHS256.Alg()
	given := make(map[string]keyfunc.GivenKey, len(retired)+1)
	for k, s := range retired {
		given[k] = keyfunc.NewGivenCustom([]byte(s), keyfunc.GivenKeyOptions{Algorithm: alg})
	}
	given[kid] = keyfunc.NewGivenCustom([]byte(secret), keyfunc.GivenKeyOptions{Algorithm: alg})
	return keyfunc.NewGiven(given).Keyfunc
}

// Config returns the effective configuration
func (ts *TokenService) Config() TokenConfig {
	return ts.cfg
}

// IssueAccessToken signs a short lived token. It does not touch storage.
func (ts *TokenService) IssueAccessToken(user *User) (string, time.Time, error) {
	if user == nil {
		return "", time.Time{}, goerrors.New("user must not be nil", goerrors.CategoryInternal)
	}

	now := ts.now()
	expires := now.Add(ts.cfg.AccessTTL)
	claims := &AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.cfg.Issuer,
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		UID:      user.ID.String(),
		FullName: user.FullName,
		Email:    user.Email,
	}
	ensureTokenID(&claims.RegisteredClaims)

	signed, err := ts.sign(claims, ts.cfg.AccessSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// IssueRefreshToken signs a refresh token and persists it on the user,
// replacing any previous one.
func (ts *TokenService) IssueRefreshToken(ctx context.Context, user *User) (string, time.Time, error) {
	signed, expires, err := ts.signRefresh(user)
	if err != nil {
		return "", time.Time{}, err
	}

	if err := ts.users.SetRefreshToken(ctx, user.ID, signed); err != nil {
		return "", time.Time{}, internalError(err, "failed to persist refresh token")
	}

	user.RefreshToken = &signed
	return signed, expires, nil
}

// IssueTokenPair issues a fresh access and refresh token
func (ts *TokenService) IssueTokenPair(ctx context.Context, user *User) (*TokenPair, error) {
	access, accessExp, err := ts.IssueAccessToken(user)
	if err != nil {
		return nil, err
	}

	refresh, refreshExp, err := ts.IssueRefreshToken(ctx, user)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:     access,
		RefreshToken:    refresh,
		AccessExpiresAt: accessExp,
		RefreshExpires:  refreshExp,
	}, nil
}

// ValidateAccessToken verifies signature, kid and expiry. Every failure
// is reported as ErrInvalidToken.
func (ts *TokenService) ValidateAccessToken(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := ts.parse(raw, claims, ts.accessKeys); err != nil {
		ts.logger.Debug("access token rejected", "error", err)
		return nil, ErrInvalidToken
	}
	if claims.UID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateRefreshToken verifies a refresh token without consulting storage
func (ts *TokenService) ValidateRefreshToken(raw string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := ts.parse(raw, claims, ts.refreshKeys); err != nil {
		ts.logger.Debug("refresh token rejected", "error", err)
		return nil, ErrInvalidToken
	}
	if claims.UID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RotateTokens exchanges a refresh token for a new pair. The incoming token
// must be the one currently stored for the user; anything else is a replay.
func (ts *TokenService) RotateTokens(ctx context.Context, incoming string) (*TokenPair, *User, error) {
	claims, err := ts.ValidateRefreshToken(incoming)
	if err != nil {
		return nil, nil, err
	}

	id, err := uuid.Parse(claims.UID)
	if err != nil {
		return nil, nil, ErrInvalidToken
	}

	user, err := ts.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, nil, ErrInvalidToken
		}
		return nil, nil, internalError(err, "failed to load user for token rotation")
	}

	if !user.HasRefreshToken(incoming) {
		ts.recordActivity(ctx, ActivityEventRefreshReplay, user)
		return nil, nil, ErrInvalidToken
	}

	access, accessExp, err := ts.IssueAccessToken(user)
	if err != nil {
		return nil, nil, err
	}

	next, nextExp, err := ts.signRefresh(user)
	if err != nil {
		return nil, nil, err
	}

	swapped, err := ts.users.SwapRefreshToken(ctx, user.ID, incoming, next)
	if err != nil {
		return nil, nil, internalError(err, "failed to persist refresh token")
	}

	if !swapped {
		// a concurrent rotation consumed the token first
		ts.recordActivity(ctx, ActivityEventRefreshReplay, user)
		return nil, nil, ErrInvalidToken
	}

	user.RefreshToken = &next
	ts.recordActivity(ctx, ActivityEventTokenRefreshed, user)

	return &TokenPair{
		AccessToken:     access,
		RefreshToken:    next,
		AccessExpiresAt: accessExp,
		RefreshExpires:  nextExp,
	}, user, nil
}

// RevokeRefreshToken clears the stored refresh token
func (ts *TokenService) RevokeRefreshToken(ctx context.Context, userID uuid.UUID) error {
	if err := ts.users.SetRefreshToken(ctx, userID, ""); err != nil {
		return internalError(err, "failed to revoke refresh token")
	}
	return nil
}

// NewVerificationToken sets a fresh verification digest on user without
// persisting it and returns the raw token. Used when the user row is
// written in the same call, as on registration.
func (ts *TokenService) NewVerificationToken(user *User) (string, error) {
	token, err := newOpaqueToken()
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to generate verification token")
	}

	digest := digestToken(token)
	user.EmailVerificationToken = &digest
	return token, nil
}

// IssueVerificationToken stores a new verification token on the user,
// invalidating any previously issued one.
func (ts *TokenService) IssueVerificationToken(ctx context.Context, user *User) (string, error) {
	token, err := newOpaqueToken()
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to generate verification token")
	}

	digest := digestToken(token)
	if err := ts.users.SetVerificationToken(ctx, user.ID, digest); err != nil {
		return "", internalError(err, "failed to persist verification token")
	}

	user.EmailVerificationToken = &digest
	return token, nil
}

// ConsumeVerificationToken marks the owning user as verified and clears the
// token. A token can only be consumed once.
func (ts *TokenService) ConsumeVerificationToken(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrInvalidVerificationToken
	}

	user, err := ts.users.ConsumeVerificationToken(ctx, digestToken(token))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidVerificationToken
		}
		return nil, internalError(err, "failed to consume verification token")
	}

	ts.recordActivity(ctx, ActivityEventEmailVerified, user)
	return user, nil
}

// IssueResetToken stores a reset token that expires after the configured TTL
func (ts *TokenService) IssueResetToken(ctx context.Context, user *User) (string, time.Time, error) {
	token, err := newOpaqueToken()
	if err != nil {
		return "", time.Time{}, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to generate reset token")
	}

	expires := ts.now().Add(ts.cfg.ResetTTL)
	digest := digestToken(token)
	if err := ts.users.SetPasswordResetToken(ctx, user.ID, digest, expires); err != nil {
		return "", time.Time{}, internalError(err, "failed to persist reset token")
	}

	user.PasswordResetToken = &digest
	user.PasswordResetExpires = &expires
	return token, expires, nil
}

// VerifyResetToken reports whether token is a live reset token. Unknown and
// expired tokens fail the same way.
func (ts *TokenService) VerifyResetToken(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrInvalidOrExpiredResetToken
	}

	user, err := ts.users.GetByPasswordResetToken(ctx, digestToken(token), ts.now())
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidOrExpiredResetToken
		}
		return nil, internalError(err, "failed to look up reset token")
	}
	return user, nil
}

// ConsumeResetToken swaps in the new password hashes and clears the reset
// fields together with the stored refresh token.
func (ts *TokenService) ConsumeResetToken(ctx context.Context, token string, hashes PasswordHashes) (*User, error) {
	if token == "" {
		return nil, ErrInvalidOrExpiredResetToken
	}

	user, err := ts.users.ConsumePasswordResetToken(ctx, digestToken(token), ts.now(), hashes)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidOrExpiredResetToken
		}
		return nil, internalError(err, "failed to consume reset token")
	}

	ts.recordActivity(ctx, ActivityEventPasswordResetSuccess, user)
	return user, nil
}

func (ts *TokenService) signRefresh(user *User) (string, time.Time, error) {
	if user == nil {
		return "", time.Time{}, goerrors.New("user must not be nil", goerrors.CategoryInternal)
	}

	now := ts.now()
	expires := now.Add(ts.cfg.RefreshTTL)
	claims := &RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.cfg.Issuer,
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		UID: user.ID.String(),
	}
	ensureTokenID(&claims.RegisteredClaims)

	signed, err := ts.sign(claims, ts.cfg.RefreshSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

func (ts *TokenService) sign(claims jwt.Claims, secret string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = ts.cfg.KeyID

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to sign JWT")
	}
	return signed, nil
}

func (ts *TokenService) parse(raw string, claims jwt.Claims, keys jwt.Keyfunc) error {
	if raw == "" {
		return ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ts.now),
	}
	if ts.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(ts.cfg.Issuer))
	}

	token, err := jwt.ParseWithClaims(raw, claims, keys, opts...)
	if err != nil {
		return err
	}
	if !token.Valid {
		return jwt.ErrTokenSignatureInvalid
	}
	return nil
}

func (ts *TokenService) recordActivity(ctx context.Context, eventType ActivityEventType, user *User) {
	if user == nil {
		return
	}

	event := ActivityEvent{
		EventType: eventType,
		Actor: ActorRef{
			ID:   user.ID.String(),
			Type: "user",
		},
		UserID:     user.ID.String(),
		OccurredAt: ts.now(),
	}

	if err := normalizeActivitySink(ts.activity).Record(ctx, event); err != nil {
		ts.logger.Warn("activity sink error", "event", eventType, "error", err)
	}
}

// Validate implements jwtware.TokenValidator for access tokens
func (ts *TokenService) Validate(raw string) (jwtware.Claims, error) {
	claims, err := ts.ValidateAccessToken(raw)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
