package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"
)

// LoginRequest payload
type LoginRequest struct {
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
	Role     string `json:"role" form:"role"`
}

// Validate will run validation rules
func (r LoginRequest) Validate() error {
	return validatePayload("invalid login payload", func() error {
		return validation.ValidateStruct(&r,
			validation.Field(&r.Email, validation.Required, is.Email),
			validation.Field(&r.Password, validation.Required),
		)
	})
}

// LoginResult is returned by login and refresh
type LoginResult struct {
	User   *User
	Tokens *TokenPair
}

// Auther implements Authenticator on top of the credential store and the
// token service.
type Auther struct {
	users    Users
	tokens   *TokenService
	activity ActivitySink
	logger   Logger
	now      func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

var _ Authenticator = (*Auther)(nil)

// NewAuthenticator returns a new Auther
func NewAuthenticator(users Users, tokens *TokenService) *Auther {
	return &Auther{
		users:    users,
		tokens:   tokens,
		activity: noopActivitySink{},
		logger:   defLogger{},
		now:      time.Now,
	}
}

// WithActivitySink sets the sink used to emit login events.
func (s *Auther) WithActivitySink(sink ActivitySink) *Auther {
	s.activity = normalizeActivitySink(sink)
	return s
}

// WithLogger overrides the logger.
func (s *Auther) WithLogger(logger Logger) *Auther {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Login verifies credentials and issues a token pair. Unknown emails and
// wrong passwords produce the same error; a role filter that does not match
// the stored role is reported separately.
func (s *Auther) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if err := cancelled(ctx, "login"); err != nil {
		return nil, err
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}

	user, err := s.users.GetByEmail(ctx, req.Email)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			return nil, internalError(err, "failed to look up user")
		}
		// keep the timing of unknown emails close to wrong passwords
		_ = ComparePasswordAndHash(req.Password, s.placeholderHash())
		s.recordActivity(ctx, ActivityEventLoginFailure, "", map[string]any{
			"reason": "unknown_email",
		})
		return nil, ErrInvalidCredentials
	}

	if err := ComparePasswordAndHash(req.Password, user.PasswordHash); err != nil {
		s.recordActivity(ctx, ActivityEventLoginFailure, user.ID.String(), map[string]any{
			"reason": "wrong_password",
		})
		return nil, ErrInvalidCredentials
	}

	if req.Role != "" {
		role, ok := ParseRole(req.Role)
		if !ok || role != user.Role {
			s.recordActivity(ctx, ActivityEventLoginFailure, user.ID.String(), map[string]any{
				"reason":         "role_mismatch",
				"requested_role": req.Role,
			})
			return nil, ErrRoleMismatch
		}
	}

	pair, err := s.tokens.IssueTokenPair(ctx, user)
	if err != nil {
		return nil, err
	}

	s.recordActivity(ctx, ActivityEventLoginSuccess, user.ID.String(), map[string]any{
		"role": user.Role,
	})

	return &LoginResult{User: user, Tokens: pair}, nil
}

// Refresh rotates a refresh token into a new pair
func (s *Auther) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	if err := cancelled(ctx, "token refresh"); err != nil {
		return nil, err
	}

	pair, user, err := s.tokens.RotateTokens(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: user, Tokens: pair}, nil
}

// Logout clears the stored refresh token
func (s *Auther) Logout(ctx context.Context, principal Principal) error {
	if principal.ID == uuid.Nil {
		return ErrMissingToken
	}

	if err := s.tokens.RevokeRefreshToken(ctx, principal.ID); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrInvalidToken
		}
		return err
	}

	s.recordActivity(ctx, ActivityEventLogout, principal.ID.String(), nil)
	return nil
}

func (s *Auther) placeholderHash() string {
	s.dummyOnce.Do(func() {
		h, err := HashPassword(uuid.NewString())
		if err != nil {
			s.logger.Error("failed to build placeholder hash", "error", err)
		}
		s.dummyHash = h
	})
	return s.dummyHash
}

func (s *Auther) recordActivity(ctx context.Context, eventType ActivityEventType, userID string, metadata map[string]any) {
	event := ActivityEvent{
		EventType: eventType,
		Actor: ActorRef{
			ID:   userID,
			Type: "user",
		},
		UserID:     userID,
		Metadata:   metadata,
		OccurredAt: s.now(),
	}

	if err := normalizeActivitySink(s.activity).Record(ctx, event); err != nil {
		s.logger.Warn("activity sink error", "event", eventType, "error", err)
	}
}
