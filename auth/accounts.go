package auth

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-civic/mailer"
	goerrors "github.com/goliatone/go-errors"
)

const (
	avatarFolder     = "avatars"
	operationTimeout = 10 * time.Second
)

// Accounts implements the account flows: registration, email verification,
// password reset and self service profile changes.
type Accounts struct {
	users           Users
	tokens          *TokenService
	mail            EmailDispatcher
	images          ImageStore
	activity        ActivitySink
	logger          Logger
	frontendURL     string
	phoneRegion     string
	deterministicID bool
	now             func() time.Time
}

// AccountsOption customizes Accounts
type AccountsOption func(*Accounts)

// WithEmailDispatcher sets the best effort mail dispatcher
func WithEmailDispatcher(d EmailDispatcher) AccountsOption {
	return func(a *Accounts) {
		if d != nil {
			a.mail = d
		}
	}
}

// WithImageStore sets the store used for avatars
func WithImageStore(s ImageStore) AccountsOption {
	return func(a *Accounts) {
		if s != nil {
			a.images = s
		}
	}
}

// WithAccountsActivitySink sets the sink used to emit account events
func WithAccountsActivitySink(sink ActivitySink) AccountsOption {
	return func(a *Accounts) {
		a.activity = normalizeActivitySink(sink)
	}
}

// WithAccountsLogger overrides the logger
func WithAccountsLogger(logger Logger) AccountsOption {
	return func(a *Accounts) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithFrontendURL sets the base URL used to build links in emails
func WithFrontendURL(u string) AccountsOption {
	return func(a *Accounts) {
		a.frontendURL = strings.TrimRight(u, "/")
	}
}

// WithPhoneRegion sets the default region for phone number parsing
func WithPhoneRegion(region string) AccountsOption {
	return func(a *Accounts) {
		if region != "" {
			a.phoneRegion = region
		}
	}
}

// WithDeterministicIDs derives user ids from the email address
func WithDeterministicIDs(enabled bool) AccountsOption {
	return func(a *Accounts) {
		a.deterministicID = enabled
	}
}

// NewAccounts creates the account flows service
func NewAccounts(users Users, tokens *TokenService, opts ...AccountsOption) *Accounts {
	a := &Accounts{
		users:       users,
		tokens:      tokens,
		mail:        noopDispatcher{},
		activity:    noopActivitySink{},
		logger:      defLogger{},
		frontendURL: "http://localhost:3000",
		phoneRegion: DefaultPhoneRegion,
		now:         time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	if a.users == nil {
		panic("AUTH: accounts require a Users store")
	}

	if a.tokens == nil {
		panic("AUTH: accounts require a TokenService")
	}

	return a
}

func (a *Accounts) link(path, token string) string {
	q := url.Values{}
	q.Set("token", token)
	return fmt.Sprintf("%s%s?%s", a.frontendURL, path, q.Encode())
}

func (a *Accounts) sendVerificationEmail(ctx context.Context, user *User, token string) {
	a.mail.Dispatch(ctx, mailer.Message{
		To:      user.Email,
		Subject: "Verify your email address",
		Text: fmt.Sprintf(
			"Hi %s,\n\nConfirm your email address by opening the link below:\n\n%s\n\nIf you did not create an account you can ignore this message.\n",
			user.FullName,
			a.link("/verify-email", token),
		),
	})
}

func (a *Accounts) sendPasswordResetEmail(ctx context.Context, user *User, token string, expires time.Time) {
	a.mail.Dispatch(ctx, mailer.Message{
		To:      user.Email,
		Subject: "Reset your password",
		Text: fmt.Sprintf(
			"Hi %s,\n\nUse the link below to choose a new password. It expires at %s.\n\n%s\n\nIf you did not ask for a reset you can ignore this message.\n",
			user.FullName,
			expires.UTC().Format(time.RFC1123),
			a.link("/reset-password", token),
		),
	})
}

func (a *Accounts) recordActivity(ctx context.Context, eventType ActivityEventType, user *User, metadata map[string]any) {
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
		Metadata:   metadata,
		OccurredAt: a.now(),
	}

	if err := normalizeActivitySink(a.activity).Record(ctx, event); err != nil {
		a.logger.Warn("activity sink error", "event", eventType, "error", err)
	}
}

func cancelled(ctx context.Context, operation string) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during "+operation,
		)
	default:
		return nil
	}
}
