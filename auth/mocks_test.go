package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-civic/auth"
	"github.com/goliatone/go-civic/mailer"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// memUsers is an in-memory auth.Users used by the flow tests
type memUsers struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]*auth.User
	swaps int
}

var _ auth.Users = (*memUsers)(nil)

func newMemUsers() *memUsers {
	return &memUsers{byID: map[uuid.UUID]*auth.User{}}
}

func clone(u *auth.User) *auth.User {
	cp := *u
	return &cp
}

func strPtr(s string) *string { return &s }

func (m *memUsers) GetByID(_ context.Context, id uuid.UUID) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	return clone(u), nil
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = auth.NormalizeEmail(email)
	for _, u := range m.byID {
		if u.Email == email {
			return clone(u), nil
		}
	}
	return nil, auth.ErrUserNotFound
}

func (m *memUsers) Register(_ context.Context, user *auth.User) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user.Email = auth.NormalizeEmail(user.Email)
	for _, u := range m.byID {
		if u.Email == user.Email {
			return nil, auth.ErrEmailTaken
		}
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.Role == "" {
		user.Role = auth.RoleUser
	}
	m.byID[user.ID] = clone(user)
	return clone(user), nil
}

func (m *memUsers) with(id uuid.UUID, fn func(u *auth.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return auth.ErrUserNotFound
	}
	fn(u)
	return nil
}

func (m *memUsers) SetRefreshToken(_ context.Context, id uuid.UUID, token string) error {
	return m.with(id, func(u *auth.User) {
		if token == "" {
			u.RefreshToken = nil
			return
		}
		u.RefreshToken = strPtr(token)
	})
}

func (m *memUsers) SwapRefreshToken(_ context.Context, id uuid.UUID, current, next string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok || u.RefreshToken == nil || *u.RefreshToken != current {
		return false, nil
	}
	u.RefreshToken = strPtr(next)
	m.swaps++
	return true, nil
}

func (m *memUsers) SetVerificationToken(_ context.Context, id uuid.UUID, digest string) error {
	return m.with(id, func(u *auth.User) { u.EmailVerificationToken = strPtr(digest) })
}

func (m *memUsers) ConsumeVerificationToken(_ context.Context, digest string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.EmailVerificationToken != nil && *u.EmailVerificationToken == digest {
			u.EmailVerificationToken = nil
			u.IsEmailVerified = true
			return clone(u), nil
		}
	}
	return nil, auth.ErrUserNotFound
}

func (m *memUsers) SetPasswordResetToken(_ context.Context, id uuid.UUID, digest string, expires time.Time) error {
	return m.with(id, func(u *auth.User) {
		u.PasswordResetToken = strPtr(digest)
		u.PasswordResetExpires = &expires
	})
}

func (m *memUsers) findReset(digest string, now time.Time) *auth.User {
	for _, u := range m.byID {
		if u.PasswordResetToken != nil && *u.PasswordResetToken == digest &&
			u.PasswordResetExpires != nil && u.PasswordResetExpires.After(now) {
			return u
		}
	}
	return nil
}

func (m *memUsers) GetByPasswordResetToken(_ context.Context, digest string, now time.Time) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u := m.findReset(digest, now); u != nil {
		return clone(u), nil
	}
	return nil, auth.ErrUserNotFound
}

func (m *memUsers) ConsumePasswordResetToken(_ context.Context, digest string, now time.Time, hashes auth.PasswordHashes) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.findReset(digest, now)
	if u == nil {
		return nil, auth.ErrUserNotFound
	}
	u.PasswordHash = hashes.Password
	u.PasswordConfirmHash = hashes.Confirm
	u.PasswordResetToken = nil
	u.PasswordResetExpires = nil
	u.RefreshToken = nil
	u.PasswordChangedAt = &now
	return clone(u), nil
}

func (m *memUsers) UpdatePassword(_ context.Context, id uuid.UUID, hashes auth.PasswordHashes) error {
	return m.with(id, func(u *auth.User) {
		u.PasswordHash = hashes.Password
		u.PasswordConfirmHash = hashes.Confirm
		u.RefreshToken = nil
	})
}

func (m *memUsers) UpdateProfile(_ context.Context, id uuid.UUID, update auth.ProfileUpdate) (*auth.User, error) {
	var out *auth.User
	err := m.with(id, func(u *auth.User) {
		if update.FullName != nil {
			u.FullName = *update.FullName
		}
		if update.Phone != nil {
			u.Phone = *update.Phone
		}
		if update.AvatarURL != nil {
			u.AvatarURL = *update.AvatarURL
		}
		out = clone(u)
	})
	return out, err
}

// outbox records dispatched messages synchronously
type outbox struct {
	mu   sync.Mutex
	sent []mailer.Message
}

func (o *outbox) Dispatch(_ context.Context, msg mailer.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, msg)
}

func (o *outbox) last(t *testing.T) mailer.Message {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.sent, "expected a dispatched email")
	return o.sent[len(o.sent)-1]
}

func (o *outbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sent)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testTokenConfig() auth.TokenConfig {
	return auth.TokenConfig{
		AccessSecret:  "access-secret-0123456789",
		RefreshSecret: "refresh-secret-0123456789",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		Issuer:        "civic-test",
	}
}

type fixture struct {
	users    *memUsers
	tokens   *auth.TokenService
	accounts *auth.Accounts
	auther   *auth.Auther
	mail     *outbox
	clock    *clock
	events   *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []auth.ActivityEvent
}

func (l *eventLog) Record(_ context.Context, e auth.ActivityEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) has(t auth.ActivityEventType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.EventType == t {
			return true
		}
	}
	return false
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		users:  newMemUsers(),
		mail:   &outbox{},
		clock:  newClock(),
		events: &eventLog{},
	}

	tokens, err := auth.NewTokenService(testTokenConfig(), f.users,
		auth.WithTokenClock(f.clock.Now),
		auth.WithTokenActivitySink(f.events),
	)
	require.NoError(t, err)
	f.tokens = tokens

	f.accounts = auth.NewAccounts(f.users, tokens,
		auth.WithEmailDispatcher(f.mail),
		auth.WithAccountsActivitySink(f.events),
		auth.WithFrontendURL("https://civic.test/"),
	)
	f.auther = auth.NewAuthenticator(f.users, tokens).WithActivitySink(f.events)

	return f
}

// seedUser stores a verified account with the given password
func (f *fixture) seedUser(t *testing.T, email, password string, role auth.Role) *auth.User {
	t.Helper()

	hash, err := auth.HashPassword(password)
	require.NoError(t, err)

	u, err := f.users.Register(context.Background(), &auth.User{
		FullName:        "Test User",
		Email:           email,
		Role:            role,
		PasswordHash:    hash,
		IsEmailVerified: true,
	})
	require.NoError(t, err)
	return u
}
