package auth_test

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"testing"
	"time"

	"github.com/goliatone/go-civic/auth"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var linkPattern = regexp.MustCompile(`https?://\S+`)

// tokenFromMail pulls the token query parameter out of the emailed link
func tokenFromMail(t *testing.T, o *outbox) string {
	t.Helper()
	msg := o.last(t)
	link := linkPattern.FindString(msg.Text)
	require.NotEmpty(t, link)
	u, err := url.Parse(link)
	require.NoError(t, err)
	token := u.Query().Get("token")
	require.NotEmpty(t, token)
	return token
}

func registration() auth.RegisterUserMessage {
	return auth.RegisterUserMessage{
		FullName:        "Jane Citizen",
		Email:           "Jane@Example.com",
		Phone:           "(650) 253-0000",
		Password:        "correct-horse",
		PasswordConfirm: "correct-horse",
	}
}

func TestAccounts_RegisterCreatesUnverifiedUser(t *testing.T) {
	f := newFixture(t)

	user, err := f.accounts.Register(context.Background(), registration())
	require.NoError(t, err)

	assert.Equal(t, "jane@example.com", user.Email)
	assert.Equal(t, "+16502530000", user.Phone)
	assert.Equal(t, auth.RoleUser, user.Role)
	assert.False(t, user.IsEmailVerified)
	assert.NotEqual(t, "correct-horse", user.PasswordHash)
	assert.NotEmpty(t, user.PasswordConfirmHash)
	assert.NoError(t, auth.ComparePasswordAndHash("correct-horse", user.PasswordHash))

	msg := f.mail.last(t)
	assert.Equal(t, "jane@example.com", msg.To)
	assert.Contains(t, msg.Text, "https://civic.test/verify-email?token=")
	assert.True(t, f.events.has(auth.ActivityEventUserRegistered))
}

// noTokenUpdates fails every standalone verification token write
type noTokenUpdates struct {
	*memUsers
}

func (noTokenUpdates) SetVerificationToken(context.Context, uuid.UUID, string) error {
	return errors.New("connection reset")
}

// failingRegister fails the first insert and then behaves
type failingRegister struct {
	*memUsers
	failures int
}

func (f *failingRegister) Register(ctx context.Context, user *auth.User) (*auth.User, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection reset")
	}
	return f.memUsers.Register(ctx, user)
}

func TestAccounts_RegisterWritesTokenWithTheUser(t *testing.T) {
	ctx := context.Background()
	users := noTokenUpdates{newMemUsers()}
	mail := &outbox{}

	tokens, err := auth.NewTokenService(testTokenConfig(), users)
	require.NoError(t, err)
	accounts := auth.NewAccounts(users, tokens, auth.WithEmailDispatcher(mail))

	created, err := accounts.Register(ctx, registration())
	require.NoError(t, err)

	stored, err := users.GetByID(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.EmailVerificationToken)

	verified, err := accounts.VerifyEmail(ctx, auth.VerifyEmailMessage{Token: tokenFromMail(t, mail)})
	require.NoError(t, err)
	assert.True(t, verified.IsEmailVerified)
}

func TestAccounts_FailedRegistrationCanBeRetried(t *testing.T) {
	ctx := context.Background()
	users := &failingRegister{memUsers: newMemUsers(), failures: 1}
	mail := &outbox{}

	tokens, err := auth.NewTokenService(testTokenConfig(), users)
	require.NoError(t, err)
	accounts := auth.NewAccounts(users, tokens, auth.WithEmailDispatcher(mail))

	_, err = accounts.Register(ctx, registration())
	require.Error(t, err)
	assert.Equal(t, 0, mail.count())

	_, err = users.GetByEmail(ctx, registration().Email)
	assert.ErrorIs(t, err, auth.ErrUserNotFound)

	created, err := accounts.Register(ctx, registration())
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", created.Email)
	assert.Equal(t, 1, mail.count())
}

func TestAccounts_RegisterRejectsDuplicateEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.accounts.Register(ctx, registration())
	require.NoError(t, err)

	msg := registration()
	msg.Email = "  JANE@example.COM "
	_, err = f.accounts.Register(ctx, msg)
	assert.ErrorIs(t, err, auth.ErrEmailTaken)
}

func TestAccounts_RegisterValidation(t *testing.T) {
	f := newFixture(t)

	cases := map[string]func(m *auth.RegisterUserMessage){
		"missing name":      func(m *auth.RegisterUserMessage) { m.FullName = "" },
		"bad email":         func(m *auth.RegisterUserMessage) { m.Email = "nope" },
		"short password":    func(m *auth.RegisterUserMessage) { m.Password, m.PasswordConfirm = "short", "short" },
		"confirm mismatch":  func(m *auth.RegisterUserMessage) { m.PasswordConfirm = "something-else" },
		"invalid phone":     func(m *auth.RegisterUserMessage) { m.Phone = "12345" },
		"missing confirmed": func(m *auth.RegisterUserMessage) { m.PasswordConfirm = "" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			msg := registration()
			mutate(&msg)

			_, err := f.accounts.Register(context.Background(), msg)
			require.Error(t, err)

			var richErr *goerrors.Error
			require.True(t, goerrors.As(err, &richErr))
			assert.Equal(t, goerrors.CodeBadRequest, richErr.Code)
		})
	}

	assert.Equal(t, 0, f.mail.count())
}

func TestAccounts_VerifyEmailIsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, err := f.accounts.Register(ctx, registration())
	require.NoError(t, err)
	token := tokenFromMail(t, f.mail)

	verified, err := f.accounts.VerifyEmail(ctx, auth.VerifyEmailMessage{Token: token})
	require.NoError(t, err)
	assert.Equal(t, user.ID, verified.ID)
	assert.True(t, verified.IsEmailVerified)
	assert.Nil(t, verified.EmailVerificationToken)

	_, err = f.accounts.VerifyEmail(ctx, auth.VerifyEmailMessage{Token: token})
	assert.ErrorIs(t, err, auth.ErrInvalidVerificationToken)

	_, err = f.accounts.VerifyEmail(ctx, auth.VerifyEmailMessage{})
	assert.ErrorIs(t, err, auth.ErrInvalidVerificationToken)
}

func TestAccounts_ResendVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.accounts.Register(ctx, registration())
	require.NoError(t, err)
	first := tokenFromMail(t, f.mail)

	require.NoError(t, f.accounts.ResendVerification(ctx, auth.ResendVerificationMessage{Email: "jane@example.com"}))
	second := tokenFromMail(t, f.mail)
	assert.NotEqual(t, first, second)

	_, err = f.accounts.VerifyEmail(ctx, auth.VerifyEmailMessage{Token: first})
	assert.ErrorIs(t, err, auth.ErrInvalidVerificationToken, "superseded link must stop working")

	_, err = f.accounts.VerifyEmail(ctx, auth.VerifyEmailMessage{Token: second})
	require.NoError(t, err)

	err = f.accounts.ResendVerification(ctx, auth.ResendVerificationMessage{Email: "jane@example.com"})
	assert.ErrorIs(t, err, auth.ErrEmailAlreadyVerified)

	err = f.accounts.ResendVerification(ctx, auth.ResendVerificationMessage{Email: "ghost@example.com"})
	assert.ErrorIs(t, err, auth.ErrUserNotFound)
}

func TestAccounts_ForgotPasswordIsUniform(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUser(t, "alice@example.com", "password123", auth.RoleUser)

	known := f.accounts.InitializePasswordReset(ctx, auth.InitializePasswordResetMessage{Email: "alice@example.com"})
	unknown := f.accounts.InitializePasswordReset(ctx, auth.InitializePasswordResetMessage{Email: "ghost@example.com"})

	assert.NoError(t, known)
	assert.NoError(t, unknown)
	assert.Equal(t, 1, f.mail.count())
	assert.Contains(t, f.mail.last(t).Text, "https://civic.test/reset-password?token=")
}

func TestAccounts_PasswordResetFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.seedUser(t, "alice@example.com", "password123", auth.RoleUser)

	session, err := f.tokens.IssueTokenPair(ctx, user)
	require.NoError(t, err)

	require.NoError(t, f.accounts.InitializePasswordReset(ctx, auth.InitializePasswordResetMessage{Email: "alice@example.com"}))
	token := tokenFromMail(t, f.mail)

	require.NoError(t, f.accounts.VerifyResetToken(ctx, token))

	updated, err := f.accounts.FinalizePasswordReset(ctx, auth.FinalizePasswordResetMessage{
		Token:           token,
		Password:        "brand-new-pass",
		PasswordConfirm: "brand-new-pass",
	})
	require.NoError(t, err)
	assert.NoError(t, auth.ComparePasswordAndHash("brand-new-pass", updated.PasswordHash))
	assert.Nil(t, updated.PasswordResetToken)
	assert.Nil(t, updated.RefreshToken)
	assert.NotNil(t, updated.PasswordChangedAt)

	_, _, err = f.tokens.RotateTokens(ctx, session.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidToken, "reset must end existing sessions")

	_, err = f.accounts.FinalizePasswordReset(ctx, auth.FinalizePasswordResetMessage{
		Token:           token,
		Password:        "another-pass",
		PasswordConfirm: "another-pass",
	})
	assert.ErrorIs(t, err, auth.ErrInvalidOrExpiredResetToken)

	_, err = f.auther.Login(ctx, auth.LoginRequest{Email: "alice@example.com", Password: "brand-new-pass"})
	assert.NoError(t, err)
}

func TestAccounts_ExpiredResetTokenLeavesPasswordUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.seedUser(t, "alice@example.com", "password123", auth.RoleUser)

	require.NoError(t, f.accounts.InitializePasswordReset(ctx, auth.InitializePasswordResetMessage{Email: user.Email}))
	token := tokenFromMail(t, f.mail)

	f.clock.Advance(11 * time.Minute)

	assert.ErrorIs(t, f.accounts.VerifyResetToken(ctx, token), auth.ErrInvalidOrExpiredResetToken)

	_, err := f.accounts.FinalizePasswordReset(ctx, auth.FinalizePasswordResetMessage{
		Token:           token,
		Password:        "brand-new-pass",
		PasswordConfirm: "brand-new-pass",
	})
	assert.ErrorIs(t, err, auth.ErrInvalidOrExpiredResetToken)

	stored, err := f.users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.NoError(t, auth.ComparePasswordAndHash("password123", stored.PasswordHash))
}

func TestAccounts_ChangePassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.seedUser(t, "alice@example.com", "password123", auth.RoleUser)

	err := f.accounts.ChangePassword(ctx, user.Principal(), auth.ChangePasswordMessage{
		CurrentPassword:    "wrong-password",
		NewPassword:        "new-password-1",
		NewPasswordConfirm: "new-password-1",
	})
	assert.ErrorIs(t, err, auth.ErrWrongPassword)

	err = f.accounts.ChangePassword(ctx, user.Principal(), auth.ChangePasswordMessage{
		CurrentPassword:    "password123",
		NewPassword:        "new-password-1",
		NewPasswordConfirm: "new-password-1",
	})
	require.NoError(t, err)

	stored, err := f.users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.NoError(t, auth.ComparePasswordAndHash("new-password-1", stored.PasswordHash))
	assert.True(t, f.events.has(auth.ActivityEventPasswordChanged))
}

func TestAccounts_UpdateAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.seedUser(t, "alice@example.com", "password123", auth.RoleUser)

	name := "  Alice Liddell "
	phone := "+1 650 253 0000"
	updated, err := f.accounts.UpdateAccount(ctx, user.Principal(), auth.UpdateAccountMessage{
		FullName: &name,
		Phone:    &phone,
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice Liddell", updated.FullName)
	assert.Equal(t, "+16502530000", updated.Phone)

	bad := "not a phone"
	_, err = f.accounts.UpdateAccount(ctx, user.Principal(), auth.UpdateAccountMessage{Phone: &bad})
	assert.Error(t, err)
}

func TestNewAccountsPanicsWithoutDependencies(t *testing.T) {
	assert.Panics(t, func() { auth.NewAccounts(nil, nil) })
}
