package auth

import (
	"context"
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// VerifyEmailMessage carries the token from the verification link
type VerifyEmailMessage struct {
	Token string `json:"token" form:"token"`
}

func (e VerifyEmailMessage) Type() string { return "user.email.verify" }

// ResendVerificationMessage asks for a fresh verification link
type ResendVerificationMessage struct {
	Email string `json:"email" form:"email"`
}

func (e ResendVerificationMessage) Type() string { return "user.email.resend" }

// Validate will run validation rules
func (e ResendVerificationMessage) Validate() error {
	return validatePayload("invalid resend verification payload", func() error {
		return validation.ValidateStruct(&e,
			validation.Field(&e.Email, validation.Required, is.Email),
		)
	})
}

// VerifyEmail consumes a verification token. A second attempt with the same
// token fails because the token was cleared by the first.
func (a *Accounts) VerifyEmail(ctx context.Context, event VerifyEmailMessage) (*User, error) {
	if err := cancelled(ctx, "email verification"); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	return a.tokens.ConsumeVerificationToken(ctx, event.Token)
}

// ResendVerification replaces the stored verification token and mails a new
// link. Links sent earlier stop working.
func (a *Accounts) ResendVerification(ctx context.Context, event ResendVerificationMessage) error {
	if err := cancelled(ctx, "verification resend"); err != nil {
		return err
	}

	if err := event.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	user, err := a.users.GetByEmail(ctx, event.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrUserNotFound
		}
		return internalError(err, "failed to look up user")
	}

	if user.IsEmailVerified {
		return ErrEmailAlreadyVerified
	}

	token, err := a.tokens.IssueVerificationToken(ctx, user)
	if err != nil {
		return err
	}

	a.sendVerificationEmail(ctx, user, token)
	return nil
}
