package auth

import (
	"context"
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// InitializePasswordResetMessage starts the forgot password flow
type InitializePasswordResetMessage struct {
	Email string `json:"email" form:"email"`
}

func (e InitializePasswordResetMessage) Type() string { return "password.reset.init" }

// Validate will run validation rules
func (e InitializePasswordResetMessage) Validate() error {
	return validatePayload("invalid password reset payload", func() error {
		return validation.ValidateStruct(&e,
			validation.Field(&e.Email, validation.Required, is.Email),
		)
	})
}

// FinalizePasswordResetMessage sets a new password using a reset token
type FinalizePasswordResetMessage struct {
	Token           string `json:"token" form:"token"`
	Password        string `json:"password" form:"password"`
	PasswordConfirm string `json:"passwordConfirm" form:"passwordConfirm"`
}

func (e FinalizePasswordResetMessage) Type() string { return "password.reset.finalize" }

// Validate will run validation rules
func (e FinalizePasswordResetMessage) Validate() error {
	return validatePayload("invalid password reset payload", func() error {
		return validation.ValidateStruct(&e,
			validation.Field(&e.Token, validation.Required),
			validation.Field(&e.Password, validation.Required, validation.Length(8, 128)),
			validation.Field(
				&e.PasswordConfirm,
				validation.Required,
				validation.By(ValidateStringEquals(e.Password)),
			),
		)
	})
}

// InitializePasswordReset issues a reset token and mails it. The outcome is
// the same whether or not the email belongs to an account.
func (a *Accounts) InitializePasswordReset(ctx context.Context, event InitializePasswordResetMessage) error {
	if err := cancelled(ctx, "password reset initialization"); err != nil {
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
			a.logger.Debug("password reset requested for unknown email")
			return nil
		}
		return internalError(err, "failed to look up user")
	}

	token, expires, err := a.tokens.IssueResetToken(ctx, user)
	if err != nil {
		return err
	}

	a.sendPasswordResetEmail(ctx, user, token, expires)
	a.recordActivity(ctx, ActivityEventPasswordResetRequest, user, nil)
	return nil
}

// VerifyResetToken reports whether the token can still be used
func (a *Accounts) VerifyResetToken(ctx context.Context, token string) error {
	if err := cancelled(ctx, "password reset verification"); err != nil {
		return err
	}

	_, err := a.tokens.VerifyResetToken(ctx, token)
	return err
}

// FinalizePasswordReset consumes the reset token and stores the new
// password. Expired and unknown tokens fail identically.
func (a *Accounts) FinalizePasswordReset(ctx context.Context, event FinalizePasswordResetMessage) (*User, error) {
	if err := cancelled(ctx, "password reset finalization"); err != nil {
		return nil, err
	}

	if err := event.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	hashes, err := HashPasswords(event.Password, event.PasswordConfirm)
	if err != nil {
		return nil, internalError(err, "failed to hash password")
	}

	return a.tokens.ConsumeResetToken(ctx, event.Token, hashes)
}
