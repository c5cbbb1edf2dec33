package auth

import (
	"context"
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/goliatone/go-civic/media"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/hashid/pkg/hashid"
)

// RegisterUserMessage is the self registration payload
type RegisterUserMessage struct {
	FullName        string      `json:"fullName" form:"fullName"`
	Email           string      `json:"email" form:"email"`
	Phone           string      `json:"phone" form:"phone"`
	Password        string      `json:"password" form:"password"`
	PasswordConfirm string      `json:"passwordConfirm" form:"passwordConfirm"`
	Avatar          *media.File `json:"-" form:"-"`
}

func (e RegisterUserMessage) Type() string { return "user.register" }

// Validate will run validation rules
func (e RegisterUserMessage) Validate() error {
	return validatePayload("invalid registration payload", func() error {
		return validation.ValidateStruct(&e,
			validation.Field(&e.FullName, validation.Required, validation.Length(2, 100)),
			validation.Field(&e.Email, validation.Required, validation.Length(6, 254), is.Email),
			validation.Field(&e.Password, validation.Required, validation.Length(8, 128)),
			validation.Field(
				&e.PasswordConfirm,
				validation.Required,
				validation.By(ValidateStringEquals(e.Password)),
			),
		)
	})
}

// Register creates an unverified user and mails the verification link.
// The email is best effort; a failed delivery leaves the account in place.
func (a *Accounts) Register(ctx context.Context, event RegisterUserMessage) (*User, error) {
	if err := cancelled(ctx, "user registration"); err != nil {
		return nil, err
	}

	if err := event.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	email := NormalizeEmail(event.Email)

	if _, err := a.users.GetByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, internalError(err, "failed to check existing account")
	}

	phone, err := NormalizePhone(event.Phone, a.phoneRegion)
	if err != nil {
		return nil, err
	}

	var avatarURL string
	if event.Avatar != nil && a.images != nil {
		if avatarURL, err = a.images.Put(ctx, avatarFolder, *event.Avatar); err != nil {
			return nil, internalError(err, "failed to store avatar")
		}
	}

	hashes, err := HashPasswords(event.Password, event.PasswordConfirm)
	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return nil, goerrors.Wrap(richErr, goerrors.CategoryValidation, "invalid password provided")
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to hash password")
	}

	user := &User{
		FullName:            strings.TrimSpace(event.FullName),
		Email:               email,
		Phone:               phone,
		Role:                RoleUser,
		AvatarURL:           avatarURL,
		PasswordHash:        hashes.Password,
		PasswordConfirmHash: hashes.Confirm,
	}

	if a.deterministicID {
		if id, err := hashid.NewUUID(email); err == nil {
			user.ID = id
		}
	}

	// the digest is part of the insert, a failed registration leaves no row
	token, err := a.tokens.NewVerificationToken(user)
	if err != nil {
		return nil, err
	}

	created, err := a.users.Register(ctx, user)
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return nil, ErrEmailTaken
		}
		return nil, internalError(err, "could not create user")
	}

	a.sendVerificationEmail(ctx, created, token)
	a.recordActivity(ctx, ActivityEventUserRegistered, created, nil)

	return created, nil
}
