package auth

import (
	"context"
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-civic/media"
)

// UpdateAccountMessage changes profile fields. Empty fields are ignored.
type UpdateAccountMessage struct {
	FullName *string `json:"fullName" form:"fullName"`
	Phone    *string `json:"phone" form:"phone"`
}

// Validate will run validation rules
func (e UpdateAccountMessage) Validate() error {
	return validatePayload("invalid account payload", func() error {
		return validation.ValidateStruct(&e,
			validation.Field(&e.FullName, validation.NilOrNotEmpty, validation.Length(2, 100)),
		)
	})
}

// ChangePasswordMessage is the authenticated password change payload
type ChangePasswordMessage struct {
	CurrentPassword    string `json:"currentPassword" form:"currentPassword"`
	NewPassword        string `json:"newPassword" form:"newPassword"`
	NewPasswordConfirm string `json:"newPasswordConfirm" form:"newPasswordConfirm"`
}

// Validate will run validation rules
func (e ChangePasswordMessage) Validate() error {
	return validatePayload("invalid change password payload", func() error {
		return validation.ValidateStruct(&e,
			validation.Field(&e.CurrentPassword, validation.Required),
			validation.Field(&e.NewPassword, validation.Required, validation.Length(8, 128)),
			validation.Field(
				&e.NewPasswordConfirm,
				validation.Required,
				validation.By(ValidateStringEquals(e.NewPassword)),
			),
		)
	})
}

// CurrentUser loads the user behind principal
func (a *Accounts) CurrentUser(ctx context.Context, principal Principal) (*User, error) {
	user, err := a.users.GetByID(ctx, principal.ID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, internalError(err, "failed to load user")
	}
	return user, nil
}

// UpdateAccount changes the caller's name or phone number
func (a *Accounts) UpdateAccount(ctx context.Context, principal Principal, event UpdateAccountMessage) (*User, error) {
	if err := cancelled(ctx, "account update"); err != nil {
		return nil, err
	}

	if err := event.Validate(); err != nil {
		return nil, err
	}

	update := ProfileUpdate{}
	if event.FullName != nil {
		name := strings.TrimSpace(*event.FullName)
		update.FullName = &name
	}
	if event.Phone != nil {
		phone, err := NormalizePhone(*event.Phone, a.phoneRegion)
		if err != nil {
			return nil, err
		}
		update.Phone = &phone
	}

	return a.updateProfile(ctx, principal, update)
}

// UpdateAvatar stores a new avatar and points the account at it
func (a *Accounts) UpdateAvatar(ctx context.Context, principal Principal, file media.File) (*User, error) {
	if err := cancelled(ctx, "avatar update"); err != nil {
		return nil, err
	}

	if a.images == nil {
		return nil, media.ErrUnsupportedImage
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	url, err := a.images.Put(ctx, avatarFolder, file)
	if err != nil {
		return nil, internalError(err, "failed to store avatar")
	}

	return a.updateProfile(ctx, principal, ProfileUpdate{AvatarURL: &url})
}

// ChangePassword verifies the current password and stores the new one. The
// stored refresh token is cleared so other sessions must log in again.
func (a *Accounts) ChangePassword(ctx context.Context, principal Principal, event ChangePasswordMessage) error {
	if err := cancelled(ctx, "password change"); err != nil {
		return err
	}

	if err := event.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	user, err := a.CurrentUser(ctx, principal)
	if err != nil {
		return err
	}

	if err := ComparePasswordAndHash(event.CurrentPassword, user.PasswordHash); err != nil {
		return ErrWrongPassword
	}

	hashes, err := HashPasswords(event.NewPassword, event.NewPasswordConfirm)
	if err != nil {
		return internalError(err, "failed to hash password")
	}

	if err := a.users.UpdatePassword(ctx, user.ID, hashes); err != nil {
		return internalError(err, "failed to update password")
	}

	a.recordActivity(ctx, ActivityEventPasswordChanged, user, nil)
	return nil
}

func (a *Accounts) updateProfile(ctx context.Context, principal Principal, update ProfileUpdate) (*User, error) {
	user, err := a.users.UpdateProfile(ctx, principal.ID, update)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, internalError(err, "failed to update account")
	}
	return user, nil
}
