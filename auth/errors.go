package auth

import (
	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeInvalidCredentials = "INVALID_CREDENTIALS"
	TextCodeRoleMismatch       = "ROLE_MISMATCH"
	TextCodeInvalidToken       = "INVALID_TOKEN"
	TextCodeInvalidOrExpired   = "INVALID_OR_EXPIRED_TOKEN"
	TextCodeEmailTaken         = "EMAIL_ALREADY_REGISTERED"
	TextCodeEmailVerified      = "EMAIL_ALREADY_VERIFIED"
	TextCodeUserNotFound       = "USER_NOT_FOUND"
	TextCodeMissingToken       = "MISSING_TOKEN"
	TextCodeInvalidPhone       = "INVALID_PHONE_NUMBER"
)

// ErrInvalidCredentials is returned for an unknown email or a wrong
// password. Both cases share this value.
var ErrInvalidCredentials = goerrors.New("invalid email or password", goerrors.CategoryAuth).
	WithCode(goerrors.CodeUnauthorized).
	WithTextCode(TextCodeInvalidCredentials)

// ErrRoleMismatch is returned when the login role filter does not match
// the stored role.
var ErrRoleMismatch = goerrors.New("access denied for this role", goerrors.CategoryAuthz).
	WithCode(goerrors.CodeForbidden).
	WithTextCode(TextCodeRoleMismatch)

// ErrInvalidToken is the single shape for every access or refresh token
// verification failure.
var ErrInvalidToken = goerrors.New("invalid or expired token", goerrors.CategoryAuth).
	WithCode(goerrors.CodeUnauthorized).
	WithTextCode(TextCodeInvalidToken)

// ErrMissingToken is returned when a request carries no token at all
var ErrMissingToken = goerrors.New("authentication required", goerrors.CategoryAuth).
	WithCode(goerrors.CodeUnauthorized).
	WithTextCode(TextCodeMissingToken)

// ErrInvalidVerificationToken is returned for unknown or already consumed
// email verification tokens.
var ErrInvalidVerificationToken = goerrors.New("invalid or expired verification token", goerrors.CategoryBadInput).
	WithCode(goerrors.CodeBadRequest).
	WithTextCode(TextCodeInvalidToken)

// ErrInvalidOrExpiredResetToken covers unknown and expired reset tokens alike
var ErrInvalidOrExpiredResetToken = goerrors.New("password reset token is invalid or has expired", goerrors.CategoryBadInput).
	WithCode(goerrors.CodeBadRequest).
	WithTextCode(TextCodeInvalidOrExpired)

// ErrEmailTaken is returned on registration with an existing email
var ErrEmailTaken = goerrors.New("an account with this email already exists", goerrors.CategoryConflict).
	WithCode(goerrors.CodeConflict).
	WithTextCode(TextCodeEmailTaken)

// ErrEmailAlreadyVerified is returned when resending a verification email
// to a verified account.
var ErrEmailAlreadyVerified = goerrors.New("email is already verified", goerrors.CategoryBadInput).
	WithCode(goerrors.CodeBadRequest).
	WithTextCode(TextCodeEmailVerified)

// ErrUserNotFound is returned when a user id or email does not resolve
var ErrUserNotFound = goerrors.New("user not found", goerrors.CategoryNotFound).
	WithCode(goerrors.CodeNotFound).
	WithTextCode(TextCodeUserNotFound)

// ErrWrongPassword is returned by change-password when the current
// password does not verify.
var ErrWrongPassword = goerrors.New("current password is incorrect", goerrors.CategoryAuth).
	WithCode(goerrors.CodeUnauthorized).
	WithTextCode(TextCodeInvalidCredentials)

// ErrMismatchedHashAndPassword is the comparison failure from bcrypt
var ErrMismatchedHashAndPassword = goerrors.New("password does not match hash", goerrors.CategoryAuth).
	WithCode(goerrors.CodeUnauthorized)

// ErrNoEmptyString is returned when hashing an empty password
var ErrNoEmptyString = goerrors.New("password must not be empty", goerrors.CategoryValidation).
	WithCode(goerrors.CodeBadRequest)

func internalError(err error, msg string) error {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, msg)
}
