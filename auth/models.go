package auth

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// User is the credential record. Secrets never leave the process through
// JSON: hashes and token digests are tagged json:"-".
type User struct {
	bun.BaseModel `bun:"table:users,alias:usr"`

	ID                     uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id"`
	FullName               string     `bun:"full_name,notnull" json:"full_name"`
	Email                  string     `bun:"email,notnull,unique" json:"email"`
	Phone                  string     `bun:"phone_number" json:"phone_number,omitempty"`
	Role                   Role       `bun:"user_role,notnull" json:"role"`
	AvatarURL              string     `bun:"avatar_url" json:"avatar_url,omitempty"`
	PasswordHash           string     `bun:"password_hash,notnull" json:"-"`
	PasswordConfirmHash    string     `bun:"password_confirm_hash" json:"-"`
	IsEmailVerified        bool       `bun:"is_email_verified,notnull" json:"is_email_verified"`
	EmailVerificationToken *string    `bun:"email_verification_token" json:"-"`
	PasswordResetToken     *string    `bun:"password_reset_token" json:"-"`
	PasswordResetExpires   *time.Time `bun:"password_reset_expires" json:"-"`
	RefreshToken           *string    `bun:"refresh_token" json:"-"`
	PasswordChangedAt      *time.Time `bun:"password_changed_at,nullzero" json:"-"`
	CreatedAt              *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt              *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
	DeletedAt              *time.Time `bun:"deleted_at,soft_delete,nullzero" json:"-"`
}

// PublicUser is the safe projection returned to clients
type PublicUser struct {
	ID              uuid.UUID  `json:"id"`
	FullName        string     `json:"full_name"`
	Email           string     `json:"email"`
	Phone           string     `json:"phone_number,omitempty"`
	Role            Role       `json:"role"`
	AvatarURL       string     `json:"avatar_url,omitempty"`
	IsEmailVerified bool       `json:"is_email_verified"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
}

// Public returns the client safe view of the user
func (u *User) Public() PublicUser {
	if u == nil {
		return PublicUser{}
	}
	return PublicUser{
		ID:              u.ID,
		FullName:        u.FullName,
		Email:           u.Email,
		Phone:           u.Phone,
		Role:            u.Role,
		AvatarURL:       u.AvatarURL,
		IsEmailVerified: u.IsEmailVerified,
		CreatedAt:       u.CreatedAt,
	}
}

// Principal returns the identity used for authorization decisions
func (u *User) Principal() Principal {
	return Principal{
		ID:       u.ID,
		Role:     u.Role,
		Email:    u.Email,
		FullName: u.FullName,
	}
}

// HasRefreshToken reports whether the stored refresh token equals token
func (u *User) HasRefreshToken(token string) bool {
	if u == nil || u.RefreshToken == nil || token == "" {
		return false
	}
	return tokensEqual(*u.RefreshToken, token)
}

// NormalizeEmail lower cases and trims an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// PasswordHashes are the two independently hashed password values stored
// on a user record.
type PasswordHashes struct {
	Password string
	Confirm  string
}
