package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessClaims are embedded in short lived access tokens
type AccessClaims struct {
	jwt.RegisteredClaims
	UID      string `json:"userId"`
	FullName string `json:"fullName"`
	Email    string `json:"email"`
}

// UserID returns the user id embedded in the token
func (c *AccessClaims) UserID() string {
	return c.UID
}

// UserUUID parses the embedded user id
func (c *AccessClaims) UserUUID() (uuid.UUID, error) {
	return uuid.Parse(c.UID)
}

// RefreshClaims are embedded in refresh tokens and carry only the user id
type RefreshClaims struct {
	jwt.RegisteredClaims
	UID string `json:"userId"`
}

// UserID returns the user id embedded in the token
func (c *RefreshClaims) UserID() string {
	return c.UID
}

func ensureTokenID(claims *jwt.RegisteredClaims) {
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}
}
