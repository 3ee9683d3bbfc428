package testutils

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// NewUserID returns a fresh user ID. The hosted auth service identifies users by UUID.
func NewUserID() string {
	return uuid.NewString()
}

// NewAccessToken mints an HS256 access token for userID in the same shape the hosted auth
// service issues them: subject is the user ID, with email and role claims.
func NewAccessToken(t *testing.T, secret, userID, email string, ttl time.Duration) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   userID,
		"email": email,
		"role":  "authenticated",
		"aud":   "authenticated",
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("NewAccessToken: failed to sign: %s", err)
	}
	return signed
}
