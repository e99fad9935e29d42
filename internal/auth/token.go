package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the shape of the access token the backend issues. The
// client only reads it: UserID is the local participant identity the
// session engine stamps on outgoing messages, and the expiry decides
// whether a redial is even worth attempting.
type Claims struct {
	UserID uuid.UUID `json:"user_id"`
	jwt.RegisteredClaims
}

// ParseIdentity extracts the claims without verifying the signature.
// The backend is the verifier; the client just needs its own identity
// and expiry out of the token it was handed.
func ParseIdentity(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("parsing access token: %w", err)
	}
	if claims.UserID == uuid.Nil {
		return nil, errors.New("access token carries no user id")
	}
	return claims, nil
}

// Expired reports whether the token is past its expiry at the given
// instant. Tokens without an expiry never expire.
func (c *Claims) Expired(now time.Time) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return now.After(c.ExpiresAt.Time)
}

// Sign mints an HS256 token with the given lifetime. Used by tests
// and local tooling that stand in for the backend.
func Sign(userID uuid.UUID, key []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "matchchat",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}
