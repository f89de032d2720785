// Package token creates and validates the signed, expiring tokens used for
// login sessions, email verification, and password resets. Tokens are JWTs
// signed with a server-held secret (HS256).
//
// A valid signature alone never authorizes anything: every consumer also
// checks the token's Redis mirror and the user row, so a replayed or forged
// token is still rejected after its single use.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token purposes. Verify callers must check the purpose so a verification
// token can never be presented as a session or reset token.
const (
	PurposeSession      = "session"
	PurposeVerification = "email_verification"
	PurposeReset        = "password_reset"
)

// ErrInvalidToken is the single error returned for any verification
// failure: bad signature, expired, malformed, or wrong algorithm. One
// error kind on purpose -- distinguishing tampering from expiry would give
// an attacker an oracle.
var ErrInvalidToken = errors.New("invalid or expired token")

// Claims is the payload embedded in every signed token.
type Claims struct {
	UserID   string `json:"uid,omitempty"`
	Email    string `json:"email"`
	Username string `json:"username,omitempty"`
	Purpose  string `json:"purpose"`
	jwt.RegisteredClaims
}

// Codec issues and verifies signed tokens with a fixed secret.
type Codec struct {
	secret []byte
}

// NewCodec creates a codec signing with the given secret.
func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Issue signs the claims with the given TTL. Each token carries a random
// JTI so two tokens issued in the same second for the same user still
// produce distinct mirror keys.
func (c *Codec) Issue(claims Claims, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a raw token string. Any failure -- bad
// signature, expiry, malformed input, unexpected algorithm -- collapses
// into ErrInvalidToken.
func (c *Codec) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
