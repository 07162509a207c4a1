// Package auth issues and validates the single-operator bearer token that
// gates the transport edge. This is a single-account system — there is no
// users table or login flow; a bootstrap script (or the operator) mints a
// long-lived JWT once, signed with the configured secret, and every
// request presents it as a Bearer token.
package auth

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// accessTokenTTL is configurable via ACCESS_TOKEN_TTL env var (e.g. "1h", "720h").
// Defaults to 8760h (one year) since there is no refresh flow — rotation
// means re-running the issuance step with a new expiry.
var accessTokenTTL = func() time.Duration {
	if s := os.Getenv("ACCESS_TOKEN_TTL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return 8760 * time.Hour
}()

// Claims is the JWT payload for the single operator.
type Claims struct {
	jwt.RegisteredClaims
}

// IssueOperatorToken creates a signed HS256 JWT for the operator.
func IssueOperatorToken(secret []byte) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseOperatorToken validates the token signature and expiry.
func ParseOperatorToken(secret []byte, raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token expired")
		}
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// HashMasterKey returns a bcrypt hash of the vault master key passphrase,
// a check value that CheckMasterKey can later verify an operator-entered
// passphrase against. Nothing in this repository calls it; cmd/vaultcli
// takes the key from its environment without a check value.
func HashMasterKey(passphrase string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(passphrase), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckMasterKey reports whether passphrase matches the bcrypt hash.
func CheckMasterKey(hash, passphrase string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(passphrase)) == nil
}
