// Package auth issues and verifies signed bearer credentials and resolves
// inbound credentials to a canonical user identity.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"modelgate/internal/gateway/entity"
)

var (
	// ErrTokenExpired is returned when the token is past its validity window.
	ErrTokenExpired = errors.New("token_expired")

	// ErrInvalidToken is returned when the token fails verification for any
	// other reason (bad signature, malformed, wrong claims shape).
	ErrInvalidToken = errors.New("invalid_token")
)

// Claims is the signed assertion bound to one user identifier.
//
// The limit/used/cap fields are an issuance-time snapshot carried for client
// display only. The admission gate always re-reads the live ledger record;
// nothing here is trusted for enforcement.
type Claims struct {
	jwt.RegisteredClaims
	Email          string `json:"email"`
	RequestLimit   int    `json:"request_limit"`
	RequestsUsed   int    `json:"requests_used"`
	ConcurrencyCap int    `json:"concurrency_cap"`
	Alias          string `json:"alias,omitempty"`
}

// Issuer mints HS256 tokens for registered users.
type Issuer struct {
	Secret string
	TTL    time.Duration
}

// Issue signs a token for the given record and returns it with its expiry.
func (i Issuer) Issue(rec entity.UserRecord, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(i.TTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Email:          rec.Email.String(),
		RequestLimit:   rec.RequestLimit,
		RequestsUsed:   rec.RequestsUsed,
		ConcurrencyCap: rec.ConcurrencyCap,
		Alias:          rec.Alias,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// VerifyToken parses and verifies a signed token string.
func VerifyToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Email == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
