package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidState = errors.New("invalid oauth state")

type stateClaims struct {
	jwt.RegisteredClaims
}

// StateSigner issues the OAuth `state` parameter as a short-lived HS256 token
// whose jti names the pending handshake record.
type StateSigner struct {
	issuer string
	secret []byte
}

func NewStateSigner(issuer, secret string) *StateSigner {
	return &StateSigner{issuer: issuer, secret: []byte(secret)}
}

func (s *StateSigner) Sign(handshakeID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := stateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			ID:        handshakeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify returns the handshake id carried by a state value.
func (s *StateSigner) Verify(raw string) (string, error) {
	claims := &stateClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing algorithm")
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if !tok.Valid || claims.ID == "" {
		return "", ErrInvalidState
	}
	return claims.ID, nil
}
