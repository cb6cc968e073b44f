package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cuongbtq/certgen/internal/domain"
)

// Claims identify the operator behind a request
type Claims struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// Verifier validates operator tokens issued by the identity service
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for HS256 tokens
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Parse validates a token and returns its claims. Failures wrap
// domain.ErrUnauthorized.
func (v *Verifier) Parse(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", domain.ErrUnauthorized)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, errors.New("token has no user id"))
	}

	return claims, nil
}

// Issue signs a token for an operator. The identity service owns login;
// this exists for local tooling and tests.
func Issue(secret string, claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
