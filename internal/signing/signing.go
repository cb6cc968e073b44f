package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/cuongbtq/certgen/internal/domain"
)

// Header carries the delivery signature
const Header = "X-Certgen-Signature"

const (
	defaultIssuer = "certgen-relay"
	defaultTTL    = 5 * time.Minute
	clockSkew     = 5 * time.Second
)

// Claims bind a signature to one destination and one exact body
type Claims struct {
	Body string `json:"body"`
	jwt.RegisteredClaims
}

// BodyHash is the url-safe base64 SHA-256 of a request body
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Signer issues short-lived HS256 delivery tokens
type Signer struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner creates a Signer. Empty issuer and zero ttl select defaults.
func NewSigner(key, issuer string, ttl time.Duration) *Signer {
	if issuer == "" {
		issuer = defaultIssuer
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Signer{
		key:    []byte(key),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Sign returns a token for delivering body to destination
func (s *Signer) Sign(destination string, body []byte) (string, error) {
	now := s.now()
	claims := Claims{
		Body: BodyHash(body),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   destination,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.New().String(),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign delivery: %w", err)
	}
	return token, nil
}

// Verifier checks delivery tokens against the current key and, during
// rotation, the next key
type Verifier struct {
	keys   [][]byte
	issuer string
	now    func() time.Time
}

// NewVerifier creates a Verifier. An empty next key is ignored.
func NewVerifier(issuer, currentKey, nextKey string) *Verifier {
	if issuer == "" {
		issuer = defaultIssuer
	}
	v := &Verifier{issuer: issuer, now: time.Now}
	for _, k := range []string{currentKey, nextKey} {
		if k != "" {
			v.keys = append(v.keys, []byte(k))
		}
	}
	return v
}

// Verify checks the token, the body hash and that the token was issued for
// requestPath. Every failure wraps domain.ErrUnauthorized.
func (v *Verifier) Verify(token, requestPath string, body []byte) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing signature", domain.ErrUnauthorized)
	}

	claims, err := v.parse(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}

	if !hmac.Equal([]byte(claims.Body), []byte(BodyHash(body))) {
		return nil, fmt.Errorf("%w: body hash mismatch", domain.ErrUnauthorized)
	}

	dest, err := url.Parse(claims.Subject)
	if err != nil || dest.Path != requestPath {
		return nil, fmt.Errorf("%w: token issued for %q", domain.ErrUnauthorized, claims.Subject)
	}

	return claims, nil
}

func (v *Verifier) parse(token string) (*Claims, error) {
	if len(v.keys) == 0 {
		return nil, errors.New("no verification keys configured")
	}

	var lastErr error
	for _, key := range v.keys {
		claims := &Claims{}
		_, err := jwt.ParseWithClaims(token, claims,
			func(*jwt.Token) (interface{}, error) { return key, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(v.issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(clockSkew),
			jwt.WithTimeFunc(v.now),
		)
		if err == nil {
			return claims, nil
		}
		lastErr = err
		if !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			break
		}
	}
	return nil, lastErr
}
