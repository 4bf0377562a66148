// Package auth verifies bearer credentials and produces principals.
//
// The engine treats credential issuance as external: it only validates
// tokens that an upstream identity service signed with the shared secret.
// A failed verification refuses the connection or request before any state
// is created.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ostapchuk/crmsync/internal/record"
)

// ErrInvalidToken is returned for missing, malformed, expired, or
// wrongly-signed credentials.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the payload the identity service signs into each token.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Verifier validates HMAC-signed bearer tokens.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a Verifier over the shared signing secret.
func NewVerifier(secret []byte) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("signing secret is required")
	}
	return &Verifier{secret: secret, now: time.Now}, nil
}

// SetClock overrides the validation clock. Intended for tests.
func (v *Verifier) SetClock(now func() time.Time) {
	v.now = now
}

// Verify parses and validates a bearer token and returns the principal it
// carries. The subject claim is the principal id; the role claim must name a
// known role.
func (v *Verifier) Verify(token string) (record.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return record.Principal{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return record.Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	p := record.Principal{
		ID:   claims.Subject,
		Role: record.Role(claims.Role),
	}
	if err := p.Validate(); err != nil {
		return record.Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return p, nil
}

// BearerToken extracts the credential from an Authorization header value or,
// failing that, returns the fallback (e.g. a ?token= query parameter, which
// browser WebSocket clients can't avoid).
func BearerToken(authorization, fallback string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(authorization, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(authorization, prefix))
	}
	return strings.TrimSpace(fallback)
}
