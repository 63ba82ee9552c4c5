// Package auth resolves opaque bearer credentials into verified identities.
//
// The pipeline trusts only the {username, role} pair produced here; raw
// credentials never cross the package boundary. Tokens are HS256 JWTs with
// sub, role, and exp claims.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is an organizational role carried by every identity.
type Role string

// The three roles the policy rule set knows about.
const (
	RoleEmployee Role = "employee"
	RoleManager  Role = "manager"
	RoleFounder  Role = "founder"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleEmployee, RoleManager, RoleFounder:
		return true
	}
	return false
}

// Identity is the verified caller identity. Immutable for the lifetime of a
// request or chat session; never persisted by the core.
type Identity struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// Credential errors. ErrMissingCredential and ErrInvalidCredential map to
// distinct WebSocket close codes so clients can react deterministically.
var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid or expired credential")
)

// Verifier validates bearer tokens and issues them for the static user store.
type Verifier struct {
	secret   []byte
	tokenTTL time.Duration
}

// NewVerifier creates a Verifier with the given HMAC secret and issued-token
// lifetime.
func NewVerifier(secret string, tokenTTL time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), tokenTTL: tokenTTL}
}

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken creates a signed token for the identity, expiring after the
// configured TTL.
func (v *Verifier) IssueToken(id Identity) (string, error) {
	now := time.Now()
	c := claims{
		Role: string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a bearer token and returns the identity it asserts.
// An empty token yields ErrMissingCredential; anything malformed, expired,
// or carrying an unknown role yields ErrInvalidCredential.
func (v *Verifier) VerifyToken(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingCredential
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidCredential
	}
	if c.Subject == "" || !Role(c.Role).Valid() {
		return Identity{}, ErrInvalidCredential
	}

	return Identity{Username: c.Subject, Role: Role(c.Role)}, nil
}
