// Package auth validates handshake tokens.
//
// How strict the hub is about tokens is a deployment choice: "nonempty"
// accepts any non-blank bearer string, "allowlist" accepts only configured
// tokens, and "jwt" accepts HS256 tokens signed with a shared secret.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/remote-agent-terminal/relayhub/internal/model"
)

// Policy names accepted by New.
const (
	PolicyNonEmpty  = "nonempty"
	PolicyAllowlist = "allowlist"
	PolicyJWT       = "jwt"
)

// Validator checks a handshake token.
type Validator interface {
	Validate(token string) error
}

// New builds the validator for the named policy.
func New(policy string, tokens []string, secret string) (Validator, error) {
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case "", PolicyNonEmpty:
		return NonEmpty{}, nil
	case PolicyAllowlist:
		if len(tokens) == 0 {
			return nil, errors.New("allowlist policy requires at least one token")
		}
		return NewAllowlist(tokens), nil
	case PolicyJWT:
		if secret == "" {
			return nil, errors.New("jwt policy requires a secret")
		}
		return NewJWT([]byte(secret)), nil
	default:
		return nil, fmt.Errorf("unknown token policy %q", policy)
	}
}

// NonEmpty accepts any token that is not blank.
type NonEmpty struct{}

// Validate implements Validator.
func (NonEmpty) Validate(token string) error {
	if strings.TrimSpace(token) == "" {
		return model.ErrEmptyToken
	}
	return nil
}

// Allowlist accepts only the configured tokens.
type Allowlist struct {
	tokens [][]byte
}

// NewAllowlist creates an allowlist validator. Blank entries are ignored.
func NewAllowlist(tokens []string) *Allowlist {
	a := &Allowlist{}
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			a.tokens = append(a.tokens, []byte(t))
		}
	}
	return a
}

// Validate implements Validator.
func (a *Allowlist) Validate(token string) error {
	if strings.TrimSpace(token) == "" {
		return model.ErrEmptyToken
	}
	candidate := []byte(token)
	match := 0
	// Compare against every entry so timing does not reveal the position.
	for _, t := range a.tokens {
		match |= subtle.ConstantTimeCompare(candidate, t)
	}
	if match != 1 {
		return model.ErrTokenRejected
	}
	return nil
}

// JWT accepts HS256 tokens signed with a shared secret.
type JWT struct {
	secret []byte
}

// NewJWT creates a JWT validator with the given secret.
func NewJWT(secret []byte) *JWT {
	return &JWT{secret: secret}
}

// Validate implements Validator.
func (v *JWT) Validate(token string) error {
	if strings.TrimSpace(token) == "" {
		return model.ErrEmptyToken
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrTokenRejected, err)
	}
	if !parsed.Valid {
		return model.ErrTokenRejected
	}
	return nil
}

// Sign issues an HS256 token for subject, for tooling and tests.
func Sign(secret []byte, subject string, claims jwt.MapClaims) (string, error) {
	if claims == nil {
		claims = jwt.MapClaims{}
	}
	claims["sub"] = subject
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
