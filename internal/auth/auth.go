// Package auth verifies operator credentials and issues the bearer tokens
// that gate the query surface.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"diagnet/internal/config"
)

var (
	ErrBadCredentials = errors.New("bad credentials")
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("expired token")
)

// IdentityProvider answers whether a username/password pair is valid.
type IdentityProvider interface {
	Authenticate(username, password string) error
}

// StaticUsers authenticates against a fixed username to bcrypt-hash map
// loaded at startup.
type StaticUsers struct {
	hashes map[string]string
}

func NewStaticUsers(users map[string]string) *StaticUsers {
	return &StaticUsers{hashes: users}
}

func (s *StaticUsers) Authenticate(username, password string) error {
	hash, ok := s.hashes[username]
	if !ok {
		// burn a comparison so missing and present users cost the same
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5B718ZLybJ0YIbuxqn0Jl1H6ZQ0gS"), []byte(password))
		return ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrBadCredentials
	}
	return nil
}

// Tokens signs and verifies HS256 bearer tokens carrying only the subject
// and the standard issued-at/expiry claims.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(cfg config.AuthConfig) *Tokens {
	return &Tokens{
		secret: []byte(cfg.Secret),
		ttl:    cfg.TokenTTL,
		now:    time.Now,
	}
}

// Issue returns a signed token for subject together with its expiry.
func (t *Tokens) Issue(subject string) (string, time.Time, error) {
	now := t.now().UTC()
	exp := now.Add(t.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature and expiry and returns the subject.
func (t *Tokens) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return t.now() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
