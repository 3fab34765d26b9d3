package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/bibsync/internal/errs"
)

// TokenService issues and verifies HS256 bearer tokens for the control API.
type TokenService struct {
	signKey []byte
	ttl     time.Duration
}

// NewTokenService constructs a TokenService; ttl <= 0 means one hour.
func NewTokenService(signKey []byte, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenService{signKey: signKey, ttl: ttl}
}

// Issue creates a signed token for subject.
func (s *TokenService) Issue(subject string) (string, time.Time, error) {
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, fmt.Errorf("empty subject: %w", errs.ErrValidation)
	}
	now := time.Now()
	exp := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.signKey)
	return signed, exp, err
}

// Verify checks signature and validity window and returns the subject.
func (s *TokenService) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.signKey, nil
	}, jwt.WithLeeway(30*time.Second))
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("invalid token: %w", errs.ErrAuthInvalid)
	}
	if claims.ExpiresAt == nil {
		return "", fmt.Errorf("token without expiry: %w", errs.ErrAuthInvalid)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("bad subject: %w", errs.ErrAuthInvalid)
	}
	return claims.Subject, nil
}
