// Package auth issues and validates the JWTs that protect the operator
// API. Every token is bound to one organization; handlers take the tenant
// from the token, never from the request body.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned for malformed, expired, or forged tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrAuthDisabled is returned when no signing secret is configured.
	ErrAuthDisabled = errors.New("authentication disabled")
)

// Operator is the authenticated API caller.
type Operator struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Email          string `json:"email,omitempty"`
	Name           string `json:"name,omitempty"`
}

// JWTService handles token signing and verification.
type JWTService struct {
	secret []byte
	expiry time.Duration
}

// NewJWTService builds a JWT helper with the given secret and expiry.
func NewJWTService(secret string, expiry time.Duration) *JWTService {
	return &JWTService{secret: []byte(secret), expiry: expiry}
}

type Claims struct {
	OrganizationID string `json:"org,omitempty"`
	Email          string `json:"email,omitempty"`
	Name           string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Generate issues a signed token for the given operator.
func (s *JWTService) Generate(op *Operator) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if op == nil || strings.TrimSpace(op.ID) == "" {
		return "", errors.New("operator id required")
	}
	if strings.TrimSpace(op.OrganizationID) == "" {
		return "", errors.New("organization id required")
	}

	claims := Claims{
		OrganizationID: op.OrganizationID,
		Email:          strings.TrimSpace(op.Email),
		Name:           strings.TrimSpace(op.Name),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   op.ID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.expiry)),
		},
	}
	if s.expiry <= 0 {
		claims.ExpiresAt = nil
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses a JWT and returns the operator embedded in it.
func (s *JWTService) Validate(token string) (*Operator, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.OrganizationID) == "" {
		return nil, ErrInvalidToken
	}
	return &Operator{
		ID:             claims.Subject,
		OrganizationID: claims.OrganizationID,
		Email:          strings.TrimSpace(claims.Email),
		Name:           strings.TrimSpace(claims.Name),
	}, nil
}

type contextKey struct{}

// WithOperator stores the authenticated operator in the context.
func WithOperator(ctx context.Context, op *Operator) context.Context {
	return context.WithValue(ctx, contextKey{}, op)
}

// OperatorFrom retrieves the authenticated operator, if any.
func OperatorFrom(ctx context.Context) (*Operator, bool) {
	op, ok := ctx.Value(contextKey{}).(*Operator)
	return op, ok && op != nil
}
