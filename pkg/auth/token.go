package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is the access token payload: the subject is the actor id and
// Permissions carries the permission codes checked by gated transitions.
type Claims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"permissions"`
}

func (c *Claims) HasPermission(code string) bool {
	for _, permission := range c.Permissions {
		if permission == code {
			return true
		}
	}
	return false
}

type TokenManager struct {
	signingKey []byte
	ttl        time.Duration
}

func NewTokenManager(signingKey []byte, ttl time.Duration) *TokenManager {
	return &TokenManager{signingKey: signingKey, ttl: ttl}
}

func (m *TokenManager) Generate(actorID string, permissions []string) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   actorID,
			Issuer:    "stateline",
		},
		Permissions: permissions,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

func (m *TokenManager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return m.signingKey, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

type contextKey struct{}

func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(*Claims)
	return claims, ok
}

// ContextAuthorizer answers permission checks from the validated claims the
// auth middleware stored on the request context. It implements the engine's
// Authorizer port.
type ContextAuthorizer struct{}

func (ContextAuthorizer) HasPermission(ctx context.Context, actorID, permission string) (bool, error) {
	claims, ok := ClaimsFrom(ctx)
	if !ok {
		return false, nil
	}
	if claims.Subject != actorID {
		return false, nil
	}
	return claims.HasPermission(permission), nil
}
