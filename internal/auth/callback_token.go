// Package auth issues and validates the bearer tokens that authenticate
// provider completion callbacks. Each token is scoped to exactly one queue
// entry: the callback URL handed to an asynchronous provider carries a token
// that can finalize that entry and nothing else.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/phrazzld/dispatch-api/internal/config"
)

// callbackTokenLifetime bounds how long an asynchronous provider may take to
// deliver its completion callback.
const callbackTokenLifetime = 24 * time.Hour

// CallbackTokenService mints and validates entry-scoped callback tokens
// using HMAC-SHA256 signing.
type CallbackTokenService struct {
	signingKey []byte
	lifetime   time.Duration
	timeFunc   func() time.Time // Injectable for testing
}

// callbackClaims is the claim set carried by a callback token.
type callbackClaims struct {
	EntryID uuid.UUID `json:"eid"`
	jwt.RegisteredClaims
}

// NewCallbackTokenService creates a CallbackTokenService from auth
// configuration.
func NewCallbackTokenService(cfg config.AuthConfig) (*CallbackTokenService, error) {
	if len(cfg.CallbackSecret) < 32 {
		return nil, errors.New("callback secret must be at least 32 characters")
	}

	return &CallbackTokenService{
		signingKey: []byte(cfg.CallbackSecret),
		lifetime:   callbackTokenLifetime,
		timeFunc:   time.Now,
	}, nil
}

// GenerateToken creates a signed token authorizing completion callbacks for
// the given entry.
func (s *CallbackTokenService) GenerateToken(ctx context.Context, entryID uuid.UUID) (string, error) {
	now := s.timeFunc()

	claims := callbackClaims{
		EntryID: entryID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   entryID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign callback token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates a callback token and returns the entry ID it is
// scoped to.
func (s *CallbackTokenService) ValidateToken(ctx context.Context, tokenString string) (uuid.UUID, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&callbackClaims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.signingKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithTimeFunc(func() time.Time { return s.timeFunc() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return uuid.Nil, ErrExpiredToken
		}
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*callbackClaims)
	if !ok || claims.EntryID == uuid.Nil {
		return uuid.Nil, ErrInvalidToken
	}
	return claims.EntryID, nil
}
