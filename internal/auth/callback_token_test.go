package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/dispatch-api/internal/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestService(t *testing.T) *CallbackTokenService {
	t.Helper()
	svc, err := NewCallbackTokenService(config.AuthConfig{CallbackSecret: testSecret})
	require.NoError(t, err)
	return svc
}

func TestNewCallbackTokenServiceRejectsShortSecret(t *testing.T) {
	_, err := NewCallbackTokenService(config.AuthConfig{CallbackSecret: "too-short"})
	assert.Error(t, err)
}

func TestCallbackTokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	entryID := uuid.New()

	token, err := svc.GenerateToken(ctx, entryID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	got, err := svc.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, entryID, got, "token is scoped to the entry it was minted for")
}

func TestCallbackTokenExpiry(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	issued := time.Now()
	svc.timeFunc = func() time.Time { return issued }

	token, err := svc.GenerateToken(ctx, uuid.New())
	require.NoError(t, err)

	// Still valid just inside the lifetime.
	svc.timeFunc = func() time.Time { return issued.Add(23 * time.Hour) }
	_, err = svc.ValidateToken(ctx, token)
	assert.NoError(t, err)

	svc.timeFunc = func() time.Time { return issued.Add(25 * time.Hour) }
	_, err = svc.ValidateToken(ctx, token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestCallbackTokenWrongKey(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	other, err := NewCallbackTokenService(config.AuthConfig{CallbackSecret: strings.Repeat("x", 32)})
	require.NoError(t, err)

	token, err := other.GenerateToken(ctx, uuid.New())
	require.NoError(t, err)

	_, err = svc.ValidateToken(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCallbackTokenGarbage(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	_, err := svc.ValidateToken(ctx, "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.ValidateToken(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCallbackTokenTamperedPayload(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	token, err := svc.GenerateToken(ctx, uuid.New())
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	_, err = svc.ValidateToken(ctx, tampered)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
