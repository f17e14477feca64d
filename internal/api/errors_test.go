package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/phrazzld/dispatch-api/internal/auth"
	"github.com/phrazzld/dispatch-api/internal/queue"
	"github.com/phrazzld/dispatch-api/internal/store"
)

func TestMapErrorToStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid token", auth.ErrInvalidToken, http.StatusUnauthorized},
		{"expired token", auth.ErrExpiredToken, http.StatusUnauthorized},
		{"entry mismatch", auth.ErrEntryMismatch, http.StatusForbidden},
		{"entry not found", store.ErrEntryNotFound, http.StatusNotFound},
		{"batch not found", store.ErrBatchNotFound, http.StatusNotFound},
		{"unique key conflict", store.ErrUniqueKeyExists, http.StatusConflict},
		{"not awaiting callback", queue.ErrNotAwaitingCallback, http.StatusConflict},
		{"invalid record", store.ErrInvalidRecord, http.StatusBadRequest},
		{"anything else", errors.New("boom"), http.StatusInternalServerError},
		{"wrapped sentinel", fmt.Errorf("context: %w", store.ErrBatchNotFound), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MapErrorToStatusCode(tt.err))
		})
	}
}

func TestGetSafeErrorMessage(t *testing.T) {
	assert.Equal(t, "Batch not found", GetSafeErrorMessage(store.ErrBatchNotFound))
	assert.Equal(t, "An unexpected error occurred", GetSafeErrorMessage(errors.New("pq: relation does not exist")))
	assert.NotContains(t, GetSafeErrorMessage(errors.New("secret detail")), "secret")
}
