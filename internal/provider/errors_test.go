package provider

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsContentPolicyViolation(t *testing.T) {
	t.Run("sentinel error", func(t *testing.T) {
		assert.True(t, IsContentPolicyViolation(ErrContentPolicy))
		assert.True(t, IsContentPolicyViolation(fmt.Errorf("wrapped: %w", ErrContentPolicy)))
	})

	t.Run("structured detail", func(t *testing.T) {
		err := &APIError{
			StatusCode: 422,
			Message:    "rejected",
			Detail:     []ErrorDetail{{Type: "content_policy_violation", Message: "nope"}},
		}
		assert.True(t, IsContentPolicyViolation(err))
		assert.True(t, IsContentPolicyViolation(fmt.Errorf("call failed: %w", err)))
	})

	t.Run("safety filter phrasing", func(t *testing.T) {
		assert.True(t, IsContentPolicyViolation(errors.New("image flagged by safety checker")))
		assert.True(t, IsContentPolicyViolation(errors.New("request contains NSFW content")))
	})

	t.Run("unrelated errors", func(t *testing.T) {
		assert.False(t, IsContentPolicyViolation(nil))
		assert.False(t, IsContentPolicyViolation(errors.New("connection reset")))
		assert.False(t, IsContentPolicyViolation(&APIError{StatusCode: 500, Message: "boom"}))
	})
}

func TestIsDeadlineExceeded(t *testing.T) {
	assert.True(t, IsDeadlineExceeded(errors.New("rpc error: DEADLINE_EXCEEDED")))
	assert.True(t, IsDeadlineExceeded(errors.New("deadline_exceeded while calling upstream")))
	assert.False(t, IsDeadlineExceeded(errors.New("timeout")))
	assert.False(t, IsDeadlineExceeded(nil))
}

func TestAPIErrorMessage(t *testing.T) {
	err := &APIError{StatusCode: 422, Message: "rejected", Detail: []ErrorDetail{{Type: "content_policy_violation"}}}
	assert.Contains(t, err.Error(), "422")
	assert.Contains(t, err.Error(), "content_policy_violation")

	plain := &APIError{StatusCode: 500, Message: "boom"}
	assert.Contains(t, plain.Error(), "boom")
}
