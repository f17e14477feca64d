package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testLimiter(limits Limits) (*Limiter, *time.Time) {
	l := NewLimiter(limits)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })
	return l, &now
}

func TestLimiterRecordsUsage(t *testing.T) {
	l, _ := testLimiter(Limits{MaxRequests: 10, MaxTokens: 100, Window: time.Minute})

	l.RecordUsage(30)
	l.RecordUsage(20)

	usage := l.Usage()
	assert.Equal(t, 2, usage.Requests)
	assert.Equal(t, 50, usage.Tokens)
}

func TestLimiterWouldExceedLimit(t *testing.T) {
	t.Run("request bound", func(t *testing.T) {
		l, _ := testLimiter(Limits{MaxRequests: 2, MaxTokens: 100, Window: time.Minute})
		assert.False(t, l.WouldExceedLimit(0))
		l.RecordUsage(0)
		l.RecordUsage(0)
		assert.True(t, l.WouldExceedLimit(0))
	})

	t.Run("token bound", func(t *testing.T) {
		l, _ := testLimiter(Limits{MaxRequests: 10, MaxTokens: 100, Window: time.Minute})
		l.RecordUsage(90)
		assert.False(t, l.WouldExceedLimit(10))
		assert.True(t, l.WouldExceedLimit(11))
	})

	t.Run("zero max tokens disables token bound", func(t *testing.T) {
		l, _ := testLimiter(Limits{MaxRequests: 10, MaxTokens: 0, Window: time.Minute})
		assert.False(t, l.WouldExceedLimit(1_000_000))
	})
}

func TestLimiterWindowRotation(t *testing.T) {
	l, now := testLimiter(Limits{MaxRequests: 2, MaxTokens: 100, Window: time.Minute})

	l.RecordUsage(60)
	l.RecordUsage(40)
	assert.True(t, l.WouldExceedLimit(0))

	// Advancing past the window resets both counters.
	*now = now.Add(61 * time.Second)

	usage := l.Usage()
	assert.Zero(t, usage.Requests)
	assert.Zero(t, usage.Tokens)
	assert.False(t, l.WouldExceedLimit(100))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(map[string]Limits{
		"openai:gpt-4o": {MaxRequests: 5, MaxTokens: 1000, Window: time.Minute},
	})

	assert.NotNil(t, r.Get("openai:gpt-4o"))
	assert.Nil(t, r.Get("openai:gpt-3.5"))

	var nilRegistry *Registry
	assert.Nil(t, nilRegistry.Get("anything"))
}
