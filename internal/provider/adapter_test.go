package provider

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/phrazzld/dispatch-api/internal/ratelimit"
)

func TestNormalizeIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Scene 12: The Dark Forest", "scene_12_the_dark_forest"},
		{"already_normal", "already_normal"},
		{"--Trim--", "trim"},
		{"MiXeD CaSe", "mixed_case"},
		{"a  b\tc", "a_b_c"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeIdentifier(tt.in), "input %q", tt.in)
	}
}

func TestHashKey(t *testing.T) {
	a := HashKey("fal", json.RawMessage(`{"prompt":"x"}`))
	b := HashKey("fal", json.RawMessage(`{"prompt":"x"}`))
	c := HashKey("fal", json.RawMessage(`{"prompt":"y"}`))

	assert.Equal(t, a, b, "identical params must hash identically")
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, "fal_")
}

func TestAdapterLimiterFor(t *testing.T) {
	def := ratelimit.NewLimiter(ratelimit.Limits{MaxRequests: 1, Window: time.Minute})
	specific := ratelimit.NewLimiter(ratelimit.Limits{MaxRequests: 2, Window: time.Minute})

	adapter := &Adapter{
		DefaultModel: "default-model",
		Limiters: map[string]*ratelimit.Limiter{
			"default-model": def,
			"special-model": specific,
		},
	}

	assert.Same(t, specific, adapter.LimiterFor("special-model"))
	assert.Same(t, def, adapter.LimiterFor("unknown-model"), "falls back to default model")

	adapter.Limiters = nil
	assert.Nil(t, adapter.LimiterFor("anything"))
}

func TestAdapterUniqueKeyFor(t *testing.T) {
	t.Run("uses custom generator when set", func(t *testing.T) {
		adapter := &Adapter{
			Name:      "fal",
			UniqueKey: func(params json.RawMessage) string { return "custom" },
		}
		assert.Equal(t, "custom", adapter.UniqueKeyFor(json.RawMessage(`{}`)))
	})

	t.Run("falls back to content hash", func(t *testing.T) {
		adapter := &Adapter{Name: "openai"}
		key := adapter.UniqueKeyFor(json.RawMessage(`{"prompt":"x"}`))
		assert.Equal(t, HashKey("openai", json.RawMessage(`{"prompt":"x"}`)), key)
	})
}

func TestPromptFromParams(t *testing.T) {
	prompt, ok := PromptFromParams(json.RawMessage(`{"prompt":"a forest","identifier":"scene_1"}`))
	assert.True(t, ok)
	assert.Equal(t, "a forest", prompt)

	_, ok = PromptFromParams(json.RawMessage(`{"identifier":"scene_1"}`))
	assert.False(t, ok)

	_, ok = PromptFromParams(json.RawMessage(`not json`))
	assert.False(t, ok)
}

func TestIdentifierKey(t *testing.T) {
	key := identifierKey("fal", json.RawMessage(`{"identifier":"Scene 1","prompt":"x"}`))
	assert.Equal(t, "scene_1", key)

	// Without an identifier the key degrades to a content hash.
	key = identifierKey("fal", json.RawMessage(`{"prompt":"x"}`))
	assert.Equal(t, HashKey("fal", json.RawMessage(`{"prompt":"x"}`)), key)
}
