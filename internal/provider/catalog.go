package provider

import (
	"encoding/json"

	"github.com/phrazzld/dispatch-api/internal/ratelimit"
)

// NewOpenAIAdapter builds the adapter for the OpenAI completion queue.
func NewOpenAIAdapter(processor Processor, limiters map[string]*ratelimit.Limiter, defaultModel string) *Adapter {
	return &Adapter{
		Name:         "openai",
		Kind:         KindOpenAI,
		DefaultModel: defaultModel,
		Processor:    processor,
		HandleRetry:  BackoffRetry,
		Limiters:     limiters,
	}
}

// NewGeminiAdapter builds the adapter for the Gemini completion queue.
func NewGeminiAdapter(processor Processor, limiters map[string]*ratelimit.Limiter, defaultModel string) *Adapter {
	return &Adapter{
		Name:         "gemini",
		Kind:         KindGemini,
		DefaultModel: defaultModel,
		Processor:    processor,
		HandleRetry:  BackoffRetry,
		Limiters:     limiters,
	}
}

// NewGroqAdapter builds the adapter for the Groq transcription queue.
func NewGroqAdapter(processor Processor, limiters map[string]*ratelimit.Limiter, defaultModel string) *Adapter {
	return &Adapter{
		Name:         "groq",
		Kind:         KindGroq,
		DefaultModel: defaultModel,
		Processor:    processor,
		HandleRetry:  BackoffRetry,
		Limiters:     limiters,
	}
}

// NewFalAdapter builds the adapter for the Fal image generation queue.
// Content-policy rejections are recovered via prompt moderation.
func NewFalAdapter(processor Processor, moderator PromptModerator, limiters map[string]*ratelimit.Limiter, defaultModel string) *Adapter {
	return &Adapter{
		Name:         "fal",
		Kind:         KindFal,
		DefaultModel: defaultModel,
		Processor:    processor,
		UniqueKey:    func(params json.RawMessage) string { return identifierKey("fal", params) },
		HandleRetry:  ModerationRetry(moderator),
		Limiters:     limiters,
	}
}

// NewWavespeedAdapter builds the adapter for the Wavespeed image generation
// queue. Structurally identical to Fal, including the moderation retry path.
func NewWavespeedAdapter(processor Processor, moderator PromptModerator, limiters map[string]*ratelimit.Limiter, defaultModel string) *Adapter {
	return &Adapter{
		Name:         "wavespeed",
		Kind:         KindWavespeed,
		DefaultModel: defaultModel,
		Processor:    processor,
		UniqueKey:    func(params json.RawMessage) string { return identifierKey("wavespeed", params) },
		HandleRetry:  ModerationRetry(moderator),
		Limiters:     limiters,
	}
}

// NewModalAdapter builds the adapter for the Modal function queue. Modal
// jobs complete asynchronously: a successful dispatch leaves the entry in
// processing until the completion callback finalizes it.
func NewModalAdapter(processor Processor, limiters map[string]*ratelimit.Limiter, defaultModel string) *Adapter {
	return &Adapter{
		Name:             "modal",
		Kind:             KindModal,
		DefaultModel:     defaultModel,
		Processor:        processor,
		HandleRetry:      BackoffRetry,
		Limiters:         limiters,
		WaitsForCallback: true,
	}
}

// NewGenericAdapter builds an adapter for an arbitrary HTTP function queue
// with the default retry policy.
func NewGenericAdapter(name string, processor Processor, limiters map[string]*ratelimit.Limiter, defaultModel string) *Adapter {
	return &Adapter{
		Name:         name,
		Kind:         KindGeneric,
		DefaultModel: defaultModel,
		Processor:    processor,
		Limiters:     limiters,
	}
}
