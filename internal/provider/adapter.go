package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"unicode"

	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/ratelimit"
)

// Kind identifies which provider an adapter talks to.
type Kind string

// Supported provider kinds
const (
	KindOpenAI    Kind = "openai"
	KindGemini    Kind = "gemini"
	KindFal       Kind = "fal"
	KindWavespeed Kind = "wavespeed"
	KindGroq      Kind = "groq"
	KindModal     Kind = "modal"
	KindGeneric   Kind = "generic"
)

// ProcessResult is the normalized outcome of one provider call.
type ProcessResult struct {
	// Result is the provider's response payload.
	Result json.RawMessage

	// TokensUsed is the actual token consumption, recorded against the
	// entry's rate limiter. Zero when the provider does not report usage.
	TokensUsed int
}

// Processor is the only interface that actually talks to an external AI
// service. The entry handed to Process always carries resolved inline
// params; offloaded payloads are dereferenced by the engine first.
//
// Version: 1.0
type Processor interface {
	Process(ctx context.Context, entry *domain.QueueEntry) (*ProcessResult, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, entry *domain.QueueEntry) (*ProcessResult, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, entry *domain.QueueEntry) (*ProcessResult, error) {
	return f(ctx, entry)
}

// PromptModerator rewrites a prompt that a provider rejected for content
// policy reasons into a compliant variant.
//
// Version: 1.0
type PromptModerator interface {
	ModeratePrompt(ctx context.Context, prompt string) (string, error)
}

// RetryOps is the engine surface a retry policy may act on. Implemented by
// the queue engine and passed into HandleRetry calls; adapters never touch
// the store directly.
type RetryOps interface {
	// RetryLimit returns the maximum retry count before an entry is marked
	// as a terminal error.
	RetryLimit() int

	// RequeueForRetry flips the entry back to pending with an incremented
	// retry count, re-admitting it into the next processing cycle.
	RequeueForRetry(ctx context.Context, entry *domain.QueueEntry) error

	// MarkError terminally fails the entry, recording the trace.
	MarkError(ctx context.Context, entry *domain.QueueEntry, trace string) error

	// ResubmitModerated inserts a new pending entry carrying the moderated
	// params under the given unique key, with the original's retry count
	// plus one, and terminally fails the original with a trace pointing at
	// the successor.
	ResubmitModerated(ctx context.Context, original *domain.QueueEntry, moderatedParams json.RawMessage, uniqueKey string) error
}

// RetryFunc decides what to do with an entry whose processing failed.
// Returning handled=false tells the engine to mark the entry as a terminal
// error.
type RetryFunc func(ctx context.Context, ops RetryOps, entry *domain.QueueEntry, procErr error) (handled bool, err error)

// UniqueKeyFunc derives the dedup key for an entry's params.
type UniqueKeyFunc func(params json.RawMessage) string

// Adapter bundles everything the engine needs to run one provider's queue:
// the processor, key generation, retry policy, and rate limiter wiring.
// Behavior differences between providers live entirely in these fields; the
// engine dispatches on them rather than on provider types.
type Adapter struct {
	// Name is the queue type this adapter serves (QueueEntry.Type).
	Name string

	// Kind tags which provider family the adapter belongs to.
	Kind Kind

	// DefaultModel is the rate-limiter fallback when an entry's model has no
	// limiter of its own.
	DefaultModel string

	// Processor performs the external API call.
	Processor Processor

	// UniqueKey derives the dedup key for new entries. Nil falls back to a
	// content hash of the params.
	UniqueKey UniqueKeyFunc

	// HandleRetry overrides the engine's default retry policy. Nil uses the
	// default (requeue until the retry limit).
	HandleRetry RetryFunc

	// Limiters maps model names to their rate limiters.
	Limiters map[string]*ratelimit.Limiter

	// WaitsForCallback marks providers whose jobs complete asynchronously:
	// successfully dispatched entries stay in processing until an external
	// callback finalizes them.
	WaitsForCallback bool
}

// LimiterFor resolves the rate limiter for the given model, falling back to
// the adapter's default model. Returns nil when neither resolves.
func (a *Adapter) LimiterFor(model string) *ratelimit.Limiter {
	if l, ok := a.Limiters[model]; ok {
		return l
	}
	return a.Limiters[a.DefaultModel]
}

// UniqueKeyFor derives the dedup key for the given params using the
// adapter's generator, or a content hash when none is set.
func (a *Adapter) UniqueKeyFor(params json.RawMessage) string {
	if a.UniqueKey != nil {
		return a.UniqueKey(params)
	}
	return HashKey(a.Name, params)
}

// HashKey returns a deterministic dedup key from the queue name and the
// params content.
func HashKey(queueName string, params json.RawMessage) string {
	sum := sha256.Sum256(params)
	return queueName + "_" + hex.EncodeToString(sum[:8])
}

// NormalizeIdentifier lowercases an identifier and collapses every
// non-alphanumeric run into a single underscore, producing the stable form
// used for moderated resubmission keys.
func NormalizeIdentifier(identifier string) string {
	var b strings.Builder
	b.Grow(len(identifier))
	lastUnderscore := false
	for _, r := range strings.ToLower(identifier) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// promptParams is the subset of task params the retry policies inspect.
type promptParams struct {
	Identifier string `json:"identifier"`
	Prompt     string `json:"prompt"`
}

// PromptFromParams extracts the prompt field from task params, returning
// false when none is present.
func PromptFromParams(params json.RawMessage) (string, bool) {
	var p promptParams
	if err := json.Unmarshal(params, &p); err != nil {
		return "", false
	}
	return p.Prompt, p.Prompt != ""
}

// identifierKey derives a dedup key from a params identifier field,
// falling back to a content hash when the field is absent.
func identifierKey(queueName string, params json.RawMessage) string {
	var p promptParams
	if err := json.Unmarshal(params, &p); err == nil && p.Identifier != "" {
		return NormalizeIdentifier(p.Identifier)
	}
	return HashKey(queueName, params)
}
