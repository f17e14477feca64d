package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by provider processors
var (
	// ErrContentPolicy is returned when a provider rejects a prompt for
	// violating its content policy. The Fal and Wavespeed retry paths
	// recover from this by moderating the prompt and resubmitting.
	ErrContentPolicy = errors.New("content policy violation")

	// ErrTransientFailure is returned for temporary provider errors that
	// might resolve on retry.
	ErrTransientFailure = errors.New("transient provider failure")
)

// ErrorDetail is one element of a structured provider error body.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"msg"`
}

// APIError is a structured error reported by a provider's HTTP API.
type APIError struct {
	StatusCode int
	Message    string
	Detail     []ErrorDetail
}

// Error implements the error interface for APIError.
func (e *APIError) Error() string {
	if len(e.Detail) > 0 {
		return fmt.Sprintf("provider API error (status %d): %s [%s]", e.StatusCode, e.Message, e.Detail[0].Type)
	}
	return fmt.Sprintf("provider API error (status %d): %s", e.StatusCode, e.Message)
}

// safetyFilterPhrases are substrings that identify a content rejection when
// the provider reports it as free text rather than a structured detail.
var safetyFilterPhrases = []string{
	"content_policy_violation",
	"content policy violation",
	"safety filter",
	"flagged by safety",
	"nsfw content",
}

// IsContentPolicyViolation reports whether err represents a provider-side
// content rejection, either via the ErrContentPolicy sentinel, a structured
// detail entry of type "content_policy_violation", or safety-filter phrasing
// in the message.
func IsContentPolicyViolation(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrContentPolicy) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		for _, d := range apiErr.Detail {
			if d.Type == "content_policy_violation" {
				return true
			}
		}
	}

	msg := strings.ToLower(err.Error())
	for _, phrase := range safetyFilterPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}

	return false
}

// IsDeadlineExceeded reports whether err carries a deadline-exceeded style
// message. Such failures are flagged for immediate retry in logs, but follow
// the same retry path as any other transient failure.
func IsDeadlineExceeded(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToUpper(err.Error()), "DEADLINE_EXCEEDED")
}
