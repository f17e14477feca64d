// Package dispatch provides the processor wake-up triggers and the
// client-facing convenience layer that submits requests to a provider queue
// and polls them to resolution.
package dispatch
