// Package events defines the batch lifecycle events emitted by the queue
// engine and the emitter/handler plumbing that decouples the engine from
// notification delivery.
package events
