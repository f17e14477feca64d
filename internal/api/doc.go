// Package api implements the HTTP surface over the queue engines: enqueue
// endpoints, batch status reads, the synchronous dispatch call, provider
// completion callbacks, and the internal trigger endpoint that wakes queue
// processors.
package api
