// Package queue implements the dispatch engine at the heart of the system:
// claiming pending entries from the durable store, batching them against
// provider rate limits, invoking provider adapters, driving retry policy,
// and tracking multi-entry batches to completion.
//
// Correctness under concurrent invocations rests entirely on two store
// primitives: the atomic claim (QueueStore.ClaimPending) and the atomic
// batch counter increment (BatchStore.IncrementBatch). The engine holds no
// cross-call state of its own.
package queue
