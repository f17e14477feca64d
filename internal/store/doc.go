// Package store defines the persistence interfaces the queue engine depends
// on, together with the sentinel errors shared by their implementations.
package store
