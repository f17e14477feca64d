// Package domain defines the core entities of the queue system and their
// validation rules. Types here have no dependencies on storage or transport.
package domain
