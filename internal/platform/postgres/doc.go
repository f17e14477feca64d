// Package postgres provides PostgreSQL implementations of the store
// interfaces. The two operations the engine's correctness rests on — the
// pending-entry claim and the batch counter increment — are each a single
// SQL statement, so their atomicity comes from the database itself.
package postgres
