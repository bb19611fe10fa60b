// Package storage implements the collection storage engine: merge-on-write
// persistence of materialized values and their per-field timestamps, query
// execution through a pluggable relational backend, nested transactions with
// savepoints, and mutation tracking for subscription fan-out.
package storage

import (
	"context"
	"fmt"

	"github.com/asaidimu/go-loom/core/clause"
	"github.com/asaidimu/go-loom/core/schema"
)

// Query describes a find operation over one collection.
type Query struct {
	Where   *clause.Where
	Include clause.Include
	OrderBy []clause.Sort
	Limit   int
}

// WriteOptions carries the optional parameters of a write.
type WriteOptions struct {
	// MutationID identifies the originating client mutation. A fresh id is
	// generated when empty.
	MutationID string
	// Timestamp overrides the engine clock for every field of this write.
	Timestamp string
}

// StorageError wraps a backend failure. Read paths retry once before
// surfacing one; write paths surface immediately.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Interactor abstracts the relational backend the engine runs against. An
// interactor is either database-scoped or transaction-scoped; Begin on a
// database-scoped interactor opens a transaction, Begin on a
// transaction-scoped interactor opens a savepoint.
type Interactor interface {
	// Init creates missing tables, columns and indexes for the schema.
	// Existing columns are never altered or dropped.
	Init(ctx context.Context, s *schema.Schema) error

	// Select runs a compiled relational query and returns rows in their
	// inferred shape, with included relations attached.
	Select(ctx context.Context, c *schema.Collection, q *Query) ([]map[string]any, error)

	// RawFindByID loads the full materialized row, value and per-field
	// metadata, or nil when the row does not exist.
	RawFindByID(ctx context.Context, c *schema.Collection, id string) (schema.Row, error)

	// UpsertRow persists accepted field values into the collection table and
	// their timestamps into the parallel metadata table.
	UpsertRow(ctx context.Context, c *schema.Collection, id string, accepted map[string]schema.Encoded, isNew bool) error

	// Begin opens a transaction (or a savepoint when already transactional)
	// and returns an interactor scoped to it.
	Begin(ctx context.Context) (Interactor, error)

	// Commit commits the transaction or releases the savepoint.
	Commit(ctx context.Context) error

	// Rollback aborts the transaction or rolls back to the savepoint.
	Rollback(ctx context.Context) error
}

// Sink receives the mutation records of a committed write batch, in commit
// order. The sync server registers itself as the engine's sink.
type Sink func(mutations []Mutation)
