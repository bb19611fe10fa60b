package storage

import (
	"context"
	"fmt"

	"github.com/asaidimu/go-loom/core/clause"
	"github.com/asaidimu/go-loom/core/schema"
	"github.com/google/uuid"
)

// Tx is a transaction handle. All writes through a Tx buffer their mutation
// records; the buffer is handed to the subscriber sink only when the
// outermost transaction commits, and discarded on rollback.
//
// Nested Transaction calls open savepoints: an inner commit releases the
// savepoint and promotes its buffered mutations to the parent, an inner
// rollback (or error) rolls back to the savepoint and leaves the outer
// transaction open.
type Tx struct {
	engine     *Engine
	interactor Interactor
	parent     *Tx
	buffer     []Mutation
	done       bool
}

// Transaction executes fn inside a transaction. The transaction commits when
// fn returns nil and rolls back when it returns an error or panics, unless fn
// already resolved it manually through Commit or Rollback.
func (e *Engine) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	txi, err := e.interactor.Begin(ctx)
	if err != nil {
		return &StorageError{Op: "begin transaction", Err: err}
	}
	tx := &Tx{engine: e, interactor: txi}
	return tx.run(ctx, fn)
}

// Transaction opens a nested transaction backed by a savepoint.
func (t *Tx) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	if t.done {
		return fmt.Errorf("transaction already resolved")
	}
	spi, err := t.interactor.Begin(ctx)
	if err != nil {
		return &StorageError{Op: "begin savepoint", Err: err}
	}
	inner := &Tx{engine: t.engine, interactor: spi, parent: t}
	return inner.run(ctx, fn)
}

func (t *Tx) run(ctx context.Context, fn func(tx *Tx) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.rollback(ctx)
			panic(r)
		}
	}()

	if err = fn(t); err != nil {
		t.rollback(ctx)
		return err
	}
	return t.Commit(ctx)
}

// Commit resolves the transaction. For the outermost transaction the buffered
// mutations are flushed to the sink in commit order; for a nested transaction
// they are promoted to the parent's buffer.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.interactor.Commit(ctx); err != nil {
		return &StorageError{Op: "commit transaction", Err: err}
	}
	if t.parent != nil {
		t.parent.buffer = append(t.parent.buffer, t.buffer...)
		return nil
	}
	t.engine.deliver(t.buffer)
	return nil
}

// Rollback aborts the transaction and discards its buffered mutations.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	return t.rollback(ctx)
}

func (t *Tx) rollback(ctx context.Context) error {
	t.done = true
	t.buffer = nil
	if err := t.interactor.Rollback(ctx); err != nil {
		return &StorageError{Op: "rollback transaction", Err: err}
	}
	return nil
}

// Find runs a query inside the transaction.
func (t *Tx) Find(ctx context.Context, resource string, q *Query) ([]map[string]any, error) {
	c, err := t.engine.collection(resource)
	if err != nil {
		return nil, err
	}
	if q == nil {
		q = &Query{}
	}
	rows, err := t.interactor.Select(ctx, c, q)
	if err != nil {
		return nil, &StorageError{Op: "find " + resource, Err: err}
	}
	return rows, nil
}

// FindOne returns a single row by primary key inside the transaction.
func (t *Tx) FindOne(ctx context.Context, resource, id string, include clause.Include) (map[string]any, error) {
	c, err := t.engine.collection(resource)
	if err != nil {
		return nil, err
	}
	primary, ok := c.PrimaryField()
	if !ok {
		return nil, fmt.Errorf("collection %s has no primary field", resource)
	}
	where := clause.Where{
		Collection: c.Name,
		Conditions: []clause.Condition{{Field: primary, Op: clause.OpEq, Value: id}},
	}
	rows, err := t.Find(ctx, resource, &Query{Where: &where, Include: include, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Insert writes a new entity inside the transaction.
func (t *Tx) Insert(ctx context.Context, resource string, value map[string]any, opts *WriteOptions) (map[string]any, error) {
	return t.write(ctx, resource, "", value, ProcedureInsert, opts)
}

// Update merges a partial value into an existing row inside the transaction.
func (t *Tx) Update(ctx context.Context, resource, id string, value map[string]any, opts *WriteOptions) (map[string]any, error) {
	return t.write(ctx, resource, id, value, ProcedureUpdate, opts)
}

func (t *Tx) write(ctx context.Context, resource, id string, value map[string]any, proc Procedure, opts *WriteOptions) (map[string]any, error) {
	if t.done {
		return nil, fmt.Errorf("transaction already resolved")
	}
	c, err := t.engine.collection(resource)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &WriteOptions{}
	}
	ts := opts.Timestamp
	if ts == "" {
		ts = t.engine.clock()
	}

	primary, ok := c.PrimaryField()
	if !ok {
		return nil, fmt.Errorf("collection %s has no primary field", resource)
	}
	if proc == ProcedureInsert {
		if raw, ok := value[primary]; ok {
			id = fmt.Sprintf("%v", raw)
		} else {
			id = uuid.New().String()
			value = withField(value, primary, id)
		}
	}

	encoded, err := c.EncodeMutation(schema.MutationSet, value, ts)
	if err != nil {
		return nil, err
	}
	return t.ApplyEncoded(ctx, resource, id, encoded, proc, opts.MutationID)
}

// ApplyEncoded applies an already-encoded mutation payload inside the
// transaction, buffering the mutation record until commit.
func (t *Tx) ApplyEncoded(ctx context.Context, resource, id string, encoded map[string]schema.Encoded, proc Procedure, mutationID string) (map[string]any, error) {
	if t.done {
		return nil, fmt.Errorf("transaction already resolved")
	}
	c, err := t.engine.collection(resource)
	if err != nil {
		return nil, err
	}
	row, mutation, err := t.engine.applyEncoded(ctx, t.interactor, c, id, encoded, proc, mutationID)
	if err != nil {
		return nil, err
	}
	if mutation != nil {
		t.buffer = append(t.buffer, *mutation)
	}
	return row, nil
}
