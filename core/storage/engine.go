package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/asaidimu/go-events"
	"github.com/asaidimu/go-loom/core/clause"
	"github.com/asaidimu/go-loom/core/schema"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventCallbackFunction is the signature of mutation event listeners.
type EventCallbackFunction func(ctx context.Context, m Mutation) error

// SubscriptionInfo describes a registered mutation event subscription.
type SubscriptionInfo struct {
	ID          string
	Label       *string
	Description *string
	Unsubscribe func()
}

// Engine is the storage engine. It owns the relational backend, stamps and
// merges incoming writes, tracks accepted mutations, and delivers them to the
// subscriber sink and the event bus once committed.
type Engine struct {
	schema     *schema.Schema
	interactor Interactor
	logger     *zap.Logger
	bus        *events.TypedEventBus[Mutation]
	sink       Sink
	clock      func() string

	subMu         sync.Mutex
	subscriptions map[string]*SubscriptionInfo
}

// Options configures an Engine.
type Options struct {
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// Sink receives committed mutation batches. Optional.
	Sink Sink
	// Clock produces merge timestamps. Defaults to schema.Now.
	Clock func() string
}

// New creates a storage engine over the given schema and backend.
func New(s *schema.Schema, interactor Interactor, opts *Options) (*Engine, error) {
	if s == nil {
		return nil, fmt.Errorf("schema cannot be nil")
	}
	if interactor == nil {
		return nil, fmt.Errorf("interactor cannot be nil")
	}
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = schema.Now
	}

	bus, err := events.NewTypedEventBus[Mutation](events.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("could not initialize event bus: %w", err)
	}

	return &Engine{
		schema:        s,
		interactor:    interactor,
		logger:        logger,
		bus:           bus,
		sink:          opts.Sink,
		clock:         clock,
		subscriptions: make(map[string]*SubscriptionInfo),
	}, nil
}

// Schema returns the schema the engine was built with.
func (e *Engine) Schema() *schema.Schema { return e.schema }

// SetSink replaces the subscriber sink. The sync server installs itself here
// after construction.
func (e *Engine) SetSink(sink Sink) { e.sink = sink }

// Init projects the schema onto relational storage: missing tables, columns
// and indexes are created; nothing is altered or dropped. Failures here are
// fatal to startup.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.interactor.Init(ctx, e.schema); err != nil {
		return fmt.Errorf("storage init: %w", err)
	}
	return nil
}

func (e *Engine) collection(resource string) (*schema.Collection, error) {
	c, ok := e.schema.Collection(resource)
	if !ok {
		return nil, fmt.Errorf("unknown collection %s", resource)
	}
	return c, nil
}

// Find runs a query and returns matching rows in their inferred shape.
// Transient backend failures on this read path are retried once.
func (e *Engine) Find(ctx context.Context, resource string, q *Query) ([]map[string]any, error) {
	c, err := e.collection(resource)
	if err != nil {
		return nil, err
	}
	if q == nil {
		q = &Query{}
	}
	rows, err := e.interactor.Select(ctx, c, q)
	if err != nil {
		e.logger.Warn("read failed, retrying once", zap.String("collection", resource), zap.Error(err))
		rows, err = e.interactor.Select(ctx, c, q)
		if err != nil {
			return nil, &StorageError{Op: "find " + resource, Err: err}
		}
	}
	return rows, nil
}

// FindOne returns a single row by primary key, or nil when absent.
func (e *Engine) FindOne(ctx context.Context, resource, id string, include clause.Include) (map[string]any, error) {
	c, err := e.collection(resource)
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
	rows, err := e.Find(ctx, resource, &Query{Where: &where, Include: include, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Get returns the full materialized row, value and metadata, or nil when the
// row does not exist. The merge logic and the sync server use this form.
func (e *Engine) Get(ctx context.Context, resource, id string) (schema.Row, error) {
	c, err := e.collection(resource)
	if err != nil {
		return nil, err
	}
	row, err := e.interactor.RawFindByID(ctx, c, id)
	if err != nil {
		e.logger.Warn("read failed, retrying once", zap.String("collection", resource), zap.Error(err))
		row, err = e.interactor.RawFindByID(ctx, c, id)
		if err != nil {
			return nil, &StorageError{Op: "get " + resource, Err: err}
		}
	}
	return row, nil
}

// Insert writes a new entity. When a row with the same primary key already
// exists the write degrades to a field-wise merge: the result of the race is
// decided by the merge rule, not by arrival order.
func (e *Engine) Insert(ctx context.Context, resource string, value map[string]any, opts *WriteOptions) (map[string]any, error) {
	return e.write(ctx, resource, "", value, ProcedureInsert, opts)
}

// Update merges a partial value into an existing row by primary key. Fields
// absent from value are untouched.
func (e *Engine) Update(ctx context.Context, resource, id string, value map[string]any, opts *WriteOptions) (map[string]any, error) {
	return e.write(ctx, resource, id, value, ProcedureUpdate, opts)
}

func (e *Engine) write(ctx context.Context, resource, id string, value map[string]any, proc Procedure, opts *WriteOptions) (map[string]any, error) {
	c, err := e.collection(resource)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &WriteOptions{}
	}
	ts := opts.Timestamp
	if ts == "" {
		ts = e.clock()
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
	return e.ApplyEncoded(ctx, resource, id, encoded, proc, opts.MutationID)
}

// ApplyEncoded applies an already-encoded mutation payload, as received from
// the wire, merging it against the current materialized row inside a
// transaction. Losing the merge is not an error: the surviving row is
// returned unchanged and no mutation record is produced.
func (e *Engine) ApplyEncoded(ctx context.Context, resource, id string, encoded map[string]schema.Encoded, proc Procedure, mutationID string) (map[string]any, error) {
	c, err := e.collection(resource)
	if err != nil {
		return nil, err
	}

	txi, err := e.interactor.Begin(ctx)
	if err != nil {
		return nil, &StorageError{Op: "begin " + resource, Err: err}
	}

	row, mutation, err := e.applyEncoded(ctx, txi, c, id, encoded, proc, mutationID)
	if err != nil {
		txi.Rollback(ctx)
		return nil, err
	}
	if err := txi.Commit(ctx); err != nil {
		return nil, &StorageError{Op: "commit " + resource, Err: err}
	}
	if mutation != nil {
		e.deliver([]Mutation{*mutation})
	}
	return row, nil
}

// applyEncoded is the merge-on-write core shared by direct writes and
// transactions. It runs against the given interactor and returns the
// post-merge inferred row plus the mutation record, nil when every field lost
// its comparison.
func (e *Engine) applyEncoded(ctx context.Context, i Interactor, c *schema.Collection, id string, encoded map[string]schema.Encoded, proc Procedure, mutationID string) (map[string]any, *Mutation, error) {
	current, err := i.RawFindByID(ctx, c, id)
	if err != nil {
		return nil, nil, &StorageError{Op: "load " + c.Name, Err: err}
	}

	materialized, accepted, err := c.MergeMutation(schema.MutationSet, encoded, current)
	if err != nil {
		return nil, nil, err
	}

	// Only declared fields project onto columns; unknown accepted fields
	// still travel in the mutation payload for forward compatibility.
	persistable := make(map[string]schema.Encoded, len(accepted))
	for name, enc := range accepted {
		if _, known := c.Fields[name]; known {
			persistable[name] = enc
		} else {
			e.logger.Warn("passing through unknown field",
				zap.String("collection", c.Name), zap.String("field", name))
		}
	}

	row := materialized.Infer()
	if len(accepted) == 0 {
		return row, nil, nil
	}

	if len(persistable) > 0 {
		if err := i.UpsertRow(ctx, c, id, persistable, current == nil); err != nil {
			return nil, nil, &StorageError{Op: "upsert " + c.Name, Err: err}
		}
	}

	if mutationID == "" {
		mutationID = uuid.New().String()
	}
	m := &Mutation{
		ID:         mutationID,
		Type:       MutationEventType,
		Resource:   c.Name,
		ResourceID: id,
		Procedure:  proc,
		Payload:    accepted,
		Row:        row,
	}
	return row, m, nil
}

// deliver hands committed mutations to the sink and the event bus, in commit
// order.
func (e *Engine) deliver(mutations []Mutation) {
	if len(mutations) == 0 {
		return
	}
	if e.sink != nil {
		e.sink(mutations)
	}
	for _, m := range mutations {
		e.bus.Emit(MutationEventType, m)
	}
}

// RegisterSubscription registers a callback for committed mutation events and
// returns an id usable with UnregisterSubscription.
func (e *Engine) RegisterSubscription(label, description *string, cb EventCallbackFunction) string {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	unsubscribe := e.bus.Subscribe(MutationEventType, func(ctx context.Context, m Mutation) error {
		return cb(ctx, m)
	})
	id := uuid.New().String()
	e.subscriptions[id] = &SubscriptionInfo{
		ID:          id,
		Label:       label,
		Description: description,
		Unsubscribe: unsubscribe,
	}
	return id
}

// UnregisterSubscription removes a subscription by id.
func (e *Engine) UnregisterSubscription(id string) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	if info, ok := e.subscriptions[id]; ok {
		info.Unsubscribe()
		delete(e.subscriptions, id)
	}
}

func withField(value map[string]any, name string, v any) map[string]any {
	out := make(map[string]any, len(value)+1)
	for k, val := range value {
		out[k] = val
	}
	out[name] = v
	return out
}
