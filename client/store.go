// Package client implements the sync client: a supervised connection to the
// sync server, per-collection observable stores, an optimistic write buffer
// reconciled against server acks, and lazy subscription management.
package client

import (
	"reflect"
	"sort"
	"sync"

	"github.com/asaidimu/go-loom/core/schema"
)

// Observer receives the store's rows, in inferred shape, whenever any row's
// materialized value changes.
type Observer func(rows []map[string]any)

// Store is the client-side view of one collection: a map of row id to
// materialized row, updated optimistically by local writes and
// authoritatively by server messages, with change observers on top.
type Store struct {
	client   *Client
	resource string
	col      *schema.Collection

	mu        sync.Mutex
	rows      map[string]schema.Row
	observers map[int]Observer
	nextObs   int
}

func newStore(c *Client, resource string, col *schema.Collection) *Store {
	return &Store{
		client:    c,
		resource:  resource,
		col:       col,
		rows:      map[string]schema.Row{},
		observers: map[int]Observer{},
	}
}

// Resource returns the collection name the store mirrors.
func (s *Store) Resource() string { return s.resource }

// Get returns one row in inferred shape, or nil when absent.
func (s *Store) Get(id string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil
	}
	return row.Infer()
}

// Rows returns every row in inferred shape, ordered by id for determinism.
func (s *Store) Rows() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() []map[string]any {
	ids := make([]string, 0, len(s.rows))
	for id := range s.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.rows[id].Infer())
	}
	return out
}

// Subscribe registers an observer and returns its unsubscribe function. The
// first observer triggers the lazy server subscription; the observer is
// immediately called with the current rows.
func (s *Store) Subscribe(fn Observer) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	first := len(s.observers) == 1
	current := s.snapshotLocked()
	s.mu.Unlock()

	fn(current)
	if first {
		s.client.ensureSubscribed(s.resource)
	}

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify(rows []map[string]any) {
	s.mu.Lock()
	observers := make([]Observer, 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()
	for _, fn := range observers {
		fn(rows)
	}
}

// hasObservers reports whether any observer is attached, which drives
// re-subscription on reconnect.
func (s *Store) hasObservers() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers) > 0
}

// applyEncoded merges an encoded payload into the row, notifying observers
// only when the inferred shape actually changed.
func (s *Store) applyEncoded(id string, payload map[string]schema.Encoded) error {
	s.mu.Lock()
	current := s.rows[id]
	before := current.Infer()

	materialized, _, err := s.col.MergeMutation(schema.MutationSet, payload, current)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.rows[id] = materialized
	changed := !reflect.DeepEqual(before, materialized.Infer())
	var rows []map[string]any
	if changed {
		rows = s.snapshotLocked()
	}
	s.mu.Unlock()

	if changed {
		s.notify(rows)
	}
	return nil
}

// applyOptimistic applies a local mutation and returns the previous row state
// for rollback: the row itself and whether it existed.
func (s *Store) applyOptimistic(id string, payload map[string]schema.Encoded) (schema.Row, bool, error) {
	s.mu.Lock()
	prev, existed := s.rows[id]
	var prevCopy schema.Row
	if existed {
		prevCopy = prev.Clone()
	}

	materialized, _, err := s.col.MergeMutation(schema.MutationSet, payload, prev)
	if err != nil {
		s.mu.Unlock()
		return nil, false, err
	}
	s.rows[id] = materialized
	rows := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(rows)
	return prevCopy, existed, nil
}

// revert restores a row to its pre-optimistic state after a rejected
// mutation.
func (s *Store) revert(id string, prev schema.Row, existed bool) {
	s.mu.Lock()
	if existed {
		s.rows[id] = prev
	} else {
		delete(s.rows, id)
	}
	rows := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(rows)
}

// applySnapshot replaces the store's contents with a server snapshot. Rows
// arrive in inferred shape and carry no merge metadata; pending optimistic
// mutations are re-applied on top by the client afterwards.
func (s *Store) applySnapshot(rows []map[string]any) {
	s.mu.Lock()
	primary, ok := s.col.PrimaryField()
	if !ok {
		s.mu.Unlock()
		return
	}
	next := make(map[string]schema.Row, len(rows))
	for _, raw := range rows {
		id, ok := raw[primary].(string)
		if !ok {
			continue
		}
		row := schema.Row{}
		for name, value := range raw {
			row[name] = schema.Encoded{Value: value}
		}
		next[id] = row
	}
	s.rows = next
	out := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(out)
}
