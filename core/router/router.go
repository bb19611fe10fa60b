// Package router binds collections to the operation surface the sync protocol
// dispatches against. Each route exposes the collection operations plus
// before/after hook points that can observe or reject requests.
package router

import (
	"context"
	"fmt"

	"github.com/asaidimu/go-loom/core/clause"
	"github.com/asaidimu/go-loom/core/schema"
	"github.com/asaidimu/go-loom/core/storage"
)

// Op identifies a route operation for hook registration.
type Op string

// Supported route operations.
const (
	OpGet     Op = "get"
	OpFindOne Op = "findOne"
	OpInsert  Op = "insert"
	OpUpdate  Op = "update"
)

// Context carries the identity of the requesting connection into hooks.
// Claims is an opaque bag populated by the embedding application; policy is a
// pluggable predicate, not part of this module.
type Context struct {
	ConnID string
	Claims map[string]any
}

// Request describes the operation a hook is observing. After hooks
// additionally see the operation's result.
type Request struct {
	Resource string
	Op       Op
	ID       string
	Query    *storage.Query
	Payload  map[string]schema.Encoded
	Result   any
}

// HookFunc observes or rejects a request. Returning an error rejects the
// operation; the rejection surfaces as a protocol error keyed to the
// originating message.
type HookFunc func(ctx context.Context, rc *Context, req *Request) error

// AuthError marks a hook rejection so the protocol layer can attach the
// matching reason code.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("rejected by hook: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// Route binds a name to a collection and exposes its operations with hook
// points around each one.
type Route struct {
	Name   string
	engine *storage.Engine
	before map[Op][]HookFunc
	after  map[Op][]HookFunc
}

// NewRoute creates a route serving the named collection through the engine.
func NewRoute(name string, engine *storage.Engine) *Route {
	return &Route{
		Name:   name,
		engine: engine,
		before: map[Op][]HookFunc{},
		after:  map[Op][]HookFunc{},
	}
}

// Before registers a hook to run before the given operation.
func (r *Route) Before(op Op, h HookFunc) *Route {
	r.before[op] = append(r.before[op], h)
	return r
}

// After registers a hook to run after the given operation.
func (r *Route) After(op Op, h HookFunc) *Route {
	r.after[op] = append(r.after[op], h)
	return r
}

func (r *Route) runBefore(ctx context.Context, rc *Context, req *Request) error {
	for _, h := range r.before[req.Op] {
		if err := h(ctx, rc, req); err != nil {
			return &AuthError{Err: err}
		}
	}
	return nil
}

func (r *Route) runAfter(ctx context.Context, rc *Context, req *Request) error {
	for _, h := range r.after[req.Op] {
		if err := h(ctx, rc, req); err != nil {
			return &AuthError{Err: err}
		}
	}
	return nil
}

// Get runs a query against the route's collection.
func (r *Route) Get(ctx context.Context, rc *Context, q *storage.Query) ([]map[string]any, error) {
	req := &Request{Resource: r.Name, Op: OpGet, Query: q}
	if err := r.runBefore(ctx, rc, req); err != nil {
		return nil, err
	}
	rows, err := r.engine.Find(ctx, r.Name, q)
	if err != nil {
		return nil, err
	}
	req.Result = rows
	if err := r.runAfter(ctx, rc, req); err != nil {
		return nil, err
	}
	return rows, nil
}

// FindOne returns a single row by primary key, or nil when absent.
func (r *Route) FindOne(ctx context.Context, rc *Context, id string, include clause.Include) (map[string]any, error) {
	req := &Request{Resource: r.Name, Op: OpFindOne, ID: id}
	if err := r.runBefore(ctx, rc, req); err != nil {
		return nil, err
	}
	row, err := r.engine.FindOne(ctx, r.Name, id, include)
	if err != nil {
		return nil, err
	}
	req.Result = row
	if err := r.runAfter(ctx, rc, req); err != nil {
		return nil, err
	}
	return row, nil
}

// Insert applies an encoded insert payload through the merge rule.
func (r *Route) Insert(ctx context.Context, rc *Context, id string, payload map[string]schema.Encoded, mutationID string) (map[string]any, error) {
	return r.apply(ctx, rc, OpInsert, id, payload, storage.ProcedureInsert, mutationID)
}

// Update applies an encoded partial update through the merge rule.
func (r *Route) Update(ctx context.Context, rc *Context, id string, payload map[string]schema.Encoded, mutationID string) (map[string]any, error) {
	return r.apply(ctx, rc, OpUpdate, id, payload, storage.ProcedureUpdate, mutationID)
}

func (r *Route) apply(ctx context.Context, rc *Context, op Op, id string, payload map[string]schema.Encoded, proc storage.Procedure, mutationID string) (map[string]any, error) {
	req := &Request{Resource: r.Name, Op: op, ID: id, Payload: payload}
	if err := r.runBefore(ctx, rc, req); err != nil {
		return nil, err
	}
	row, err := r.engine.ApplyEncoded(ctx, r.Name, id, payload, proc, mutationID)
	if err != nil {
		return nil, err
	}
	req.Result = row
	if err := r.runAfter(ctx, rc, req); err != nil {
		return nil, err
	}
	return row, nil
}

// Router aggregates routes into the single surface the sync server
// dispatches against.
type Router struct {
	routes map[string]*Route
}

// New creates an empty router.
func New() *Router {
	return &Router{routes: map[string]*Route{}}
}

// FromSchema creates a router with one route per collection in the engine's
// schema.
func FromSchema(engine *storage.Engine) *Router {
	r := New()
	for _, name := range engine.Schema().CollectionNames() {
		r.Add(NewRoute(name, engine))
	}
	return r
}

// Add registers a route, replacing any existing route of the same name.
func (r *Router) Add(route *Route) *Router {
	r.routes[route.Name] = route
	return r
}

// Route returns the route serving the named resource.
func (r *Router) Route(name string) (*Route, bool) {
	route, ok := r.routes[name]
	return route, ok
}

// Resources returns the names of all registered routes.
func (r *Router) Resources() []string {
	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	return names
}
