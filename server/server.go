// Package server implements the sync server: it owns the connection
// registry and the subscription index, dispatches protocol messages against
// the router, and fans committed mutations out to every subscription whose
// predicate matches, suppressing the originating connection.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asaidimu/go-loom/core/clause"
	"github.com/asaidimu/go-loom/core/router"
	"github.com/asaidimu/go-loom/core/storage"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options configures a sync server.
type Options struct {
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// PingInterval is the heartbeat period expected from clients.
	PingInterval time.Duration
	// IdleTimeout is the threshold past which an idle connection is reaped.
	IdleTimeout time.Duration
	// CheckOrigin overrides the websocket upgrader's origin policy.
	CheckOrigin func(r *http.Request) bool
}

// Server is the sync server middleware. It is orthogonal to the HTTP server
// used to upgrade connections: attach it to any mux via ServeHTTP, or hand it
// an already-upgraded connection via HandleConn.
type Server struct {
	router  *router.Router
	engine  *storage.Engine
	logger  *zap.Logger
	options Options

	upgrader websocket.Upgrader

	connMu      sync.Mutex
	connections map[string]*conn

	subscriptions *registry

	// inflight maps mutation ids to their originating connection for the
	// duration of the write, so fan-out can suppress the origin.
	inflightMu sync.Mutex
	inflight   map[string]string
}

// New creates a sync server dispatching against the given router. The server
// installs itself as the engine's subscriber sink.
func New(rt *router.Router, engine *storage.Engine, opts *Options) *Server {
	options := Options{}
	if opts != nil {
		options = *opts
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.PingInterval == 0 {
		options.PingInterval = 20 * time.Second
	}
	if options.IdleTimeout == 0 {
		options.IdleTimeout = 60 * time.Second
	}

	s := &Server{
		router:        rt,
		engine:        engine,
		logger:        options.Logger,
		options:       options,
		connections:   map[string]*conn{},
		subscriptions: newRegistry(),
		inflight:      map[string]string{},
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: options.CheckOrigin}
	engine.SetSink(s.fanOut)
	return s
}

// ServeHTTP upgrades the request and serves the sync protocol on it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.HandleConn(ws, nil)
}

// HandleConn attaches the protocol handlers to an opened websocket and blocks
// until the connection closes. Claims carry the connection's identity into
// route hooks.
func (s *Server) HandleConn(ws *websocket.Conn, claims map[string]any) {
	c := newConn(s, ws, claims)

	s.connMu.Lock()
	s.connections[c.id] = c
	s.connMu.Unlock()

	s.logger.Info("connection opened", zap.String("conn", c.id))
	c.run()

	s.connMu.Lock()
	delete(s.connections, c.id)
	s.connMu.Unlock()
	s.subscriptions.purgeConn(c.id)
	s.logger.Info("connection closed", zap.String("conn", c.id))
}

// Run reaps idle connections until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.options.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.reapIdle()
		}
	}
}

func (s *Server) reapIdle() {
	deadline := time.Now().Add(-s.options.IdleTimeout)
	s.connMu.Lock()
	var idle []*conn
	for _, c := range s.connections {
		if c.lastSeen().Before(deadline) {
			idle = append(idle, c)
		}
	}
	s.connMu.Unlock()

	for _, c := range idle {
		s.logger.Warn("reaping idle connection", zap.String("conn", c.id))
		c.close()
	}
}

func (s *Server) trackOrigin(mutationID, connID string) {
	s.inflightMu.Lock()
	s.inflight[mutationID] = connID
	s.inflightMu.Unlock()
}

func (s *Server) releaseOrigin(mutationID string) {
	s.inflightMu.Lock()
	delete(s.inflight, mutationID)
	s.inflightMu.Unlock()
}

func (s *Server) originOf(mutationID string) string {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return s.inflight[mutationID]
}

func (s *Server) connByID(id string) *conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.connections[id]
}

// subscription is a standing query registered by one connection.
type subscription struct {
	ID       string
	ConnID   string
	Resource string
	Where    *clause.Where
	Include  clause.Include
}

// registry holds the subscription indexes. Mutating operations rebuild the
// by-resource index copy-on-write, so fan-out reads a consistent snapshot
// without holding a lock.
type registry struct {
	mu         sync.Mutex
	byID       map[string]*subscription
	byResource atomic.Value // map[string][]*subscription
}

func newRegistry() *registry {
	r := &registry{byID: map[string]*subscription{}}
	r.byResource.Store(map[string][]*subscription{})
	return r
}

func (r *registry) add(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[sub.ID] = sub
	r.rebuild()
}

// remove deletes a subscription, returning false when the id is unknown or
// owned by another connection.
func (r *registry) remove(id, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byID[id]
	if !ok || sub.ConnID != connID {
		return false
	}
	delete(r.byID, id)
	r.rebuild()
	return true
}

func (r *registry) purgeConn(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sub := range r.byID {
		if sub.ConnID == connID {
			delete(r.byID, id)
		}
	}
	r.rebuild()
}

// rebuild recomputes the by-resource snapshot. Callers hold r.mu.
func (r *registry) rebuild() {
	next := map[string][]*subscription{}
	for _, sub := range r.byID {
		next[sub.Resource] = append(next[sub.Resource], sub)
	}
	r.byResource.Store(next)
}

// forResource returns the current snapshot of subscriptions on a resource.
func (r *registry) forResource(resource string) []*subscription {
	snapshot := r.byResource.Load().(map[string][]*subscription)
	return snapshot[resource]
}

func newSubID() string { return uuid.New().String() }
