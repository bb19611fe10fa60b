package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/asaidimu/go-loom/core/clause"
	"github.com/asaidimu/go-loom/core/router"
	"github.com/asaidimu/go-loom/core/schema"
	"github.com/asaidimu/go-loom/core/storage"
	"github.com/asaidimu/go-loom/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// outboundBuffer bounds the per-connection send queue. A subscriber that
// cannot drain its queue loses broadcasts rather than stalling fan-out.
const outboundBuffer = 256

// conn is one client connection. Request handling is sequential: the read
// pump dispatches messages one at a time, while a dedicated write pump owns
// the socket's write side.
type conn struct {
	id     string
	server *Server
	ws     *websocket.Conn
	claims map[string]any

	send chan protocol.Message
	done chan struct{}

	closeOnce sync.Once
	seenMu    sync.Mutex
	seen      time.Time
}

func newConn(s *Server, ws *websocket.Conn, claims map[string]any) *conn {
	return &conn{
		id:     uuid.New().String(),
		server: s,
		ws:     ws,
		claims: claims,
		send:   make(chan protocol.Message, outboundBuffer),
		done:   make(chan struct{}),
		seen:   time.Now(),
	}
}

func (c *conn) lastSeen() time.Time {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	return c.seen
}

func (c *conn) touch() {
	c.seenMu.Lock()
	c.seen = time.Now()
	c.seenMu.Unlock()
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// enqueue queues a message for delivery, reporting false when the connection
// is gone or its queue is full.
func (c *conn) enqueue(m protocol.Message) bool {
	select {
	case <-c.done:
		return false
	case c.send <- m:
		return true
	default:
		return false
	}
}

// run drives the read and write pumps and returns when the connection closes.
func (c *conn) run() {
	go c.writePump()
	c.readPump()
	c.close()
}

func (c *conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case m := <-c.send:
			data, err := protocol.Encode(m)
			if err != nil {
				c.server.logger.Error("failed to encode frame", zap.Error(err))
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.server.logger.Debug("write failed, closing connection",
					zap.String("conn", c.id), zap.Error(err))
				c.close()
				return
			}
		}
	}
}

func (c *conn) readPump() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.server.logger.Debug("read failed", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}
		c.touch()

		m, err := protocol.Parse(data)
		if err != nil {
			var perr *protocol.ProtocolError
			if errors.As(err, &perr) {
				c.enqueue(protocol.NewError("", perr.Code, perr.Detail))
			}
			continue
		}
		c.dispatch(m)
	}
}

// dispatch routes one message. Handler failures surface as an ERROR frame
// keyed to the message id and never take down the connection.
func (c *conn) dispatch(m protocol.Message) {
	ctx := context.Background()
	var err error

	switch m.Type {
	case protocol.TypePing:
		c.enqueue(protocol.Message{ID: m.ID, Type: protocol.TypePong})
		return
	case protocol.TypeSubscribe:
		err = c.handleSubscribe(ctx, m)
	case protocol.TypeUnsubscribe:
		err = c.handleUnsubscribe(m)
	case protocol.TypeMutate:
		err = c.handleMutate(ctx, m)
	default:
		err = &protocol.ProtocolError{Code: protocol.CodeUnknownType, Detail: string(m.Type)}
	}

	if err != nil {
		c.enqueue(errorFrame(m.ID, err))
	}
}

// errorFrame maps an error onto the protocol's error taxonomy.
func errorFrame(id string, err error) protocol.Message {
	var perr *protocol.ProtocolError
	if errors.As(err, &perr) {
		return protocol.NewError(id, perr.Code, perr.Detail)
	}
	var verr *clause.ValidationError
	if errors.As(err, &verr) {
		return protocol.NewError(id, protocol.CodeValidation, verr.Error())
	}
	var aerr *router.AuthError
	if errors.As(err, &aerr) {
		return protocol.NewError(id, protocol.CodeRejected, aerr.Error())
	}
	var serr *storage.StorageError
	if errors.As(err, &serr) {
		return protocol.NewError(id, protocol.CodeStorage, serr.Error())
	}
	return protocol.NewError(id, protocol.CodeInternal, err.Error())
}

func (c *conn) routeContext() *router.Context {
	return &router.Context{ConnID: c.id, Claims: c.claims}
}

func (c *conn) handleSubscribe(ctx context.Context, m protocol.Message) error {
	route, ok := c.server.router.Route(m.Resource)
	if !ok {
		return &protocol.ProtocolError{Code: protocol.CodeUnknownResource, Detail: m.Resource}
	}
	col, ok := c.server.engine.Schema().Collection(m.Resource)
	if !ok {
		return &protocol.ProtocolError{Code: protocol.CodeUnknownResource, Detail: m.Resource}
	}

	q, where, include, err := parseQuery(c.server.engine.Schema(), col, m.Query)
	if err != nil {
		return err
	}

	snapshot, err := route.Get(ctx, c.routeContext(), q)
	if err != nil {
		return err
	}

	sub := &subscription{
		ID:       newSubID(),
		ConnID:   c.id,
		Resource: m.Resource,
		Where:    where,
		Include:  include,
	}
	c.server.subscriptions.add(sub)

	c.enqueue(protocol.Message{
		ID:       m.ID,
		Type:     protocol.TypeSubscribed,
		SubID:    sub.ID,
		Snapshot: snapshot,
	})
	return nil
}

func (c *conn) handleUnsubscribe(m protocol.Message) error {
	if !c.server.subscriptions.remove(m.SubID, c.id) {
		return &protocol.ProtocolError{Code: protocol.CodeUnknownSubscription, Detail: m.SubID}
	}
	c.enqueue(protocol.Message{ID: m.ID, Type: protocol.TypeSubscribed, SubID: m.SubID})
	return nil
}

func (c *conn) handleMutate(ctx context.Context, m protocol.Message) error {
	route, ok := c.server.router.Route(m.Resource)
	if !ok {
		return &protocol.ProtocolError{Code: protocol.CodeUnknownResource, Detail: m.Resource}
	}
	col, ok := c.server.engine.Schema().Collection(m.Resource)
	if !ok {
		return &protocol.ProtocolError{Code: protocol.CodeUnknownResource, Detail: m.Resource}
	}

	if len(m.Payload) == 0 {
		return &protocol.ProtocolError{Code: protocol.CodeBadMessage, Detail: "mutation payload is empty"}
	}
	id := m.ResourceID
	if id == "" {
		primary, _ := col.PrimaryField()
		enc, ok := m.Payload[primary]
		if !ok || enc.Value == nil {
			return &protocol.ProtocolError{Code: protocol.CodeBadMessage, Detail: "mutation payload is missing the primary key"}
		}
		id = fmt.Sprintf("%v", enc.Value)
	}

	mutationID := m.MutationID
	if mutationID == "" {
		mutationID = uuid.New().String()
	}
	c.server.trackOrigin(mutationID, c.id)
	defer c.server.releaseOrigin(mutationID)

	var err error
	switch m.Procedure {
	case protocol.ProcedureInsert:
		_, err = route.Insert(ctx, c.routeContext(), id, m.Payload, mutationID)
	case protocol.ProcedureUpdate:
		_, err = route.Update(ctx, c.routeContext(), id, m.Payload, mutationID)
	default:
		return &protocol.ProtocolError{Code: protocol.CodeBadMessage, Detail: "unknown procedure " + m.Procedure}
	}
	if err != nil {
		return err
	}

	// The ack carries the server's post-merge view, the authoritative result
	// of the race, so the client can reconcile its optimistic state.
	authoritative, err := c.server.engine.Get(ctx, m.Resource, id)
	if err != nil {
		return err
	}
	payload := map[string]schema.Encoded(authoritative)

	c.enqueue(protocol.Message{
		ID:         m.ID,
		Type:       protocol.TypeMutate,
		Resource:   m.Resource,
		ResourceID: id,
		Procedure:  m.Procedure,
		Payload:    payload,
		MutationID: mutationID,
	})
	return nil
}

// parseQuery validates a wire query against the schema.
func parseQuery(s *schema.Schema, c *schema.Collection, raw *protocol.Query) (*storage.Query, *clause.Where, clause.Include, error) {
	q := &storage.Query{}
	var where *clause.Where
	var include clause.Include

	if raw == nil {
		return q, nil, nil, nil
	}
	if len(raw.Where) > 0 {
		parsed, err := clause.ParseWhere(s, c, raw.Where)
		if err != nil {
			return nil, nil, nil, err
		}
		where = &parsed
		q.Where = where
	}
	if len(raw.Include) > 0 {
		parsed, err := clause.ParseInclude(s, c, raw.Include)
		if err != nil {
			return nil, nil, nil, err
		}
		include = parsed
		q.Include = include
	}
	if len(raw.OrderBy) > 0 {
		sorts, err := clause.ParseOrderBy(c, raw.OrderBy)
		if err != nil {
			return nil, nil, nil, err
		}
		q.OrderBy = sorts
	}
	q.Limit = raw.Limit
	return q, where, include, nil
}
