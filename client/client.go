package client

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asaidimu/go-loom/core/schema"
	"github.com/asaidimu/go-loom/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options configures a sync client.
type Options struct {
	// URL of the server's sync endpoint, e.g. ws://localhost:8080/sync.
	URL string
	// Schema must match the server's schema for merge results to agree.
	Schema *schema.Schema
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// PingInterval is the heartbeat period. The connection is considered
	// dead after two missed pongs.
	PingInterval time.Duration
	// OutboxLimit bounds the queue of frames waiting for a connection.
	OutboxLimit int
	// MinBackoff and MaxBackoff bound the reconnect backoff.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// Clock produces mutation timestamps. Defaults to schema.Now.
	Clock func() string
	// OnError receives mutation rejections and other asynchronous errors.
	OnError func(err error)
}

// pendingMutation is an optimistic write awaiting its server ack, with the
// state needed to roll it back.
type pendingMutation struct {
	msg     protocol.Message
	prev    schema.Row
	existed bool
}

// Client maintains a single supervised connection shared by all of its
// collection stores. Local writes apply optimistically and are reconciled
// against the server's acks; subscriptions are established lazily and
// restored on reconnect, with unacknowledged mutations replayed in
// submission order under their original mutation ids.
type Client struct {
	opts   Options
	logger *zap.Logger
	schema *schema.Schema

	mu           sync.Mutex
	ws           *websocket.Conn
	writeMu      sync.Mutex
	connected    bool
	stores       map[string]*Store
	subRequests  map[string]string // request id -> resource
	subIDs       map[string]string // resource -> subscription id
	pending      map[string]*pendingMutation
	pendingOrder []string
	outbox       []protocol.Message
	lastTS       string

	missedPongs int32

	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a client and starts its connection supervisor.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("client URL cannot be empty")
	}
	if opts.Schema == nil {
		return nil, fmt.Errorf("client schema cannot be nil")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.OutboxLimit == 0 {
		opts.OutboxLimit = 256
	}
	if opts.MinBackoff == 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = schema.Now
	}

	c := &Client{
		opts:        opts,
		logger:      opts.Logger,
		schema:      opts.Schema,
		stores:      map[string]*Store{},
		subRequests: map[string]string{},
		subIDs:      map[string]string{},
		pending:     map[string]*pendingMutation{},
		closed:      make(chan struct{}),
	}
	go c.supervise()
	return c, nil
}

// Close tears the client down. Pending mutations are lost: the outbox does
// not persist across process restarts.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		if c.ws != nil {
			c.ws.Close()
		}
		c.mu.Unlock()
	})
	return nil
}

// Collection returns the store for a collection, creating it on first use.
func (c *Client) Collection(name string) (*Store, error) {
	col, ok := c.schema.Collection(name)
	if !ok {
		return nil, fmt.Errorf("unknown collection %s", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	store, ok := c.stores[name]
	if !ok {
		store = newStore(c, name, col)
		c.stores[name] = store
	}
	return store, nil
}

// Insert applies an optimistic insert and submits it to the server. It
// returns the mutation id the ack will carry.
func (c *Client) Insert(resource string, value map[string]any) (string, error) {
	return c.mutate(resource, "", value, protocol.ProcedureInsert)
}

// Update applies an optimistic partial update and submits it to the server.
func (c *Client) Update(resource, id string, value map[string]any) (string, error) {
	return c.mutate(resource, id, value, protocol.ProcedureUpdate)
}

func (c *Client) mutate(resource, id string, value map[string]any, procedure string) (string, error) {
	store, err := c.Collection(resource)
	if err != nil {
		return "", err
	}
	primary, ok := store.col.PrimaryField()
	if !ok {
		return "", fmt.Errorf("collection %s has no primary field", resource)
	}
	if procedure == protocol.ProcedureInsert {
		if raw, ok := value[primary]; ok {
			id = fmt.Sprintf("%v", raw)
		} else {
			id = uuid.New().String()
			clone := make(map[string]any, len(value)+1)
			for k, v := range value {
				clone[k] = v
			}
			clone[primary] = id
			value = clone
		}
	}
	if id == "" {
		return "", fmt.Errorf("update requires a row id")
	}

	encoded, err := store.col.EncodeMutation(schema.MutationSet, value, c.nextTimestamp())
	if err != nil {
		return "", err
	}

	prev, existed, err := store.applyOptimistic(id, encoded)
	if err != nil {
		return "", err
	}

	mutationID := uuid.New().String()
	msg := protocol.Message{
		ID:         uuid.New().String(),
		Type:       protocol.TypeMutate,
		Resource:   resource,
		ResourceID: id,
		Procedure:  procedure,
		Payload:    encoded,
		MutationID: mutationID,
	}

	c.mu.Lock()
	c.pending[mutationID] = &pendingMutation{msg: msg, prev: prev, existed: existed}
	c.pendingOrder = append(c.pendingOrder, mutationID)
	c.mu.Unlock()

	c.sendFrame(msg)
	return mutationID, nil
}

// nextTimestamp returns a timestamp strictly greater than any this session
// has produced, so a retried write never reuses a timestamp for a distinct
// mutation.
func (c *Client) nextTimestamp() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.opts.Clock()
	for ts <= c.lastTS {
		ts = c.opts.Clock()
	}
	c.lastTS = ts
	return ts
}

// ensureSubscribed establishes the server subscription for a resource if one
// is not already active or requested.
func (c *Client) ensureSubscribed(resource string) {
	c.mu.Lock()
	if _, ok := c.subIDs[resource]; ok {
		c.mu.Unlock()
		return
	}
	for _, pending := range c.subRequests {
		if pending == resource {
			c.mu.Unlock()
			return
		}
	}
	if !c.connected {
		// Nothing is recorded while offline: restore subscribes every
		// observed store once a connection is up.
		c.mu.Unlock()
		return
	}
	reqID := uuid.New().String()
	c.subRequests[reqID] = resource
	c.mu.Unlock()

	c.sendFrame(protocol.Message{ID: reqID, Type: protocol.TypeSubscribe, Resource: resource})
}

// sendFrame writes a frame when connected and queues it otherwise. Mutations
// are never queued here: the pending buffer replays them on reconnect.
func (c *Client) sendFrame(m protocol.Message) {
	c.mu.Lock()
	ws := c.ws
	connected := c.connected
	c.mu.Unlock()

	if connected && ws != nil {
		if err := c.write(ws, m); err == nil {
			return
		}
	}
	if m.Type == protocol.TypeMutate {
		return
	}
	c.queueFrame(m)
}

func (c *Client) write(ws *websocket.Conn, m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, data)
}

// queueFrame appends to the bounded outbox, dropping the oldest non-mutation
// frame when full.
func (c *Client) queueFrame(m protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outbox) >= c.opts.OutboxLimit {
		dropped := false
		for i, queued := range c.outbox {
			if queued.Type != protocol.TypeMutate {
				c.outbox = append(c.outbox[:i], c.outbox[i+1:]...)
				dropped = true
				c.logger.Warn("outbox full, dropped oldest frame", zap.String("type", string(queued.Type)))
				break
			}
		}
		if !dropped {
			c.logger.Warn("outbox full of mutation frames, rejecting frame", zap.String("type", string(m.Type)))
			return
		}
	}
	c.outbox = append(c.outbox, m)
}

// supervise maintains the connection: dial, restore state, pump messages,
// back off and retry on failure.
func (c *Client) supervise() {
	backoff := c.opts.MinBackoff
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		ws, _, err := websocket.DefaultDialer.Dial(c.opts.URL, nil)
		if err != nil {
			c.logger.Debug("dial failed, backing off",
				zap.Duration("backoff", backoff), zap.Error(err))
			select {
			case <-c.closed:
				return
			case <-time.After(jitter(backoff)):
			}
			backoff *= 2
			if backoff > c.opts.MaxBackoff {
				backoff = c.opts.MaxBackoff
			}
			continue
		}
		backoff = c.opts.MinBackoff
		atomic.StoreInt32(&c.missedPongs, 0)

		c.attach(ws)
		c.restore()

		stop := make(chan struct{})
		go c.heartbeat(ws, stop)
		c.readLoop(ws)
		close(stop)

		c.detach(ws)
	}
}

func (c *Client) attach(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.connected = true
	c.mu.Unlock()
	c.logger.Info("connected", zap.String("url", c.opts.URL))
}

func (c *Client) detach(ws *websocket.Conn) {
	ws.Close()
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
		c.connected = false
	}
	c.subIDs = map[string]string{}
	c.subRequests = map[string]string{}
	c.mu.Unlock()
	c.logger.Info("disconnected", zap.String("url", c.opts.URL))
}

// restore re-subscribes every observed store, replays unacknowledged
// mutations in submission order, and flushes the outbox.
func (c *Client) restore() {
	c.mu.Lock()
	var resources []string
	for name, store := range c.stores {
		if store.hasObservers() {
			resources = append(resources, name)
		}
	}
	var replay []protocol.Message
	for _, id := range c.pendingOrder {
		if p, ok := c.pending[id]; ok {
			replay = append(replay, p.msg)
		}
	}
	queued := c.outbox
	c.outbox = nil
	c.mu.Unlock()

	for _, resource := range resources {
		c.ensureSubscribed(resource)
	}
	for _, msg := range replay {
		c.sendFrame(msg)
	}
	for _, msg := range queued {
		c.sendFrame(msg)
	}
}

// heartbeat pings the server on an interval and forces a reconnect after two
// missed pongs.
func (c *Client) heartbeat(ws *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.closed:
			return
		case <-ticker.C:
			if atomic.AddInt32(&c.missedPongs, 1) > 2 {
				c.logger.Warn("heartbeat missed twice, reconnecting")
				ws.Close()
				return
			}
			c.sendFrame(protocol.Message{ID: uuid.New().String(), Type: protocol.TypePing})
		}
	}
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		m, err := protocol.Parse(data)
		if err != nil {
			c.logger.Warn("dropping unparseable frame", zap.Error(err))
			continue
		}
		c.handle(m)
	}
}

func (c *Client) handle(m protocol.Message) {
	switch m.Type {
	case protocol.TypePong:
		atomic.StoreInt32(&c.missedPongs, 0)

	case protocol.TypeSubscribed:
		c.handleSubscribed(m)

	case protocol.TypeMutate:
		c.handleMutate(m)

	case protocol.TypeError:
		c.handleError(m)

	default:
		c.logger.Warn("unexpected message type", zap.String("type", string(m.Type)))
	}
}

func (c *Client) handleSubscribed(m protocol.Message) {
	c.mu.Lock()
	resource, ok := c.subRequests[m.ID]
	if ok {
		delete(c.subRequests, m.ID)
		c.subIDs[resource] = m.SubID
	}
	store := c.stores[resource]
	var replay []protocol.Message
	for _, id := range c.pendingOrder {
		if p, ok := c.pending[id]; ok && p.msg.Resource == resource {
			replay = append(replay, p.msg)
		}
	}
	c.mu.Unlock()

	if !ok || store == nil {
		return
	}
	store.applySnapshot(m.Snapshot)
	// Optimistic state survives a snapshot: unacked mutations re-apply on
	// top, under their original timestamps.
	for _, msg := range replay {
		if err := store.applyEncoded(msg.ResourceID, msg.Payload); err != nil {
			c.logger.Warn("failed to re-apply optimistic mutation", zap.Error(err))
		}
	}
}

func (c *Client) handleMutate(m protocol.Message) {
	c.mu.Lock()
	if m.MutationID != "" {
		if _, ok := c.pending[m.MutationID]; ok && m.ID != "" {
			// The ack for one of our own mutations: the optimistic entry has
			// served its purpose.
			delete(c.pending, m.MutationID)
			c.dropPendingOrder(m.MutationID)
		}
	}
	store := c.stores[m.Resource]
	c.mu.Unlock()

	if store == nil {
		return
	}
	if err := store.applyEncoded(m.ResourceID, m.Payload); err != nil {
		c.logger.Warn("failed to merge server mutation",
			zap.String("resource", m.Resource), zap.Error(err))
	}
}

func (c *Client) handleError(m protocol.Message) {
	err := fmt.Errorf("server error %s: %s", m.Code, m.Text)

	c.mu.Lock()
	var rejected *pendingMutation
	var rejectedID string
	for id, p := range c.pending {
		if p.msg.ID == m.ID {
			rejected = p
			rejectedID = id
			break
		}
	}
	if rejected != nil {
		delete(c.pending, rejectedID)
		c.dropPendingOrder(rejectedID)
	}
	var failedSub string
	if resource, ok := c.subRequests[m.ID]; ok {
		// A failed subscription leaves no local state behind.
		delete(c.subRequests, m.ID)
		failedSub = resource
	}
	store := map[string]*Store{}
	for name, s := range c.stores {
		store[name] = s
	}
	c.mu.Unlock()

	if rejected != nil {
		if s := store[rejected.msg.Resource]; s != nil {
			s.revert(rejected.msg.ResourceID, rejected.prev, rejected.existed)
		}
	}
	if failedSub != "" {
		c.logger.Warn("subscription rejected", zap.String("resource", failedSub), zap.String("code", m.Code))
	}
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}

// dropPendingOrder removes one id from the replay order. Callers hold c.mu.
func (c *Client) dropPendingOrder(id string) {
	for i, queued := range c.pendingOrder {
		if queued == id {
			c.pendingOrder = append(c.pendingOrder[:i], c.pendingOrder[i+1:]...)
			return
		}
	}
}

func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
