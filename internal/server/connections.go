package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

var ErrIdentityMismatch = errors.New("IDENTITY_MISMATCH: connection is bound to another user")

// Transport is the write side of one live connection.
type Transport interface {
	Write(ctx context.Context, data []byte) error
	Close() error
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// Close does not wait for the closing handshake; it may be called from inside
// a room.
func (t wsTransport) Close() error {
	go t.conn.Close(websocket.StatusGoingAway, "server closing connection")
	return nil
}

// Client is one connection with its own outbound queue. Messages are written
// in the order they were queued.
type Client struct {
	id        string
	transport Transport
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	timeout   time.Duration

	mu      sync.Mutex
	userID  string
	matchID string
}

func NewClient(id string, t Transport, buffer int, timeout time.Duration) *Client {
	return &Client{
		id:        id,
		transport: t,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
		timeout:   timeout,
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// MatchID is the match the client was last registered under.
func (c *Client) MatchID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.matchID
}

// Bind pins the connection to userID. Rebinding to the same user is allowed.
func (c *Client) Bind(userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID != "" && c.userID != userID {
		return fmt.Errorf("%w: %s", ErrIdentityMismatch, c.userID)
	}
	c.userID = userID
	return nil
}

func (c *Client) setMatch(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.matchID = id
}

// enqueue never blocks. It reports false when the queue is full or the client
// is closed.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.transport.Close()
	})
}

// writePump drains the queue until the client closes. Each write is bounded
// by the send timeout; the first failure is reported to onError and stops
// the pump.
func (c *Client) writePump(onError func(*Client, error)) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
			err := c.transport.Write(ctx, data)
			cancel()
			if err != nil {
				onError(c, err)
				return
			}
		}
	}
}

// ConnectionRegistry tracks live clients per match. A client is registered
// under at most one match.
type ConnectionRegistry struct {
	mu      sync.RWMutex
	matches map[string]map[string]*Client
	log     *zap.Logger
}

func NewConnectionRegistry(log *zap.Logger) *ConnectionRegistry {
	return &ConnectionRegistry{
		matches: make(map[string]map[string]*Client),
		log:     log.Named("registry"),
	}
}

// Start launches the client's writer. Write failures close the client and
// drop it from the registry.
func (r *ConnectionRegistry) Start(c *Client) {
	go c.writePump(func(c *Client, err error) {
		r.log.Debug("send_failed", zap.String("conn_id", c.id), zap.Error(err))
		r.drop(c)
	})
}

// Connect registers c under matchID, moving it off any previous match.
// Connecting the same client twice is a no-op. Callers must not move a client
// that still plays an active match.
func (r *ConnectionRegistry) Connect(matchID string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev := c.MatchID(); prev != "" && prev != matchID {
		r.removeLocked(prev, c)
	}
	conns, ok := r.matches[matchID]
	if !ok {
		conns = make(map[string]*Client)
		r.matches[matchID] = conns
	}
	conns[c.id] = c
	c.setMatch(matchID)
}

// Disconnect removes c from matchID and reports whether it was registered.
func (r *ConnectionRegistry) Disconnect(matchID string, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(matchID, c)
}

func (r *ConnectionRegistry) removeLocked(matchID string, c *Client) bool {
	conns, ok := r.matches[matchID]
	if !ok {
		return false
	}
	if _, ok := conns[c.id]; !ok {
		return false
	}
	delete(conns, c.id)
	if len(conns) == 0 {
		delete(r.matches, matchID)
	}
	return true
}

// Broadcast queues msg for every client of matchID except exclude and
// returns how many accepted it. Clients that are closed or whose queue is
// full are closed and dropped.
func (r *ConnectionRegistry) Broadcast(matchID string, msg []byte, exclude *Client) int {
	var failed []*Client
	delivered := 0

	for _, c := range r.Clients(matchID) {
		if c == exclude {
			continue
		}
		if c.enqueue(msg) {
			delivered++
		} else {
			failed = append(failed, c)
		}
	}

	for _, c := range failed {
		r.log.Debug("client_dropped", zap.String("match_id", matchID), zap.String("conn_id", c.id))
		r.drop(c)
	}
	return delivered
}

// Send queues msg for one client, dropping it on failure.
func (r *ConnectionRegistry) Send(c *Client, msg []byte) bool {
	if c.enqueue(msg) {
		return true
	}
	r.drop(c)
	return false
}

func (r *ConnectionRegistry) drop(c *Client) {
	if id := c.MatchID(); id != "" {
		r.Disconnect(id, c)
	}
	c.Close()
}

func (r *ConnectionRegistry) Clients(matchID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.matches[matchID]
	out := make([]*Client, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

func (r *ConnectionRegistry) Contains(matchID string, c *Client) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.matches[matchID][c.id]
	return ok
}

// HasUser reports whether userID has at least one open connection on matchID.
func (r *ConnectionRegistry) HasUser(matchID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.matches[matchID] {
		if c.UserID() == userID && !c.Closed() {
			return true
		}
	}
	return false
}

func (r *ConnectionRegistry) Count(matchID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.matches[matchID])
}

// MatchCount is the number of matches with at least one connection.
func (r *ConnectionRegistry) MatchCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.matches)
}

// DisconnectAll unregisters every client of matchID without closing them.
func (r *ConnectionRegistry) DisconnectAll(matchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.matches, matchID)
}

// CloseAll closes every registered client.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.Lock()
	var all []*Client
	for _, conns := range r.matches {
		for _, c := range conns {
			all = append(all, c)
		}
	}
	r.matches = make(map[string]map[string]*Client)
	r.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
}
