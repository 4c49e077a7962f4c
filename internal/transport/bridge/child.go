package bridge

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/michael4d45/syncstate/internal/transport"
	"github.com/michael4d45/syncstate/internal/types"
)

// ReconnectPolicy configures the child's exponential backoff (SPEC_FULL
// §C.2). Zero values fall back to sensible defaults.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
	return p
}

// Child is a transport.Transport that connects to a Relay over a websocket
// and reconnects with backoff when the connection drops, generalizing
// internal/client/wsclient.go's run loop.
type Child struct {
	relayURL string
	roomID   string
	playerID string
	isHost   bool
	policy   ReconnectPolicy

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.Mutex
	conn   *websocket.Conn
	sendCh chan types.WireMessage

	mu              sync.RWMutex
	messageHandlers map[int]transport.MessageHandler
	joinHandlers    map[int]transport.PeerHandler
	leaveHandlers   map[int]transport.PeerHandler
	nextHandlerID   int

	peersMu sync.RWMutex
	peers   map[string]bool

	metricsMu sync.Mutex
	metrics   transport.Metrics
}

// NewChild constructs and starts a Child connecting to relayURL (a ws://
// or wss:// base URL without query parameters) for the given room/player.
// playerID defaults to a process-unique value derived from the current
// time when empty.
func NewChild(parent context.Context, relayURL, roomID, playerID string, isHost bool, policy ReconnectPolicy) *Child {
	if playerID == "" {
		playerID = fmt.Sprintf("peer-%d", time.Now().UnixNano())
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Child{
		relayURL:        relayURL,
		roomID:          roomID,
		playerID:        playerID,
		isHost:          isHost,
		policy:          policy.withDefaults(),
		ctx:             ctx,
		cancel:          cancel,
		sendCh:          make(chan types.WireMessage, 128),
		messageHandlers: make(map[int]transport.MessageHandler),
		joinHandlers:    make(map[int]transport.PeerHandler),
		leaveHandlers:   make(map[int]transport.PeerHandler),
		peers:           make(map[string]bool),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *Child) dialURL() (string, error) {
	u, err := url.Parse(c.relayURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("room", c.roomID)
	q.Set("playerId", c.playerID)
	if c.isHost {
		q.Set("host", "1")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Child) run() {
	defer c.wg.Done()
	delay := c.policy.InitialDelay
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		dialURL, err := c.dialURL()
		if err != nil {
			log.Error("bridge child: bad relay url: %v", err)
			return
		}
		conn, _, err := websocket.DefaultDialer.Dial(dialURL, nil)
		if err != nil {
			log.Warn("bridge child: dial failed: %v; retrying in %s", err, delay)
			select {
			case <-time.After(delay):
			case <-c.ctx.Done():
				return
			}
			delay = nextDelay(delay, c.policy)
			continue
		}
		delay = c.policy.InitialDelay
		log.Log("bridge child: connected player=%s room=%s", c.playerID, c.roomID)

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()

		c.handleConnection(conn)

		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
	}
}

func nextDelay(current time.Duration, policy ReconnectPolicy) time.Duration {
	next := time.Duration(float64(current) * policy.Multiplier)
	if next > policy.MaxDelay {
		next = policy.MaxDelay
	}
	return next
}

func (c *Child) handleConnection(conn *websocket.Conn) {
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case msg := <-c.sendCh:
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			case <-c.ctx.Done():
				return
			}
		}
	}()

	for {
		var msg types.WireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		c.metricsMu.Lock()
		c.metrics.MessagesReceived++
		c.metricsMu.Unlock()
		c.dispatch(msg)
	}

	_ = conn.Close()
	select {
	case <-writeDone:
	case <-time.After(time.Second):
	}
}

func (c *Child) dispatch(msg types.WireMessage) {
	switch msg.Type {
	case types.MessagePlayerJoin:
		pid := peerIDFromPayload(msg.Payload)
		if pid == "" || pid == c.playerID {
			return
		}
		c.peersMu.Lock()
		_, known := c.peers[pid]
		c.peers[pid] = true
		c.peersMu.Unlock()
		if known {
			return
		}
		c.metricsMu.Lock()
		c.metrics.ConnectedPeers++
		c.metricsMu.Unlock()
		c.fireHandlers(c.joinHandlers, pid)
	case types.MessagePlayerLeave:
		pid := peerIDFromPayload(msg.Payload)
		if pid == "" {
			return
		}
		c.peersMu.Lock()
		delete(c.peers, pid)
		c.peersMu.Unlock()
		c.metricsMu.Lock()
		if c.metrics.ConnectedPeers > 0 {
			c.metrics.ConnectedPeers--
		}
		c.metricsMu.Unlock()
		c.fireHandlers(c.leaveHandlers, pid)
	default:
		c.mu.RLock()
		handlers := make([]transport.MessageHandler, 0, len(c.messageHandlers))
		for _, h := range c.messageHandlers {
			handlers = append(handlers, h)
		}
		c.mu.RUnlock()
		for _, h := range handlers {
			h(msg, msg.SenderID)
		}
	}
}

func peerIDFromPayload(payload any) string {
	switch p := payload.(type) {
	case map[string]any:
		if pid, ok := p["playerId"].(string); ok {
			return pid
		}
	case types.PeerJoinPayload:
		return p.PlayerID
	case types.PeerLeavePayload:
		return p.PlayerID
	}
	return ""
}

func (c *Child) fireHandlers(handlers map[int]transport.PeerHandler, playerID string) {
	c.mu.RLock()
	snapshot := make([]transport.PeerHandler, 0, len(handlers))
	for _, h := range handlers {
		snapshot = append(snapshot, h)
	}
	c.mu.RUnlock()
	for _, h := range snapshot {
		h(playerID)
	}
}

// Send implements transport.Transport.
func (c *Child) Send(msg types.WireMessage, targetID string) error {
	msg.SenderID = c.playerID
	msg.TargetID = targetID
	c.metricsMu.Lock()
	c.metrics.MessagesSent++
	c.metricsMu.Unlock()
	select {
	case c.sendCh <- msg:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("bridge child stopped")
	case <-time.After(5 * time.Second):
		return fmt.Errorf("bridge child: send queue full")
	}
}

// OnMessage implements transport.Transport.
func (c *Child) OnMessage(handler transport.MessageHandler) transport.Unsubscribe {
	c.mu.Lock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.messageHandlers[id] = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.messageHandlers, id)
		c.mu.Unlock()
	}
}

// OnPeerJoin implements transport.Transport.
func (c *Child) OnPeerJoin(handler transport.PeerHandler) transport.Unsubscribe {
	c.mu.Lock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.joinHandlers[id] = handler
	c.mu.Unlock()
	c.peersMu.RLock()
	existing := make([]string, 0, len(c.peers))
	for pid := range c.peers {
		existing = append(existing, pid)
	}
	c.peersMu.RUnlock()
	for _, pid := range existing {
		handler(pid)
	}
	return func() {
		c.mu.Lock()
		delete(c.joinHandlers, id)
		c.mu.Unlock()
	}
}

// OnPeerLeave implements transport.Transport.
func (c *Child) OnPeerLeave(handler transport.PeerHandler) transport.Unsubscribe {
	c.mu.Lock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.leaveHandlers[id] = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.leaveHandlers, id)
		c.mu.Unlock()
	}
}

// GetPlayerID implements transport.Transport.
func (c *Child) GetPlayerID() string { return c.playerID }

// GetPeerIDs implements transport.Transport.
func (c *Child) GetPeerIDs() []string {
	c.peersMu.RLock()
	defer c.peersMu.RUnlock()
	out := make([]string, 0, len(c.peers))
	for pid := range c.peers {
		out = append(out, pid)
	}
	return out
}

// IsHost implements transport.Transport.
func (c *Child) IsHost() bool { return c.isHost }

// Lock implements transport.Lockable by asking the relay to lock the room
// (only effective when this child is the host; the relay enforces that).
func (c *Child) Lock() error {
	return c.Send(types.WireMessage{
		Type:    types.MessageEvent,
		Payload: map[string]any{"name": "__bridge_lock"},
	}, "")
}

// Metrics implements transport.MetricsCapable.
func (c *Child) Metrics() transport.Metrics {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	return c.metrics
}

// Close stops the reconnect loop and closes any active connection.
func (c *Child) Close() {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()
}
