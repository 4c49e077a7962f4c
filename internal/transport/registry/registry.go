// Package registry implements the in-process transport (spec §4.4): a
// process-wide roomID -> set<instance> registry mediates delivery between
// transport.Transport instances that live in the same address space
// (typically used for tests, or for running several bots/peers in one
// process). The fan-out mechanism generalizes
// KartikBazzad-bunbase/buncast's internal/broker topic broker from a
// byte-payload pub/sub to this module's WireMessage envelope, keyed by room
// id instead of topic name.
package registry

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/michael4d45/syncstate/internal/logger"
	"github.com/michael4d45/syncstate/internal/transport"
	"github.com/michael4d45/syncstate/internal/types"
)

var log = logger.New("transport/registry")

// ErrRoomLocked is returned by New when registering into a locked room
// (spec §4.4, §7 RoomLocked).
var ErrRoomLocked = errors.New("registry: room is locked")

type room struct {
	mu      sync.RWMutex
	members map[string]*Transport // playerID -> instance
	locked  bool
}

var rooms = struct {
	mu    sync.Mutex
	byID  map[string]*room
}{byID: make(map[string]*room)}

func getOrCreateRoom(roomID string) *room {
	rooms.mu.Lock()
	defer rooms.mu.Unlock()
	r, ok := rooms.byID[roomID]
	if !ok {
		r = &room{members: make(map[string]*Transport)}
		rooms.byID[roomID] = r
	}
	return r
}

// Transport is an in-process transport.Transport implementation. Each
// instance registers itself into a shared room on construction and
// deregisters on Destroy.
type Transport struct {
	roomID   string
	playerID string
	isHost   bool
	room     *room

	mu            sync.RWMutex
	messageHandlers map[int]transport.MessageHandler
	joinHandlers    map[int]transport.PeerHandler
	leaveHandlers   map[int]transport.PeerHandler
	nextHandlerID   int

	metricsMu sync.Mutex
	metrics   transport.Metrics

	destroyed bool
}

// New constructs a transport instance joined to roomID. playerID defaults to
// a fresh uuid when empty. Returns ErrRoomLocked if the room has been locked
// by a previous member via Lock().
func New(roomID, playerID string, isHost bool) (*Transport, error) {
	if playerID == "" {
		playerID = uuid.NewString()
	}
	r := getOrCreateRoom(roomID)

	r.mu.Lock()
	if r.locked {
		r.mu.Unlock()
		log.Warn("rejected join to locked room=%s player=%s", roomID, playerID)
		return nil, ErrRoomLocked
	}
	existingPeers := make([]string, 0, len(r.members))
	for pid := range r.members {
		existingPeers = append(existingPeers, pid)
	}
	t := &Transport{
		roomID:          roomID,
		playerID:        playerID,
		isHost:          isHost,
		room:            r,
		messageHandlers: make(map[int]transport.MessageHandler),
		joinHandlers:    make(map[int]transport.PeerHandler),
		leaveHandlers:   make(map[int]transport.PeerHandler),
	}
	r.members[playerID] = t
	r.mu.Unlock()

	// Notify existing siblings of the new member. This instance's own
	// OnPeerJoin subscribers are told about peers who joined before they
	// subscribed at subscription time (spec §4.3's "fire synthetic join
	// events for already-present peers" option).
	t.metricsMu.Lock()
	t.metrics.ConnectedPeers = len(existingPeers)
	t.metricsMu.Unlock()

	for _, pid := range existingPeers {
		sibling := r.members[pid]
		sibling.fireJoin(playerID)
	}

	return t, nil
}

func (t *Transport) fireJoin(playerID string) {
	t.mu.RLock()
	handlers := make([]transport.PeerHandler, 0, len(t.joinHandlers))
	for _, h := range t.joinHandlers {
		handlers = append(handlers, h)
	}
	t.mu.RUnlock()
	t.metricsMu.Lock()
	t.metrics.ConnectedPeers++
	t.metricsMu.Unlock()
	for _, h := range handlers {
		h(playerID)
	}
}

func (t *Transport) fireLeave(playerID string) {
	t.mu.RLock()
	handlers := make([]transport.PeerHandler, 0, len(t.leaveHandlers))
	for _, h := range t.leaveHandlers {
		handlers = append(handlers, h)
	}
	t.mu.RUnlock()
	t.metricsMu.Lock()
	if t.metrics.ConnectedPeers > 0 {
		t.metrics.ConnectedPeers--
	}
	t.metricsMu.Unlock()
	for _, h := range handlers {
		h(playerID)
	}
}

// Send implements transport.Transport.
func (t *Transport) Send(msg types.WireMessage, targetID string) error {
	msg.SenderID = t.playerID
	t.room.mu.RLock()
	recipients := make([]*Transport, 0, len(t.room.members))
	if targetID != "" {
		if rcpt, ok := t.room.members[targetID]; ok {
			recipients = append(recipients, rcpt)
		}
	} else {
		for pid, member := range t.room.members {
			if pid == t.playerID {
				continue
			}
			recipients = append(recipients, member)
		}
	}
	t.room.mu.RUnlock()

	t.metricsMu.Lock()
	t.metrics.MessagesSent++
	t.metricsMu.Unlock()

	for _, rcpt := range recipients {
		rcpt.deliver(msg, t.playerID)
	}
	return nil
}

// deliver is invoked on the recipient instance via a goroutine per sibling,
// matching buncast broker.Publish's "don't block the publisher on a slow
// subscriber" fan-out policy.
func (t *Transport) deliver(msg types.WireMessage, senderID string) {
	go func() {
		t.mu.RLock()
		handlers := make([]transport.MessageHandler, 0, len(t.messageHandlers))
		for _, h := range t.messageHandlers {
			handlers = append(handlers, h)
		}
		t.mu.RUnlock()
		t.metricsMu.Lock()
		t.metrics.MessagesReceived++
		t.metricsMu.Unlock()
		for _, h := range handlers {
			h(msg, senderID)
		}
	}()
}

// OnMessage implements transport.Transport.
func (t *Transport) OnMessage(handler transport.MessageHandler) transport.Unsubscribe {
	t.mu.Lock()
	id := t.nextHandlerID
	t.nextHandlerID++
	t.messageHandlers[id] = handler
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.messageHandlers, id)
		t.mu.Unlock()
	}
}

// OnPeerJoin implements transport.Transport.
func (t *Transport) OnPeerJoin(handler transport.PeerHandler) transport.Unsubscribe {
	t.mu.Lock()
	id := t.nextHandlerID
	t.nextHandlerID++
	t.joinHandlers[id] = handler
	t.mu.Unlock()

	// Synthetic joins for siblings registered before this subscription.
	for _, pid := range t.GetPeerIDs() {
		handler(pid)
	}
	return func() {
		t.mu.Lock()
		delete(t.joinHandlers, id)
		t.mu.Unlock()
	}
}

// OnPeerLeave implements transport.Transport.
func (t *Transport) OnPeerLeave(handler transport.PeerHandler) transport.Unsubscribe {
	t.mu.Lock()
	id := t.nextHandlerID
	t.nextHandlerID++
	t.leaveHandlers[id] = handler
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.leaveHandlers, id)
		t.mu.Unlock()
	}
}

// GetPlayerID implements transport.Transport.
func (t *Transport) GetPlayerID() string { return t.playerID }

// GetPeerIDs implements transport.Transport.
func (t *Transport) GetPeerIDs() []string {
	t.room.mu.RLock()
	defer t.room.mu.RUnlock()
	out := make([]string, 0, len(t.room.members))
	for pid := range t.room.members {
		if pid != t.playerID {
			out = append(out, pid)
		}
	}
	return out
}

// IsHost implements transport.Transport.
func (t *Transport) IsHost() bool { return t.isHost }

// Lock implements transport.Lockable. Registration attempts into a locked
// room after this call return ErrRoomLocked.
func (t *Transport) Lock() error {
	t.room.mu.Lock()
	defer t.room.mu.Unlock()
	t.room.locked = true
	log.Log("locked room=%s by=%s", t.roomID, t.playerID)
	return nil
}

// Metrics implements transport.MetricsCapable.
func (t *Transport) Metrics() transport.Metrics {
	t.metricsMu.Lock()
	defer t.metricsMu.Unlock()
	return t.metrics
}

// Destroy removes this instance from its room and notifies remaining
// siblings of its departure.
func (t *Transport) Destroy() {
	t.room.mu.Lock()
	if t.destroyed {
		t.room.mu.Unlock()
		return
	}
	t.destroyed = true
	delete(t.room.members, t.playerID)
	remaining := make([]*Transport, 0, len(t.room.members))
	for _, m := range t.room.members {
		remaining = append(remaining, m)
	}
	t.room.mu.Unlock()

	for _, sibling := range remaining {
		sibling.fireLeave(t.playerID)
	}
}
