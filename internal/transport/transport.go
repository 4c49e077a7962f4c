// Package transport defines the abstract bidirectional messaging contract
// (spec §4.3) every concrete transport (registry, bridge, p2p) implements.
// The runtime depends only on this interface, never on a concrete
// implementation, so a game definition can run unmodified over any of them.
package transport

import "github.com/michael4d45/syncstate/internal/types"

// MessageHandler is invoked for every inbound message, with the sender's
// player id.
type MessageHandler func(msg types.WireMessage, senderID string)

// PeerHandler is invoked for a peer-join or peer-leave event.
type PeerHandler func(playerID string)

// Unsubscribe removes a previously registered handler.
type Unsubscribe func()

// Transport is the minimal bidirectional message-passing contract spec §4.3
// requires. targetID is optional on Send: empty means broadcast.
type Transport interface {
	// Send delivers msg to targetID, or to every peer when targetID is "".
	Send(msg types.WireMessage, targetID string) error

	// OnMessage registers a handler for every inbound message.
	OnMessage(handler MessageHandler) Unsubscribe

	// OnPeerJoin registers a handler fired for peers discovered after
	// subscription (implementations fire synthetic joins for already-present
	// peers at subscription time, per spec §4.3).
	OnPeerJoin(handler PeerHandler) Unsubscribe

	// OnPeerLeave registers a handler fired exactly once per departure.
	OnPeerLeave(handler PeerHandler) Unsubscribe

	// GetPlayerID returns this peer's stable identity, immutable for the
	// transport's lifetime.
	GetPlayerID() string

	// GetPeerIDs returns the currently connected peers, excluding self.
	GetPeerIDs() []string

	// IsHost reports whether this peer is the authoritative host.
	IsHost() bool
}

// Lockable is implemented by transports that support room-locking (spec
// §4.3 "Optional lock()"). Lock is idempotent and, per spec §9's recorded
// Open Question decision, permanent for the transport instance's lifetime.
type Lockable interface {
	Lock() error
}

// MetricsCapable is implemented by transports that expose the optional
// metrics capability from spec §4.3, enriched per SPEC_FULL.md §C.1.
type MetricsCapable interface {
	Metrics() Metrics
}

// Metrics is a read-only snapshot of a transport's operational state.
type Metrics struct {
	ConnectedPeers   int
	MessagesSent     uint64
	MessagesReceived uint64
	LastRTT          int64 // milliseconds; 0 if never measured
}
