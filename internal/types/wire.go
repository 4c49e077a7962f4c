// Package types holds the wire-level message shapes shared by every
// transport implementation and by the runtime (spec §3, §6). These are the
// only structures that cross a Transport boundary; everything else
// (Definition, ActionDef, lobby.Config, ...) lives purely on one peer.
package types

import (
	"time"

	"github.com/michael4d45/syncstate/internal/diffpatch"
)

// MessageType enumerates the wire message kinds from spec §6.
type MessageType string

const (
	MessageStateSync  MessageType = "state_sync"
	MessageAction     MessageType = "action"
	MessagePlayerJoin MessageType = "player_join"
	MessagePlayerLeave MessageType = "player_leave"
	MessageEvent      MessageType = "event"
	MessageHeartbeat  MessageType = "heartbeat"
	MessageHealthPing MessageType = "health_ping"
	MessageHealthPong MessageType = "health_pong"

	// P2P mesh signaling messages (spec §4.6): exchanged over the injected
	// signaling transport, never over the datachannel itself.
	MessageP2POffer     MessageType = "p2p_offer"
	MessageP2PAnswer    MessageType = "p2p_answer"
	MessageP2PCandidate MessageType = "p2p_candidate"
)

// WireMessage is the tagged-union envelope every Transport sends/receives.
// TargetID mirrors the targetID argument passed to Transport.Send: it is
// empty for a broadcast. In-process transports route on the argument
// directly; out-of-process transports (bridge, p2p) must carry it on the
// envelope itself so a relay or remote peer can route without inspecting
// the payload's shape.
type WireMessage struct {
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload,omitempty"`
	SenderID  string      `json:"senderId,omitempty"`
	TargetID  string      `json:"targetId,omitempty"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
}

// ActionPayload is the payload of a MessageAction wire message (client -> host).
type ActionPayload struct {
	Name     string `json:"name"`
	Input    any    `json:"input,omitempty"`
	PlayerID string `json:"playerId"`
	TargetID string `json:"targetId"`
	Seed     uint32 `json:"seed"`
}

// StateSyncPayload is the payload of a MessageStateSync wire message (host -> clients).
type StateSyncPayload struct {
	Patches    []diffpatch.Patch `json:"patches"`
	ActionSeed uint32            `json:"actionSeed,omitempty"`
	ActionName string            `json:"actionName,omitempty"`
	// FullState is populated only on the sync the host sends directly to a
	// newly joined peer when that join changed host state (see the
	// runtime's handlePeerJoin). Patches is empty when FullState is set.
	FullState any `json:"fullState,omitempty"`
	// BaseSeed accompanies FullState: it is the runtime's seed source for
	// deriving every future action's SeededRandom, sent so a newly-joined
	// client's own seed derivation lines up with the host's. The state the
	// client built with its own Setup call is replaced by FullState.
	BaseSeed uint32 `json:"baseSeed,omitempty"`
}

// EventPayload is the payload of a MessageEvent wire message (any -> any).
type EventPayload struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// PeerJoinPayload/PeerLeavePayload are the payloads transports use internally
// to describe peer lifecycle; the runtime never sees these as inbound
// messages, only as PeerJoin/PeerLeave callbacks (spec §6).
type PeerJoinPayload struct {
	PlayerID string `json:"playerId"`
}

type PeerLeavePayload struct {
	PlayerID string `json:"playerId"`
}

// HeartbeatPayload/HealthPingPayload/HealthPongPayload carry a single
// timestamp used by transports for liveness bookkeeping (spec §4.6).
type HeartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

type HealthPingPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

type HealthPongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// P2POfferPayload/P2PAnswerPayload carry a WebRTC session description
// (as its JSON-serialized form) between two peers negotiating a mesh link.
type P2POfferPayload struct {
	SDP string `json:"sdp"`
}

type P2PAnswerPayload struct {
	SDP string `json:"sdp"`
}

// P2PCandidatePayload carries one trickled ICE candidate.
type P2PCandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}
