// Package bridge implements the postMessage-bridge-equivalent transport
// (spec §4.5): a websocket relay process that rooms of peers connect
// through, plus the reconnecting child transport that speaks to it. The
// relay generalizes Michael4d45-bizhawk-shuffler-go's internal/server/ws.go
// hub (per-connection send queue, ping/pong RTT, broadcast helpers) from a
// single global server to per-room relaying, and the child generalizes
// internal/client/wsclient.go's reconnect loop into a transport.Transport.
package bridge

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/michael4d45/syncstate/internal/logger"
	"github.com/michael4d45/syncstate/internal/types"
)

var log = logger.New("transport/bridge")

// relayConn is a single connected socket and its outbound send queue,
// mirroring wsClient from the teacher's ws.go.
type relayConn struct {
	conn      *websocket.Conn
	sendCh    chan types.WireMessage
	playerID  string
	isHost    bool
	isObserver bool
}

type relayRoom struct {
	mu       sync.RWMutex
	members  map[string]*relayConn // playerID -> conn, excludes observers
	observers map[*relayConn]bool
	locked   bool
}

// Relay is an http.Handler that upgrades connections into a named room and
// relays WireMessages between the members of that room. One Relay serves
// any number of rooms, keyed by the "room" query parameter.
type Relay struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*relayRoom

	// AllowedOrigins, when non-empty, restricts Upgrade to requests whose
	// Origin header matches one of these values (the origin-validation
	// requirement of spec §4.5).
	AllowedOrigins []string

	metrics *relayMetrics
}

// NewRelay constructs a relay ready to be mounted as an http.Handler.
func NewRelay() *Relay {
	r := &Relay{
		rooms:   make(map[string]*relayRoom),
		metrics: newRelayMetrics(),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     r.checkOrigin,
	}
	return r
}

func (rl *Relay) checkOrigin(req *http.Request) bool {
	if len(rl.AllowedOrigins) == 0 {
		return true
	}
	origin := req.Header.Get("Origin")
	for _, allowed := range rl.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	log.Warn("rejected connection from disallowed origin=%q", origin)
	return false
}

func (rl *Relay) roomFor(roomID string) *relayRoom {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rm, ok := rl.rooms[roomID]
	if !ok {
		rm = &relayRoom{
			members:   make(map[string]*relayConn),
			observers: make(map[*relayConn]bool),
		}
		rl.rooms[roomID] = rm
	}
	return rm
}

// ServeHTTP handles a single websocket upgrade. Query parameters: room
// (required), playerId (required unless observer=1), host (optional
// "1"), observer (optional "1" for the admin/observer connection from
// SPEC_FULL §C.3, which receives every relayed message but never appears
// in GetPeerIDs or peer_join/peer_leave).
func (rl *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	roomID := q.Get("room")
	playerID := q.Get("playerId")
	isObserver := q.Get("observer") == "1"
	isHost := q.Get("host") == "1"

	if roomID == "" || (playerID == "" && !isObserver) {
		http.Error(w, "room and playerId are required", http.StatusBadRequest)
		return
	}

	conn, err := rl.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn("upgrade failed: %v", err)
		return
	}

	rc := &relayConn{
		conn:       conn,
		sendCh:     make(chan types.WireMessage, 256),
		playerID:   playerID,
		isHost:     isHost,
		isObserver: isObserver,
	}

	room := rl.roomFor(roomID)

	room.mu.Lock()
	if room.locked && !isObserver {
		room.mu.Unlock()
		log.Warn("rejected join to locked room=%s player=%s", roomID, playerID)
		_ = conn.WriteJSON(types.WireMessage{Type: types.MessageEvent, Payload: types.EventPayload{Name: "room_locked"}})
		_ = conn.Close()
		return
	}
	existing := make([]string, 0, len(room.members))
	if isObserver {
		room.observers[rc] = true
	} else {
		for pid := range room.members {
			existing = append(existing, pid)
		}
		room.members[playerID] = rc
	}
	room.mu.Unlock()

	rl.metrics.connectionsActive.Inc()

	if !isObserver {
		for _, pid := range existing {
			rl.relayTo(room, pid, types.WireMessage{
				Type:      types.MessagePlayerJoin,
				Payload:   types.PeerJoinPayload{PlayerID: playerID},
				SenderID:  playerID,
				Timestamp: time.Now(),
			})
		}
	}

	go rl.writePump(rc)

	if !isObserver {
		// Tell the newcomer about every member already in the room.
		for _, pid := range existing {
			rl.relayTo(room, playerID, types.WireMessage{
				Type:      types.MessagePlayerJoin,
				Payload:   types.PeerJoinPayload{PlayerID: pid},
				SenderID:  pid,
				Timestamp: time.Now(),
			})
		}
	}

	rl.readPump(room, rc, roomID)
}

func (rl *Relay) writePump(rc *relayConn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-rc.sendCh:
			if !ok {
				_ = rc.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := rc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				log.Warn("set write deadline: %v", err)
			}
			if err := rc.conn.WriteJSON(msg); err != nil {
				log.Warn("write json: %v", err)
				return
			}
		case <-ticker.C:
			if err := rc.conn.WriteMessage(websocket.PingMessage, []byte(fmt.Sprintf("%d", time.Now().UnixNano()))); err != nil {
				return
			}
		}
	}
}

func (rl *Relay) readPump(room *relayRoom, rc *relayConn, roomID string) {
	defer rl.disconnect(room, rc, roomID)
	rc.conn.SetReadLimit(1024 * 64)
	for {
		var msg types.WireMessage
		if err := rc.conn.ReadJSON(&msg); err != nil {
			return
		}
		rl.metrics.messagesRelayed.Inc()

		if msg.Type == types.MessageEvent {
			if ev, ok := msg.Payload.(map[string]any); ok {
				if name, _ := ev["name"].(string); name == "__bridge_lock" && rc.isHost {
					room.mu.Lock()
					room.locked = true
					room.mu.Unlock()
					log.Log("room=%s locked by host", roomID)
					continue
				}
			}
		}

		rl.broadcastFromMember(room, rc, msg)
	}
}

// broadcastFromMember relays msg to its target (or every other member plus
// all observers when targetID is unset). Observers always receive a copy,
// mirroring ws.go's broadcastToAdmins mirroring every player send.
func (rl *Relay) broadcastFromMember(room *relayRoom, from *relayConn, msg types.WireMessage) {
	msg.SenderID = from.playerID

	room.mu.RLock()
	var targets []*relayConn
	if msg.TargetID != "" {
		if member, ok := room.members[msg.TargetID]; ok {
			targets = append(targets, member)
		}
	} else {
		for pid, member := range room.members {
			if pid == from.playerID {
				continue
			}
			targets = append(targets, member)
		}
	}
	for obs := range room.observers {
		targets = append(targets, obs)
	}
	room.mu.RUnlock()

	for _, rc := range targets {
		select {
		case rc.sendCh <- msg:
		case <-time.After(5 * time.Second):
			log.Warn("send queue full for player=%s, dropping message", rc.playerID)
		}
	}
}

func (rl *Relay) relayTo(room *relayRoom, playerID string, msg types.WireMessage) {
	room.mu.RLock()
	rc, ok := room.members[playerID]
	room.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case rc.sendCh <- msg:
	case <-time.After(5 * time.Second):
		log.Warn("send queue full relaying to player=%s", playerID)
	}
}

func (rl *Relay) disconnect(room *relayRoom, rc *relayConn, roomID string) {
	rl.metrics.connectionsActive.Dec()
	close(rc.sendCh)
	_ = rc.conn.Close()

	room.mu.Lock()
	if rc.isObserver {
		delete(room.observers, rc)
		room.mu.Unlock()
		return
	}
	delete(room.members, rc.playerID)
	remaining := make([]string, 0, len(room.members))
	for pid := range room.members {
		remaining = append(remaining, pid)
	}
	room.mu.Unlock()

	leave := types.WireMessage{
		Type:      types.MessagePlayerLeave,
		Payload:   types.PeerLeavePayload{PlayerID: rc.playerID},
		SenderID:  rc.playerID,
		Timestamp: time.Now(),
	}
	for _, pid := range remaining {
		rl.relayTo(room, pid, leave)
	}
	log.Log("player=%s left room=%s", rc.playerID, roomID)
}
