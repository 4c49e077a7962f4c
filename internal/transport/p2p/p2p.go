// Package p2p implements the WebRTC mesh transport (spec §4.6): peers form
// a full datachannel mesh, signaling through an injected transport.Transport
// (the "external signaling library" of the spec — in practice the registry
// or bridge transport already joined to the same room), and layer an
// application-level health_ping/health_pong liveness protocol on top since
// WebRTC's native connection-state events do not fire reliably on crash or
// abrupt network loss. The liveness sweep generalizes
// internal/server/p2p/tracker.go's TTL-sweep (periodic scan, drop entries
// past a cutoff) from save-state seed bookkeeping to peer liveness.
package p2p

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/michael4d45/syncstate/internal/logger"
	"github.com/michael4d45/syncstate/internal/transport"
	"github.com/michael4d45/syncstate/internal/types"
)

var log = logger.New("transport/p2p")

// HealthPingInterval and PeerTimeout implement spec §4.6's liveness
// protocol: a ping every HealthPingInterval, eviction after PeerTimeout
// without any datachannel traffic.
const (
	HealthPingInterval = 5 * time.Second
	PeerTimeout        = 15 * time.Second
)

type meshPeer struct {
	id       string
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
	lastSeen time.Time
	open     bool
}

// Transport is a transport.Transport backed by a full WebRTC datachannel
// mesh. Construct with New, which wires itself to signaling's message and
// peer-lifecycle callbacks.
type Transport struct {
	signaling transport.Transport
	playerID  string
	isHost    bool
	config    webrtc.Configuration

	mu      sync.RWMutex
	peers   map[string]*meshPeer
	locked  bool

	handlersMu      sync.RWMutex
	messageHandlers map[int]transport.MessageHandler
	joinHandlers    map[int]transport.PeerHandler
	leaveHandlers   map[int]transport.PeerHandler
	nextHandlerID   int

	metricsMu sync.Mutex
	metrics   transport.Metrics

	stopSweep chan struct{}
}

// New wires a mesh transport on top of signaling, which must already be
// joined to the target room (its GetPeerIDs/OnPeerJoin/OnPeerLeave drive
// mesh formation). iceServers configures STUN/TURN for NAT traversal; a nil
// slice falls back to no ICE servers (LAN-only).
func New(signaling transport.Transport, iceServers []webrtc.ICEServer) *Transport {
	t := &Transport{
		signaling:       signaling,
		playerID:        signaling.GetPlayerID(),
		isHost:          signaling.IsHost(),
		config:          webrtc.Configuration{ICEServers: iceServers},
		peers:           make(map[string]*meshPeer),
		messageHandlers: make(map[int]transport.MessageHandler),
		joinHandlers:    make(map[int]transport.PeerHandler),
		leaveHandlers:   make(map[int]transport.PeerHandler),
		stopSweep:       make(chan struct{}),
	}

	signaling.OnMessage(t.handleSignal)
	signaling.OnPeerJoin(t.handleSignalingJoin)
	signaling.OnPeerLeave(t.handleSignalingLeave)

	go t.sweepLoop()
	return t
}

// handleSignalingJoin initiates a mesh connection to a newly discovered
// peer, unless this mesh has been locked (spec §4.6: new joins are
// acknowledged at the signaling layer but get no datachannel).
func (t *Transport) handleSignalingJoin(peerID string) {
	t.mu.RLock()
	locked := t.locked
	_, exists := t.peers[peerID]
	t.mu.RUnlock()
	if locked || exists || peerID == t.playerID {
		return
	}

	// Deterministic glare-avoidance: the lexicographically larger id
	// initiates the offer, the other waits to answer.
	if peerID > t.playerID {
		return
	}
	if err := t.initiateOffer(peerID); err != nil {
		log.Warn("p2p: failed to initiate offer to %s: %v", peerID, err)
	}
}

func (t *Transport) handleSignalingLeave(peerID string) {
	t.evictPeer(peerID)
}

func (t *Transport) newPeerConnection(peerID string) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(t.config)
	if err != nil {
		return nil, err
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		candJSON := c.ToJSON()
		t.sendSignal(peerID, types.MessageP2PCandidate, types.P2PCandidatePayload{
			Candidate:     candJSON.Candidate,
			SDPMid:        derefString(candJSON.SDPMid),
			SDPMLineIndex: derefUint16(candJSON.SDPMLineIndex),
		})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			t.evictPeer(peerID)
		}
	})
	return pc, nil
}

func (t *Transport) initiateOffer(peerID string) error {
	pc, err := t.newPeerConnection(peerID)
	if err != nil {
		return err
	}
	dc, err := pc.CreateDataChannel("syncstate", nil)
	if err != nil {
		return err
	}
	mp := &meshPeer{id: peerID, pc: pc, dc: dc, lastSeen: time.Now()}
	t.attachDataChannel(mp)

	t.mu.Lock()
	t.peers[peerID] = mp
	t.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}
	t.sendSignal(peerID, types.MessageP2POffer, types.P2POfferPayload{SDP: offer.SDP})
	return nil
}

func (t *Transport) handleSignal(msg types.WireMessage, senderID string) {
	switch msg.Type {
	case types.MessageP2POffer:
		offer, ok := decodePayload[types.P2POfferPayload](msg.Payload)
		if !ok {
			return
		}
		t.handleOffer(senderID, offer.SDP)
	case types.MessageP2PAnswer:
		answer, ok := decodePayload[types.P2PAnswerPayload](msg.Payload)
		if !ok {
			return
		}
		t.handleAnswer(senderID, answer.SDP)
	case types.MessageP2PCandidate:
		cand, ok := decodePayload[types.P2PCandidatePayload](msg.Payload)
		if !ok {
			return
		}
		t.handleCandidate(senderID, cand)
	}
}

func (t *Transport) handleOffer(peerID, sdp string) {
	t.mu.RLock()
	locked := t.locked
	t.mu.RUnlock()
	if locked {
		return
	}

	pc, err := t.newPeerConnection(peerID)
	if err != nil {
		log.Warn("p2p: failed creating peer connection for offer from %s: %v", peerID, err)
		return
	}
	mp := &meshPeer{id: peerID, pc: pc, lastSeen: time.Now()}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.mu.Lock()
		mp.dc = dc
		t.mu.Unlock()
		t.attachDataChannel(mp)
	})

	t.mu.Lock()
	t.peers[peerID] = mp
	t.mu.Unlock()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		log.Warn("p2p: set remote description (offer) from %s: %v", peerID, err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		log.Warn("p2p: create answer for %s: %v", peerID, err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		log.Warn("p2p: set local description (answer) for %s: %v", peerID, err)
		return
	}
	t.sendSignal(peerID, types.MessageP2PAnswer, types.P2PAnswerPayload{SDP: answer.SDP})
}

func (t *Transport) handleAnswer(peerID, sdp string) {
	t.mu.RLock()
	mp, ok := t.peers[peerID]
	t.mu.RUnlock()
	if !ok {
		return
	}
	if err := mp.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		log.Warn("p2p: set remote description (answer) from %s: %v", peerID, err)
	}
}

func (t *Transport) handleCandidate(peerID string, cand types.P2PCandidatePayload) {
	t.mu.RLock()
	mp, ok := t.peers[peerID]
	t.mu.RUnlock()
	if !ok {
		return
	}
	sdpMid := cand.SDPMid
	idx := cand.SDPMLineIndex
	if err := mp.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &sdpMid,
		SDPMLineIndex: &idx,
	}); err != nil {
		log.Warn("p2p: add ice candidate from %s: %v", peerID, err)
	}
}

func (t *Transport) attachDataChannel(mp *meshPeer) {
	mp.dc.OnOpen(func() {
		t.mu.Lock()
		mp.open = true
		mp.lastSeen = time.Now()
		t.mu.Unlock()
		t.metricsMu.Lock()
		t.metrics.ConnectedPeers++
		t.metricsMu.Unlock()
		t.firePeerHandlers(t.joinHandlers, mp.id)
		log.Log("p2p: datachannel open with %s", mp.id)
	})
	mp.dc.OnClose(func() {
		t.evictPeer(mp.id)
	})
	mp.dc.OnMessage(func(raw webrtc.DataChannelMessage) {
		t.mu.Lock()
		mp.lastSeen = time.Now()
		t.mu.Unlock()
		t.metricsMu.Lock()
		t.metrics.MessagesReceived++
		t.metricsMu.Unlock()

		var msg types.WireMessage
		if err := json.Unmarshal(raw.Data, &msg); err != nil {
			log.Warn("p2p: bad datachannel payload from %s: %v", mp.id, err)
			return
		}
		t.dispatch(msg, mp.id)
	})
}

func (t *Transport) dispatch(msg types.WireMessage, senderID string) {
	switch msg.Type {
	case types.MessageHealthPing:
		t.sendToPeerRaw(senderID, types.WireMessage{
			Type:      types.MessageHealthPong,
			Payload:   types.HealthPongPayload{Timestamp: time.Now()},
			SenderID:  t.playerID,
			Timestamp: time.Now(),
		})
		return
	case types.MessageHealthPong:
		return
	}

	t.handlersMu.RLock()
	handlers := make([]transport.MessageHandler, 0, len(t.messageHandlers))
	for _, h := range t.messageHandlers {
		handlers = append(handlers, h)
	}
	t.handlersMu.RUnlock()
	for _, h := range handlers {
		h(msg, senderID)
	}
}

func (t *Transport) sweepLoop() {
	pingTicker := time.NewTicker(HealthPingInterval)
	sweepTicker := time.NewTicker(PeerTimeout / 3)
	defer pingTicker.Stop()
	defer sweepTicker.Stop()
	for {
		select {
		case <-t.stopSweep:
			return
		case <-pingTicker.C:
			t.pingAll()
		case <-sweepTicker.C:
			t.sweepStale()
		}
	}
}

func (t *Transport) pingAll() {
	t.mu.RLock()
	ids := make([]string, 0, len(t.peers))
	for id, mp := range t.peers {
		if mp.open {
			ids = append(ids, id)
		}
	}
	t.mu.RUnlock()
	ping := types.WireMessage{
		Type:      types.MessageHealthPing,
		Payload:   types.HealthPingPayload{Timestamp: time.Now()},
		SenderID:  t.playerID,
		Timestamp: time.Now(),
	}
	for _, id := range ids {
		t.sendToPeerRaw(id, ping)
	}
}

func (t *Transport) sweepStale() {
	cutoff := time.Now().Add(-PeerTimeout)
	t.mu.RLock()
	stale := make([]string, 0)
	for id, mp := range t.peers {
		if mp.open && mp.lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	t.mu.RUnlock()
	for _, id := range stale {
		log.Warn("p2p: peer=%s exceeded liveness timeout, evicting", id)
		t.evictPeer(id)
	}
}

func (t *Transport) evictPeer(peerID string) {
	t.mu.Lock()
	mp, ok := t.peers[peerID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.peers, peerID)
	wasOpen := mp.open
	t.mu.Unlock()

	if mp.pc != nil {
		_ = mp.pc.Close()
	}
	if !wasOpen {
		return
	}
	t.metricsMu.Lock()
	if t.metrics.ConnectedPeers > 0 {
		t.metrics.ConnectedPeers--
	}
	t.metricsMu.Unlock()
	t.firePeerHandlers(t.leaveHandlers, peerID)
}

func (t *Transport) firePeerHandlers(handlers map[int]transport.PeerHandler, peerID string) {
	t.handlersMu.RLock()
	snapshot := make([]transport.PeerHandler, 0, len(handlers))
	for _, h := range handlers {
		snapshot = append(snapshot, h)
	}
	t.handlersMu.RUnlock()
	for _, h := range snapshot {
		h(peerID)
	}
}

func (t *Transport) sendSignal(targetID string, msgType types.MessageType, payload any) {
	err := t.signaling.Send(types.WireMessage{
		Type:      msgType,
		Payload:   payload,
		SenderID:  t.playerID,
		Timestamp: time.Now(),
	}, targetID)
	if err != nil {
		log.Warn("p2p: signal send to %s failed: %v", targetID, err)
	}
}

func (t *Transport) sendToPeerRaw(peerID string, msg types.WireMessage) {
	t.mu.RLock()
	mp, ok := t.peers[peerID]
	t.mu.RUnlock()
	if !ok || !mp.open {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := mp.dc.Send(b); err != nil {
		log.Warn("p2p: datachannel send to %s failed: %v", peerID, err)
	}
}

// Send implements transport.Transport.
func (t *Transport) Send(msg types.WireMessage, targetID string) error {
	msg.SenderID = t.playerID
	msg.TargetID = targetID

	t.mu.RLock()
	var targets []string
	if targetID != "" {
		if _, ok := t.peers[targetID]; ok {
			targets = append(targets, targetID)
		}
	} else {
		for id, mp := range t.peers {
			if mp.open {
				targets = append(targets, id)
			}
		}
	}
	t.mu.RUnlock()

	t.metricsMu.Lock()
	t.metrics.MessagesSent++
	t.metricsMu.Unlock()

	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	for _, id := range targets {
		t.mu.RLock()
		mp, ok := t.peers[id]
		t.mu.RUnlock()
		if !ok || !mp.open {
			continue
		}
		if err := mp.dc.Send(b); err != nil {
			log.Warn("p2p: send to %s failed: %v", id, err)
		}
	}
	return nil
}

// OnMessage implements transport.Transport.
func (t *Transport) OnMessage(handler transport.MessageHandler) transport.Unsubscribe {
	t.handlersMu.Lock()
	id := t.nextHandlerID
	t.nextHandlerID++
	t.messageHandlers[id] = handler
	t.handlersMu.Unlock()
	return func() {
		t.handlersMu.Lock()
		delete(t.messageHandlers, id)
		t.handlersMu.Unlock()
	}
}

// OnPeerJoin implements transport.Transport.
func (t *Transport) OnPeerJoin(handler transport.PeerHandler) transport.Unsubscribe {
	t.handlersMu.Lock()
	id := t.nextHandlerID
	t.nextHandlerID++
	t.joinHandlers[id] = handler
	t.handlersMu.Unlock()

	t.mu.RLock()
	open := make([]string, 0, len(t.peers))
	for pid, mp := range t.peers {
		if mp.open {
			open = append(open, pid)
		}
	}
	t.mu.RUnlock()
	for _, pid := range open {
		handler(pid)
	}
	return func() {
		t.handlersMu.Lock()
		delete(t.joinHandlers, id)
		t.handlersMu.Unlock()
	}
}

// OnPeerLeave implements transport.Transport.
func (t *Transport) OnPeerLeave(handler transport.PeerHandler) transport.Unsubscribe {
	t.handlersMu.Lock()
	id := t.nextHandlerID
	t.nextHandlerID++
	t.leaveHandlers[id] = handler
	t.handlersMu.Unlock()
	return func() {
		t.handlersMu.Lock()
		delete(t.leaveHandlers, id)
		t.handlersMu.Unlock()
	}
}

// GetPlayerID implements transport.Transport.
func (t *Transport) GetPlayerID() string { return t.playerID }

// GetPeerIDs implements transport.Transport.
func (t *Transport) GetPeerIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.peers))
	for id, mp := range t.peers {
		if mp.open {
			out = append(out, id)
		}
	}
	return out
}

// IsHost implements transport.Transport.
func (t *Transport) IsHost() bool { return t.isHost }

// Lock implements transport.Lockable. Per spec §4.6, locking does not
// close the signaling channel: new joins are still acknowledged there, but
// handleSignalingJoin and handleOffer refuse to negotiate a datachannel for
// them once locked is set.
func (t *Transport) Lock() error {
	t.mu.Lock()
	t.locked = true
	t.mu.Unlock()
	log.Log("p2p: mesh locked for player=%s", t.playerID)
	return nil
}

// Metrics implements transport.MetricsCapable.
func (t *Transport) Metrics() transport.Metrics {
	t.metricsMu.Lock()
	defer t.metricsMu.Unlock()
	return t.metrics
}

// Close tears down every mesh peer connection and stops the liveness loop.
func (t *Transport) Close() {
	close(t.stopSweep)
	t.mu.Lock()
	peers := make([]*meshPeer, 0, len(t.peers))
	for _, mp := range t.peers {
		peers = append(peers, mp)
	}
	t.peers = make(map[string]*meshPeer)
	t.mu.Unlock()
	for _, mp := range peers {
		if mp.pc != nil {
			_ = mp.pc.Close()
		}
	}
}

func decodePayload[T any](payload any) (T, bool) {
	var out T
	switch p := payload.(type) {
	case T:
		return p, true
	case map[string]any:
		b, err := json.Marshal(p)
		if err != nil {
			return out, false
		}
		if err := json.Unmarshal(b, &out); err != nil {
			return out, false
		}
		return out, true
	default:
		return out, false
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefUint16(v *uint16) uint16 {
	if v == nil {
		return 0
	}
	return *v
}
