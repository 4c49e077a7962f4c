// Package runtime implements the host-authoritative state-synchronization
// core (spec §4.8): construction, action submission/dispatch, diff+patch
// broadcast, and the change/patch/event listener registries. Every
// mutation runs behind a single mutex so the model stays single-threaded
// cooperative even though transport callbacks arrive on arbitrary
// goroutines — the same single-writer-lock idiom as the teacher's
// server.go (s.mu guarding s.state, exposed there as withLock/withRLock).
package runtime

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/michael4d45/syncstate/internal/diffpatch"
	"github.com/michael4d45/syncstate/internal/game"
	"github.com/michael4d45/syncstate/internal/lobby"
	"github.com/michael4d45/syncstate/internal/logger"
	"github.com/michael4d45/syncstate/internal/rng"
	"github.com/michael4d45/syncstate/internal/transport"
	"github.com/michael4d45/syncstate/internal/types"
)

var log = logger.New("runtime")

// reservedStateKey mirrors lobby.ReservedStateKey so callers of this
// package don't need to import internal/lobby just to spell the constant.
const reservedStateKey = lobby.ReservedStateKey

// Config is the runtime construction configuration (spec §6).
type Config struct {
	IsHost     bool
	PlayerIDs  []string // host-only override of the initial player set
	Seed       uint32   // 0 means "choose one"
	SyncRateMs int      // default 50; currently informational, transports that batch may read it
}

// ChangeListener is invoked after every state mutation.
type ChangeListener func()

// PatchListener is invoked with the patches produced by a host-side state
// mutation (devtools-style inspection hook).
type PatchListener func(patches []diffpatch.Patch)

// EventListener is invoked when a named event is received via emit/fanout.
type EventListener func(payload any)

// Runtime is the constructed, running instance bound to one game
// Definition and one Transport.
type Runtime struct {
	def       *game.Definition
	transport transport.Transport
	cfg       Config

	myPlayerID string
	isHost     bool

	mu                sync.Mutex
	state             map[string]any
	stateVersion      uint64
	baseSeed          uint32
	actionSeedCounter uint32
	lobbyState        *lobby.State
	actions           map[string]game.ActionDef
	destroyed         bool

	changeListeners map[int]ChangeListener
	patchListeners  map[int]PatchListener
	eventListeners  map[string]map[int]EventListener
	nextListenerID  int

	unsubscribes []transport.Unsubscribe
	heartbeat    *time.Ticker
	reconcile    *time.Ticker
	stopTimers   chan struct{}
}

// New constructs and starts a Runtime per spec §4.8's six-step sequence.
func New(def *game.Definition, tr transport.Transport, cfg Config) (*Runtime, error) {
	r := &Runtime{
		def:             def,
		transport:       tr,
		cfg:             cfg,
		myPlayerID:      tr.GetPlayerID(),
		isHost:          cfg.IsHost,
		changeListeners: make(map[int]ChangeListener),
		patchListeners:  make(map[int]PatchListener),
		eventListeners:  make(map[string]map[int]EventListener),
		stopTimers:      make(chan struct{}),
	}

	// Step 1: resolve the initial player id set.
	var playerIDs []string
	if r.isHost && len(cfg.PlayerIDs) > 0 {
		playerIDs = append(playerIDs, cfg.PlayerIDs...)
	} else {
		seen := map[string]bool{r.myPlayerID: true}
		playerIDs = append(playerIDs, r.myPlayerID)
		for _, pid := range tr.GetPeerIDs() {
			if !seen[pid] {
				seen[pid] = true
				playerIDs = append(playerIDs, pid)
			}
		}
	}

	// Step 2: base seed. Only the host picks one; a client keeps 0 until a
	// full state_sync carries the host's (see applyStateSync). Clients still
	// run Setup with that placeholder below, and allocSeed derives the seeds
	// of the actions they forward from it.
	if r.isHost {
		if cfg.Seed != 0 {
			r.baseSeed = cfg.Seed
		} else {
			r.baseSeed = randomSeed()
		}
	}

	// Step 3: Setup.
	if def.Setup != nil {
		r.state = def.Setup(game.SetupContext{PlayerIDs: playerIDs, Random: rng.New(r.baseSeed)})
	} else {
		r.state = make(map[string]any)
	}
	if r.state == nil {
		r.state = make(map[string]any)
	}
	if _, exists := r.state[reservedStateKey]; exists {
		return nil, fmt.Errorf("%w: Setup produced state containing %q", ErrReservedStateKey, reservedStateKey)
	}

	// Step 4: lobby injection + built-in actions.
	r.actions = make(map[string]game.ActionDef, len(def.Actions))
	for name, actionDef := range def.Actions {
		r.actions[name] = actionDef
	}
	if def.Lobby != nil {
		r.lobbyState = lobby.NewState(*def.Lobby, playerIDs, nowMillis())
		r.state[reservedStateKey] = r.lobbyState.ToMap()
		for name, actionDef := range r.builtinLobbyActions() {
			r.actions[name] = actionDef
		}
	}

	// Step 5: subscribe to transport.
	r.unsubscribes = append(r.unsubscribes,
		tr.OnMessage(r.handleMessage),
		tr.OnPeerJoin(r.handlePeerJoin),
		tr.OnPeerLeave(r.handlePeerLeave),
	)

	// Step 6: host-only periodic heartbeat and reconciliation.
	if r.isHost {
		syncRate := cfg.SyncRateMs
		if syncRate <= 0 {
			syncRate = 50
		}
		r.heartbeat = time.NewTicker(30 * time.Second)
		go r.heartbeatLoop()
		if r.lobbyState != nil {
			r.reconcile = time.NewTicker(reconcileInterval())
			go r.reconcileLoop()
		}
	}

	log.Log("runtime constructed player=%s isHost=%v players=%v", r.myPlayerID, r.isHost, playerIDs)
	return r, nil
}

func randomSeed() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// allocSeed mints a fresh per-action seed derived from baseSeed and an
// incrementing counter (Knuth multiplicative hashing), never via
// math/rand, matching the deterministic-reproduction contract of
// internal/rng.
func (r *Runtime) allocSeed() uint32 {
	r.actionSeedCounter++
	return r.baseSeed*2654435761 + r.actionSeedCounter
}

// GetMyPlayerID returns this peer's stable identity.
func (r *Runtime) GetMyPlayerID() string { return r.myPlayerID }

// GetState returns a snapshot of the current state. Callers must treat it
// as read-only; mutation outside actionDef.Apply is undefined behavior
// (spec §5).
func (r *Runtime) GetState() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return deepCopyMap(r.state)
}

// OnChange registers a listener invoked after every state mutation.
func (r *Runtime) OnChange(listener ChangeListener) func() {
	r.mu.Lock()
	id := r.nextListenerID
	r.nextListenerID++
	r.changeListeners[id] = listener
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.changeListeners, id)
		r.mu.Unlock()
	}
}

// OnPatch registers a listener invoked with the raw patch list produced by
// a host action application, presence change or reconciliation. It is never
// invoked on clients, which only ever receive patches, never compute them.
func (r *Runtime) OnPatch(listener PatchListener) func() {
	r.mu.Lock()
	id := r.nextListenerID
	r.nextListenerID++
	r.patchListeners[id] = listener
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.patchListeners, id)
		r.mu.Unlock()
	}
}

// OnEvent registers a listener for one named event.
func (r *Runtime) OnEvent(name string, listener EventListener) func() {
	r.mu.Lock()
	id := r.nextListenerID
	r.nextListenerID++
	if r.eventListeners[name] == nil {
		r.eventListeners[name] = make(map[int]EventListener)
	}
	r.eventListeners[name][id] = listener
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		if m, ok := r.eventListeners[name]; ok {
			delete(m, id)
		}
		r.mu.Unlock()
	}
}

// Destroy unsubscribes from the transport and clears timers (spec §4.8
// "Destroy"). The transport itself is not owned and is not closed.
func (r *Runtime) Destroy() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	r.mu.Unlock()

	for _, unsub := range r.unsubscribes {
		unsub()
	}
	close(r.stopTimers)
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	if r.reconcile != nil {
		r.reconcile.Stop()
	}
	log.Log("runtime destroyed player=%s", r.myPlayerID)
}

func (r *Runtime) isDestroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

func (r *Runtime) heartbeatLoop() {
	for {
		select {
		case <-r.stopTimers:
			return
		case <-r.heartbeat.C:
			if r.isDestroyed() {
				return
			}
			_ = r.transport.Send(types.WireMessage{
				Type:      types.MessageHeartbeat,
				Payload:   types.HeartbeatPayload{Timestamp: time.Now()},
				SenderID:  r.myPlayerID,
				Timestamp: time.Now(),
			}, "")
		}
	}
}

func reconcileInterval() time.Duration {
	// 30s plus up to 3s (10%) of jitter (SPEC_FULL §C.5) so that multiple
	// rooms on one process don't all reconcile in lockstep.
	jitter := time.Duration(nowMillis()%3000) * time.Millisecond
	return 30*time.Second + jitter
}

func newActionID() string { return uuid.NewString() }
