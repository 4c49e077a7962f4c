package runtime

import (
	"time"

	"github.com/michael4d45/syncstate/internal/diffpatch"
	"github.com/michael4d45/syncstate/internal/game"
	"github.com/michael4d45/syncstate/internal/lobby"
	"github.com/michael4d45/syncstate/internal/rng"
	"github.com/michael4d45/syncstate/internal/types"
)

// SubmitAction is the public entry point for triggering a named action
// (spec §4.8 "Action submission"). targetID defaults to the caller's own
// player id when empty.
func (r *Runtime) SubmitAction(name string, input any, targetID string) {
	if r.isDestroyed() {
		return
	}
	if targetID == "" {
		targetID = r.myPlayerID
	}
	seed := r.allocSeed()

	if r.isHost {
		r.applyHostAction(name, input, r.myPlayerID, targetID, seed)
		return
	}

	err := r.transport.Send(types.WireMessage{
		Type: types.MessageAction,
		Payload: types.ActionPayload{
			Name:     name,
			Input:    input,
			PlayerID: r.myPlayerID,
			TargetID: targetID,
			Seed:     seed,
		},
		SenderID:  r.myPlayerID,
		Timestamp: time.Now(),
	}, "")
	if err != nil {
		log.Warn("submitAction: send to host failed: %v", err)
	}
}

// applyHostAction runs spec §4.8's "Host action application" pipeline.
func (r *Runtime) applyHostAction(name string, input any, playerID, targetID string, seed uint32) {
	r.mu.Lock()
	actionDef, ok := r.actions[name]
	if !ok {
		r.mu.Unlock()
		log.Warn("unknown action %q submitted by %s", name, playerID)
		return
	}

	if actionDef.Input != nil {
		if err := actionDef.Input(input); err != nil {
			r.mu.Unlock()
			log.Warn("action %q rejected for %s: invalid input: %v", name, playerID, err)
			return
		}
	}

	snapshot := deepCopyMap(r.state)

	var emitted []types.WireMessage
	ctx := game.ActionContext{
		PlayerID: playerID,
		TargetID: targetID,
		IsHost:   playerID == r.myPlayerID,
		Random:   rng.New(seed),
		Emit: func(eventName string, payload any) {
			emitted = append(emitted, types.WireMessage{
				Type:      types.MessageEvent,
				Payload:   types.EventPayload{Name: eventName, Payload: payload},
				Timestamp: time.Now(),
			})
		},
	}

	applyPanicked := false
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				applyPanicked = true
				log.Error("action %q panicked: %v", name, rec)
			}
		}()
		actionDef.Apply(r.state, ctx, input)
	}()

	if applyPanicked {
		r.state = snapshot
		r.mu.Unlock()
		return
	}

	patches := diffpatch.Diff(snapshot, r.state)
	r.stateVersion++
	version := r.stateVersion
	patchListeners := snapshotPatchListeners(r.patchListeners)
	changeListeners := snapshotChangeListeners(r.changeListeners)
	r.mu.Unlock()

	log.Debug("action %q applied by %s -> %d patches (version=%d)", name, playerID, len(patches), version)

	for _, l := range patchListeners {
		l(patches)
	}
	for _, l := range changeListeners {
		l()
	}

	if len(patches) > 0 {
		_ = r.transport.Send(types.WireMessage{
			Type: types.MessageStateSync,
			Payload: types.StateSyncPayload{
				Patches:    patches,
				ActionSeed: seed,
				ActionName: name,
			},
			SenderID:  r.myPlayerID,
			Timestamp: time.Now(),
		}, "")
	}

	for _, evMsg := range emitted {
		evMsg.SenderID = r.myPlayerID
		_ = r.transport.Send(evMsg, "")
		r.fireEvent(evMsg.Payload.(types.EventPayload))
	}
}

// handleMessage dispatches an inbound wire message by type. It is the
// transport.MessageHandler registered during construction.
func (r *Runtime) handleMessage(msg types.WireMessage, senderID string) {
	if r.isDestroyed() {
		return
	}
	switch msg.Type {
	case types.MessageAction:
		if !r.isHost {
			return
		}
		ap, ok := decodePayload[types.ActionPayload](msg.Payload)
		if !ok {
			return
		}
		r.applyHostAction(ap.Name, ap.Input, ap.PlayerID, ap.TargetID, ap.Seed)
	case types.MessageStateSync:
		if r.isHost {
			return
		}
		sp, ok := decodePayload[types.StateSyncPayload](msg.Payload)
		if !ok {
			return
		}
		r.applyStateSync(sp)
	case types.MessageEvent:
		ep, ok := decodePayload[types.EventPayload](msg.Payload)
		if !ok {
			return
		}
		r.fireEvent(ep)
	case types.MessageHeartbeat:
		// transport-internal liveness signal; no runtime action required.
	}
}

func (r *Runtime) applyStateSync(sp types.StateSyncPayload) {
	r.mu.Lock()
	if sp.FullState != nil {
		if full, ok := sp.FullState.(map[string]any); ok {
			r.state = full
		}
		if sp.BaseSeed != 0 {
			r.baseSeed = sp.BaseSeed
		}
		if lv, ok := r.state[reservedStateKey]; ok {
			if lm, ok := lv.(map[string]any); ok {
				r.lobbyState = lobby.FromMap(lm)
			}
		}
		r.stateVersion++
		changeListeners := snapshotChangeListeners(r.changeListeners)
		r.mu.Unlock()
		for _, l := range changeListeners {
			l()
		}
		return
	}

	next, err := diffpatch.Apply(r.state, sp.Patches)
	if err != nil {
		log.Error("patch apply failed (state may diverge until next full sync): %v", err)
	}
	if m, ok := next.(map[string]any); ok {
		r.state = m
	}
	r.stateVersion++
	changeListeners := snapshotChangeListeners(r.changeListeners)
	r.mu.Unlock()
	for _, l := range changeListeners {
		l()
	}
}

func (r *Runtime) fireEvent(ep types.EventPayload) {
	r.mu.Lock()
	handlers := make([]EventListener, 0)
	for _, h := range r.eventListeners[ep.Name] {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()
	for _, h := range handlers {
		h(ep.Payload)
	}
}

func snapshotChangeListeners(m map[int]ChangeListener) []ChangeListener {
	out := make([]ChangeListener, 0, len(m))
	for _, l := range m {
		out = append(out, l)
	}
	return out
}

func snapshotPatchListeners(m map[int]PatchListener) []PatchListener {
	out := make([]PatchListener, 0, len(m))
	for _, l := range m {
		out = append(out, l)
	}
	return out
}

func decodePayload[T any](payload any) (T, bool) {
	var out T
	if v, ok := payload.(T); ok {
		return v, true
	}
	m, ok := payload.(map[string]any)
	if !ok {
		return out, false
	}
	if !decodeMapInto(m, &out) {
		return out, false
	}
	return out, true
}
