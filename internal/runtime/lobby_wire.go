package runtime

import (
	"time"

	"github.com/michael4d45/syncstate/internal/diffpatch"
	"github.com/michael4d45/syncstate/internal/game"
	"github.com/michael4d45/syncstate/internal/lobby"
	"github.com/michael4d45/syncstate/internal/transport"
	"github.com/michael4d45/syncstate/internal/types"
)

// builtinLobbyActions returns the three actions spec §4.9 merges into the
// action table when a lobby config is present. They close over r, so they
// must be constructed after r.lobbyState is set.
func (r *Runtime) builtinLobbyActions() map[string]game.ActionDef {
	return map[string]game.ActionDef{
		"__lobbyReady": {
			Apply: func(state map[string]any, ctx game.ActionContext, input any) {
				if r.lobbyState == nil {
					return
				}
				ready, _ := input.(bool)
				if !r.lobbyState.SetReady(ctx.TargetID, ready) {
					return
				}
				r.state[lobby.ReservedStateKey] = r.lobbyState.ToMap()
				if r.def.OnPlayerReady != nil {
					r.def.OnPlayerReady(state, ctx.TargetID, ready)
				}
				r.evaluateLobbyTransitionsLocked()
			},
		},
		"__lobbyStart": {
			Apply: func(state map[string]any, ctx game.ActionContext, input any) {
				if r.lobbyState == nil {
					return
				}
				// A host-originated __lobbyStart forces the transition
				// regardless of start conditions (reason "manual"); a
				// client-originated one only re-checks the normal
				// conditions (reason "all_ready"/"timeout"), since only
				// the host is authorized to force-start.
				if ctx.IsHost {
					prev := r.lobbyState.Phase
					if r.lobbyState.Start(nowMillis()) {
						r.afterLobbyTransitionLocked(prev, lobby.ReasonManual)
					}
					return
				}
				r.evaluateLobbyTransitionsLocked()
			},
		},
		"__lobbyEnd": {
			Apply: func(state map[string]any, ctx game.ActionContext, input any) {
				if r.lobbyState == nil {
					return
				}
				prev := r.lobbyState.Phase
				if r.lobbyState.End(nowMillis()) {
					r.afterLobbyTransitionLocked(prev, lobby.ReasonManual)
				}
			},
		},
	}
}

// evaluateLobbyTransitionsLocked re-checks spec §4.9's start conditions
// (called after any presence or ready change). Caller must hold r.mu.
func (r *Runtime) evaluateLobbyTransitionsLocked() {
	if r.lobbyState == nil {
		return
	}
	prev := r.lobbyState.Phase
	transitioned, reason := r.lobbyState.EvaluateStartConditions(nowMillis())
	if transitioned {
		r.afterLobbyTransitionLocked(prev, reason)
	}
}

// afterLobbyTransitionLocked syncs the __lobby state subtree, fires
// OnPhaseChange, and locks the transport on entering "playing" when late
// joins are disallowed. Caller must hold r.mu.
func (r *Runtime) afterLobbyTransitionLocked(prev lobby.Phase, reason lobby.TransitionReason) {
	to := r.lobbyState.Phase
	r.state[lobby.ReservedStateKey] = r.lobbyState.ToMap()
	if r.def.OnPhaseChange != nil {
		r.def.OnPhaseChange(r.state, game.PhaseChangeEvent{From: prev, To: to, Reason: reason, Timestamp: nowMillis()})
	}
	if to == lobby.PhasePlaying && !r.lobbyState.Config.AllowLateJoin {
		if lockable, ok := r.transport.(transport.Lockable); ok {
			if err := lockable.Lock(); err != nil {
				log.Warn("failed to lock transport on phase transition to playing: %v", err)
			}
		}
	}
}

// handlePeerJoin is the transport.PeerHandler registered at construction.
// Presence mutation is host-authoritative: the host applies the change
// and broadcasts the resulting patches like any other action; clients
// observe the effect purely through state_sync.
func (r *Runtime) handlePeerJoin(peerID string) {
	if r.isDestroyed() || !r.isHost || peerID == r.myPlayerID {
		return
	}

	r.mu.Lock()
	snapshot := deepCopyMap(r.state)
	mutated := false

	if r.lobbyState != nil {
		result := r.lobbyState.HandlePeerJoin(peerID, nowMillis())
		switch result {
		case lobby.JoinAdded:
			r.state[lobby.ReservedStateKey] = r.lobbyState.ToMap()
			if r.def.OnPlayerJoin != nil {
				r.def.OnPlayerJoin(r.state, peerID)
			}
			r.evaluateLobbyTransitionsLocked()
			mutated = true
		case lobby.JoinRejectedPlayingNoLateJoin, lobby.JoinRejectedFull:
			log.Warn("rejected late join from %s: %v", peerID, result)
		case lobby.JoinAlreadyPresent:
		}
	} else if r.def.OnPlayerJoin != nil {
		r.def.OnPlayerJoin(r.state, peerID)
		mutated = true
	}

	if !mutated {
		r.mu.Unlock()
		return
	}

	patches := diffpatch.Diff(snapshot, r.state)
	r.stateVersion++
	fullState := deepCopyMap(r.state)
	baseSeed := r.baseSeed
	patchListeners := snapshotPatchListeners(r.patchListeners)
	changeListeners := snapshotChangeListeners(r.changeListeners)
	peers := r.transport.GetPeerIDs()
	r.mu.Unlock()

	for _, l := range patchListeners {
		l(patches)
	}
	for _, l := range changeListeners {
		l()
	}

	_ = r.transport.Send(types.WireMessage{
		Type:      types.MessageStateSync,
		Payload:   types.StateSyncPayload{FullState: fullState, BaseSeed: baseSeed},
		SenderID:  r.myPlayerID,
		Timestamp: time.Now(),
	}, peerID)

	if len(patches) == 0 {
		return
	}
	for _, existing := range peers {
		if existing == peerID {
			continue
		}
		_ = r.transport.Send(types.WireMessage{
			Type:      types.MessageStateSync,
			Payload:   types.StateSyncPayload{Patches: patches},
			SenderID:  r.myPlayerID,
			Timestamp: time.Now(),
		}, existing)
	}
}

// handlePeerLeave is the transport.PeerHandler for departures.
func (r *Runtime) handlePeerLeave(peerID string) {
	if r.isDestroyed() || !r.isHost {
		return
	}

	r.mu.Lock()
	snapshot := deepCopyMap(r.state)
	mutated := false

	if r.lobbyState != nil {
		if r.lobbyState.HandlePeerLeave(peerID) {
			r.state[lobby.ReservedStateKey] = r.lobbyState.ToMap()
			if r.def.OnPlayerLeave != nil {
				r.def.OnPlayerLeave(r.state, peerID)
			}
			mutated = true
		}
	} else if r.def.OnPlayerLeave != nil {
		r.def.OnPlayerLeave(r.state, peerID)
		mutated = true
	}

	if !mutated {
		r.mu.Unlock()
		return
	}

	patches := diffpatch.Diff(snapshot, r.state)
	r.stateVersion++
	patchListeners := snapshotPatchListeners(r.patchListeners)
	changeListeners := snapshotChangeListeners(r.changeListeners)
	r.mu.Unlock()

	for _, l := range patchListeners {
		l(patches)
	}
	for _, l := range changeListeners {
		l()
	}
	if len(patches) > 0 {
		_ = r.transport.Send(types.WireMessage{
			Type:      types.MessageStateSync,
			Payload:   types.StateSyncPayload{Patches: patches},
			SenderID:  r.myPlayerID,
			Timestamp: time.Now(),
		}, "")
	}
}

// reconcileLoop implements spec §4.9's host-only periodic reconciliation.
func (r *Runtime) reconcileLoop() {
	for {
		select {
		case <-r.stopTimers:
			return
		case <-r.reconcile.C:
			if r.isDestroyed() {
				return
			}
			r.runReconciliation()
		}
	}
}

func (r *Runtime) runReconciliation() {
	r.mu.Lock()
	if r.lobbyState == nil {
		r.mu.Unlock()
		return
	}
	observed := map[string]bool{r.myPlayerID: true}
	for _, pid := range r.transport.GetPeerIDs() {
		observed[pid] = true
	}
	removed := r.lobbyState.Reconcile(observed)
	if len(removed) == 0 {
		r.mu.Unlock()
		return
	}
	snapshot := deepCopyMap(r.state)
	r.state[lobby.ReservedStateKey] = r.lobbyState.ToMap()
	if r.def.OnPlayerLeave != nil {
		for _, pid := range removed {
			r.def.OnPlayerLeave(r.state, pid)
		}
	}
	patches := diffpatch.Diff(snapshot, r.state)
	r.stateVersion++
	patchListeners := snapshotPatchListeners(r.patchListeners)
	changeListeners := snapshotChangeListeners(r.changeListeners)
	r.mu.Unlock()

	log.Log("reconciliation removed stale peers=%v", removed)
	for _, l := range patchListeners {
		l(patches)
	}
	for _, l := range changeListeners {
		l()
	}
	if len(patches) > 0 {
		_ = r.transport.Send(types.WireMessage{
			Type:      types.MessageStateSync,
			Payload:   types.StateSyncPayload{Patches: patches},
			SenderID:  r.myPlayerID,
			Timestamp: time.Now(),
		}, "")
	}
}
