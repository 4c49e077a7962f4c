// Package helpers provides the optional action/state generators named in
// spec §4.10: a round-robin player manager, an input-store action, a
// host-only tick action, and a player-iteration utility. None of these are
// required to construct a runtime; they exist so an author doesn't hand-roll
// the same few patterns every game built on this stack ends up needing.
package helpers

// PlayerSlot is one player's assignment produced by a PlayerManager.
type PlayerSlot struct {
	PlayerID   string `json:"playerId"`
	Role       string `json:"role,omitempty"`
	SpawnPoint any    `json:"spawnPoint,omitempty"`
	Index      int    `json:"index"`
}

// Bounds optionally clamps the number of active slots a PlayerManager will
// assign; joins past Bounds are left unassigned rather than wrapping.
type Bounds struct {
	Min int
	Max int // 0 means unbounded
}

// PlayerManagerConfig configures NewPlayerManager. Factory, if set, takes
// precedence over Roles/SpawnPoints for computing a slot's payload.
type PlayerManagerConfig struct {
	Factory     func(playerID string, index int) PlayerSlot
	Roles       []string
	SpawnPoints []any
	Bounds      Bounds
}

// PlayerManager assigns and tracks per-player slots inside a single state
// key (commonly "players"), round-robining over Roles/SpawnPoints by join
// order the way ArekMiszcz-wildspark-backend's game.go and lguibr-pongo
// assign fixed lobby slots, generalized here into a reusable, data-driven
// policy instead of a hardcoded table.
type PlayerManager struct {
	cfg       PlayerManagerConfig
	nextIndex int
}

// NewPlayerManager constructs a manager from the given configuration.
func NewPlayerManager(cfg PlayerManagerConfig) *PlayerManager {
	return &PlayerManager{cfg: cfg}
}

// Initialize produces the initial slot mapping for a known set of player
// ids, in order, typically called from game.Definition.Setup.
func (pm *PlayerManager) Initialize(playerIDs []string) map[string]PlayerSlot {
	mapping := make(map[string]PlayerSlot, len(playerIDs))
	for _, id := range playerIDs {
		if slot, ok := pm.assign(id); ok {
			mapping[id] = slot
		}
	}
	return mapping
}

// HandleJoin assigns state[key][playerID] for a newly joined player,
// intended to be called from game.Definition.OnPlayerJoin. key is the state
// field the manager owns (e.g. "players").
func (pm *PlayerManager) HandleJoin(state map[string]any, key, playerID string) {
	slot, ok := pm.assign(playerID)
	if !ok {
		return
	}
	players := playersMap(state, key)
	players[playerID] = slotToMap(slot)
}

// HandleLeave removes playerID's slot, intended to be called from
// game.Definition.OnPlayerLeave.
func (pm *PlayerManager) HandleLeave(state map[string]any, key, playerID string) {
	players := playersMap(state, key)
	delete(players, playerID)
}

func (pm *PlayerManager) assign(playerID string) (PlayerSlot, bool) {
	index := pm.nextIndex
	if pm.cfg.Bounds.Max > 0 && index >= pm.cfg.Bounds.Max {
		return PlayerSlot{}, false
	}
	pm.nextIndex++

	if pm.cfg.Factory != nil {
		slot := pm.cfg.Factory(playerID, index)
		slot.PlayerID = playerID
		slot.Index = index
		return slot, true
	}

	slot := PlayerSlot{PlayerID: playerID, Index: index}
	if len(pm.cfg.Roles) > 0 {
		slot.Role = pm.cfg.Roles[index%len(pm.cfg.Roles)]
	}
	if len(pm.cfg.SpawnPoints) > 0 {
		slot.SpawnPoint = pm.cfg.SpawnPoints[index%len(pm.cfg.SpawnPoints)]
	}
	return slot, true
}

func playersMap(state map[string]any, key string) map[string]any {
	existing, ok := state[key].(map[string]any)
	if !ok {
		existing = make(map[string]any)
		state[key] = existing
	}
	return existing
}

func slotToMap(slot PlayerSlot) map[string]any {
	m := map[string]any{
		"playerId": slot.PlayerID,
		"index":    float64(slot.Index),
	}
	if slot.Role != "" {
		m["role"] = slot.Role
	}
	if slot.SpawnPoint != nil {
		m["spawnPoint"] = slot.SpawnPoint
	}
	return m
}
