package helpers

import "github.com/michael4d45/syncstate/internal/game"

// InputStoreAction returns an ActionDef whose Apply writes
// state[key][targetId] = input, the common "store whatever the client sent
// under its own slot" pattern (spec §4.10).
func InputStoreAction(key string) game.ActionDef {
	return game.ActionDef{
		Apply: func(state map[string]any, ctx game.ActionContext, input any) {
			slot, ok := state[key].(map[string]any)
			if !ok {
				slot = make(map[string]any)
				state[key] = slot
			}
			slot[ctx.TargetID] = input
		},
	}
}

// TickActionName is the conventional action name a driver submits once per
// frame to advance host-only game logic.
const TickActionName = "tick"

// TickAction returns an ActionDef that runs body once per submission,
// passing the elapsed delta alongside the usual ActionContext. Like every
// action it only ever executes on the host; a client calling
// submitAction("tick", ...) merely forwards it there. delta is read from
// input's "delta" field when input is a map (the shape a host's own driver
// would submit), or 0 otherwise.
func TickAction(body func(state map[string]any, delta float64, ctx game.ActionContext)) game.ActionDef {
	return game.ActionDef{
		Apply: func(state map[string]any, ctx game.ActionContext, input any) {
			var delta float64
			if m, ok := input.(map[string]any); ok {
				if d, ok := m["delta"].(float64); ok {
					delta = d
				}
			}
			body(state, delta, ctx)
		},
	}
}

// EachPlayerWithInput iterates over every entry in state[key] (as produced
// by InputStoreAction) whose value is non-nil, invoking fn with the
// player id and its stored input slot.
func EachPlayerWithInput(state map[string]any, key string, fn func(playerID string, input any)) {
	slot, ok := state[key].(map[string]any)
	if !ok {
		return
	}
	for playerID, input := range slot {
		if input == nil {
			continue
		}
		fn(playerID, input)
	}
}
