package helpers

import (
	"testing"

	"github.com/michael4d45/syncstate/internal/game"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlayerManagerRoundRobinsRolesAndSpawnPoints(t *testing.T) {
	pm := NewPlayerManager(PlayerManagerConfig{
		Roles:       []string{"seeker", "hider"},
		SpawnPoints: []any{"spawn-a", "spawn-b"},
	})

	mapping := pm.Initialize([]string{"p1", "p2", "p3"})
	require.Len(t, mapping, 3)
	assert.Equal(t, "seeker", mapping["p1"].Role)
	assert.Equal(t, "hider", mapping["p2"].Role)
	assert.Equal(t, "seeker", mapping["p3"].Role)
	assert.Equal(t, "spawn-a", mapping["p1"].SpawnPoint)
	assert.Equal(t, 0, mapping["p1"].Index)
	assert.Equal(t, 2, mapping["p3"].Index)
}

func TestPlayerManagerRespectsMaxBound(t *testing.T) {
	pm := NewPlayerManager(PlayerManagerConfig{Bounds: Bounds{Max: 2}})
	mapping := pm.Initialize([]string{"p1", "p2", "p3"})
	assert.Len(t, mapping, 2)
	_, ok := mapping["p3"]
	assert.False(t, ok)
}

func TestPlayerManagerHandleJoinAndLeave(t *testing.T) {
	pm := NewPlayerManager(PlayerManagerConfig{Roles: []string{"a", "b"}})
	state := map[string]any{}

	pm.HandleJoin(state, "players", "p1")
	players, ok := state["players"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, players, "p1")

	pm.HandleLeave(state, "players", "p1")
	assert.NotContains(t, players, "p1")
}

func TestPlayerManagerFactoryOverridesDefaults(t *testing.T) {
	pm := NewPlayerManager(PlayerManagerConfig{
		Factory: func(playerID string, index int) PlayerSlot {
			return PlayerSlot{Role: "custom", SpawnPoint: index * 10}
		},
	})
	mapping := pm.Initialize([]string{"p1"})
	assert.Equal(t, "custom", mapping["p1"].Role)
	assert.Equal(t, 0, mapping["p1"].SpawnPoint)
}

func TestInputStoreActionWritesUnderTargetID(t *testing.T) {
	action := InputStoreAction("inputs")
	state := map[string]any{}
	ctx := game.ActionContext{TargetID: "p1"}

	action.Apply(state, ctx, map[string]any{"dx": 1.0})

	inputs := state["inputs"].(map[string]any)
	assert.Equal(t, map[string]any{"dx": 1.0}, inputs["p1"])
}

func TestTickActionPassesDeltaFromInput(t *testing.T) {
	var gotDelta float64
	action := TickAction(func(state map[string]any, delta float64, ctx game.ActionContext) {
		gotDelta = delta
	})

	action.Apply(map[string]any{}, game.ActionContext{}, map[string]any{"delta": 0.016})
	assert.InDelta(t, 0.016, gotDelta, 0.0001)
}

func TestEachPlayerWithInputSkipsNilSlots(t *testing.T) {
	state := map[string]any{
		"inputs": map[string]any{
			"p1": map[string]any{"dx": 1.0},
			"p2": nil,
		},
	}
	seen := map[string]bool{}
	EachPlayerWithInput(state, "inputs", func(playerID string, input any) {
		seen[playerID] = true
	})
	assert.True(t, seen["p1"])
	assert.False(t, seen["p2"])
}
