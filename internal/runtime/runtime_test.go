package runtime

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/michael4d45/syncstate/internal/diffpatch"
	"github.com/michael4d45/syncstate/internal/game"
	"github.com/michael4d45/syncstate/internal/lobby"
	"github.com/michael4d45/syncstate/internal/transport/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freshRoom() string { return "runtime-room-" + uuid.NewString() }

func counterDefinition() *game.Definition {
	return &game.Definition{
		Setup: func(ctx game.SetupContext) map[string]any {
			return map[string]any{"counter": float64(0)}
		},
		Actions: map[string]game.ActionDef{
			"increment": {
				Apply: func(state map[string]any, ctx game.ActionContext, input any) {
					cur, _ := state["counter"].(float64)
					state["counter"] = cur + 1
					ctx.Emit("incremented", map[string]any{"by": ctx.PlayerID})
				},
			},
			"explode": {
				Apply: func(state map[string]any, ctx game.ActionContext, input any) {
					panic("boom")
				},
			},
			"validated": {
				Input: func(input any) error {
					if input == nil {
						return errors.New("input required")
					}
					return nil
				},
				Apply: func(state map[string]any, ctx game.ActionContext, input any) {
					state["lastInput"] = input
				},
			},
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHostSetupProducesInitialState(t *testing.T) {
	roomID := freshRoom()
	tr, err := registry.New(roomID, "host", true)
	require.NoError(t, err)

	r, err := New(counterDefinition(), tr, Config{IsHost: true})
	require.NoError(t, err)
	defer r.Destroy()

	state := r.GetState()
	assert.Equal(t, float64(0), state["counter"])
}

func TestHostActionAppliesAndBroadcastsPatches(t *testing.T) {
	roomID := freshRoom()
	hostTr, err := registry.New(roomID, "host", true)
	require.NoError(t, err)
	clientTr, err := registry.New(roomID, "client", false)
	require.NoError(t, err)

	host, err := New(counterDefinition(), hostTr, Config{IsHost: true})
	require.NoError(t, err)
	defer host.Destroy()

	client, err := New(counterDefinition(), clientTr, Config{IsHost: false})
	require.NoError(t, err)
	defer client.Destroy()

	host.SubmitAction("increment", nil, "")

	waitFor(t, func() bool {
		return client.GetState()["counter"] == float64(1)
	})
	assert.Equal(t, float64(1), host.GetState()["counter"])
}

func TestClientSubmitActionForwardsToHost(t *testing.T) {
	roomID := freshRoom()
	hostTr, err := registry.New(roomID, "host", true)
	require.NoError(t, err)
	clientTr, err := registry.New(roomID, "client", false)
	require.NoError(t, err)

	host, err := New(counterDefinition(), hostTr, Config{IsHost: true})
	require.NoError(t, err)
	defer host.Destroy()

	client, err := New(counterDefinition(), clientTr, Config{IsHost: false})
	require.NoError(t, err)
	defer client.Destroy()

	client.SubmitAction("increment", nil, "")

	waitFor(t, func() bool {
		return host.GetState()["counter"] == float64(1)
	})
	waitFor(t, func() bool {
		return client.GetState()["counter"] == float64(1)
	})
}

func TestUnknownActionIsIgnored(t *testing.T) {
	roomID := freshRoom()
	hostTr, err := registry.New(roomID, "host", true)
	require.NoError(t, err)

	host, err := New(counterDefinition(), hostTr, Config{IsHost: true})
	require.NoError(t, err)
	defer host.Destroy()

	host.SubmitAction("doesNotExist", nil, "")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, float64(0), host.GetState()["counter"])
}

func TestInvalidInputRejectsAction(t *testing.T) {
	roomID := freshRoom()
	hostTr, err := registry.New(roomID, "host", true)
	require.NoError(t, err)

	host, err := New(counterDefinition(), hostTr, Config{IsHost: true})
	require.NoError(t, err)
	defer host.Destroy()

	host.SubmitAction("validated", nil, "")
	time.Sleep(20 * time.Millisecond)
	_, ok := host.GetState()["lastInput"]
	assert.False(t, ok)

	host.SubmitAction("validated", "ok", "")
	waitFor(t, func() bool {
		_, ok := host.GetState()["lastInput"]
		return ok
	})
}

func TestPanickingActionRollsBackState(t *testing.T) {
	roomID := freshRoom()
	hostTr, err := registry.New(roomID, "host", true)
	require.NoError(t, err)

	host, err := New(counterDefinition(), hostTr, Config{IsHost: true})
	require.NoError(t, err)
	defer host.Destroy()

	host.SubmitAction("increment", nil, "")
	waitFor(t, func() bool { return host.GetState()["counter"] == float64(1) })

	host.SubmitAction("explode", nil, "")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, float64(1), host.GetState()["counter"])
}

func TestOnChangeAndOnPatchListeners(t *testing.T) {
	roomID := freshRoom()
	hostTr, err := registry.New(roomID, "host", true)
	require.NoError(t, err)

	host, err := New(counterDefinition(), hostTr, Config{IsHost: true})
	require.NoError(t, err)
	defer host.Destroy()

	changeCount := 0
	unsubChange := host.OnChange(func() { changeCount++ })
	var lastPatchCount int
	unsubPatch := host.OnPatch(func(patches []diffpatch.Patch) { lastPatchCount = len(patches) })

	host.SubmitAction("increment", nil, "")
	waitFor(t, func() bool { return changeCount > 0 })
	assert.Greater(t, lastPatchCount, 0)

	unsubChange()
	unsubPatch()
}

func TestOnEventFiresForEmittedEvents(t *testing.T) {
	roomID := freshRoom()
	hostTr, err := registry.New(roomID, "host", true)
	require.NoError(t, err)

	host, err := New(counterDefinition(), hostTr, Config{IsHost: true})
	require.NoError(t, err)
	defer host.Destroy()

	received := make(chan any, 1)
	host.OnEvent("incremented", func(payload any) { received <- payload })

	host.SubmitAction("increment", nil, "")

	select {
	case payload := <-received:
		m, ok := payload.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "host", m["by"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestDestroyIsIdempotentAndStopsProcessing(t *testing.T) {
	roomID := freshRoom()
	hostTr, err := registry.New(roomID, "host", true)
	require.NoError(t, err)

	host, err := New(counterDefinition(), hostTr, Config{IsHost: true})
	require.NoError(t, err)

	host.Destroy()
	host.Destroy() // must not panic

	host.SubmitAction("increment", nil, "")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, float64(0), host.GetState()["counter"])
}

func lobbyDefinition(minPlayers int) *game.Definition {
	def := counterDefinition()
	cfg := lobby.NewConfig(minPlayers)
	def.Lobby = &cfg
	return def
}

func TestLobbyReadyUpStartsGame(t *testing.T) {
	roomID := freshRoom()
	hostTr, err := registry.New(roomID, "host", true)
	require.NoError(t, err)
	clientTr, err := registry.New(roomID, "client", false)
	require.NoError(t, err)

	def := lobbyDefinition(2)
	def.Lobby.RequireAllReady = true

	host, err := New(def, hostTr, Config{IsHost: true, PlayerIDs: []string{"host", "client"}})
	require.NoError(t, err)
	defer host.Destroy()

	client, err := New(def, clientTr, Config{IsHost: false})
	require.NoError(t, err)
	defer client.Destroy()

	host.SubmitAction("__lobbyReady", true, "host")
	host.SubmitAction("__lobbyReady", true, "client")

	waitFor(t, func() bool {
		lm, ok := host.GetState()["__lobby"].(map[string]any)
		return ok && lm["phase"] == "playing"
	})
}

// TestLobbyLocksTransportWhenEnteringPlayingWithoutLateJoin exercises
// spec §4.9's "on entering playing, if allowLateJoin === false, call
// transport.lock()": the registry transport enforces the rejection at the
// transport layer, so a would-be late joiner never even gets to construct
// a Transport, let alone a Runtime.
func TestLobbyLocksTransportWhenEnteringPlayingWithoutLateJoin(t *testing.T) {
	roomID := freshRoom()
	hostTr, err := registry.New(roomID, "host", true)
	require.NoError(t, err)

	def := lobbyDefinition(1)
	def.Lobby.AllowLateJoin = false

	host, err := New(def, hostTr, Config{IsHost: true, PlayerIDs: []string{"host"}})
	require.NoError(t, err)
	defer host.Destroy()

	host.SubmitAction("__lobbyStart", nil, "host")
	waitFor(t, func() bool {
		lm, ok := host.GetState()["__lobby"].(map[string]any)
		return ok && lm["phase"] == "playing"
	})

	_, err = registry.New(roomID, "late", false)
	assert.ErrorIs(t, err, registry.ErrRoomLocked)
}

// TestLobbyHandlePeerJoinRejectsLateJoinDirectly exercises the lobby-layer
// rejection independently of any transport-level lock, for transports that
// never call Lockable.Lock() (e.g. one peer signaling over an unlockable
// transport).
func TestLobbyHandlePeerJoinRejectsLateJoinDirectly(t *testing.T) {
	cfg := lobby.NewConfig(1)
	cfg.AllowLateJoin = false
	state := lobby.NewState(cfg, []string{"host"}, 0)
	state.Start(0)

	result := state.HandlePeerJoin("late", 1)
	assert.Equal(t, lobby.JoinRejectedPlayingNoLateJoin, result)
	_, present := state.Players["late"]
	assert.False(t, present)
}

func TestSetupWithReservedKeyFailsConstruction(t *testing.T) {
	roomID := freshRoom()
	tr, err := registry.New(roomID, "host", true)
	require.NoError(t, err)

	def := &game.Definition{
		Setup: func(ctx game.SetupContext) map[string]any {
			return map[string]any{"__lobby": "not allowed"}
		},
	}

	_, err = New(def, tr, Config{IsHost: true})
	require.ErrorIs(t, err, ErrReservedStateKey)
}
