package lobby

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStatePrePopulatesAllKnownPeers(t *testing.T) {
	s := NewState(NewConfig(2), []string{"host", "c1", "c2"}, 1000)
	assert.Len(t, s.Players, 3)
	assert.Equal(t, PhaseLobby, s.Phase)
}

func TestEvaluateStartConditionsRequiresMinPlayers(t *testing.T) {
	cfg := NewConfig(3)
	s := NewState(cfg, []string{"host", "c1"}, 0)
	transitioned, _ := s.EvaluateStartConditions(0)
	assert.False(t, transitioned)
	assert.Equal(t, PhaseLobby, s.Phase)
}

func TestEvaluateStartConditionsWithRequireAllReady(t *testing.T) {
	cfg := NewConfig(2)
	cfg.RequireAllReady = true
	s := NewState(cfg, []string{"host", "c1"}, 0)

	transitioned, _ := s.EvaluateStartConditions(10)
	require.False(t, transitioned)

	require.True(t, s.SetReady("host", true))
	require.True(t, s.SetReady("c1", true))

	transitioned, reason := s.EvaluateStartConditions(10)
	assert.True(t, transitioned)
	assert.Equal(t, ReasonAllReady, reason)
	assert.Equal(t, PhasePlaying, s.Phase)
	require.NotNil(t, s.StartedAt)
	assert.Equal(t, int64(10), *s.StartedAt)
}

func TestEvaluateStartConditionsTimeoutFallback(t *testing.T) {
	cfg := NewConfig(2)
	cfg.RequireAllReady = true
	cfg.AutoStartTimeout = 5000
	s := NewState(cfg, []string{"host", "c1"}, 1000)

	transitioned, _ := s.EvaluateStartConditions(3000)
	assert.False(t, transitioned)

	transitioned, reason := s.EvaluateStartConditions(6001)
	assert.True(t, transitioned)
	assert.Equal(t, ReasonTimeout, reason)
}

func TestHandlePeerJoinRejectsLateJoinDuringPlaying(t *testing.T) {
	cfg := NewConfig(1)
	cfg.AllowLateJoin = false
	s := NewState(cfg, []string{"host"}, 0)
	s.Start(0)

	result := s.HandlePeerJoin("late", 100)
	assert.Equal(t, JoinRejectedPlayingNoLateJoin, result)
	assert.NotContains(t, s.Players, "late")
}

func TestHandlePeerJoinRejectsWhenFull(t *testing.T) {
	cfg := NewConfig(1)
	cfg.MaxPlayers = 2
	s := NewState(cfg, []string{"host", "c1"}, 0)

	result := s.HandlePeerJoin("c2", 0)
	assert.Equal(t, JoinRejectedFull, result)
}

func TestHandlePeerLeaveRemovesPresence(t *testing.T) {
	s := NewState(NewConfig(1), []string{"host", "c1"}, 0)
	assert.True(t, s.HandlePeerLeave("c1"))
	assert.NotContains(t, s.Players, "c1")
	assert.False(t, s.HandlePeerLeave("c1"))
}

func TestReconcileRemovesUndeclaredPeers(t *testing.T) {
	s := NewState(NewConfig(1), []string{"host", "c1", "c2"}, 0)
	removed := s.Reconcile(map[string]bool{"host": true, "c1": true})
	assert.ElementsMatch(t, []string{"c2"}, removed)
	assert.NotContains(t, s.Players, "c2")
}

func TestToMapFromMapRoundTrip(t *testing.T) {
	cfg := NewConfig(2)
	cfg.RequireAllReady = true
	s := NewState(cfg, []string{"host", "c1"}, 500)
	require.True(t, s.SetReady("host", true))

	m := s.ToMap()
	back := FromMap(m)

	assert.Equal(t, s.Phase, back.Phase)
	assert.Equal(t, s.Config, back.Config)
	assert.True(t, back.Players["host"].Ready)
	assert.Equal(t, int64(500), back.Players["host"].JoinedAt)
}
