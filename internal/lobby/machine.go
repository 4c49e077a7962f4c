package lobby

// NewState constructs the initial "__lobby" state for a runtime (spec
// §4.9). playerIDs must include self plus every peer known at construction
// time — pre-populating with only self causes new clients to briefly
// believe they are alone.
func NewState(config Config, playerIDs []string, now int64) *State {
	s := &State{
		Phase:   PhaseLobby,
		Players: make(map[string]PlayerPresence, len(playerIDs)),
		Config:  config,
	}
	s.phaseEnteredAt = now
	for _, id := range playerIDs {
		s.Players[id] = PlayerPresence{PlayerID: id, JoinedAt: now}
	}
	return s
}

// SetReady updates one player's ready flag. Returns false if playerID is
// not present.
func (s *State) SetReady(playerID string, ready bool) bool {
	p, ok := s.Players[playerID]
	if !ok {
		return false
	}
	p.Ready = ready
	s.Players[playerID] = p
	return true
}

func (s *State) allReady() bool {
	for _, p := range s.Players {
		if !p.Ready {
			return false
		}
	}
	return true
}

// EvaluateStartConditions checks spec §4.9's "Start conditions" after any
// presence or ready change, transitioning lobby -> playing when satisfied.
// now is used both to test the autoStartTimeout and to stamp startedAt.
func (s *State) EvaluateStartConditions(now int64) (transitioned bool, reason TransitionReason) {
	if s.Phase != PhaseLobby {
		return false, ""
	}
	if len(s.Players) < s.Config.MinPlayers {
		return false, ""
	}
	if !s.Config.RequireAllReady || s.allReady() {
		s.enterPhase(PhasePlaying, now)
		return true, ReasonAllReady
	}
	if s.Config.AutoStartTimeout > 0 && now-s.phaseEnteredAt >= s.Config.AutoStartTimeout {
		s.enterPhase(PhasePlaying, now)
		return true, ReasonTimeout
	}
	return false, ""
}

// Start forces a manual transition to "playing" (the __lobbyStart action
// called directly by the host). Returns false if not currently in "lobby".
func (s *State) Start(now int64) bool {
	if s.Phase != PhaseLobby {
		return false
	}
	s.enterPhase(PhasePlaying, now)
	return true
}

// End transitions to "ended" (the __lobbyEnd action). Idempotent: returns
// false if already ended.
func (s *State) End(now int64) bool {
	if s.Phase == PhaseEnded {
		return false
	}
	s.enterPhase(PhaseEnded, now)
	return true
}

func (s *State) enterPhase(to Phase, now int64) {
	s.Phase = to
	s.phaseEnteredAt = now
	switch to {
	case PhasePlaying:
		started := now
		s.StartedAt = &started
	case PhaseEnded:
		ended := now
		s.EndedAt = &ended
	}
}

// JoinResult reports the outcome of HandlePeerJoin.
type JoinResult int

const (
	JoinAdded JoinResult = iota
	JoinRejectedPlayingNoLateJoin
	JoinRejectedFull
	JoinAlreadyPresent
)

// HandlePeerJoin applies spec §4.9's "Peer join handling" policy.
func (s *State) HandlePeerJoin(playerID string, now int64) JoinResult {
	if _, exists := s.Players[playerID]; exists {
		return JoinAlreadyPresent
	}
	if s.Phase == PhasePlaying && !s.Config.AllowLateJoin {
		return JoinRejectedPlayingNoLateJoin
	}
	if s.Config.MaxPlayers > 0 && len(s.Players) >= s.Config.MaxPlayers {
		return JoinRejectedFull
	}
	s.Players[playerID] = PlayerPresence{PlayerID: playerID, JoinedAt: now}
	return JoinAdded
}

// HandlePeerLeave removes a player from the lobby. Returns false if the
// player was not present.
func (s *State) HandlePeerLeave(playerID string) bool {
	if _, ok := s.Players[playerID]; !ok {
		return false
	}
	delete(s.Players, playerID)
	return true
}

// Reconcile implements spec §4.9's host-only periodic reconciliation:
// every declared player not present in observed is removed. Returns the
// removed player ids so the caller can invoke OnPlayerLeave for each.
func (s *State) Reconcile(observed map[string]bool) []string {
	var removed []string
	for id := range s.Players {
		if !observed[id] {
			delete(s.Players, id)
			removed = append(removed, id)
		}
	}
	return removed
}
