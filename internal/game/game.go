// Package game holds the author-facing description of a synchronized game:
// its initial-state constructor, its action table, and its lifecycle
// hooks (spec §4.7). A Definition is pure data plus callbacks; it never
// touches a transport or the runtime's internals directly. The small
// named-handler-behind-an-interface shape generalizes the teacher's
// GameModeHandler pattern (game_modes.go) from "one of two built-in swap
// modes" to "any number of author-registered named actions."
package game

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/michael4d45/syncstate/internal/lobby"
	"github.com/michael4d45/syncstate/internal/rng"
)

// SetupContext is passed to Definition.Setup.
type SetupContext struct {
	PlayerIDs []string
	Random    *rng.Random
}

// ActionContext is passed to an ActionDef's Apply function.
type ActionContext struct {
	PlayerID string
	TargetID string
	IsHost   bool
	Random   *rng.Random
	Emit     func(name string, payload any)
}

// InputValidator validates an action's input before Apply runs. Return a
// non-nil error to reject the action with InvalidInput (spec §7).
type InputValidator func(input any) error

// ActionDef is one named, author-supplied state mutation.
type ActionDef struct {
	// Input optionally validates the action's input payload.
	Input InputValidator
	// Apply mutates state in place. The runtime snapshots state before
	// calling Apply and diffs against the result afterward.
	Apply func(state map[string]any, ctx ActionContext, input any)
}

// JSONSchemaValidator builds an InputValidator from a JSON Schema document,
// for authors who'd rather declare an action's input shape than hand-write
// a type-assertion chain. schema is parsed once at registration time; a
// malformed schema panics immediately rather than failing silently on the
// first action submission.
func JSONSchemaValidator(schema string) InputValidator {
	schemaLoader := gojsonschema.NewStringLoader(schema)
	if _, err := gojsonschema.NewSchema(schemaLoader); err != nil {
		panic(fmt.Sprintf("game: invalid JSON schema: %v", err))
	}
	compiled, _ := gojsonschema.NewSchema(schemaLoader)
	return func(input any) error {
		b, err := json.Marshal(input)
		if err != nil {
			return fmt.Errorf("game: input not JSON-encodable: %w", err)
		}
		result, err := compiled.Validate(gojsonschema.NewBytesLoader(b))
		if err != nil {
			return fmt.Errorf("game: schema validation error: %w", err)
		}
		if !result.Valid() {
			msgs := make([]string, 0, len(result.Errors()))
			for _, e := range result.Errors() {
				msgs = append(msgs, e.String())
			}
			return fmt.Errorf("game: input failed schema validation: %s", strings.Join(msgs, "; "))
		}
		return nil
	}
}

// PhaseChangeEvent is passed to Definition.OnPhaseChange.
type PhaseChangeEvent struct {
	From      lobby.Phase
	To        lobby.Phase
	Reason    lobby.TransitionReason
	Timestamp int64
}

// Definition is the complete description of a synchronized game (spec §4.7).
type Definition struct {
	// Setup is called identically on every peer at runtime construction to
	// produce the initial state. Any nondeterminism must flow through the
	// supplied random source.
	Setup func(ctx SetupContext) map[string]any

	// Actions maps action name to its handler. Built-in lobby actions are
	// merged in automatically when Lobby is set; author actions must not
	// use the "__lobby"-prefixed names.
	Actions map[string]ActionDef

	// OnPlayerJoin/OnPlayerLeave mutate state to reflect a presence change.
	// The runtime calls them on the host only, as part of its authoritative
	// presence update; other peers receive their effect through the patch
	// broadcast and do not run the hooks themselves.
	OnPlayerJoin  func(state map[string]any, playerID string)
	OnPlayerLeave func(state map[string]any, playerID string)

	// Lobby optionally enables the lobby subsystem (spec §4.9).
	Lobby *lobby.Config

	// OnPhaseChange/OnPlayerReady are lobby lifecycle hooks; nil when Lobby
	// is nil.
	OnPhaseChange func(state map[string]any, ev PhaseChangeEvent)
	OnPlayerReady func(state map[string]any, playerID string, ready bool)
}
