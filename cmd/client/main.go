// Command client is a headless demo peer for the syncstate runtime: it
// joins a bridge relay room as either the host or a regular client, runs a
// small shared-counter Definition with a lobby attached, and lets the
// operator submit actions from stdin. It exists to exercise the full stack
// end to end (transport, runtime, lobby) from a terminal, the way the
// teacher's cmd/client drove a BizHawk instance — this one drives a toy
// game instead of an emulator.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michael4d45/syncstate/internal/game"
	"github.com/michael4d45/syncstate/internal/lobby"
	"github.com/michael4d45/syncstate/internal/logger"
	"github.com/michael4d45/syncstate/internal/runtime"
	"github.com/michael4d45/syncstate/internal/transport/bridge"
)

var log = logger.New("cmd/client")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "client",
		Short: "Join a syncstate room as host or peer",
	}
	root.AddCommand(newHostCmd(), newJoinCmd())
	return root
}

func newHostCmd() *cobra.Command {
	var relayURL, roomID, playerID string
	var minPlayers int
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Host a new room (authoritative peer)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(relayURL, roomID, playerID, true, minPlayers)
		},
	}
	cmd.Flags().StringVar(&relayURL, "relay", "ws://127.0.0.1:8080/ws", "bridge relay URL")
	cmd.Flags().StringVar(&roomID, "room", "demo", "room id to host")
	cmd.Flags().StringVar(&playerID, "player-id", "", "this peer's id (random if empty)")
	cmd.Flags().IntVar(&minPlayers, "min-players", 1, "lobby minPlayers")
	return cmd
}

func newJoinCmd() *cobra.Command {
	var relayURL, roomID, playerID string
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join an existing room as a client",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(relayURL, roomID, playerID, false, 0)
		},
	}
	cmd.Flags().StringVar(&relayURL, "relay", "ws://127.0.0.1:8080/ws", "bridge relay URL")
	cmd.Flags().StringVar(&roomID, "room", "demo", "room id to join")
	cmd.Flags().StringVar(&playerID, "player-id", "", "this peer's id (random if empty)")
	return cmd
}

func demoDefinition(minPlayers int) *game.Definition {
	cfg := lobby.NewConfig(minPlayers)
	return &game.Definition{
		Setup: func(ctx game.SetupContext) map[string]any {
			return map[string]any{"counter": float64(0), "log": []any{}}
		},
		Actions: map[string]game.ActionDef{
			"increment": {
				Apply: func(state map[string]any, ctx game.ActionContext, input any) {
					cur, _ := state["counter"].(float64)
					state["counter"] = cur + 1
					entries, _ := state["log"].([]any)
					state["log"] = append(entries, fmt.Sprintf("%s incremented", ctx.PlayerID))
					ctx.Emit("counterChanged", state["counter"])
				},
			},
		},
		Lobby: &cfg,
		OnPhaseChange: func(state map[string]any, ev game.PhaseChangeEvent) {
			log.Log("lobby phase %s -> %s (reason=%s)", ev.From, ev.To, ev.Reason)
		},
	}
}

func run(relayURL, roomID, playerID string, isHost bool, minPlayers int) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	child := bridge.NewChild(ctx, relayURL, roomID, playerID, isHost, bridge.ReconnectPolicy{})
	defer child.Close()

	rt, err := runtime.New(demoDefinition(minPlayers), child, runtime.Config{IsHost: isHost})
	if err != nil {
		return fmt.Errorf("constructing runtime: %w", err)
	}
	defer rt.Destroy()

	unsub := rt.OnChange(func() {
		b, _ := json.Marshal(rt.GetState())
		fmt.Printf("state: %s\n", b)
	})
	defer unsub()

	fmt.Printf("joined room=%s as player=%s (host=%v). Type an action name (e.g. increment) and press enter; Ctrl-C to quit.\n",
		roomID, rt.GetMyPlayerID(), isHost)

	go readActions(ctx, rt)

	<-ctx.Done()
	return nil
}

func readActions(ctx context.Context, rt *runtime.Runtime) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		name := parts[0]
		var input any
		if len(parts) > 1 {
			_ = json.Unmarshal([]byte(parts[1]), &input)
		}
		rt.SubmitAction(name, input, "")
	}
}
