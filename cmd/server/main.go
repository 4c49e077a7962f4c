// Command server runs the postMessage-bridge relay (spec §4.5): a websocket
// hub that lets out-of-process peers exchange WireMessages by room id. It is
// transparent to game logic — every Definition runs unmodified whether its
// peers talk over this relay, the in-process registry, or the P2P mesh.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/michael4d45/syncstate/internal/logger"
	"github.com/michael4d45/syncstate/internal/transport/bridge"
)

var log = logger.New("cmd/server")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var addr string
	var allowedOrigins []string
	var verbose bool

	root := &cobra.Command{
		Use:   "server",
		Short: "Run the syncstate bridge relay",
		Long: "server hosts the websocket relay that out-of-process bridge transports " +
			"connect to (spec §4.5), plus a /metrics endpoint exposing connection and " +
			"message-throughput gauges.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logger.SetLevel(logger.LevelDebug)
			}
			return runServe(addr, allowedOrigins)
		},
	}

	root.Flags().StringVar(&addr, "addr", ":8080", "address to bind the relay HTTP server on")
	root.Flags().StringSliceVar(&allowedOrigins, "allowed-origins", nil,
		"origins allowed to upgrade to websocket (empty allows any origin)")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")

	return root
}

func runServe(addr string, allowedOrigins []string) error {
	relay := bridge.NewRelay()
	relay.AllowedOrigins = allowedOrigins

	reg := prometheus.NewRegistry()
	if err := relay.Register(reg); err != nil {
		return fmt.Errorf("registering relay metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", relay)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Log("relay listening on %s (allowed origins: %s)", addr, originsSummary(allowedOrigins))
	return srv.ListenAndServe()
}

func originsSummary(origins []string) string {
	if len(origins) == 0 {
		return "any"
	}
	return strings.Join(origins, ", ")
}
