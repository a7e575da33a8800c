package main

import (
	"fmt"
	"net/http"

	"github.com/cuemby/pagestore/pkg/log"
	"github.com/cuemby/pagestore/pkg/metrics"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the store and serve Prometheus metrics and health endpoints",
	Long: `serve opens the persistence root named by --dir and listens on
--addr, exposing /metrics, /health, /ready, and /live -- for running
pagestore as a sidecar that other processes poll rather than embed
directly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		s, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		metrics.SetVersion(Version)
		metrics.RegisterComponent("store", true, "opened")
		metrics.RegisterComponent("txn", true, "scheduler running")
		metrics.RegisterComponent("retention", true, "idle")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())

		log.Logger.Info().Str("addr", addr).Str("dir", s.Info().CurrentSnapshot.String()).Msg("serving pagestore metrics")
		fmt.Printf("listening on %s\n", addr)
		return http.ListenAndServe(addr, mux)
	},
}

func init() {
	serveCmd.Flags().String("addr", ":9090", "Listen address for the metrics/health HTTP server")
}
