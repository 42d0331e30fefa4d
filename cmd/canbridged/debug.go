package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/canbridge/internal/bridge"
	"github.com/marmos91/canbridge/internal/ingest"
	"github.com/marmos91/canbridge/internal/logger"
	"github.com/marmos91/canbridge/internal/metrics"
)

// startDebugServer runs the small HTTP surface exposing /healthz, /readyz,
// and /metrics on its own listener, separate from the TCP wire protocol
// listener. "live" means the listener is accepting and at least one bus is
// not marked down; "ready" additionally requires a live SQL connection when
// the Ingest Pipeline is enabled.
func startDebugServer(addr string, br *bridge.Bridge, pipeline *ingest.Pipeline) func(context.Context) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		stats := br.Stats()
		if allBusesDown(stats) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(stats)
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(stats)
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		stats := br.Stats()
		ready := !allBusesDown(stats)
		if pipeline != nil {
			ready = ready && pipeline.Stats().SQLConnected
		}
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if h := metrics.Handler(); h != nil {
		r.Handle("/metrics", h)
	}

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("debug server stopped", "error", err)
		}
	}()

	return srv.Shutdown
}

func allBusesDown(stats bridge.Stats) bool {
	if len(stats.BusDown) == 0 {
		return false
	}
	for _, down := range stats.BusDown {
		if !down {
			return false
		}
	}
	return true
}
