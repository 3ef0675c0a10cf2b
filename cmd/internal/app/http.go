package app

import (
	"context"
	"net/http"
	"time"

	"tidechat/cmd/internal/metrics"
	"tidechat/cmd/internal/realtime"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	store *Store,
	reg *metrics.Registry,
	ws *realtime.WSGateway,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDurable && !store.Location.Durable() {
			http.Error(w, "log not durable", http.StatusServiceUnavailable)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := store.Log.Head(ctx); err != nil {
			http.Error(w, "log not ready", http.StatusServiceUnavailable)
			log.Info("readyz.log.not_ready", "backend", string(store.Location.Backend), "err", err)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if reg != nil {
		mux.Handle("/metrics", reg.Handler())
	}

	mux.Handle("/ws", ws)
}
