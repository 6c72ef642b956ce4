package cli

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"fluence-peer/core"
)

// serveMetrics mounts the engine's Prometheus handler and a liveness probe
// on a small chi router and blocks serving it until the process exits.
func serveMetrics(p *core.Peer, addr string) {
	if addr == "" {
		addr = ":9090"
	}
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", p.Engine.MetricsHandler())

	logrus.WithField("addr", addr).Info("serving metrics")
	if err := http.ListenAndServe(addr, r); err != nil {
		logrus.WithError(err).Warn("metrics server stopped")
	}
}
