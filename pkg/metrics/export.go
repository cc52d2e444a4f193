package metrics

import (
	"net/http"
	"time"

	"contrib.go.opencensus.io/exporter/prometheus"
	"github.com/pkg/errors"
	prom "github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/stats/view"

	"github.com/spacetime-network/chronos/pkg/config"
)

// RegisterPrometheusEndpoint registers an opencensus exporter and returns an
// http server serving it on /metrics. The caller starts and stops the server.
func RegisterPrometheusEndpoint(cfg *config.MetricsConfig) (*http.Server, error) {
	registry := prom.NewRegistry()
	if err := registry.Register(prom.NewGoCollector()); err != nil {
		return nil, errors.Wrap(err, "register go collector")
	}

	pe, err := prometheus.NewExporter(prometheus.Options{
		Namespace: "chronos",
		Registry:  registry,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create prometheus exporter")
	}

	view.RegisterExporter(pe)
	interval := cfg.ReportInterval.Duration()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	view.SetReportingPeriod(interval)

	mux := http.NewServeMux()
	mux.Handle("/metrics", pe)
	return &http.Server{Addr: cfg.PrometheusEndpoint, Handler: mux}, nil
}
