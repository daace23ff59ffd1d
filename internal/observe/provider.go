// SPDX-License-Identifier: MIT
package observe

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Provider owns the meter provider and the registry behind /metrics.
type Provider struct {
	Metrics *Metrics

	handler  http.Handler
	shutdown func(context.Context) error
}

// NewProvider builds the OTel meter provider with a Prometheus exporter on
// a private registry, plus Go runtime and process collectors. Disabled
// providers hand out Noop metrics and a 404 handler.
func NewProvider(enabled bool) (*Provider, error) {
	if !enabled {
		return &Provider{
			Metrics:  Noop(),
			handler:  http.NotFoundHandler(),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp))

	met, err := NewMetrics(mp)
	if err != nil {
		mp.Shutdown(context.Background())
		return nil, fmt.Errorf("observe: instruments: %w", err)
	}
	return &Provider{
		Metrics:  met,
		handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		shutdown: mp.Shutdown,
	}, nil
}

// Handler serves the Prometheus exposition format.
func (p *Provider) Handler() http.Handler { return p.handler }

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error { return p.shutdown(ctx) }
