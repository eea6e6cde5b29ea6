// Package prometheus provides Prometheus metrics exporters for agent sessions.
package prometheus

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultReadHeaderTimeout = 10 * time.Second

// ErrExporterRunning is returned when Serve is called on a serving exporter.
var ErrExporterRunning = errors.New("metrics exporter already serving")

// ExporterOption configures an [Exporter].
type ExporterOption func(*exporterOptions)

type exporterOptions struct {
	registry      *prometheus.Registry
	buildVersion  string
	buildCommit   string
	skipCollected bool
}

// WithRegistry serves reg instead of a fresh registry. Session metrics and
// process collectors are not added to a supplied registry.
func WithRegistry(reg *prometheus.Registry) ExporterOption {
	return func(o *exporterOptions) {
		o.registry = reg
		o.skipCollected = true
	}
}

// WithBuildInfo exports a constant build_info gauge labelled with the
// binary's version and commit.
func WithBuildInfo(version, commit string) ExporterOption {
	return func(o *exporterOptions) {
		o.buildVersion = version
		o.buildCommit = commit
	}
}

// Exporter serves Prometheus metrics over HTTP.
type Exporter struct {
	addr     string
	registry *prometheus.Registry

	mu     sync.Mutex
	server *http.Server
	closed bool
}

// NewExporter creates an exporter for addr. Unless a registry is supplied it
// registers every session metric plus Go runtime and process collectors.
func NewExporter(addr string, opts ...ExporterOption) *Exporter {
	var o exporterOptions
	for _, opt := range opts {
		opt(&o)
	}
	reg := o.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if !o.skipCollected {
		reg.MustRegister(allMetrics...)
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if o.buildVersion != "" {
		reg.MustRegister(buildInfo(o.buildVersion, o.buildCommit))
	}
	return &Exporter{addr: addr, registry: reg}
}

func buildInfo(version, commit string) prometheus.Collector {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "build_info",
		Help:        "Build information of the running agent binary",
		ConstLabels: prometheus.Labels{"version": version, "commit": commit},
	})
	g.Set(1)
	return g
}

// HostedSessions returns a gauge reporting fn() at scrape time. The agent
// host registers it to expose its live session count next to the
// event-driven sessions_active gauge.
func HostedSessions(fn func() int) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hosted_sessions",
		Help:      "Sessions currently attached to the agent host",
	}, func() float64 { return float64(fn()) })
}

// Registry returns the underlying Prometheus registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Addr returns the configured listen address.
func (e *Exporter) Addr() string {
	return e.addr
}

// Handler serves the registry in OpenMetrics format when the scraper asks for it.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func (e *Exporter) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", e.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Serve serves /metrics and /health on ln until Shutdown. It returns nil
// after a graceful shutdown, including one that happened before Serve.
func (e *Exporter) Serve(ln net.Listener) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	if e.server != nil {
		e.mu.Unlock()
		return ErrExporterRunning
	}
	srv := &http.Server{
		Handler:           e.mux(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	e.server = srv
	e.mu.Unlock()

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address and calls Serve.
func (e *Exporter) ListenAndServe() error {
	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return err
	}
	return e.Serve(ln)
}

// Shutdown gracefully stops the exporter. It is final: later Serve calls
// return immediately.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	srv := e.server
	e.closed = true
	e.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// MustRegister registers additional collectors and panics on conflict.
func (e *Exporter) MustRegister(cs ...prometheus.Collector) {
	e.registry.MustRegister(cs...)
}

// Register registers an additional collector.
func (e *Exporter) Register(c prometheus.Collector) error {
	return e.registry.Register(c)
}
