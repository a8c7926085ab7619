// Package metrics holds the Prometheus collectors shared by the graph
// engine, the ingest consumer and the HTTP layer.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

const namespace = "gridgraph"

// Collector owns a private registry so each process (and each test) gets
// an independent set of series.
type Collector struct {
	registry *prometheus.Registry

	// Graph engine
	OpDuration           *prometheus.HistogramVec // op
	Ops                  *prometheus.CounterVec   // op, result
	InFlight             prometheus.Gauge
	NodesWritten         prometheus.Counter
	RelationshipsWritten prometheus.Counter

	// Ingest consumer
	IngestDuration prometheus.Histogram
	Ingest         *prometheus.CounterVec // result

	// HTTP
	HTTPRequests *prometheus.CounterVec   // route, status
	HTTPDuration *prometheus.HistogramVec // route
}

// New creates a Collector with every series registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		OpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "op_duration_seconds",
			Help:      "Graph engine operation latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		Ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_total",
			Help:      "Graph engine operations by outcome",
		}, []string{"op", "result"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight",
			Help:      "Graph engine operations currently running",
		}),
		NodesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_written_total",
			Help:      "Nodes written by Store",
		}),
		RelationshipsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relationships_written_total",
			Help:      "Relationships written by Store",
		}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Store request handling latency",
			Buckets:   prometheus.DefBuckets,
		}),
		Ingest: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_total",
			Help:      "Store requests handled",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served",
		}, []string{"route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	c.registry.MustRegister(
		c.OpDuration, c.Ops, c.InFlight, c.NodesWritten, c.RelationshipsWritten,
		c.IngestDuration, c.Ingest,
		c.HTTPRequests, c.HTTPDuration,
	)
	return c
}

// WithRuntime adds the Go runtime and process collectors. Binaries call it;
// tests leave it off to keep rendered output small.
func (c *Collector) WithRuntime() *Collector {
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry for extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Render gathers every family as exposition text. Gather errors render as
// an empty string; Handler reports them over HTTP instead.
func (c *Collector) Render() string {
	mfs, err := c.registry.Gather()
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(&b, mf); err != nil {
			return ""
		}
	}
	return b.String()
}
