// Package metricsbridge mirrors a bus.MetricsCollector into a Prometheus
// registry, so existing scrape/alerting infrastructure sees the same
// counters, histograms, and gauges the bus exposes through Metrics().
package metricsbridge

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaybus/relaybus/pkg/bus"
)

// PrometheusRegisterer implements bus.Registerer by wrapping each bus
// metric in a matching Prometheus collector registered under namespace.
type PrometheusRegisterer struct {
	namespace string
	registry  *prometheus.Registry

	mu       sync.Mutex
	counters map[string]prometheus.Counter
	gauges   map[string]*prometheus.GaugeVec
	// histograms are mirrored lazily: Prometheus histograms need fixed
	// buckets up front and don't support post-hoc re-observation of
	// already-collected samples, so we snapshot on every Collect via a
	// prometheus.Collector rather than pushing each Observe through.
	histSources map[string]*bus.Histogram
}

// NewPrometheusRegisterer builds a bridge backed by its own
// prometheus.Registry. Call Registry() to obtain it for an HTTP handler.
func NewPrometheusRegisterer(namespace string) *PrometheusRegisterer {
	return &PrometheusRegisterer{
		namespace:   namespace,
		registry:    prometheus.NewRegistry(),
		counters:    make(map[string]prometheus.Counter),
		gauges:      make(map[string]*prometheus.GaugeVec),
		histSources: make(map[string]*bus.Histogram),
	}
}

func (p *PrometheusRegisterer) Registry() *prometheus.Registry { return p.registry }

func (p *PrometheusRegisterer) RegisterCounter(name string, c *bus.Counter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.counters[name]; ok {
		return
	}
	pc := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: p.namespace,
		Name:      name,
	}, c.Get)
	p.registry.MustRegister(pc)
	p.counters[name] = pc
}

func (p *PrometheusRegisterer) RegisterGauge(name string, g *bus.Gauge) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.gauges[name]; ok {
		return
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: p.namespace,
		Name:      name,
	}, []string{"label"})
	p.registry.MustRegister(&gaugeVecCollector{vec: vec, source: g})
	p.gauges[name] = vec
}

func (p *PrometheusRegisterer) RegisterHistogram(name string, h *bus.Histogram) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.histSources[name]; ok {
		return
	}
	p.histSources[name] = h
	p.registry.MustRegister(&histogramCollector{name: p.namespace + "_" + name, source: h})
}

// gaugeVecCollector re-derives its Prometheus values from the bus Gauge on
// every Collect, since *bus.Gauge (not Prometheus) is the source of truth.
type gaugeVecCollector struct {
	vec    *prometheus.GaugeVec
	source *bus.Gauge
}

func (c *gaugeVecCollector) Describe(ch chan<- *prometheus.Desc) {
	c.vec.Describe(ch)
}

func (c *gaugeVecCollector) Collect(ch chan<- prometheus.Metric) {
	c.vec.Reset()
	for label, v := range c.source.Snapshot() {
		if label == "" {
			label = "default"
		}
		c.vec.WithLabelValues(label).Set(v)
	}
	c.vec.Collect(ch)
}

// histogramCollector exposes a bus.Histogram's bucket counts and sum as a
// native Prometheus histogram metric, recomputed on every Collect.
type histogramCollector struct {
	name   string
	source *bus.Histogram
	desc   *prometheus.Desc
}

func (c *histogramCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.descriptor()
}

func (c *histogramCollector) descriptor() *prometheus.Desc {
	if c.desc == nil {
		c.desc = prometheus.NewDesc(c.name, "bus histogram mirrored from MetricsCollector", nil, nil)
	}
	return c.desc
}

func (c *histogramCollector) Collect(ch chan<- prometheus.Metric) {
	bounds := c.source.Buckets()
	counts := c.source.BucketCounts()
	buckets := make(map[float64]uint64, len(bounds))
	for _, b := range bounds {
		label := fmt.Sprintf("%v", b)
		buckets[b] = counts[label]
	}
	m, err := prometheus.NewConstHistogram(c.descriptor(), uint64(c.source.Count()), c.source.Sum(), buckets)
	if err != nil {
		return
	}
	ch <- m
}
