package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterIncAccumulates(t *testing.T) {
	c := &Counter{}
	c.Inc(1)
	c.Inc(2.5)
	assert.Equal(t, 3.5, c.Get())
}

func TestCounterNegativeIncrementPanics(t *testing.T) {
	c := &Counter{}
	assert.Panics(t, func() { c.Inc(-1) })
}

func TestGaugeSetIncDecPerLabel(t *testing.T) {
	g := newGauge()
	g.Set("a", 5)
	g.Inc("a", 2)
	g.Dec("a", 1)
	g.Set("b", 10)

	assert.Equal(t, 6.0, g.Get("a"))
	assert.Equal(t, 10.0, g.Get("b"))
	assert.Len(t, g.Snapshot(), 2)
}

func TestHistogramPercentileLinearInterpolation(t *testing.T) {
	h := newHistogram(DefaultHistogramBucketsMillis)
	for _, v := range []float64{10, 20, 30, 40} {
		h.Observe(v)
	}
	// n=4, p50 -> pos = (4-1)*50/100 = 1.5 -> interpolate between sorted[1]=20 and sorted[2]=30
	p50, ok := h.Percentile(50)
	require.True(t, ok)
	assert.InDelta(t, 25.0, p50, 1e-9)

	p0, ok := h.Percentile(0)
	require.True(t, ok)
	assert.Equal(t, 10.0, p0)

	p100, ok := h.Percentile(100)
	require.True(t, ok)
	assert.Equal(t, 40.0, p100)
}

func TestHistogramPercentileEmptyReturnsFalse(t *testing.T) {
	h := newHistogram(DefaultHistogramBucketsMillis)
	_, ok := h.Percentile(50)
	assert.False(t, ok)
}

func TestHistogramPercentileOutOfRangePanics(t *testing.T) {
	h := newHistogram(DefaultHistogramBucketsMillis)
	assert.Panics(t, func() { h.Percentile(101) })
	assert.Panics(t, func() { h.Percentile(-1) })
}

func TestHistogramBucketCountsCumulativeWithInfOverflow(t *testing.T) {
	h := newHistogram([]float64{10, 20})
	h.Observe(5)
	h.Observe(15)
	h.Observe(25)

	counts := h.BucketCounts()
	assert.Equal(t, uint64(1), counts["10"])
	assert.Equal(t, uint64(2), counts["20"])
	assert.Equal(t, uint64(3), counts["+Inf"])
}

func TestHistogramBucketsReturnsSortedCopy(t *testing.T) {
	h := newHistogram([]float64{50, 10, 25})
	assert.Equal(t, []float64{10, 25, 50}, h.Buckets())

	// mutating the returned slice must not affect the histogram's own state
	b := h.Buckets()
	b[0] = 999
	assert.Equal(t, []float64{10, 25, 50}, h.Buckets())
}

func TestHistogramClearResetsSamplesAndSum(t *testing.T) {
	h := newHistogram(DefaultHistogramBucketsMillis)
	h.Observe(1)
	h.Observe(2)
	h.Clear()
	assert.Equal(t, 0, h.Count())
	assert.Equal(t, 0.0, h.Sum())
}

func TestMetricsCollectorPreregistersCanonicalSet(t *testing.T) {
	mc := NewMetricsCollector()
	for _, name := range []string{
		MetricEventsPublishedTotal, MetricEventsProcessedTotal, MetricEventsFailedTotal,
		MetricCommandsSentTotal, MetricCommandsProcessedTotal, MetricCommandsFailedTotal,
	} {
		assert.NotNil(t, mc.Counter(name), "expected counter %s pre-registered", name)
	}
	for _, name := range []string{MetricEventProcessingDuration, MetricCommandProcessingDuration} {
		assert.NotNil(t, mc.Histogram(name), "expected histogram %s pre-registered", name)
	}
	for _, name := range []string{
		MetricQueueSize, MetricBackpressureActive, MetricCircuitBreakerState,
		MetricDeadLetterQueueSize, MetricActiveSessions, MetricRegisteredHandlers,
	} {
		assert.NotNil(t, mc.Gauge(name), "expected gauge %s pre-registered", name)
	}
}

func TestMetricsCollectorRegisterIsIdempotent(t *testing.T) {
	mc := NewMetricsCollector()
	c1 := mc.RegisterCounter("custom_total")
	c2 := mc.RegisterCounter("custom_total")
	assert.Same(t, c1, c2)
}

type recordingRegisterer struct {
	mu         sync.Mutex
	counters   []string
	gauges     []string
	histograms []string
}

func (r *recordingRegisterer) RegisterCounter(name string, c *Counter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = append(r.counters, name)
}

func (r *recordingRegisterer) RegisterGauge(name string, g *Gauge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges = append(r.gauges, name)
}

func (r *recordingRegisterer) RegisterHistogram(name string, h *Histogram) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histograms = append(r.histograms, name)
}

func TestMetricsCollectorSetRegistererMirrorsExistingAndFuture(t *testing.T) {
	mc := NewMetricsCollector()
	reg := &recordingRegisterer{}
	mc.SetRegisterer(reg)

	assert.Contains(t, reg.counters, MetricCommandsSentTotal)
	assert.Contains(t, reg.gauges, MetricQueueSize)
	assert.Contains(t, reg.histograms, MetricCommandProcessingDuration)

	mc.RegisterCounter("late_counter")
	assert.Contains(t, reg.counters, "late_counter")
}

func TestMetricsCollectorSnapshotIncludesPercentiles(t *testing.T) {
	mc := NewMetricsCollector()
	mc.IncCounter(MetricCommandsSentTotal, 1)
	mc.Observe(MetricCommandProcessingDuration, 42)
	mc.SetGauge(MetricQueueSize, "", 7)

	snap := mc.Snapshot()
	assert.Equal(t, 1.0, snap.Counters[MetricCommandsSentTotal])
	assert.Equal(t, 7.0, snap.Gauges[MetricQueueSize][""])
	require.Contains(t, snap.Histograms, MetricCommandProcessingDuration)
	assert.Equal(t, 1, snap.Histograms[MetricCommandProcessingDuration].Count)
	assert.Equal(t, 42.0, snap.Histograms[MetricCommandProcessingDuration].Percentile["p50"])
}

func TestMetricsCollectorResetZeroesWithoutUnregistering(t *testing.T) {
	mc := NewMetricsCollector()
	mc.IncCounter(MetricCommandsSentTotal, 5)
	mc.Observe(MetricCommandProcessingDuration, 10)
	mc.SetGauge(MetricQueueSize, "", 3)

	mc.Reset()

	assert.Equal(t, 0.0, mc.Counter(MetricCommandsSentTotal).Get())
	assert.Equal(t, 0, mc.Histogram(MetricCommandProcessingDuration).Count())
	assert.Equal(t, 0.0, mc.Gauge(MetricQueueSize).Get(""))
}
