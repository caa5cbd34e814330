package execsched

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openclaw/core/internal/clock"
	"github.com/openclaw/core/internal/wheel"
)

// unlabeledKey folds any label combination past MaxCardinality into a
// single catch-all bucket so a runaway label (e.g. a raw task ID) cannot
// blow up Prometheus's series count.
const unlabeledKey = ""
const overflowKey = "__other__"

type statKey struct {
	name     string
	labelKey string
}

// Aggregate accumulates sum/count/min/max for one (metric, folded-labels)
// bucket over the current flush window.
type Aggregate struct {
	Sum   float64
	Count float64
	Min   float64
	Max   float64
}

// Avg returns Sum/Count, or 0 if Count is 0.
func (a Aggregate) Avg() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / a.Count
}

// MetricPoint is one flushed aggregate, identified by name and the
// canonical (possibly folded) label key it was recorded under.
type MetricPoint struct {
	Name     string
	LabelKey string
	Aggregate
}

// Snapshot is emitted on every flush interval.
type Snapshot struct {
	TakenAtMs int64
	Metrics   []MetricPoint
}

// CollectorConfig bounds cardinality and flush cadence.
type CollectorConfig struct {
	MaxCardinality int
	FlushIntervalMs int64
	OnFlush        func(Snapshot)
}

// Collector is a cardinality-bounded metrics sink: Record accepts
// arbitrary label sets but folds any combination beyond MaxCardinality
// per metric name into "__other__", so a misbehaving caller degrades
// metrics resolution rather than Prometheus memory. It mirrors the
// application's own registry/Handler pattern, adding the folding layer
// the exec scheduler's task-labeled metrics need.
type Collector struct {
	mu  sync.Mutex
	clk clock.Clock
	cfg CollectorConfig

	seenLabelKeys map[string]map[string]struct{}
	aggregates    map[statKey]*Aggregate
	global        map[string]*Aggregate

	registry *prometheus.Registry
	gauge    *prometheus.GaugeVec

	w           *wheel.Wheel
	flushTimerID string
}

// NewCollector constructs a Collector with its own Prometheus registry.
func NewCollector(cfg CollectorConfig, clk clock.Clock) *Collector {
	if cfg.MaxCardinality <= 0 {
		cfg.MaxCardinality = 50
	}
	if cfg.FlushIntervalMs <= 0 {
		cfg.FlushIntervalMs = 15000
	}

	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "openclaw",
			Subsystem: "execsched",
			Name:      "metric_value",
			Help:      "Aggregated exec scheduler metrics, folded beyond configured label cardinality.",
		},
		[]string{"metric", "label_key", "stat"},
	)
	registry.MustRegister(gauge, collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}), collectors.NewGoCollector())

	return &Collector{
		clk:           clk,
		cfg:           cfg,
		seenLabelKeys: make(map[string]map[string]struct{}),
		aggregates:    make(map[statKey]*Aggregate),
		global:        make(map[string]*Aggregate),
		registry:      registry,
		gauge:         gauge,
		flushTimerID:  "execsched-metrics-flush",
	}
}

// Handler exposes the collector's Prometheus registry over HTTP.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Start arms a periodic flush on the given wheel.
func (c *Collector) Start(w *wheel.Wheel) {
	c.mu.Lock()
	c.w = w
	c.mu.Unlock()
	w.ScheduleInterval(c.flushTimerID, c.cfg.FlushIntervalMs, c.flush)
}

// Stop cancels the periodic flush, if armed.
func (c *Collector) Stop() {
	c.mu.Lock()
	w := c.w
	c.mu.Unlock()
	if w != nil {
		w.CancelInterval(c.flushTimerID)
	}
}

// Record folds value into the (name, labels) aggregate for the current
// window and into an always-unfolded global aggregate for name alone,
// used by the adaptive concurrency loop.
func (c *Collector) Record(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.labelKeyLocked(name, labels)
	agg := c.aggregates[statKey{name: name, labelKey: key}]
	if agg == nil {
		agg = &Aggregate{Min: value, Max: value}
		c.aggregates[statKey{name: name, labelKey: key}] = agg
	}
	addSample(agg, value)

	g := c.global[name]
	if g == nil {
		g = &Aggregate{Min: value, Max: value}
		c.global[name] = g
	}
	addSample(g, value)
}

func addSample(a *Aggregate, value float64) {
	a.Sum += value
	a.Count++
	if value < a.Min {
		a.Min = value
	}
	if value > a.Max {
		a.Max = value
	}
}

// labelKeyLocked returns the canonical label key for name/labels, folding
// into overflowKey once MaxCardinality distinct combinations have been
// seen for that metric name. Must be called with c.mu held.
func (c *Collector) labelKeyLocked(name string, labels map[string]string) string {
	canonical := canonicalizeLabels(labels)
	seen := c.seenLabelKeys[name]
	if seen == nil {
		seen = make(map[string]struct{})
		c.seenLabelKeys[name] = seen
	}
	if _, ok := seen[canonical]; ok {
		return canonical
	}
	if len(seen) < c.cfg.MaxCardinality {
		seen[canonical] = struct{}{}
		return canonical
	}
	return overflowKey
}

func canonicalizeLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return unlabeledKey
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}

// GlobalAverage returns the average of every sample recorded for name in
// the current window, ignoring labels, and whether any sample exists.
func (c *Collector) GlobalAverage(name string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.global[name]
	if !ok || g.Count == 0 {
		return 0, false
	}
	return g.Avg(), true
}

// flush publishes the current window's aggregates to Prometheus and the
// optional OnFlush callback, then resets the window.
func (c *Collector) flush() {
	c.mu.Lock()
	snap := Snapshot{TakenAtMs: c.clk.Now()}
	for key, agg := range c.aggregates {
		point := MetricPoint{Name: key.name, LabelKey: key.labelKey, Aggregate: *agg}
		snap.Metrics = append(snap.Metrics, point)

		avg := agg.Avg()
		labelKey := key.labelKey
		if labelKey == unlabeledKey {
			labelKey = "-"
		}
		c.gauge.WithLabelValues(key.name, labelKey, "avg").Set(avg)
		c.gauge.WithLabelValues(key.name, labelKey, "sum").Set(agg.Sum)
		c.gauge.WithLabelValues(key.name, labelKey, "count").Set(agg.Count)
		c.gauge.WithLabelValues(key.name, labelKey, "min").Set(agg.Min)
		c.gauge.WithLabelValues(key.name, labelKey, "max").Set(agg.Max)
	}
	c.aggregates = make(map[statKey]*Aggregate)
	c.global = make(map[string]*Aggregate)
	c.seenLabelKeys = make(map[string]map[string]struct{})
	onFlush := c.cfg.OnFlush
	c.mu.Unlock()

	if onFlush != nil {
		onFlush(snap)
	}
}

// CardinalityLabel is a convenience for building label maps with a single
// int field rendered as a string (e.g. retry attempt count).
func CardinalityLabel(n int) string {
	return strconv.Itoa(n)
}
