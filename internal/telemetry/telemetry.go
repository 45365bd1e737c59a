package telemetry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
	Timer     MetricType = "timer"
)

// Metric represents a telemetry metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Series is the running aggregate of one metric name and label set. Counters
// sum, gauges keep the last value, histograms and timers keep count and sum.
type Series struct {
	Name   string            `json:"name"`
	Type   MetricType        `json:"type"`
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value"`
	Count  int64             `json:"count"`
	Sum    float64           `json:"sum"`
	Unit   string            `json:"unit,omitempty"`
}

// Exporter ships a batch of metrics somewhere.
type Exporter interface {
	Export(ctx context.Context, metrics []Metric) error
}

// Options configures a Collector.
type Options struct {
	Enabled       bool
	Exporter      Exporter
	FlushInterval time.Duration
	// MaxBuffered triggers an early flush.
	MaxBuffered int
}

// Collector manages telemetry collection
type Collector struct {
	mu       sync.RWMutex
	metrics  []Metric
	series   map[string]*Series
	enabled  bool
	exporter Exporter
	interval time.Duration
	maxBuf   int
	flushCh  chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewCollector creates a new telemetry collector. A disabled collector drops
// every metric.
func NewCollector(opts Options) *Collector {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 30 * time.Second
	}
	if opts.MaxBuffered <= 0 {
		opts.MaxBuffered = 100
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Collector{
		metrics:  make([]Metric, 0),
		series:   make(map[string]*Series),
		enabled:  opts.Enabled,
		exporter: opts.Exporter,
		interval: opts.FlushInterval,
		maxBuf:   opts.MaxBuffered,
		flushCh:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	if opts.Enabled {
		go c.periodicFlush()
	} else {
		close(c.done)
	}

	return c
}

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.addMetric(Metric{Name: name, Type: Counter, Value: value, Labels: labels})
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.addMetric(Metric{Name: name, Type: Gauge, Value: value, Labels: labels})
}

// Histogram records a histogram value
func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	c.addMetric(Metric{Name: name, Type: Histogram, Value: value, Labels: labels})
}

// Timer records a duration measurement
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	c.addMetric(Metric{
		Name:   name,
		Type:   Timer,
		Value:  float64(duration.Microseconds()) / 1000,
		Labels: labels,
		Unit:   "ms",
	})
}

func (c *Collector) addMetric(metric Metric) {
	if !c.enabled {
		return
	}
	metric.Timestamp = time.Now()
	metric.Labels = copyLabels(metric.Labels)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics = append(c.metrics, metric)
	c.aggregate(metric)

	if len(c.metrics) >= c.maxBuf {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// aggregate folds m into its series. Caller holds c.mu.
func (c *Collector) aggregate(m Metric) {
	key := seriesKey(m.Name, m.Labels)
	s, ok := c.series[key]
	if !ok {
		s = &Series{Name: m.Name, Type: m.Type, Labels: m.Labels, Unit: m.Unit}
		c.series[key] = s
	}
	switch m.Type {
	case Counter:
		s.Value += m.Value
	case Gauge:
		s.Value = m.Value
	default:
		s.Value = m.Value
		s.Count++
		s.Sum += m.Value
	}
}

// GetMetrics returns a copy of the metrics buffered since the last flush
func (c *Collector) GetMetrics() []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Metric, len(c.metrics))
	copy(result, c.metrics)
	return result
}

// Snapshot returns every series sorted by name and labels.
func (c *Collector) Snapshot() []Series {
	c.mu.RLock()
	out := make([]Series, 0, len(c.series))
	for _, s := range c.series {
		cp := *s
		cp.Labels = copyLabels(s.Labels)
		out = append(out, cp)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return seriesKey("", out[i].Labels) < seriesKey("", out[j].Labels)
	})
	return out
}

// FlushMetrics sends buffered metrics to the exporter, or logs them when
// there is none.
func (c *Collector) FlushMetrics(ctx context.Context) error {
	c.mu.Lock()
	metrics := make([]Metric, len(c.metrics))
	copy(metrics, c.metrics)
	c.metrics = c.metrics[:0]
	c.mu.Unlock()

	if len(metrics) == 0 {
		return nil
	}

	log.Debug().Int("count", len(metrics)).Msg("flushing telemetry metrics")

	if c.exporter != nil {
		return c.exporter.Export(ctx, metrics)
	}

	for _, metric := range metrics {
		log.Debug().
			Str("name", metric.Name).
			Str("type", string(metric.Type)).
			Float64("value", metric.Value).
			Interface("labels", metric.Labels).
			Time("timestamp", metric.Timestamp).
			Msg("telemetry_metric")
	}

	return nil
}

func (c *Collector) periodicFlush() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	flush := func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.interval)
		defer cancel()
		if err := c.FlushMetrics(ctx); err != nil {
			log.Warn().Err(err).Msg("telemetry flush failed")
		}
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			flush()
		case <-c.flushCh:
			flush()
		}
	}
}

// Shutdown stops the collector and flushes what is left.
func (c *Collector) Shutdown(ctx context.Context) error {
	c.cancel()
	<-c.done
	return c.FlushMetrics(ctx)
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func seriesKey(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

var (
	globalCollector atomic.Pointer[Collector]
	disabled        = NewCollector(Options{})
)

// InitGlobal installs c as the global collector and returns it.
func InitGlobal(c *Collector) *Collector {
	globalCollector.Store(c)
	return c
}

// GetGlobal returns the global collector, or a disabled one.
func GetGlobal() *Collector {
	if c := globalCollector.Load(); c != nil {
		return c
	}
	return disabled
}

// CounterGlobal increments a counter using the global collector
func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

// GaugeGlobal sets a gauge using the global collector
func GaugeGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Gauge(name, value, labels)
}

// HistogramGlobal records a histogram using the global collector
func HistogramGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Histogram(name, value, labels)
}

// TimerGlobal records a timer using the global collector
func TimerGlobal(name string, duration time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, duration, labels)
}

// Shutdown shuts down the global collector
func Shutdown(ctx context.Context) error {
	if c := globalCollector.Swap(nil); c != nil {
		return c.Shutdown(ctx)
	}
	return nil
}
