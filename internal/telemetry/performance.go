package telemetry

import (
	"context"
	"runtime"
	"time"
)

// RuntimeSampler periodically records process metrics into a collector.
type RuntimeSampler struct {
	collector *Collector
	interval  time.Duration
	startTime time.Time
	lastNumGC uint32
}

func NewRuntimeSampler(collector *Collector, interval time.Duration) *RuntimeSampler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &RuntimeSampler{collector: collector, interval: interval, startTime: time.Now()}
}

// Run samples until ctx ends.
func (rs *RuntimeSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.Sample()
		}
	}
}

// Sample records current process metrics once.
func (rs *RuntimeSampler) Sample() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	labels := map[string]string{"component": "system"}

	rs.collector.Gauge("mltaskd_memory_heap_bytes", float64(m.HeapAlloc), labels)
	rs.collector.Gauge("mltaskd_memory_heap_sys_bytes", float64(m.HeapSys), labels)
	rs.collector.Gauge("mltaskd_memory_stack_bytes", float64(m.StackSys), labels)
	rs.collector.Gauge("mltaskd_memory_gc_pause_ns", float64(m.PauseNs[(m.NumGC+255)%256]), labels)

	rs.collector.Counter("mltaskd_gc_total", float64(m.NumGC-rs.lastNumGC), labels)
	rs.collector.Gauge("mltaskd_goroutines", float64(runtime.NumGoroutine()), labels)
	rs.collector.Gauge("mltaskd_uptime_seconds", time.Since(rs.startTime).Seconds(), labels)

	rs.lastNumGC = m.NumGC
}

// TimerScope represents a scoped timer for measuring durations
type TimerScope struct {
	startTime time.Time
	name      string
	labels    map[string]string
	collector *Collector
}

// NewTimerScope creates a new timer scope
func NewTimerScope(name string, labels map[string]string) *TimerScope {
	return &TimerScope{
		startTime: time.Now(),
		name:      name,
		labels:    labels,
		collector: GetGlobal(),
	}
}

// End completes the timer and records the duration
func (ts *TimerScope) End() time.Duration {
	duration := time.Since(ts.startTime)
	ts.collector.Timer(ts.name, duration, ts.labels)
	return duration
}
