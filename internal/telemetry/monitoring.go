package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check result
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// HealthCheckFunc probes one component.
type HealthCheckFunc func(ctx context.Context) HealthCheck

// HealthReport is the body of the health endpoint.
type HealthReport struct {
	Status    HealthStatus  `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Checks    []HealthCheck `json:"checks"`
}

// Monitor serves health checks and the metrics of a collector. Its handlers
// are mounted by the API server.
type Monitor struct {
	collector *Collector
	timeout   time.Duration

	mu           sync.RWMutex
	healthChecks map[string]HealthCheckFunc
}

func NewMonitor(collector *Collector) *Monitor {
	return &Monitor{
		collector:    collector,
		timeout:      5 * time.Second,
		healthChecks: make(map[string]HealthCheckFunc),
	}
}

// RegisterHealthCheck registers a health check function
func (m *Monitor) RegisterHealthCheck(name string, fn HealthCheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthChecks[name] = fn
}

// Check runs every registered check, ordered by name.
func (m *Monitor) Check(ctx context.Context) HealthReport {
	m.mu.RLock()
	names := make([]string, 0, len(m.healthChecks))
	for name := range m.healthChecks {
		names = append(names, name)
	}
	fns := make(map[string]HealthCheckFunc, len(names))
	for k, v := range m.healthChecks {
		fns[k] = v
	}
	m.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	report := HealthReport{Status: HealthStatusHealthy, Timestamp: time.Now(), Checks: []HealthCheck{}}
	for _, name := range names {
		start := time.Now()
		check := fns[name](ctx)
		if check.Name == "" {
			check.Name = name
		}
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		report.Checks = append(report.Checks, check)

		switch check.Status {
		case HealthStatusUnhealthy:
			report.Status = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if report.Status == HealthStatusHealthy {
				report.Status = HealthStatusDegraded
			}
		}
	}
	return report
}

// HealthHandler answers 200 unless a check is unhealthy.
func (m *Monitor) HealthHandler(w http.ResponseWriter, r *http.Request) {
	report := m.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if report.Status == HealthStatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}

// MetricsHandler provides Prometheus-style metrics
func (m *Monitor) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	WritePrometheus(w, m.collector.Snapshot())
}

// WritePrometheus renders series in the Prometheus text exposition format.
// Timers and histograms are exposed as summaries (_count and _sum).
func WritePrometheus(w io.Writer, series []Series) {
	typed := map[string]bool{}
	for _, s := range series {
		if !typed[s.Name] {
			fmt.Fprintf(w, "# TYPE %s %s\n", s.Name, promType(s.Type))
			typed[s.Name] = true
		}
		labels := promLabels(s.Labels)
		switch s.Type {
		case Counter, Gauge:
			fmt.Fprintf(w, "%s%s %s\n", s.Name, labels, promFloat(s.Value))
		default:
			fmt.Fprintf(w, "%s_count%s %d\n", s.Name, labels, s.Count)
			fmt.Fprintf(w, "%s_sum%s %s\n", s.Name, labels, promFloat(s.Sum))
		}
	}
}

func promType(t MetricType) string {
	switch t {
	case Counter, Gauge:
		return string(t)
	}
	return "summary"
}

func promLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + strconv.Quote(labels[k])
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

func promFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// DefaultHealthChecks returns the runtime health checks
func DefaultHealthChecks() map[string]HealthCheckFunc {
	return map[string]HealthCheckFunc{
		"memory": func(context.Context) HealthCheck {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			heapMB := float64(m.HeapAlloc) / (1024 * 1024)
			status := HealthStatusHealthy
			message := fmt.Sprintf("Heap memory: %.2f MB", heapMB)

			if heapMB > 1000 {
				status = HealthStatusDegraded
				message = fmt.Sprintf("High memory usage: %.2f MB", heapMB)
			}
			if heapMB > 2000 {
				status = HealthStatusUnhealthy
				message = fmt.Sprintf("Critical memory usage: %.2f MB", heapMB)
			}

			return HealthCheck{
				Name:    "memory",
				Status:  status,
				Message: message,
				Details: map[string]string{
					"heap_mb": fmt.Sprintf("%.2f", heapMB),
				},
			}
		},
		"goroutines": func(context.Context) HealthCheck {
			count := runtime.NumGoroutine()
			status := HealthStatusHealthy
			message := fmt.Sprintf("Goroutines: %d", count)

			if count > 1000 {
				status = HealthStatusDegraded
				message = fmt.Sprintf("High goroutine count: %d", count)
			}
			if count > 5000 {
				status = HealthStatusUnhealthy
				message = fmt.Sprintf("Critical goroutine count: %d", count)
			}

			return HealthCheck{
				Name:    "goroutines",
				Status:  status,
				Message: message,
				Details: map[string]string{
					"count": strconv.Itoa(count),
				},
			}
		},
	}
}

// PingCheck adapts a ping function (a store, an artifact backend) into a
// health check.
func PingCheck(name string, ping func(context.Context) error) HealthCheckFunc {
	return func(ctx context.Context) HealthCheck {
		if err := ping(ctx); err != nil {
			return HealthCheck{Name: name, Status: HealthStatusUnhealthy, Message: err.Error()}
		}
		return HealthCheck{Name: name, Status: HealthStatusHealthy, Message: "ok"}
	}
}
