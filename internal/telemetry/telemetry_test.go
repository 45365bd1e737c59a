package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestCollectorAggregates(t *testing.T) {
	c := NewCollector(Options{Enabled: true, FlushInterval: time.Hour})
	defer c.Shutdown(context.Background())

	labels := map[string]string{"component": "test"}
	c.Counter("hits", 1, labels)
	c.Counter("hits", 2, labels)
	labels["component"] = "mutated"
	c.Gauge("depth", 5, nil)
	c.Gauge("depth", 3, nil)
	c.Timer("latency", 10*time.Millisecond, nil)
	c.Timer("latency", 30*time.Millisecond, nil)

	got := map[string]Series{}
	for _, s := range c.Snapshot() {
		got[s.Name+"/"+s.Labels["component"]] = s
	}
	if s := got["hits/test"]; s.Value != 3 {
		t.Fatalf("expected counter 3, got %v", s.Value)
	}
	if s := got["hits/mutated"]; s.Value != 0 {
		t.Fatalf("caller label mutation leaked into series: %+v", s)
	}
	if s := got["depth/"]; s.Value != 3 {
		t.Fatalf("expected gauge 3, got %v", s.Value)
	}
	if s := got["latency/"]; s.Count != 2 || s.Sum != 40 {
		t.Fatalf("expected timer count 2 sum 40, got %d %v", s.Count, s.Sum)
	}
	if n := len(c.GetMetrics()); n != 6 {
		t.Fatalf("expected 6 buffered metrics, got %d", n)
	}
}

func TestDisabledCollectorDrops(t *testing.T) {
	c := NewCollector(Options{})
	c.Counter("hits", 1, nil)
	if len(c.Snapshot()) != 0 || len(c.GetMetrics()) != 0 {
		t.Fatalf("disabled collector recorded metrics")
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

type recordingExporter struct {
	mu      sync.Mutex
	batches [][]Metric
}

func (r *recordingExporter) Export(_ context.Context, m []Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, m)
	return nil
}

func TestFlushUsesExporter(t *testing.T) {
	exp := &recordingExporter{}
	c := NewCollector(Options{Enabled: true, Exporter: exp, FlushInterval: time.Hour})
	c.Counter("hits", 1, nil)
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	exp.mu.Lock()
	defer exp.mu.Unlock()
	if len(exp.batches) != 1 || len(exp.batches[0]) != 1 {
		t.Fatalf("expected one batch of one metric, got %v", exp.batches)
	}
	if len(c.GetMetrics()) != 0 {
		t.Fatalf("buffer not cleared after flush")
	}
	// aggregates survive a flush
	if len(c.Snapshot()) != 1 {
		t.Fatalf("series lost on flush")
	}
}

func TestOTLPExport(t *testing.T) {
	var body otlpMetricsPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exp := NewOTLPExporter(srv.URL, "mltaskd", "test")
	err := exp.Export(context.Background(), []Metric{
		{Name: "mltaskd_dispatch_total", Type: Counter, Value: 1, Labels: map[string]string{"result": "dispatched"}, Timestamp: time.Now()},
		{Name: "mltaskd_dispatch_duration", Type: Timer, Value: 12, Unit: "ms", Timestamp: time.Now()},
		{Name: "mltaskd_dispatch_total", Type: Counter, Value: 1, Labels: map[string]string{"result": "failed"}, Timestamp: time.Now()},
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(body.ResourceMetrics) != 1 {
		t.Fatalf("expected one resource, got %d", len(body.ResourceMetrics))
	}
	rm := body.ResourceMetrics[0]
	if rm.Resource.Attributes[0].Value.StringValue != "mltaskd" {
		t.Fatalf("service name not set: %+v", rm.Resource.Attributes)
	}
	metrics := rm.ScopeMetrics[0].Metrics
	if len(metrics) != 2 || metrics[0].Sum == nil || !metrics[0].Sum.IsMonotonic || metrics[1].Histogram == nil {
		t.Fatalf("unexpected metric encoding: %+v", metrics)
	}
	if n := len(metrics[0].Sum.DataPoints); n != 2 {
		t.Fatalf("expected counter samples grouped into one metric, got %d points", n)
	}
	if pt := metrics[1].Histogram.DataPoints[0]; pt.Count != 1 || pt.Sum != 12 || metrics[1].Unit != "ms" {
		t.Fatalf("unexpected timer point %+v", pt)
	}
}

func TestOTLPExportStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	err := NewOTLPExporter(srv.URL, "mltaskd", "test").Export(context.Background(), []Metric{{Name: "x", Type: Gauge}})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestMonitorHandlers(t *testing.T) {
	c := NewCollector(Options{Enabled: true, FlushInterval: time.Hour})
	defer c.Shutdown(context.Background())
	c.Counter("mltaskd_submissions_accepted", 2, map[string]string{"component": "service"})
	c.Timer("mltaskd_submit_duration", 5*time.Millisecond, nil)

	m := NewMonitor(c)
	for name, fn := range DefaultHealthChecks() {
		m.RegisterHealthCheck(name, fn)
	}
	m.RegisterHealthCheck("store", PingCheck("store", func(context.Context) error { return nil }))

	rec := httptest.NewRecorder()
	m.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var report HealthReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(report.Checks) != 3 || report.Checks[2].Name != "store" {
		t.Fatalf("unexpected checks: %+v", report.Checks)
	}

	rec = httptest.NewRecorder()
	m.MetricsHandler(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	out, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"# TYPE mltaskd_submissions_accepted counter",
		`mltaskd_submissions_accepted{component="service"} 2`,
		"# TYPE mltaskd_submit_duration summary",
		"mltaskd_submit_duration_count 1",
	} {
		if !strings.Contains(string(out), want) {
			t.Fatalf("metrics output missing %q:\n%s", want, out)
		}
	}
}

func TestUnhealthyCheck(t *testing.T) {
	m := NewMonitor(NewCollector(Options{}))
	m.RegisterHealthCheck("store", PingCheck("store", func(context.Context) error { return io.ErrUnexpectedEOF }))
	rec := httptest.NewRecorder()
	m.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestRuntimeSampler(t *testing.T) {
	c := NewCollector(Options{Enabled: true, FlushInterval: time.Hour})
	defer c.Shutdown(context.Background())
	NewRuntimeSampler(c, time.Second).Sample()
	found := false
	for _, s := range c.Snapshot() {
		if s.Name == "mltaskd_goroutines" && s.Value > 0 {
			found = true
		}
	}
	if !found {
		t.Fatalf("goroutine gauge not recorded")
	}
}
