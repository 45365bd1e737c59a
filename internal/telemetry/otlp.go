package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// OTLP aggregation temporality. Flushes drain the buffer, so every export
// carries deltas since the previous one.
const temporalityDelta = 1

// OTLPExporter posts metrics as OTLP/HTTP JSON, e.g. to
// http://collector:4318/v1/metrics.
type OTLPExporter struct {
	endpoint string
	service  string
	version  string
	client   *http.Client
}

func NewOTLPExporter(endpoint, service, version string) *OTLPExporter {
	return &OTLPExporter{
		endpoint: endpoint,
		service:  service,
		version:  version,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type otlpMetricsPayload struct {
	ResourceMetrics []otlpResourceMetrics `json:"resourceMetrics"`
}

type otlpResourceMetrics struct {
	Resource     otlpResource       `json:"resource"`
	ScopeMetrics []otlpScopeMetrics `json:"scopeMetrics"`
}

type otlpResource struct {
	Attributes []otlpAttribute `json:"attributes"`
}

type otlpScopeMetrics struct {
	Scope   otlpScope    `json:"scope"`
	Metrics []otlpMetric `json:"metrics"`
}

type otlpScope struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type otlpMetric struct {
	Name      string         `json:"name"`
	Unit      string         `json:"unit,omitempty"`
	Sum       *otlpSum       `json:"sum,omitempty"`
	Gauge     *otlpGauge     `json:"gauge,omitempty"`
	Histogram *otlpHistogram `json:"histogram,omitempty"`
}

type otlpSum struct {
	DataPoints             []otlpNumberDataPoint `json:"dataPoints"`
	AggregationTemporality int                   `json:"aggregationTemporality"`
	IsMonotonic            bool                  `json:"isMonotonic"`
}

type otlpGauge struct {
	DataPoints []otlpNumberDataPoint `json:"dataPoints"`
}

type otlpHistogram struct {
	DataPoints             []otlpHistogramDataPoint `json:"dataPoints"`
	AggregationTemporality int                      `json:"aggregationTemporality"`
}

type otlpNumberDataPoint struct {
	Attributes   []otlpAttribute `json:"attributes,omitempty"`
	TimeUnixNano int64           `json:"timeUnixNano,string"`
	AsDouble     float64         `json:"asDouble"`
}

// A histogram point without explicit bounds carries a single bucket.
type otlpHistogramDataPoint struct {
	Attributes   []otlpAttribute `json:"attributes,omitempty"`
	TimeUnixNano int64           `json:"timeUnixNano,string"`
	Count        int64           `json:"count,string"`
	Sum          float64         `json:"sum"`
	BucketCounts []int64         `json:"bucketCounts"`
}

type otlpAttribute struct {
	Key   string    `json:"key"`
	Value otlpValue `json:"value"`
}

type otlpValue struct {
	StringValue string `json:"stringValue"`
}

func (e *OTLPExporter) Export(ctx context.Context, metrics []Metric) error {
	if len(metrics) == 0 {
		return nil
	}
	data, err := json.Marshal(e.payload(metrics))
	if err != nil {
		return fmt.Errorf("marshal OTLP payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("OTLP endpoint returned status %d", resp.StatusCode)
	}
	log.Debug().
		Str("endpoint", e.endpoint).
		Int("metric_count", len(metrics)).
		Msg("exported metrics via OTLP")
	return nil
}

// payload groups samples into one OTLP metric per name, keeping first-seen
// order. Timers and histograms become single-bucket histogram points.
func (e *OTLPExporter) payload(metrics []Metric) otlpMetricsPayload {
	var out []otlpMetric
	index := map[string]int{}
	for _, m := range metrics {
		key := m.Name + "|" + string(m.Type)
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, newOTLPMetric(m))
		}
		appendPoint(&out[i], m)
	}

	return otlpMetricsPayload{ResourceMetrics: []otlpResourceMetrics{{
		Resource: otlpResource{Attributes: []otlpAttribute{
			stringAttr("service.name", e.service),
			stringAttr("service.version", e.version),
		}},
		ScopeMetrics: []otlpScopeMetrics{{
			Scope:   otlpScope{Name: e.service + "/telemetry", Version: e.version},
			Metrics: out,
		}},
	}}}
}

func newOTLPMetric(m Metric) otlpMetric {
	om := otlpMetric{Name: m.Name, Unit: m.Unit}
	switch m.Type {
	case Counter:
		om.Sum = &otlpSum{AggregationTemporality: temporalityDelta, IsMonotonic: true}
	case Timer, Histogram:
		if m.Type == Timer && om.Unit == "" {
			om.Unit = "ms"
		}
		om.Histogram = &otlpHistogram{AggregationTemporality: temporalityDelta}
	default:
		om.Gauge = &otlpGauge{}
	}
	return om
}

func appendPoint(om *otlpMetric, m Metric) {
	attrs := attributes(m.Labels)
	ts := m.Timestamp.UnixNano()
	switch {
	case om.Sum != nil:
		om.Sum.DataPoints = append(om.Sum.DataPoints, otlpNumberDataPoint{Attributes: attrs, TimeUnixNano: ts, AsDouble: m.Value})
	case om.Histogram != nil:
		om.Histogram.DataPoints = append(om.Histogram.DataPoints, otlpHistogramDataPoint{
			Attributes:   attrs,
			TimeUnixNano: ts,
			Count:        1,
			Sum:          m.Value,
			BucketCounts: []int64{1},
		})
	default:
		om.Gauge.DataPoints = append(om.Gauge.DataPoints, otlpNumberDataPoint{Attributes: attrs, TimeUnixNano: ts, AsDouble: m.Value})
	}
}

func attributes(labels map[string]string) []otlpAttribute {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]otlpAttribute, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, stringAttr(k, labels[k]))
	}
	return attrs
}

func stringAttr(k, v string) otlpAttribute {
	return otlpAttribute{Key: k, Value: otlpValue{StringValue: v}}
}
