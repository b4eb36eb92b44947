package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"vocalis.stt.final_delay", m.STTFinalDelay},
		{"vocalis.llm.first_token", m.LLMFirstToken},
		{"vocalis.tts.first_audio", m.TTSFirstAudio},
		{"vocalis.retrieval.duration", m.RetrievalDuration},
		{"vocalis.turn.duration", m.TurnDuration},
		{"vocalis.tool_execution.duration", m.ToolExecutionDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			md := findMetric(rm, tc.name)
			if md == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := md.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a float64 histogram", tc.name)
			}
			if len(hist.DataPoints) != 1 {
				t.Fatalf("data points: got %d, want 1", len(hist.DataPoints))
			}
			if hist.DataPoints[0].Count != 2 {
				t.Errorf("count: got %d, want 2", hist.DataPoints[0].Count)
			}
		})
	}
}

func TestRecordTurn_Attributes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "support-fr", false)
	m.RecordTurn(ctx, "support-fr", true)
	m.RecordTurn(ctx, "support-fr", true)

	rm := collect(t, reader)
	md := findMetric(rm, "vocalis.turns")
	if md == nil {
		t.Fatal("vocalis.turns not found")
	}
	sum, ok := md.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("vocalis.turns is not an int64 sum")
	}
	if len(sum.DataPoints) != 2 {
		t.Fatalf("data points: got %d, want 2 (interrupted true/false)", len(sum.DataPoints))
	}
	for _, dp := range sum.DataPoints {
		interrupted, _ := dp.Attributes.Value(attribute.Key("interrupted"))
		switch interrupted.AsBool() {
		case true:
			if dp.Value != 2 {
				t.Errorf("interrupted turns: got %d, want 2", dp.Value)
			}
		case false:
			if dp.Value != 1 {
				t.Errorf("clean turns: got %d, want 1", dp.Value)
			}
		}
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SessionStarted(ctx)
	m.SessionStarted(ctx)
	m.SessionEnded(ctx)

	rm := collect(t, reader)
	md := findMetric(rm, "vocalis.active_sessions")
	if md == nil {
		t.Fatal("vocalis.active_sessions not found")
	}
	sum, ok := md.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 1 {
		t.Fatalf("unexpected gauge shape: %+v", md.Data)
	}
	if sum.DataPoints[0].Value != 1 {
		t.Errorf("active sessions: got %d, want 1", sum.DataPoints[0].Value)
	}
}

func TestRecordProviderRequestAndError(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "deepgram", "stt", "ok")
	m.RecordProviderError(ctx, "deepgram", "stt")

	rm := collect(t, reader)
	if findMetric(rm, "vocalis.provider.requests") == nil {
		t.Error("vocalis.provider.requests not found")
	}
	if findMetric(rm, "vocalis.provider.errors") == nil {
		t.Error("vocalis.provider.errors not found")
	}
}

func TestDefaultMetrics_SameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different instances")
	}
}
