package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// withTestTracer installs a real tracer provider for the duration of a test
// so spans carry valid trace IDs.
func withTestTracer(t *testing.T) {
	t.Helper()
	prev := otel.GetTracerProvider()
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
}

func TestMiddleware_RecordsDurationAndStatus(t *testing.T) {
	withTestTracer(t)
	m, reader := newTestMetrics(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("status: got %d, want %d", rec.Code, http.StatusTeapot)
	}

	rm := collect(t, reader)
	md := findMetric(rm, "vocalis.http.request.duration")
	if md == nil {
		t.Fatal("vocalis.http.request.duration not found")
	}
	hist, ok := md.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("unexpected histogram shape: %+v", md.Data)
	}
	if hist.DataPoints[0].Count != 1 {
		t.Errorf("count: got %d, want 1", hist.DataPoints[0].Count)
	}
}

func TestMiddleware_SetsCorrelationID(t *testing.T) {
	withTestTracer(t)
	m, _ := newTestMetrics(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("X-Correlation-ID header not set")
	}
}

func TestMiddleware_DefaultStatusIsOK(t *testing.T) {
	withTestTracer(t)
	m, _ := newTestMetrics(t)

	var captured int
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Handler writes a body without an explicit WriteHeader.
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	captured = rec.Code

	if captured != http.StatusOK {
		t.Errorf("status: got %d, want 200", captured)
	}
}

func TestStatusRecorder_Unwrap(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, statusCode: http.StatusOK}
	if sr.Unwrap() != rec {
		t.Error("Unwrap should return the wrapped writer")
	}
}
