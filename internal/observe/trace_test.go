package observe

import (
	"context"
	"testing"
)

func TestCorrelationID_NoSpan(t *testing.T) {
	if cid := CorrelationID(context.Background()); cid != "" {
		t.Errorf("CorrelationID without span: got %q, want empty", cid)
	}
}

func TestStartSpan_ProducesTraceID(t *testing.T) {
	withTestTracer(t)

	ctx, span := StartSpan(context.Background(), "test-span")
	defer span.End()

	if cid := CorrelationID(ctx); cid == "" {
		t.Error("CorrelationID empty inside active span")
	}
}

func TestLogger_WithAndWithoutSpan(t *testing.T) {
	withTestTracer(t)

	if Logger(context.Background()) == nil {
		t.Fatal("Logger returned nil without a span")
	}

	ctx, span := StartSpan(context.Background(), "test-span")
	defer span.End()
	if Logger(ctx) == nil {
		t.Fatal("Logger returned nil inside a span")
	}
}
