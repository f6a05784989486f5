package traces

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/fundguard/internal/domain"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), domain.TracingConfig{Enabled: true}, "test")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

func TestInjectExtract(t *testing.T) {
	if _, err := Init(context.Background(), domain.TracingConfig{}, "test"); err != nil {
		t.Fatal(err)
	}
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	ctx, span := StartSpan(context.Background(), "publish", CampaignID("c-1"))
	defer span.End()

	md := map[string]string{}
	Inject(ctx, md)
	if md["traceparent"] == "" {
		t.Fatalf("expected traceparent in metadata, got %v", md)
	}

	remote := trace.SpanContextFromContext(Extract(context.Background(), md))
	if remote.TraceID() != span.SpanContext().TraceID() {
		t.Errorf("trace id not propagated: %s vs %s", remote.TraceID(), span.SpanContext().TraceID())
	}

	t.Run("empty metadata", func(t *testing.T) {
		ctx := context.Background()
		if got := Extract(ctx, nil); got != ctx {
			t.Error("expected context unchanged")
		}
	})
}
