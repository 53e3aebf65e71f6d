package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracingNone(t *testing.T) {
	for _, name := range []string{"", "none", " NONE "} {
		shutdown, err := InitTracing(context.Background(), TracingConfig{Exporter: name})
		if err != nil {
			t.Fatalf("InitTracing(%q): %v", name, err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}
}

func TestInitTracingStdout(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	var buf bytes.Buffer
	shutdown, err := InitTracing(context.Background(), TracingConfig{Exporter: "stdout", Writer: &buf})
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "Engine.ProcessMessage")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Engine.ProcessMessage") || !strings.Contains(out, DefaultServiceName) {
		t.Errorf("exported span missing name or service: %s", out)
	}
}

func TestInitTracingErrors(t *testing.T) {
	if _, err := InitTracing(context.Background(), TracingConfig{Exporter: "zipkin"}); err == nil {
		t.Error("unknown exporter should fail")
	}
	if _, err := InitTracing(context.Background(), TracingConfig{Exporter: "otlp"}); err == nil {
		t.Error("otlp without endpoint should fail")
	}
}

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders("authorization=Bearer x, x-team = flow ,broken,=nokey")
	if len(got) != 2 || got["authorization"] != "Bearer x" || got["x-team"] != "flow" {
		t.Errorf("ParseHeaders = %v", got)
	}
	if len(ParseHeaders("")) != 0 {
		t.Error("empty input should give no headers")
	}
}
