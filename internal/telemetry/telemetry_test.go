package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestSetup_None(t *testing.T) {
	for _, mode := range []string{"", TracingNone} {
		p, err := Setup(mode, "orgbridge", "test", nil)
		if err != nil {
			t.Fatalf("Setup(%q) error = %v", mode, err)
		}
		_, span := p.Tracer("t").Start(context.Background(), "op")
		if span.SpanContext().IsValid() {
			t.Errorf("Setup(%q) produced a recording span", mode)
		}
		span.End()
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	}
}

func TestSetup_Stdout(t *testing.T) {
	var buf bytes.Buffer
	p, err := Setup(TracingStdout, "orgbridge", "test", &buf)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	_, span := p.Tracer("t").Start(context.Background(), "tool.invoke")
	span.End()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "tool.invoke") {
		t.Errorf("exported output missing span name: %s", out)
	}
	if !strings.Contains(out, "orgbridge") {
		t.Errorf("exported output missing service name: %s", out)
	}
}

func TestSetup_UnknownMode(t *testing.T) {
	if _, err := Setup("jaeger", "orgbridge", "test", nil); err == nil {
		t.Error("Setup() with unknown mode should fail")
	}
}
