package otel

import (
	"context"
	"testing"
)

func TestInitDisabledReturnsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("noop provider must still expose tracer and meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown: %v", err)
	}
}

func TestInitStdoutExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("init stdout: %v", err)
	}
	defer func() {
		_ = p.Shutdown(context.Background())
	}()
	if p.TracerProvider == nil {
		t.Fatal("expected concrete tracer provider")
	}
	if _, err := NewMetrics(p.Meter); err != nil {
		t.Fatalf("new metrics: %v", err)
	}
}

func TestInitNoneExporterDiscardsSpans(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("init none: %v", err)
	}
	_, span := p.Tracer.Start(context.Background(), "noop-span")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestNewMetricsFromNoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	// Instruments from a noop meter must be safe to use.
	m.RequestErrors.Add(context.Background(), 1)
	m.ActiveConnections.Add(context.Background(), 1)
}
