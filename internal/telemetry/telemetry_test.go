package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestInitDisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	defer p.Shutdown(context.Background())
	if p.Tracer == nil || p.Metrics == nil {
		t.Fatalf("expected noop tracer and metrics")
	}
	ctx, span := StartSpan(context.Background(), p.Tracer, "test")
	p.Metrics.RecordOperation(ctx, "test", 0.1, errors.New("boom"))
	EndSpan(span, nil, "")
}

func TestInitWithDiscardExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	_, span := StartSpan(context.Background(), p.Tracer, "op", AttrTaskID.Int64(1))
	EndSpan(span, errors.New("failed"), "TaskNotOpen")
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatalf("expected error for unknown exporter")
	}
}

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "info", "json")
	log.Info("auth configured", "jwt_secret", "hunter2", "addr", ":8080")
	out := buf.String()
	if strings.Contains(out, "hunter2") {
		t.Fatalf("secret leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") || !strings.Contains(out, ":8080") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug").String() != "DEBUG" || ParseLevel("bogus").String() != "INFO" {
		t.Fatalf("unexpected level parsing")
	}
}
