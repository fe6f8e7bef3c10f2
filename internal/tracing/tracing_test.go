package tracing

import (
	"context"
	"errors"
	"testing"
	"time"
)

func shutdownProvider(t *testing.T, p *Provider) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNewProvider_DisabledIsNoOp(t *testing.T) {
	provider, err := NewProvider(Config{ServiceName: "fireside-payments", Enabled: false})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if provider.IsEnabled() {
		t.Error("IsEnabled() = true for disabled config")
	}

	// Disabled provider still hands out a usable tracer and shuts down clean.
	if provider.Tracer("fireside-payments") == nil {
		t.Error("Tracer() = nil on disabled provider")
	}
	shutdownProvider(t, provider)
}

func TestNewProvider_RejectsMissingServiceName(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, SamplingRate: 0.1})
	if !errors.Is(err, ErrMissingServiceName) {
		t.Fatalf("NewProvider() error = %v, want ErrMissingServiceName", err)
	}
}

func TestNewProvider_RejectsBadSamplingRate(t *testing.T) {
	for _, rate := range []float64{-0.1, 1.5} {
		_, err := NewProvider(Config{ServiceName: "fireside-payments", Enabled: true, SamplingRate: rate})
		if !errors.Is(err, ErrInvalidSamplingRate) {
			t.Errorf("rate %f: error = %v, want ErrInvalidSamplingRate", rate, err)
		}
	}
}

func TestNewProvider_RejectsUnknownExporter(t *testing.T) {
	_, err := NewProvider(Config{
		ServiceName:  "fireside-payments",
		Enabled:      true,
		ExporterType: "jaeger",
		SamplingRate: 0.1,
	})
	if err == nil {
		t.Fatal("NewProvider() accepted an unknown exporter type")
	}
}

func TestNewProvider_Exporters(t *testing.T) {
	tests := []struct {
		name         string
		exporterType string
		endpoint     string
		samplingRate float64
	}{
		{"otlp-http sampled", "otlp-http", "localhost:4318", 0.1},
		{"otlp-grpc full", "otlp-grpc", "localhost:4317", 1.0},
		{"default exporter unsampled", "", "", 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewProvider(Config{
				ServiceName:  "fireside-payments",
				Enabled:      true,
				Environment:  "test",
				ExporterType: tt.exporterType,
				OTLPEndpoint: tt.endpoint,
				SamplingRate: tt.samplingRate,
				InsecureMode: true,
			})
			if err != nil {
				t.Fatalf("NewProvider() error = %v", err)
			}
			if !provider.IsEnabled() {
				t.Error("IsEnabled() = false for enabled config")
			}
			shutdownProvider(t, provider)
		})
	}
}

func TestProvider_TracerStartsSpans(t *testing.T) {
	provider, err := NewProvider(Config{
		ServiceName:  "fireside-payments",
		Enabled:      true,
		Environment:  "test",
		ExporterType: "otlp-http",
		SamplingRate: 1.0,
		InsecureMode: true,
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	defer shutdownProvider(t, provider)

	tracer := provider.Tracer("fireside-payments")
	_, span := tracer.Start(context.Background(), "release_payout")
	if span == nil {
		t.Fatal("Start() returned nil span")
	}
	span.End()
}
