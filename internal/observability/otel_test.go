package observability

import (
	"context"
	"testing"

	"crmflow/internal/config"
)

func TestSetupTracing_Disabled_NoOp(t *testing.T) {
	tc := config.GetDefaultConfig().Monitoring.Tracing
	tc.Enabled = false
	shutdown, err := SetupTracing(context.Background(), tc)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if shutdown == nil {
		t.Fatalf("expected non-nil shutdown function")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown error: %v", err)
	}
}

func TestSetupTracing_Enabled(t *testing.T) {
	tc := config.GetDefaultConfig().Monitoring.Tracing
	tc.Enabled = true
	tc.Endpoint = ""
	shutdown, err := SetupTracing(context.Background(), tc)
	// 导出器连接是惰性的，失败时直接返回
	if err != nil {
		return
	}
	_ = shutdown(context.Background())
}

func TestEndpointHost_Parse(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"http://localhost:4317", "localhost:4317"},
		{"https://otel-collector:4317", "otel-collector:4317"},
		{"127.0.0.1:4317", "127.0.0.1:4317"},
		{"", ""},
		{"http://", "http://"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := endpointHost(tt.input); got != tt.expected {
				t.Fatalf("endpointHost(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSampleRatio(t *testing.T) {
	for in, want := range map[float64]float64{-0.1: 0.1, 0: 0.1, 1.5: 0.1, 0.5: 0.5, 1: 1} {
		if got := sampleRatio(in); got != want {
			t.Errorf("sampleRatio(%v) = %v, want %v", in, got, want)
		}
	}
}
