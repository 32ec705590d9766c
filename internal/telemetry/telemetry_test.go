package telemetry

import (
	"context"
	"testing"

	"github.com/teranos/weft/am"
)

func TestSetupNoopWhenDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), am.TelemetryConfig{Endpoint: "192.0.2.1:4318"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetupCreatesProvider(t *testing.T) {
	// Non-routable address so no export is attempted before shutdown.
	shutdown, err := Setup(context.Background(), am.TelemetryConfig{
		Enabled:  true,
		Endpoint: "192.0.2.1:4318",
		Insecure: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}
