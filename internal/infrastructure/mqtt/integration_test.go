//go:build integration

package mqtt

import (
	"context"
	"testing"
)

// Integration tests require a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func TestIntegration_ConnectPublishClose(t *testing.T) {
	client, err := Connect(testConfig(), Topics{Instance: "it"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	if err := client.PublishJSON(client.Topics().EncoderState(3), map[string]float64{"angle": 12.5}, true); err != nil {
		t.Errorf("PublishJSON() error = %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
}

func TestIntegration_ConnectRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19999

	if _, err := Connect(cfg, Topics{}); err == nil {
		t.Fatal("Connect() expected error for refused broker")
	}
}
