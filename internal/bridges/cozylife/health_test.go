package cozylife

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// mockHealthSource implements HealthSource for testing.
type mockHealthSource struct {
	managed, online int
}

func (m mockHealthSource) DeviceCounts() (int, int) { return m.managed, m.online }

func (m mockHealthSource) Statistics() BridgeStatistics {
	return BridgeStatistics{Queries: 10, Controls: 2}
}

func lastHealth(t *testing.T, m *MockMQTTClient) HealthMessage {
	t.Helper()
	var msg HealthMessage
	found := false
	for _, p := range m.GetPublished() {
		if p.Topic != HealthTopic() {
			continue
		}
		if !p.Retained {
			t.Error("health message should be retained")
		}
		if err := json.Unmarshal(p.Payload, &msg); err != nil {
			t.Fatalf("unmarshal health: %v", err)
		}
		found = true
	}
	if !found {
		t.Fatal("no health message published")
	}
	return msg
}

func TestHealthReporterDefaultInterval(t *testing.T) {
	hr := NewHealthReporter(HealthReporterConfig{BridgeID: "test-bridge"})
	if hr.cfg.Interval != 30*time.Second {
		t.Errorf("default interval = %v, want 30s", hr.cfg.Interval)
	}
}

func TestHealthReporterPublishNow(t *testing.T) {
	tests := []struct {
		name       string
		connected  bool
		source     mockHealthSource
		wantStatus HealthStatus
	}{
		{"healthy", true, mockHealthSource{managed: 2, online: 2}, HealthHealthy},
		{"device offline", true, mockHealthSource{managed: 2, online: 1}, HealthDegraded},
		{"mqtt down", false, mockHealthSource{managed: 2, online: 2}, HealthDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := NewMockMQTTClient()
			pub.setConnected(tt.connected)

			hr := NewHealthReporter(HealthReporterConfig{
				BridgeID:  "test-bridge",
				Version:   "1.0.0",
				Publisher: pub,
				Source:    tt.source,
			})
			if err := hr.PublishNow(); err != nil {
				t.Fatalf("PublishNow() error = %v", err)
			}

			msg := lastHealth(t, pub)
			if msg.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q (reason %q)", msg.Status, tt.wantStatus, msg.Reason)
			}
			if msg.DevicesManaged != tt.source.managed || msg.DevicesOnline != tt.source.online {
				t.Errorf("devices = %d/%d", msg.DevicesOnline, msg.DevicesManaged)
			}
			if msg.Statistics == nil || msg.Statistics.Queries != 10 {
				t.Errorf("Statistics = %+v", msg.Statistics)
			}
			if msg.Version != "1.0.0" || msg.Bridge != "test-bridge" {
				t.Errorf("msg = %+v", msg)
			}
		})
	}
}

func TestHealthReporterStartStop(t *testing.T) {
	pub := NewMockMQTTClient()
	hr := NewHealthReporter(HealthReporterConfig{
		BridgeID:  "test-bridge",
		Interval:  20 * time.Millisecond,
		Publisher: pub,
		Source:    mockHealthSource{managed: 1, online: 1},
	})

	if err := hr.PublishStarting(); err != nil {
		t.Fatalf("PublishStarting() error = %v", err)
	}
	if got := lastHealth(t, pub).Status; got != HealthStarting {
		t.Errorf("Status = %q, want starting", got)
	}

	hr.Start(context.Background())
	if !waitFor(t, time.Second, func() bool { return len(pub.GetPublished()) >= 4 }) {
		t.Fatalf("published %d health messages, want >= 4", len(pub.GetPublished()))
	}

	hr.Stop()
	hr.Stop()

	if got := lastHealth(t, pub).Status; got != HealthStopping {
		t.Errorf("final Status = %q, want stopping", got)
	}
}

func TestHealthReporterStopWithoutStart(t *testing.T) {
	pub := NewMockMQTTClient()
	hr := NewHealthReporter(HealthReporterConfig{BridgeID: "test-bridge", Publisher: pub})

	hr.Stop()
	if got := lastHealth(t, pub).Status; got != HealthStopping {
		t.Errorf("Status = %q, want stopping", got)
	}

	// A stopped reporter does not come back.
	published := len(pub.GetPublished())
	hr.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	if got := len(pub.GetPublished()); got != published {
		t.Errorf("published %d messages after Stop, want none", got-published)
	}
}

func TestWillPayload(t *testing.T) {
	payload, err := WillPayload("test-bridge")
	if err != nil {
		t.Fatal(err)
	}
	var msg HealthMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Status != HealthOffline || msg.Bridge != "test-bridge" {
		t.Errorf("LWT = %+v", msg)
	}
}

func TestHealthReporterWithoutPublisher(t *testing.T) {
	hr := NewHealthReporter(HealthReporterConfig{BridgeID: "test-bridge"})
	if err := hr.PublishNow(); err != nil {
		t.Errorf("PublishNow() without publisher error = %v", err)
	}
}
