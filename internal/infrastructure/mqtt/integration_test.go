//go:build integration

package mqtt

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// Integration tests against a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func connectForTest(t *testing.T, clientID string, will Will) *Client {
	t.Helper()
	cfg := testConfig()
	cfg.Broker.ClientID = clientID

	client, err := Connect(cfg, will)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestIntegration_Connect(t *testing.T) {
	client := connectForTest(t, "cozylife-int-connect", Will{})

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
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
	cfg.Broker.Port = 19998

	_, err := Connect(cfg, Will{})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestIntegration_SubscriptionTracking(t *testing.T) {
	client := connectForTest(t, "cozylife-int-sub-track", Will{})

	topics := []string{
		"graylogic/command/cozylife/#",
		"graylogic/request/cozylife/#",
	}
	handler := func(string, []byte) error { return nil }

	for _, topic := range topics {
		if err := client.Subscribe(topic, 1, handler); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
	}

	if client.SubscriptionCount() != len(topics) {
		t.Errorf("SubscriptionCount() = %d, want %d", client.SubscriptionCount(), len(topics))
	}

	if err := client.Unsubscribe(topics[0]); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if client.HasSubscription(topics[0]) {
		t.Errorf("HasSubscription(%s) = true after unsubscribe", topics[0])
	}
}

func TestIntegration_RetainedStateRoundtrip(t *testing.T) {
	pub := connectForTest(t, "cozylife-int-pub", Will{})
	sub := connectForTest(t, "cozylife-int-sub", Will{})

	topic := "graylogic/state/cozylife/int-test_ch1"
	expected := `{"unique_id":"int-test_ch1","available":true}`

	if err := pub.PublishRetained(topic, []byte(expected)); err != nil {
		t.Fatalf("PublishRetained() error = %v", err)
	}

	received := make(chan string, 1)
	var once sync.Once
	err := sub.Subscribe("graylogic/state/cozylife/#", 1, func(_ string, p []byte) error {
		once.Do(func() { received <- string(p) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case msg := <-received:
		if msg != expected {
			t.Errorf("Received = %q, want %q", msg, expected)
		}
	case <-time.After(5 * time.Second):
		t.Error("Timeout waiting for retained message")
	}

	// Clear the retained message.
	_ = pub.Publish(topic, nil, 1, true)
}
