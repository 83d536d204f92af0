package cozylife

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestTopics(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{CommandTopic("abc_ch1"), "graylogic/command/cozylife/abc_ch1"},
		{AckTopic("abc_ch1"), "graylogic/ack/cozylife/abc_ch1"},
		{StateTopic("abc_ch2"), "graylogic/state/cozylife/abc_ch2"},
		{HealthTopic(), "graylogic/health/cozylife"},
		{RequestTopic("r1"), "graylogic/request/cozylife/r1"},
		{ResponseTopic("r1"), "graylogic/response/cozylife/r1"},
		{CommandSubscribeTopic(), "graylogic/command/cozylife/#"},
		{RequestSubscribeTopic(), "graylogic/request/cozylife/#"},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestTopicTail(t *testing.T) {
	if got := topicTail("graylogic/command/cozylife/abc_ch1"); got != "abc_ch1" {
		t.Errorf("topicTail() = %q", got)
	}
	if got := topicTail("bare"); got != "bare" {
		t.Errorf("topicTail(bare) = %q", got)
	}
}

func TestNewAckError(t *testing.T) {
	cmd := CommandMessage{ID: "c1", UniqueID: "abc_ch1", Command: "on"}

	ack := NewAckError(cmd, ErrCodeDeviceUnreachable, "no route")
	if ack.Status != AckFailed {
		t.Errorf("Status = %q, want failed", ack.Status)
	}
	if ack.Error == nil || ack.Error.Code != ErrCodeDeviceUnreachable {
		t.Errorf("Error = %+v", ack.Error)
	}
	if ack.CommandID != "c1" || ack.UniqueID != "abc_ch1" || ack.Protocol != Protocol {
		t.Errorf("ack = %+v", ack)
	}

	if got := NewAckError(cmd, ErrCodeTimeout, "slow").Status; got != AckTimeout {
		t.Errorf("timeout Status = %q, want timeout", got)
	}
}

func TestNewStateMessage(t *testing.T) {
	info := DeviceInfo{DeviceID: "abc", Model: "CozyLife 2CH", ProductID: "p93sfg"}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("available", func(t *testing.T) {
		msg := NewStateMessage(ChannelState{
			UniqueID: "abc_ch2", DeviceID: "abc", Name: "Porch", Channel: 2,
			On: true, Available: true, Timestamp: at,
		}, info)

		payload, err := json.Marshal(msg)
		if err != nil {
			t.Fatal(err)
		}
		s := string(payload)
		for _, want := range []string{`"state":{"on":true}`, `"available":true`, `"model":"CozyLife 2CH"`, `"product_id":"p93sfg"`, `"protocol":"cozylife"`} {
			if !strings.Contains(s, want) {
				t.Errorf("payload %s missing %s", s, want)
			}
		}
	})

	t.Run("unavailable omits state", func(t *testing.T) {
		msg := NewStateMessage(ChannelState{UniqueID: "abc_ch1", Channel: 1, Timestamp: at}, DeviceInfo{})

		payload, err := json.Marshal(msg)
		if err != nil {
			t.Fatal(err)
		}
		s := string(payload)
		if strings.Contains(s, `"state"`) {
			t.Errorf("payload %s should not carry state", s)
		}
		if strings.Contains(s, `"model"`) {
			t.Errorf("payload %s should omit empty model", s)
		}
		if !strings.Contains(s, `"available":false`) {
			t.Errorf("payload %s missing available=false", s)
		}
	})
}

func TestNewLWTMessage(t *testing.T) {
	msg := NewLWTMessage("cozylife-01")
	if msg.Status != HealthOffline || msg.Bridge != "cozylife-01" || msg.Reason == "" {
		t.Errorf("LWT = %+v", msg)
	}
}

func TestCommandMessageUnmarshal(t *testing.T) {
	var cmd CommandMessage
	payload := `{"id":"x","unique_id":"abc_ch1","command":"toggle","source":"automation"}`
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.Command != "toggle" || cmd.Source != "automation" || cmd.UniqueID != "abc_ch1" {
		t.Errorf("cmd = %+v", cmd)
	}
}
