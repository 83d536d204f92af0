package cozylife

import (
	"testing"
	"time"
)

func newTestDevice(t *testing.T, channels int, link Link, n Notifier) *Device {
	t.Helper()
	if n == nil {
		n = &recordingNotifier{}
	}
	d, err := NewDevice(DeviceOptions{
		Info: DeviceInfo{
			DeviceID: "a4c138f0d21e",
			IP:       "127.0.0.1",
			Channels: channels,
		},
		Link:         link,
		Notifier:     n,
		PollInterval: 100 * time.Millisecond,
		ConfirmDelay: time.Millisecond,
		StopGrace:    time.Second,
	})
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}
	return d
}

func TestChannelView_Decode(t *testing.T) {
	d := newTestDevice(t, 2, NewMockLink(0), nil)
	ch1, ch2 := d.Channel(1), d.Channel(2)

	tests := []struct {
		name  string
		raw   DataPoints
		ch1On bool
		ch2On bool
	}{
		{"all off", DataPoints{"1": 0}, false, false},
		{"channel 1 only", DataPoints{"1": 1}, true, false},
		{"channel 2 only", DataPoints{"1": 2}, false, true},
		{"both", DataPoints{"1": 3}, true, true},
		{"higher bits ignored", DataPoints{"1": 0xFC}, false, false},
		{"missing key reads off", DataPoints{"2": 3}, false, false},
		{"nil map reads off", nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ch1.Decode(tt.raw); got != tt.ch1On {
				t.Errorf("ch1.Decode(%v) = %v, want %v", tt.raw, got, tt.ch1On)
			}
			if got := ch2.Decode(tt.raw); got != tt.ch2On {
				t.Errorf("ch2.Decode(%v) = %v, want %v", tt.raw, got, tt.ch2On)
			}
		})
	}
}

func TestChannelView_ComputeToggle(t *testing.T) {
	d := newTestDevice(t, 2, NewMockLink(0), nil)
	ch1, ch2 := d.Channel(1), d.Channel(2)

	tests := []struct {
		name string
		ch   *ChannelView
		raw  DataPoints
		on   bool
		want int
	}{
		{"ch1 on from zero", ch1, DataPoints{"1": 0}, true, 1},
		{"ch2 on keeps ch1", ch2, DataPoints{"1": 1}, true, 3},
		{"ch1 off keeps ch2", ch1, DataPoints{"1": 3}, false, 2},
		{"ch2 off keeps ch1", ch2, DataPoints{"1": 3}, false, 1},
		{"idempotent on", ch1, DataPoints{"1": 1}, true, 1},
		{"idempotent off", ch2, DataPoints{"1": 1}, false, 1},
		{"missing key treated as zero", ch2, DataPoints{}, true, 2},
		{"unrelated bits preserved", ch1, DataPoints{"1": 0xF0}, true, 0xF1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.ch.ComputeToggle(tt.raw, tt.on)
			if got["1"] != tt.want {
				t.Errorf("ComputeToggle(%v, %v)[1] = %d, want %d", tt.raw, tt.on, got["1"], tt.want)
			}
			if tt.ch.Decode(got) != tt.on {
				t.Errorf("Decode(ComputeToggle(raw, %v)) = %v", tt.on, !tt.on)
			}
		})
	}
}

func TestChannelView_ComputeToggleAlgebra(t *testing.T) {
	d := newTestDevice(t, 2, NewMockLink(0), nil)

	for word := 0; word < 4; word++ {
		raw := DataPoints{"1": word, "7": 42}
		for _, ch := range d.Channels() {
			sibling := d.Channel(3 - ch.Channel())
			for _, on := range []bool{true, false} {
				once := ch.ComputeToggle(raw, on)
				twice := ch.ComputeToggle(once, on)

				if ch.Decode(once) != on {
					t.Errorf("word=%d ch%d on=%v: decode after toggle = %v", word, ch.Channel(), on, !on)
				}
				if sibling.Decode(once) != sibling.Decode(raw) {
					t.Errorf("word=%d ch%d on=%v: sibling bit changed", word, ch.Channel(), on)
				}
				if twice["1"] != once["1"] {
					t.Errorf("word=%d ch%d on=%v: toggle not idempotent", word, ch.Channel(), on)
				}
				if once["7"] != 42 {
					t.Errorf("word=%d: unrelated key changed", word)
				}
			}
		}
		if raw["1"] != word {
			t.Fatalf("ComputeToggle modified its input")
		}
	}
}

func TestChannelView_Identity(t *testing.T) {
	d, err := NewDevice(DeviceOptions{
		Info: DeviceInfo{
			DeviceID: "a4c138f0d21e",
			IP:       "10.0.0.5",
			Channels: 2,
			Names:    []string{"Hallway"},
		},
		Link:     NewMockLink(0),
		Notifier: &recordingNotifier{},
	})
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}

	ch1, ch2 := d.Channel(1), d.Channel(2)
	if ch1.UniqueID() != "a4c138f0d21e_ch1" || ch2.UniqueID() != "a4c138f0d21e_ch2" {
		t.Errorf("unique ids = %s, %s", ch1.UniqueID(), ch2.UniqueID())
	}
	if ch1.Name() != "Hallway" {
		t.Errorf("ch1.Name() = %q, want configured name", ch1.Name())
	}
	if ch2.Name() != "cozylife:d21e_ch2" {
		t.Errorf("ch2.Name() = %q, want default name", ch2.Name())
	}
	if d.Channel(0) != nil || d.Channel(3) != nil {
		t.Error("Channel() out of range should return nil")
	}
	if ch1.Available() || ch1.IsOn() {
		t.Error("new channel should be unavailable and off")
	}
}

func TestDefaultName_ShortID(t *testing.T) {
	if got := DefaultName("ab", 1); got != "cozylife:ab_ch1" {
		t.Errorf("DefaultName() = %q", got)
	}
}
