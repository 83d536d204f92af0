package cozylife

import (
	"testing"
	"time"
)

func TestReconnectPolicy_Delay(t *testing.T) {
	p := ReconnectPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{50, time.Second},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestReconnectPolicy_Defaults(t *testing.T) {
	var p ReconnectPolicy
	if got := p.Delay(1); got != defaultReconnectInitial {
		t.Errorf("zero policy Delay(1) = %v, want %v", got, defaultReconnectInitial)
	}
	if got := p.Next(time.Hour); got != defaultReconnectMax {
		t.Errorf("zero policy Next(1h) = %v, want cap %v", got, defaultReconnectMax)
	}

	d := DefaultReconnectPolicy()
	if d.Next(d.InitialDelay) != 750*time.Millisecond {
		t.Errorf("default Next(500ms) = %v, want 750ms", d.Next(d.InitialDelay))
	}
}
