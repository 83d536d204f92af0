package cozylife

import "time"

// Default reconnect backoff.
const (
	defaultReconnectInitial    = 500 * time.Millisecond
	defaultReconnectMax        = 30 * time.Second
	defaultReconnectMultiplier = 1.5
)

// ReconnectPolicy is the single backoff policy used for re-establishing a
// device session. Retries are unlimited; only Close stops them.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultReconnectPolicy returns 500ms growing by 1.5x up to 30s.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: defaultReconnectInitial,
		MaxDelay:     defaultReconnectMax,
		Multiplier:   defaultReconnectMultiplier,
	}
}

// withDefaults fills zero fields from DefaultReconnectPolicy.
func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	d := DefaultReconnectPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = max(d.MaxDelay, p.InitialDelay)
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// Next returns the delay that follows current, capped at MaxDelay.
func (p ReconnectPolicy) Next(current time.Duration) time.Duration {
	p = p.withDefaults()
	next := time.Duration(float64(current) * p.Multiplier)
	if next > p.MaxDelay {
		next = p.MaxDelay
	}
	if next < p.InitialDelay {
		next = p.InitialDelay
	}
	return next
}

// Delay returns the wait before the given 1-based attempt.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	d := p.InitialDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d = p.Next(d)
	}
	return d
}
