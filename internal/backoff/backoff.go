// Package backoff computes reconnect delays for the hub clients.
package backoff

import (
	"math/rand"
	"time"
)

const (
	DefaultFloor   = 1 * time.Second
	DefaultCeiling = 15 * time.Second
)

// Policy is a capped exponential backoff: the delay for attempt n (n >= 1)
// is min(Ceiling, Floor * 2^(n-1)).
type Policy struct {
	Floor   time.Duration
	Ceiling time.Duration

	// Jitter spreads each delay by up to ±Jitter of its value. Zero disables it.
	Jitter float64
}

// New returns a policy with the given floor and ceiling.
func New(floor, ceiling time.Duration) Policy {
	return Policy{Floor: floor, Ceiling: ceiling}
}

// Default returns the 1s / 15s policy used by the agent and dashboard.
func Default() Policy {
	return New(DefaultFloor, DefaultCeiling)
}

// Delay returns the wait before reconnect attempt n. Attempts below 1 are
// treated as the first attempt.
func (p Policy) Delay(attempt int) time.Duration {
	floor, ceiling := p.bounds()
	if attempt < 1 {
		attempt = 1
	}

	d := floor
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling || d <= 0 {
			d = ceiling
			break
		}
	}
	if d > ceiling {
		d = ceiling
	}

	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d += time.Duration(rand.Float64()*2*spread - spread)
		if d < 0 {
			d = 0
		}
	}
	return d
}

func (p Policy) bounds() (time.Duration, time.Duration) {
	floor, ceiling := p.Floor, p.Ceiling
	if floor <= 0 {
		floor = DefaultFloor
	}
	if ceiling < floor {
		ceiling = floor
	}
	return floor, ceiling
}
