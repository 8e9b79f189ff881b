package retry

import (
	"fmt"
	"math"
	"time"
)

// Policy describes an exponential backoff schedule. It is an immutable value
// supplied from configuration; the delay math lives here so it can be tested
// independently of the scheduler applying it.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	Multiplier     float64
	MaxDelay       time.Duration
	JitterFraction float64
}

// DefaultPolicy mirrors the configuration defaults.
var DefaultPolicy = Policy{
	MaxAttempts:    5,
	BaseDelay:      500 * time.Millisecond,
	Multiplier:     2.0,
	MaxDelay:       30 * time.Second,
	JitterFraction: 0.2,
}

// Validate rejects policies the scheduler cannot execute.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry: max_attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("retry: base_delay must be positive, got %s", p.BaseDelay)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry: multiplier must be >= 1, got %g", p.Multiplier)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("retry: max_delay %s must be >= base_delay %s", p.MaxDelay, p.BaseDelay)
	}
	if p.JitterFraction < 0 || p.JitterFraction > 1 {
		return fmt.Errorf("retry: jitter_fraction must be in [0,1], got %g", p.JitterFraction)
	}
	return nil
}

// Delay returns the pre-jitter wait after failed attempt k (1-indexed):
// min(base * multiplier^(k-1), max). The first attempt itself runs
// immediately; delays apply only between attempts.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
