package monitoring

import (
	"math"
	"time"
)

// backoffConfig shapes the delay between retries of a failing loop under the
// backoff failure policy.
type backoffConfig struct {
	Initial    time.Duration
	Multiplier float64
	Jitter     float64
	Max        time.Duration
}

var defaultBackoff = backoffConfig{
	Initial:    5 * time.Second,
	Multiplier: 2,
	Jitter:     0.2,
	Max:        2 * time.Minute,
}

// nextDelay returns the wait before retry number attempt (zero based). rng is
// a uniform sample in [0,1) used to spread retries by +/- Jitter.
func (cfg backoffConfig) nextDelay(attempt int, rng float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(cfg.Initial)
	if base <= 0 {
		base = float64(defaultBackoff.Initial)
	}
	multiplier := cfg.Multiplier
	if multiplier <= 1 {
		multiplier = defaultBackoff.Multiplier
	}
	delay := base * math.Pow(multiplier, float64(attempt))
	if cfg.Jitter > 0 {
		j := math.Min(cfg.Jitter, 1)
		delay *= 1 + (rng*2-1)*j
	}
	if cfg.Max > 0 && delay > float64(cfg.Max) {
		delay = float64(cfg.Max)
	}
	return time.Duration(delay)
}
