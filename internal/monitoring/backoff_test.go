package monitoring

import (
	"testing"
	"time"
)

func TestBackoffConfig_NextDelay(t *testing.T) {
	tests := []struct {
		name    string
		config  backoffConfig
		attempt int
		rng     float64
		wantMin time.Duration
		wantMax time.Duration
	}{
		{
			name:    "first retry uses initial delay",
			config:  backoffConfig{Initial: 5 * time.Second, Multiplier: 2, Max: time.Minute},
			attempt: 0,
			rng:     0.5,
			wantMin: 5 * time.Second,
			wantMax: 5 * time.Second,
		},
		{
			name:    "third retry quadruples",
			config:  backoffConfig{Initial: 5 * time.Second, Multiplier: 2, Max: time.Minute},
			attempt: 2,
			rng:     0.5,
			wantMin: 20 * time.Second,
			wantMax: 20 * time.Second,
		},
		{
			name:    "capped at max",
			config:  backoffConfig{Initial: 5 * time.Second, Multiplier: 2, Max: time.Minute},
			attempt: 10,
			rng:     0.5,
			wantMin: time.Minute,
			wantMax: time.Minute,
		},
		{
			name:    "negative attempt treated as first",
			config:  backoffConfig{Initial: time.Second, Multiplier: 3},
			attempt: -4,
			rng:     0.5,
			wantMin: time.Second,
			wantMax: time.Second,
		},
		{
			name:    "zero values fall back to defaults",
			config:  backoffConfig{},
			attempt: 1,
			rng:     0.5,
			wantMin: 10 * time.Second,
			wantMax: 10 * time.Second,
		},
		{
			name:    "jitter low end",
			config:  backoffConfig{Initial: 10 * time.Second, Multiplier: 2, Jitter: 0.5},
			attempt: 0,
			rng:     0,
			wantMin: 5 * time.Second,
			wantMax: 5 * time.Second,
		},
		{
			name:    "jitter clamped to one",
			config:  backoffConfig{Initial: 10 * time.Second, Multiplier: 2, Jitter: 4},
			attempt: 0,
			rng:     0.99,
			wantMin: 19 * time.Second,
			wantMax: 20 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.config.nextDelay(tt.attempt, tt.rng)
			if got < tt.wantMin || got > tt.wantMax {
				t.Fatalf("nextDelay(%d, %v) = %v, want between %v and %v", tt.attempt, tt.rng, got, tt.wantMin, tt.wantMax)
			}
		})
	}
}
