package resilience

import (
	"log/slog"
	"time"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
)

// Config shapes one Executor. Zero fields take the defaults below.
type Config struct {
	Attempts int
	Backoff  domain.BackoffPolicy
	Breaker  BreakerConfig

	// RateLimit caps calls per second for each operation name. Zero
	// disables limiting.
	RateLimit float64
	RateBurst int

	Logger *slog.Logger
}

type BreakerConfig struct {
	Disabled     bool
	MinRequests  uint32
	FailureRatio float64
	OpenFor      time.Duration
	ProbeCalls   uint32
}

func DefaultConfig() Config {
	return Config{
		Attempts: 3,
		Backoff:  domain.BackoffPolicy{Initial: 100 * time.Millisecond, Multiplier: 2, Max: 400 * time.Millisecond},
		Breaker: BreakerConfig{
			MinRequests:  10,
			FailureRatio: 0.5,
			OpenFor:      30 * time.Second,
			ProbeCalls:   2,
		},
	}
}

// AuthorityConfig is tuned for the tax authority web service, which is
// slow to recover and enforces its own request quotas.
func AuthorityConfig(ratePerSecond float64, burst int) Config {
	cfg := DefaultConfig()
	cfg.Backoff = domain.BackoffPolicy{Initial: 500 * time.Millisecond, Multiplier: 2, Max: 5 * time.Second}
	cfg.Breaker.OpenFor = time.Minute
	cfg.RateLimit = ratePerSecond
	cfg.RateBurst = burst
	return cfg
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Attempts <= 0 {
		c.Attempts = def.Attempts
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff = def.Backoff
	}
	if c.Backoff.Max > 0 && c.Backoff.Max < c.Backoff.Initial {
		c.Backoff.Max = c.Backoff.Initial
	}

	b := &c.Breaker
	if b.MinRequests == 0 {
		b.MinRequests = def.Breaker.MinRequests
	}
	if b.FailureRatio <= 0 || b.FailureRatio > 1 {
		b.FailureRatio = def.Breaker.FailureRatio
	}
	if b.OpenFor <= 0 {
		b.OpenFor = def.Breaker.OpenFor
	}
	if b.ProbeCalls == 0 {
		b.ProbeCalls = def.Breaker.ProbeCalls
	}

	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
