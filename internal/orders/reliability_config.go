package orders

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"orderflow/internal/activities"
)

// ReliabilityConfig tunes how the engine calls activities.
type ReliabilityConfig struct {
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	RateLimitInterval   time.Duration
	RateLimitBurst      int
	ActivityTimeout     time.Duration
	ResumeConcurrency   int
}

// DefaultReliabilityConfig is used for every variable left unset.
func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		RetryMaxAttempts:    5,
		RetryBaseDelay:      200 * time.Millisecond,
		RetryMaxDelay:       10 * time.Second,
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 5 * time.Second,
		ActivityTimeout:     10 * time.Second,
		ResumeConcurrency:   8,
	}
}

// LoadReliabilityConfigFromEnv reads the ORDER_* variables. Unset variables
// keep their defaults; malformed or negative values are errors.
func LoadReliabilityConfigFromEnv() (ReliabilityConfig, error) {
	cfg := DefaultReliabilityConfig()
	var err error

	if cfg.RetryMaxAttempts, err = parseOptionalInt("ORDER_RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = parseOptionalDuration("ORDER_RETRY_BASE_DELAY", cfg.RetryBaseDelay); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = parseOptionalDuration("ORDER_RETRY_MAX_DELAY", cfg.RetryMaxDelay); err != nil {
		return cfg, err
	}
	if cfg.BreakerMaxFailures, err = parseOptionalInt("ORDER_BREAKER_MAX_FAILURES", cfg.BreakerMaxFailures); err != nil {
		return cfg, err
	}
	if cfg.BreakerResetTimeout, err = parseOptionalDuration("ORDER_BREAKER_RESET_TIMEOUT", cfg.BreakerResetTimeout); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval, err = parseOptionalDuration("ORDER_RATE_LIMIT_INTERVAL", cfg.RateLimitInterval); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = parseOptionalInt("ORDER_RATE_LIMIT_BURST", cfg.RateLimitBurst); err != nil {
		return cfg, err
	}
	if cfg.ActivityTimeout, err = parseOptionalDuration("ORDER_ACTIVITY_TIMEOUT", cfg.ActivityTimeout); err != nil {
		return cfg, err
	}
	if cfg.ResumeConcurrency, err = parseOptionalInt("ORDER_RESUME_CONCURRENCY", cfg.ResumeConcurrency); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxAttempts < 1 {
		return cfg, errors.New("ORDER_RETRY_MAX_ATTEMPTS must be >= 1")
	}
	return cfg, nil
}

// RetryPolicy is the engine's backoff for business steps.
func (c ReliabilityConfig) RetryPolicy() activities.RetryPolicy {
	return activities.RetryPolicy{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
	}
}

// RateLimiter returns nil when rate limiting is disabled.
func (c ReliabilityConfig) RateLimiter() *activities.RateLimiter {
	if c.RateLimitInterval <= 0 || c.RateLimitBurst <= 0 {
		return nil
	}
	return activities.NewRateLimiter(c.RateLimitInterval, c.RateLimitBurst)
}

func (c ReliabilityConfig) Breaker() (activities.CircuitBreakerConfig, bool) {
	return activities.CircuitBreakerConfig{
		MaxFailures:  c.BreakerMaxFailures,
		ResetTimeout: c.BreakerResetTimeout,
	}, c.BreakerMaxFailures > 0
}

func parseOptionalDuration(name string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}

func parseOptionalInt(name string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}
