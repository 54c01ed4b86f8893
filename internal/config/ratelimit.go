package config

import (
	"math"
	"time"
)

// RateLimitConfig drives the Redis token bucket in front of the checkout
// routes.  Tokens refill continuously at Rate per second up to Burst.
// Reads take one token; writes (start, confirm, cancel) take WriteCost,
// so a buyer polling a checkout keeps enough budget to confirm it.
//
// KeyStrategy picks the bucket: "buyer_route" (default), "buyer", "ip",
// "ip_route" or "ip_buyer_route".  Routes are identified by pattern.
type RateLimitConfig struct {
	Enabled     bool
	Burst       int
	Rate        float64
	WriteCost   int
	IdleTTL     time.Duration
	KeyStrategy string
	Prefix      string
	Debug       bool
}

// LoadRateLimitConfig reads RATE_LIMIT_*.
func LoadRateLimitConfig() RateLimitConfig {
	c := RateLimitConfig{
		Enabled:     envBool("RATE_LIMIT_ENABLED", true),
		Burst:       envInt("RATE_LIMIT_BURST", 30),
		Rate:        envFloat("RATE_LIMIT_RATE", 1),
		WriteCost:   envInt("RATE_LIMIT_WRITE_COST", 3),
		IdleTTL:     envDur("RATE_LIMIT_IDLE_TTL", 10*time.Minute),
		KeyStrategy: envStr("RATE_LIMIT_KEY_STRATEGY", "buyer_route"),
		Prefix:      envStr("RATE_LIMIT_PREFIX", "rl"),
		Debug:       envBool("RATE_LIMIT_DEBUG", false),
	}
	return c.Normalize()
}

// Normalize clamps the settings to values the bucket script can use.  A
// bucket must outlive the time it takes to refill from empty, otherwise
// an idle key would expire and come back full early.
func (c RateLimitConfig) Normalize() RateLimitConfig {
	if c.Burst < 1 {
		c.Burst = 1
	}
	if c.Rate <= 0 || math.IsNaN(c.Rate) || math.IsInf(c.Rate, 0) {
		c.Rate = 1
	}
	if c.WriteCost < 1 {
		c.WriteCost = 1
	}
	if c.WriteCost > c.Burst {
		c.WriteCost = c.Burst
	}
	if fill := c.RefillTime(); c.IdleTTL < fill {
		c.IdleTTL = fill
	}
	return c
}

// RefillTime is how long an empty bucket takes to fill up again.
func (c RateLimitConfig) RefillTime() time.Duration {
	secs := math.Ceil(float64(c.Burst) / c.Rate)
	if secs > float64(math.MaxInt64/int64(time.Second)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(secs) * time.Second
}
