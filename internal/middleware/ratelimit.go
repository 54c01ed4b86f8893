package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/ticket-hold-checkout/internal/config"
)

// takeTokens refills the bucket for the time elapsed since its last use
// and takes cost tokens when enough are left.  The level is stored as a
// float so slow rates still accumulate.  Returns {granted, whole tokens
// left, milliseconds until cost tokens are available}.
var takeTokens = redis.NewScript(`
local burst = tonumber(ARGV[2])
local per_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local now = tonumber(ARGV[1])
local level = tonumber(redis.call('HGET', KEYS[1], 'level') or burst)
local stamp = tonumber(redis.call('HGET', KEYS[1], 'stamp') or now)
if now > stamp then
  level = math.min(burst, level + (now - stamp) * per_ms)
  stamp = now
end

local granted, wait = 0, 0
if level >= cost then
  granted = 1
  level = level - cost
else
  wait = math.ceil((cost - level) / per_ms)
end

redis.call('HSET', KEYS[1], 'level', tostring(level), 'stamp', stamp)
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return { granted, math.floor(level), wait }
`)

// NewTokenBucket limits requests per bucket key (see buildRateKey).  When
// Redis is unreachable requests pass; a limiter outage must not stop
// buyers from checking out.
func NewTokenBucket(cfg config.RateLimitConfig, rdb *redis.Client) echo.MiddlewareFunc {
	if !cfg.Enabled || rdb == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	cfg = cfg.Normalize()
	perMs := cfg.Rate / 1000

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := buildRateKey(cfg, c)
			cost := requestCost(cfg, c.Request().Method)
			vals, err := takeTokens.Run(c.Request().Context(), rdb, []string{key},
				time.Now().UnixMilli(), cfg.Burst, perMs, cost, cfg.IdleTTL.Milliseconds()).Int64Slice()
			if err != nil || len(vals) != 3 {
				c.Logger().Warnj(log.JSON{"event": "rate_limit_unavailable", "key": key, "error": errString(err)})
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Burst))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(vals[1], 10))
			h.Set("X-RateLimit-Cost", strconv.Itoa(cost))
			if cfg.Debug {
				h.Set("X-RateLimit-Key", key)
			}
			if vals[0] == 1 {
				return next(c)
			}

			secs := (vals[2] + 999) / 1000
			h.Set("Retry-After", strconv.FormatInt(secs, 10))
			return c.JSON(http.StatusTooManyRequests, echo.Map{
				"error":       "too_many_requests",
				"message":     "rate limit exceeded",
				"retry_after": secs,
			})
		}
	}
}

// requestCost charges writes more than reads.
func requestCost(cfg config.RateLimitConfig, method string) int {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return cfg.WriteCost
	}
	return 1
}

// buildRateKey composes the bucket key from the configured strategy.
func buildRateKey(cfg config.RateLimitConfig, c echo.Context) string {
	ip := c.RealIP()
	if ip == "" {
		ip = "unknown"
	}
	buyer := rateSubject(c)
	route := c.Request().Method + " " + c.Path()

	parts := []string{cfg.Prefix}
	switch strings.ToLower(cfg.KeyStrategy) {
	case "ip":
		parts = append(parts, "ip", ip)
	case "buyer":
		parts = append(parts, "buyer", buyer)
	case "ip_route":
		parts = append(parts, "ip", ip, "route", route)
	case "ip_buyer_route":
		parts = append(parts, "ip", ip, "buyer", buyer, "route", route)
	default:
		parts = append(parts, "buyer", buyer, "route", route)
	}
	return strings.Join(parts, ":")
}

func errString(err error) string {
	if err == nil {
		return "unexpected script result"
	}
	return err.Error()
}
