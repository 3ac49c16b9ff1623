package middleware

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"ruleflow/internal/config"
	appmetrics "ruleflow/internal/metrics"
)

// keyedLimiter holds one token bucket per client key.
type keyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      config.PathRateLimitConfig
}

func newKeyedLimiter(cfg config.PathRateLimitConfig) *keyedLimiter {
	return &keyedLimiter{limiters: make(map[string]*rate.Limiter), cfg: cfg}
}

func (l *keyedLimiter) allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		rpm, burst := l.cfg.RequestsPerMinute, l.cfg.Burst
		if rpm <= 0 {
			rpm = 60
		}
		if burst <= 0 {
			burst = rpm // default burst equals a minute worth
		}
		lim = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// RateLimitMiddlewareFromConfig selects per-path limits if configured, otherwise falls back to global.
// Matching is done by the first Paths entry whose Prefix matches the request path prefix.
func RateLimitMiddlewareFromConfig(cfg *config.Config) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	extractKey := func(c *gin.Context) string {
		if rl.KeyHeader != "" {
			if hVal := c.GetHeader(rl.KeyHeader); hVal != "" {
				// X-Forwarded-For 取第一个 IP
				if strings.EqualFold(rl.KeyHeader, "X-Forwarded-For") {
					return strings.TrimSpace(strings.Split(hVal, ",")[0])
				}
				return hVal
			}
		}
		if ip := c.ClientIP(); ip != "" {
			return ip
		}
		return "unknown"
	}
	whitelisted := func(ip string) bool {
		for _, w := range rl.WhitelistIPs {
			if w == ip {
				return true
			}
		}
		return false
	}

	var pathLimiters []*keyedLimiter
	for _, p := range rl.Paths {
		if p.Enabled && p.Prefix != "" && p.RequestsPerMinute > 0 {
			pathLimiters = append(pathLimiters, newKeyedLimiter(p))
		}
	}
	var global *keyedLimiter
	if rl.RequestsPerMinute > 0 {
		global = newKeyedLimiter(config.PathRateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: rl.RequestsPerMinute,
			Burst:             rl.Burst,
		})
	}

	reject := func(c *gin.Context, label, message string) {
		appmetrics.IncRateLimitDrop(label)
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":   "Too Many Requests",
			"message": message,
		})
	}

	return func(c *gin.Context) {
		if whitelisted(c.ClientIP()) {
			c.Next()
			return
		}
		key := extractKey(c)
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		// per-path first
		for _, pl := range pathLimiters {
			if strings.HasPrefix(path, pl.cfg.Prefix) {
				if !pl.allow(key) {
					reject(c, pl.cfg.Prefix, "rate limit exceeded (path)")
					return
				}
				c.Next()
				return
			}
		}
		if global != nil && !global.allow(key) {
			reject(c, "global", "rate limit exceeded")
			return
		}
		c.Next()
	}
}
