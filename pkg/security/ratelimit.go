// Package security holds request rate limiting for the HTTP surface.
package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures RateLimiter from YAML.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	// RequestsPerSecond and Burst bound the whole server.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// ClientRequestsPerSecond and ClientBurst bound each client; zero
	// values fall back to the global settings.
	ClientRequestsPerSecond float64 `yaml:"client_requests_per_second"`
	ClientBurst             int     `yaml:"client_burst"`
	// IdleTimeout drops per-client limiters unused for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// DefaultRateLimitConfig returns a disabled limiter config with sane limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:                 false,
		RequestsPerSecond:       50,
		Burst:                   100,
		ClientRequestsPerSecond: 2,
		ClientBurst:             5,
		IdleTimeout:             10 * time.Minute,
	}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter combines a server-wide token bucket with one bucket per client.
type RateLimiter struct {
	globalLimiter  *rate.Limiter
	clientLimiters map[string]*clientLimiter
	mu             sync.Mutex

	clientRPS   float64
	clientBurst int
	idleTimeout time.Duration
	now         func() time.Time
}

// NewRateLimiterFromConfig creates a limiter from config.
func NewRateLimiterFromConfig(cfg RateLimitConfig) *RateLimiter {
	clientRPS := cfg.ClientRequestsPerSecond
	if clientRPS <= 0 {
		clientRPS = cfg.RequestsPerSecond
	}
	clientBurst := cfg.ClientBurst
	if clientBurst <= 0 {
		clientBurst = cfg.Burst
	}
	return &RateLimiter{
		globalLimiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		clientLimiters: make(map[string]*clientLimiter),
		clientRPS:      clientRPS,
		clientBurst:    clientBurst,
		idleTimeout:    cfg.IdleTimeout,
		now:            time.Now,
	}
}

// Allow reports whether clientID may make a request now.
func (rl *RateLimiter) Allow(clientID string) bool {
	// Per-client first: a rejected client must not consume a global token.
	if !rl.getClientLimiter(clientID).Allow() {
		return false
	}
	return rl.globalLimiter.Allow()
}

func (rl *RateLimiter) getClientLimiter(clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if cl, ok := rl.clientLimiters[clientID]; ok {
		cl.lastSeen = now
		return cl.limiter
	}

	cl := &clientLimiter{
		limiter:  rate.NewLimiter(rate.Limit(rl.clientRPS), rl.clientBurst),
		lastSeen: now,
	}
	rl.clientLimiters[clientID] = cl
	return cl.limiter
}

// Cleanup removes client limiters idle longer than the idle timeout and
// returns how many were removed.
func (rl *RateLimiter) Cleanup() int {
	if rl.idleTimeout <= 0 {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.idleTimeout)
	removed := 0
	for id, cl := range rl.clientLimiters {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.clientLimiters, id)
			removed++
		}
	}
	return removed
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clientLimiters)
}
