package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"chat-sync/internal/observability"
)

// RateConfig sets the per-client token bucket. IdleTTL is how long a client
// may stay silent before its limiter is dropped.
type RateConfig struct {
	RPS     float64
	Burst   int
	IdleTTL time.Duration
}

const defaultIdleTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiterPool struct {
	mu        sync.Mutex
	m         map[string]*clientLimiter
	cfg       RateConfig
	now       func() time.Time
	lastSweep time.Time
}

func newLimiterPool(cfg RateConfig) *limiterPool {
	if cfg.RPS <= 0 {
		cfg.RPS = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 40
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	return &limiterPool{m: make(map[string]*clientLimiter), cfg: cfg, now: time.Now}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.sweep(now)
	if cl, ok := p.m[key]; ok {
		cl.lastSeen = now
		return cl.limiter
	}
	l := rate.NewLimiter(rate.Limit(p.cfg.RPS), p.cfg.Burst)
	p.m[key] = &clientLimiter{limiter: l, lastSeen: now}
	return l
}

// sweep drops limiters idle for longer than IdleTTL, at most once per TTL.
func (p *limiterPool) sweep(now time.Time) {
	if now.Sub(p.lastSweep) < p.cfg.IdleTTL {
		return
	}
	p.lastSweep = now
	for key, cl := range p.m {
		if now.Sub(cl.lastSeen) > p.cfg.IdleTTL {
			delete(p.m, key)
		}
	}
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// RateLimit throttles callers by client address.
func RateLimit(cfg RateConfig) gin.HandlerFunc {
	return rateLimit(newLimiterPool(cfg))
}

func rateLimit(pool *limiterPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !pool.get(observability.IPFromRequest(c.Request)).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
