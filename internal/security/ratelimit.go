package security

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL       = 10 * time.Minute
	limiterPruneMax      = 4096
	limiterPruneInterval = time.Minute
)

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// limiterPool hands out one token bucket per caller key. Once the pool grows
// past limiterPruneMax, idle buckets are pruned inline at most once per
// limiterPruneInterval.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	rps   rate.Limit
	burst int
	now   func() time.Time

	lastPrune time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if burst <= 0 {
		burst = 1
	}
	return &limiterPool{
		m:     map[string]*limiterEntry{},
		rps:   rate.Limit(rps),
		burst: burst,
		now:   time.Now,
	}
}

func (p *limiterPool) allow(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if len(p.m) >= limiterPruneMax && now.Sub(p.lastPrune) >= limiterPruneInterval {
		p.lastPrune = now
		for k, e := range p.m {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(p.m, k)
			}
		}
	}
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{l: rate.NewLimiter(p.rps, p.burst)}
		p.m[key] = e
	}
	e.lastSeen = now
	return e.l.AllowN(now, 1)
}

// RateLimitMiddleware throttles requests per actor, or per client IP for
// anonymous callers. It must run after IdentityMiddleware. A non-positive
// rps disables throttling.
func RateLimitMiddleware(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	pool := newLimiterPool(rps, burst)
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if actor := ActorFromContext(c); actor != nil {
			key = "actor:" + actor.ID
		}
		if !pool.allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"code": "rate_limited", "error": "too many requests"})
			return
		}
		c.Next()
	}
}
