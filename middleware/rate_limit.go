package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/cppla/stakeledger/config"
	"github.com/cppla/stakeledger/utils"
)

const limiterIdle = 5 * time.Minute

type visitor struct {
	limiter *rate.Limiter
	expires time.Time
}

// limiterSet holds one token bucket per key. Idle keys are swept at most
// once per limiterIdle.
type limiterSet struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	lastSweep time.Time
}

func newLimiterSet(perMinute int) *limiterSet {
	perMinute = max(perMinute, 1)
	return &limiterSet{
		visitors: map[string]*visitor{},
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    max(perMinute/2, 1),
	}
}

func (s *limiterSet) allow(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastSweep) >= limiterIdle {
		s.sweep(now)
	}
	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.visitors[key] = v
	}
	v.expires = now.Add(limiterIdle)
	return v.limiter.AllowN(now, 1)
}

func (s *limiterSet) sweep(now time.Time) {
	for k, v := range s.visitors {
		if now.After(v.expires) {
			delete(s.visitors, k)
		}
	}
	s.lastSweep = now
}

// RateLimitMiddleware limits requests per client IP.
func RateLimitMiddleware() gin.HandlerFunc {
	set := newLimiterSet(config.Get().RateLimitPerMinute)
	return func(ctx *gin.Context) {
		if !set.allow("ip:"+ctx.ClientIP(), time.Now()) {
			utils.Error(ctx, 429, 42901, "rate limit exceeded")
			ctx.Abort()
			return
		}
		ctx.Next()
	}
}

// UserRateLimit limits requests per authenticated user, falling back to the
// client IP. It must run after AuthRequired.
func UserRateLimit() gin.HandlerFunc {
	set := newLimiterSet(config.Get().RateLimitPerMinute)
	return func(ctx *gin.Context) {
		key := "ip:" + ctx.ClientIP()
		if uid := ctx.GetString(ContextUserIDKey); uid != "" {
			key = "user:" + uid
		}
		if !set.allow(key, time.Now()) {
			utils.Error(ctx, 429, 42902, "too many stake operations")
			ctx.Abort()
			return
		}
		ctx.Next()
	}
}
