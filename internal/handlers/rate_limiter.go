package handlers

import (
	"net/http"
	"sync"
	"time"

	"parametric-service/internal/utils"

	"github.com/gofiber/fiber/v3"
	"golang.org/x/time/rate"
)

// SourceRateLimiter keeps one token bucket per caller id.
type SourceRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewSourceRateLimiter(rps float64, burst int) *SourceRateLimiter {
	return &SourceRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		idleTTL:  3 * time.Minute,
		now:      time.Now,
	}
}

func (rl *SourceRateLimiter) Allow(source string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	v, exists := rl.visitors[source]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[source] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// Cleanup drops buckets idle for longer than the idle TTL. It is run by the
// job scheduler.
func (rl *SourceRateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	cutoff := rl.now().Add(-rl.idleTTL)
	for id, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, id)
			removed++
		}
	}
	return removed
}

// Middleware must run after authentication.
func (rl *SourceRateLimiter) Middleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		if !rl.Allow(callerFrom(c).ID) {
			return c.Status(http.StatusTooManyRequests).JSON(
				utils.CreateErrorResponse("RATE_LIMITED", "Too many reports from this source"))
		}
		return c.Next()
	}
}
