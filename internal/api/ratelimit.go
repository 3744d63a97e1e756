package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// ──────────────────────────────────────────────────────────────────────
// Per-IP Token Bucket Rate Limiter
//
// Each IP gets its own bucket holding up to `burst` tokens, refilled at
// `rate` tokens per second. An empty bucket answers HTTP 429 with a
// Retry-After header in whole seconds.
//
// A background goroutine drops buckets idle for longer than
// cleanupIdleDuration.
// ──────────────────────────────────────────────────────────────────────

const cleanupIdleDuration = 10 * time.Minute

type ipBucket struct {
	tokens   float64
	lastSeen time.Time
	mu       sync.Mutex
}

// RateLimiter holds per-IP state.
type RateLimiter struct {
	rate    float64 // tokens added per second
	burst   float64 // max bucket capacity
	mu      sync.Mutex
	buckets map[string]*ipBucket
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewRateLimiter allows ratePerSec sustained requests per IP with bursts of
// up to burst. A non-positive rate disables limiting.
func NewRateLimiter(ratePerSec float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		rate:    ratePerSec,
		burst:   float64(burst),
		buckets: make(map[string]*ipBucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if ratePerSec > 0 {
		go rl.cleanupLoop()
	}
	return rl
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) allow(ip string) (bool, time.Duration) {
	if rl.rate <= 0 {
		return true, 0
	}

	rl.mu.Lock()
	bucket, ok := rl.buckets[ip]
	if !ok {
		bucket = &ipBucket{tokens: rl.burst, lastSeen: rl.now()}
		rl.buckets[ip] = bucket
	}
	rl.mu.Unlock()

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	now := rl.now()
	bucket.tokens = math.Min(rl.burst, bucket.tokens+now.Sub(bucket.lastSeen).Seconds()*rl.rate)
	bucket.lastSeen = now

	if bucket.tokens >= 1.0 {
		bucket.tokens--
		return true, 0
	}

	retryAfter := time.Duration((1.0 - bucket.tokens) / rl.rate * float64(time.Second))
	return false, retryAfter
}

// Middleware returns a Gin handler that enforces the rate limit.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter := rl.allow(c.ClientIP())
		if !allowed {
			secs := int(math.Ceil(retryAfter.Seconds()))
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "Rate limit exceeded",
				"retryAfter": secs,
			})
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupIdleDuration)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			cutoff := rl.now().Add(-cleanupIdleDuration)
			rl.mu.Lock()
			for ip, b := range rl.buckets {
				b.mu.Lock()
				idle := b.lastSeen.Before(cutoff)
				b.mu.Unlock()
				if idle {
					delete(rl.buckets, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}
