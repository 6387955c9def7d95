package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	httpmiddleware "github.com/smallbiznis/instagram-connect/internal/http/middleware"
	"github.com/smallbiznis/instagram-connect/internal/metrics"
)

const (
	bucketIdle    = 5 * time.Minute
	sweepInterval = time.Minute
)

// RateLimiter throttles each client separately on every site host, so a
// busy site of the network does not starve the others.
type RateLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[bucketKey]*bucket
	lastSweep time.Time
}

type bucketKey struct {
	host string
	ip   string
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter returns nil when requestsPerMinute disables throttling.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	return &RateLimiter{
		limit:   rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   max(requestsPerMinute/10, 1),
		now:     time.Now,
		buckets: make(map[bucketKey]*bucket),
	}
}

// Handler answers 429 with a Retry-After hint once a bucket is empty.
func (r *RateLimiter) Handler() gin.HandlerFunc {
	if r == nil {
		return func(c *gin.Context) { c.Next() }
	}

	retryAfter := strconv.Itoa(int(r.retryAfter() / time.Second))
	return func(c *gin.Context) {
		key := bucketKey{host: strings.ToLower(stripPort(c.Request.Host)), ip: c.ClientIP()}
		if !r.allow(key) {
			metrics.RateLimited.Inc()
			c.Header("Retry-After", retryAfter)
			httpmiddleware.AbortREST(c, http.StatusTooManyRequests, "rest_rate_limited", "Too many requests. Please slow down.")
			return
		}
		c.Next()
	}
}

func (r *RateLimiter) allow(key bucketKey) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if now.Sub(r.lastSweep) >= sweepInterval {
		for k, b := range r.buckets {
			if now.Sub(b.lastSeen) > bucketIdle {
				delete(r.buckets, k)
			}
		}
		r.lastSweep = now
	}

	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// retryAfter is the refill time of one token in whole seconds.
func (r *RateLimiter) retryAfter() time.Duration {
	secs := math.Max(math.Ceil(1/float64(r.limit)-1e-9), 1)
	return time.Duration(secs) * time.Second
}

func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}
