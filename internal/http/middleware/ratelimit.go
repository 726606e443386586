package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateOptions configures RateLimiter. Buckets are per caller: staff
// accounts, customers and anonymous IPs never share one.
type RateOptions struct {
	RPS   float64
	Burst int

	// UploadCost is the number of tokens a multipart request spends.
	// Attachment uploads are far heavier than JSON calls.
	UploadCost int

	// StaffBurst scales the burst for admin callers, who work the inbox
	// across many chats at once. Values below 1 mean 1.
	StaffBurst int

	// IdleTTL evicts buckets nobody touched for that long.
	IdleTTL time.Duration

	Now func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-caller token bucket. Safe for concurrent use.
type RateLimiter struct {
	opt RateOptions

	mu      sync.Mutex
	buckets map[string]*bucket
	lookups uint64
}

const sweepEvery = 5000

func NewRateLimiter(opt RateOptions) *RateLimiter {
	if opt.Burst <= 0 {
		opt.Burst = 1
	}
	if opt.UploadCost <= 0 {
		opt.UploadCost = 1
	}
	if opt.StaffBurst < 1 {
		opt.StaffBurst = 1
	}
	if opt.IdleTTL <= 0 {
		opt.IdleTTL = 10 * time.Minute
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &RateLimiter{opt: opt, buckets: make(map[string]*bucket)}
}

// callerKey names the bucket for c. It runs after Authenticate, so the
// caller is known on every authed route.
func callerKey(c *gin.Context) (key string, staff bool) {
	if uid := UserID(c); uid != "" {
		if IsAdmin(c) {
			return "staff:" + uid, true
		}
		return "user:" + uid, false
	}
	return "ip:" + c.ClientIP(), false
}

// requestCost is UploadCost for multipart bodies and 1 otherwise.
func (rl *RateLimiter) requestCost(r *http.Request) int {
	if isMultipart(r.Header.Get("Content-Type")) {
		return rl.opt.UploadCost
	}
	return 1
}

// limiter returns the bucket for key, sweeping idle buckets every
// sweepEvery lookups before touching key itself.
func (rl *RateLimiter) limiter(key string, staff bool, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lookups++
	if rl.lookups >= sweepEvery {
		for k, b := range rl.buckets {
			if now.Sub(b.lastSeen) >= rl.opt.IdleTTL {
				delete(rl.buckets, k)
			}
		}
		rl.lookups = 0
	}

	if b, ok := rl.buckets[key]; ok {
		b.lastSeen = now
		return b.limiter
	}
	burst := rl.opt.Burst
	if staff {
		burst *= rl.opt.StaffBurst
	}
	lim := rate.NewLimiter(rate.Limit(rl.opt.RPS), burst)
	rl.buckets[key] = &bucket{limiter: lim, lastSeen: now}
	return lim
}

// IsRateBypass reports whether IdempotencyValidator recognised the request
// as a replay of an already stored send.
func IsRateBypass(c *gin.Context) bool {
	return c.GetBool(ctxKeyRateBypass)
}

// Handler rejects over-budget requests with 429 rate_limited and a
// Retry-After telling the caller when the cost becomes affordable.
// Replays pass without spending tokens.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}
		now := rl.opt.Now()
		key, staff := callerKey(c)
		lim := rl.limiter(key, staff, now)
		cost := rl.requestCost(c.Request)
		if b := lim.Burst(); cost > b {
			cost = b
		}

		if lim.AllowN(now, cost) {
			c.Next()
			return
		}

		httpRateLimited.WithLabelValues(callerClass(c)).Inc()
		c.Header("Retry-After", strconv.Itoa(retryAfter(lim, cost, now)))
		abortJSON(c, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
	}
}

// retryAfter is the whole number of seconds until cost tokens are
// available, at least 1. cost never exceeds the burst.
func retryAfter(lim *rate.Limiter, cost int, now time.Time) int {
	if lim.Limit() <= 0 {
		return 60
	}
	missing := float64(cost) - lim.TokensAt(now)
	secs := int(math.Ceil(missing / float64(lim.Limit())))
	if secs < 1 {
		secs = 1
	}
	return secs
}
