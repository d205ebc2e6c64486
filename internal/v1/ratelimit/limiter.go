// Package ratelimit implements rate limiting logic using Redis or local memory.
package ratelimit

import (
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/luminavis/relay/internal/v1/bus"
	"github.com/luminavis/relay/internal/v1/logging"
	"github.com/luminavis/relay/internal/v1/metrics"
)

// KeyFunc extracts the client key a request is limited under.
type KeyFunc func(c *gin.Context) string

// ClientIP is the default key extractor.
func ClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// SlidingWindow limits requests per client key over a rolling window. The
// window lives in a Redis sorted set when the substrate is up and falls
// through to an in-process store with identical semantics when it is not.
type SlidingWindow struct {
	bus    *bus.Service
	prefix string
	window time.Duration
	max    int
	keyFn  KeyFunc
	local  *localWindows
}

// NewSlidingWindow builds a limiter for one endpoint class.
func NewSlidingWindow(b *bus.Service, prefix string, window time.Duration, max int, keyFn KeyFunc) *SlidingWindow {
	if keyFn == nil {
		keyFn = ClientIP
	}
	return &SlidingWindow{
		bus:    b,
		prefix: prefix,
		window: window,
		max:    max,
		keyFn:  keyFn,
		local:  newLocalWindows(localWindowMaxKeys, sweepInterval),
	}
}

// NewSlidingWindowFromFormatted builds a limiter from a formatted rate such
// as "120-M".
func NewSlidingWindowFromFormatted(b *bus.Service, prefix, rate string, keyFn KeyFunc) (*SlidingWindow, error) {
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("invalid %s rate: %w", prefix, err)
	}
	return NewSlidingWindow(b, prefix, parsed.Period, int(parsed.Limit), keyFn), nil
}

// Allow records one request for the client and reports whether it is within
// the limit.
func (l *SlidingWindow) Allow(c *gin.Context, client string) bool {
	key := fmt.Sprintf("ratelimit:%s:%s", l.prefix, client)
	now := time.Now()

	// Random tie-breaker suffix so simultaneous requests coexist in the set.
	member := fmt.Sprintf("%d-%d", now.UnixMilli(), rand.Int63())

	count, err := l.bus.SlidingWindowCount(c.Request.Context(), key, now, l.window, member)
	if err != nil {
		// Substrate unavailable: identical semantics from the local store.
		count = l.local.record(key, now, l.window)
	}

	return count <= int64(l.max)
}

// Middleware enforces the limit, answering 429 with a Retry-After header when
// a client exceeds it.
func (l *SlidingWindow) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := l.keyFn(c)
		if l.Allow(c, client) {
			c.Next()
			return
		}

		metrics.RateLimitExceeded.WithLabelValues(l.prefix).Inc()
		retryAfter := int64(math.Ceil(l.window.Seconds()))
		c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "Too many requests",
		})
	}
}

// Stop terminates the background sweep of the local fallback store.
func (l *SlidingWindow) Stop() {
	l.local.stop()
}

// ConnectionLimiter caps WebSocket upgrade attempts per IP. It keeps the
// simple fixed-window semantics of ulule/limiter; the endpoint checks it
// before spending resources on the upgrade.
type ConnectionLimiter struct {
	ws *limiter.Limiter
}

// NewConnectionLimiter builds the upgrade limiter from a formatted rate such
// as "60-M". It uses the Redis store when a client is available and a memory
// store otherwise.
func NewConnectionLimiter(rate string, redisClient *redis.Client) (*ConnectionLimiter, error) {
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("invalid WS connect rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:ws:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
	} else {
		store = memory.NewStore()
	}

	return &ConnectionLimiter{ws: limiter.New(store, parsed)}, nil
}

// Check reports whether the upgrade may proceed, writing the 429 response
// itself when it may not. Store failures fail open.
func (cl *ConnectionLimiter) Check(c *gin.Context) bool {
	ip := c.ClientIP()
	lctx, err := cl.ws.Get(c.Request.Context(), ip)
	if err != nil {
		logging.Error(c.Request.Context(), "WS connect limiter store failed", zap.Error(err))
		return true // Fail open
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("ws_connect").Inc()
		c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	return true
}
