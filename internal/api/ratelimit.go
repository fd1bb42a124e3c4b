package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// clientIdleTTL is how long a client's limiter is kept after its last
// request. An idle bucket is full again long before this.
const clientIdleTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type clientLimiters struct {
	rps       int
	idle      time.Duration
	clock     clockwork.Clock
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastSweep time.Time
}

func newClientLimiters(rps int, idle time.Duration, clock clockwork.Clock) *clientLimiters {
	return &clientLimiters{
		rps:       rps,
		idle:      idle,
		clock:     clock,
		clients:   make(map[string]*clientLimiter),
		lastSweep: clock.Now(),
	}
}

// get returns the limiter for ip and drops limiters idle for longer than
// l.idle, at most once per idle period.
func (l *clientLimiters) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.Sub(l.lastSweep) >= l.idle {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) >= l.idle {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	c, ok := l.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(l.rps), l.rps)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter
}

func (l *clientLimiters) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *clientLimiters) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		r := l.get(c.ClientIP()).ReserveN(l.clock.Now(), 1)
		if d := r.DelayFrom(l.clock.Now()); d > 0 {
			r.CancelAt(l.clock.Now())
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// RateLimitMiddleware allows each client IP rps requests per second. The
// stream endpoint holds one request open, so it only costs a token to
// connect.
func RateLimitMiddleware(rps int) gin.HandlerFunc {
	return newClientLimiters(rps, clientIdleTTL, clockwork.NewRealClock()).middleware()
}
