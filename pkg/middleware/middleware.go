package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-swap/internal/auth"
	"github.com/ksred/klear-swap/pkg/response"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limit is a token bucket: Rate events per second with Burst headroom.
type Limit struct {
	Rate  rate.Limit
	Burst int
}

// Limits configures rate limits per endpoint family.
type Limits struct {
	Auth   Limit
	Orders Limit
	Status Limit
	Stream Limit
}

// DefaultLimits are applied per client per route.
var DefaultLimits = Limits{
	Auth:   Limit{Rate: rate.Limit(10.0 / 60.0), Burst: 1},    // 10 requests per minute
	Orders: Limit{Rate: rate.Limit(100.0 / 60.0), Burst: 10},  // 100 requests per minute
	Status: Limit{Rate: rate.Limit(1000.0 / 60.0), Burst: 50}, // 1000 requests per minute
	Stream: Limit{Rate: rate.Limit(60.0 / 60.0), Burst: 5},    // 60 upgrades per minute
}

// RateLimiter keeps one limiter per client and route.
type RateLimiter struct {
	limits Limits

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewRateLimiter starts a limiter whose idle visitors are swept until ctx is done.
func NewRateLimiter(ctx context.Context, limits Limits) *RateLimiter {
	l := &RateLimiter{
		limits:   limits,
		visitors: make(map[string]*visitor),
	}
	go l.cleanupVisitors(ctx)
	return l
}

func (l *RateLimiter) limitFor(method, path string) Limit {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return l.limits.Auth
	case strings.HasPrefix(path, "/api/v1/orders") && method == "POST":
		return l.limits.Orders
	case strings.HasPrefix(path, "/api/v1/orders"):
		return l.limits.Status
	case strings.HasPrefix(path, "/ws"):
		return l.limits.Stream
	}
	return Limit{Rate: rate.Inf}
}

func (l *RateLimiter) getLimiter(method, path, clientKey string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := clientKey + ":" + method + ":" + path
	v, exists := l.visitors[key]
	if !exists {
		limit := l.limitFor(method, path)
		burst := limit.Burst
		if burst < 1 {
			burst = 1
		}
		v = &visitor{limiter: rate.NewLimiter(limit.Rate, burst)}
		l.visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func (l *RateLimiter) cleanupVisitors(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			for key, v := range l.visitors {
				if time.Since(v.lastSeen) > 3*time.Minute {
					delete(l.visitors, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Middleware rejects requests over the route's limit with 429. Authenticated requests
// are keyed by client id, anonymous ones by IP.
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := c.GetString("clientID")
		if clientKey == "" {
			clientKey = c.ClientIP()
		}

		if !l.getLimiter(c.Request.Method, c.FullPath(), clientKey).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// TokenValidator verifies API bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// JWTAuth requires a valid API bearer token and stores its claims as "claims" and
// the client id as "clientID".
func JWTAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearerToken := strings.Fields(c.GetHeader("Authorization"))
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := validator.ValidateToken(bearerToken[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("clientID", claims.ClientID)
		c.Next()
	}
}
