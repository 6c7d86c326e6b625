// Package middleware holds the gin middleware shared by the admin routes.
package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-signals/internal/auth"
	"github.com/ksred/klear-signals/pkg/response"
)

// Rule limits every path under Prefix.
type Rule struct {
	Prefix string
	Limit  rate.Limit
	Burst  int
}

// DefaultRules throttle token requests hardest and leave reads generous.
var DefaultRules = []Rule{
	{Prefix: "/api/v1/auth", Limit: rate.Limit(10.0 / 60.0), Burst: 1},
	{Prefix: "/api/v1/signals", Limit: rate.Limit(120.0 / 60.0), Burst: 10},
	{Prefix: "/api/v1/settings", Limit: rate.Limit(60.0 / 60.0), Burst: 5},
	{Prefix: "/api/v1/results", Limit: rate.Limit(60.0 / 60.0), Burst: 5},
	{Prefix: "/api/v1/workers", Limit: rate.Limit(600.0 / 60.0), Burst: 10},
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per client and path.
type Limiter struct {
	rules []Rule
	now   func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

func NewLimiter(rules []Rule) *Limiter {
	return &Limiter{
		rules:    rules,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

func (l *Limiter) get(path, client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := client + ":" + path
	v, ok := l.visitors[key]
	if !ok {
		limit, burst := rate.Inf, 1
		for _, r := range l.rules {
			if strings.HasPrefix(path, r.Prefix) {
				limit, burst = r.Limit, r.Burst
				break
			}
		}
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		l.visitors[key] = v
	}
	v.lastSeen = l.now()
	return v.limiter
}

// Sweep forgets visitors idle for longer than idle.
func (l *Limiter) Sweep(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, v := range l.visitors {
		if l.now().Sub(v.lastSeen) > idle {
			delete(l.visitors, key)
			removed++
		}
	}
	return removed
}

// Run sweeps idle visitors every minute until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(3 * time.Minute)
		}
	}
}

// RateLimit keys on the authenticated client when known, else the remote IP.
func (l *Limiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := c.GetString("clientID")
		if client == "" {
			client = c.ClientIP()
		}

		if !l.get(c.FullPath(), client).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}
		c.Next()
	}
}

// TokenValidator is satisfied by *auth.Service.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// JWTAuth requires a bearer token with the operate permission.
func JWTAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := strings.Fields(c.GetHeader("Authorization"))
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := validator.ValidateToken(parts[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}
		if !hasPermission(claims, auth.PermissionOperate) {
			response.Unauthorized(c, "Missing permission: "+auth.PermissionOperate)
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("clientID", claims.ClientID)
		c.Next()
	}
}

func hasPermission(claims *auth.Claims, want string) bool {
	for _, p := range claims.Permissions {
		if p == want {
			return true
		}
	}
	return false
}
