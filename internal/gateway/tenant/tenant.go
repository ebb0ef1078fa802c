// Package tenant loads and rate-limits per-tenant context: the read-mostly
// API-key-to-tenant mapping, entitlements, and connection/event rate
// limits.
//
// Grounded on internal/net/ratelimit.Limiter's shape (lazily-created
// per-key token bucket behind a double-checked RLock/Lock) reused here
// keyed by (tenant, event) instead of (provider, host).
package tenant

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/sawpanic/vortexgw/internal/gateway/types"
)

// ErrMissingAPIKey and ErrInvalidAPIKey are the connect-time rejections
// named alongside subscribe/unsubscribe in the client event protocol.
var (
	ErrMissingAPIKey = errors.New("missing_api_key")
	ErrInvalidAPIKey = errors.New("invalid_api_key")
)

// Context is the read-mostly tenant record.
type Context struct {
	APIKey             string
	TenantID           string
	RateLimitPerMinute int
	ConnectionLimit    int
	Entitlements       map[types.Exchange]bool
	WSRPSOverrides     map[string]float64
}

// Allows reports whether the tenant is entitled to subscribe to ex.
func (c *Context) Allows(ex types.Exchange) bool {
	return c.Entitlements[ex]
}

// Store is the read-only API-key lookup. Invalidation is best-effort: a
// Store implementation may simply cache with a short TTL.
type Store interface {
	Lookup(ctx context.Context, apiKey string) (*Context, error)
}

// ErrDisabled distinguishes a known-but-disabled key from one that was
// never issued (both render as ErrInvalidAPIKey to the client, but the
// store may want to log them differently).
var ErrDisabled = errors.New("tenant disabled")

// Limiter rate-limits events per tenant using a per-(tenant,event) token
// bucket, lazily created on first use — the same shape as
// internal/net/ratelimit.Limiter.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rpsFor   func(event string) float64
}

// NewLimiter builds the per-event limiter. rpsFor resolves the configured
// rate for an event name (falling back to a default), matching
// config.Config.RPSFor.
func NewLimiter(rpsFor func(event string) float64) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rpsFor:   rpsFor,
	}
}

func (l *Limiter) key(tenantID, event string) string {
	return tenantID + "|" + event
}

// Allow reports whether the tenant may perform event right now, per
// Per-event per-tenant rate limits are enforced before any work; on
// breach the caller should reject with rate_limited.
func (l *Limiter) Allow(tenantID, event string, override float64) bool {
	key := l.key(tenantID, event)

	l.mu.RLock()
	lim, ok := l.limiters[key]
	l.mu.RUnlock()
	if ok {
		return lim.Allow()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[key]; ok {
		return lim.Allow()
	}

	rps := override
	if rps <= 0 {
		rps = l.rpsFor(event)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	lim = rate.NewLimiter(rate.Limit(rps), burst)
	l.limiters[key] = lim
	return lim.Allow()
}
