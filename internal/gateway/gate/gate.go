// Package gate implements C2, the distributed endpoint gate: a cross-process
// pacing primitive that allows at most one acquisition per endpoint per
// second, backed by Redis so every process sharing the store observes the
// same ceiling. When Redis is unreachable the gate degrades to a local
// mutex that keeps at most one acquisition per endpoint per second within
// this process, preferring availability over strict global uniqueness
// (documented trade-off: availability over strict pacing). The local path
// times the slot after a release differently from the Redis path; see
// Token.Release.
//
// Grounded on internal/net/ratelimit.Limiter's shape (per-key token
// state, RLock-then-Lock double-checked creation) generalized from an
// in-process token bucket to a Redis SET/EXPIRE based cross-process one.
package gate

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrTimeout is returned when a caller's deadline elapses before a token
// is granted.
var ErrTimeout = errors.New("gate: deadline exceeded waiting for endpoint token")

const keyPrefix = "rate:gate:"

// Gate paces acquisitions per endpoint_id to at most one success per second
// across every process sharing rdb.
type Gate struct {
	rdb    redis.Cmdable
	jitter time.Duration
	log    zerolog.Logger

	// local fallback, used when rdb is nil or has been observed unreachable
	localMu   sync.Mutex
	localNext map[string]time.Time
	degraded  bool
}

// New builds a gate. rdb may be nil, in which case the gate runs permanently
// in local-mutex mode (useful for single-process deployments and tests).
func New(rdb redis.Cmdable, jitter time.Duration, log zerolog.Logger) *Gate {
	return &Gate{
		rdb:       rdb,
		jitter:    jitter,
		log:       log.With().Str("component", "gate").Logger(),
		localNext: make(map[string]time.Time),
	}
}

func (g *Gate) jitterDur() time.Duration {
	if g.jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(g.jitter)))
}

// Acquire blocks until the endpoint's next-second slot is free or deadline
// elapses, whichever comes first. On success it returns a Token the caller
// must Release (normally) or Extend+Release (after a 429).
func (g *Gate) Acquire(ctx context.Context, endpointID string, deadline time.Time) (*Token, error) {
	for {
		ok, retryAfter, err := g.tryAcquire(ctx, endpointID)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Token{gate: g, endpointID: endpointID}, nil
		}

		wait := retryAfter
		if wait <= 0 {
			wait = time.Second
		}
		if time.Now().Add(wait).After(deadline) {
			return nil, ErrTimeout
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
	}
}

// tryAcquire attempts a single non-blocking acquisition, returning a
// suggested retry-after duration if the slot is currently held.
func (g *Gate) tryAcquire(ctx context.Context, endpointID string) (acquired bool, retryAfter time.Duration, err error) {
	if g.rdb != nil && !g.degraded {
		ok, err := g.tryAcquireRedis(ctx, endpointID)
		if err == nil {
			return ok, time.Second, nil
		}
		g.log.Warn().Err(err).Msg("gate store unreachable, degrading to local mutex pacing")
		g.degraded = true
	}
	return g.tryAcquireLocal(endpointID), time.Second, nil
}

func (g *Gate) tryAcquireRedis(ctx context.Context, endpointID string) (bool, error) {
	key := keyPrefix + endpointID
	ok, err := g.rdb.SetNX(ctx, key, "1", time.Second).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (g *Gate) tryAcquireLocal(endpointID string) bool {
	g.localMu.Lock()
	defer g.localMu.Unlock()

	now := time.Now()
	next, exists := g.localNext[endpointID]
	if exists && now.Before(next) {
		return false
	}
	g.localNext[endpointID] = now.Add(time.Second)
	return true
}

// Token represents a held gate slot for one endpoint.
type Token struct {
	gate       *Gate
	endpointID string
	extended   bool
}

// Release schedules the next waiter, the default pacing for a successful
// call. With Redis the key's TTL grows to 1s + jitter from the release
// (never shrinking). In local mode the next slot opens at the later of 1s
// after the acquisition and jitter after the release, so no full second is
// added after the release.
func (t *Token) Release(ctx context.Context) {
	if t.extended {
		return // Extend already pushed the expiry out; nothing more to do.
	}
	t.gate.scheduleNext(ctx, t.endpointID, t.gate.jitterDur())
}

// Extend is called by the holder on a 429 response and takes the place of
// the release: with Redis it grows the key's TTL to 2s + jitter from now;
// in local mode the next slot opens 1s + jitter from now. A later Release
// on the same token does nothing.
func (t *Token) Extend(ctx context.Context) {
	t.extended = true
	t.gate.scheduleNext(ctx, t.endpointID, time.Second+t.gate.jitterDur())
}

func (g *Gate) scheduleNext(ctx context.Context, endpointID string, extra time.Duration) {
	if g.rdb != nil && !g.degraded {
		key := keyPrefix + endpointID
		target := time.Second + extra
		// ExpireGT only applies target when it's greater than the key's
		// remaining TTL: a bare Expire here would shorten the ~1s SetNX
		// lifetime down to extra, letting a second caller through well
		// before the 1-per-second ceiling.
		if err := g.rdb.ExpireGT(ctx, key, target).Err(); err != nil {
			g.log.Warn().Err(err).Msg("failed extending gate key TTL")
		}
		return
	}

	g.localMu.Lock()
	defer g.localMu.Unlock()
	next := time.Now().Add(extra)
	if cur, ok := g.localNext[endpointID]; !ok || next.After(cur) {
		g.localNext[endpointID] = next
	}
}

// String identifies the gate's current mode for logging/diagnostics.
func (g *Gate) String() string {
	if g.rdb == nil || g.degraded {
		return "gate(local)"
	}
	return "gate(redis)"
}
