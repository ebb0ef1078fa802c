// Package testutil holds small test doubles shared across the gateway's
// package tests. redismock/v8 only targets go-redis/v8; this module is on
// go-redis/v9, so the handful of redis.Cmdable methods the gate and cache
// actually call are faked directly here instead.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// FakeRedis implements just enough of redis.Cmdable to exercise the gate's
// SETNX/EXPIREGT pacing and the cache's GET/SET tick store. Any method
// beyond those four panics on a nil embedded Cmdable if a test exercises
// it, which is the point — it means the test needs a new fake method, not
// a silently wrong one.
type FakeRedis struct {
	redis.Cmdable

	mu     sync.Mutex
	values map[string]string
	expiry map[string]time.Time

	// FailNext, if set, makes the next call to SetNX, ExpireGT, Set or Get
	// return this error instead of touching the store — used to exercise
	// degrade paths.
	FailNext error
}

// NewFakeRedis builds an empty fake store.
func NewFakeRedis() *FakeRedis {
	return &FakeRedis{
		values: make(map[string]string),
		expiry: make(map[string]time.Time),
	}
}

func (f *FakeRedis) expired(key string) bool {
	exp, ok := f.expiry[key]
	return ok && time.Now().After(exp)
}

func (f *FakeRedis) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailNext != nil {
		cmd.SetErr(f.FailNext)
		f.FailNext = nil
		return cmd
	}

	if _, exists := f.values[key]; exists && !f.expired(key) {
		cmd.SetVal(false)
		return cmd
	}
	f.values[key] = value.(string)
	if ttl > 0 {
		f.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(f.expiry, key)
	}
	cmd.SetVal(true)
	return cmd
}

// ExpireGT sets key's TTL to ttl only if that's later than its current
// expiry (or the key carries no expiry at all), mirroring Redis's
// `EXPIRE key ttl GT` — it never shortens a key's remaining lifetime.
func (f *FakeRedis) ExpireGT(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailNext != nil {
		cmd.SetErr(f.FailNext)
		f.FailNext = nil
		return cmd
	}

	if _, exists := f.values[key]; !exists {
		cmd.SetVal(false)
		return cmd
	}
	candidate := time.Now().Add(ttl)
	if cur, ok := f.expiry[key]; ok && !candidate.After(cur) {
		cmd.SetVal(false)
		return cmd
	}
	f.expiry[key] = candidate
	cmd.SetVal(true)
	return cmd
}

func (f *FakeRedis) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailNext != nil {
		cmd.SetErr(f.FailNext)
		f.FailNext = nil
		return cmd
	}

	switch v := value.(type) {
	case string:
		f.values[key] = v
	case []byte:
		f.values[key] = string(v)
	default:
		cmd.SetErr(errUnsupportedType)
		return cmd
	}
	if ttl > 0 {
		f.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(f.expiry, key)
	}
	cmd.SetVal("OK")
	return cmd
}

func (f *FakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailNext != nil {
		cmd.SetErr(f.FailNext)
		f.FailNext = nil
		return cmd
	}

	if f.expired(key) {
		delete(f.values, key)
		delete(f.expiry, key)
	}
	v, ok := f.values[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

// PeekExpiry returns the fake's recorded expiry for key, letting tests
// assert pacing behavior directly instead of sleeping out real TTLs.
func (f *FakeRedis) PeekExpiry(key string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exp, ok := f.expiry[key]
	return exp, ok
}

var errUnsupportedType = &unsupportedTypeError{}

type unsupportedTypeError struct{}

func (*unsupportedTypeError) Error() string { return "testutil: fake redis only stores string/[]byte" }
