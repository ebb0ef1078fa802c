// Package cache implements C4, the two-tier quote cache: a bounded
// in-memory LRU (~10k entries, ~5s TTL) written on every provider response
// and every decoded tick, plus a Redis-backed "last_tick" store written
// only by the tick ingestor. The tiers are independent — a write to one
// never evicts or invalidates the other.
//
// Grounded on data/cache/cache.go's shape (in-memory map + optional
// Redis adapter behind one Cache interface), generalized here into two
// named tiers since they have different writers and TTLs.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sawpanic/vortexgw/internal/gateway/types"
)

type memEntry struct {
	token     uint32
	quote     types.Quote
	storedAt  time.Time
}

// Memory is a bounded, thread-safe LRU of the most recently seen quotes.
type Memory struct {
	mu       sync.Mutex
	ttl      time.Duration
	max      int
	items    map[uint32]*list.Element
	order    *list.List // front = most recently used
}

// NewMemory builds the bounded memory tier.
func NewMemory(max int, ttl time.Duration) *Memory {
	return &Memory{
		ttl:   ttl,
		max:   max,
		items: make(map[uint32]*list.Element),
		order: list.New(),
	}
}

// Put writes a quote for token, evicting the least-recently-used entry if
// the cache is at capacity and this is a new key.
func (m *Memory) Put(token uint32, q types.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[token]; ok {
		el.Value.(*memEntry).quote = q
		el.Value.(*memEntry).storedAt = time.Now()
		m.order.MoveToFront(el)
		return
	}

	el := m.order.PushFront(&memEntry{token: token, quote: q, storedAt: time.Now()})
	m.items[token] = el

	if m.order.Len() > m.max {
		oldest := m.order.Back()
		if oldest != nil {
			m.order.Remove(oldest)
			delete(m.items, oldest.Value.(*memEntry).token)
		}
	}
}

// Get returns the cached quote for token if present and not expired. A
// value older than TTL is treated as a miss, not returned stale.
func (m *Memory) Get(token uint32) (types.Quote, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[token]
	if !ok {
		return types.Quote{}, false
	}
	e := el.Value.(*memEntry)
	if time.Since(e.storedAt) > m.ttl {
		return types.Quote{}, false
	}
	m.order.MoveToFront(el)
	return e.quote, true
}

// Len reports the current entry count, mostly useful for tests/diagnostics.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// SharedStore is the Redis-backed "last_tick" tier. Only the tick ingestor
// writes to it — ticks are the authoritative live source.
type SharedStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewSharedStore builds the shared tier against an existing Redis client.
func NewSharedStore(rdb redis.Cmdable, ttl time.Duration) *SharedStore {
	return &SharedStore{rdb: rdb, ttl: ttl}
}

func tickKey(token uint32) string {
	return "last_tick:" + strconv.FormatUint(uint64(token), 10)
}

// Write stores the tick's quote under its own TTL contract, independent of
// the memory tier's.
func (s *SharedStore) Write(ctx context.Context, token uint32, q types.Quote) error {
	b, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, tickKey(token), b, s.ttl).Err()
}

// Read returns the last tick's quote for token, if still within TTL.
func (s *SharedStore) Read(ctx context.Context, token uint32) (types.Quote, bool) {
	b, err := s.rdb.Get(ctx, tickKey(token)).Bytes()
	if err != nil {
		return types.Quote{}, false
	}
	var q types.Quote
	if err := json.Unmarshal(b, &q); err != nil {
		return types.Quote{}, false
	}
	return q, true
}
