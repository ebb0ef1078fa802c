package client

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/vortexgw/internal/config"
	"github.com/sawpanic/vortexgw/internal/gateway/batcher"
	"github.com/sawpanic/vortexgw/internal/gateway/cache"
	"github.com/sawpanic/vortexgw/internal/gateway/composer"
	"github.com/sawpanic/vortexgw/internal/gateway/gate"
	"github.com/sawpanic/vortexgw/internal/gateway/mux"
	"github.com/sawpanic/vortexgw/internal/gateway/resolver"
	"github.com/sawpanic/vortexgw/internal/gateway/tenant"
	"github.com/sawpanic/vortexgw/internal/gateway/testutil"
	"github.com/sawpanic/vortexgw/internal/gateway/types"
)

type fakeQuotesFetcher struct {
	price float64
}

func (f fakeQuotesFetcher) Quotes(ctx context.Context, pairs []types.Pair, mode types.Mode) (map[string]types.Quote, error) {
	out := make(map[string]types.Quote, len(pairs))
	for _, p := range pairs {
		out[p.String()] = types.PriceQuote(f.price, time.Now())
	}
	return out, nil
}

type fakeUpstreamSub struct {
	mu   sync.Mutex
	subs int
}

func (f *fakeUpstreamSub) Subscribe(pair types.Pair, mode types.Mode) {
	f.mu.Lock()
	f.subs++
	f.mu.Unlock()
}
func (f *fakeUpstreamSub) Unsubscribe(pair types.Pair) {}

func newTestConnection(t *testing.T, entitlements map[types.Exchange]bool) *Connection {
	t.Helper()
	cfg := config.Default()
	log := zerolog.Nop()

	res, err := resolver.New("", time.Minute, log)
	require.NoError(t, err)

	mx := mux.New(&fakeUpstreamSub{}, nil, cfg.Stream.MaxSubsPerSocket)

	g := gate.New(nil, 0, log)
	b := batcher.New(fakeQuotesFetcher{price: 123.45}, g, res, 5*time.Millisecond, 500, 1, log)
	mem := cache.NewMemory(cfg.Cache.MemoryMax, cfg.Cache.MemoryTTLMS)
	shared := cache.NewSharedStore(testutil.NewFakeRedis(), cfg.Cache.TickTTLMS)
	comp := composer.New(res, b, mem, shared)

	gw := New(cfg, res, mx, comp, nil, nil, log)
	mx.SetDispatcher(gw)

	tctx := &tenant.Context{
		TenantID:           "tenantA",
		RateLimitPerMinute: 600,
		ConnectionLimit:    5,
		Entitlements:       entitlements,
	}

	c := &Connection{
		id:       "conn1",
		tenant:   tctx,
		gateway:  gw,
		outbound: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
	return c
}

func drainOne(t *testing.T, c *Connection) map[string]interface{} {
	t.Helper()
	select {
	case b := <-c.outbound:
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(b, &m))
		return m
	case <-time.After(time.Second):
		t.Fatal("expected a queued outbound message")
		return nil
	}
}

func TestHandleSubscribeWithExplicitPairIncludesSnapshot(t *testing.T) {
	c := newTestConnection(t, map[types.Exchange]bool{types.NSEEquity: true})

	c.handleFrame([]byte(`{"event":"subscribe","mode":"ltp","instruments":["NSE_EQ-738561"]}`))

	msg := drainOne(t, c)
	assert.Equal(t, "subscribe_ack", msg["event"])
	included := msg["included"].([]interface{})
	require.Len(t, included, 1)
	assert.Equal(t, "NSE_EQ-738561", included[0])
	snapshot := msg["snapshot"].(map[string]interface{})
	assert.Contains(t, snapshot, "NSE_EQ-738561")
}

func TestHandleSubscribeRejectsForbiddenExchange(t *testing.T) {
	c := newTestConnection(t, map[types.Exchange]bool{types.NSEEquity: true})

	c.handleFrame([]byte(`{"event":"subscribe","mode":"ltp","instruments":["MCX_FO-1"]}`))

	// forbidden exchange emits an error frame before the ack
	errMsg := drainOne(t, c)
	assert.Equal(t, "error", errMsg["event"])
	assert.Equal(t, "forbidden_exchange", errMsg["code"])

	ack := drainOne(t, c)
	assert.Equal(t, "subscribe_ack", ack["event"])
	assert.Empty(t, ack["included"])
}

func TestHandleSubscribeKeysSnapshotByOriginalBareToken(t *testing.T) {
	c := newTestConnection(t, map[types.Exchange]bool{types.NSEEquity: true})
	c.gateway.resolver.Prime([]types.Pair{{Exchange: types.NSEEquity, Token: 26000}})

	c.handleFrame([]byte(`{"event":"subscribe","mode":"ltp","instruments":[26000]}`))

	msg := drainOne(t, c)
	assert.Equal(t, "subscribe_ack", msg["event"])
	snapshot := msg["snapshot"].(map[string]interface{})
	_, keyedByToken := snapshot["26000"]
	_, keyedByPair := snapshot["NSE_EQ-26000"]
	assert.True(t, keyedByToken, "expected snapshot keyed by the original bare token")
	assert.False(t, keyedByPair, "pair key should have been replaced by the token key")
}

func TestHandleSubscribeInvalidInstrumentElementSendsInvalidPayload(t *testing.T) {
	c := newTestConnection(t, map[types.Exchange]bool{types.NSEEquity: true})

	c.handleFrame([]byte(`{"event":"subscribe","mode":"ltp","instruments":["NSE_EQ-1","garbage"]}`))

	errMsg := drainOne(t, c)
	assert.Equal(t, "error", errMsg["event"])
	assert.Equal(t, "invalid_payload", errMsg["code"])

	ack := drainOne(t, c)
	assert.Equal(t, "subscribe_ack", ack["event"])
}

func TestHandleSubscribeInvalidModeRejected(t *testing.T) {
	c := newTestConnection(t, map[types.Exchange]bool{types.NSEEquity: true})

	c.handleFrame([]byte(`{"event":"subscribe","mode":"bogus","instruments":["NSE_EQ-1"]}`))

	msg := drainOne(t, c)
	assert.Equal(t, "error", msg["event"])
	assert.Equal(t, "invalid_mode", msg["code"])
}

func TestHandleUnsubscribeRemovesSubscription(t *testing.T) {
	c := newTestConnection(t, map[types.Exchange]bool{types.NSEEquity: true})
	c.handleFrame([]byte(`{"event":"subscribe","mode":"ltp","instruments":["NSE_EQ-1"]}`))
	drainOne(t, c) // subscribe_ack

	c.handleFrame([]byte(`{"event":"unsubscribe","instruments":["NSE_EQ-1"]}`))
	msg := drainOne(t, c)
	assert.Equal(t, "unsubscribe_ack", msg["event"])

	assert.Equal(t, 0, c.gateway.mux.PairCount())
}

func TestHandleListReturnsCurrentSubscriptions(t *testing.T) {
	c := newTestConnection(t, map[types.Exchange]bool{types.NSEEquity: true})
	c.handleFrame([]byte(`{"event":"subscribe","mode":"ltp","instruments":["NSE_EQ-1"]}`))
	drainOne(t, c)

	c.handleFrame([]byte(`{"event":"list_subscriptions"}`))
	msg := drainOne(t, c)
	assert.Equal(t, "subscriptions", msg["event"])
	subs := msg["subscriptions"].([]interface{})
	assert.Len(t, subs, 1)
}

func TestHandleWhoamiReturnsTenantID(t *testing.T) {
	c := newTestConnection(t, map[types.Exchange]bool{})
	c.handleFrame([]byte(`{"event":"whoami"}`))
	msg := drainOne(t, c)
	assert.Equal(t, "whoami", msg["event"])
	assert.Equal(t, "tenantA", msg["tenant_id"])
}

func TestHandlePingRepliesPong(t *testing.T) {
	c := newTestConnection(t, map[types.Exchange]bool{})
	c.handleFrame([]byte(`{"event":"ping"}`))
	msg := drainOne(t, c)
	assert.Equal(t, "pong", msg["event"])
}

func TestHandleUnknownEventSendsInvalidPayload(t *testing.T) {
	c := newTestConnection(t, map[types.Exchange]bool{})
	c.handleFrame([]byte(`{"event":"not_a_real_event"}`))
	msg := drainOne(t, c)
	assert.Equal(t, "error", msg["event"])
	assert.Equal(t, "invalid_payload", msg["code"])
}

func TestHandleMalformedJSONSendsInvalidPayload(t *testing.T) {
	c := newTestConnection(t, map[types.Exchange]bool{})
	c.handleFrame([]byte(`not json at all`))
	msg := drainOne(t, c)
	assert.Equal(t, "error", msg["event"])
	assert.Equal(t, "invalid_payload", msg["code"])
}

func TestParseInstrumentsSplitsNumbersAndPairStrings(t *testing.T) {
	raw := []json.RawMessage{
		json.RawMessage(`738561`),
		json.RawMessage(`"NSE_EQ-1"`),
		json.RawMessage(`"garbage"`),
	}
	tokens, pairs, invalid := parseInstruments(raw)

	assert.Equal(t, []uint32{738561}, tokens)
	require.Len(t, pairs, 1)
	assert.Equal(t, types.Pair{Exchange: types.NSEEquity, Token: 1}, pairs[0])
	assert.Equal(t, 1, invalid)
}

func TestParsePairStringRejectsUnknownExchange(t *testing.T) {
	_, ok := parsePairString("BOGUS-1")
	assert.False(t, ok)
}

func TestParsePairStringRejectsNonNumericToken(t *testing.T) {
	_, ok := parsePairString("NSE_EQ-abc")
	assert.False(t, ok)
}
