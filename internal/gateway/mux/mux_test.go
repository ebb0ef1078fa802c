package mux

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/vortexgw/internal/gateway/types"
)

type fakeUpstream struct {
	mu   sync.Mutex
	subs []struct {
		pair types.Pair
		mode types.Mode
	}
	unsubs []types.Pair
}

func (f *fakeUpstream) Subscribe(pair types.Pair, mode types.Mode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, struct {
		pair types.Pair
		mode types.Mode
	}{pair, mode})
}

func (f *fakeUpstream) Unsubscribe(pair types.Pair) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, pair)
}

func (f *fakeUpstream) lastMode(pair types.Pair) (types.Mode, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var mode types.Mode
	found := false
	for _, s := range f.subs {
		if s.pair == pair {
			mode = s.mode
			found = true
		}
	}
	return mode, found
}

type fakeDispatcher struct {
	mu        sync.Mutex
	delivered map[string][]types.Tick
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{delivered: make(map[string][]types.Tick)}
}

func (f *fakeDispatcher) Deliver(clientID string, tick types.Tick) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered[clientID] = append(f.delivered[clientID], tick)
}

func (f *fakeDispatcher) countFor(clientID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered[clientID])
}

var pair1 = types.Pair{Exchange: types.NSEEquity, Token: 1}

func TestRegisterNewPairSubscribesUpstream(t *testing.T) {
	up := &fakeUpstream{}
	m := New(up, nil, 1000)

	err := m.Register("client1", pair1, types.ModeLTP)
	require.NoError(t, err)

	mode, ok := up.lastMode(pair1)
	require.True(t, ok)
	assert.Equal(t, types.ModeLTP, mode)
	assert.Equal(t, 1, m.RefCount(pair1))
}

func TestRegisterIdempotentForSameClientAndMode(t *testing.T) {
	up := &fakeUpstream{}
	m := New(up, nil, 1000)

	require.NoError(t, m.Register("client1", pair1, types.ModeLTP))
	require.NoError(t, m.Register("client1", pair1, types.ModeLTP))

	assert.Equal(t, 1, m.RefCount(pair1))
	up.mu.Lock()
	subCount := len(up.subs)
	up.mu.Unlock()
	assert.Equal(t, 1, subCount, "duplicate identical registration must not re-send a subscribe frame")
}

func TestRegisterSecondClientStrongerModeResubscribes(t *testing.T) {
	up := &fakeUpstream{}
	m := New(up, nil, 1000)

	require.NoError(t, m.Register("client1", pair1, types.ModeLTP))
	require.NoError(t, m.Register("client2", pair1, types.ModeFull))

	mode, _ := up.lastMode(pair1)
	assert.Equal(t, types.ModeFull, mode, "effective mode must strengthen to the max of all clients")
	assert.Equal(t, 2, m.RefCount(pair1))
}

func TestRegisterRespectsCapacity(t *testing.T) {
	up := &fakeUpstream{}
	m := New(up, nil, 1)

	require.NoError(t, m.Register("client1", pair1, types.ModeLTP))
	other := types.Pair{Exchange: types.NSEEquity, Token: 2}
	err := m.Register("client1", other, types.ModeLTP)
	assert.Equal(t, ErrCapacityExceeded, err)
}

func TestUnregisterLastClientUnsubscribesUpstream(t *testing.T) {
	up := &fakeUpstream{}
	m := New(up, nil, 1000)

	require.NoError(t, m.Register("client1", pair1, types.ModeLTP))
	m.Unregister("client1", pair1)

	assert.Equal(t, 0, m.RefCount(pair1))
	up.mu.Lock()
	unsubCount := len(up.unsubs)
	up.mu.Unlock()
	assert.Equal(t, 1, unsubCount)
}

func TestUnregisterWeakensEffectiveModeWithoutFullyUnsubscribing(t *testing.T) {
	up := &fakeUpstream{}
	m := New(up, nil, 1000)

	require.NoError(t, m.Register("client1", pair1, types.ModeLTP))
	require.NoError(t, m.Register("client2", pair1, types.ModeFull))
	m.Unregister("client2", pair1)

	mode, _ := up.lastMode(pair1)
	assert.Equal(t, types.ModeLTP, mode)
	assert.Equal(t, 1, m.RefCount(pair1))
}

func TestSetModeRecomputesEffectiveMode(t *testing.T) {
	up := &fakeUpstream{}
	m := New(up, nil, 1000)

	require.NoError(t, m.Register("client1", pair1, types.ModeLTP))
	require.NoError(t, m.SetMode("client1", pair1, types.ModeOHLCV))

	mode, _ := up.lastMode(pair1)
	assert.Equal(t, types.ModeOHLCV, mode)
}

func TestSetModeFailsWhenNotSubscribed(t *testing.T) {
	m := New(&fakeUpstream{}, nil, 1000)
	err := m.SetMode("ghost", pair1, types.ModeFull)
	assert.Error(t, err)
}

func TestListReturnsClientsOwnSubscriptions(t *testing.T) {
	up := &fakeUpstream{}
	m := New(up, nil, 1000)
	other := types.Pair{Exchange: types.NSEEquity, Token: 2}

	require.NoError(t, m.Register("client1", pair1, types.ModeLTP))
	require.NoError(t, m.Register("client1", other, types.ModeFull))

	subs := m.List("client1")
	assert.Len(t, subs, 2)
}

func TestUnregisterAllTearsDownEverySubscription(t *testing.T) {
	up := &fakeUpstream{}
	m := New(up, nil, 1000)
	other := types.Pair{Exchange: types.NSEEquity, Token: 2}

	require.NoError(t, m.Register("client1", pair1, types.ModeLTP))
	require.NoError(t, m.Register("client1", other, types.ModeLTP))

	m.UnregisterAll("client1")

	assert.Empty(t, m.List("client1"))
	assert.Equal(t, 0, m.PairCount())
}

func TestOnTickFansOutToEverySubscribedClient(t *testing.T) {
	up := &fakeUpstream{}
	disp := newFakeDispatcher()
	m := New(up, disp, 1000)

	require.NoError(t, m.Register("client1", pair1, types.ModeLTP))
	require.NoError(t, m.Register("client2", pair1, types.ModeLTP))

	m.OnTick(types.Tick{Pair: pair1, Mode: types.ModeLTP})

	assert.Equal(t, 1, disp.countFor("client1"))
	assert.Equal(t, 1, disp.countFor("client2"))
}

func TestOnTickForUnregisteredPairIsANoOp(t *testing.T) {
	disp := newFakeDispatcher()
	m := New(&fakeUpstream{}, disp, 1000)

	m.OnTick(types.Tick{Pair: pair1})

	assert.Equal(t, 0, disp.countFor("client1"))
}

func TestOnTickWithNilDispatcherDoesNotPanic(t *testing.T) {
	up := &fakeUpstream{}
	m := New(up, nil, 1000)
	require.NoError(t, m.Register("client1", pair1, types.ModeLTP))

	assert.NotPanics(t, func() {
		m.OnTick(types.Tick{Pair: pair1})
	})
}

func TestSetUpstreamAndSetDispatcherWireAfterConstruction(t *testing.T) {
	m := New(nil, nil, 1000)
	up := &fakeUpstream{}
	disp := newFakeDispatcher()

	m.SetUpstream(up)
	m.SetDispatcher(disp)

	require.NoError(t, m.Register("client1", pair1, types.ModeLTP))
	m.OnTick(types.Tick{Pair: pair1})

	assert.Equal(t, 1, disp.countFor("client1"))
	_, ok := up.lastMode(pair1)
	assert.True(t, ok)
}
