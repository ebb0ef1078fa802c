// Package mux implements C7, the subscription multiplexer: it maintains
// the N-to-1 mapping between client subscriptions and upstream
// subscriptions, enforces the 1000-per-socket cap, reference-counts
// unsubscribes, and computes each pair's effective upstream mode as the
// strongest mode any client currently wants.
//
// Cyclic ownership note: the mux never reaches into the
// ingestor's or a client connection's state directly — it only holds an
// UpstreamSubscriber handle and Client IDs, communicating by method call /
// message passing exactly like three independent actors would.
package mux

import (
	"errors"
	"sync"

	"github.com/sawpanic/vortexgw/internal/gateway/types"
)

// ErrCapacityExceeded is returned when a new pair would exceed the
// per-socket subscription cap.
var ErrCapacityExceeded = errors.New("capacity_exceeded")

// UpstreamSubscriber is the ingestor's half of the contract: enqueue a
// subscribe/unsubscribe frame for a pair at a given mode.
type UpstreamSubscriber interface {
	Subscribe(pair types.Pair, mode types.Mode)
	Unsubscribe(pair types.Pair)
}

// Dispatcher delivers a tick to one specific client.
type Dispatcher interface {
	Deliver(clientID string, tick types.Tick)
}

// ClientID identifies a connection; the mux never holds more than an ID
// and a Dispatcher handle for any given client.
type ClientID = string

type pairState struct {
	mode     types.Mode
	clients  map[ClientID]types.Mode // each client's own requested mode for this pair
}

// Mux is C7.
type Mux struct {
	upstream   UpstreamSubscriber
	dispatcher Dispatcher
	maxSubs    int

	mu          sync.Mutex
	pairs       map[types.Pair]*pairState
	clientPairs map[ClientID]map[types.Pair]bool // for list()/unregister_all()
}

// New builds the multiplexer. upstream and dispatcher may be nil at
// construction time and filled in later via SetUpstream/SetDispatcher —
// the ingestor needs a TickSink (this Mux) before it exists, and this Mux
// needs the ingestor as its UpstreamSubscriber and the client gateway as
// its Dispatcher, so main.go resolves the cycle with two-phase wiring
// instead of a constructor that can't be satisfied in either order.
func New(upstream UpstreamSubscriber, dispatcher Dispatcher, maxSubs int) *Mux {
	return &Mux{
		upstream:    upstream,
		dispatcher:  dispatcher,
		maxSubs:     maxSubs,
		pairs:       make(map[types.Pair]*pairState),
		clientPairs: make(map[ClientID]map[types.Pair]bool),
	}
}

// SetUpstream fills in the upstream subscriber after construction.
func (m *Mux) SetUpstream(u UpstreamSubscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upstream = u
}

// SetDispatcher fills in the dispatcher after construction.
func (m *Mux) SetDispatcher(d Dispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatcher = d
}

// OnTick implements upstream.TickSink: it fans a decoded tick out to every
// client currently subscribed to its pair, in the order ticks arrive from
// upstream. Dispatch across pairs is not ordered relative to each other,
// only per (pair, mode).
func (m *Mux) OnTick(tick types.Tick) {
	m.mu.Lock()
	ps, ok := m.pairs[tick.Pair]
	if !ok {
		m.mu.Unlock()
		return
	}
	clients := make([]ClientID, 0, len(ps.clients))
	for c := range ps.clients {
		clients = append(clients, c)
	}
	dispatcher := m.dispatcher
	m.mu.Unlock()

	if dispatcher == nil {
		return
	}
	for _, c := range clients {
		dispatcher.Deliver(c, tick)
	}
}

// Register creates the client's per-pair subscription if new (a resubscribe
// with a different mode is equivalent to SetMode), increments the upstream
// refcount, and enqueues an upstream subscribe frame if the pair is newly
// registered or its effective mode strengthens.
func (m *Mux) Register(client ClientID, pair types.Pair, mode types.Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ps, exists := m.pairs[pair]
	if !exists {
		if len(m.pairs) >= m.maxSubs {
			return ErrCapacityExceeded
		}
		ps = &pairState{mode: mode, clients: make(map[ClientID]types.Mode)}
		m.pairs[pair] = ps
	}

	prevMode, clientAlready := ps.clients[client]
	if clientAlready && prevMode == mode {
		return nil // idempotent: no refcount change, no duplicate upstream subscribe
	}

	ps.clients[client] = mode
	if m.clientPairs[client] == nil {
		m.clientPairs[client] = make(map[types.Pair]bool)
	}
	m.clientPairs[client][pair] = true

	newEffective := m.recomputeEffective(ps)
	becameNew := !exists
	strengthened := newEffective != ps.mode
	ps.mode = newEffective

	if becameNew || strengthened {
		m.upstream.Subscribe(pair, ps.mode)
	}
	return nil
}

// Unregister decrements the pair's refcount for this client; on the last
// client leaving, it enqueues an upstream unsubscribe frame.
func (m *Mux) Unregister(client ClientID, pair types.Pair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unregisterLocked(client, pair)
}

func (m *Mux) unregisterLocked(client ClientID, pair types.Pair) {
	ps, ok := m.pairs[pair]
	if !ok {
		return
	}
	if _, had := ps.clients[client]; !had {
		return
	}
	delete(ps.clients, client)
	delete(m.clientPairs[client], pair)

	if len(ps.clients) == 0 {
		delete(m.pairs, pair)
		m.upstream.Unsubscribe(pair)
		return
	}

	newEffective := m.recomputeEffective(ps)
	if newEffective != ps.mode {
		ps.mode = newEffective
		m.upstream.Subscribe(pair, ps.mode) // mode weakened; the re-sent subscribe updates the upstream mode
	}
}

// SetMode adjusts one client's mode for a pair and recomputes the pair's
// effective upstream mode; if it changed, re-sends a subscribe frame (the
// upstream protocol treats a repeated subscribe as a mode update).
func (m *Mux) SetMode(client ClientID, pair types.Pair, mode types.Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ps, ok := m.pairs[pair]
	if !ok {
		return errors.New("set_mode_failed: not subscribed")
	}
	if _, had := ps.clients[client]; !had {
		return errors.New("set_mode_failed: not subscribed")
	}

	ps.clients[client] = mode
	newEffective := m.recomputeEffective(ps)
	if newEffective != ps.mode {
		ps.mode = newEffective
		m.upstream.Subscribe(pair, ps.mode)
	}
	return nil
}

func (m *Mux) recomputeEffective(ps *pairState) types.Mode {
	effective := types.ModeLTP
	for _, mode := range ps.clients {
		effective = types.Stronger(effective, mode)
	}
	return effective
}

// List returns the client's current subscriptions.
func (m *Mux) List(client ClientID) []types.ClientSub {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.ClientSub, 0, len(m.clientPairs[client]))
	for pair := range m.clientPairs[client] {
		out = append(out, types.ClientSub{Pair: pair, Mode: m.pairs[pair].clients[client]})
	}
	return out
}

// UnregisterAll tears down every subscription for a client — the cleanup
// guarantee invoked on disconnect.
func (m *Mux) UnregisterAll(client ClientID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pairs := make([]types.Pair, 0, len(m.clientPairs[client]))
	for pair := range m.clientPairs[client] {
		pairs = append(pairs, pair)
	}
	for _, pair := range pairs {
		m.unregisterLocked(client, pair)
	}
	delete(m.clientPairs, client)
}

// RefCount reports the number of clients referencing a pair (testable
// property support; not part of the public wire protocol).
func (m *Mux) RefCount(pair types.Pair) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.pairs[pair]
	if !ok {
		return 0
	}
	return len(ps.clients)
}

// PairCount reports the number of distinct upstream pairs currently
// registered, for the 1000-per-socket invariant and the `status` event.
func (m *Mux) PairCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pairs)
}
