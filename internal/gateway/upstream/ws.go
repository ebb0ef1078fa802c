// C6: the tick ingestor. Maintains exactly one upstream WebSocket session,
// decodes inbound binary frames, writes every decoded tick through the
// quote cache, and dispatches it to whatever local subscriber wants it.
//
// Grounded on internal/providers/kraken's shape (gorilla/websocket
// session held behind a mutex, reconnect-with-backoff) and
// internal/data/ws/binance.go's connected/subscribed bookkeeping, replacing
// a mock tick generator with real frame decoding (frame.go)
// and its exponential-backoff reconnect state machine.
package upstream

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sawpanic/vortexgw/internal/gateway/cache"
	"github.com/sawpanic/vortexgw/internal/gateway/types"
)

// ConnState is the ingestor's connection lifecycle state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateStreaming
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// TickSink receives every decoded tick, already stamped with its resolved
// pair. The multiplexer implements this to drive per-client dispatch.
type TickSink interface {
	OnTick(t types.Tick)
}

// subscribeFrame is the text control message the gateway sends upstream.
type subscribeFrame struct {
	Exchange    string `json:"exchange"`
	Token       uint32 `json:"token"`
	Mode        string `json:"mode"`
	MessageType string `json:"message_type"`
}

// Ingestor owns the single upstream WebSocket connection.
type Ingestor struct {
	wsURL         string
	authToken     func() string
	maxBackoff    time.Duration
	log           zerolog.Logger
	memCache      *cache.Memory
	sharedCache   *cache.SharedStore
	sink          TickSink

	mu            sync.Mutex
	conn          *websocket.Conn
	state         ConnState
	tokenToPair   map[uint32]types.Pair
	registered    map[types.Pair]types.Mode // currently registered upstream subs, for replay
	streamingSince time.Time
	unknownFrames int64

	// subscribeQueue serializes outbound subscribe/unsubscribe frames so
	// no two can interleave for the same pair.
	subscribeQueue chan subscribeFrame

	stopCh chan struct{}
}

// NewIngestor builds the ingestor. authToken is read fresh on each (re)connect.
func NewIngestor(wsURL string, authToken func() string, maxBackoff time.Duration, memCache *cache.Memory, sharedCache *cache.SharedStore, sink TickSink, log zerolog.Logger) *Ingestor {
	return &Ingestor{
		wsURL:          wsURL,
		authToken:      authToken,
		maxBackoff:     maxBackoff,
		log:            log.With().Str("component", "tick_ingestor").Logger(),
		memCache:       memCache,
		sharedCache:    sharedCache,
		sink:           sink,
		tokenToPair:    make(map[uint32]types.Pair),
		registered:     make(map[types.Pair]types.Mode),
		subscribeQueue: make(chan subscribeFrame, 4096),
		stopCh:         make(chan struct{}),
	}
}

// Run drives the connect/stream/reconnect loop until ctx is cancelled.
func (ing *Ingestor) Run(ctx context.Context) {
	go ing.serializeOutbound(ctx)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streamStart, err := ing.connectAndStream(ctx)
		if err != nil {
			ing.log.Warn().Err(err).Msg("upstream session ended")
		}

		// Backoff resets after >=30s of uninterrupted streaming.
		if !streamStart.IsZero() && time.Since(streamStart) >= 30*time.Second {
			backoff = time.Second
		}

		wait := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		if wait > ing.maxBackoff {
			wait = ing.maxBackoff
		}
		ing.setState(StateDisconnected)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > ing.maxBackoff {
			backoff = ing.maxBackoff
		}
	}
}

func (ing *Ingestor) connectAndStream(ctx context.Context) (streamStart time.Time, err error) {
	ing.setState(StateConnecting)

	u, perr := url.Parse(ing.wsURL)
	if perr != nil {
		return time.Time{}, perr
	}
	q := u.Query()
	q.Set("auth_token", ing.authToken())
	u.RawQuery = q.Encode()

	conn, _, derr := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if derr != nil {
		return time.Time{}, derr
	}

	ing.mu.Lock()
	ing.conn = conn
	ing.mu.Unlock()
	ing.setState(StateConnected)

	ing.replaySubscriptions(ctx)
	ing.setState(StateStreaming)
	streamStart = time.Now()
	ing.mu.Lock()
	ing.streamingSince = streamStart
	ing.mu.Unlock()

	defer func() {
		conn.Close()
		ing.mu.Lock()
		ing.conn = nil
		ing.mu.Unlock()
	}()

	for {
		_, data, rerr := conn.ReadMessage()
		if rerr != nil {
			return streamStart, rerr
		}
		ing.handleFrame(data)
	}
}

func (ing *Ingestor) handleFrame(data []byte) {
	decoded := DecodeFrame(data, time.Now())
	if decoded.UnknownCount > 0 {
		ing.mu.Lock()
		ing.unknownFrames += int64(decoded.UnknownCount)
		ing.mu.Unlock()
		ing.log.Debug().Int("count", decoded.UnknownCount).Msg("dropped records of unrecognized length")
	}

	for _, tick := range decoded.Ticks {
		ing.mu.Lock()
		pair, known := ing.tokenToPair[tick.Pair.Token]
		ing.mu.Unlock()
		if !known {
			// A tick for a token we never subscribed (or already
			// unsubscribed) is not a parser error; just drop it.
			continue
		}
		tick.Pair = pair

		ing.memCache.Put(pair.Token, tick.Quote)
		if ing.sharedCache != nil {
			_ = ing.sharedCache.Write(context.Background(), pair.Token, tick.Quote)
		}
		if ing.sink != nil {
			ing.sink.OnTick(tick)
		}
	}
}

// replaySubscriptions resends every currently-registered upstream sub on
// (re)entering STREAMING, before any tick is delivered. It enqueues onto
// subscribeQueue rather than writing directly, so serializeOutbound stays
// the only goroutine that ever calls conn.WriteMessage — gorilla/websocket
// panics on concurrent writes to one connection, and connectAndStream's
// caller goroutine is not that goroutine.
func (ing *Ingestor) replaySubscriptions(ctx context.Context) {
	ing.mu.Lock()
	subs := make([]subscribeFrame, 0, len(ing.registered))
	for pair, mode := range ing.registered {
		subs = append(subs, subscribeFrame{
			Exchange:    string(pair.Exchange),
			Token:       pair.Token,
			Mode:        mode.String(),
			MessageType: "subscribe",
		})
	}
	ing.mu.Unlock()

	for _, f := range subs {
		select {
		case ing.subscribeQueue <- f:
		case <-ctx.Done():
			return
		}
	}
}

// Subscribe registers a pair/mode for the replay list and enqueues an
// immediate subscribe frame. Called by the multiplexer, never directly by
// client code.
func (ing *Ingestor) Subscribe(pair types.Pair, mode types.Mode) {
	ing.mu.Lock()
	ing.registered[pair] = mode
	ing.tokenToPair[pair.Token] = pair
	ing.mu.Unlock()

	ing.subscribeQueue <- subscribeFrame{
		Exchange:    string(pair.Exchange),
		Token:       pair.Token,
		Mode:        mode.String(),
		MessageType: "subscribe",
	}
}

// Unsubscribe removes a pair from the replay list and enqueues an
// unsubscribe frame.
func (ing *Ingestor) Unsubscribe(pair types.Pair) {
	ing.mu.Lock()
	delete(ing.registered, pair)
	delete(ing.tokenToPair, pair.Token)
	ing.mu.Unlock()

	ing.subscribeQueue <- subscribeFrame{
		Exchange:    string(pair.Exchange),
		Token:       pair.Token,
		MessageType: "unsubscribe",
	}
}

// serializeOutbound is the single serializer task for the upstream socket's
// subscribe/unsubscribe queue, so out-of-order frames for the same pair are
// impossible.
func (ing *Ingestor) serializeOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-ing.subscribeQueue:
			ing.writeFrame(f)
		}
	}
}

func (ing *Ingestor) writeFrame(f subscribeFrame) {
	ing.mu.Lock()
	conn := ing.conn
	ing.mu.Unlock()
	if conn == nil {
		return // not connected; replaySubscriptions will resend on reconnect
	}

	b, err := json.Marshal(f)
	if err != nil {
		ing.log.Error().Err(err).Msg("failed marshaling subscribe frame")
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		ing.log.Warn().Err(err).Msg("failed writing subscribe frame, will replay on reconnect")
	}
}

func (ing *Ingestor) setState(s ConnState) {
	ing.mu.Lock()
	ing.state = s
	ing.mu.Unlock()
}

// State returns the ingestor's current connection state.
func (ing *Ingestor) State() ConnState {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return ing.state
}

// RegisteredCount reports how many distinct pairs are currently registered
// for replay. The 1000-per-socket cap is enforced by the multiplexer, and
// the `status` event reports the multiplexer's count, not this one.
func (ing *Ingestor) RegisteredCount() int {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return len(ing.registered)
}
