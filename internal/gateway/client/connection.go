package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sawpanic/vortexgw/internal/gateway/tenant"
	"github.com/sawpanic/vortexgw/internal/gateway/types"
)

// Connection is one client's push-channel session: its own subscriptions
// (tracked by the mux under this Connection's id), a bounded outbound
// queue with drop-oldest backpressure, and the tenant context it
// authenticated with.
type Connection struct {
	id      string
	ws      *websocket.Conn
	tenant  *tenant.Context
	gateway *Gateway

	outbound chan []byte
	closed   chan struct{}
}

func newConnection(id string, ws *websocket.Conn, tctx *tenant.Context, g *Gateway) *Connection {
	return &Connection{
		id:       id,
		ws:       ws,
		tenant:   tctx,
		gateway:  g,
		outbound: make(chan []byte, g.cfg.Stream.OutboundQueueSize),
		closed:   make(chan struct{}),
	}
}

// run drives the connection's read loop and its dedicated writer
// goroutine until the socket closes.
func (c *Connection) run() {
	go c.writeLoop()
	defer close(c.closed)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(data)
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case msg, ok := <-c.outbound:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) send(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.outbound <- b:
	case <-c.closed:
	default:
		// Outbound queue full: drop the oldest response-channel message
		// too, same high-watermark policy as ticks, so a slow client
		// can't wedge the connection's writer goroutine.
		select {
		case <-c.outbound:
		default:
		}
		select {
		case c.outbound <- b:
		default:
		}
	}
}

// enqueueTick applies the drop-oldest high-watermark policy: when the
// outbound queue is full, the oldest queued message is
// dropped before the new tick is enqueued. The ingestor never blocks on
// this — Deliver/enqueueTick must not apply backpressure upstream.
func (c *Connection) enqueueTick(tick types.Tick) {
	frame := tickFrame{
		Event:  "tick",
		Pair:   tick.Pair.String(),
		Mode:   tick.Mode.String(),
		Quote:  tick.Quote,
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return
	}

	select {
	case c.outbound <- b:
		return
	default:
	}

	select {
	case <-c.outbound:
	default:
	}
	select {
	case c.outbound <- b:
	default:
	}
}

type tickFrame struct {
	Event string      `json:"event"`
	Pair  string      `json:"pair"`
	Mode  string      `json:"mode"`
	Quote types.Quote `json:"quote"`
}

func (c *Connection) sendWelcome() {
	allowed := make([]string, 0, len(c.tenant.Entitlements))
	for ex, ok := range c.tenant.Entitlements {
		if ok {
			allowed = append(allowed, string(ex))
		}
	}
	c.send(welcomeEvent{
		Event:            "welcome",
		ProtocolVersion:  1,
		AllowedExchanges: allowed,
		RateLimitPerMin:  c.tenant.RateLimitPerMinute,
		ConnectionLimit:  c.tenant.ConnectionLimit,
		TenantID:         c.tenant.TenantID,
	})
}

type welcomeEvent struct {
	Event            string   `json:"event"`
	ProtocolVersion  int      `json:"protocol_version"`
	AllowedExchanges []string `json:"allowed_exchanges"`
	RateLimitPerMin  int      `json:"rate_limit_per_minute"`
	ConnectionLimit  int      `json:"connection_limit"`
	TenantID         string   `json:"tenant_id"`
}

// snapshotDeadlineCtx returns a context bounded by the configured snapshot
// deadline, used for get_quote and the ack snapshot in subscribe replies.
func (c *Connection) snapshotDeadlineCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.gateway.cfg.Snapshot.DeadlineMS)
}
