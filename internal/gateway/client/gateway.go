// Package client implements C8, the client gateway: per-connection state,
// heterogeneous subscription-input parsing, event dispatch, and delivery
// of ticks and snapshot answers to tenant-authenticated clients.
//
// Grounded on common stream-service/hub shapes (a registry of connections
// keyed by ID, a bounded per-client outbound channel, register/unregister
// on connect/disconnect) combined with the gorilla/websocket usage in
// internal/providers/kraken.
package client

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sawpanic/vortexgw/internal/config"
	"github.com/sawpanic/vortexgw/internal/gateway/composer"
	"github.com/sawpanic/vortexgw/internal/gateway/mux"
	"github.com/sawpanic/vortexgw/internal/gateway/resolver"
	"github.com/sawpanic/vortexgw/internal/gateway/tenant"
	"github.com/sawpanic/vortexgw/internal/gateway/types"
	"github.com/sawpanic/vortexgw/internal/gateway/upstream"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway owns the set of live client connections and the components each
// one needs to serve events: resolver (C1), multiplexer (C7), composer
// (C9), and per-tenant rate limiting.
type Gateway struct {
	cfg      *config.Config
	resolver *resolver.Resolver
	mux      *mux.Mux
	composer *composer.Composer
	upstream *upstream.HTTPClient
	tenants  tenant.Store
	limiter  *tenant.Limiter
	log      zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*Connection

	connsByTenant   map[string]int
	connsByTenantMu sync.Mutex
}

// New builds the client gateway. up is used only for the /historical REST
// endpoint, which talks to the provider directly rather than through the
// batcher (history requests aren't coalesced).
func New(cfg *config.Config, res *resolver.Resolver, mx *mux.Mux, comp *composer.Composer, up *upstream.HTTPClient, tenants tenant.Store, log zerolog.Logger) *Gateway {
	return &Gateway{
		cfg:           cfg,
		resolver:      res,
		mux:           mx,
		composer:      comp,
		upstream:      up,
		tenants:       tenants,
		limiter:       tenant.NewLimiter(cfg.RPSFor),
		log:           log.With().Str("component", "client_gateway").Logger(),
		conns:         make(map[string]*Connection),
		connsByTenant: make(map[string]int),
	}
}

// Deliver implements mux.Dispatcher: it hands a tick to the named
// connection's outbound queue, dropping the oldest queued message first if
// the queue is already at its high-watermark.
func (g *Gateway) Deliver(clientID string, tick types.Tick) {
	g.mu.RLock()
	conn, ok := g.conns[clientID]
	g.mu.RUnlock()
	if !ok {
		return
	}
	conn.enqueueTick(tick)
}

// ServeWS upgrades an HTTP request to the client push channel and runs the
// connection until it closes.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	apiKey := r.URL.Query().Get("api_key")
	if apiKey == "" {
		apiKey = r.Header.Get("x-api-key")
	}

	tctx, err := g.authenticate(r.Context(), apiKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	if !g.admitConnection(tctx.TenantID, tctx.ConnectionLimit) {
		http.Error(w, "connection_limit_exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.releaseConnection(tctx.TenantID)
		return
	}

	c := newConnection(uuid.NewString(), conn, tctx, g)
	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()

	c.sendWelcome()
	c.run() // blocks until the connection closes

	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()
	g.mux.UnregisterAll(c.id)
	g.releaseConnection(tctx.TenantID)
}

func (g *Gateway) authenticate(ctx context.Context, apiKey string) (*tenant.Context, error) {
	if apiKey == "" {
		return nil, tenant.ErrMissingAPIKey
	}
	tctx, err := g.tenants.Lookup(ctx, apiKey)
	if err != nil {
		return nil, tenant.ErrInvalidAPIKey
	}
	return tctx, nil
}

func (g *Gateway) admitConnection(tenantID string, limit int) bool {
	g.connsByTenantMu.Lock()
	defer g.connsByTenantMu.Unlock()
	if limit > 0 && g.connsByTenant[tenantID] >= limit {
		return false
	}
	g.connsByTenant[tenantID]++
	return true
}

func (g *Gateway) releaseConnection(tenantID string) {
	g.connsByTenantMu.Lock()
	defer g.connsByTenantMu.Unlock()
	if g.connsByTenant[tenantID] > 0 {
		g.connsByTenant[tenantID]--
	}
}
