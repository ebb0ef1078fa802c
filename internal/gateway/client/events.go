package client

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/sawpanic/vortexgw/internal/gateway/composer"
	"github.com/sawpanic/vortexgw/internal/gateway/mux"
	"github.com/sawpanic/vortexgw/internal/gateway/types"
)

// inboundEvent is the envelope every push-channel frame is parsed into
// before being routed to its handler.
type inboundEvent struct {
	Event       string            `json:"event"`
	Instruments []json.RawMessage `json:"instruments"`
	Mode        string            `json:"mode"`
	LTPOnly     bool              `json:"ltp_only"`
}

func (c *Connection) handleFrame(data []byte) {
	var ev inboundEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.sendError("", "invalid_payload")
		return
	}

	if ev.Event != "ping" && ev.Event != "pong" {
		if !c.gateway.limiter.Allow(c.tenant.TenantID, ev.Event, c.tenant.WSRPSOverrides[ev.Event]) {
			c.sendError(ev.Event, "rate_limited")
			return
		}
	}

	switch ev.Event {
	case "subscribe":
		c.handleSubscribe(ev)
	case "unsubscribe":
		c.handleUnsubscribe(ev)
	case "set_mode":
		c.handleSetMode(ev)
	case "list_subscriptions":
		c.handleList()
	case "unsubscribe_all":
		c.handleUnsubscribeAll()
	case "get_quote":
		c.handleGetQuote(ev)
	case "status":
		c.handleStatus()
	case "whoami":
		c.handleWhoami()
	case "ping":
		c.send(map[string]string{"event": "pong"})
	case "pong":
		// no-op: client heartbeat ack
	default:
		c.sendError(ev.Event, "invalid_payload")
	}
}

// parseInstruments partitions the heterogeneous instruments list into bare
// tokens and explicit "EXCHANGE-TOKEN" pairs.
func parseInstruments(raw []json.RawMessage) (tokens []uint32, pairs []types.Pair, invalid int) {
	for _, r := range raw {
		var asNumber float64
		if err := json.Unmarshal(r, &asNumber); err == nil {
			tokens = append(tokens, uint32(asNumber))
			continue
		}
		var asString string
		if err := json.Unmarshal(r, &asString); err == nil {
			if p, ok := parsePairString(asString); ok {
				pairs = append(pairs, p)
				continue
			}
		}
		invalid++
	}
	return tokens, pairs, invalid
}

func parsePairString(s string) (types.Pair, bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '-' {
			ex := types.Exchange(s[:i])
			if !types.ValidExchanges[ex] {
				return types.Pair{}, false
			}
			tok, err := strconv.ParseUint(s[i+1:], 10, 32)
			if err != nil {
				return types.Pair{}, false
			}
			return types.Pair{Exchange: ex, Token: uint32(tok)}, true
		}
	}
	return types.Pair{}, false
}

type forbiddenItem struct {
	Token    uint32         `json:"token"`
	Exchange types.Exchange `json:"exchange"`
}

func (c *Connection) handleSubscribe(ev inboundEvent) {
	mode, ok := types.ParseMode(ev.Mode)
	if !ok {
		c.sendError("subscribe", "invalid_mode")
		return
	}

	tokens, explicitPairs, invalid := parseInstruments(ev.Instruments)
	if invalid > 0 {
		c.sendError("subscribe", "invalid_payload")
	}

	// Explicit pairs are primed (bypass lookup) and validated directly;
	// bare tokens go through the resolver.
	c.gateway.resolver.Prime(explicitPairs)

	var unresolved []uint32
	candidatePairs := append([]types.Pair(nil), explicitPairs...)
	pairToToken := make(map[types.Pair]uint32, len(tokens))
	if len(tokens) > 0 {
		res := c.gateway.resolver.Resolve(context.Background(), tokens)
		for tok, ex := range res.Resolved {
			p := types.Pair{Exchange: ex, Token: tok}
			candidatePairs = append(candidatePairs, p)
			pairToToken[p] = tok
		}
		unresolved = res.Unresolved
	}

	var included []types.Pair
	var forbidden []forbiddenItem
	for _, p := range candidatePairs {
		if !c.tenant.Allows(p.Exchange) {
			forbidden = append(forbidden, forbiddenItem{Token: p.Token, Exchange: p.Exchange})
			c.sendError("subscribe", "forbidden_exchange")
			continue
		}
		included = append(included, p)
	}
	for range unresolved {
		c.sendError("subscribe", "exchange_unresolved")
	}

	var registered []types.Pair
	for _, p := range included {
		if err := c.gateway.mux.Register(c.id, p, mode); err != nil {
			if err == mux.ErrCapacityExceeded {
				c.sendError("subscribe", "capacity_exceeded")
				continue
			}
			c.sendError("subscribe", "subscribe_failed")
			continue
		}
		registered = append(registered, p)
	}

	// Ack carries an immediate ltp snapshot over the included pairs, so
	// the client never needs a follow-up get_quote call. Pairs that came
	// in as bare tokens are keyed back to their original token string, so
	// a bare-token subscriber sees its own token in the snapshot rather
	// than the exchange pair it happened to resolve to.
	snapshot := c.snapshotFor(registered, pairToToken)

	c.send(subscribeAck{
		Event:      "subscribe_ack",
		Requested:  len(ev.Instruments),
		Pairs:      pairStrings(registered),
		Included:   pairStrings(registered),
		Unresolved: unresolved,
		Forbidden:  forbidden,
		Mode:       mode.String(),
		Snapshot:   snapshot,
	})
}

func (c *Connection) snapshotFor(pairs []types.Pair, pairToToken map[types.Pair]uint32) map[string]types.Quote {
	if len(pairs) == 0 {
		return map[string]types.Quote{}
	}
	ctx, cancel := c.snapshotDeadlineCtx()
	defer cancel()
	result, _ := c.gateway.composer.GetLTP(ctx, composer.Request{Pairs: pairs}, true)
	if len(pairToToken) == 0 {
		return result
	}
	for p, tok := range pairToToken {
		if q, ok := result[p.String()]; ok {
			result[strconv.FormatUint(uint64(tok), 10)] = q
			delete(result, p.String())
		}
	}
	return result
}

type subscribeAck struct {
	Event      string                 `json:"event"`
	Requested  int                    `json:"requested"`
	Pairs      []string               `json:"pairs"`
	Included   []string               `json:"included"`
	Unresolved []uint32               `json:"unresolved"`
	Forbidden  []forbiddenItem        `json:"forbidden"`
	Mode       string                 `json:"mode"`
	Snapshot   map[string]types.Quote `json:"snapshot"`
}

func (c *Connection) handleUnsubscribe(ev inboundEvent) {
	tokens, pairs, invalid := parseInstruments(ev.Instruments)
	if invalid > 0 {
		c.sendError("unsubscribe", "invalid_payload")
	}
	if len(tokens) > 0 {
		res := c.gateway.resolver.Resolve(context.Background(), tokens)
		for tok, ex := range res.Resolved {
			pairs = append(pairs, types.Pair{Exchange: ex, Token: tok})
		}
	}
	for _, p := range pairs {
		c.gateway.mux.Unregister(c.id, p)
	}
	c.send(map[string]interface{}{"event": "unsubscribe_ack", "pairs": pairStrings(pairs)})
}

func (c *Connection) handleSetMode(ev inboundEvent) {
	mode, ok := types.ParseMode(ev.Mode)
	if !ok {
		c.sendError("set_mode", "invalid_mode")
		return
	}
	tokens, pairs, invalid := parseInstruments(ev.Instruments)
	if invalid > 0 {
		c.sendError("set_mode", "invalid_payload")
	}
	if len(tokens) > 0 {
		res := c.gateway.resolver.Resolve(context.Background(), tokens)
		for tok, ex := range res.Resolved {
			pairs = append(pairs, types.Pair{Exchange: ex, Token: tok})
		}
	}
	for _, p := range pairs {
		if err := c.gateway.mux.SetMode(c.id, p, mode); err != nil {
			c.sendError("set_mode", "set_mode_failed")
		}
	}
	c.send(map[string]interface{}{"event": "set_mode_ack", "pairs": pairStrings(pairs), "mode": mode.String()})
}

func (c *Connection) handleList() {
	subs := c.gateway.mux.List(c.id)
	out := make([]map[string]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, map[string]string{"pair": s.Pair.String(), "mode": s.Mode.String()})
	}
	c.send(map[string]interface{}{"event": "subscriptions", "subscriptions": out})
}

func (c *Connection) handleUnsubscribeAll() {
	c.gateway.mux.UnregisterAll(c.id)
	c.send(map[string]string{"event": "unsubscribe_all_ack"})
}

func (c *Connection) handleGetQuote(ev inboundEvent) {
	tokens, pairs, invalid := parseInstruments(ev.Instruments)
	if invalid > 0 {
		c.sendError("get_quote", "invalid_payload")
	}
	ctx, cancel := c.snapshotDeadlineCtx()
	defer cancel()
	result, tokenKeys := c.gateway.composer.GetLTP(ctx, composer.Request{Tokens: tokens, Pairs: pairs}, ev.LTPOnly)
	c.send(map[string]interface{}{"event": "quote", "data": result, "token_keys": tokenKeys})
}

func (c *Connection) handleStatus() {
	c.send(map[string]interface{}{
		"event":         "status",
		"subscriptions": len(c.gateway.mux.List(c.id)),
		"pairs_total":   c.gateway.mux.PairCount(),
	})
}

func (c *Connection) handleWhoami() {
	c.send(map[string]interface{}{
		"event":     "whoami",
		"tenant_id": c.tenant.TenantID,
	})
}

func (c *Connection) sendError(event, code string) {
	c.send(map[string]string{"event": "error", "source_event": event, "code": code})
}

func pairStrings(pairs []types.Pair) []string {
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.String()
	}
	return out
}
