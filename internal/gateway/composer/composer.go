// Package composer implements C9, the LTP composer: snapshot orchestration
// across the provider batch, the two cache tiers, and a final targeted
// re-probe, with the ltp_only filter applied last.
//
// Grounded on internal/net/client.Wrapper's request flow
// (cache check, then network, classified fallback) reshaped into the
// multi-stage fallback waterfall below.
package composer

import (
	"context"
	"strconv"
	"time"

	"github.com/sawpanic/vortexgw/internal/gateway/batcher"
	"github.com/sawpanic/vortexgw/internal/gateway/cache"
	"github.com/sawpanic/vortexgw/internal/gateway/resolver"
	"github.com/sawpanic/vortexgw/internal/gateway/types"
)

// Composer is C9.
type Composer struct {
	resolver *resolver.Resolver
	batcher  *batcher.Batcher
	memory   *cache.Memory
	shared   *cache.SharedStore
}

// New builds the composer.
func New(res *resolver.Resolver, b *batcher.Batcher, mem *cache.Memory, shared *cache.SharedStore) *Composer {
	return &Composer{resolver: res, batcher: b, memory: mem, shared: shared}
}

// Request is a heterogeneous snapshot ask: either bare tokens or explicit
// pairs (or both), matching the client HTTP surface's two body shapes.
type Request struct {
	Tokens []uint32
	Pairs  []types.Pair
}

// GetLTP implements the five-stage snapshot waterfall. Keys in the
// result are the canonical "EXCHANGE-TOKEN" string for pairs, or the
// decimal token string for bare-token requests whose token never resolved.
// The second return maps every requested token to the key its quote ended
// up under, so a token-keyed HTTP response can be reconstructed even when
// the token resolved to a pair key.
func (c *Composer) GetLTP(ctx context.Context, req Request, ltpOnly bool) (map[string]types.Quote, map[uint32]string) {
	now := time.Now()
	result := make(map[string]types.Quote)
	tokenKeys := make(map[uint32]string, len(req.Tokens))

	// Stage 1: partition token-only input through the resolver; explicit
	// pairs are already authoritative.
	pairs := append([]types.Pair(nil), req.Pairs...)
	if len(req.Tokens) > 0 {
		res := c.resolver.Resolve(ctx, req.Tokens)
		for tok, ex := range res.Resolved {
			p := types.Pair{Exchange: ex, Token: tok}
			pairs = append(pairs, p)
			tokenKeys[tok] = p.String()
		}
		for _, tok := range res.Unresolved {
			key := tokenKey(tok)
			tokenKeys[tok] = key
			result[key] = types.NullQuote(now)
		}
	}

	if len(pairs) == 0 {
		return applyLTPOnly(result, ltpOnly), tokenKeys
	}

	// Stage 2: provider batch.
	byKey := c.batcher.LTPByPairs(ctx, pairs)
	for k, q := range byKey {
		result[k] = q
	}

	// Stage 3: fill gaps from memory, then shared store.
	missing := missingPairs(pairs, result)
	var stillMissing []types.Pair
	for _, p := range missing {
		if q, ok := c.memory.Get(p.Token); ok && q.HasPrice() {
			result[p.String()] = q
			continue
		}
		stillMissing = append(stillMissing, p)
	}

	missing = stillMissing
	stillMissing = nil
	for _, p := range missing {
		if c.shared != nil {
			if q, ok := c.shared.Read(ctx, p.Token); ok && q.HasPrice() {
				result[p.String()] = q
				continue
			}
		}
		stillMissing = append(stillMissing, p)
	}

	// Stage 4: one targeted re-probe for whatever is still missing.
	if len(stillMissing) > 0 {
		tokens := make([]uint32, len(stillMissing))
		for i, p := range stillMissing {
			tokens[i] = p.Token
		}
		reprobe := c.batcher.LTP(ctx, tokens)
		for _, p := range stillMissing {
			if q, ok := reprobe[p.Token]; ok {
				result[p.String()] = q
			} else if _, already := result[p.String()]; !already {
				result[p.String()] = types.NullQuote(now)
			}
		}
	}

	// Every requested pair/token must appear, even if untouched above.
	for _, p := range pairs {
		if _, ok := result[p.String()]; !ok {
			result[p.String()] = types.NullQuote(now)
		}
	}

	return applyLTPOnly(result, ltpOnly), tokenKeys
}

func missingPairs(pairs []types.Pair, result map[string]types.Quote) []types.Pair {
	var out []types.Pair
	for _, p := range pairs {
		q, ok := result[p.String()]
		if !ok || !q.HasPrice() {
			out = append(out, p)
		}
	}
	return out
}

// applyLTPOnly drops keys whose final last_price is null/<=0, per the
// ltp_only filter (stage 5).
func applyLTPOnly(result map[string]types.Quote, ltpOnly bool) map[string]types.Quote {
	if !ltpOnly {
		return result
	}
	out := make(map[string]types.Quote, len(result))
	for k, q := range result {
		if q.HasPrice() {
			out[k] = q
		}
	}
	return out
}

func tokenKey(tok uint32) string {
	return strconv.FormatUint(uint64(tok), 10)
}
