// Package batcher implements C3, the request batcher: it coalesces
// concurrent callers into chunked upstream HTTP calls, drives the
// distributed gate (C2) per chunk, and scatters results back without
// letting one chunk's failure or one caller's cancellation touch anyone
// else's request.
//
// Grounded on internal/net/client.Wrapper's shape (retry/backoff
// branching on a classified error) generalized from one-request-at-a-time
// to a coalescing window, and internal/net/ratelimit's per-key map pattern
// reused here as the per-(endpoint,mode) pending-window map.
package batcher

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/vortexgw/internal/gateway/gate"
	"github.com/sawpanic/vortexgw/internal/gateway/resolver"
	"github.com/sawpanic/vortexgw/internal/gateway/types"
	"github.com/sawpanic/vortexgw/internal/gateway/upstream"
)

// QuotesFetcher is the subset of the HTTP client the batcher calls. A
// narrow interface so tests can substitute a fake without building a real
// upstream.HTTPClient.
type QuotesFetcher interface {
	Quotes(ctx context.Context, pairs []types.Pair, mode types.Mode) (map[string]types.Quote, error)
}

// Batcher is C3.
type Batcher struct {
	http       QuotesFetcher
	gate       *gate.Gate
	resolver   *resolver.Resolver
	coalesce   time.Duration
	maxChunk   int
	maxRetries int
	log        zerolog.Logger

	mu      sync.Mutex
	windows map[windowKey]*window
}

type windowKey struct {
	endpoint string
	mode     types.Mode
}

type waiter struct {
	pairs []types.Pair
	resCh chan map[string]types.Quote
}

type window struct {
	pairSet map[types.Pair]bool
	waiters []*waiter
	timer   *time.Timer
}

// New builds the batcher.
func New(http QuotesFetcher, g *gate.Gate, res *resolver.Resolver, coalesce time.Duration, maxChunk, maxRetries int, log zerolog.Logger) *Batcher {
	return &Batcher{
		http:       http,
		gate:       g,
		resolver:   res,
		coalesce:   coalesce,
		maxChunk:   maxChunk,
		maxRetries: maxRetries,
		log:        log.With().Str("component", "batcher").Logger(),
		windows:    make(map[windowKey]*window),
	}
}

func endpointFor(mode types.Mode) string {
	switch mode {
	case types.ModeOHLCV:
		return "ohlc"
	case types.ModeFull:
		return "quotes"
	default:
		return "ltp"
	}
}

// LTPByPairs coalesces and batches a request for already-resolved pairs.
// Every requested pair appears in the result, with a null quote if the
// upstream never returned a usable price for it.
func (b *Batcher) LTPByPairs(ctx context.Context, pairs []types.Pair) map[string]types.Quote {
	return b.request(ctx, types.ModeLTP, pairs)
}

// LTP resolves tokens via C1, then batches exactly like LTPByPairs.
// The result is keyed by token; unresolved tokens are present with an
// explicit null quote.
func (b *Batcher) LTP(ctx context.Context, tokens []uint32) map[uint32]types.Quote {
	return b.quotesByToken(ctx, tokens, types.ModeLTP)
}

// Quotes resolves tokens and batches at the requested mode.
func (b *Batcher) Quotes(ctx context.Context, tokens []uint32, mode types.Mode) map[uint32]types.Quote {
	return b.quotesByToken(ctx, tokens, mode)
}

func (b *Batcher) quotesByToken(ctx context.Context, tokens []uint32, mode types.Mode) map[uint32]types.Quote {
	res := b.resolver.Resolve(ctx, tokens)

	pairs := make([]types.Pair, 0, len(res.Resolved))
	for tok, ex := range res.Resolved {
		pairs = append(pairs, types.Pair{Exchange: ex, Token: tok})
	}

	byKey := b.request(ctx, mode, pairs)

	out := make(map[uint32]types.Quote, len(tokens))
	now := time.Now()
	for tok, ex := range res.Resolved {
		p := types.Pair{Exchange: ex, Token: tok}
		if q, ok := byKey[p.String()]; ok {
			out[tok] = q
		} else {
			out[tok] = types.NullQuote(now)
		}
	}
	for _, tok := range res.Unresolved {
		out[tok] = types.NullQuote(now)
	}
	return out
}

// request is the shared coalescing entry point for both pair- and
// token-based operations.
func (b *Batcher) request(ctx context.Context, mode types.Mode, pairs []types.Pair) map[string]types.Quote {
	if len(pairs) == 0 {
		return map[string]types.Quote{}
	}

	w := &waiter{pairs: pairs, resCh: make(chan map[string]types.Quote, 1)}
	key := windowKey{endpoint: endpointFor(mode), mode: mode}

	b.mu.Lock()
	win, exists := b.windows[key]
	if !exists {
		win = &window{pairSet: make(map[types.Pair]bool)}
		b.windows[key] = win
		win.timer = time.AfterFunc(b.coalesce, func() { b.flush(key) })
	}
	for _, p := range pairs {
		win.pairSet[p] = true
	}
	win.waiters = append(win.waiters, w)
	b.mu.Unlock()

	now := time.Now()
	select {
	case res := <-w.resCh:
		return res
	case <-ctx.Done():
		// This caller's scatter is cancelled; the in-flight chunk keeps
		// running for everyone else.
		return fillNull(pairs, now)
	}
}

func (b *Batcher) flush(key windowKey) {
	b.mu.Lock()
	win := b.windows[key]
	delete(b.windows, key)
	b.mu.Unlock()
	if win == nil {
		return
	}

	allPairs := make([]types.Pair, 0, len(win.pairSet))
	for p := range win.pairSet {
		allPairs = append(allPairs, p)
	}

	combined := make(map[string]types.Quote, len(allPairs))
	for start := 0; start < len(allPairs); start += b.maxChunk {
		end := start + b.maxChunk
		if end > len(allPairs) {
			end = len(allPairs)
		}
		chunk := allPairs[start:end]

		res, err := b.processChunk(context.Background(), key.endpoint, key.mode, chunk)
		if err != nil {
			b.log.Warn().Err(err).Str("endpoint", key.endpoint).Int("chunk_size", len(chunk)).
				Msg("chunk failed, surfacing null for its pairs")
			continue // failed chunk's pairs stay absent; scatter fills null
		}
		for k, v := range res {
			combined[k] = v
		}
	}

	now := time.Now()
	for _, w := range win.waiters {
		out := make(map[string]types.Quote, len(w.pairs))
		for _, p := range w.pairs {
			if q, ok := combined[p.String()]; ok {
				out[p.String()] = q
			} else {
				out[p.String()] = types.NullQuote(now)
			}
		}
		w.resCh <- out
	}
}

// processChunk performs the gated upstream call for one chunk, retrying
// transient failures up to maxRetries with 1s+jitter backoff. 4xx other
// than 429 are terminal; 429 extends the gate token before releasing;
// auth failures are terminal and fatal to the whole chunk.
func (b *Batcher) processChunk(ctx context.Context, endpoint string, mode types.Mode, pairs []types.Pair) (map[string]types.Quote, error) {
	var lastErr error

	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		tok, err := b.gate.Acquire(ctx, endpoint, time.Now().Add(30*time.Second))
		if err != nil {
			return nil, err
		}

		res, qerr := b.http.Quotes(ctx, pairs, mode)
		if qerr == nil {
			tok.Release(ctx)
			return res, nil
		}

		uerr, ok := qerr.(*upstream.Error)
		if !ok {
			tok.Release(ctx)
			return nil, qerr
		}

		switch uerr.Class {
		case upstream.ClassThrottled:
			tok.Extend(ctx)
			lastErr = uerr
		case upstream.ClassTransient:
			tok.Release(ctx)
			lastErr = uerr
		default: // malformed, auth-expired: terminal
			tok.Release(ctx)
			return nil, uerr
		}

		if attempt < b.maxRetries {
			backoff := time.Second + time.Duration(rand.Int63n(int64(250*time.Millisecond)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, lastErr
}

func fillNull(pairs []types.Pair, ts time.Time) map[string]types.Quote {
	out := make(map[string]types.Quote, len(pairs))
	for _, p := range pairs {
		out[p.String()] = types.NullQuote(ts)
	}
	return out
}
