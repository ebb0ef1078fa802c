// Package resolver implements C1, the exchange resolver: it maps bare
// numeric instrument tokens to their authoritative (exchange, token) pair
// by querying three read-only catalogue tiers in a fixed order and stops at
// the first hit. No component outside this package may produce a Pair from
// a bare token — there is no default-exchange fallback anywhere.
package resolver

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/sawpanic/vortexgw/internal/gateway/types"
)

// catalogueTier is one of the three ordered lookup sources.
type catalogueTier struct {
	name  string
	query string
}

// tiers are: vortex_instruments, instrument_mappings (where
// provider='vortex'), legacy instruments — queried in this order, first
// hit wins.
var tiers = []catalogueTier{
	{
		name:  "vortex_instruments",
		query: `SELECT exchange FROM vortex_instruments WHERE token = $1`,
	},
	{
		name:  "instrument_mappings",
		query: `SELECT exchange FROM instrument_mappings WHERE token = $1 AND provider = 'vortex'`,
	},
	{
		name:  "instruments",
		query: `SELECT exchange FROM instruments WHERE token = $1`,
	},
}

type memoEntry struct {
	exchange types.Exchange
	expires  time.Time
}

// Resolver is the process's single exchange-resolution authority.
type Resolver struct {
	db  *sqlx.DB
	ttl time.Duration
	log zerolog.Logger

	mu   sync.RWMutex
	memo map[uint32]memoEntry
}

// New opens (lazily, via sqlx) a connection pool against the catalogue DSN.
// The catalogue is treated strictly as a read-only key/value lookup; this
// package never writes to vortex_instruments/instrument_mappings/instruments.
func New(dsn string, ttl time.Duration, log zerolog.Logger) (*Resolver, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		db:   db,
		ttl:  ttl,
		log:  log.With().Str("component", "resolver").Logger(),
		memo: make(map[uint32]memoEntry),
	}, nil
}

// ResolveResult is the outcome of resolving a set of bare tokens.
type ResolveResult struct {
	Resolved   map[uint32]types.Exchange
	Unresolved []uint32
}

// Resolve looks up each token through the three tiers in fixed order,
// memoizing hits for the configured TTL. Catalogue read errors are
// reported as unresolved, never as a fatal error — an unresolved token
// must surface to callers as null/exchange_unresolved, not abort the
// whole request.
func (r *Resolver) Resolve(ctx context.Context, tokens []uint32) ResolveResult {
	out := ResolveResult{Resolved: make(map[uint32]types.Exchange, len(tokens))}

	for _, tok := range tokens {
		if ex, ok := r.memoLookup(tok); ok {
			out.Resolved[tok] = ex
			continue
		}

		ex, found := r.lookupCatalogue(ctx, tok)
		if !found {
			out.Unresolved = append(out.Unresolved, tok)
			continue
		}
		out.Resolved[tok] = ex
		r.memoStore(tok, ex)
	}

	return out
}

func (r *Resolver) lookupCatalogue(ctx context.Context, token uint32) (types.Exchange, bool) {
	for _, tier := range tiers {
		var exchange string
		err := r.db.GetContext(ctx, &exchange, tier.query, token)
		if err == nil {
			ex := types.Exchange(exchange)
			if types.ValidExchanges[ex] {
				return ex, true
			}
			r.log.Warn().Str("tier", tier.name).Uint32("token", token).
				Str("exchange", exchange).Msg("catalogue row has unrecognized exchange, skipping tier")
			continue
		}
		if err == sql.ErrNoRows {
			continue
		}
		r.log.Warn().Err(err).Str("tier", tier.name).Uint32("token", token).
			Msg("catalogue read error, treating token as unresolved for this tier")
	}
	return "", false
}

func (r *Resolver) memoLookup(token uint32) (types.Exchange, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.memo[token]
	if !ok || time.Now().After(e.expires) {
		return "", false
	}
	return e.exchange, true
}

func (r *Resolver) memoStore(token uint32, ex types.Exchange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memo[token] = memoEntry{exchange: ex, expires: time.Now().Add(r.ttl)}
}

// refresh invalidates a single memo entry, so the next Resolve for that
// token reads the catalogue again. Unexported: there is no public
// invalidation operation, and nothing in this tree calls it.
func (r *Resolver) refresh(token uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.memo, token)
}

// BuildPairs wraps Resolve, producing only authoritative pairs. It never
// returns an NSE_EQ (or any other) fallback for an unresolved token.
func (r *Resolver) BuildPairs(ctx context.Context, tokens []uint32) (pairs []types.Pair, unresolved []uint32) {
	res := r.Resolve(ctx, tokens)
	pairs = make([]types.Pair, 0, len(res.Resolved))
	for tok, ex := range res.Resolved {
		pairs = append(pairs, types.Pair{Exchange: ex, Token: tok})
	}
	return pairs, res.Unresolved
}

// Prime accepts explicit pairs from a trusted caller (e.g. the client
// gateway's already-validated "EXCHANGE-TOKEN" input) and memoizes them
// without a catalogue round trip, bypassing lookup entirely.
func (r *Resolver) Prime(pairs []types.Pair) {
	for _, p := range pairs {
		r.memoStore(p.Token, p.Exchange)
	}
}

// Close releases the underlying connection pool.
func (r *Resolver) Close() error {
	return r.db.Close()
}
