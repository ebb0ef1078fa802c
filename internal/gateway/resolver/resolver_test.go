package resolver

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/vortexgw/internal/gateway/types"
)

func newTestResolver(t *testing.T) (*Resolver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &Resolver{
		db:   sqlx.NewDb(db, "postgres"),
		ttl:  time.Minute,
		log:  zerolog.Nop(),
		memo: make(map[uint32]memoEntry),
	}, mock
}

func TestResolveHitsFirstTierAndSkipsLaterOnes(t *testing.T) {
	r, mock := newTestResolver(t)

	rows := sqlmock.NewRows([]string{"exchange"}).AddRow("NSE_EQ")
	mock.ExpectQuery(`SELECT exchange FROM vortex_instruments`).WithArgs(uint32(738561)).WillReturnRows(rows)

	res := r.Resolve(context.Background(), []uint32{738561})

	assert.Equal(t, types.NSEEquity, res.Resolved[738561])
	assert.Empty(t, res.Unresolved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveFallsThroughTiersInOrder(t *testing.T) {
	r, mock := newTestResolver(t)

	mock.ExpectQuery(`SELECT exchange FROM vortex_instruments`).WithArgs(uint32(1)).WillReturnError(sqlNoRows())
	mock.ExpectQuery(`SELECT exchange FROM instrument_mappings`).WithArgs(uint32(1)).WillReturnError(sqlNoRows())
	rows := sqlmock.NewRows([]string{"exchange"}).AddRow("MCX_FO")
	mock.ExpectQuery(`SELECT exchange FROM instruments`).WithArgs(uint32(1)).WillReturnRows(rows)

	res := r.Resolve(context.Background(), []uint32{1})

	assert.Equal(t, types.MCXFutures, res.Resolved[1])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveAllTiersMissReturnsUnresolvedNotFallback(t *testing.T) {
	r, mock := newTestResolver(t)

	mock.ExpectQuery(`SELECT exchange FROM vortex_instruments`).WithArgs(uint32(404)).WillReturnError(sqlNoRows())
	mock.ExpectQuery(`SELECT exchange FROM instrument_mappings`).WithArgs(uint32(404)).WillReturnError(sqlNoRows())
	mock.ExpectQuery(`SELECT exchange FROM instruments`).WithArgs(uint32(404)).WillReturnError(sqlNoRows())

	res := r.Resolve(context.Background(), []uint32{404})

	assert.Empty(t, res.Resolved)
	assert.Equal(t, []uint32{404}, res.Unresolved)
}

func TestResolveMemoizesAndSkipsSecondCatalogueRoundTrip(t *testing.T) {
	r, mock := newTestResolver(t)

	rows := sqlmock.NewRows([]string{"exchange"}).AddRow("NSE_FO")
	mock.ExpectQuery(`SELECT exchange FROM vortex_instruments`).WithArgs(uint32(99)).WillReturnRows(rows)

	first := r.Resolve(context.Background(), []uint32{99})
	require.Equal(t, types.NSEFutOpt, first.Resolved[99])

	// second Resolve for the same token must be served from memo — no new
	// expectation registered, so an unexpected query would fail the mock.
	second := r.Resolve(context.Background(), []uint32{99})
	assert.Equal(t, types.NSEFutOpt, second.Resolved[99])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveRejectsUnrecognizedExchangeValue(t *testing.T) {
	r, mock := newTestResolver(t)

	rows := sqlmock.NewRows([]string{"exchange"}).AddRow("BOGUS_EXCHANGE")
	mock.ExpectQuery(`SELECT exchange FROM vortex_instruments`).WithArgs(uint32(5)).WillReturnRows(rows)
	mock.ExpectQuery(`SELECT exchange FROM instrument_mappings`).WithArgs(uint32(5)).WillReturnError(sqlNoRows())
	mock.ExpectQuery(`SELECT exchange FROM instruments`).WithArgs(uint32(5)).WillReturnError(sqlNoRows())

	res := r.Resolve(context.Background(), []uint32{5})

	assert.Empty(t, res.Resolved)
	assert.Equal(t, []uint32{5}, res.Unresolved)
}

func TestPrimeBypassesCatalogueEntirely(t *testing.T) {
	r, mock := newTestResolver(t)

	r.Prime([]types.Pair{{Exchange: types.NSEEquity, Token: 42}})

	res := r.Resolve(context.Background(), []uint32{42})
	assert.Equal(t, types.NSEEquity, res.Resolved[42])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildPairsSeparatesResolvedFromUnresolved(t *testing.T) {
	r, mock := newTestResolver(t)

	mock.ExpectQuery(`SELECT exchange FROM vortex_instruments`).WithArgs(uint32(1)).WillReturnRows(
		sqlmock.NewRows([]string{"exchange"}).AddRow("NSE_EQ"))
	mock.ExpectQuery(`SELECT exchange FROM vortex_instruments`).WithArgs(uint32(2)).WillReturnError(sqlNoRows())
	mock.ExpectQuery(`SELECT exchange FROM instrument_mappings`).WithArgs(uint32(2)).WillReturnError(sqlNoRows())
	mock.ExpectQuery(`SELECT exchange FROM instruments`).WithArgs(uint32(2)).WillReturnError(sqlNoRows())

	pairs, unresolved := r.BuildPairs(context.Background(), []uint32{1, 2})

	require.Len(t, pairs, 1)
	assert.Equal(t, types.Pair{Exchange: types.NSEEquity, Token: 1}, pairs[0])
	assert.Equal(t, []uint32{2}, unresolved)
}

func sqlNoRows() error {
	return sql.ErrNoRows
}
