package tenant

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/sawpanic/vortexgw/internal/gateway/types"
)

// tenantRow mirrors the api_keys table: one row per issued key, entitled
// exchanges stored as a JSON array column rather than a join table since
// the entitlement set rarely changes and is small.
type tenantRow struct {
	TenantID           string `db:"tenant_id"`
	Disabled           bool   `db:"disabled"`
	RateLimitPerMinute int    `db:"rate_limit_per_minute"`
	ConnectionLimit    int    `db:"connection_limit"`
	Entitlements       string `db:"entitlements"`
}

// SQLStore is the read-only api_keys-backed tenant directory.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore opens a connection pool against dsn. Like the resolver's
// catalogue, this is strictly read-only: no operation in this package
// writes to api_keys.
func NewSQLStore(dsn string) (*SQLStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

const lookupQuery = `
SELECT tenant_id, disabled, rate_limit_per_minute, connection_limit, entitlements
FROM api_keys WHERE api_key = $1`

// Lookup implements Store.
func (s *SQLStore) Lookup(ctx context.Context, apiKey string) (*Context, error) {
	var row tenantRow
	if err := s.db.GetContext(ctx, &row, lookupQuery, apiKey); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}
	if row.Disabled {
		return nil, ErrDisabled
	}

	var exchanges []string
	if err := json.Unmarshal([]byte(row.Entitlements), &exchanges); err != nil {
		return nil, err
	}
	entitlements := make(map[types.Exchange]bool, len(exchanges))
	for _, e := range exchanges {
		entitlements[types.Exchange(e)] = true
	}

	return &Context{
		APIKey:             apiKey,
		TenantID:           row.TenantID,
		RateLimitPerMinute: row.RateLimitPerMinute,
		ConnectionLimit:    row.ConnectionLimit,
		Entitlements:       entitlements,
	}, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
