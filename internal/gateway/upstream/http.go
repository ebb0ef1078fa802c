package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/vortexgw/internal/gateway/types"
)

// SessionTokens supplies the credentials the HTTP client injects on every
// call. AccessToken may change across the process lifetime (re-auth), so
// it is read fresh per request rather than captured at construction.
type SessionTokens interface {
	APIKey() string
	AccessToken() string
}

// HTTPClient is C5: a typed wrapper around the upstream's quotes/history
// endpoints. It never retries on its own — retry policy lives in the
// batcher (C3); this client's job is one call in, one classified result
// out. Grounded on internal/providers/kraken.Client's shape: a timeout'd
// http.Client, header injection, one endpoint method per upstream route)
// and internal/net/client.Wrapper's status-code classification.
type HTTPClient struct {
	http    *http.Client
	baseURL string
	tokens  SessionTokens
	log     zerolog.Logger
}

// NewHTTPClient builds the upstream HTTP client.
func NewHTTPClient(baseURL string, timeout time.Duration, tokens SessionTokens, log zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    50,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		baseURL: baseURL,
		tokens:  tokens,
		log:     log.With().Str("component", "upstream_http").Logger(),
	}
}

type quoteRow struct {
	LastTradePrice float64 `json:"last_trade_price"`
	Volume         *int64  `json:"volume,omitempty"`
	OHLC           *struct {
		Open  float64 `json:"open"`
		High  float64 `json:"high"`
		Low   float64 `json:"low"`
		Close float64 `json:"close"`
	} `json:"ohlc,omitempty"`
}

// Quotes calls GET /data/quotes?q=EX-TOK[&q=...]&mode=ltp|ohlc|full. A row
// whose last_trade_price is absent or <= 0 is reported as last_price:null,
// never as 0.
func (c *HTTPClient) Quotes(ctx context.Context, pairs []types.Pair, mode types.Mode) (map[string]types.Quote, error) {
	q := url.Values{}
	for _, p := range pairs {
		q.Add("q", p.String())
	}
	q.Set("mode", modeWireString(mode))

	raw, err := c.get(ctx, "/data/quotes", q)
	if err != nil {
		return nil, err
	}

	var rows map[string]quoteRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, &Error{Class: ClassMalformed, Err: fmt.Errorf("decode quotes response: %w", err)}
	}

	now := time.Now()
	out := make(map[string]types.Quote, len(rows))
	for key, row := range rows {
		quote := types.PriceQuote(row.LastTradePrice, now)
		quote.Volume = row.Volume
		if row.OHLC != nil {
			quote.OHLC = &types.OHLC{Open: row.OHLC.Open, High: row.OHLC.High, Low: row.OHLC.Low, Close: row.OHLC.Close}
		}
		out[key] = quote
	}
	return out, nil
}

// HistoryCandle is one bar of a /data/history response.
type HistoryCandle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    int64   `json:"volume"`
}

// History calls GET /data/history?exchange=EX&token=N&from=UNIX&to=UNIX&resolution=R.
func (c *HTTPClient) History(ctx context.Context, pair types.Pair, from, to int64, resolution string) ([]HistoryCandle, error) {
	q := url.Values{}
	q.Set("exchange", string(pair.Exchange))
	q.Set("token", strconv.FormatUint(uint64(pair.Token), 10))
	q.Set("from", strconv.FormatInt(from, 10))
	q.Set("to", strconv.FormatInt(to, 10))
	q.Set("resolution", resolution)

	raw, err := c.get(ctx, "/data/history", q)
	if err != nil {
		return nil, err
	}

	var candles []HistoryCandle
	if err := json.Unmarshal(raw, &candles); err != nil {
		return nil, &Error{Class: ClassMalformed, Err: fmt.Errorf("decode history response: %w", err)}
	}
	return candles, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, &Error{Class: ClassMalformed, Err: err}
	}
	req.Header.Set("x-api-key", c.tokens.APIKey())
	if tok := c.tokens.AccessToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Class: ClassTransient, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Class: ClassTransient, Err: err}
	}

	if resp.StatusCode >= 400 {
		class := ClassifyStatus(resp.StatusCode)
		return nil, &Error{Class: class, StatusCode: resp.StatusCode, Err: fmt.Errorf("upstream returned HTTP %d", resp.StatusCode)}
	}

	return body, nil
}

func modeWireString(m types.Mode) string {
	switch m {
	case types.ModeOHLCV:
		return "ohlc"
	case types.ModeFull:
		return "full"
	default:
		return "ltp"
	}
}
