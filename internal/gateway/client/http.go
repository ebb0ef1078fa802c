package client

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	gorillamux "github.com/gorilla/mux"

	"github.com/sawpanic/vortexgw/internal/gateway/composer"
	"github.com/sawpanic/vortexgw/internal/gateway/types"
)

// Routes builds the C8 REST surface: POST /ltp, POST /quotes,
// GET /historical/{token}. All three require the same api-key
// authentication as the WS push channel.
func (g *Gateway) Routes() *gorillamux.Router {
	r := gorillamux.NewRouter()
	r.HandleFunc("/ltp", g.handleLTP).Methods(http.MethodPost)
	r.HandleFunc("/quotes", g.handleQuotes).Methods(http.MethodPost)
	r.HandleFunc("/historical/{token}", g.handleHistorical).Methods(http.MethodGet)
	return r
}

type snapshotRequestBody struct {
	Tokens      []uint32 `json:"tokens"`
	Instruments []string `json:"instruments"`
}

func (b snapshotRequestBody) toRequest() composer.Request {
	req := composer.Request{Tokens: b.Tokens}
	for _, s := range b.Instruments {
		if p, ok := parsePairString(s); ok {
			req.Pairs = append(req.Pairs, p)
		}
	}
	return req
}

func (g *Gateway) authenticateHTTP(w http.ResponseWriter, r *http.Request) bool {
	apiKey := r.Header.Get("x-api-key")
	if apiKey == "" {
		apiKey = r.URL.Query().Get("api_key")
	}
	tctx, err := g.authenticate(r.Context(), apiKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return false
	}
	if !g.limiter.Allow(tctx.TenantID, "http", tctx.WSRPSOverrides["http"]) {
		http.Error(w, "rate_limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (g *Gateway) handleLTP(w http.ResponseWriter, r *http.Request) {
	if !g.authenticateHTTP(w, r) {
		return
	}
	var body snapshotRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
		return
	}
	result, tokenKeys := g.composer.GetLTP(r.Context(), body.toRequest(), true)
	writeJSON(w, http.StatusOK, snapshotResponse{Data: result, TokenKeys: tokenKeys})
}

func (g *Gateway) handleQuotes(w http.ResponseWriter, r *http.Request) {
	if !g.authenticateHTTP(w, r) {
		return
	}
	var body snapshotRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
		return
	}
	ltpOnly := r.URL.Query().Get("ltp_only") == "true"
	result, tokenKeys := g.composer.GetLTP(r.Context(), body.toRequest(), ltpOnly)
	writeJSON(w, http.StatusOK, snapshotResponse{Data: result, TokenKeys: tokenKeys})
}

type snapshotResponse struct {
	Data      map[string]types.Quote `json:"data"`
	TokenKeys map[uint32]string      `json:"token_keys"`
}

// handleHistorical passes a single-token history request through to the
// provider's /data/history endpoint, degrading to a resolver miss the same
// way a quote snapshot would (SUPPLEMENTED FEATURES).
func (g *Gateway) handleHistorical(w http.ResponseWriter, r *http.Request) {
	if !g.authenticateHTTP(w, r) {
		return
	}

	vars := gorillamux.Vars(r)
	token, err := strconv.ParseUint(vars["token"], 10, 32)
	if err != nil {
		http.Error(w, "invalid_token", http.StatusBadRequest)
		return
	}

	res := g.resolver.Resolve(r.Context(), []uint32{uint32(token)})
	ex, ok := res.Resolved[uint32(token)]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "exchange_unresolved"})
		return
	}

	q := r.URL.Query()
	from := parseUnixSeconds(q.Get("from"))
	to := parseUnixSeconds(q.Get("to"))
	resolution := q.Get("interval")
	if resolution == "" {
		resolution = "1minute"
	}

	pair := types.Pair{Exchange: ex, Token: uint32(token)}
	candles, err := g.upstream.History(r.Context(), pair, from, to, resolution)
	if err != nil {
		http.Error(w, "upstream_error", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pair": pair.String(), "candles": candles})
}

func parseUnixSeconds(s string) int64 {
	if s == "" {
		return time.Now().Add(-24 * time.Hour).Unix()
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now().Add(-24 * time.Hour).Unix()
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
