package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"depthwatch/config"
	"depthwatch/logger"
	"depthwatch/models"
)

type stubPairs struct {
	status []models.PairStatus
	book   *models.OrderBook
}

func (s stubPairs) Pairs() []models.PairStatus { return s.status }

func (s stubPairs) Book(symbol string) (*models.OrderBook, bool) {
	if symbol != "BTC-USDT" || s.book == nil {
		return nil, false
	}
	return s.book, true
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func newTestServer(t *testing.T, pairs PairSource, db Pinger) *Server {
	t.Helper()
	srv, err := NewServer(config.DashboardConfig{Enabled: true, Addr: ":0"}, logger.Logger(), pairs, db, "maestro-1")
	if err != nil || srv == nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.cleanup)
	return srv
}

func serve(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter: %v", err)
	}
	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, path, nil))
	return res
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                               "0.0.0.0:8080",
		"  :9090  ":                      "0.0.0.0:9090",
		"localhost":                      "localhost:8080",
		"0.0.0.0:80":                     "0.0.0.0:80",
		"[::1]:443":                      "[::1]:443",
		"::1":                            "[::1]:8080",
		"*:8080":                         "0.0.0.0:8080",
		"http://13.200.112.203:8080":     "13.200.112.203:8080",
		"https://13.200.112.203":         "13.200.112.203:8080",
		"http://:7070":                   "0.0.0.0:7070",
		"tcp://localhost:5050":           "localhost:5050",
		"https://dashboard.example.com/": "dashboard.example.com:8080",
	}

	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestDisabledServerIsNil(t *testing.T) {
	srv, err := NewServer(config.DashboardConfig{}, logger.Logger(), nil, nil, "")
	if err != nil || srv != nil {
		t.Fatalf("disabled dashboard must return nil, got %v %v", srv, err)
	}
	if srv.Address() != "" {
		t.Fatalf("nil server has no address")
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, stubPairs{}, stubPinger{})
	if res := serve(t, srv, "/healthz"); res.Code != http.StatusOK {
		t.Fatalf("healthy status = %d", res.Code)
	}

	srv = newTestServer(t, stubPairs{}, stubPinger{err: errors.New("connection refused")})
	res := serve(t, srv, "/healthz")
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d", res.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil || body["status"] != "degraded" {
		t.Fatalf("unexpected body %s", res.Body.String())
	}
}

func TestPairsAndTopOfBook(t *testing.T) {
	book := models.NewOrderBook()
	for i, p := range []string{"100", "101", "102"} {
		book.Asks.Set(decimal.RequireFromString(p), decimal.NewFromInt(int64(i+1)))
	}
	book.Bids.Set(decimal.RequireFromString("99"), decimal.NewFromInt(2))
	pairs := stubPairs{
		status: []models.PairStatus{{Pair: models.Pair{ID: uuid.New(), Symbol: "BTC/USDT"}, Exchange: models.ExchangeBinance, Ready: true}},
		book:   book,
	}
	srv := newTestServer(t, pairs, nil)

	res := serve(t, srv, "/api/pairs")
	var list struct {
		Pairs []models.PairStatus `json:"pairs"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &list); err != nil || len(list.Pairs) != 1 || list.Pairs[0].Pair.Symbol != "BTC/USDT" {
		t.Fatalf("unexpected pairs %s", res.Body.String())
	}

	res = serve(t, srv, "/api/pairs/BTC-USDT/top?depth=2")
	if res.Code != http.StatusOK {
		t.Fatalf("top status = %d", res.Code)
	}
	var top struct {
		Asks []levelView `json:"asks"`
		Bids []levelView `json:"bids"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &top); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(top.Asks) != 2 || top.Asks[0].Price != "100" || top.Asks[1].Liquidity != "202" {
		t.Fatalf("unexpected asks %+v", top.Asks)
	}
	if len(top.Bids) != 1 || top.Bids[0].Price != "99" {
		t.Fatalf("unexpected bids %+v", top.Bids)
	}

	if res := serve(t, srv, "/api/pairs/ETH-USDT/top"); res.Code != http.StatusNotFound {
		t.Fatalf("unknown pair status = %d", res.Code)
	}
	if res := serve(t, srv, "/api/pairs/BTC-USDT/top?depth=zero"); res.Code != http.StatusBadRequest {
		t.Fatalf("bad depth status = %d", res.Code)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	res := serve(t, srv, "/metrics")
	if res.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", res.Code)
	}
}
