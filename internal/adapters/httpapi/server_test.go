package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polycopy/internal/adapters/httpapi"
	"polycopy/internal/adapters/storage"
	"polycopy/internal/domain"
)

func seedAPI(t *testing.T) (*httptest.Server, *storage.SQLiteStorage) {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	now := time.Now().UTC()
	maxPos := 100.0
	require.NoError(t, store.SaveStrategy(ctx, domain.Strategy{
		ID: "s1", Name: "whale-alpha", TraderAddress: "0xtrader", Active: true,
		Capital: domain.CapitalState{Initial: 1000, Available: 940, Locked: 40, Cooldown: 25, RealizedPnL: 5},
		Risk:    domain.RiskConfig{MaxPositionSize: &maxPos},
		RiskState: domain.RiskState{
			Day: now.Format("2006-01-02"), DailySpend: 40, PeakEquity: 1005,
		},
		Exec:      domain.ExecConfig{CopyRatio: 0.1, OrderType: "FOK", CooldownDuration: time.Hour},
		CreatedAt: now, UpdatedAt: now,
	}))

	_, err = store.InsertLot(ctx, domain.Lot{
		StrategyID: "s1", MarketID: "0xc1", Outcome: "Yes", OrderID: "o1",
		OriginalShares: 100, RemainingShares: 100, EntryPrice: 0.40,
		Status: domain.LotOpen, CreatedAt: now,
	})
	require.NoError(t, err)

	require.NoError(t, store.SaveOrder(ctx, domain.Order{
		ID: "o1", StrategyID: "s1", MarketID: "0xc1", Outcome: "Yes",
		InstrumentID: "tok-yes", Side: domain.SideBuy, OrderType: domain.OrderTypeFOK,
		ReqPrice: 0.40, ReqSize: 100, FilledPrice: 0.40, FilledSize: 100,
		Status: domain.OrderFilled, PlacedAt: now, UpdatedAt: now,
	}))

	srv := httptest.NewServer(httpapi.NewServer(":0", store).Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func getJSON(t *testing.T, srv *httptest.Server, path string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestListStrategies(t *testing.T) {
	srv, _ := seedAPI(t)

	body := getJSON(t, srv, "/api/strategies", http.StatusOK)
	strategies := body["strategies"].([]any)
	require.Len(t, strategies, 1)

	s := strategies[0].(map[string]any)
	assert.Equal(t, "s1", s["id"])
	assert.Equal(t, "whale-alpha", s["name"])
	assert.Equal(t, "active", s["state"])
	assert.InDelta(t, 940.0, s["available"], 1e-9)
	assert.InDelta(t, 1005.0, s["equity"], 1e-9)
}

func TestGetStrategy_Detail(t *testing.T) {
	srv, _ := seedAPI(t)

	body := getJSON(t, srv, "/api/strategies/s1", http.StatusOK)
	assert.InDelta(t, 1000.0, body["initial"], 1e-9)

	risk := body["risk"].(map[string]any)
	assert.InDelta(t, 100.0, risk["max_position_size"], 1e-9)
	assert.InDelta(t, 40.0, risk["daily_spend"], 1e-9)
	_, hasBudget := risk["daily_budget"]
	assert.False(t, hasBudget, "unset limits are omitted")

	exec := body["exec"].(map[string]any)
	assert.Equal(t, "FOK", exec["order_type"])
	assert.Equal(t, "1h0m0s", exec["cooldown_duration"])
}

func TestGetStrategy_Unknown(t *testing.T) {
	srv, _ := seedAPI(t)

	body := getJSON(t, srv, "/api/strategies/nope", http.StatusNotFound)
	assert.Equal(t, "unknown strategy", body["error"])
}

func TestListPositionsAndOrders(t *testing.T) {
	srv, _ := seedAPI(t)

	body := getJSON(t, srv, "/api/strategies/s1/positions", http.StatusOK)
	positions := body["positions"].([]any)
	require.Len(t, positions, 1)
	p := positions[0].(map[string]any)
	assert.Equal(t, "0xc1", p["MarketID"])
	assert.InDelta(t, 100.0, p["NetShares"], 1e-9)

	body = getJSON(t, srv, "/api/strategies/s1/orders?limit=10", http.StatusOK)
	orders := body["orders"].([]any)
	require.Len(t, orders, 1)
	o := orders[0].(map[string]any)
	assert.Equal(t, "FILLED", o["Status"])
}

func TestClearBreaker(t *testing.T) {
	srv, store := seedAPI(t)
	ctx := context.Background()

	s, err := store.GetStrategy(ctx, "s1")
	require.NoError(t, err)
	s.RiskState.TripBreaker("max daily loss", time.Now().UTC(), 0)
	require.NoError(t, store.UpdateRiskState(ctx, "s1", s.RiskState))

	resp, err := http.Post(srv.URL+"/api/strategies/s1/risk/clear-breaker", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s, err = store.GetStrategy(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, s.RiskState.BreakerActive)

	// A second clear is a conflict: nothing is tripped.
	resp, err = http.Post(srv.URL+"/api/strategies/s1/risk/clear-breaker", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
