package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/aggregation"
	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	"github.com/cygnus-wealth/portfolio-engine/internal/metrics"
	"github.com/cygnus-wealth/portfolio-engine/internal/session"
	"github.com/cygnus-wealth/portfolio-engine/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func usdc(chainID model.ChainID, amount int64) model.Asset {
	return model.Asset{
		ChainID: chainID,
		AssetID: "0xa0b8",
		Symbol:  "USDC",
		Amount:  decimal.NewFromInt(amount),
		Value:   decimal.NewFromInt(amount),
		Origin:  model.OriginOnChain,
	}
}

func account(raw string, assets ...model.Asset) model.AccountPortfolio {
	id := model.MustParseAccountID(raw)
	s := model.AddressSlice{
		ChainFamily: id.ChainFamily(),
		Address:     id.Address(),
		Assets:      assets,
		UpdatedAt:   t0,
		Sources:     []string{"evm"},
	}
	s.RecomputeValue()
	return model.AccountPortfolio{AccountID: id, AddressSlice: s}
}

func seededStore() *store.Store {
	st := store.New(slog.New(slog.DiscardHandler))
	sources := map[model.ChainFamily]model.SourceStatus{
		model.ChainFamilyEVM:    {ChainFamily: model.ChainFamilyEVM, State: model.SourceStateOK, Addresses: 2},
		model.ChainFamilySolana: {ChainFamily: model.ChainFamilySolana, State: model.SourceStateDegraded, FromCache: true, Reason: "timeout"},
	}
	st.ApplySnapshot(model.AssemblePortfolio(3, t0, []model.AccountPortfolio{
		account("conn1:evm:0xaaa", usdc("1", 5)),
		account("conn2:evm:0xaaa", usdc("1", 5)),
		account("conn1:evm:0xbbb", usdc("137", 5)),
	}, sources))
	return st
}

type fakeHealth struct{}

func (fakeHealth) Health() []aggregation.HealthSnapshot {
	return []aggregation.HealthSnapshot{{ChainFamily: model.ChainFamilyEVM, Status: aggregation.HealthStatusHealthy, BreakerState: "CLOSED"}}
}

type fakeAccounts struct {
	tracked      []string
	untrackErr   error
	disconnected []model.AccountID
	refreshErr   error
}

func (f *fakeAccounts) Refresh(context.Context) (*model.Portfolio, error) {
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return model.AssemblePortfolio(9, t0, nil, nil), nil
}

func (f *fakeAccounts) TrackWallet(_ context.Context, conn model.ConnectionID, family model.ChainFamily, address string, _ []model.ChainID, _ string) (model.AccountID, error) {
	f.tracked = append(f.tracked, "wallet:"+string(conn))
	return model.NewAccountID(conn, family, address)
}

func (f *fakeAccounts) TrackWatch(_ context.Context, family model.ChainFamily, address string, _ []model.ChainID, _ string) (model.AccountID, error) {
	f.tracked = append(f.tracked, "watch")
	return model.NewWatchAccountID(family, address)
}

func (f *fakeAccounts) Untrack(context.Context, model.AccountID) error { return f.untrackErr }

func (f *fakeAccounts) DisconnectConnection(context.Context, model.ConnectionID) []model.AccountID {
	return f.disconnected
}

func newHandler(t *testing.T, opts ...ServerOption) http.Handler {
	t.Helper()
	h, rl := NewServer(seededStore(), slog.New(slog.DiscardHandler), opts...).Handler()
	t.Cleanup(rl.Stop)
	return h
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = fmt.Sprintf("10.0.0.%d:1234", len(path)%250)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlePortfolio(t *testing.T) {
	rec := do(t, newHandler(t), http.MethodGet, "/v1/portfolio", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp portfolioResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "10", resp.TotalValue)
	assert.True(t, resp.Partial)
	assert.Len(t, resp.Holdings, 2)
	assert.Len(t, resp.Accounts, 3)
	require.Len(t, resp.Wallets, 2)
	assert.Equal(t, model.ConnectionID("conn1"), resp.Wallets[0].ConnectionID)
	assert.Equal(t, "10", resp.Wallets[0].TotalValue)
	require.Len(t, resp.Sources, 2)
	assert.Equal(t, model.ChainFamilyEVM, resp.Sources[0].ChainFamily)

	for _, h := range resp.Holdings {
		if h.Address == "0xaaa" {
			assert.ElementsMatch(t, []string{"conn1:evm:0xaaa", "conn2:evm:0xaaa"}, h.AccountIDs)
		}
	}
}

func TestHandleSymbols(t *testing.T) {
	rec := do(t, newHandler(t), http.MethodGet, "/v1/portfolio/symbols", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []symbolResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, symbolResponse{Symbol: "USDC", Amount: "10", Value: "10", LineItems: 2}, resp[0])
}

func TestHandleAccount(t *testing.T) {
	h := newHandler(t)

	rec := do(t, h, http.MethodGet, "/v1/accounts/conn1:evm:0xAAA", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp accountResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "conn1:evm:0xaaa", resp.AccountID)
	assert.Equal(t, "5", resp.TotalValue)
	require.Len(t, resp.Assets, 1)
	assert.Equal(t, "USDC", resp.Assets[0].Symbol)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/accounts/conn9:evm:0xaaa", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/accounts/garbage", nil).Code)
}

func TestHandleWallet(t *testing.T) {
	h := newHandler(t)

	rec := do(t, h, http.MethodGet, "/v1/wallets/conn1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp walletResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "10", resp.TotalValue)
	assert.Equal(t, "10", resp.ValueByFamily["evm"])

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/wallets/nobody", nil).Code)
}

func TestHandleSources(t *testing.T) {
	rec := do(t, newHandler(t, WithHealthProvider(fakeHealth{})), http.MethodGet, "/v1/sources", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp sourcesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Sources, 2)
	assert.Equal(t, model.SourceStateDegraded, resp.Sources[1].State)
	assert.True(t, resp.Sources[1].FromCache)
	require.Len(t, resp.Health, 1)
	assert.Equal(t, "CLOSED", resp.Health[0].BreakerState)
}

func TestHandleHealthzAndMetrics(t *testing.T) {
	h := newHandler(t)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", nil).Code)

	rec := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "portfolio_store_snapshots_applied_total")
}

func TestMutatingEndpointsUnavailableWithoutManager(t *testing.T) {
	h := newHandler(t)
	rec := do(t, h, http.MethodPost, "/v1/accounts", trackRequest{ChainFamily: "evm", Address: "0xccc"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleTrack(t *testing.T) {
	am := &fakeAccounts{}
	h := newHandler(t, WithAccountManager(am))

	rec := do(t, h, http.MethodPost, "/v1/accounts", trackRequest{ConnectionID: "conn3", ChainFamily: "EVM", Address: "0xCCC"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"account_id":"conn3:evm:0xccc"}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/v1/accounts", trackRequest{ChainFamily: "solana", Address: "So1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{"wallet:conn3", "watch"}, am.tracked)

	rec = do(t, h, http.MethodPost, "/v1/accounts", trackRequest{ChainFamily: "dogecoin", Address: "D1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleUntrack(t *testing.T) {
	am := &fakeAccounts{}
	h := newHandler(t, WithAccountManager(am))

	cexID := url.PathEscape("conn1:cex:binance/main")
	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/v1/accounts/"+cexID, nil).Code)

	am.untrackErr = fmt.Errorf("x: %w", session.ErrNotTracked)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/v1/accounts/conn1:evm:0xaaa", nil).Code)
}

func TestHandleDisconnect(t *testing.T) {
	am := &fakeAccounts{disconnected: []model.AccountID{model.MustParseAccountID("conn1:evm:0xaaa")}}
	h := newHandler(t, WithAccountManager(am))

	rec := do(t, h, http.MethodDelete, "/v1/wallets/conn1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":["conn1:evm:0xaaa"]}`, rec.Body.String())

	am.disconnected = nil
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/v1/wallets/conn2", nil).Code)
}

func TestHandleRefreshRateLimited(t *testing.T) {
	h := newHandler(t, WithAccountManager(&fakeAccounts{}))

	rec := do(t, h, http.MethodPost, "/v1/portfolio/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp portfolioResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 9, resp.Version)

	rec = do(t, h, http.MethodPost, "/v1/portfolio/refresh", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func requestFrom(t *testing.T, h http.Handler, method, path, clientIP string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-Forwarded-For", clientIP)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRefreshRateLimitSharedAcrossClients(t *testing.T) {
	h := newHandler(t, WithAccountManager(&fakeAccounts{}))
	before := testutil.ToFloat64(metrics.APIRateLimited.WithLabelValues("refresh"))

	require.Equal(t, http.StatusOK, requestFrom(t, h, http.MethodPost, "/v1/portfolio/refresh", "198.51.100.1").Code)

	rec := requestFrom(t, h, http.MethodPost, "/v1/portfolio/refresh", "198.51.100.2")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("Retry-After"))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.APIRateLimited.WithLabelValues("refresh")))
}

func TestUntrackRateLimitPerAccount(t *testing.T) {
	h := newHandler(t, WithAccountManager(&fakeAccounts{}))
	const client = "198.51.100.9"

	for range 2 {
		require.Equal(t, http.StatusNoContent, requestFrom(t, h, http.MethodDelete, "/v1/accounts/conn1:evm:0xaaa", client).Code)
	}
	rec := requestFrom(t, h, http.MethodDelete, "/v1/accounts/conn1:evm:0xaaa", client)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusNoContent, requestFrom(t, h, http.MethodDelete, "/v1/accounts/conn1:evm:0xbbb", client).Code)
	assert.Equal(t, http.StatusNoContent, requestFrom(t, h, http.MethodDelete, "/v1/accounts/conn1:evm:0xaaa", "198.51.100.10").Code)
}

func TestEndpointLimitRetryAfter(t *testing.T) {
	assert.Equal(t, "1", endpointLimit{rps: 20, burst: 40}.retryAfter())
	assert.Equal(t, "2", endpointLimit{rps: rate.Limit(30.0 / 60), burst: 5}.retryAfter())
	assert.Equal(t, "10", endpointLimit{rps: rate.Limit(6.0 / 60), burst: 2}.retryAfter())
	assert.Equal(t, "60", endpointLimit{}.retryAfter())
}

func TestCORSPreflight(t *testing.T) {
	h := newHandler(t, WithAllowedOrigins("http://localhost:3000"))

	req := httptest.NewRequest(http.MethodOptions, "/v1/portfolio", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestExtractClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", extractClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", extractClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", extractClientIP(req))
}

func TestRateLimitMiddleware_EvictStale(t *testing.T) {
	rl := NewRateLimitMiddleware(slog.New(slog.DiscardHandler))
	defer rl.Stop()
	now := t0
	rl.nowFunc = func() time.Time { return now }

	rl.limiter("a", endpointLimit{rps: 1, burst: 1})
	assert.Equal(t, 1, rl.LimiterCount())

	now = now.Add(staleLimiterTTL + time.Second)
	rl.evictStale()
	assert.Zero(t, rl.LimiterCount())
}
