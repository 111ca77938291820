package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drsoft-oss/proxyfleet/internal/pool"
	"github.com/drsoft-oss/proxyfleet/internal/rotation"
	"github.com/drsoft-oss/proxyfleet/internal/store"
)

const testSecret = "hunter2"

type fakeRefresher struct {
	triggered atomic.Int64
}

func (f *fakeRefresher) TriggerRefresh() { f.triggered.Add(1) }

type fixture struct {
	st      *store.Store
	pool    *pool.Pool
	engine  *rotation.Engine
	refresh *fakeRefresher
	srv     *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	p := pool.New(st, zap.NewNop())
	eng := rotation.New(st, p, zap.NewNop())
	refresh := &fakeRefresher{}

	s := New("127.0.0.1:0", st, p, eng, refresh, testSecret, zap.NewNop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{st: st, pool: p, engine: eng, refresh: refresh, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any, authed bool) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testSecret)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func TestHealth_Unauthenticated(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/health", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "ok")
}

func TestAuth_Required(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/api/stats", nil, false)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

	resp3, _ := f.do(t, http.MethodGet, "/api/stats", nil, true)
	require.Equal(t, http.StatusOK, resp3.StatusCode)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.pool.Add(ctx, pool.Proxy{IP: "1.2.3.4", Port: 8080, Source: "t"}))
	require.NoError(t, f.pool.Add(ctx, pool.Proxy{IP: "5.6.7.8", Port: 8080, Source: "t"}))
	require.NoError(t, f.pool.MarkDead(ctx, "5.6.7.8:8080", "test"))
	require.NoError(t, f.st.PushRequest(ctx, store.RequestRecord{Blocked: true, LatencyMS: 100}))
	require.NoError(t, f.st.PushRequest(ctx, store.RequestRecord{LatencyMS: 300}))

	resp, body := f.do(t, http.MethodGet, "/api/stats", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		Total        int     `json:"total_proxies"`
		Healthy      int     `json:"healthy"`
		Dead         int     `json:"dead"`
		BlockRate    float64 `json:"block_rate"`
		AvgLatencyMS float64 `json:"avg_latency_ms"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, 2, got.Total)
	require.Equal(t, 1, got.Healthy)
	require.Equal(t, 1, got.Dead)
	require.Equal(t, 0.5, got.BlockRate)
	require.Equal(t, 200.0, got.AvgLatencyMS)
}

func TestPoolListAndFlush(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, f.pool.Add(ctx, pool.Proxy{IP: fmt.Sprintf("10.0.0.%d", i), Port: 8080, Source: "t"}))
	}
	require.NoError(t, f.pool.MarkDead(ctx, "10.0.0.2:8080", "test"))

	resp, body := f.do(t, http.MethodGet, "/api/pool?page=1&per_page=2", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Proxies []pool.Proxy `json:"proxies"`
		Total   int          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(body, &listed))
	require.Equal(t, 3, listed.Total)
	require.Len(t, listed.Proxies, 2)

	resp, body = f.do(t, http.MethodPost, "/api/pool/flush", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"removed":1`)
}

func TestPoolRefresh_Triggers(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/pool/refresh", nil, true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.EqualValues(t, 1, f.refresh.triggered.Load())
}

func TestRequests_LastN(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, f.st.PushRequest(ctx, store.RequestRecord{ID: fmt.Sprintf("r%d", i)}))
	}

	resp, body := f.do(t, http.MethodGet, "/api/requests?count=2", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recs []store.RequestRecord
	require.NoError(t, json.Unmarshal(body, &recs))
	require.Len(t, recs, 2)
	require.Equal(t, "r4", recs[0].ID)
}

func TestRotationRules_ReadUpdate(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/rotation-rules", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cfg rotation.Config
	require.NoError(t, json.Unmarshal(body, &cfg))
	require.Equal(t, rotation.StrategyPerRequest, cfg.Strategy)

	update := rotation.Config{Strategy: rotation.StrategyRoundRobin, SessionTTLSeconds: 120, RotationIntervalSeconds: 15}
	resp, _ = f.do(t, http.MethodPost, "/api/rotation-rules", update, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/rotation-rules", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &cfg))
	require.Equal(t, rotation.StrategyRoundRobin, cfg.Strategy)
	require.Equal(t, 120, cfg.SessionTTLSeconds)

	resp, _ = f.do(t, http.MethodPost, "/api/rotation-rules", rotation.Config{Strategy: "bogus"}, true)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDomainOverrides_CRUD(t *testing.T) {
	f := newFixture(t)

	ov := rotation.Override{Domain: "shop.example.test", Strategy: rotation.StrategyPerSession, Country: "US"}
	resp, _ := f.do(t, http.MethodPost, "/api/domain-overrides", ov, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/api/domain-overrides", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ovs []rotation.Override
	require.NoError(t, json.Unmarshal(body, &ovs))
	require.Len(t, ovs, 1)
	require.Equal(t, "shop.example.test", ovs[0].Domain)

	resp, _ = f.do(t, http.MethodDelete, "/api/domain-overrides/shop.example.test", nil, true)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/domain-overrides", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "[]", string(bytes.TrimSpace(body)))

	resp, _ = f.do(t, http.MethodPost, "/api/domain-overrides", rotation.Override{Domain: "x.test", Strategy: "bogus"}, true)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
