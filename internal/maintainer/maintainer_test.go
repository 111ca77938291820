package maintainer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drsoft-oss/proxyfleet/internal/pool"
	"github.com/drsoft-oss/proxyfleet/internal/store"
)

func newTestMaintainer(t *testing.T, cfg Config) (*Maintainer, *pool.Pool) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	p := pool.New(st, zap.NewNop())
	return New(p, cfg, zap.NewNop()), p
}

func lineServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, body)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestParseProxyList_SkipsGarbage(t *testing.T) {
	body := strings.Join([]string{
		"1.2.3.4:8080",
		"# comment",
		"",
		"not a proxy at all",
		"256.1.1.1:8080",  // invalid IP
		"1.2.3.4:notport", // invalid port
		"1.2.3.4:0",       // port zero
		"<html>error page</html>",
		"5.6.7.8:3128",
	}, "\n")

	got := parseProxyList(strings.NewReader(body), "src")
	require.Len(t, got, 2)
	require.Equal(t, "1.2.3.4:8080", got[0].Key())
	require.Equal(t, "5.6.7.8:3128", got[1].Key())
	require.Equal(t, "src", got[0].Source)
	require.Equal(t, "http", got[0].Protocol)
}

func TestRefresh_DedupAcrossSources_FirstWins(t *testing.T) {
	srcA := lineServer(t, "1.2.3.4:8080\n10.0.0.1:3128\n")
	srcB := lineServer(t, "1.2.3.4:8080\n10.0.0.2:3128\n")

	m, p := newTestMaintainer(t, Config{
		Sources:             []string{srcA.URL, srcB.URL},
		HealthCheckInterval: time.Hour,
	})
	// Refresh probes fresh entries; stub the probe out.
	m.probeFn = func(context.Context, pool.Proxy) (float64, error) { return 1, nil }

	require.NoError(t, m.Refresh(context.Background()))

	proxies, total, err := p.List(context.Background(), pool.Filter{}, 1, 100)
	require.NoError(t, err)
	require.Equal(t, 3, total)

	var dup pool.Proxy
	for _, px := range proxies {
		if px.Key() == "1.2.3.4:8080" {
			dup = px
		}
	}
	require.Equal(t, srcA.URL, dup.Source, "first configured source owns the duplicate key")
}

func TestRefresh_SourceFailureIsNotFatal(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(bad.Close)
	good := lineServer(t, "10.0.0.1:3128\n")

	m, p := newTestMaintainer(t, Config{
		Sources:             []string{bad.URL, good.URL},
		HealthCheckInterval: time.Hour,
	})
	m.probeFn = func(context.Context, pool.Proxy) (float64, error) { return 1, nil }

	require.NoError(t, m.Refresh(context.Background()))

	_, total, err := p.List(context.Background(), pool.Filter{}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, total)
}

func TestRefresh_WebshareTopUpWhenBelowMinimum(t *testing.T) {
	src := lineServer(t, "10.0.0.1:3128\n")
	var gotAuth atomic.Value
	webshare := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		fmt.Fprint(w, "10.0.0.1:3128\n20.0.0.1:8000\n20.0.0.2:8000\n")
	}))
	t.Cleanup(webshare.Close)

	m, p := newTestMaintainer(t, Config{
		Sources:             []string{src.URL},
		MinPoolSize:         5,
		HealthCheckInterval: time.Hour,
		WebshareEnabled:     true,
		WebshareKey:         "sekrit",
		WebshareURL:         webshare.URL,
	})
	m.probeFn = func(context.Context, pool.Proxy) (float64, error) { return 1, nil }

	require.NoError(t, m.Refresh(context.Background()))

	require.Equal(t, "Token sekrit", gotAuth.Load())

	proxies, total, err := p.List(context.Background(), pool.Filter{}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 3, total)

	for _, px := range proxies {
		if px.Key() == "10.0.0.1:3128" {
			require.Equal(t, src.URL, px.Source, "webshare duplicate must not steal the source")
		} else {
			require.Equal(t, WebshareSource, px.Source)
		}
	}
}

func TestRefresh_WebshareSkippedWhenHealthyEnough(t *testing.T) {
	src := lineServer(t, "10.0.0.1:3128\n10.0.0.2:3128\n")
	called := atomic.Bool{}
	webshare := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called.Store(true)
		fmt.Fprint(w, "20.0.0.1:8000\n")
	}))
	t.Cleanup(webshare.Close)

	m, _ := newTestMaintainer(t, Config{
		Sources:             []string{src.URL},
		MinPoolSize:         1,
		HealthCheckInterval: time.Hour,
		WebshareEnabled:     true,
		WebshareURL:         webshare.URL,
	})
	m.probeFn = func(context.Context, pool.Proxy) (float64, error) { return 1, nil }

	require.NoError(t, m.Refresh(context.Background()))
	require.False(t, called.Load())
}

func TestProbePass_ConcurrencyBounded(t *testing.T) {
	m, _ := newTestMaintainer(t, Config{MaxConcurrentChecks: 50})

	var inflight, maxInflight atomic.Int64
	m.probeFn = func(context.Context, pool.Proxy) (float64, error) {
		cur := inflight.Add(1)
		for {
			prev := maxInflight.Load()
			if cur <= prev || maxInflight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inflight.Add(-1)
		return 0, errors.New("probe failed")
	}

	candidates := make([]pool.Proxy, 0, 1000)
	for i := 0; i < 1000; i++ {
		candidates = append(candidates, pool.Proxy{
			IP:   fmt.Sprintf("10.%d.%d.%d", i/65536, (i/256)%256, i%256),
			Port: 8080,
		})
	}

	m.ProbePass(context.Background(), candidates)
	require.LessOrEqual(t, maxInflight.Load(), int64(50))
	require.Greater(t, maxInflight.Load(), int64(0))
}

func TestProbePass_NoConcurrentProbeForSameKey(t *testing.T) {
	m, _ := newTestMaintainer(t, Config{MaxConcurrentChecks: 10})

	var perKey sync.Map // key -> *atomic.Int64 concurrent count
	var violation atomic.Bool
	m.probeFn = func(_ context.Context, px pool.Proxy) (float64, error) {
		v, _ := perKey.LoadOrStore(px.Key(), new(atomic.Int64))
		ctr := v.(*atomic.Int64)
		if ctr.Add(1) > 1 {
			violation.Store(true)
		}
		time.Sleep(2 * time.Millisecond)
		ctr.Add(-1)
		return 1, nil
	}

	px := pool.Proxy{IP: "10.0.0.1", Port: 8080}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.ProbePass(context.Background(), []pool.Proxy{px, px, px})
		}()
	}
	wg.Wait()
	require.False(t, violation.Load())
}

func TestProbePass_OutcomesHitCounters(t *testing.T) {
	m, p := newTestMaintainer(t, Config{MaxConcurrentChecks: 4})
	ctx := context.Background()

	good := pool.Proxy{IP: "10.0.0.1", Port: 8080, Source: "test"}
	bad := pool.Proxy{IP: "10.0.0.2", Port: 8080, Source: "test"}
	require.NoError(t, p.Add(ctx, good))
	require.NoError(t, p.Add(ctx, bad))

	m.probeFn = func(_ context.Context, px pool.Proxy) (float64, error) {
		if px.Key() == good.Key() {
			return 42, nil
		}
		return 0, errors.New("connect refused")
	}

	m.ProbePass(ctx, []pool.Proxy{good, bad})

	g, err := p.Get(ctx, good.Key())
	require.NoError(t, err)
	require.EqualValues(t, 1, g.SuccessCount)
	require.Equal(t, 42.0, g.LatencyMS)
	require.Equal(t, pool.StatusHealthy, g.Status)

	b, err := p.Get(ctx, bad.Key())
	require.NoError(t, err)
	require.EqualValues(t, 1, b.FailCount)
	require.EqualValues(t, 1, b.ConsecutiveFailures)
}

// probeTarget runs an httptest server acting as the upstream proxy the
// probe is routed through, and returns a pool record pointing at it.
func probeTarget(t *testing.T, handler http.HandlerFunc) pool.Proxy {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	host, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.ParseUint(portStr, 10, 16)
	require.NoError(t, err)
	return pool.Proxy{IP: host, Port: uint16(port), Source: "test"}
}

func TestProbeHTTP_PassCriteria(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		wantErr bool
	}{
		{
			name: "200 with valid origin IP passes",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, `{"origin": "93.184.216.34"}`)
			},
		},
		{
			name: "non-200 fails",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantErr: true,
		},
		{
			name: "malformed JSON fails",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, "<html>totally a proxy</html>")
			},
			wantErr: true,
		},
		{
			name: "origin not an IP fails",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, `{"origin": "behind seven proxies"}`)
			},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, _ := newTestMaintainer(t, Config{
				HealthCheckTimeout: 2 * time.Second,
				HealthCheckURL:     "http://ip.check.test/ip",
			})
			px := probeTarget(t, tc.handler)
			latency, err := m.probeHTTP(context.Background(), px)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				require.Greater(t, latency, 0.0)
			}
		})
	}
}

func TestTriggerRefresh_Coalesces(t *testing.T) {
	m, _ := newTestMaintainer(t, Config{})
	m.TriggerRefresh()
	m.TriggerRefresh()
	m.TriggerRefresh()
	require.Len(t, m.refreshCh, 1)
}
