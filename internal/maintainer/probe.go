package maintainer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drsoft-oss/proxyfleet/internal/pool"
)

// ProbePass checks every candidate, bounded by the configured semaphore.
// A key already being probed is skipped, so the same proxy is never
// probed twice concurrently. Blocks until the pass completes.
func (m *Maintainer) ProbePass(ctx context.Context, candidates []pool.Proxy) {
	if len(candidates) == 0 {
		return
	}
	m.log.Info("probe pass started", zap.Int("candidates", len(candidates)))

	var wg sync.WaitGroup
	checked := 0
	for _, px := range candidates {
		if !m.beginProbe(px.Key()) {
			continue
		}
		if err := m.sem.Acquire(ctx, 1); err != nil {
			m.endProbe(px.Key())
			break
		}
		checked++
		wg.Add(1)
		go func(px pool.Proxy) {
			defer wg.Done()
			defer m.sem.Release(1)
			defer m.endProbe(px.Key())
			m.check(ctx, px)
		}(px)
	}
	wg.Wait()
	m.log.Info("probe pass done", zap.Int("checked", checked))
}

// beginProbe claims a key for probing; false means a probe is in flight.
func (m *Maintainer) beginProbe(key string) bool {
	m.probingMu.Lock()
	defer m.probingMu.Unlock()
	if _, busy := m.probing[key]; busy {
		return false
	}
	m.probing[key] = struct{}{}
	return true
}

func (m *Maintainer) endProbe(key string) {
	m.probingMu.Lock()
	delete(m.probing, key)
	m.probingMu.Unlock()
}

// check probes one proxy and records the outcome on its counters.
func (m *Maintainer) check(ctx context.Context, px pool.Proxy) {
	latency, err := m.probeFn(ctx, px)
	if err != nil {
		if rerr := m.pool.RecordFailure(ctx, px.Key()); rerr != nil {
			m.log.Warn("record failure", zap.String("proxy", px.Key()), zap.Error(rerr))
		}
		return
	}
	if rerr := m.pool.RecordSuccess(ctx, px.Key(), latency); rerr != nil {
		m.log.Warn("record success", zap.String("proxy", px.Key()), zap.Error(rerr))
	}
}

// probeHTTP issues the health-check request through the candidate.
// Pass criterion: HTTP 200 and a JSON body whose "origin" field is a
// syntactically valid IP. Anything else fails the probe.
func (m *Maintainer) probeHTTP(ctx context.Context, px pool.Proxy) (float64, error) {
	proxyURL, err := url.Parse(px.URL())
	if err != nil {
		return 0, fmt.Errorf("bad proxy url: %w", err)
	}
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxyURL),
			DisableKeepAlives: true,
		},
		Timeout: m.cfg.HealthCheckTimeout,
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.HealthCheckTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.HealthCheckURL, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	latency := float64(time.Since(start).Microseconds()) / 1000

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("probe returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return 0, fmt.Errorf("read probe body: %w", err)
	}
	var payload struct {
		Origin string `json:"origin"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("probe body not JSON: %w", err)
	}
	if net.ParseIP(strings.TrimSpace(payload.Origin)) == nil {
		return 0, fmt.Errorf("probe origin %q is not an IP", payload.Origin)
	}
	return latency, nil
}
