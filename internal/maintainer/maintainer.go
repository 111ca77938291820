// Package maintainer keeps the upstream pool populated and graded.
//
// Two cooperating loops run until stopped:
//   - refresh: scrape the configured source lists, dedup, upsert into the
//     pool, top up from Webshare when the healthy count is low, then probe
//     anything stale or never checked
//   - probe: re-probe healthy proxies on a shorter cadence
//
// A third housekeeping loop flushes dead records to bound storage.
package maintainer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/drsoft-oss/proxyfleet/internal/pool"
)

// Config controls refresh and probing behaviour.
type Config struct {
	// Sources are URLs returning line-based "ip:port" proxy lists.
	Sources []string

	// SourceTimeout bounds each source fetch.
	SourceTimeout time.Duration

	// MinPoolSize triggers the Webshare top-up when the healthy count
	// drops below it.
	MinPoolSize int

	// RefreshInterval is the period between full refresh passes.
	RefreshInterval time.Duration

	// HealthCheckInterval is the re-probe cadence; a proxy checked more
	// recently than this is skipped by the refresh-triggered probe pass.
	HealthCheckInterval time.Duration

	// HealthCheckTimeout bounds each individual probe.
	HealthCheckTimeout time.Duration

	// HealthCheckURL is fetched through each candidate; the response must
	// be a 200 with a JSON body whose "origin" field is a valid IP.
	HealthCheckURL string

	// MaxConcurrentChecks bounds simultaneous probes.
	MaxConcurrentChecks int64

	// FlushInterval is the dead-record eviction cadence.
	FlushInterval time.Duration

	// Webshare fallback.
	WebshareEnabled bool
	WebshareKey     string
	WebshareURL     string
}

// WebshareSource is the source label for top-up entries.
const WebshareSource = "webshare"

// Maintainer runs the pool upkeep loops.
type Maintainer struct {
	pool *pool.Pool
	cfg  Config
	log  *zap.Logger

	sem    *semaphore.Weighted
	client *http.Client

	// probeFn performs one probe, returning measured latency in ms.
	// Swapped in tests.
	probeFn func(ctx context.Context, px pool.Proxy) (float64, error)

	probingMu sync.Mutex
	probing   map[string]struct{}

	refreshCh chan struct{}
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New creates a Maintainer. Call Start to launch the loops.
func New(p *pool.Pool, cfg Config, log *zap.Logger) *Maintainer {
	if cfg.SourceTimeout == 0 {
		cfg.SourceTimeout = 10 * time.Second
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = 10 * time.Minute
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 5 * time.Minute
	}
	if cfg.HealthCheckTimeout == 0 {
		cfg.HealthCheckTimeout = 8 * time.Second
	}
	if cfg.HealthCheckURL == "" {
		cfg.HealthCheckURL = "http://httpbin.org/ip"
	}
	if cfg.MaxConcurrentChecks == 0 {
		cfg.MaxConcurrentChecks = 200
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 30 * time.Minute
	}
	m := &Maintainer{
		pool:      p,
		cfg:       cfg,
		log:       log.Named("maintainer"),
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentChecks),
		client:    &http.Client{Timeout: cfg.SourceTimeout},
		probing:   make(map[string]struct{}),
		refreshCh: make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	m.probeFn = m.probeHTTP
	return m
}

// Start launches the refresh, probe, and flush loops. An initial refresh
// runs immediately.
func (m *Maintainer) Start(ctx context.Context) {
	m.wg.Add(3)
	go m.refreshLoop(ctx)
	go m.probeLoop(ctx)
	go m.flushLoop(ctx)
}

// Stop shuts down the loops and waits for them to exit. In-flight probes
// finish on their own timeouts.
func (m *Maintainer) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// TriggerRefresh queues an immediate refresh pass. Non-blocking; a pass
// already queued absorbs the trigger.
func (m *Maintainer) TriggerRefresh() {
	select {
	case m.refreshCh <- struct{}{}:
	default:
	}
}

// -----------------------------------------------------------------------
// Loops
// -----------------------------------------------------------------------

func (m *Maintainer) refreshLoop(ctx context.Context) {
	defer m.wg.Done()

	if err := m.Refresh(ctx); err != nil {
		m.log.Warn("initial refresh", zap.Error(err))
	}

	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-m.refreshCh:
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		}
		if err := m.Refresh(ctx); err != nil {
			m.log.Warn("refresh", zap.Error(err))
		}
	}
}

func (m *Maintainer) probeLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			healthy, err := m.pool.GetHealthy(ctx)
			if err != nil {
				m.log.Warn("probe pass", zap.Error(err))
				continue
			}
			m.ProbePass(ctx, healthy)
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		}
	}
}

func (m *Maintainer) flushLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := m.pool.FlushDead(ctx); err != nil {
				m.log.Warn("flush dead", zap.Error(err))
			}
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		}
	}
}

// -----------------------------------------------------------------------
// Refresh
// -----------------------------------------------------------------------

// Refresh runs one full scrape → dedup → upsert → top-up → probe pass.
// Individual source failures are logged and skipped; the union of the
// remaining sources is used.
func (m *Maintainer) Refresh(ctx context.Context) error {
	type fetched struct {
		source  string
		entries []pool.Proxy
		err     error
	}
	results := make([]fetched, len(m.cfg.Sources))

	var wg sync.WaitGroup
	for i, src := range m.cfg.Sources {
		wg.Add(1)
		go func(i int, src string) {
			defer wg.Done()
			entries, err := m.fetchSource(ctx, src)
			results[i] = fetched{source: src, entries: entries, err: err}
		}(i, src)
	}
	wg.Wait()

	// Dedup in configured source order: the first source contributing a
	// key owns its source label.
	seen := make(map[string]struct{})
	var merged []pool.Proxy
	for _, res := range results {
		if res.err != nil {
			m.log.Warn("source fetch failed",
				zap.String("source", res.source), zap.Error(res.err))
			continue
		}
		for _, px := range res.entries {
			if _, dup := seen[px.Key()]; dup {
				continue
			}
			seen[px.Key()] = struct{}{}
			merged = append(merged, px)
		}
	}

	for _, px := range merged {
		if err := m.pool.Add(ctx, px); err != nil {
			return fmt.Errorf("upsert %s: %w", px.Key(), err)
		}
	}
	m.log.Info("refresh merged sources",
		zap.Int("sources", len(m.cfg.Sources)), zap.Int("proxies", len(merged)))

	if err := m.topUp(ctx, seen); err != nil {
		m.log.Warn("webshare top-up", zap.Error(err))
	}

	stale, err := m.staleCandidates(ctx)
	if err != nil {
		return err
	}
	m.ProbePass(ctx, stale)
	return nil
}

// topUp pulls the Webshare fallback list when the healthy count is below
// the configured minimum. Entries deduplicate against this pass's keys.
func (m *Maintainer) topUp(ctx context.Context, seen map[string]struct{}) error {
	if !m.cfg.WebshareEnabled || m.cfg.WebshareURL == "" {
		return nil
	}
	stats, err := m.pool.Stats(ctx)
	if err != nil {
		return err
	}
	if stats.Healthy >= m.cfg.MinPoolSize {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.WebshareURL, nil)
	if err != nil {
		return err
	}
	if m.cfg.WebshareKey != "" {
		req.Header.Set("Authorization", "Token "+m.cfg.WebshareKey)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webshare returned %s", resp.Status)
	}

	added := 0
	for _, px := range parseProxyList(resp.Body, WebshareSource) {
		if _, dup := seen[px.Key()]; dup {
			continue
		}
		seen[px.Key()] = struct{}{}
		if err := m.pool.Add(ctx, px); err != nil {
			return err
		}
		added++
	}
	m.log.Info("webshare top-up", zap.Int("added", added),
		zap.Int("healthy_before", stats.Healthy))
	return nil
}

// fetchSource GETs one source URL and parses its body. No response is
// trusted to be well-formed; garbage lines are skipped.
func (m *Maintainer) fetchSource(ctx context.Context, src string) ([]pool.Proxy, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SourceTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source returned %s", resp.Status)
	}
	return parseProxyList(resp.Body, src), nil
}

// staleCandidates returns proxies never checked or checked longer ago than
// the health-check interval.
func (m *Maintainer) staleCandidates(ctx context.Context) ([]pool.Proxy, error) {
	all, _, err := m.pool.List(ctx, pool.Filter{}, 1, 1<<30)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-m.cfg.HealthCheckInterval).Unix()
	var out []pool.Proxy
	for _, px := range all {
		if px.LastChecked == 0 || px.LastChecked < cutoff {
			out = append(out, px)
		}
	}
	return out, nil
}

// parseProxyList reads line-based "ip:port" entries, skipping anything
// that doesn't parse.
func parseProxyList(r io.Reader, source string) []pool.Proxy {
	var out []pool.Proxy
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		px, ok := parseProxyLine(line, source)
		if !ok {
			continue
		}
		out = append(out, px)
	}
	return out
}

func parseProxyLine(line, source string) (pool.Proxy, bool) {
	host, portStr, err := net.SplitHostPort(line)
	if err != nil {
		return pool.Proxy{}, false
	}
	if net.ParseIP(host) == nil {
		return pool.Proxy{}, false
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return pool.Proxy{}, false
	}
	return pool.Proxy{
		IP:       host,
		Port:     uint16(port),
		Protocol: "http",
		Source:   source,
	}, true
}
