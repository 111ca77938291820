// Package pool manages the set of upstream proxies.
// Records live in the shared store as hashes keyed by "ip:port"; counters
// are updated with atomic hash increments so the gateway and the maintainer
// can mutate the same record concurrently.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drsoft-oss/proxyfleet/internal/store"
)

// Proxy status values.
const (
	StatusHealthy = "healthy"
	StatusDead    = "dead"
)

// MaxConsecutiveFailures is the threshold at which a proxy is auto-marked
// dead by RecordFailure.
const MaxConsecutiveFailures = 3

// ErrNotFound is returned when a proxy key has no record.
var ErrNotFound = errors.New("proxy not found")

// Proxy is one upstream proxy record.
type Proxy struct {
	IP       string `json:"ip"`
	Port     uint16 `json:"port"`
	Protocol string `json:"protocol"`
	Source   string `json:"source"`
	Country  string `json:"country,omitempty"`

	LatencyMS           float64 `json:"latency_ms"`
	SuccessCount        int64   `json:"success_count"`
	FailCount           int64   `json:"fail_count"`
	TotalChecks         int64   `json:"total_checks"`
	ConsecutiveFailures int64   `json:"consecutive_failures"`
	HealthScore         float64 `json:"health_score"`
	LastChecked         int64   `json:"last_checked"`
	Status              string  `json:"status"`
}

// Key returns the canonical "ip:port" identity.
func (p *Proxy) Key() string {
	return store.ProxyKey(p.IP, p.Port)
}

// URL returns the proxy as an http URL string, the form upstream dialers
// and http.Transport.Proxy expect.
func (p *Proxy) URL() string {
	return fmt.Sprintf("http://%s", p.Key())
}

// Filter narrows List results.
type Filter struct {
	Status  string
	Country string
}

// Stats summarizes pool composition for the control API.
type Stats struct {
	Total   int `json:"total_proxies"`
	Healthy int `json:"healthy"`
	Dead    int `json:"dead"`
}

// Pool provides CRUD and queries over proxy records in the store.
type Pool struct {
	st  *store.Store
	log *zap.Logger
}

// New creates a Pool over the given store.
func New(st *store.Store, log *zap.Logger) *Pool {
	return &Pool{st: st, log: log.Named("pool")}
}

// Add upserts a proxy by its "ip:port" key. If the key is already known the
// existing record, including its counters and source, is preserved.
func (p *Pool) Add(ctx context.Context, px Proxy) error {
	if px.Protocol == "" {
		px.Protocol = "http"
	}
	if px.Status == "" {
		px.Status = StatusHealthy
	}
	key := px.Key()

	added, err := p.st.SAdd(ctx, store.KeyPoolIndex, key).Result()
	if err != nil {
		return fmt.Errorf("index proxy %s: %w", key, err)
	}
	if added == 0 {
		// Known key — first seen wins, counters preserved.
		return nil
	}
	if err := p.st.HSet(ctx, store.ProxyHashKey(key), recordFields(px)).Err(); err != nil {
		return fmt.Errorf("write proxy %s: %w", key, err)
	}
	return nil
}

// Remove hard-deletes a proxy record.
func (p *Pool) Remove(ctx context.Context, key string) error {
	pipe := p.st.Pipeline()
	pipe.SRem(ctx, store.KeyPoolIndex, key)
	pipe.Del(ctx, store.ProxyHashKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove proxy %s: %w", key, err)
	}
	return nil
}

// MarkDead sets status=dead, leaving counters in place for audit.
// Idempotent.
func (p *Pool) MarkDead(ctx context.Context, key, reason string) error {
	if err := p.st.HSet(ctx, store.ProxyHashKey(key), "status", StatusDead).Err(); err != nil {
		return fmt.Errorf("mark dead %s: %w", key, err)
	}
	p.log.Info("proxy marked dead", zap.String("proxy", key), zap.String("reason", reason))
	return nil
}

// RecordSuccess registers a successful probe or request through the proxy.
func (p *Pool) RecordSuccess(ctx context.Context, key string, latencyMS float64) error {
	hkey := store.ProxyHashKey(key)
	pipe := p.st.Pipeline()
	succ := pipe.HIncrBy(ctx, hkey, "success_count", 1)
	total := pipe.HIncrBy(ctx, hkey, "total_checks", 1)
	pipe.HSet(ctx, hkey,
		"consecutive_failures", 0,
		"latency_ms", latencyMS,
		"last_checked", time.Now().Unix(),
		"status", StatusHealthy,
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record success %s: %w", key, err)
	}
	return p.updateScore(ctx, hkey, succ.Val(), total.Val())
}

// RecordFailure registers a failed probe or request. Crossing the
// consecutive-failure threshold marks the proxy dead.
func (p *Pool) RecordFailure(ctx context.Context, key string) error {
	hkey := store.ProxyHashKey(key)
	pipe := p.st.Pipeline()
	succ := pipe.HIncrBy(ctx, hkey, "success_count", 0)
	pipe.HIncrBy(ctx, hkey, "fail_count", 1)
	total := pipe.HIncrBy(ctx, hkey, "total_checks", 1)
	consec := pipe.HIncrBy(ctx, hkey, "consecutive_failures", 1)
	pipe.HSet(ctx, hkey, "last_checked", time.Now().Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record failure %s: %w", key, err)
	}
	if consec.Val() >= MaxConsecutiveFailures {
		if err := p.st.HSet(ctx, hkey, "status", StatusDead).Err(); err != nil {
			return fmt.Errorf("record failure %s: %w", key, err)
		}
		p.log.Info("proxy dead after consecutive failures",
			zap.String("proxy", key), zap.Int64("failures", consec.Val()))
	}
	return p.updateScore(ctx, hkey, succ.Val(), total.Val())
}

// updateScore recomputes the derived health score from counter values.
func (p *Pool) updateScore(ctx context.Context, hkey string, success, total int64) error {
	score := 0.0
	if total > 0 {
		score = 100 * float64(success) / float64(total)
	}
	if err := p.st.HSet(ctx, hkey, "health_score", score).Err(); err != nil {
		return fmt.Errorf("update score: %w", err)
	}
	return nil
}

// Get reads a single proxy record.
func (p *Pool) Get(ctx context.Context, key string) (Proxy, error) {
	fields, err := p.st.HGetAll(ctx, store.ProxyHashKey(key)).Result()
	if err != nil {
		return Proxy{}, fmt.Errorf("read proxy %s: %w", key, err)
	}
	if len(fields) == 0 {
		return Proxy{}, ErrNotFound
	}
	return recordFromFields(fields), nil
}

// List returns a page of proxies, ordered by key, optionally filtered by
// status and country. page is 1-based. The second return is the filtered
// total, for pagination.
func (p *Pool) List(ctx context.Context, f Filter, page, perPage int) ([]Proxy, int, error) {
	all, err := p.scan(ctx)
	if err != nil {
		return nil, 0, err
	}

	var filtered []Proxy
	for _, px := range all {
		if f.Status != "" && px.Status != f.Status {
			continue
		}
		if f.Country != "" && px.Country != f.Country {
			continue
		}
		filtered = append(filtered, px)
	}

	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}
	start := (page - 1) * perPage
	if start >= len(filtered) {
		return nil, len(filtered), nil
	}
	end := start + perPage
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[start:end], len(filtered), nil
}

// GetHealthy returns all records with status=healthy, ordered by key.
func (p *Pool) GetHealthy(ctx context.Context) ([]Proxy, error) {
	all, err := p.scan(ctx)
	if err != nil {
		return nil, err
	}
	var out []Proxy
	for _, px := range all {
		if px.Status == StatusHealthy {
			out = append(out, px)
		}
	}
	return out, nil
}

// FlushDead removes all dead records and returns how many were deleted.
func (p *Pool) FlushDead(ctx context.Context) (int, error) {
	all, err := p.scan(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, px := range all {
		if px.Status != StatusDead {
			continue
		}
		if err := p.Remove(ctx, px.Key()); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		p.log.Info("flushed dead proxies", zap.Int("removed", removed))
	}
	return removed, nil
}

// Stats counts records by status.
func (p *Pool) Stats(ctx context.Context) (Stats, error) {
	all, err := p.scan(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{Total: len(all)}
	for _, px := range all {
		switch px.Status {
		case StatusDead:
			s.Dead++
		default:
			s.Healthy++
		}
	}
	return s, nil
}

// Keys returns every indexed proxy key, sorted.
func (p *Pool) Keys(ctx context.Context) ([]string, error) {
	keys, err := p.st.SMembers(ctx, store.KeyPoolIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("read pool index: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// scan reads every indexed record, skipping index entries whose hash has
// vanished under a concurrent Remove.
func (p *Pool) scan(ctx context.Context) ([]Proxy, error) {
	keys, err := p.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Proxy, 0, len(keys))
	for _, key := range keys {
		fields, err := p.st.HGetAll(ctx, store.ProxyHashKey(key)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("read proxy %s: %w", key, err)
		}
		if len(fields) == 0 {
			continue
		}
		out = append(out, recordFromFields(fields))
	}
	return out, nil
}

// -----------------------------------------------------------------------
// Hash <-> record mapping
// -----------------------------------------------------------------------

func recordFields(px Proxy) map[string]interface{} {
	return map[string]interface{}{
		"ip":                   px.IP,
		"port":                 int(px.Port),
		"protocol":             px.Protocol,
		"source":               px.Source,
		"country":              px.Country,
		"latency_ms":           px.LatencyMS,
		"success_count":        px.SuccessCount,
		"fail_count":           px.FailCount,
		"total_checks":         px.TotalChecks,
		"consecutive_failures": px.ConsecutiveFailures,
		"health_score":         px.HealthScore,
		"last_checked":         px.LastChecked,
		"status":               px.Status,
	}
}

func recordFromFields(fields map[string]string) Proxy {
	port, _ := strconv.ParseUint(fields["port"], 10, 16)
	return Proxy{
		IP:                  fields["ip"],
		Port:                uint16(port),
		Protocol:            fields["protocol"],
		Source:              fields["source"],
		Country:             fields["country"],
		LatencyMS:           parseFloat(fields["latency_ms"]),
		SuccessCount:        parseInt(fields["success_count"]),
		FailCount:           parseInt(fields["fail_count"]),
		TotalChecks:         parseInt(fields["total_checks"]),
		ConsecutiveFailures: parseInt(fields["consecutive_failures"]),
		HealthScore:         parseFloat(fields["health_score"]),
		LastChecked:         parseInt(fields["last_checked"]),
		Status:              fields["status"],
	}
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
