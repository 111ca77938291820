// Package rotation selects the upstream proxy for each gateway request.
//
// Strategies:
//   - per-request   uniform-random pick per request
//   - round-robin   store-backed cursor over the key-sorted healthy list
//   - per-session   X-Session-ID bound to one proxy with a refresh TTL
//   - time-based    process-wide pin, re-picked after rotation_interval
//   - on-block      process-wide pin, re-picked after a failed attempt or
//     when the pinned proxy is no longer eligible
//
// All strategy state (cursor, pins, session bindings, config, overrides)
// lives in the store so concurrent gateways coordinate through atomic
// increments and TTL keys rather than in-process locks.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drsoft-oss/proxyfleet/internal/pool"
	"github.com/drsoft-oss/proxyfleet/internal/store"
)

// Strategy names, as stored in rotation:config and domain overrides.
const (
	StrategyPerRequest = "per-request"
	StrategyPerSession = "per-session"
	StrategyTimeBased  = "time-based"
	StrategyOnBlock    = "on-block"
	StrategyRoundRobin = "round-robin"
)

var (
	// ErrNoHealthyProxies means the healthy list, after country and
	// exclusion filtering, is empty.
	ErrNoHealthyProxies = errors.New("no healthy proxies available")

	// ErrSessionRequired means the per-session strategy was asked to select
	// without a session id.
	ErrSessionRequired = errors.New("per-session strategy requires a session id")
)

// ValidStrategy reports whether name is a known strategy.
func ValidStrategy(name string) bool {
	switch name {
	case StrategyPerRequest, StrategyPerSession, StrategyTimeBased,
		StrategyOnBlock, StrategyRoundRobin:
		return true
	}
	return false
}

// Config is the process-wide rotation configuration singleton.
type Config struct {
	Strategy                string `json:"strategy"`
	SessionTTLSeconds       int    `json:"session_ttl_seconds"`
	RotationIntervalSeconds int    `json:"rotation_interval_seconds"`
}

// Override pins a strategy (and optional country filter) to one domain.
// Exact lowercase match, no wildcards.
type Override struct {
	Domain   string `json:"domain"`
	Strategy string `json:"strategy"`
	Country  string `json:"country,omitempty"`
}

// Request is the selection context the gateway passes in.
type Request struct {
	Domain    string
	SessionID string
	Exclude   map[string]struct{}
}

// Selection is a chosen proxy plus the strategy that produced it.
type Selection struct {
	Proxy    pool.Proxy
	Strategy string
}

// Engine resolves strategy and selects proxies.
type Engine struct {
	st   *store.Store
	pool *pool.Pool
	log  *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates an Engine. The RNG is time-seeded; tests call Seed for
// reproducible picks.
func New(st *store.Store, p *pool.Pool, log *zap.Logger) *Engine {
	return &Engine{
		st:   st,
		pool: p,
		log:  log.Named("rotation"),
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seed re-seeds the random source.
func (e *Engine) Seed(seed int64) {
	e.mu.Lock()
	e.rng = rand.New(rand.NewSource(seed))
	e.mu.Unlock()
}

// Select resolves the strategy for req (domain override first, then global
// config) and returns a healthy proxy outside req.Exclude.
func (e *Engine) Select(ctx context.Context, req Request) (Selection, error) {
	cfg, err := e.EnsureConfig(ctx)
	if err != nil {
		return Selection{}, err
	}

	strategy := cfg.Strategy
	country := ""
	if req.Domain != "" {
		if ov, err := e.GetOverride(ctx, req.Domain); err == nil && ov != nil {
			strategy = ov.Strategy
			country = ov.Country
		}
	}

	healthy, err := e.eligible(ctx, country, req.Exclude)
	if err != nil {
		return Selection{}, err
	}
	if len(healthy) == 0 {
		return Selection{}, ErrNoHealthyProxies
	}

	var px pool.Proxy
	switch strategy {
	case StrategyRoundRobin:
		px, err = e.selectRoundRobin(ctx, healthy)
	case StrategyPerSession:
		px, err = e.selectPerSession(ctx, req.SessionID, healthy, cfg)
	case StrategyTimeBased:
		px, err = e.selectTimeBased(ctx, healthy, cfg, req.Exclude)
	case StrategyOnBlock:
		px, err = e.selectOnBlock(ctx, healthy, req.Exclude)
	default:
		px = e.pick(healthy)
	}
	if err != nil {
		return Selection{}, err
	}
	return Selection{Proxy: px, Strategy: strategy}, nil
}

// DropSession removes a session binding. The gateway calls this before
// retrying after a failed attempt (block or transport failure).
func (e *Engine) DropSession(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := e.st.Del(ctx, store.SessionKey(id)).Err(); err != nil {
		return fmt.Errorf("drop session %s: %w", id, err)
	}
	return nil
}

// InvalidatePin clears the on-block pin so the next select re-picks.
func (e *Engine) InvalidatePin(ctx context.Context) error {
	if err := e.st.Del(ctx, store.KeyPinnedOnBlock).Err(); err != nil {
		return fmt.Errorf("invalidate pin: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------
// Strategy implementations
// -----------------------------------------------------------------------

// eligible returns the healthy list filtered by country and exclusions,
// ordered by "ip:port" ascending.
func (e *Engine) eligible(ctx context.Context, country string, exclude map[string]struct{}) ([]pool.Proxy, error) {
	healthy, err := e.pool.GetHealthy(ctx)
	if err != nil {
		return nil, err
	}
	var out []pool.Proxy
	for _, px := range healthy {
		if country != "" && !strings.EqualFold(px.Country, country) {
			continue
		}
		if _, skip := exclude[px.Key()]; skip {
			continue
		}
		out = append(out, px)
	}
	return out, nil
}

// pick chooses uniformly at random.
func (e *Engine) pick(list []pool.Proxy) pool.Proxy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return list[e.rng.Intn(len(list))]
}

// selectRoundRobin walks the key-sorted healthy list with the store's
// atomic cursor. Pool churn between calls can repeat or skip entries;
// that is acceptable.
func (e *Engine) selectRoundRobin(ctx context.Context, list []pool.Proxy) (pool.Proxy, error) {
	cursor, err := e.st.Incr(ctx, store.KeyCursor).Result()
	if err != nil {
		return pool.Proxy{}, fmt.Errorf("advance cursor: %w", err)
	}
	idx := int((cursor - 1) % int64(len(list)))
	return list[idx], nil
}

// selectPerSession returns the proxy bound to the session, binding a fresh
// random pick when there is no live binding. The TTL is refreshed on use.
func (e *Engine) selectPerSession(ctx context.Context, id string, list []pool.Proxy, cfg Config) (pool.Proxy, error) {
	if id == "" {
		return pool.Proxy{}, ErrSessionRequired
	}
	ttl := time.Duration(cfg.SessionTTLSeconds) * time.Second

	bound, err := e.st.Get(ctx, store.SessionKey(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return pool.Proxy{}, fmt.Errorf("read session %s: %w", id, err)
	}
	if bound != "" {
		for _, px := range list {
			if px.Key() == bound {
				if err := e.st.Expire(ctx, store.SessionKey(id), ttl).Err(); err != nil {
					return pool.Proxy{}, fmt.Errorf("refresh session %s: %w", id, err)
				}
				return px, nil
			}
		}
		// Bound proxy no longer eligible — fall through to a fresh pick.
	}

	px := e.pick(list)
	if err := e.st.Set(ctx, store.SessionKey(id), px.Key(), ttl).Err(); err != nil {
		return pool.Proxy{}, fmt.Errorf("bind session %s: %w", id, err)
	}
	return px, nil
}

// selectTimeBased returns the process-wide pin while it is healthy and
// younger than rotation_interval, re-picking otherwise.
func (e *Engine) selectTimeBased(ctx context.Context, list []pool.Proxy, cfg Config, exclude map[string]struct{}) (pool.Proxy, error) {
	interval := time.Duration(cfg.RotationIntervalSeconds) * time.Second

	fields, err := e.st.HGetAll(ctx, store.KeyPinnedTime).Result()
	if err != nil {
		return pool.Proxy{}, fmt.Errorf("read time pin: %w", err)
	}
	if key := fields["key"]; key != "" {
		ts, _ := strconv.ParseInt(fields["ts"], 10, 64)
		if time.Since(time.Unix(ts, 0)) < interval {
			if _, skip := exclude[key]; !skip {
				for _, px := range list {
					if px.Key() == key {
						return px, nil
					}
				}
			}
		}
	}

	px := e.pick(list)
	err = e.st.HSet(ctx, store.KeyPinnedTime,
		"key", px.Key(),
		"ts", time.Now().Unix(),
	).Err()
	if err != nil {
		return pool.Proxy{}, fmt.Errorf("write time pin: %w", err)
	}
	return px, nil
}

// selectOnBlock returns the process-wide pin while it is healthy and not
// excluded; otherwise it picks and pins a new proxy. The gateway clears the
// pin with InvalidatePin after a failed attempt (block or transport failure).
func (e *Engine) selectOnBlock(ctx context.Context, list []pool.Proxy, exclude map[string]struct{}) (pool.Proxy, error) {
	key, err := e.st.HGet(ctx, store.KeyPinnedOnBlock, "key").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return pool.Proxy{}, fmt.Errorf("read block pin: %w", err)
	}
	if key != "" {
		if _, skip := exclude[key]; !skip {
			for _, px := range list {
				if px.Key() == key {
					return px, nil
				}
			}
		}
	}

	px := e.pick(list)
	if err := e.st.HSet(ctx, store.KeyPinnedOnBlock, "key", px.Key()).Err(); err != nil {
		return pool.Proxy{}, fmt.Errorf("write block pin: %w", err)
	}
	return px, nil
}

// -----------------------------------------------------------------------
// Config and overrides
// -----------------------------------------------------------------------

// Defaults used when rotation:config does not exist yet.
const (
	DefaultSessionTTLSeconds       = 300
	DefaultRotationIntervalSeconds = 30
)

// EnsureConfig reads the rotation config, creating it with defaults on
// first boot.
func (e *Engine) EnsureConfig(ctx context.Context) (Config, error) {
	fields, err := e.st.HGetAll(ctx, store.KeyRotationCfg).Result()
	if err != nil {
		return Config{}, fmt.Errorf("read rotation config: %w", err)
	}
	if len(fields) == 0 {
		cfg := Config{
			Strategy:                StrategyPerRequest,
			SessionTTLSeconds:       DefaultSessionTTLSeconds,
			RotationIntervalSeconds: DefaultRotationIntervalSeconds,
		}
		if err := e.SaveConfig(ctx, cfg); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}
	ttl, _ := strconv.Atoi(fields["session_ttl_seconds"])
	interval, _ := strconv.Atoi(fields["rotation_interval_seconds"])
	return Config{
		Strategy:                fields["strategy"],
		SessionTTLSeconds:       ttl,
		RotationIntervalSeconds: interval,
	}, nil
}

// SaveConfig writes the rotation config singleton.
func (e *Engine) SaveConfig(ctx context.Context, cfg Config) error {
	if !ValidStrategy(cfg.Strategy) {
		return fmt.Errorf("unknown strategy %q", cfg.Strategy)
	}
	if cfg.SessionTTLSeconds <= 0 {
		cfg.SessionTTLSeconds = DefaultSessionTTLSeconds
	}
	if cfg.RotationIntervalSeconds <= 0 {
		cfg.RotationIntervalSeconds = DefaultRotationIntervalSeconds
	}
	err := e.st.HSet(ctx, store.KeyRotationCfg,
		"strategy", cfg.Strategy,
		"session_ttl_seconds", cfg.SessionTTLSeconds,
		"rotation_interval_seconds", cfg.RotationIntervalSeconds,
	).Err()
	if err != nil {
		return fmt.Errorf("write rotation config: %w", err)
	}
	return nil
}

// GetOverride returns the override for a domain, or nil when none exists.
func (e *Engine) GetOverride(ctx context.Context, domain string) (*Override, error) {
	domain = strings.ToLower(domain)
	fields, err := e.st.HGetAll(ctx, store.OverrideKey(domain)).Result()
	if err != nil {
		return nil, fmt.Errorf("read override %s: %w", domain, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return &Override{
		Domain:   domain,
		Strategy: fields["strategy"],
		Country:  fields["country"],
	}, nil
}

// SetOverride creates or replaces a domain override.
func (e *Engine) SetOverride(ctx context.Context, ov Override) error {
	if !ValidStrategy(ov.Strategy) {
		return fmt.Errorf("unknown strategy %q", ov.Strategy)
	}
	ov.Domain = strings.ToLower(strings.TrimSpace(ov.Domain))
	if ov.Domain == "" {
		return fmt.Errorf("override domain is required")
	}
	err := e.st.HSet(ctx, store.OverrideKey(ov.Domain),
		"strategy", ov.Strategy,
		"country", ov.Country,
	).Err()
	if err != nil {
		return fmt.Errorf("write override %s: %w", ov.Domain, err)
	}
	return nil
}

// DeleteOverride removes a domain override. Deleting a missing override is
// not an error.
func (e *Engine) DeleteOverride(ctx context.Context, domain string) error {
	domain = strings.ToLower(domain)
	if err := e.st.Del(ctx, store.OverrideKey(domain)).Err(); err != nil {
		return fmt.Errorf("delete override %s: %w", domain, err)
	}
	return nil
}

// ListOverrides scans all override keys.
func (e *Engine) ListOverrides(ctx context.Context) ([]Override, error) {
	var out []Override
	iter := e.st.Scan(ctx, 0, store.OverrideKey("*"), 0).Iterator()
	for iter.Next(ctx) {
		domain := strings.TrimPrefix(iter.Val(), store.OverrideKey(""))
		ov, err := e.GetOverride(ctx, domain)
		if err != nil {
			return nil, err
		}
		if ov != nil {
			out = append(out, *ov)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan overrides: %w", err)
	}
	return out, nil
}
