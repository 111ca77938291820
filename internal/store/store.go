// Package store adapts the shared Redis instance all components coordinate
// through. It owns the key schema and the request-record ring / live
// channel; everything else speaks Redis through the embedded client.
//
// Key schema:
//
//	proxy:{ip}:{port}        hash    proxy record fields
//	pool:index               set     known proxy keys
//	rotation:config          hash    strategy, session_ttl_seconds, rotation_interval_seconds
//	rotation:cursor          int     round-robin cursor
//	rotation:pinned:time     hash    key, ts (time-based pin)
//	rotation:pinned:onblock  hash    key (on-block pin)
//	session:{id}             string  bound proxy key, TTL = session_ttl
//	override:{domain}        hash    strategy, country
//	ring:requests            list    last N request records (JSON)
//	channel:live             pubsub  request records (JSON)
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	KeyPoolIndex     = "pool:index"
	KeyRotationCfg   = "rotation:config"
	KeyCursor        = "rotation:cursor"
	KeyPinnedTime    = "rotation:pinned:time"
	KeyPinnedOnBlock = "rotation:pinned:onblock"
	KeyRing          = "ring:requests"
	ChannelLive      = "channel:live"

	proxyPrefix    = "proxy:"
	sessionPrefix  = "session:"
	overridePrefix = "override:"
)

// RingCap bounds the request ring; /api/requests serves at most this many.
const RingCap = 100

// Store wraps the Redis client with the key schema and the live feed.
type Store struct {
	*redis.Client
}

// New connects to Redis at addr. The connection is lazy; call Ping to
// verify reachability.
func New(addr, password string, db int) *Store {
	return &Store{Client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(c *redis.Client) *Store {
	return &Store{Client: c}
}

// ProxyKey builds the canonical "ip:port" identity of a proxy.
func ProxyKey(ip string, port uint16) string {
	return fmt.Sprintf("%s:%d", ip, port)
}

// ProxyHashKey returns the Redis key holding the record for a proxy key.
func ProxyHashKey(key string) string {
	return proxyPrefix + key
}

// SessionKey returns the Redis key for a session binding.
func SessionKey(id string) string {
	return sessionPrefix + id
}

// OverrideKey returns the Redis key for a domain override.
func OverrideKey(domain string) string {
	return overridePrefix + domain
}

// RequestRecord is one gateway attempt, pushed to the ring and the live
// channel after every completed or failed attempt.
type RequestRecord struct {
	ID              string            `json:"id"`
	TS              float64           `json:"ts"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	TargetDomain    string            `json:"target_domain"`
	ProxyIP         string            `json:"proxy_ip"`
	Status          int               `json:"status"`
	LatencyMS       float64           `json:"latency_ms"`
	Blocked         bool              `json:"blocked"`
	Attempt         int               `json:"attempt"`
	Strategy        string            `json:"strategy"`
	Error           string            `json:"error,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
}

// PushRequest appends a record to the capped ring and publishes it on the
// live channel. Both writes are best-effort from the caller's perspective.
func (s *Store) PushRequest(ctx context.Context, rec RequestRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal request record: %w", err)
	}
	pipe := s.Pipeline()
	pipe.LPush(ctx, KeyRing, raw)
	pipe.LTrim(ctx, KeyRing, 0, RingCap-1)
	pipe.Publish(ctx, ChannelLive, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push request record: %w", err)
	}
	return nil
}

// RecentRequests returns the newest-first last n records from the ring.
func (s *Store) RecentRequests(ctx context.Context, n int) ([]RequestRecord, error) {
	if n <= 0 || n > RingCap {
		n = RingCap
	}
	raws, err := s.LRange(ctx, KeyRing, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read request ring: %w", err)
	}
	out := make([]RequestRecord, 0, len(raws))
	for _, raw := range raws {
		var rec RequestRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// SubscribeLive subscribes to the live request channel. The caller owns the
// returned subscription and must Close it.
func (s *Store) SubscribeLive(ctx context.Context) *redis.PubSub {
	return s.Subscribe(ctx, ChannelLive)
}
