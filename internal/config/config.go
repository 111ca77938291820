// Package config loads runtime configuration from the environment.
// Every knob has a default so the binary runs with nothing but a
// reachable Redis.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended (upper-cased, underscored) to every environment
// variable, e.g. PROXYFLEET_GATEWAY_PORT.
const EnvPrefix = "proxyfleet"

// Config holds every runtime setting.
type Config struct {
	// Gateway
	GatewayPort    int
	MaxConnections int
	DialTimeout    time.Duration
	DrainWindow    time.Duration
	MaxRetries     int

	// Rotation
	Strategy         string
	SessionTTL       time.Duration
	RotationInterval time.Duration

	// Pool / maintainer
	Sources             []string
	MinPoolSize         int
	TargetPoolSize      int
	RefreshInterval     time.Duration
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	HealthCheckURL      string
	MaxConcurrentChecks int
	FlushInterval       time.Duration

	// Webshare fallback
	WebshareEnabled bool
	WebshareKey     string
	WebshareURL     string

	// Store
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Control API
	APIPort   int
	APISecret string

	LogLevel string
}

// defaultSources are public line-format (ip:port) proxy lists.
var defaultSources = []string{
	"https://api.proxyscrape.com/v2/?request=displayproxies&protocol=http&timeout=10000&country=all",
	"https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/http.txt",
	"https://raw.githubusercontent.com/proxifly/free-proxy-list/main/proxies/protocols/http/data.txt",
}

// Load reads configuration from the environment. It never fails: unset
// values fall back to defaults, and values that do not parse as the knob's
// type read as the zero value.
func Load() *Config {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("gateway_port", 6969)
	v.SetDefault("max_connections", 200)
	v.SetDefault("dial_timeout", "15s")
	v.SetDefault("drain_window", "30s")
	v.SetDefault("max_retries", 3)

	v.SetDefault("strategy", "per-request")
	v.SetDefault("session_ttl", "300s")
	v.SetDefault("rotation_interval", "30s")

	v.SetDefault("sources", strings.Join(defaultSources, ","))
	v.SetDefault("min_pool_size", 20)
	v.SetDefault("target_pool_size", 100)
	v.SetDefault("refresh_interval", "10m")
	v.SetDefault("health_check_interval", "5m")
	v.SetDefault("health_check_timeout", "8s")
	v.SetDefault("health_check_url", "http://httpbin.org/ip")
	v.SetDefault("max_concurrent_checks", 200)
	v.SetDefault("flush_interval", "30m")

	v.SetDefault("webshare_enabled", false)
	v.SetDefault("webshare_key", "")
	v.SetDefault("webshare_url", "https://proxy.webshare.io/api/v2/proxy/list/download/-/-/any/username/direct/-/")

	v.SetDefault("redis_addr", "127.0.0.1:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	v.SetDefault("api_port", 8084)
	v.SetDefault("api_secret", "")

	v.SetDefault("log_level", "info")

	return &Config{
		GatewayPort:    v.GetInt("gateway_port"),
		MaxConnections: v.GetInt("max_connections"),
		DialTimeout:    v.GetDuration("dial_timeout"),
		DrainWindow:    v.GetDuration("drain_window"),
		MaxRetries:     v.GetInt("max_retries"),

		Strategy:         v.GetString("strategy"),
		SessionTTL:       v.GetDuration("session_ttl"),
		RotationInterval: v.GetDuration("rotation_interval"),

		Sources:             splitSources(v.GetString("sources")),
		MinPoolSize:         v.GetInt("min_pool_size"),
		TargetPoolSize:      v.GetInt("target_pool_size"),
		RefreshInterval:     v.GetDuration("refresh_interval"),
		HealthCheckInterval: v.GetDuration("health_check_interval"),
		HealthCheckTimeout:  v.GetDuration("health_check_timeout"),
		HealthCheckURL:      v.GetString("health_check_url"),
		MaxConcurrentChecks: v.GetInt("max_concurrent_checks"),
		FlushInterval:       v.GetDuration("flush_interval"),

		WebshareEnabled: v.GetBool("webshare_enabled"),
		WebshareKey:     v.GetString("webshare_key"),
		WebshareURL:     v.GetString("webshare_url"),

		RedisAddr:     v.GetString("redis_addr"),
		RedisPassword: v.GetString("redis_password"),
		RedisDB:       v.GetInt("redis_db"),

		APIPort:   v.GetInt("api_port"),
		APISecret: v.GetString("api_secret"),

		LogLevel: v.GetString("log_level"),
	}
}

func splitSources(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
