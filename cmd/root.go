// Package cmd implements the proxyfleet CLI using Cobra.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drsoft-oss/proxyfleet/internal/api"
	"github.com/drsoft-oss/proxyfleet/internal/config"
	"github.com/drsoft-oss/proxyfleet/internal/gateway"
	"github.com/drsoft-oss/proxyfleet/internal/maintainer"
	"github.com/drsoft-oss/proxyfleet/internal/pool"
	"github.com/drsoft-oss/proxyfleet/internal/rotation"
	"github.com/drsoft-oss/proxyfleet/internal/store"
)

// version is injected at build time via ldflags.
var version = "dev"

// -----------------------------------------------------------------------
// Flag variables (override the environment where set)
// -----------------------------------------------------------------------

var (
	flagGatewayPort int
	flagAPIPort     int
	flagRedisAddr   string
	flagLogLevel    string
)

// -----------------------------------------------------------------------
// Root command
// -----------------------------------------------------------------------

var rootCmd = &cobra.Command{
	Use:   "proxyfleet",
	Short: "Rotating HTTP forward proxy backed by a self-replenishing pool",
	Long: `proxyfleet — a rotating HTTP/HTTPS forward proxy for scrapers.

Clients point at one stable endpoint; every request is forwarded through
an upstream free proxy chosen by the configured rotation strategy
(per-request, per-session, time-based, on-block, round-robin).
Blocked responses are detected and transparently retried through a
different upstream. A background maintainer scrapes public proxy lists,
health-probes candidates, and evicts dead entries.

All state lives in Redis; configuration comes from PROXYFLEET_* environment
variables, with the flags below taking precedence.
`,
	Version:      version,
	SilenceUsage: true,
	RunE:         run,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()
	f.IntVarP(&flagGatewayPort, "port", "p", 0, "Gateway listen port (default from env, 6969)")
	f.IntVar(&flagAPIPort, "api-port", 0, "Control API listen port (default from env, 8084)")
	f.StringVar(&flagRedisAddr, "redis", "", "Redis address (default from env, 127.0.0.1:6379)")
	f.StringVar(&flagLogLevel, "log-level", "", "Log level: debug or info (default from env)")
}

// -----------------------------------------------------------------------
// Main run logic
// -----------------------------------------------------------------------

func run(_ *cobra.Command, _ []string) error {
	cfg := config.Load()
	if flagGatewayPort != 0 {
		cfg.GatewayPort = flagGatewayPort
	}
	if flagAPIPort != 0 {
		cfg.APIPort = flagAPIPort
	}
	if flagRedisAddr != "" {
		cfg.RedisAddr = flagRedisAddr
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- Store ----------------------------------------------------------
	st := store.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := st.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

	// ---- Pool and rotation ----------------------------------------------
	p := pool.New(st, logger)
	engine := rotation.New(st, p, logger)

	// The rotation config is seeded from the environment on first boot and
	// mutated only through the REST API afterwards.
	exists, err := st.Exists(ctx, store.KeyRotationCfg).Result()
	if err != nil {
		return fmt.Errorf("init rotation config: %w", err)
	}
	if exists == 0 && rotation.ValidStrategy(cfg.Strategy) {
		seed := rotation.Config{
			Strategy:                cfg.Strategy,
			SessionTTLSeconds:       int(cfg.SessionTTL.Seconds()),
			RotationIntervalSeconds: int(cfg.RotationInterval.Seconds()),
		}
		if err := engine.SaveConfig(ctx, seed); err != nil {
			return fmt.Errorf("seed rotation config: %w", err)
		}
	}
	if _, err := engine.EnsureConfig(ctx); err != nil {
		return fmt.Errorf("init rotation config: %w", err)
	}

	// ---- Maintainer -----------------------------------------------------
	maint := maintainer.New(p, maintainer.Config{
		Sources:             cfg.Sources,
		MinPoolSize:         cfg.MinPoolSize,
		RefreshInterval:     cfg.RefreshInterval,
		HealthCheckInterval: cfg.HealthCheckInterval,
		HealthCheckTimeout:  cfg.HealthCheckTimeout,
		HealthCheckURL:      cfg.HealthCheckURL,
		MaxConcurrentChecks: int64(cfg.MaxConcurrentChecks),
		FlushInterval:       cfg.FlushInterval,
		WebshareEnabled:     cfg.WebshareEnabled,
		WebshareKey:         cfg.WebshareKey,
		WebshareURL:         cfg.WebshareURL,
	}, logger)
	maint.Start(ctx)
	defer maint.Stop()

	// ---- Control API ----------------------------------------------------
	apiAddr := fmt.Sprintf(":%d", cfg.APIPort)
	apiSrv := api.New(apiAddr, st, p, engine, maint, cfg.APISecret, logger)
	go func() {
		logger.Info("control API listening", zap.String("addr", apiAddr))
		if err := apiSrv.Start(); err != nil {
			logger.Warn("control API stopped", zap.Error(err))
		}
	}()

	// ---- Gateway --------------------------------------------------------
	gw := gateway.New(gateway.Config{
		ListenAddr:     fmt.Sprintf(":%d", cfg.GatewayPort),
		MaxConnections: cfg.MaxConnections,
		DialTimeout:    cfg.DialTimeout,
		DrainWindow:    cfg.DrainWindow,
		MaxRetries:     cfg.MaxRetries,
	}, engine, p, st, logger)

	srvErr := make(chan error, 1)
	go func() { srvErr <- gw.Start() }()

	logger.Info("proxyfleet started",
		zap.String("version", version),
		zap.Int("gateway_port", cfg.GatewayPort),
		zap.Int("api_port", cfg.APIPort))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-srvErr:
		if err != nil {
			logger.Error("gateway error", zap.Error(err))
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DrainWindow+5*time.Second)
	defer shutdownCancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", zap.Error(err))
	}
	return gw.Shutdown(shutdownCtx)
}

// buildLogger follows the usual zap split: human-readable in debug,
// JSON production encoding otherwise.
func buildLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
