// Command tidegate runs the market-data connection layer and the signing
// proxy gateway as one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"

	"github.com/quantfold/tidegate/internal/config"
	"github.com/quantfold/tidegate/internal/feed"
	"github.com/quantfold/tidegate/internal/gateway"
	"github.com/quantfold/tidegate/internal/gateway/store"
	"github.com/quantfold/tidegate/internal/observability"
	httpserver "github.com/quantfold/tidegate/internal/server/http"
	"github.com/quantfold/tidegate/internal/telemetry"
)

const (
	defaultConfigPath        = "config/tidegate.yaml"
	version                  = "1.4.0"
	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 5 * time.Second
	feedShutdownTimeout      = 5 * time.Second
	storeShutdownTimeout     = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	storeSweepInterval       = time.Minute
	redisDialTimeout         = 3 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	cfg, loadedFromFile, err := config.LoadFile(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg = config.FromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogrusLogger(os.Stdout, cfg.LogLevel, "tidegate")
	observability.SetLogger(logger)
	if !loadedFromFile {
		logger.Info("configuration file not found, using defaults", observability.F("path", cfgPath))
	}
	logger.Info("configuration initialised",
		observability.F("env", string(cfg.Environment)),
		observability.F("feed_url", cfg.Feed.URL),
		observability.F("upstream_url", cfg.Gateway.UpstreamURL))

	provider, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Error("initialise telemetry", observability.F("error", err.Error()))
		os.Exit(1)
	}
	metrics, err := telemetry.NewMetrics(provider)
	if err != nil {
		logger.Error("register metrics", observability.F("error", err.Error()))
		os.Exit(1)
	}

	sharedStore := buildStore(ctx, logger, cfg.Redis)

	upstream := gateway.NewUpstream(cfg.Gateway, logger, metrics)
	gw := gateway.New(gateway.Options{
		Upstream:    upstream,
		Limiter:     gateway.NewRateLimiter(sharedStore, cfg.Gateway.IPLimit, cfg.Gateway.UserLimit, nil),
		Ledger:      gateway.NewLedger(sharedStore, time.Minute, 10*time.Second, cfg.Gateway.NonceRetention.Std(), nil),
		Nonces:      gateway.NewNonceGenerator(nil),
		Credentials: gateway.EnvCredentials{},
		Logger:      logger,
		Metrics:     metrics,
		Version:     version,
	})

	core := feed.NewCore(feed.Options{
		Settings: cfg.Feed,
		Seeder:   upstream,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err := core.Connect(ctx); err != nil {
		logger.Error("connect feed", observability.F("error", err.Error()))
		os.Exit(1)
	}

	var lifecycle conc.WaitGroup
	server := httpserver.NewServer(cfg.Server, httpserver.NewHandler(gw, core, logger))
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", observability.F("error", err.Error()))
		}
	})
	logger.Info("tidegate listening", observability.F("addr", server.Addr), observability.F("version", version))

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     server,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		core:       core,
		store:      sharedStore,
		telemetry:  telemetryShutdown,
	})
	logger.Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart).String()))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	if *cfgPath != "" {
		return *cfgPath
	}
	return filepath.Clean(defaultConfigPath)
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// buildStore prefers the shared Redis backend when configured so multiple
// gateway processes see one rate and nonce history; otherwise state stays in
// process memory.
func buildStore(ctx context.Context, logger observability.Logger, cfg config.RedisSettings) store.Store {
	if cfg.Addr == "" {
		logger.Info("using in-process gateway store")
		return store.NewMemory(storeSweepInterval, nil)
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: redisDialTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, falling back to in-process store",
			observability.F("addr", cfg.Addr), observability.F("error", err.Error()))
		_ = client.Close()
		return store.NewMemory(storeSweepInterval, nil)
	}
	logger.Info("using redis gateway store", observability.F("addr", cfg.Addr))
	return store.NewRedis(client)
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	core       *feed.Core
	store      store.Store
	telemetry  func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", observability.F("step", name), observability.F("error", err.Error()))
		} else {
			logger.Info("shutdown step completed", observability.F("step", name))
		}
	}

	if cfg.server != nil {
		shutdownStep("http server", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.core != nil {
		shutdownStep("feed connection", feedShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.core.Disconnect()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("lifecycle goroutines", serverShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.store != nil {
		shutdownStep("gateway store", storeShutdownTimeout, func(context.Context) error {
			return cfg.store.Close()
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("telemetry", telemetryShutdownTimeout, cfg.telemetry)
	}
}
