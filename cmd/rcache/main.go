package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/open-afc/telemetry/internal/config"
	"github.com/open-afc/telemetry/internal/db"
	"github.com/open-afc/telemetry/internal/metrics"
	"github.com/open-afc/telemetry/internal/rcache"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: rcache <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the response cache service")
	fmt.Println("  migrate  Run cache database migrations")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the cache migrations directory
// relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return filepath.Join("migrations", "cache_db")
	}
	return filepath.Join(filepath.Dir(exe), "migrations", "cache_db")
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting rcache",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.Int("port", cfg.Rcache.Port),
		zap.Bool("update_on_send", cfg.Rcache.UpdateOnSend),
		zap.String("afc_req_url", cfg.Rcache.AfcReqURL),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.CacheDB.DSN, cfg.CacheDB.MaxConns, cfg.CacheDB.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to cache database", zap.Error(err))
	}
	defer pool.Close()

	precomputer := rcache.NewPrecomputer(cfg.Rcache.AfcReqURL, cfg.Rcache.PrecomputeQuota,
		cfg.Rcache.VendorExtensions, logger)

	cache := rcache.NewStore(pool, rcache.StoreOptions{
		UpdateQueueSize: cfg.Rcache.UpdateQueueSize,
		MaxBatch:        cfg.Rcache.MaxBatch,
		KeyholeTemplate: cfg.Rcache.KeyholeTemplate,
	}, precomputer, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); cache.Run(ctx) }()

	// Coalescing batchers: concurrent lookups for the same key share one
	// database round trip.
	lookups := rcache.NewBatcher[string, []byte]("cache_lookup", cfg.Rcache.MaxBatch,
		cache.LookupByDigest, logger)
	resolver := rcache.NewCertResolver(pool, logger)
	configs := rcache.NewBatcher[string, json.RawMessage]("config_lookup", cfg.Rcache.MaxBatch,
		resolver.ResolveConfigs, logger)

	server := rcache.NewServer(cache, lookups, precomputer, resolver, configs, rcache.ServerOptions{
		DefaultDeadline: time.Duration(cfg.Rcache.DefaultDeadlineMs) * time.Millisecond,
	}, logger)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Rcache.Port),
		Handler: server.Handler(),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	logger.Info("rcache started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic, fail pending lookups, then stop the
	// cache writer.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	lookups.Close()
	configs.Close()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("cache writer stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached before writer finished")
	}

	logger.Info("rcache stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running cache migrations",
		zap.String("dsn", redactDSN(cfg.CacheDB.DSN)),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.CacheDB.DSN, cfg.CacheDB.MaxConns, cfg.CacheDB.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to cache database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		// keyword=value format: redact the password=... portion
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
