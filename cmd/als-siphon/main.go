package main

import (
	"context"
	"fmt"
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
	telhttp "github.com/open-afc/telemetry/internal/http"
	"github.com/open-afc/telemetry/internal/kafka"
	"github.com/open-afc/telemetry/internal/maintenance"
	"github.com/open-afc/telemetry/internal/metrics"
	"github.com/open-afc/telemetry/internal/siphon"
	"github.com/open-afc/telemetry/internal/store"
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
	case "check-schema":
		runCheckSchema()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: als-siphon <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the Kafka-to-Postgres siphon")
	fmt.Println("  migrate       Run ALS database migrations")
	fmt.Println("  check-schema  Verify the ALS database schema and exit")
	fmt.Println("  maintenance   Purge expired decode errors and log rows")
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

// migrationsDir returns the path to the ALS migrations directory
// relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return filepath.Join("migrations", "als_db")
	}
	return filepath.Join(filepath.Dir(exe), "migrations", "als_db")
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting als-siphon",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.String("als_topic", cfg.Siphon.AlsTopic),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.AlsDB.DSN, cfg.AlsDB.MaxConns, cfg.AlsDB.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to ALS database", zap.Error(err))
	}
	defer pool.Close()

	// Schema drift is fatal at startup, not a runtime surprise.
	if err := store.CheckSchema(ctx, pool); err != nil {
		logger.Fatal("ALS schema check failed", zap.Error(err))
	}

	tlsCfg, err := cfg.Kafka.BuildTLSConfig()
	if err != nil {
		logger.Fatal("failed to build TLS config", zap.Error(err))
	}
	saslMech := cfg.Kafka.BuildSASLMechanism()

	consumer, err := kafka.NewConsumer(kafka.ConsumerOptions{
		Brokers:         cfg.Kafka.Brokers,
		GroupID:         cfg.Kafka.GroupID,
		ClientID:        cfg.Kafka.ClientID,
		AlsTopic:        cfg.Siphon.AlsTopic,
		LogTopicPattern: cfg.Siphon.LogTopicPattern,
		FetchMaxBytes:   cfg.Kafka.FetchMaxBytes,
		TLS:             tlsCfg,
		SASL:            saslMech,
	}, logger.Named("kafka"))
	if err != nil {
		logger.Fatal("failed to create consumer", zap.Error(err))
	}
	defer consumer.Close()

	writer := store.NewWriter(pool, logger.Named("store"))
	loop := siphon.NewLoop(consumer, writer, siphon.Options{
		AlsTopic:         cfg.Siphon.AlsTopic,
		MaxAge:           time.Duration(cfg.Siphon.MaxAgeSeconds) * time.Second,
		MaxPollRecords:   cfg.Siphon.MaxPollRecords,
		MaxFetchBundles:  cfg.Siphon.MaxFetchBundles,
		MaxFetchRequests: cfg.Siphon.MaxFetchRequests,
		IdlePoll:         time.Duration(cfg.Siphon.IdlePollMs) * time.Millisecond,
		ProgressInterval: time.Duration(cfg.Siphon.ProgressIntervalMs) * time.Millisecond,
	}, logger.Named("siphon"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); loop.Run(ctx) }()

	httpServer := telhttp.NewServer(cfg.Service.HTTPListen, pool, consumer, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("siphon loop and HTTP server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic first.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel the loop; it performs a final offset commit before
	// returning.
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("siphon loop stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached before final commit finished")
	}

	logger.Info("als-siphon stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running ALS migrations",
		zap.String("dsn", redactDSN(cfg.AlsDB.DSN)),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.AlsDB.DSN, cfg.AlsDB.MaxConns, cfg.AlsDB.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to ALS database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runCheckSchema() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.AlsDB.DSN, cfg.AlsDB.MaxConns, cfg.AlsDB.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to ALS database", zap.Error(err))
	}
	defer pool.Close()

	if err := store.CheckSchema(ctx, pool); err != nil {
		logger.Fatal("schema check failed", zap.Error(err))
	}

	logger.Info("schema check passed")
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running retention maintenance",
		zap.Int("decode_error_retention_months", cfg.Siphon.DecodeErrorRetentionMonths),
		zap.Int("log_retention_days", cfg.Siphon.LogRetentionDays),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.AlsDB.DSN, cfg.AlsDB.MaxConns, cfg.AlsDB.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to ALS database", zap.Error(err))
	}
	defer pool.Close()

	r := maintenance.NewRetention(pool, cfg.Siphon.DecodeErrorRetentionMonths,
		time.Duration(cfg.Siphon.LogRetentionDays)*24*time.Hour, logger)
	if err := r.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("retention maintenance complete")
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
