package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/paymetric/txn-ingester/internal/archive"
	"github.com/paymetric/txn-ingester/internal/broker"
	"github.com/paymetric/txn-ingester/internal/config"
	"github.com/paymetric/txn-ingester/internal/db"
	"github.com/paymetric/txn-ingester/internal/derive"
	ingesthttp "github.com/paymetric/txn-ingester/internal/http"
	"github.com/paymetric/txn-ingester/internal/metrics"
	"github.com/paymetric/txn-ingester/internal/model"
	"github.com/paymetric/txn-ingester/internal/parser"
	"github.com/paymetric/txn-ingester/internal/processor"
	"github.com/paymetric/txn-ingester/internal/rules"
	"github.com/paymetric/txn-ingester/internal/sink"
)

const (
	exitOK        = 0
	exitConfig    = 1
	exitRuntime   = 2
	exitInterrupt = 130
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitConfig)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runService())
	case "simulate":
		fmt.Fprintln(os.Stderr, "simulate: the traffic generator ships separately")
		os.Exit(exitConfig)
	case "replay-date":
		os.Exit(runReplayDate())
	case "replay-range":
		os.Exit(runReplayRange())
	case "metrics-dump":
		os.Exit(runMetricsDump())
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(exitConfig)
	}
}

func printUsage() {
	fmt.Println("Usage: txn-ingester <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run                              Start the ingestion service")
	fmt.Println("  simulate                         Reserved for the traffic generator")
	fmt.Println("  replay-date <YYYY-MM-DD>         Aggregate one archived day offline")
	fmt.Println("  replay-range <start> <end>       Aggregate an archived date range offline")
	fmt.Println("  metrics-dump                     Print metrics from the running instance")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string, rest []string) {
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
		default:
			rest = append(rest, args[i])
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger, []string) {
	configPath, logLevelOverride, rest := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(exitConfig)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger, rest
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
		os.Exit(exitConfig)
	}
	return logger
}

func runService() int {
	cfg, logger, _ := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting txn-ingester",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.String("broker_flavor", cfg.Broker.Flavor),
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database.
	pool, err := db.NewPool(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to database", zap.Error(err))
		return exitRuntime
	}
	defer pool.CloseAll()

	// Object store for the raw-event archive.
	uploader, err := archive.NewBlobUploader(cfg.Archive, logger)
	if err != nil {
		logger.Error("failed to create blob uploader", zap.Error(err))
		return exitRuntime
	}
	if err := uploader.EnsureBucket(ctx); err != nil {
		logger.Error("failed to ensure archive container", zap.Error(err))
		return exitRuntime
	}

	deadLetters := sink.NewDeadLetterWriter(pool, cfg.DeadLetter.CompressPayloads, logger)

	// Events whose archive upload exhausts its retries are dead-lettered
	// under the shutdown budget so a dead store cannot wedge a flush forever.
	onArchiveFail := func(items []model.FailedItem) {
		dlCtx, dlCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer dlCancel()
		if err := deadLetters.WriteBatch(dlCtx, items); err != nil {
			logger.Error("dead-lettering archive failures", zap.Error(err))
		}
	}
	store := archive.NewStore(cfg.Archive, uploader, onArchiveFail, logger)

	metricWriter := sink.NewMetricWriter(pool, logger)

	schemas := parser.NewFileSchemaManager(cfg.Parser.SchemaDir, logger)
	msgParser := parser.New(cfg.Parser, schemas, nil, logger)

	ruleSet := rules.Default()
	if cfg.Rules.Path != "" {
		ruleSet, err = rules.Load(cfg.Rules.Path)
		if err != nil {
			logger.Error("failed to load metric rules", zap.Error(err))
			return exitConfig
		}
	}
	engine := rules.NewEngine(ruleSet, logger)
	logger.Info("metric rules loaded",
		zap.Int("rules", len(ruleSet.Rules)),
		zap.String("version", ruleSet.Version),
	)

	consumer, err := broker.New(cfg.Broker, logger)
	if err != nil {
		logger.Error("failed to create consumer", zap.Error(err))
		return exitConfig
	}
	if err := consumer.Connect(ctx); err != nil {
		logger.Error("failed to connect to broker", zap.Error(err))
		return exitRuntime
	}
	defer consumer.Disconnect()

	proc := processor.New(consumer, msgParser, store, engine, metricWriter, deadLetters,
		processor.Options{
			MaxMessages:    cfg.Broker.MaxMessages,
			ConsumeTimeout: time.Duration(cfg.Broker.ConsumeTimeoutSeconds) * time.Second,
		}, logger)

	procDone := make(chan error, 1)
	go func() { procDone <- proc.Run(ctx) }()

	logger.Info("pipeline started",
		zap.Strings("topics", cfg.Broker.Topics),
		zap.String("group_id", cfg.Broker.GroupID),
	)

	// --- HTTP server ---
	httpServer := ingesthttp.NewServer(cfg.Service.HTTPListen, pool, consumer, store, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Error("failed to start HTTP server", zap.Error(err))
		cancel()
		<-procDone
		return exitRuntime
	}

	// Wait for a shutdown signal or a fatal pipeline error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	code := exitOK
	var procErr error
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		if sig == syscall.SIGINT {
			code = exitInterrupt
		}
	case procErr = <-procDone:
		if procErr != nil {
			logger.Error("pipeline stopped", zap.Error(procErr))
			code = exitRuntime
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer shutdownCancel()

	// Stop accepting HTTP traffic first.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop consuming, then wait for the in-flight batch to finish.
	cancel()
	if procErr == nil {
		select {
		case <-procDone:
		case <-shutdownCtx.Done():
			logger.Warn("shutdown timeout reached waiting for the pipeline")
		}
	}

	// Flush buffered events before the pool goes away.
	if err := store.Close(shutdownCtx); err != nil {
		logger.Error("archive flush on shutdown failed", zap.Error(err))
	}
	pool.CloseAll()
	consumer.Disconnect()

	logger.Info("txn-ingester stopped")
	return code
}

func runReplayDate() int {
	cfg, logger, rest := loadConfig(os.Args[2:])
	defer logger.Sync()

	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "usage: txn-ingester replay-date <YYYY-MM-DD>")
		return exitConfig
	}
	day, err := time.Parse("2006-01-02", rest[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid date %q: %v\n", rest[0], err)
		return exitConfig
	}

	return replay(cfg, logger, func(ctx context.Context, ex *derive.Extractor) ([]model.RawEvent, error) {
		return ex.ExtractDate(ctx, day)
	})
}

func runReplayRange() int {
	cfg, logger, rest := loadConfig(os.Args[2:])
	defer logger.Sync()

	if len(rest) != 2 {
		fmt.Fprintln(os.Stderr, "usage: txn-ingester replay-range <start> <end>")
		return exitConfig
	}
	start, err := time.Parse(time.RFC3339, rest[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid start %q: %v\n", rest[0], err)
		return exitConfig
	}
	end, err := time.Parse(time.RFC3339, rest[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid end %q: %v\n", rest[1], err)
		return exitConfig
	}

	return replay(cfg, logger, func(ctx context.Context, ex *derive.Extractor) ([]model.RawEvent, error) {
		return ex.ExtractRange(ctx, start, end)
	})
}

// replay pulls archived events, normalizes them, and prints 5-minute window
// aggregates as JSON lines.
func replay(cfg *config.Config, logger *zap.Logger, extract func(context.Context, *derive.Extractor) ([]model.RawEvent, error)) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	uploader, err := archive.NewBlobUploader(cfg.Archive, logger)
	if err != nil {
		logger.Error("failed to create blob uploader", zap.Error(err))
		return exitRuntime
	}
	store := archive.NewStore(cfg.Archive, uploader, nil, logger)
	defer store.Close(ctx)

	extractor := derive.NewExtractor(store, logger)
	events, err := extract(ctx, extractor)
	if err != nil {
		logger.Error("extraction failed", zap.Error(err))
		return exitRuntime
	}

	normalizer := derive.NewNormalizer(logger)
	txs, dropped := normalizer.Normalize(events)
	logger.Info("replay normalized",
		zap.Int("events", len(events)),
		zap.Int("transactions", len(txs)),
		zap.Any("dropped", dropped),
	)

	enc := json.NewEncoder(os.Stdout)
	for _, agg := range derive.Aggregate(txs, model.Window5Min) {
		if err := enc.Encode(agg); err != nil {
			logger.Error("encoding aggregate", zap.Error(err))
			return exitRuntime
		}
	}
	return exitOK
}

func runMetricsDump() int {
	cfg, _, _ := loadConfig(os.Args[2:])

	addr := cfg.Service.HTTPListen
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get("http://" + addr + "/metrics")
	if err != nil {
		fmt.Fprintf(os.Stderr, "fetching metrics from %s: %v\n", addr, err)
		return exitRuntime
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "metrics endpoint returned %s\n", resp.Status)
		return exitRuntime
	}
	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		fmt.Fprintf(os.Stderr, "reading metrics: %v\n", err)
		return exitRuntime
	}
	return exitOK
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
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
