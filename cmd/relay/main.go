package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openpredict/relay-go/client"
	"github.com/openpredict/relay-go/gateway"
	"github.com/openpredict/relay-go/indexer"
	"github.com/openpredict/relay-go/internal/config"
	"github.com/openpredict/relay-go/internal/logger"
	"github.com/openpredict/relay-go/pubsub"
	"github.com/openpredict/relay-go/rpcguard"
	"github.com/openpredict/relay-go/store"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

const metricsNamespace = "relay"

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file (YAML)")
		showVersion = flag.Bool("version", false, "Show version information and exit")
		rpcEndpoint = flag.String("rpc", "", "Upstream chain RPC endpoint URL")
		dbPath      = flag.String("db", "", "Database path")
		contract    = flag.String("contract", "", "Ledger contract address to index")
		startHeight = flag.Uint64("start-height", 0, "Block height to start indexing from")
		redisAddr   = flag.String("redis", "", "Redis address (empty uses the in-process broker)")
		apiPort     = flag.Int("api-port", 0, "HTTP listen port")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "", "Log format (json, console)")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("relay-go version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	applyFlags(cfg, *rpcEndpoint, *dbPath, *contract, *startHeight, *redisAddr, *apiPort, *logLevel, *logFormat)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting relay",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("rpc_endpoint", cfg.RPC.Endpoint),
		zap.String("db_path", cfg.Database.Path),
		zap.String("contract", cfg.Indexer.ContractAddress),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Upstream chain client, shared by the indexer and the RPC guard.
	chainClient, err := client.NewClient(&client.Config{
		Endpoint: cfg.RPC.Endpoint,
		Timeout:  cfg.RPC.Timeout,
		Logger:   log,
	})
	if err != nil {
		log.Fatal("Failed to connect to chain RPC", zap.Error(err))
	}
	defer chainClient.Close()

	// Durable store.
	st, err := store.NewPebbleStore(cfg.Database.Path, log)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("Failed to close store", zap.Error(err))
		}
	}()

	checkpoint, err := st.Checkpoint()
	if err != nil {
		log.Fatal("Failed to read checkpoint", zap.Error(err))
	}
	log.Info("Store opened",
		zap.String("path", cfg.Database.Path),
		zap.Uint64("checkpoint", checkpoint),
	)

	// Broker: Redis when configured, in-process otherwise.
	broker, err := newBroker(cfg, log)
	if err != nil {
		log.Fatal("Failed to connect broker", zap.Error(err))
	}
	defer broker.Close()

	// Optional Kafka firehose.
	var sink *pubsub.KafkaSink
	if len(cfg.Kafka.Brokers) > 0 {
		sink = pubsub.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		defer sink.Close()
		log.Info("Kafka firehose enabled",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
	}

	publisher := pubsub.NewPublisher(broker, sink, log)

	// Indexer.
	ixConfig := &indexer.Config{
		ContractAddress: common.HexToAddress(cfg.Indexer.ContractAddress),
		StartHeight:     cfg.Indexer.StartHeight,
		PollInterval:    cfg.Indexer.PollInterval,
		BatchSize:       cfg.Indexer.BatchSize,
		RetryDelay:      cfg.Indexer.RetryDelay,
	}
	if err := ixConfig.Validate(); err != nil {
		log.Fatal("Invalid indexer configuration", zap.Error(err))
	}
	ix := indexer.NewIndexer(chainClient, st, publisher, ixConfig, logger.WithComponent(log, "indexer"))
	ix.SetMetrics(indexer.NewMetrics(metricsNamespace))

	// Realtime gateway.
	hub := gateway.NewHub(broker, gateway.Config{
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		MaxClients:        cfg.Gateway.MaxClients,
		SendBufferSize:    cfg.Gateway.SendBufferSize,
	}, logger.WithComponent(log, "gateway"))
	hub.SetMetrics(gateway.NewMetrics(metricsNamespace))
	defer hub.Stop()
	go hub.RunHeartbeat(ctx)

	// RPC guard in front of the same upstream endpoint.
	guard := rpcguard.NewGuard(chainClient, &rpcguard.Config{
		AttemptTimeout:   cfg.Guard.AttemptTimeout,
		MaxAttempts:      cfg.Guard.MaxAttempts,
		RetryBaseDelay:   cfg.Guard.RetryBaseDelay,
		FailureThreshold: cfg.Guard.FailureThreshold,
		ResetTimeout:     cfg.Guard.ResetTimeout,
		CacheSize:        cfg.Guard.CacheSize,
		CacheTTLs:        cfg.Guard.CacheTTLs,
	}, logger.WithComponent(log, "rpcguard"))
	guard.SetMetrics(rpcguard.NewMetrics(metricsNamespace, guard))

	// HTTP surface.
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/ws", gateway.Handler(hub, log))
	router.Post("/rpc", rpcguard.Handler(guard, cfg.Guard.RequestsPerSecond, cfg.Guard.BurstSize, log))
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("HTTP server listening", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", zap.Error(err))
		}
	}()

	errChan := make(chan error, 1)
	go func() {
		errChan <- ix.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Indexer stopped with error", zap.Error(err))
		}
	}

	log.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to stop HTTP server gracefully", zap.Error(err))
	}

	finalCheckpoint, err := st.Checkpoint()
	if err == nil {
		log.Info("Final statistics", zap.Uint64("checkpoint", finalCheckpoint))
	}

	log.Info("Relay stopped")
}

// loadConfig loads .env, the config file, and environment overrides.
func loadConfig(configFile string) (*config.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads environment variables from a .env file if it exists.
func loadDotEnv() error {
	info, err := os.Stat(".env")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat .env: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf(".env exists but is a directory")
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// applyFlags applies command-line flags to configuration
func applyFlags(cfg *config.Config, rpcEndpoint, dbPath, contract string, startHeight uint64, redisAddr string, apiPort int, logLevel, logFormat string) {
	if rpcEndpoint != "" {
		cfg.RPC.Endpoint = rpcEndpoint
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if contract != "" {
		cfg.Indexer.ContractAddress = contract
	}
	if startHeight > 0 {
		cfg.Indexer.StartHeight = startHeight
	}
	if redisAddr != "" {
		cfg.Redis.Addr = redisAddr
	}
	if apiPort > 0 {
		cfg.API.Port = apiPort
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
}

// newBroker selects the broker transport from configuration.
func newBroker(cfg *config.Config, log *zap.Logger) (pubsub.Broker, error) {
	if cfg.Redis.Addr == "" {
		log.Info("Using in-process broker")
		return pubsub.NewLocalBroker(), nil
	}

	log.Info("Using Redis broker", zap.String("addr", cfg.Redis.Addr))
	return pubsub.NewRedisBroker(&pubsub.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, log)
}
