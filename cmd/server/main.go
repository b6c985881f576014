// Command server starts the webset deduplication API service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"websetdedup/internal/api"
	"websetdedup/internal/canon"
	"websetdedup/internal/config"
	"websetdedup/internal/ingestctl"
	"websetdedup/internal/llmadjudicator"
	"websetdedup/internal/observability/logging"
	"websetdedup/internal/observability/metrics"
	"websetdedup/internal/server"
	"websetdedup/internal/storage"
	"websetdedup/internal/upstream"
	"websetdedup/internal/vectorclient"
)

func main() {
	var (
		addr                = flag.String("addr", ":8080", "HTTP listen address")
		port                = flag.String("port", "", "HTTP listen port (overrides the port in -addr when set)")
		storageDriver       = flag.String("storage-driver", "memory", "persistence backend: memory or postgres")
		postgresDSN         = flag.String("postgres-dsn", "", "Postgres connection string (falls back to MONGODB_URI)")
		enableDedup         = flag.Bool("enable-dedup", true, "run ingested items through the dedup pipeline")
		enableURLResolution = flag.Bool("enable-url-resolution", false, "resolve redirect chains before comparing URLs")
		tlsCertFile         = flag.String("tls-cert-file", "", "TLS certificate file (enables HTTPS when set with -tls-key-file)")
		tlsKeyFile          = flag.String("tls-key-file", "", "TLS private key file")
		logLevel            = flag.String("log-level", "info", "log level: debug, info, warn, error")
		logFormat           = flag.String("log-format", "json", "log format: json or text")
		rateLimitRPS        = flag.Float64("rate-limit-rps", 5, "global requests-per-second limit across all clients")
		rateLimitBurst      = flag.Int("rate-limit-burst", 10, "global rate limit burst size")
		createJobLimit      = flag.Int("create-job-limit", 10, "max POST /api/websets calls per client within -create-job-window")
		createJobWindow     = flag.Duration("create-job-window", time.Minute, "window for -create-job-limit")
		redisAddr           = flag.String("redis-addr", "", "Redis address backing the distributed rate limiter (falls back to REDIS_ADDR, in-process limiter if unset)")
		shutdownTimeout     = flag.Duration("shutdown-timeout", 10*time.Second, "grace period for in-flight requests during shutdown")
	)
	flag.Parse()

	logger := logging.Init(logging.Config{Level: *logLevel, Format: *logFormat})

	// Only flags the operator actually passed override the environment;
	// a flag left at its default must not mask ENABLE_DEDUP /
	// ENABLE_URL_RESOLUTION.
	passed := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { passed[f.Name] = true })
	boolFlag := func(name string, value bool) *bool {
		if !passed[name] {
			return nil
		}
		return &value
	}

	cfg := config.Resolve(config.Flags{
		EnableDedup:         boolFlag("enable-dedup", *enableDedup),
		EnableURLResolution: boolFlag("enable-url-resolution", *enableURLResolution),
	})
	if *port != "" {
		cfg.Port = *port
	}
	if strings.TrimSpace(*postgresDSN) != "" {
		cfg.PostgresDSN = *postgresDSN
	}
	if strings.TrimSpace(*redisAddr) != "" {
		cfg.RedisAddr = *redisAddr
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// cfg.Port always carries a value (PORT, or its built-in default), so it
	// only replaces -addr when -port or PORT was actually given.
	listenAddr := *addr
	if *port != "" || os.Getenv("PORT") != "" {
		listenAddr = ":" + strings.TrimPrefix(cfg.Port, ":")
	}

	recorder := metrics.Default()

	store, err := newRepository(*storageDriver, cfg.PostgresDSN)
	if err != nil {
		logger.Error("configure storage", "error", err)
		os.Exit(1)
	}
	defer store.Close(context.Background())
	if pg, ok := store.(*storage.PostgresRepository); ok {
		pg.SetMetrics(recorder)
	}

	upstreamClient := upstream.New(upstream.Config{BaseURL: "https://api.exa.ai", APIKey: cfg.ExaAPIKey})

	var vectorClient *vectorclient.Client
	if cfg.VectorURL != "" {
		vectorClient = vectorclient.New(vectorclient.Config{
			BaseURL: cfg.VectorURL,
			Logger:  logging.WithComponent(logger, "vectorclient"),
		})
		recorder.SetIngestHealth("vector", "ok")
	} else {
		recorder.SetIngestHealth("vector", "disabled")
	}

	adjudicator := llmadjudicator.New(llmadjudicator.Config{
		Endpoint: cfg.LLMEndpoint,
		APIKey:   cfg.GoogleAPIKey,
		Timeout:  cfg.LLMTimeout,
		Logger:   logging.WithComponent(logger, "llmadjudicator"),
		Metrics:  recorder,
	})

	var resolver *canon.URLResolver
	if cfg.EnableURLResolution {
		resolver = canon.NewURLResolver()
	}

	handler := api.NewHandler(store, upstreamClient, vectorClient, adjudicator, resolver, nil, recorder, logging.WithComponent(logger, "api"))
	handler.EnableDedup = cfg.EnableDedup
	handler.EnableURLResolution = cfg.EnableURLResolution

	controller := ingestctl.NewController(store, upstreamClient, handler, logging.WithComponent(logger, "ingestctl"))
	controller.SetMetrics(recorder)
	handler.Controller = controller

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS:  server.TLSConfig{CertFile: *tlsCertFile, KeyFile: *tlsKeyFile},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:   *rateLimitRPS,
			GlobalBurst: *rateLimitBurst,
			CreateJobLimit:  *createJobLimit,
			CreateJobWindow: *createJobWindow,
			RedisAddr:   cfg.RedisAddr,
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("configure server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("listening", "addr", listenAddr)
	if err := srv.Run(ctx, *shutdownTimeout); err != nil {
		logger.Error("server stopped unexpectedly", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newRepository(driver, dsn string) (storage.Repository, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return storage.NewMemoryRepository(), nil
	case "postgres", "postgresql":
		if strings.TrimSpace(dsn) == "" {
			return nil, fmt.Errorf("postgres storage driver requires -postgres-dsn or MONGODB_URI")
		}
		return storage.NewPostgresRepository(context.Background(), dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
