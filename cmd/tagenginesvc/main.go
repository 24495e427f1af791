// Command tagenginesvc runs the tag engine HTTP service.
//
// # Usage
//
//	tagenginesvc -config tagengine.yaml -port 8080
//
// # Configuration
//
// The service can be configured via:
//   - Command-line flags
//   - Environment variables (TAGENGINE_*)
//   - A YAML config file
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/allezon/tagengine/internal/config"
	"github.com/allezon/tagengine/internal/diagnostics"
	"github.com/allezon/tagengine/internal/engine"
	"github.com/allezon/tagengine/internal/engine/ingestbuf"
	"github.com/allezon/tagengine/internal/engine/memengine"
	"github.com/allezon/tagengine/internal/engine/pgengine"
	"github.com/allezon/tagengine/internal/httpapi"
	"github.com/allezon/tagengine/internal/secretsconfig"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		port        = flag.Int("port", 0, "HTTP server port (overrides config/env)")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		version     = flag.Bool("version", false, "Print version and exit")
		healthcheck = flag.Bool("healthcheck", false, "Query a running instance's /health endpoint and exit 0/1")
	)
	flag.Parse()

	if *version {
		fmt.Println("tagenginesvc v0.1.0")
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			logger.Error("failed to load config file", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.ApplyEnvOverrides()
	if *port != 0 {
		cfg.HTTPAddr = fmt.Sprintf(":%d", *port)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if *healthcheck {
		os.Exit(runHealthcheck(cfg.HTTPAddr))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	secretsResolver, err := secretsconfig.NewResolver(secretsconfig.Config{
		Backend:          cfg.Secrets.Backend,
		OnePasswordHost:  os.Getenv("OP_CONNECT_HOST"),
		OnePasswordToken: cfg.Secrets.OnePasswordToken,
		OnePasswordVault: cfg.Secrets.OnePasswordVault,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize secrets resolver", "error", err)
		os.Exit(1)
	}

	var eng engine.Engine
	var flusher *ingestbuf.Flusher
	var buffer *ingestbuf.Buffer

	switch cfg.Backend {
	case config.BackendMemory:
		eng = memengine.New()
		logger.Info("using in-memory engine backend")

	case config.BackendPostgres:
		postgresDSN, redisURL, err := secretsconfig.ResolveConnectionStrings(ctx, secretsResolver, cfg.Postgres.DSN, cfg.Redis.URL)
		if err != nil {
			logger.Error("failed to resolve connection secrets", "error", err)
			os.Exit(1)
		}

		pg, err := pgengine.NewFromDSN(ctx, postgresDSN)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		logger.Info("connected to postgres")

		buffer, err = ingestbuf.NewFromURL(ctx, redisURL, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to redis ingest buffer")

		flusher = ingestbuf.NewFlusher(buffer, pg, logger)
		if cfg.Ingest.FlushInterval > 0 {
			flusher = flusher.WithInterval(cfg.Ingest.FlushInterval)
		}
		if cfg.Ingest.FlushBatchSize > 0 {
			flusher = flusher.WithBatchSize(cfg.Ingest.FlushBatchSize)
		}
		flusher.Start()
		logger.Info("ingest flusher started")

		eng = ingestbuf.NewBufferedEngine(buffer, pg).WithRateLimit(cfg.Ingest.RateLimitPerSec)
		logger.Info("using postgres engine backend with buffered ingest", "rate_limit_per_sec", cfg.Ingest.RateLimitPerSec)

	default:
		logger.Error("unknown backend", "backend", cfg.Backend)
		os.Exit(1)
	}

	var diagnosticsCollector *diagnostics.Collector
	if buffer != nil {
		diagnosticsCollector = diagnostics.NewCollector(buffer)
	} else {
		diagnosticsCollector = diagnostics.NewCollector(nil)
	}

	apiServer := httpapi.NewServer(eng, diagnosticsCollector, logger)

	addr := cfg.HTTPAddr
	server := &http.Server{
		Addr:         addr,
		Handler:      apiServer,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	if flusher != nil {
		flusher.Stop()
	}
	if buffer != nil {
		buffer.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}

// runHealthcheck queries a running instance's own /health endpoint and
// prints its diagnostics.Health as a single line, the way a Docker
// HEALTHCHECK probe or orchestrator liveness check would invoke this
// binary. Returns 0 if the process reports healthy, 1 otherwise.
func runHealthcheck(httpAddr string) int {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(healthcheckURL(httpAddr))
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck: request failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	var h diagnostics.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck: decoding response: %v\n", err)
		return 1
	}

	fmt.Println(h.String())
	if resp.StatusCode != http.StatusOK || h.Process.Status != "healthy" {
		return 1
	}
	return 0
}

// healthcheckURL turns an http_addr like ":8080" or "0.0.0.0:8080" into
// a loopback URL suitable for a healthcheck running on the same host.
func healthcheckURL(httpAddr string) string {
	host, port, found := strings.Cut(httpAddr, ":")
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	if !found {
		port = host
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%s/health", host, port)
}
