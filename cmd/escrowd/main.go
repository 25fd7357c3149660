package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"escrowd/attestation"
	"escrowd/config"
	"escrowd/core/events"
	"escrowd/core/state"
	"escrowd/gateway"
	"escrowd/native/escrow"
	"escrowd/observability/logging"
	telemetry "escrowd/observability/otel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "escrowd.toml", "path to escrowd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup("escrowd", cfg.Environment)

	if cfg.Telemetry.Metrics || cfg.Telemetry.Traces {
		otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "escrowd",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     otlpHeaders,
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() { _ = shutdownTelemetry(context.Background()) }()
	}

	owner, err := cfg.OwnerAddress()
	if err != nil {
		return err
	}
	schemaID, err := cfg.Schema()
	if err != nil {
		return err
	}

	ledger := state.NewManager()
	attester := attestation.NewClient(cfg.Attester.Endpoint, cfg.Attester.AuthToken, cfg.Attester.RequestTimeout.Duration)
	engine, err := escrow.NewEngine(ledger, attester)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	feed := events.NewFeed(cfg.FeedCapacity)
	engine.SetEmitter(feed)

	instanceID, err := engine.CreateInstance(owner, schemaID, nil)
	if err != nil {
		return fmt.Errorf("create default instance: %w", err)
	}
	logger.Info("default escrow instance ready",
		"id", hex.EncodeToString(instanceID[:]),
		"owner", strings.TrimSpace(cfg.Owner))

	credentials := make([]gateway.APIKeyCredential, 0, len(cfg.Auth.APIKeys))
	for _, key := range cfg.Auth.APIKeys {
		credentials = append(credentials, gateway.APIKeyCredential{
			Key:     key.Key,
			Secret:  key.Secret,
			Address: key.Address,
		})
	}
	auth, err := gateway.NewAuthenticator(credentials, cfg.Auth.JWTSecret, cfg.Auth.TimestampSkew.Duration, nil)
	if err != nil {
		return fmt.Errorf("build authenticator: %w", err)
	}
	limiter := gateway.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	server, err := gateway.NewServer(engine, ledger, feed, auth, limiter, logger, owner, schemaID)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(server.Router(), "escrowd-gateway"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening", "address", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	select {
	case <-stopCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
