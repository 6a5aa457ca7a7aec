package sandboxd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"settletrack/observability/logging"
	telemetry "settletrack/observability/otel"
)

// Main initialises and runs the sandbox authority.
func Main() error {
	var (
		cfgPath   string
		mintScope string
		mintTTL   time.Duration
	)
	flag.StringVar(&cfgPath, "config", "", "path to sandboxd configuration")
	flag.StringVar(&mintScope, "mint-token", "", "print a bearer token with the given comma-separated scopes and exit")
	flag.DurationVar(&mintTTL, "mint-ttl", 24*time.Hour, "lifetime of a minted token")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if mintScope != "" {
		token, err := MintToken(cfg.Auth, "sandbox-dev", strings.Split(mintScope, ","), mintTTL)
		if err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
		fmt.Println(token)
		return nil
	}

	logger, closer := logging.Setup("sandboxd", cfg.Environment, logging.WithLevel(cfg.LogLevel))
	defer closer.Close()

	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "sandboxd",
		Environment: cfg.Environment,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     otlpEndpoint != "",
		Traces:      otlpEndpoint != "",
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	db, err := OpenDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	srv := New(cfg, db, logger)
	defer srv.Close()
	if cfg.Auth.Disabled {
		logger.Warn("bearer authentication disabled")
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go srv.RunSettler(stopCtx)

	errs := make(chan error, 1)
	go func() {
		logger.Info("sandboxd listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		logger.Info("shutting down")
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
