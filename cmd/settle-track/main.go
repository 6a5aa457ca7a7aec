package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"settletrack/client"
	"settletrack/config"
	"settletrack/observability/logging"
	telemetry "settletrack/observability/otel"
	"settletrack/tracking"
	"settletrack/tracking/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "settle-track: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	kind       tracking.Kind
	id         string
	action     tracking.Action
	arg        string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("settle-track", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		opts  options
		order string
		trade string
		act   string
	)
	fs.StringVar(&opts.configPath, "config", "", "path to a YAML or TOML configuration file")
	fs.StringVar(&order, "order", "", "escrow order id to track")
	fs.StringVar(&trade, "trade", "", "P2P trade id to track")
	fs.StringVar(&act, "action", "", "action to run once the view is open (retry, fund, swap, payout_pending, payout, fiat-sent, fiat-confirm, dispute, crypto-locked)")
	fs.StringVar(&opts.arg, "arg", "", "action argument: dispute reason, proof url or escrow tx hash")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	order, trade = strings.TrimSpace(order), strings.TrimSpace(trade)
	switch {
	case order != "" && trade != "":
		return opts, errors.New("pass only one of -order or -trade")
	case order != "":
		opts.kind, opts.id = tracking.KindEscrow, order
	case trade != "":
		opts.kind, opts.id = tracking.KindTrade, trade
	default:
		return opts, errors.New("one of -order or -trade is required")
	}
	opts.action = tracking.Action(strings.ToLower(strings.TrimSpace(act)))
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logOpts := []logging.Option{logging.WithLevel(cfg.Logging.Level), logging.WithOutput(stderr)}
	if cfg.Logging.File != "" {
		logOpts = append(logOpts, logging.WithFile(cfg.Logging.File, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays))
	}
	logger, closer := logging.Setup("settle-track", cfg.Logging.Env, logOpts...)
	defer closer.Close()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "settle-track",
		Environment: cfg.Logging.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	if cfg.MetricsListen != "" {
		metricsServer := &http.Server{Addr: cfg.MetricsListen, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics listener stopped", slog.Any("error", err))
			}
		}()
		defer metricsServer.Close()
	}

	authority, err := client.New(cfg.Authority.BaseURL, cfg.Authority.AuthProvider(), cfg.Authority.ClientOptions()...)
	if err != nil {
		return err
	}

	s, err := session.Open(ctx, session.Config{
		Kind:             opts.kind,
		ID:               opts.id,
		Client:           authority,
		PollInterval:     cfg.Tracking.PollInterval.Duration,
		ReconnectInitial: cfg.Tracking.ReconnectInitial.Duration,
		ReconnectMax:     cfg.Tracking.ReconnectMax.Duration,
		DisablePush:      cfg.Tracking.DisablePush,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	displays := make(chan session.Display, 64)
	unsubscribe := s.Subscribe(func(d session.Display) {
		select {
		case displays <- d:
		default:
		}
	})
	defer unsubscribe()

	if opts.action != "" {
		if err := waitForStatus(ctx, s); err != nil {
			return err
		}
		if _, err := s.Do(ctx, opts.action, opts.arg); err != nil {
			return err
		}
		logger.Info("action applied", slog.String("action", string(opts.action)))
	}

	enc := json.NewEncoder(stdout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-displays:
			if err := enc.Encode(d); err != nil {
				return fmt.Errorf("write display: %w", err)
			}
		}
	}
}

// waitForStatus blocks until the first status reaches the view so action
// preconditions can be checked.
func waitForStatus(ctx context.Context, s *session.Session) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for s.Snapshot().View.Status == "" {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
