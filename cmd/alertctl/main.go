// alertctl is the OhmGuard alert client for the terminal: it logs in, lists and
// acknowledges fall alerts, and watches the realtime feed.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/config"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/engine"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/metrics"
	otelsetup "github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/telemetry/otel"
)

const serviceName = "ohmguard-alertctl"

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "alertctl",
	Short:         "OhmGuard fall-alert client",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "alertctl:", err)
		os.Exit(1)
	}
}

// app is everything a command needs; close releases it.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	engine  *engine.Engine
	otel    *otelsetup.Providers
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	providers, err := otelsetup.NewProviders(ctx, otelsetup.Settings{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceName:    serviceName,
		ServiceVersion: version,
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	providers.SetGlobal()

	m := metrics.New()
	eng, err := engine.New(cfg, engine.Options{
		Logger:  logger,
		Metrics: m,
		Emitter: otelsetup.NewEventEmitter(providers.LoggerProvider),
	})
	if err != nil {
		_ = providers.Shutdown(ctx)
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, metrics: m, engine: eng, otel: providers}, nil
}

func (a *app) close() {
	if err := a.engine.Close(); err != nil {
		a.logger.Warn("alertctl: close credential store", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.otel.Shutdown(ctx); err != nil {
		a.logger.Warn("alertctl: telemetry shutdown", "error", err)
	}
}

// start resumes the stored session, failing with a hint when there is none.
func (a *app) start(ctx context.Context) error {
	_, err := a.engine.Start(ctx)
	if engine.IsSessionExpired(err) {
		return fmt.Errorf("not logged in: run alertctl login")
	}
	return err
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
