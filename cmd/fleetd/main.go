package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrpan/fleetd/internal/config"
	"github.com/terrpan/fleetd/internal/cred"
	"github.com/terrpan/fleetd/internal/otel"
	"github.com/terrpan/fleetd/internal/reconciler"
	"github.com/terrpan/fleetd/internal/scaler"
	"github.com/terrpan/fleetd/internal/server"
	"github.com/terrpan/fleetd/internal/startup"
	"github.com/terrpan/fleetd/internal/store"
	"github.com/terrpan/fleetd/internal/webhook"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "CI runner fleet control plane -- pool autoscaler and reconciler",
	Long: `fleetd owns a fleet of self-hosted CI runners: it scales pools of
ephemeral runners up and down on job webhooks, keeps warm capacity
ready, restarts static runners after reboots, and periodically
reconciles local records against remote registrations and live
processes, containers, and VMs.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Store & sealing overrides
	f.StringVar(&flagOverrides.Store.Path, "db", "", "Path to the SQLite database file")
	f.StringVar(&flagOverrides.Sealing.Key, "sealing-key", "", "Hex-encoded 32-byte credential sealing key")
	f.StringVar(&flagOverrides.Sealing.KeyPath, "sealing-key-path", "", "Path to a file holding the hex-encoded sealing key")

	// Server & webhook overrides
	f.StringVar(&flagOverrides.Server.Addr, "listen", "", "HTTP listen address (e.g. :8080)")
	f.StringVar(&flagOverrides.Webhook.Secret, "webhook-secret", "", "App-level webhook secret")
	f.StringVar(&flagOverrides.Webhook.SecretPath, "webhook-secret-path", "", "Path to a file holding the webhook secret")

	// Reconciler overrides
	f.IntVar(&flagOverrides.Reconciler.IntervalSecs, "reconcile-interval", 0, "Reconciliation interval in seconds")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Store.Path != "" {
		cfg.Store.Path = flagOverrides.Store.Path
	}
	if flagOverrides.Sealing.Key != "" {
		cfg.Sealing.Key = flagOverrides.Sealing.Key
	}
	if flagOverrides.Sealing.KeyPath != "" {
		cfg.Sealing.KeyPath = flagOverrides.Sealing.KeyPath
	}
	if flagOverrides.Server.Addr != "" {
		cfg.Server.Addr = flagOverrides.Server.Addr
	}
	if flagOverrides.Webhook.Secret != "" {
		cfg.Webhook.Secret = flagOverrides.Webhook.Secret
	}
	if flagOverrides.Webhook.SecretPath != "" {
		cfg.Webhook.SecretPath = flagOverrides.Webhook.SecretPath
	}
	if flagOverrides.Reconciler.IntervalSecs != 0 {
		cfg.Reconciler.IntervalSecs = flagOverrides.Reconciler.IntervalSecs
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("db", cfg.Store.Path),
		slog.String("backends", strings.Join(cfg.Backends.Enabled, ",")),
		slog.String("listen", cfg.Server.Addr),
	)

	// ---------------------------------------------------------------
	// 3. OpenTelemetry
	// ---------------------------------------------------------------
	otelShutdown, err := otel.SetupOTelSDK(ctx, "fleetd", otel.Config{
		Enabled:    cfg.OTel.Enabled,
		Endpoint:   cfg.OTel.Endpoint,
		Insecure:   cfg.OTel.Insecure,
		StdOut:     cfg.OTel.StdOut,
		Prometheus: true,
	})
	if err != nil {
		return fmt.Errorf("setting up otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("otel shutdown error", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Open store
	// ---------------------------------------------------------------
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	// ---------------------------------------------------------------
	// 5. Credential resolver
	// ---------------------------------------------------------------
	key, err := cfg.SealingKey()
	if err != nil {
		return err
	}
	creds, err := cred.NewResolver(key, logger.WithGroup("cred"))
	if err != nil {
		return fmt.Errorf("creating credential resolver: %w", err)
	}
	creds.APIBaseURL = cfg.Platform.APIBaseURL

	// ---------------------------------------------------------------
	// 6. Provisioning backends
	// ---------------------------------------------------------------
	backends, err := cfg.NewBackends(ctx, st, creds, logger)
	if err != nil {
		return fmt.Errorf("initializing backends: %w", err)
	}

	// ---------------------------------------------------------------
	// 7. Scaler, reconciler, webhook dispatcher
	// ---------------------------------------------------------------
	sc := scaler.New(scaler.Config{
		Store:    st,
		Backends: backends,
		Logger:   logger.WithGroup("scaler"),
	})

	rec := reconciler.New(reconciler.Config{
		Store:      st,
		Creds:      creds,
		Backends:   backends,
		Scaler:     sc,
		Logger:     logger.WithGroup("reconciler"),
		Interval:   cfg.Reconciler.Interval(),
		StaleAfter: cfg.Reconciler.StaleAfter(),
	})

	fallbackSecret, err := cfg.WebhookSecret()
	if err != nil {
		return err
	}
	dispatcher := webhook.New(webhook.Config{
		Store:          st,
		Creds:          creds,
		Scaler:         sc,
		Logger:         logger.WithGroup("webhook"),
		FallbackSecret: fallbackSecret,
	})
	defer dispatcher.Shutdown()

	// ---------------------------------------------------------------
	// 8. Startup recovery
	// ---------------------------------------------------------------
	seq := startup.New(startup.Config{
		Store:      st,
		Backends:   backends,
		Scaler:     sc,
		Reconciler: rec,
		Logger:     logger.WithGroup("startup"),
	})
	if err := seq.Run(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	// ---------------------------------------------------------------
	// 9. Serve
	// ---------------------------------------------------------------
	srv := server.New(server.Config{
		Addr:       cfg.Server.Addr,
		Dispatcher: dispatcher,
		Backends:   cfg.Backends.Enabled,
		Logger:     logger.WithGroup("server"),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	return nil
}
