package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/andresmejia3/maskscrub/internal/config"
	"github.com/andresmejia3/maskscrub/internal/logging"
	"github.com/andresmejia3/maskscrub/internal/metrics"
	"github.com/andresmejia3/maskscrub/internal/segclient"
	"github.com/andresmejia3/maskscrub/internal/store"
	"github.com/andresmejia3/maskscrub/internal/tracing"
)

var (
	// Cfg is the environment configuration with flag overrides applied.
	Cfg *config.Config
	// Logger is the process logger, built from --log-level.
	Logger *zap.Logger
	// DB is the catalog connection, opened on first use by openStore.
	DB *store.Store

	flagBackend      string
	flagLogLevel     string
	flagMetricsAddr  string
	flagOTLPEndpoint string
	flagDB           string

	shutdown []func(context.Context) error
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "maskscrub",
	Short:   "Frame scrubbing and click segmentation client for video annotation",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to parse environment: %w", err)
		}
		applyFlagOverrides(cmd, Cfg)
		if err := Cfg.Validate(); err != nil {
			return err
		}

		Logger, err = logging.New(Cfg.LogLevel)
		if err != nil {
			return err
		}
		shutdown = append(shutdown, func(context.Context) error {
			// stderr sync fails on some terminals; nothing useful to do with it
			_ = Logger.Sync()
			return nil
		})

		ctx := cmd.Context()
		if Cfg.OTLPEndpoint != "" {
			tp, err := tracing.InitTracer(ctx, tracing.Options{
				Endpoint:    Cfg.OTLPEndpoint,
				Version:     Version,
				SampleRatio: Cfg.TraceSampleRatio,
			})
			if err != nil {
				return err
			}
			shutdown = append(shutdown, tp.Shutdown)
		}
		if Cfg.MetricsAddr != "" {
			srv, err := metrics.StartServer(Cfg.MetricsAddr, Version, Logger)
			if err != nil {
				return err
			}
			shutdown = append(shutdown, srv.Shutdown)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		// Use Background here because the main context might be cancelled already (due to Ctrl+C)
		// and we still need to flush spans and close the DB.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := closeAll(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Shutdown: %v\n", err)
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagBackend, "backend", "", "Segmentation backend base URL (env MASKSCRUB_BACKEND_URL)")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (env LOG_LEVEL)")
	pf.StringVar(&flagMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090 (env METRICS_ADDR)")
	pf.StringVar(&flagOTLPEndpoint, "otlp-endpoint", "", "OTLP/HTTP trace endpoint (env OTLP_ENDPOINT)")
	pf.StringVar(&flagDB, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/maskscrub)")
}

// applyFlagOverrides copies explicitly set persistent flags over the env values.
// Only the root's persistent set is consulted so a subcommand's local flag of
// the same name cannot clobber them.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Root().PersistentFlags()
	if flags.Changed("backend") {
		cfg.BackendURL = flagBackend
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = flagMetricsAddr
	}
	if flags.Changed("otlp-endpoint") {
		cfg.OTLPEndpoint = flagOTLPEndpoint
	}
	if flags.Changed("db") {
		cfg.DatabaseURL = flagDB
	}
}

// openStore connects to the catalog once per process.
func openStore(ctx context.Context) (*store.Store, error) {
	if DB != nil {
		return DB, nil
	}
	s, err := store.New(ctx, Cfg.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	DB = s
	shutdown = append(shutdown, func(ctx context.Context) error {
		s.Close(ctx)
		return nil
	})
	return DB, nil
}

// newClient builds the backend client from the active configuration.
func newClient() *segclient.Client {
	return segclient.New(Cfg.BackendURL, nil, Cfg.RequestTimeout, Logger)
}

// closeAll runs shutdown hooks in reverse registration order.
func closeAll(ctx context.Context) error {
	var err error
	for i := len(shutdown) - 1; i >= 0; i-- {
		err = multierr.Append(err, shutdown[i](ctx))
	}
	shutdown = nil
	DB = nil
	return err
}
