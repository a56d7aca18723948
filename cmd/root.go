// Package cmd defines the CLI commands for the knrbcrawl executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/infomdss/knrb-crawler/internal/app"
	"github.com/infomdss/knrb-crawler/internal/config"
)

var (
	cfgFile  string
	noProxy  bool
	workers  int
	poolSize int
)

// appKeyType is the key for storing the App in the command context.
type appKeyType struct{}

var appKey appKeyType

// newApp is the application factory. It is a variable so tests can
// swap in a mock factory.
var newApp = func(ctx context.Context, cfg config.Config) (*app.App, error) {
	return app.New(ctx, cfg)
}

// ExitError marks an error that should set the exit code without a
// duplicate error print.
type ExitError struct {
	Code int
	Msg  string
}

func (e *ExitError) Error() string { return e.Msg }

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knrbcrawl",
		Short: "Resumable crawler for the Dutch rowing federation's competition data",
		Long: `knrbcrawl walks the KNRB tournament API season by season, expanding
tournaments into matches, races, and rowers, and stores every payload in
PostgreSQL or a JSON file tree. Interrupted runs resume where they left
off: tournaments already scanned for persons are skipped.`,

		SilenceUsage:  true,
		SilenceErrors: true,

		// Build shared services after flags and config are resolved,
		// before the subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile, flagOverrides())
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initializing application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(*app.App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: environment and .env)")
	cmd.PersistentFlags().BoolVar(&noProxy, "no-proxy", false, "bypass the proxy and pace requests directly")
	cmd.PersistentFlags().IntVar(&workers, "workers", 0, "concurrent workers per stage (default from config)")
	cmd.PersistentFlags().IntVar(&poolSize, "pool-size", 0, "database connection pool size (default from config)")

	cmd.AddCommand(newScrapeCmd())
	cmd.AddCommand(newImportCmd())

	return cmd
}

// flagOverrides folds explicit CLI flags into the loaded configuration.
func flagOverrides() config.Option {
	return func(cfg *config.Config) {
		if noProxy {
			cfg.HTTP.UseProxy = false
		}
		if workers > 0 {
			cfg.Scrape.Workers = workers
		}
		if poolSize > 0 {
			cfg.Scrape.PoolSize = poolSize
			cfg.Store.Postgres.MaxConns = int32(poolSize)
		}
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point. A first interrupt cancels the run
// context so in-flight batches drain; a second one kills the process.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Msg)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
