package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/infomdss/knrb-crawler/internal/app"
	"github.com/infomdss/knrb-crawler/internal/fetch"
	"github.com/infomdss/knrb-crawler/internal/foys"
	"github.com/infomdss/knrb-crawler/internal/scrape"
)

var (
	flagResume         bool
	flagRefetchPersons bool
	flagStep           string
)

func newScrapeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Crawl the tournament API into the configured store",
		Long: `Runs the staged crawl: seasons, tournaments, matches with their
races, then rower enrichment. By default every tournament is revisited;
with --resume only tournaments not yet scanned for persons are expanded.`,

		RunE: runScrapeCommand,
	}
	cmd.Flags().BoolVar(&flagResume, "resume", false, "only expand tournaments not yet scanned for persons")
	cmd.Flags().BoolVar(&flagRefetchPersons, "refetch-persons", false, "refetch all person sub-records, ignoring stored state")
	cmd.Flags().StringVar(&flagStep, "step", "", "run a single stage: seasons, tournaments, matches, or persons")
	cmd.MarkFlagsMutuallyExclusive("resume", "refetch-persons")
	return cmd
}

func runScrapeCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	pipeline, err := buildPipeline(appInstance)
	if err != nil {
		return err
	}

	summary, err := pipeline.Run(cmd.Context())
	return finishScrape(logger, summary, err)
}

// finishScrape maps a run outcome onto the command's error. Item-level
// failures are reported through the summary and leave the exit code at
// zero; only cancellation and stage-level errors are fatal.
func finishScrape(logger *zap.Logger, summary *scrape.Summary, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		logger.Warn("run canceled", zap.String("partial", summary.String()))
		return &ExitError{Code: 2, Msg: "scrape canceled"}
	case err != nil:
		return fmt.Errorf("running scrape: %w", err)
	}

	logger.Info("scrape finished",
		zap.String("summary", summary.String()),
		zap.Duration("elapsed", summary.Elapsed),
		zap.Any("stored", summary.Counts),
	)
	if summary.Errored() {
		logger.Warn("scrape finished with failed items", zap.String("summary", summary.String()))
	}
	return nil
}

func buildPipeline(appInstance *app.App) (*scrape.Pipeline, error) {
	cfg := appInstance.Config()

	client, err := fetch.NewClient(fetch.Config{
		Timeout:        cfg.RequestTimeout(),
		MaxRetries:     cfg.HTTP.MaxRetries,
		BackoffInitial: cfg.BackoffInitial(),
		BackoffMax:     cfg.BackoffMax(),
		UseProxy:       cfg.HTTP.UseProxy,
		ProxyURL:       cfg.HTTP.ProxyURL,
		MinInterval:    cfg.MinInterval(),
	}, appInstance.Logger())
	if err != nil {
		return nil, fmt.Errorf("initializing fetcher: %w", err)
	}

	api := foys.NewClient(client, cfg.API.BaseURL, cfg.API.FederationID)

	opts := scrape.Options{
		Workers: cfg.Scrape.Workers,
		Mode:    scrapeMode(),
		Step:    flagStep,
	}
	return scrape.New(api, appInstance.Store(), opts, appInstance.Hub(), appInstance.Logger()), nil
}

func scrapeMode() scrape.Mode {
	switch {
	case flagRefetchPersons:
		return scrape.ModeRefetchPersons
	case flagResume:
		return scrape.ModeResume
	default:
		return scrape.ModeFull
	}
}
