package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/infomdss/knrb-crawler/internal/importer"
	"github.com/infomdss/knrb-crawler/internal/store/fsjson"
	"github.com/infomdss/knrb-crawler/internal/store/postgres"
)

var flagImportDir string

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load a JSON file tree into PostgreSQL",
		Long: `Imports a dataset captured with the fsjson store provider into the
configured PostgreSQL database, preserving relations, tournament scan
state, and person sub-records.`,

		RunE: runImportCommand,
	}
	cmd.Flags().StringVar(&flagImportDir, "source", "", "source directory (default: store.fsjson.dir)")
	return cmd
}

func runImportCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()
	cfg := appInstance.Config()

	if cfg.Store.Provider != "postgres" {
		return fmt.Errorf("import requires store.provider=postgres, got %q", cfg.Store.Provider)
	}
	dst, ok := appInstance.Store().(*postgres.Store)
	if !ok {
		return fmt.Errorf("import requires a postgres-backed store")
	}

	dir := flagImportDir
	if dir == "" {
		dir = cfg.Store.FSJSON.Dir
	}
	src, err := fsjson.New(dir, logger)
	if err != nil {
		return fmt.Errorf("opening source tree: %w", err)
	}

	imp := importer.New(src, dst, cfg.Scrape.Workers, appInstance.Hub(), logger)
	report, err := imp.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("running import: %w", err)
	}

	logger.Info("import finished",
		zap.Duration("elapsed", report.Elapsed),
		zap.Any("stages", report.Stages),
	)
	if report.Errored() {
		logger.Warn("import finished with failed records", zap.Any("stages", report.Stages))
	}
	return nil
}
