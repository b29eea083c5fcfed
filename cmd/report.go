package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rulescope/internal/analysis/core"
	"github.com/xkilldash9x/rulescope/internal/config"
	"github.com/xkilldash9x/rulescope/internal/findings"
	"github.com/xkilldash9x/rulescope/internal/observability"
	"github.com/xkilldash9x/rulescope/internal/store"
)

// runStore is the part of store.Store the commands use.
type runStore interface {
	PersistRun(ctx context.Context, rs *findings.ResultSet) error
	FindingsByRun(ctx context.Context, runID string) ([]core.Finding, error)
}

// storeProvider creates the run store. Tests inject a mock instead of a live
// database connection.
type storeProvider interface {
	// Create returns the store and a cleanup function releasing its resources.
	Create(ctx context.Context, cfg config.Interface) (runStore, func(), error)
}

// defaultStoreProvider connects to PostgreSQL.
type defaultStoreProvider struct{}

// NewStoreProvider returns the production store provider.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

// Create connects to the configured database, verifies the connection and
// applies the schema.
func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (runStore, func(), error) {
	logger := observability.GetLogger()
	if cfg.Store().URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (RULESCOPE_STORE_URL)")
	}

	pool, err := pgxpool.New(ctx, cfg.Store().URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	st, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed.")
	}
	return st, cleanup, nil
}

// newReportCmd creates the `report` command, which re-renders a persisted run.
func newReportCmd(provider storeProvider) *cobra.Command {
	var runID, outputPath, format string

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Render the findings of a persisted run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if format == "" {
				format = cfg.Report().Format
			}
			return runReport(ctx, observability.GetLogger(), cfg, runID, outputPath, format, provider)
		},
	}

	reportCmd.Flags().StringVar(&runID, "run-id", "", "The run to report on (required)")
	_ = reportCmd.MarkFlagRequired("run-id")
	reportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (default stdout)")
	reportCmd.Flags().StringVarP(&format, "format", "f", "", "Report format (default report.format)")
	return reportCmd
}

// runReport loads the findings of runID and writes them. The manifest of the
// persisted run is not kept by the findings table; only the run id is carried.
func runReport(ctx context.Context, logger *zap.Logger, cfg config.Interface, runID, outputPath, format string, provider storeProvider) error {
	logger.Info("Starting report generation", zap.String("run_id", runID))

	st, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	fs, err := st.FindingsByRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	if len(fs) == 0 {
		logger.Warn("Run has no findings or does not exist", zap.String("run_id", runID))
	}

	agg := findings.NewAggregator(findings.Options{MinScore: cfg.Report().MinScore})
	for _, f := range fs {
		agg.Add(f.Location.File, []core.Finding{f})
	}
	return writeReport(logger, agg.Result(runID, nil), format, outputPath)
}
