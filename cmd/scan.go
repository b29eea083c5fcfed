package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rulescope/internal/analysis/static/python"
	"github.com/xkilldash9x/rulescope/internal/cache"
	"github.com/xkilldash9x/rulescope/internal/config"
	"github.com/xkilldash9x/rulescope/internal/engine"
	"github.com/xkilldash9x/rulescope/internal/findings"
	"github.com/xkilldash9x/rulescope/internal/observability"
	"github.com/xkilldash9x/rulescope/internal/reporting"
	"github.com/xkilldash9x/rulescope/internal/rules"
)

// newScanCmd creates and configures the `scan` command.
func newScanCmd(provider storeProvider) *cobra.Command {
	scanCmd := &cobra.Command{
		Use:   "scan [paths...]",
		Short: "Analyse Python files and directories",
		Long: `Walks the given paths, analyses every Python source and requirements file
against the rule corpus and writes the findings. Exits with status 2 when a
finding reaches report.fail_score.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if err := applyScanFlags(cmd, cfg, args); err != nil {
				return err
			}
			return runScan(ctx, observability.GetLogger(), cfg, provider)
		},
	}

	scanCmd.Flags().StringP("output", "o", "", "Output file path for the report (default stdout)")
	scanCmd.Flags().StringP("format", "f", "", "Report format: json, jsonl, yaml, sarif or text (overrides report.format)")
	scanCmd.Flags().IntP("concurrency", "j", 0, "Number of files analysed concurrently (overrides engine.worker_concurrency)")
	scanCmd.Flags().Bool("persist", false, "Persist the run to PostgreSQL (requires store.url)")
	scanCmd.Flags().Int("min-score", 0, "Drop findings scoring below this value (overrides report.min_score)")
	scanCmd.Flags().Int("fail-score", 0, "Exit with status 2 when a finding reaches this score (overrides report.fail_score)")
	scanCmd.Flags().String("sanitizer-policy", "", "Trust or distrust sanitizers: trust|distrust")
	scanCmd.Flags().String("unknown-at-sink", "", "How unresolved data is treated at sinks: tainted|ignore")
	scanCmd.Flags().String("corpus", "", "Rule corpus file (default built-in)")

	return scanCmd
}

// applyScanFlags copies explicitly set flags over the loaded configuration.
func applyScanFlags(cmd *cobra.Command, cfg *config.Config, paths []string) error {
	flags := cmd.Flags()
	sc := config.ScanConfig{Paths: paths, Format: cfg.Report().Format}

	sc.Output, _ = flags.GetString("output")
	sc.Persist, _ = flags.GetBool("persist")
	if flags.Changed("format") {
		sc.Format, _ = flags.GetString("format")
		cfg.ReportCfg.Format = sc.Format
	}
	if flags.Changed("concurrency") {
		n, _ := flags.GetInt("concurrency")
		cfg.SetEngineWorkerConcurrency(n)
	}
	if flags.Changed("min-score") {
		n, _ := flags.GetInt("min-score")
		cfg.SetReportMinScore(n)
	}
	if flags.Changed("fail-score") {
		cfg.ReportCfg.FailScore, _ = flags.GetInt("fail-score")
	}
	if flags.Changed("sanitizer-policy") {
		p, _ := flags.GetString("sanitizer-policy")
		cfg.SetAnalysisSanitizerPolicy(p)
	}
	if flags.Changed("unknown-at-sink") {
		p, _ := flags.GetString("unknown-at-sink")
		cfg.SetAnalysisUnknownAtSink(p)
	}
	if flags.Changed("corpus") {
		cfg.CorpusCfg.Path, _ = flags.GetString("corpus")
	}
	if sc.Persist {
		cfg.StoreCfg.Enabled = true
	}
	sc.Concurrency = cfg.Engine().WorkerConcurrency
	cfg.SetScanConfig(sc)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// loadCorpus loads the configured corpus, or the built-in one.
func loadCorpus(cfg config.Interface, logger *zap.Logger) (*rules.Corpus, error) {
	opts := rules.Options{Strict: cfg.Corpus().Strict, Logger: logger}
	if path := cfg.Corpus().Path; path != "" {
		return rules.LoadFile(path, opts)
	}
	return rules.LoadDefault(opts)
}

// runScan contains the testable core of the scan command.
func runScan(ctx context.Context, logger *zap.Logger, cfg config.Interface, provider storeProvider) error {
	scan := cfg.Scan()
	start := time.Now()

	corpus, err := loadCorpus(cfg, logger)
	if err != nil {
		return err
	}
	if disabled := corpus.Disabled(); len(disabled) > 0 {
		logger.Warn("Rules disabled while loading the corpus", zap.Int("count", len(disabled)))
	}

	frontend := python.New(
		python.WithMaxFileSize(cfg.Engine().MaxFileSize),
		python.WithStrictSyntax(cfg.Analysis().StrictSyntax),
		python.WithLogger(logger),
	)

	var opts []engine.Option
	if cc := cfg.Cache(); cc.Enabled {
		c, err := cache.Open(cache.Options{Path: cc.Path, InMemory: cc.InMemory, Logger: logger})
		if err != nil {
			return err
		}
		defer func() {
			if err := c.Close(); err != nil {
				logger.Warn("Failed to close cache", zap.Error(err))
			}
		}()
		opts = append(opts, engine.WithCache(c))
	}
	var metrics *engine.Metrics
	if cfg.Metrics().Textfile != "" {
		metrics = engine.NewMetrics(prometheus.NewRegistry())
		opts = append(opts, engine.WithMetrics(metrics))
	}

	eng, err := engine.New(cfg, corpus, frontend, logger, opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	inventory, err := engine.Inventory(scan.Paths)
	if err != nil {
		return err
	}
	logger.Info("Starting scan",
		zap.Int("files", len(inventory)),
		zap.Int("concurrency", cfg.Engine().WorkerConcurrency),
		zap.String("sanitizer_policy", cfg.Analysis().SanitizerPolicy),
	)

	rs, runErr := eng.Run(ctx, inventory)
	if rs == nil {
		return runErr
	}

	if metrics != nil {
		if err := metrics.WriteTextfile(cfg.Metrics().Textfile); err != nil {
			logger.Warn("Failed to write metrics", zap.Error(err))
		}
	}

	// A cancelled run still reports what it has, manifest included.
	if err := writeReport(logger, rs, scan.Format, scan.Output); err != nil {
		return err
	}

	if cfg.Store().Enabled && runErr == nil {
		if err := persistRun(ctx, logger, cfg, provider, rs); err != nil {
			return err
		}
	}

	logger.Info("Scan complete",
		zap.String("run_id", rs.RunID),
		zap.Int("findings", len(rs.Findings)),
		zap.Int("total_score", rs.Total.Score),
		zap.Int("skipped", len(rs.Manifest.Skipped)),
		zap.Duration("duration", time.Since(start)),
	)

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return fmt.Errorf("scan aborted: %w", runErr)
		}
		return runErr
	}
	if fail := cfg.Report().FailScore; fail > 0 && rs.MaxScore() >= fail {
		return &ExitCodeError{
			Code: ExitFindings,
			Err:  fmt.Errorf("finding score %d reached fail score %d", rs.MaxScore(), fail),
		}
	}
	return nil
}

func persistRun(ctx context.Context, logger *zap.Logger, cfg config.Interface, provider storeProvider, rs *findings.ResultSet) error {
	st, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}
	if err := st.PersistRun(ctx, rs); err != nil {
		return fmt.Errorf("failed to persist run %s: %w", rs.RunID, err)
	}
	logger.Info("Run persisted", zap.String("run_id", rs.RunID))
	return nil
}

// writeReport renders rs with the reporting module.
func writeReport(logger *zap.Logger, rs *findings.ResultSet, format, outputPath string) error {
	reporter, err := reporting.New(format, outputPath, Version)
	if err != nil {
		return fmt.Errorf("failed to initialize reporter: %w", err)
	}
	if err := reporter.Write(rs); err != nil {
		_ = reporter.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := reporter.Close(); err != nil {
		return fmt.Errorf("failed to finalize report: %w", err)
	}
	if outputPath != "" && outputPath != "stdout" {
		logger.Info("Report written", zap.String("path", outputPath), zap.String("format", format))
	}
	return nil
}
