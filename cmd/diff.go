package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rulescope/internal/config"
	"github.com/xkilldash9x/rulescope/internal/findings"
	"github.com/xkilldash9x/rulescope/internal/observability"
	"github.com/xkilldash9x/rulescope/internal/reporting"
)

// newDiffCmd creates the `diff` command, which compares two persisted runs.
func newDiffCmd(provider storeProvider) *cobra.Command {
	var baseID, headID, outputPath, format string
	var failOnNew bool

	diffCmd := &cobra.Command{
		Use:   "diff",
		Short: "Compare the findings of two persisted runs",
		Long: `Lists the findings that appear only in the head run (added) or only in the
base run (removed). Findings are matched by signature: rule and location.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			d, err := runDiff(ctx, observability.GetLogger(), cfg, baseID, headID, provider)
			if err != nil {
				return err
			}
			if err := writeDiff(cmd.OutOrStdout(), d, format, outputPath); err != nil {
				return err
			}
			if failOnNew && len(d.Added) > 0 {
				return &ExitCodeError{Code: ExitFindings, Err: fmt.Errorf("%d new findings since run %s", len(d.Added), baseID)}
			}
			return nil
		},
	}

	diffCmd.Flags().StringVar(&baseID, "base", "", "The run to compare against (required)")
	diffCmd.Flags().StringVar(&headID, "head", "", "The newer run (required)")
	_ = diffCmd.MarkFlagRequired("base")
	_ = diffCmd.MarkFlagRequired("head")
	diffCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (default stdout)")
	diffCmd.Flags().StringVarP(&format, "format", "f", "text", "Diff format: json, yaml or text")
	diffCmd.Flags().BoolVar(&failOnNew, "fail-on-new", false, "Exit with status 2 when the head run adds findings")
	return diffCmd
}

// runDiff loads both runs and compares them. Findings below report.min_score
// are left out on both sides.
func runDiff(ctx context.Context, logger *zap.Logger, cfg config.Interface, baseID, headID string, provider storeProvider) (*findings.RunDiff, error) {
	logger.Info("Comparing runs", zap.String("base", baseID), zap.String("head", headID))

	st, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	load := func(runID string) (*findings.ResultSet, error) {
		fs, err := st.FindingsByRun(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
		}
		if len(fs) == 0 {
			logger.Warn("Run has no findings or does not exist", zap.String("run_id", runID))
		}
		agg := findings.NewAggregator(findings.Options{MinScore: cfg.Report().MinScore})
		agg.Add("", fs)
		return agg.Result(runID, nil), nil
	}

	base, err := load(baseID)
	if err != nil {
		return nil, err
	}
	head, err := load(headID)
	if err != nil {
		return nil, err
	}
	return findings.Diff(baseID, base.Findings, headID, head.Findings), nil
}

func writeDiff(stdout io.Writer, d *findings.RunDiff, format, outputPath string) error {
	if !slices.Contains(reporting.DiffFormats, format) {
		return fmt.Errorf("unsupported diff format: %s", format)
	}
	if outputPath == "" || outputPath == "stdout" {
		return reporting.WriteDiff(stdout, d, format)
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file %s: %w", outputPath, err)
	}
	if err := reporting.WriteDiff(f, d, format); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
