// Package worker runs the analyzer pipeline over a single file.
package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rulescope/internal/analysis/core"
	"github.com/xkilldash9x/rulescope/internal/analysis/scanners"
	"github.com/xkilldash9x/rulescope/internal/analysis/taint"
	"github.com/xkilldash9x/rulescope/internal/config"
	"github.com/xkilldash9x/rulescope/internal/typos"
)

// FileWorker runs a fixed, ordered list of analyzers for each file. Stages of
// one file run sequentially; a FileWorker itself holds no per-file state and
// may be shared by concurrent goroutines.
type FileWorker struct {
	logger    *zap.Logger
	analyzers []core.Analyzer
}

// Option configures a FileWorker.
type Option func(*FileWorker)

// WithAnalyzers replaces the default pipeline.
func WithAnalyzers(analyzers ...core.Analyzer) Option {
	return func(w *FileWorker) {
		w.analyzers = analyzers
	}
}

// New builds the default pipeline from the configuration: the taint pass,
// then the enabled scanners.
func New(cfg config.Interface, logger *zap.Logger, opts ...Option) (*FileWorker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &FileWorker{logger: logger.Named("worker")}
	for _, opt := range opts {
		opt(w)
	}
	if w.analyzers != nil {
		return w, nil
	}

	w.analyzers = append(w.analyzers, taint.NewAnalyzer(taint.PolicyFromConfig(cfg.Analysis()), logger))

	sc := cfg.Scanners()
	if sc.Files {
		w.analyzers = append(w.analyzers, scanners.NewPathAnalyzer(logger))
	}
	if sc.Strings {
		w.analyzers = append(w.analyzers, scanners.NewStringAnalyzer(logger))
	}
	if sc.Typos.Enabled {
		checker, err := typos.Load(sc.Typos.PopularFile, sc.Typos.MaxDistance)
		if err != nil {
			return nil, err
		}
		w.analyzers = append(w.analyzers, scanners.NewRequirementsAnalyzer(checker, sc.Typos.Score, logger))
	}

	names := make([]string, 0, len(w.analyzers))
	for _, a := range w.analyzers {
		names = append(names, a.Name())
	}
	w.logger.Debug("Analyzer pipeline registered.", zap.Strings("analyzers", names))
	return w, nil
}

// Analyzers returns the pipeline in execution order.
func (w *FileWorker) Analyzers() []core.Analyzer {
	return w.analyzers
}

// ProcessFile runs every analyzer that applies to the file. Syntax analyzers
// are skipped when the file has no parsed unit. The first error aborts the
// file; whatever the context holds at that point must be discarded.
func (w *FileWorker) ProcessFile(ctx context.Context, actx *core.AnalysisContext) error {
	for _, a := range w.analyzers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if a.Type() == core.TypeSyntax && actx.Unit == nil {
			continue
		}
		if err := a.Analyze(ctx, actx); err != nil {
			return fmt.Errorf("analyzer '%s' failed on %s: %w", a.Name(), actx.Path, err)
		}
	}
	return nil
}
