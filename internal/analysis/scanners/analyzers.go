package scanners

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rulescope/internal/analysis/core"
	"github.com/xkilldash9x/rulescope/internal/typos"
)

// PathAnalyzer applies the file rules to the inventory path.
type PathAnalyzer struct {
	*core.BaseAnalyzer
}

func NewPathAnalyzer(logger *zap.Logger) *PathAnalyzer {
	return &PathAnalyzer{
		BaseAnalyzer: core.NewBaseAnalyzer("file_scanner", "Flags sensitive files by name", core.TypePath, logger),
	}
}

func (a *PathAnalyzer) Analyze(_ context.Context, actx *core.AnalysisContext) error {
	for _, f := range ScanFilePath(actx.Path, actx.Corpus) {
		actx.AddFinding(f)
	}
	return nil
}

// StringAnalyzer applies the string rules to every literal of a parsed file.
type StringAnalyzer struct {
	*core.BaseAnalyzer
}

func NewStringAnalyzer(logger *zap.Logger) *StringAnalyzer {
	return &StringAnalyzer{
		BaseAnalyzer: core.NewBaseAnalyzer("string_scanner", "Flags suspicious string literals", core.TypeSyntax, logger),
	}
}

func (a *StringAnalyzer) Analyze(ctx context.Context, actx *core.AnalysisContext) error {
	if actx.Unit == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	literals := actx.Unit.StringLiterals()
	found := ScanStrings(actx.Path, literals, actx.Corpus)
	for _, f := range found {
		actx.AddFinding(f)
	}
	a.Logger.Debug("String scan finished.",
		zap.String("file", actx.Path),
		zap.Int("literals", len(literals)),
		zap.Int("findings", len(found)))
	return nil
}

// RequirementsAnalyzer checks requirements files for typosquatted names.
type RequirementsAnalyzer struct {
	*core.BaseAnalyzer
	checker *typos.Checker
	score   int
}

func NewRequirementsAnalyzer(checker *typos.Checker, score int, logger *zap.Logger) *RequirementsAnalyzer {
	return &RequirementsAnalyzer{
		BaseAnalyzer: core.NewBaseAnalyzer("typosquatting", "Flags dependencies named like popular packages", core.TypeContent, logger),
		checker:      checker,
		score:        score,
	}
}

func (a *RequirementsAnalyzer) Analyze(_ context.Context, actx *core.AnalysisContext) error {
	if !IsRequirementsFile(actx.Path) {
		return nil
	}
	for _, f := range ScanRequirements(actx.Path, actx.Content, a.checker, a.score) {
		a.Logger.Info("Possible typosquatted dependency.",
			zap.String("file", actx.Path),
			zap.Int("line", f.Location.Line),
			zap.String("message", f.Message))
		actx.AddFinding(f)
	}
	return nil
}
