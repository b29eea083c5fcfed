package taint

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rulescope/internal/analysis/core"
)

// Analyzer is the pipeline stage running the pattern match and taint pass.
type Analyzer struct {
	*core.BaseAnalyzer
	policy Policy
}

// NewAnalyzer creates the taint stage.
func NewAnalyzer(policy Policy, logger *zap.Logger) *Analyzer {
	return &Analyzer{
		BaseAnalyzer: core.NewBaseAnalyzer("taint", "Matches pattern rules and propagates taint to sinks", core.TypeSyntax, logger),
		policy:       policy,
	}
}

// Analyze records the sites and flows of the file.
func (a *Analyzer) Analyze(ctx context.Context, actx *core.AnalysisContext) error {
	if actx.Unit == nil {
		return nil
	}
	res, err := Propagate(ctx, actx.Unit, actx.Corpus, a.policy, a.Logger)
	if err != nil {
		return err
	}
	for _, s := range res.Sites {
		actx.AddSite(s)
	}
	for _, f := range res.Flows {
		actx.AddFlow(f)
	}
	a.Logger.Debug("Taint pass finished.",
		zap.String("file", actx.Path),
		zap.Int("sites", len(res.Sites)),
		zap.Int("flows", len(res.Flows)))
	return nil
}
