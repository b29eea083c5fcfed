package core

import (
	"context"

	"go.uber.org/zap"
)

// AnalyzerType says what an analyzer needs from the file under analysis.
type AnalyzerType string

const (
	// TypeSyntax analyzers need a parsed Unit.
	TypeSyntax AnalyzerType = "SYNTAX"
	// TypePath analyzers only look at the inventory path.
	TypePath AnalyzerType = "PATH"
	// TypeContent analyzers read raw file bytes without parsing them.
	TypeContent AnalyzerType = "CONTENT"
)

// Analyzer is one stage of the per-file pipeline. Stages run sequentially for
// a file and write their results into the AnalysisContext.
type Analyzer interface {
	Name() string
	Description() string
	Type() AnalyzerType
	Analyze(ctx context.Context, analysisCtx *AnalysisContext) error
}

// BaseAnalyzer carries the boilerplate shared by every stage. Embed it.
type BaseAnalyzer struct {
	name         string
	description  string
	analyzerType AnalyzerType
	Logger       *zap.Logger
}

// NewBaseAnalyzer creates a BaseAnalyzer with a logger named after the stage.
func NewBaseAnalyzer(name, description string, analyzerType AnalyzerType, logger *zap.Logger) *BaseAnalyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BaseAnalyzer{
		name:         name,
		description:  description,
		analyzerType: analyzerType,
		Logger:       logger.Named(name),
	}
}

func (b *BaseAnalyzer) Name() string        { return b.name }
func (b *BaseAnalyzer) Description() string { return b.description }
func (b *BaseAnalyzer) Type() AnalyzerType  { return b.analyzerType }
