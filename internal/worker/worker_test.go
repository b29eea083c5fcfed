package worker_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/rulescope/internal/analysis/core"
	"github.com/xkilldash9x/rulescope/internal/config"
	"github.com/xkilldash9x/rulescope/internal/mocks"
	"github.com/xkilldash9x/rulescope/internal/worker"
)

func names(w *worker.FileWorker) []string {
	var out []string
	for _, a := range w.Analyzers() {
		out = append(out, a.Name())
	}
	return out
}

func TestNew_DefaultPipeline(t *testing.T) {
	cfg := config.NewDefaultConfig()
	w, err := worker.New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"taint", "file_scanner", "string_scanner", "typosquatting"}, names(w))
}

func TestNew_ScannersDisabled(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.ScannersCfg.Files = false
	cfg.ScannersCfg.Strings = false
	cfg.ScannersCfg.Typos.Enabled = false

	w, err := worker.New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"taint"}, names(w))
}

func TestNew_MissingPopularList(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.ScannersCfg.Typos.PopularFile = filepath.Join(t.TempDir(), "missing.txt")

	_, err := worker.New(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestNew_ReadsOnlyAnalysisAndScanners(t *testing.T) {
	cfg := new(mocks.MockConfig)
	cfg.On("Analysis").Return(config.AnalysisConfig{
		SanitizerPolicy: config.SanitizerDistrust,
		UnknownAtSink:   config.UnknownAsTainted,
		MaxProvenance:   4,
	}).Once()
	cfg.On("Scanners").Return(config.ScannersConfig{Strings: true}).Once()

	w, err := worker.New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"taint", "string_scanner"}, names(w))
	cfg.AssertExpectations(t)
}

func TestNew_InjectedAnalyzersIgnoreConfig(t *testing.T) {
	// Any getter call on the bare mock would panic.
	cfg := new(mocks.MockConfig)
	a := new(mocks.MockAnalyzer)
	a.On("Name").Return("only").Maybe()

	w, err := worker.New(cfg, zaptest.NewLogger(t), worker.WithAnalyzers(a))
	require.NoError(t, err)
	assert.Len(t, w.Analyzers(), 1)
	cfg.AssertNotCalled(t, "Analysis")
}

func TestProcessFile_RunsStagesInOrder(t *testing.T) {
	var order []string
	stage := func(name string, typ core.AnalyzerType) *mocks.MockAnalyzer {
		m := new(mocks.MockAnalyzer)
		m.On("Type").Return(typ)
		m.On("Name").Return(name).Maybe()
		m.On("Analyze", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
			order = append(order, name)
		}).Return(nil).Maybe()
		return m
	}
	path := stage("path", core.TypePath)
	syntax := stage("syntax", core.TypeSyntax)
	content := stage("content", core.TypeContent)

	w, err := worker.New(nil, zaptest.NewLogger(t), worker.WithAnalyzers(path, syntax, content))
	require.NoError(t, err)

	actx := &core.AnalysisContext{Path: "data.bin"}
	require.NoError(t, w.ProcessFile(context.Background(), actx))
	assert.Equal(t, []string{"path", "content"}, order, "syntax stages need a parsed unit")
	syntax.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything)
}

func TestProcessFile_StopsOnError(t *testing.T) {
	failing := new(mocks.MockAnalyzer)
	failing.On("Type").Return(core.TypePath)
	failing.On("Name").Return("broken")
	failing.On("Analyze", mock.Anything, mock.Anything).Return(errors.New("boom"))

	after := new(mocks.MockAnalyzer)

	w, err := worker.New(nil, zaptest.NewLogger(t), worker.WithAnalyzers(failing, after))
	require.NoError(t, err)

	err = w.ProcessFile(context.Background(), &core.AnalysisContext{Path: "a.py"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analyzer 'broken' failed on a.py")
	after.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything)
}

func TestProcessFile_Cancelled(t *testing.T) {
	stage := new(mocks.MockAnalyzer)
	w, err := worker.New(nil, zaptest.NewLogger(t), worker.WithAnalyzers(stage))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = w.ProcessFile(ctx, &core.AnalysisContext{Path: "a.py"})
	assert.ErrorIs(t, err, context.Canceled)
	stage.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything)
}
