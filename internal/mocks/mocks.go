// Package mocks holds testify mocks for the interfaces crossing package
// boundaries.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/rulescope/internal/analysis/core"
	"github.com/xkilldash9x/rulescope/internal/config"
	"github.com/xkilldash9x/rulescope/internal/findings"
)

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Engine() config.EngineConfig {
	args := m.Called()
	return args.Get(0).(config.EngineConfig)
}

func (m *MockConfig) Corpus() config.CorpusConfig {
	args := m.Called()
	return args.Get(0).(config.CorpusConfig)
}

func (m *MockConfig) Analysis() config.AnalysisConfig {
	args := m.Called()
	return args.Get(0).(config.AnalysisConfig)
}

func (m *MockConfig) Scanners() config.ScannersConfig {
	args := m.Called()
	return args.Get(0).(config.ScannersConfig)
}

func (m *MockConfig) Report() config.ReportConfig {
	args := m.Called()
	return args.Get(0).(config.ReportConfig)
}

func (m *MockConfig) Cache() config.CacheConfig {
	args := m.Called()
	return args.Get(0).(config.CacheConfig)
}

func (m *MockConfig) Store() config.StoreConfig {
	args := m.Called()
	return args.Get(0).(config.StoreConfig)
}

func (m *MockConfig) Metrics() config.MetricsConfig {
	args := m.Called()
	return args.Get(0).(config.MetricsConfig)
}

func (m *MockConfig) Scan() config.ScanConfig {
	args := m.Called()
	return args.Get(0).(config.ScanConfig)
}

// --- Setters ---

func (m *MockConfig) SetScanConfig(sc config.ScanConfig) {
	m.Called(sc)
}

func (m *MockConfig) SetEngineWorkerConcurrency(w int) {
	m.Called(w)
}

func (m *MockConfig) SetAnalysisSanitizerPolicy(p string) {
	m.Called(p)
}

func (m *MockConfig) SetAnalysisUnknownAtSink(p string) {
	m.Called(p)
}

func (m *MockConfig) SetReportMinScore(s int) {
	m.Called(s)
}

// -- Analyzer Mock --

// MockAnalyzer is a mock implementation of the core.Analyzer interface.
type MockAnalyzer struct {
	mock.Mock
}

func (m *MockAnalyzer) Analyze(ctx context.Context, analysisCtx *core.AnalysisContext) error {
	return m.Called(ctx, analysisCtx).Error(0)
}
func (m *MockAnalyzer) Name() string        { return m.Called().String(0) }
func (m *MockAnalyzer) Description() string { return m.Called().String(0) }

// Type returns the configured type, TypeSyntax when none was set.
func (m *MockAnalyzer) Type() core.AnalyzerType {
	args := m.Called()
	if t, ok := args.Get(0).(core.AnalyzerType); ok {
		return t
	}
	return core.TypeSyntax
}

// -- Store Mock --

// MockStore mocks the run store used by the scan and report commands.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) PersistRun(ctx context.Context, rs *findings.ResultSet) error {
	return m.Called(ctx, rs).Error(0)
}

func (m *MockStore) FindingsByRun(ctx context.Context, runID string) ([]core.Finding, error) {
	args := m.Called(ctx, runID)
	var fs []core.Finding
	if v := args.Get(0); v != nil {
		fs = v.([]core.Finding)
	}
	return fs, args.Error(1)
}
