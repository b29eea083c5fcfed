package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/rulescope/internal/analysis/core"
	"github.com/xkilldash9x/rulescope/internal/config"
	"github.com/xkilldash9x/rulescope/internal/findings"
	"github.com/xkilldash9x/rulescope/internal/mocks"
)

// executeCommand runs a fresh command tree and captures its output.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("RULESCOPE_LOGGER_LEVEL", "error")
	root := NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

// writeProject lays out a small project with one tainted call and one
// sensitive file.
func writeProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"app.py":  "import os\nos.system(input())\n",
		"ok.py":   "print('hello')\n",
		".pypirc": "[pypi]\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func readResult(t *testing.T, path string) *findings.ResultSet {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rs findings.ResultSet
	require.NoError(t, jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &rs))
	return &rs
}

func ruleIDs(rs *findings.ResultSet) []string {
	var ids []string
	for _, f := range rs.Findings {
		ids = append(ids, f.RuleID)
	}
	sort.Strings(ids)
	return ids
}

// staticProvider hands out a fixed store.
type staticProvider struct {
	store   runStore
	err     error
	cleaned bool
}

func (p *staticProvider) Create(ctx context.Context, cfg config.Interface) (runStore, func(), error) {
	if p.err != nil {
		return nil, nil, p.err
	}
	return p.store, func() { p.cleaned = true }, nil
}

func TestVersion(t *testing.T) {
	out, err := executeCommand(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)

	out, err = executeCommand(t, "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestScanCommand(t *testing.T) {
	dir := writeProject(t)
	out := filepath.Join(t.TempDir(), "report.json")

	_, err := executeCommand(t, "scan", dir, "-o", out, "-f", "json", "-j", "2")
	require.NoError(t, err)

	rs := readResult(t, out)
	assert.Equal(t, []string{"os_system", "pypirc"}, ruleIDs(rs))
	assert.NotEmpty(t, rs.RunID)
	assert.Len(t, rs.Manifest.Files, 3)
	assert.Empty(t, rs.Manifest.Skipped)
}

func TestScanFailScore(t *testing.T) {
	dir := writeProject(t)
	out := filepath.Join(t.TempDir(), "report.json")

	_, err := executeCommand(t, "scan", dir, "-o", out, "--fail-score", "50")
	require.Error(t, err)
	assert.Equal(t, ExitFindings, ExitCode(err))
	assert.FileExists(t, out, "the report is written before failing")

	_, err = executeCommand(t, "scan", dir, "-o", out, "--fail-score", "51")
	assert.NoError(t, err)
}

func TestScanConfigFile(t *testing.T) {
	dir := writeProject(t)
	out := filepath.Join(t.TempDir(), "report.json")
	cfgFile := filepath.Join(t.TempDir(), "rulescope.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("report:\n  min_score: 60\nscanners:\n  files: false\n"), 0o644))

	_, err := executeCommand(t, "-c", cfgFile, "scan", dir, "-o", out)
	require.NoError(t, err)
	assert.Empty(t, readResult(t, out).Findings, "os_system scores 50 and the file scanner is off")

	_, err = executeCommand(t, "-c", cfgFile, "scan", dir, "-o", out, "--min-score", "0")
	require.NoError(t, err)
	assert.Equal(t, []string{"os_system"}, ruleIDs(readResult(t, out)))
}

func TestScanRejectsBadFlags(t *testing.T) {
	dir := writeProject(t)

	_, err := executeCommand(t, "scan", dir, "-f", "xml")
	assert.ErrorContains(t, err, "report.format")

	_, err = executeCommand(t, "scan", dir, "--sanitizer-policy", "maybe")
	assert.ErrorContains(t, err, "invalid configuration")

	_, err = executeCommand(t, "scan")
	assert.Error(t, err, "at least one path is required")

	_, err = executeCommand(t, "-c", filepath.Join(t.TempDir(), "missing.yaml"), "scan", dir)
	assert.ErrorContains(t, err, "failed to initialize configuration")
}

func scanConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.StoreCfg = config.StoreConfig{Enabled: true, URL: "postgres://test"}
	cfg.SetScanConfig(config.ScanConfig{
		Paths:  []string{dir},
		Output: filepath.Join(t.TempDir(), "report.json"),
		Format: "json",
	})
	return cfg
}

func TestRunScanPersists(t *testing.T) {
	dir := writeProject(t)
	cfg := scanConfig(t, dir)

	st := new(mocks.MockStore)
	st.On("PersistRun", mock.Anything, mock.MatchedBy(func(rs *findings.ResultSet) bool {
		return rs.RunID != "" && len(rs.Findings) == 2
	})).Return(nil).Once()
	provider := &staticProvider{store: st}

	require.NoError(t, runScan(context.Background(), zaptest.NewLogger(t), cfg, provider))
	st.AssertExpectations(t)
	assert.True(t, provider.cleaned)
}

func TestRunScanPersistFailure(t *testing.T) {
	dir := writeProject(t)
	cfg := scanConfig(t, dir)

	st := new(mocks.MockStore)
	st.On("PersistRun", mock.Anything, mock.Anything).Return(errors.New("connection reset"))
	err := runScan(context.Background(), zaptest.NewLogger(t), cfg, &staticProvider{store: st})
	assert.ErrorContains(t, err, "connection reset")

	err = runScan(context.Background(), zaptest.NewLogger(t), cfg, &staticProvider{err: errors.New("no database")})
	assert.ErrorContains(t, err, "failed to initialize store")
}

func TestRunScanCancelledWritesPartialReport(t *testing.T) {
	dir := writeProject(t)
	cfg := scanConfig(t, dir)
	st := new(mocks.MockStore)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := runScan(ctx, zaptest.NewLogger(t), cfg, &staticProvider{store: st})
	require.ErrorIs(t, err, context.Canceled)

	rs := readResult(t, cfg.Scan().Output)
	assert.True(t, rs.Manifest.Cancelled)
	st.AssertNotCalled(t, "PersistRun", mock.Anything, mock.Anything)
}

func TestRunScanWithCacheAndMetrics(t *testing.T) {
	dir := writeProject(t)
	cfg := scanConfig(t, dir)
	cfg.StoreCfg.Enabled = false
	cfg.CacheCfg = config.CacheConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "cache")}
	cfg.MetricsCfg.Textfile = filepath.Join(t.TempDir(), "rulescope.prom")

	require.NoError(t, runScan(context.Background(), zaptest.NewLogger(t), cfg, nil))
	require.NoError(t, runScan(context.Background(), zaptest.NewLogger(t), cfg, nil))

	rs := readResult(t, cfg.Scan().Output)
	assert.Equal(t, 2, rs.Manifest.CacheHits, "only files whose content is analysed are cached")
	assert.Equal(t, []string{"os_system", "pypirc"}, ruleIDs(rs))

	metrics, err := os.ReadFile(cfg.MetricsCfg.Textfile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `rulescope_files_total{outcome="cached"} 2`)
}

func TestRunReport(t *testing.T) {
	cfg := config.NewDefaultConfig()
	out := filepath.Join(t.TempDir(), "report.json")
	tainted := core.Tainted

	st := new(mocks.MockStore)
	st.On("FindingsByRun", mock.Anything, "run-7").Return([]core.Finding{
		{RuleID: "os_system", Kind: core.KindTaint, Score: 50, Confidence: 1, Taint: &tainted,
			Location: core.Location{File: "app.py", Line: 2, Column: 1}, Tags: []string{"system_execution"}},
	}, nil)

	require.NoError(t, runReport(context.Background(), zaptest.NewLogger(t), cfg, "run-7", out, "json", &staticProvider{store: st}))
	rs := readResult(t, out)
	assert.Equal(t, "run-7", rs.RunID)
	require.Len(t, rs.Findings, 1)
	assert.Equal(t, core.SeverityHigh, rs.Findings[0].Severity)
	assert.Equal(t, 50, rs.Total.Score)

	st.On("FindingsByRun", mock.Anything, "broken").Return(nil, errors.New("boom"))
	err := runReport(context.Background(), zaptest.NewLogger(t), cfg, "broken", out, "json", &staticProvider{store: st})
	assert.ErrorContains(t, err, "failed to load run broken")
}

func TestReportRequiresRunID(t *testing.T) {
	_, err := executeCommand(t, "report")
	assert.ErrorContains(t, err, "run-id")
}

func TestRunDiff(t *testing.T) {
	cfg := config.NewDefaultConfig()
	finding := func(rule string, line, score int) core.Finding {
		return core.Finding{RuleID: rule, Kind: core.KindPattern, Score: score, Confidence: 1,
			Location: core.Location{File: "app.py", Line: line, Column: 1}}
	}

	st := new(mocks.MockStore)
	st.On("FindingsByRun", mock.Anything, "run-1").Return([]core.Finding{
		finding("os_system", 2, 50), finding("code_execution", 4, 100),
	}, nil)
	st.On("FindingsByRun", mock.Anything, "run-2").Return([]core.Finding{
		finding("os_system", 2, 50), finding("code_execution", 9, 100),
	}, nil)
	provider := &staticProvider{store: st}

	d, err := runDiff(context.Background(), zaptest.NewLogger(t), cfg, "run-1", "run-2", provider)
	require.NoError(t, err)
	assert.True(t, provider.cleaned)
	assert.Equal(t, 1, d.Unchanged)
	require.Len(t, d.Added, 1)
	assert.Equal(t, 9, d.Added[0].Location.Line)
	require.Len(t, d.Removed, 1)
	assert.Equal(t, 4, d.Removed[0].Location.Line)

	var buf bytes.Buffer
	require.NoError(t, writeDiff(&buf, d, "text", ""))
	assert.Contains(t, buf.String(), "run-1..run-2: 1 added, 1 removed, 1 unchanged")

	out := filepath.Join(t.TempDir(), "diff.json")
	require.NoError(t, writeDiff(&buf, d, "json", out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"unchanged": 1`)
	assert.ErrorContains(t, writeDiff(&buf, d, "sarif", ""), "unsupported diff format")

	cfg.ReportCfg.MinScore = 60
	d, err = runDiff(context.Background(), zaptest.NewLogger(t), cfg, "run-1", "run-2", provider)
	require.NoError(t, err)
	assert.Zero(t, d.Unchanged, "findings below min score are ignored")

	st.On("FindingsByRun", mock.Anything, "broken").Return(nil, errors.New("boom"))
	_, err = runDiff(context.Background(), zaptest.NewLogger(t), cfg, "run-1", "broken", provider)
	assert.ErrorContains(t, err, "failed to load run broken")

	_, err = runDiff(context.Background(), zaptest.NewLogger(t), cfg, "run-1", "run-2", &staticProvider{err: errors.New("no database")})
	assert.ErrorContains(t, err, "failed to initialize store")
}

func TestDiffRequiresRuns(t *testing.T) {
	_, err := executeCommand(t, "diff", "--base", "run-1")
	assert.ErrorContains(t, err, "head")
}

func TestParseASTCommand(t *testing.T) {
	file := filepath.Join(t.TempDir(), "app.py")
	require.NoError(t, os.WriteFile(file, []byte("import os\nos.system(input())\n"), 0o644))

	out, err := executeCommand(t, "parse-ast", file)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "(module (import_statement"), out)
	assert.Contains(t, out, "(call ")
	assert.Contains(t, out, "(attribute ")

	_, err = executeCommand(t, "parse-ast", filepath.Join(t.TempDir(), "missing.py"))
	assert.ErrorContains(t, err, "failed to read")

	latin1 := filepath.Join(t.TempDir(), "latin1.py")
	require.NoError(t, os.WriteFile(latin1, []byte("x = '\xff'\n"), 0o644))
	_, err = executeCommand(t, "parse-ast", latin1)
	var perr *core.ParseError
	assert.ErrorAs(t, err, &perr)
}

func TestRulesCommands(t *testing.T) {
	out, err := executeCommand(t, "rules", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "built-in corpus:")

	out, err = executeCommand(t, "rules", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "os_system")
	assert.Contains(t, out, "conditional-sink")
	assert.Contains(t, out, "pypirc")

	corpus := filepath.Join(t.TempDir(), "corpus.yaml")
	require.NoError(t, os.WriteFile(corpus, []byte("patterns:\n  - id: bad\n    pattern: \"os..system(...)\"\n"), 0o644))
	out, err = executeCommand(t, "rules", "validate", corpus)
	require.NoError(t, err)
	assert.Contains(t, out, "disabled patterns#0 bad")

	_, err = executeCommand(t, "rules", "validate", "--strict", corpus)
	assert.Error(t, err)
}

func TestTyposCommand(t *testing.T) {
	out, err := executeCommand(t, "typos", "requests", "jinja3")
	require.Error(t, err)
	assert.Equal(t, ExitFindings, ExitCode(err))
	assert.Contains(t, out, "requests: popular")
	assert.Contains(t, out, "jinja3: resembles jinja2")

	out, err = executeCommand(t, "typos", "requests")
	require.NoError(t, err)
	assert.Contains(t, out, "requests: popular")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitError, ExitCode(errors.New("x")))
	wrapped := &ExitCodeError{Code: ExitFindings, Err: errors.New("score")}
	assert.Equal(t, ExitFindings, ExitCode(wrapped))
	assert.Equal(t, "score", wrapped.Error())
}
