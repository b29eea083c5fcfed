package engine_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/rulescope/internal/analysis/core"
	"github.com/xkilldash9x/rulescope/internal/analysis/static/python"
	"github.com/xkilldash9x/rulescope/internal/cache"
	"github.com/xkilldash9x/rulescope/internal/config"
	"github.com/xkilldash9x/rulescope/internal/engine"
	"github.com/xkilldash9x/rulescope/internal/findings"
	"github.com/xkilldash9x/rulescope/internal/rules"
	"github.com/xkilldash9x/rulescope/internal/worker"
)

var ignoreNodes = cmp.Options{
	cmpopts.IgnoreFields(core.MatchSite{}, "Node"),
	cmpopts.IgnoreFields(core.Argument{}, "Node"),
}

// project lays out a small repository and returns its root.
func project(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"app.py":           "import os\nos.system(input())\n",
		"fetch.py":         "import requests\nrequests.get(\"https://example.com/x\")\n",
		"clean.py":         "print('hello')\n",
		".pypirc":          "[pypi]\n",
		"requirements.txt": "requests\njinja3==1.0\n",
		"docs/notes.md":    "nothing here\n",
		".git/config":      "[core]\n",
		"venv/lib/site.py": "import os\nos.system(input())\n",
	}
	for name, content := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func newEngine(t *testing.T, cfg *config.Config, opts ...engine.Option) *engine.Engine {
	t.Helper()
	corpus, err := rules.LoadDefault(rules.Options{})
	require.NoError(t, err)
	e, err := engine.New(cfg, corpus, python.New(), zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return e
}

func ruleIDs(rs *findings.ResultSet) []string {
	var ids []string
	for _, f := range rs.Findings {
		ids = append(ids, filepath.Base(f.Location.File)+":"+f.RuleID)
	}
	return ids
}

func TestInventory(t *testing.T) {
	root := project(t)
	inv, err := engine.Inventory([]string{root, filepath.Join(root, "app.py")})
	require.NoError(t, err)

	var rel []string
	for _, p := range inv {
		r, err := filepath.Rel(root, p)
		require.NoError(t, err)
		rel = append(rel, filepath.ToSlash(r))
	}
	assert.Equal(t, []string{".pypirc", "app.py", "clean.py", "docs/notes.md", "fetch.py", "requirements.txt"}, rel)

	_, err = engine.Inventory([]string{filepath.Join(root, "missing")})
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := project(t)
	inv, err := engine.Inventory([]string{root})
	require.NoError(t, err)

	e := newEngine(t, config.NewDefaultConfig(), engine.WithRunID("run-1"))
	rs, err := e.Run(context.Background(), inv)
	require.NoError(t, err)

	assert.Equal(t, "run-1", rs.RunID)
	assert.Equal(t, []string{".pypirc:pypirc", "app.py:os_system", "fetch.py:url", "requirements.txt:typosquatting"}, ruleIDs(rs))
	assert.Empty(t, rs.Manifest.Skipped)
	assert.Len(t, rs.Manifest.Files, len(inv))
	assert.False(t, rs.Manifest.Cancelled)

	for _, rec := range rs.Manifest.Files {
		switch filepath.Base(rec.Path) {
		case "app.py", "requirements.txt":
			assert.Len(t, rec.SHA256, 64, rec.Path)
		case ".pypirc", "notes.md":
			assert.Empty(t, rec.SHA256, "path-only files are not read")
		}
	}

	app := rs.Findings[1]
	assert.Equal(t, 50, app.Score)
	assert.Equal(t, []string{"system_execution"}, app.Tags)
	assert.Equal(t, core.KindTaint, app.Kind)
}

func TestRun_DeterministicAcrossConcurrency(t *testing.T) {
	root := project(t)
	inv, err := engine.Inventory([]string{root})
	require.NoError(t, err)

	results := make([]*findings.ResultSet, 0, 3)
	for _, workers := range []int{1, 4, 16} {
		cfg := config.NewDefaultConfig()
		cfg.SetEngineWorkerConcurrency(workers)
		rs, err := newEngine(t, cfg, engine.WithRunID("fixed")).Run(context.Background(), inv)
		require.NoError(t, err)
		results = append(results, rs)
	}
	for _, rs := range results[1:] {
		if diff := cmp.Diff(results[0], rs, ignoreNodes); diff != "" {
			t.Fatalf("result depends on concurrency (-serial +parallel):\n%s", diff)
		}
	}
}

func TestRun_SkipsBrokenFiles(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	bad := filepath.Join(root, "latin1.py")
	require.NoError(t, os.WriteFile(bad, []byte("x = '\xff'\n"), 0o644))
	good := filepath.Join(root, "ok.py")
	require.NoError(t, os.WriteFile(good, []byte("eval(input())\n"), 0o644))
	missing := filepath.Join(root, "gone.py")

	rs, err := newEngine(t, config.NewDefaultConfig()).Run(context.Background(), []string{bad, good, missing})
	require.NoError(t, err)

	require.Len(t, rs.Findings, 1)
	assert.Equal(t, "code_execution", rs.Findings[0].RuleID)

	var skipped []string
	for _, s := range rs.Manifest.Skipped {
		skipped = append(skipped, filepath.Base(s.Path))
		assert.NotEmpty(t, s.Reason)
	}
	sort.Strings(skipped)
	assert.Equal(t, []string{"gone.py", "latin1.py"}, skipped)
	require.Len(t, rs.Manifest.Files, 1)
	assert.Equal(t, good, rs.Manifest.Files[0].Path)
}

func TestRun_SyntaxErrorsWarnOnce(t *testing.T) {
	obsCore, logs := observer.New(zap.WarnLevel)
	logger := zap.New(obsCore)

	root := t.TempDir()
	broken := filepath.Join(root, "broken.py")
	require.NoError(t, os.WriteFile(broken, []byte("import os\ndef broken(:\n    pass\nos.system(input())\n"), 0o644))

	corpus, err := rules.LoadDefault(rules.Options{})
	require.NoError(t, err)
	e, err := engine.New(config.NewDefaultConfig(), corpus, python.New(python.WithLogger(logger)), logger)
	require.NoError(t, err)

	rs, err := e.Run(context.Background(), []string{broken})
	require.NoError(t, err)
	assert.Empty(t, rs.Manifest.Skipped, "recoverable files are analysed")
	assert.Equal(t, 1, logs.FilterField(zap.String("file", broken)).Len())
}

// explodingWorker runs the real pipeline and then fails for one file, after
// that file's analyzers have already produced results.
type explodingWorker struct {
	next engine.Worker
	file string
}

func (w explodingWorker) ProcessFile(ctx context.Context, actx *core.AnalysisContext) error {
	if err := w.next.ProcessFile(ctx, actx); err != nil {
		return err
	}
	if filepath.Base(actx.Path) == w.file {
		return errors.New("stage exploded")
	}
	return nil
}

func TestRun_FileResultsAreAllOrNothing(t *testing.T) {
	root := project(t)
	inv, err := engine.Inventory([]string{root})
	require.NoError(t, err)

	cfg := config.NewDefaultConfig()
	pipeline, err := worker.New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	e := newEngine(t, cfg, engine.WithWorker(explodingWorker{next: pipeline, file: "app.py"}))
	rs, err := e.Run(context.Background(), inv)
	require.NoError(t, err)

	assert.Equal(t, []string{".pypirc:pypirc", "fetch.py:url", "requirements.txt:typosquatting"}, ruleIDs(rs))
	require.Len(t, rs.Manifest.Skipped, 1)
	assert.Equal(t, "app.py", filepath.Base(rs.Manifest.Skipped[0].Path))
	assert.Contains(t, rs.Manifest.Skipped[0].Reason, "stage exploded")
}

func TestRun_Cancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := project(t)
	inv, err := engine.Inventory([]string{root})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rs, err := newEngine(t, config.NewDefaultConfig()).Run(ctx, inv)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, rs, "the manifest is returned even for cancelled runs")
	assert.True(t, rs.Manifest.Cancelled)
	assert.Empty(t, rs.Findings)
	assert.Len(t, rs.Manifest.Skipped, len(inv))
	for _, s := range rs.Manifest.Skipped {
		assert.Equal(t, engine.ReasonCancelled, s.Reason)
	}
}

func TestRun_Cache(t *testing.T) {
	root := project(t)
	inv, err := engine.Inventory([]string{root})
	require.NoError(t, err)

	c, err := cache.Open(cache.Options{InMemory: true})
	require.NoError(t, err)
	defer c.Close()

	e := newEngine(t, config.NewDefaultConfig(), engine.WithCache(c), engine.WithRunID("cached"))
	first, err := e.Run(context.Background(), inv)
	require.NoError(t, err)
	assert.Zero(t, first.Manifest.CacheHits)

	second, err := e.Run(context.Background(), inv)
	require.NoError(t, err)
	// Only files whose content was read are cached: the python sources and
	// the requirements file.
	assert.Equal(t, 4, second.Manifest.CacheHits)
	assert.Empty(t, cmp.Diff(first.Findings, second.Findings, ignoreNodes))

	// A changed file misses.
	require.NoError(t, os.WriteFile(filepath.Join(root, "clean.py"), []byte("eval('1')\n"), 0o644))
	third, err := e.Run(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, 3, third.Manifest.CacheHits)
	assert.Contains(t, ruleIDs(third), "clean.py:code_execution")
}

func TestRun_Metrics(t *testing.T) {
	root := project(t)
	inv, err := engine.Inventory([]string{root})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := engine.NewMetrics(reg)
	_, err = newEngine(t, config.NewDefaultConfig(), engine.WithMetrics(m)).Run(context.Background(), inv)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "rulescope.prom")
	require.NoError(t, m.WriteTextfile(path))
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(body), fmt.Sprintf("rulescope_files_total{outcome=%q} %d", engine.OutcomeAnalyzed, len(inv)))
	assert.Contains(t, string(body), "rulescope_run_score")
}

func TestAnalyzeFileAndScanFilePath(t *testing.T) {
	e := newEngine(t, config.NewDefaultConfig())

	src := "import os\nos.system(input())\n"
	unit, err := python.New().Parse(context.Background(), "svc/app.py", []byte(src))
	require.NoError(t, err)
	defer unit.Close()

	fs, err := e.AnalyzeFile(context.Background(), "svc/app.py", unit)
	require.NoError(t, err)
	require.Len(t, fs, 1)
	assert.Equal(t, "os_system", fs[0].RuleID)
	assert.Equal(t, "svc/app.py", fs[0].Location.File)

	hits := e.ScanFilePath("home/user/.pypirc")
	require.Len(t, hits, 1)
	assert.ElementsMatch(t, []string{"sensitive_file", "pypirc"}, hits[0].Tags)
}

func TestNew_Validates(t *testing.T) {
	corpus, err := rules.LoadDefault(rules.Options{})
	require.NoError(t, err)

	_, err = engine.New(nil, corpus, python.New(), nil)
	assert.Error(t, err)
	_, err = engine.New(config.NewDefaultConfig(), nil, python.New(), nil)
	assert.Error(t, err)
	_, err = engine.New(config.NewDefaultConfig(), corpus, nil, nil)
	assert.Error(t, err)
}
