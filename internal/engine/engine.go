// Package engine drives a run: it fans files out to a bounded worker pool,
// runs the analyzer pipeline per file and commits each file's findings to the
// aggregator.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/rulescope/internal/analysis/core"
	"github.com/xkilldash9x/rulescope/internal/analysis/scanners"
	"github.com/xkilldash9x/rulescope/internal/cache"
	"github.com/xkilldash9x/rulescope/internal/config"
	"github.com/xkilldash9x/rulescope/internal/findings"
	"github.com/xkilldash9x/rulescope/internal/rules"
	"github.com/xkilldash9x/rulescope/internal/worker"
)

// Skip reasons recorded in the manifest.
const (
	ReasonCancelled = "cancelled"
	ReasonTimeout   = "timeout"
	ReasonTooLarge  = "file exceeds size limit"
)

// Worker runs the analyzer pipeline over one file.
type Worker interface {
	ProcessFile(ctx context.Context, actx *core.AnalysisContext) error
}

// Engine is safe to reuse across runs but runs are not meant to overlap.
type Engine struct {
	cfg      config.Interface
	corpus   *rules.Corpus
	frontend core.Frontend
	logger   *zap.Logger

	worker  Worker
	cache   *cache.Cache
	metrics *Metrics
	runID   func() string

	policyDigest string
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorker replaces the pipeline built from the configuration.
func WithWorker(w Worker) Option {
	return func(e *Engine) { e.worker = w }
}

// WithCache enables the result cache.
func WithCache(c *cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithMetrics enables run metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRunID fixes the run identifier, which is otherwise a random UUID.
func WithRunID(id string) Option {
	return func(e *Engine) { e.runID = func() string { return id } }
}

// New validates its dependencies and builds the default pipeline unless one
// is injected.
func New(cfg config.Interface, corpus *rules.Corpus, frontend core.Frontend, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if corpus == nil {
		return nil, errors.New("corpus cannot be nil")
	}
	if frontend == nil {
		return nil, errors.New("frontend cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		cfg:      cfg,
		corpus:   corpus,
		frontend: frontend,
		logger:   logger.Named("engine"),
		runID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.worker == nil {
		w, err := worker.New(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build analyzer pipeline: %w", err)
		}
		e.worker = w
	}

	a := cfg.Analysis()
	e.policyDigest = fmt.Sprintf("%s|%s|%d|%d|%t|%+v", a.SanitizerPolicy, a.UnknownAtSink, a.TaintFlowScore, a.MaxProvenance, a.StrictSyntax, cfg.Scanners())
	return e, nil
}

func (e *Engine) findingOptions() findings.Options {
	return findings.Options{
		TaintFlowScore: e.cfg.Analysis().TaintFlowScore,
		MinScore:       e.cfg.Report().MinScore,
	}
}

// Run analyses every path of the inventory. The returned result set always
// carries the manifest; on cancellation it holds the files committed so far
// and the error is the context's.
func (e *Engine) Run(ctx context.Context, inventory []string) (*findings.ResultSet, error) {
	runID := e.runID()
	logger := e.logger.With(zap.String("run_id", runID))
	concurrency := e.cfg.Engine().WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	logger.Info("Starting run.", zap.Int("files", len(inventory)), zap.Int("concurrency", concurrency))
	started := time.Now()

	agg := findings.NewAggregator(e.findingOptions())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, path := range inventory {
		if gctx.Err() != nil {
			for _, p := range inventory[i:] {
				agg.Skip(p, ReasonCancelled)
			}
			break
		}
		g.Go(func() error {
			e.processFile(gctx, path, agg, logger)
			return nil
		})
	}
	// Workers report through the aggregator and always return nil.
	_ = g.Wait()

	rs := agg.Result(runID, e.corpus)
	if e.metrics != nil {
		e.metrics.ObserveRun(rs, time.Since(started))
	}
	if err := ctx.Err(); err != nil {
		rs.Manifest.Cancelled = true
		logger.Warn("Run cancelled.", zap.Int("findings", len(rs.Findings)), zap.Error(err))
		return rs, err
	}
	logger.Info("Run finished.",
		zap.Int("findings", len(rs.Findings)),
		zap.Int("skipped", len(rs.Manifest.Skipped)),
		zap.Int("cache_hits", rs.Manifest.CacheHits),
		zap.Duration("duration", time.Since(started)))
	return rs, nil
}

// processFile commits all findings of the file or none of them.
func (e *Engine) processFile(ctx context.Context, path string, agg *findings.Aggregator, logger *zap.Logger) {
	started := time.Now()
	outcome := e.analyzePath(ctx, path, agg, logger)
	if e.metrics != nil {
		e.metrics.ObserveFile(outcome, time.Since(started))
	}
}

func (e *Engine) analyzePath(ctx context.Context, path string, agg *findings.Aggregator, logger *zap.Logger) string {
	if ctx.Err() != nil {
		agg.Skip(path, ReasonCancelled)
		return OutcomeSkipped
	}

	rec, content, err := e.read(path)
	if err != nil {
		logger.Warn("Skipping unreadable file.", zap.String("file", path), zap.Error(err))
		agg.Skip(path, err.Error())
		return OutcomeSkipped
	}

	var key []byte
	if e.cache != nil && rec.SHA256 != "" {
		key = cache.Key(path, rec.SHA256, e.corpus.Digest(), e.policyDigest)
		fs, ok, err := e.cache.Get(key)
		if err != nil {
			logger.Warn("Cache lookup failed.", zap.String("file", path), zap.Error(err))
		} else if ok {
			rec.CacheHit = true
			agg.Record(rec)
			agg.Add(path, fs)
			return OutcomeCached
		}
	}

	fileCtx := ctx
	if timeout := e.cfg.Engine().FileTimeout; timeout > 0 {
		var cancel context.CancelFunc
		fileCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	fs, err := e.analyzeContent(fileCtx, path, content)
	if err != nil {
		reason := err.Error()
		switch {
		case ctx.Err() != nil:
			reason = ReasonCancelled
		case errors.Is(err, context.DeadlineExceeded):
			reason = ReasonTimeout
		}
		var perr *core.ParseError
		if errors.As(err, &perr) && ctx.Err() == nil {
			logger.Warn("Skipping file that failed to parse.", zap.String("file", path), zap.Error(err))
		} else {
			logger.Debug("File abandoned.", zap.String("file", path), zap.String("reason", reason))
		}
		agg.Skip(path, reason)
		return OutcomeSkipped
	}

	agg.Record(rec)
	agg.Add(path, fs)
	if key != nil {
		if err := e.cache.Put(key, fs); err != nil {
			logger.Warn("Cache write failed.", zap.String("file", path), zap.Error(err))
		}
	}
	logger.Debug("File analysed.", zap.String("file", path), zap.Int("findings", len(fs)))
	return OutcomeAnalyzed
}

// read loads the file when some stage needs its bytes. Other files are only
// stat'ed; their path alone is analysed.
func (e *Engine) read(path string) (findings.FileRecord, []byte, error) {
	rec := findings.FileRecord{Path: path}
	info, err := os.Stat(path)
	if err != nil {
		return rec, nil, err
	}
	if info.IsDir() {
		return rec, nil, fmt.Errorf("%s is a directory", path)
	}
	rec.Size = info.Size()
	if !e.frontend.Accepts(path) && !scanners.IsRequirementsFile(path) {
		return rec, nil, nil
	}
	if limit := e.cfg.Engine().MaxFileSize; limit > 0 && rec.Size > limit {
		return rec, nil, errors.New(ReasonTooLarge)
	}

	f, err := os.Open(path)
	if err != nil {
		return rec, nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return rec, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	sum := sha256.Sum256(content)
	rec.SHA256 = hex.EncodeToString(sum[:])
	return rec, content, nil
}

func (e *Engine) analyzeContent(ctx context.Context, path string, content []byte) ([]core.Finding, error) {
	if content == nil || !e.frontend.Accepts(path) {
		return e.runPipeline(ctx, &core.AnalysisContext{Path: path, Content: content})
	}
	unit, err := e.frontend.Parse(ctx, path, content)
	if err != nil {
		return nil, err
	}
	defer unit.Close()
	return e.AnalyzeFile(ctx, path, unit)
}

// AnalyzeFile runs the pipeline over an already parsed file and returns its
// findings, not yet deduplicated across files.
func (e *Engine) AnalyzeFile(ctx context.Context, path string, unit core.Unit) ([]core.Finding, error) {
	return e.runPipeline(ctx, &core.AnalysisContext{Path: path, Content: unit.Source(), Unit: unit})
}

func (e *Engine) runPipeline(ctx context.Context, actx *core.AnalysisContext) ([]core.Finding, error) {
	actx.Corpus = e.corpus
	actx.Logger = e.logger.With(zap.String("file", actx.Path))
	if err := e.worker.ProcessFile(ctx, actx); err != nil {
		return nil, err
	}
	fs := findings.Build(e.corpus, actx.Sites, actx.Flows, e.findingOptions())
	return append(fs, actx.Findings...), nil
}

// ScanFilePath applies only the file rules to a path.
func (e *Engine) ScanFilePath(path string) []core.Finding {
	return scanners.ScanFilePath(path, e.corpus)
}
