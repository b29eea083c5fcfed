package findings

import (
	"sort"
	"sync"

	"github.com/xkilldash9x/rulescope/internal/analysis/core"
	"github.com/xkilldash9x/rulescope/internal/rules"
)

// SkippedFile is a file the run could not analyse.
type SkippedFile struct {
	Path   string `json:"path" yaml:"path"`
	Reason string `json:"reason" yaml:"reason"`
}

// FileRecord describes a file that was analysed.
type FileRecord struct {
	Path     string `json:"path" yaml:"path"`
	SHA256   string `json:"sha256,omitempty" yaml:"sha256,omitempty"`
	Size     int64  `json:"size" yaml:"size"`
	CacheHit bool   `json:"cache_hit,omitempty" yaml:"cache_hit,omitempty"`
}

// Manifest is attached to every result, including failed and cancelled runs.
type Manifest struct {
	RunID         string               `json:"run_id" yaml:"run_id"`
	CorpusDigest  string               `json:"corpus_digest" yaml:"corpus_digest"`
	DisabledRules []rules.DisabledRule `json:"disabled_rules" yaml:"disabled_rules"`
	Skipped       []SkippedFile        `json:"skipped" yaml:"skipped"`
	Files         []FileRecord         `json:"files" yaml:"files"`
	CacheHits     int                  `json:"cache_hits" yaml:"cache_hits"`
	Cancelled     bool                 `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`
}

// Totals sums finding scores. The sum is additive and uncapped: a coarse
// ranking heuristic, not a probability.
type Totals struct {
	File         string `json:"file,omitempty" yaml:"file,omitempty"`
	Score        int    `json:"score" yaml:"score"`
	Findings     int    `json:"findings" yaml:"findings"`
	DistinctTags int    `json:"distinct_tags" yaml:"distinct_tags"`
}

// ResultSet is the structured output of a run.
type ResultSet struct {
	RunID    string         `json:"run_id" yaml:"run_id"`
	Findings []core.Finding `json:"findings" yaml:"findings"`
	// Files is ranked by score, ties broken by distinct tag count.
	Files    []Totals `json:"files" yaml:"files"`
	Total    Totals   `json:"total" yaml:"total"`
	Manifest Manifest `json:"manifest" yaml:"manifest"`
}

// MaxScore is the highest single finding score, used for fail thresholds.
func (r *ResultSet) MaxScore() int {
	best := 0
	for _, f := range r.Findings {
		best = max(best, f.Score)
	}
	return best
}

type dedupKey struct {
	rule   string
	file   string
	line   int
	column int
}

func keyOf(f core.Finding) dedupKey {
	return dedupKey{rule: f.RuleID, file: f.Location.File, line: f.Location.Line, column: f.Location.Column}
}

// Aggregator collects findings from concurrent workers.
type Aggregator struct {
	opts Options

	mu       sync.Mutex
	index    map[dedupKey]int
	findings []core.Finding
	skipped  []SkippedFile
	files    []FileRecord
}

func NewAggregator(opts Options) *Aggregator {
	return &Aggregator{opts: opts, index: make(map[dedupKey]int)}
}

// Add commits every finding of one file at once. Duplicates, within the batch
// or against earlier batches, are merged.
func (a *Aggregator) Add(file string, fs []core.Finding) {
	if len(fs) == 0 {
		return
	}
	batch := make([]core.Finding, len(fs))
	for i, f := range fs {
		if f.Location.File == "" {
			f.Location.File = file
		}
		f.Tags = append([]string(nil), f.Tags...)
		f.Provenance = detach(f.Provenance)
		batch[i] = f
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, f := range batch {
		k := keyOf(f)
		if i, dup := a.index[k]; dup {
			a.findings[i] = merge(a.findings[i], f)
			continue
		}
		a.index[k] = len(a.findings)
		a.findings = append(a.findings, f)
	}
}

// Skip records a file that produced no results.
func (a *Aggregator) Skip(path, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.skipped = append(a.skipped, SkippedFile{Path: path, Reason: reason})
}

// Record adds a file to the manifest.
func (a *Aggregator) Record(rec FileRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files = append(a.files, rec)
}

// merge combines two findings for the same rule and location. It is
// commutative on everything but message, where taint evidence wins.
func merge(a, b core.Finding) core.Finding {
	out := a
	if b.Kind == core.KindTaint && a.Kind != core.KindTaint {
		out = b
	}
	out.Tags = tagSet(a.Tags, b.Tags)
	out.Score = max(a.Score, b.Score)
	out.Confidence = max(a.Confidence, b.Confidence)
	if len(b.Provenance) > len(out.Provenance) {
		out.Provenance = b.Provenance
	}
	if len(a.Provenance) > len(out.Provenance) {
		out.Provenance = a.Provenance
	}
	out.Taint = worse(a.Taint, b.Taint)
	return out
}

func worse(a, b *core.TaintLevel) *core.TaintLevel {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *b == core.Tainted:
		return b
	default:
		return a
	}
}

// Result finalises, filters and orders the collected findings.
func (a *Aggregator) Result(runID string, corpus *rules.Corpus) *ResultSet {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]core.Finding, 0, len(a.findings))
	for _, f := range a.findings {
		if f.Score < a.opts.MinScore {
			continue
		}
		finalize(&f)
		out = append(out, f)
	}
	Sort(out)

	rs := &ResultSet{
		RunID:    runID,
		Findings: out,
		Manifest: Manifest{
			RunID:         runID,
			DisabledRules: []rules.DisabledRule{},
			Skipped:       append([]SkippedFile{}, a.skipped...),
			Files:         append([]FileRecord{}, a.files...),
		},
	}
	if corpus != nil {
		rs.Manifest.CorpusDigest = corpus.Digest()
		rs.Manifest.DisabledRules = append(rs.Manifest.DisabledRules, corpus.Disabled()...)
	}
	skipped := rs.Manifest.Skipped
	sort.Slice(skipped, func(i, j int) bool {
		if skipped[i].Path != skipped[j].Path {
			return skipped[i].Path < skipped[j].Path
		}
		return skipped[i].Reason < skipped[j].Reason
	})
	sort.SliceStable(rs.Manifest.Files, func(i, j int) bool { return rs.Manifest.Files[i].Path < rs.Manifest.Files[j].Path })
	for _, rec := range rs.Manifest.Files {
		if rec.CacheHit {
			rs.Manifest.CacheHits++
		}
	}
	rs.Files, rs.Total = totals(out)
	return rs
}

func totals(fs []core.Finding) ([]Totals, Totals) {
	perFile := make(map[string]*Totals)
	tagsByFile := make(map[string][][]string)
	var allTags [][]string
	run := Totals{}
	for _, f := range fs {
		t, ok := perFile[f.Location.File]
		if !ok {
			t = &Totals{File: f.Location.File}
			perFile[f.Location.File] = t
		}
		t.Score += f.Score
		t.Findings++
		tagsByFile[f.Location.File] = append(tagsByFile[f.Location.File], f.Tags)
		allTags = append(allTags, f.Tags)
		run.Score += f.Score
		run.Findings++
	}
	run.DistinctTags = len(tagSet(allTags...))

	files := make([]Totals, 0, len(perFile))
	for file, t := range perFile {
		t.DistinctTags = len(tagSet(tagsByFile[file]...))
		files = append(files, *t)
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].Score != files[j].Score {
			return files[i].Score > files[j].Score
		}
		if files[i].DistinctTags != files[j].DistinctTags {
			return files[i].DistinctTags > files[j].DistinctTags
		}
		return files[i].File < files[j].File
	})
	return files, run
}
