package rules

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	NamespacePatterns = "patterns"
	NamespaceFiles    = "files"
	NamespaceStrings  = "strings"
)

//go:embed signatures.yaml
var defaultCorpus []byte

// Options tune corpus loading.
type Options struct {
	// Strict turns an uncompilable pattern into a fatal
	// CorpusError{ErrInvalidPatternSyntax} instead of disabling the rule.
	Strict bool
	Logger *zap.Logger
}

type document struct {
	Patterns []*Rule       `yaml:"patterns"`
	Files    []*FileRule   `yaml:"files"`
	Strings  []*StringRule `yaml:"strings"`
}

// LoadDefault loads the built-in corpus.
func LoadDefault(opts Options) (*Corpus, error) {
	return LoadBytes(defaultCorpus, opts)
}

// LoadFile reads and loads a corpus from disk.
func LoadFile(path string, opts Options) (*Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus %s: %w", path, err)
	}
	return LoadBytes(data, opts)
}

// Load reads a YAML (or JSON) corpus document from r.
func Load(r io.Reader, opts Options) (*Corpus, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus: %w", err)
	}
	return LoadBytes(data, opts)
}

// LoadBytes parses and validates a corpus document. Unknown fields are ignored.
func LoadBytes(data []byte, opts Options) (*Corpus, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("corpus")

	var doc document
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, &CorpusError{Kind: ErrMalformedSyntax, Index: -1, Err: err}
	}

	sum := sha256.Sum256(data)
	l := &loader{corpus: newCorpus(hex.EncodeToString(sum[:])), strict: opts.Strict, logger: logger}

	if err := l.loadPatterns(doc.Patterns); err != nil {
		return nil, err
	}
	if err := l.loadFiles(doc.Files); err != nil {
		return nil, err
	}
	if err := l.loadStrings(doc.Strings); err != nil {
		return nil, err
	}

	logger.Debug("Corpus loaded.",
		zap.Int("patterns", len(l.corpus.patterns)),
		zap.Int("files", len(l.corpus.files)),
		zap.Int("strings", len(l.corpus.strings)),
		zap.Int("disabled", len(l.corpus.disabled)),
	)
	return l.corpus, nil
}

type loader struct {
	corpus *Corpus
	strict bool
	logger *zap.Logger
}

// ids tracks uniqueness within one namespace.
type ids map[string]int

func (seen ids) claim(namespace string, index int, id string) error {
	if id == "" {
		return nil
	}
	if first, dup := seen[id]; dup {
		return &CorpusError{
			Kind:      ErrDuplicateID,
			Namespace: namespace,
			Index:     index,
			RuleID:    id,
			Err:       fmt.Errorf("first declared at %s[%d]", namespace, first),
		}
	}
	seen[id] = index
	return nil
}

func ruleKey(namespace string, index int, id string) string {
	if id != "" {
		return id
	}
	return fmt.Sprintf("%s#%d", namespace, index)
}

// reject handles a pattern that failed to compile: fatal when strict,
// otherwise the rule is disabled and recorded.
func (l *loader) reject(namespace string, index int, id string, perr *PatternSyntaxError) error {
	if l.strict {
		return &CorpusError{Kind: ErrInvalidPatternSyntax, Namespace: namespace, Index: index, RuleID: id, Err: perr}
	}
	l.logger.Warn("Disabling rule with invalid pattern.",
		zap.String("namespace", namespace),
		zap.Int("index", index),
		zap.String("id", id),
		zap.Error(perr),
	)
	l.corpus.disabled = append(l.corpus.disabled, DisabledRule{
		Namespace: namespace,
		Index:     index,
		ID:        id,
		Pattern:   perr.Pattern,
		Reason:    perr.Error(),
	})
	return nil
}

func (l *loader) loadPatterns(rules []*Rule) error {
	seen := ids{}
	for i, r := range rules {
		if r == nil || len(r.Patterns) == 0 {
			id := ""
			if r != nil {
				id = r.ID
			}
			return &CorpusError{Kind: ErrMalformedSyntax, Namespace: NamespacePatterns, Index: i, RuleID: id, Err: errors.New("missing required field `pattern`")}
		}
		if err := seen.claim(NamespacePatterns, i, r.ID); err != nil {
			return err
		}

		alternatives := make([]Pattern, 0, len(r.Patterns))
		var perr *PatternSyntaxError
		for _, raw := range r.Patterns {
			p, err := ParsePattern(raw)
			if err != nil {
				errors.As(err, &perr)
				break
			}
			alternatives = append(alternatives, p)
		}
		if perr != nil {
			if err := l.reject(NamespacePatterns, i, r.ID, perr); err != nil {
				return err
			}
			continue
		}

		r.Key = ruleKey(NamespacePatterns, i, r.ID)
		r.Alternatives = alternatives
		r.Tags = normalizeTags(r.Tags)
		l.corpus.addRule(r)
	}
	return nil
}

func (l *loader) loadFiles(rules []*FileRule) error {
	seen := ids{}
	for i, f := range rules {
		if f == nil || f.Pattern == "" {
			return &CorpusError{Kind: ErrMalformedSyntax, Namespace: NamespaceFiles, Index: i, Err: errors.New("missing required field `pattern`")}
		}
		if err := seen.claim(NamespaceFiles, i, f.ID); err != nil {
			return err
		}
		if f.Target == "" {
			f.Target = TargetFilename
		}
		if f.Type == "" {
			f.Type = ModeExact
		}
		if f.Target != TargetFilename && f.Target != TargetPart {
			return &CorpusError{Kind: ErrMalformedSyntax, Namespace: NamespaceFiles, Index: i, RuleID: f.ID, Err: fmt.Errorf("unknown target %q", f.Target)}
		}

		re, perr, err := compileMode(f.Type, f.Pattern)
		if err != nil {
			return &CorpusError{Kind: ErrMalformedSyntax, Namespace: NamespaceFiles, Index: i, RuleID: f.ID, Err: err}
		}
		if perr != nil {
			if err := l.reject(NamespaceFiles, i, f.ID, perr); err != nil {
				return err
			}
			continue
		}

		f.re = re
		f.Key = ruleKey(NamespaceFiles, i, f.ID)
		f.Tags = normalizeTags(f.Tags)
		l.corpus.files = append(l.corpus.files, f)
	}
	return nil
}

func (l *loader) loadStrings(rules []*StringRule) error {
	seen := ids{}
	for i, s := range rules {
		if s == nil || s.Pattern == "" {
			return &CorpusError{Kind: ErrMalformedSyntax, Namespace: NamespaceStrings, Index: i, Err: errors.New("missing required field `pattern`")}
		}
		if err := seen.claim(NamespaceStrings, i, s.ID); err != nil {
			return err
		}
		if s.Type == "" {
			s.Type = ModeRegex
		}

		re, perr, err := compileMode(s.Type, s.Pattern)
		if err != nil {
			return &CorpusError{Kind: ErrMalformedSyntax, Namespace: NamespaceStrings, Index: i, RuleID: s.ID, Err: err}
		}
		if perr != nil {
			if err := l.reject(NamespaceStrings, i, s.ID, perr); err != nil {
				return err
			}
			continue
		}

		s.re = re
		s.Key = ruleKey(NamespaceStrings, i, s.ID)
		s.Tags = normalizeTags(s.Tags)
		l.corpus.strings = append(l.corpus.strings, s)
	}
	return nil
}

// compileMode returns a compiled regex for regex mode, nil for exact mode.
// A bad expression is a PatternSyntaxError; an unknown mode is malformed input.
func compileMode(mode, pattern string) (*regexp.Regexp, *PatternSyntaxError, error) {
	switch mode {
	case ModeExact:
		return nil, nil, nil
	case ModeRegex:
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, &PatternSyntaxError{Pattern: pattern, Offset: -1, Reason: err.Error()}, nil
		}
		return re, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown match type %q", mode)
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
