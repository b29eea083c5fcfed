package rules

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Classification is a taint directive attached to a rule or to one of its
// named parameters.
type Classification string

const (
	ClassSafe    Classification = "safe"
	ClassTainted Classification = "tainted"
	ClassSink    Classification = "sink"
)

func (c Classification) valid() bool {
	switch c {
	case ClassSafe, ClassTainted, ClassSink:
		return true
	}
	return false
}

// AnyParam as a key of TaintSpec.Args applies the classification to every
// parameter of a seeded function.
const AnyParam = "*"

// Detection turns a match into a standalone finding.
type Detection struct {
	Score   int    `yaml:"score" json:"score"`
	Message string `yaml:"message" json:"message,omitempty"`
}

// TaintSpec is either a bare classification or the structured form
// {level, log_message, args, signature}.
type TaintSpec struct {
	Level      Classification            `yaml:"level" json:"level"`
	LogMessage string                    `yaml:"log_message" json:"log_message,omitempty"`
	Args       map[string]Classification `yaml:"args" json:"args,omitempty"`
	// Signature lists the callee's formal parameters in order, so positional
	// arguments can be bound when the callee is not defined in the same file.
	Signature []string `yaml:"signature" json:"signature,omitempty"`
}

// UnmarshalYAML accepts both the scalar and the mapping form.
func (t *TaintSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var level Classification
		if err := node.Decode(&level); err != nil {
			return err
		}
		*t = TaintSpec{Level: level}
		return t.validate()
	}

	type plain TaintSpec
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*t = TaintSpec(p)
	return t.validate()
}

func (t *TaintSpec) validate() error {
	if !t.Level.valid() {
		return fmt.Errorf("unknown taint level %q", t.Level)
	}
	for name, c := range t.Args {
		if !c.valid() {
			return fmt.Errorf("unknown taint classification %q for argument %q", c, name)
		}
	}
	return nil
}

// Seeds reports whether any named parameter is classified as a source or
// sanitized value at function entry.
func (t *TaintSpec) Seeds() bool {
	if t == nil {
		return false
	}
	for _, c := range t.Args {
		if c != ClassSink {
			return true
		}
	}
	return false
}

// SinkParams returns the parameter names explicitly classified as sinks, sorted.
func (t *TaintSpec) SinkParams() []string {
	if t == nil {
		return nil
	}
	var names []string
	for name, c := range t.Args {
		if c == ClassSink {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// PatternList holds the raw alternatives; YAML accepts a string or a list.
type PatternList []string

func (p *PatternList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*p = PatternList{s}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*p = list
		return nil
	}
	return fmt.Errorf("line %d: pattern must be a string or a list of strings", node.Line)
}

// Rule is a pattern rule from the `patterns` namespace.
type Rule struct {
	ID          string      `yaml:"id" json:"id,omitempty"`
	Patterns    PatternList `yaml:"pattern" json:"pattern"`
	Detection   *Detection  `yaml:"detection" json:"detection,omitempty"`
	Tags        []string    `yaml:"tags" json:"tags,omitempty"`
	Taint       *TaintSpec  `yaml:"taint" json:"taint,omitempty"`
	Conditional bool        `yaml:"conditional" json:"conditional,omitempty"`

	// Key is the id, or a synthetic "<namespace>#<index>" for anonymous rules.
	Key          string    `yaml:"-" json:"key"`
	Alternatives []Pattern `yaml:"-" json:"-"`
}

// Matches reports whether any alternative matches. Every alternative is a pure
// comparison, so evaluation order does not matter.
func (r *Rule) Matches(path string, call bool) bool {
	matched := false
	for _, alt := range r.Alternatives {
		matched = alt.Matches(path, call) || matched
	}
	return matched
}

// IsSource, IsSanitizer and IsSink expose the rule's directive.
func (r *Rule) IsSource() bool    { return r.Taint != nil && r.Taint.Level == ClassTainted }
func (r *Rule) IsSanitizer() bool { return r.Taint != nil && r.Taint.Level == ClassSafe }
func (r *Rule) IsSink() bool      { return r.Taint != nil && r.Taint.Level == ClassSink }

// Score is the detection score, 0 without a detection.
func (r *Rule) Score() int {
	if r.Detection == nil {
		return 0
	}
	return r.Detection.Score
}

// Match modes and targets for file rules.
const (
	ModeExact = "exact"
	ModeRegex = "regex"

	TargetFilename = "filename"
	TargetPart     = "part"
)

// FileRule matches entries of the file inventory by name.
type FileRule struct {
	ID      string   `yaml:"id" json:"id,omitempty"`
	Target  string   `yaml:"target" json:"target"`
	Type    string   `yaml:"type" json:"type"`
	Pattern string   `yaml:"pattern" json:"pattern"`
	Message string   `yaml:"message" json:"message,omitempty"`
	Score   int      `yaml:"score" json:"score"`
	Tags    []string `yaml:"tags" json:"tags,omitempty"`

	Key string         `yaml:"-" json:"key"`
	re  *regexp.Regexp
}

// MatchPath applies the rule to a slash separated path.
func (f *FileRule) MatchPath(p string) bool {
	if f.Target == TargetPart {
		for _, segment := range splitPath(p) {
			if f.matchSegment(segment) {
				return true
			}
		}
		return false
	}
	return f.matchSegment(path.Base(p))
}

func (f *FileRule) matchSegment(segment string) bool {
	if f.re != nil {
		return f.re.MatchString(segment)
	}
	return segment == f.Pattern
}

// StringRule matches string literal tokens.
type StringRule struct {
	ID      string   `yaml:"id" json:"id,omitempty"`
	Type    string   `yaml:"type" json:"type"`
	Pattern string   `yaml:"pattern" json:"pattern"`
	Message string   `yaml:"message" json:"message,omitempty"`
	Score   int      `yaml:"score" json:"score"`
	Tags    []string `yaml:"tags" json:"tags,omitempty"`

	Key string         `yaml:"-" json:"key"`
	re  *regexp.Regexp
}

// MatchString applies the rule to the literal's decoded value.
func (s *StringRule) MatchString(value string) bool {
	if s.re != nil {
		return s.re.MatchString(value)
	}
	return value == s.Pattern
}

func splitPath(p string) []string {
	return strings.FieldsFunc(p, func(r rune) bool { return r == '/' })
}
