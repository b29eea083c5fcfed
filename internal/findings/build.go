// Package findings turns match sites, taint flows and scanner hits into the
// deduplicated, scored and ordered result set of a run.
package findings

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/xkilldash9x/rulescope/internal/analysis/core"
	"github.com/xkilldash9x/rulescope/internal/rules"
)

// Confidence assigned to each kind of evidence.
const (
	// SiteConfidence applies to unconditional rules reporting at a match site
	// without any data flow evidence.
	SiteConfidence    = 0.75
	TaintedConfidence = 1.0
	UnknownConfidence = 0.5
)

// DefaultTaintFlowScore is used for flows into sinks without a detection score.
const DefaultTaintFlowScore = 10

// Options tune how findings are scored and filtered.
type Options struct {
	TaintFlowScore int
	// MinScore drops findings scoring below it from the result.
	MinScore int
}

// signatureSpace namespaces the name-based UUIDs used as finding signatures.
var signatureSpace = uuid.MustParse("6f0c2f76-93b1-4a51-9c2d-4d6a3b0e8f11")

// Build converts the sites and flows of one file into findings. Only
// unconditional rules with a detection report at their match sites; sink
// rules report where a flow reached them.
func Build(corpus *rules.Corpus, sites []core.MatchSite, flows []core.Flow, opts Options) []core.Finding {
	flowScore := opts.TaintFlowScore
	if flowScore <= 0 {
		flowScore = DefaultTaintFlowScore
	}

	var out []core.Finding
	for _, site := range sites {
		rule, ok := corpus.Rule(site.RuleID)
		if !ok || rule.Detection == nil || rule.Conditional {
			continue
		}
		msg := rule.Detection.Message
		if msg == "" {
			msg = fmt.Sprintf("Match of rule %s", rule.Key)
		}
		out = append(out, core.Finding{
			RuleID:     rule.Key,
			Kind:       core.KindPattern,
			Message:    msg,
			Score:      rule.Score(),
			Confidence: SiteConfidence,
			Tags:       append([]string(nil), rule.Tags...),
			Location:   site.Location,
		})
	}

	for _, flow := range flows {
		rule, ok := corpus.Rule(flow.Sink.RuleID)
		if !ok {
			continue
		}
		score := flowScore
		msg := flow.Message
		if rule.Detection != nil {
			score = rule.Detection.Score
			if msg == "" {
				msg = rule.Detection.Message
			}
		}
		if msg == "" {
			msg = "Untrusted data reaches a sink"
		}
		confidence := UnknownConfidence
		if flow.Level == core.Tainted {
			confidence = TaintedConfidence
		}
		level := flow.Level
		out = append(out, core.Finding{
			RuleID:     rule.Key,
			Kind:       core.KindTaint,
			Message:    msg,
			Score:      score,
			Confidence: confidence,
			Tags:       append([]string(nil), rule.Tags...),
			Location:   flow.Sink.Location,
			Taint:      &level,
			Provenance: detach(flow.Provenance),
		})
	}
	return out
}

// detach drops syntax tree references so findings outlive the parsed file.
func detach(sites []core.MatchSite) []core.MatchSite {
	if len(sites) == 0 {
		return nil
	}
	out := make([]core.MatchSite, len(sites))
	for i, s := range sites {
		s.Node = nil
		if len(s.Args) == 0 {
			s.Args = nil
		} else {
			args := make([]core.Argument, len(s.Args))
			for j, a := range s.Args {
				a.Node = nil
				args[j] = a
			}
			s.Args = args
		}
		out[i] = s
	}
	return out
}

// Severity buckets score weighted by confidence. The buckets are a ranking
// aid, not a probability.
func Severity(score int, confidence float64) core.Severity {
	weighted := float64(score) * confidence
	switch {
	case weighted >= 90:
		return core.SeverityCritical
	case weighted >= 50:
		return core.SeverityHigh
	case weighted >= 20:
		return core.SeverityMedium
	case weighted > 0:
		return core.SeverityLow
	default:
		return core.SeverityInfo
	}
}

// Signature identifies a finding across runs by rule and location.
func Signature(f core.Finding) string {
	k := keyOf(f)
	name := fmt.Sprintf("%s|%s|%d|%d", k.rule, k.file, k.line, k.column)
	return uuid.NewSHA1(signatureSpace, []byte(name)).String()
}

func finalize(f *core.Finding) {
	f.Severity = Severity(f.Score, f.Confidence)
	f.Signature = Signature(*f)
	f.Tags = tagSet(f.Tags)
	f.Provenance = detach(f.Provenance)
}

func tagSet(tags ...[]string) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, group := range tags {
		for _, t := range group {
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// Sort orders findings by file, line, column, rule, kind and message.
func Sort(fs []core.Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.Location.File != b.Location.File {
			return a.Location.File < b.Location.File
		}
		if a.Location.Line != b.Location.Line {
			return a.Location.Line < b.Location.Line
		}
		if a.Location.Column != b.Location.Column {
			return a.Location.Column < b.Location.Column
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Message < b.Message
	})
}
