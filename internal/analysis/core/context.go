// internal/analysis/core/context.go
package core

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/rulescope/internal/rules"
)

// AnalysisContext is the state of one file moving through the pipeline. It is
// owned by a single worker and discarded once the file's results are committed.
type AnalysisContext struct {
	Path    string
	Content []byte
	// Unit is nil for files no frontend accepts.
	Unit   Unit
	Corpus *rules.Corpus
	Logger *zap.Logger

	// Populated by the analyzers.
	Sites    []MatchSite
	Flows    []Flow
	Findings []Finding
}

// AddSite records a pattern match.
func (ac *AnalysisContext) AddSite(site MatchSite) {
	ac.Sites = append(ac.Sites, site)
}

// AddFlow records a sink reached by tainted or unknown data.
func (ac *AnalysisContext) AddFlow(flow Flow) {
	ac.Flows = append(ac.Flows, flow)
}

// AddFinding records a finding produced directly by a scanner.
func (ac *AnalysisContext) AddFinding(finding Finding) {
	if finding.Location.File == "" {
		finding.Location.File = ac.Path
	}
	ac.Findings = append(ac.Findings, finding)
}
