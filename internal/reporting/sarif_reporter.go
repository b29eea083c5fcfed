package reporting

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rulescope/internal/analysis/core"
	"github.com/xkilldash9x/rulescope/internal/findings"
	"github.com/xkilldash9x/rulescope/internal/observability"
	"github.com/xkilldash9x/rulescope/internal/reporting/sarif"
)

// Constants for tool identification in the SARIF report.
const (
	ToolName     = "rulescope"
	ToolInfoURI  = "https://github.com/xkilldash9x/rulescope"
	SARIFVersion = "2.1.0"
	SARIFSchema  = "https://schemastore.azurewebsites.net/schemas/json/sarif-2.1.0-rtm.5.json"

	// fingerprintKey names the partial fingerprint carrying the finding signature.
	fingerprintKey = "rulescopeSignature/v1"
)

// SARIFReporter buffers results and writes a single SARIF log on Close.
// It is safe for concurrent use.
type SARIFReporter struct {
	writer io.WriteCloser
	logger *zap.Logger
	log    *sarif.Log

	mu        sync.Mutex
	ruleIndex map[string]int
}

// NewSARIFReporter creates a reporter that writes SARIF output to writer.
func NewSARIFReporter(writer io.WriteCloser, toolVersion string) *SARIFReporter {
	log := &sarif.Log{
		Version: SARIFVersion,
		Schema:  SARIFSchema,
		Runs: []*sarif.Run{
			{
				Tool: &sarif.Tool{
					Driver: &sarif.ToolComponent{
						Name:           ToolName,
						Version:        pString(toolVersion),
						InformationURI: pString(ToolInfoURI),
						Rules:          []*sarif.ReportingDescriptor{},
					},
				},
				Results: []*sarif.Result{},
			},
		},
	}
	return &SARIFReporter{
		writer:    writer,
		logger:    observability.GetLogger().Named("sarif_reporter"),
		log:       log,
		ruleIndex: make(map[string]int),
	}
}

// Write converts the findings of a result set into SARIF results.
func (r *SARIFReporter) Write(rs *findings.ResultSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.log.Runs[0]
	for _, f := range rs.Findings {
		result := &sarif.Result{
			RuleID:    f.RuleID,
			RuleIndex: r.ensureRule(f),
			Message:   &sarif.Message{Text: pString(f.Message)},
			Level:     levelOf(f.Severity),
			Locations: []*sarif.Location{location(f.Location, "")},
			Properties: &sarif.PropertyBag{
				"score":      f.Score,
				"confidence": f.Confidence,
				"kind":       string(f.Kind),
				"tags":       f.Tags,
			},
		}
		if f.Signature != "" {
			result.PartialFingerprints = map[string]string{fingerprintKey: f.Signature}
		}
		if len(f.Provenance) > 0 {
			result.CodeFlows = []*sarif.CodeFlow{codeFlow(f.Provenance)}
		}
		run.Results = append(run.Results, result)
	}

	props := sarif.PropertyBag{
		"runId":        rs.RunID,
		"corpusDigest": rs.Manifest.CorpusDigest,
		"totalScore":   rs.Total.Score,
		"skipped":      rs.Manifest.Skipped,
	}
	if rs.Manifest.Cancelled {
		props["cancelled"] = true
	}
	run.Properties = &props

	r.logger.Debug("Wrote findings to SARIF buffer", zap.Int("findings_count", len(rs.Findings)))
	return nil
}

// Close encodes the SARIF log and closes the writer.
func (r *SARIFReporter) Close() error {
	startTime := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	encoder := json.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")
	encodeErr := encoder.Encode(r.log)
	// Always attempt to close the writer, regardless of encoding success.
	closeErr := r.writer.Close()

	if encodeErr != nil {
		return fmt.Errorf("failed to encode SARIF output: %w", encodeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}
	r.logger.Debug("Wrote SARIF report",
		zap.Int("total_results", len(r.log.Runs[0].Results)),
		zap.Int("total_rules", len(r.log.Runs[0].Tool.Driver.Rules)),
		zap.Duration("duration", time.Since(startTime)),
	)
	return nil
}

// ensureRule registers a descriptor for the finding's rule on first use and
// returns its index. Must be called with the mutex held.
func (r *SARIFReporter) ensureRule(f core.Finding) int {
	if idx, ok := r.ruleIndex[f.RuleID]; ok {
		return idx
	}
	driver := r.log.Runs[0].Tool.Driver
	idx := len(driver.Rules)
	driver.Rules = append(driver.Rules, &sarif.ReportingDescriptor{
		ID:               f.RuleID,
		Name:             pString(f.RuleID),
		ShortDescription: &sarif.MultiformatMessageString{Text: pString(f.Message)},
		Properties: &sarif.PropertyBag{
			"tags": append([]string{"security"}, f.Tags...),
			"kind": string(f.Kind),
		},
	})
	r.ruleIndex[f.RuleID] = idx
	return idx
}

func location(loc core.Location, msg string) *sarif.Location {
	out := &sarif.Location{
		PhysicalLocation: &sarif.PhysicalLocation{
			ArtifactLocation: &sarif.ArtifactLocation{URI: pString(loc.File)},
		},
	}
	if loc.Line > 0 {
		region := &sarif.Region{
			StartLine:   loc.Line,
			StartColumn: loc.Column,
			EndLine:     loc.EndLine,
			EndColumn:   loc.EndColumn,
		}
		if loc.Snippet != "" {
			region.Snippet = &sarif.Message{Text: pString(loc.Snippet)}
		}
		out.PhysicalLocation.Region = region
	}
	if msg != "" {
		out.Message = &sarif.Message{Text: pString(msg)}
	}
	return out
}

// codeFlow renders a provenance chain, source first.
func codeFlow(chain []core.MatchSite) *sarif.CodeFlow {
	tf := &sarif.ThreadFlow{}
	for _, site := range chain {
		tf.Locations = append(tf.Locations, &sarif.ThreadFlowLocation{Location: location(site.Location, site.RuleID)})
	}
	return &sarif.CodeFlow{ThreadFlows: []*sarif.ThreadFlow{tf}}
}

func levelOf(severity core.Severity) sarif.Level {
	switch strings.ToLower(string(severity)) {
	case "critical", "high":
		return sarif.LevelError
	case "medium":
		return sarif.LevelWarning
	default:
		return sarif.LevelNote
	}
}

// pString returns a pointer to the given string value.
func pString(s string) *string {
	return &s
}
