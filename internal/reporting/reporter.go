// Package reporting writes result sets in the supported output formats.
package reporting

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/rulescope/internal/findings"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Formats lists the accepted values of the format argument of New.
var Formats = []string{"json", "jsonl", "yaml", "sarif", "text"}

// Reporter defines the interface for writing scan results to an output.
type Reporter interface {
	// Write renders one result set.
	Write(rs *findings.ResultSet) error
	// Close finalizes the report and closes the underlying file, if any.
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a reporter for format writing to outputPath, or to stdout when
// the path is empty or "stdout".
func New(format, outputPath, toolVersion string) (Reporter, error) {
	if !supported(format) {
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	var writer io.WriteCloser
	if outputPath == "" || outputPath == "stdout" {
		writer = &nopWriteCloser{os.Stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}
	return NewWriter(format, writer, toolVersion)
}

// NewWriter creates a reporter over an existing writer. The reporter owns w
// and closes it on Close.
func NewWriter(format string, w io.WriteCloser, toolVersion string) (Reporter, error) {
	switch format {
	case "json":
		return &jsonReporter{w: w}, nil
	case "jsonl":
		return &jsonlReporter{w: w}, nil
	case "yaml":
		return &yamlReporter{w: w}, nil
	case "sarif":
		return NewSARIFReporter(w, toolVersion), nil
	case "text":
		return &textReporter{w: w}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

func supported(format string) bool {
	for _, f := range Formats {
		if f == format {
			return true
		}
	}
	return false
}

type jsonReporter struct {
	w io.WriteCloser
}

func (r *jsonReporter) Write(rs *findings.ResultSet) error {
	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rs); err != nil {
		return fmt.Errorf("failed to encode JSON report: %w", err)
	}
	return nil
}

func (r *jsonReporter) Close() error { return r.w.Close() }

// jsonlSummary is the last line of a JSON Lines report.
type jsonlSummary struct {
	RunID    string            `json:"run_id"`
	Total    findings.Totals   `json:"total"`
	Files    []findings.Totals `json:"files"`
	Manifest findings.Manifest `json:"manifest"`
}

// jsonlReporter writes one finding per line followed by a summary line.
type jsonlReporter struct {
	w io.WriteCloser
}

func (r *jsonlReporter) Write(rs *findings.ResultSet) error {
	enc := json.NewEncoder(r.w)
	for i := range rs.Findings {
		if err := enc.Encode(&rs.Findings[i]); err != nil {
			return fmt.Errorf("failed to encode finding: %w", err)
		}
	}
	if err := enc.Encode(jsonlSummary{RunID: rs.RunID, Total: rs.Total, Files: rs.Files, Manifest: rs.Manifest}); err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	return nil
}

func (r *jsonlReporter) Close() error { return r.w.Close() }

type yamlReporter struct {
	w io.WriteCloser
}

func (r *yamlReporter) Write(rs *findings.ResultSet) error {
	enc := yaml.NewEncoder(r.w)
	enc.SetIndent(2)
	if err := enc.Encode(rs); err != nil {
		return fmt.Errorf("failed to encode YAML report: %w", err)
	}
	return enc.Close()
}

func (r *yamlReporter) Close() error { return r.w.Close() }

// textReporter prints an aligned, human readable listing.
type textReporter struct {
	w io.WriteCloser
}

func (r *textReporter) Write(rs *findings.ResultSet) error {
	tw := tabwriter.NewWriter(r.w, 0, 4, 2, ' ', 0)
	for _, f := range rs.Findings {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", f.Location, f.Severity, f.RuleID, f.Score, f.Message)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	fmt.Fprintf(r.w, "\n%d findings, total score %d, %d files analysed, %d skipped, %d cached\n",
		rs.Total.Findings, rs.Total.Score, len(rs.Manifest.Files), len(rs.Manifest.Skipped), rs.Manifest.CacheHits)
	for _, s := range rs.Manifest.Skipped {
		fmt.Fprintf(r.w, "skipped %s: %s\n", s.Path, s.Reason)
	}
	for _, d := range rs.Manifest.DisabledRules {
		fmt.Fprintf(r.w, "disabled rule %s#%d: %s\n", d.Namespace, d.Index, d.Reason)
	}
	if rs.Manifest.Cancelled {
		fmt.Fprintln(r.w, "run was cancelled; results are partial")
	}
	return nil
}

func (r *textReporter) Close() error { return r.w.Close() }
