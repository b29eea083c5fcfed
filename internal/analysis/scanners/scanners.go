// Package scanners applies the corpus file and string rules, and checks
// requirement files for typosquatted dependencies.
package scanners

import (
	"bufio"
	"bytes"
	"fmt"
	"path"
	"strings"

	"github.com/xkilldash9x/rulescope/internal/analysis/core"
	"github.com/xkilldash9x/rulescope/internal/rules"
	"github.com/xkilldash9x/rulescope/internal/typos"
)

// TyposquattingRuleID names findings produced by ScanRequirements.
const TyposquattingRuleID = "typosquatting"

// ScanFilePath matches the inventory path against every file rule. The path
// may use either separator.
func ScanFilePath(p string, corpus *rules.Corpus) []core.Finding {
	slashed := toSlash(p)
	var out []core.Finding
	for _, rule := range corpus.Files() {
		if !rule.MatchPath(slashed) {
			continue
		}
		msg := rule.Message
		if msg == "" {
			msg = fmt.Sprintf("Sensitive file %q", path.Base(slashed))
		}
		out = append(out, core.Finding{
			RuleID:     rule.Key,
			Kind:       core.KindFile,
			Message:    msg,
			Score:      rule.Score,
			Confidence: 1,
			Tags:       append([]string(nil), rule.Tags...),
			Location:   core.Location{File: p},
		})
	}
	return out
}

// ScanStrings matches every literal against every string rule.
func ScanStrings(p string, literals []core.StringLiteral, corpus *rules.Corpus) []core.Finding {
	var out []core.Finding
	for _, lit := range literals {
		for _, rule := range corpus.Strings() {
			if !rule.MatchString(lit.Value) {
				continue
			}
			msg := rule.Message
			if msg == "" {
				msg = "Suspicious string literal"
			}
			loc := lit.Location
			if loc.File == "" {
				loc.File = p
			}
			out = append(out, core.Finding{
				RuleID:     rule.Key,
				Kind:       core.KindString,
				Message:    msg,
				Score:      rule.Score,
				Confidence: 1,
				Tags:       append([]string(nil), rule.Tags...),
				Location:   loc,
			})
		}
	}
	return out
}

// toSlash also converts backslashes, since inventories may come from Windows
// hosts.
func toSlash(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// IsRequirementsFile reports whether p names a pip requirements file
// (requirements.txt, requirements-dev.txt, requirements/base.txt).
func IsRequirementsFile(p string) bool {
	slashed := toSlash(p)
	base := strings.ToLower(path.Base(slashed))
	if strings.HasPrefix(base, "requirements") && strings.HasSuffix(base, ".txt") {
		return true
	}
	dir := strings.ToLower(path.Base(path.Dir(slashed)))
	return dir == "requirements" && strings.HasSuffix(base, ".txt")
}

// Requirement is one dependency line of a requirements file.
type Requirement struct {
	Name   string
	Line   int
	Column int
	Text   string
}

// ParseRequirements extracts project names. Options (-r, -e, --index-url),
// URLs and local paths are skipped; extras, version specifiers and
// environment markers are stripped.
func ParseRequirements(content []byte) []Requirement {
	var out []Requirement
	scanner := bufio.NewScanner(bytes.NewReader(content))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		line := raw
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "-") || strings.Contains(trimmed, "://") ||
			strings.HasPrefix(trimmed, ".") || strings.HasPrefix(trimmed, "/") {
			continue
		}

		end := strings.IndexAny(trimmed, "[;<>=!~@ \t")
		name := trimmed
		if end >= 0 {
			name = trimmed[:end]
		}
		if !typos.Valid(name) {
			continue
		}
		out = append(out, Requirement{
			Name:   name,
			Line:   lineNo,
			Column: strings.Index(raw, name) + 1,
			Text:   strings.TrimSpace(raw),
		})
	}
	return out
}

// ScanRequirements reports dependencies whose names are close to a popular
// project without being that project.
func ScanRequirements(p string, content []byte, checker *typos.Checker, score int) []core.Finding {
	if checker == nil {
		return nil
	}
	var out []core.Finding
	for _, req := range ParseRequirements(content) {
		if checker.Popular(req.Name) {
			continue
		}
		matches := checker.Check(req.Name)
		if len(matches) == 0 {
			continue
		}
		best := matches[0]
		out = append(out, core.Finding{
			RuleID:     TyposquattingRuleID,
			Kind:       core.KindTyposquatting,
			Message:    fmt.Sprintf("Dependency %q is %d edit(s) away from the popular package %q", req.Name, best.Distance, best.Popular),
			Score:      score,
			Confidence: 1 - float64(best.Distance)/float64(max(len(best.Name), len(best.Popular))),
			Tags:       []string{"typosquatting"},
			Location: core.Location{
				File:      p,
				Line:      req.Line,
				Column:    req.Column,
				EndLine:   req.Line,
				EndColumn: req.Column + len(req.Name),
				Snippet:   req.Text,
			},
		})
	}
	return out
}
