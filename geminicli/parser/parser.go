// Package parser implements C5: turning upstream CLI stdout into a
// structured result, preferring JSON and falling back to regex
// heuristics. The fallback extraction and severity normalization are
// grounded on the teacher's internal/ai/chat/patrol.go
// parseFindingBlock — field extraction via anchored regexes and a
// valid-value allowlist that degrades to a safe default — generalized
// from a single [FINDING]...[/FINDING] block format to upstream JSON
// plus two families of freeform regex matches.
package parser

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/cassmtnr/gemini-bridge/geminicli/types"
)

// Parsed is the structural output of Parse; the orchestrator stamps
// RequestID/Timestamp/Duration/Success on top of it to build the final
// AnalysisResult.
type Parsed struct {
	Summary         string
	Findings        []types.Finding
	Metrics         types.Metrics
	Recommendations []types.Recommendation
	TokenUsage      types.TokenUsage
	RawOutput       string
}

// wire types mirror the upstream CLI's loosely-specified JSON schema
// (spec.md §6: "not versioned"). Every field is optional.
type wireFinding struct {
	Type           string `json:"type"`
	Severity       string `json:"severity"`
	Location       string `json:"location"`
	File           string `json:"file"`
	Message        string `json:"message"`
	Description    string `json:"description"`
	Suggestion     string `json:"suggestion"`
	Recommendation string `json:"recommendation"`
	Line           *int   `json:"line"`
	Column         *int   `json:"column"`
	Code           string `json:"code"`
}

type wireRecommendation struct {
	Type        string `json:"type"`
	Priority    string `json:"priority"`
	Description string `json:"description"`
}

type wireMetrics struct {
	FilesAnalyzed int    `json:"filesAnalyzed"`
	LinesOfCode   int    `json:"linesOfCode"`
	AnalysisType  string `json:"analysisType"`
	Model         string `json:"model"`
}

type wireTokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

type wireResult struct {
	Summary         string               `json:"summary"`
	Findings        []wireFinding        `json:"findings"`
	Metrics         *wireMetrics         `json:"metrics"`
	Recommendations []wireRecommendation `json:"recommendations"`
	TokenUsage      *wireTokenUsage      `json:"tokenUsage"`
}

// Parse attempts the JSON path first; on failure it falls back to
// regex heuristics. RawOutput is always the verbatim input.
func Parse(stdout []byte) Parsed {
	raw := string(stdout)

	if parsed, ok := parseJSON(stdout); ok {
		parsed.RawOutput = raw
		return parsed
	}

	parsed := parseFallback(raw)
	parsed.RawOutput = raw
	return parsed
}

func parseJSON(stdout []byte) (Parsed, bool) {
	var wire wireResult
	if err := json.Unmarshal(stdout, &wire); err != nil {
		return Parsed{}, false
	}

	summary := wire.Summary
	if summary == "" {
		summary = "Analysis complete"
	}

	findings := make([]types.Finding, 0, len(wire.Findings))
	for _, wf := range wire.Findings {
		findings = append(findings, normalizeFinding(wf))
	}

	metrics := types.Metrics{}
	if wire.Metrics != nil {
		metrics = types.Metrics{
			FilesAnalyzed: wire.Metrics.FilesAnalyzed,
			LinesOfCode:   wire.Metrics.LinesOfCode,
			AnalysisType:  wire.Metrics.AnalysisType,
			Model:         wire.Metrics.Model,
		}
	}

	recs := make([]types.Recommendation, 0, len(wire.Recommendations))
	for _, wr := range wire.Recommendations {
		recs = append(recs, types.Recommendation{
			Type:        orDefault(wr.Type, "general"),
			Priority:    NormalizePriority(wr.Priority),
			Description: wr.Description,
		})
	}

	tokenUsage := types.TokenUsage{}
	if wire.TokenUsage != nil {
		tokenUsage = types.TokenUsage{
			Prompt:     wire.TokenUsage.Prompt,
			Completion: wire.TokenUsage.Completion,
			Total:      wire.TokenUsage.Total,
		}
	}

	return Parsed{
		Summary:         summary,
		Findings:        findings,
		Metrics:         metrics,
		Recommendations: recs,
		TokenUsage:      tokenUsage,
	}, true
}

// normalizeFinding maps upstream field aliases to the canonical shape
// (spec.md §4.5 step 3): location falls back from file, message from
// description, suggestion from recommendation.
func normalizeFinding(wf wireFinding) types.Finding {
	location := wf.Location
	if location == "" {
		location = wf.File
	}
	if location == "" {
		location = "unknown"
	}

	message := wf.Message
	if message == "" {
		message = wf.Description
	}

	suggestion := wf.Suggestion
	if suggestion == "" {
		suggestion = wf.Recommendation
	}

	return types.Finding{
		Type:       orDefault(wf.Type, "general"),
		Severity:   NormalizeSeverity(wf.Severity),
		Location:   location,
		Message:    message,
		Suggestion: suggestion,
		Line:       wf.Line,
		Column:     wf.Column,
		Code:       wf.Code,
	}
}

var validSeverities = map[types.Severity]bool{
	types.SeverityCritical: true,
	types.SeverityHigh:     true,
	types.SeverityMedium:   true,
	types.SeverityLow:      true,
	types.SeverityInfo:     true,
}

// NormalizeSeverity lowercases and validates a severity string,
// defaulting to Info for anything unrecognized — exported so hosts
// writing their own upstream-output adapters can reuse it.
func NormalizeSeverity(s string) types.Severity {
	sev := types.Severity(strings.ToLower(strings.TrimSpace(s)))
	if validSeverities[sev] {
		return sev
	}
	return types.SeverityInfo
}

var validPriorities = map[types.Priority]bool{
	types.PriorityHigh:   true,
	types.PriorityMedium: true,
	types.PriorityLow:    true,
}

// NormalizePriority lowercases and validates a priority string,
// defaulting to Medium for anything unrecognized.
func NormalizePriority(s string) types.Priority {
	p := types.Priority(strings.ToLower(strings.TrimSpace(s)))
	if validPriorities[p] {
		return p
	}
	return types.PriorityMedium
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Fallback regex families, applied when stdout is not valid JSON.
// A line matching more than one family produces more than one
// finding/recommendation — callers that want a deduplicated view
// should dedupe on (type, location, message) themselves.
var findingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:error|warning|issue|vulnerability|problem):\s*(.+)`),
	regexp.MustCompile(`(?i)(?:found|detected|identified):\s*(.+)`),
}

var recommendationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:recommend|suggest|should|consider):\s*(.+)`),
	regexp.MustCompile(`(?i)(?:recommendation|suggestion):\s*(.+)`),
}

const maxFallbackSummaryLen = 500

func parseFallback(text string) Parsed {
	summary := fallbackSummary(text)

	findings := []types.Finding{}
	for _, re := range findingPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			findings = append(findings, types.Finding{
				Type:     "general",
				Severity: types.SeverityInfo,
				Location: "unknown",
				Message:  strings.TrimSpace(m[1]),
			})
		}
	}

	recs := []types.Recommendation{}
	for _, re := range recommendationPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			recs = append(recs, types.Recommendation{
				Type:        "general",
				Priority:    types.PriorityMedium,
				Description: strings.TrimSpace(m[1]),
			})
		}
	}

	return Parsed{
		Summary:         summary,
		Findings:        findings,
		Metrics:         types.Metrics{},
		Recommendations: recs,
		TokenUsage:      types.TokenUsage{},
	}
}

func fallbackSummary(text string) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == 5 {
			break
		}
	}

	summary := strings.Join(lines, " ")
	if len(summary) > maxFallbackSummaryLen {
		summary = summary[:maxFallbackSummaryLen]
	}
	return summary
}
