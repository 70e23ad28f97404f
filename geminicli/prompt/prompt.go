// Package prompt implements C4: translating an AnalysisRequest into the
// textual prompt and CLI arguments sent to the upstream CLI. Grounded
// on the teacher's internal/ai/chat/patrol.go prompt-template
// construction (buildPatrolPrompt-style string assembly), generalized
// from one fixed template to a table keyed by analysis type.
package prompt

import (
	"fmt"
	"strings"

	"github.com/cassmtnr/gemini-bridge/geminicli/types"
)

var baseByType = map[types.AnalysisType]string{
	types.AnalysisCodebase:     "Analyze this codebase comprehensively. Identify patterns, structure, and key components.",
	types.AnalysisArchitecture: "Map the architecture of this codebase. Identify components, layers, dependencies, and data flows.",
	types.AnalysisSecurity:     "Perform a security audit. Find vulnerabilities, insecure patterns, hardcoded secrets, and misconfigurations.",
	types.AnalysisDependencies: "Analyze dependencies. Find outdated packages, vulnerabilities, license issues, and unused dependencies.",
	types.AnalysisCoverage:     "Assess test coverage. Identify untested code paths, missing edge cases, and testing recommendations.",
}

var depthInstruction = map[types.Depth]string{
	types.DepthSurface:       "Provide a quick overview without deep analysis.",
	types.DepthModerate:      "Provide moderate detail with key findings.",
	types.DepthDeep:          "Provide detailed analysis with comprehensive findings.",
	types.DepthComprehensive: "Provide exhaustive analysis covering all aspects.",
}

const closingInstruction = "Return structured output with: summary, findings (type, severity, location, message, suggestion), metrics, and recommendations."

// Build assembles the prompt text for a request, following the
// algorithm of spec.md §4.4 exactly.
func Build(req types.AnalysisRequest) string {
	var b strings.Builder

	base, ok := baseByType[req.Type]
	if !ok {
		base = baseByType[types.AnalysisCodebase]
	}
	b.WriteString(base)

	if strings.TrimSpace(req.Query) != "" {
		b.WriteString("\n\nAdditional focus: ")
		b.WriteString(req.Query)
	}

	if len(req.Focus) > 0 {
		b.WriteString("\n\nFocus on: ")
		b.WriteString(strings.Join(req.Focus, ", "))
	}

	if instr, ok := depthInstruction[req.Depth]; ok {
		b.WriteString("\n\n")
		b.WriteString(instr)
	}

	b.WriteString("\n\n")
	b.WriteString(closingInstruction)

	return b.String()
}

// Args converts a request into the CLI argument list: `@path` references
// first, then `-p <prompt>`, then `--json` when JSON output was asked
// for (spec.md §4.4 step 6 and §4.7 step 6).
func Args(req types.AnalysisRequest) []string {
	args := make([]string, 0, len(req.Target)+3)
	for _, target := range req.Target {
		args = append(args, fmt.Sprintf("@%s", target))
	}
	args = append(args, "-p", Build(req))
	if req.OutputFormat == types.FormatJSON {
		args = append(args, "--json")
	}
	return args
}
