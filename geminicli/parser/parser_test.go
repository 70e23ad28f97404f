package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cassmtnr/gemini-bridge/geminicli/types"
)

// S1 – JSON happy path.
func TestParseJSONHappyPath(t *testing.T) {
	stdout := []byte(`{"summary":"ok","findings":[{"type":"quality","severity":"HIGH","location":"a.ts:10","message":"foo"}],"metrics":{"filesAnalyzed":3,"linesOfCode":42},"recommendations":[{"type":"x","priority":"low","description":"d"}],"tokenUsage":{"prompt":100,"completion":50,"total":150}}`)

	got := Parse(stdout)

	assert.Equal(t, "ok", got.Summary)
	require.Len(t, got.Findings, 1)
	assert.Equal(t, types.SeverityHigh, got.Findings[0].Severity)
	assert.Equal(t, 42, got.Metrics.LinesOfCode)
	assert.Equal(t, 3, got.Metrics.FilesAnalyzed)
	assert.Equal(t, 150, got.TokenUsage.Total)
	assert.Equal(t, string(stdout), got.RawOutput)
	require.Len(t, got.Recommendations, 1)
	assert.Equal(t, types.PriorityLow, got.Recommendations[0].Priority)
}

// S2 – Fallback parse.
func TestParseFallbackOnNonJSONOutput(t *testing.T) {
	stdout := []byte("Found potential SQL injection in db.ts\n" +
		"We recommend: parameterize all queries\n" +
		"Vulnerability: hardcoded secret at config.ts line 8\n")

	got := Parse(stdout)

	assert.GreaterOrEqual(t, len(got.Findings), 2)
	for _, f := range got.Findings {
		assert.Equal(t, types.SeverityInfo, f.Severity)
		assert.Equal(t, "unknown", f.Location)
	}

	var sawFound, sawVulnerability bool
	for _, f := range got.Findings {
		if f.Message == "potential SQL injection in db.ts" {
			sawFound = true
		}
		if f.Message == "hardcoded secret at config.ts line 8" {
			sawVulnerability = true
		}
	}
	assert.True(t, sawFound, "expected a finding extracted from the 'Found:' line")
	assert.True(t, sawVulnerability, "expected a finding extracted from the 'Vulnerability:' line")

	require.Len(t, got.Recommendations, 1)
	assert.Equal(t, "parameterize all queries", got.Recommendations[0].Description)
	assert.Equal(t, types.PriorityMedium, got.Recommendations[0].Priority)
}

// S3 – Severity normalization.
func TestNormalizeSeverity(t *testing.T) {
	assert.Equal(t, types.SeverityInfo, NormalizeSeverity("SUPER-CRITICAL"))
	assert.Equal(t, types.SeverityCritical, NormalizeSeverity("Critical"))
	assert.Equal(t, types.SeverityInfo, NormalizeSeverity(""))
	assert.Equal(t, types.SeverityLow, NormalizeSeverity("LOW"))
}

func TestNormalizePriorityDefaultsToMedium(t *testing.T) {
	assert.Equal(t, types.PriorityMedium, NormalizePriority("urgent"))
	assert.Equal(t, types.PriorityHigh, NormalizePriority("HIGH"))
}

func TestFindingFieldAliasing(t *testing.T) {
	stdout := []byte(`{"findings":[{"file":"x.go","description":"desc here","recommendation":"fix it"}]}`)
	got := Parse(stdout)

	require.Len(t, got.Findings, 1)
	f := got.Findings[0]
	assert.Equal(t, "x.go", f.Location)
	assert.Equal(t, "desc here", f.Message)
	assert.Equal(t, "fix it", f.Suggestion)
	assert.Equal(t, "general", f.Type)
}

func TestMissingFieldsDefaultSensibly(t *testing.T) {
	got := Parse([]byte(`{}`))
	assert.Equal(t, "Analysis complete", got.Summary)
	assert.NotNil(t, got.Findings)
	assert.NotNil(t, got.Recommendations)
	assert.Equal(t, 0, got.Metrics.FilesAnalyzed)
}

func TestFallbackSummaryTruncatesAndJoinsFirstFiveLines(t *testing.T) {
	longLine := ""
	for i := 0; i < 600; i++ {
		longLine += "x"
	}
	got := Parse([]byte(longLine + "\nnot json"))
	assert.LessOrEqual(t, len(got.Summary), maxFallbackSummaryLen)

	joined := Parse([]byte("a\n\nb\nc\nd\ne\nf"))
	assert.Equal(t, "a b c d e", joined.Summary)
}
