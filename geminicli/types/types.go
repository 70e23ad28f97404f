// Package types holds the value types shared across the gemini bridge:
// requests and results crossing the core boundary, plus the small set of
// status/event types hosts observe.
package types

import "time"

// AnalysisType selects which canned prompt template the bridge uses.
type AnalysisType string

const (
	AnalysisCodebase     AnalysisType = "codebase"
	AnalysisArchitecture AnalysisType = "architecture"
	AnalysisSecurity     AnalysisType = "security"
	AnalysisDependencies AnalysisType = "dependencies"
	AnalysisCoverage     AnalysisType = "coverage"
)

// Depth controls how exhaustive the requested analysis should be.
type Depth string

const (
	DepthSurface       Depth = "surface"
	DepthModerate      Depth = "moderate"
	DepthDeep          Depth = "deep"
	DepthComprehensive Depth = "comprehensive"
)

// OutputFormat is the format the caller wants the rendered result in.
// It does not affect parsing — AnalysisResult is always structured —
// only whether `--json` is passed to the upstream CLI.
type OutputFormat string

const (
	FormatJSON     OutputFormat = "json"
	FormatMarkdown OutputFormat = "markdown"
	FormatText     OutputFormat = "text"
)

// Severity classifies a Finding. Unrecognized values normalize to Info.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Priority classifies a Recommendation.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// AuthMethod is how the upstream CLI is authenticated.
type AuthMethod string

const (
	AuthGoogleLogin AuthMethod = "google-login"
	AuthAPIKey      AuthMethod = "api-key"
	AuthVertexAI    AuthMethod = "vertex-ai"
)

// AnalysisRequest is the caller-facing description of one analysis.
// Target is deliberately []string (not string|[]string as in spec.md) —
// Go has no sum type for that union, so a single path is just a
// one-element slice; NewRequest below accepts either shape.
type AnalysisRequest struct {
	Type            AnalysisType `json:"type"`
	Target          []string     `json:"target"`
	Depth           Depth        `json:"depth,omitempty"`
	Query           string       `json:"query,omitempty"`
	Focus           []string     `json:"focus,omitempty"`
	OutputFormat    OutputFormat `json:"outputFormat,omitempty"`
	IncludePatterns []string     `json:"includePatterns,omitempty"`
	ExcludePatterns []string     `json:"excludePatterns,omitempty"`
}

// NewRequest builds a request for one or more targets, defaulting Depth
// to moderate the way spec.md §3 specifies.
func NewRequest(typ AnalysisType, target ...string) AnalysisRequest {
	return AnalysisRequest{
		Type:   typ,
		Target: target,
		Depth:  DepthModerate,
	}
}

// TokenUsage mirrors the upstream CLI's token accounting, zeroed when
// unavailable.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Finding is a single structured observation extracted from upstream
// output.
type Finding struct {
	Type       string   `json:"type"`
	Severity   Severity `json:"severity"`
	Location   string   `json:"location"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion,omitempty"`
	Line       *int     `json:"line,omitempty"`
	Column     *int     `json:"column,omitempty"`
	Code       string   `json:"code,omitempty"`
}

// Recommendation is a single actionable suggestion.
type Recommendation struct {
	Type        string   `json:"type"`
	Priority    Priority `json:"priority"`
	Description string   `json:"description"`
}

// Metrics carries coarse accounting about the analyzed target.
type Metrics struct {
	FilesAnalyzed int    `json:"filesAnalyzed"`
	LinesOfCode   int    `json:"linesOfCode"`
	AnalysisType  string `json:"analysisType,omitempty"`
	Model         string `json:"model,omitempty"`
}

// AnalysisResult is the contract surface of spec.md §3: every field is
// populated on every path, success or failure.
type AnalysisResult struct {
	Success         bool             `json:"success"`
	RequestID       string           `json:"requestId"`
	Timestamp       time.Time        `json:"timestamp"`
	Duration        time.Duration    `json:"duration"`
	TokenUsage      TokenUsage       `json:"tokenUsage"`
	Summary         string           `json:"summary"`
	Findings        []Finding        `json:"findings"`
	Metrics         Metrics          `json:"metrics"`
	Recommendations []Recommendation `json:"recommendations"`
	RawOutput       string           `json:"rawOutput,omitempty"`
	Errors          []string         `json:"errors,omitempty"`
}

// WindowQuota describes usage against one rate-limit window.
type WindowQuota struct {
	Used    int       `json:"used"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"resetAt"`
}

// QuotaStatus is the dual-window snapshot returned by the rate limiter.
type QuotaStatus struct {
	PerMinute WindowQuota `json:"perMinute"`
	PerDay    WindowQuota `json:"perDay"`
}

// ModuleStatus is the composed snapshot C8 hands back to the host.
type ModuleStatus struct {
	Installed     bool        `json:"installed"`
	Enabled       bool        `json:"enabled"`
	Authenticated bool        `json:"authenticated"`
	Version       string      `json:"version,omitempty"`
	AuthMethod    AuthMethod  `json:"authMethod,omitempty"`
	BinaryPath    string      `json:"binaryPath,omitempty"`
	Quota         QuotaStatus `json:"quotaStatus"`
	LastCheck     time.Time   `json:"lastCheck"`
}

// EventType names the progress events the orchestrator and runner emit.
type EventType string

const (
	EventAnalysisStart    EventType = "analysis-start"
	EventAnalysisComplete EventType = "analysis-complete"
	EventCacheHit         EventType = "cache-hit"
	EventOutput           EventType = "output"
)

// Event is one progress notification. Hosts subscribe via a Hook
// callback rather than a global observer (spec.md §9).
type Event struct {
	Type      EventType
	RequestID string
	Data      string
	At        time.Time
}

// Hook receives progress events. A nil Hook is valid and means "no one
// is listening" — callers must not assume it is ever invoked.
type Hook func(Event)

// Emit invokes h if non-nil; it exists so call sites read as
// `types.Emit(h, ...)` without repeating the nil check everywhere.
func Emit(h Hook, evt Event) {
	if h == nil {
		return
	}
	h(evt)
}
