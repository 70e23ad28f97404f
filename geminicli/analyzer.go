// Package geminicli is the root of the bridge: C7 the Orchestrator and
// C8 the Status Probe. Everything else lives in sub-packages; this
// package wires them into the single entry point a host calls.
//
// Grounded on the teacher's internal/ai/providers/gemini.go (the
// GeminiClient.Chat method building a request, sending it, and shaping
// the response in one call) and internal/ai/providers/factory.go for
// the explicit-constructor wiring style (no package-level singleton).
package geminicli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/cassmtnr/gemini-bridge/geminicli/cache"
	"github.com/cassmtnr/gemini-bridge/geminicli/config"
	"github.com/cassmtnr/gemini-bridge/geminicli/locator"
	"github.com/cassmtnr/gemini-bridge/geminicli/parser"
	"github.com/cassmtnr/gemini-bridge/geminicli/prompt"
	"github.com/cassmtnr/gemini-bridge/geminicli/ratelimit"
	"github.com/cassmtnr/gemini-bridge/geminicli/runner"
	"github.com/cassmtnr/gemini-bridge/geminicli/types"
)

// Analyzer is the bridge's single entry point. Construct one with New
// and share it across concurrent callers — every field it owns is
// either immutable or internally synchronized.
type Analyzer struct {
	cfg     config.Config
	locator *locator.Locator
	limiter *ratelimit.Limiter
	cache   *cache.Cache
	hook    types.Hook

	nowFunc func() time.Time
	idFunc  func() string

	// runFunc defaults to runner.Run; overridable in tests so the
	// pipeline can be exercised without spawning a real subprocess.
	runFunc func(ctx context.Context, binaryPath string, args []string, opts runner.Options) (runner.Result, error)
}

// New builds an Analyzer from its four collaborators. This mirrors the
// teacher's factory.go: explicit construction and injection, no
// package-level singleton (spec.md §9 prefers this over a
// lazily-constructed global manager).
func New(cfg config.Config, loc *locator.Locator, limiter *ratelimit.Limiter, c *cache.Cache) *Analyzer {
	return &Analyzer{
		cfg:     cfg,
		locator: loc,
		limiter: limiter,
		cache:   c,
		nowFunc: time.Now,
		idFunc:  func() string { return ulid.Make().String() },
		runFunc: runner.Run,
	}
}

// SetHook registers the callback that receives progress events
// (analysis-start, analysis-complete, cache-hit, output). A nil hook
// (the default) means no one is listening.
func (a *Analyzer) SetHook(h types.Hook) {
	a.hook = h
}

// Analyze is the core pipeline of spec.md §4.7: cache probe, rate
// wait, binary resolution, subprocess run, output parse, cache write.
// It never returns an error — every failure mode becomes a structured
// AnalysisResult with Success=false, so callers never need a recover
// path for an ordinary analysis failure.
func (a *Analyzer) Analyze(ctx context.Context, req types.AnalysisRequest) types.AnalysisResult {
	requestID := a.idFunc()
	startTime := a.nowFunc()

	types.Emit(a.hook, types.Event{Type: types.EventAnalysisStart, RequestID: requestID, At: startTime})

	req = applyRequestDefaults(req, a.cfg)
	key := cache.GenerateKey(req)

	if cached, ok := a.cache.Get(key); ok {
		types.Emit(a.hook, types.Event{Type: types.EventCacheHit, RequestID: requestID, At: a.nowFunc()})
		return *cached
	}

	a.limiter.WaitForQuota()

	binaryPath, ok := a.locator.FindBinary()
	if !ok {
		return a.failure(requestID, startTime, "Gemini CLI not installed")
	}

	args := prompt.Args(req)
	onChunk := func(c runner.Chunk) {
		types.Emit(a.hook, types.Event{Type: types.EventOutput, RequestID: requestID, Data: string(c.Data), At: a.nowFunc()})
	}

	res, err := a.runFunc(ctx, binaryPath, args, runner.Options{
		Env:     a.buildEnv(),
		Timeout: a.cfg.AnalysisTimeout(),
		OnChunk: onChunk,
	})
	if err != nil {
		return a.failure(requestID, startTime, err.Error())
	}

	// WaitForQuota only waited until quota was available; it reserves
	// nothing. A Consume failure here means another caller took the
	// quota between the wait and this point (spec.md §4.2: "strict
	// ordering is not guaranteed").
	// It does not turn a successful analysis into a failed one.
	if consumeErr := a.limiter.Consume(); consumeErr != nil {
		log.Warn().Err(consumeErr).Str("requestId", requestID).Msg("gemini analyzer: quota consumed by a concurrent caller after wait")
	}

	parsed := parser.Parse(res.Stdout)
	result := types.AnalysisResult{
		Success:         true,
		RequestID:       requestID,
		Timestamp:       startTime,
		Duration:        a.nowFunc().Sub(startTime),
		TokenUsage:      parsed.TokenUsage,
		Summary:         parsed.Summary,
		Findings:        parsed.Findings,
		Metrics:         parsed.Metrics,
		Recommendations: parsed.Recommendations,
		RawOutput:       parsed.RawOutput,
	}

	a.cache.Set(key, result)
	types.Emit(a.hook, types.Event{Type: types.EventAnalysisComplete, RequestID: requestID, At: a.nowFunc()})
	return result
}

// AnalyzeBatch runs independent requests concurrently, one goroutine
// per request with no concurrency limit, and returns results in the
// same order as requests. Use
// this instead of calling Analyze in a loop when a host wants to fan
// out several analyses (e.g. one per package in a monorepo) without
// hand-rolling a WaitGroup.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, requests []types.AnalysisRequest) []types.AnalysisResult {
	results := make([]types.AnalysisResult, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range requests {
		i, req := i, req
		g.Go(func() error {
			results[i] = a.Analyze(gctx, req)
			return nil
		})
	}
	_ = g.Wait() // Analyze never errors; Wait only blocks for completion
	return results
}

func (a *Analyzer) failure(requestID string, startTime time.Time, message string) types.AnalysisResult {
	return types.AnalysisResult{
		Success:         false,
		RequestID:       requestID,
		Timestamp:       startTime,
		Duration:        a.nowFunc().Sub(startTime),
		TokenUsage:      types.TokenUsage{},
		Summary:         "Analysis failed",
		Findings:        []types.Finding{},
		Metrics:         types.Metrics{},
		Recommendations: []types.Recommendation{},
		Errors:          []string{message},
	}
}

// buildEnv merges the parent process environment with credential
// variables derived from config, per spec.md §9: the core never
// mutates the parent's environment, it only builds the subprocess's.
func (a *Analyzer) buildEnv() []string {
	env := os.Environ()
	if a.cfg.APIKey != "" {
		env = append(env, "GEMINI_API_KEY="+a.cfg.APIKey)
	}
	if a.cfg.VertexProject != "" {
		env = append(env, "GOOGLE_CLOUD_PROJECT="+a.cfg.VertexProject)
	}
	if loc := a.cfg.GetVertexLocation(); loc != "" {
		env = append(env, "GOOGLE_CLOUD_LOCATION="+loc)
	}
	return env
}

func applyRequestDefaults(req types.AnalysisRequest, cfg config.Config) types.AnalysisRequest {
	if req.Depth == "" {
		req.Depth = types.DepthModerate
	}
	if req.OutputFormat == "" {
		req.OutputFormat = types.OutputFormat(cfg.Analysis.OutputFormat)
	}
	if req.OutputFormat == "" {
		req.OutputFormat = types.FormatJSON
	}
	return req
}

// WrapperOptions carries the free-form bits a specialized wrapper
// can't default on its own.
type WrapperOptions struct {
	Query string
}

// SecurityScan runs a deep security-focused analysis (spec.md §4.7).
func (a *Analyzer) SecurityScan(ctx context.Context, target []string, opts WrapperOptions) types.AnalysisResult {
	return a.Analyze(ctx, types.AnalysisRequest{
		Type:   types.AnalysisSecurity,
		Target: target,
		Depth:  types.DepthDeep,
		Focus:  []string{"vulnerabilities", "secrets", "misconfig"},
		Query:  opts.Query,
	})
}

// ArchitectureMap runs a comprehensive architecture-mapping analysis.
func (a *Analyzer) ArchitectureMap(ctx context.Context, target []string, opts WrapperOptions) types.AnalysisResult {
	return a.Analyze(ctx, types.AnalysisRequest{
		Type:   types.AnalysisArchitecture,
		Target: target,
		Depth:  types.DepthComprehensive,
		Focus:  []string{"components", "dependencies", "layers"},
		Query:  opts.Query,
	})
}

// DependencyAnalysis runs a deep dependency-health analysis.
func (a *Analyzer) DependencyAnalysis(ctx context.Context, target []string, opts WrapperOptions) types.AnalysisResult {
	return a.Analyze(ctx, types.AnalysisRequest{
		Type:   types.AnalysisDependencies,
		Target: target,
		Depth:  types.DepthDeep,
		Focus:  []string{"outdated", "vulnerabilities", "licenses"},
		Query:  opts.Query,
	})
}

// CoverageAssess runs a moderate-depth test-coverage assessment.
func (a *Analyzer) CoverageAssess(ctx context.Context, target []string, opts WrapperOptions) types.AnalysisResult {
	return a.Analyze(ctx, types.AnalysisRequest{
		Type:   types.AnalysisCoverage,
		Target: target,
		Depth:  types.DepthModerate,
		Focus:  []string{"untested", "quality", "edge-cases"},
		Query:  opts.Query,
	})
}

// VerifyResult is the structured answer to "is this feature
// implemented", per spec.md §4.7.
type VerifyResult struct {
	Implemented bool   `json:"implemented"`
	Confidence  int    `json:"confidence"`
	Details     string `json:"details"`
}

// Verify asks whether feature is implemented under target, requesting
// a JSON answer from the upstream CLI. On parse failure it falls back
// to {false, 0, result.Summary} rather than propagating an error —
// Verify inherits Analyze's total-boundary contract.
func (a *Analyzer) Verify(ctx context.Context, feature string, target string) VerifyResult {
	query := fmt.Sprintf(
		`Is %q implemented in this codebase? Respond with a JSON object with exactly these fields: "implemented" (boolean), "confidence" (integer 0-100), "details" (string).`,
		feature,
	)
	result := a.Analyze(ctx, types.AnalysisRequest{
		Type:         types.AnalysisCodebase,
		Target:       []string{target},
		Depth:        types.DepthModerate,
		Query:        query,
		OutputFormat: types.FormatJSON,
	})

	var vr VerifyResult
	if err := json.Unmarshal([]byte(result.RawOutput), &vr); err == nil {
		return vr
	}
	return VerifyResult{Implemented: false, Confidence: 0, Details: result.Summary}
}
