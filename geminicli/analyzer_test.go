package geminicli

import (
	"context"
	"testing"
	"time"

	"github.com/cassmtnr/gemini-bridge/geminicli/cache"
	"github.com/cassmtnr/gemini-bridge/geminicli/config"
	"github.com/cassmtnr/gemini-bridge/geminicli/errs"
	"github.com/cassmtnr/gemini-bridge/geminicli/locator"
	"github.com/cassmtnr/gemini-bridge/geminicli/ratelimit"
	"github.com/cassmtnr/gemini-bridge/geminicli/runner"
	"github.com/cassmtnr/gemini-bridge/geminicli/types"
)

func newTestAnalyzer(t *testing.T, binaryPath string) *Analyzer {
	t.Helper()
	cfg := config.Default()
	cfg.Enabled = true
	cfg.Cache.Directory = t.TempDir()

	loc := locator.FromPath(binaryPath)
	limiter := ratelimit.New(config.RateLimitConfig{Enabled: false})
	c := cache.New(cfg.Cache)
	if err := c.Initialize(); err != nil {
		t.Fatalf("cache initialize: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	return New(cfg, loc, limiter, c)
}

// S4 – CLI missing.
func TestAnalyzeCLIMissing(t *testing.T) {
	a := newTestAnalyzer(t, "")

	result := a.Analyze(context.Background(), types.NewRequest(types.AnalysisCodebase, "./src"))

	if result.Success {
		t.Fatalf("expected success=false when the binary is not installed")
	}
	if result.Summary != "Analysis failed" {
		t.Fatalf("expected summary 'Analysis failed', got %q", result.Summary)
	}
	if len(result.Errors) != 1 || result.Errors[0] != "Gemini CLI not installed" {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if len(result.Findings) != 0 {
		t.Fatalf("expected no findings, got %v", result.Findings)
	}
	if result.RequestID == "" {
		t.Fatalf("expected a populated requestId even on failure")
	}
}

// S5 – Subprocess non-zero exit.
func TestAnalyzeSubprocessNonZeroExit(t *testing.T) {
	a := newTestAnalyzer(t, "/fake/gemini")
	a.runFunc = func(ctx context.Context, binaryPath string, args []string, opts runner.Options) (runner.Result, error) {
		return runner.Result{}, &errs.ExecutionError{ExitCode: 2, HasExit: true, Stderr: "oops"}
	}

	before := a.limiter.GetQuotaStatus()
	result := a.Analyze(context.Background(), types.NewRequest(types.AnalysisCodebase, "./src"))
	after := a.limiter.GetQuotaStatus()

	if result.Success {
		t.Fatalf("expected success=false on non-zero exit")
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected exactly one error message, got %v", result.Errors)
	}
	msg := result.Errors[0]
	if !contains(msg, "Command failed with code 2") || !contains(msg, "oops") {
		t.Fatalf("expected error message to mention exit code and stderr, got %q", msg)
	}
	if before.PerMinute.Used != after.PerMinute.Used {
		t.Fatalf("expected no rate token consumed on failure")
	}
}

func TestAnalyzeSuccessPathParsesAndCaches(t *testing.T) {
	a := newTestAnalyzer(t, "/fake/gemini")
	stdout := []byte(`{"summary":"ok","findings":[],"metrics":{"filesAnalyzed":1,"linesOfCode":10},"recommendations":[],"tokenUsage":{"prompt":1,"completion":1,"total":2}}`)
	calls := 0
	a.runFunc = func(ctx context.Context, binaryPath string, args []string, opts runner.Options) (runner.Result, error) {
		calls++
		return runner.Result{ExitCode: 0, Stdout: stdout}, nil
	}

	req := types.NewRequest(types.AnalysisCodebase, "./src")
	first := a.Analyze(context.Background(), req)
	if !first.Success || first.Summary != "ok" {
		t.Fatalf("unexpected first result: %+v", first)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one subprocess run, got %d", calls)
	}

	// Second call with an identical request must hit the cache and
	// must NOT invoke the subprocess again.
	second := a.Analyze(context.Background(), req)
	if !second.Success || second.RequestID != first.RequestID {
		t.Fatalf("expected cache hit to return the identical cached result, got %+v", second)
	}
	if calls != 1 {
		t.Fatalf("expected cache hit to skip the subprocess, got %d calls", calls)
	}
}

func TestAnalyzeFailurePathResultNeverCached(t *testing.T) {
	a := newTestAnalyzer(t, "")
	req := types.NewRequest(types.AnalysisCodebase, "./uncacheable")

	first := a.Analyze(context.Background(), req)
	if first.Success {
		t.Fatalf("expected failure on first call")
	}

	a.locator = locator.FromPath("") // still missing
	second := a.Analyze(context.Background(), req)
	if second.RequestID == first.RequestID {
		t.Fatalf("expected a fresh requestId on the second call, meaning no cache entry was written for the failure")
	}
}

func TestVerifyFallsBackWhenResponseIsNotJSON(t *testing.T) {
	a := newTestAnalyzer(t, "/fake/gemini")
	a.runFunc = func(ctx context.Context, binaryPath string, args []string, opts runner.Options) (runner.Result, error) {
		return runner.Result{ExitCode: 0, Stdout: []byte("plain prose, not json")}, nil
	}

	vr := a.Verify(context.Background(), "dark mode", "./src")
	if vr.Implemented {
		t.Fatalf("expected Implemented=false on parse failure")
	}
	if vr.Confidence != 0 {
		t.Fatalf("expected Confidence=0 on parse failure")
	}
}

func TestVerifyParsesStructuredJSONAnswer(t *testing.T) {
	a := newTestAnalyzer(t, "/fake/gemini")
	a.runFunc = func(ctx context.Context, binaryPath string, args []string, opts runner.Options) (runner.Result, error) {
		return runner.Result{ExitCode: 0, Stdout: []byte(`{"implemented":true,"confidence":80,"details":"found in auth.go"}`)}, nil
	}

	vr := a.Verify(context.Background(), "dark mode", "./src")
	if !vr.Implemented || vr.Confidence != 80 {
		t.Fatalf("unexpected verify result: %+v", vr)
	}
}

func TestGetStatusComposesLocatorAndQuota(t *testing.T) {
	a := newTestAnalyzer(t, "/fake/gemini")
	status := a.GetStatus()
	if !status.Installed {
		t.Fatalf("expected Installed=true for a pinned binary path")
	}
	if status.BinaryPath != "/fake/gemini" {
		t.Fatalf("expected binary path to be reported, got %q", status.BinaryPath)
	}
	want := a.limiter.GetQuotaStatus()
	if status.Quota.PerMinute.Limit != want.PerMinute.Limit || status.Quota.PerDay.Limit != want.PerDay.Limit {
		t.Fatalf("expected quota limits from the limiter, got %+v want %+v", status.Quota, want)
	}
}

func TestAnalyzeBatchReturnsOneSuccessfulResultPerRequest(t *testing.T) {
	a := newTestAnalyzer(t, "/fake/gemini")
	a.runFunc = func(ctx context.Context, binaryPath string, args []string, opts runner.Options) (runner.Result, error) {
		time.Sleep(5 * time.Millisecond)
		return runner.Result{ExitCode: 0, Stdout: []byte(`{"summary":"ok"}`)}, nil
	}

	reqs := []types.AnalysisRequest{
		types.NewRequest(types.AnalysisCodebase, "./a"),
		types.NewRequest(types.AnalysisCodebase, "./b"),
		types.NewRequest(types.AnalysisCodebase, "./c"),
	}
	results := a.AnalyzeBatch(context.Background(), reqs)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for _, r := range results {
		if !r.Success {
			t.Fatalf("expected every batched analysis to succeed: %+v", r)
		}
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
