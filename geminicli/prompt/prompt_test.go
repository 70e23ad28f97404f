package prompt

import (
	"strings"
	"testing"

	"github.com/cassmtnr/gemini-bridge/geminicli/types"
)

func TestBuildIncludesBasePromptForType(t *testing.T) {
	req := types.AnalysisRequest{Type: types.AnalysisSecurity, Depth: types.DepthModerate}
	got := Build(req)
	if !strings.Contains(got, "Perform a security audit") {
		t.Fatalf("expected security base prompt, got: %s", got)
	}
}

func TestBuildAppendsQueryFocusAndDepth(t *testing.T) {
	req := types.AnalysisRequest{
		Type:  types.AnalysisCodebase,
		Query: "pay attention to auth",
		Focus: []string{"auth", "sessions"},
		Depth: types.DepthDeep,
	}
	got := Build(req)

	for _, want := range []string{
		"Additional focus: pay attention to auth",
		"Focus on: auth, sessions",
		"Provide detailed analysis with comprehensive findings.",
		"Return structured output with: summary, findings",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected prompt to contain %q, got: %s", want, got)
		}
	}
}

func TestBuildUnknownTypeFallsBackToCodebase(t *testing.T) {
	req := types.AnalysisRequest{Type: types.AnalysisType("nonsense")}
	got := Build(req)
	if !strings.Contains(got, "Analyze this codebase comprehensively") {
		t.Fatalf("expected codebase fallback, got: %s", got)
	}
}

func TestArgsOrdersTargetsPromptThenJSONFlag(t *testing.T) {
	req := types.AnalysisRequest{
		Type:         types.AnalysisCodebase,
		Target:       []string{"./src", "./lib"},
		OutputFormat: types.FormatJSON,
	}
	args := Args(req)

	if args[0] != "@./src" || args[1] != "@./lib" {
		t.Fatalf("expected @path args first, got: %v", args[:2])
	}
	if args[2] != "-p" {
		t.Fatalf("expected -p flag at index 2, got: %v", args)
	}
	if args[len(args)-1] != "--json" {
		t.Fatalf("expected --json as the last arg, got: %v", args)
	}
}

func TestArgsOmitsJSONFlagForNonJSONFormat(t *testing.T) {
	req := types.AnalysisRequest{Type: types.AnalysisCodebase, Target: []string{"./src"}, OutputFormat: types.FormatText}
	args := Args(req)
	for _, a := range args {
		if a == "--json" {
			t.Fatalf("did not expect --json in args: %v", args)
		}
	}
}
