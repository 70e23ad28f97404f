package types

import "testing"

func TestNewRequestDefaultsDepthToModerate(t *testing.T) {
	req := NewRequest(AnalysisSecurity, "./src")
	if req.Depth != DepthModerate {
		t.Fatalf("expected DepthModerate, got %q", req.Depth)
	}
	if len(req.Target) != 1 || req.Target[0] != "./src" {
		t.Fatalf("unexpected target: %v", req.Target)
	}
}

func TestNewRequestAcceptsMultipleTargets(t *testing.T) {
	req := NewRequest(AnalysisCodebase, "a", "b", "c")
	if len(req.Target) != 3 {
		t.Fatalf("expected 3 targets, got %d", len(req.Target))
	}
}

func TestEmitNilHookIsSafe(t *testing.T) {
	var h Hook
	Emit(h, Event{Type: EventAnalysisStart}) // must not panic
}

func TestEmitInvokesHook(t *testing.T) {
	var got Event
	h := func(e Event) { got = e }
	Emit(h, Event{Type: EventCacheHit, RequestID: "abc"})
	if got.Type != EventCacheHit || got.RequestID != "abc" {
		t.Fatalf("hook did not receive expected event: %+v", got)
	}
}
