package config

import (
	"testing"
	"time"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Enabled {
		t.Fatalf("expected Enabled=false by default")
	}
	if cfg.DefaultModel != DefaultModel {
		t.Fatalf("expected default model %q, got %q", DefaultModel, cfg.DefaultModel)
	}
	if cfg.ContextLimit != DefaultContextLimit {
		t.Fatalf("expected context limit %d, got %d", DefaultContextLimit, cfg.ContextLimit)
	}
	if cfg.RateLimit.PerMinute != 60 || cfg.RateLimit.PerDay != 1000 {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Cache.MaxEntries != 100 {
		t.Fatalf("expected max entries 100, got %d", cfg.Cache.MaxEntries)
	}
	if cfg.CacheTTL() != time.Hour {
		t.Fatalf("expected cache TTL of 1h, got %s", cfg.CacheTTL())
	}
	if cfg.AnalysisTimeout() != 300*time.Second {
		t.Fatalf("expected 300s analysis timeout, got %s", cfg.AnalysisTimeout())
	}
}

func TestGetModelFallsBackWhenEmpty(t *testing.T) {
	cfg := Config{}
	if cfg.GetModel() != DefaultModel {
		t.Fatalf("expected fallback to %q, got %q", DefaultModel, cfg.GetModel())
	}
}

func TestGetVertexLocationFallsBackWhenEmpty(t *testing.T) {
	cfg := Config{}
	if cfg.GetVertexLocation() != DefaultVertexLocation {
		t.Fatalf("expected fallback to %q, got %q", DefaultVertexLocation, cfg.GetVertexLocation())
	}
}

func TestAnalysisTimeoutFallsBackWhenUnset(t *testing.T) {
	cfg := Config{}
	if cfg.AnalysisTimeout() != 300*time.Second {
		t.Fatalf("expected 300s fallback, got %s", cfg.AnalysisTimeout())
	}
}
