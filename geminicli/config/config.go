// Package config holds the bridge's configuration value type and its
// defaults. Persisting it to the JSON file in the user's home directory
// is the host's job (spec.md §1); this package only defines the shape
// and sane zero-value defaults, the way the teacher's config.AIConfig
// carries defaults via GetX() accessors rather than package-level
// constants sprinkled through call sites.
package config

import "time"

// DefaultModel is the model requested when Config.DefaultModel is empty.
const DefaultModel = "gemini-2.5-pro"

// DefaultContextLimit is the context window assumed when unset.
const DefaultContextLimit = 1_000_000

// DefaultVertexLocation is the Vertex AI region assumed when unset.
const DefaultVertexLocation = "us-central1"

// DefaultCacheDirectory is relative to the host process's working
// directory, per spec.md §3.
const DefaultCacheDirectory = ".claude-flow/cache/gemini"

// RateLimitConfig configures the dual-window token bucket (spec.md §4.2).
type RateLimitConfig struct {
	Enabled   bool `json:"enabled"`
	PerMinute int  `json:"perMinute"`
	PerDay    int  `json:"perDay"`
	Burst     int  `json:"burst"`
}

// CacheConfig configures the two-tier cache (spec.md §4.3).
type CacheConfig struct {
	Enabled    bool   `json:"enabled"`
	TTLMs      int64  `json:"ttlMs"`
	MaxEntries int    `json:"maxEntries"`
	Directory  string `json:"directory"`
}

// AnalysisConfig configures default analysis behavior (spec.md §3).
type AnalysisConfig struct {
	DefaultType     string   `json:"defaultType"`
	OutputFormat    string   `json:"outputFormat"`
	ExcludePatterns []string `json:"excludePatterns"`
	MaxFileSize     int64    `json:"maxFileSize"`
	TimeoutMs       int64    `json:"timeoutMs"`
}

// Config is the bridge's immutable-within-one-request configuration.
// A Config value is safe to share across concurrent requests: nothing
// in the pipeline mutates it.
type Config struct {
	Enabled        bool           `json:"enabled"`
	AuthMethod     string         `json:"authMethod"`
	APIKey         string         `json:"apiKey,omitempty"`
	VertexProject  string         `json:"vertexProject,omitempty"`
	VertexLocation string         `json:"vertexLocation,omitempty"`
	DefaultModel   string         `json:"defaultModel"`
	ContextLimit   int            `json:"contextLimit"`
	RateLimit      RateLimitConfig `json:"rateLimit"`
	Cache          CacheConfig     `json:"cache"`
	Analysis       AnalysisConfig  `json:"analysis"`
}

// Default returns a Config populated with spec.md §3's defaults.
func Default() Config {
	return Config{
		Enabled:        false,
		AuthMethod:     "google-login",
		VertexLocation: DefaultVertexLocation,
		DefaultModel:   DefaultModel,
		ContextLimit:   DefaultContextLimit,
		RateLimit: RateLimitConfig{
			Enabled:   true,
			PerMinute: 60,
			PerDay:    1000,
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTLMs:      int64(time.Hour / time.Millisecond),
			MaxEntries: 100,
			Directory:  DefaultCacheDirectory,
		},
		Analysis: AnalysisConfig{
			DefaultType:  "codebase",
			OutputFormat: "json",
			TimeoutMs:    int64(300_000),
		},
	}
}

// GetModel returns DefaultModel, falling back to the package default.
func (c Config) GetModel() string {
	if c.DefaultModel != "" {
		return c.DefaultModel
	}
	return DefaultModel
}

// GetVertexLocation returns VertexLocation, falling back to the default.
func (c Config) GetVertexLocation() string {
	if c.VertexLocation != "" {
		return c.VertexLocation
	}
	return DefaultVertexLocation
}

// CacheTTL returns the configured TTL as a time.Duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLMs) * time.Millisecond
}

// AnalysisTimeout returns the configured subprocess timeout.
func (c Config) AnalysisTimeout() time.Duration {
	if c.Analysis.TimeoutMs <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.Analysis.TimeoutMs) * time.Millisecond
}
