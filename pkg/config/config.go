// Package config loads Backstop's configuration: koanf defaults layered
// under a YAML file layered under BACKSTOP_-prefixed environment variables.
// The fallback section converts to an engine.Config snapshot; custom error
// patterns compile into the pattern registry's entry type.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/backstoplabs/backstop/pkg/core"
	"github.com/backstoplabs/backstop/pkg/engine"
	"github.com/backstoplabs/backstop/pkg/patterns"
	"github.com/backstoplabs/backstop/pkg/retry"
	"github.com/backstoplabs/backstop/pkg/selector"
	"github.com/backstoplabs/backstop/pkg/telemetry"
)

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Host      HostConfig      `koanf:"host"`
	Fallback  FallbackConfig  `koanf:"fallback"`
	Patterns  []PatternConfig `koanf:"patterns"`

	// PatternsFile optionally names a standalone YAML pattern pack (a
	// top-level sequence of pattern entries) appended to Patterns after
	// loading. Relative paths resolve against the config file's directory.
	PatternsFile string `koanf:"patterns_file"`

	History    HistoryConfig    `koanf:"history"`
	Introspect IntrospectConfig `koanf:"introspect"`
	Janitor    JanitorConfig    `koanf:"janitor"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Enabled        bool          `koanf:"enabled"`
	Exporter       string        `koanf:"exporter"` // stdout, otlp
	OTLPEndpoint   string        `koanf:"otlp_endpoint"`
	OTLPInsecure   bool          `koanf:"otlp_insecure"`
	MetricInterval time.Duration `koanf:"metric_interval"`
}

// SDK converts the section to the telemetry package's exporter config.
func (c TelemetryConfig) SDK() telemetry.Config {
	return telemetry.Config{
		Exporter:       c.Exporter,
		OTLPEndpoint:   c.OTLPEndpoint,
		OTLPInsecure:   c.OTLPInsecure,
		MetricInterval: c.MetricInterval,
	}
}

type HostConfig struct {
	BaseURL string        `koanf:"base_url"`
	Token   string        `koanf:"token"`
	Timeout time.Duration `koanf:"timeout"`
}

type FallbackConfig struct {
	// Models is the ordered chain, each entry "provider/model".
	Models          []string             `koanf:"models"`
	Cooldown        time.Duration        `koanf:"cooldown"`
	Mode            string               `koanf:"mode"` // cycle, stop, retry-last
	HealthSelection bool                 `koanf:"health_selection"`
	Subagents       bool                 `koanf:"subagents"`
	Prioritization  PrioritizationConfig `koanf:"prioritization"`
	CircuitBreaker  CircuitBreakerConfig `koanf:"circuit_breaker"`
	Retry           RetryConfig          `koanf:"retry"`
}

type PrioritizationConfig struct {
	Enabled      bool          `koanf:"enabled"`
	RecentWindow time.Duration `koanf:"recent_window"`
	MinSamples   int           `koanf:"min_samples"`
}

type CircuitBreakerConfig struct {
	Enabled           bool          `koanf:"enabled"`
	FailureThreshold  int           `koanf:"failure_threshold"`
	OpenDuration      time.Duration `koanf:"open_duration"`
	HalfOpenMaxProbes int           `koanf:"half_open_max_probes"`
	CountRateLimits   bool          `koanf:"count_rate_limits"`
}

type RetryConfig struct {
	MaxRetries   int           `koanf:"max_retries"`
	Strategy     string        `koanf:"strategy"` // immediate, linear, exponential, polynomial
	BaseDelay    time.Duration `koanf:"base_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
	Jitter       bool          `koanf:"jitter"`
	JitterFactor float64       `koanf:"jitter_factor"`
	Timeout      time.Duration `koanf:"timeout"`
}

// PatternConfig declares one custom rate-limit pattern group in the YAML
// file. Literals match as case-insensitive substrings; regexes compile
// verbatim and run against the lowercased error text.
type PatternConfig struct {
	Name     string   `koanf:"name"`
	Provider string   `koanf:"provider"`
	Priority int      `koanf:"priority"`
	Literals []string `koanf:"literals"`
	Regexes  []string `koanf:"regexes"`
}

type HistoryConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

type IntrospectConfig struct {
	Enabled bool `koanf:"enabled"`
}

type JanitorConfig struct {
	Interval time.Duration `koanf:"interval"`
	TTL      time.Duration `koanf:"ttl"`
}

// Load reads the configuration: defaults, then the YAML file at path (if
// any), then BACKSTOP_ environment overrides (BACKSTOP_FALLBACK_MODE ->
// fallback.mode).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("telemetry.enabled", false)
	k.Set("telemetry.exporter", "stdout")

	k.Set("host.base_url", "http://127.0.0.1:4096")
	k.Set("host.timeout", "30s")

	k.Set("fallback.cooldown", "5m")
	k.Set("fallback.mode", "cycle")
	k.Set("fallback.subagents", true)
	k.Set("fallback.retry.max_retries", retry.DefaultMaxRetries)
	k.Set("fallback.retry.strategy", string(retry.StrategyExponential))
	k.Set("fallback.retry.base_delay", "1s")
	k.Set("fallback.retry.max_delay", "30s")
	k.Set("fallback.retry.jitter", true)
	k.Set("fallback.retry.jitter_factor", retry.DefaultJitterFactor)
	k.Set("fallback.circuit_breaker.failure_threshold", 5)
	k.Set("fallback.circuit_breaker.open_duration", "30s")
	k.Set("fallback.circuit_breaker.half_open_max_probes", 1)
	k.Set("fallback.prioritization.recent_window", "10m")
	k.Set("fallback.prioritization.min_samples", 3)

	k.Set("history.path", "backstop.db")
	k.Set("janitor.interval", "1m")
	k.Set("janitor.ttl", "30m")

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	// 2. Load from ENV (BACKSTOP_LOG_LEVEL -> log.level)
	if err := k.Load(env.Provider("BACKSTOP_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "BACKSTOP_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.PatternsFile != "" {
		packPath := cfg.PatternsFile
		if !filepath.IsAbs(packPath) && path != "" {
			packPath = filepath.Join(filepath.Dir(path), packPath)
		}
		pack, err := LoadPatternsFile(packPath)
		if err != nil {
			return nil, err
		}
		cfg.Patterns = append(cfg.Patterns, pack...)
	}
	return &cfg, nil
}

// Engine converts the fallback section to the engine's runtime snapshot.
// Malformed model references are an error here; range validation of the
// rest is the engine's job.
func (c *Config) Engine() (engine.Config, error) {
	models := make([]core.ModelRef, 0, len(c.Fallback.Models))
	for _, s := range c.Fallback.Models {
		m, err := ParseModelRef(s)
		if err != nil {
			return engine.Config{}, err
		}
		models = append(models, m)
	}

	return engine.Config{
		Models:          models,
		Cooldown:        c.Fallback.Cooldown,
		Mode:            selector.Mode(c.Fallback.Mode),
		HealthSelection: c.Fallback.HealthSelection,
		DynamicPrioritization: engine.PrioritizationConfig{
			Enabled:      c.Fallback.Prioritization.Enabled,
			RecentWindow: c.Fallback.Prioritization.RecentWindow,
			MinSamples:   c.Fallback.Prioritization.MinSamples,
		},
		CircuitBreaker: engine.CircuitBreakerConfig{
			Enabled:           c.Fallback.CircuitBreaker.Enabled,
			FailureThreshold:  c.Fallback.CircuitBreaker.FailureThreshold,
			OpenDuration:      c.Fallback.CircuitBreaker.OpenDuration,
			HalfOpenMaxProbes: c.Fallback.CircuitBreaker.HalfOpenMaxProbes,
			CountRateLimits:   c.Fallback.CircuitBreaker.CountRateLimits,
		},
		RetryPolicy: retry.Policy{
			MaxRetries:    c.Fallback.Retry.MaxRetries,
			Strategy:      retry.Strategy(c.Fallback.Retry.Strategy),
			BaseDelay:     c.Fallback.Retry.BaseDelay,
			MaxDelay:      c.Fallback.Retry.MaxDelay,
			JitterEnabled: c.Fallback.Retry.Jitter,
			JitterFactor:  c.Fallback.Retry.JitterFactor,
			Timeout:       c.Fallback.Retry.Timeout,
		},
		EnableSubagentFallback: c.Fallback.Subagents,
	}, nil
}

// ErrorPatterns compiles the custom pattern sections for registration.
func (c *Config) ErrorPatterns() ([]patterns.ErrorPattern, error) {
	out := make([]patterns.ErrorPattern, 0, len(c.Patterns))
	for _, pc := range c.Patterns {
		ep, err := pc.Compile()
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

// Compile builds the registry entry for one pattern section.
func (pc PatternConfig) Compile() (patterns.ErrorPattern, error) {
	if pc.Name == "" {
		return patterns.ErrorPattern{}, fmt.Errorf("pattern without a name")
	}
	ps := make([]patterns.Pattern, 0, len(pc.Literals)+len(pc.Regexes))
	for _, lit := range pc.Literals {
		ps = append(ps, patterns.Literal(lit))
	}
	for _, expr := range pc.Regexes {
		p, err := patterns.Regex(expr)
		if err != nil {
			return patterns.ErrorPattern{}, fmt.Errorf("pattern %s: %w", pc.Name, err)
		}
		ps = append(ps, p)
	}
	if len(ps) == 0 {
		return patterns.ErrorPattern{}, fmt.Errorf("pattern %s: no literals or regexes", pc.Name)
	}
	return patterns.ErrorPattern{
		Name:     pc.Name,
		Provider: pc.Provider,
		Patterns: ps,
		Priority: pc.Priority,
	}, nil
}

// ParseModelRef parses a "provider/model" chain entry. The model part may
// itself contain slashes (bedrock ARNs and the like).
func ParseModelRef(s string) (core.ModelRef, error) {
	provider, model, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || provider == "" || model == "" {
		return core.ModelRef{}, fmt.Errorf("model %q: want provider/model", s)
	}
	return core.ModelRef{Provider: provider, Model: model}, nil
}
