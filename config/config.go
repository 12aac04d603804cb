// Package config defines the gateway's typed configuration surface and a
// thin YAML loader for embedding the gateway in a larger process. Parsing
// a config file from a CLI entrypoint is out of scope; this package only
// defines the shape and a convenience reader.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// UpstreamServer is a single configured upstream MCP server launch spec.
// Exactly one of Command or URL should be set.
type UpstreamServer struct {
	ID      string            `yaml:"id"`
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	URL     string            `yaml:"url,omitempty"`
	// IdleTimeout closes an on-demand stdio session after this much
	// inactivity; zero disables idle shutdown.
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty"`
}

// SandboxConfig tunes the sandbox runtime (§4.5).
type SandboxConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	MemoryLimitBytes int64         `yaml:"memory_limit"`
	AllowedReadPaths []string      `yaml:"allowed_read_paths"`
	PIIProtection    bool          `yaml:"pii_protection"`
}

// CacheConfig tunes the sandbox result cache.
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
}

// SearchWeights are the α, β, γ hybrid-scoring weights; they must sum to 1.
type SearchWeights struct {
	Alpha float64 `yaml:"alpha"`
	Beta  float64 `yaml:"beta"`
	Gamma float64 `yaml:"gamma"`
}

// SpeculationConfig tunes speculative DAG execution (§4.4.6).
type SpeculationConfig struct {
	Enabled             bool    `yaml:"enabled"`
	Threshold           float64 `yaml:"threshold"`
	MaxConcurrentSpecs  int     `yaml:"max_concurrent"`
}

// Config is the gateway's full configuration surface (spec.md §6).
type Config struct {
	UpstreamServers   []UpstreamServer  `yaml:"upstream_servers"`
	MaxConcurrency    int               `yaml:"max_concurrency"`
	Sandbox           SandboxConfig     `yaml:"sandbox"`
	Cache             CacheConfig       `yaml:"cache"`
	Search            SearchWeights     `yaml:"search"`
	Speculation       SpeculationConfig `yaml:"speculation"`
	PendingTTLDefault time.Duration     `yaml:"pending_ttl_default"`
	GraphDecayLambda  float64           `yaml:"graph_decay_lambda"`
}

// Default returns the configuration defaults named throughout spec.md:
// maxConcurrency 10, 512MB/30s sandbox limits, a 100-entry/10-minute
// sandbox cache, (0.6, 0.25, 0.15) search weights, speculation off, 1h
// pending TTL, and λ=0.99 graph decay.
func Default() Config {
	return Config{
		MaxConcurrency: 10,
		Sandbox: SandboxConfig{
			Timeout:          30 * time.Second,
			MemoryLimitBytes: 512 * 1024 * 1024,
			PIIProtection:    true,
		},
		Cache: CacheConfig{
			Enabled:  true,
			Capacity: 100,
			TTL:      10 * time.Minute,
		},
		Search: SearchWeights{Alpha: 0.6, Beta: 0.25, Gamma: 0.15},
		Speculation: SpeculationConfig{
			Enabled:            false,
			Threshold:          0.8,
			MaxConcurrentSpecs: 4,
		},
		PendingTTLDefault: time.Hour,
		GraphDecayLambda:  0.99,
	}
}

// Load reads and parses a YAML configuration file, starting from Default()
// so an incomplete file still yields sane values for unset fields.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the subset of invariants that are cheap to verify
// statically: weight normalization and non-negative limits. Deeper
// validation (e.g., reachability of upstream commands) happens at start
// time in the upstream manager.
func (c Config) Validate() error {
	sum := c.Search.Alpha + c.Search.Beta + c.Search.Gamma
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("search.weights must sum to 1, got %v", sum)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be positive, got %d", c.MaxConcurrency)
	}
	for _, s := range c.UpstreamServers {
		if s.Command == "" && s.URL == "" {
			return fmt.Errorf("upstream server %q has neither command nor url", s.ID)
		}
	}
	return nil
}
