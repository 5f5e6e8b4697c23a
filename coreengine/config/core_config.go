// Package config provides reviewcore configuration.
//
// CoreConfig is a flat, serializable view of every tunable: pipeline
// behaviour, stage policies and endpoints, checkpoint backend, tracing,
// metrics and logging. It is built from defaults overlaid by a map (as
// produced by Load from a YAML file and REVIEWCORE_ environment variables).
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/reviewcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/typeutil"
)

// CoreConfig holds reviewcore configuration.
type CoreConfig struct {
	// Pipeline
	PipelineName string `json:"pipeline_name"`
	MaxRelated   int    `json:"max_related"` // Related papers requested from the citation stage

	// Stage failure policies and remote endpoints, keyed by stage name
	StagePolicies  map[kernel.Stage]kernel.Policy `json:"stage_policies"`
	StageEndpoints map[kernel.Stage]string        `json:"stage_endpoints"`

	// Transport deadline for one remote stage call (seconds, 0 = none).
	// The coordinator itself never times out a stage.
	StageCallTimeout int `json:"stage_call_timeout"`

	// Checkpointing
	CheckpointBackend string `json:"checkpoint_backend"` // memory | sqlite
	CheckpointDSN     string `json:"checkpoint_dsn"`

	// Observability
	TracingExporter string `json:"tracing_exporter"` // none | otlp | stdout
	TracingEndpoint string `json:"tracing_endpoint"`
	MetricsAddr     string `json:"metrics_addr"` // empty disables /metrics

	// Stage server
	ListenAddr string `json:"listen_addr"`

	// Logging
	LogLevel string `json:"log_level"`
}

// DefaultCoreConfig returns a CoreConfig with default values.
func DefaultCoreConfig() *CoreConfig {
	policies := make(map[kernel.Stage]kernel.Policy)
	for _, s := range kernel.Stages() {
		policies[s] = kernel.DefaultPolicy(s)
	}
	return &CoreConfig{
		PipelineName:      "paper-review",
		MaxRelated:        10,
		StagePolicies:     policies,
		StageEndpoints:    map[kernel.Stage]string{},
		StageCallTimeout:  300,
		CheckpointBackend: "memory",
		TracingExporter:   "none",
		ListenAddr:        ":50051",
		LogLevel:          "INFO",
	}
}

// CoreConfigFromMap creates CoreConfig from a map.
// Unknown keys are ignored. Numbers and booleans may be given as strings.
func CoreConfigFromMap(config map[string]any) *CoreConfig {
	c := DefaultCoreConfig()

	if v, ok := typeutil.SafeString(config["pipeline_name"]); ok {
		c.PipelineName = v
	}
	if v, ok := typeutil.SafeInt(config["max_related"]); ok {
		c.MaxRelated = v
	}
	if v, ok := typeutil.SafeInt(config["stage_call_timeout"]); ok {
		c.StageCallTimeout = v
	}
	if m, ok := typeutil.SafeMapStringAny(config["stage_policies"]); ok {
		for name, raw := range m {
			if v, ok := typeutil.SafeString(raw); ok {
				c.StagePolicies[stageKey(name)] = kernel.Policy(v)
			}
		}
	}
	if m, ok := typeutil.SafeMapStringAny(config["stage_endpoints"]); ok {
		for name, raw := range m {
			if v, ok := typeutil.SafeString(raw); ok {
				c.StageEndpoints[stageKey(name)] = v
			}
		}
	}
	if v, ok := typeutil.SafeString(config["checkpoint_backend"]); ok {
		c.CheckpointBackend = v
	}
	if v, ok := typeutil.SafeString(config["checkpoint_dsn"]); ok {
		c.CheckpointDSN = v
	}
	if v, ok := typeutil.SafeString(config["tracing_exporter"]); ok {
		c.TracingExporter = v
	}
	if v, ok := typeutil.SafeString(config["tracing_endpoint"]); ok {
		c.TracingEndpoint = v
	}
	if v, ok := typeutil.SafeString(config["metrics_addr"]); ok {
		c.MetricsAddr = v
	}
	if v, ok := typeutil.SafeString(config["listen_addr"]); ok {
		c.ListenAddr = v
	}
	if v, ok := typeutil.SafeString(config["log_level"]); ok {
		c.LogLevel = v
	}

	return c
}

// stageKey resolves a configured stage name case-insensitively. Unknown
// names are kept as given so Validate can report them.
func stageKey(name string) kernel.Stage {
	if s, err := kernel.ParseStage(name); err == nil {
		return s
	}
	return kernel.Stage(name)
}

// ToMap converts config to a map accepted by CoreConfigFromMap.
func (c *CoreConfig) ToMap() map[string]any {
	policies := make(map[string]any, len(c.StagePolicies))
	for s, p := range c.StagePolicies {
		policies[string(s)] = string(p)
	}
	endpoints := make(map[string]any, len(c.StageEndpoints))
	for s, e := range c.StageEndpoints {
		endpoints[string(s)] = e
	}
	return map[string]any{
		"pipeline_name":      c.PipelineName,
		"max_related":        c.MaxRelated,
		"stage_policies":     policies,
		"stage_endpoints":    endpoints,
		"stage_call_timeout": c.StageCallTimeout,
		"checkpoint_backend": c.CheckpointBackend,
		"checkpoint_dsn":     c.CheckpointDSN,
		"tracing_exporter":   c.TracingExporter,
		"tracing_endpoint":   c.TracingEndpoint,
		"metrics_addr":       c.MetricsAddr,
		"listen_addr":        c.ListenAddr,
		"log_level":          c.LogLevel,
	}
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *CoreConfig) Validate() error {
	if c.PipelineName == "" {
		return fmt.Errorf("pipeline_name is required")
	}
	if c.MaxRelated <= 0 {
		return fmt.Errorf("max_related must be positive, got %d", c.MaxRelated)
	}
	if c.StageCallTimeout < 0 {
		return fmt.Errorf("stage_call_timeout must not be negative, got %d", c.StageCallTimeout)
	}
	for s, p := range c.StagePolicies {
		if !s.IsValid() {
			return fmt.Errorf("stage_policies: unknown stage '%s'", s)
		}
		if !p.IsValid() {
			return fmt.Errorf("stage_policies: stage '%s' has invalid policy '%s'", s, p)
		}
	}
	for s := range c.StageEndpoints {
		if !s.IsValid() {
			return fmt.Errorf("stage_endpoints: unknown stage '%s'", s)
		}
	}
	switch c.CheckpointBackend {
	case "memory":
	case "sqlite":
		if c.CheckpointDSN == "" {
			return fmt.Errorf("checkpoint_dsn is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown checkpoint_backend '%s'", c.CheckpointBackend)
	}
	switch c.TracingExporter {
	case "", "none", "stdout":
	case "otlp":
		if c.TracingEndpoint == "" {
			return fmt.Errorf("tracing_endpoint is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("unknown tracing_exporter '%s'", c.TracingExporter)
	}
	return nil
}

// CallTimeout returns StageCallTimeout as a duration.
func (c *CoreConfig) CallTimeout() time.Duration {
	return time.Duration(c.StageCallTimeout) * time.Second
}

// =============================================================================
// GLOBAL CONFIG (set by cmd bootstrap)
// =============================================================================

var (
	globalCoreConfig *CoreConfig
	configMu         sync.RWMutex
)

// GetCoreConfig gets the core configuration instance.
// Returns the injected config or defaults.
func GetCoreConfig() *CoreConfig {
	configMu.RLock()
	defer configMu.RUnlock()

	if globalCoreConfig == nil {
		return DefaultCoreConfig()
	}
	return globalCoreConfig
}

// SetCoreConfig sets the core configuration instance.
func SetCoreConfig(config *CoreConfig) {
	configMu.Lock()
	defer configMu.Unlock()

	globalCoreConfig = config
}

// ResetCoreConfig resets core config to nil (useful for testing).
// After reset, GetCoreConfig() will return defaults.
func ResetCoreConfig() {
	configMu.Lock()
	defer configMu.Unlock()

	globalCoreConfig = nil
}
