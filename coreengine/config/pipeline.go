package config

import (
	"fmt"

	"github.com/jeeves-cluster-organization/reviewcore/coreengine/agents"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/envelope"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/kernel"
)

// StageConfig configures one pipeline stage.
type StageConfig struct {
	Name     kernel.Stage    `json:"name"`
	Action   envelope.Action `json:"action"`
	Policy   kernel.Policy   `json:"policy"`
	Receiver string          `json:"receiver"` // Component name requests are addressed to
}

// Validate validates the stage configuration.
func (c *StageConfig) Validate() error {
	if !c.Name.IsValid() {
		return fmt.Errorf("unknown stage '%s'", c.Name)
	}
	if c.Action != c.Name.Action() {
		return fmt.Errorf("stage '%s' must use action '%s', got '%s'", c.Name, c.Name.Action(), c.Action)
	}
	if !c.Policy.IsValid() {
		return fmt.Errorf("stage '%s' has invalid policy '%s'", c.Name, c.Policy)
	}
	if c.Receiver == "" {
		return fmt.Errorf("stage '%s' requires a receiver", c.Name)
	}
	return nil
}

// NewStageConfig returns the default configuration for stage.
func NewStageConfig(stage kernel.Stage) *StageConfig {
	return &StageConfig{
		Name:     stage,
		Action:   stage.Action(),
		Policy:   kernel.DefaultPolicy(stage),
		Receiver: agents.DefaultReceiver(stage),
	}
}

// PipelineConfig is the ordered stage list a coordinator runs.
type PipelineConfig struct {
	Name       string         `json:"name"` // Pipeline name for logging/metrics
	Stages     []*StageConfig `json:"stages"`
	MaxRelated int            `json:"max_related"`
}

// NewPipelineConfig creates an empty pipeline config.
func NewPipelineConfig(name string) *PipelineConfig {
	return &PipelineConfig{
		Name:       name,
		Stages:     make([]*StageConfig, 0, len(kernel.Stages())),
		MaxRelated: agents.DefaultMaxRelated,
	}
}

// DefaultPipelineConfig returns the four-stage pipeline with default policies.
func DefaultPipelineConfig() *PipelineConfig {
	p := NewPipelineConfig("paper-review")
	for _, s := range kernel.Stages() {
		p.Stages = append(p.Stages, NewStageConfig(s))
	}
	return p
}

// PipelineConfigFromCore derives a validated pipeline from core configuration.
func PipelineConfigFromCore(c *CoreConfig) (*PipelineConfig, error) {
	p := DefaultPipelineConfig()
	p.Name = c.PipelineName
	p.MaxRelated = c.MaxRelated
	for _, sc := range p.Stages {
		if policy, ok := c.StagePolicies[sc.Name]; ok {
			sc.Policy = policy
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// AddStage appends a stage to the pipeline.
func (p *PipelineConfig) AddStage(stage *StageConfig) error {
	if err := stage.Validate(); err != nil {
		return err
	}
	if p.GetStage(stage.Name) != nil {
		return fmt.Errorf("duplicate stage: %s", stage.Name)
	}
	p.Stages = append(p.Stages, stage)
	return nil
}

// Validate validates the pipeline configuration.
// The stage list must be exactly extraction, critique, citation, synthesis.
func (p *PipelineConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("PipelineConfig.Name is required")
	}
	if p.MaxRelated <= 0 {
		return fmt.Errorf("PipelineConfig.MaxRelated must be positive")
	}
	order := kernel.Stages()
	if len(p.Stages) != len(order) {
		return fmt.Errorf("pipeline must have %d stages, got %d", len(order), len(p.Stages))
	}
	for i, sc := range p.Stages {
		if sc == nil {
			return fmt.Errorf("stage %d is nil", i)
		}
		if err := sc.Validate(); err != nil {
			return err
		}
		if sc.Name != order[i] {
			return fmt.Errorf("stage %d must be '%s', got '%s'", i, order[i], sc.Name)
		}
	}
	return nil
}

// GetStage returns the configuration for stage, or nil.
func (p *PipelineConfig) GetStage(stage kernel.Stage) *StageConfig {
	for _, sc := range p.Stages {
		if sc.Name == stage {
			return sc
		}
	}
	return nil
}

// PolicyFor returns the configured policy for stage, falling back to the default.
func (p *PipelineConfig) PolicyFor(stage kernel.Stage) kernel.Policy {
	if sc := p.GetStage(stage); sc != nil && sc.Policy.IsValid() {
		return sc.Policy
	}
	return kernel.DefaultPolicy(stage)
}

// GetStageOrder returns ordered list of stage names.
func (p *PipelineConfig) GetStageOrder() []kernel.Stage {
	order := make([]kernel.Stage, len(p.Stages))
	for i, sc := range p.Stages {
		order[i] = sc.Name
	}
	return order
}
