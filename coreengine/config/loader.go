package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the top-level document for file-based configuration.
// A single file can declare several pipelines plus the execution knobs.
type FileConfig struct {
	Execution *ExecutionConfig  `yaml:"execution,omitempty"`
	Pipelines []*PipelineConfig `yaml:"pipelines"`
}

// LoadFile reads and validates a YAML configuration file.
// Every declared pipeline is validated before the result is returned.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates a YAML configuration document.
func Parse(data []byte) (*FileConfig, error) {
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if fc.Execution == nil {
		fc.Execution = DefaultExecutionConfig()
	}
	if len(fc.Pipelines) == 0 {
		return nil, fmt.Errorf("config declares no pipelines")
	}
	seen := make(map[string]bool, len(fc.Pipelines))
	for _, p := range fc.Pipelines {
		applyPipelineDefaults(p)
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("pipeline '%s': %w", p.Name, err)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate pipeline name '%s'", p.Name)
		}
		seen[p.Name] = true
	}
	return &fc, nil
}

// Pipeline returns the named pipeline, or nil.
func (fc *FileConfig) Pipeline(name string) *PipelineConfig {
	for _, p := range fc.Pipelines {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// applyPipelineDefaults fills zero-valued bounds on pipelines that came
// from a file rather than NewPipelineConfig.
func applyPipelineDefaults(p *PipelineConfig) {
	if p.MaxIterations == 0 {
		p.MaxIterations = 3
	}
	if p.MaxLLMCalls == 0 {
		p.MaxLLMCalls = 10
	}
	if p.MaxAgentHops == 0 {
		p.MaxAgentHops = 21
	}
	if p.DefaultTimeoutSeconds == 0 {
		p.DefaultTimeoutSeconds = 300
	}
}
