// Execution configuration: runtime knobs that are pipeline-independent.
//
// Infrastructure configuration (endpoints, credentials) lives with the
// embedding application; environment parsing happens at bootstrap, not here.
package config

import (
	"sync"
)

// ExecutionConfig holds kernel execution configuration.
//
// This configuration is infrastructure-agnostic and applies regardless of
// which LLM or tool backends are wired in.
type ExecutionConfig struct {
	// Execution Limits
	MaxToolRetries int `json:"max_tool_retries" yaml:"max_tool_retries"`
	MaxLLMRetries  int `json:"max_llm_retries" yaml:"max_llm_retries"`

	// Timeouts (seconds)
	LLMTimeout   int `json:"llm_timeout" yaml:"llm_timeout"`
	ToolTimeout  int `json:"tool_timeout" yaml:"tool_timeout"`
	AgentTimeout int `json:"agent_timeout" yaml:"agent_timeout"` // Per-agent timeout

	// Orchestration Feature Flags
	EnableLoopBack                    bool `json:"enable_loop_back" yaml:"enable_loop_back"`
	RequireConfirmationForDestructive bool `json:"require_confirmation_for_destructive" yaml:"require_confirmation_for_destructive"`

	// Interrupt TTLs (seconds, 0 = no expiry)
	ClarificationTTL int `json:"clarification_ttl" yaml:"clarification_ttl"`
	ConfirmationTTL  int `json:"confirmation_ttl" yaml:"confirmation_ttl"`
	EscalationTTL    int `json:"escalation_ttl" yaml:"escalation_ttl"`
	ApprovalTTL      int `json:"approval_ttl" yaml:"approval_ttl"`

	// Determinism
	LLMSeed *int `json:"llm_seed,omitempty" yaml:"llm_seed,omitempty"` // nil = non-deterministic

	// Streaming
	StreamBufferSize int `json:"stream_buffer_size" yaml:"stream_buffer_size"`

	// Logging
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// DefaultExecutionConfig returns an ExecutionConfig with default values.
func DefaultExecutionConfig() *ExecutionConfig {
	return &ExecutionConfig{
		MaxToolRetries: 2,
		MaxLLMRetries:  3,

		LLMTimeout:   120,
		ToolTimeout:  30,
		AgentTimeout: 300,

		EnableLoopBack:                    true,
		RequireConfirmationForDestructive: true,

		ClarificationTTL: 3600,
		ConfirmationTTL:  1800,
		EscalationTTL:    7200,
		ApprovalTTL:      86400,

		LLMSeed: nil,

		StreamBufferSize: 64,

		LogLevel: "INFO",
	}
}

// ExecutionConfigFromMap creates ExecutionConfig from a map.
// Unknown keys are ignored; numeric values may arrive as float64 after a
// trip through JSON.
func ExecutionConfigFromMap(config map[string]any) *ExecutionConfig {
	c := DefaultExecutionConfig()

	setInt := func(key string, dst *int) {
		if v, ok := config[key].(int); ok {
			*dst = v
		} else if v, ok := config[key].(float64); ok {
			*dst = int(v)
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := config[key].(bool); ok {
			*dst = v
		}
	}

	setInt("max_tool_retries", &c.MaxToolRetries)
	setInt("max_llm_retries", &c.MaxLLMRetries)
	setInt("llm_timeout", &c.LLMTimeout)
	setInt("tool_timeout", &c.ToolTimeout)
	setInt("agent_timeout", &c.AgentTimeout)
	setBool("enable_loop_back", &c.EnableLoopBack)
	setBool("require_confirmation_for_destructive", &c.RequireConfirmationForDestructive)
	setInt("clarification_ttl", &c.ClarificationTTL)
	setInt("confirmation_ttl", &c.ConfirmationTTL)
	setInt("escalation_ttl", &c.EscalationTTL)
	setInt("approval_ttl", &c.ApprovalTTL)
	setInt("stream_buffer_size", &c.StreamBufferSize)

	if v, ok := config["llm_seed"].(int); ok {
		c.LLMSeed = &v
	} else if v, ok := config["llm_seed"].(float64); ok {
		seed := int(v)
		c.LLMSeed = &seed
	}
	if v, ok := config["log_level"].(string); ok {
		c.LogLevel = v
	}

	return c
}

// ToMap converts config to a map.
func (c *ExecutionConfig) ToMap() map[string]any {
	result := map[string]any{
		"max_tool_retries":                     c.MaxToolRetries,
		"max_llm_retries":                      c.MaxLLMRetries,
		"llm_timeout":                          c.LLMTimeout,
		"tool_timeout":                         c.ToolTimeout,
		"agent_timeout":                        c.AgentTimeout,
		"enable_loop_back":                     c.EnableLoopBack,
		"require_confirmation_for_destructive": c.RequireConfirmationForDestructive,
		"clarification_ttl":                    c.ClarificationTTL,
		"confirmation_ttl":                     c.ConfirmationTTL,
		"escalation_ttl":                       c.EscalationTTL,
		"approval_ttl":                         c.ApprovalTTL,
		"stream_buffer_size":                   c.StreamBufferSize,
		"log_level":                            c.LogLevel,
	}
	if c.LLMSeed != nil {
		result["llm_seed"] = *c.LLMSeed
	}
	return result
}

// =============================================================================
// CONFIG PROVIDER INTERFACE (Dependency Injection)
// =============================================================================

// ConfigProvider provides configuration values.
// Use this interface for dependency injection instead of global state.
type ConfigProvider interface {
	GetExecutionConfig() *ExecutionConfig
}

// DefaultConfigProvider provides the global configuration.
type DefaultConfigProvider struct{}

// GetExecutionConfig returns the global execution configuration.
func (p *DefaultConfigProvider) GetExecutionConfig() *ExecutionConfig {
	return GetGlobalExecutionConfig()
}

// StaticConfigProvider provides a static configuration.
// Useful for testing with specific config values.
type StaticConfigProvider struct {
	Config *ExecutionConfig
}

// GetExecutionConfig returns the static configuration.
func (p *StaticConfigProvider) GetExecutionConfig() *ExecutionConfig {
	if p.Config == nil {
		return DefaultExecutionConfig()
	}
	return p.Config
}

// NewStaticConfigProvider creates a new StaticConfigProvider.
func NewStaticConfigProvider(config *ExecutionConfig) *StaticConfigProvider {
	return &StaticConfigProvider{Config: config}
}

// =============================================================================
// GLOBAL CONFIG (set by application bootstrap)
// =============================================================================

var (
	globalExecutionConfig *ExecutionConfig
	configMu              sync.RWMutex
)

// GetGlobalExecutionConfig gets the global execution configuration instance.
// Returns the injected config or defaults.
// Prefer the ConfigProvider interface for new code.
func GetGlobalExecutionConfig() *ExecutionConfig {
	configMu.RLock()
	defer configMu.RUnlock()

	if globalExecutionConfig == nil {
		return DefaultExecutionConfig()
	}
	return globalExecutionConfig
}

// SetExecutionConfig sets the execution configuration instance.
// Called by application bootstrap after parsing environment or files.
func SetExecutionConfig(config *ExecutionConfig) {
	configMu.Lock()
	defer configMu.Unlock()

	globalExecutionConfig = config
}

// ResetExecutionConfig resets execution config to nil (useful for testing).
// After reset, GetGlobalExecutionConfig() will return defaults.
func ResetExecutionConfig() {
	configMu.Lock()
	defer configMu.Unlock()

	globalExecutionConfig = nil
}
