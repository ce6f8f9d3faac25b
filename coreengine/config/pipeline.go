// Package config provides the declarative pipeline and agent configuration.
package config

import (
	"fmt"
	"sort"
)

// ToolAccess represents tool access levels for agents.
type ToolAccess string

const (
	ToolAccessNone  ToolAccess = "none"  // No tool access (pure reasoning)
	ToolAccessRead  ToolAccess = "read"  // Read-only tools
	ToolAccessWrite ToolAccess = "write" // Write-only tools
	ToolAccessAll   ToolAccess = "all"   // All tools
)

// RunMode selects how the runtime walks the pipeline.
type RunMode string

const (
	RunModeSequential RunMode = "sequential"
	RunModeParallel   RunMode = "parallel"
)

// Sentinel stage names with built-in meaning.
const (
	StageEnd           = "end"
	StageClarification = "clarification"
	StageConfirmation  = "confirmation"
)

// RoutingRule defines a conditional transition between stages.
// The first rule whose condition key in the agent's output equals the
// expected value wins.
type RoutingRule struct {
	Condition string `json:"condition" yaml:"condition"` // Key in agent output to check
	Value     any    `json:"value" yaml:"value"`         // Expected value
	Target    string `json:"target" yaml:"target"`       // Next stage to route to
}

// JoinStrategy defines how a stage with multiple prerequisites starts.
type JoinStrategy string

const (
	JoinAll JoinStrategy = "all" // Wait for ALL prerequisites (default)
	JoinAny JoinStrategy = "any" // Proceed when ANY prerequisite completes
)

// EdgeLimit caps how many times a specific stage-to-stage transition may
// occur within one run. MaxCount <= 0 means unbounded.
type EdgeLimit struct {
	From     string `json:"from" yaml:"from"`
	To       string `json:"to" yaml:"to"`
	MaxCount int    `json:"max_count" yaml:"max_count"`
}

// AgentConfig is the declarative, capability-supplied agent definition.
type AgentConfig struct {
	// Identity
	Name       string `json:"name" yaml:"name"`
	StageOrder int    `json:"stage_order" yaml:"stage_order"` // Position in sequential order

	// Dependencies (systemd-style). Requires are hard dependencies,
	// After is soft ordering against stages that happen to be present.
	Requires []string `json:"requires,omitempty" yaml:"requires,omitempty"`
	After    []string `json:"after,omitempty" yaml:"after,omitempty"`

	// JoinStrategy applies when Requires has more than one entry.
	JoinStrategy JoinStrategy `json:"join_strategy,omitempty" yaml:"join_strategy,omitempty"`

	// Capability flags. At most one backend is invoked per Process call.
	HasLLM   bool `json:"has_llm" yaml:"has_llm"`
	HasTools bool `json:"has_tools" yaml:"has_tools"`

	// Tool access
	ToolAccess   ToolAccess      `json:"tool_access" yaml:"tool_access"`
	AllowedTools map[string]bool `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"` // nil = all per access level

	// LLM configuration
	ModelRole   string   `json:"model_role" yaml:"model_role"`
	PromptKey   string   `json:"prompt_key" yaml:"prompt_key"`
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`

	// Output configuration
	OutputKey            string   `json:"output_key" yaml:"output_key"`
	RequiredOutputFields []string `json:"required_output_fields,omitempty" yaml:"required_output_fields,omitempty"`

	// Routing
	RoutingRules []RoutingRule `json:"routing_rules,omitempty" yaml:"routing_rules,omitempty"`
	DefaultNext  string        `json:"default_next" yaml:"default_next"`
	ErrorNext    string        `json:"error_next,omitempty" yaml:"error_next,omitempty"`

	// Bounds
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	MaxRetries     int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// Validate checks the agent configuration and applies defaults.
func (c *AgentConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if c.OutputKey == "" {
		c.OutputKey = c.Name
	}
	if c.HasLLM && c.ModelRole == "" {
		return fmt.Errorf("agent '%s' has_llm=true but no model_role", c.Name)
	}
	if c.HasLLM && c.HasTools {
		return fmt.Errorf("agent '%s' declares both has_llm and has_tools", c.Name)
	}
	switch c.JoinStrategy {
	case "":
		c.JoinStrategy = JoinAll
	case JoinAll, JoinAny:
	default:
		return fmt.Errorf("agent '%s' has invalid join_strategy '%s'", c.Name, c.JoinStrategy)
	}
	return nil
}

// AllDependencies returns Requires plus After.
func (c *AgentConfig) AllDependencies() []string {
	deps := make([]string, 0, len(c.Requires)+len(c.After))
	deps = append(deps, c.Requires...)
	deps = append(deps, c.After...)
	return deps
}

// HasDependencies reports whether the agent declares any dependency.
func (c *AgentConfig) HasDependencies() bool {
	return len(c.Requires) > 0 || len(c.After) > 0
}

// PipelineConfig is the immutable description of one pipeline: its agents,
// routing graph, bounds and interrupt resume points. Routing cycles are
// permitted; the requires/after dependency graph must be acyclic.
type PipelineConfig struct {
	Name   string         `json:"name" yaml:"name"`
	Agents []*AgentConfig `json:"agents" yaml:"agents"`

	// Global bounds
	MaxIterations         int `json:"max_iterations" yaml:"max_iterations"`
	MaxLLMCalls           int `json:"max_llm_calls" yaml:"max_llm_calls"`
	MaxAgentHops          int `json:"max_agent_hops" yaml:"max_agent_hops"`
	DefaultTimeoutSeconds int `json:"default_timeout_seconds" yaml:"default_timeout_seconds"`

	// Execution mode
	DefaultRunMode RunMode `json:"default_run_mode,omitempty" yaml:"default_run_mode,omitempty"`

	// Per-edge traversal ceilings
	EdgeLimits []EdgeLimit `json:"edge_limits,omitempty" yaml:"edge_limits,omitempty"`

	// Resume points per interrupt kind. Empty means resume at the stage
	// that raised the interrupt.
	ClarificationResumeStage string `json:"clarification_resume_stage,omitempty" yaml:"clarification_resume_stage,omitempty"`
	ConfirmationResumeStage  string `json:"confirmation_resume_stage,omitempty" yaml:"confirmation_resume_stage,omitempty"`
	EscalationResumeStage    string `json:"escalation_resume_stage,omitempty" yaml:"escalation_resume_stage,omitempty"`

	// Computed at validation time
	topologicalOrder []string
	adjacencyList    map[string][]string // stage -> stages that depend on it
	edgeLimitIndex   map[string]int      // "from->to" -> ceiling
}

// NewPipelineConfig creates a pipeline config with default bounds.
func NewPipelineConfig(name string) *PipelineConfig {
	return &PipelineConfig{
		Name:                  name,
		Agents:                make([]*AgentConfig, 0),
		MaxIterations:         3,
		MaxLLMCalls:           10,
		MaxAgentHops:          21,
		DefaultTimeoutSeconds: 300,
		DefaultRunMode:        RunModeSequential,
	}
}

// AddAgent validates and appends an agent.
func (p *PipelineConfig) AddAgent(agent *AgentConfig) error {
	if err := agent.Validate(); err != nil {
		return err
	}
	p.Agents = append(p.Agents, agent)
	return nil
}

// Validate checks the whole pipeline and computes derived indexes.
func (p *PipelineConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if p.DefaultRunMode == "" {
		p.DefaultRunMode = RunModeSequential
	}
	if p.DefaultRunMode != RunModeSequential && p.DefaultRunMode != RunModeParallel {
		return fmt.Errorf("invalid default_run_mode '%s'", p.DefaultRunMode)
	}

	sort.SliceStable(p.Agents, func(i, j int) bool {
		return p.Agents[i].StageOrder < p.Agents[j].StageOrder
	})

	names := make(map[string]bool)
	for _, agent := range p.Agents {
		if err := agent.Validate(); err != nil {
			return err
		}
		if names[agent.Name] {
			return fmt.Errorf("duplicate agent name: %s", agent.Name)
		}
		names[agent.Name] = true
	}

	validTargets := make(map[string]bool, len(names)+3)
	for name := range names {
		validTargets[name] = true
	}
	validTargets[StageEnd] = true
	validTargets[StageClarification] = true
	validTargets[StageConfirmation] = true

	for _, agent := range p.Agents {
		for _, rule := range agent.RoutingRules {
			if !validTargets[rule.Target] {
				return fmt.Errorf("agent '%s' routes to unknown target '%s'", agent.Name, rule.Target)
			}
		}
		if agent.DefaultNext != "" && !validTargets[agent.DefaultNext] {
			return fmt.Errorf("agent '%s' default_next '%s' not found", agent.Name, agent.DefaultNext)
		}
		if agent.ErrorNext != "" && !validTargets[agent.ErrorNext] {
			return fmt.Errorf("agent '%s' error_next '%s' not found", agent.Name, agent.ErrorNext)
		}
	}

	p.edgeLimitIndex = make(map[string]int, len(p.EdgeLimits))
	for _, limit := range p.EdgeLimits {
		if !names[limit.From] {
			return fmt.Errorf("edge limit references unknown stage '%s'", limit.From)
		}
		if !validTargets[limit.To] {
			return fmt.Errorf("edge limit references unknown stage '%s'", limit.To)
		}
		p.edgeLimitIndex[EdgeKey(limit.From, limit.To)] = limit.MaxCount
	}

	for _, stage := range []string{p.ClarificationResumeStage, p.ConfirmationResumeStage, p.EscalationResumeStage} {
		if stage != "" && !validTargets[stage] {
			return fmt.Errorf("resume stage '%s' not found", stage)
		}
	}

	return p.validateDependencies(names)
}

// validateDependencies checks requires/after references and runs Kahn's
// algorithm to reject dependency cycles (routing cycles stay legal).
func (p *PipelineConfig) validateDependencies(validNames map[string]bool) error {
	for _, agent := range p.Agents {
		for _, dep := range agent.Requires {
			if !validNames[dep] {
				return fmt.Errorf("agent '%s' requires unknown stage '%s'", agent.Name, dep)
			}
			if dep == agent.Name {
				return fmt.Errorf("agent '%s' cannot require itself", agent.Name)
			}
		}
		for _, dep := range agent.After {
			if !validNames[dep] {
				return fmt.Errorf("agent '%s' after unknown stage '%s'", agent.Name, dep)
			}
			if dep == agent.Name {
				return fmt.Errorf("agent '%s' cannot be after itself", agent.Name)
			}
		}
	}

	p.adjacencyList = make(map[string][]string)
	inDegree := make(map[string]int)
	for _, agent := range p.Agents {
		p.adjacencyList[agent.Name] = []string{}
		inDegree[agent.Name] = 0
	}
	for _, agent := range p.Agents {
		for _, dep := range agent.AllDependencies() {
			p.adjacencyList[dep] = append(p.adjacencyList[dep], agent.Name)
			inDegree[agent.Name]++
		}
	}

	queue := make([]string, 0)
	for _, agent := range p.Agents {
		if inDegree[agent.Name] == 0 {
			queue = append(queue, agent.Name)
		}
	}

	p.topologicalOrder = make([]string, 0, len(p.Agents))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		p.topologicalOrder = append(p.topologicalOrder, current)
		for _, dependent := range p.adjacencyList[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(p.topologicalOrder) != len(p.Agents) {
		cycleNodes := []string{}
		for name, degree := range inDegree {
			if degree > 0 {
				cycleNodes = append(cycleNodes, name)
			}
		}
		sort.Strings(cycleNodes)
		return fmt.Errorf("dependency cycle detected involving stages: %v", cycleNodes)
	}
	return nil
}

// EdgeKey builds the canonical "from->to" edge identifier.
func EdgeKey(from, to string) string {
	return from + "->" + to
}

// GetEdgeLimit returns the declared ceiling for an edge, or 0 if the edge
// is unbounded by edge rules.
func (p *PipelineConfig) GetEdgeLimit(from, to string) int {
	if p.edgeLimitIndex != nil {
		return p.edgeLimitIndex[EdgeKey(from, to)]
	}
	for _, limit := range p.EdgeLimits {
		if limit.From == from && limit.To == to {
			return limit.MaxCount
		}
	}
	return 0
}

// GetTopologicalOrder returns the dependency order computed by Validate.
func (p *PipelineConfig) GetTopologicalOrder() []string {
	return p.topologicalOrder
}

// GetReadyStages returns stages whose dependencies are satisfied and which
// are not already active, completed or failed. ANY-join stages become
// ready as soon as one requirement completes.
func (p *PipelineConfig) GetReadyStages(completed, active map[string]bool, failed map[string]string) []string {
	ready := make([]string, 0)

	for _, agent := range p.Agents {
		if completed[agent.Name] || active[agent.Name] {
			continue
		}
		if _, hasFailed := failed[agent.Name]; hasFailed {
			continue
		}

		requiresSatisfied := true
		for _, req := range agent.Requires {
			if !completed[req] {
				requiresSatisfied = false
				break
			}
		}
		if agent.JoinStrategy == JoinAny && len(agent.Requires) > 0 {
			requiresSatisfied = false
			for _, req := range agent.Requires {
				if completed[req] {
					requiresSatisfied = true
					break
				}
			}
		}

		afterSatisfied := true
		for _, after := range agent.After {
			if !completed[after] {
				// A failed soft-ordering predecessor does not block.
				if _, hasFailed := failed[after]; !hasFailed {
					afterSatisfied = false
					break
				}
			}
		}

		if requiresSatisfied && afterSatisfied {
			ready = append(ready, agent.Name)
		}
	}

	return ready
}

// GetDependents returns stages that depend on the given stage.
func (p *PipelineConfig) GetDependents(stageName string) []string {
	if p.adjacencyList == nil {
		return nil
	}
	return p.adjacencyList[stageName]
}

// GetAgent gets an agent config by name, or nil.
func (p *PipelineConfig) GetAgent(name string) *AgentConfig {
	for _, agent := range p.Agents {
		if agent.Name == name {
			return agent
		}
	}
	return nil
}

// GetStageOrder returns the declared order of agent names.
func (p *PipelineConfig) GetStageOrder() []string {
	order := make([]string, len(p.Agents))
	for i, agent := range p.Agents {
		order[i] = agent.Name
	}
	return order
}

// ResumeStageFor returns the configured resume stage for an interrupt
// kind, or "" when the run should resume where it paused.
func (p *PipelineConfig) ResumeStageFor(kind string) string {
	switch kind {
	case "clarification":
		return p.ClarificationResumeStage
	case "confirmation", "destructive_action_review", "external_approval":
		return p.ConfirmationResumeStage
	case "escalation":
		return p.EscalationResumeStage
	}
	return ""
}
