// Package testutil holds the mocks and config builders shared by the
// coreengine test suites. Everything here is in-memory and safe for
// concurrent use from parallel subtests.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentkernel-io/agentkernel/coreengine/agents"
	"github.com/agentkernel-io/agentkernel/coreengine/config"
	"github.com/agentkernel-io/agentkernel/coreengine/envelope"
)

// sleepOrCancel waits for d unless the context ends first.
func sleepOrCancel(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LLMCall records one Generate invocation for later assertion.
type LLMCall struct {
	Model   string
	Prompt  string
	Options map[string]any
}

// MockLLMProvider is a canned agents.LLMProvider. Responses are keyed
// by prompt prefix; DefaultResponse covers everything else.
type MockLLMProvider struct {
	Responses       map[string]string
	DefaultResponse string
	Delay           time.Duration
	Error           error
	CallCount       int
	Calls           []LLMCall

	// GenerateFunc, when set, bypasses Responses entirely.
	GenerateFunc func(context.Context, string, string, map[string]any) (string, error)

	mu sync.Mutex
}

func NewMockLLMProvider() *MockLLMProvider {
	return &MockLLMProvider{
		Responses:       make(map[string]string),
		DefaultResponse: `{"verdict": "proceed", "reasoning": "Mock response"}`,
	}
}

// respondTo picks the canned response for a prompt. Caller holds mu or
// owns the mock exclusively.
func (m *MockLLMProvider) respondTo(prompt string) (string, bool) {
	for prefix, response := range m.Responses {
		if strings.HasPrefix(prompt, prefix) {
			return response, true
		}
	}
	return m.DefaultResponse, m.DefaultResponse != ""
}

// Generate implements agents.LLMProvider.
func (m *MockLLMProvider) Generate(ctx context.Context, model string, prompt string, options map[string]any) (string, error) {
	m.mu.Lock()
	m.CallCount++
	m.Calls = append(m.Calls, LLMCall{Model: model, Prompt: prompt, Options: options})
	custom := m.GenerateFunc
	m.mu.Unlock()

	if custom != nil {
		return custom(ctx, model, prompt, options)
	}
	if err := sleepOrCancel(ctx, m.Delay); err != nil {
		return "", err
	}
	if m.Error != nil {
		return "", m.Error
	}

	response, _ := m.respondTo(prompt)
	return response, nil
}

// GenerateDefault answers a prompt without recording a call or honoring
// Delay. Handy when a test only cares about the canned routing table.
func (m *MockLLMProvider) GenerateDefault(prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Error != nil {
		return "", m.Error
	}
	if response, ok := m.respondTo(prompt); ok {
		return response, nil
	}
	return `{"verdict": "proceed", "reasoning": "mock response"}`, nil
}

func (m *MockLLMProvider) WithResponse(prefix, response string) *MockLLMProvider {
	m.Responses[prefix] = response
	return m
}

func (m *MockLLMProvider) WithError(err error) *MockLLMProvider {
	m.Error = err
	return m
}

func (m *MockLLMProvider) WithDelay(d time.Duration) *MockLLMProvider {
	m.Delay = d
	return m
}

func (m *MockLLMProvider) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// Reset drops the recorded call history.
func (m *MockLLMProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCount = 0
	m.Calls = nil
}

// ToolCall records one tool execution for later assertion.
type ToolCall struct {
	ToolName string
	Params   map[string]any
}

// MockToolExecutor is a canned tool executor. Per-tool results and
// errors are keyed by tool name; unknown tools succeed with a generic
// payload.
type MockToolExecutor struct {
	Results   map[string]map[string]any
	Errors    map[string]error
	Delay     time.Duration
	CallCount int
	Calls     []ToolCall

	mu sync.Mutex
}

func NewMockToolExecutor() *MockToolExecutor {
	return &MockToolExecutor{
		Results: make(map[string]map[string]any),
		Errors:  make(map[string]error),
	}
}

// Execute implements agents.ToolExecutor.
func (m *MockToolExecutor) Execute(ctx context.Context, toolName string, params map[string]any) (map[string]any, error) {
	m.mu.Lock()
	m.CallCount++
	m.Calls = append(m.Calls, ToolCall{ToolName: toolName, Params: params})
	m.mu.Unlock()

	if err := sleepOrCancel(ctx, m.Delay); err != nil {
		return nil, err
	}

	if err, ok := m.Errors[toolName]; ok {
		return nil, err
	}
	if result, ok := m.Results[toolName]; ok {
		return result, nil
	}
	return map[string]any{
		"status": "success",
		"data":   map[string]any{"tool": toolName},
	}, nil
}

func (m *MockToolExecutor) WithResult(toolName string, result map[string]any) *MockToolExecutor {
	m.Results[toolName] = result
	return m
}

func (m *MockToolExecutor) WithError(toolName string, err error) *MockToolExecutor {
	m.Errors[toolName] = err
	return m
}

func (m *MockToolExecutor) WithDelay(d time.Duration) *MockToolExecutor {
	m.Delay = d
	return m
}

func (m *MockToolExecutor) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// Reset drops the recorded call history.
func (m *MockToolExecutor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCount = 0
	m.Calls = nil
}

// MockPersistence is an in-memory state store keyed by thread ID.
// States are stored and returned as JSON round-trip copies, so callers
// cannot mutate them through shared references.
type MockPersistence struct {
	States    map[string]map[string]any
	SaveError error
	LoadError error
	SaveCount int
	LoadCount int

	mu sync.RWMutex
}

func NewMockPersistence() *MockPersistence {
	return &MockPersistence{
		States: make(map[string]map[string]any),
	}
}

func cloneState(state map[string]any) map[string]any {
	copied := make(map[string]any)
	data, _ := json.Marshal(state)
	json.Unmarshal(data, &copied)
	return copied
}

func (m *MockPersistence) SaveState(ctx context.Context, threadID string, state map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveCount++
	if m.SaveError != nil {
		return m.SaveError
	}
	m.States[threadID] = cloneState(state)
	return nil
}

func (m *MockPersistence) LoadState(ctx context.Context, threadID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	m.LoadCount++
	if m.LoadError != nil {
		return nil, m.LoadError
	}
	state, ok := m.States[threadID]
	if !ok {
		return nil, nil
	}
	return cloneState(state), nil
}

func (m *MockPersistence) WithSaveError(err error) *MockPersistence {
	m.SaveError = err
	return m
}

func (m *MockPersistence) WithLoadError(err error) *MockPersistence {
	m.LoadError = err
	return m
}

// GetState exposes a saved state for assertion.
func (m *MockPersistence) GetState(threadID string) map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.States[threadID]
}

// Clear drops all saved states and counters.
func (m *MockPersistence) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.States = make(map[string]map[string]any)
	m.SaveCount = 0
	m.LoadCount = 0
}

// AgentEvent is one captured lifecycle event.
type AgentEvent struct {
	Type       string
	AgentName  string
	Status     string
	DurationMS int
	Error      error
	Timestamp  time.Time
}

// MockEventContext implements agents.EventContext by recording every
// emitted event.
type MockEventContext struct {
	Events []AgentEvent
	Error  error

	mu sync.Mutex
}

func NewMockEventContext() *MockEventContext {
	return &MockEventContext{Events: make([]AgentEvent, 0)}
}

func (m *MockEventContext) record(event AgentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Error != nil {
		return m.Error
	}
	event.Timestamp = time.Now()
	m.Events = append(m.Events, event)
	return nil
}

func (m *MockEventContext) EmitAgentStarted(agentName string) error {
	return m.record(AgentEvent{Type: "started", AgentName: agentName})
}

func (m *MockEventContext) EmitAgentCompleted(agentName string, status string, durationMS int, err error) error {
	return m.record(AgentEvent{
		Type:       "completed",
		AgentName:  agentName,
		Status:     status,
		DurationMS: durationMS,
		Error:      err,
	})
}

// GetEvents returns a snapshot of all captured events.
func (m *MockEventContext) GetEvents() []AgentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]AgentEvent, len(m.Events))
	copy(copied, m.Events)
	return copied
}

func (m *MockEventContext) agentsOfType(eventType string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for _, e := range m.Events {
		if e.Type == eventType {
			names = append(names, e.AgentName)
		}
	}
	return names
}

// GetStartedAgents lists agents with a recorded start event.
func (m *MockEventContext) GetStartedAgents() []string {
	return m.agentsOfType("started")
}

// GetCompletedAgents lists agents with a recorded completion event.
func (m *MockEventContext) GetCompletedAgents() []string {
	return m.agentsOfType("completed")
}

// Clear drops all captured events.
func (m *MockEventContext) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = nil
}

// LogEntry is one captured log line with its parsed key/value fields.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// MockLogger implements agents.Logger by capturing entries in memory.
// Bind is a no-op that returns the same logger.
type MockLogger struct {
	Logs []LogEntry

	mu sync.Mutex
}

func NewMockLogger() *MockLogger {
	return &MockLogger{Logs: make([]LogEntry, 0)}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) { m.log("debug", msg, keysAndValues...) }
func (m *MockLogger) Info(msg string, keysAndValues ...any)  { m.log("info", msg, keysAndValues...) }
func (m *MockLogger) Warn(msg string, keysAndValues ...any)  { m.log("warn", msg, keysAndValues...) }
func (m *MockLogger) Error(msg string, keysAndValues ...any) { m.log("error", msg, keysAndValues...) }

func (m *MockLogger) Bind(fields ...any) agents.Logger { return m }

func (m *MockLogger) log(level, msg string, keysAndValues ...any) {
	fields := make(map[string]any)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logs = append(m.Logs, LogEntry{Level: level, Message: msg, Fields: fields})
}

// GetLogs returns a snapshot of the captured entries.
func (m *MockLogger) GetLogs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]LogEntry, len(m.Logs))
	copy(copied, m.Logs)
	return copied
}

// HasLog reports whether a message was logged at the given level.
func (m *MockLogger) HasLog(level, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.Logs {
		if entry.Level == level && entry.Message == message {
			return true
		}
	}
	return false
}

// Clear drops all captured entries.
func (m *MockLogger) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logs = nil
}

func defaultStages(stages []string) []string {
	if len(stages) == 0 {
		return []string{"stageA", "stageB", "stageC"}
	}
	return stages
}

// stageAgent builds one LLM-backed stage with default routing to end.
func stageAgent(name string, order int, requires []string) *config.AgentConfig {
	return &config.AgentConfig{
		Name:         name,
		StageOrder:   order,
		HasLLM:       true,
		ModelRole:    "default",
		ToolAccess:   config.ToolAccessNone,
		DefaultNext:  "end",
		RoutingRules: []config.RoutingRule{},
		Requires:     requires,
	}
}

func basePipeline(name string, agentConfigs []*config.AgentConfig, mode config.RunMode) *config.PipelineConfig {
	return &config.PipelineConfig{
		Name:           name,
		Agents:         agentConfigs,
		MaxIterations:  5,
		MaxLLMCalls:    20,
		MaxAgentHops:   30,
		DefaultRunMode: mode,
		EdgeLimits:     []config.EdgeLimit{},
	}
}

// NewTestPipelineConfig builds a linear pipeline: each stage routes to
// the next, the last routes to end.
func NewTestPipelineConfig(name string, stages ...string) *config.PipelineConfig {
	stages = defaultStages(stages)

	agentConfigs := make([]*config.AgentConfig, len(stages))
	for i, stage := range stages {
		agent := stageAgent(stage, i+1, nil)
		if i < len(stages)-1 {
			agent.DefaultNext = stages[i+1]
		}
		agentConfigs[i] = agent
	}

	return basePipeline(name, agentConfigs, config.RunModeSequential)
}

// NewTestPipelineConfigWithCycle builds a linear pipeline whose last
// stage routes back to the first on a "loop_back" verdict, with an edge
// limit of maxLoops on the back edge.
func NewTestPipelineConfigWithCycle(name string, maxLoops int, stages ...string) *config.PipelineConfig {
	cfg := NewTestPipelineConfig(name, stages...)
	stages = defaultStages(stages)

	last := cfg.Agents[len(cfg.Agents)-1]
	last.RoutingRules = []config.RoutingRule{
		{Condition: "verdict", Value: "proceed", Target: "end"},
		{Condition: "verdict", Value: "loop_back", Target: stages[0]},
	}
	last.DefaultNext = "end"

	cfg.EdgeLimits = []config.EdgeLimit{
		{From: stages[len(stages)-1], To: stages[0], MaxCount: maxLoops},
	}
	return cfg
}

// NewEmptyPipelineConfig builds a pipeline with zero agents, for tests
// that add their own or exercise empty-pipeline behavior.
func NewEmptyPipelineConfig(name string) *config.PipelineConfig {
	return basePipeline(name, []*config.AgentConfig{}, config.RunModeSequential)
}

// NewParallelPipelineConfig builds a pipeline where every stage shares
// StageOrder 1, so they all run concurrently.
func NewParallelPipelineConfig(name string, stages ...string) *config.PipelineConfig {
	stages = defaultStages(stages)

	agentConfigs := make([]*config.AgentConfig, len(stages))
	for i, stage := range stages {
		agentConfigs[i] = stageAgent(stage, 1, []string{})
	}

	return basePipeline(name, agentConfigs, config.RunModeParallel)
}

// NewBoundedPipelineConfig builds a linear pipeline with explicit
// iteration, LLM call, and hop bounds.
func NewBoundedPipelineConfig(name string, maxIterations, maxLLMCalls, maxAgentHops int, stages ...string) *config.PipelineConfig {
	cfg := NewTestPipelineConfig(name, stages...)
	cfg.MaxIterations = maxIterations
	cfg.MaxLLMCalls = maxLLMCalls
	cfg.MaxAgentHops = maxAgentHops
	return cfg
}

// NewDependencyChainConfig builds a parallel-mode pipeline where each
// stage Requires the one before it, so the scheduler must serialize
// them despite identical stage orders.
func NewDependencyChainConfig(name string, stages ...string) *config.PipelineConfig {
	stages = defaultStages(stages)

	agentConfigs := make([]*config.AgentConfig, len(stages))
	for i, stage := range stages {
		requires := []string{}
		if i > 0 {
			requires = []string{stages[i-1]}
		}
		agentConfigs[i] = stageAgent(stage, 1, requires)
	}

	return basePipeline(name, agentConfigs, config.RunModeParallel)
}

// NewTestEnvelope builds an envelope with test defaults.
func NewTestEnvelope(input string) *envelope.Envelope {
	return envelope.Create(input, "test-user", "test-session", nil, nil, nil)
}

// NewTestEnvelopeWithStages builds an envelope positioned at the first
// of the given stages.
func NewTestEnvelopeWithStages(input string, stages []string) *envelope.Envelope {
	env := NewTestEnvelope(input)
	env.StageOrder = stages
	if len(stages) > 0 {
		env.CurrentStage = stages[0]
	}
	return env
}

// AssertEnvelopeCompleted errors unless the envelope reached end.
func AssertEnvelopeCompleted(env *envelope.Envelope) error {
	if env.CurrentStage != "end" {
		return fmt.Errorf("expected current_stage='end', got '%s'", env.CurrentStage)
	}
	return nil
}

// AssertEnvelopeTerminated errors unless the envelope is terminated.
func AssertEnvelopeTerminated(env *envelope.Envelope) error {
	if !env.Terminated {
		return fmt.Errorf("expected terminated=true, got false")
	}
	return nil
}

// AssertEnvelopeHasOutput errors unless the agent produced an output.
func AssertEnvelopeHasOutput(env *envelope.Envelope, agentName string) error {
	if _, ok := env.Outputs[agentName]; !ok {
		return fmt.Errorf("expected output for agent '%s', not found", agentName)
	}
	return nil
}

// AssertNoInterrupt errors if an interrupt is pending.
func AssertNoInterrupt(env *envelope.Envelope) error {
	if env.InterruptPending {
		return fmt.Errorf("expected no interrupt, but interrupt is pending")
	}
	return nil
}

// AssertInterruptPending errors unless an interrupt of the given kind
// is pending.
func AssertInterruptPending(env *envelope.Envelope, kind envelope.InterruptKind) error {
	if !env.InterruptPending {
		return fmt.Errorf("expected interrupt pending, but none found")
	}
	if env.Interrupt == nil {
		return fmt.Errorf("interrupt pending but Interrupt is nil")
	}
	if env.Interrupt.Kind != kind {
		return fmt.Errorf("expected interrupt kind '%s', got '%s'", kind, env.Interrupt.Kind)
	}
	return nil
}
