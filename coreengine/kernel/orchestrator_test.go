package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentkernel-io/agentkernel/coreengine/config"
	"github.com/agentkernel-io/agentkernel/coreengine/envelope"
)

// =============================================================================
// Test Helpers
// =============================================================================

// chatPipeline builds the canonical understand -> think -> respond pipeline.
func chatPipeline(t *testing.T) *config.PipelineConfig {
	t.Helper()

	cfg := config.NewPipelineConfig("chat_pipeline")
	cfg.MaxIterations = 3
	cfg.MaxLLMCalls = 10
	cfg.MaxAgentHops = 21

	require.NoError(t, cfg.AddAgent(&config.AgentConfig{
		Name:        "understand",
		StageOrder:  1,
		HasLLM:      true,
		ModelRole:   "chat",
		DefaultNext: "think",
	}))
	require.NoError(t, cfg.AddAgent(&config.AgentConfig{
		Name:        "think",
		StageOrder:  2,
		HasLLM:      true,
		ModelRole:   "chat",
		DefaultNext: "respond",
	}))
	require.NoError(t, cfg.AddAgent(&config.AgentConfig{
		Name:        "respond",
		StageOrder:  3,
		HasLLM:      true,
		ModelRole:   "chat",
		DefaultNext: config.StageEnd,
	}))

	return cfg
}

// reviewPipeline builds a planner -> critic loop where the critic routes
// back to the planner on a "revise" verdict, capped by an edge limit.
func reviewPipeline(t *testing.T, edgeLimit int) *config.PipelineConfig {
	t.Helper()

	cfg := config.NewPipelineConfig("review_pipeline")
	cfg.MaxIterations = 3
	cfg.MaxLLMCalls = 20
	cfg.MaxAgentHops = 21
	cfg.EdgeLimits = []config.EdgeLimit{
		{From: "critic", To: "planner", MaxCount: edgeLimit},
	}

	require.NoError(t, cfg.AddAgent(&config.AgentConfig{
		Name:        "planner",
		StageOrder:  1,
		HasLLM:      true,
		ModelRole:   "chat",
		DefaultNext: "critic",
	}))
	require.NoError(t, cfg.AddAgent(&config.AgentConfig{
		Name:       "critic",
		StageOrder: 2,
		HasLLM:     true,
		ModelRole:  "chat",
		RoutingRules: []config.RoutingRule{
			{Condition: "verdict", Value: "revise", Target: "planner"},
		},
		DefaultNext: config.StageEnd,
	}))

	return cfg
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	return NewKernel(&testLogger{}, nil).Orchestrator()
}

func runMetrics(llmCalls, tokens int) *AgentExecutionMetrics {
	return &AgentExecutionMetrics{
		LLMCalls:   llmCalls,
		TokensIn:   tokens,
		TokensOut:  tokens,
		DurationMS: 5,
	}
}

// =============================================================================
// Session Initialization
// =============================================================================

func TestOrchestrator_InitializeSession(t *testing.T) {
	o := newTestOrchestrator(t)
	env := envelope.New()

	state, err := o.InitializeSession("proc-1", chatPipeline(t), env, false)
	require.NoError(t, err)

	assert.Equal(t, "proc-1", state.ProcessID)
	assert.Equal(t, "understand", state.CurrentStage, "initial stage falls back to the first pipeline stage")
	assert.Equal(t, []string{"understand", "think", "respond"}, state.StageOrder)
	assert.False(t, state.Terminated)

	// Pipeline bounds are seeded onto the envelope
	assert.Equal(t, 3, env.MaxIterations)
	assert.Equal(t, 10, env.MaxLLMCalls)
	assert.Equal(t, 21, env.MaxAgentHops)

	assert.Equal(t, 1, o.GetSessionCount())
}

func TestOrchestrator_InitializeSession_DuplicateRejected(t *testing.T) {
	o := newTestOrchestrator(t)

	_, err := o.InitializeSession("proc-1", chatPipeline(t), envelope.New(), false)
	require.NoError(t, err)

	_, err = o.InitializeSession("proc-1", chatPipeline(t), envelope.New(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session already exists")

	// force=true replaces the existing session
	_, err = o.InitializeSession("proc-1", chatPipeline(t), envelope.New(), true)
	assert.NoError(t, err)
	assert.Equal(t, 1, o.GetSessionCount())
}

func TestOrchestrator_InitializeSession_InvalidConfig(t *testing.T) {
	o := newTestOrchestrator(t)

	cfg := config.NewPipelineConfig("broken")
	cfg.Agents = append(cfg.Agents, &config.AgentConfig{
		Name:        "lonely",
		DefaultNext: "nowhere",
	})

	_, err := o.InitializeSession("proc-1", cfg, envelope.New(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pipeline config")
}

func TestOrchestrator_InitializeSession_KeepsValidCurrentStage(t *testing.T) {
	o := newTestOrchestrator(t)

	env := envelope.New()
	env.CurrentStage = "think"

	state, err := o.InitializeSession("proc-1", chatPipeline(t), env, false)
	require.NoError(t, err)
	assert.Equal(t, "think", state.CurrentStage, "a valid mid-pipeline stage survives resume")
}

// =============================================================================
// Sequential Flow
// =============================================================================

func TestOrchestrator_SequentialFlowCompletes(t *testing.T) {
	o := newTestOrchestrator(t)
	env := envelope.New()

	_, err := o.InitializeSession("proc-1", chatPipeline(t), env, false)
	require.NoError(t, err)

	inst, err := o.GetNextInstruction("proc-1")
	require.NoError(t, err)
	require.Equal(t, InstructionKindRunAgent, inst.Kind)
	assert.Equal(t, "understand", inst.AgentName)
	require.NotNil(t, inst.AgentConfig)
	assert.Equal(t, "understand", inst.AgentConfig.Name)

	inst, err = o.ProcessAgentResult("proc-1", "understand", map[string]any{"intent": "greeting"}, runMetrics(1, 50), true, "")
	require.NoError(t, err)
	require.Equal(t, InstructionKindRunAgent, inst.Kind)
	assert.Equal(t, "think", inst.AgentName)

	inst, err = o.ProcessAgentResult("proc-1", "think", map[string]any{"plan": "reply"}, runMetrics(1, 80), true, "")
	require.NoError(t, err)
	require.Equal(t, InstructionKindRunAgent, inst.Kind)
	assert.Equal(t, "respond", inst.AgentName)

	inst, err = o.ProcessAgentResult("proc-1", "respond", map[string]any{"response": "hello"}, runMetrics(1, 40), true, "")
	require.NoError(t, err)
	require.Equal(t, InstructionKindTerminate, inst.Kind)
	require.NotNil(t, inst.TerminalReason)
	assert.Equal(t, envelope.TerminalReasonCompleted, *inst.TerminalReason)
	assert.Equal(t, "Pipeline completed successfully", inst.TerminationMessage)

	// Each of the three stages ran exactly once
	assert.Equal(t, 3, env.AgentHopCount)
	assert.Equal(t, 3, env.LLMCallCount)
	assert.True(t, env.Terminated)

	// Outputs landed under the agent keys
	assert.Equal(t, "greeting", env.Outputs["understand"]["intent"])
	assert.Equal(t, "hello", env.Outputs["respond"]["response"])
}

func TestOrchestrator_RecordsUsageInQuotaTracker(t *testing.T) {
	k := NewKernel(&testLogger{}, nil)
	o := k.Orchestrator()

	_, err := k.Submit("proc-1", "req-1", "user-1", "sess-1", PriorityNormal, nil)
	require.NoError(t, err)
	_, err = o.InitializeSession("proc-1", chatPipeline(t), envelope.New(), false)
	require.NoError(t, err)

	_, err = o.GetNextInstruction("proc-1")
	require.NoError(t, err)
	_, err = o.ProcessAgentResult("proc-1", "understand", map[string]any{}, runMetrics(2, 100), true, "")
	require.NoError(t, err)

	usage := k.GetUsage("proc-1")
	require.NotNil(t, usage)
	assert.Equal(t, 2, usage.LLMCalls)
	assert.Equal(t, 1, usage.AgentHops)
	assert.Equal(t, 200, usage.TotalTokens)
}

func TestOrchestrator_UnknownProcess(t *testing.T) {
	o := newTestOrchestrator(t)

	_, err := o.GetNextInstruction("ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown process")

	_, err = o.ProcessAgentResult("ghost", "understand", nil, nil, true, "")
	require.Error(t, err)

	_, err = o.GetSessionState("ghost")
	require.Error(t, err)
}

func TestOrchestrator_ResultAfterTerminationIsStable(t *testing.T) {
	o := newTestOrchestrator(t)
	env := envelope.New()

	_, err := o.InitializeSession("proc-1", chatPipeline(t), env, false)
	require.NoError(t, err)
	_, err = o.GetNextInstruction("proc-1")
	require.NoError(t, err)

	_, err = o.ProcessAgentResult("proc-1", "understand", nil, nil, false, "model unavailable")
	require.NoError(t, err)
	assert.True(t, env.Terminated)

	// Late results against a terminated session keep returning terminate
	inst, err := o.ProcessAgentResult("proc-1", "think", map[string]any{}, nil, true, "")
	require.NoError(t, err)
	assert.Equal(t, InstructionKindTerminate, inst.Kind)
	assert.Equal(t, 1, env.AgentHopCount, "no further hops after termination")
}

// =============================================================================
// Routing
// =============================================================================

func TestOrchestrator_RoutingRuleMatch(t *testing.T) {
	o := newTestOrchestrator(t)

	_, err := o.InitializeSession("proc-1", reviewPipeline(t, 0), envelope.New(), false)
	require.NoError(t, err)
	_, err = o.GetNextInstruction("proc-1")
	require.NoError(t, err)

	inst, err := o.ProcessAgentResult("proc-1", "planner", map[string]any{"plan": "v1"}, nil, true, "")
	require.NoError(t, err)
	assert.Equal(t, "critic", inst.AgentName)

	// "revise" matches the routing rule back to the planner
	inst, err = o.ProcessAgentResult("proc-1", "critic", map[string]any{"verdict": "revise"}, nil, true, "")
	require.NoError(t, err)
	assert.Equal(t, "planner", inst.AgentName)
}

func TestOrchestrator_RoutingFallsBackToDefault(t *testing.T) {
	o := newTestOrchestrator(t)
	env := envelope.New()

	_, err := o.InitializeSession("proc-1", reviewPipeline(t, 0), env, false)
	require.NoError(t, err)
	_, err = o.GetNextInstruction("proc-1")
	require.NoError(t, err)

	_, err = o.ProcessAgentResult("proc-1", "planner", map[string]any{}, nil, true, "")
	require.NoError(t, err)

	// "approve" matches no rule, so the critic's default (end) applies
	inst, err := o.ProcessAgentResult("proc-1", "critic", map[string]any{"verdict": "approve"}, nil, true, "")
	require.NoError(t, err)
	require.Equal(t, InstructionKindTerminate, inst.Kind)
	assert.Equal(t, envelope.TerminalReasonCompleted, *inst.TerminalReason)
}

func TestOrchestrator_ErrorRouting(t *testing.T) {
	o := newTestOrchestrator(t)

	cfg := config.NewPipelineConfig("error_pipeline")
	require.NoError(t, cfg.AddAgent(&config.AgentConfig{
		Name:        "worker",
		StageOrder:  1,
		DefaultNext: config.StageEnd,
		ErrorNext:   "fallback",
	}))
	require.NoError(t, cfg.AddAgent(&config.AgentConfig{
		Name:        "fallback",
		StageOrder:  2,
		DefaultNext: config.StageEnd,
	}))

	_, err := o.InitializeSession("proc-1", cfg, envelope.New(), false)
	require.NoError(t, err)
	_, err = o.GetNextInstruction("proc-1")
	require.NoError(t, err)

	inst, err := o.ProcessAgentResult("proc-1", "worker", nil, nil, false, "tool crashed")
	require.NoError(t, err)
	require.Equal(t, InstructionKindRunAgent, inst.Kind)
	assert.Equal(t, "fallback", inst.AgentName)
}

func TestOrchestrator_UnhandledErrorTerminates(t *testing.T) {
	o := newTestOrchestrator(t)
	env := envelope.New()

	_, err := o.InitializeSession("proc-1", chatPipeline(t), env, false)
	require.NoError(t, err)
	_, err = o.GetNextInstruction("proc-1")
	require.NoError(t, err)

	inst, err := o.ProcessAgentResult("proc-1", "understand", nil, nil, false, "model unavailable")
	require.NoError(t, err)
	require.Equal(t, InstructionKindTerminate, inst.Kind)
	require.NotNil(t, inst.TerminalReason)
	assert.Equal(t, envelope.TerminalReasonToolFailedFatally, *inst.TerminalReason)
	assert.True(t, env.Terminated)
}

func TestOrchestrator_ValuesMatch(t *testing.T) {
	o := newTestOrchestrator(t)

	assert.True(t, o.valuesMatch("revise", "revise"))
	assert.False(t, o.valuesMatch("revise", "approve"))
	assert.True(t, o.valuesMatch(true, true))
	assert.False(t, o.valuesMatch(true, false))
	assert.True(t, o.valuesMatch(2, 2.0), "JSON numbers compare across int/float")
	assert.True(t, o.valuesMatch(int64(7), 7))
	assert.False(t, o.valuesMatch(2, 3))
	assert.True(t, o.valuesMatch([]string{"a"}, []string{"a"}), "structured values compare via JSON")
	assert.False(t, o.valuesMatch("2", 2))
}

// =============================================================================
// Bounds and Edge Limits
// =============================================================================

func TestOrchestrator_EdgeLimitTerminatesLoop(t *testing.T) {
	// The critic->planner edge is capped at 2 traversals. The loop runs
	// planner -> critic -> planner twice; the third revise verdict trips
	// the edge limit.
	o := newTestOrchestrator(t)
	env := envelope.New()

	_, err := o.InitializeSession("proc-1", reviewPipeline(t, 2), env, false)
	require.NoError(t, err)
	_, err = o.GetNextInstruction("proc-1")
	require.NoError(t, err)

	var inst *Instruction
	for i := 0; i < 2; i++ {
		inst, err = o.ProcessAgentResult("proc-1", "planner", map[string]any{"plan": "draft"}, nil, true, "")
		require.NoError(t, err)
		require.Equal(t, InstructionKindRunAgent, inst.Kind)
		require.Equal(t, "critic", inst.AgentName)

		inst, err = o.ProcessAgentResult("proc-1", "critic", map[string]any{"verdict": "revise"}, nil, true, "")
		require.NoError(t, err)
		require.Equal(t, InstructionKindRunAgent, inst.Kind)
		require.Equal(t, "planner", inst.AgentName, "traversal %d is within the limit", i+1)
	}

	inst, err = o.ProcessAgentResult("proc-1", "planner", map[string]any{"plan": "draft"}, nil, true, "")
	require.NoError(t, err)
	require.Equal(t, "critic", inst.AgentName)

	inst, err = o.ProcessAgentResult("proc-1", "critic", map[string]any{"verdict": "revise"}, nil, true, "")
	require.NoError(t, err)
	require.Equal(t, InstructionKindTerminate, inst.Kind)
	require.NotNil(t, inst.TerminalReason)
	assert.Equal(t, envelope.TerminalReasonMaxEdgeLimitExceeded, *inst.TerminalReason)

	state, err := o.GetSessionState("proc-1")
	require.NoError(t, err)
	assert.Equal(t, 3, state.EdgeTraversals["critic->planner"])
}

func TestOrchestrator_EdgeLimitWinsOverIterationBound(t *testing.T) {
	// With max_iterations 3 and an edge limit of 2, the third revise
	// drives both bounds past their ceiling at once. The edge limit is
	// checked on the transition itself, so it names the terminal reason.
	o := newTestOrchestrator(t)
	env := envelope.New()

	_, err := o.InitializeSession("proc-1", reviewPipeline(t, 2), env, false)
	require.NoError(t, err)
	_, err = o.GetNextInstruction("proc-1")
	require.NoError(t, err)

	var inst *Instruction
	for {
		inst, err = o.ProcessAgentResult("proc-1", env.CurrentStage, map[string]any{"verdict": "revise"}, nil, true, "")
		require.NoError(t, err)
		if inst.Kind == InstructionKindTerminate {
			break
		}
	}

	require.NotNil(t, inst.TerminalReason)
	assert.Equal(t, envelope.TerminalReasonMaxEdgeLimitExceeded, *inst.TerminalReason)
	assert.Equal(t, 3, env.Iteration, "each loop-back counted as an iteration")
}

func TestOrchestrator_IterationBoundTerminates(t *testing.T) {
	// No edge limit on the loop, so the global iteration bound fires.
	o := newTestOrchestrator(t)
	env := envelope.New()

	cfg := reviewPipeline(t, 0)
	cfg.MaxIterations = 1

	_, err := o.InitializeSession("proc-1", cfg, env, false)
	require.NoError(t, err)
	_, err = o.GetNextInstruction("proc-1")
	require.NoError(t, err)

	_, err = o.ProcessAgentResult("proc-1", "planner", map[string]any{}, nil, true, "")
	require.NoError(t, err)

	inst, err := o.ProcessAgentResult("proc-1", "critic", map[string]any{"verdict": "revise"}, nil, true, "")
	require.NoError(t, err)
	require.Equal(t, InstructionKindTerminate, inst.Kind)
	require.NotNil(t, inst.TerminalReason)
	assert.Equal(t, envelope.TerminalReasonMaxIterationsExceeded, *inst.TerminalReason)
}

func TestOrchestrator_LLMCallBoundTerminates(t *testing.T) {
	o := newTestOrchestrator(t)
	env := envelope.New()

	cfg := chatPipeline(t)
	cfg.MaxLLMCalls = 1

	_, err := o.InitializeSession("proc-1", cfg, env, false)
	require.NoError(t, err)
	_, err = o.GetNextInstruction("proc-1")
	require.NoError(t, err)

	inst, err := o.ProcessAgentResult("proc-1", "understand", map[string]any{}, runMetrics(1, 10), true, "")
	require.NoError(t, err)
	require.Equal(t, InstructionKindTerminate, inst.Kind)
	require.NotNil(t, inst.TerminalReason)
	assert.Equal(t, envelope.TerminalReasonMaxLLMCallsExceeded, *inst.TerminalReason)
}

func TestOrchestrator_IsLoopBack(t *testing.T) {
	o := newTestOrchestrator(t)
	env := envelope.New()

	_, err := o.InitializeSession("proc-1", chatPipeline(t), env, false)
	require.NoError(t, err)

	session := o.sessions["proc-1"]
	assert.True(t, o.isLoopBack(session, "respond", "understand"))
	assert.False(t, o.isLoopBack(session, "understand", "respond"))
	assert.False(t, o.isLoopBack(session, "understand", "understand"))
	assert.False(t, o.isLoopBack(session, "understand", config.StageEnd))
}

// =============================================================================
// Interrupts
// =============================================================================

func TestOrchestrator_InterruptPausesPipeline(t *testing.T) {
	o := newTestOrchestrator(t)
	env := envelope.New()

	_, err := o.InitializeSession("proc-1", chatPipeline(t), env, false)
	require.NoError(t, err)

	env.TriggerInterrupt(envelope.InterruptKindClarification, "int_1", envelope.WithQuestion("Which repo?"))

	inst, err := o.GetNextInstruction("proc-1")
	require.NoError(t, err)
	assert.Equal(t, InstructionKindWaitInterrupt, inst.Kind)
	assert.True(t, inst.InterruptPending)
	require.NotNil(t, inst.Interrupt)
	assert.Equal(t, "Which repo?", inst.Interrupt.Question)

	// Resolving the interrupt lets the pipeline continue
	env.ClearInterrupt()
	inst, err = o.GetNextInstruction("proc-1")
	require.NoError(t, err)
	assert.Equal(t, InstructionKindRunAgent, inst.Kind)
}

// =============================================================================
// Session Lifecycle
// =============================================================================

func TestOrchestrator_CleanupSession(t *testing.T) {
	o := newTestOrchestrator(t)

	_, err := o.InitializeSession("proc-1", chatPipeline(t), envelope.New(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, o.GetSessionCount())

	o.CleanupSession("proc-1")
	assert.Equal(t, 0, o.GetSessionCount())

	// Cleanup of a missing session is a no-op
	o.CleanupSession("proc-1")
}

func TestOrchestrator_CleanupStaleSessions(t *testing.T) {
	o := newTestOrchestrator(t)

	_, err := o.InitializeSession("proc-active", chatPipeline(t), envelope.New(), false)
	require.NoError(t, err)
	_, err = o.InitializeSession("proc-stale", chatPipeline(t), envelope.New(), false)
	require.NoError(t, err)
	_, err = o.InitializeSession("proc-done", chatPipeline(t), envelope.New(), false)
	require.NoError(t, err)

	o.sessions["proc-stale"].LastActivityAt = time.Now().UTC().Add(-2 * time.Hour)
	o.sessions["proc-done"].Terminated = true

	cleaned := o.CleanupStaleSessions(time.Hour)
	assert.Equal(t, 2, cleaned)
	assert.Equal(t, 1, o.GetSessionCount())
	_, err = o.GetSessionState("proc-active")
	assert.NoError(t, err)
}

func TestOrchestrator_SessionStateSnapshot(t *testing.T) {
	o := newTestOrchestrator(t)
	env := envelope.New()

	_, err := o.InitializeSession("proc-1", chatPipeline(t), env, false)
	require.NoError(t, err)
	_, err = o.GetNextInstruction("proc-1")
	require.NoError(t, err)
	_, err = o.ProcessAgentResult("proc-1", "understand", map[string]any{"intent": "x"}, nil, true, "")
	require.NoError(t, err)

	state, err := o.GetSessionState("proc-1")
	require.NoError(t, err)
	assert.Equal(t, "think", state.CurrentStage)
	assert.Equal(t, 1, state.EdgeTraversals["understand->think"])
	assert.False(t, state.Terminated)
	require.NotNil(t, state.Envelope)
	assert.Equal(t, env.EnvelopeID, state.Envelope["envelope_id"])
}
