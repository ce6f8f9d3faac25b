// Kernel-side pipeline orchestration for remote workers.
//
// The orchestrator owns routing and bounds: it evaluates routing rules,
// tracks edge traversals, and enforces iteration, LLM call, hop, and
// edge limits. Workers only execute the agent named in each
// Instruction and report the result back; they never choose what runs
// next.
package kernel

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentkernel-io/agentkernel/coreengine/config"
	"github.com/agentkernel-io/agentkernel/coreengine/envelope"
)

// InstructionKind indicates what the worker should do next.
type InstructionKind string

const (
	InstructionKindRunAgent      InstructionKind = "run_agent"
	InstructionKindTerminate     InstructionKind = "terminate"
	InstructionKindWaitInterrupt InstructionKind = "wait_interrupt"
)

// Instruction tells a worker what to do next.
type Instruction struct {
	Kind               InstructionKind          `json:"kind"`
	AgentName          string                   `json:"agent_name,omitempty"`
	AgentConfig        *config.AgentConfig      `json:"agent_config,omitempty"`
	Envelope           *envelope.Envelope       `json:"envelope,omitempty"`
	TerminalReason     *envelope.TerminalReason `json:"terminal_reason,omitempty"`
	TerminationMessage string                   `json:"termination_message,omitempty"`
	InterruptPending   bool                     `json:"interrupt_pending,omitempty"`
	Interrupt          *envelope.FlowInterrupt  `json:"interrupt,omitempty"`
}

// AgentExecutionMetrics is the usage a worker reports after running an
// agent.
type AgentExecutionMetrics struct {
	LLMCalls   int `json:"llm_calls"`
	ToolCalls  int `json:"tool_calls"`
	TokensIn   int `json:"tokens_in"`
	TokensOut  int `json:"tokens_out"`
	DurationMS int `json:"duration_ms"`
}

// OrchestrationSession is one live pipeline execution.
type OrchestrationSession struct {
	ProcessID      string                   `json:"process_id"`
	PipelineConfig *config.PipelineConfig   `json:"pipeline_config"`
	Envelope       *envelope.Envelope       `json:"envelope"`
	EdgeTraversals map[string]int           `json:"edge_traversals"` // keyed "from->to"
	Terminated     bool                     `json:"terminated"`
	TerminalReason *envelope.TerminalReason `json:"terminal_reason,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
	LastActivityAt time.Time                `json:"last_activity_at"`
}

// SessionState is the externally visible snapshot of a session.
type SessionState struct {
	ProcessID      string                   `json:"process_id"`
	CurrentStage   string                   `json:"current_stage"`
	StageOrder     []string                 `json:"stage_order"`
	Envelope       map[string]any           `json:"envelope"`
	EdgeTraversals map[string]int           `json:"edge_traversals"`
	Terminated     bool                     `json:"terminated"`
	TerminalReason *envelope.TerminalReason `json:"terminal_reason,omitempty"`
}

// Orchestrator manages kernel-side pipeline execution sessions.
type Orchestrator struct {
	kernel   *Kernel
	logger   Logger
	sessions map[string]*OrchestrationSession
	mu       sync.RWMutex
}

func NewOrchestrator(kernel *Kernel, logger Logger) *Orchestrator {
	return &Orchestrator{
		kernel:   kernel,
		logger:   logger,
		sessions: make(map[string]*OrchestrationSession),
	}
}

// Log helpers tolerate a nil logger so the orchestrator works bare in
// tests.
func (o *Orchestrator) logDebug(event string, fields ...any) {
	if o.logger != nil {
		o.logger.Debug(event, fields...)
	}
}

func (o *Orchestrator) logInfo(event string, fields ...any) {
	if o.logger != nil {
		o.logger.Info(event, fields...)
	}
}

func (o *Orchestrator) logWarn(event string, fields ...any) {
	if o.logger != nil {
		o.logger.Warn(event, fields...)
	}
}

func edgeKey(from, to string) string {
	return fmt.Sprintf("%s->%s", from, to)
}

// InitializeSession creates a session for processID. An existing
// session is an error unless force is set, in which case it is
// replaced.
func (o *Orchestrator) InitializeSession(
	processID string,
	pipelineConfig *config.PipelineConfig,
	env *envelope.Envelope,
	force bool,
) (*SessionState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if existing, ok := o.sessions[processID]; ok {
		if !force {
			return nil, fmt.Errorf("session already exists for process: %s (use force=true to replace)", processID)
		}
		o.logWarn("session_force_replaced",
			"process_id", processID,
			"previous_stage", existing.Envelope.CurrentStage,
			"previous_iteration", existing.Envelope.Iteration)
	}

	if err := pipelineConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}

	env.MaxIterations = pipelineConfig.MaxIterations
	env.MaxLLMCalls = pipelineConfig.MaxLLMCalls
	env.MaxAgentHops = pipelineConfig.MaxAgentHops
	env.StageOrder = pipelineConfig.GetStageOrder()
	normalizeStartStage(env)

	now := time.Now().UTC()
	session := &OrchestrationSession{
		ProcessID:      processID,
		PipelineConfig: pipelineConfig,
		Envelope:       env,
		EdgeTraversals: make(map[string]int),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	o.sessions[processID] = session

	o.logInfo("orchestration_session_initialized",
		"process_id", processID, "pipeline", pipelineConfig.Name,
		"current_stage", env.CurrentStage, "stage_count", len(env.StageOrder))

	return o.snapshot(session), nil
}

// normalizeStartStage resets CurrentStage to the first pipeline stage
// unless it already names a pipeline stage or a sentinel (end,
// clarification, confirmation).
func normalizeStartStage(env *envelope.Envelope) {
	if len(env.StageOrder) == 0 {
		return
	}
	switch env.CurrentStage {
	case config.StageEnd, config.StageClarification, config.StageConfirmation:
		return
	}
	for _, stage := range env.StageOrder {
		if stage == env.CurrentStage {
			return
		}
	}
	env.CurrentStage = env.StageOrder[0]
}

// GetNextInstruction determines what the worker should do next. Takes
// the write lock because building an instruction can terminate the
// session.
func (o *Orchestrator) GetNextInstruction(processID string) (*Instruction, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	session, ok := o.sessions[processID]
	if !ok {
		return nil, fmt.Errorf("unknown process: %s", processID)
	}
	return o.nextInstruction(session), nil
}

// ProcessAgentResult records an agent completion, routes the envelope,
// and returns the next instruction.
func (o *Orchestrator) ProcessAgentResult(
	processID string,
	agentName string,
	output map[string]any,
	metrics *AgentExecutionMetrics,
	success bool,
	errorMsg string,
) (*Instruction, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	session, ok := o.sessions[processID]
	if !ok {
		return nil, fmt.Errorf("unknown process: %s", processID)
	}
	if session.Terminated {
		return o.nextInstruction(session), nil
	}

	env := session.Envelope
	fromStage := env.CurrentStage

	if output != nil {
		env.SetOutput(agentName, output)
	}

	if metrics != nil && o.kernel != nil {
		o.kernel.Resources().RecordUsage(
			processID,
			metrics.LLMCalls,
			metrics.ToolCalls,
			1, // one agent hop per reported result
			metrics.TokensIn+metrics.TokensOut,
		)
	}

	llmCalls, durationMS := 0, 0
	if metrics != nil {
		llmCalls = metrics.LLMCalls
		durationMS = metrics.DurationMS
	}
	env.RecordAgentComplete(agentName, "success", nil, llmCalls, durationMS)
	session.LastActivityAt = time.Now().UTC()

	if !success {
		o.routeFailure(session, agentName, errorMsg)
		return o.nextInstruction(session), nil
	}

	o.routeSuccess(session, agentName, fromStage, output)
	return o.nextInstruction(session), nil
}

// routeFailure sends the envelope to the agent's error stage, or
// terminates the session when no error routing is configured.
func (o *Orchestrator) routeFailure(session *OrchestrationSession, agentName, errorMsg string) {
	env := session.Envelope
	agentConfig := session.PipelineConfig.GetAgent(agentName)

	if agentConfig != nil && agentConfig.ErrorNext != "" {
		env.CurrentStage = agentConfig.ErrorNext
		o.logInfo("agent_error_routing",
			"process_id", session.ProcessID, "agent", agentName,
			"error", errorMsg, "next_stage", agentConfig.ErrorNext)
		return
	}

	o.terminate(session, envelope.TerminalReasonToolFailedFatally, errorMsg)
	o.logWarn("agent_error_terminated",
		"process_id", session.ProcessID, "agent", agentName, "error", errorMsg)
}

// routeSuccess evaluates routing rules, tracks the traversed edge, and
// advances the envelope. Edge-limit denial wins over the global
// iteration bound on the same transition.
func (o *Orchestrator) routeSuccess(session *OrchestrationSession, agentName, fromStage string, output map[string]any) {
	env := session.Envelope
	toStage := o.evaluateRouting(session, agentName, output)

	if fromStage != toStage && toStage != config.StageEnd {
		key := edgeKey(fromStage, toStage)
		session.EdgeTraversals[key]++

		if o.isLoopBack(session, fromStage, toStage) {
			env.IncrementIteration(nil)
			o.logInfo("loop_detected",
				"process_id", session.ProcessID, "from", fromStage,
				"to", toStage, "iteration", env.Iteration)
		}

		if !o.withinEdgeLimit(session, fromStage, toStage) {
			o.terminate(session, envelope.TerminalReasonMaxEdgeLimitExceeded,
				fmt.Sprintf("edge limit exceeded: %s", key))
			o.logWarn("edge_limit_exceeded",
				"process_id", session.ProcessID, "edge", key,
				"count", session.EdgeTraversals[key])
			return
		}
	}

	env.CurrentStage = toStage
	o.logInfo("agent_completed_routing",
		"process_id", session.ProcessID, "agent", agentName,
		"from_stage", fromStage, "to_stage", toStage)
}

// GetSessionState returns a snapshot of the session.
func (o *Orchestrator) GetSessionState(processID string) (*SessionState, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	session, ok := o.sessions[processID]
	if !ok {
		return nil, fmt.Errorf("unknown process: %s", processID)
	}
	return o.snapshot(session), nil
}

// CleanupSession removes a session.
func (o *Orchestrator) CleanupSession(processID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.sessions, processID)
}

// terminate marks both session and envelope terminated. Caller holds
// the lock.
func (o *Orchestrator) terminate(session *OrchestrationSession, reason envelope.TerminalReason, message string) {
	session.Terminated = true
	session.TerminalReason = &reason
	session.Envelope.Terminate(message, &reason)
}

func terminateInstruction(env *envelope.Envelope, reason *envelope.TerminalReason, message string) *Instruction {
	return &Instruction{
		Kind:               InstructionKindTerminate,
		TerminalReason:     reason,
		TerminationMessage: message,
		Envelope:           env,
	}
}

// nextInstruction derives the next worker instruction from session
// state, terminating the session when a bound is hit.
func (o *Orchestrator) nextInstruction(session *OrchestrationSession) *Instruction {
	env := session.Envelope

	if session.Terminated {
		return terminateInstruction(env, session.TerminalReason, "Pipeline terminated")
	}

	if env.CurrentStage == config.StageEnd {
		reason := envelope.TerminalReasonCompleted
		o.terminate(session, reason, "Pipeline completed")
		return terminateInstruction(env, &reason, "Pipeline completed successfully")
	}

	if env.InterruptPending {
		return &Instruction{
			Kind:             InstructionKindWaitInterrupt,
			InterruptPending: true,
			Interrupt:        env.Interrupt,
			Envelope:         env,
		}
	}

	if reason, exceeded := exceededBound(env); exceeded {
		o.terminate(session, reason, string(reason))
		return terminateInstruction(env, &reason, string(reason))
	}

	agentConfig := session.PipelineConfig.GetAgent(env.CurrentStage)
	if agentConfig == nil {
		reason := envelope.TerminalReasonToolFailedFatally
		msg := fmt.Sprintf("unknown stage: %s", env.CurrentStage)
		o.terminate(session, reason, msg)
		return terminateInstruction(env, &reason, msg)
	}

	env.RecordAgentStart(env.CurrentStage, agentConfig.StageOrder)
	return &Instruction{
		Kind:        InstructionKindRunAgent,
		AgentName:   env.CurrentStage,
		AgentConfig: agentConfig,
		Envelope:    env,
	}
}

// evaluateRouting applies the agent's routing rules in order; the
// first rule whose condition key matches the output wins, then
// DefaultNext, then end.
func (o *Orchestrator) evaluateRouting(session *OrchestrationSession, agentName string, output map[string]any) string {
	agentConfig := session.PipelineConfig.GetAgent(agentName)
	if agentConfig == nil {
		return config.StageEnd
	}

	for _, rule := range agentConfig.RoutingRules {
		value, ok := output[rule.Condition]
		if ok && o.valuesMatch(value, rule.Value) {
			return rule.Target
		}
	}

	if agentConfig.DefaultNext != "" {
		return agentConfig.DefaultNext
	}
	return config.StageEnd
}

// valuesMatch compares a routing condition value against the expected
// one. JSON decoding turns numbers into float64, so numeric kinds are
// compared by value; anything else falls back to JSON equality.
func (o *Orchestrator) valuesMatch(actual, expected any) bool {
	switch a := actual.(type) {
	case string:
		if e, ok := expected.(string); ok {
			return a == e
		}
	case bool:
		if e, ok := expected.(bool); ok {
			return a == e
		}
	}

	if a, ok := asFloat64(actual); ok {
		if e, ok := asFloat64(expected); ok {
			return a == e
		}
	}

	actualJSON, _ := json.Marshal(actual)
	expectedJSON, _ := json.Marshal(expected)
	return string(actualJSON) == string(expectedJSON)
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// exceededBound reports which global bound, if any, the envelope has
// hit.
func exceededBound(env *envelope.Envelope) (envelope.TerminalReason, bool) {
	switch {
	case env.Iteration >= env.MaxIterations:
		return envelope.TerminalReasonMaxIterationsExceeded, true
	case env.LLMCallCount >= env.MaxLLMCalls:
		return envelope.TerminalReasonMaxLLMCallsExceeded, true
	case env.AgentHopCount >= env.MaxAgentHops:
		return envelope.TerminalReasonMaxAgentHopsExceeded, true
	}
	return "", false
}

// withinEdgeLimit reports whether the recorded traversals of from->to
// are still within the configured limit, if one exists.
func (o *Orchestrator) withinEdgeLimit(session *OrchestrationSession, from, to string) bool {
	limit := session.PipelineConfig.GetEdgeLimit(from, to)
	if limit <= 0 {
		return true
	}
	return session.EdgeTraversals[edgeKey(from, to)] <= limit
}

// isLoopBack reports whether to precedes from in the stage order.
func (o *Orchestrator) isLoopBack(session *OrchestrationSession, from, to string) bool {
	fromIdx, toIdx := -1, -1
	for i, stage := range session.Envelope.StageOrder {
		switch stage {
		case from:
			fromIdx = i
		case to:
			toIdx = i
		}
	}
	return fromIdx >= 0 && toIdx >= 0 && toIdx < fromIdx
}

func (o *Orchestrator) snapshot(session *OrchestrationSession) *SessionState {
	return &SessionState{
		ProcessID:      session.ProcessID,
		CurrentStage:   session.Envelope.CurrentStage,
		StageOrder:     session.Envelope.StageOrder,
		Envelope:       session.Envelope.ToStateDict(),
		EdgeTraversals: session.EdgeTraversals,
		Terminated:     session.Terminated,
		TerminalReason: session.TerminalReason,
	}
}

// GetSessionCount returns the number of live sessions.
func (o *Orchestrator) GetSessionCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.sessions)
}

// CleanupStaleSessions drops terminated sessions and sessions with no
// activity since the cutoff, returning how many were removed.
func (o *Orchestrator) CleanupStaleSessions(staleDuration time.Duration) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	cutoff := time.Now().UTC().Add(-staleDuration)
	cleaned := 0
	for pid, session := range o.sessions {
		if !session.Terminated && !session.LastActivityAt.Before(cutoff) {
			continue
		}
		delete(o.sessions, pid)
		cleaned++
		o.logDebug("session_cleaned_up",
			"process_id", pid, "terminated", session.Terminated,
			"last_activity", session.LastActivityAt.Format(time.RFC3339))
	}
	return cleaned
}
