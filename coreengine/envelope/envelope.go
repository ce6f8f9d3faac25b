package envelope

import (
	"time"

	"github.com/google/uuid"
)

// ProcessingRecord is one entry of the append-only audit trail, recorded
// per agent invocation.
type ProcessingRecord struct {
	Agent       string     `json:"agent"`
	StageOrder  int        `json:"stage_order"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int        `json:"duration_ms"`
	Status      string     `json:"status"` // "running", "success", "error", "skipped"
	Error       *string    `json:"error,omitempty"`
	LLMCalls    int        `json:"llm_calls"`
}

// Envelope is the mutable state record that flows through a pipeline run.
//
// Agents write results into the dynamic Outputs map keyed by their output
// key, so the set of agents is entirely configuration-driven. The runtime
// is the sole writer: no two invocations may mutate the same envelope
// concurrently, and once Terminated is set the envelope is immutable apart
// from audit-trail appends.
type Envelope struct {
	// Identification
	EnvelopeID string `json:"envelope_id"`
	RequestID  string `json:"request_id"`
	UserID     string `json:"user_id"`
	SessionID  string `json:"session_id"`

	// Original input
	RawInput   string    `json:"raw_input"`
	ReceivedAt time.Time `json:"received_at"`

	// Dynamic agent outputs, last write wins per key.
	Outputs map[string]map[string]any `json:"outputs"`

	// Pipeline state
	CurrentStage  string   `json:"current_stage"`
	StageOrder    []string `json:"stage_order"`
	Iteration     int      `json:"iteration"`
	MaxIterations int      `json:"max_iterations"`

	// Parallel execution tracking
	ActiveStages      map[string]bool   `json:"active_stages,omitempty"`
	CompletedStageSet map[string]bool   `json:"completed_stage_set,omitempty"`
	FailedStages      map[string]string `json:"failed_stages,omitempty"`
	DAGMode           bool              `json:"dag_mode,omitempty"`

	// Bounds tracking
	LLMCallCount    int             `json:"llm_call_count"`
	MaxLLMCalls     int             `json:"max_llm_calls"`
	AgentHopCount   int             `json:"agent_hop_count"`
	MaxAgentHops    int             `json:"max_agent_hops"`
	CriticFireCount int             `json:"critic_fire_count"`
	MaxCriticFires  int             `json:"max_critic_fires"`
	TerminalReason  *TerminalReason `json:"terminal_reason,omitempty"`

	// Control flow
	Terminated        bool    `json:"terminated"`
	TerminationReason *string `json:"termination_reason,omitempty"`

	// Interrupt handling
	InterruptPending bool           `json:"interrupt_pending"`
	Interrupt        *FlowInterrupt `json:"interrupt,omitempty"`

	// Retry context
	PriorPlans     []map[string]any `json:"prior_plans"`
	CriticFeedback []string         `json:"critic_feedback"`

	// Audit trail
	ProcessingHistory []ProcessingRecord `json:"processing_history"`
	Errors            []map[string]any   `json:"errors"`

	// Timing
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Metadata
	Metadata map[string]any `json:"metadata"`
}

// hexID builds a prefixed identifier like "env_3f9c01ab2d4e887a".
func hexID(prefix string) string {
	raw := uuid.New().String()
	hex := make([]byte, 0, 16)
	for i := 0; i < len(raw) && len(hex) < 16; i++ {
		if raw[i] != '-' {
			hex = append(hex, raw[i])
		}
	}
	return prefix + "_" + string(hex)
}

// New creates an Envelope with default bounds.
func New() *Envelope {
	now := time.Now().UTC()
	return &Envelope{
		EnvelopeID:        hexID("env"),
		RequestID:         hexID("req"),
		UserID:            "anonymous",
		SessionID:         hexID("sess"),
		ReceivedAt:        now,
		Outputs:           make(map[string]map[string]any),
		CurrentStage:      "start",
		StageOrder:        []string{},
		MaxIterations:     3,
		ActiveStages:      make(map[string]bool),
		CompletedStageSet: make(map[string]bool),
		FailedStages:      make(map[string]string),
		MaxLLMCalls:       10,
		MaxAgentHops:      21,
		MaxCriticFires:    3,
		PriorPlans:        []map[string]any{},
		CriticFeedback:    []string{},
		ProcessingHistory: []ProcessingRecord{},
		Errors:            []map[string]any{},
		CreatedAt:         now,
		Metadata:          make(map[string]any),
	}
}

// Create builds an Envelope from caller input.
func Create(rawInput, userID, sessionID string, requestID *string, metadata map[string]any, stageOrder []string) *Envelope {
	e := New()
	e.RawInput = rawInput
	if userID != "" {
		e.UserID = userID
	}
	if sessionID != "" {
		e.SessionID = sessionID
	}
	if requestID != nil {
		e.RequestID = *requestID
	}
	if metadata != nil {
		e.Metadata = metadata
	}
	if stageOrder != nil {
		e.StageOrder = stageOrder
	}
	return e
}

// =============================================================================
// Parallel execution helpers
// =============================================================================

// StartStage marks a stage as actively executing.
func (e *Envelope) StartStage(stageName string) {
	if e.ActiveStages == nil {
		e.ActiveStages = make(map[string]bool)
	}
	e.ActiveStages[stageName] = true
}

// CompleteStage marks a stage as successfully completed.
func (e *Envelope) CompleteStage(stageName string) {
	if e.CompletedStageSet == nil {
		e.CompletedStageSet = make(map[string]bool)
	}
	e.CompletedStageSet[stageName] = true
	delete(e.ActiveStages, stageName)
}

// FailStage marks a stage as failed with an error message.
func (e *Envelope) FailStage(stageName string, errorMsg string) {
	if e.FailedStages == nil {
		e.FailedStages = make(map[string]string)
	}
	e.FailedStages[stageName] = errorMsg
	delete(e.ActiveStages, stageName)
}

// IsStageCompleted reports whether the stage completed successfully.
func (e *Envelope) IsStageCompleted(stageName string) bool {
	return e.CompletedStageSet[stageName]
}

// IsStageActive reports whether the stage is currently executing.
func (e *Envelope) IsStageActive(stageName string) bool {
	return e.ActiveStages[stageName]
}

// IsStageFailed reports whether the stage has failed.
func (e *Envelope) IsStageFailed(stageName string) bool {
	_, failed := e.FailedStages[stageName]
	return failed
}

// ActiveStageCount returns the number of currently active stages.
func (e *Envelope) ActiveStageCount() int { return len(e.ActiveStages) }

// CompletedStageCount returns the number of completed stages.
func (e *Envelope) CompletedStageCount() int { return len(e.CompletedStageSet) }

// AllStagesComplete reports whether every stage in StageOrder completed.
func (e *Envelope) AllStagesComplete() bool {
	if len(e.StageOrder) == 0 {
		return false
	}
	for _, stage := range e.StageOrder {
		if !e.IsStageCompleted(stage) {
			return false
		}
	}
	return true
}

// HasFailures reports whether any stage has failed.
func (e *Envelope) HasFailures() bool { return len(e.FailedStages) > 0 }

// =============================================================================
// Output access
// =============================================================================

// GetOutput returns the output record for a key, or nil.
func (e *Envelope) GetOutput(key string) map[string]any { return e.Outputs[key] }

// SetOutput stores the output record for a key, last write wins.
func (e *Envelope) SetOutput(key string, value map[string]any) { e.Outputs[key] = value }

// HasOutput reports whether an output exists for the key.
func (e *Envelope) HasOutput(key string) bool {
	_, exists := e.Outputs[key]
	return exists
}

// =============================================================================
// Audit trail
// =============================================================================

// RecordAgentStart appends a "running" history entry and counts the hop.
func (e *Envelope) RecordAgentStart(agentName string, stageOrder int) {
	e.ProcessingHistory = append(e.ProcessingHistory, ProcessingRecord{
		Agent:      agentName,
		StageOrder: stageOrder,
		StartedAt:  time.Now().UTC(),
		Status:     "running",
	})
	e.AgentHopCount++
}

// RecordAgentComplete closes the most recent running entry for the agent
// and adds the invocation's LLM calls to the envelope counter.
func (e *Envelope) RecordAgentComplete(agentName, status string, errorMsg *string, llmCalls, durationMS int) {
	for i := len(e.ProcessingHistory) - 1; i >= 0; i-- {
		entry := &e.ProcessingHistory[i]
		if entry.Agent == agentName && entry.Status == "running" {
			now := time.Now().UTC()
			entry.CompletedAt = &now
			entry.Status = status
			entry.Error = errorMsg
			entry.LLMCalls = llmCalls
			if durationMS > 0 {
				entry.DurationMS = durationMS
			} else {
				entry.DurationMS = int(now.Sub(entry.StartedAt).Milliseconds())
			}
			break
		}
	}
	e.LLMCallCount += llmCalls
}

// AppendError adds a structured error record to the audit trail.
func (e *Envelope) AppendError(agentName, message string, fatal bool) {
	e.Errors = append(e.Errors, map[string]any{
		"agent":     agentName,
		"error":     message,
		"fatal":     fatal,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// TotalProcessingTimeMS sums the recorded durations in the audit trail.
func (e *Envelope) TotalProcessingTimeMS() int {
	total := 0
	for _, entry := range e.ProcessingHistory {
		total += entry.DurationMS
	}
	return total
}

// =============================================================================
// Control flow
// =============================================================================

// CanContinue reports whether the run may proceed. A bound violation sets
// the matching terminal reason; the first reason set is final. Bounds
// left at zero are unlimited.
func (e *Envelope) CanContinue() bool {
	if e.Terminated || e.InterruptPending {
		return false
	}
	if e.MaxIterations > 0 && e.Iteration > e.MaxIterations {
		e.setTerminalReason(TerminalReasonMaxIterationsExceeded)
		return false
	}
	if e.MaxLLMCalls > 0 && e.LLMCallCount >= e.MaxLLMCalls {
		e.setTerminalReason(TerminalReasonMaxLLMCallsExceeded)
		return false
	}
	if e.MaxAgentHops > 0 && e.AgentHopCount >= e.MaxAgentHops {
		e.setTerminalReason(TerminalReasonMaxAgentHopsExceeded)
		return false
	}
	if e.MaxCriticFires > 0 && e.CriticFireCount > e.MaxCriticFires {
		e.setTerminalReason(TerminalReasonMaxCriticFiresExceeded)
		return false
	}
	return true
}

func (e *Envelope) setTerminalReason(reason TerminalReason) {
	if e.TerminalReason == nil {
		e.TerminalReason = &reason
	}
}

// TriggerInterrupt marks a pending interrupt without terminating the run.
func (e *Envelope) TriggerInterrupt(kind InterruptKind, id string, opts ...InterruptOption) {
	e.InterruptPending = true
	e.Interrupt = &FlowInterrupt{
		Kind:      kind,
		ID:        id,
		CreatedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e.Interrupt)
	}
}

// ResolveInterrupt stores the response and clears the pending flag.
func (e *Envelope) ResolveInterrupt(response InterruptResponse) {
	if e.Interrupt != nil {
		response.ReceivedAt = time.Now().UTC()
		e.Interrupt.Response = &response
	}
	e.InterruptPending = false
}

// ClearInterrupt drops the interrupt state without a response.
func (e *Envelope) ClearInterrupt() {
	e.InterruptPending = false
	e.Interrupt = nil
}

// HasPendingInterrupt reports whether an interrupt awaits resolution.
func (e *Envelope) HasPendingInterrupt() bool {
	return e.InterruptPending && e.Interrupt != nil
}

// InterruptKindOrEmpty returns the pending interrupt kind, or "".
func (e *Envelope) InterruptKindOrEmpty() InterruptKind {
	if e.Interrupt != nil {
		return e.Interrupt.Kind
	}
	return ""
}

// IncrementIteration counts a loop-back transition and archives the
// current plan output so retries can consult prior attempts.
func (e *Envelope) IncrementIteration(feedback *string) {
	e.Iteration++
	if feedback != nil {
		e.CriticFeedback = append(e.CriticFeedback, *feedback)
	}
	if plan, exists := e.Outputs["plan"]; exists {
		e.PriorPlans = append(e.PriorPlans, deepCopyAnyMap(plan))
	}
}

// RecordCriticFire counts one critic rejection.
func (e *Envelope) RecordCriticFire(feedback string) {
	e.CriticFireCount++
	if feedback != "" {
		e.CriticFeedback = append(e.CriticFeedback, feedback)
	}
}

// Terminate marks the envelope as terminated. The first terminal reason
// recorded is final.
func (e *Envelope) Terminate(message string, terminalReason *TerminalReason) {
	if e.Terminated {
		return
	}
	e.Terminated = true
	e.TerminationReason = &message
	if terminalReason != nil {
		e.setTerminalReason(*terminalReason)
	}
	now := time.Now().UTC()
	e.CompletedAt = &now
}

// =============================================================================
// Clone - deep copy for parallel stage isolation and checkpointing
// =============================================================================

// Clone creates a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	clone := &Envelope{
		EnvelopeID: e.EnvelopeID,
		RequestID:  e.RequestID,
		UserID:     e.UserID,
		SessionID:  e.SessionID,

		RawInput:   e.RawInput,
		ReceivedAt: e.ReceivedAt,

		CurrentStage:  e.CurrentStage,
		Iteration:     e.Iteration,
		MaxIterations: e.MaxIterations,

		LLMCallCount:    e.LLMCallCount,
		MaxLLMCalls:     e.MaxLLMCalls,
		AgentHopCount:   e.AgentHopCount,
		MaxAgentHops:    e.MaxAgentHops,
		CriticFireCount: e.CriticFireCount,
		MaxCriticFires:  e.MaxCriticFires,

		Terminated:       e.Terminated,
		InterruptPending: e.InterruptPending,
		DAGMode:          e.DAGMode,

		CreatedAt: e.CreatedAt,
	}

	clone.StageOrder = copyStringSlice(e.StageOrder)
	clone.CriticFeedback = copyStringSlice(e.CriticFeedback)
	clone.PriorPlans = deepCopyMapSlice(e.PriorPlans)
	clone.Errors = deepCopyMapSlice(e.Errors)
	clone.ProcessingHistory = copyProcessingHistory(e.ProcessingHistory)

	clone.Outputs = deepCopyOutputs(e.Outputs)
	clone.ActiveStages = copyStringBoolMap(e.ActiveStages)
	clone.CompletedStageSet = copyStringBoolMap(e.CompletedStageSet)
	clone.FailedStages = copyStringStringMap(e.FailedStages)
	clone.Metadata = deepCopyAnyMap(e.Metadata)

	if e.TerminalReason != nil {
		reason := *e.TerminalReason
		clone.TerminalReason = &reason
	}
	if e.TerminationReason != nil {
		reason := *e.TerminationReason
		clone.TerminationReason = &reason
	}
	if e.Interrupt != nil {
		clone.Interrupt = e.Interrupt.Clone()
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		clone.CompletedAt = &t
	}

	return clone
}

func copyStringSlice(s []string) []string {
	if s == nil {
		return nil
	}
	result := make([]string, len(s))
	copy(result, s)
	return result
}

func copyStringBoolMap(m map[string]bool) map[string]bool {
	if m == nil {
		return nil
	}
	result := make(map[string]bool, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

func copyStringStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	result := make(map[string]string, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

func deepCopyOutputs(m map[string]map[string]any) map[string]map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]map[string]any, len(m))
	for k, v := range m {
		result[k] = deepCopyAnyMap(v)
	}
	return result
}

func deepCopyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = deepCopyValue(v)
	}
	return result
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyAnyMap(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = deepCopyValue(item)
		}
		return result
	case []string:
		return copyStringSlice(val)
	default:
		return v
	}
}

func deepCopyMapSlice(s []map[string]any) []map[string]any {
	if s == nil {
		return nil
	}
	result := make([]map[string]any, len(s))
	for i, m := range s {
		result[i] = deepCopyAnyMap(m)
	}
	return result
}

func copyProcessingHistory(h []ProcessingRecord) []ProcessingRecord {
	if h == nil {
		return nil
	}
	result := make([]ProcessingRecord, len(h))
	for i, r := range h {
		result[i] = ProcessingRecord{
			Agent:      r.Agent,
			StageOrder: r.StageOrder,
			StartedAt:  r.StartedAt,
			DurationMS: r.DurationMS,
			Status:     r.Status,
			LLMCalls:   r.LLMCalls,
		}
		if r.CompletedAt != nil {
			t := *r.CompletedAt
			result[i].CompletedAt = &t
		}
		if r.Error != nil {
			msg := *r.Error
			result[i].Error = &msg
		}
	}
	return result
}
