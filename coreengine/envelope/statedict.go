package envelope

import (
	"time"

	"github.com/agentkernel-io/agentkernel/coreengine/typeutil"
)

// The state-dict form is the JSON-compatible boundary contract shared with
// the application tier and the persistence adapter. Round-tripping through
// it preserves outputs, bound counters and the terminal reason.

// ToStateDict converts the envelope to its exchange-format map. The
// optional fields are stored as plain values, not pointers, so a direct
// round-trip decodes the same way a JSON round-trip does.
func (e *Envelope) ToStateDict() map[string]any {
	state := map[string]any{
		"envelope_id":         e.EnvelopeID,
		"request_id":          e.RequestID,
		"user_id":             e.UserID,
		"session_id":          e.SessionID,
		"raw_input":           e.RawInput,
		"received_at":         e.ReceivedAt.Format(time.RFC3339),
		"outputs":             e.Outputs,
		"current_stage":       e.CurrentStage,
		"stage_order":         e.StageOrder,
		"iteration":           e.Iteration,
		"llm_call_count":      e.LLMCallCount,
		"agent_hop_count":     e.AgentHopCount,
		"critic_fire_count":   e.CriticFireCount,
		"max_iterations":      e.MaxIterations,
		"max_llm_calls":       e.MaxLLMCalls,
		"max_agent_hops":      e.MaxAgentHops,
		"max_critic_fires":    e.MaxCriticFires,
		"active_stages":       e.ActiveStages,
		"completed_stage_set": e.CompletedStageSet,
		"failed_stages":       e.FailedStages,
		"dag_mode":            e.DAGMode,
		"terminated":          e.Terminated,
		"interrupt_pending":   e.InterruptPending,
		"prior_plans":         e.PriorPlans,
		"critic_feedback":     e.CriticFeedback,
		"processing_history":  e.historyDicts(),
		"errors":              e.Errors,
		"created_at":          e.CreatedAt.Format(time.RFC3339),
		"metadata":            e.Metadata,
	}
	if e.TerminationReason != nil {
		state["termination_reason"] = *e.TerminationReason
	}
	if e.TerminalReason != nil {
		state["terminal_reason"] = string(*e.TerminalReason)
	}
	if e.CompletedAt != nil {
		state["completed_at"] = e.CompletedAt.Format(time.RFC3339)
	}
	if e.Interrupt != nil {
		state["interrupt"] = e.interruptDict()
	}
	return state
}

func (e *Envelope) interruptDict() map[string]any {
	if e.Interrupt == nil {
		return nil
	}
	d := map[string]any{
		"kind":       string(e.Interrupt.Kind),
		"id":         e.Interrupt.ID,
		"question":   e.Interrupt.Question,
		"message":    e.Interrupt.Message,
		"raised_by":  e.Interrupt.RaisedBy,
		"data":       e.Interrupt.Data,
		"created_at": e.Interrupt.CreatedAt.Format(time.RFC3339),
	}
	if e.Interrupt.ExpiresAt != nil {
		d["expires_at"] = e.Interrupt.ExpiresAt.Format(time.RFC3339)
	}
	if resp := e.Interrupt.Response; resp != nil {
		respDict := map[string]any{
			"received_at": resp.ReceivedAt.Format(time.RFC3339),
		}
		if resp.Text != nil {
			respDict["text"] = *resp.Text
		}
		if resp.Approved != nil {
			respDict["approved"] = *resp.Approved
		}
		if resp.Decision != nil {
			respDict["decision"] = *resp.Decision
		}
		if resp.Data != nil {
			respDict["data"] = resp.Data
		}
		d["response"] = respDict
	}
	return d
}

func (e *Envelope) historyDicts() []map[string]any {
	records := make([]map[string]any, 0, len(e.ProcessingHistory))
	for _, r := range e.ProcessingHistory {
		d := map[string]any{
			"agent":       r.Agent,
			"stage_order": r.StageOrder,
			"started_at":  r.StartedAt.Format(time.RFC3339),
			"duration_ms": r.DurationMS,
			"status":      r.Status,
			"llm_calls":   r.LLMCalls,
		}
		if r.CompletedAt != nil {
			d["completed_at"] = r.CompletedAt.Format(time.RFC3339)
		}
		if r.Error != nil {
			d["error"] = *r.Error
		}
		records = append(records, d)
	}
	return records
}

// FromStateDict rebuilds an envelope from its exchange-format map.
// Numeric values may arrive as int or float64 depending on the decoder.
func FromStateDict(state map[string]any) *Envelope {
	e := New()

	e.EnvelopeID = typeutil.SafeStringDefault(state["envelope_id"], e.EnvelopeID)
	e.RequestID = typeutil.SafeStringDefault(state["request_id"], e.RequestID)
	e.UserID = typeutil.SafeStringDefault(state["user_id"], e.UserID)
	e.SessionID = typeutil.SafeStringDefault(state["session_id"], e.SessionID)
	e.RawInput = typeutil.SafeStringDefault(state["raw_input"], "")
	if t, ok := parseTime(state["received_at"]); ok {
		e.ReceivedAt = t
	}

	if v, ok := state["outputs"].(map[string]map[string]any); ok {
		e.Outputs = v
	} else if v, ok := typeutil.SafeMapStringAny(state["outputs"]); ok {
		e.Outputs = make(map[string]map[string]any, len(v))
		for k, val := range v {
			if m, ok := typeutil.SafeMapStringAny(val); ok {
				e.Outputs[k] = m
			}
		}
	}

	e.CurrentStage = typeutil.SafeStringDefault(state["current_stage"], e.CurrentStage)
	e.StageOrder = typeutil.SafeStringSliceDefault(state["stage_order"], e.StageOrder)

	e.Iteration = typeutil.SafeIntDefault(state["iteration"], 0)
	e.LLMCallCount = typeutil.SafeIntDefault(state["llm_call_count"], 0)
	e.AgentHopCount = typeutil.SafeIntDefault(state["agent_hop_count"], 0)
	e.CriticFireCount = typeutil.SafeIntDefault(state["critic_fire_count"], 0)
	e.MaxIterations = typeutil.SafeIntDefault(state["max_iterations"], e.MaxIterations)
	e.MaxLLMCalls = typeutil.SafeIntDefault(state["max_llm_calls"], e.MaxLLMCalls)
	e.MaxAgentHops = typeutil.SafeIntDefault(state["max_agent_hops"], e.MaxAgentHops)
	e.MaxCriticFires = typeutil.SafeIntDefault(state["max_critic_fires"], e.MaxCriticFires)

	e.ActiveStages = parseBoolMap(state["active_stages"], e.ActiveStages)
	e.CompletedStageSet = parseBoolMap(state["completed_stage_set"], e.CompletedStageSet)
	e.FailedStages = parseStringMap(state["failed_stages"], e.FailedStages)
	e.DAGMode = typeutil.SafeBoolDefault(state["dag_mode"], false)

	e.Terminated = typeutil.SafeBoolDefault(state["terminated"], false)
	if v, ok := typeutil.SafeString(state["termination_reason"]); ok {
		e.TerminationReason = &v
	}
	if v, ok := typeutil.SafeString(state["terminal_reason"]); ok {
		reason := TerminalReason(v)
		e.TerminalReason = &reason
	}

	e.InterruptPending = typeutil.SafeBoolDefault(state["interrupt_pending"], false)
	if v, ok := typeutil.SafeMapStringAny(state["interrupt"]); ok {
		e.Interrupt = interruptFromDict(v)
	}

	e.PriorPlans = parseMapSlice(state["prior_plans"], e.PriorPlans)
	e.CriticFeedback = typeutil.SafeStringSliceDefault(state["critic_feedback"], e.CriticFeedback)
	e.ProcessingHistory = historyFromDicts(state["processing_history"])
	e.Errors = parseMapSlice(state["errors"], e.Errors)

	if t, ok := parseTime(state["created_at"]); ok {
		e.CreatedAt = t
	}
	if t, ok := parseTime(state["completed_at"]); ok {
		e.CompletedAt = &t
	}
	if v, ok := typeutil.SafeMapStringAny(state["metadata"]); ok {
		e.Metadata = v
	}

	return e
}

func interruptFromDict(v map[string]any) *FlowInterrupt {
	i := &FlowInterrupt{
		Kind:     InterruptKind(typeutil.SafeStringDefault(v["kind"], "")),
		ID:       typeutil.SafeStringDefault(v["id"], ""),
		Question: typeutil.SafeStringDefault(v["question"], ""),
		Message:  typeutil.SafeStringDefault(v["message"], ""),
		RaisedBy: typeutil.SafeStringDefault(v["raised_by"], ""),
	}
	if d, ok := typeutil.SafeMapStringAny(v["data"]); ok {
		i.Data = d
	}
	if t, ok := parseTime(v["created_at"]); ok {
		i.CreatedAt = t
	}
	if t, ok := parseTime(v["expires_at"]); ok {
		i.ExpiresAt = &t
	}
	if resp, ok := typeutil.SafeMapStringAny(v["response"]); ok {
		r := &InterruptResponse{}
		if text, ok := typeutil.SafeString(resp["text"]); ok {
			r.Text = &text
		}
		if approved, ok := typeutil.SafeBool(resp["approved"]); ok {
			r.Approved = &approved
		}
		if decision, ok := typeutil.SafeString(resp["decision"]); ok {
			r.Decision = &decision
		}
		if data, ok := typeutil.SafeMapStringAny(resp["data"]); ok {
			r.Data = data
		}
		if t, ok := parseTime(resp["received_at"]); ok {
			r.ReceivedAt = t
		}
		i.Response = r
	}
	return i
}

func historyFromDicts(v any) []ProcessingRecord {
	items, ok := typeutil.SafeSlice(v)
	if !ok {
		return []ProcessingRecord{}
	}
	records := make([]ProcessingRecord, 0, len(items))
	for _, item := range items {
		m, ok := typeutil.SafeMapStringAny(item)
		if !ok {
			continue
		}
		r := ProcessingRecord{
			Agent:      typeutil.SafeStringDefault(m["agent"], ""),
			StageOrder: typeutil.SafeIntDefault(m["stage_order"], 0),
			DurationMS: typeutil.SafeIntDefault(m["duration_ms"], 0),
			Status:     typeutil.SafeStringDefault(m["status"], ""),
			LLMCalls:   typeutil.SafeIntDefault(m["llm_calls"], 0),
		}
		if t, ok := parseTime(m["started_at"]); ok {
			r.StartedAt = t
		}
		if t, ok := parseTime(m["completed_at"]); ok {
			r.CompletedAt = &t
		}
		if errMsg, ok := typeutil.SafeString(m["error"]); ok {
			r.Error = &errMsg
		}
		records = append(records, r)
	}
	return records
}

func parseTime(v any) (time.Time, bool) {
	return typeutil.SafeTime(v)
}

func parseBoolMap(v any, fallback map[string]bool) map[string]bool {
	if m, ok := v.(map[string]bool); ok {
		return m
	}
	if m, ok := typeutil.SafeMapStringAny(v); ok {
		result := make(map[string]bool, len(m))
		for k, val := range m {
			if b, ok := val.(bool); ok {
				result[k] = b
			}
		}
		return result
	}
	return fallback
}

func parseStringMap(v any, fallback map[string]string) map[string]string {
	if m, ok := v.(map[string]string); ok {
		return m
	}
	if m, ok := typeutil.SafeMapStringAny(v); ok {
		result := make(map[string]string, len(m))
		for k, val := range m {
			if s, ok := val.(string); ok {
				result[k] = s
			}
		}
		return result
	}
	return fallback
}

func parseMapSlice(v any, fallback []map[string]any) []map[string]any {
	if s, ok := v.([]map[string]any); ok {
		return s
	}
	items, ok := typeutil.SafeSlice(v)
	if !ok {
		return fallback
	}
	result := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := typeutil.SafeMapStringAny(item); ok {
			result = append(result, m)
		}
	}
	return result
}

// ToResultDict builds the caller-facing summary of a run.
func (e *Envelope) ToResultDict() map[string]any {
	result := map[string]any{
		"envelope_id":        e.EnvelopeID,
		"request_id":         e.RequestID,
		"user_id":            e.UserID,
		"session_id":         e.SessionID,
		"current_stage":      e.CurrentStage,
		"terminated":         e.Terminated,
		"termination_reason": e.TerminationReason,
		"response":           e.FinalResponse(),
		"interrupt_pending":  e.InterruptPending,
		"iteration":          e.Iteration,
		"llm_call_count":     e.LLMCallCount,
		"agent_hop_count":    e.AgentHopCount,
		"processing_time_ms": e.TotalProcessingTimeMS(),
		"outputs":            e.Outputs,
		"errors":             e.Errors,
	}
	if e.TerminalReason != nil {
		result["terminal_reason"] = string(*e.TerminalReason)
	}
	if e.Interrupt != nil {
		result["interrupt"] = map[string]any{
			"kind":       string(e.Interrupt.Kind),
			"id":         e.Interrupt.ID,
			"question":   e.Interrupt.Question,
			"message":    e.Interrupt.Message,
			"created_at": e.Interrupt.CreatedAt.Format(time.RFC3339),
		}
	}
	return result
}

// FinalResponse returns the user-facing response text, preferring a
// pending interrupt's prompt over agent output.
func (e *Envelope) FinalResponse() *string {
	if e.InterruptPending && e.Interrupt != nil {
		if e.Interrupt.Kind == InterruptKindClarification && e.Interrupt.Question != "" {
			return &e.Interrupt.Question
		}
		if e.Interrupt.Kind == InterruptKindConfirmation && e.Interrupt.Message != "" {
			return &e.Interrupt.Message
		}
	}
	for _, key := range []string{"respond", "integration"} {
		if out, exists := e.Outputs[key]; exists {
			if response, ok := out["final_response"].(string); ok {
				return &response
			}
		}
	}
	return nil
}
