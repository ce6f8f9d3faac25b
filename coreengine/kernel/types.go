// Package kernel implements OS-level abstractions over agent pipelines.
//
// It provides process lifecycle management, resource quotas, rate
// limiting, and interrupt bookkeeping for pipeline runs.
//
// Key concepts:
//   - ProcessState: lifecycle states (NEW -> RUNNING -> TERMINATED)
//   - ResourceQuota: cgroups-style ceilings on nine usage dimensions
//   - ProcessControlBlock: the kernel's view of one running envelope
package kernel

import (
	"time"

	"github.com/agentkernel-io/agentkernel/coreengine/envelope"
)

// ProcessState is the lifecycle state of a process.
//
//	NEW -> READY -> RUNNING -> (WAITING | BLOCKED | TERMINATED)
//	WAITING -> READY (on interrupt resolution)
//	BLOCKED -> READY (on resource available)
type ProcessState string

const (
	ProcessStateNew     ProcessState = "new"
	ProcessStateReady   ProcessState = "ready"
	ProcessStateRunning ProcessState = "running"
	// ProcessStateWaiting parks a process on a pending interrupt.
	ProcessStateWaiting ProcessState = "waiting"
	// ProcessStateBlocked parks a process on an exhausted resource.
	ProcessStateBlocked    ProcessState = "blocked"
	ProcessStateTerminated ProcessState = "terminated"
	// ProcessStateZombie marks a terminated process awaiting cleanup.
	ProcessStateZombie ProcessState = "zombie"
)

// IsTerminal reports whether the state admits no further transitions
// except cleanup.
func (s ProcessState) IsTerminal() bool {
	return s == ProcessStateTerminated || s == ProcessStateZombie
}

// CanSchedule reports whether the scheduler may pick this process up.
func (s ProcessState) CanSchedule() bool {
	return s == ProcessStateNew || s == ProcessStateReady
}

// IsRunnable reports whether the process sits in the ready queue.
func (s ProcessState) IsRunnable() bool {
	return s == ProcessStateReady
}

// SchedulingPriority orders processes in the ready queue.
type SchedulingPriority string

const (
	// PriorityRealtime outranks everything; reserved for system work.
	PriorityRealtime SchedulingPriority = "realtime"
	// PriorityHigh serves user-interactive requests.
	PriorityHigh SchedulingPriority = "high"
	// PriorityNormal is the default.
	PriorityNormal SchedulingPriority = "normal"
	// PriorityLow serves background tasks.
	PriorityLow SchedulingPriority = "low"
	// PriorityIdle runs only when nothing else is runnable.
	PriorityIdle SchedulingPriority = "idle"
)

var priorityWeights = map[SchedulingPriority]int{
	PriorityRealtime: 100,
	PriorityHigh:     75,
	PriorityNormal:   50,
	PriorityLow:      25,
	PriorityIdle:     1,
}

// Weight returns the scheduling weight; higher means more priority.
// Unknown priorities weigh as normal.
func (p SchedulingPriority) Weight() int {
	if w, ok := priorityWeights[p]; ok {
		return w
	}
	return priorityWeights[PriorityNormal]
}

// Quota dimension names, used in decisions and denial reasons.
const (
	DimTotalTokens         = "total_tokens"
	DimLLMCalls            = "llm_calls"
	DimToolCalls           = "tool_calls"
	DimAgentHops           = "agent_hops"
	DimIterations          = "iterations"
	DimExecutionSeconds    = "execution_seconds"
	DimInferenceRequests   = "inference_requests"
	DimInferenceInputChars = "inference_input_chars"
	DimConcurrentInference = "concurrent_inference"
)

// ResourceQuota defines ceilings on nine independent usage dimensions.
// Exceeding any single dimension is sufficient to deny.
type ResourceQuota struct {
	MaxTotalTokens         int `json:"max_total_tokens"`
	MaxLLMCalls            int `json:"max_llm_calls"`
	MaxToolCalls           int `json:"max_tool_calls"`
	MaxAgentHops           int `json:"max_agent_hops"`
	MaxIterations          int `json:"max_iterations"`
	MaxExecutionSeconds    int `json:"max_execution_seconds"`
	MaxInferenceRequests   int `json:"max_inference_requests"`
	MaxInferenceInputChars int `json:"max_inference_input_chars"`
	MaxConcurrentInference int `json:"max_concurrent_inference"`
}

// DefaultQuota returns sensible default resource limits.
func DefaultQuota() *ResourceQuota {
	return &ResourceQuota{
		MaxTotalTokens:         65536,
		MaxLLMCalls:            10,
		MaxToolCalls:           50,
		MaxAgentHops:           21,
		MaxIterations:          3,
		MaxExecutionSeconds:    300,
		MaxInferenceRequests:   100,
		MaxInferenceInputChars: 262144,
		MaxConcurrentInference: 4,
	}
}

// ResourceUsage tracks live consumption for a process, one counter per
// quota dimension.
type ResourceUsage struct {
	TotalTokens         int     `json:"total_tokens"`
	LLMCalls            int     `json:"llm_calls"`
	ToolCalls           int     `json:"tool_calls"`
	AgentHops           int     `json:"agent_hops"`
	Iterations          int     `json:"iterations"`
	ElapsedSeconds      float64 `json:"elapsed_seconds"`
	InferenceRequests   int     `json:"inference_requests"`
	InferenceInputChars int     `json:"inference_input_chars"`
	ConcurrentInference int     `json:"concurrent_inference"`
}

// dimension binds a quota dimension name to its quota ceiling and its
// usage counter. ElapsedSeconds is the one float counter; its accessors
// truncate, and the quota check below compares the float directly.
type dimension struct {
	limit func(*ResourceQuota) int
	count func(*ResourceUsage) int
	add   func(*ResourceUsage, int)
}

var dimensionTable = map[string]dimension{
	DimTotalTokens: {
		limit: func(q *ResourceQuota) int { return q.MaxTotalTokens },
		count: func(u *ResourceUsage) int { return u.TotalTokens },
		add:   func(u *ResourceUsage, n int) { u.TotalTokens += n },
	},
	DimLLMCalls: {
		limit: func(q *ResourceQuota) int { return q.MaxLLMCalls },
		count: func(u *ResourceUsage) int { return u.LLMCalls },
		add:   func(u *ResourceUsage, n int) { u.LLMCalls += n },
	},
	DimToolCalls: {
		limit: func(q *ResourceQuota) int { return q.MaxToolCalls },
		count: func(u *ResourceUsage) int { return u.ToolCalls },
		add:   func(u *ResourceUsage, n int) { u.ToolCalls += n },
	},
	DimAgentHops: {
		limit: func(q *ResourceQuota) int { return q.MaxAgentHops },
		count: func(u *ResourceUsage) int { return u.AgentHops },
		add:   func(u *ResourceUsage, n int) { u.AgentHops += n },
	},
	DimIterations: {
		limit: func(q *ResourceQuota) int { return q.MaxIterations },
		count: func(u *ResourceUsage) int { return u.Iterations },
		add:   func(u *ResourceUsage, n int) { u.Iterations += n },
	},
	DimExecutionSeconds: {
		limit: func(q *ResourceQuota) int { return q.MaxExecutionSeconds },
		count: func(u *ResourceUsage) int { return int(u.ElapsedSeconds) },
		add:   func(u *ResourceUsage, n int) { u.ElapsedSeconds += float64(n) },
	},
	DimInferenceRequests: {
		limit: func(q *ResourceQuota) int { return q.MaxInferenceRequests },
		count: func(u *ResourceUsage) int { return u.InferenceRequests },
		add:   func(u *ResourceUsage, n int) { u.InferenceRequests += n },
	},
	DimInferenceInputChars: {
		limit: func(q *ResourceQuota) int { return q.MaxInferenceInputChars },
		count: func(u *ResourceUsage) int { return u.InferenceInputChars },
		add:   func(u *ResourceUsage, n int) { u.InferenceInputChars += n },
	},
	DimConcurrentInference: {
		limit: func(q *ResourceQuota) int { return q.MaxConcurrentInference },
		count: func(u *ResourceUsage) int { return u.ConcurrentInference },
		add:   func(u *ResourceUsage, n int) { u.ConcurrentInference += n },
	},
}

// Limit returns the ceiling for a named dimension, or 0 if unknown.
func (q *ResourceQuota) Limit(dim string) int {
	if d, ok := dimensionTable[dim]; ok {
		return d.limit(q)
	}
	return 0
}

// Count returns the live counter for a named dimension, or 0 if
// unknown.
func (u *ResourceUsage) Count(dim string) int {
	if d, ok := dimensionTable[dim]; ok {
		return d.count(u)
	}
	return 0
}

// Add bumps the counter for a named dimension by amount. Unknown
// dimensions are ignored.
func (u *ResourceUsage) Add(dim string, amount int) {
	if d, ok := dimensionTable[dim]; ok {
		d.add(u, amount)
	}
}

// quotaChecks fixes the order in which ExceedsQuota reports denials, so
// a run that blows several ceilings at once yields a stable reason.
var quotaChecks = []struct {
	dim    string
	reason string
}{
	{DimLLMCalls, "max_llm_calls_exceeded"},
	{DimToolCalls, "max_tool_calls_exceeded"},
	{DimAgentHops, "max_agent_hops_exceeded"},
	{DimIterations, "max_iterations_exceeded"},
	{DimTotalTokens, "max_total_tokens_exceeded"},
	{DimInferenceInputChars, "max_inference_input_chars_exceeded"},
	{DimInferenceRequests, "max_inference_requests_exceeded"},
	{DimConcurrentInference, "max_concurrent_inference_exceeded"},
}

// ExceedsQuota checks usage against a quota. Returns the terminal-reason
// style denial string for the first exceeded dimension, or "". A zero
// ceiling means the dimension is unlimited, matching CheckAndReserve.
func (u *ResourceUsage) ExceedsQuota(q *ResourceQuota) string {
	for _, check := range quotaChecks {
		d := dimensionTable[check.dim]
		limit := d.limit(q)
		if limit > 0 && d.count(u) > limit {
			return check.reason
		}
	}
	// Elapsed time compares as a float so fractional overruns count.
	if q.MaxExecutionSeconds > 0 && u.ElapsedSeconds > float64(q.MaxExecutionSeconds) {
		return "timeout_exceeded"
	}
	return ""
}

// Clone returns a copy of the usage.
func (u *ResourceUsage) Clone() *ResourceUsage {
	clone := *u
	return &clone
}

// ProcessControlBlock is the kernel's metadata about a running
// "process" (one envelope run). The request state itself lives in the
// envelope; the PCB tracks scheduling state, resource accounting, and
// interrupt status.
type ProcessControlBlock struct {
	PID       string `json:"pid"` // envelope_id
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`

	State    ProcessState       `json:"state"`
	Priority SchedulingPriority `json:"priority"`

	Quota *ResourceQuota `json:"quota"`
	Usage *ResourceUsage `json:"usage"`

	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastScheduledAt *time.Time `json:"last_scheduled_at,omitempty"`

	CurrentStage   string `json:"current_stage,omitempty"`
	CurrentService string `json:"current_service,omitempty"`

	PendingInterrupt *envelope.InterruptKind `json:"pending_interrupt,omitempty"`
	InterruptData    map[string]any          `json:"interrupt_data,omitempty"`

	// Parent and child pids link sub-requests to their origin.
	ParentPID string   `json:"parent_pid,omitempty"`
	ChildPIDs []string `json:"child_pids,omitempty"`
}

// NewProcessControlBlock creates a PCB in NEW state with the default
// quota and normal priority.
func NewProcessControlBlock(pid, requestID, userID, sessionID string) *ProcessControlBlock {
	return &ProcessControlBlock{
		PID:       pid,
		RequestID: requestID,
		UserID:    userID,
		SessionID: sessionID,
		State:     ProcessStateNew,
		Priority:  PriorityNormal,
		Quota:     DefaultQuota(),
		Usage:     &ResourceUsage{},
		CreatedAt: time.Now().UTC(),
		ChildPIDs: []string{},
	}
}

func (pcb *ProcessControlBlock) CanSchedule() bool { return pcb.State.CanSchedule() }
func (pcb *ProcessControlBlock) IsRunnable() bool  { return pcb.State.IsRunnable() }
func (pcb *ProcessControlBlock) IsTerminated() bool {
	return pcb.State.IsTerminal()
}

// Start moves the process to RUNNING and stamps the schedule times.
func (pcb *ProcessControlBlock) Start() {
	now := time.Now().UTC()
	pcb.State = ProcessStateRunning
	pcb.StartedAt = &now
	pcb.LastScheduledAt = &now
}

// Complete moves the process to TERMINATED and fixes elapsed time.
func (pcb *ProcessControlBlock) Complete() {
	now := time.Now().UTC()
	pcb.State = ProcessStateTerminated
	pcb.CompletedAt = &now
	if pcb.StartedAt != nil {
		pcb.Usage.ElapsedSeconds = now.Sub(*pcb.StartedAt).Seconds()
	}
}

// Block parks the process on an exhausted resource.
func (pcb *ProcessControlBlock) Block(reason string) {
	pcb.State = ProcessStateBlocked
	if pcb.InterruptData == nil {
		pcb.InterruptData = make(map[string]any)
	}
	pcb.InterruptData["block_reason"] = reason
}

// Wait parks the process on a pending interrupt.
func (pcb *ProcessControlBlock) Wait(interruptKind envelope.InterruptKind) {
	pcb.State = ProcessStateWaiting
	pcb.PendingInterrupt = &interruptKind
}

// Resume returns a WAITING or BLOCKED process to READY.
func (pcb *ProcessControlBlock) Resume() {
	pcb.State = ProcessStateReady
	pcb.PendingInterrupt = nil
	delete(pcb.InterruptData, "block_reason")
}

// RecordLLMCall accounts one inference call and its token volume.
func (pcb *ProcessControlBlock) RecordLLMCall(tokensIn, tokensOut int) {
	pcb.Usage.LLMCalls++
	pcb.Usage.InferenceRequests++
	pcb.Usage.TotalTokens += tokensIn + tokensOut
}

func (pcb *ProcessControlBlock) RecordToolCall() {
	pcb.Usage.ToolCalls++
}

func (pcb *ProcessControlBlock) RecordAgentHop() {
	pcb.Usage.AgentHops++
}

// CheckQuota returns the denial reason when usage exceeds quota, or "".
func (pcb *ProcessControlBlock) CheckQuota() string {
	return pcb.Usage.ExceedsQuota(pcb.Quota)
}

// KernelEventType names the OS-level events the kernel emits. These are
// distinct from application events on the bus.
type KernelEventType string

const (
	KernelEventProcessCreated      KernelEventType = "process.created"
	KernelEventProcessStateChanged KernelEventType = "process.state_changed"
	KernelEventInterruptRaised     KernelEventType = "interrupt.raised"
	KernelEventResourceExhausted   KernelEventType = "resource.exhausted"
	KernelEventRateLimited         KernelEventType = "rate.limited"
	KernelEventServiceRegistered   KernelEventType = "service.registered"
	KernelEventServiceUnregistered KernelEventType = "service.unregistered"
)

// KernelEvent is one kernel-emitted event.
type KernelEvent struct {
	EventType KernelEventType `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id"`
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id"`
	PID       string          `json:"pid,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
}

// NewKernelEvent stamps a new event with the current time.
func NewKernelEvent(eventType KernelEventType, pid, requestID, userID, sessionID string) *KernelEvent {
	return &KernelEvent{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
		UserID:    userID,
		SessionID: sessionID,
		PID:       pid,
	}
}

func pcbEvent(eventType KernelEventType, pcb *ProcessControlBlock, data map[string]any) *KernelEvent {
	evt := NewKernelEvent(eventType, pcb.PID, pcb.RequestID, pcb.UserID, pcb.SessionID)
	evt.Data = data
	return evt
}

// ProcessCreatedEvent builds a process.created event.
func ProcessCreatedEvent(pcb *ProcessControlBlock) *KernelEvent {
	return pcbEvent(KernelEventProcessCreated, pcb, map[string]any{
		"priority": string(pcb.Priority),
	})
}

// ProcessStateChangedEvent builds a process.state_changed event.
func ProcessStateChangedEvent(pcb *ProcessControlBlock, oldState ProcessState) *KernelEvent {
	return pcbEvent(KernelEventProcessStateChanged, pcb, map[string]any{
		"old_state": string(oldState),
		"new_state": string(pcb.State),
	})
}

// InterruptRaisedEvent builds an interrupt.raised event carrying the
// interrupt kind plus any extra data.
func InterruptRaisedEvent(pcb *ProcessControlBlock, interruptKind envelope.InterruptKind, data map[string]any) *KernelEvent {
	payload := map[string]any{"interrupt_kind": string(interruptKind)}
	for k, v := range data {
		payload[k] = v
	}
	return pcbEvent(KernelEventInterruptRaised, pcb, payload)
}

// ResourceExhaustedEvent builds a resource.exhausted event.
func ResourceExhaustedEvent(pcb *ProcessControlBlock, dim string, usage, quota int) *KernelEvent {
	return pcbEvent(KernelEventResourceExhausted, pcb, map[string]any{
		"dimension": dim,
		"usage":     usage,
		"quota":     quota,
	})
}
