// Message definitions for the bus.
//
// Three routing categories exist: events fan out to every subscriber,
// queries go to a single handler and wait for a reply, commands go to a
// single handler without a reply.
package commbus

import "reflect"

// MessageCategory selects how the bus routes a message.
type MessageCategory string

const (
	// MessageCategoryEvent fans out to all subscribers, fire-and-forget.
	MessageCategoryEvent MessageCategory = "event"
	// MessageCategoryQuery routes to one handler and waits for a response.
	MessageCategoryQuery MessageCategory = "query"
	// MessageCategoryCommand routes to one handler, fire-and-forget.
	MessageCategoryCommand MessageCategory = "command"
)

// HealthStatus is the canonical set of component health values.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// AgentStarted fires when an agent begins processing. Telemetry,
// streaming broadcast, and trace logging subscribe to it.
type AgentStarted struct {
	AgentName  string         `json:"agent_name"`
	SessionID  string         `json:"session_id"`
	RequestID  string         `json:"request_id"`
	EnvelopeID string         `json:"envelope_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func (m *AgentStarted) Category() string { return string(MessageCategoryEvent) }

// AgentCompleted fires when an agent finishes, whether it succeeded or not.
type AgentCompleted struct {
	AgentName  string         `json:"agent_name"`
	SessionID  string         `json:"session_id"`
	RequestID  string         `json:"request_id"`
	EnvelopeID string         `json:"envelope_id"`
	Status     string         `json:"status"` // "success", "error", "skipped"
	DurationMS int            `json:"duration_ms"`
	LLMCalls   int            `json:"llm_calls"`
	Error      *string        `json:"error,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func (m *AgentCompleted) Category() string { return string(MessageCategoryEvent) }

// ToolStarted fires at the start of a tool execution step.
type ToolStarted struct {
	ToolName      string            `json:"tool_name"`
	SessionID     string            `json:"session_id"`
	RequestID     string            `json:"request_id"`
	StepNumber    int               `json:"step_number"`
	TotalSteps    int               `json:"total_steps"`
	ParamsPreview map[string]string `json:"params_preview,omitempty"`
}

func (m *ToolStarted) Category() string { return string(MessageCategoryEvent) }

// ToolCompleted fires when a tool execution step ends.
type ToolCompleted struct {
	ToolName        string  `json:"tool_name"`
	SessionID       string  `json:"session_id"`
	RequestID       string  `json:"request_id"`
	Status          string  `json:"status"` // "success", "error", "timeout"
	ExecutionTimeMS int     `json:"execution_time_ms"`
	Error           *string `json:"error,omitempty"`
	ErrorType       *string `json:"error_type,omitempty"`
}

func (m *ToolCompleted) Category() string { return string(MessageCategoryEvent) }

// PipelineStarted fires once per pipeline run, before the first stage.
type PipelineStarted struct {
	SessionID  string `json:"session_id"`
	RequestID  string `json:"request_id"`
	EnvelopeID string `json:"envelope_id"`
	Pipeline   string `json:"pipeline"`
	Query      string `json:"query"`
	UserID     string `json:"user_id"`
}

func (m *PipelineStarted) Category() string { return string(MessageCategoryEvent) }

// PipelineCompleted fires when a run reaches a terminal state, success
// and failure alike.
type PipelineCompleted struct {
	SessionID       string  `json:"session_id"`
	RequestID       string  `json:"request_id"`
	EnvelopeID      string  `json:"envelope_id"`
	Status          string  `json:"status"` // "completed", "error", "cancelled"
	TerminalReason  string  `json:"terminal_reason,omitempty"`
	DurationMS      int     `json:"duration_ms"`
	StagesCompleted int     `json:"stages_completed"`
	Error           *string `json:"error,omitempty"`
}

func (m *PipelineCompleted) Category() string { return string(MessageCategoryEvent) }

// StageTransition fires on every hop between pipeline stages.
type StageTransition struct {
	SessionID   string `json:"session_id"`
	RequestID   string `json:"request_id"`
	EnvelopeID  string `json:"envelope_id"`
	FromStage   string `json:"from_stage"`
	ToStage     string `json:"to_stage"`
	StageNumber int    `json:"stage_number"`
}

func (m *StageTransition) Category() string { return string(MessageCategoryEvent) }

// InterruptRaised fires when a run pauses on a pending interrupt.
type InterruptRaised struct {
	InterruptID string         `json:"interrupt_id"`
	RequestID   string         `json:"request_id"`
	SessionID   string         `json:"session_id"`
	Kind        string         `json:"kind"`
	Question    string         `json:"question,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

func (m *InterruptRaised) Category() string { return string(MessageCategoryEvent) }

// InterruptResolved fires when a pending interrupt leaves the pending
// state by resolution, cancellation, or expiry.
type InterruptResolved struct {
	InterruptID string `json:"interrupt_id"`
	RequestID   string `json:"request_id"`
	SessionID   string `json:"session_id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"` // "resolved", "cancelled", "expired"
	Approved    *bool  `json:"approved,omitempty"`
}

func (m *InterruptResolved) Category() string { return string(MessageCategoryEvent) }

// RateLimitExceeded fires when the rate limiter denies a request.
type RateLimitExceeded struct {
	UserID            string  `json:"user_id"`
	Endpoint          string  `json:"endpoint"`
	LimitType         string  `json:"limit_type"` // "burst", "minute", "hour"
	Limit             int     `json:"limit"`
	Current           int     `json:"current"`
	RetryAfterSeconds float64 `json:"retry_after_seconds"`
}

func (m *RateLimitExceeded) Category() string { return string(MessageCategoryEvent) }

// QuotaExceeded fires when a process exhausts a resource quota dimension.
type QuotaExceeded struct {
	PID       string `json:"pid"`
	RequestID string `json:"request_id"`
	Dimension string `json:"dimension"`
	Used      int64  `json:"used"`
	Limit     int64  `json:"limit"`
}

func (m *QuotaExceeded) Category() string { return string(MessageCategoryEvent) }

// GetAgentToolAccess asks which tools an agent may call.
// AgentToolAccessResponse carries the answer.
type GetAgentToolAccess struct {
	AgentName string `json:"agent_name"`
}

func (m *GetAgentToolAccess) Category() string { return string(MessageCategoryQuery) }
func (m *GetAgentToolAccess) IsQuery()         {}

type AgentToolAccessResponse struct {
	AllowedTools []string `json:"allowed_tools"`
	DeniedTools  []string `json:"denied_tools,omitempty"`
}

// GetInferenceEndpoint asks for an agent's LLM configuration.
// InferenceEndpointResponse carries the answer.
type GetInferenceEndpoint struct {
	AgentName string `json:"agent_name"`
}

func (m *GetInferenceEndpoint) Category() string { return string(MessageCategoryQuery) }
func (m *GetInferenceEndpoint) IsQuery()         {}

type InferenceEndpointResponse struct {
	Model        string   `json:"model"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
	SystemPrompt *string  `json:"system_prompt,omitempty"`
}

// GetPipelineStatus asks for the live status of a run by process ID.
// PipelineStatusResponse carries the answer.
type GetPipelineStatus struct {
	PID string `json:"pid"`
}

func (m *GetPipelineStatus) Category() string { return string(MessageCategoryQuery) }
func (m *GetPipelineStatus) IsQuery()         {}

type PipelineStatusResponse struct {
	PID          string         `json:"pid"`
	State        string         `json:"state"`
	CurrentStage string         `json:"current_stage"`
	Usage        map[string]any `json:"usage,omitempty"`
	HasInterrupt bool           `json:"has_interrupt"`
}

// HealthCheckRequest probes a component; HealthCheckResponse carries
// the answer.
type HealthCheckRequest struct {
	Component string `json:"component"` // "kernel", "bus", "runtime", "ipc"
}

func (m *HealthCheckRequest) Category() string { return string(MessageCategoryQuery) }
func (m *HealthCheckRequest) IsQuery()         {}

type HealthCheckResponse struct {
	Component string         `json:"component"`
	Status    string         `json:"status"` // "healthy", "degraded", "unhealthy"
	Details   map[string]any `json:"details,omitempty"`
	LatencyMS *int           `json:"latency_ms,omitempty"`
}

// FrontendBroadcast pushes an update to connected clients.
type FrontendBroadcast struct {
	SessionID string         `json:"session_id"`
	EventType string         `json:"event_type"` // "agent_update", "tool_progress", "response_chunk"
	Payload   map[string]any `json:"payload,omitempty"`
}

func (m *FrontendBroadcast) Category() string { return string(MessageCategoryEvent) }

// ResponseChunk is one piece of a streamed response.
type ResponseChunk struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Content   string `json:"content"`
	IsFinal   bool   `json:"is_final"`
}

func (m *ResponseChunk) Category() string { return string(MessageCategoryEvent) }

// InvalidateCache drops cache entries. A nil Key drops the whole cache.
type InvalidateCache struct {
	CacheName string  `json:"cache_name"`
	Key       *string `json:"key,omitempty"`
}

func (m *InvalidateCache) Category() string { return string(MessageCategoryCommand) }

// TypedMessage lets a message name its own type. Dynamically-typed
// messages, such as those arriving over IPC, implement it so routing
// does not depend on their Go type.
type TypedMessage interface {
	Message
	MessageType() string
}

// knownMessageTypes guards GetMessageType against leaking arbitrary
// struct names onto the wire.
var knownMessageTypes = func() map[string]bool {
	known := make(map[string]bool)
	for _, msg := range []Message{
		&AgentStarted{}, &AgentCompleted{},
		&ToolStarted{}, &ToolCompleted{},
		&PipelineStarted{}, &PipelineCompleted{}, &StageTransition{},
		&InterruptRaised{}, &InterruptResolved{},
		&RateLimitExceeded{}, &QuotaExceeded{},
		&GetAgentToolAccess{}, &GetInferenceEndpoint{},
		&GetPipelineStatus{}, &HealthCheckRequest{},
		&FrontendBroadcast{}, &ResponseChunk{},
		&InvalidateCache{},
	} {
		known[reflect.TypeOf(msg).Elem().Name()] = true
	}
	return known
}()

// GetMessageType resolves the routing name of a message. A TypedMessage
// answers for itself; otherwise the Go type name is used when it is one
// of the bus's own message types, and "Unknown" when it is not.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}
	t := reflect.TypeOf(msg)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if knownMessageTypes[t.Name()] {
		return t.Name()
	}
	return "Unknown"
}
