package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentkernel-io/agentkernel/commbus"
	"github.com/agentkernel-io/agentkernel/coreengine/envelope"
	"github.com/agentkernel-io/agentkernel/coreengine/kernel"
	"github.com/agentkernel-io/agentkernel/coreengine/runtime"
)

// Dependencies holds the components the default handlers operate on.
// Runner and Bus are optional; their handler groups are skipped when
// nil.
type Dependencies struct {
	Kernel *kernel.Kernel
	Runner *runtime.PipelineRunner
	Bus    commbus.CommBus
}

// RegisterDefaultHandlers installs the standard request kinds:
// envelope ops (create, validate, can_continue, result), runtime ops
// (run, resume, state), bus ops (publish, send, query), kernel status
// and health.
func RegisterDefaultHandlers(s *Server, deps Dependencies) {
	s.Register("health", healthHandler(deps.Kernel))

	s.Register("envelope.create", envelopeCreateHandler())
	s.Register("envelope.validate", envelopeValidateHandler())
	s.Register("envelope.can_continue", envelopeCanContinueHandler())
	s.Register("envelope.result", envelopeResultHandler())

	if deps.Kernel != nil {
		s.Register("kernel.status", kernelStatusHandler(deps.Kernel))
		s.Register("kernel.request_status", kernelRequestStatusHandler(deps.Kernel))
	}

	if deps.Runner != nil {
		s.Register("runtime.run", runtimeRunHandler(deps.Runner))
		s.Register("runtime.resume", runtimeResumeHandler(deps.Runner))
		s.Register("runtime.state", runtimeStateHandler(deps.Runner))
	}

	if deps.Bus != nil {
		s.Register("bus.publish", busPublishHandler(deps.Bus))
		s.Register("bus.send", busSendHandler(deps.Bus))
		s.Register("bus.query", busQueryHandler(deps.Bus))
	}
}

// =============================================================================
// HEALTH AND KERNEL STATUS
// =============================================================================

func healthHandler(k *kernel.Kernel) HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		result := map[string]any{
			"status": string(commbus.HealthStatusHealthy),
			"time":   time.Now().UTC().Format(time.RFC3339),
		}
		if k != nil {
			result["system"] = k.GetSystemStatus()
		}
		return result, nil
	}
}

func kernelStatusHandler(k *kernel.Kernel) HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		return k.GetSystemStatus(), nil
	}
}

func kernelRequestStatusHandler(k *kernel.Kernel) HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			PID string `json:"pid"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		if req.PID == "" {
			return nil, errors.New("pid is required")
		}
		status := k.GetRequestStatus(req.PID)
		if status == nil {
			return nil, fmt.Errorf("unknown pid: %s", req.PID)
		}
		return status, nil
	}
}

// =============================================================================
// ENVELOPE OPERATIONS
// =============================================================================

func envelopeCreateHandler() HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			RawInput   string         `json:"raw_input"`
			UserID     string         `json:"user_id"`
			SessionID  string         `json:"session_id"`
			RequestID  *string        `json:"request_id,omitempty"`
			Metadata   map[string]any `json:"metadata,omitempty"`
			StageOrder []string       `json:"stage_order,omitempty"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}

		env := envelope.Create(req.RawInput, req.UserID, req.SessionID, req.RequestID, req.Metadata, req.StageOrder)
		return env.ToStateDict(), nil
	}
}

func envelopeValidateHandler() HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var state map[string]any
		if err := json.Unmarshal(payload, &state); err != nil {
			return map[string]any{
				"valid":  false,
				"errors": []string{fmt.Sprintf("invalid JSON: %s", err.Error())},
			}, nil
		}

		validationErrors := []string{}
		for _, field := range []string{"envelope_id", "user_id"} {
			if state[field] == nil {
				continue // missing fields get defaults
			}
			if _, ok := state[field].(string); !ok {
				validationErrors = append(validationErrors, fmt.Sprintf("field %q must be a string", field))
			}
		}

		env := envelope.FromStateDict(state)
		if env.EnvelopeID == "" {
			validationErrors = append(validationErrors, "envelope_id is empty after parsing")
		}

		return map[string]any{
			"valid":       len(validationErrors) == 0,
			"errors":      validationErrors,
			"envelope_id": env.EnvelopeID,
		}, nil
	}
}

func envelopeCanContinueHandler() HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var state map[string]any
		if err := json.Unmarshal(payload, &state); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}

		env := envelope.FromStateDict(state)
		canContinue := env.CanContinue()

		var reason *string
		if env.TerminalReason != nil {
			r := string(*env.TerminalReason)
			reason = &r
		}

		return map[string]any{
			"can_continue":    canContinue,
			"terminal_reason": reason,
			"iteration":       env.Iteration,
			"llm_call_count":  env.LLMCallCount,
			"agent_hop_count": env.AgentHopCount,
		}, nil
	}
}

func envelopeResultHandler() HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var state map[string]any
		if err := json.Unmarshal(payload, &state); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return envelope.FromStateDict(state).ToResultDict(), nil
	}
}

// =============================================================================
// RUNTIME OPERATIONS
// =============================================================================

func runtimeRunHandler(runner *runtime.PipelineRunner) HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			State    map[string]any `json:"state"`
			ThreadID string         `json:"thread_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		if req.State == nil {
			return nil, errors.New("state is required")
		}

		env := envelope.FromStateDict(req.State)
		final, err := runner.Run(ctx, env, req.ThreadID)
		if err != nil {
			return nil, err
		}
		return final.ToStateDict(), nil
	}
}

func runtimeResumeHandler(runner *runtime.PipelineRunner) HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			State    map[string]any `json:"state"`
			ThreadID string         `json:"thread_id"`
			Response struct {
				Text     *string        `json:"text,omitempty"`
				Approved *bool          `json:"approved,omitempty"`
				Decision *string        `json:"decision,omitempty"`
				Data     map[string]any `json:"data,omitempty"`
			} `json:"response"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		if req.State == nil {
			return nil, errors.New("state is required")
		}

		env := envelope.FromStateDict(req.State)
		response := envelope.InterruptResponse{
			Text:       req.Response.Text,
			Approved:   req.Response.Approved,
			Decision:   req.Response.Decision,
			Data:       req.Response.Data,
			ReceivedAt: time.Now().UTC(),
		}

		final, err := runner.Resume(ctx, env, response, req.ThreadID)
		if err != nil {
			return nil, err
		}
		return final.ToStateDict(), nil
	}
}

func runtimeStateHandler(runner *runtime.PipelineRunner) HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			ThreadID string `json:"thread_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		if req.ThreadID == "" {
			return nil, errors.New("thread_id is required")
		}
		return runner.GetState(ctx, req.ThreadID)
	}
}

// =============================================================================
// BUS OPERATIONS
// =============================================================================

// wireMessage adapts an IPC bus request to a commbus message. The type
// name comes from the request, so it routes like any statically-typed
// message.
type wireMessage struct {
	msgType  string
	category string
	Data     map[string]any `json:"data,omitempty"`
}

func (m *wireMessage) Category() string    { return m.category }
func (m *wireMessage) MessageType() string { return m.msgType }

// wireQuery is a wireMessage that satisfies commbus.Query.
type wireQuery struct {
	wireMessage
}

func (q *wireQuery) IsQuery() {}

type busRequest struct {
	MessageType string         `json:"message_type"`
	Data        map[string]any `json:"data,omitempty"`
}

func decodeBusRequest(payload json.RawMessage) (*busRequest, error) {
	var req busRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if req.MessageType == "" {
		return nil, errors.New("message_type is required")
	}
	return &req, nil
}

func busPublishHandler(bus commbus.CommBus) HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		req, err := decodeBusRequest(payload)
		if err != nil {
			return nil, err
		}
		event := &wireMessage{
			msgType:  req.MessageType,
			category: string(commbus.MessageCategoryEvent),
			Data:     req.Data,
		}
		if err := bus.Publish(ctx, event); err != nil {
			return nil, err
		}
		return map[string]any{"published": true}, nil
	}
}

func busSendHandler(bus commbus.CommBus) HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		req, err := decodeBusRequest(payload)
		if err != nil {
			return nil, err
		}
		command := &wireMessage{
			msgType:  req.MessageType,
			category: string(commbus.MessageCategoryCommand),
			Data:     req.Data,
		}
		if err := bus.Send(ctx, command); err != nil {
			return nil, err
		}
		return map[string]any{"sent": true}, nil
	}
}

func busQueryHandler(bus commbus.CommBus) HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		req, err := decodeBusRequest(payload)
		if err != nil {
			return nil, err
		}
		query := &wireQuery{wireMessage: wireMessage{
			msgType:  req.MessageType,
			category: string(commbus.MessageCategoryQuery),
			Data:     req.Data,
		}}
		return bus.QuerySync(ctx, query)
	}
}
