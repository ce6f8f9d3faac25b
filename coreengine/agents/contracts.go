// Cross-agent result contracts: outcome enums and the standardized
// tool result shape. Stage definitions and tool access live in
// PipelineConfig.
package agents

import (
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/agentkernel-io/agentkernel/commbus"
)

// ToolStatus is the status of a tool execution.
type ToolStatus string

const (
	ToolStatusSuccess ToolStatus = "success"
	ToolStatusError   ToolStatus = "error"
)

// ToolStatusFromString parses a status string, case-insensitively.
func ToolStatusFromString(value string) (ToolStatus, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "success":
		return ToolStatusSuccess, nil
	case "error":
		return ToolStatusError, nil
	}
	return "", fmt.Errorf("invalid tool status '%s'. Must be one of: success, error", value)
}

// AgentOutcome classifies how an agent run ended: success, error,
// clarify, confirm (interrupts), replan (loop back), terminate, skip,
// or partial.
type AgentOutcome string

const (
	AgentOutcomeSuccess   AgentOutcome = "success"
	AgentOutcomeError     AgentOutcome = "error"
	AgentOutcomeClarify   AgentOutcome = "clarify"
	AgentOutcomeConfirm   AgentOutcome = "confirm"
	AgentOutcomeReplan    AgentOutcome = "replan"
	AgentOutcomeTerminate AgentOutcome = "terminate"
	AgentOutcomeSkip      AgentOutcome = "skip"
	AgentOutcomePartial   AgentOutcome = "partial"
)

var agentOutcomes = map[string]AgentOutcome{
	"success":   AgentOutcomeSuccess,
	"error":     AgentOutcomeError,
	"clarify":   AgentOutcomeClarify,
	"confirm":   AgentOutcomeConfirm,
	"replan":    AgentOutcomeReplan,
	"terminate": AgentOutcomeTerminate,
	"skip":      AgentOutcomeSkip,
	"partial":   AgentOutcomePartial,
}

// AgentOutcomeFromString parses an outcome string, case-insensitively.
func AgentOutcomeFromString(value string) (AgentOutcome, error) {
	if outcome, ok := agentOutcomes[strings.ToLower(strings.TrimSpace(value))]; ok {
		return outcome, nil
	}
	return "", fmt.Errorf("invalid agent outcome '%s'. Must be one of: success, error, clarify, confirm, replan, terminate, skip, partial", value)
}

// IsTerminal reports whether the outcome pauses or ends the pipeline.
func (o AgentOutcome) IsTerminal() bool {
	switch o {
	case AgentOutcomeError, AgentOutcomeClarify, AgentOutcomeConfirm, AgentOutcomeTerminate:
		return true
	}
	return false
}

// IsSuccess reports whether the outcome counts as completed work.
func (o AgentOutcome) IsSuccess() bool {
	switch o {
	case AgentOutcomeSuccess, AgentOutcomePartial, AgentOutcomeSkip:
		return true
	}
	return false
}

// RequiresLoop reports whether the outcome routes back for replanning.
func (o AgentOutcome) RequiresLoop() bool {
	return o == AgentOutcomeReplan
}

// IdempotencyClass classifies tools by retry safety.
type IdempotencyClass string

const (
	IdempotencyClassSafe          IdempotencyClass = "safe"
	IdempotencyClassIdempotent    IdempotencyClass = "idempotent"
	IdempotencyClassNonIdempotent IdempotencyClass = "non_idempotent"
)

// IdempotencyClassFromRiskLevel infers the idempotency class from a
// tool's risk level. Destructive tools are gated behind confirmation,
// so a confirmed retry is treated as idempotent.
func IdempotencyClassFromRiskLevel(riskLevel commbus.RiskLevel) IdempotencyClass {
	switch riskLevel {
	case commbus.RiskLevelReadOnly:
		return IdempotencyClassSafe
	case commbus.RiskLevelDestructive:
		return IdempotencyClassIdempotent
	}
	return IdempotencyClassNonIdempotent
}

// ToolErrorDetails is the standardized error payload for tool
// failures.
type ToolErrorDetails struct {
	ErrorType   string         `json:"error_type"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	Recoverable bool           `json:"recoverable"`
}

func NewToolErrorDetails(errorType, message string, recoverable bool) *ToolErrorDetails {
	return &ToolErrorDetails{
		ErrorType:   errorType,
		Message:     message,
		Recoverable: recoverable,
	}
}

// ToolErrorDetailsFromError wraps a Go error, capturing the stack for
// diagnosis.
func ToolErrorDetailsFromError(err error, recoverable bool) *ToolErrorDetails {
	return &ToolErrorDetails{
		ErrorType:   fmt.Sprintf("%T", err),
		Message:     err.Error(),
		Details:     map[string]any{"traceback": string(debug.Stack())},
		Recoverable: recoverable,
	}
}

// ToolErrorDetailsNotFound builds a non-recoverable "not found" error.
func ToolErrorDetailsNotFound(entity, identifier string) *ToolErrorDetails {
	return &ToolErrorDetails{
		ErrorType:   "NotFoundError",
		Message:     fmt.Sprintf("%s '%s' not found", entity, identifier),
		Recoverable: false,
	}
}

// StandardToolResult is the normalized shape every tool result is
// reduced to before routing.
type StandardToolResult struct {
	Status  ToolStatus        `json:"status"`
	Data    map[string]any    `json:"data,omitempty"`
	Error   *ToolErrorDetails `json:"error,omitempty"`
	Message *string           `json:"message,omitempty"`
}

func NewStandardToolResultSuccess(data map[string]any, message *string) *StandardToolResult {
	return &StandardToolResult{
		Status:  ToolStatusSuccess,
		Data:    data,
		Message: message,
	}
}

func NewStandardToolResultFailure(err *ToolErrorDetails, message *string) *StandardToolResult {
	if message == nil {
		message = &err.Message
	}
	return &StandardToolResult{
		Status:  ToolStatusError,
		Error:   err,
		Message: message,
	}
}

// Validate enforces the status/error cross-field invariant.
func (r *StandardToolResult) Validate() error {
	if r.Status == ToolStatusError && r.Error == nil {
		return fmt.Errorf("error field is required when status is 'error'")
	}
	if r.Status == ToolStatusSuccess && r.Error != nil {
		return fmt.Errorf("error field must be nil when status is 'success'")
	}
	return nil
}

// NormalizeToolResult reduces a loose tool result to a
// StandardToolResult. Maps may carry a status string in several
// spellings; absent a status, the presence of an "error" key decides.
func NormalizeToolResult(result any) (*StandardToolResult, error) {
	if str, ok := result.(*StandardToolResult); ok {
		return str, nil
	}

	resultMap, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tool result must be map or StandardToolResult, got %T", result)
	}

	status := statusOf(resultMap)

	var message *string
	if msg, ok := resultMap["message"].(string); ok {
		message = &msg
	}

	if status == ToolStatusSuccess {
		return &StandardToolResult{
			Status:  status,
			Data:    resultMap,
			Message: message,
		}, nil
	}

	return &StandardToolResult{
		Status:  status,
		Error:   errorDetailsOf(resultMap),
		Message: message,
	}, nil
}

func statusOf(resultMap map[string]any) ToolStatus {
	_, hasError := resultMap["error"]

	statusRaw, ok := resultMap["status"]
	if !ok {
		if hasError {
			return ToolStatusError
		}
		return ToolStatusSuccess
	}

	switch strings.ToLower(fmt.Sprintf("%v", statusRaw)) {
	case "success", "completed", "ok":
		return ToolStatusSuccess
	case "error", "failed", "failure":
		return ToolStatusError
	}
	if hasError {
		return ToolStatusError
	}
	return ToolStatusSuccess
}

func errorDetailsOf(resultMap map[string]any) *ToolErrorDetails {
	errorMsg := "Unknown error"
	if e, ok := resultMap["error"].(string); ok {
		errorMsg = e
	} else if e, ok := resultMap["message"].(string); ok {
		errorMsg = e
	} else if e, ok := resultMap["error"]; ok {
		errorMsg = fmt.Sprintf("%v", e)
	}

	// A structured error map carries its own type and message
	if errorMap, ok := resultMap["error"].(map[string]any); ok {
		errorType := "ToolError"
		if t, ok := errorMap["type"].(string); ok {
			errorType = t
		}
		if m, ok := errorMap["message"].(string); ok {
			errorMsg = m
		}
		return &ToolErrorDetails{
			ErrorType: errorType,
			Message:   errorMsg,
			Details:   errorMap,
		}
	}

	errorType := "ToolError"
	if t, ok := resultMap["error_type"].(string); ok {
		errorType = t
	}
	return &ToolErrorDetails{
		ErrorType: errorType,
		Message:   errorMsg,
	}
}
