// Package agents implements the UnifiedAgent, a single agent type whose
// behavior is driven entirely by its AgentConfig: which backend runs,
// which prompt it uses, which tools it may touch, and how its output
// routes to the next stage.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/agentkernel-io/agentkernel/coreengine/config"
	"github.com/agentkernel-io/agentkernel/coreengine/envelope"
	"github.com/agentkernel-io/agentkernel/coreengine/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LLMProvider generates a completion for a prompt.
type LLMProvider interface {
	Generate(ctx context.Context, model string, prompt string, options map[string]any) (string, error)
}

// ToolExecutor runs a named tool with parameters.
type ToolExecutor interface {
	Execute(ctx context.Context, toolName string, params map[string]any) (map[string]any, error)
}

// Logger is the structured logging surface agents write to.
type Logger interface {
	Info(msg string, fields ...any)
	Debug(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
	Bind(fields ...any) Logger
}

// EventContext receives agent lifecycle events.
type EventContext interface {
	EmitAgentStarted(agentName string) error
	EmitAgentCompleted(agentName string, status string, durationMS int, err error) error
}

// PromptRegistry resolves prompt templates by key.
type PromptRegistry interface {
	Get(key string, context map[string]any) (string, error)
}

// ProcessHook runs before the agent's backend is invoked.
type ProcessHook func(env *envelope.Envelope) (*envelope.Envelope, error)

// OutputHook runs after output has been stored on the envelope.
type OutputHook func(env *envelope.Envelope, output map[string]any) (*envelope.Envelope, error)

// MockHandler generates mock output for testing.
type MockHandler func(env *envelope.Envelope) (map[string]any, error)

var tracer = otel.Tracer("agentkernel/agents")

// UnifiedAgent executes one backend per Process call: mock, LLM, tools,
// or passthrough, chosen from its config and mock mode.
type UnifiedAgent struct {
	Config         *config.AgentConfig
	Name           string
	Logger         Logger
	LLM            LLMProvider
	Tools          ToolExecutor
	EventCtx       EventContext
	PromptRegistry PromptRegistry
	UseMock        bool

	// Hooks (set by capability layer)
	PreProcess  ProcessHook
	PostProcess OutputHook
	MockHandler MockHandler
}

// NewUnifiedAgent validates the config and checks that every declared
// capability has a backing provider.
func NewUnifiedAgent(
	cfg *config.AgentConfig,
	logger Logger,
	llm LLMProvider,
	tools ToolExecutor,
) (*UnifiedAgent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.HasLLM && llm == nil {
		return nil, fmt.Errorf("agent '%s' has_llm=true but no llm_provider", cfg.Name)
	}
	if cfg.HasTools && tools == nil {
		return nil, fmt.Errorf("agent '%s' has_tools=true but no tool_executor", cfg.Name)
	}

	return &UnifiedAgent{
		Config: cfg,
		Name:   cfg.Name,
		Logger: logger.Bind("agent", cfg.Name),
		LLM:    llm,
		Tools:  tools,
	}, nil
}

// SetEventContext attaches the event sink for this agent.
func (a *UnifiedAgent) SetEventContext(ctx EventContext) {
	a.EventCtx = ctx
}

// Process runs the envelope through this agent: pre-hook, backend,
// output validation, post-hook, then routing. On success the envelope's
// CurrentStage is advanced per the routing rules. Execution history and
// lifecycle events are recorded on both paths.
func (a *UnifiedAgent) Process(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	ctx, span := tracer.Start(ctx, "agent.process", trace.WithAttributes(
		attribute.String("agentkernel.agent.name", a.Name),
		attribute.String("agentkernel.request.id", env.RequestID),
	))
	defer span.End()

	startTime := time.Now()
	llmCalls := 0

	env.RecordAgentStart(a.Name, a.Config.StageOrder)
	a.emitStarted()
	a.Logger.Info(fmt.Sprintf("%s_started", a.Name))

	var output map[string]any
	var err error

	defer func() {
		durationMS := int(time.Since(startTime).Milliseconds())

		span.SetAttributes(
			attribute.Int("agentkernel.llm.calls", llmCalls),
			attribute.Int("duration_ms", durationMS),
		)

		if err != nil {
			observability.RecordAgentExecution(a.Name, "error", durationMS)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			a.Logger.Error(fmt.Sprintf("%s_error", a.Name), "error", err.Error(), "duration_ms", durationMS)
			errStr := err.Error()
			env.RecordAgentComplete(a.Name, "error", &errStr, llmCalls, durationMS)
			a.emitCompleted("error", durationMS, err)
			return
		}
		observability.RecordAgentExecution(a.Name, "success", durationMS)
		span.SetStatus(codes.Ok, "success")
		a.Logger.Info(fmt.Sprintf("%s_completed", a.Name), "duration_ms", durationMS, "next_stage", env.CurrentStage)
		env.RecordAgentComplete(a.Name, "success", nil, llmCalls, durationMS)
		a.emitCompleted("success", durationMS, nil)
	}()

	if a.PreProcess != nil {
		env, err = a.PreProcess(env)
		if err != nil {
			return a.handleError(env, err)
		}
	}

	switch {
	case a.UseMock && a.MockHandler != nil:
		output, err = a.MockHandler(env)
	case a.Config.HasLLM:
		output, err = a.llmProcess(ctx, env)
		llmCalls = 1
	case a.Config.HasTools:
		output, err = a.toolProcess(ctx, env)
	default:
		output, err = a.passthroughProcess(ctx, env)
	}
	if err != nil {
		return a.handleError(env, err)
	}

	if err = a.validateOutput(output); err != nil {
		return a.handleError(env, err)
	}

	env.SetOutput(a.Config.OutputKey, output)

	if a.PostProcess != nil {
		env, err = a.PostProcess(env, output)
		if err != nil {
			return a.handleError(env, err)
		}
	}

	env.CurrentStage = a.EvaluateRouting(output)
	return env, nil
}

func (a *UnifiedAgent) llmProcess(ctx context.Context, env *envelope.Envelope) (map[string]any, error) {
	prompt := a.buildPrompt(env)

	options := map[string]any{
		"num_predict": 2000,
		"num_ctx":     16384,
	}
	if a.Config.MaxTokens != nil {
		options["num_predict"] = *a.Config.MaxTokens
	}
	if a.Config.Temperature != nil {
		options["temperature"] = *a.Config.Temperature
	}

	model := a.Config.ModelRole
	if model == "" {
		model = "default"
	}

	responseText, err := a.LLM.Generate(ctx, model, prompt, options)
	if err != nil {
		return nil, fmt.Errorf("llm generation failed: %w", err)
	}

	a.Logger.Debug(fmt.Sprintf("%s_llm_response", a.Name),
		"response_length", len(responseText),
		"response_preview", truncate(responseText, 200),
	)

	output, err := extractAndParseJSON(responseText)
	if err != nil {
		return nil, fmt.Errorf("json parsing failed: %w", err)
	}
	return output, nil
}

// toolProcess executes the plan stored on the envelope step by step.
// Per-step failures land in the results list rather than aborting the
// run; an absent plan yields an empty successful result.
func (a *UnifiedAgent) toolProcess(ctx context.Context, env *envelope.Envelope) (map[string]any, error) {
	plan := env.GetOutput("plan")
	if plan == nil {
		return map[string]any{
			"results":       []any{},
			"total_time_ms": 0,
			"all_succeeded": true,
		}, nil
	}

	steps, _ := plan["steps"].([]any)
	results := make([]map[string]any, 0, len(steps))
	totalTimeMS := 0
	allSucceeded := true

	for i, stepAny := range steps {
		step, ok := stepAny.(map[string]any)
		if !ok {
			continue
		}

		result, elapsed := a.executeStep(ctx, step, i)
		totalTimeMS += elapsed
		if result["status"] != "success" {
			allSucceeded = false
		}
		results = append(results, result)
	}

	return map[string]any{
		"results":       results,
		"total_time_ms": totalTimeMS,
		"all_succeeded": allSucceeded,
	}, nil
}

// executeStep runs one plan step and returns its result record plus the
// execution time in milliseconds.
func (a *UnifiedAgent) executeStep(ctx context.Context, step map[string]any, index int) (map[string]any, int) {
	toolName, _ := step["tool"].(string)
	params, _ := step["parameters"].(map[string]any)
	if params == nil {
		params = make(map[string]any)
	}
	stepID, ok := step["step_id"].(string)
	if !ok {
		stepID = fmt.Sprintf("step_%d", index)
	}

	if !a.canAccessTool(toolName) {
		return map[string]any{
			"step_id": stepID,
			"tool":    toolName,
			"status":  "error",
			"error":   fmt.Sprintf("Tool access denied: %s", toolName),
		}, 0
	}

	start := time.Now()
	result, err := a.Tools.Execute(ctx, toolName, params)
	execTime := int(time.Since(start).Milliseconds())

	if err != nil {
		return map[string]any{
			"step_id":           stepID,
			"tool":              toolName,
			"parameters":        params,
			"status":            "error",
			"error":             map[string]any{"message": err.Error(), "type": "ExecutionError"},
			"execution_time_ms": execTime,
		}, execTime
	}

	data := result
	if d, ok := result["data"].(map[string]any); ok {
		data = d
	}
	return map[string]any{
		"step_id":           stepID,
		"tool":              toolName,
		"parameters":        params,
		"status":            "success",
		"data":              data,
		"execution_time_ms": execTime,
	}, execTime
}

// passthroughProcess returns empty output; capability layer hooks carry
// the actual logic for passthrough agents.
func (a *UnifiedAgent) passthroughProcess(ctx context.Context, env *envelope.Envelope) (map[string]any, error) {
	return map[string]any{}, nil
}

func (a *UnifiedAgent) buildPrompt(env *envelope.Envelope) string {
	if a.PromptRegistry != nil && a.Config.PromptKey != "" {
		prompt, err := a.PromptRegistry.Get(a.Config.PromptKey, a.promptContext(env))
		if err == nil {
			return prompt
		}
		a.Logger.Warn(fmt.Sprintf("%s_prompt_registry_error", a.Name), "error", err.Error(), "key", a.Config.PromptKey)
	}

	return fmt.Sprintf("Process this request: %s", env.RawInput)
}

// promptContext exposes the request fields plus every prior stage
// output to the prompt template.
func (a *UnifiedAgent) promptContext(env *envelope.Envelope) map[string]any {
	context := map[string]any{
		"raw_input":  env.RawInput,
		"user_id":    env.UserID,
		"session_id": env.SessionID,
	}
	for key, value := range env.Outputs {
		context[key] = value
	}
	return context
}

func (a *UnifiedAgent) canAccessTool(toolName string) bool {
	switch a.Config.ToolAccess {
	case config.ToolAccessNone:
		return false
	case config.ToolAccessAll:
		return true
	}
	if a.Config.AllowedTools != nil {
		return a.Config.AllowedTools[toolName]
	}
	return true
}

func (a *UnifiedAgent) validateOutput(output map[string]any) error {
	for _, field := range a.Config.RequiredOutputFields {
		if _, exists := output[field]; !exists {
			return fmt.Errorf("agent '%s' output missing required field: %s", a.Name, field)
		}
	}
	return nil
}

// EvaluateRouting returns the next stage for a given output: the first
// matching routing rule wins, then default_next, then "end".
func (a *UnifiedAgent) EvaluateRouting(output map[string]any) string {
	for _, rule := range a.Config.RoutingRules {
		value, exists := output[rule.Condition]
		if exists && valuesMatch(value, rule.Value) {
			a.Logger.Debug(fmt.Sprintf("%s_routing", a.Name),
				"condition", rule.Condition,
				"value", value,
				"target", rule.Target,
			)
			return rule.Target
		}
	}

	if a.Config.DefaultNext != "" {
		return a.Config.DefaultNext
	}
	return config.StageEnd
}

// handleError records the failure on the envelope. With an error_next
// stage configured the pipeline continues there and the error is
// swallowed; otherwise it propagates to the caller.
func (a *UnifiedAgent) handleError(env *envelope.Envelope, err error) (*envelope.Envelope, error) {
	env.AppendError(a.Name, err.Error(), false)

	if a.Config.ErrorNext != "" {
		env.CurrentStage = a.Config.ErrorNext
		return env, nil
	}
	return env, err
}

func (a *UnifiedAgent) emitStarted() {
	if a.EventCtx != nil {
		_ = a.EventCtx.EmitAgentStarted(a.Name)
	}
}

func (a *UnifiedAgent) emitCompleted(status string, durationMS int, err error) {
	if a.EventCtx != nil {
		_ = a.EventCtx.EmitAgentCompleted(a.Name, status, durationMS, err)
	}
}

// valuesMatch compares a routing condition value against the expected
// value, tolerating the int/float64 mismatch JSON decoding introduces.
func valuesMatch(actual, expected any) bool {
	if actual == expected {
		return true
	}
	af, aok := toFloat(actual)
	ef, eok := toFloat(expected)
	if aok && eok {
		return math.Abs(af-ef) < 1e-9
	}
	return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", expected)
}

func toFloat(v any) (float64, bool) {
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

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// extractAndParseJSON parses a model response as JSON, falling back to
// scanning for a balanced object inside surrounding prose.
func extractAndParseJSON(text string) (map[string]any, error) {
	var result map[string]any
	if err := json.Unmarshal([]byte(text), &result); err == nil {
		return result, nil
	}

	start := -1
	depth := 0
	for i, c := range text {
		switch c {
		case '{':
			if start == -1 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start != -1 {
				if err := json.Unmarshal([]byte(text[start:i+1]), &result); err == nil {
					return result, nil
				}
			}
		}
	}

	return nil, fmt.Errorf("no valid JSON object found in response")
}
