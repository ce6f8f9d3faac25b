// Package runtime executes pipelines: the PipelineRunner walks an
// envelope through configured agents sequentially, in parallel over the
// dependency DAG, or with streamed stage outputs, honoring interrupts
// and execution bounds along the way.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/agentkernel-io/agentkernel/coreengine/agents"
	"github.com/agentkernel-io/agentkernel/coreengine/config"
	"github.com/agentkernel-io/agentkernel/coreengine/envelope"
	"github.com/agentkernel-io/agentkernel/coreengine/observability"
)

// RunMode from config package.
type RunMode = config.RunMode

// LLMProvider type alias for convenience in tests.
type LLMProvider = agents.LLMProvider

const (
	RunModeSequential = config.RunModeSequential
	RunModeParallel   = config.RunModeParallel
)

// RunOptions configures one Execute call.
type RunOptions struct {
	// Mode: sequential or parallel. Default: sequential.
	Mode RunMode

	// Stream sends stage outputs to a channel as they complete.
	Stream bool

	// ThreadID for state persistence. Empty disables persistence.
	ThreadID string
}

// LLMProviderFactory creates LLM providers by role.
type LLMProviderFactory func(role string) agents.LLMProvider

// PersistenceAdapter stores envelope state between runs.
type PersistenceAdapter interface {
	SaveState(ctx context.Context, threadID string, state map[string]any) error
	LoadState(ctx context.Context, threadID string) (map[string]any, error)
}

// StageOutput is one stage's result on a streaming channel.
type StageOutput struct {
	Stage  string
	Output map[string]any
	Error  error
}

// EndMarker is the sentinel stage name emitted as the final StageOutput
// of a streaming run.
const EndMarker = "__end__"

// PipelineRunner executes a pipeline built from configuration.
type PipelineRunner struct {
	Config         *config.PipelineConfig
	LLMFactory     LLMProviderFactory
	ToolExecutor   agents.ToolExecutor
	Logger         agents.Logger
	Persistence    PersistenceAdapter
	PromptRegistry agents.PromptRegistry
	UseMock        bool

	agents   map[string]*agents.UnifiedAgent
	eventCtx agents.EventContext
}

// NewPipelineRunner validates the config and builds one agent per
// configured stage.
func NewPipelineRunner(
	cfg *config.PipelineConfig,
	llmFactory LLMProviderFactory,
	toolExecutor agents.ToolExecutor,
	logger agents.Logger,
) (*PipelineRunner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	runner := &PipelineRunner{
		Config:       cfg,
		LLMFactory:   llmFactory,
		ToolExecutor: toolExecutor,
		Logger:       logger.Bind("pipeline", cfg.Name),
		agents:       make(map[string]*agents.UnifiedAgent),
	}

	if err := runner.buildAgents(); err != nil {
		return nil, err
	}
	return runner, nil
}

func (r *PipelineRunner) buildAgents() error {
	for _, agentConfig := range r.Config.Agents {
		var llm agents.LLMProvider
		if agentConfig.HasLLM && agentConfig.ModelRole != "" && r.LLMFactory != nil {
			llm = r.LLMFactory(agentConfig.ModelRole)
		}

		var tools agents.ToolExecutor
		if agentConfig.HasTools {
			tools = r.ToolExecutor
		}

		agent, err := agents.NewUnifiedAgent(agentConfig, r.Logger, llm, tools)
		if err != nil {
			return fmt.Errorf("failed to create agent '%s': %w", agentConfig.Name, err)
		}

		agent.PromptRegistry = r.PromptRegistry
		agent.UseMock = r.UseMock
		r.agents[agentConfig.Name] = agent
	}

	r.Logger.Info("runtime_agents_built",
		"agent_count", len(r.agents), "agents", r.Config.GetStageOrder())
	return nil
}

// SetEventContext attaches an event sink to every built agent.
func (r *PipelineRunner) SetEventContext(ctx agents.EventContext) {
	r.eventCtx = ctx
	for _, agent := range r.agents {
		agent.SetEventContext(ctx)
	}
}

// SetMockMode toggles mock execution on the runner and all built
// agents. Agents without an explicit MockHandler get one that emits a
// proceed verdict, so a pipeline can run end-to-end with no inference
// backend attached.
func (r *PipelineRunner) SetMockMode(mock bool) {
	r.UseMock = mock
	for name, agent := range r.agents {
		agent.UseMock = mock
		if mock && agent.MockHandler == nil {
			stage := name
			agent.MockHandler = func(env *envelope.Envelope) (map[string]any, error) {
				return map[string]any{"stage": stage, "verdict": "proceed"}, nil
			}
		}
	}
}

// Agent returns the built agent for a stage, or nil.
func (r *PipelineRunner) Agent(name string) *agents.UnifiedAgent {
	return r.agents[name]
}

// Execute runs the pipeline with the given options and returns the
// final envelope, plus the output channel when streaming was requested.
// A streaming sequential run continues in the background: the returned
// envelope is final only once the channel closes.
func (r *PipelineRunner) Execute(ctx context.Context, env *envelope.Envelope, opts RunOptions) (*envelope.Envelope, <-chan StageOutput, error) {
	if opts.Mode == "" {
		opts.Mode = r.Config.DefaultRunMode
		if opts.Mode == "" {
			opts.Mode = RunModeSequential
		}
	}

	r.primeEnvelope(env)

	parallel := opts.Mode == RunModeParallel
	if parallel {
		env.DAGMode = true
	}

	startTime := time.Now()
	logEvent := "pipeline_started"
	if parallel {
		logEvent = "pipeline_parallel_started"
	}
	r.Logger.Info(logEvent,
		"envelope_id", env.EnvelopeID, "request_id", env.RequestID,
		"mode", string(opts.Mode), "stream", opts.Stream,
		"stage_order", env.StageOrder)

	var outputChan chan StageOutput
	if opts.Stream {
		outputChan = make(chan StageOutput, len(r.Config.Agents)+1)
	}

	// Cyclic routing can emit more stage outputs than the channel
	// buffers, so the sequential producer must not run ahead of the
	// consumer. The DAG path runs each stage once and always fits.
	if opts.Stream && !parallel {
		go func() {
			defer close(outputChan)
			resultEnv, err := r.runSequentialCore(ctx, env, opts, outputChan)
			outputChan <- StageOutput{
				Stage:  EndMarker,
				Output: map[string]any{"terminated": resultEnv.Terminated},
			}
			r.finishRun(resultEnv, err, parallel, startTime)
		}()
		return env, outputChan, nil
	}

	var resultEnv *envelope.Envelope
	var err error

	if parallel {
		executor := NewDAGExecutor(r.Config, r.agents, r.Logger)
		executor.Persistence = r.Persistence
		if outputChan != nil {
			executor.streamChan = outputChan
		}
		resultEnv, err = executor.Execute(ctx, env, opts.ThreadID)
		executor.Wait()
	} else {
		resultEnv, err = r.runSequentialCore(ctx, env, opts, outputChan)
	}

	if outputChan != nil {
		outputChan <- StageOutput{
			Stage:  EndMarker,
			Output: map[string]any{"terminated": resultEnv.Terminated},
		}
		close(outputChan)
	}

	r.finishRun(resultEnv, err, parallel, startTime)
	return resultEnv, outputChan, err
}

// finishRun records the run's metrics and completion log entry.
func (r *PipelineRunner) finishRun(resultEnv *envelope.Envelope, err error, parallel bool, startTime time.Time) {
	durationMS := int(time.Since(startTime).Milliseconds())

	status := "success"
	if err != nil {
		status = "error"
	} else if resultEnv.Terminated {
		status = "terminated"
	}
	observability.RecordPipelineExecution(r.Config.Name, status, durationMS)

	completeEvent := "pipeline_completed"
	if parallel {
		completeEvent = "pipeline_parallel_completed"
	}
	r.Logger.Info(completeEvent,
		"envelope_id", resultEnv.EnvelopeID, "request_id", resultEnv.RequestID,
		"final_stage", resultEnv.CurrentStage, "terminated", resultEnv.Terminated,
		"duration_ms", durationMS)
}

// primeEnvelope stamps the pipeline's stage order and bounds onto the
// envelope and points it at the first stage.
func (r *PipelineRunner) primeEnvelope(env *envelope.Envelope) {
	env.StageOrder = r.Config.GetStageOrder()
	if env.CurrentStage == "" || env.CurrentStage == "start" {
		if len(env.StageOrder) > 0 {
			env.CurrentStage = env.StageOrder[0]
		} else {
			env.CurrentStage = config.StageEnd
		}
	}
	env.MaxIterations = r.Config.MaxIterations
	env.MaxLLMCalls = r.Config.MaxLLMCalls
	env.MaxAgentHops = r.Config.MaxAgentHops
}

// shouldContinue checks if execution should continue (shared by all
// modes). CanContinue() already covers InterruptPending, Terminated,
// and bounds; this adds the logging.
func (r *PipelineRunner) shouldContinue(env *envelope.Envelope) (bool, string) {
	if env.CanContinue() {
		return true, ""
	}

	reason := "cannot_continue"
	switch {
	case env.Terminated:
		reason = "terminated"
	case env.InterruptPending:
		reason = "interrupt_pending"
		r.Logger.Info("pipeline_interrupt",
			"envelope_id", env.EnvelopeID,
			"interrupt_kind", string(env.InterruptKindOrEmpty()))
	case env.TerminalReason != nil:
		reason = "bounds_exceeded"
		r.Logger.Warn("pipeline_bounds_exceeded",
			"envelope_id", env.EnvelopeID,
			"terminal_reason", string(*env.TerminalReason))
	}
	return false, reason
}

// persistState saves state if persistence is configured.
func (r *PipelineRunner) persistState(ctx context.Context, env *envelope.Envelope, threadID string) {
	if r.Persistence == nil || threadID == "" {
		return
	}
	if err := r.Persistence.SaveState(ctx, threadID, env.ToStateDict()); err != nil {
		r.Logger.Warn("state_persist_error",
			"thread_id", threadID, "error", err.Error())
	}
}

// runSequentialCore runs stages one at a time following routing rules.
func (r *PipelineRunner) runSequentialCore(ctx context.Context, env *envelope.Envelope, opts RunOptions, outputChan chan StageOutput) (*envelope.Envelope, error) {
	var err error

	// Per-run edge traversal counts for edge limit enforcement
	edgeTraversals := make(map[string]int)

	// Stage whose routing sent us to the current one; names the raiser
	// when routing hits an interrupt sentinel.
	lastStage := ""

	for env.CurrentStage != config.StageEnd && !env.Terminated {
		select {
		case <-ctx.Done():
			r.Logger.Info("pipeline_cancelled",
				"envelope_id", env.EnvelopeID, "stage", env.CurrentStage,
				"reason", ctx.Err().Error())
			return env, ctx.Err()
		default:
		}

		if cont, _ := r.shouldContinue(env); !cont {
			break
		}

		// Routing to the interrupt sentinels raises the matching pause
		if env.CurrentStage == config.StageClarification || env.CurrentStage == config.StageConfirmation {
			r.raiseRoutedInterrupt(env, lastStage)
			break
		}

		agent, exists := r.agents[env.CurrentStage]
		if !exists {
			r.Logger.Error("pipeline_unknown_stage",
				"envelope_id", env.EnvelopeID, "stage", env.CurrentStage)
			reason := envelope.TerminalReasonToolFailedFatally
			env.Terminate(fmt.Sprintf("Unknown stage: %s", env.CurrentStage), &reason)
			break
		}

		fromStage := env.CurrentStage

		env, err = agent.Process(ctx, env)
		if err != nil {
			if ctx.Err() != nil {
				return env, ctx.Err()
			}

			r.Logger.Error("pipeline_agent_error",
				"envelope_id", env.EnvelopeID, "agent", agent.Name,
				"error", err.Error())
			// Agent may have set error_next routing
			if env.CurrentStage == config.StageEnd || env.Terminated {
				break
			}
			reason := envelope.TerminalReasonToolFailedFatally
			env.Terminate(err.Error(), &reason)
			break
		}

		lastStage = fromStage

		if !r.trackTransition(env, fromStage, env.CurrentStage, edgeTraversals) {
			break
		}

		if outputChan != nil {
			outputChan <- StageOutput{Stage: fromStage, Output: env.GetOutput(fromStage)}
		}

		r.persistState(ctx, env, opts.ThreadID)
	}

	// A run that walked off the end without tripping a bound or pausing
	// completed successfully.
	if env.CurrentStage == config.StageEnd && !env.Terminated && !env.InterruptPending {
		reason := envelope.TerminalReasonCompleted
		env.Terminate("Pipeline completed", &reason)
	}

	return env, nil
}

// trackTransition accounts for one stage transition: it bumps the
// iteration counter on loop-backs and enforces edge limits. Returns
// false when the edge limit terminated the run. Loop-back detection
// runs before the limit check so the iteration counter stays accurate
// even on the final pass.
func (r *PipelineRunner) trackTransition(env *envelope.Envelope, fromStage, toStage string, edgeTraversals map[string]int) bool {
	if toStage == fromStage || toStage == config.StageEnd {
		return true
	}

	edgeKey := config.EdgeKey(fromStage, toStage)
	edgeTraversals[edgeKey]++

	if r.loopsBack(env.StageOrder, fromStage, toStage) {
		env.IncrementIteration(nil)
		r.Logger.Debug("iteration_incremented",
			"envelope_id", env.EnvelopeID, "iteration", env.Iteration,
			"edge", edgeKey)
	}

	// Edge limits beat the global iteration bound when both trip on the
	// same transition.
	limit := r.Config.GetEdgeLimit(fromStage, toStage)
	if limit > 0 && edgeTraversals[edgeKey] > limit {
		r.Logger.Warn("edge_limit_exceeded",
			"envelope_id", env.EnvelopeID, "edge", edgeKey,
			"limit", limit, "traversals", edgeTraversals[edgeKey])
		reason := envelope.TerminalReasonMaxEdgeLimitExceeded
		env.Terminate(fmt.Sprintf("Edge limit exceeded: %s", edgeKey), &reason)
		env.CurrentStage = config.StageEnd
		return false
	}
	return true
}

// loopsBack reports whether the transition goes to an earlier stage in
// the declared order.
func (r *PipelineRunner) loopsBack(stageOrder []string, fromStage, toStage string) bool {
	toIndex := -1
	fromIndex := -1
	for i, stage := range stageOrder {
		if stage == toStage {
			toIndex = i
		}
		if stage == fromStage {
			fromIndex = i
		}
	}
	return toIndex >= 0 && fromIndex >= 0 && toIndex < fromIndex
}

// raiseRoutedInterrupt converts a routing-sentinel target into a pending
// interrupt on the envelope, remembering which stage routed there.
func (r *PipelineRunner) raiseRoutedInterrupt(env *envelope.Envelope, raisedBy string) {
	kind := envelope.InterruptKindClarification
	if env.CurrentStage == config.StageConfirmation {
		kind = envelope.InterruptKindConfirmation
	}
	env.TriggerInterrupt(kind, fmt.Sprintf("int_%s_%d", kind, time.Now().UnixNano()),
		envelope.WithRaisedBy(raisedBy))
	r.Logger.Info("pipeline_interrupt_raised",
		"envelope_id", env.EnvelopeID, "interrupt_kind", string(kind),
		"raised_by", raisedBy)
}

// Run runs the pipeline sequentially.
func (r *PipelineRunner) Run(ctx context.Context, env *envelope.Envelope, threadID string) (*envelope.Envelope, error) {
	result, _, err := r.Execute(ctx, env, RunOptions{
		Mode:     RunModeSequential,
		ThreadID: threadID,
	})
	return result, err
}

// RunWithStream runs the pipeline and streams stage outputs to a channel.
func (r *PipelineRunner) RunWithStream(ctx context.Context, env *envelope.Envelope, threadID string) (<-chan StageOutput, error) {
	outputChan := make(chan StageOutput, len(r.Config.Agents)+1)

	go func() {
		defer close(outputChan)

		r.primeEnvelope(env)

		r.Logger.Info("pipeline_streaming_started",
			"envelope_id", env.EnvelopeID, "request_id", env.RequestID)

		opts := RunOptions{
			Mode:     RunModeSequential,
			Stream:   true,
			ThreadID: threadID,
		}
		resultEnv, _ := r.runSequentialCore(ctx, env, opts, outputChan)

		outputChan <- StageOutput{
			Stage:  EndMarker,
			Output: map[string]any{"terminated": resultEnv.Terminated},
		}
	}()

	return outputChan, nil
}

// RunParallel runs the pipeline with parallel stage execution.
func (r *PipelineRunner) RunParallel(ctx context.Context, env *envelope.Envelope, threadID string) (*envelope.Envelope, error) {
	result, _, err := r.Execute(ctx, env, RunOptions{
		Mode:     RunModeParallel,
		ThreadID: threadID,
	})
	return result, err
}

// Resume continues execution after an interrupt has been answered. A
// denied confirmation terminates the run; otherwise the resume stage is
// chosen per interrupt kind, falling back to wherever the run paused.
func (r *PipelineRunner) Resume(ctx context.Context, env *envelope.Envelope, response envelope.InterruptResponse, threadID string) (*envelope.Envelope, error) {
	if !env.InterruptPending || env.Interrupt == nil {
		return env, fmt.Errorf("no pending interrupt to resume")
	}

	kind := env.Interrupt.Kind
	env.ResolveInterrupt(response)

	switch kind {
	case envelope.InterruptKindClarification:
		if r.Config.ClarificationResumeStage != "" {
			env.CurrentStage = r.Config.ClarificationResumeStage
		}
	case envelope.InterruptKindConfirmation, envelope.InterruptKindDestructiveReview, envelope.InterruptKindExternalApproval:
		if response.Approved == nil || !*response.Approved {
			reason := envelope.TerminalReasonDeniedByPolicy
			env.Terminate("User denied confirmation", &reason)
			return env, nil
		}
		if r.Config.ConfirmationResumeStage != "" {
			env.CurrentStage = r.Config.ConfirmationResumeStage
		}
	case envelope.InterruptKindEscalation:
		if r.Config.EscalationResumeStage != "" {
			env.CurrentStage = r.Config.EscalationResumeStage
		}
	default:
		// rate_limit_pause and quota_pause resume where they paused
	}

	// With no configured resume stage the envelope is still parked on the
	// routing sentinel; re-run the stage that raised the pause so it sees
	// the response.
	if env.CurrentStage == config.StageClarification || env.CurrentStage == config.StageConfirmation {
		env.CurrentStage = r.resumeFallbackStage(env)
	}

	r.Logger.Info("pipeline_resumed",
		"envelope_id", env.EnvelopeID, "interrupt_kind", string(kind),
		"resume_stage", env.CurrentStage)

	// Resume uses the same mode as the original run
	mode := RunModeSequential
	if env.DAGMode {
		mode = RunModeParallel
	}

	result, _, err := r.Execute(ctx, env, RunOptions{
		Mode:     mode,
		ThreadID: threadID,
	})

	if err == nil && threadID != "" {
		r.persistState(ctx, result, threadID)
	}

	return result, err
}

// resumeFallbackStage picks where a run parked on a routing sentinel
// continues: the stage recorded on the interrupt, or failing that the
// last stage that completed successfully.
func (r *PipelineRunner) resumeFallbackStage(env *envelope.Envelope) string {
	if env.Interrupt != nil && env.Interrupt.RaisedBy != "" {
		return env.Interrupt.RaisedBy
	}
	for i := len(env.ProcessingHistory) - 1; i >= 0; i-- {
		record := env.ProcessingHistory[i]
		if record.Status == "success" && r.agents[record.Agent] != nil {
			return record.Agent
		}
	}
	return config.StageEnd
}

// GetState loads persisted state for a thread.
func (r *PipelineRunner) GetState(ctx context.Context, threadID string) (map[string]any, error) {
	if r.Persistence == nil {
		return nil, nil
	}
	return r.Persistence.LoadState(ctx, threadID)
}
