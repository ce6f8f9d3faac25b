// Dependency-driven parallel execution. Stages declare what they
// require; a single coordinator goroutine launches whatever is ready
// and merges results as worker goroutines report back over channels.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentkernel-io/agentkernel/coreengine/agents"
	"github.com/agentkernel-io/agentkernel/coreengine/config"
	"github.com/agentkernel-io/agentkernel/coreengine/envelope"
)

// StageResult represents the result of a stage execution. OutputKey is
// the key the agent wrote its output under, which need not equal the
// stage name.
type StageResult struct {
	StageName string
	OutputKey string
	Success   bool
	Error     error
	Output    map[string]any
	Duration  time.Duration
	LLMCalls  int
	History   []envelope.ProcessingRecord
}

// DAGExecutor executes pipeline stages in parallel based on declared
// dependencies (Requires, After). Workers run against cloned envelopes
// so only the coordinator touches shared state.
type DAGExecutor struct {
	Config      *config.PipelineConfig
	Agents      map[string]*agents.UnifiedAgent
	Logger      agents.Logger
	Persistence PersistenceAdapter

	completedChan chan StageResult
	errorChan     chan StageResult

	mu          sync.RWMutex
	wg          sync.WaitGroup
	activeCount int
	maxParallel int // 0 = unlimited

	// Optional stream sink; completions are forwarded here as they land
	streamChan chan<- StageOutput

	// ANY-join bookkeeping: joiner stage -> requirement that satisfied it
	joinWinners map[string]string
}

// NewDAGExecutor creates a new DAG executor.
func NewDAGExecutor(
	cfg *config.PipelineConfig,
	agentsMap map[string]*agents.UnifiedAgent,
	logger agents.Logger,
) *DAGExecutor {
	d := &DAGExecutor{
		Config:      cfg,
		Agents:      agentsMap,
		Logger:      logger.Bind("executor", "dag"),
		joinWinners: make(map[string]string),
	}
	d.completedChan = make(chan StageResult, len(cfg.Agents))
	d.errorChan = make(chan StageResult, len(cfg.Agents))
	return d
}

// SetMaxParallel sets the maximum number of concurrent stage executions.
func (d *DAGExecutor) SetMaxParallel(max int) {
	d.maxParallel = max
}

// Execute runs the pipeline using DAG-based parallel execution.
func (d *DAGExecutor) Execute(ctx context.Context, env *envelope.Envelope, threadID string) (*envelope.Envelope, error) {
	startTime := time.Now()

	env.DAGMode = true
	env.StageOrder = d.Config.GetStageOrder()
	env.ActiveStages = make(map[string]bool)
	env.CompletedStageSet = make(map[string]bool)
	env.FailedStages = make(map[string]string)
	env.MaxIterations = d.Config.MaxIterations
	env.MaxLLMCalls = d.Config.MaxLLMCalls
	env.MaxAgentHops = d.Config.MaxAgentHops

	d.Logger.Info("dag_execution_started",
		"envelope_id", env.EnvelopeID,
		"request_id", env.RequestID,
		"stage_count", len(d.Config.Agents),
		"topological_order", d.Config.GetTopologicalOrder(),
	)

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	var execErr error

	go func() {
		defer close(done)
		execErr = d.coordinate(execCtx, env, threadID)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		<-done // coordinator must exit before we read execErr
		if execErr == nil {
			execErr = ctx.Err()
		}
	}

	durationMS := int(time.Since(startTime).Milliseconds())
	d.Logger.Info("dag_execution_completed",
		"envelope_id", env.EnvelopeID,
		"duration_ms", durationMS,
		"completed_stages", env.CompletedStageCount(),
		"failed_stages", len(env.FailedStages),
		"terminated", env.Terminated,
	)

	return env, execErr
}

// finishComplete marks the run completed unless something already
// terminated it.
func (d *DAGExecutor) finishComplete(env *envelope.Envelope) {
	env.CurrentStage = config.StageEnd
	if !env.Terminated {
		reason := envelope.TerminalReasonCompleted
		env.Terminate("All stages complete", &reason)
	}
}

// checkTerminal reports whether the run is over before any scheduling
// work: already terminated, out of bounds, fully complete, or failed.
func (d *DAGExecutor) checkTerminal(env *envelope.Envelope) (bool, error) {
	switch {
	case env.Terminated:
		d.Logger.Info("dag_terminated", "reason", env.TerminationReason)
		return true, nil

	case !env.CanContinue():
		d.Logger.Warn("dag_bounds_exceeded",
			"terminal_reason", env.TerminalReason,
		)
		return true, nil

	case env.AllStagesComplete():
		d.finishComplete(env)
		d.Logger.Info("dag_all_stages_complete")
		return true, nil

	case env.HasFailures():
		// Fail fast: one failed stage sinks the run
		reason := fmt.Sprintf("Stage failures: %v", env.FailedStages)
		terminal := envelope.TerminalReasonToolFailedFatally
		env.Terminate(reason, &terminal)
		return true, fmt.Errorf("%s", reason)
	}
	return false, nil
}

// launchable picks the subset of ready stages that have not been
// started yet, capped by the parallelism limit.
func (d *DAGExecutor) launchable(env *envelope.Envelope, notStarted map[string]bool) []string {
	d.mu.RLock()
	readyStages := d.Config.GetReadyStages(env.CompletedStageSet, env.ActiveStages, env.FailedStages)
	d.mu.RUnlock()

	toStart := make([]string, 0)
	for _, stage := range readyStages {
		if notStarted[stage] {
			toStart = append(toStart, stage)
		}
	}

	if d.maxParallel > 0 {
		available := d.maxParallel - env.ActiveStageCount()
		if available < 0 {
			available = 0
		}
		if available < len(toStart) {
			toStart = toStart[:available]
		}
	}
	return toStart
}

// coordinate is the scheduling loop. It owns the shared envelope; all
// worker results flow back through the two result channels.
func (d *DAGExecutor) coordinate(ctx context.Context, env *envelope.Envelope, threadID string) error {
	notStarted := make(map[string]bool, len(d.Config.Agents))
	for _, agent := range d.Config.Agents {
		notStarted[agent.Name] = true
	}

	for {
		if over, err := d.checkTerminal(env); over {
			return err
		}

		toStart := d.launchable(env, notStarted)

		// Nothing running and nothing startable: empty pipeline or a
		// dependency set that can never be satisfied.
		if len(toStart) == 0 && env.ActiveStageCount() == 0 {
			if len(notStarted) == 0 && env.CompletedStageCount() == len(d.Config.Agents) {
				d.finishComplete(env)
				return nil
			}
			reason := envelope.TerminalReasonToolFailedFatally
			env.Terminate("Pipeline stalled: no runnable stages", &reason)
			return fmt.Errorf("pipeline stalled: no runnable stages")
		}

		for _, stageName := range toStart {
			delete(notStarted, stageName)
			d.recordJoinWinner(env, stageName)
			d.startStage(ctx, env, stageName)
		}

		// Block until a stage finishes, the context dies, or the poll
		// interval elapses.
		select {
		case result := <-d.completedChan:
			d.handleCompletion(env, result, threadID)

		case result := <-d.errorChan:
			d.handleError(env, result)

		case <-ctx.Done():
			return ctx.Err()

		case <-time.After(100 * time.Millisecond):
			continue
		}
	}
}

// recordJoinWinner remembers which requirement unlocked an ANY-join stage
// so late sibling outputs can be discarded.
func (d *DAGExecutor) recordJoinWinner(env *envelope.Envelope, stageName string) {
	agentCfg := d.Config.GetAgent(stageName)
	if agentCfg == nil || agentCfg.JoinStrategy != config.JoinAny || len(agentCfg.Requires) < 2 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, req := range agentCfg.Requires {
		if env.CompletedStageSet[req] {
			d.joinWinners[stageName] = req
			return
		}
	}
}

// startStage launches a stage in a new goroutine against a cloned
// envelope; results are merged back by the coordinator.
func (d *DAGExecutor) startStage(ctx context.Context, env *envelope.Envelope, stageName string) {
	agent, exists := d.Agents[stageName]
	if !exists {
		d.errorChan <- StageResult{
			StageName: stageName,
			Error:     fmt.Errorf("agent not found: %s", stageName),
		}
		return
	}

	d.mu.Lock()
	env.StartStage(stageName)
	stageEnv := env.Clone()
	d.activeCount++
	active := d.activeCount
	d.mu.Unlock()

	stageEnv.CurrentStage = stageName
	llmCallsBefore := stageEnv.LLMCallCount
	historyLenBefore := len(stageEnv.ProcessingHistory)

	d.Logger.Info("dag_stage_started",
		"stage", stageName,
		"active_count", active,
	)

	d.wg.Add(1)
	go func(name string, agent *agents.UnifiedAgent, clonedEnv *envelope.Envelope) {
		defer d.wg.Done()

		startTime := time.Now()
		_, err := agent.Process(ctx, clonedEnv)

		outputKey := agent.Config.OutputKey
		if outputKey == "" {
			outputKey = name
		}

		result := StageResult{
			StageName: name,
			OutputKey: outputKey,
			Success:   err == nil,
			Error:     err,
			Output:    clonedEnv.GetOutput(outputKey),
			Duration:  time.Since(startTime),
			LLMCalls:  clonedEnv.LLMCallCount - llmCallsBefore,
			History:   clonedEnv.ProcessingHistory[historyLenBefore:],
		}

		if err != nil {
			d.errorChan <- result
		} else {
			d.completedChan <- result
		}
	}(stageName, agent, stageEnv)
}

// handleCompletion merges a successful stage result into the shared
// envelope.
func (d *DAGExecutor) handleCompletion(env *envelope.Envelope, result StageResult, threadID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	env.CompleteStage(result.StageName)
	env.LLMCallCount += result.LLMCalls
	env.AgentHopCount++
	env.ProcessingHistory = append(env.ProcessingHistory, result.History...)
	d.activeCount--

	if d.outputDiscarded(env, result.StageName) {
		d.Logger.Info("dag_any_join_sibling_discarded",
			"stage", result.StageName,
		)
	} else {
		outputKey := result.OutputKey
		if outputKey == "" {
			outputKey = result.StageName
		}
		env.SetOutput(outputKey, result.Output)
		if d.streamChan != nil {
			d.streamChan <- StageOutput{
				Stage:  result.StageName,
				Output: result.Output,
			}
		}
	}

	d.Logger.Info("dag_stage_completed",
		"stage", result.StageName,
		"duration_ms", result.Duration.Milliseconds(),
		"active_count", d.activeCount,
		"completed_count", env.CompletedStageCount(),
	)

	if d.Persistence != nil && threadID != "" {
		if err := d.Persistence.SaveState(context.Background(), threadID, env.ToStateDict()); err != nil {
			d.Logger.Warn("dag_state_persist_error",
				"thread_id", threadID,
				"error", err.Error(),
			)
		}
	}
}

// outputDiscarded reports whether the completing stage lost an ANY-join
// race: a sibling whose joiner already started with another winner. The
// stage still completes and stays in the audit trail, only its output is
// dropped from the join.
func (d *DAGExecutor) outputDiscarded(env *envelope.Envelope, stageName string) bool {
	for joiner, winner := range d.joinWinners {
		if winner == stageName {
			continue
		}
		agentCfg := d.Config.GetAgent(joiner)
		if agentCfg == nil {
			continue
		}
		for _, req := range agentCfg.Requires {
			if req == stageName {
				return true
			}
		}
	}
	return false
}

// handleError processes a stage failure.
func (d *DAGExecutor) handleError(env *envelope.Envelope, result StageResult) {
	d.mu.Lock()
	defer d.mu.Unlock()

	errMsg := ""
	if result.Error != nil {
		errMsg = result.Error.Error()
	}

	env.FailStage(result.StageName, errMsg)
	env.AgentHopCount++
	env.ProcessingHistory = append(env.ProcessingHistory, result.History...)
	d.activeCount--

	d.Logger.Error("dag_stage_failed",
		"stage", result.StageName,
		"error", errMsg,
		"active_count", d.activeCount,
	)
}

// ExecuteStreaming runs the pipeline with streaming updates via channel.
func (d *DAGExecutor) ExecuteStreaming(ctx context.Context, env *envelope.Envelope, threadID string) (<-chan StageOutput, error) {
	outputChan := make(chan StageOutput, len(d.Config.Agents)+1)
	d.streamChan = outputChan

	go func() {
		defer close(outputChan)

		_, err := d.Execute(ctx, env, threadID)

		outputChan <- StageOutput{
			Stage: EndMarker,
			Output: map[string]any{
				"terminated":       env.Terminated,
				"completed_stages": env.CompletedStageCount(),
				"error":            err,
			},
		}
	}()

	return outputChan, nil
}

// Wait waits for all active stages to complete.
func (d *DAGExecutor) Wait() {
	d.wg.Wait()
}
