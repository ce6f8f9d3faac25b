// Package kernel coordinates agent process execution the way an OS
// microkernel coordinates user processes: it owns lifecycle, resource
// accounting, rate limiting, interrupts, and service dispatch, while
// the actual work runs in registered services.
//
// Typical wiring:
//
//	k := NewKernel(logger, nil)
//	k.Services().RegisterService(NewServiceInfo("pipeline_runner", ServiceTypePipeline))
//	k.Services().RegisterHandler("pipeline_runner", runHandler)
//
//	pcb, err := k.Submit(pid, requestID, userID, sessionID, PriorityNormal, nil)
//
//	if d := k.CheckAndReserve(pid, DimLLMCalls, 1); !d.Allowed {
//	    // d.Reason names the exhausted dimension
//	}
package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentkernel-io/agentkernel/coreengine/envelope"
)

// KernelConfig carries the defaults new processes inherit.
type KernelConfig struct {
	DefaultQuota     *ResourceQuota   `json:"default_quota"`
	DefaultRateLimit *RateLimitConfig `json:"default_rate_limit"`
	DefaultService   string           `json:"default_service"`
	EnableTelemetry  bool             `json:"enable_telemetry"`
}

func DefaultKernelConfig() *KernelConfig {
	return &KernelConfig{
		DefaultQuota:     DefaultQuota(),
		DefaultRateLimit: DefaultRateLimitConfig(),
		DefaultService:   "pipeline_runner",
		EnableTelemetry:  true,
	}
}

// Kernel composes the lifecycle manager, quota tracker, rate limiter,
// interrupt service, service registry, and orchestrator behind one
// coordinating surface.
type Kernel struct {
	config *KernelConfig
	logger Logger

	lifecycle    *LifecycleManager
	resources    *QuotaTracker
	rateLimiter  *RateLimiter
	interrupts   *InterruptService
	services     *ServiceRegistry
	orchestrator *Orchestrator

	eventHandlers []KernelEventHandler
	eventMu       sync.RWMutex

	startedAt time.Time
	mu        sync.RWMutex
}

// KernelEventHandler receives kernel events as they are emitted.
type KernelEventHandler func(*KernelEvent)

func NewKernel(logger Logger, config *KernelConfig) *Kernel {
	if config == nil {
		config = DefaultKernelConfig()
	}

	k := &Kernel{
		config:        config,
		logger:        logger,
		lifecycle:     NewLifecycleManager(config.DefaultQuota, logger),
		resources:     NewQuotaTracker(config.DefaultQuota, logger),
		rateLimiter:   NewRateLimiter(config.DefaultRateLimit),
		interrupts:    NewInterruptService(logger, nil),
		services:      NewServiceRegistry(logger),
		eventHandlers: []KernelEventHandler{},
		startedAt:     time.Now().UTC(),
	}

	// The orchestrator calls back into the kernel, so it is built last.
	k.orchestrator = NewOrchestrator(k, logger)

	k.logInfo("kernel_initialized",
		"default_service", config.DefaultService,
		"max_llm_calls", config.DefaultQuota.MaxLLMCalls,
		"max_iterations", config.DefaultQuota.MaxIterations)

	return k
}

// Log helpers tolerate a nil logger so the kernel works bare in tests.
func (k *Kernel) logDebug(event string, fields ...any) {
	if k.logger != nil {
		k.logger.Debug(event, fields...)
	}
}

func (k *Kernel) logInfo(event string, fields ...any) {
	if k.logger != nil {
		k.logger.Info(event, fields...)
	}
}

func (k *Kernel) logWarn(event string, fields ...any) {
	if k.logger != nil {
		k.logger.Warn(event, fields...)
	}
}

// Subsystem accessors.

func (k *Kernel) Lifecycle() *LifecycleManager { return k.lifecycle }

func (k *Kernel) Resources() *QuotaTracker { return k.resources }

func (k *Kernel) RateLimiter() *RateLimiter { return k.rateLimiter }

func (k *Kernel) Interrupts() *InterruptService { return k.interrupts }

func (k *Kernel) Services() *ServiceRegistry { return k.services }

func (k *Kernel) Orchestrator() *Orchestrator { return k.orchestrator }

// Submit creates a process in NEW state and allocates its quota.
func (k *Kernel) Submit(
	pid, requestID, userID, sessionID string,
	priority SchedulingPriority,
	quota *ResourceQuota,
) (*ProcessControlBlock, error) {
	if quota == nil {
		quota = k.config.DefaultQuota
	}

	pcb, err := k.lifecycle.Submit(pid, requestID, userID, sessionID, priority, quota)
	if err != nil {
		return nil, err
	}

	k.resources.Allocate(pid, quota)
	k.emitEvent(ProcessCreatedEvent(pcb))

	k.logInfo("process_submitted",
		"pid", pid, "request_id", requestID,
		"user_id", userID, "priority", string(priority))
	return pcb, nil
}

// Schedule moves a process from NEW to READY.
func (k *Kernel) Schedule(pid string) error {
	pcb := k.lifecycle.GetProcess(pid)
	if pcb == nil {
		return fmt.Errorf("unknown pid: %s", pid)
	}

	oldState := pcb.State
	if err := k.lifecycle.Schedule(pid); err != nil {
		return err
	}

	k.emitEvent(ProcessStateChangedEvent(pcb, oldState))
	return nil
}

// GetNextRunnable pops the next READY process and marks it RUNNING.
func (k *Kernel) GetNextRunnable() *ProcessControlBlock {
	return k.lifecycle.GetNextRunnable()
}

// TransitionState moves a process to newState via the state machine.
func (k *Kernel) TransitionState(pid string, newState ProcessState, reason string) error {
	pcb := k.lifecycle.GetProcess(pid)
	if pcb == nil {
		return fmt.Errorf("unknown pid: %s", pid)
	}

	oldState := pcb.State
	if err := k.lifecycle.TransitionState(pid, newState, reason); err != nil {
		return err
	}

	k.emitEvent(ProcessStateChangedEvent(pcb, oldState))
	return nil
}

// Terminate ends a process and folds its usage into system totals.
func (k *Kernel) Terminate(pid, reason string, force bool) error {
	pcb := k.lifecycle.GetProcess(pid)
	if pcb == nil {
		return fmt.Errorf("unknown pid: %s", pid)
	}

	oldState := pcb.State
	if err := k.lifecycle.Terminate(pid, reason, force); err != nil {
		return err
	}

	k.resources.Finalize(pid)
	k.emitEvent(ProcessStateChangedEvent(pcb, oldState))

	k.logInfo("process_terminated", "pid", pid, "reason", reason, "force", force)
	return nil
}

// GetProcess looks up a process by pid.
func (k *Kernel) GetProcess(pid string) *ProcessControlBlock {
	return k.lifecycle.GetProcess(pid)
}

// ListProcesses returns processes filtered by state and/or user.
func (k *Kernel) ListProcesses(state *ProcessState, userID string) []*ProcessControlBlock {
	return k.lifecycle.ListProcesses(state, userID)
}

// CheckAndReserve reserves headroom on a quota dimension before a
// metered action. A denial names the dimension with its usage and
// ceiling, and surfaces as a resource exhaustion event.
func (k *Kernel) CheckAndReserve(pid, dimension string, amount int) Decision {
	decision := k.resources.CheckAndReserve(pid, dimension, amount)

	if !decision.Allowed {
		if pcb := k.lifecycle.GetProcess(pid); pcb != nil {
			k.emitEvent(ResourceExhaustedEvent(pcb, decision.Reason, decision.Used, decision.Limit))
		}
	}
	return decision
}

// ReleaseReservation returns reserved units of a transient dimension.
func (k *Kernel) ReleaseReservation(pid, dimension string, amount int) {
	k.resources.Release(pid, dimension, amount)
}

// RecordLLMCall accounts one LLM call plus token volume, then re-checks
// quota. Returns the exceeded dimension, or "" while within budget.
func (k *Kernel) RecordLLMCall(pid string, tokensIn, tokensOut int) string {
	k.resources.RecordLLMCall(pid, tokensIn, tokensOut)

	exceeded := k.resources.CheckQuota(pid)
	if exceeded != "" {
		if pcb := k.lifecycle.GetProcess(pid); pcb != nil {
			usage := k.resources.GetUsage(pid)
			quota := k.resources.GetQuota(pid)
			k.emitEvent(ResourceExhaustedEvent(pcb, exceeded, usage.LLMCalls, quota.MaxLLMCalls))
		}
	}
	return exceeded
}

// RecordToolCall accounts one tool call and re-checks quota.
func (k *Kernel) RecordToolCall(pid string) string {
	k.resources.RecordToolCall(pid)
	return k.resources.CheckQuota(pid)
}

// RecordAgentHop accounts one agent hop and re-checks quota.
func (k *Kernel) RecordAgentHop(pid string) string {
	k.resources.RecordAgentHop(pid)
	return k.resources.CheckQuota(pid)
}

// CheckQuota reports the exceeded quota dimension, or "" if none.
func (k *Kernel) CheckQuota(pid string) string {
	return k.resources.CheckQuota(pid)
}

// GetUsage returns accumulated resource usage for a process.
func (k *Kernel) GetUsage(pid string) *ResourceUsage {
	return k.resources.GetUsage(pid)
}

// GetRemainingBudget returns per-dimension headroom for a process.
func (k *Kernel) GetRemainingBudget(pid string) *ResourceBudget {
	return k.resources.GetRemainingBudget(pid)
}

// CheckRateLimit runs the sliding-window check. A denial surfaces as a
// rate-limited kernel event.
func (k *Kernel) CheckRateLimit(userID, endpoint string, record bool) *RateLimitResult {
	result := k.rateLimiter.CheckRateLimit(userID, endpoint, record)

	if !result.Allowed {
		k.emitEvent(systemEvent(KernelEventRateLimited, map[string]any{
			"user_id":     userID,
			"endpoint":    endpoint,
			"limit_type":  result.LimitType,
			"retry_after": result.RetryAfter,
		}))
	}
	return result
}

// systemEvent builds a kernel event not tied to any one process.
func systemEvent(eventType KernelEventType, data map[string]any) *KernelEvent {
	return &KernelEvent{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// GetRateLimitUsage returns per-tier rate limit usage for a
// user/endpoint pair.
func (k *Kernel) GetRateLimitUsage(userID, endpoint string) map[string]map[string]any {
	return k.rateLimiter.GetUsage(userID, endpoint)
}

// CreateInterrupt raises an interrupt for a request. At most one pending
// interrupt is allowed per request.
func (k *Kernel) CreateInterrupt(
	kind envelope.InterruptKind,
	requestID, userID, sessionID, envelopeID string,
	opts ...InterruptOption,
) (*KernelInterrupt, error) {
	interrupt, err := k.interrupts.CreateInterrupt(kind, requestID, userID, sessionID, envelopeID, opts...)
	if err != nil {
		return nil, err
	}

	if pcb := k.lifecycle.GetProcess(envelopeID); pcb != nil {
		data := map[string]any{"interrupt_id": interrupt.ID}
		if interrupt.Question != "" {
			data["question"] = interrupt.Question
		}
		if interrupt.Message != "" {
			data["message"] = interrupt.Message
		}
		k.emitEvent(InterruptRaisedEvent(pcb, interrupt.Kind, data))
	}
	return interrupt, nil
}

// ResolveInterrupt records the user's response to an interrupt.
func (k *Kernel) ResolveInterrupt(
	interruptID string,
	response *envelope.InterruptResponse,
	userID string,
) (*KernelInterrupt, error) {
	return k.interrupts.Resolve(interruptID, response, userID)
}

// GetPendingInterrupt returns the pending interrupt for a request, if any.
func (k *Kernel) GetPendingInterrupt(requestID string) *KernelInterrupt {
	return k.interrupts.GetPendingForRequest(requestID)
}

// RegisterService adds a service and announces it as a kernel event.
func (k *Kernel) RegisterService(info *ServiceInfo) bool {
	if !k.services.RegisterService(info) {
		return false
	}
	k.emitEvent(systemEvent(KernelEventServiceRegistered, map[string]any{
		"service_name": info.Name,
		"service_type": info.ServiceType,
	}))
	return true
}

// UnregisterService removes a service and announces the removal.
func (k *Kernel) UnregisterService(serviceName string) bool {
	if !k.services.UnregisterService(serviceName) {
		return false
	}
	k.emitEvent(systemEvent(KernelEventServiceUnregistered, map[string]any{
		"service_name": serviceName,
	}))
	return true
}

// RegisterHandler binds a handler function to a registered service.
func (k *Kernel) RegisterHandler(serviceName string, handler ServiceHandler) {
	k.services.RegisterHandler(serviceName, handler)
}

// Dispatch routes a request to a service.
func (k *Kernel) Dispatch(ctx context.Context, target *DispatchTarget, data map[string]any) *DispatchResult {
	return k.services.Dispatch(ctx, target, data)
}

// DispatchInference is the quota-mediated dispatch path for embeddings
// and other model inference. The concurrency slot is held only for the
// duration of the call; the request count and input volume stay
// reserved.
func (k *Kernel) DispatchInference(ctx context.Context, pid string, target *DispatchTarget, data map[string]any) *DispatchResult {
	startTime := time.Now()

	if ctx.Err() != nil {
		return &DispatchResult{
			Success:  false,
			Error:    ctx.Err().Error(),
			Duration: time.Since(startTime),
		}
	}

	inputChars := extractInputChars(data)

	reservations := []struct {
		dimension string
		amount    int
	}{
		{DimInferenceRequests, 1},
		{DimInferenceInputChars, inputChars},
		{DimConcurrentInference, 1},
	}
	for _, res := range reservations {
		if decision := k.CheckAndReserve(pid, res.dimension, res.amount); !decision.Allowed {
			k.logWarn("inference_quota_exceeded",
				"pid", pid, "reason", decision.Reason, "input_chars", inputChars)
			return &DispatchResult{
				Success:  false,
				Error:    fmt.Sprintf("inference quota exceeded: %s", decision.Reason),
				Duration: time.Since(startTime),
			}
		}
	}
	defer k.resources.Release(pid, DimConcurrentInference, 1)

	return k.services.Dispatch(ctx, target, data)
}

// extractInputChars totals the character count of an inference payload.
// A "texts" value may arrive as []string or, after JSON decoding, as
// []interface{}.
func extractInputChars(data map[string]any) int {
	total := 0

	if text, ok := data["text"].(string); ok {
		total += len(text)
	}

	switch texts := data["texts"].(type) {
	case []string:
		for _, s := range texts {
			total += len(s)
		}
	case []any:
		for _, v := range texts {
			if s, ok := v.(string); ok {
				total += len(s)
			}
		}
	}

	return total
}

// OnEvent subscribes a handler to kernel events.
func (k *Kernel) OnEvent(handler KernelEventHandler) {
	k.eventMu.Lock()
	defer k.eventMu.Unlock()
	k.eventHandlers = append(k.eventHandlers, handler)
}

func (k *Kernel) emitEvent(event *KernelEvent) {
	k.eventMu.RLock()
	handlers := make([]KernelEventHandler, len(k.eventHandlers))
	copy(handlers, k.eventHandlers)
	k.eventMu.RUnlock()

	for _, handler := range handlers {
		h := handler
		// A panicking subscriber must not take the kernel down.
		_ = SafeExecute(k.logger, "kernel_event_handler", func() error {
			h(event)
			return nil
		})
	}
}

// GetSystemStatus summarizes process, resource, interrupt, and service
// state for health endpoints.
func (k *Kernel) GetSystemStatus() map[string]any {
	return map[string]any{
		"processes": map[string]any{
			"total":       k.lifecycle.GetTotalProcesses(),
			"queue_depth": k.lifecycle.GetQueueDepth(),
			"by_state":    k.lifecycle.GetProcessCount(),
		},
		"resources":      k.resources.GetSystemUsage(),
		"interrupts":     k.interrupts.GetStats(),
		"services":       k.services.GetStats(),
		"uptime_seconds": time.Since(k.startedAt).Seconds(),
	}
}

// GetRequestStatus reports the state, usage, and pending interrupt of
// one process. Returns nil for an unknown pid.
func (k *Kernel) GetRequestStatus(pid string) map[string]any {
	pcb := k.lifecycle.GetProcess(pid)
	if pcb == nil {
		return nil
	}

	status := map[string]any{
		"pid":           pid,
		"state":         string(pcb.State),
		"priority":      string(pcb.Priority),
		"current_stage": pcb.CurrentStage,
		"created_at":    pcb.CreatedAt.Format(time.RFC3339),
	}
	if pcb.StartedAt != nil {
		status["started_at"] = pcb.StartedAt.Format(time.RFC3339)
	}

	if usage := k.resources.GetUsage(pid); usage != nil {
		status["usage"] = map[string]any{
			"llm_calls":       usage.LLMCalls,
			"tool_calls":      usage.ToolCalls,
			"agent_hops":      usage.AgentHops,
			"elapsed_seconds": usage.ElapsedSeconds,
		}
	}
	if remaining := k.resources.GetRemainingBudget(pid); remaining != nil {
		status["remaining"] = remaining
	}

	interrupt := k.interrupts.GetPendingForRequest(pcb.RequestID)
	status["has_interrupt"] = interrupt != nil
	if interrupt != nil {
		status["interrupt_kind"] = string(interrupt.Kind)
		status["interrupt_id"] = interrupt.ID
	}

	return status
}

// Cleanup runs one housekeeping pass: expires pending interrupts,
// drops resolved interrupts older than 24h, and prunes empty rate
// windows. Intended to be called periodically.
func (k *Kernel) Cleanup() {
	k.interrupts.ExpirePending()
	k.interrupts.CleanupResolved(24 * time.Hour)
	k.rateLimiter.CleanupExpired()

	k.logDebug("kernel_cleanup_completed")
}

// ShutdownError aggregates the errors collected during shutdown.
type ShutdownError struct {
	Errors []error
}

func (e *ShutdownError) Error() string {
	switch len(e.Errors) {
	case 0:
		return "shutdown completed with no errors"
	case 1:
		return fmt.Sprintf("shutdown error: %v", e.Errors[0])
	default:
		return fmt.Sprintf("shutdown completed with %d errors", len(e.Errors))
	}
}

// Unwrap returns the first error so errors.Is/As keep working.
func (e *ShutdownError) Unwrap() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// Shutdown force-terminates every live process. Stops early if ctx is
// cancelled; any failures come back wrapped in a ShutdownError.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.logInfo("kernel_shutdown_initiated")

	var errs []error

	for _, pcb := range k.lifecycle.ListProcesses(nil, "") {
		select {
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("shutdown cancelled: %w", ctx.Err()))
			k.logWarn("shutdown_cancelled", "error", ctx.Err().Error())
			return &ShutdownError{Errors: errs}
		default:
		}

		if pcb.IsTerminated() {
			continue
		}
		if err := k.Terminate(pcb.PID, "kernel_shutdown", true); err != nil {
			errs = append(errs, fmt.Errorf("failed to terminate %s: %w", pcb.PID, err))
			k.logWarn("shutdown_terminate_failed", "pid", pcb.PID, "error", err.Error())
		}
	}

	k.logInfo("kernel_shutdown_completed", "errors", len(errs))

	if len(errs) > 0 {
		return &ShutdownError{Errors: errs}
	}
	return nil
}
