// Package kernel quota tracking - cgroups equivalent.
//
// Features:
//   - Quota allocation per process
//   - Advisory check-and-reserve before metered actions
//   - Usage recording after the action
//   - System-wide metrics aggregation
package kernel

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentkernel-io/agentkernel/coreengine/observability"
)

// =============================================================================
// Process Resources (internal)
// =============================================================================

// processResources tracks resources for a single process.
type processResources struct {
	PID           string
	Quota         *ResourceQuota
	Usage         *ResourceUsage
	AllocatedAt   time.Time
	LastUpdatedAt time.Time
}

// newProcessResources creates a new process resource tracker.
func newProcessResources(pid string, quota *ResourceQuota) *processResources {
	now := time.Now().UTC()
	return &processResources{
		PID:           pid,
		Quota:         quota,
		Usage:         &ResourceUsage{},
		AllocatedAt:   now,
		LastUpdatedAt: now,
	}
}

// =============================================================================
// Quota Decision
// =============================================================================

// Decision is the structured outcome of a quota check. On deny it names
// the exceeded dimension with its usage and ceiling, so the runtime can
// pick the matching terminal reason.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Dimension string `json:"dimension,omitempty"`
	Used      int    `json:"used,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func allowDecision() Decision {
	return Decision{Allowed: true}
}

func denyDecision(dimension string, used, limit int) Decision {
	return Decision{
		Allowed:   false,
		Dimension: dimension,
		Used:      used,
		Limit:     limit,
		Reason:    fmt.Sprintf("max_%s_exceeded", dimension),
	}
}

// =============================================================================
// System Usage Statistics
// =============================================================================

// SystemUsage represents system-wide resource usage statistics.
type SystemUsage struct {
	TotalProcesses  int `json:"total_processes"`
	ActiveProcesses int `json:"active_processes"`
	SystemLLMCalls  int `json:"system_llm_calls"`
	SystemToolCalls int `json:"system_tool_calls"`
	SystemTokens    int `json:"system_tokens"`
}

// =============================================================================
// Resource Budget
// =============================================================================

// ResourceBudget represents remaining headroom for a process.
type ResourceBudget struct {
	TotalTokens int     `json:"total_tokens"`
	LLMCalls    int     `json:"llm_calls"`
	ToolCalls   int     `json:"tool_calls"`
	AgentHops   int     `json:"agent_hops"`
	Iterations  int     `json:"iterations"`
	TimeSeconds float64 `json:"time_seconds"`
}

// =============================================================================
// Quota Tracker
// =============================================================================

// QuotaTracker tracks usage per process across nine independent quota
// dimensions. Enforcement is advisory-before-action: callers reserve
// headroom before performing a metered action and record usage after.
// All access is serialized internally; no I/O happens under the lock.
//
// Usage:
//
//	tracker := NewQuotaTracker(nil, logger)
//	tracker.Allocate(pid, quota)
//
//	decision := tracker.CheckAndReserve(pid, DimLLMCalls, 1)
//	if !decision.Allowed {
//	    // decision.Reason names the exceeded dimension
//	}
type QuotaTracker struct {
	defaultQuota *ResourceQuota
	logger       Logger

	// Per-process resource tracking
	resources map[string]*processResources

	// System-wide counters
	systemLLMCalls  int
	systemToolCalls int
	systemTokens    int
	totalProcesses  int
	activeProcesses int

	mu sync.RWMutex
}

// Logger is the structured logging interface the kernel package expects.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// NewQuotaTracker creates a new quota tracker.
func NewQuotaTracker(defaultQuota *ResourceQuota, logger Logger) *QuotaTracker {
	if defaultQuota == nil {
		defaultQuota = DefaultQuota()
	}
	return &QuotaTracker{
		defaultQuota: defaultQuota,
		logger:       logger,
		resources:    make(map[string]*processResources),
	}
}

// Allocate allocates a quota to a process.
// Returns true if allocation succeeded, false if process already exists.
func (qt *QuotaTracker) Allocate(pid string, quota *ResourceQuota) bool {
	qt.mu.Lock()
	defer qt.mu.Unlock()

	if _, exists := qt.resources[pid]; exists {
		if qt.logger != nil {
			qt.logger.Warn("duplicate_allocation", "pid", pid)
		}
		return false
	}

	if quota == nil {
		quota = qt.defaultQuota
	}

	qt.resources[pid] = newProcessResources(pid, quota)
	qt.totalProcesses++
	qt.activeProcesses++

	if qt.logger != nil {
		qt.logger.Debug("quota_allocated",
			"pid", pid,
			"max_llm_calls", quota.MaxLLMCalls,
			"max_tool_calls", quota.MaxToolCalls,
			"max_execution_seconds", quota.MaxExecutionSeconds,
		)
	}

	return true
}

// CheckAndReserve checks whether amount more units of a dimension fit
// inside the process quota and, if so, reserves them by counting the
// usage immediately. Exceeding any single dimension denies; the denial
// carries the dimension, its usage, and its ceiling. Unknown processes
// are auto-created with the default quota.
func (qt *QuotaTracker) CheckAndReserve(pid, dimension string, amount int) Decision {
	qt.mu.Lock()
	defer qt.mu.Unlock()

	pr := qt.ensureLocked(pid)
	limit := pr.Quota.Limit(dimension)
	used := pr.Usage.Count(dimension)

	if limit > 0 && used+amount > limit {
		if qt.logger != nil {
			qt.logger.Warn("quota_denied",
				"pid", pid,
				"dimension", dimension,
				"used", used,
				"requested", amount,
				"limit", limit,
			)
		}
		observability.RecordQuotaDenial(dimension)
		return denyDecision(dimension, used, limit)
	}

	pr.Usage.Add(dimension, amount)
	pr.LastUpdatedAt = time.Now().UTC()

	// Warn when a dimension crosses 80% of its ceiling
	if qt.logger != nil && limit > 0 {
		if after := used + amount; after >= int(float64(limit)*0.8) {
			qt.logger.Warn("quota_approaching",
				"pid", pid,
				"dimension", dimension,
				"used", after,
				"limit", limit,
			)
		}
	}

	return allowDecision()
}

// Release returns reserved units of a dimension to the process budget.
// Used for transient dimensions like concurrent inference slots.
func (qt *QuotaTracker) Release(pid, dimension string, amount int) {
	qt.mu.Lock()
	defer qt.mu.Unlock()

	pr, exists := qt.resources[pid]
	if !exists {
		return
	}

	if current := pr.Usage.Count(dimension); amount > current {
		amount = current
	}
	pr.Usage.Add(dimension, -amount)
	pr.LastUpdatedAt = time.Now().UTC()
}

// Finalize folds a completed process into the system counters and stops
// tracking it. Returns the final usage, or nil if unknown.
func (qt *QuotaTracker) Finalize(pid string) *ResourceUsage {
	qt.mu.Lock()
	defer qt.mu.Unlock()

	pr, exists := qt.resources[pid]
	if !exists {
		return nil
	}

	pr.Usage.ElapsedSeconds = time.Now().UTC().Sub(pr.AllocatedAt).Seconds()
	final := pr.Usage.Clone()

	qt.systemLLMCalls += final.LLMCalls
	qt.systemToolCalls += final.ToolCalls
	qt.systemTokens += final.TotalTokens

	delete(qt.resources, pid)
	qt.activeProcesses--

	if qt.logger != nil {
		qt.logger.Debug("quota_finalized",
			"pid", pid,
			"llm_calls", final.LLMCalls,
			"tool_calls", final.ToolCalls,
			"elapsed_seconds", final.ElapsedSeconds,
		)
	}

	return final
}

// ensureLocked returns the tracked process, creating it with the default
// quota when missing. Caller holds the write lock.
func (qt *QuotaTracker) ensureLocked(pid string) *processResources {
	pr, exists := qt.resources[pid]
	if !exists {
		pr = newProcessResources(pid, qt.defaultQuota)
		qt.resources[pid] = pr
		qt.totalProcesses++
		qt.activeProcesses++
	}
	return pr
}

// RecordLLMCall records a completed inference call and its token volume.
func (qt *QuotaTracker) RecordLLMCall(pid string, tokensIn, tokensOut int) *ResourceUsage {
	qt.mu.Lock()
	defer qt.mu.Unlock()

	pr := qt.ensureLocked(pid)
	pr.Usage.LLMCalls++
	pr.Usage.InferenceRequests++
	pr.Usage.TotalTokens += tokensIn + tokensOut
	pr.LastUpdatedAt = time.Now().UTC()
	pr.Usage.ElapsedSeconds = pr.LastUpdatedAt.Sub(pr.AllocatedAt).Seconds()

	return pr.Usage.Clone()
}

// RecordToolCall records a completed tool call.
func (qt *QuotaTracker) RecordToolCall(pid string) *ResourceUsage {
	qt.mu.Lock()
	defer qt.mu.Unlock()

	pr := qt.ensureLocked(pid)
	pr.Usage.ToolCalls++
	pr.LastUpdatedAt = time.Now().UTC()

	return pr.Usage.Clone()
}

// RecordAgentHop records an agent hop.
func (qt *QuotaTracker) RecordAgentHop(pid string) *ResourceUsage {
	qt.mu.Lock()
	defer qt.mu.Unlock()

	pr := qt.ensureLocked(pid)
	pr.Usage.AgentHops++
	pr.LastUpdatedAt = time.Now().UTC()

	return pr.Usage.Clone()
}

// RecordUsage records a batch of usage reported after an agent run.
func (qt *QuotaTracker) RecordUsage(pid string, llmCalls, toolCalls, agentHops, tokens int) *ResourceUsage {
	qt.mu.Lock()
	defer qt.mu.Unlock()

	pr := qt.ensureLocked(pid)
	pr.Usage.LLMCalls += llmCalls
	pr.Usage.InferenceRequests += llmCalls
	pr.Usage.ToolCalls += toolCalls
	pr.Usage.AgentHops += agentHops
	pr.Usage.TotalTokens += tokens
	pr.LastUpdatedAt = time.Now().UTC()
	pr.Usage.ElapsedSeconds = pr.LastUpdatedAt.Sub(pr.AllocatedAt).Seconds()

	return pr.Usage.Clone()
}

// RecordInferenceInput records the input volume of an inference request.
func (qt *QuotaTracker) RecordInferenceInput(pid string, inputChars int) *ResourceUsage {
	qt.mu.Lock()
	defer qt.mu.Unlock()

	pr := qt.ensureLocked(pid)
	pr.Usage.InferenceInputChars += inputChars
	pr.LastUpdatedAt = time.Now().UTC()

	return pr.Usage.Clone()
}

// CheckQuota checks if process is within quota across every dimension.
// Returns empty string if within quota, or the denial reason if exceeded.
func (qt *QuotaTracker) CheckQuota(pid string) string {
	qt.mu.RLock()
	defer qt.mu.RUnlock()

	pr, exists := qt.resources[pid]
	if !exists {
		return "" // No tracking = no limits
	}

	usage := pr.Usage.Clone()
	usage.ElapsedSeconds = time.Now().UTC().Sub(pr.AllocatedAt).Seconds()
	return usage.ExceedsQuota(pr.Quota)
}

// GetUsage returns current usage for a process, or nil if unknown.
func (qt *QuotaTracker) GetUsage(pid string) *ResourceUsage {
	qt.mu.RLock()
	defer qt.mu.RUnlock()

	pr, exists := qt.resources[pid]
	if !exists {
		return nil
	}
	return pr.Usage.Clone()
}

// GetQuota returns the quota for a process, or nil if unknown.
func (qt *QuotaTracker) GetQuota(pid string) *ResourceQuota {
	qt.mu.RLock()
	defer qt.mu.RUnlock()

	pr, exists := qt.resources[pid]
	if !exists {
		return nil
	}
	q := *pr.Quota
	return &q
}

// GetSystemUsage returns system-wide resource usage.
func (qt *QuotaTracker) GetSystemUsage() *SystemUsage {
	qt.mu.RLock()
	defer qt.mu.RUnlock()

	usage := &SystemUsage{
		TotalProcesses:  qt.totalProcesses,
		ActiveProcesses: qt.activeProcesses,
		SystemLLMCalls:  qt.systemLLMCalls,
		SystemToolCalls: qt.systemToolCalls,
		SystemTokens:    qt.systemTokens,
	}

	// Include still-active processes in the system totals
	for _, pr := range qt.resources {
		usage.SystemLLMCalls += pr.Usage.LLMCalls
		usage.SystemToolCalls += pr.Usage.ToolCalls
		usage.SystemTokens += pr.Usage.TotalTokens
	}

	return usage
}

// GetRemainingBudget returns remaining headroom, or nil if unknown.
func (qt *QuotaTracker) GetRemainingBudget(pid string) *ResourceBudget {
	qt.mu.RLock()
	defer qt.mu.RUnlock()

	pr, exists := qt.resources[pid]
	if !exists {
		return nil
	}

	quota := pr.Quota
	usage := pr.Usage
	elapsed := time.Now().UTC().Sub(pr.AllocatedAt).Seconds()

	return &ResourceBudget{
		TotalTokens: max(0, quota.MaxTotalTokens-usage.TotalTokens),
		LLMCalls:    max(0, quota.MaxLLMCalls-usage.LLMCalls),
		ToolCalls:   max(0, quota.MaxToolCalls-usage.ToolCalls),
		AgentHops:   max(0, quota.MaxAgentHops-usage.AgentHops),
		Iterations:  max(0, quota.MaxIterations-usage.Iterations),
		TimeSeconds: max(0, float64(quota.MaxExecutionSeconds)-elapsed),
	}
}

// AdjustQuota adjusts quota ceilings for a process.
// Returns an error if process not found.
func (qt *QuotaTracker) AdjustQuota(pid string, adjustments map[string]int) error {
	qt.mu.Lock()
	defer qt.mu.Unlock()

	pr, exists := qt.resources[pid]
	if !exists {
		return fmt.Errorf("unknown pid: %s", pid)
	}

	for key, value := range adjustments {
		switch key {
		case "max_total_tokens":
			pr.Quota.MaxTotalTokens = value
		case "max_llm_calls":
			pr.Quota.MaxLLMCalls = value
		case "max_tool_calls":
			pr.Quota.MaxToolCalls = value
		case "max_agent_hops":
			pr.Quota.MaxAgentHops = value
		case "max_iterations":
			pr.Quota.MaxIterations = value
		case "max_execution_seconds":
			pr.Quota.MaxExecutionSeconds = value
		case "max_inference_requests":
			pr.Quota.MaxInferenceRequests = value
		case "max_inference_input_chars":
			pr.Quota.MaxInferenceInputChars = value
		case "max_concurrent_inference":
			pr.Quota.MaxConcurrentInference = value
		}
	}

	if qt.logger != nil {
		qt.logger.Info("quota_adjusted",
			"pid", pid,
			"adjustments", adjustments,
		)
	}

	return nil
}

// GetAllUsage returns usage for all tracked processes.
func (qt *QuotaTracker) GetAllUsage() map[string]*ResourceUsage {
	qt.mu.RLock()
	defer qt.mu.RUnlock()

	result := make(map[string]*ResourceUsage, len(qt.resources))
	for pid, pr := range qt.resources {
		result[pid] = pr.Usage.Clone()
	}
	return result
}

// IsTracked checks if a process is being tracked.
func (qt *QuotaTracker) IsTracked(pid string) bool {
	qt.mu.RLock()
	defer qt.mu.RUnlock()
	_, exists := qt.resources[pid]
	return exists
}

// GetProcessCount returns the number of processes being tracked.
func (qt *QuotaTracker) GetProcessCount() int {
	qt.mu.RLock()
	defer qt.mu.RUnlock()
	return len(qt.resources)
}
