package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentkernel-io/agentkernel/coreengine/envelope"
)

// =============================================================================
// Test Logger
// =============================================================================

type testLogger struct {
	logs []string
	mu   sync.Mutex
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, "DEBUG: "+msg)
}

func (l *testLogger) Info(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, "INFO: "+msg)
}

func (l *testLogger) Warn(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, "WARN: "+msg)
}

func (l *testLogger) Error(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, "ERROR: "+msg)
}

func strPtr(s string) *string { return &s }

// =============================================================================
// Quota Types Tests
// =============================================================================

func TestDefaultQuota(t *testing.T) {
	q := DefaultQuota()

	assert.Equal(t, 65536, q.MaxTotalTokens)
	assert.Equal(t, 10, q.MaxLLMCalls)
	assert.Equal(t, 50, q.MaxToolCalls)
	assert.Equal(t, 21, q.MaxAgentHops)
	assert.Equal(t, 3, q.MaxIterations)
	assert.Equal(t, 300, q.MaxExecutionSeconds)
	assert.Equal(t, 100, q.MaxInferenceRequests)
	assert.Equal(t, 4, q.MaxConcurrentInference)
}

func TestResourceQuota_Limit(t *testing.T) {
	q := DefaultQuota()

	assert.Equal(t, q.MaxLLMCalls, q.Limit(DimLLMCalls))
	assert.Equal(t, q.MaxToolCalls, q.Limit(DimToolCalls))
	assert.Equal(t, q.MaxAgentHops, q.Limit(DimAgentHops))
	assert.Equal(t, q.MaxTotalTokens, q.Limit(DimTotalTokens))
	assert.Equal(t, q.MaxConcurrentInference, q.Limit(DimConcurrentInference))
	assert.Equal(t, 0, q.Limit("nonexistent_dimension"))
}

func TestResourceUsage_CountAndAdd(t *testing.T) {
	u := &ResourceUsage{}

	u.Add(DimLLMCalls, 3)
	u.Add(DimTotalTokens, 500)
	u.Add(DimConcurrentInference, 2)
	u.Add(DimConcurrentInference, -1)

	assert.Equal(t, 3, u.Count(DimLLMCalls))
	assert.Equal(t, 500, u.Count(DimTotalTokens))
	assert.Equal(t, 1, u.Count(DimConcurrentInference))
	assert.Equal(t, 0, u.Count("nonexistent_dimension"))
}

func TestResourceUsage_ExceedsQuota(t *testing.T) {
	q := &ResourceQuota{
		MaxTotalTokens:         1000,
		MaxLLMCalls:            5,
		MaxToolCalls:           10,
		MaxAgentHops:           20,
		MaxIterations:          3,
		MaxExecutionSeconds:    60,
		MaxInferenceRequests:   50,
		MaxInferenceInputChars: 10000,
		MaxConcurrentInference: 2,
	}

	u := &ResourceUsage{LLMCalls: 5}
	assert.Equal(t, "", u.ExceedsQuota(q), "at the limit is still within quota")

	u.LLMCalls = 6
	assert.Equal(t, "max_llm_calls_exceeded", u.ExceedsQuota(q))

	u = &ResourceUsage{AgentHops: 21}
	assert.Equal(t, "max_agent_hops_exceeded", u.ExceedsQuota(q))

	u = &ResourceUsage{ElapsedSeconds: 61}
	assert.Equal(t, "timeout_exceeded", u.ExceedsQuota(q))

	u = &ResourceUsage{ConcurrentInference: 3}
	assert.Equal(t, "max_concurrent_inference_exceeded", u.ExceedsQuota(q))
}

func TestResourceUsage_ExceedsQuota_ZeroLimitIsUnlimited(t *testing.T) {
	// Dimensions left at zero never deny, same as CheckAndReserve.
	q := &ResourceQuota{MaxLLMCalls: 5}

	u := &ResourceUsage{
		LLMCalls:          3,
		InferenceRequests: 100,
		TotalTokens:       1 << 20,
		ElapsedSeconds:    3600,
	}
	assert.Equal(t, "", u.ExceedsQuota(q))

	u.LLMCalls = 6
	assert.Equal(t, "max_llm_calls_exceeded", u.ExceedsQuota(q))
}

func TestProcessControlBlock_Lifecycle(t *testing.T) {
	pcb := NewProcessControlBlock("pid-1", "req-1", "user-1", "sess-1")

	assert.Equal(t, ProcessStateNew, pcb.State)
	assert.True(t, pcb.CanSchedule())
	assert.False(t, pcb.IsTerminated())

	pcb.Start()
	assert.Equal(t, ProcessStateRunning, pcb.State)
	require.NotNil(t, pcb.StartedAt)

	pcb.Wait(envelope.InterruptKindClarification)
	assert.Equal(t, ProcessStateWaiting, pcb.State)
	require.NotNil(t, pcb.PendingInterrupt)
	assert.Equal(t, envelope.InterruptKindClarification, *pcb.PendingInterrupt)

	pcb.Resume()
	assert.Equal(t, ProcessStateReady, pcb.State)
	assert.Nil(t, pcb.PendingInterrupt)

	pcb.Complete()
	assert.True(t, pcb.IsTerminated())
	require.NotNil(t, pcb.CompletedAt)
}

func TestProcessControlBlock_RecordLLMCall(t *testing.T) {
	pcb := NewProcessControlBlock("pid-1", "req-1", "user-1", "sess-1")

	pcb.RecordLLMCall(100, 50)
	pcb.RecordLLMCall(200, 100)

	assert.Equal(t, 2, pcb.Usage.LLMCalls)
	assert.Equal(t, 2, pcb.Usage.InferenceRequests)
	assert.Equal(t, 450, pcb.Usage.TotalTokens)
	assert.Equal(t, "", pcb.CheckQuota())
}

// =============================================================================
// QuotaTracker Tests
// =============================================================================

func TestQuotaTracker_Allocate(t *testing.T) {
	tracker := NewQuotaTracker(nil, nil)

	assert.True(t, tracker.Allocate("pid-1", nil))
	assert.False(t, tracker.Allocate("pid-1", nil), "duplicate allocation should fail")
	assert.True(t, tracker.IsTracked("pid-1"))
	assert.Equal(t, 1, tracker.GetProcessCount())
}

func TestQuotaTracker_CheckAndReserve_DeniesAtCeiling(t *testing.T) {
	tracker := NewQuotaTracker(nil, nil)
	tracker.Allocate("pid-1", &ResourceQuota{MaxLLMCalls: 2, MaxExecutionSeconds: 300})

	d := tracker.CheckAndReserve("pid-1", DimLLMCalls, 1)
	assert.True(t, d.Allowed)

	d = tracker.CheckAndReserve("pid-1", DimLLMCalls, 1)
	assert.True(t, d.Allowed)

	// The denial names the dimension, its usage, and its ceiling.
	d = tracker.CheckAndReserve("pid-1", DimLLMCalls, 1)
	assert.False(t, d.Allowed)
	assert.Equal(t, DimLLMCalls, d.Dimension)
	assert.Equal(t, 2, d.Used)
	assert.Equal(t, 2, d.Limit)
	assert.Equal(t, "max_llm_calls_exceeded", d.Reason)
}

func TestQuotaTracker_CheckAndReserve_UnknownProcessAutoCreated(t *testing.T) {
	tracker := NewQuotaTracker(nil, nil)

	d := tracker.CheckAndReserve("fresh-pid", DimToolCalls, 1)
	assert.True(t, d.Allowed)
	assert.True(t, tracker.IsTracked("fresh-pid"))
}

func TestQuotaTracker_CheckAndReserve_ZeroLimitIsUnlimited(t *testing.T) {
	tracker := NewQuotaTracker(nil, nil)
	tracker.Allocate("pid-1", &ResourceQuota{MaxToolCalls: 0})

	for i := 0; i < 100; i++ {
		d := tracker.CheckAndReserve("pid-1", DimToolCalls, 1)
		assert.True(t, d.Allowed)
	}
}

func TestQuotaTracker_CheckAndReserve_DeniedDoesNotConsume(t *testing.T) {
	tracker := NewQuotaTracker(nil, nil)
	tracker.Allocate("pid-1", &ResourceQuota{MaxLLMCalls: 1})

	tracker.CheckAndReserve("pid-1", DimLLMCalls, 1)
	tracker.CheckAndReserve("pid-1", DimLLMCalls, 1) // denied

	usage := tracker.GetUsage("pid-1")
	assert.Equal(t, 1, usage.LLMCalls, "denied reservation must not count")
}

func TestQuotaTracker_Release(t *testing.T) {
	tracker := NewQuotaTracker(nil, nil)
	tracker.Allocate("pid-1", nil)

	tracker.CheckAndReserve("pid-1", DimConcurrentInference, 2)
	tracker.Release("pid-1", DimConcurrentInference, 1)
	assert.Equal(t, 1, tracker.GetUsage("pid-1").ConcurrentInference)

	// Over-release floors at zero
	tracker.Release("pid-1", DimConcurrentInference, 10)
	assert.Equal(t, 0, tracker.GetUsage("pid-1").ConcurrentInference)

	// Release for unknown pid is a no-op
	tracker.Release("unknown", DimConcurrentInference, 1)
}

func TestQuotaTracker_Finalize(t *testing.T) {
	tracker := NewQuotaTracker(nil, nil)
	tracker.Allocate("pid-1", nil)
	tracker.RecordLLMCall("pid-1", 100, 50)
	tracker.RecordToolCall("pid-1")

	final := tracker.Finalize("pid-1")
	require.NotNil(t, final)
	assert.Equal(t, 1, final.LLMCalls)
	assert.Equal(t, 1, final.ToolCalls)
	assert.Equal(t, 150, final.TotalTokens)
	assert.False(t, tracker.IsTracked("pid-1"))

	// Usage folded into system counters
	sys := tracker.GetSystemUsage()
	assert.Equal(t, 1, sys.SystemLLMCalls)
	assert.Equal(t, 1, sys.SystemToolCalls)
	assert.Equal(t, 150, sys.SystemTokens)
	assert.Equal(t, 0, sys.ActiveProcesses)
	assert.Equal(t, 1, sys.TotalProcesses)

	assert.Nil(t, tracker.Finalize("pid-1"), "second finalize returns nil")
}

func TestQuotaTracker_RecordLLMCall(t *testing.T) {
	tracker := NewQuotaTracker(nil, nil)
	tracker.Allocate("pid-1", nil)

	usage := tracker.RecordLLMCall("pid-1", 100, 50)
	assert.Equal(t, 1, usage.LLMCalls)
	assert.Equal(t, 1, usage.InferenceRequests)
	assert.Equal(t, 150, usage.TotalTokens)
}

func TestQuotaTracker_RecordUsage(t *testing.T) {
	tracker := NewQuotaTracker(nil, nil)

	usage := tracker.RecordUsage("pid-1", 2, 3, 1, 400)
	assert.Equal(t, 2, usage.LLMCalls)
	assert.Equal(t, 3, usage.ToolCalls)
	assert.Equal(t, 1, usage.AgentHops)
	assert.Equal(t, 400, usage.TotalTokens)
}

func TestQuotaTracker_CheckQuota(t *testing.T) {
	tracker := NewQuotaTracker(nil, nil)
	tracker.Allocate("pid-1", &ResourceQuota{MaxLLMCalls: 2, MaxExecutionSeconds: 300})

	assert.Equal(t, "", tracker.CheckQuota("pid-1"))

	tracker.RecordLLMCall("pid-1", 10, 10)
	tracker.RecordLLMCall("pid-1", 10, 10)
	tracker.RecordLLMCall("pid-1", 10, 10)
	assert.Equal(t, "max_llm_calls_exceeded", tracker.CheckQuota("pid-1"))

	assert.Equal(t, "", tracker.CheckQuota("untracked"), "untracked means unlimited")
}

func TestQuotaTracker_GetRemainingBudget(t *testing.T) {
	tracker := NewQuotaTracker(nil, nil)
	tracker.Allocate("pid-1", &ResourceQuota{
		MaxTotalTokens:      1000,
		MaxLLMCalls:         10,
		MaxToolCalls:        20,
		MaxAgentHops:        5,
		MaxIterations:       3,
		MaxExecutionSeconds: 300,
	})
	tracker.RecordUsage("pid-1", 4, 5, 2, 600)

	budget := tracker.GetRemainingBudget("pid-1")
	require.NotNil(t, budget)
	assert.Equal(t, 400, budget.TotalTokens)
	assert.Equal(t, 6, budget.LLMCalls)
	assert.Equal(t, 15, budget.ToolCalls)
	assert.Equal(t, 3, budget.AgentHops)
	assert.Greater(t, budget.TimeSeconds, 0.0)

	assert.Nil(t, tracker.GetRemainingBudget("unknown"))
}

func TestQuotaTracker_AdjustQuota(t *testing.T) {
	tracker := NewQuotaTracker(nil, nil)
	tracker.Allocate("pid-1", nil)

	err := tracker.AdjustQuota("pid-1", map[string]int{
		"max_llm_calls":    99,
		"max_total_tokens": 1 << 20,
	})
	require.NoError(t, err)

	q := tracker.GetQuota("pid-1")
	assert.Equal(t, 99, q.MaxLLMCalls)
	assert.Equal(t, 1<<20, q.MaxTotalTokens)

	assert.Error(t, tracker.AdjustQuota("unknown", map[string]int{"max_llm_calls": 1}))
}

func TestQuotaTracker_GetAllUsage(t *testing.T) {
	tracker := NewQuotaTracker(nil, nil)
	tracker.RecordToolCall("pid-1")
	tracker.RecordToolCall("pid-2")

	all := tracker.GetAllUsage()
	assert.Len(t, all, 2)
	assert.Equal(t, 1, all["pid-1"].ToolCalls)
}

// =============================================================================
// Sliding Window Tests
// =============================================================================

func TestSlidingWindow_RecordAndCount(t *testing.T) {
	w := NewSlidingWindow(60)
	now := float64(1000000)

	assert.Equal(t, 1, w.Record(now))
	assert.Equal(t, 2, w.Record(now+1))
	assert.Equal(t, 2, w.GetCount(now+2))
}

func TestSlidingWindow_OldRequestsExpire(t *testing.T) {
	w := NewSlidingWindow(60)
	now := float64(1000000)

	w.Record(now)
	w.Record(now + 1)

	// Past the window plus a bucket, nothing counts
	assert.Equal(t, 0, w.GetCount(now+70))
}

func TestSlidingWindow_TimeUntilSlotAvailable(t *testing.T) {
	w := NewSlidingWindow(60)
	now := float64(1000000)

	assert.Equal(t, 0.0, w.TimeUntilSlotAvailable(now, 5), "below limit needs no wait")

	for i := 0; i < 5; i++ {
		w.Record(now)
	}
	retryAfter := w.TimeUntilSlotAvailable(now, 5)
	assert.Greater(t, retryAfter, 0.0, "at limit the wait must be positive")
	assert.LessOrEqual(t, retryAfter, 66.0)
}

func TestSlidingWindow_IsEmpty(t *testing.T) {
	w := NewSlidingWindow(60)
	assert.True(t, w.IsEmpty())

	w.Record(float64(1000000))
	assert.False(t, w.IsEmpty())
}

// =============================================================================
// Rate Limiter Tests
// =============================================================================

func TestRateLimiter_DefaultsWhenNil(t *testing.T) {
	rl := NewRateLimiter(nil)
	cfg := rl.GetConfig("user-1", "")

	assert.Equal(t, 60, cfg.RequestsPerMinute)
	assert.Equal(t, 1000, cfg.RequestsPerHour)
	assert.Equal(t, 10, cfg.BurstSize)
}

func TestRateLimiter_MinuteLimitDenies(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{RequestsPerMinute: 3})

	for i := 0; i < 3; i++ {
		result := rl.CheckRateLimit("user-1", "/api/chat", true)
		assert.True(t, result.Allowed, "request %d should pass", i+1)
	}

	result := rl.CheckRateLimit("user-1", "/api/chat", true)
	assert.False(t, result.Allowed)
	assert.True(t, result.Exceeded)
	assert.Equal(t, "minute", result.LimitType)
	assert.Equal(t, 3, result.Current)
	assert.Equal(t, 3, result.Limit)
	assert.Greater(t, result.RetryAfter, 0.0)
}

func TestRateLimiter_BurstTierWinsOverMinute(t *testing.T) {
	// Three rapid calls against a 5/minute limit with a burst size of 2.
	// The third call is denied by the burst tier, not the minute tier,
	// and carries a positive retry-after.
	rl := NewRateLimiter(&RateLimitConfig{
		RequestsPerMinute: 5,
		BurstSize:         2,
	})

	assert.True(t, rl.CheckRateLimit("user-1", "/api/chat", true).Allowed)
	assert.True(t, rl.CheckRateLimit("user-1", "/api/chat", true).Allowed)

	result := rl.CheckRateLimit("user-1", "/api/chat", true)
	assert.False(t, result.Allowed)
	assert.Equal(t, "burst", result.LimitType)
	assert.Equal(t, 2, result.Current)
	assert.Equal(t, 2, result.Limit)
	assert.Greater(t, result.RetryAfter, 0.0)
}

func TestRateLimiter_DryRunDoesNotConsume(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{RequestsPerMinute: 2})

	// Dry runs are free
	for i := 0; i < 10; i++ {
		result := rl.CheckRateLimit("user-1", "/api/chat", false)
		assert.True(t, result.Allowed)
	}

	// Recorded requests still have the full budget
	assert.True(t, rl.CheckRateLimit("user-1", "/api/chat", true).Allowed)
	assert.True(t, rl.CheckRateLimit("user-1", "/api/chat", true).Allowed)
	assert.False(t, rl.CheckRateLimit("user-1", "/api/chat", true).Allowed)

	// A dry run against an exhausted budget still reports the denial
	result := rl.CheckRateLimit("user-1", "/api/chat", false)
	assert.False(t, result.Allowed)
}

func TestRateLimiter_RemainingDecrements(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{RequestsPerMinute: 5})

	result := rl.CheckRateLimit("user-1", "/api/chat", true)
	assert.Equal(t, 4, result.Remaining)

	result = rl.CheckRateLimit("user-1", "/api/chat", true)
	assert.Equal(t, 3, result.Remaining)
}

func TestRateLimiter_ConfigPrecedence(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{RequestsPerMinute: 100})
	rl.SetUserLimits("vip", &RateLimitConfig{RequestsPerMinute: 50})
	rl.SetEndpointLimits("/api/expensive", &RateLimitConfig{RequestsPerMinute: 2})

	// Endpoint config beats user config
	cfg := rl.GetConfig("vip", "/api/expensive")
	assert.Equal(t, 2, cfg.RequestsPerMinute)

	// User config beats default
	cfg = rl.GetConfig("vip", "/api/cheap")
	assert.Equal(t, 50, cfg.RequestsPerMinute)

	// Default otherwise
	cfg = rl.GetConfig("anon", "/api/cheap")
	assert.Equal(t, 100, cfg.RequestsPerMinute)
}

func TestRateLimiter_UsersAreIsolated(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{RequestsPerMinute: 1})

	assert.True(t, rl.CheckRateLimit("user-a", "/api/chat", true).Allowed)
	assert.False(t, rl.CheckRateLimit("user-a", "/api/chat", true).Allowed)
	assert.True(t, rl.CheckRateLimit("user-b", "/api/chat", true).Allowed)
}

func TestRateLimiter_DisabledTiersAlwaysAllow(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{})

	for i := 0; i < 50; i++ {
		assert.True(t, rl.CheckRateLimit("user-1", "/api/chat", true).Allowed)
	}
}

func TestRateLimiter_GetUsage(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{
		RequestsPerMinute: 10,
		RequestsPerHour:   100,
		BurstSize:         5,
	})
	rl.CheckRateLimit("user-1", "/api/chat", true)
	rl.CheckRateLimit("user-1", "/api/chat", true)

	usage := rl.GetUsage("user-1", "/api/chat")
	require.Contains(t, usage, "minute")
	require.Contains(t, usage, "hour")
	require.Contains(t, usage, "burst")
	assert.Equal(t, 2, usage["minute"]["current"])
	assert.Equal(t, 8, usage["minute"]["remaining"])
}

func TestRateLimiter_ResetUser(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{RequestsPerMinute: 1})

	rl.CheckRateLimit("user-1", "/api/chat", true)
	assert.False(t, rl.CheckRateLimit("user-1", "/api/chat", true).Allowed)

	cleared := rl.ResetUser("user-1")
	assert.Greater(t, cleared, 0)
	assert.True(t, rl.CheckRateLimit("user-1", "/api/chat", true).Allowed)
}

// =============================================================================
// Interrupt Service Tests
// =============================================================================

func TestInterruptService_CreateInterrupt(t *testing.T) {
	svc := NewInterruptService(nil, nil)

	interrupt, err := svc.CreateInterrupt(
		envelope.InterruptKindClarification,
		"req-1", "user-1", "sess-1", "env-1",
		WithInterruptQuestion("Which file?"),
	)
	require.NoError(t, err)
	assert.Contains(t, interrupt.ID, "int_")
	assert.Equal(t, InterruptStatusPending, interrupt.Status)
	assert.Equal(t, "Which file?", interrupt.Question)
	require.NotNil(t, interrupt.ExpiresAt, "clarifications carry a TTL")
	assert.Equal(t, interrupt, svc.GetPendingForRequest("req-1"))
}

func TestInterruptService_OnePendingPerRequest(t *testing.T) {
	svc := NewInterruptService(nil, nil)

	_, err := svc.CreateInterrupt(envelope.InterruptKindClarification, "req-1", "user-1", "sess-1", "env-1")
	require.NoError(t, err)

	_, err = svc.CreateInterrupt(envelope.InterruptKindConfirmation, "req-1", "user-1", "sess-1", "env-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has pending interrupt")

	// Other requests are unaffected
	_, err = svc.CreateInterrupt(envelope.InterruptKindConfirmation, "req-2", "user-1", "sess-1", "env-2")
	assert.NoError(t, err)
}

func TestInterruptService_Resolve(t *testing.T) {
	svc := NewInterruptService(nil, nil)

	interrupt, err := svc.CreateInterrupt(envelope.InterruptKindClarification, "req-1", "user-1", "sess-1", "env-1")
	require.NoError(t, err)

	resolved, err := svc.Resolve(interrupt.ID, &envelope.InterruptResponse{Text: strPtr("main.go")}, "user-1")
	require.NoError(t, err)
	assert.Equal(t, InterruptStatusResolved, resolved.Status)
	require.NotNil(t, resolved.Response)
	require.NotNil(t, resolved.Response.Text)
	assert.Equal(t, "main.go", *resolved.Response.Text)
	assert.False(t, resolved.Response.ReceivedAt.IsZero())
	require.NotNil(t, resolved.ResolvedAt)

	assert.Nil(t, svc.GetPendingForRequest("req-1"))
}

func TestInterruptService_DoubleResolveIsError(t *testing.T) {
	svc := NewInterruptService(nil, nil)

	interrupt, err := svc.CreateInterrupt(envelope.InterruptKindConfirmation, "req-1", "user-1", "sess-1", "env-1")
	require.NoError(t, err)

	_, err = svc.Resolve(interrupt.ID, &envelope.InterruptResponse{}, "user-1")
	require.NoError(t, err)

	// The second resolve does not change state, it just errors.
	_, err = svc.Resolve(interrupt.ID, &envelope.InterruptResponse{Text: strPtr("again")}, "user-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not pending")
	assert.Nil(t, svc.GetInterrupt(interrupt.ID).Response.Text)
}

func TestInterruptService_ResolveUnknownIsError(t *testing.T) {
	svc := NewInterruptService(nil, nil)

	_, err := svc.Resolve("int_nonexistent", &envelope.InterruptResponse{}, "user-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestInterruptService_ResolveUserMismatch(t *testing.T) {
	svc := NewInterruptService(nil, nil)

	interrupt, err := svc.CreateInterrupt(envelope.InterruptKindConfirmation, "req-1", "user-1", "sess-1", "env-1")
	require.NoError(t, err)

	_, err = svc.Resolve(interrupt.ID, &envelope.InterruptResponse{}, "user-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not belong")

	// Empty userID skips the ownership check
	_, err = svc.Resolve(interrupt.ID, &envelope.InterruptResponse{}, "")
	assert.NoError(t, err)
}

func TestInterruptService_Cancel(t *testing.T) {
	svc := NewInterruptService(nil, nil)

	interrupt, err := svc.CreateInterrupt(envelope.InterruptKindEscalation, "req-1", "user-1", "sess-1", "env-1")
	require.NoError(t, err)

	cancelled := svc.Cancel(interrupt.ID, "request aborted")
	require.NotNil(t, cancelled)
	assert.Equal(t, InterruptStatusCancelled, cancelled.Status)
	assert.Equal(t, "request aborted", cancelled.Data["cancel_reason"])

	assert.Nil(t, svc.Cancel(interrupt.ID, "again"), "cancel of non-pending returns nil")
}

func TestInterruptService_ExpirePendingSurfacesDenial(t *testing.T) {
	svc := NewInterruptService(nil, nil)

	interrupt, err := svc.CreateInterrupt(envelope.InterruptKindConfirmation, "req-1", "user-1", "sess-1", "env-1")
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Minute)
	interrupt.ExpiresAt = &past

	expired := svc.ExpirePending()
	require.Len(t, expired, 1)
	assert.Equal(t, InterruptStatusExpired, expired[0].Status)

	// Expiry is a timed-out denial, not a silent drop.
	require.NotNil(t, expired[0].Response)
	require.NotNil(t, expired[0].Response.Approved)
	assert.False(t, *expired[0].Response.Approved)
	assert.Equal(t, true, expired[0].Response.Data["timed_out"])

	// The request can carry a fresh interrupt afterwards.
	_, err = svc.CreateInterrupt(envelope.InterruptKindConfirmation, "req-1", "user-1", "sess-1", "env-1")
	assert.NoError(t, err)
}

func TestInterruptService_ExpirePendingSkipsUnexpired(t *testing.T) {
	svc := NewInterruptService(nil, nil)

	_, err := svc.CreateInterrupt(envelope.InterruptKindConfirmation, "req-1", "user-1", "sess-1", "env-1")
	require.NoError(t, err)

	assert.Empty(t, svc.ExpirePending())
	assert.Equal(t, 1, svc.GetPendingCount())
}

func TestInterruptService_GetPendingForSession(t *testing.T) {
	svc := NewInterruptService(nil, nil)

	_, err := svc.CreateInterrupt(envelope.InterruptKindClarification, "req-1", "user-1", "sess-1", "env-1")
	require.NoError(t, err)
	_, err = svc.CreateInterrupt(envelope.InterruptKindConfirmation, "req-2", "user-1", "sess-1", "env-2")
	require.NoError(t, err)
	_, err = svc.CreateInterrupt(envelope.InterruptKindClarification, "req-3", "user-2", "sess-2", "env-3")
	require.NoError(t, err)

	all := svc.GetPendingForSession("sess-1", nil)
	assert.Len(t, all, 2)

	onlyConfirmations := svc.GetPendingForSession("sess-1", []envelope.InterruptKind{envelope.InterruptKindConfirmation})
	require.Len(t, onlyConfirmations, 1)
	assert.Equal(t, envelope.InterruptKindConfirmation, onlyConfirmations[0].Kind)
}

func TestInterruptService_RateLimitPauseConvenience(t *testing.T) {
	svc := NewInterruptService(nil, nil)

	interrupt, err := svc.CreateRateLimitPause("req-1", "user-1", "sess-1", "env-1", "burst", 1.5)
	require.NoError(t, err)
	assert.Equal(t, envelope.InterruptKindRateLimitPause, interrupt.Kind)
	assert.Equal(t, "burst", interrupt.Data["limit_type"])
	assert.Equal(t, 1.5, interrupt.Data["retry_after_seconds"])
}

func TestInterruptService_QuotaPauseConvenience(t *testing.T) {
	svc := NewInterruptService(nil, nil)

	interrupt, err := svc.CreateQuotaPause("req-1", "user-1", "sess-1", "env-1", DimAgentHops, 21, 21)
	require.NoError(t, err)
	assert.Equal(t, envelope.InterruptKindQuotaPause, interrupt.Kind)
	assert.Equal(t, DimAgentHops, interrupt.Data["dimension"])
	assert.Equal(t, 21, interrupt.Data["used"])
}

func TestInterruptService_CleanupResolved(t *testing.T) {
	svc := NewInterruptService(nil, nil)

	interrupt, err := svc.CreateInterrupt(envelope.InterruptKindClarification, "req-1", "user-1", "sess-1", "env-1")
	require.NoError(t, err)
	_, err = svc.Resolve(interrupt.ID, &envelope.InterruptResponse{}, "user-1")
	require.NoError(t, err)

	interrupt.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)

	count := svc.CleanupResolved(24 * time.Hour)
	assert.Equal(t, 1, count)
	assert.Nil(t, svc.GetInterrupt(interrupt.ID))
}

func TestInterruptService_GetStats(t *testing.T) {
	svc := NewInterruptService(nil, nil)

	a, _ := svc.CreateInterrupt(envelope.InterruptKindClarification, "req-1", "user-1", "sess-1", "env-1")
	_, _ = svc.CreateInterrupt(envelope.InterruptKindConfirmation, "req-2", "user-1", "sess-1", "env-2")
	_, err := svc.Resolve(a.ID, &envelope.InterruptResponse{}, "user-1")
	require.NoError(t, err)

	stats := svc.GetStats()
	assert.Equal(t, 2, stats["total"])
	assert.Equal(t, 1, stats["pending"])
	assert.Equal(t, 1, stats["resolved"])
}

func TestInterruptService_SweepLoop(t *testing.T) {
	svc := NewInterruptService(nil, nil)

	interrupt, err := svc.CreateInterrupt(envelope.InterruptKindConfirmation, "req-1", "user-1", "sess-1", "env-1")
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	interrupt.ExpiresAt = &past

	expiredCh := make(chan []*KernelInterrupt, 1)
	stop := svc.StartSweepLoop(10*time.Millisecond, func(expired []*KernelInterrupt) {
		select {
		case expiredCh <- expired:
		default:
		}
	})
	defer stop()

	select {
	case expired := <-expiredCh:
		require.Len(t, expired, 1)
		assert.Equal(t, InterruptStatusExpired, expired[0].Status)
	case <-time.After(2 * time.Second):
		t.Fatal("sweep loop did not fire")
	}

	// Stop is idempotent
	stop()
	stop()
}

// =============================================================================
// Lifecycle Manager Tests
// =============================================================================

func TestLifecycleManager_SubmitAndSchedule(t *testing.T) {
	lm := NewLifecycleManager(nil, nil)

	pcb, err := lm.Submit("pid-1", "req-1", "user-1", "sess-1", PriorityNormal, nil)
	require.NoError(t, err)
	assert.Equal(t, ProcessStateNew, pcb.State)

	// Resubmitting the same pid returns the existing PCB
	again, err := lm.Submit("pid-1", "req-1", "user-1", "sess-1", PriorityNormal, nil)
	require.NoError(t, err)
	assert.Same(t, pcb, again)

	require.NoError(t, lm.Schedule("pid-1"))
	assert.Equal(t, ProcessStateReady, pcb.State)
	assert.Equal(t, 1, lm.GetQueueDepth())

	// Scheduling twice is invalid
	assert.Error(t, lm.Schedule("pid-1"))
	assert.Error(t, lm.Schedule("unknown"))
}

func TestLifecycleManager_GetNextRunnable(t *testing.T) {
	lm := NewLifecycleManager(nil, nil)

	assert.Nil(t, lm.GetNextRunnable(), "empty queue yields nil")

	_, _ = lm.Submit("pid-1", "req-1", "user-1", "sess-1", PriorityNormal, nil)
	require.NoError(t, lm.Schedule("pid-1"))

	pcb := lm.GetNextRunnable()
	require.NotNil(t, pcb)
	assert.Equal(t, "pid-1", pcb.PID)
	assert.Equal(t, ProcessStateRunning, pcb.State)
	require.NotNil(t, pcb.StartedAt)
}

func TestLifecycleManager_PriorityOrdering(t *testing.T) {
	lm := NewLifecycleManager(nil, nil)

	for _, p := range []struct {
		pid      string
		priority SchedulingPriority
	}{
		{"pid-low", PriorityLow},
		{"pid-realtime", PriorityRealtime},
		{"pid-normal", PriorityNormal},
		{"pid-high", PriorityHigh},
	} {
		_, _ = lm.Submit(p.pid, "req", "user", "sess", p.priority, nil)
		require.NoError(t, lm.Schedule(p.pid))
	}

	var order []string
	for pcb := lm.GetNextRunnable(); pcb != nil; pcb = lm.GetNextRunnable() {
		order = append(order, pcb.PID)
	}
	assert.Equal(t, []string{"pid-realtime", "pid-high", "pid-normal", "pid-low"}, order)
}

func TestLifecycleManager_FIFOWithinPriority(t *testing.T) {
	lm := NewLifecycleManager(nil, nil)

	for i := 0; i < 3; i++ {
		pid := fmt.Sprintf("pid-%d", i)
		_, _ = lm.Submit(pid, "req", "user", "sess", PriorityNormal, nil)
		require.NoError(t, lm.Schedule(pid))
		time.Sleep(time.Millisecond)
	}

	assert.Equal(t, "pid-0", lm.GetNextRunnable().PID)
	assert.Equal(t, "pid-1", lm.GetNextRunnable().PID)
	assert.Equal(t, "pid-2", lm.GetNextRunnable().PID)
}

func TestLifecycleManager_TransitionState(t *testing.T) {
	lm := NewLifecycleManager(nil, nil)
	_, _ = lm.Submit("pid-1", "req-1", "user-1", "sess-1", PriorityNormal, nil)
	require.NoError(t, lm.Schedule("pid-1"))
	lm.GetNextRunnable()

	// RUNNING -> WAITING -> READY is valid
	require.NoError(t, lm.TransitionState("pid-1", ProcessStateWaiting, "interrupt"))
	require.NoError(t, lm.TransitionState("pid-1", ProcessStateReady, "resolved"))

	// READY -> WAITING is not
	assert.Error(t, lm.TransitionState("pid-1", ProcessStateWaiting, "bad"))

	assert.Error(t, lm.TransitionState("unknown", ProcessStateReady, ""))
}

func TestLifecycleManager_TransitionToTerminatedStampsCompletion(t *testing.T) {
	lm := NewLifecycleManager(nil, nil)
	_, _ = lm.Submit("pid-1", "req-1", "user-1", "sess-1", PriorityNormal, nil)
	require.NoError(t, lm.Schedule("pid-1"))
	pcb := lm.GetNextRunnable()

	require.NoError(t, lm.TransitionState("pid-1", ProcessStateTerminated, "done"))
	require.NotNil(t, pcb.CompletedAt)
	assert.GreaterOrEqual(t, pcb.Usage.ElapsedSeconds, 0.0)
}

func TestLifecycleManager_Terminate(t *testing.T) {
	lm := NewLifecycleManager(nil, nil)
	_, _ = lm.Submit("pid-1", "req-1", "user-1", "sess-1", PriorityNormal, nil)
	require.NoError(t, lm.Schedule("pid-1"))
	lm.GetNextRunnable()

	// Running processes need force
	assert.Error(t, lm.Terminate("pid-1", "test", false))
	require.NoError(t, lm.Terminate("pid-1", "test", true))

	// Terminating again is a no-op
	assert.NoError(t, lm.Terminate("pid-1", "test", false))
	assert.Error(t, lm.Terminate("unknown", "test", true))
}

func TestLifecycleManager_Cleanup(t *testing.T) {
	lm := NewLifecycleManager(nil, nil)
	_, _ = lm.Submit("pid-1", "req-1", "user-1", "sess-1", PriorityNormal, nil)

	assert.Error(t, lm.Cleanup("pid-1"), "active processes cannot be cleaned up")

	require.NoError(t, lm.Terminate("pid-1", "test", true))
	require.NoError(t, lm.Cleanup("pid-1"))
	assert.Nil(t, lm.GetProcess("pid-1"))
}

func TestLifecycleManager_ListProcesses(t *testing.T) {
	lm := NewLifecycleManager(nil, nil)
	_, _ = lm.Submit("pid-1", "req-1", "user-a", "sess-1", PriorityNormal, nil)
	_, _ = lm.Submit("pid-2", "req-2", "user-b", "sess-2", PriorityNormal, nil)
	require.NoError(t, lm.Schedule("pid-2"))

	assert.Len(t, lm.ListProcesses(nil, ""), 2)
	assert.Len(t, lm.ListProcesses(nil, "user-a"), 1)

	ready := ProcessStateReady
	assert.Len(t, lm.ListProcesses(&ready, ""), 1)

	counts := lm.GetProcessCount()
	assert.Equal(t, 1, counts[ProcessStateNew])
	assert.Equal(t, 1, counts[ProcessStateReady])
	assert.Equal(t, 2, lm.GetTotalProcesses())
}

func TestIsValidTransition(t *testing.T) {
	assert.True(t, IsValidTransition(ProcessStateNew, ProcessStateReady))
	assert.True(t, IsValidTransition(ProcessStateRunning, ProcessStateWaiting))
	assert.True(t, IsValidTransition(ProcessStateBlocked, ProcessStateReady))
	assert.True(t, IsValidTransition(ProcessStateTerminated, ProcessStateZombie))

	assert.False(t, IsValidTransition(ProcessStateNew, ProcessStateRunning))
	assert.False(t, IsValidTransition(ProcessStateZombie, ProcessStateReady))
	assert.False(t, IsValidTransition(ProcessStateTerminated, ProcessStateReady))
}

// =============================================================================
// Service Registry Tests
// =============================================================================

func TestServiceRegistry_RegisterAndDiscover(t *testing.T) {
	sr := NewServiceRegistry(nil)

	info := NewServiceInfo("runner", ServiceTypePipeline)
	assert.True(t, sr.RegisterService(info))
	assert.False(t, sr.RegisterService(info), "duplicate registration fails")

	assert.True(t, sr.HasService("runner"))
	assert.False(t, sr.HasService("missing"))

	// GetService returns a clone
	clone := sr.GetService("runner")
	require.NotNil(t, clone)
	clone.CurrentLoad = 99
	assert.Equal(t, 0, sr.GetLoad("runner"))

	assert.True(t, sr.UnregisterService("runner"))
	assert.False(t, sr.UnregisterService("runner"))
}

func TestServiceRegistry_ListServices(t *testing.T) {
	sr := NewServiceRegistry(nil)
	sr.RegisterService(NewServiceInfo("runner", ServiceTypePipeline))
	sr.RegisterService(NewServiceInfo("embedder", ServiceTypeInference))
	sr.UpdateHealth("embedder", ServiceStatusUnhealthy)

	assert.Len(t, sr.ListServices("", false), 2)
	assert.Len(t, sr.ListServices(ServiceTypePipeline, false), 1)
	assert.Len(t, sr.ListServices("", true), 1)
	assert.Equal(t, 1, sr.GetHealthyCount())
}

func TestServiceRegistry_Heartbeat(t *testing.T) {
	sr := NewServiceRegistry(nil)
	sr.RegisterService(NewServiceInfo("runner", ServiceTypePipeline))
	sr.UpdateHealth("runner", ServiceStatusUnhealthy)

	assert.True(t, sr.Heartbeat("runner"))
	assert.Equal(t, ServiceStatusHealthy, sr.GetService("runner").Status)
	assert.False(t, sr.Heartbeat("missing"))
}

func TestServiceRegistry_MarkStale(t *testing.T) {
	sr := NewServiceRegistry(nil)
	sr.RegisterService(NewServiceInfo("runner", ServiceTypePipeline))

	// Fresh heartbeat, nothing stale
	sr.Heartbeat("runner")
	assert.Equal(t, 0, sr.MarkStale(time.Hour))

	// Anything older than 0s is stale
	time.Sleep(time.Millisecond)
	assert.Equal(t, 1, sr.MarkStale(0))
	assert.Equal(t, ServiceStatusUnknown, sr.GetService("runner").Status)
}

func TestServiceRegistry_LoadTracking(t *testing.T) {
	sr := NewServiceRegistry(nil)
	info := NewServiceInfo("runner", ServiceTypePipeline)
	info.MaxConcurrent = 2
	sr.RegisterService(info)

	assert.True(t, sr.IncrementLoad("runner"))
	assert.True(t, sr.IncrementLoad("runner"))
	assert.False(t, sr.IncrementLoad("runner"), "at capacity")

	sr.DecrementLoad("runner")
	assert.Equal(t, 1, sr.GetLoad("runner"))
	assert.Equal(t, -1, sr.GetLoad("missing"))
}

func TestServiceRegistry_Dispatch(t *testing.T) {
	sr := NewServiceRegistry(nil)
	sr.RegisterService(NewServiceInfo("runner", ServiceTypePipeline))
	sr.RegisterHandler("runner", func(ctx context.Context, target *DispatchTarget, data map[string]any) (*DispatchResult, error) {
		return &DispatchResult{Success: true, Data: map[string]any{"echo": data["input"]}}, nil
	})

	result := sr.Dispatch(context.Background(), &DispatchTarget{ServiceName: "runner", Method: "run"}, map[string]any{"input": "hello"})
	require.True(t, result.Success)
	assert.Equal(t, "hello", result.Data["echo"])
}

func TestServiceRegistry_DispatchErrors(t *testing.T) {
	sr := NewServiceRegistry(nil)

	result := sr.Dispatch(context.Background(), &DispatchTarget{ServiceName: "ghost"}, nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "unknown service")

	// Registered but no handler
	sr.RegisterService(NewServiceInfo("runner", ServiceTypePipeline))
	result = sr.Dispatch(context.Background(), &DispatchTarget{ServiceName: "runner"}, nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "no handler")

	// Unhealthy service
	sr.UpdateHealth("runner", ServiceStatusUnhealthy)
	result = sr.Dispatch(context.Background(), &DispatchTarget{ServiceName: "runner"}, nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "unhealthy")
}

func TestServiceRegistry_DispatchRetries(t *testing.T) {
	sr := NewServiceRegistry(nil)
	sr.RegisterService(NewServiceInfo("flaky", ServiceTypeWorker))

	attempts := 0
	sr.RegisterHandler("flaky", func(ctx context.Context, target *DispatchTarget, data map[string]any) (*DispatchResult, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient failure")
		}
		return &DispatchResult{Success: true}, nil
	})

	result := sr.Dispatch(context.Background(), &DispatchTarget{ServiceName: "flaky", MaxRetries: 3}, nil)
	assert.True(t, result.Success)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, result.Retries)
}

func TestServiceRegistry_DispatchRetriesExhausted(t *testing.T) {
	sr := NewServiceRegistry(nil)
	sr.RegisterService(NewServiceInfo("broken", ServiceTypeWorker))
	sr.RegisterHandler("broken", func(ctx context.Context, target *DispatchTarget, data map[string]any) (*DispatchResult, error) {
		return nil, errors.New("permanent failure")
	})

	result := sr.Dispatch(context.Background(), &DispatchTarget{ServiceName: "broken", MaxRetries: 2}, nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "permanent failure")
	assert.Equal(t, 2, result.Retries)
}

func TestServiceRegistry_GetStats(t *testing.T) {
	sr := NewServiceRegistry(nil)
	sr.RegisterService(NewServiceInfo("runner", ServiceTypePipeline))
	sr.RegisterHandler("runner", func(ctx context.Context, target *DispatchTarget, data map[string]any) (*DispatchResult, error) {
		return &DispatchResult{Success: true}, nil
	})

	stats := sr.GetStats()
	assert.Equal(t, 1, stats["total_services"])

	perService := sr.GetServiceStats()
	require.Contains(t, perService, "runner")
}

// =============================================================================
// Kernel Facade Tests
// =============================================================================

func TestKernel_SubmitAndSchedule(t *testing.T) {
	logger := &testLogger{}
	k := NewKernel(logger, nil)

	var events []*KernelEvent
	var eventMu sync.Mutex
	k.OnEvent(func(e *KernelEvent) {
		eventMu.Lock()
		events = append(events, e)
		eventMu.Unlock()
	})

	pcb, err := k.Submit("pid-1", "req-1", "user-1", "sess-1", PriorityNormal, nil)
	require.NoError(t, err)
	assert.Equal(t, ProcessStateNew, pcb.State)
	assert.True(t, k.Resources().IsTracked("pid-1"))

	require.NoError(t, k.Schedule("pid-1"))

	eventMu.Lock()
	defer eventMu.Unlock()
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, KernelEventProcessCreated, events[0].EventType)
	assert.Equal(t, KernelEventProcessStateChanged, events[1].EventType)
}

func TestKernel_CheckAndReserveEmitsExhaustionEvent(t *testing.T) {
	k := NewKernel(nil, &KernelConfig{
		DefaultQuota:     &ResourceQuota{MaxLLMCalls: 1, MaxExecutionSeconds: 300},
		DefaultRateLimit: DefaultRateLimitConfig(),
	})

	var exhausted []*KernelEvent
	var mu sync.Mutex
	k.OnEvent(func(e *KernelEvent) {
		if e.EventType == KernelEventResourceExhausted {
			mu.Lock()
			exhausted = append(exhausted, e)
			mu.Unlock()
		}
	})

	_, err := k.Submit("pid-1", "req-1", "user-1", "sess-1", PriorityNormal, nil)
	require.NoError(t, err)

	assert.True(t, k.CheckAndReserve("pid-1", DimLLMCalls, 1).Allowed)

	d := k.CheckAndReserve("pid-1", DimLLMCalls, 1)
	assert.False(t, d.Allowed)
	assert.Equal(t, "max_llm_calls_exceeded", d.Reason)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, exhausted, 1)
	assert.Equal(t, "max_llm_calls_exceeded", exhausted[0].Data["dimension"])
	assert.Equal(t, 1, exhausted[0].Data["usage"])
	assert.Equal(t, 1, exhausted[0].Data["quota"])
}

func TestKernel_CheckRateLimitEmitsEvent(t *testing.T) {
	k := NewKernel(nil, &KernelConfig{
		DefaultQuota:     DefaultQuota(),
		DefaultRateLimit: &RateLimitConfig{RequestsPerMinute: 1},
	})

	var limited []*KernelEvent
	var mu sync.Mutex
	k.OnEvent(func(e *KernelEvent) {
		if e.EventType == KernelEventRateLimited {
			mu.Lock()
			limited = append(limited, e)
			mu.Unlock()
		}
	})

	assert.True(t, k.CheckRateLimit("user-1", "/api/chat", true).Allowed)
	result := k.CheckRateLimit("user-1", "/api/chat", true)
	assert.False(t, result.Allowed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, limited, 1)
	assert.Equal(t, "minute", limited[0].Data["limit_type"])
	assert.Equal(t, "user-1", limited[0].Data["user_id"])
}

func TestKernel_TerminateFinalizesResources(t *testing.T) {
	k := NewKernel(nil, nil)

	_, err := k.Submit("pid-1", "req-1", "user-1", "sess-1", PriorityNormal, nil)
	require.NoError(t, err)
	k.RecordLLMCall("pid-1", 100, 50)

	require.NoError(t, k.Terminate("pid-1", "done", true))

	assert.False(t, k.Resources().IsTracked("pid-1"))
	sys := k.Resources().GetSystemUsage()
	assert.Equal(t, 1, sys.SystemLLMCalls)
	assert.Equal(t, 150, sys.SystemTokens)
}

func TestKernel_RecordLLMCallReportsQuotaBreach(t *testing.T) {
	k := NewKernel(nil, &KernelConfig{
		DefaultQuota:     &ResourceQuota{MaxLLMCalls: 1, MaxTotalTokens: 1 << 20, MaxExecutionSeconds: 300},
		DefaultRateLimit: DefaultRateLimitConfig(),
	})
	_, err := k.Submit("pid-1", "req-1", "user-1", "sess-1", PriorityNormal, nil)
	require.NoError(t, err)

	assert.Equal(t, "", k.RecordLLMCall("pid-1", 10, 10))
	assert.Equal(t, "max_llm_calls_exceeded", k.RecordLLMCall("pid-1", 10, 10))
}

func TestKernel_InterruptRoundTrip(t *testing.T) {
	k := NewKernel(nil, nil)
	_, err := k.Submit("env-1", "req-1", "user-1", "sess-1", PriorityNormal, nil)
	require.NoError(t, err)

	interrupt, err := k.CreateInterrupt(
		envelope.InterruptKindClarification,
		"req-1", "user-1", "sess-1", "env-1",
		WithInterruptQuestion("Which branch?"),
	)
	require.NoError(t, err)
	assert.Equal(t, interrupt, k.GetPendingInterrupt("req-1"))

	// Second pending interrupt for the request is rejected
	_, err = k.CreateInterrupt(envelope.InterruptKindConfirmation, "req-1", "user-1", "sess-1", "env-1")
	require.Error(t, err)

	resolved, err := k.ResolveInterrupt(interrupt.ID, &envelope.InterruptResponse{Text: strPtr("main")}, "user-1")
	require.NoError(t, err)
	assert.Equal(t, InterruptStatusResolved, resolved.Status)
	assert.Nil(t, k.GetPendingInterrupt("req-1"))
}

func TestKernel_DispatchInferenceQuota(t *testing.T) {
	k := NewKernel(nil, &KernelConfig{
		DefaultQuota: &ResourceQuota{
			MaxInferenceRequests:   100,
			MaxInferenceInputChars: 10,
			MaxConcurrentInference: 4,
			MaxExecutionSeconds:    300,
		},
		DefaultRateLimit: DefaultRateLimitConfig(),
	})

	k.RegisterService(NewServiceInfo("embedder", ServiceTypeInference))
	k.RegisterHandler("embedder", func(ctx context.Context, target *DispatchTarget, data map[string]any) (*DispatchResult, error) {
		return &DispatchResult{Success: true}, nil
	})

	_, err := k.Submit("pid-1", "req-1", "user-1", "sess-1", PriorityNormal, nil)
	require.NoError(t, err)

	target := &DispatchTarget{ServiceName: "embedder", Method: "embed"}

	result := k.DispatchInference(context.Background(), "pid-1", target, map[string]any{"text": "short"})
	assert.True(t, result.Success)

	// The concurrency slot was released after the dispatch
	assert.Equal(t, 0, k.GetUsage("pid-1").ConcurrentInference)

	// Input volume over the ceiling is denied before dispatch
	result = k.DispatchInference(context.Background(), "pid-1", target, map[string]any{"text": "this text is far too long"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "max_inference_input_chars_exceeded")
}

func TestExtractInputChars(t *testing.T) {
	assert.Equal(t, 5, extractInputChars(map[string]any{"text": "hello"}))
	assert.Equal(t, 6, extractInputChars(map[string]any{"texts": []string{"abc", "def"}}))
	assert.Equal(t, 6, extractInputChars(map[string]any{"texts": []interface{}{"abc", "def"}}))
	assert.Equal(t, 0, extractInputChars(map[string]any{}))
}

func TestKernel_GetSystemStatus(t *testing.T) {
	k := NewKernel(nil, nil)
	_, err := k.Submit("pid-1", "req-1", "user-1", "sess-1", PriorityNormal, nil)
	require.NoError(t, err)

	status := k.GetSystemStatus()
	require.Contains(t, status, "processes")
	require.Contains(t, status, "resources")
	require.Contains(t, status, "interrupts")
	require.Contains(t, status, "services")
	require.Contains(t, status, "uptime_seconds")

	processes := status["processes"].(map[string]any)
	assert.Equal(t, 1, processes["total"])
}

func TestKernel_GetRequestStatus(t *testing.T) {
	k := NewKernel(nil, nil)

	assert.Nil(t, k.GetRequestStatus("missing"))

	_, err := k.Submit("pid-1", "req-1", "user-1", "sess-1", PriorityHigh, nil)
	require.NoError(t, err)
	k.RecordLLMCall("pid-1", 100, 50)

	status := k.GetRequestStatus("pid-1")
	require.NotNil(t, status)
	assert.Equal(t, "pid-1", status["pid"])
	assert.Equal(t, "new", status["state"])
	assert.Equal(t, "high", status["priority"])
	assert.Equal(t, false, status["has_interrupt"])

	usage := status["usage"].(map[string]any)
	assert.Equal(t, 1, usage["llm_calls"])
}

func TestKernel_Shutdown(t *testing.T) {
	k := NewKernel(nil, nil)

	for i := 0; i < 3; i++ {
		_, err := k.Submit(fmt.Sprintf("pid-%d", i), "req", "user", "sess", PriorityNormal, nil)
		require.NoError(t, err)
	}

	require.NoError(t, k.Shutdown(context.Background()))

	for _, pcb := range k.ListProcesses(nil, "") {
		assert.True(t, pcb.IsTerminated())
	}
}

func TestKernel_ShutdownCancelled(t *testing.T) {
	k := NewKernel(nil, nil)
	_, err := k.Submit("pid-1", "req-1", "user-1", "sess-1", PriorityNormal, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = k.Shutdown(ctx)
	require.Error(t, err)

	var shutdownErr *ShutdownError
	assert.ErrorAs(t, err, &shutdownErr)
}

// =============================================================================
// Kernel Event Tests
// =============================================================================

func TestKernelEventConstructors(t *testing.T) {
	pcb := NewProcessControlBlock("pid-1", "req-1", "user-1", "sess-1")

	created := ProcessCreatedEvent(pcb)
	assert.Equal(t, KernelEventProcessCreated, created.EventType)
	assert.Equal(t, "pid-1", created.PID)
	assert.Equal(t, "normal", created.Data["priority"])

	pcb.Start()
	changed := ProcessStateChangedEvent(pcb, ProcessStateReady)
	assert.Equal(t, "ready", changed.Data["old_state"])
	assert.Equal(t, "running", changed.Data["new_state"])

	raised := InterruptRaisedEvent(pcb, envelope.InterruptKindConfirmation, map[string]any{"message": "sure?"})
	assert.Equal(t, "confirmation", raised.Data["interrupt_kind"])
	assert.Equal(t, "sure?", raised.Data["message"])

	exhausted := ResourceExhaustedEvent(pcb, "max_llm_calls_exceeded", 11, 10)
	assert.Equal(t, "max_llm_calls_exceeded", exhausted.Data["dimension"])
	assert.Equal(t, 11, exhausted.Data["usage"])
	assert.Equal(t, 10, exhausted.Data["quota"])
}
