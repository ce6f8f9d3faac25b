// Interrupt lifecycle: pending interrupts pause a request until they
// are resolved, cancelled, or expired. Each kind carries its own TTL,
// a request holds at most one pending interrupt, and expiry surfaces as
// a timed-out denial rather than a silent drop.
package kernel

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentkernel-io/agentkernel/coreengine/envelope"
	"github.com/google/uuid"
)

// InterruptStatus is the lifecycle state of an interrupt.
type InterruptStatus string

const (
	InterruptStatusPending   InterruptStatus = "pending"
	InterruptStatusResolved  InterruptStatus = "resolved"
	InterruptStatusExpired   InterruptStatus = "expired"
	InterruptStatusCancelled InterruptStatus = "cancelled"
)

// InterruptConfig sets per-kind behavior. A zero DefaultTTL means the
// interrupt never expires.
type InterruptConfig struct {
	DefaultTTL      time.Duration `json:"default_ttl"`
	AutoExpire      bool          `json:"auto_expire"`
	RequireResponse bool          `json:"require_response"`
}

func kindConfig(ttl time.Duration, requireResponse bool) *InterruptConfig {
	return &InterruptConfig{DefaultTTL: ttl, AutoExpire: true, RequireResponse: requireResponse}
}

// DefaultInterruptConfigs holds the per-kind defaults. User-facing
// interrupts get longer TTLs than automatic pauses.
var DefaultInterruptConfigs = map[envelope.InterruptKind]*InterruptConfig{
	envelope.InterruptKindClarification:     kindConfig(1*time.Hour, true),
	envelope.InterruptKindConfirmation:      kindConfig(30*time.Minute, true),
	envelope.InterruptKindDestructiveReview: kindConfig(30*time.Minute, true),
	envelope.InterruptKindEscalation:        kindConfig(2*time.Hour, true),
	envelope.InterruptKindRateLimitPause:    kindConfig(5*time.Minute, false),
	envelope.InterruptKindQuotaPause:        kindConfig(5*time.Minute, false),
	envelope.InterruptKindExternalApproval:  kindConfig(24*time.Hour, true),
}

// KernelInterrupt wraps a FlowInterrupt with the identity and status
// tracking the kernel needs.
type KernelInterrupt struct {
	*envelope.FlowInterrupt

	Status     InterruptStatus `json:"status"`
	RequestID  string          `json:"request_id"`
	UserID     string          `json:"user_id"`
	SessionID  string          `json:"session_id"`
	EnvelopeID string          `json:"envelope_id"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	TraceID    string          `json:"trace_id,omitempty"`
	SpanID     string          `json:"span_id,omitempty"`
}

// NewKernelInterrupt builds a pending interrupt, stamping the expiry
// when ttl is positive.
func NewKernelInterrupt(
	kind envelope.InterruptKind,
	requestID, userID, sessionID, envelopeID string,
	ttl time.Duration,
) *KernelInterrupt {
	now := time.Now().UTC()
	interrupt := &KernelInterrupt{
		FlowInterrupt: &envelope.FlowInterrupt{
			Kind:      kind,
			ID:        "int_" + uuid.New().String()[:16],
			CreatedAt: now,
		},
		Status:     InterruptStatusPending,
		RequestID:  requestID,
		UserID:     userID,
		SessionID:  sessionID,
		EnvelopeID: envelopeID,
	}

	if ttl > 0 {
		expiresAt := now.Add(ttl)
		interrupt.ExpiresAt = &expiresAt
	}
	return interrupt
}

// IsExpired reports whether the interrupt has passed its TTL.
func (ki *KernelInterrupt) IsExpired() bool {
	if ki.ExpiresAt == nil {
		return false
	}
	return time.Now().UTC().After(*ki.ExpiresAt)
}

// IsPending reports whether the interrupt still awaits a response.
func (ki *KernelInterrupt) IsPending() bool {
	return ki.Status == InterruptStatusPending
}

// InterruptService is the thread-safe interrupt store with request and
// session indexes for fast lookup.
//
//	service := NewInterruptService(logger, nil)
//
//	interrupt, err := service.CreateInterrupt(
//	    envelope.InterruptKindClarification,
//	    requestID, userID, sessionID, envelopeID,
//	    WithInterruptQuestion("Which file?"),
//	)
//
//	resolved, err := service.Resolve(interrupt.ID, response, userID)
type InterruptService struct {
	logger  Logger
	configs map[envelope.InterruptKind]*InterruptConfig

	store     map[string]*KernelInterrupt
	byRequest map[string][]*KernelInterrupt
	bySession map[string][]*KernelInterrupt

	mu sync.RWMutex
}

// NewInterruptService builds a service whose per-kind configs are the
// defaults overlaid with the given overrides.
func NewInterruptService(logger Logger, configs map[envelope.InterruptKind]*InterruptConfig) *InterruptService {
	merged := make(map[envelope.InterruptKind]*InterruptConfig)
	for k, v := range DefaultInterruptConfigs {
		merged[k] = v
	}
	for k, v := range configs {
		merged[k] = v
	}

	return &InterruptService{
		logger:    logger,
		configs:   merged,
		store:     make(map[string]*KernelInterrupt),
		byRequest: make(map[string][]*KernelInterrupt),
		bySession: make(map[string][]*KernelInterrupt),
	}
}

// Log helpers tolerate a nil logger so the service works bare in tests.
func (is *InterruptService) logInfo(event string, fields ...any) {
	if is.logger != nil {
		is.logger.Info(event, fields...)
	}
}

func (is *InterruptService) logWarn(event string, fields ...any) {
	if is.logger != nil {
		is.logger.Warn(event, fields...)
	}
}

// GetConfig returns the config for a kind, or a conservative fallback
// for kinds with no entry.
func (is *InterruptService) GetConfig(kind envelope.InterruptKind) *InterruptConfig {
	if cfg, ok := is.configs[kind]; ok {
		return cfg
	}
	return &InterruptConfig{
		DefaultTTL:      1 * time.Hour,
		AutoExpire:      true,
		RequireResponse: true,
	}
}

// InterruptOption customizes an interrupt at creation time.
type InterruptOption func(*KernelInterrupt)

// WithInterruptQuestion sets the question for a clarification interrupt.
func WithInterruptQuestion(q string) InterruptOption {
	return func(ki *KernelInterrupt) { ki.Question = q }
}

// WithInterruptMessage sets the message for a confirmation or review interrupt.
func WithInterruptMessage(m string) InterruptOption {
	return func(ki *KernelInterrupt) { ki.Message = m }
}

// WithInterruptData attaches structured data to the interrupt.
func WithInterruptData(d map[string]any) InterruptOption {
	return func(ki *KernelInterrupt) { ki.Data = d }
}

// WithInterruptTTL overrides the kind's default TTL.
func WithInterruptTTL(ttl time.Duration) InterruptOption {
	return func(ki *KernelInterrupt) {
		if ttl > 0 {
			expiresAt := time.Now().UTC().Add(ttl)
			ki.ExpiresAt = &expiresAt
		}
	}
}

// WithTraceContext propagates the caller's trace context.
func WithTraceContext(traceID, spanID string) InterruptOption {
	return func(ki *KernelInterrupt) {
		ki.TraceID = traceID
		ki.SpanID = spanID
	}
}

// CreateInterrupt stores a new pending interrupt. A request may carry
// at most one pending interrupt; a second create for the same request
// fails.
func (is *InterruptService) CreateInterrupt(
	kind envelope.InterruptKind,
	requestID, userID, sessionID, envelopeID string,
	opts ...InterruptOption,
) (*KernelInterrupt, error) {
	config := is.GetConfig(kind)
	interrupt := NewKernelInterrupt(kind, requestID, userID, sessionID, envelopeID, config.DefaultTTL)

	for _, opt := range opts {
		opt(interrupt)
	}

	is.mu.Lock()
	defer is.mu.Unlock()

	for _, existing := range is.byRequest[requestID] {
		if existing.IsPending() && !existing.IsExpired() {
			is.logWarn("interrupt_already_pending",
				"request_id", requestID, "pending_id", existing.ID,
				"pending_kind", string(existing.Kind))
			return nil, fmt.Errorf("request %s already has pending interrupt %s", requestID, existing.ID)
		}
	}

	is.store[interrupt.ID] = interrupt
	is.byRequest[requestID] = append(is.byRequest[requestID], interrupt)
	is.bySession[sessionID] = append(is.bySession[sessionID], interrupt)

	is.logInfo("interrupt_created",
		"interrupt_id", interrupt.ID, "kind", string(kind),
		"request_id", requestID, "user_id", userID, "session_id", sessionID)

	return interrupt, nil
}

func withOptionalData(base InterruptOption, data map[string]any) []InterruptOption {
	opts := []InterruptOption{base}
	if data != nil {
		opts = append(opts, WithInterruptData(data))
	}
	return opts
}

// CreateClarification raises a clarification interrupt with a question.
func (is *InterruptService) CreateClarification(
	requestID, userID, sessionID, envelopeID, question string,
	context map[string]any,
) (*KernelInterrupt, error) {
	return is.CreateInterrupt(envelope.InterruptKindClarification,
		requestID, userID, sessionID, envelopeID,
		withOptionalData(WithInterruptQuestion(question), context)...)
}

// CreateConfirmation raises a confirmation interrupt with a message.
func (is *InterruptService) CreateConfirmation(
	requestID, userID, sessionID, envelopeID, message string,
	actionData map[string]any,
) (*KernelInterrupt, error) {
	return is.CreateInterrupt(envelope.InterruptKindConfirmation,
		requestID, userID, sessionID, envelopeID,
		withOptionalData(WithInterruptMessage(message), actionData)...)
}

// CreateRateLimitPause raises an automatic pause after a rate limit
// denial, carrying the violated tier and retry-after.
func (is *InterruptService) CreateRateLimitPause(
	requestID, userID, sessionID, envelopeID string,
	limitType string, retryAfterSeconds float64,
) (*KernelInterrupt, error) {
	return is.CreateInterrupt(
		envelope.InterruptKindRateLimitPause,
		requestID, userID, sessionID, envelopeID,
		WithInterruptMessage(fmt.Sprintf("Rate limit exceeded: %s", limitType)),
		WithInterruptData(map[string]any{
			"limit_type":          limitType,
			"retry_after_seconds": retryAfterSeconds,
		}),
	)
}

// CreateQuotaPause raises an automatic pause after quota exhaustion.
func (is *InterruptService) CreateQuotaPause(
	requestID, userID, sessionID, envelopeID string,
	dimension string, used, limit int,
) (*KernelInterrupt, error) {
	return is.CreateInterrupt(
		envelope.InterruptKindQuotaPause,
		requestID, userID, sessionID, envelopeID,
		WithInterruptMessage(fmt.Sprintf("Quota exhausted: %s", dimension)),
		WithInterruptData(map[string]any{
			"dimension": dimension,
			"used":      used,
			"limit":     limit,
		}),
	)
}

// GetInterrupt looks up an interrupt by ID.
func (is *InterruptService) GetInterrupt(interruptID string) *KernelInterrupt {
	is.mu.RLock()
	defer is.mu.RUnlock()
	return is.store[interruptID]
}

// GetPendingForRequest returns the request's live pending interrupt, or
// nil. The newest entry wins.
func (is *InterruptService) GetPendingForRequest(requestID string) *KernelInterrupt {
	is.mu.RLock()
	defer is.mu.RUnlock()

	interrupts := is.byRequest[requestID]
	for i := len(interrupts) - 1; i >= 0; i-- {
		if interrupts[i].IsPending() && !interrupts[i].IsExpired() {
			return interrupts[i]
		}
	}
	return nil
}

// GetPendingForSession returns all live pending interrupts for a
// session, optionally filtered by kind.
func (is *InterruptService) GetPendingForSession(sessionID string, kinds []envelope.InterruptKind) []*KernelInterrupt {
	is.mu.RLock()
	defer is.mu.RUnlock()

	kindSet := make(map[envelope.InterruptKind]bool)
	for _, k := range kinds {
		kindSet[k] = true
	}

	var result []*KernelInterrupt
	for _, interrupt := range is.bySession[sessionID] {
		if !interrupt.IsPending() || interrupt.IsExpired() {
			continue
		}
		if len(kinds) > 0 && !kindSet[interrupt.Kind] {
			continue
		}
		result = append(result, interrupt)
	}
	return result
}

// Resolve records the response on a pending interrupt. A non-empty
// userID must match the interrupt's owner. Resolving a non-pending
// interrupt errors without changing state.
func (is *InterruptService) Resolve(
	interruptID string,
	response *envelope.InterruptResponse,
	userID string,
) (*KernelInterrupt, error) {
	is.mu.Lock()
	defer is.mu.Unlock()

	interrupt, exists := is.store[interruptID]
	if !exists {
		is.logWarn("interrupt_not_found", "interrupt_id", interruptID)
		return nil, fmt.Errorf("interrupt not found: %s", interruptID)
	}

	if interrupt.Status != InterruptStatusPending {
		is.logWarn("interrupt_not_pending",
			"interrupt_id", interruptID, "status", string(interrupt.Status))
		return nil, fmt.Errorf("interrupt %s is %s, not pending", interruptID, interrupt.Status)
	}

	if userID != "" && interrupt.UserID != userID {
		is.logWarn("interrupt_user_mismatch",
			"interrupt_id", interruptID, "expected_user", interrupt.UserID,
			"actual_user", userID)
		return nil, fmt.Errorf("interrupt %s does not belong to user %s", interruptID, userID)
	}

	now := time.Now().UTC()
	if response != nil {
		response.ReceivedAt = now
		interrupt.Response = response
	}
	interrupt.Status = InterruptStatusResolved
	interrupt.ResolvedAt = &now

	is.logInfo("interrupt_resolved",
		"interrupt_id", interruptID, "kind", string(interrupt.Kind),
		"request_id", interrupt.RequestID)

	return interrupt, nil
}

// Cancel cancels a pending interrupt, recording the reason in its data.
// Returns nil if the interrupt is unknown or no longer pending.
func (is *InterruptService) Cancel(interruptID string, reason string) *KernelInterrupt {
	is.mu.Lock()
	defer is.mu.Unlock()

	interrupt, exists := is.store[interruptID]
	if !exists || interrupt.Status != InterruptStatusPending {
		return nil
	}

	interrupt.Status = InterruptStatusCancelled
	if interrupt.Data == nil {
		interrupt.Data = make(map[string]any)
	}
	interrupt.Data["cancel_reason"] = reason

	is.logInfo("interrupt_cancelled", "interrupt_id", interruptID, "reason", reason)

	return interrupt
}

// ExpirePending expires pending interrupts past their TTL, skipping
// kinds configured without auto-expire. Each expiry synthesizes an
// unapproved timed-out response so downstream code sees a denial.
func (is *InterruptService) ExpirePending() []*KernelInterrupt {
	is.mu.Lock()
	defer is.mu.Unlock()

	now := time.Now().UTC()
	var expired []*KernelInterrupt
	for _, interrupt := range is.store {
		if !interrupt.IsPending() || !interrupt.IsExpired() {
			continue
		}
		if cfg := is.configs[interrupt.Kind]; cfg != nil && !cfg.AutoExpire {
			continue
		}

		denied := false
		interrupt.Status = InterruptStatusExpired
		interrupt.Response = &envelope.InterruptResponse{
			Approved:   &denied,
			Data:       map[string]any{"timed_out": true},
			ReceivedAt: now,
		}
		interrupt.ResolvedAt = &now
		expired = append(expired, interrupt)
	}

	if len(expired) > 0 {
		is.logInfo("interrupts_expired", "count", len(expired))
	}

	return expired
}

// StartSweepLoop runs ExpirePending on a ticker, invoking onExpired for
// each non-empty batch. The returned stop function is idempotent.
func (is *InterruptService) StartSweepLoop(interval time.Duration, onExpired func([]*KernelInterrupt)) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if expired := is.ExpirePending(); len(expired) > 0 && onExpired != nil {
					onExpired(expired)
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// CleanupResolved drops non-pending interrupts created before the
// cutoff, including their index entries. Returns the number removed.
func (is *InterruptService) CleanupResolved(olderThan time.Duration) int {
	is.mu.Lock()
	defer is.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)

	var toDelete []string
	for id, interrupt := range is.store {
		if interrupt.Status != InterruptStatusPending && interrupt.CreatedAt.Before(cutoff) {
			toDelete = append(toDelete, id)
		}
	}

	for _, id := range toDelete {
		interrupt := is.store[id]
		is.removeFromIndex(is.byRequest, interrupt.RequestID, id)
		is.removeFromIndex(is.bySession, interrupt.SessionID, id)
		delete(is.store, id)
	}

	if len(toDelete) > 0 {
		is.logInfo("interrupts_cleaned_up", "count", len(toDelete))
	}

	return len(toDelete)
}

func (is *InterruptService) removeFromIndex(index map[string][]*KernelInterrupt, key, interruptID string) {
	kept := index[key][:0]
	for _, interrupt := range index[key] {
		if interrupt.ID != interruptID {
			kept = append(kept, interrupt)
		}
	}
	if len(kept) == 0 {
		delete(index, key)
		return
	}
	index[key] = kept
}

// GetStats returns interrupt counts by status.
func (is *InterruptService) GetStats() map[string]int {
	is.mu.RLock()
	defer is.mu.RUnlock()

	// Status values double as the stat keys.
	stats := map[string]int{
		"total":     len(is.store),
		"pending":   0,
		"resolved":  0,
		"expired":   0,
		"cancelled": 0,
	}
	for _, interrupt := range is.store {
		stats[string(interrupt.Status)]++
	}
	return stats
}

// GetPendingCount returns how many interrupts are still pending.
func (is *InterruptService) GetPendingCount() int {
	is.mu.RLock()
	defer is.mu.RUnlock()

	count := 0
	for _, interrupt := range is.store {
		if interrupt.IsPending() {
			count++
		}
	}
	return count
}
