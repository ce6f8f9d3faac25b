// Sliding-window rate limiting with three tiers (burst, minute, hour)
// per user/endpoint identity. Endpoint configs override user configs,
// which override the default. Checks can run as dry runs (record=false)
// so callers can probe limits without consuming them.
package kernel

import (
	"sort"
	"sync"
	"time"

	"github.com/agentkernel-io/agentkernel/coreengine/observability"
)

// RateLimitConfig sets the per-tier thresholds. A zero threshold
// disables that tier. BurstWindowSeconds bounds back-to-back requests
// inside a short window and defaults to one second.
type RateLimitConfig struct {
	RequestsPerMinute  int `json:"requests_per_minute"`
	RequestsPerHour    int `json:"requests_per_hour"`
	BurstSize          int `json:"burst_size"`
	BurstWindowSeconds int `json:"burst_window_seconds,omitempty"`
}

func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerMinute:  60,
		RequestsPerHour:    1000,
		BurstSize:          10,
		BurstWindowSeconds: 1,
	}
}

// rateTier is one window check derived from a config.
type rateTier struct {
	name          string // "burst", "minute", "hour"
	windowSeconds int
	limit         int
}

// tiers lists the window checks narrowest first, so a burst denial wins
// over a minute denial on the same request.
func (c *RateLimitConfig) tiers() []rateTier {
	burstWindow := c.BurstWindowSeconds
	if burstWindow <= 0 {
		burstWindow = 1
	}
	return []rateTier{
		{"burst", burstWindow, c.BurstSize},
		{"minute", 60, c.RequestsPerMinute},
		{"hour", 3600, c.RequestsPerHour},
	}
}

// RateLimitResult reports the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed    bool    `json:"allowed"`
	Exceeded   bool    `json:"exceeded"`
	LimitType  string  `json:"limit_type,omitempty"`
	Current    int     `json:"current"`
	Limit      int     `json:"limit"`
	Remaining  int     `json:"remaining"`
	RetryAfter float64 `json:"retry_after,omitempty"` // seconds
}

// ExceededLimit builds a denial for the named tier.
func ExceededLimit(limitType string, current, limit int, retryAfter float64) *RateLimitResult {
	return &RateLimitResult{
		Allowed:    false,
		Exceeded:   true,
		LimitType:  limitType,
		Current:    current,
		Limit:      limit,
		Remaining:  0,
		RetryAfter: retryAfter,
	}
}

// AllowedResult builds a pass with the given headroom.
func AllowedResult(remaining int) *RateLimitResult {
	return &RateLimitResult{
		Allowed:   true,
		Exceeded:  false,
		Remaining: remaining,
	}
}

// SlidingWindow counts events over a rolling window. The window is
// split into sub-buckets so the count slides with sub-bucket
// granularity instead of resetting at hard boundaries.
type SlidingWindow struct {
	windowSeconds int
	bucketCount   int
	buckets       map[int64]int
	totalCount    int
	mu            sync.RWMutex
}

func NewSlidingWindow(windowSeconds int) *SlidingWindow {
	return &SlidingWindow{
		windowSeconds: windowSeconds,
		bucketCount:   10,
		buckets:       make(map[int64]int),
	}
}

func (w *SlidingWindow) bucketSize() float64 {
	return float64(w.windowSeconds) / float64(w.bucketCount)
}

func (w *SlidingWindow) bucketAt(timestamp float64) int64 {
	return int64(timestamp / w.bucketSize())
}

// Record counts a request at the given timestamp and returns the live
// count, dropping buckets that have aged out.
func (w *SlidingWindow) Record(timestamp float64) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	current := w.bucketAt(timestamp)
	minBucket := current - int64(w.bucketCount)
	for b := range w.buckets {
		if b < minBucket {
			w.totalCount -= w.buckets[b]
			delete(w.buckets, b)
		}
	}

	w.buckets[current]++
	w.totalCount++

	return w.countLocked(timestamp)
}

// GetCount returns the live count at the given timestamp.
func (w *SlidingWindow) GetCount(timestamp float64) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.countLocked(timestamp)
}

func (w *SlidingWindow) countLocked(timestamp float64) int {
	minBucket := w.bucketAt(timestamp) - int64(w.bucketCount)

	count := 0
	for bucket, n := range w.buckets {
		if bucket >= minBucket {
			count += n
		}
	}
	return count
}

// TimeUntilSlotAvailable returns the seconds until the window drops
// below limit, or 0 if it already has headroom.
func (w *SlidingWindow) TimeUntilSlotAvailable(timestamp float64, limit int) float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	live := w.countLocked(timestamp)
	if live < limit {
		return 0.0
	}

	minBucket := w.bucketAt(timestamp) - int64(w.bucketCount)

	type bucketEntry struct {
		bucket int64
		count  int
	}
	var entries []bucketEntry
	for b, c := range w.buckets {
		if b >= minBucket {
			entries = append(entries, bucketEntry{b, c})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].bucket < entries[j].bucket })

	// Walk oldest-first until enough requests will have expired.
	excess := live - limit + 1
	expired := 0
	for _, entry := range entries {
		expired += entry.count
		if expired >= excess {
			bucketEnd := float64(entry.bucket+1) * w.bucketSize()
			wait := bucketEnd - timestamp + float64(w.windowSeconds)
			if wait < 0 {
				return 0
			}
			return wait
		}
	}
	return float64(w.windowSeconds)
}

// IsEmpty reports whether the window holds no buckets at all.
func (w *SlidingWindow) IsEmpty() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.buckets) == 0
}

// windowKey identifies one tier's window for one identity.
type windowKey struct {
	userID     string
	endpoint   string
	windowType string
}

// RateLimiter applies tiered sliding-window limits. Safe for concurrent
// use; concurrent callers for the same identity see linearizable counts.
type RateLimiter struct {
	defaultConfig   *RateLimitConfig
	userConfigs     map[string]*RateLimitConfig
	endpointConfigs map[string]*RateLimitConfig
	windows         map[windowKey]*SlidingWindow
	mu              sync.RWMutex
}

func NewRateLimiter(defaultConfig *RateLimitConfig) *RateLimiter {
	if defaultConfig == nil {
		defaultConfig = DefaultRateLimitConfig()
	}
	return &RateLimiter{
		defaultConfig:   defaultConfig,
		userConfigs:     make(map[string]*RateLimitConfig),
		endpointConfigs: make(map[string]*RateLimitConfig),
		windows:         make(map[windowKey]*SlidingWindow),
	}
}

// SetDefaultConfig replaces the fallback config.
func (r *RateLimiter) SetDefaultConfig(config *RateLimitConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultConfig = config
}

// SetUserLimits sets limits for one user.
func (r *RateLimiter) SetUserLimits(userID string, config *RateLimitConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userConfigs[userID] = config
}

// SetEndpointLimits sets limits for one endpoint. Endpoint limits take
// precedence over user limits.
func (r *RateLimiter) SetEndpointLimits(endpoint string, config *RateLimitConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpointConfigs[endpoint] = config
}

// GetConfig resolves the effective config for a user/endpoint pair.
func (r *RateLimiter) GetConfig(userID, endpoint string) *RateLimitConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveConfig(userID, endpoint)
}

// resolveConfig applies endpoint > user > default precedence. Caller
// holds mu.
func (r *RateLimiter) resolveConfig(userID, endpoint string) *RateLimitConfig {
	if endpoint != "" {
		if cfg, ok := r.endpointConfigs[endpoint]; ok {
			return cfg
		}
	}
	if cfg, ok := r.userConfigs[userID]; ok {
		return cfg
	}
	return r.defaultConfig
}

// windowFor returns the tier window for a key, creating it lazily.
// Caller holds mu for writing.
func (r *RateLimiter) windowFor(key windowKey, windowSeconds int) *SlidingWindow {
	window, ok := r.windows[key]
	if !ok {
		window = NewSlidingWindow(windowSeconds)
		r.windows[key] = window
	}
	return window
}

// CheckRateLimit checks every enabled tier for a user/endpoint pair.
// With record=false the check is a dry run and nothing is counted. A
// denial carries the violated tier, its counts, and a retry-after.
func (r *RateLimiter) CheckRateLimit(userID, endpoint string, record bool) *RateLimitResult {
	now := float64(time.Now().UnixNano()) / 1e9

	r.mu.Lock()
	defer r.mu.Unlock()

	config := r.resolveConfig(userID, endpoint)
	tiers := config.tiers()

	for _, tier := range tiers {
		if tier.limit <= 0 {
			continue
		}

		window := r.windowFor(windowKey{userID, endpoint, tier.name}, tier.windowSeconds)
		current := window.GetCount(now)
		if current >= tier.limit {
			retryAfter := window.TimeUntilSlotAvailable(now, tier.limit)
			if record {
				observability.RecordRateLimitDenial(tier.name)
			}
			return ExceededLimit(tier.name, current, tier.limit, retryAfter)
		}
	}

	if record {
		for _, tier := range tiers {
			if tier.limit <= 0 {
				continue
			}
			r.windowFor(windowKey{userID, endpoint, tier.name}, tier.windowSeconds).Record(now)
		}
	}

	// Remaining reports minute-tier headroom.
	remaining := config.RequestsPerMinute
	if window, ok := r.windows[windowKey{userID, endpoint, "minute"}]; ok {
		remaining = config.RequestsPerMinute - window.GetCount(now)
		if remaining < 0 {
			remaining = 0
		}
	}
	return AllowedResult(remaining)
}

// GetUsage reports current count, limit, and headroom per tier.
func (r *RateLimiter) GetUsage(userID, endpoint string) map[string]map[string]any {
	now := float64(time.Now().UnixNano()) / 1e9
	usage := make(map[string]map[string]any)

	r.mu.RLock()
	defer r.mu.RUnlock()

	config := r.resolveConfig(userID, endpoint)
	for _, tier := range config.tiers() {
		current := 0
		if window, ok := r.windows[windowKey{userID, endpoint, tier.name}]; ok {
			current = window.GetCount(now)
		}

		remaining := tier.limit - current
		if remaining < 0 {
			remaining = 0
		}

		usage[tier.name] = map[string]any{
			"current":          current,
			"limit":            tier.limit,
			"remaining":        remaining,
			"reset_in_seconds": tier.windowSeconds, // approximate
		}
	}
	return usage
}

// ResetUser drops every window belonging to a user, returning how many
// were removed.
func (r *RateLimiter) ResetUser(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for key := range r.windows {
		if key.userID == userID {
			delete(r.windows, key)
			count++
		}
	}
	return count
}

// CleanupExpired drops windows with no live activity so the window map
// does not grow without bound. A zero live count means every remaining
// bucket is stale.
func (r *RateLimiter) CleanupExpired() int {
	now := float64(time.Now().UnixNano()) / 1e9

	r.mu.Lock()
	defer r.mu.Unlock()

	cleaned := 0
	for key, window := range r.windows {
		if window.GetCount(now) == 0 {
			delete(r.windows, key)
			cleaned++
		}
	}
	return cleaned
}
