// Service registry: registration, discovery, heartbeats, health
// tracking, load accounting, and dispatch with timeout and retry.
package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ServiceStatus is the health state of a registered service.
type ServiceStatus string

const (
	ServiceStatusHealthy   ServiceStatus = "healthy"
	ServiceStatusDegraded  ServiceStatus = "degraded"
	ServiceStatusUnhealthy ServiceStatus = "unhealthy"
	ServiceStatusUnknown   ServiceStatus = "unknown"
)

// Service type classifications.
const (
	ServiceTypePipeline  = "pipeline"
	ServiceTypeWorker    = "worker"
	ServiceTypeGateway   = "gateway"
	ServiceTypeInference = "inference"
)

// ServiceInfo describes a registered service: identity, declared
// capabilities, capacity, and health.
type ServiceInfo struct {
	Name        string `json:"name"`
	ServiceType string `json:"service_type"`
	Version     string `json:"version"`

	Capabilities []string `json:"capabilities"`

	MaxConcurrent int `json:"max_concurrent"`
	CurrentLoad   int `json:"current_load"`

	Status          ServiceStatus `json:"status"`
	LastHealthCheck time.Time     `json:"last_health_check"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewServiceInfo returns a healthy descriptor with default capacity.
func NewServiceInfo(name, serviceType string) *ServiceInfo {
	return &ServiceInfo{
		Name:            name,
		ServiceType:     serviceType,
		Version:         "1.0.0",
		Capabilities:    []string{},
		MaxConcurrent:   10,
		Status:          ServiceStatusHealthy,
		LastHealthCheck: time.Now().UTC(),
	}
}

// CanAccept reports whether the service has a free load slot.
func (s *ServiceInfo) CanAccept() bool {
	return s.Status == ServiceStatusHealthy && s.CurrentLoad < s.MaxConcurrent
}

// IsHealthy treats degraded services as still routable.
func (s *ServiceInfo) IsHealthy() bool {
	return s.Status == ServiceStatusHealthy || s.Status == ServiceStatusDegraded
}

// Clone deep-copies the descriptor so callers cannot mutate registry
// state.
func (s *ServiceInfo) Clone() *ServiceInfo {
	clone := *s
	if s.Capabilities != nil {
		clone.Capabilities = append([]string(nil), s.Capabilities...)
	}
	if s.Metadata != nil {
		clone.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// DispatchTarget addresses one dispatch attempt.
type DispatchTarget struct {
	ServiceName    string             `json:"service_name"`
	Method         string             `json:"method"`
	Priority       SchedulingPriority `json:"priority"`
	TimeoutSeconds int                `json:"timeout_seconds"`
	RetryCount     int                `json:"retry_count"`
	MaxRetries     int                `json:"max_retries"`
}

func (d *DispatchTarget) CanRetry() bool {
	return d.RetryCount < d.MaxRetries
}

func (d *DispatchTarget) IncrementRetry() {
	d.RetryCount++
}

// DispatchResult is the outcome of a dispatch, including retries spent.
type DispatchResult struct {
	Success  bool           `json:"success"`
	Error    string         `json:"error,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Duration time.Duration  `json:"duration"`
	Retries  int            `json:"retries"`
}

// ServiceHandler handles dispatched requests for one service.
type ServiceHandler func(ctx context.Context, target *DispatchTarget, data map[string]any) (*DispatchResult, error)

// ServiceRegistry tracks services and their handlers and routes
// dispatches to them. Safe for concurrent use.
//
//	registry := NewServiceRegistry(logger)
//	registry.RegisterService(NewServiceInfo("runner", ServiceTypePipeline))
//	registry.RegisterHandler("runner", myHandler)
//	result := registry.Dispatch(ctx, target, data)
type ServiceRegistry struct {
	logger   Logger
	services map[string]*ServiceInfo
	handlers map[string]ServiceHandler
	mu       sync.RWMutex
}

func NewServiceRegistry(logger Logger) *ServiceRegistry {
	sr := &ServiceRegistry{logger: logger}
	sr.services = make(map[string]*ServiceInfo)
	sr.handlers = make(map[string]ServiceHandler)
	return sr
}

// Log helpers tolerate a nil logger so the registry works bare in tests.

func (sr *ServiceRegistry) logDebug(msg string, fields ...any) {
	if sr.logger != nil {
		sr.logger.Debug(msg, fields...)
	}
}

func (sr *ServiceRegistry) logInfo(msg string, fields ...any) {
	if sr.logger != nil {
		sr.logger.Info(msg, fields...)
	}
}

func (sr *ServiceRegistry) logWarn(msg string, fields ...any) {
	if sr.logger != nil {
		sr.logger.Warn(msg, fields...)
	}
}

func (sr *ServiceRegistry) logError(msg string, fields ...any) {
	if sr.logger != nil {
		sr.logger.Error(msg, fields...)
	}
}

// RegisterService adds a service. Returns false if the name is taken.
func (sr *ServiceRegistry) RegisterService(info *ServiceInfo) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if _, taken := sr.services[info.Name]; taken {
		sr.logWarn("service_already_registered", "service_name", info.Name)
		return false
	}
	sr.services[info.Name] = info

	sr.logInfo("service_registered",
		"service_name", info.Name, "service_type", info.ServiceType,
		"capabilities", info.Capabilities)
	return true
}

// UnregisterService removes a service and its handler.
func (sr *ServiceRegistry) UnregisterService(serviceName string) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if _, ok := sr.services[serviceName]; !ok {
		return false
	}
	delete(sr.services, serviceName)
	delete(sr.handlers, serviceName)

	sr.logInfo("service_unregistered", "service_name", serviceName)
	return true
}

// RegisterHandler installs the dispatch handler for a service.
func (sr *ServiceRegistry) RegisterHandler(serviceName string, handler ServiceHandler) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	sr.handlers[serviceName] = handler
	sr.logDebug("handler_registered", "service_name", serviceName)
}

// GetService returns a copy of the named descriptor, or nil.
func (sr *ServiceRegistry) GetService(serviceName string) *ServiceInfo {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	if svc, ok := sr.services[serviceName]; ok {
		return svc.Clone()
	}
	return nil
}

// ListServices returns descriptors filtered by type and, optionally,
// health.
func (sr *ServiceRegistry) ListServices(serviceType string, healthyOnly bool) []*ServiceInfo {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	var result []*ServiceInfo
	for _, svc := range sr.services {
		if serviceType != "" && svc.ServiceType != serviceType {
			continue
		}
		if healthyOnly && !svc.IsHealthy() {
			continue
		}
		result = append(result, svc.Clone())
	}
	return result
}

// GetServiceNames lists all registered service names.
func (sr *ServiceRegistry) GetServiceNames() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.services))
	for name := range sr.services {
		names = append(names, name)
	}
	return names
}

func (sr *ServiceRegistry) HasService(serviceName string) bool {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	_, ok := sr.services[serviceName]
	return ok
}

func (sr *ServiceRegistry) HasHandler(serviceName string) bool {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	_, ok := sr.handlers[serviceName]
	return ok
}

// UpdateHealth sets a service's status and stamps the health check.
func (sr *ServiceRegistry) UpdateHealth(serviceName string, status ServiceStatus) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	svc, ok := sr.services[serviceName]
	if !ok {
		return false
	}
	svc.Status = status
	svc.LastHealthCheck = time.Now().UTC()

	sr.logDebug("service_health_updated",
		"service_name", serviceName, "status", string(status))
	return true
}

// Heartbeat records a liveness signal. Unknown or unhealthy services
// recover to healthy on heartbeat.
func (sr *ServiceRegistry) Heartbeat(serviceName string) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	svc, ok := sr.services[serviceName]
	if !ok {
		return false
	}
	svc.LastHealthCheck = time.Now().UTC()
	if svc.Status == ServiceStatusUnknown || svc.Status == ServiceStatusUnhealthy {
		svc.Status = ServiceStatusHealthy
	}
	return true
}

// MarkStale downgrades services whose last heartbeat predates maxAge
// to unknown, returning how many were downgraded.
func (sr *ServiceRegistry) MarkStale(maxAge time.Duration) int {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	count := 0
	for _, svc := range sr.services {
		if svc.Status != ServiceStatusUnknown && svc.LastHealthCheck.Before(cutoff) {
			svc.Status = ServiceStatusUnknown
			count++
		}
	}
	if count > 0 {
		sr.logWarn("services_marked_stale", "count", count)
	}
	return count
}

// GetHealthyCount counts routable services.
func (sr *ServiceRegistry) GetHealthyCount() int {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	count := 0
	for _, svc := range sr.services {
		if svc.IsHealthy() {
			count++
		}
	}
	return count
}

// IncrementLoad takes a load slot; false when unknown or at capacity.
func (sr *ServiceRegistry) IncrementLoad(serviceName string) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	svc, ok := sr.services[serviceName]
	if !ok || !svc.CanAccept() {
		return false
	}
	svc.CurrentLoad++
	return true
}

// DecrementLoad releases a load slot, never going below zero.
func (sr *ServiceRegistry) DecrementLoad(serviceName string) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if svc, ok := sr.services[serviceName]; ok && svc.CurrentLoad > 0 {
		svc.CurrentLoad--
	}
}

// GetLoad returns a service's current load, or -1 when unknown.
func (sr *ServiceRegistry) GetLoad(serviceName string) int {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	svc, ok := sr.services[serviceName]
	if !ok {
		return -1
	}
	return svc.CurrentLoad
}

func dispatchFailure(target *DispatchTarget, start time.Time, format string, args ...any) *DispatchResult {
	return &DispatchResult{
		Success:  false,
		Error:    fmt.Sprintf(format, args...),
		Duration: time.Since(start),
		Retries:  target.RetryCount,
	}
}

// Dispatch routes a request to a service's handler, applying health
// and capacity preflight checks, the target's timeout, and its retry
// budget. Handler panics are contained and surface as errors.
func (sr *ServiceRegistry) Dispatch(
	ctx context.Context,
	target *DispatchTarget,
	data map[string]any,
) *DispatchResult {
	start := time.Now()

	sr.mu.RLock()
	svc, ok := sr.services[target.ServiceName]
	handler := sr.handlers[target.ServiceName]
	sr.mu.RUnlock()

	switch {
	case !ok:
		sr.logError("dispatch_unknown_service", "service_name", target.ServiceName)
		return dispatchFailure(target, start, "unknown service: %s", target.ServiceName)
	case !svc.IsHealthy():
		sr.logError("dispatch_unhealthy_service", "service_name", target.ServiceName)
		return dispatchFailure(target, start, "service unhealthy: %s", target.ServiceName)
	case !svc.CanAccept():
		sr.logWarn("dispatch_service_at_capacity", "service_name", target.ServiceName)
		return dispatchFailure(target, start, "service at capacity: %s", target.ServiceName)
	case handler == nil:
		sr.logError("dispatch_no_handler", "service_name", target.ServiceName)
		return dispatchFailure(target, start, "no handler for service: %s", target.ServiceName)
	}

	if !sr.IncrementLoad(target.ServiceName) {
		return dispatchFailure(target, start, "failed to acquire load slot: %s", target.ServiceName)
	}
	defer sr.DecrementLoad(target.ServiceName)

	if target.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(target.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	sr.logDebug("dispatch_started",
		"service_name", target.ServiceName, "method", target.Method)

	result, err := SafeExecuteWithResult(sr.logger, "service_dispatch", func() (*DispatchResult, error) {
		return handler(ctx, target, data)
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			sr.logError("dispatch_timeout",
				"service_name", target.ServiceName,
				"timeout_seconds", target.TimeoutSeconds)
			return dispatchFailure(target, start, "dispatch timeout")
		}

		if target.CanRetry() {
			target.IncrementRetry()
			sr.logInfo("dispatch_retry",
				"service_name", target.ServiceName,
				"retry", target.RetryCount, "max_retries", target.MaxRetries)
			return sr.Dispatch(ctx, target, data)
		}

		sr.logError("dispatch_error",
			"service_name", target.ServiceName, "error", err.Error())
		return dispatchFailure(target, start, "%s", err.Error())
	}

	if result == nil {
		result = &DispatchResult{Success: true}
	}
	result.Duration = time.Since(start)
	result.Retries = target.RetryCount
	return result
}

// GetStats summarizes the registry: counts, load, and capacity.
func (sr *ServiceRegistry) GetStats() map[string]any {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	totalLoad, totalCapacity := 0, 0
	healthy, unhealthy := 0, 0
	for _, svc := range sr.services {
		totalLoad += svc.CurrentLoad
		totalCapacity += svc.MaxConcurrent
		if svc.IsHealthy() {
			healthy++
		} else {
			unhealthy++
		}
	}

	return map[string]any{
		"total_services":     len(sr.services),
		"healthy_services":   healthy,
		"unhealthy_services": unhealthy,
		"total_handlers":     len(sr.handlers),
		"total_load":         totalLoad,
		"total_capacity":     totalCapacity,
	}
}

// GetServiceStats returns per-service status and load.
func (sr *ServiceRegistry) GetServiceStats() map[string]map[string]any {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	stats := make(map[string]map[string]any, len(sr.services))
	for name, svc := range sr.services {
		_, hasHandler := sr.handlers[name]
		stats[name] = map[string]any{
			"type":              svc.ServiceType,
			"status":            string(svc.Status),
			"current_load":      svc.CurrentLoad,
			"max_concurrent":    svc.MaxConcurrent,
			"has_handler":       hasHandler,
			"last_health_check": svc.LastHealthCheck.Format(time.RFC3339),
		}
	}
	return stats
}
