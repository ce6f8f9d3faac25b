// Prometheus metrics for the coreengine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func counter(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
}

func histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return promauto.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
}

var (
	slowBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}
	fastBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10}
	wireBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5}
)

var (
	// status: success, error, terminated
	pipelineExecutionsTotal = counter("agentkernel_pipeline_executions_total",
		"Total number of pipeline executions", "pipeline", "status")
	pipelineDurationSeconds = histogram("agentkernel_pipeline_duration_seconds",
		"Pipeline execution duration in seconds", slowBuckets, "pipeline")

	// status: success, error
	agentExecutionsTotal = counter("agentkernel_agent_executions_total",
		"Total number of agent executions", "agent", "status")
	agentDurationSeconds = histogram("agentkernel_agent_duration_seconds",
		"Agent execution duration in seconds", fastBuckets, "agent")

	// status: success, error
	llmCallsTotal = counter("agentkernel_llm_calls_total",
		"Total number of LLM API calls", "provider", "model", "status")
	llmDurationSeconds = histogram("agentkernel_llm_duration_seconds",
		"LLM call duration in seconds", slowBuckets, "provider", "model")

	// status: ok, error
	ipcRequestsTotal = counter("agentkernel_ipc_requests_total",
		"Total IPC requests", "kind", "status")
	ipcRequestDurationSeconds = histogram("agentkernel_ipc_request_duration_seconds",
		"IPC request duration in seconds", wireBuckets, "kind")

	// limit_type: burst, minute, hour
	rateLimitDenialsTotal = counter("agentkernel_rate_limit_denials_total",
		"Total requests denied by the rate limiter", "limit_type")
	quotaDenialsTotal = counter("agentkernel_quota_denials_total",
		"Total reservations denied by the quota tracker", "dimension")
)

func seconds(durationMS int) float64 { return float64(durationMS) / 1000.0 }

// RecordPipelineExecution observes one completed pipeline run.
func RecordPipelineExecution(pipeline string, status string, durationMS int) {
	pipelineExecutionsTotal.WithLabelValues(pipeline, status).Inc()
	pipelineDurationSeconds.WithLabelValues(pipeline).Observe(seconds(durationMS))
}

// RecordAgentExecution observes one completed agent execution.
func RecordAgentExecution(agent string, status string, durationMS int) {
	agentExecutionsTotal.WithLabelValues(agent, status).Inc()
	agentDurationSeconds.WithLabelValues(agent).Observe(seconds(durationMS))
}

// RecordLLMCall observes one completed LLM generation.
func RecordLLMCall(provider string, model string, status string, durationMS int) {
	llmCallsTotal.WithLabelValues(provider, model, status).Inc()
	llmDurationSeconds.WithLabelValues(provider, model).Observe(seconds(durationMS))
}

// RecordIPCRequest observes one framed request handled by the IPC
// server.
func RecordIPCRequest(kind string, status string, durationMS int) {
	ipcRequestsTotal.WithLabelValues(kind, status).Inc()
	ipcRequestDurationSeconds.WithLabelValues(kind).Observe(seconds(durationMS))
}

// RecordRateLimitDenial counts a rate limiter denial by tier.
func RecordRateLimitDenial(limitType string) {
	rateLimitDenialsTotal.WithLabelValues(limitType).Inc()
}

// RecordQuotaDenial counts a quota reservation denial by dimension.
func RecordQuotaDenial(dimension string) {
	quotaDenialsTotal.WithLabelValues(dimension).Inc()
}
