package fablecast

import (
	"time"

	"github.com/google/uuid"
)

// ServiceType identifies one of the upstream provider capabilities the
// gateway fronts.
type ServiceType string

const (
	ServiceTTS             ServiceType = "tts"
	ServiceVoiceClone      ServiceType = "voice_clone"
	ServiceTextAnalysis    ServiceType = "text_analysis"
	ServiceImageGeneration ServiceType = "image_generation"
	ServiceBatch           ServiceType = "batch"
)

// Priority is a selection hint for the load balancer's intelligent
// strategy. It does not guarantee execution order.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ServiceRequest describes a single provider call. It is created per call
// and immutable except for RetryCount, which the optimizer increments on
// each retry attempt.
type ServiceRequest struct {
	// Unique identifier for this request. Filled in by NewServiceRequest.
	RequestID string

	// Which upstream capability this call targets.
	ServiceType ServiceType

	// Provider method name. E.g., "synthesize", "list_voices".
	Method string

	// Free-form parameters forwarded to the executor after normalization.
	Params map[string]any

	// Caller identity for quota accounting. Empty means anonymous and
	// counts against the global quota.
	UserID string

	// Session affinity key. Empty disables affinity for this call.
	SessionKey string

	Priority Priority

	// Per-request deadline, independent of retry backoff.
	Timeout time.Duration

	// Number of retries performed so far. Managed by the optimizer.
	RetryCount int
}

// NewServiceRequest builds a request with the defaults the gateway
// expects: a fresh request id, normal priority, and a 30s timeout.
func NewServiceRequest(serviceType ServiceType, method string, params map[string]any) *ServiceRequest {
	return &ServiceRequest{
		RequestID:   uuid.New().String(),
		ServiceType: serviceType,
		Method:      method,
		Params:      params,
		Priority:    PriorityNormal,
		Timeout:     30 * time.Second,
	}
}

// Response is the payload returned by an executor or the cache. Items is
// populated for batch-decomposable results so callers can inspect
// per-item verdicts instead of one collapsed outcome.
type Response struct {
	Data  map[string]any `json:"data,omitempty"`
	Items []ResponseItem `json:"items,omitempty"`

	// Tokens consumed upstream, when the provider reports them.
	Tokens int64 `json:"tokens,omitempty"`
}

// ResponseItem is the per-item outcome of a batched call. ErrorClass
// carries the taxonomy label ("transient", "timeout", "permanent") so a
// partially failed batch keeps retryable items retryable.
type ResponseItem struct {
	Index      int            `json:"index"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorClass string         `json:"error_class,omitempty"`
}

// CallInfo carries the diagnostic metadata returned alongside every call,
// success or failure.
type CallInfo struct {
	RequestID  string        `json:"request_id"`
	EndpointID string        `json:"endpoint_id,omitempty"`
	Latency    time.Duration `json:"latency"`
	Retries    int           `json:"retries"`
	CacheHit   bool          `json:"cache_hit"`
	Batched    bool          `json:"batched"`
	Cost       float64       `json:"cost"`
	ErrorClass string        `json:"error_class,omitempty"`
}
