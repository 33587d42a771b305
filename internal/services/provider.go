package services

import (
	"context"
	"encoding/json"
	"time"
)

// Provider job state labels as reported by the generation provider.
const (
	StateWaiting    = "waiting"
	StateQueuing    = "queuing"
	StateGenerating = "generating"
	StateSuccess    = "success"
	StateFail       = "fail"

	// StateSubmitting is recorded locally while a claimed start is being
	// submitted and no provider job id is known yet.
	StateSubmitting = "submitting"
)

// JobSpec is what the orchestrator submits to the provider.
type JobSpec struct {
	Model       string          `json:"model"`
	Input       json.RawMessage `json:"input"`
	CallbackURL string          `json:"callBackUrl,omitempty"`
}

// ProviderJob is the provider's view of a job as returned by Query.
type ProviderJob struct {
	TaskID      string
	State       string
	ResultJSON  json.RawMessage
	FailCode    string
	FailMessage string
	CompletedAt *time.Time
}

// Provider is the contract of the generation service adapter. Errors must
// wrap ErrProviderRejected for faults that will not succeed on retry and
// ErrProviderTransient otherwise.
type Provider interface {
	// Submit schedules a job and returns the provider job id.
	Submit(ctx context.Context, spec JobSpec) (string, error)
	// Query returns the current state of a job.
	Query(ctx context.Context, providerTaskID string) (ProviderJob, error)
}

// Relocator copies a provider result asset to storage owned by this
// backend. It is best effort; callers keep the provider URL on failure.
type Relocator interface {
	Relocate(ctx context.Context, temporaryURL string) (string, error)
}
