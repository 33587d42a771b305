// Package mock provides an in-process generation provider for local
// development and tests. Jobs advance one state per Query call:
// waiting -> queuing -> generating -> success (or fail).
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tbourn/go-credits-backend/internal/services"
)

var lifecycle = []string{
	services.StateWaiting,
	services.StateQueuing,
	services.StateGenerating,
}

// Provider is a mock generation provider.
type Provider struct {
	latency     time.Duration
	submitErr   error
	failJobs    bool
	resultBase  string
	submitCount atomic.Int64
	queryCount  atomic.Int64

	mu   sync.Mutex
	jobs map[string]int
}

var _ services.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithSubmitError makes every Submit return err.
func WithSubmitError(err error) Option {
	return func(p *Provider) { p.submitErr = err }
}

// WithFailingJobs makes every job end in the fail state.
func WithFailingJobs() Option {
	return func(p *Provider) { p.failJobs = true }
}

// WithResultBase sets the URL prefix of generated results.
func WithResultBase(base string) Option {
	return func(p *Provider) { p.resultBase = base }
}

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		resultBase: "https://mock-provider.invalid/results",
		jobs:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SubmitCount returns the number of Submit calls.
func (p *Provider) SubmitCount() int64 { return p.submitCount.Load() }

// QueryCount returns the number of Query calls.
func (p *Provider) QueryCount() int64 { return p.queryCount.Load() }

func (p *Provider) wait(ctx context.Context) error {
	if p.latency <= 0 {
		return nil
	}
	select {
	case <-time.After(p.latency):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", services.ErrProviderTransient, ctx.Err())
	}
}

// Submit registers a new job.
func (p *Provider) Submit(ctx context.Context, _ services.JobSpec) (string, error) {
	if err := p.wait(ctx); err != nil {
		return "", err
	}
	p.submitCount.Add(1)
	if p.submitErr != nil {
		return "", p.submitErr
	}

	id := "mock-" + uuid.NewString()
	p.mu.Lock()
	p.jobs[id] = 0
	p.mu.Unlock()
	return id, nil
}

// Query advances the job by one state and reports it.
func (p *Provider) Query(ctx context.Context, id string) (services.ProviderJob, error) {
	if err := p.wait(ctx); err != nil {
		return services.ProviderJob{}, err
	}
	p.queryCount.Add(1)

	p.mu.Lock()
	step, ok := p.jobs[id]
	if ok {
		p.jobs[id] = step + 1
	}
	p.mu.Unlock()
	if !ok {
		return services.ProviderJob{}, fmt.Errorf("%w: unknown job %s", services.ErrProviderRejected, id)
	}

	job := services.ProviderJob{TaskID: id}
	if step < len(lifecycle) {
		job.State = lifecycle[step]
		return job, nil
	}

	now := time.Now().UTC()
	job.CompletedAt = &now
	if p.failJobs {
		job.State = services.StateFail
		job.FailMessage = "mock failure"
		return job, nil
	}
	job.State = services.StateSuccess
	job.ResultJSON, _ = json.Marshal(map[string][]string{
		"resultUrls": {fmt.Sprintf("%s/%s.png", p.resultBase, id)},
	})
	return job, nil
}
