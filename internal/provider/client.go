// Package provider contains adapters for the external generation service.
//
// Client speaks the provider's job API over HTTP+JSON:
//
//	POST {base}/jobs/createTask          -> {"code":200,"data":{"taskId":"..."}}
//	GET  {base}/jobs/recordInfo?taskId=  -> {"code":200,"data":{"state":"success",...}}
//
// The provider reports failures both through HTTP status codes and through
// the "code" field of the JSON envelope; both are mapped onto
// services.ErrProviderRejected (will not succeed on retry) or
// services.ErrProviderTransient.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tbourn/go-credits-backend/internal/services"
)

// Client is the HTTP adapter for the generation provider.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ services.Provider = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Client) { p.httpClient = c }
}

// New creates a Client for baseURL authenticating with apiKey.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// envelope is the provider's response wrapper.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type createTaskData struct {
	TaskID string `json:"taskId"`
}

type recordInfoData struct {
	TaskID       string          `json:"taskId"`
	State        string          `json:"state"`
	ResultJSON   json.RawMessage `json:"resultJson"`
	FailCode     string          `json:"failCode"`
	FailMsg      string          `json:"failMsg"`
	CompleteTime int64           `json:"completeTime"`
}

// Submit schedules a job and returns the provider job id.
func (c *Client) Submit(ctx context.Context, spec services.JobSpec) (string, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("%w: marshal request: %v", services.ErrProviderRejected, err)
	}

	var data createTaskData
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/jobs/createTask", bytes.NewReader(body), &data); err != nil {
		return "", err
	}
	if data.TaskID == "" {
		return "", fmt.Errorf("%w: response carries no taskId", services.ErrProviderTransient)
	}
	return data.TaskID, nil
}

// Query returns the current state of a job.
func (c *Client) Query(ctx context.Context, providerTaskID string) (services.ProviderJob, error) {
	u := c.baseURL + "/jobs/recordInfo?taskId=" + url.QueryEscape(providerTaskID)

	var data recordInfoData
	if err := c.do(ctx, http.MethodGet, u, nil, &data); err != nil {
		return services.ProviderJob{}, err
	}

	job := services.ProviderJob{
		TaskID:      data.TaskID,
		State:       data.State,
		ResultJSON:  data.ResultJSON,
		FailCode:    data.FailCode,
		FailMessage: data.FailMsg,
	}
	if job.TaskID == "" {
		job.TaskID = providerTaskID
	}
	if data.CompleteTime > 0 {
		t := time.UnixMilli(data.CompleteTime).UTC()
		job.CompletedAt = &t
	}
	return job, nil
}

func (c *Client) do(ctx context.Context, method, u string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("%w: create request: %v", services.ErrProviderRejected, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %w", services.ErrProviderTransient, err)
		}
		return fmt.Errorf("%w: %v", services.ErrProviderTransient, err)
	}
	defer resp.Body.Close()

	if err := mapHTTPError(resp); err != nil {
		return err
	}

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&env); err != nil {
		return fmt.Errorf("%w: decode response: %v", services.ErrProviderTransient, err)
	}
	if err := mapCode(env.Code, env.Msg); err != nil {
		return err
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%w: decode data: %v", services.ErrProviderTransient, err)
		}
	}
	return nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return classify(resp.StatusCode, strings.TrimSpace(string(body)))
}

// mapCode maps the envelope code. Zero is treated as success for providers
// that omit it.
func mapCode(code int, msg string) error {
	if code == 0 || code == http.StatusOK {
		return nil
	}
	return classify(code, msg)
}

func classify(code int, msg string) error {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return fmt.Errorf("%w: status %d: %s", services.ErrProviderTransient, code, msg)
	case code >= 400:
		return fmt.Errorf("%w: status %d: %s", services.ErrProviderRejected, code, msg)
	default:
		return fmt.Errorf("%w: unexpected status %d: %s", services.ErrProviderTransient, code, msg)
	}
}
