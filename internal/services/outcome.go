// Package services – outcome decoding
//
// Providers report job results in several payload shapes depending on the
// model family and on whether the result arrives through Query or through a
// webhook. Everything is normalized here into a single Outcome before any
// state machine logic runs. Webhook bodies are matched against each known
// schema in turn; the first schema that yields a job id wins.
package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OutcomeKind is the normalized result class of a provider report.
type OutcomeKind int

const (
	OutcomeInProgress OutcomeKind = iota
	OutcomeSucceeded
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	default:
		return "in_progress"
	}
}

// Outcome is the single internal event type produced from any provider
// report.
type Outcome struct {
	Kind          OutcomeKind
	ProviderState string
	ResultURLs    []string
	ResultData    string
	FailReason    string
	CompletedAt   *time.Time
}

// PrimaryURL returns the first result URL or "".
func (o Outcome) PrimaryURL() string {
	if len(o.ResultURLs) == 0 {
		return ""
	}
	return o.ResultURLs[0]
}

// resultBody is the known shape of a provider result document.
type resultBody struct {
	ResultURLs []string `json:"resultUrls"`
	ResultURL  string   `json:"resultUrl"`
	URL        string   `json:"url"`
	Images     []string `json:"images"`
	Videos     []string `json:"videos"`
}

func (b resultBody) urls() []string {
	var out []string
	add := func(u string) {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	for _, u := range b.ResultURLs {
		add(u)
	}
	add(b.ResultURL)
	add(b.URL)
	for _, u := range b.Images {
		add(u)
	}
	for _, u := range b.Videos {
		add(u)
	}
	return out
}

// unwrapJSON returns the JSON document held in raw, which may be either an
// object/array or a JSON string containing one.
func unwrapJSON(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		return json.RawMessage(s)
	}
	return raw
}

// parseResult extracts result URLs from a result document. A bare array of
// strings is accepted as a list of URLs.
func parseResult(raw json.RawMessage) ([]string, string) {
	doc := unwrapJSON(raw)
	if doc == nil {
		return nil, ""
	}
	if doc[0] == '[' {
		var list []string
		if err := json.Unmarshal(doc, &list); err == nil {
			return resultBody{ResultURLs: list}.urls(), string(doc)
		}
		return nil, string(doc)
	}
	var b resultBody
	if err := json.Unmarshal(doc, &b); err != nil {
		return nil, string(doc)
	}
	return b.urls(), string(doc)
}

// normalizeState maps provider state spellings onto the canonical labels.
func normalizeState(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "waiting", "wait", "pending", "created":
		return StateWaiting
	case "queuing", "queueing", "queued", "in_queue":
		return StateQueuing
	case "generating", "processing", "running", "in_progress":
		return StateGenerating
	case "success", "succeeded", "completed", "done":
		return StateSuccess
	case "fail", "failed", "error", "create_task_failed", "generate_failed":
		return StateFail
	default:
		return ""
	}
}

// outcomeFromState builds an Outcome for a canonical state.
func outcomeFromState(state string, result json.RawMessage, failCode, failMsg string, completedAt *time.Time) Outcome {
	o := Outcome{ProviderState: state, CompletedAt: completedAt}
	switch state {
	case StateSuccess:
		o.Kind = OutcomeSucceeded
		o.ResultURLs, o.ResultData = parseResult(result)
	case StateFail:
		o.Kind = OutcomeFailed
		o.FailReason = failureReason(failCode, failMsg)
	default:
		o.Kind = OutcomeInProgress
	}
	return o
}

func failureReason(code, msg string) string {
	code, msg = strings.TrimSpace(code), strings.TrimSpace(msg)
	switch {
	case code != "" && msg != "":
		return fmt.Sprintf("%s: %s", code, msg)
	case msg != "":
		return msg
	case code != "":
		return code
	default:
		return "generation failed"
	}
}

// OutcomeFromJob normalizes a Query result. Unknown states are treated as
// in progress so a later poll can still observe the terminal state.
func OutcomeFromJob(job ProviderJob) Outcome {
	state := normalizeState(job.State)
	if state == "" {
		state = strings.ToLower(strings.TrimSpace(job.State))
	}
	return outcomeFromState(state, job.ResultJSON, job.FailCode, job.FailMessage, job.CompletedAt)
}

//
// Webhook schemas
//

// recordSchema: {"code":200,"msg":"...","data":{"taskId":"...","state":"success","resultJson":"..."}}
type recordSchema struct {
	Code *int   `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		TaskID       string          `json:"taskId"`
		State        string          `json:"state"`
		ResultJSON   json.RawMessage `json:"resultJson"`
		FailCode     string          `json:"failCode"`
		FailMsg      string          `json:"failMsg"`
		CompleteTime *int64          `json:"completeTime"`
	} `json:"data"`
}

func (s recordSchema) decode() (string, Outcome, bool) {
	if s.Data == nil || s.Data.TaskID == "" || s.Data.State == "" {
		return "", Outcome{}, false
	}
	state := normalizeState(s.Data.State)
	if state == "" {
		return "", Outcome{}, false
	}
	return s.Data.TaskID, outcomeFromState(state, s.Data.ResultJSON, s.Data.FailCode, s.Data.FailMsg, millis(s.Data.CompleteTime)), true
}

// infoSchema: {"code":200,"msg":"...","data":{"task_id":"...","info":{"resultUrls":[...]}}}
// A non-200 code is a failure carrying msg as the reason.
type infoSchema struct {
	Code *int   `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		TaskID  string          `json:"task_id"`
		TaskID2 string          `json:"taskId"`
		Info    json.RawMessage `json:"info"`
	} `json:"data"`
}

func (s infoSchema) decode() (string, Outcome, bool) {
	if s.Code == nil || s.Data == nil {
		return "", Outcome{}, false
	}
	id := s.Data.TaskID
	if id == "" {
		id = s.Data.TaskID2
	}
	if id == "" {
		return "", Outcome{}, false
	}
	if *s.Code != 200 {
		return id, outcomeFromState(StateFail, nil, fmt.Sprint(*s.Code), s.Msg, nil), true
	}
	o := outcomeFromState(StateSuccess, s.Data.Info, "", "", nil)
	if len(o.ResultURLs) == 0 {
		// A 200 without any result yet is an intermediate notification.
		return id, Outcome{Kind: OutcomeInProgress, ProviderState: StateGenerating}, true
	}
	return id, o, true
}

// flatSchema: {"taskId":"...","status":"SUCCESS","output":{...}|[...],"error":"..."}
type flatSchema struct {
	TaskID string          `json:"taskId"`
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

func (s flatSchema) decode() (string, Outcome, bool) {
	id := s.TaskID
	if id == "" {
		id = s.ID
	}
	if id == "" || s.Status == "" {
		return "", Outcome{}, false
	}
	state := normalizeState(s.Status)
	if state == "" {
		return "", Outcome{}, false
	}
	return id, outcomeFromState(state, s.Output, "", s.Error, nil), true
}

// DecodeWebhook extracts the provider job id and a normalized Outcome from a
// raw webhook body. It returns ErrWebhookMalformed when no known schema
// yields a job id.
func DecodeWebhook(raw []byte) (string, Outcome, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", Outcome{}, fmt.Errorf("%w: empty body", ErrWebhookMalformed)
	}

	var rec recordSchema
	if err := json.Unmarshal(raw, &rec); err == nil {
		if id, o, ok := rec.decode(); ok {
			return id, o, nil
		}
	}
	var info infoSchema
	if err := json.Unmarshal(raw, &info); err == nil {
		if id, o, ok := info.decode(); ok {
			return id, o, nil
		}
	}
	var flat flatSchema
	if err := json.Unmarshal(raw, &flat); err == nil {
		if id, o, ok := flat.decode(); ok {
			return id, o, nil
		}
	}
	return "", Outcome{}, fmt.Errorf("%w: no job id found", ErrWebhookMalformed)
}

// millis converts a unix-milliseconds pointer to a UTC time pointer.
func millis(ms *int64) *time.Time {
	if ms == nil || *ms <= 0 {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

// progressByState is the fixed, coarse mapping surfaced to pollers. It is a
// UX approximation, not a measured completion.
var progressByState = map[string]int{
	StateWaiting:    10,
	StateQueuing:    20,
	StateGenerating: 60,
	StateSuccess:    100,
	StateFail:       100,
}

// Progress returns the 0..100 progress estimate for a task status and the
// last provider state label seen.
func Progress(status, providerState string) int {
	switch status {
	case "succeeded", "failed":
		return 100
	case "pending":
		return 0
	}
	return progressByState[normalizeState(providerState)]
}
