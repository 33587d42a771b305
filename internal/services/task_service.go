// Package services – TaskService
//
// TaskService drives generation tasks through pending -> running ->
// succeeded|failed. Two channels report provider progress: client polling
// (Refresh) and provider webhooks (Reconcile). Both decode into an Outcome
// and converge on applyOutcome, whose only write is a conditional update
// guarded on the stored status, so the terminal transition is applied
// exactly once no matter how the channels interleave.
//
// Submission follows a saga: the balance is checked first, the provider is
// called with a bounded timeout, and only after acceptance are the task row
// and the credit deduction committed in one transaction. A commit that keeps
// failing after acceptance is recorded as an OrphanedJob.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/tbourn/go-credits-backend/internal/domain"
	"github.com/tbourn/go-credits-backend/internal/observability"
	"github.com/tbourn/go-credits-backend/internal/repo"
	"github.com/tbourn/go-credits-backend/internal/utils"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Transition channels used for metrics and logs.
const (
	ChannelCreate  = "create"
	ChannelStart   = "start"
	ChannelPoll    = "poll"
	ChannelWebhook = "webhook"
)

// errStartLost aborts a start commit whose claimed task no longer accepts
// a provider job.
var errStartLost = errors.New("task start claim lost")

// CreateTaskInput is the caller-supplied part of a new task.
type CreateTaskInput struct {
	Model string
	Input json.RawMessage
	// StartAt defers submission until the given time. Nil or past means now.
	StartAt *time.Time
}

// TaskView is the polling snapshot of a task.
type TaskView struct {
	Task     domain.Task `json:"task"`
	Progress int         `json:"progress"`
}

// ReconcileResult describes what a webhook delivery did. It is informational;
// the webhook is acknowledged regardless.
type ReconcileResult struct {
	ProviderTaskID string
	TaskNo         string
	Result         string
	Applied        bool
	Err            error
}

// TaskService orchestrates task creation and state reconciliation.
type TaskService struct {
	DB        *gorm.DB
	Ledger    *LedgerService
	Provider  Provider
	Relocator Relocator
	Prices    *PriceCatalog

	CallbackURL    string
	SubmitTimeout  time.Duration
	QueryTimeout   time.Duration
	CommitAttempts int
	IdempotencyTTL time.Duration

	Log zerolog.Logger
	Now func() time.Time
}

// NewTaskService constructs a TaskService with default timeouts. relocator
// may be nil, in which case provider URLs are stored as-is.
func NewTaskService(db *gorm.DB, ledger *LedgerService, provider Provider, relocator Relocator, prices *PriceCatalog) *TaskService {
	return &TaskService{
		DB:             db,
		Ledger:         ledger,
		Provider:       provider,
		Relocator:      relocator,
		Prices:         prices,
		SubmitTimeout:  30 * time.Second,
		QueryTimeout:   10 * time.Second,
		CommitAttempts: 3,
		Log:            log.Logger,
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

func (s *TaskService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *TaskService) tracer() trace.Tracer { return otel.Tracer("services/TaskService") }

// View returns the polling snapshot for t.
func View(t domain.Task) TaskView {
	return TaskView{Task: t, Progress: Progress(t.Status, t.ProviderState)}
}

// Create validates the request, checks the balance, submits to the provider
// and commits the task with its deduction. With a future StartAt the task is
// stored as pending and nothing is charged until it starts.
func (s *TaskService) Create(ctx context.Context, userID string, in CreateTaskInput) (*domain.Task, error) {
	ctx, span := s.tracer().Start(ctx, "Create", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("task.model", in.Model),
	))
	defer span.End()

	if userID == "" {
		return nil, invalid("user_id", "required")
	}
	model := canonicalModel(in.Model)
	if model == "" {
		return nil, invalid("model", "required")
	}
	input, err := normalizeInput(in.Input)
	if err != nil {
		return nil, err
	}
	price, ok := s.Prices.Price(model)
	if !ok {
		return nil, invalid("model", "unsupported model")
	}

	balance, err := s.Ledger.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance < price {
		observability.InsufficientCredits.Inc()
		return nil, &CreditInsufficientError{Balance: balance, Required: price}
	}

	now := s.now()
	uid := userID
	task := &domain.Task{
		TaskNo:      uuid.NewString(),
		UserID:      &uid,
		Model:       model,
		Credits:     price,
		InputParams: string(input),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if in.StartAt != nil && in.StartAt.After(now) {
		at := in.StartAt.UTC()
		task.Status = domain.TaskPending
		task.EstimatedStartAt = &at
		if err := repo.CreateTask(ctx, s.DB, task); err != nil {
			span.RecordError(err)
			return nil, err
		}
		observability.TaskTransitions.WithLabelValues(domain.TaskPending, ChannelCreate).Inc()
		return task, nil
	}

	spec := s.jobSpec(task)
	providerID, err := s.submit(ctx, spec)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	task.Status = domain.TaskRunning
	task.TaskID = &providerID
	task.ProviderState = StateWaiting
	task.RequestParam = mustJSON(spec)

	err = s.commit(ctx, task, providerID, func(tx *gorm.DB) error {
		row := *task
		if err := repo.CreateTask(ctx, tx, &row); err != nil {
			return err
		}
		_, err := s.Ledger.ConsumeTx(ctx, tx, userID, price, ConsumeMeta{
			SourceType: SourceTask,
			SourceID:   task.TaskNo,
			Reason:     "task " + model,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	observability.CreditsConsumed.WithLabelValues(SourceTask).Add(float64(price))
	observability.TaskTransitions.WithLabelValues(domain.TaskRunning, ChannelCreate).Inc()
	return task, nil
}

// Start moves a due pending task to running, submitting it and charging its
// credits. Starting a task that is not pending or not yet due is a
// TaskStateError.
func (s *TaskService) Start(ctx context.Context, userID, taskNo string) (*domain.Task, error) {
	ctx, span := s.tracer().Start(ctx, "Start", trace.WithAttributes(attribute.String("task.no", taskNo)))
	defer span.End()

	task, err := s.load(ctx, userID, taskNo)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.TaskPending {
		return nil, &TaskStateError{TaskNo: taskNo, Status: task.Status, Op: "start"}
	}
	if !s.due(task) {
		return nil, &TaskStateError{TaskNo: taskNo, Status: task.Status, Op: "start before its scheduled time"}
	}

	started, applied, err := s.startPending(ctx, task, ChannelStart)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !applied {
		return nil, &TaskStateError{TaskNo: taskNo, Status: started.Status, Op: "start"}
	}
	return started, nil
}

// Refresh is the pull path. Terminal tasks are returned without contacting
// the provider. A due pending task is started. A running task is queried
// and the decoded outcome applied. Provider query failures are logged and
// the stored snapshot is returned.
func (s *TaskService) Refresh(ctx context.Context, userID, taskNo string) (TaskView, error) {
	ctx, span := s.tracer().Start(ctx, "Refresh", trace.WithAttributes(attribute.String("task.no", taskNo)))
	defer span.End()

	task, err := s.load(ctx, userID, taskNo)
	if err != nil {
		return TaskView{}, err
	}

	switch task.Status {
	case domain.TaskSucceeded, domain.TaskFailed:
		return View(*task), nil

	case domain.TaskPending:
		if !s.due(task) {
			return View(*task), nil
		}
		started, _, err := s.startPending(ctx, task, ChannelPoll)
		if err != nil {
			span.RecordError(err)
			return TaskView{}, err
		}
		return View(*started), nil
	}

	providerID := task.ProviderTaskID()
	if providerID == "" {
		return View(*task), nil
	}
	job, err := s.query(ctx, providerID)
	if err != nil {
		span.RecordError(err)
		s.Log.Warn().Err(err).Str("task_no", taskNo).Str("provider_task_id", providerID).Msg("provider query failed")
		return View(*task), nil
	}

	updated, _, err := s.applyOutcome(ctx, task, OutcomeFromJob(job), ChannelPoll)
	if err != nil {
		span.RecordError(err)
		return TaskView{}, err
	}
	return View(*updated), nil
}

// Reconcile is the push path for provider webhooks. providerTaskID may be
// empty, in which case it is taken from the payload. It never returns an
// error: every delivery is logged as a WebhookLog row with its result, and
// the caller always acknowledges.
func (s *TaskService) Reconcile(ctx context.Context, providerTaskID string, raw []byte) (res ReconcileResult) {
	ctx, span := s.tracer().Start(ctx, "Reconcile")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			res.Result = domain.WebhookError
			res.Err = fmt.Errorf("panic: %v", r)
			s.Log.Error().Interface("panic", r).Str("provider_task_id", res.ProviderTaskID).Msg("webhook processing panicked")
		}
		if res.Err != nil {
			span.RecordError(res.Err)
		}
		observability.WebhookDeliveries.WithLabelValues(res.Result).Inc()
		s.logWebhook(ctx, res, raw)
	}()

	decodedID, outcome, err := DecodeWebhook(raw)
	if providerTaskID == "" {
		providerTaskID = decodedID
	}
	res.ProviderTaskID = providerTaskID
	span.SetAttributes(attribute.String("provider.task_id", providerTaskID))

	if err != nil {
		res.Result = domain.WebhookMalformed
		res.Err = err
		s.Log.Warn().Err(err).Str("provider_task_id", providerTaskID).Msg("webhook payload not understood")
		return res
	}

	task, err := repo.GetTaskByProviderID(ctx, s.DB, providerTaskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			res.Result = domain.WebhookNotFound
			res.Err = fmt.Errorf("%w: provider task %s", ErrTaskNotFound, providerTaskID)
			s.Log.Warn().Err(res.Err).Msg("webhook for unknown task")
			return res
		}
		res.Result = domain.WebhookError
		res.Err = err
		s.Log.Error().Err(err).Str("provider_task_id", providerTaskID).Msg("webhook task lookup failed")
		return res
	}
	res.TaskNo = task.TaskNo

	if task.Terminal() {
		res.Result = domain.WebhookIgnored
		return res
	}

	_, applied, err := s.applyOutcome(ctx, task, outcome, ChannelWebhook)
	if err != nil {
		res.Result = domain.WebhookError
		res.Err = err
		s.Log.Error().Err(err).Str("task_no", task.TaskNo).Msg("webhook outcome not applied")
		return res
	}
	res.Applied = applied
	if applied || outcome.Kind == OutcomeInProgress {
		res.Result = domain.WebhookProcessed
	} else {
		res.Result = domain.WebhookIgnored
	}
	return res
}

// List returns a page of the caller's tasks, newest first, and the total.
func (s *TaskService) List(ctx context.Context, userID string, page, pageSize int) ([]domain.Task, int64, error) {
	_, pageSize, offset := utils.NormalizePage(page, pageSize)
	total, err := repo.CountTasks(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Task{}, 0, nil
	}
	items, err := repo.ListTasksPage(ctx, s.DB, userID, offset, pageSize)
	return items, total, err
}

// Charges returns the consumption records written for the caller's task,
// oldest first. A task that was never charged yields an empty slice.
func (s *TaskService) Charges(ctx context.Context, userID, taskNo string) ([]domain.ConsumptionRecord, error) {
	task, err := s.load(ctx, userID, taskNo)
	if err != nil {
		return nil, err
	}
	recs, err := repo.ListConsumptionsBySource(ctx, s.DB, SourceTask, task.TaskNo)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []domain.ConsumptionRecord{}
	}
	return recs, nil
}

// DefaultOrphanLimit caps ListOrphans when no limit is given.
const DefaultOrphanLimit = 100

// ListOrphans returns unresolved provider jobs that were accepted but never
// recorded, oldest first, for operator reconciliation.
func (s *TaskService) ListOrphans(ctx context.Context, limit int) ([]domain.OrphanedJob, error) {
	if limit <= 0 || limit > DefaultOrphanLimit {
		limit = DefaultOrphanLimit
	}
	jobs, err := repo.ListOrphanedJobs(ctx, s.DB, limit)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []domain.OrphanedJob{}
	}
	return jobs, nil
}

// applyOutcome is the single transition routine shared by both channels.
// A terminal outcome is written with a conditional update on status =
// running; if another writer got there first the stored row is returned and
// applied is false. A success outcome re-reads the row before relocating
// its asset. In-progress outcomes only refresh provider_state.
func (s *TaskService) applyOutcome(ctx context.Context, task *domain.Task, o Outcome, channel string) (*domain.Task, bool, error) {
	if task.Terminal() {
		return task, false, nil
	}
	if task.Status != domain.TaskRunning {
		return task, false, &TaskStateError{TaskNo: task.TaskNo, Status: task.Status, Op: "apply outcome"}
	}

	var updates map[string]any
	switch o.Kind {
	case OutcomeInProgress:
		if o.ProviderState == "" || o.ProviderState == task.ProviderState {
			return task, false, nil
		}
		if _, err := repo.TransitionTask(ctx, s.DB, task.TaskNo, domain.TaskRunning, map[string]any{
			"provider_state": o.ProviderState,
		}); err != nil {
			return nil, false, err
		}
		fresh, err := repo.GetTask(ctx, s.DB, task.TaskNo)
		if err != nil {
			return nil, false, err
		}
		return fresh, false, nil

	case OutcomeSucceeded:
		// Relocation downloads the asset, so skip it when another writer
		// has already finished the task.
		current, err := repo.GetTask(ctx, s.DB, task.TaskNo)
		if err != nil {
			return nil, false, err
		}
		if current.Status != domain.TaskRunning {
			observability.TransitionConflicts.WithLabelValues(channel).Inc()
			return current, false, nil
		}
		origin := o.PrimaryURL()
		stored := s.relocate(ctx, task.TaskNo, origin)
		updates = map[string]any{
			"status":            domain.TaskSucceeded,
			"result_data":       o.ResultData,
			"result_url":        stored,
			"origin_result_url": origin,
			"provider_state":    StateSuccess,
			"completed_at":      s.completedAt(o),
		}

	case OutcomeFailed:
		updates = map[string]any{
			"status":         domain.TaskFailed,
			"fail_reason":    o.FailReason,
			"provider_state": StateFail,
			"completed_at":   s.completedAt(o),
		}
	}

	applied, err := repo.TransitionTask(ctx, s.DB, task.TaskNo, domain.TaskRunning, updates)
	if err != nil {
		return nil, false, err
	}
	if applied {
		observability.TaskTransitions.WithLabelValues(updates["status"].(string), channel).Inc()
	} else {
		observability.TransitionConflicts.WithLabelValues(channel).Inc()
	}

	fresh, err := repo.GetTask(ctx, s.DB, task.TaskNo)
	if err != nil {
		return nil, false, err
	}
	return fresh, applied, nil
}

// startPending claims a pending task by moving it to running with no
// provider job bound, then submits it and binds the job id together with
// the charge in one transaction. Only the caller that wins the claim talks
// to the provider; applied is false for everyone else and the current row
// is returned. A failed submit or commit puts the task back to pending.
func (s *TaskService) startPending(ctx context.Context, task *domain.Task, channel string) (*domain.Task, bool, error) {
	userID := ""
	if task.UserID != nil {
		userID = *task.UserID
	}

	balance, err := s.Ledger.GetBalance(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if balance < task.Credits {
		observability.InsufficientCredits.Inc()
		return nil, false, &CreditInsufficientError{Balance: balance, Required: task.Credits}
	}

	claimed, err := repo.TransitionUnboundTask(ctx, s.DB, task.TaskNo, domain.TaskPending, map[string]any{
		"status":         domain.TaskRunning,
		"provider_state": StateSubmitting,
	})
	if err != nil {
		return nil, false, err
	}
	if !claimed {
		observability.TransitionConflicts.WithLabelValues(channel).Inc()
		fresh, gerr := repo.GetTask(ctx, s.DB, task.TaskNo)
		if gerr != nil {
			return nil, false, gerr
		}
		return fresh, false, nil
	}

	spec := s.jobSpec(task)
	providerID, err := s.submit(ctx, spec)
	if err != nil {
		s.releaseStart(ctx, task.TaskNo)
		return nil, false, err
	}

	err = s.commit(ctx, task, providerID, func(tx *gorm.DB) error {
		bound, err := repo.TransitionUnboundTask(ctx, tx, task.TaskNo, domain.TaskRunning, map[string]any{
			"task_id":        providerID,
			"provider_state": StateWaiting,
			"request_param":  mustJSON(spec),
		})
		if err != nil {
			return err
		}
		if !bound {
			return errStartLost
		}
		_, err = s.Ledger.ConsumeTx(ctx, tx, userID, task.Credits, ConsumeMeta{
			SourceType: SourceTask,
			SourceID:   task.TaskNo,
			Reason:     "task " + task.Model,
		})
		return err
	})
	if err != nil {
		s.releaseStart(ctx, task.TaskNo)
		if errors.Is(err, errStartLost) {
			observability.TransitionConflicts.WithLabelValues(channel).Inc()
			fresh, gerr := repo.GetTask(ctx, s.DB, task.TaskNo)
			if gerr != nil {
				return nil, false, gerr
			}
			return fresh, false, nil
		}
		return nil, false, err
	}

	observability.CreditsConsumed.WithLabelValues(SourceTask).Add(float64(task.Credits))
	observability.TaskTransitions.WithLabelValues(domain.TaskRunning, channel).Inc()
	fresh, err := repo.GetTask(ctx, s.DB, task.TaskNo)
	if err != nil {
		return nil, false, err
	}
	return fresh, true, nil
}

// releaseStart returns a claimed but unbound task to pending so it can be
// started again.
func (s *TaskService) releaseStart(ctx context.Context, taskNo string) {
	_, err := repo.TransitionUnboundTask(context.WithoutCancel(ctx), s.DB, taskNo, domain.TaskRunning, map[string]any{
		"status":         domain.TaskPending,
		"provider_state": "",
	})
	if err != nil {
		s.Log.Error().Err(err).Str("task_no", taskNo).Msg("failed to release task start claim")
	}
}

// commit runs fn in a transaction, retrying up to CommitAttempts times. A
// retry first checks whether an earlier attempt already bound providerID to
// this task, which makes the commit idempotent per provider job. When the
// commit cannot be completed the job is recorded as orphaned and an error
// wrapping ErrOrphanedJob is returned.
func (s *TaskService) commit(ctx context.Context, task *domain.Task, providerID string, fn func(tx *gorm.DB) error) error {
	attempts := s.CommitAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if existing, gerr := repo.GetTaskByProviderID(ctx, s.DB, providerID); gerr == nil && existing.TaskNo == task.TaskNo {
				return nil
			}
		}
		err = s.DB.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, errStartLost) {
			break
		}
		if !retryableCommit(err) {
			break
		}
		s.Log.Warn().Err(err).Int("attempt", attempt).Str("task_no", task.TaskNo).Str("provider_task_id", providerID).Msg("task commit failed, retrying")
	}

	reason := err.Error()
	if errors.Is(err, errStartLost) {
		reason = "task start claim lost before the job was bound"
	}
	s.recordOrphan(ctx, task, providerID, reason)
	if errors.Is(err, errStartLost) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrOrphanedJob, err)
}

// retryableCommit reports whether a failed commit is worth another attempt.
// Business rejections (insufficient balance, invalid input) are final.
func retryableCommit(err error) bool {
	var ce *CreditInsufficientError
	var ve *ValidationError
	switch {
	case errors.As(err, &ce), errors.As(err, &ve):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func (s *TaskService) recordOrphan(ctx context.Context, task *domain.Task, providerID, reason string) {
	userID := ""
	if task.UserID != nil {
		userID = *task.UserID
	}
	job := &domain.OrphanedJob{
		ProviderTaskID: providerID,
		TaskNo:         task.TaskNo,
		UserID:         userID,
		Credits:        task.Credits,
		Reason:         reason,
		CreatedAt:      s.now(),
	}
	if err := repo.RecordOrphanedJob(context.WithoutCancel(ctx), s.DB, job); err != nil {
		s.Log.Error().Err(err).Str("provider_task_id", providerID).Str("task_no", task.TaskNo).Msg("failed to record orphaned job")
		return
	}
	observability.OrphanedJobs.Inc()
	s.Log.Error().Str("provider_task_id", providerID).Str("task_no", task.TaskNo).Str("reason", reason).Msg("provider job orphaned")
}

// submit calls Provider.Submit under SubmitTimeout.
func (s *TaskService) submit(ctx context.Context, spec JobSpec) (string, error) {
	if s.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.SubmitTimeout)
		defer cancel()
	}
	id, err := s.Provider.Submit(ctx, spec)
	if err == nil && id == "" {
		err = fmt.Errorf("%w: empty job id", ErrProviderTransient)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrProviderTransient) {
			err = fmt.Errorf("%w: %w", ErrProviderTransient, err)
		}
		pe := newProviderError("submit", err)
		observability.ProviderCalls.WithLabelValues("submit", outcomeLabel(pe)).Inc()
		return "", pe
	}
	observability.ProviderCalls.WithLabelValues("submit", "ok").Inc()
	return id, nil
}

// query calls Provider.Query under QueryTimeout.
func (s *TaskService) query(ctx context.Context, providerID string) (ProviderJob, error) {
	if s.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.QueryTimeout)
		defer cancel()
	}
	job, err := s.Provider.Query(ctx, providerID)
	if err != nil {
		pe := newProviderError("query", err)
		observability.ProviderCalls.WithLabelValues("query", outcomeLabel(pe)).Inc()
		return ProviderJob{}, pe
	}
	observability.ProviderCalls.WithLabelValues("query", "ok").Inc()
	return job, nil
}

func outcomeLabel(pe *ProviderError) string {
	if pe.Retryable {
		return "transient"
	}
	return "rejected"
}

// relocate copies origin to durable storage. On failure or without a
// Relocator the provider URL is kept.
func (s *TaskService) relocate(ctx context.Context, taskNo, origin string) string {
	if origin == "" || s.Relocator == nil {
		return origin
	}
	stable, err := s.Relocator.Relocate(ctx, origin)
	if err != nil || stable == "" {
		s.Log.Warn().Err(err).Str("task_no", taskNo).Str("url", origin).Msg("asset relocation failed, keeping provider url")
		return origin
	}
	return stable
}

func (s *TaskService) completedAt(o Outcome) time.Time {
	if o.CompletedAt != nil {
		return o.CompletedAt.UTC()
	}
	return s.now()
}

// load fetches a task visible to userID. Tasks of other users are reported
// as not found.
func (s *TaskService) load(ctx context.Context, userID, taskNo string) (*domain.Task, error) {
	if taskNo == "" {
		return nil, invalid("task_no", "required")
	}
	task, err := repo.GetTask(ctx, s.DB, taskNo)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	if task.UserID != nil && *task.UserID != userID {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

func (s *TaskService) due(task *domain.Task) bool {
	return task.EstimatedStartAt == nil || !task.EstimatedStartAt.After(s.now())
}

func (s *TaskService) jobSpec(task *domain.Task) JobSpec {
	return JobSpec{
		Model:       task.Model,
		Input:       json.RawMessage(task.InputParams),
		CallbackURL: s.CallbackURL,
	}
}

// normalizeInput checks that raw is a JSON object and applies Unicode NFC
// normalization so that visually identical prompts are stored identically.
func normalizeInput(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return json.RawMessage("{}"), nil
	}
	if raw[0] != '{' || !json.Valid(raw) {
		return nil, invalid("input", "must be a JSON object")
	}
	return json.RawMessage(norm.NFC.Bytes(raw)), nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// logWebhook persists the delivery. Failures are logged and swallowed.
func (s *TaskService) logWebhook(ctx context.Context, res ReconcileResult, raw []byte) {
	errMsg := ""
	if res.Err != nil {
		errMsg = res.Err.Error()
	}
	if _, err := repo.CreateWebhookLog(context.WithoutCancel(ctx), s.DB, res.ProviderTaskID, raw, res.Result, errMsg); err != nil {
		s.Log.Error().Err(err).Str("provider_task_id", res.ProviderTaskID).Msg("failed to persist webhook log")
	}
}
