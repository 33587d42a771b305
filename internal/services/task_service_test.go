package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tbourn/go-credits-backend/internal/domain"
	"github.com/tbourn/go-credits-backend/internal/repo"
)

type taskFixture struct {
	svc      *TaskService
	ledger   *LedgerService
	db       *gorm.DB
	clock    *testClock
	provider *fakeProvider
	reloc    *fakeRelocator
}

func newTaskFixture(t *testing.T) *taskFixture {
	t.Helper()
	l, db, clk := newLedger(t)
	p := &fakeProvider{}
	r := &fakeRelocator{}
	prices := NewPriceCatalog(0, map[string]int64{"image-basic": 2, "video-hd": 10})

	s := NewTaskService(db, l, p, r, prices)
	s.Now = clk.Now
	s.Log = zerolog.Nop()
	s.CallbackURL = "https://api.local/api/v1/webhooks/provider"
	return &taskFixture{svc: s, ledger: l, db: db, clock: clk, provider: p, reloc: r}
}

func (f *taskFixture) fund(t *testing.T, userID string, credits int64) {
	t.Helper()
	seedLot(t, f.db, userID, credits, f.clock.Now().Add(-time.Hour), nil)
}

func (f *taskFixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (f *taskFixture) countRows(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Count(&n).Error)
	return n
}

// runningTask creates a funded, submitted task.
func (f *taskFixture) runningTask(t *testing.T, userID string) *domain.Task {
	t.Helper()
	f.fund(t, userID, 10)
	task, err := f.svc.Create(context.Background(), userID, CreateTaskInput{Model: "image-basic", Input: json.RawMessage(`{"prompt":"cat"}`)})
	require.NoError(t, err)
	require.Equal(t, domain.TaskRunning, task.Status)
	return task
}

func successJob(id, url string) ProviderJob {
	return ProviderJob{TaskID: id, State: StateSuccess, ResultJSON: json.RawMessage(fmt.Sprintf(`{"resultUrls":[%q]}`, url))}
}

func TestCreate_ZeroBalance_NoProviderCall(t *testing.T) {
	f := newTaskFixture(t)

	_, err := f.svc.Create(context.Background(), "u1", CreateTaskInput{Model: "image-basic"})
	var ce *CreditInsufficientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int64(0), ce.Balance)
	assert.Equal(t, int64(2), ce.Required)
	assert.Equal(t, int64(0), f.provider.submits.Load())
	assert.Zero(t, f.countRows(t, &domain.Task{}))
}

func TestCreate_ChargesAfterAcceptance(t *testing.T) {
	f := newTaskFixture(t)
	f.fund(t, "u1", 5)

	var submitted JobSpec
	f.provider.submitFn = func(_ context.Context, spec JobSpec) (string, error) {
		submitted = spec
		return "prov-1", nil
	}

	task, err := f.svc.Create(context.Background(), "u1", CreateTaskInput{Model: " Image-Basic ", Input: json.RawMessage(`{"prompt":"a cat"}`)})
	require.NoError(t, err)

	assert.Equal(t, domain.TaskRunning, task.Status)
	assert.Equal(t, "prov-1", task.ProviderTaskID())
	assert.Equal(t, "image-basic", task.Model)
	assert.Equal(t, int64(2), task.Credits)
	assert.Equal(t, "image-basic", submitted.Model)
	assert.Equal(t, f.svc.CallbackURL, submitted.CallbackURL)
	assert.JSONEq(t, `{"prompt":"a cat"}`, string(submitted.Input))

	assert.Equal(t, int64(3), f.balance(t, "u1"))
	recs, err := repo.ListConsumptionsBySource(context.Background(), f.db, SourceTask, task.TaskNo)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(2), recs[0].Credits)

	stored, err := repo.GetTaskByProviderID(context.Background(), f.db, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, task.TaskNo, stored.TaskNo)
}

func TestCreate_Validation(t *testing.T) {
	f := newTaskFixture(t)
	f.fund(t, "u1", 5)
	ctx := context.Background()

	var ve *ValidationError
	_, err := f.svc.Create(ctx, "u1", CreateTaskInput{Model: ""})
	assert.ErrorAs(t, err, &ve)
	_, err = f.svc.Create(ctx, "u1", CreateTaskInput{Model: "image-basic", Input: json.RawMessage(`[1,2]`)})
	assert.ErrorAs(t, err, &ve)
	_, err = f.svc.Create(ctx, "u1", CreateTaskInput{Model: "not-offered"})
	assert.ErrorAs(t, err, &ve)
	_, err = f.svc.Create(ctx, "", CreateTaskInput{Model: "image-basic"})
	assert.ErrorAs(t, err, &ve)

	assert.Equal(t, int64(0), f.provider.submits.Load())
}

func TestCreate_ProviderRejected_LeavesLedgerUntouched(t *testing.T) {
	f := newTaskFixture(t)
	f.fund(t, "u1", 5)
	f.provider.submitFn = func(context.Context, JobSpec) (string, error) {
		return "", fmt.Errorf("%w: 401 unauthorized", ErrProviderRejected)
	}

	_, err := f.svc.Create(context.Background(), "u1", CreateTaskInput{Model: "image-basic"})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.False(t, pe.Retryable)
	assert.Equal(t, "submit", pe.Op)
	assert.False(t, IsRetryable(err))

	assert.Equal(t, int64(5), f.balance(t, "u1"))
	assert.Zero(t, f.countRows(t, &domain.Task{}))
	assert.Zero(t, f.countRows(t, &domain.ConsumptionRecord{}))
}

func TestCreate_ProviderTimeout_IsRetryable(t *testing.T) {
	f := newTaskFixture(t)
	f.fund(t, "u1", 5)
	f.svc.SubmitTimeout = 20 * time.Millisecond
	f.provider.submitFn = func(ctx context.Context, _ JobSpec) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	_, err := f.svc.Create(context.Background(), "u1", CreateTaskInput{Model: "image-basic"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, ErrProviderTransient)
	assert.Equal(t, int64(5), f.balance(t, "u1"))
	assert.Zero(t, f.countRows(t, &domain.Task{}))
}

func TestCreate_CommitFailureRecordsOrphan(t *testing.T) {
	f := newTaskFixture(t)
	f.fund(t, "u1", 2)

	// The balance is drained between the precheck and the commit.
	f.provider.submitFn = func(ctx context.Context, _ JobSpec) (string, error) {
		_, err := f.ledger.Consume(ctx, "u1", 2, ConsumeMeta{SourceType: SourceAdmin})
		require.NoError(t, err)
		return "prov-orphan", nil
	}

	_, err := f.svc.Create(context.Background(), "u1", CreateTaskInput{Model: "image-basic"})
	require.ErrorIs(t, err, ErrOrphanedJob)
	var ce *CreditInsufficientError
	assert.ErrorAs(t, err, &ce)

	assert.Zero(t, f.countRows(t, &domain.Task{}))
	orphans, err := repo.ListOrphanedJobs(context.Background(), f.db, 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "prov-orphan", orphans[0].ProviderTaskID)
	assert.Equal(t, "u1", orphans[0].UserID)
	assert.Equal(t, int64(2), orphans[0].Credits)
}

func TestDeferredStart(t *testing.T) {
	f := newTaskFixture(t)
	f.fund(t, "u1", 10)
	ctx := context.Background()

	startAt := f.clock.Now().Add(time.Hour)
	task, err := f.svc.Create(ctx, "u1", CreateTaskInput{Model: "video-hd", StartAt: &startAt})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, task.Status)
	assert.Nil(t, task.TaskID)
	assert.Equal(t, int64(0), f.provider.submits.Load())
	assert.Equal(t, int64(10), f.balance(t, "u1"))

	_, err = f.svc.Start(ctx, "u1", task.TaskNo)
	var se *TaskStateError
	require.ErrorAs(t, err, &se)

	view, err := f.svc.Refresh(ctx, "u1", task.TaskNo)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, view.Task.Status)
	assert.Equal(t, 0, view.Progress)
	assert.Equal(t, int64(0), f.provider.submits.Load())

	f.clock.Advance(2 * time.Hour)
	started, err := f.svc.Start(ctx, "u1", task.TaskNo)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, started.Status)
	assert.NotEmpty(t, started.ProviderTaskID())
	assert.Equal(t, int64(0), f.balance(t, "u1"))

	_, err = f.svc.Start(ctx, "u1", task.TaskNo)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.TaskRunning, se.Status)
	assert.Equal(t, int64(1), f.provider.submits.Load())
}

func TestRefresh_StartsDuePendingTask(t *testing.T) {
	f := newTaskFixture(t)
	f.fund(t, "u1", 10)
	ctx := context.Background()

	startAt := f.clock.Now().Add(time.Minute)
	task, err := f.svc.Create(ctx, "u1", CreateTaskInput{Model: "image-basic", StartAt: &startAt})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	view, err := f.svc.Refresh(ctx, "u1", task.TaskNo)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, view.Task.Status)
	assert.Equal(t, 10, view.Progress)
	assert.Equal(t, int64(8), f.balance(t, "u1"))
}

func TestRefresh_ConcurrentDuePendingSubmitsOnce(t *testing.T) {
	f := newTaskFixture(t)
	f.fund(t, "u1", 10)
	ctx := context.Background()

	startAt := f.clock.Now().Add(time.Minute)
	task, err := f.svc.Create(ctx, "u1", CreateTaskInput{Model: "image-basic", StartAt: &startAt})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	f.provider.submitFn = func(context.Context, JobSpec) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return "job-once", nil
	}

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Refresh(ctx, "u1", task.TaskNo)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), f.provider.submits.Load())
	assert.Equal(t, int64(0), f.countRows(t, &domain.OrphanedJob{}))
	assert.Equal(t, int64(8), f.balance(t, "u1"))

	stored, err := repo.GetTask(ctx, f.db, task.TaskNo)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, stored.Status)
	assert.Equal(t, "job-once", stored.ProviderTaskID())
}

func TestStart_SubmitFailureReleasesClaim(t *testing.T) {
	f := newTaskFixture(t)
	f.fund(t, "u1", 10)
	ctx := context.Background()

	startAt := f.clock.Now().Add(time.Minute)
	task, err := f.svc.Create(ctx, "u1", CreateTaskInput{Model: "image-basic", StartAt: &startAt})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	f.provider.submitFn = func(context.Context, JobSpec) (string, error) {
		return "", fmt.Errorf("%w: upstream 503", ErrProviderTransient)
	}
	_, err = f.svc.Start(ctx, "u1", task.TaskNo)
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)

	stored, err := repo.GetTask(ctx, f.db, task.TaskNo)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, stored.Status)
	assert.Nil(t, stored.TaskID)
	assert.Empty(t, stored.ProviderState)
	assert.Equal(t, int64(10), f.balance(t, "u1"))

	f.provider.submitFn = nil
	started, err := f.svc.Start(ctx, "u1", task.TaskNo)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, started.Status)
	assert.Equal(t, int64(2), f.provider.submits.Load())
	assert.Equal(t, int64(8), f.balance(t, "u1"))
}

func TestStart_ClaimedTaskIsNotSubmittedAgain(t *testing.T) {
	f := newTaskFixture(t)
	f.fund(t, "u1", 10)
	ctx := context.Background()

	startAt := f.clock.Now().Add(time.Minute)
	task, err := f.svc.Create(ctx, "u1", CreateTaskInput{Model: "image-basic", StartAt: &startAt})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	claimed, err := repo.TransitionUnboundTask(ctx, f.db, task.TaskNo, domain.TaskPending, map[string]any{
		"status":         domain.TaskRunning,
		"provider_state": StateSubmitting,
	})
	require.NoError(t, err)
	require.True(t, claimed)

	view, err := f.svc.Refresh(ctx, "u1", task.TaskNo)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, view.Task.Status)
	assert.Equal(t, StateSubmitting, view.Task.ProviderState)

	_, started, err := f.svc.startPending(ctx, task, ChannelStart)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, int64(0), f.provider.submits.Load())
	assert.Equal(t, int64(0), f.provider.queries.Load())
}

func TestRefresh_AppliesSuccessAndRelocates(t *testing.T) {
	f := newTaskFixture(t)
	task := f.runningTask(t, "u1")
	f.provider.queryFn = func(_ context.Context, id string) (ProviderJob, error) {
		return successJob(id, "https://cdn.provider/tmp/a.png"), nil
	}

	view, err := f.svc.Refresh(context.Background(), "u1", task.TaskNo)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskSucceeded, view.Task.Status)
	assert.Equal(t, 100, view.Progress)
	assert.Equal(t, "https://cdn.provider/tmp/a.png", view.Task.OriginResultURL)
	assert.Contains(t, view.Task.ResultURL, "https://assets.local/")
	require.NotNil(t, view.Task.CompletedAt)
	assert.Equal(t, int64(1), f.reloc.calls.Load())
}

func TestRefresh_RelocationFailureKeepsProviderURL(t *testing.T) {
	f := newTaskFixture(t)
	task := f.runningTask(t, "u1")
	f.reloc.err = errors.New("disk full")
	f.provider.queryFn = func(_ context.Context, id string) (ProviderJob, error) {
		return successJob(id, "https://cdn.provider/tmp/b.png"), nil
	}

	view, err := f.svc.Refresh(context.Background(), "u1", task.TaskNo)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskSucceeded, view.Task.Status)
	assert.Equal(t, "https://cdn.provider/tmp/b.png", view.Task.ResultURL)
}

func TestRefresh_FailureAndInProgress(t *testing.T) {
	f := newTaskFixture(t)
	task := f.runningTask(t, "u1")
	ctx := context.Background()

	f.provider.queryFn = func(_ context.Context, id string) (ProviderJob, error) {
		return ProviderJob{TaskID: id, State: StateQueuing}, nil
	}
	view, err := f.svc.Refresh(ctx, "u1", task.TaskNo)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, view.Task.Status)
	assert.Equal(t, StateQueuing, view.Task.ProviderState)
	assert.Equal(t, 20, view.Progress)

	f.provider.queryFn = func(_ context.Context, id string) (ProviderJob, error) {
		return ProviderJob{TaskID: id, State: StateFail, FailMessage: "content policy"}, nil
	}
	view, err = f.svc.Refresh(ctx, "u1", task.TaskNo)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, view.Task.Status)
	assert.Equal(t, "content policy", view.Task.FailReason)
	assert.NotNil(t, view.Task.CompletedAt)
}

func TestRefresh_ProviderErrorReturnsSnapshot(t *testing.T) {
	f := newTaskFixture(t)
	task := f.runningTask(t, "u1")
	f.provider.queryFn = func(context.Context, string) (ProviderJob, error) {
		return ProviderJob{}, fmt.Errorf("%w: 503", ErrProviderTransient)
	}

	view, err := f.svc.Refresh(context.Background(), "u1", task.TaskNo)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, view.Task.Status)
}

func TestRefresh_TerminalIsIdempotent(t *testing.T) {
	f := newTaskFixture(t)
	task := f.runningTask(t, "u1")
	ctx := context.Background()

	f.provider.queryFn = func(_ context.Context, id string) (ProviderJob, error) {
		return successJob(id, "https://cdn.provider/tmp/c.png"), nil
	}
	first, err := f.svc.Refresh(ctx, "u1", task.TaskNo)
	require.NoError(t, err)
	queries := f.provider.queries.Load()
	relocations := f.reloc.calls.Load()

	f.clock.Advance(time.Hour)
	f.provider.queryFn = func(_ context.Context, id string) (ProviderJob, error) {
		return successJob(id, "https://cdn.provider/tmp/other.png"), nil
	}
	second, err := f.svc.Refresh(ctx, "u1", task.TaskNo)
	require.NoError(t, err)

	res := f.svc.Reconcile(ctx, task.ProviderTaskID(), []byte(`{"code":200,"data":{"taskId":"`+task.ProviderTaskID()+`","state":"fail","failMsg":"late"}}`))
	assert.Equal(t, domain.WebhookIgnored, res.Result)
	assert.False(t, res.Applied)

	stored, err := repo.GetTask(ctx, f.db, task.TaskNo)
	require.NoError(t, err)
	assert.Equal(t, first.Task.ResultURL, second.Task.ResultURL)
	assert.Equal(t, first.Task.ResultURL, stored.ResultURL)
	assert.Equal(t, first.Task.FailReason, stored.FailReason)
	assert.True(t, first.Task.CompletedAt.Equal(*stored.CompletedAt))
	assert.Equal(t, queries, f.provider.queries.Load())
	assert.Equal(t, relocations, f.reloc.calls.Load())
}

func TestRefresh_OtherUsersTaskIsNotFound(t *testing.T) {
	f := newTaskFixture(t)
	task := f.runningTask(t, "u1")

	_, err := f.svc.Refresh(context.Background(), "u2", task.TaskNo)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = f.svc.Refresh(context.Background(), "u1", "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestReconcile_UnknownTaskIsAcknowledgedAndLogged(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()

	res := f.svc.Reconcile(ctx, "", []byte(`{"code":200,"data":{"taskId":"ghost","state":"success","resultJson":"{}"}}`))
	assert.Equal(t, domain.WebhookNotFound, res.Result)
	assert.ErrorIs(t, res.Err, ErrTaskNotFound)
	assert.Equal(t, "ghost", res.ProviderTaskID)

	var logs []domain.WebhookLog
	require.NoError(t, f.db.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, "ghost", logs[0].ProviderTaskID)
	assert.Equal(t, domain.WebhookNotFound, logs[0].Result)
	assert.Contains(t, logs[0].Payload, "ghost")
}

func TestReconcile_MalformedIsLogged(t *testing.T) {
	f := newTaskFixture(t)

	res := f.svc.Reconcile(context.Background(), "", []byte(`{"hello":"world"}`))
	assert.Equal(t, domain.WebhookMalformed, res.Result)
	assert.ErrorIs(t, res.Err, ErrWebhookMalformed)
	assert.Equal(t, int64(1), f.countRows(t, &domain.WebhookLog{}))
}

func TestReconcile_AppliesSuccess(t *testing.T) {
	f := newTaskFixture(t)
	task := f.runningTask(t, "u1")
	id := task.ProviderTaskID()

	body := fmt.Sprintf(`{"code":200,"msg":"ok","data":{"taskId":%q,"state":"success","resultJson":"{\"resultUrls\":[\"https://cdn.provider/tmp/w.png\"]}"}}`, id)
	res := f.svc.Reconcile(context.Background(), "", []byte(body))
	assert.Equal(t, domain.WebhookProcessed, res.Result)
	assert.True(t, res.Applied)
	assert.Equal(t, task.TaskNo, res.TaskNo)

	stored, err := repo.GetTask(context.Background(), f.db, task.TaskNo)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskSucceeded, stored.Status)
	assert.Equal(t, "https://cdn.provider/tmp/w.png", stored.OriginResultURL)
}

func TestApplyOutcome_FinishedTaskSkipsRelocation(t *testing.T) {
	f := newTaskFixture(t)
	task := f.runningTask(t, "u1")
	ctx := context.Background()

	applied, err := repo.TransitionTask(ctx, f.db, task.TaskNo, domain.TaskRunning, map[string]any{
		"status":         domain.TaskFailed,
		"fail_reason":    "content policy",
		"provider_state": StateFail,
	})
	require.NoError(t, err)
	require.True(t, applied)

	stale := *task
	o := Outcome{Kind: OutcomeSucceeded, ProviderState: StateSuccess, ResultURLs: []string{"https://cdn.provider/tmp/late.png"}}
	got, ok, err := f.svc.applyOutcome(ctx, &stale, o, ChannelWebhook)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Empty(t, got.ResultURL)
	assert.Equal(t, int64(0), f.reloc.calls.Load())
}

func TestPollAndWebhookRace_AppliesOnce(t *testing.T) {
	f := newTaskFixture(t)
	task := f.runningTask(t, "u1")
	id := task.ProviderTaskID()
	ctx := context.Background()

	const pollURL = "https://cdn.provider/tmp/poll.png"
	const hookURL = "https://cdn.provider/tmp/hook.png"
	f.provider.queryFn = func(_ context.Context, id string) (ProviderJob, error) {
		return successJob(id, pollURL), nil
	}
	body := []byte(fmt.Sprintf(`{"code":200,"data":{"taskId":%q,"state":"success","resultJson":{"resultUrls":[%q]}}}`, id, hookURL))

	var (
		wg   sync.WaitGroup
		view TaskView
		res  ReconcileResult
		verr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		view, verr = f.svc.Refresh(ctx, "u1", task.TaskNo)
	}()
	go func() {
		defer wg.Done()
		res = f.svc.Reconcile(ctx, "", body)
	}()
	wg.Wait()
	require.NoError(t, verr)

	stored, err := repo.GetTask(ctx, f.db, task.TaskNo)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskSucceeded, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	// Whichever channel won, both observe the stored result.
	assert.Equal(t, stored.OriginResultURL, view.Task.OriginResultURL)
	assert.True(t, stored.CompletedAt.Equal(*view.Task.CompletedAt))
	assert.Equal(t, res.Applied, stored.OriginResultURL == hookURL)
}

func TestApplyOutcome_ConcurrentWritersExactlyOnce(t *testing.T) {
	f := newTaskFixture(t)
	task := f.runningTask(t, "u1")
	ctx := context.Background()

	const writers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o := Outcome{Kind: OutcomeSucceeded, ProviderState: StateSuccess, ResultURLs: []string{fmt.Sprintf("https://cdn.provider/%d.png", i)}}
			if i%2 == 1 {
				o = Outcome{Kind: OutcomeFailed, ProviderState: StateFail, FailReason: fmt.Sprintf("writer %d", i)}
			}
			stale := *task
			_, ok, err := f.svc.applyOutcome(ctx, &stale, o, ChannelPoll)
			if err != nil {
				t.Errorf("apply: %v", err)
				return
			}
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	stored, err := repo.GetTask(ctx, f.db, task.TaskNo)
	require.NoError(t, err)
	assert.True(t, stored.Terminal())
}

func TestList(t *testing.T) {
	f := newTaskFixture(t)
	f.fund(t, "u1", 10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.Create(ctx, "u1", CreateTaskInput{Model: "image-basic"})
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	items, total, err := f.svc.List(ctx, "u1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, items, 2)

	items, total, err = f.svc.List(ctx, "u2", 1, 2)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, items)
}

func TestCreateIdempotent_ReplaysOriginalTask(t *testing.T) {
	f := newTaskFixture(t)
	f.fund(t, "u1", 10)
	ctx := context.Background()
	in := CreateTaskInput{Model: "image-basic"}

	first, replay, err := f.svc.CreateIdempotent(ctx, "u1", "POST /tasks", "key-1", in)
	require.NoError(t, err)
	assert.False(t, replay)

	second, replay, err := f.svc.CreateIdempotent(ctx, "u1", "POST /tasks", "key-1", in)
	require.NoError(t, err)
	assert.True(t, replay)
	assert.Equal(t, first.TaskNo, second.TaskNo)

	assert.Equal(t, int64(1), f.provider.submits.Load())
	assert.Equal(t, int64(8), f.balance(t, "u1"))

	// Same key for another user is independent.
	f.fund(t, "u2", 10)
	other, replay, err := f.svc.CreateIdempotent(ctx, "u2", "POST /tasks", "key-1", in)
	require.NoError(t, err)
	assert.False(t, replay)
	assert.NotEqual(t, first.TaskNo, other.TaskNo)
}

func TestCreateIdempotent_FailureReleasesKey(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()
	in := CreateTaskInput{Model: "image-basic"}

	_, _, err := f.svc.CreateIdempotent(ctx, "u1", "POST /tasks", "key-2", in)
	var ce *CreditInsufficientError
	require.ErrorAs(t, err, &ce)

	f.fund(t, "u1", 10)
	task, replay, err := f.svc.CreateIdempotent(ctx, "u1", "POST /tasks", "key-2", in)
	require.NoError(t, err)
	assert.False(t, replay)
	assert.Equal(t, domain.TaskRunning, task.Status)
}

func TestCreateIdempotent_InFlightKeyConflicts(t *testing.T) {
	f := newTaskFixture(t)
	f.fund(t, "u1", 10)
	ctx := context.Background()

	_, err := repo.CreateIdempotency(ctx, f.db, "u1", "POST /tasks", "key-3", "", 0, time.Hour)
	require.NoError(t, err)

	_, _, err = f.svc.CreateIdempotent(ctx, "u1", "POST /tasks", "key-3", CreateTaskInput{Model: "image-basic"})
	assert.ErrorIs(t, err, ErrRequestInProgress)
	assert.Equal(t, int64(0), f.provider.submits.Load())
}

func TestCharges_OwnTaskOnly(t *testing.T) {
	f := newTaskFixture(t)
	task := f.runningTask(t, "u1")
	ctx := context.Background()

	recs, err := f.svc.Charges(ctx, "u1", task.TaskNo)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(2), recs[0].Credits)
	assert.Equal(t, SourceTask, recs[0].SourceType)

	_, err = f.svc.Charges(ctx, "u2", task.TaskNo)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestListOrphans_ClampsLimit(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()

	jobs, err := f.svc.ListOrphans(ctx, 0)
	require.NoError(t, err)
	assert.NotNil(t, jobs)
	assert.Empty(t, jobs)

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.RecordOrphanedJob(ctx, f.db, &domain.OrphanedJob{
			ProviderTaskID: fmt.Sprintf("job-%d", i), TaskNo: fmt.Sprintf("t-%d", i), Reason: "commit failed",
		}))
	}
	jobs, err = f.svc.ListOrphans(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
	jobs, err = f.svc.ListOrphans(ctx, 1000)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}
