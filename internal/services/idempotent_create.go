package services

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tbourn/go-credits-backend/internal/domain"
	"github.com/tbourn/go-credits-backend/internal/repo"
)

// DefaultIdempotencyTTL is used when TaskService.IdempotencyTTL is unset.
const DefaultIdempotencyTTL = 24 * time.Hour

// CreateIdempotent runs Create at most once per (userID, scope, key). The
// key is reserved before the provider is called; a retry with the same key
// returns the originally created task with replay set to true. An empty key
// falls through to Create.
func (s *TaskService) CreateIdempotent(ctx context.Context, userID, scope, key string, in CreateTaskInput) (task *domain.Task, replay bool, err error) {
	if key == "" {
		task, err = s.Create(ctx, userID, in)
		return task, false, err
	}
	ttl := s.IdempotencyTTL
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}

	rec, err := s.reserveKey(ctx, userID, scope, key, ttl)
	if err != nil {
		return nil, false, err
	}
	if rec.ResourceID != "" {
		task, err = repo.GetTask(ctx, s.DB, rec.ResourceID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, false, ErrTaskNotFound
			}
			return nil, false, err
		}
		return task, true, nil
	}

	task, err = s.Create(ctx, userID, in)
	if err != nil {
		if derr := repo.DeleteIdempotency(context.WithoutCancel(ctx), s.DB, rec.ID); derr != nil {
			s.Log.Error().Err(derr).Str("idempotency_key", key).Msg("failed to release idempotency key")
		}
		return nil, false, err
	}
	if err := repo.CompleteIdempotency(ctx, s.DB, rec.ID, task.TaskNo, http.StatusCreated); err != nil {
		s.Log.Error().Err(err).Str("idempotency_key", key).Str("task_no", task.TaskNo).Msg("failed to complete idempotency key")
	}
	return task, false, nil
}

// reserveKey returns a fresh reservation (ResourceID == "") owned by this
// call, or the existing completed record. A reservation held by a request
// still in flight yields ErrRequestInProgress.
func (s *TaskService) reserveKey(ctx context.Context, userID, scope, key string, ttl time.Duration) (*domain.Idempotency, error) {
	for attempt := 0; attempt < 2; attempt++ {
		now := s.now()
		existing, err := repo.GetIdempotency(ctx, s.DB, userID, scope, key, now)
		switch {
		case err == nil && existing.ResourceID != "":
			return existing, nil
		case err == nil:
			return nil, ErrRequestInProgress
		case !errors.Is(err, repo.ErrNotFound):
			return nil, err
		}

		rec, err := repo.CreateIdempotency(ctx, s.DB, userID, scope, key, "", 0, ttl)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, repo.ErrDuplicate) {
			return nil, err
		}
		// Either a concurrent request reserved the key or an expired record
		// still occupies it.
		if err := repo.DeleteExpiredIdempotency(ctx, s.DB, userID, scope, key, now); err != nil {
			return nil, err
		}
	}
	return nil, ErrRequestInProgress
}
