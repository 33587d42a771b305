// Task HTTP handlers.
//
// This file exposes REST endpoints for generation tasks:
//   - POST /tasks                  (submit, charges credits on acceptance)
//   - GET  /tasks                  (list, paginated, ETag support)
//   - GET  /tasks/{task_no}        (poll status with progress)
//   - POST /tasks/{task_no}/start  (start a deferred task)
//   - GET  /tasks/{task_no}/charges (credits charged for the task)
//   - GET  /admin/orphaned-jobs    (admin: unrecorded provider jobs)
//
// Idempotency:
// If the client supplies an Idempotency-Key header, a retried POST /tasks
// returns the originally created task and sets `Idempotency-Replayed: true`
// instead of submitting and charging twice.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-credits-backend/internal/domain"
	"github.com/tbourn/go-credits-backend/internal/http/middleware"
	"github.com/tbourn/go-credits-backend/internal/repo"
	"github.com/tbourn/go-credits-backend/internal/services"
	"github.com/tbourn/go-credits-backend/internal/utils"
)

//
// DTOs
//

// CreateTaskRequest is the JSON payload for submitting a generation task.
type CreateTaskRequest struct {
	// Model is the provider model name; it selects the price.
	Model string `json:"model" binding:"required,min=1,max=128" example:"image-basic"`
	// Input holds the model parameters as a JSON object.
	Input json.RawMessage `json:"input" swaggertype:"object"`
	// StartAt defers submission until the given time.
	StartAt *time.Time `json:"start_at,omitempty" example:"2026-03-10T12:00:00Z"`
}

// TaskChargesResponse lists the consumption records of one task.
type TaskChargesResponse struct {
	TaskNo  string                     `json:"task_no"`
	Total   int64                      `json:"total"`
	Charges []domain.ConsumptionRecord `json:"charges"`
}

// OrphanedJobsResponse lists unresolved orphaned provider jobs.
type OrphanedJobsResponse struct {
	Jobs []domain.OrphanedJob `json:"jobs"`
}

// ListTasksResponse wraps a page of tasks and pagination information.
type ListTasksResponse struct {
	Tasks      []domain.Task `json:"tasks"`
	Pagination Pagination    `json:"pagination"`
}

func validTaskNo(c *gin.Context) (string, bool) {
	taskNo := c.Param("task_no")
	if _, err := uuid.Parse(taskNo); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "task_no must be a UUID")
		return "", false
	}
	return taskNo, true
}

//
// Handlers
//

// CreateTask godoc
// @ID          createTask
// @Summary     Submit a generation task
// @Description Prices the task, checks the balance, submits it to the provider and charges credits once the provider accepts it.
// @Description A start_at in the future creates a pending task that is neither submitted nor charged until started.
// @Description Supports idempotency via the Idempotency-Key header (same key → same task).
// @Tags        Tasks
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  false "User ID (demo header)"  example(user123)
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"
// @Param       body             body    handlers.CreateTaskRequest  true  "Task payload"
//
// @Success     201  {object}  services.TaskView
// @Success     200  {object}  services.TaskView  "Replayed"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     402  {object}  handlers.ErrorResponse  "Insufficient credits"
// @Failure     409  {object}  handlers.ErrorResponse  "Same key in progress"
// @Failure     502  {object}  handlers.ErrorResponse  "Provider rejected"
// @Failure     503  {object}  handlers.ErrorResponse  "Provider unavailable"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /tasks [post]
func (h *Handlers) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "model required")
		return
	}

	key, _ := middleware.GetIdempotencyKey(c)
	task, replay, err := h.taskSvc.CreateIdempotent(c.Request.Context(), userID(c), c.FullPath(), key, services.CreateTaskInput{
		Model:   req.Model,
		Input:   req.Input,
		StartAt: req.StartAt,
	})
	if err != nil {
		failService(c, err, ErrCodeCreateFailed)
		return
	}
	if replay {
		c.Header("Idempotency-Replayed", "true")
		ok(c, http.StatusOK, services.View(*task))
		return
	}
	ok(c, http.StatusCreated, services.View(*task))
}

// GetTask godoc
// @ID          getTask
// @Summary     Poll a task
// @Description Returns the task with a progress estimate. Running tasks are refreshed from the provider first;
// @Description a due deferred task is started. Provider outages return the last known state.
// @Tags        Tasks
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       task_no    path    string  true  "Task number (UUID)"     format(uuid)
//
// @Success     200  {object}  services.TaskView
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Task not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /tasks/{task_no} [get]
func (h *Handlers) GetTask(c *gin.Context) {
	taskNo, valid := validTaskNo(c)
	if !valid {
		return
	}
	view, err := h.taskSvc.Refresh(c.Request.Context(), userID(c), taskNo)
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, view)
}

// StartTask godoc
// @ID          startTask
// @Summary     Start a deferred task
// @Description Submits a pending task whose start time has passed and charges its credits.
// @Tags        Tasks
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       task_no    path    string  true  "Task number (UUID)"     format(uuid)
//
// @Success     200  {object}  services.TaskView
// @Failure     402  {object}  handlers.ErrorResponse  "Insufficient credits"
// @Failure     404  {object}  handlers.ErrorResponse  "Task not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Task not pending or not due"
// @Failure     503  {object}  handlers.ErrorResponse  "Provider unavailable"
// @Router      /tasks/{task_no}/start [post]
func (h *Handlers) StartTask(c *gin.Context) {
	taskNo, valid := validTaskNo(c)
	if !valid {
		return
	}
	task, err := h.taskSvc.Start(c.Request.Context(), userID(c), taskNo)
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, services.View(*task))
}

// ListTasks godoc
// @ID          listTasks
// @Summary     List tasks (paginated)
// @Description Returns a page of the user's tasks, newest first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Tasks
// @Produce     json
//
// @Param       X-User-ID      header  string  false "User ID (demo header)"       example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       page           query   int     false "Page number"                  minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"               minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListTasksResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /tasks [get]
func (h *Handlers) ListTasks(c *gin.Context) {
	var db *gorm.DB
	if svc, ok := h.taskSvc.(*services.TaskService); ok {
		db = svc.DB
	}
	if notModified(c, db, "tasks", repo.TasksStats) {
		return
	}

	page, pageSize := clampPagination(c)
	items, total, err := h.taskSvc.List(c.Request.Context(), userID(c), page, pageSize)
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, ListTasksResponse{Tasks: items, Pagination: newPagination(page, pageSize, total)})
}

// GetTaskCharges godoc
// @ID          getTaskCharges
// @Summary     Credits charged for a task
// @Description Returns the consumption records written when the task was charged, one per lot drawn from.
// @Tags        Tasks
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       task_no    path    string  true  "Task number (UUID)"     format(uuid)
// @Success     200  {object}  handlers.TaskChargesResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Task not found"
// @Router      /tasks/{task_no}/charges [get]
func (h *Handlers) GetTaskCharges(c *gin.Context) {
	taskNo, valid := validTaskNo(c)
	if !valid {
		return
	}
	recs, err := h.taskSvc.Charges(c.Request.Context(), userID(c), taskNo)
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	var total int64
	for _, r := range recs {
		total += r.Credits
	}
	ok(c, http.StatusOK, TaskChargesResponse{TaskNo: taskNo, Total: total, Charges: recs})
}

// ListOrphanedJobs godoc
// @ID          listOrphanedJobs
// @Summary     List orphaned provider jobs (admin)
// @Description Returns provider jobs that were accepted but whose task and charge could not be recorded.
// @Tags        Admin
// @Produce     json
// @Param       X-Admin-Token  header  string  true   "Admin token"
// @Param       limit          query   int     false  "Max rows"  minimum(1) maximum(100) default(100)
// @Success     200  {object}  handlers.OrphanedJobsResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Invalid admin token"
// @Failure     403  {object}  handlers.ErrorResponse  "Admin endpoints disabled"
// @Router      /admin/orphaned-jobs [get]
func (h *Handlers) ListOrphanedJobs(c *gin.Context) {
	if !h.requireAdmin(c) {
		return
	}
	limit := utils.AtoiDefault(c.Query("limit"), services.DefaultOrphanLimit)
	jobs, err := h.taskSvc.ListOrphans(c.Request.Context(), limit)
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, OrphanedJobsResponse{Jobs: jobs})
}
