// Package handlers exposes the REST surface of the credits backend: task
// submission and polling, the provider webhook, ledger views, admin grants,
// and the guest and signup promotions.
//
// Handlers are transport-thin: they validate input, call application
// services, and translate results into HTTP responses (including conditional
// responses).
package handlers

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-credits-backend/internal/domain"
	"github.com/tbourn/go-credits-backend/internal/services"
	"github.com/tbourn/go-credits-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// TaskService defines the generation task lifecycle consumed by handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type TaskService interface {
	// CreateIdempotent validates, prices, submits and charges a task at most
	// once per (user, scope, key). replay is true when a stored task is returned.
	CreateIdempotent(ctx context.Context, userID, scope, key string, in services.CreateTaskInput) (task *domain.Task, replay bool, err error)
	// Start submits a due pending task.
	Start(ctx context.Context, userID, taskNo string) (*domain.Task, error)
	// Refresh returns the task with a fresh provider status when it is still running.
	Refresh(ctx context.Context, userID, taskNo string) (services.TaskView, error)
	// List returns a page of the user's tasks and the total count.
	List(ctx context.Context, userID string, page, pageSize int) ([]domain.Task, int64, error)
	// Reconcile applies a provider callback. It never fails the caller.
	Reconcile(ctx context.Context, providerTaskID string, raw []byte) services.ReconcileResult
	// Charges returns the consumption records of one of the user's tasks.
	Charges(ctx context.Context, userID, taskNo string) ([]domain.ConsumptionRecord, error)
	// ListOrphans returns unresolved accepted-but-unrecorded provider jobs.
	ListOrphans(ctx context.Context, limit int) ([]domain.OrphanedJob, error)
}

// LedgerService defines the credit ledger operations exposed over HTTP.
type LedgerService interface {
	Summary(ctx context.Context, userID string) (services.Summary, error)
	ListLots(ctx context.Context, userID string, page, pageSize int) ([]domain.CreditLot, int64, error)
	ListConsumptions(ctx context.Context, userID string, page, pageSize int) ([]domain.ConsumptionRecord, int64, error)
	Grant(ctx context.Context, userID string, amount int64, meta services.LotMeta) (string, error)
	Reverse(ctx context.Context, lotID, reason string) error
}

// PromotionService hands out the one-time guest and signup grants.
type PromotionService interface {
	Claim(ctx context.Context, userID, ip, userAgent string) (services.GuestClaim, error)
	ClaimSignupBonus(ctx context.Context, userID string) (services.GuestClaim, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for tasks, credits, and promotions.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	taskSvc   TaskService
	ledgerSvc LedgerService
	promoSvc  PromotionService

	// adminToken guards the grant and reverse endpoints; empty disables them.
	adminToken string

	// CallbackToken, when set, must be presented as the "token" query
	// parameter of every provider webhook delivery.
	CallbackToken string
}

// New constructs and returns a Handlers instance bound to the given services.
func New(taskSvc TaskService, ledgerSvc LedgerService, promoSvc PromotionService, adminToken string) *Handlers {
	return &Handlers{taskSvc: taskSvc, ledgerSvc: ledgerSvc, promoSvc: promoSvc, adminToken: adminToken}
}

// userID extracts the authenticated user id from Gin context (set by upstream
// middleware). If absent, it falls back to "X-User-ID" header (tests use it),
// and finally to "demo-user". It never touches c.Request if it's nil.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

// HeaderAdminToken carries the operator secret for admin endpoints.
const HeaderAdminToken = "X-Admin-Token"

// requireAdmin fails the request unless it carries the configured admin token.
func (h *Handlers) requireAdmin(c *gin.Context) bool {
	if h.adminToken == "" {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "admin endpoints are disabled")
		return false
	}
	got := c.GetHeader(HeaderAdminToken)
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.adminToken)) != 1 {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid admin token")
		return false
	}
	return true
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// statsFunc reports a row count and the latest change time for a user's view.
type statsFunc func(ctx context.Context, db *gorm.DB, userID string) (int64, *time.Time, error)

// notModified sets a weak ETag derived from stats and reports whether the
// client's If-None-Match already matches it. Failures skip the check.
func notModified(c *gin.Context, db *gorm.DB, kind string, stats statsFunc) bool {
	if db == nil {
		return false
	}
	uid := userID(c)
	count, latest, err := stats(c.Request.Context(), db, uid)
	if err != nil {
		return false
	}
	var ts int64
	if latest != nil {
		ts = latest.UnixNano()
	}
	etag := fmt.Sprintf(`W/"%s:%s:%d:%d"`, kind, uid, count, ts)
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}
