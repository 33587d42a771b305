// Credit ledger HTTP handlers.
//
// This file exposes REST endpoints for the caller's ledger and for operators:
//   - GET  /credits/balance                 (balance summary)
//   - GET  /credits/lots                    (lots, paginated, ETag support)
//   - GET  /credits/consumptions            (consumption records, paginated, ETag support)
//   - POST /credits/signup-bonus            (one-time signup grant)
//   - POST /credits/grants                  (admin: grant a lot)
//   - POST /credits/lots/{id}/reverse       (admin: zero a lot)
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-credits-backend/internal/domain"
	"github.com/tbourn/go-credits-backend/internal/repo"
	"github.com/tbourn/go-credits-backend/internal/services"
)

//
// DTOs
//

// ListLotsResponse wraps a page of credit lots.
type ListLotsResponse struct {
	Lots       []domain.CreditLot `json:"lots"`
	Pagination Pagination         `json:"pagination"`
}

// ListConsumptionsResponse wraps a page of consumption records.
type ListConsumptionsResponse struct {
	Consumptions []domain.ConsumptionRecord `json:"consumptions"`
	Pagination   Pagination                 `json:"pagination"`
}

// GrantRequest is the admin payload for creating a credit lot.
type GrantRequest struct {
	UserID    string     `json:"user_id"    binding:"required,max=64" example:"user123"`
	Credits   int64      `json:"credits"    binding:"required,gt=0"   example:"100"`
	TransType string     `json:"trans_type" example:"purchase"`
	SourceID  string     `json:"source_id"  example:"order-8841"`
	ExpiredAt *time.Time `json:"expired_at,omitempty" example:"2027-01-01T00:00:00Z"`
}

// GrantResponse identifies the lot created by a grant.
type GrantResponse struct {
	LotID   string `json:"lot_id"`
	UserID  string `json:"user_id"`
	Credits int64  `json:"credits"`
}

// ReverseRequest is the optional admin payload for reversing a lot.
type ReverseRequest struct {
	Reason string `json:"reason" example:"chargeback"`
}

// ledgerDB returns the DB behind the concrete ledger service, if any.
func (h *Handlers) ledgerDB() *gorm.DB {
	if svc, ok := h.ledgerSvc.(*services.LedgerService); ok {
		return svc.DB
	}
	return nil
}

//
// Handlers
//

// GetBalance godoc
// @ID          getBalance
// @Summary     Credit balance
// @Description Returns the spendable balance with lifetime granted and consumed totals and the amount expiring soon.
// @Tags        Credits
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Success     200  {object}  services.Summary
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /credits/balance [get]
func (h *Handlers) GetBalance(c *gin.Context) {
	sum, err := h.ledgerSvc.Summary(c.Request.Context(), userID(c))
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, sum)
}

// ListLots godoc
// @ID          listLots
// @Summary     List credit lots
// @Tags        Credits
// @Produce     json
// @Param       X-User-ID      header  string  false "User ID (demo header)"
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListLotsResponse
// @Success     304  {string}  string "Not Modified"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /credits/lots [get]
func (h *Handlers) ListLots(c *gin.Context) {
	if notModified(c, h.ledgerDB(), "lots", repo.LedgerStats) {
		return
	}
	page, pageSize := clampPagination(c)
	items, total, err := h.ledgerSvc.ListLots(c.Request.Context(), userID(c), page, pageSize)
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, ListLotsResponse{Lots: items, Pagination: newPagination(page, pageSize, total)})
}

// ListConsumptions godoc
// @ID          listConsumptions
// @Summary     List consumption records
// @Tags        Credits
// @Produce     json
// @Param       X-User-ID      header  string  false "User ID (demo header)"
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListConsumptionsResponse
// @Success     304  {string}  string "Not Modified"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /credits/consumptions [get]
func (h *Handlers) ListConsumptions(c *gin.Context) {
	if notModified(c, h.ledgerDB(), "consumptions", repo.LedgerStats) {
		return
	}
	page, pageSize := clampPagination(c)
	items, total, err := h.ledgerSvc.ListConsumptions(c.Request.Context(), userID(c), page, pageSize)
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, ListConsumptionsResponse{Consumptions: items, Pagination: newPagination(page, pageSize, total)})
}

// ClaimSignupBonus godoc
// @ID          claimSignupBonus
// @Summary     Claim the signup bonus
// @Description Grants the configured signup credits once per user. Later calls return granted=false.
// @Tags        Credits
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Success     200  {object}  services.GuestClaim
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /credits/signup-bonus [post]
func (h *Handlers) ClaimSignupBonus(c *gin.Context) {
	res, err := h.promoSvc.ClaimSignupBonus(c.Request.Context(), userID(c))
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, res)
}

// GrantCredits godoc
// @ID          grantCredits
// @Summary     Grant credits (admin)
// @Description Inserts a new lot for a user. trans_type defaults to adjustment.
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Param       X-Admin-Token  header  string  true  "Operator token"
// @Param       body           body    handlers.GrantRequest  true  "Grant payload"
// @Success     201  {object}  handlers.GrantResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Invalid admin token"
// @Failure     403  {object}  handlers.ErrorResponse  "Admin endpoints disabled"
// @Router      /credits/grants [post]
func (h *Handlers) GrantCredits(c *gin.Context) {
	if !h.requireAdmin(c) {
		return
	}
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_id and positive credits required")
		return
	}
	trans := strings.TrimSpace(req.TransType)
	if trans == "" {
		trans = domain.TransAdjustment
	}
	lotID, err := h.ledgerSvc.Grant(c.Request.Context(), req.UserID, req.Credits, services.LotMeta{
		TransType:  trans,
		SourceType: services.SourceAdmin,
		SourceID:   req.SourceID,
		ExpiredAt:  req.ExpiredAt,
	})
	if err != nil {
		failService(c, err, ErrCodeCreateFailed)
		return
	}
	ok(c, http.StatusCreated, GrantResponse{LotID: lotID, UserID: req.UserID, Credits: req.Credits})
}

// ReverseLot godoc
// @ID          reverseLot
// @Summary     Reverse a lot (admin)
// @Description Zeroes the remaining credits of a lot and records the delta. Reversing an empty lot is a no-op.
// @Tags        Admin
// @Accept      json
// @Param       X-Admin-Token  header  string  true   "Operator token"
// @Param       id             path    string  true   "Lot ID (UUID)"  format(uuid)
// @Param       body           body    handlers.ReverseRequest  false  "Reason"
// @Success     204  {string}  string "No Content"
// @Failure     401  {object}  handlers.ErrorResponse  "Invalid admin token"
// @Failure     404  {object}  handlers.ErrorResponse  "Lot not found"
// @Router      /credits/lots/{id}/reverse [post]
func (h *Handlers) ReverseLot(c *gin.Context) {
	if !h.requireAdmin(c) {
		return
	}
	lotID := c.Param("id")
	if _, err := uuid.Parse(lotID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "lot id must be a UUID")
		return
	}
	var req ReverseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "admin reversal"
	}
	if err := h.ledgerSvc.Reverse(c.Request.Context(), lotID, reason); err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}
