package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GuestClaimRequest is the optional guest claim payload. Eligible is accepted
// for client compatibility and ignored: eligibility is decided on the server
// from the client address.
type GuestClaimRequest struct {
	Eligible *bool `json:"eligible,omitempty"`
}

// ClaimGuestCredits godoc
// @ID          claimGuestCredits
// @Summary     Claim free guest credits
// @Description Grants the free guest credits to the caller the first time its IP address is seen. Later claims from the
// @Description same address return granted=false.
// @Tags        Guest
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(guest-42)
// @Success     200  {object}  services.GuestClaim
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /guest/credits [post]
func (h *Handlers) ClaimGuestCredits(c *gin.Context) {
	if c.Request.ContentLength > 0 {
		var req GuestClaimRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	res, err := h.promoSvc.Claim(c.Request.Context(), userID(c), c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, res)
}
