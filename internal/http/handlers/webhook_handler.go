package handlers

import (
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-credits-backend/internal/http/middleware"
)

// WebhookAck is the acknowledgement body the provider expects.
type WebhookAck struct {
	Code int    `json:"code" example:"200"`
	Msg  string `json:"msg"  example:"success"`
}

// ProviderWebhook godoc
// @ID          providerWebhook
// @Summary     Provider job callback
// @Description Applies a provider status callback to the matching task. Authenticated deliveries always get 200 so the
// @Description provider never retries; malformed or unknown deliveries are recorded in the webhook log instead.
// @Tags        Webhooks
// @Accept      json
// @Produce     json
//
// @Param       taskId  query  string  false  "Provider job id, when not present in the body"
// @Param       token   query  string  false  "Callback secret, required when PROVIDER_CALLBACK_TOKEN is set"
// @Param       body    body   object  true   "Provider payload"
//
// @Success     200  {object}  handlers.WebhookAck
// @Failure     401  {object}  handlers.ErrorResponse
// @Router      /webhooks/provider [post]
func (h *Handlers) ProviderWebhook(c *gin.Context) {
	lg := middleware.LoggerFrom(c)
	if h.CallbackToken != "" {
		got := c.Query("token")
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.CallbackToken)) != 1 {
			lg.Warn().Str("client_ip", c.ClientIP()).Msg("webhook rejected: bad callback token")
			fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid callback token")
			return
		}
	}
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		// Oversized or interrupted; whatever was read is still recorded.
		lg.Warn().Err(err).Int("bytes", len(raw)).Msg("webhook body read failed")
	}

	res := h.taskSvc.Reconcile(c.Request.Context(), c.Query("taskId"), raw)
	lg.Debug().
		Str("provider_task_id", res.ProviderTaskID).
		Str("task_no", res.TaskNo).
		Str("result", res.Result).
		Bool("applied", res.Applied).
		Msg("webhook handled")

	ok(c, http.StatusOK, WebhookAck{Code: http.StatusOK, Msg: "success"})
}
