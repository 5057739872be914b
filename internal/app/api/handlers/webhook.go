package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	notificationlog "github.com/petgourmet/billing-backend/internal/app/service/notification_log"
	"github.com/petgourmet/billing-backend/internal/app/service/reconciliation"
	"github.com/petgourmet/billing-backend/internal/models"
	"github.com/petgourmet/billing-backend/internal/platform/mercadopago"
	"github.com/petgourmet/billing-backend/pkg/config"
	"github.com/petgourmet/billing-backend/pkg/logctx"
	"github.com/petgourmet/billing-backend/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// WebhookResponse is the body returned to the gateway. Handled and
// deferred both answer success so the gateway stops redelivering; only
// unexpected failures return 500 and trigger a retry.
type WebhookResponse struct {
	Success bool   `json:"success"`
	Type    string `json:"type"`
	ID      string `json:"id"`
	Status  string `json:"status"`
}

// @Summary      MercadoPago Webhook
// @Description  Receives payment and preapproval notifications. The HMAC signature in x-signature is verified before any processing.
// @Tags         Webhook
// @Accept       json
// @Produce      json
// @Success      200  {object}  handlers.WebhookResponse
// @Failure      401  {object}  response.APIResponse[any]
// @Router       /api/v1/webhooks/mercadopago [post]
func ApiMercadoPagoWebhook(engine *reconciliation.Engine, notifLog *notificationlog.Service, cfg *config.Config, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, "unreadable body"))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		var event mercadopago.WebhookEvent
		if err := json.Unmarshal(body, &event); err != nil || event.Data.ID == "" {
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, "malformed notification"))
			return
		}

		err = mercadopago.ValidateWebhookSignature(
			cfg.MercadoPago.WebhookSecret,
			c.GetHeader("x-signature"),
			c.GetHeader("x-request-id"),
			event.Data.ID,
			time.Now(),
			cfg.MercadoPago.SignatureTolerance,
		)
		if err != nil {
			logctx.FromCtx(c, log).Warnw("webhook_signature_rejected",
				"type", event.Type, "resource_id", event.Data.ID, "error", err)
			c.JSON(http.StatusUnauthorized, response.ErrorT[any](response.APIResponseCodeError, "invalid signature"))
			return
		}

		traceID := c.GetString("traceID")
		receivedAt := time.Now()
		notifLog.Save(c.Request.Context(), &models.WebhookNotificationLog{
			EventType:        event.Type,
			ResourceID:       event.Data.ID,
			TraceID:          traceID,
			NotificationTime: receivedAt,
			Data:             datatypes.JSON(body),
			Status:           models.WebhookNotificationLogStatusReceived,
		})

		logctx.FromCtx(c, log).Infow("webhook_received",
			"type", event.Type, "action", event.Action, "resource_id", event.Data.ID, "live_mode", event.LiveMode)

		result, err := dispatchWebhook(c, engine, &event)
		finalizeWebhook(c, notifLog, log, &event, webhookLogSeed{
			traceID:    traceID,
			receivedAt: receivedAt,
			body:       body,
		}, result, err)
	}
}

type webhookLogSeed struct {
	traceID    string
	receivedAt time.Time
	body       []byte
}

func dispatchWebhook(c *gin.Context, engine *reconciliation.Engine, event *mercadopago.WebhookEvent) (*reconciliation.ProcessResult, error) {
	ctx := c.Request.Context()
	opts := reconciliation.ProcessOptions{SyncedVia: "webhook"}

	switch event.Type {
	case "payment":
		return engine.ProcessPaymentEvent(ctx, event.Data.ID, opts)
	case "subscription_preapproval", "preapproval":
		return engine.ProcessPreapprovalEvent(ctx, event.Data.ID, opts)
	case "subscription_authorized_payment":
		// Recurring charge notifications carry a payment id.
		return engine.ProcessPaymentEvent(ctx, event.Data.ID, opts)
	default:
		return nil, nil
	}
}

func finalizeWebhook(c *gin.Context, notifLog *notificationlog.Service, log *zap.SugaredLogger, event *mercadopago.WebhookEvent, seed webhookLogSeed, result *reconciliation.ProcessResult, err error) {
	resp := WebhookResponse{Type: event.Type, ID: event.Data.ID}

	logOutcome := func(status models.WebhookNotificationLogStatus, payload any) {
		follow := &models.WebhookNotificationLog{
			EventType:        event.Type,
			ResourceID:       event.Data.ID,
			TraceID:          seed.traceID,
			NotificationTime: seed.receivedAt,
			Data:             datatypes.JSON(seed.body),
			Status:           status,
		}
		if payload != nil {
			if raw, mErr := json.Marshal(payload); mErr == nil {
				j := datatypes.JSON(raw)
				follow.Result = &j
			}
		}
		notifLog.Save(c.Request.Context(), follow)
	}

	switch {
	case err == nil && result == nil:
		// Unhandled event type: acknowledged, nothing to do.
		resp.Success = true
		resp.Status = "ignored"
		reconciliation.CountWebhookEvent(event.Type, reconciliation.OutcomeHandled)
		c.JSON(http.StatusOK, resp)

	case err == nil && result.Deferred:
		resp.Success = true
		resp.Status = "deferred"
		reconciliation.CountWebhookEvent(event.Type, reconciliation.OutcomeDeferred)
		logOutcome(models.WebhookNotificationLogStatusDeferred, result)
		c.JSON(http.StatusOK, resp)

	case err == nil:
		resp.Success = true
		resp.Status = result.Status
		reconciliation.CountWebhookEvent(event.Type, reconciliation.OutcomeHandled)
		logOutcome(models.WebhookNotificationLogStatusHandled, result)
		c.JSON(http.StatusOK, resp)

	case errors.Is(err, reconciliation.ErrNoMatch):
		// No internal entity yet; the gateway should not redeliver. The
		// orphan sweep or auto-verify picks this up later.
		resp.Success = true
		resp.Status = "no_match"
		reconciliation.CountWebhookEvent(event.Type, reconciliation.OutcomeNoMatch)
		logOutcome(models.WebhookNotificationLogStatusHandled, map[string]string{"status": "no_match"})
		logctx.FromCtx(c, log).Infow("webhook_no_match", "type", event.Type, "resource_id", event.Data.ID)
		c.JSON(http.StatusOK, resp)

	default:
		reconciliation.CountWebhookEvent(event.Type, reconciliation.OutcomeFailed)
		logOutcome(models.WebhookNotificationLogStatusHandleFailed, map[string]string{"error": err.Error()})
		logctx.FromCtx(c, log).Errorw("webhook_handle_error",
			"type", event.Type, "resource_id", event.Data.ID, "error", err)
		c.JSON(http.StatusInternalServerError, response.ErrorT[any](response.APIResponseCodeError, fmt.Sprintf("processing failed: %v", err)))
	}
}

func RegisterWebhookRoutes(r gin.IRouter, engine *reconciliation.Engine, notifLog *notificationlog.Service, cfg *config.Config, log *zap.SugaredLogger) {
	r.POST("/mercadopago", ApiMercadoPagoWebhook(engine, notifLog, cfg, log))
}
