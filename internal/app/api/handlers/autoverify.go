package handlers

import (
	"errors"
	"net/http"

	"github.com/petgourmet/billing-backend/internal/app/service/reconciliation"
	"github.com/petgourmet/billing-backend/pkg/logctx"
	"github.com/petgourmet/billing-backend/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type AutoVerifyRequest struct {
	SubscriptionID uint   `json:"subscription_id"`
	UserID         string `json:"user_id"`
}

// @Summary      Auto-verify subscription
// @Description  Polling-path reconciliation for one subscription: checks the gateway for a settled payment or authorized preapproval and activates, or applies the orphan decision.
// @Tags         Subscription
// @Accept       json
// @Produce      json
// @Param        request body AutoVerifyRequest true "Subscription to verify"
// @Success      200  {object}  response.APIResponse[reconciliation.ProcessResult]
// @Router       /api/v1/subscriptions/auto-verify [post]
func ApiAutoVerify(engine *reconciliation.Engine, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AutoVerifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if req.SubscriptionID == 0 || req.UserID == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing subscription_id or user_id"))
			return
		}

		result, err := engine.AutoVerify(c.Request.Context(), req.SubscriptionID, req.UserID)
		if err != nil {
			if errors.Is(err, reconciliation.ErrNoMatch) {
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "subscription not found"))
				return
			}
			logctx.FromCtx(c, log).Errorw("auto_verify_failed",
				"subscription_id", req.SubscriptionID, "error", err)
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(result))
	}
}

func RegisterSubscriptionRoutes(r gin.IRouter, engine *reconciliation.Engine, log *zap.SugaredLogger) {
	r.POST("/auto-verify", ApiAutoVerify(engine, log))
}
