package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/petgourmet/billing-backend/internal/app/service/idempotency"
	"github.com/petgourmet/billing-backend/internal/app/service/lock"
	"github.com/petgourmet/billing-backend/internal/app/service/reconciliation"
	"github.com/petgourmet/billing-backend/internal/app/service/statistics"
	models "github.com/petgourmet/billing-backend/internal/models"
	"github.com/petgourmet/billing-backend/pkg/logctx"
	"github.com/petgourmet/billing-backend/pkg/response"
	"github.com/petgourmet/billing-backend/pkg/types"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ScanRequest struct {
	Filters   []*types.CommonFilter `json:"filters"`
	From      int                   `json:"from"`
	Size      int                   `json:"size"`
	SortBy    string                `json:"sort_by"`
	SortOrder string                `json:"sort_order"`
}

// filtersWhere wraps a list of filters to a single clause.Expression
type filtersWhere struct{ filters []*types.CommonFilter }

func (w filtersWhere) Build(builder clause.Builder) {
	if len(w.filters) == 0 {
		builder.WriteString("1=1")
		return
	}
	for i, f := range w.filters {
		if i > 0 {
			builder.WriteString(" AND ")
		}
		f.Build(builder)
	}
}

func scanTable[T any](c *gin.Context, db *gorm.DB, req *ScanRequest, defaultSort string) {
	if req.Size <= 0 || req.Size > 200 {
		req.Size = 50
	}
	sortBy := req.SortBy
	if sortBy == "" {
		sortBy = defaultSort
	}
	order := clause.OrderByColumn{Column: clause.Column{Name: sortBy}, Desc: req.SortOrder != "asc"}

	var model T
	q := db.WithContext(c.Request.Context()).Model(&model).
		Where(clause.Where{Exprs: []clause.Expression{filtersWhere{filters: req.Filters}}})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
		return
	}
	var items []*T
	if err := q.Order(order).Offset(req.From).Limit(req.Size).Find(&items).Error; err != nil {
		c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
		return
	}
	c.JSON(http.StatusOK, response.OKT(map[string]any{"items": items, "total": total}))
}

// @Summary      Scan Orders (Admin)
// @Description  Paginated, filterable order listing.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body ScanRequest true "Filters, pagination and sorting"
// @Success      200  {object}  response.APIResponse[any]
// @Router       /api/v1/admin/orders/scan [post]
func ApiScanOrders(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ScanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		scanTable[models.Order](c, db, &req, "created_at")
	}
}

// @Summary      Scan Billing History (Admin)
// @Description  Paginated, filterable billing ledger listing.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body ScanRequest true "Filters, pagination and sorting"
// @Success      200  {object}  response.APIResponse[any]
// @Router       /api/v1/admin/billing/scan [post]
func ApiScanBillingHistory(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ScanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		scanTable[models.BillingHistory](c, db, &req, "billing_date")
	}
}

type SyncSubscriptionRequest struct {
	SubscriptionID uint `json:"subscription_id"`
	ForceSync      bool `json:"force_sync"`
	// Apply runs the fixes; false is a dry-run discrepancy report.
	Apply bool `json:"apply"`
}

// @Summary      Sync Subscription (Admin)
// @Description  Compares one subscription against the gateway and returns a discrepancy report; with apply set it also closes the gaps.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body SyncSubscriptionRequest true "Subscription sync request"
// @Success      200  {object}  response.APIResponse[reconciliation.DiscrepancyReport]
// @Router       /api/v1/admin/sync/subscription [post]
func ApiSyncSubscription(engine *reconciliation.Engine, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SyncSubscriptionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if req.SubscriptionID == 0 {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing subscription_id"))
			return
		}
		report, err := engine.SyncSubscription(c.Request.Context(), req.SubscriptionID, req.Apply || req.ForceSync)
		if err != nil {
			if errors.Is(err, reconciliation.ErrNoMatch) {
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "subscription not found"))
				return
			}
			logctx.FromCtx(c, log).Errorw("admin_sync_subscription_failed", "subscription_id", req.SubscriptionID, "error", err)
			// Partial failure still carries the report when available.
			if report != nil {
				c.JSON(http.StatusOK, response.OKT(report))
				return
			}
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(report))
	}
}

type SyncOrderRequest struct {
	OrderID   uint `json:"order_id"`
	ForceSync bool `json:"force_sync"`
	Apply     bool `json:"apply"`
}

// @Summary      Sync Order (Admin)
// @Description  Re-fetches the gateway payment attached to an order and returns a discrepancy report; with apply set the payment outcome is re-applied with force.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body SyncOrderRequest true "Order sync request"
// @Success      200  {object}  response.APIResponse[reconciliation.DiscrepancyReport]
// @Router       /api/v1/admin/sync/order [post]
func ApiSyncOrder(engine *reconciliation.Engine, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SyncOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if req.OrderID == 0 {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing order_id"))
			return
		}
		report, err := engine.SyncOrder(c.Request.Context(), req.OrderID, req.Apply || req.ForceSync)
		if err != nil {
			if errors.Is(err, reconciliation.ErrNoMatch) {
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "order not found"))
				return
			}
			logctx.FromCtx(c, log).Errorw("admin_sync_order_failed", "order_id", req.OrderID, "error", err)
			if report != nil {
				c.JSON(http.StatusOK, response.OKT(report))
				return
			}
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(report))
	}
}

// @Summary      Cancel Subscription (Admin)
// @Description  Cancels the gateway preapproval, then mirrors the cancelled status locally.
// @Tags         Admin
// @Produce      json
// @Param        id path int true "Subscription ID"
// @Success      200  {object}  response.APIResponse[reconciliation.ProcessResult]
// @Router       /api/v1/admin/subscriptions/{id}/cancel [post]
func ApiCancelSubscription(engine *reconciliation.Engine, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil || id == 0 {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "invalid subscription id"))
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&body)

		result, err := engine.CancelSubscription(c.Request.Context(), uint(id), body.Reason)
		if err != nil {
			if errors.Is(err, reconciliation.ErrNoMatch) {
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "subscription not found"))
				return
			}
			logctx.FromCtx(c, log).Errorw("admin_cancel_subscription_failed", "subscription_id", id, "error", err)
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(result))
	}
}

// @Summary      Clean Expired Locks (Admin)
// @Description  Removes expired process locks and idempotency records.
// @Tags         Admin
// @Produce      json
// @Success      200  {object}  response.APIResponse[any]
// @Router       /api/v1/admin/locks/clean [post]
func ApiCleanLocks(locks *lock.Service, idem *idempotency.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		lockCount, err := locks.CleanExpired(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		idemCount, err := idem.CleanExpired(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		logctx.FromCtx(c, log).Infow("expired_records_cleaned", "locks", lockCount, "idempotency_records", idemCount)
		c.JSON(http.StatusOK, response.OKT(map[string]int64{
			"locks_removed":               lockCount,
			"idempotency_records_removed": idemCount,
		}))
	}
}

// @Summary      Get Billing Statistics (Admin)
// @Description  Retrieves daily billing and subscription statistics.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body statistics.BillingStatisticRequest true "Statistic request parameters"
// @Success      200  {object}  response.APIResponse[statistics.BillingStatisticResponse]
// @Router       /api/v1/admin/get_billing_statistic [post]
func ApiGetBillingStatistic(svc *statistics.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req statistics.BillingStatisticRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		res, err := svc.GetBillingStatistic(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

func RegisterAdminRoutes(r gin.IRouter, engine *reconciliation.Engine, locks *lock.Service, idem *idempotency.Service, stats *statistics.Service, db *gorm.DB, log *zap.SugaredLogger) {
	r.POST("/sync/subscription", ApiSyncSubscription(engine, log))
	r.POST("/sync/order", ApiSyncOrder(engine, log))
	r.POST("/orders/scan", ApiScanOrders(db))
	r.POST("/billing/scan", ApiScanBillingHistory(db))
	r.POST("/locks/clean", ApiCleanLocks(locks, idem, log))
	r.POST("/subscriptions/:id/cancel", ApiCancelSubscription(engine, log))
	r.POST("/get_billing_statistic", ApiGetBillingStatistic(stats))
}
