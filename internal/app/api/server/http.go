package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/petgourmet/billing-backend/docs"
	"github.com/petgourmet/billing-backend/internal/app/api/handlers"
	"github.com/petgourmet/billing-backend/internal/app/service/idempotency"
	"github.com/petgourmet/billing-backend/internal/app/service/lock"
	notificationlog "github.com/petgourmet/billing-backend/internal/app/service/notification_log"
	"github.com/petgourmet/billing-backend/internal/app/service/reconciliation"
	"github.com/petgourmet/billing-backend/internal/app/service/statistics"
	cfgpkg "github.com/petgourmet/billing-backend/pkg/config"

	mw "github.com/petgourmet/billing-backend/internal/app/api/middleware"

	metrics "github.com/petgourmet/billing-backend/pkg/metrics"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	// Add request tracing middleware only; request logger & access log are attached per group in registerRoutes
	r.Use(mw.TraceMiddleware())
	return r
}

func registerRoutes(
	r *gin.Engine,
	log *zap.SugaredLogger,
	engine *reconciliation.Engine,
	notifLog *notificationlog.Service,
	locks *lock.Service,
	idem *idempotency.Service,
	stats *statistics.Service,
	gdb *gorm.DB,
	cfg *cfgpkg.Config,
) {
	// Prometheus metrics
	if cfg != nil && cfg.MetricsAddr != "" {
		p := metrics.NewPrometheus(metrics.NewPrometheusOptions{
			ReqCntURLLabelMappingFn: func(c *gin.Context) string {
				if fp := c.FullPath(); fp != "" {
					return fp
				}
				return c.Request.URL.Path
			},
			Logger: log,
		})
		p.SetListenAddress(cfg.MetricsAddr)
		p.Use(r)

		log.Infow("metrics started", "addr", cfg.MetricsAddr)
	}
	// Public group: request logger + access log
	pub := r.Group("/")
	pub.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware())
	handlers.RegisterHealthRoutes(pub)
	// Swagger UI
	docs.SwaggerInfo.BasePath = "/"
	pub.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	apiV1 := r.Group("/api/v1")
	apiV1.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware())

	// Gateway webhooks: rate limited per client IP
	webhooks := apiV1.Group("/webhooks")
	webhooks.Use(mw.RateLimitMiddleware(cfg.RateLimit.WebhookPerMinute))
	handlers.RegisterWebhookRoutes(webhooks, engine, notifLog, cfg, log)

	// Client-facing subscription verification
	handlers.RegisterSubscriptionRoutes(apiV1.Group("/subscriptions"), engine, log)

	// Admin APIs behind bearer token auth
	admin := apiV1.Group("/admin")
	admin.Use(mw.AdminAuthMiddleware(cfg.Admin.APIToken))
	handlers.RegisterAdminRoutes(admin, engine, locks, idem, stats, gdb, log)
}

func runServer(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config, r *gin.Engine) {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting HTTP server", "addr", addr)
			go func() {
				if err := srv.ListenAndServe(); err != nil {
					log.Errorf("server error: %v", err)
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Infow("stopping HTTP server")
			shutdownCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Options(
	fx.Provide(newEngine),
	fx.Invoke(registerRoutes),
	fx.Invoke(runServer),
)
