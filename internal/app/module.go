package app

import (
	"time"

	"github.com/petgourmet/billing-backend/internal/app/api/server"
	"github.com/petgourmet/billing-backend/internal/app/service/idempotency"
	"github.com/petgourmet/billing-backend/internal/app/service/lock"
	"github.com/petgourmet/billing-backend/internal/app/service/matcher"
	notificationlog "github.com/petgourmet/billing-backend/internal/app/service/notification_log"
	"github.com/petgourmet/billing-backend/internal/app/service/reconciliation"
	"github.com/petgourmet/billing-backend/internal/app/service/statistics"
	"github.com/petgourmet/billing-backend/internal/platform/db"
	"github.com/petgourmet/billing-backend/internal/platform/mercadopago"
	"github.com/petgourmet/billing-backend/pkg/config"
	"github.com/petgourmet/billing-backend/pkg/logger"

	"go.uber.org/fx"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	mercadopago.Module,
	matcher.Module,
	lock.Module,
	idempotency.Module,
	notificationlog.Module,
	reconciliation.Module,
	statistics.Module,
	server.Module,
)
