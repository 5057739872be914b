package notification_log

import (
	"context"

	"github.com/petgourmet/billing-backend/internal/models"
	"github.com/petgourmet/billing-backend/pkg/logctx"
	"github.com/petgourmet/billing-backend/pkg/tool"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Service { return &Service{db: db, log: log} }

// Save asynchronously persists a webhook notification log. Nil input is
// ignored; persistence failures never affect webhook handling.
func (s *Service) Save(ctx context.Context, entry *models.WebhookNotificationLog) {
	go func() {
		if entry == nil {
			return
		}
		if entry.ID == "" {
			entry.ID = tool.GenerateUUIDV7()
		}
		if err := s.db.Save(entry).Error; err != nil {
			logctx.FromCtx(ctx, s.log).Errorf("failed to save webhook notification log: %v", err)
		}
	}()
}

// RecentByResource returns the latest log rows for a gateway resource id,
// newest first; used by admin discrepancy reports.
func (s *Service) RecentByResource(ctx context.Context, resourceID string, limit int) ([]*models.WebhookNotificationLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []*models.WebhookNotificationLog
	err := s.db.WithContext(ctx).
		Where("resource_id = ?", resourceID).
		Order("created_at desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Module exposes the notification log service via Fx.
var Module = fx.Options(
	fx.Provide(New),
)
