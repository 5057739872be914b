package models

import (
	"time"

	"gorm.io/datatypes"
)

// SubscriptionChangeLog snapshots a subscription before/after each
// reconciliation transition; written asynchronously, best-effort.
type SubscriptionChangeLog struct {
	ID             string                              `gorm:"column:id;type:uuid;primary_key" json:"id"`
	SubscriptionID uint                                `gorm:"column:subscription_id;not null;index" json:"subscription_id"`
	UserID         string                              `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	Reason         string                              `gorm:"column:reason;type:varchar(64);not null" json:"reason"`
	Strategy       string                              `gorm:"column:strategy;type:varchar(64)" json:"strategy"`
	Before         datatypes.JSONType[*Subscription]   `gorm:"column:before;type:jsonb" json:"before"`
	After          datatypes.JSONType[*Subscription]   `gorm:"column:after;type:jsonb" json:"after"`
	Extra          datatypes.JSONMap                   `gorm:"column:extra;type:jsonb;default:'{}'" json:"extra"`
	CreatedAt      time.Time                           `json:"created_at"`
}

func (SubscriptionChangeLog) TableName() string { return "subscription_change_log" }
