package models

import (
	"time"

	"gorm.io/datatypes"
)

type WebhookNotificationLogStatus string

const (
	WebhookNotificationLogStatusReceived     WebhookNotificationLogStatus = "received"
	WebhookNotificationLogStatusHandled      WebhookNotificationLogStatus = "handled"
	WebhookNotificationLogStatusHandleFailed WebhookNotificationLogStatus = "handle_failed"
	WebhookNotificationLogStatusDeferred     WebhookNotificationLogStatus = "deferred"
)

// WebhookNotificationLog is the audit trail for every gateway notification,
// written at receipt and again after handling with the outcome payload.
type WebhookNotificationLog struct {
	ID               string                       `gorm:"column:id;type:uuid;primary_key" json:"id"`
	EventType        string                       `gorm:"column:event_type;type:varchar(64);not null" json:"event_type"`
	ResourceID       string                       `gorm:"column:resource_id;type:varchar(128);index" json:"resource_id"`
	TraceID          string                       `gorm:"column:trace_id;type:varchar(128)" json:"trace_id"`
	NotificationTime time.Time                    `gorm:"column:notification_time" json:"notification_time"`
	Data             datatypes.JSON               `gorm:"column:data;type:jsonb" json:"data"`
	Result           *datatypes.JSON              `gorm:"column:result;type:jsonb" json:"result"`
	Status           WebhookNotificationLogStatus `gorm:"column:status;type:varchar(64);not null" json:"status"`
	CreatedAt        time.Time                    `json:"created_at"`
	UpdatedAt        time.Time                    `json:"updated_at"`
}

func (WebhookNotificationLog) TableName() string { return "webhook_notification_log" }
