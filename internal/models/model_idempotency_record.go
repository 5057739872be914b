package models

import (
	"time"

	"gorm.io/datatypes"
)

// IdempotencyRecord stores the serialized result of a completed operation.
// Replays within the validity window return the stored result without
// re-running side effects.
type IdempotencyRecord struct {
	ID             uint           `gorm:"column:id;primaryKey" json:"id"`
	IdempotencyKey string         `gorm:"column:idempotency_key;type:varchar(255);not null;uniqueIndex" json:"idempotency_key"`
	Result         datatypes.JSON `gorm:"column:result;type:jsonb" json:"result"`
	ExpiresAt      time.Time      `gorm:"column:expires_at;not null;index" json:"expires_at"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }

func (r *IdempotencyRecord) Valid(now time.Time) bool {
	return r != nil && now.Before(r.ExpiresAt)
}
