package models

import (
	"time"

	"gorm.io/datatypes"
)

// ProcessLock is an ephemeral row implementing cross-request mutual
// exclusion keyed by correlation id. The unique index on lock_key is the
// actual lock; expired rows are inert and reaped before acquisition.
type ProcessLock struct {
	ID        uint           `gorm:"column:id;primaryKey" json:"id"`
	LockKey   string         `gorm:"column:lock_key;type:varchar(255);not null;uniqueIndex" json:"lock_key"`
	LockID    string         `gorm:"column:lock_id;type:varchar(64);not null" json:"lock_id"`
	ExpiresAt time.Time      `gorm:"column:expires_at;not null;index" json:"expires_at"`
	Metadata  datatypes.JSON `gorm:"column:metadata;type:jsonb;default:'{}'" json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

func (ProcessLock) TableName() string { return "process_locks" }

func (l *ProcessLock) Expired(now time.Time) bool {
	return l != nil && now.After(l.ExpiresAt)
}
