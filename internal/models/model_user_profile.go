package models

import "time"

// UserProfile carries the denormalized has_active_subscription flag that
// the storefront reads on every page load.
type UserProfile struct {
	ID                    uint      `gorm:"column:id;primaryKey" json:"id"`
	UserID                string    `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex" json:"user_id"`
	Email                 string    `gorm:"column:email;type:varchar(255)" json:"email"`
	HasActiveSubscription bool      `gorm:"column:has_active_subscription;not null;default:false" json:"has_active_subscription"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

func (UserProfile) TableName() string { return "user_profiles" }
