package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Confirmation statuses.
const (
	ConfirmPending  = "pending"
	ConfirmExecuted = "executed"
	ConfirmIgnored  = "ignored"
)

// Confirmation is a matched operation group waiting for manual approval.
// Direct operations already ran when the row was created; only the deferred
// subset is stored here.
type Confirmation struct {
	ID        string `json:"id" gorm:"primaryKey"`
	WatcherID uint   `json:"watcher_id" gorm:"index"`
	PID       int64  `json:"pid" gorm:"column:pid;index"`

	RuleSetName string    `json:"rule_set_name"`
	Operations  string    `json:"operations"` // JSON, deferred subset only
	Status      string    `json:"status" gorm:"default:'pending';index"`
	ExpiresAt   time.Time `json:"expires_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Confirmation) BeforeCreate(tx *gorm.DB) (err error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = ConfirmPending
	}
	return
}

// Expired reports whether the confirmation is past its expiry.
func (c *Confirmation) Expired() bool {
	return time.Now().After(c.ExpiresAt)
}
