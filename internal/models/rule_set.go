package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RuleSet is a priority-ordered group of conditions paired with operations.
// Conditions and operations persist as JSON blobs; internal/rule owns their
// schema and validation, the model only stores what the registry accepted.
type RuleSet struct {
	ID        uint   `json:"id" gorm:"primaryKey"`
	UUID      string `json:"uuid" gorm:"uniqueIndex"`
	WatcherID uint   `json:"watcher_id" gorm:"index"`
	Name      string `json:"name"`

	// Priority orders evaluation, highest first.
	Priority int `json:"priority"`
	// Whitelist rule sets suppress processing instead of triggering it.
	Whitelist bool `json:"whitelist"`
	// ManualConfirm queues this set's non-direct operations for approval.
	ManualConfirm bool `json:"manual_confirm"`
	Enabled       bool `json:"enabled"`

	Conditions string `json:"conditions"` // JSON array of rule.Condition configs
	Operations string `json:"operations"` // JSON shorthand string or array of rule.OperationSpec

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *RuleSet) BeforeCreate(tx *gorm.DB) (err error) {
	if r.UUID == "" {
		r.UUID = uuid.New().String()
	}
	return
}
