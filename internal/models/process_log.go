package models

import (
	"time"
)

// ProcessLog records one rule-engine evaluation of a content item for a
// watcher. RuleSetName is empty when nothing matched; Whitelist marks hits
// that suppressed processing. Context holds the per-condition evaluation
// trace as JSON.
type ProcessLog struct {
	ID        uint  `json:"id" gorm:"primaryKey"`
	WatcherID uint  `json:"watcher_id" gorm:"index"`
	PID       int64 `json:"pid" gorm:"column:pid;index"`
	TID       int64 `json:"tid" gorm:"column:tid;index"`

	RuleSetName string `json:"rule_set_name"`
	Whitelist   bool   `json:"whitelist"`
	Executed    bool   `json:"executed"`
	Context     string `json:"context"`

	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

// Hit reports whether this evaluation matched a non-whitelist rule set.
func (l *ProcessLog) Hit() bool {
	return l.RuleSetName != "" && !l.Whitelist
}
