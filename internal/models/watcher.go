package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/moyanhui/webtm/backend/internal/util"
)

// Watcher binds a forum account to one forum under moderation. The scanner
// polls every forum that at least one enabled watcher points at; matched
// content is acted on through the watcher's credentials.
type Watcher struct {
	ID     uint   `json:"id" gorm:"primaryKey"`
	UUID   string `json:"uuid" gorm:"uniqueIndex"`
	UserID uint   `json:"user_id" gorm:"index"`
	Name   string `json:"name"`

	Forum   string `json:"forum" gorm:"index"` // forum name (fname)
	ForumID int64  `json:"forum_id"`           // resolved fid, 0 until verified

	// Forum credentials. Masked in every serialized response, see Sanitized.
	BDUSS  string `json:"bduss"`
	SToken string `json:"stoken"`

	// Which content kinds the scanner fetches for this watcher. Callers set
	// the defaults; a gorm default tag would swallow an explicit false.
	ScanThreads  bool `json:"scan_threads"`
	ScanPosts    bool `json:"scan_posts"`
	ScanComments bool `json:"scan_comments"`

	// Defaults applied when a block operation carries no options.
	BlockDay    int    `json:"block_day"`
	BlockReason string `json:"block_reason"`

	// MandatoryConfirm queues every non-direct operation for manual approval.
	MandatoryConfirm bool `json:"mandatory_confirm"`
	// FullProcess keeps evaluating rule sets after the first hit so the
	// process log records every matching set; only the first hit executes.
	FullProcess bool `json:"full_process"`

	Enabled  bool       `json:"enabled"`
	Verified bool       `json:"verified"` // credentials checked against the forum service
	LastScan *time.Time `json:"last_scan,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (w *Watcher) BeforeCreate(tx *gorm.DB) (err error) {
	if w.UUID == "" {
		w.UUID = uuid.New().String()
	}
	return
}

// LoginReady reports whether the watcher carries a full credential pair.
func (w *Watcher) LoginReady() bool {
	return w.BDUSS != "" && w.SToken != ""
}

// Sanitized returns a copy safe for serialization: credentials replaced by
// their mosaics.
func (w Watcher) Sanitized() Watcher {
	w.BDUSS = util.MaskCredential(w.BDUSS, util.MosaicBDUSS)
	w.SToken = util.MaskCredential(w.SToken, util.MosaicSToken)
	return w
}
