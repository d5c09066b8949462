package models

import (
	"time"
)

// Content kinds as reported by the forum service.
const (
	KindThread  = "thread"
	KindPost    = "post"
	KindComment = "comment"
)

// Author is a forum-side user attached to fetched content. Distinct from
// User, which is a console account.
type Author struct {
	UserID   int64  `json:"user_id" gorm:"primaryKey;autoIncrement:false"`
	Portrait string `json:"portrait" gorm:"index"`
	UserName string `json:"user_name" gorm:"index"`
	NickName string `json:"nick_name" gorm:"index"`
	Level    int    `json:"level"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Content is one fetched forum item: a thread's first floor, a post, or a
// comment under a post. pid is the forum-wide unique id for all three kinds.
type Content struct {
	PID       int64     `json:"pid" gorm:"column:pid;primaryKey;autoIncrement:false"`
	TID       int64     `json:"tid" gorm:"column:tid;index"`
	Forum     string    `json:"forum" gorm:"index"`
	Kind      string    `json:"kind" gorm:"index"` // thread, post, comment
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	Floor     int       `json:"floor"`
	Images    string    `json:"images"` // JSON array of image descriptors
	PostedAt  time.Time `json:"posted_at" gorm:"index"`
	AuthorID  int64     `json:"author_id" gorm:"index"`
	CreatedAt time.Time `json:"created_at"`

	Author *Author `json:"author,omitempty" gorm:"foreignKey:AuthorID;references:UserID"`
}
