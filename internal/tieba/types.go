package tieba

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// UserInfo is a forum-side user profile.
type UserInfo struct {
	UserID   int64  `json:"user_id"`
	Portrait string `json:"portrait"`
	UserName string `json:"user_name"`
	NickName string `json:"nick_name"`
	Level    int    `json:"level"`
	IP       string `json:"ip,omitempty"`
	TiebaUID int64  `json:"tieba_uid,omitempty"`
}

// Image is one picture attached to a post.
type Image struct {
	Hash   string `json:"hash"`
	Src    string `json:"src"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Thread is one row of a forum's thread list.
type Thread struct {
	TID      int64
	PID      int64 // first-floor pid
	Title    string
	Text     string
	Author   UserInfo
	Created  int64 // unix seconds
	LastTime int64 // unix seconds of the latest reply
	ReplyNum int
}

// Post is one floor of a thread.
type Post struct {
	PID      int64
	TID      int64
	Floor    int
	Title    string
	Text     string
	Images   []Image
	Author   UserInfo
	Created  int64
	ReplyNum int // comments under this floor
}

// Comment is one sub-post under a floor.
type Comment struct {
	PID     int64
	TID     int64
	Floor   int
	Title   string
	Text    string
	Author  UserInfo
	Created int64
}

// PostPage is one page of a thread's posts, with the comments the page
// already inlined and per-floor reply counts.
type PostPage struct {
	Posts      []Post
	Comments   []Comment
	TotalPages int
	ReplyNums  map[int64]int
}

// APIError is a non-zero error_code returned by the forum service.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("forum api error %d: %s", e.Code, e.Msg)
}

// flexInt tolerates the service's habit of returning numbers as either JSON
// numbers or quoted strings depending on endpoint.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		*f = flexInt(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

func (f flexInt) Int64() int64 { return int64(f) }
func (f flexInt) Int() int     { return int(f) }

// Wire shapes shared by the JSON endpoints.

type respUser struct {
	ID       flexInt `json:"id"`
	Name     string  `json:"name"`
	NameShow string  `json:"name_show"`
	Portrait string  `json:"portrait"`
	LevelID  flexInt `json:"level_id"`
}

type respFragment struct {
	Type      flexInt `json:"type"`
	Text      string  `json:"text"`
	BSize     string  `json:"bsize"`
	Src       string  `json:"src"`
	OriginSrc string  `json:"origin_src"`
}

type respPage struct {
	TotalPage   flexInt `json:"total_page"`
	CurrentPage flexInt `json:"current_page"`
	HasMore     flexInt `json:"has_more"`
}

type respStatus struct {
	ErrorCode flexInt `json:"error_code"`
	ErrorMsg  string  `json:"error_msg"`
}

func (r respStatus) err() error {
	if r.ErrorCode == 0 {
		return nil
	}
	return &APIError{Code: r.ErrorCode.Int(), Msg: r.ErrorMsg}
}
