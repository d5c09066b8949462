package tieba

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Client is the forum service surface the rest of the system depends on.
// Anonymous clients can read; moderation calls need a credentialed one.
type Client interface {
	GetForumID(ctx context.Context, forum string) (int64, error)
	GetThreads(ctx context.Context, forum string, page int) ([]Thread, error)
	GetPosts(ctx context.Context, tid int64, page int) (*PostPage, error)
	GetComments(ctx context.Context, tid, pid int64, page int) ([]Comment, error)
	GetUserInfo(ctx context.Context, userID int64) (*UserInfo, error)
	GetSelfInfo(ctx context.Context) (*UserInfo, error)

	DelThread(ctx context.Context, forum string, tid int64) error
	DelPost(ctx context.Context, forum string, tid, pid int64) error
	Block(ctx context.Context, forum string, portrait string, day int, reason string) error
}

const (
	mobileBase = "http://c.tieba.baidu.com"
	webBase    = "http://tieba.baidu.com"

	clientVersion = "12.57.4.2"
	signSuffix    = "tiebaclient!!!"
)

// HTTPClient talks the signed mobile form API. The zero credential pair makes
// an anonymous read-only client.
type HTTPClient struct {
	bduss  string
	stoken string
	hc     *http.Client

	mu  sync.Mutex
	tbs string

	fidMu sync.Mutex
	fids  map[string]int64
}

// NewClient builds a client for the given credential pair; pass empty strings
// for an anonymous client.
func NewClient(bduss, stoken string) *HTTPClient {
	return &HTTPClient{
		bduss:  bduss,
		stoken: stoken,
		hc:     &http.Client{Timeout: 15 * time.Second},
		fids:   map[string]int64{},
	}
}

// sign appends the md5 request signature the mobile API requires: keys sorted,
// concatenated as k=v, suffixed with the client salt.
func sign(form url.Values) {
	keys := make([]string, 0, len(form))
	for k := range form {
		if k != "sign" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(form.Get(k))
	}
	b.WriteString(signSuffix)

	sum := md5.Sum([]byte(b.String()))
	form.Set("sign", hex.EncodeToString(sum[:]))
}

func (c *HTTPClient) cookie() string {
	if c.bduss == "" {
		return "ka=open"
	}
	return fmt.Sprintf("BDUSS=%s; STOKEN=%s", c.bduss, c.stoken)
}

// getTBS fetches and caches the anti-replay token moderation calls require.
func (c *HTTPClient) getTBS(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tbs != "" {
		return c.tbs, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, webBase+"/dc/common/tbs", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Cookie", c.cookie())

	res, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch tbs: %w", err)
	}
	defer res.Body.Close()

	var body struct {
		TBS     string  `json:"tbs"`
		IsLogin flexInt `json:"is_login"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode tbs: %w", err)
	}
	if body.TBS == "" {
		return "", fmt.Errorf("empty tbs, credentials likely invalid")
	}
	c.tbs = body.TBS
	return c.tbs, nil
}

// post issues one signed form request and decodes the JSON body into out.
func (c *HTTPClient) post(ctx context.Context, path string, form url.Values, needTBS bool, out any) error {
	if form == nil {
		form = url.Values{}
	}
	form.Set("_client_type", "2")
	form.Set("_client_version", clientVersion)
	if c.bduss != "" {
		form.Set("BDUSS", c.bduss)
	}
	if needTBS {
		tbs, err := c.getTBS(ctx)
		if err != nil {
			return err
		}
		form.Set("tbs", tbs)
	}
	sign(form)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mobileBase+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cookie", c.cookie())
	req.Header.Set("User-Agent", "bdtb for Android "+clientVersion)

	res, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("post %s: unexpected status %d", path, res.StatusCode)
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}

	var status respStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return fmt.Errorf("post %s: decode: %w", path, err)
	}
	if err := status.err(); err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("post %s: decode: %w", path, err)
		}
	}
	return nil
}

// GetForumID resolves and caches a forum's fid.
func (c *HTTPClient) GetForumID(ctx context.Context, forum string) (int64, error) {
	c.fidMu.Lock()
	if fid, ok := c.fids[forum]; ok {
		c.fidMu.Unlock()
		return fid, nil
	}
	c.fidMu.Unlock()

	u := webBase + "/f/commit/share/fnameShareApi?ie=utf-8&fname=" + url.QueryEscape(forum)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("resolve forum %q: %w", forum, err)
	}
	defer res.Body.Close()

	var body struct {
		No   flexInt `json:"no"`
		Data struct {
			Fid flexInt `json:"fid"`
		} `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("resolve forum %q: %w", forum, err)
	}
	if body.No != 0 || body.Data.Fid == 0 {
		return 0, fmt.Errorf("forum %q not found", forum)
	}

	c.fidMu.Lock()
	c.fids[forum] = body.Data.Fid.Int64()
	c.fidMu.Unlock()
	return body.Data.Fid.Int64(), nil
}

// GetThreads fetches one page of a forum's thread list.
func (c *HTTPClient) GetThreads(ctx context.Context, forum string, page int) ([]Thread, error) {
	form := url.Values{}
	form.Set("kw", forum)
	form.Set("pn", strconv.Itoa(page))
	form.Set("rn", "30")

	var body struct {
		ThreadList []struct {
			TID         flexInt        `json:"tid"`
			PID         flexInt        `json:"first_post_id"`
			Title       string         `json:"title"`
			Abstract    []respFragment `json:"abstract"`
			AuthorID    flexInt        `json:"author_id"`
			CreateTime  flexInt        `json:"create_time"`
			LastTimeInt flexInt        `json:"last_time_int"`
			ReplyNum    flexInt        `json:"reply_num"`
		} `json:"thread_list"`
		UserList []respUser `json:"user_list"`
	}
	if err := c.post(ctx, "/c/f/frs/page", form, false, &body); err != nil {
		return nil, err
	}

	users := userIndex(body.UserList)
	threads := make([]Thread, 0, len(body.ThreadList))
	for _, t := range body.ThreadList {
		var text strings.Builder
		for _, frag := range t.Abstract {
			if frag.Type == 0 {
				text.WriteString(frag.Text)
			}
		}
		threads = append(threads, Thread{
			TID:      t.TID.Int64(),
			PID:      t.PID.Int64(),
			Title:    t.Title,
			Text:     text.String(),
			Author:   users[t.AuthorID.Int64()],
			Created:  t.CreateTime.Int64(),
			LastTime: t.LastTimeInt.Int64(),
			ReplyNum: t.ReplyNum.Int(),
		})
	}
	return threads, nil
}

// GetPosts fetches one page of a thread, including the comments the service
// inlines per floor and the per-floor reply counts.
func (c *HTTPClient) GetPosts(ctx context.Context, tid int64, page int) (*PostPage, error) {
	form := url.Values{}
	form.Set("kz", strconv.FormatInt(tid, 10))
	form.Set("pn", strconv.Itoa(page))
	form.Set("rn", "30")
	form.Set("with_floor", "1")
	form.Set("floor_rn", "4")

	var body struct {
		PostList []struct {
			ID            flexInt        `json:"id"`
			Floor         flexInt        `json:"floor"`
			AuthorID      flexInt        `json:"author_id"`
			Time          flexInt        `json:"time"`
			Content       []respFragment `json:"content"`
			SubPostNumber flexInt        `json:"sub_post_number"`
			SubPostList   struct {
				SubPostList []struct {
					ID       flexInt        `json:"id"`
					AuthorID flexInt        `json:"author_id"`
					Time     flexInt        `json:"time"`
					Content  []respFragment `json:"content"`
				} `json:"sub_post_list"`
			} `json:"sub_post_list"`
		} `json:"post_list"`
		UserList []respUser `json:"user_list"`
		Page     respPage   `json:"page"`
		Thread   struct {
			Title string `json:"title"`
		} `json:"thread"`
	}
	if err := c.post(ctx, "/c/f/pb/page", form, false, &body); err != nil {
		return nil, err
	}

	users := userIndex(body.UserList)
	out := &PostPage{
		TotalPages: body.Page.TotalPage.Int(),
		ReplyNums:  map[int64]int{},
	}
	for _, p := range body.PostList {
		text, images := flattenFragments(p.Content)
		post := Post{
			PID:      p.ID.Int64(),
			TID:      tid,
			Floor:    p.Floor.Int(),
			Title:    body.Thread.Title,
			Text:     text,
			Images:   images,
			Author:   users[p.AuthorID.Int64()],
			Created:  p.Time.Int64(),
			ReplyNum: p.SubPostNumber.Int(),
		}
		out.Posts = append(out.Posts, post)
		out.ReplyNums[post.PID] = post.ReplyNum

		for _, sp := range p.SubPostList.SubPostList {
			text, _ := flattenFragments(sp.Content)
			out.Comments = append(out.Comments, Comment{
				PID:     sp.ID.Int64(),
				TID:     tid,
				Floor:   p.Floor.Int(),
				Title:   body.Thread.Title,
				Text:    text,
				Author:  users[sp.AuthorID.Int64()],
				Created: sp.Time.Int64(),
			})
		}
	}
	return out, nil
}

// GetComments fetches one page of the sub-posts under a floor.
func (c *HTTPClient) GetComments(ctx context.Context, tid, pid int64, page int) ([]Comment, error) {
	form := url.Values{}
	form.Set("kz", strconv.FormatInt(tid, 10))
	form.Set("spid", strconv.FormatInt(pid, 10))
	form.Set("pn", strconv.Itoa(page))

	var body struct {
		SubPostList []struct {
			ID       flexInt        `json:"id"`
			AuthorID flexInt        `json:"author_id"`
			Time     flexInt        `json:"time"`
			Content  []respFragment `json:"content"`
		} `json:"subpost_list"`
		Post struct {
			Floor flexInt `json:"floor"`
		} `json:"post"`
		Thread struct {
			Title string `json:"title"`
		} `json:"thread"`
		UserList []respUser `json:"user_list"`
	}
	if err := c.post(ctx, "/c/f/pb/floor", form, false, &body); err != nil {
		return nil, err
	}

	users := userIndex(body.UserList)
	comments := make([]Comment, 0, len(body.SubPostList))
	for _, sp := range body.SubPostList {
		text, _ := flattenFragments(sp.Content)
		comments = append(comments, Comment{
			PID:     sp.ID.Int64(),
			TID:     tid,
			Floor:   body.Post.Floor.Int(),
			Title:   body.Thread.Title,
			Text:    text,
			Author:  users[sp.AuthorID.Int64()],
			Created: sp.Time.Int64(),
		})
	}
	return comments, nil
}

// GetUserInfo fetches a user's profile, including IP location and public id.
func (c *HTTPClient) GetUserInfo(ctx context.Context, userID int64) (*UserInfo, error) {
	form := url.Values{}
	form.Set("uid", strconv.FormatInt(userID, 10))
	form.Set("need_post_count", "1")

	var body struct {
		User struct {
			ID        flexInt `json:"id"`
			Name      string  `json:"name"`
			NameShow  string  `json:"name_show"`
			Portrait  string  `json:"portrait"`
			LevelID   flexInt `json:"level_id"`
			IPAddress string  `json:"ip_address"`
			TiebaUID  flexInt `json:"tieba_uid"`
		} `json:"user"`
	}
	if err := c.post(ctx, "/c/u/user/profile", form, false, &body); err != nil {
		return nil, err
	}
	if body.User.ID == 0 {
		return nil, fmt.Errorf("user %d not found", userID)
	}
	return &UserInfo{
		UserID:   body.User.ID.Int64(),
		UserName: body.User.Name,
		NickName: body.User.NameShow,
		Portrait: strings.TrimPrefix(body.User.Portrait, "http://tb.himg.baidu.com/sys/portrait/item/"),
		Level:    body.User.LevelID.Int(),
		IP:       body.User.IPAddress,
		TiebaUID: body.User.TiebaUID.Int64(),
	}, nil
}

// GetSelfInfo verifies the credential pair and returns the logged-in account.
func (c *HTTPClient) GetSelfInfo(ctx context.Context) (*UserInfo, error) {
	if c.bduss == "" {
		return nil, fmt.Errorf("anonymous client has no self")
	}
	form := url.Values{}

	var body struct {
		User struct {
			ID       flexInt `json:"id"`
			Name     string  `json:"name"`
			NameShow string  `json:"name_show"`
			Portrait string  `json:"portrait"`
		} `json:"user"`
	}
	if err := c.post(ctx, "/c/s/login", form, false, &body); err != nil {
		return nil, err
	}
	if body.User.ID == 0 {
		return nil, fmt.Errorf("credentials rejected by forum service")
	}
	return &UserInfo{
		UserID:   body.User.ID.Int64(),
		UserName: body.User.Name,
		NickName: body.User.NameShow,
		Portrait: body.User.Portrait,
	}, nil
}

// DelThread removes a whole thread.
func (c *HTTPClient) DelThread(ctx context.Context, forum string, tid int64) error {
	fid, err := c.GetForumID(ctx, forum)
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("fid", strconv.FormatInt(fid, 10))
	form.Set("word", forum)
	form.Set("z", strconv.FormatInt(tid, 10))
	return c.post(ctx, "/c/c/bawu/delthread", form, true, nil)
}

// DelPost removes a single post or comment.
func (c *HTTPClient) DelPost(ctx context.Context, forum string, tid, pid int64) error {
	fid, err := c.GetForumID(ctx, forum)
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("fid", strconv.FormatInt(fid, 10))
	form.Set("word", forum)
	form.Set("z", strconv.FormatInt(tid, 10))
	form.Set("pid", strconv.FormatInt(pid, 10))
	return c.post(ctx, "/c/c/bawu/delpost", form, true, nil)
}

// Block bans a user from the forum for the given number of days.
func (c *HTTPClient) Block(ctx context.Context, forum string, portrait string, day int, reason string) error {
	fid, err := c.GetForumID(ctx, forum)
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("fid", strconv.FormatInt(fid, 10))
	form.Set("word", forum)
	form.Set("portrait", portrait)
	form.Set("day", strconv.Itoa(day))
	form.Set("reason", reason)
	return c.post(ctx, "/c/c/bawu/commitprison", form, true, nil)
}

func userIndex(users []respUser) map[int64]UserInfo {
	out := make(map[int64]UserInfo, len(users))
	for _, u := range users {
		out[u.ID.Int64()] = UserInfo{
			UserID:   u.ID.Int64(),
			UserName: u.Name,
			NickName: u.NameShow,
			Portrait: u.Portrait,
			Level:    u.LevelID.Int(),
		}
	}
	return out
}

func flattenFragments(frags []respFragment) (string, []Image) {
	var text strings.Builder
	var images []Image
	for _, f := range frags {
		switch f.Type {
		case 0:
			text.WriteString(f.Text)
		case 3:
			src := f.OriginSrc
			if src == "" {
				src = f.Src
			}
			img := Image{Src: src}
			if i := strings.LastIndex(src, "/"); i >= 0 {
				img.Hash = strings.SplitN(src[i+1:], ".", 2)[0]
			}
			if w, h, ok := strings.Cut(f.BSize, ","); ok {
				img.Width, _ = strconv.Atoi(w)
				img.Height, _ = strconv.Atoi(h)
			}
			images = append(images, img)
		}
	}
	return text.String(), images
}
