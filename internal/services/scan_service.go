package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/moyanhui/webtm/backend/internal/cache"
	"github.com/moyanhui/webtm/backend/internal/config"
	"github.com/moyanhui/webtm/backend/internal/logger"
	"github.com/moyanhui/webtm/backend/internal/metrics"
	"github.com/moyanhui/webtm/backend/internal/models"
	"github.com/moyanhui/webtm/backend/internal/tieba"
)

// need is the union of content kinds the watchers of one forum ask for.
type need struct {
	threads  bool
	posts    bool
	comments bool
}

func (n need) merge(o need) need {
	return need{
		threads:  n.threads || o.threads,
		posts:    n.posts || o.posts,
		comments: n.comments || o.comments,
	}
}

// ScanService polls the configured forums on a cron schedule, dedupes fetched
// content against a TTL mark cache, persists what is new and pushes it
// through every watcher's processor.
type ScanService struct {
	DB            *gorm.DB
	Process       *ProcessService
	Notifications *NotificationService
	Cfg           config.Config

	marks *cache.Cache[string]
	cron  *cron.Cron

	mu     sync.Mutex // one pass at a time
	client tieba.Client
}

func NewScanService(db *gorm.DB, ps *ProcessService, ns *NotificationService, cfg config.Config) *ScanService {
	return &ScanService{
		DB:            db,
		Process:       ps,
		Notifications: ns,
		Cfg:           cfg,
		marks:         cache.New[string](cfg.SeenMarkTTL, 0),
	}
}

// Start schedules the scan loop and the daily cleanup.
func (s *ScanService) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.Cfg.ScanInterval), func() {
		if err := s.ScanOnce(context.Background()); err != nil {
			logger.Log().WithError(err).Error("scan pass failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule scan: %w", err)
	}
	if _, err := s.cron.AddFunc(s.Cfg.CleanupSpec, s.Cleanup); err != nil {
		return fmt.Errorf("schedule cleanup: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for a running pass to finish.
func (s *ScanService) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// ScanOnce runs one full pass over every forum with at least one enabled
// watcher. Safe to call concurrently with the scheduler; passes serialize.
func (s *ScanService) ScanOnce(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	forums, watchers, err := s.collectNeeds()
	if err != nil {
		return err
	}

	failed := map[string]bool{}
	for forum, n := range forums {
		if err := s.scanForum(ctx, forum, n, watchers[forum]); err != nil {
			failed[forum] = true
			metrics.IncScanError()
			logger.WithFields(map[string]interface{}{"forum": forum}).WithError(err).Error("forum scan failed")
			s.Notifications.SendExternal(EventScan, "Scan failed",
				fmt.Sprintf("Scanning forum %s failed: %v", forum, err))
		}
	}

	// A failed forum keeps its watchers' last_scan untouched so the timestamp
	// only ever reflects a completed pass.
	now := time.Now()
	for forum, group := range watchers {
		if failed[forum] {
			continue
		}
		for i := range group {
			s.DB.Model(&group[i]).Update("last_scan", &now)
		}
	}
	return ctx.Err()
}

func (s *ScanService) collectNeeds() (map[string]need, map[string][]models.Watcher, error) {
	var rows []models.Watcher
	if err := s.DB.Where("enabled = ? AND forum <> ''", true).Find(&rows).Error; err != nil {
		return nil, nil, fmt.Errorf("load watchers: %w", err)
	}

	forums := map[string]need{}
	watchers := map[string][]models.Watcher{}
	for _, w := range rows {
		n := need{threads: w.ScanThreads, posts: w.ScanPosts, comments: w.ScanComments}
		forums[w.Forum] = forums[w.Forum].merge(n)
		watchers[w.Forum] = append(watchers[w.Forum], w)
	}
	return forums, watchers, nil
}

func (s *ScanService) scanForum(ctx context.Context, forum string, n need, watchers []models.Watcher) error {
	client := s.fetchClient()

	var threads []tieba.Thread
	for page := 1; page <= s.Cfg.ThreadPages; page++ {
		if err := s.pause(ctx); err != nil {
			return err
		}
		metrics.IncForumRequest()
		batch, err := client.GetThreads(ctx, forum, page)
		if err != nil {
			return fmt.Errorf("fetch threads: %w", err)
		}
		threads = append(threads, batch...)
	}

	for _, thread := range threads {
		if err := s.scanThread(ctx, forum, thread, n, watchers); err != nil {
			return err
		}
	}
	return nil
}

// scanThread descends into a thread only when its mark (last reply time plus
// reply count) moved since the previous pass.
func (s *ScanService) scanThread(ctx context.Context, forum string, thread tieba.Thread, n need, watchers []models.Watcher) error {
	key := fmt.Sprintf("t:%d", thread.PID)
	mark := fmt.Sprintf("%d.%d", thread.LastTime, thread.ReplyNum)
	cached, seen := s.marks.Get(key)

	if !seen && n.threads {
		content := threadContent(forum, thread)
		if s.saveContent(&content, thread.Author) {
			s.dispatch(ctx, &content, watchers)
		}
	}

	updated := !seen || mark != cached
	s.marks.Set(key, mark)
	if !updated || (!n.posts && !n.comments) {
		return nil
	}

	if err := s.pause(ctx); err != nil {
		return err
	}
	metrics.IncForumRequest()
	first, err := s.fetchClient().GetPosts(ctx, thread.TID, 1)
	if err != nil {
		return fmt.Errorf("fetch posts of %d: %w", thread.TID, err)
	}

	posts := first.Posts
	comments := first.Comments
	replyNums := first.ReplyNums

	for _, page := range postPages(first.TotalPages, s.Cfg.PostPagesFwd, s.Cfg.PostPagesBack) {
		if err := s.pause(ctx); err != nil {
			return err
		}
		metrics.IncForumRequest()
		batch, err := s.fetchClient().GetPosts(ctx, thread.TID, page)
		if err != nil {
			return fmt.Errorf("fetch posts of %d: %w", thread.TID, err)
		}
		posts = append(posts, batch.Posts...)
		comments = append(comments, batch.Comments...)
		for pid, rn := range batch.ReplyNums {
			replyNums[pid] = rn
		}
	}

	for _, post := range posts {
		// Floor 1 is the thread body, already covered by the thread row.
		if post.Floor == 1 {
			continue
		}
		extra, err := s.scanPost(ctx, forum, post, replyNums[post.PID], n, watchers)
		if err != nil {
			return err
		}
		comments = append(comments, extra...)
	}

	if n.comments {
		for _, comment := range comments {
			ckey := fmt.Sprintf("c:%d", comment.PID)
			if s.marks.Has(ckey) {
				continue
			}
			content := commentContent(forum, comment)
			if s.saveContent(&content, comment.Author) {
				s.dispatch(ctx, &content, watchers)
			}
			s.marks.Set(ckey, "1")
		}
	}
	return nil
}

// scanPost persists a new post and, when its reply count moved, fetches the
// latest comment page under it.
func (s *ScanService) scanPost(ctx context.Context, forum string, post tieba.Post, replyNum int, n need, watchers []models.Watcher) ([]tieba.Comment, error) {
	key := fmt.Sprintf("p:%d", post.PID)
	mark := fmt.Sprintf("%d", replyNum)
	cached, seen := s.marks.Get(key)

	if !seen && n.posts {
		content := postContent(forum, post)
		if s.saveContent(&content, post.Author) {
			s.dispatch(ctx, &content, watchers)
		}
	}

	updated := !seen || mark != cached
	s.marks.Set(key, mark)
	if !updated || !n.comments || replyNum == 0 {
		return nil, nil
	}

	// Only the newest page can hold unseen comments.
	lastPage := (replyNum + 29) / 30
	if err := s.pause(ctx); err != nil {
		return nil, err
	}
	metrics.IncForumRequest()
	comments, err := s.fetchClient().GetComments(ctx, post.TID, post.PID, lastPage)
	if err != nil {
		return nil, fmt.Errorf("fetch comments of %d: %w", post.PID, err)
	}
	return comments, nil
}

// dispatch pushes one new content item through every enabled watcher.
func (s *ScanService) dispatch(ctx context.Context, content *models.Content, watchers []models.Watcher) {
	metrics.IncContentScanned()
	for i := range watchers {
		if _, err := s.Process.Process(ctx, &watchers[i], content, Options{Execute: true}); err != nil {
			metrics.IncScanError()
			logger.ForWatcher(watchers[i].ID, watchers[i].Forum).
				WithError(err).Error("processing content failed")
		}
	}
}

// saveContent upserts the author and inserts the content row; reports whether
// the row is new.
func (s *ScanService) saveContent(content *models.Content, author tieba.UserInfo) bool {
	if author.UserID != 0 {
		row := models.Author{
			UserID:   author.UserID,
			Portrait: author.Portrait,
			UserName: author.UserName,
			NickName: author.NickName,
			Level:    author.Level,
		}
		if err := s.DB.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			logger.Log().WithError(err).Error("upsert author")
		}
		content.Author = &row
	}

	res := s.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(content)
	if res.Error != nil {
		logger.Log().WithError(res.Error).Error("insert content")
		return false
	}
	return res.RowsAffected > 0
}

// Cleanup drops content rows whose seen-mark expired, along with expired
// pending confirmations. Runs daily off-peak.
func (s *ScanService) Cleanup() {
	s.marks.Purge()

	type row struct {
		PID  int64 `gorm:"column:pid"`
		Kind string
	}
	var rows []row
	if err := s.DB.Model(&models.Content{}).Select("pid", "kind").Find(&rows).Error; err != nil {
		logger.Log().WithError(err).Error("cleanup: list contents")
		return
	}

	var stale []int64
	for _, r := range rows {
		prefix := "p"
		switch r.Kind {
		case models.KindThread:
			prefix = "t"
		case models.KindComment:
			prefix = "c"
		}
		if !s.marks.Has(fmt.Sprintf("%s:%d", prefix, r.PID)) {
			stale = append(stale, r.PID)
		}
	}
	if len(stale) > 0 {
		if err := s.DB.Where("pid IN ?", stale).Delete(&models.Content{}).Error; err != nil {
			logger.Log().WithError(err).Error("cleanup: delete contents")
		} else {
			logger.WithFields(map[string]interface{}{"count": len(stale)}).Info("cleanup: dropped stale contents")
		}
	}

	if err := s.DB.Where("status = ? AND expires_at < ?", models.ConfirmPending, time.Now()).
		Delete(&models.Confirmation{}).Error; err != nil {
		logger.Log().WithError(err).Error("cleanup: delete confirmations")
	}
}

func (s *ScanService) fetchClient() tieba.Client {
	if s.client == nil {
		s.client = s.Process.NewClient("", "")
	}
	return s.client
}

func (s *ScanService) pause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.Cfg.QueryCooldown):
		return nil
	}
}

// postPages returns the extra pages to fetch after page 1: forward pages from
// the front, backward pages from the tail, without overlap.
func postPages(total, forward, backward int) []int {
	if total <= 1 {
		return nil
	}
	var pages []int
	front := forward
	if front > total-1 {
		front = total - 1
	}
	for p := 2; p <= front+1; p++ {
		pages = append(pages, p)
	}
	start := total - backward + 1
	if start <= front+1 {
		start = front + 2
	}
	for p := start; p <= total; p++ {
		pages = append(pages, p)
	}
	return pages
}

func threadContent(forum string, t tieba.Thread) models.Content {
	return models.Content{
		PID:      t.PID,
		TID:      t.TID,
		Forum:    forum,
		Kind:     models.KindThread,
		Title:    t.Title,
		Text:     t.Text,
		Floor:    1,
		Images:   "[]",
		PostedAt: time.Unix(t.Created, 0),
		AuthorID: t.Author.UserID,
	}
}

func postContent(forum string, p tieba.Post) models.Content {
	images := "[]"
	if len(p.Images) > 0 {
		if b, err := json.Marshal(p.Images); err == nil {
			images = string(b)
		}
	}
	return models.Content{
		PID:      p.PID,
		TID:      p.TID,
		Forum:    forum,
		Kind:     models.KindPost,
		Title:    p.Title,
		Text:     p.Text,
		Floor:    p.Floor,
		Images:   images,
		PostedAt: time.Unix(p.Created, 0),
		AuthorID: p.Author.UserID,
	}
}

func commentContent(forum string, c tieba.Comment) models.Content {
	return models.Content{
		PID:      c.PID,
		TID:      c.TID,
		Forum:    forum,
		Kind:     models.KindComment,
		Title:    c.Title,
		Text:     c.Text,
		Floor:    c.Floor,
		Images:   "[]",
		PostedAt: time.Unix(c.Created, 0),
		AuthorID: c.Author.UserID,
	}
}
