package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/moyanhui/webtm/backend/internal/models"
	"github.com/moyanhui/webtm/backend/internal/rule"
	"github.com/moyanhui/webtm/backend/internal/tieba"
)

func setupServicesDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Watcher{},
		&models.RuleSet{},
		&models.Author{},
		&models.Content{},
		&models.ProcessLog{},
		&models.Confirmation{},
		&models.Notification{},
		&models.NotificationProvider{},
	))
	return db
}

// fakeClient records moderation calls and serves canned fetch responses.
type fakeClient struct {
	threads    []tieba.Thread
	threadsErr error
	posts      map[int64]*tieba.PostPage
	comments   map[int64][]tieba.Comment
	selfErr    error

	deletedThreads []int64
	deletedPosts   []int64
	blocked        []string
}

func (f *fakeClient) GetForumID(ctx context.Context, forum string) (int64, error) { return 99, nil }

func (f *fakeClient) GetThreads(ctx context.Context, forum string, page int) ([]tieba.Thread, error) {
	if f.threadsErr != nil {
		return nil, f.threadsErr
	}
	if page > 1 {
		return nil, nil
	}
	return f.threads, nil
}

func (f *fakeClient) GetPosts(ctx context.Context, tid int64, page int) (*tieba.PostPage, error) {
	if p, ok := f.posts[tid]; ok {
		return p, nil
	}
	return &tieba.PostPage{TotalPages: 1, ReplyNums: map[int64]int{}}, nil
}

func (f *fakeClient) GetComments(ctx context.Context, tid, pid int64, page int) ([]tieba.Comment, error) {
	return f.comments[pid], nil
}

func (f *fakeClient) GetUserInfo(ctx context.Context, userID int64) (*tieba.UserInfo, error) {
	return &tieba.UserInfo{UserID: userID, IP: "广东", TiebaUID: userID * 10}, nil
}

func (f *fakeClient) GetSelfInfo(ctx context.Context) (*tieba.UserInfo, error) {
	if f.selfErr != nil {
		return nil, f.selfErr
	}
	return &tieba.UserInfo{UserID: 1, UserName: "moderator"}, nil
}

func (f *fakeClient) DelThread(ctx context.Context, forum string, tid int64) error {
	f.deletedThreads = append(f.deletedThreads, tid)
	return nil
}

func (f *fakeClient) DelPost(ctx context.Context, forum string, tid, pid int64) error {
	f.deletedPosts = append(f.deletedPosts, pid)
	return nil
}

func (f *fakeClient) Block(ctx context.Context, forum string, portrait string, day int, reason string) error {
	f.blocked = append(f.blocked, fmt.Sprintf("%s:%d:%s", portrait, day, reason))
	return nil
}

func newTestProcessService(db *gorm.DB, fake *fakeClient) *ProcessService {
	ps := NewProcessService(db, NewNotificationService(db), time.Hour)
	ps.NewClient = func(bduss, stoken string) tieba.Client { return fake }
	return ps
}

func seedWatcher(t *testing.T, db *gorm.DB, mutate func(*models.Watcher)) *models.Watcher {
	t.Helper()
	w := &models.Watcher{
		Forum:        "gotest",
		BDUSS:        "bduss-secret",
		SToken:       "stoken-secret",
		ScanThreads:  true,
		ScanPosts:    true,
		ScanComments: true,
		BlockDay:     1,
		BlockReason:  "rule violation",
		Enabled:      true,
	}
	if mutate != nil {
		mutate(w)
	}
	require.NoError(t, db.Create(w).Error)
	return w
}

func seedRuleSet(t *testing.T, db *gorm.DB, w *models.Watcher, mutate func(*models.RuleSet)) *models.RuleSet {
	t.Helper()
	set := &models.RuleSet{
		WatcherID:  w.ID,
		Name:       "spam",
		Priority:   50,
		Enabled:    true,
		Conditions: `[{"type":"content_text","options":{"text":"spam"}}]`,
		Operations: `"delete"`,
	}
	if mutate != nil {
		mutate(set)
	}
	require.NoError(t, db.Create(set).Error)
	return set
}

func postContentRow(pid int64, text string) *models.Content {
	return &models.Content{
		PID:      pid,
		TID:      pid + 1000,
		Forum:    "gotest",
		Kind:     models.KindPost,
		Text:     text,
		Floor:    2,
		PostedAt: time.Now(),
	}
}

func TestProcess_MatchExecutesDelete(t *testing.T) {
	db := setupServicesDB(t)
	fake := &fakeClient{}
	ps := newTestProcessService(db, fake)
	w := seedWatcher(t, db, nil)
	seedRuleSet(t, db, w, nil)

	content := postContentRow(100, "this is spam")
	result, err := ps.Process(context.Background(), w, content, Options{Execute: true})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "spam", result.RuleSet)
	assert.True(t, result.Executed)
	assert.Equal(t, []int64{100}, fake.deletedPosts)

	var log models.ProcessLog
	require.NoError(t, db.First(&log, "pid = ?", 100).Error)
	assert.Equal(t, "spam", log.RuleSetName)
	assert.True(t, log.Executed)
	assert.True(t, log.Hit())
}

func TestProcess_ThreadKindDeletesThread(t *testing.T) {
	db := setupServicesDB(t)
	fake := &fakeClient{}
	ps := newTestProcessService(db, fake)
	w := seedWatcher(t, db, nil)
	seedRuleSet(t, db, w, nil)

	content := &models.Content{
		PID: 200, TID: 1200, Forum: "gotest", Kind: models.KindThread,
		Text: "spam thread", Floor: 1, PostedAt: time.Now(),
	}
	_, err := ps.Process(context.Background(), w, content, Options{Execute: true})
	require.NoError(t, err)

	assert.Equal(t, []int64{1200}, fake.deletedThreads)
	assert.Empty(t, fake.deletedPosts)
}

func TestProcess_WhitelistSuppresses(t *testing.T) {
	db := setupServicesDB(t)
	fake := &fakeClient{}
	ps := newTestProcessService(db, fake)
	w := seedWatcher(t, db, nil)
	seedRuleSet(t, db, w, nil)
	seedRuleSet(t, db, w, func(set *models.RuleSet) {
		set.Name = "trusted"
		set.Priority = 20 // whitelist wins regardless of priority
		set.Whitelist = true
		set.Conditions = `[{"type":"level","options":{"min":5}}]`
		set.Operations = ""
	})
	require.NoError(t, db.Create(&models.Author{UserID: 42, Level: 10}).Error)

	content := postContentRow(300, "this is spam")
	content.AuthorID = 42
	result, err := ps.Process(context.Background(), w, content, Options{Execute: true})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Whitelist)
	assert.Equal(t, "trusted", result.RuleSet)
	assert.False(t, result.Executed)
	assert.Empty(t, fake.deletedPosts, "whitelisted content is never acted on")

	var log models.ProcessLog
	require.NoError(t, db.First(&log, "pid = ?", 300).Error)
	assert.True(t, log.Whitelist)
	assert.False(t, log.Hit())
}

func TestProcess_PriorityOrderFirstHitWins(t *testing.T) {
	db := setupServicesDB(t)
	fake := &fakeClient{}
	ps := newTestProcessService(db, fake)
	w := seedWatcher(t, db, nil)
	seedRuleSet(t, db, w, func(set *models.RuleSet) {
		set.Name = "low"
		set.Priority = 10
	})
	seedRuleSet(t, db, w, func(set *models.RuleSet) {
		set.Name = "high"
		set.Priority = 90
	})

	result, err := ps.Process(context.Background(), w, postContentRow(400, "spam"), Options{})
	require.NoError(t, err)
	assert.Equal(t, "high", result.RuleSet)
}

func TestProcess_FullProcessTracesAllExecutesFirst(t *testing.T) {
	db := setupServicesDB(t)
	fake := &fakeClient{}
	ps := newTestProcessService(db, fake)
	w := seedWatcher(t, db, func(w *models.Watcher) { w.FullProcess = true })
	seedRuleSet(t, db, w, func(set *models.RuleSet) {
		set.Name = "high"
		set.Priority = 90
	})
	seedRuleSet(t, db, w, func(set *models.RuleSet) {
		set.Name = "low"
		set.Priority = 10
	})

	result, err := ps.Process(context.Background(), w, postContentRow(450, "spam"), Options{Execute: true})
	require.NoError(t, err)
	require.NotNil(t, result)

	// Only the first hit executes, even though evaluation kept going.
	assert.Equal(t, "high", result.RuleSet)
	assert.True(t, result.Executed)
	assert.Equal(t, []int64{450}, fake.deletedPosts)

	var traces []SetTrace
	require.NoError(t, json.Unmarshal([]byte(result.Log.Context), &traces))
	require.Len(t, traces, 2, "full process records every rule set")
	assert.Equal(t, "high", traces[0].Name)
	assert.True(t, traces[0].Matched)
	assert.Equal(t, "low", traces[1].Name)
	assert.True(t, traces[1].Matched)
}

func TestProcess_IgnoreHitNotExecuted(t *testing.T) {
	db := setupServicesDB(t)
	fake := &fakeClient{}
	ps := newTestProcessService(db, fake)
	w := seedWatcher(t, db, nil)
	seedRuleSet(t, db, w, func(set *models.RuleSet) { set.Operations = `"ignore"` })

	result, err := ps.Process(context.Background(), w, postContentRow(460, "spam"), Options{Execute: true})
	require.NoError(t, err)
	require.NotNil(t, result)

	// The hit is recorded but nothing ran, so the log must not claim execution.
	assert.Equal(t, "spam", result.RuleSet)
	assert.False(t, result.Executed)
	assert.Nil(t, result.Confirmation)
	assert.Empty(t, fake.deletedPosts)
	assert.False(t, result.Log.Executed)
}

func TestProcess_OutOfScope(t *testing.T) {
	db := setupServicesDB(t)
	ps := newTestProcessService(db, &fakeClient{})
	w := seedWatcher(t, db, nil)
	seedRuleSet(t, db, w, nil)

	content := postContentRow(500, "spam")
	content.Forum = "otherforum"
	result, err := ps.Process(context.Background(), w, content, Options{Execute: true})
	require.NoError(t, err)
	assert.Nil(t, result)

	content = postContentRow(501, "spam")
	w.ScanPosts = false
	result, err = ps.Process(context.Background(), w, content, Options{Execute: true})
	require.NoError(t, err)
	assert.Nil(t, result, "disabled kind is out of scope")
}

func TestProcess_NoMatchStillLogged(t *testing.T) {
	db := setupServicesDB(t)
	ps := newTestProcessService(db, &fakeClient{})
	w := seedWatcher(t, db, nil)
	seedRuleSet(t, db, w, nil)

	result, err := ps.Process(context.Background(), w, postContentRow(600, "innocent"), Options{Execute: true})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Empty(t, result.RuleSet)

	var log models.ProcessLog
	require.NoError(t, db.First(&log, "pid = ?", 600).Error)
	assert.Empty(t, log.RuleSetName)
}

func TestProcess_MandatoryConfirmQueues(t *testing.T) {
	db := setupServicesDB(t)
	fake := &fakeClient{}
	ps := newTestProcessService(db, fake)
	w := seedWatcher(t, db, func(w *models.Watcher) { w.MandatoryConfirm = true })
	seedRuleSet(t, db, w, nil)

	result, err := ps.Process(context.Background(), w, postContentRow(700, "spam"), Options{Execute: true})
	require.NoError(t, err)
	require.NotNil(t, result.Confirmation)

	assert.False(t, result.Executed)
	assert.Empty(t, fake.deletedPosts)
	assert.Equal(t, models.ConfirmPending, result.Confirmation.Status)
	assert.True(t, result.Confirmation.ExpiresAt.After(time.Now()))
}

func TestProcess_DirectOpsBypassConfirm(t *testing.T) {
	db := setupServicesDB(t)
	fake := &fakeClient{}
	ps := newTestProcessService(db, fake)
	w := seedWatcher(t, db, func(w *models.Watcher) { w.MandatoryConfirm = true })
	seedRuleSet(t, db, w, func(set *models.RuleSet) {
		set.Operations = `[{"type":"delete","direct":true},{"type":"block","options":{"day":3}}]`
	})
	require.NoError(t, db.Create(&models.Author{UserID: 42, Portrait: "tb.1.x"}).Error)

	content := postContentRow(800, "spam")
	content.AuthorID = 42
	require.NoError(t, db.Create(content).Error)
	result, err := ps.Process(context.Background(), w, content, Options{Execute: true})
	require.NoError(t, err)

	assert.Equal(t, []int64{800}, fake.deletedPosts, "direct delete ran immediately")
	assert.Empty(t, fake.blocked, "block waits for confirmation")
	require.NotNil(t, result.Confirmation)

	require.NoError(t, ps.ExecuteConfirmation(context.Background(), w, result.Confirmation.ID))
	assert.Equal(t, []string{"tb.1.x:3:rule violation"}, fake.blocked)

	var confirmation models.Confirmation
	require.NoError(t, db.First(&confirmation, "id = ?", result.Confirmation.ID).Error)
	assert.Equal(t, models.ConfirmExecuted, confirmation.Status)
}

func TestExecuteConfirmation_Expired(t *testing.T) {
	db := setupServicesDB(t)
	ps := newTestProcessService(db, &fakeClient{})
	w := seedWatcher(t, db, nil)

	confirmation := &models.Confirmation{
		WatcherID:  w.ID,
		PID:        900,
		Operations: `"delete"`,
		ExpiresAt:  time.Now().Add(-time.Minute),
	}
	require.NoError(t, db.Create(confirmation).Error)

	err := ps.ExecuteConfirmation(context.Background(), w, confirmation.ID)
	assert.ErrorIs(t, err, ErrConfirmationExpired)
}

func TestIgnoreConfirmation(t *testing.T) {
	db := setupServicesDB(t)
	ps := newTestProcessService(db, &fakeClient{})
	w := seedWatcher(t, db, nil)

	confirmation := &models.Confirmation{
		WatcherID:  w.ID,
		PID:        901,
		Operations: `"delete"`,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	require.NoError(t, db.Create(confirmation).Error)

	require.NoError(t, ps.IgnoreConfirmation(w, confirmation.ID))

	var row models.Confirmation
	require.NoError(t, db.First(&row, "id = ?", confirmation.ID).Error)
	assert.Equal(t, models.ConfirmIgnored, row.Status)

	assert.ErrorIs(t, ps.IgnoreConfirmation(w, "no-such-id"), gorm.ErrRecordNotFound)
}

func TestExecuteOperations_BlockDefaults(t *testing.T) {
	db := setupServicesDB(t)
	fake := &fakeClient{}
	ps := newTestProcessService(db, fake)
	w := seedWatcher(t, db, func(w *models.Watcher) {
		w.BlockDay = 10
		w.BlockReason = "default reason"
	})

	content := postContentRow(1000, "x")
	author := &models.Author{UserID: 42, Portrait: "tb.1.y"}
	ops, err := rule.DecodeOperations(`"delete_and_block"`)
	require.NoError(t, err)

	require.NoError(t, ps.ExecuteOperations(context.Background(), w, content, author, ops))
	assert.Equal(t, []int64{1000}, fake.deletedPosts)
	assert.Equal(t, []string{"tb.1.y:10:default reason"}, fake.blocked)
}

func TestExecuteOperations_NoCredentials(t *testing.T) {
	db := setupServicesDB(t)
	ps := newTestProcessService(db, &fakeClient{})
	w := seedWatcher(t, db, func(w *models.Watcher) { w.BDUSS = "" })

	ops, err := rule.DecodeOperations(`"delete"`)
	require.NoError(t, err)
	err = ps.ExecuteOperations(context.Background(), w, postContentRow(1100, "x"), nil, ops)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestReprocess(t *testing.T) {
	db := setupServicesDB(t)
	fake := &fakeClient{}
	ps := newTestProcessService(db, fake)
	w := seedWatcher(t, db, func(w *models.Watcher) { w.ScanPosts = false })
	seedRuleSet(t, db, w, nil)

	require.NoError(t, db.Create(postContentRow(1200, "spam")).Error)

	// Scope gating is skipped on reprocess even though posts are disabled.
	result, err := ps.Reprocess(context.Background(), w, 1200, true, false)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "spam", result.RuleSet)
	assert.Equal(t, []int64{1200}, fake.deletedPosts)

	_, err = ps.Reprocess(context.Background(), w, 999999, false, false)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestReprocess_NeedConfirmQueues(t *testing.T) {
	db := setupServicesDB(t)
	fake := &fakeClient{}
	ps := newTestProcessService(db, fake)
	w := seedWatcher(t, db, nil)
	seedRuleSet(t, db, w, nil)

	require.NoError(t, db.Create(postContentRow(1300, "spam")).Error)

	// need_confirm routes the operations through the queue even though neither
	// the watcher nor the rule set asks for confirmation.
	result, err := ps.Reprocess(context.Background(), w, 1300, true, true)
	require.NoError(t, err)
	require.NotNil(t, result.Confirmation)

	assert.False(t, result.Executed)
	assert.Empty(t, fake.deletedPosts)
	assert.Equal(t, models.ConfirmPending, result.Confirmation.Status)
	assert.Equal(t, int64(1300), result.Confirmation.PID)
}

func TestVerifyWatcher(t *testing.T) {
	db := setupServicesDB(t)
	fake := &fakeClient{}
	ps := newTestProcessService(db, fake)
	w := seedWatcher(t, db, nil)

	self, err := ps.VerifyWatcher(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, "moderator", self.UserName)
	assert.Equal(t, int64(99), w.ForumID)

	w.BDUSS = ""
	_, err = ps.VerifyWatcher(context.Background(), w)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestProfileLookup_Cached(t *testing.T) {
	db := setupServicesDB(t)
	fake := &fakeClient{}
	ps := newTestProcessService(db, fake)

	lookup := ps.profileLookup()
	p1, err := lookup(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "广东", p1.IP)
	assert.Equal(t, int64(420), p1.TiebaUID)

	p2, err := lookup(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}
