package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/moyanhui/webtm/backend/internal/config"
	"github.com/moyanhui/webtm/backend/internal/models"
	"github.com/moyanhui/webtm/backend/internal/tieba"
)

func scanTestConfig() config.Config {
	return config.Config{
		ScanInterval:  time.Minute,
		QueryCooldown: time.Millisecond,
		ThreadPages:   1,
		PostPagesFwd:  1,
		PostPagesBack: 1,
		SeenMarkTTL:   time.Hour,
		ConfirmTTL:    time.Hour,
		CleanupSpec:   "0 4 * * *",
	}
}

func newTestScanService(db *gorm.DB, fake *fakeClient) *ScanService {
	ps := newTestProcessService(db, fake)
	return NewScanService(db, ps, ps.Notifications, scanTestConfig())
}

func fakeForumContent() *fakeClient {
	author := tieba.UserInfo{UserID: 42, UserName: "poster", Portrait: "tb.1.z", Level: 3}
	return &fakeClient{
		threads: []tieba.Thread{
			{TID: 1, PID: 10, Title: "First thread", Text: "hello spam", Author: author,
				Created: 1700000000, LastTime: 1700000100, ReplyNum: 1},
		},
		posts: map[int64]*tieba.PostPage{
			1: {
				Posts: []tieba.Post{
					{PID: 10, TID: 1, Floor: 1, Text: "hello spam", Author: author, Created: 1700000000},
					{PID: 11, TID: 1, Floor: 2, Text: "a reply", Author: author, Created: 1700000100, ReplyNum: 1},
				},
				Comments: []tieba.Comment{
					{PID: 12, TID: 1, Floor: 2, Text: "a comment", Author: author, Created: 1700000200},
				},
				TotalPages: 1,
				ReplyNums:  map[int64]int{10: 0, 11: 1},
			},
		},
	}
}

func TestScanOnce_PersistsAndProcesses(t *testing.T) {
	db := setupServicesDB(t)
	fake := fakeForumContent()
	s := newTestScanService(db, fake)
	w := seedWatcher(t, db, nil)
	seedRuleSet(t, db, w, nil)

	require.NoError(t, s.ScanOnce(context.Background()))

	var contents []models.Content
	require.NoError(t, db.Order("pid asc").Find(&contents).Error)
	require.Len(t, contents, 3, "thread, post and comment persisted")
	assert.Equal(t, models.KindThread, contents[0].Kind)
	assert.Equal(t, models.KindPost, contents[1].Kind)
	assert.Equal(t, models.KindComment, contents[2].Kind)

	var author models.Author
	require.NoError(t, db.First(&author, "user_id = ?", 42).Error)
	assert.Equal(t, "poster", author.UserName)

	// The thread body matched the spam rule.
	assert.Contains(t, fake.deletedThreads, int64(1))

	var updated models.Watcher
	require.NoError(t, db.First(&updated, w.ID).Error)
	assert.NotNil(t, updated.LastScan)
}

func TestScanOnce_SecondPassDedupes(t *testing.T) {
	db := setupServicesDB(t)
	fake := fakeForumContent()
	s := newTestScanService(db, fake)
	w := seedWatcher(t, db, nil)
	seedRuleSet(t, db, w, nil)

	require.NoError(t, s.ScanOnce(context.Background()))
	var firstLogs int64
	db.Model(&models.ProcessLog{}).Count(&firstLogs)

	require.NoError(t, s.ScanOnce(context.Background()))
	var secondLogs int64
	db.Model(&models.ProcessLog{}).Count(&secondLogs)

	assert.Equal(t, firstLogs, secondLogs, "unchanged content is not reprocessed")
}

func TestScanOnce_KindGating(t *testing.T) {
	db := setupServicesDB(t)
	fake := fakeForumContent()
	s := newTestScanService(db, fake)
	w := seedWatcher(t, db, func(w *models.Watcher) {
		w.ScanPosts = false
		w.ScanComments = false
	})
	seedRuleSet(t, db, w, nil)

	require.NoError(t, s.ScanOnce(context.Background()))

	var kinds []string
	require.NoError(t, db.Model(&models.Content{}).Pluck("kind", &kinds).Error)
	assert.Equal(t, []string{models.KindThread}, kinds, "threads only when posts and comments are off")
}

func TestScanOnce_NoEnabledWatchers(t *testing.T) {
	db := setupServicesDB(t)
	fake := fakeForumContent()
	s := newTestScanService(db, fake)
	seedWatcher(t, db, func(w *models.Watcher) { w.Enabled = false })

	require.NoError(t, s.ScanOnce(context.Background()))

	var count int64
	db.Model(&models.Content{}).Count(&count)
	assert.Zero(t, count, "disabled watchers fetch nothing")
}

func TestScanOnce_FailedForumKeepsLastScan(t *testing.T) {
	db := setupServicesDB(t)
	fake := fakeForumContent()
	fake.threadsErr = errors.New("forum service unavailable")
	s := newTestScanService(db, fake)
	w := seedWatcher(t, db, nil)

	require.NoError(t, s.ScanOnce(context.Background()))

	var updated models.Watcher
	require.NoError(t, db.First(&updated, w.ID).Error)
	assert.Nil(t, updated.LastScan, "a failed pass must not look like a fresh one")

	// The next clean pass stamps it.
	fake.threadsErr = nil
	require.NoError(t, s.ScanOnce(context.Background()))
	require.NoError(t, db.First(&updated, w.ID).Error)
	assert.NotNil(t, updated.LastScan)
}

func TestCleanup_DropsStaleContent(t *testing.T) {
	db := setupServicesDB(t)
	s := newTestScanService(db, fakeForumContent())

	require.NoError(t, db.Create(&models.Content{
		PID: 777, TID: 1, Forum: "gotest", Kind: models.KindPost, PostedAt: time.Now(),
	}).Error)
	require.NoError(t, db.Create(&models.Content{
		PID: 778, TID: 1, Forum: "gotest", Kind: models.KindPost, PostedAt: time.Now(),
	}).Error)
	s.marks.Set("p:778", "0")

	require.NoError(t, db.Create(&models.Confirmation{
		WatcherID: 1, PID: 777, Operations: `"delete"`, ExpiresAt: time.Now().Add(-time.Hour),
	}).Error)

	s.Cleanup()

	var pids []int64
	require.NoError(t, db.Model(&models.Content{}).Pluck("pid", &pids).Error)
	assert.Equal(t, []int64{778}, pids, "only the marked row survives")

	var confirmations int64
	db.Model(&models.Confirmation{}).Count(&confirmations)
	assert.Zero(t, confirmations, "expired pending confirmations are purged")
}

func TestPostPages(t *testing.T) {
	assert.Nil(t, postPages(1, 2, 2))
	assert.Equal(t, []int{2}, postPages(2, 2, 2))
	assert.Equal(t, []int{2, 3, 9, 10}, postPages(10, 2, 2))
	assert.Equal(t, []int{2, 3, 4}, postPages(4, 3, 3), "overlapping windows deduplicate")
}
