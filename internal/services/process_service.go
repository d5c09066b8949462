package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/moyanhui/webtm/backend/internal/cache"
	"github.com/moyanhui/webtm/backend/internal/logger"
	"github.com/moyanhui/webtm/backend/internal/metrics"
	"github.com/moyanhui/webtm/backend/internal/models"
	"github.com/moyanhui/webtm/backend/internal/rule"
	"github.com/moyanhui/webtm/backend/internal/tieba"
)

var (
	ErrNoCredentials       = errors.New("watcher has no forum credentials")
	ErrConfirmationExpired = errors.New("confirmation expired")
)

// ClientFactory builds forum clients; tests swap it for fakes.
type ClientFactory func(bduss, stoken string) tieba.Client

// ProcessService runs the rule engine against content and executes or queues
// the resulting operations.
type ProcessService struct {
	DB            *gorm.DB
	Notifications *NotificationService
	ConfirmTTL    time.Duration
	NewClient     ClientFactory

	profiles *cache.Cache[rule.Profile]

	mu      sync.Mutex
	anon    tieba.Client
	clients map[uint]tieba.Client
}

func NewProcessService(db *gorm.DB, ns *NotificationService, confirmTTL time.Duration) *ProcessService {
	return &ProcessService{
		DB:            db,
		Notifications: ns,
		ConfirmTTL:    confirmTTL,
		NewClient:     func(bduss, stoken string) tieba.Client { return tieba.NewClient(bduss, stoken) },
		profiles:      cache.New[rule.Profile](24*time.Hour, 4096),
		clients:       map[uint]tieba.Client{},
	}
}

// Options tune a single processing run.
type Options struct {
	// Execute runs matched operations; false records the match only.
	Execute bool
	// ForceConfirm routes non-direct operations through the confirm queue
	// even when neither the watcher nor the rule set requires it.
	ForceConfirm bool
	// IgnoreScope skips the forum/kind gating, used by manual reprocessing.
	IgnoreScope bool
}

// SetTrace is the per-rule-set evaluation record stored in the process log.
type SetTrace struct {
	Name      string       `json:"name"`
	Whitelist bool         `json:"whitelist"`
	Matched   bool         `json:"matched"`
	Traces    []rule.Trace `json:"conditions,omitempty"`
}

// Result summarizes one processing run.
type Result struct {
	RuleSet      string
	Whitelist    bool
	Executed     bool
	Confirmation *models.Confirmation
	Log          *models.ProcessLog
}

// Process evaluates one content item for one watcher. A nil result means the
// item was out of scope for the watcher and nothing was logged.
func (s *ProcessService) Process(ctx context.Context, w *models.Watcher, content *models.Content, opts Options) (*Result, error) {
	if !opts.IgnoreScope {
		if content.Forum != w.Forum || !s.kindEnabled(w, content.Kind) {
			return nil, nil
		}
	}

	author, err := s.authorFor(content)
	if err != nil {
		return nil, err
	}

	var rows []models.RuleSet
	if err := s.DB.Where("watcher_id = ?", w.ID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load rule sets: %w", err)
	}
	sets, skipped := rule.CompileAll(rows)
	for _, skipErr := range skipped {
		logger.ForWatcher(w.ID, w.Forum).WithError(skipErr).Warn("skipping undecodable rule set")
	}

	subject := rule.NewSubject(content, author, s.profileLookup())

	var traces []SetTrace
	var hit *rule.Set

	// Whitelist sets run first; any hit suppresses processing entirely.
	for i := range sets {
		if !sets[i].Whitelist {
			continue
		}
		matched, condTraces, err := sets[i].Group.Match(ctx, subject)
		traces = append(traces, SetTrace{Name: sets[i].Name, Whitelist: true, Matched: matched, Traces: condTraces})
		if err != nil {
			logger.ForWatcher(w.ID, w.Forum).WithError(err).Warn("whitelist rule set evaluation failed")
			continue
		}
		if matched {
			metrics.IncWhitelistHit()
			log, err := s.writeLog(w, content, sets[i].Name, true, false, traces)
			if err != nil {
				return nil, err
			}
			return &Result{RuleSet: sets[i].Name, Whitelist: true, Log: log}, nil
		}
	}

	for i := range sets {
		if sets[i].Whitelist {
			continue
		}
		matched, condTraces, err := sets[i].Group.Match(ctx, subject)
		traces = append(traces, SetTrace{Name: sets[i].Name, Matched: matched, Traces: condTraces})
		if err != nil {
			logger.ForWatcher(w.ID, w.Forum).WithError(err).Warn("rule set evaluation failed")
			continue
		}
		if matched && hit == nil {
			hit = &sets[i]
			if !w.FullProcess {
				break
			}
		}
	}

	if hit == nil {
		log, err := s.writeLog(w, content, "", false, false, traces)
		if err != nil {
			return nil, err
		}
		return &Result{Log: log}, nil
	}

	metrics.IncRuleMatch()
	result := &Result{RuleSet: hit.Name}

	if opts.Execute {
		executed, confirmation, err := s.applyHit(ctx, w, content, author, hit, opts.ForceConfirm)
		if err != nil {
			logger.ForWatcher(w.ID, w.Forum).WithError(err).Error("executing operations failed")
		}
		result.Executed = executed
		result.Confirmation = confirmation
	}

	log, err := s.writeLog(w, content, hit.Name, false, result.Executed, traces)
	if err != nil {
		return nil, err
	}
	result.Log = log

	s.Notifications.Notify(EventRuleHit, models.NotificationTypeInfo, "Rule matched",
		fmt.Sprintf("Rule set %q matched pid %d in forum %s", hit.Name, content.PID, content.Forum))

	return result, nil
}

// applyHit routes the matched operations: direct subset runs immediately, the
// rest executes or queues depending on the confirm flags.
func (s *ProcessService) applyHit(ctx context.Context, w *models.Watcher, content *models.Content, author *models.Author, hit *rule.Set, forceConfirm bool) (bool, *models.Confirmation, error) {
	ops := hit.Operations
	// An ignore hit runs nothing; reporting it executed would falsify the log.
	if ops.Empty() || ops.Shorthand == rule.OpIgnore {
		return false, nil, nil
	}
	needsConfirm := forceConfirm || w.MandatoryConfirm || hit.ManualConfirm

	if !needsConfirm {
		if err := s.ExecuteOperations(ctx, w, content, author, ops); err != nil {
			return false, nil, err
		}
		return true, nil, nil
	}

	executed := false
	if direct := ops.Direct(); !direct.Empty() {
		if err := s.ExecuteOperations(ctx, w, content, author, direct); err != nil {
			return false, nil, err
		}
		executed = true
	}

	deferred := ops.Deferred()
	if deferred.Empty() || deferred.Shorthand == rule.OpIgnore {
		return executed, nil, nil
	}

	encoded, err := deferred.Encode()
	if err != nil {
		return executed, nil, fmt.Errorf("encode deferred operations: %w", err)
	}
	confirmation := &models.Confirmation{
		WatcherID:   w.ID,
		PID:         content.PID,
		RuleSetName: hit.Name,
		Operations:  encoded,
		ExpiresAt:   time.Now().Add(s.ConfirmTTL),
	}
	if err := s.DB.Create(confirmation).Error; err != nil {
		return executed, nil, fmt.Errorf("queue confirmation: %w", err)
	}
	return executed, confirmation, nil
}

// ExecuteOperations runs an operation group through the watcher's client.
func (s *ProcessService) ExecuteOperations(ctx context.Context, w *models.Watcher, content *models.Content, author *models.Author, ops rule.OperationGroup) error {
	if ops.Empty() || ops.Shorthand == rule.OpIgnore {
		return nil
	}
	client, err := s.clientFor(w)
	if err != nil {
		return err
	}

	deleteContent := func() error {
		metrics.IncForumRequest()
		if content.Kind == models.KindThread {
			return client.DelThread(ctx, content.Forum, content.TID)
		}
		return client.DelPost(ctx, content.Forum, content.TID, content.PID)
	}
	blockAuthor := func(day int, reason string) error {
		if author == nil {
			return fmt.Errorf("cannot block: author unknown for pid %d", content.PID)
		}
		if day <= 0 {
			day = w.BlockDay
		}
		if reason == "" {
			reason = w.BlockReason
		}
		metrics.IncForumRequest()
		return client.Block(ctx, content.Forum, author.Portrait, day, reason)
	}

	run := func(f func() error) error {
		if err := f(); err != nil {
			return err
		}
		metrics.IncOperationExecuted()
		return nil
	}

	switch ops.Shorthand {
	case rule.OpDelete:
		return run(deleteContent)
	case rule.OpBlock:
		return run(func() error { return blockAuthor(0, "") })
	case rule.OpDeleteAndBlock:
		if err := run(deleteContent); err != nil {
			return err
		}
		return run(func() error { return blockAuthor(0, "") })
	}

	for _, spec := range ops.Specs {
		switch spec.Type {
		case rule.OpDelete:
			if err := run(deleteContent); err != nil {
				return err
			}
		case rule.OpBlock:
			day, reason := 0, ""
			if spec.Options != nil {
				day, reason = spec.Options.Day, spec.Options.Reason
			}
			if err := run(func() error { return blockAuthor(day, reason) }); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reprocess re-runs a stored content item for a watcher.
func (s *ProcessService) Reprocess(ctx context.Context, w *models.Watcher, pid int64, execute, needConfirm bool) (*Result, error) {
	var content models.Content
	if err := s.DB.Preload("Author").Where("pid = ?", pid).First(&content).Error; err != nil {
		return nil, err
	}
	return s.Process(ctx, w, &content, Options{Execute: execute, ForceConfirm: needConfirm, IgnoreScope: true})
}

// ExecuteConfirmation runs a queued operation group.
func (s *ProcessService) ExecuteConfirmation(ctx context.Context, w *models.Watcher, id string) error {
	var confirmation models.Confirmation
	if err := s.DB.Where("id = ? AND watcher_id = ? AND status = ?", id, w.ID, models.ConfirmPending).
		First(&confirmation).Error; err != nil {
		return err
	}
	if confirmation.Expired() {
		return ErrConfirmationExpired
	}

	var content models.Content
	if err := s.DB.Preload("Author").Where("pid = ?", confirmation.PID).First(&content).Error; err != nil {
		return fmt.Errorf("load content %d: %w", confirmation.PID, err)
	}
	ops, err := rule.DecodeOperations(confirmation.Operations)
	if err != nil {
		return fmt.Errorf("decode queued operations: %w", err)
	}
	if err := s.ExecuteOperations(ctx, w, &content, content.Author, ops); err != nil {
		return err
	}

	return s.DB.Model(&confirmation).Update("status", models.ConfirmExecuted).Error
}

// IgnoreConfirmation discards a queued operation group.
func (s *ProcessService) IgnoreConfirmation(w *models.Watcher, id string) error {
	res := s.DB.Model(&models.Confirmation{}).
		Where("id = ? AND watcher_id = ? AND status = ?", id, w.ID, models.ConfirmPending).
		Update("status", models.ConfirmIgnored)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ResetClient drops the cached client for a watcher after a credential change.
func (s *ProcessService) ResetClient(watcherID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, watcherID)
}

// VerifyWatcher checks a watcher's credentials against the forum service and
// resolves its forum id.
func (s *ProcessService) VerifyWatcher(ctx context.Context, w *models.Watcher) (*tieba.UserInfo, error) {
	if !w.LoginReady() {
		return nil, ErrNoCredentials
	}
	client, err := s.clientFor(w)
	if err != nil {
		return nil, err
	}
	metrics.IncForumRequest()
	self, err := client.GetSelfInfo(ctx)
	if err != nil {
		return nil, err
	}
	if w.Forum != "" {
		metrics.IncForumRequest()
		fid, err := client.GetForumID(ctx, w.Forum)
		if err != nil {
			return nil, err
		}
		w.ForumID = fid
	}
	return self, nil
}

func (s *ProcessService) clientFor(w *models.Watcher) (tieba.Client, error) {
	if !w.LoginReady() {
		return nil, ErrNoCredentials
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if client, ok := s.clients[w.ID]; ok {
		return client, nil
	}
	client := s.NewClient(w.BDUSS, w.SToken)
	s.clients[w.ID] = client
	return client, nil
}

func (s *ProcessService) anonClient() tieba.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.anon == nil {
		s.anon = s.NewClient("", "")
	}
	return s.anon
}

// profileLookup backs lookup conditions with the anonymous client and a
// shared TTL cache.
func (s *ProcessService) profileLookup() rule.ProfileLookup {
	return func(ctx context.Context, userID int64) (rule.Profile, error) {
		key := strconv.FormatInt(userID, 10)
		if p, ok := s.profiles.Get(key); ok {
			return p, nil
		}
		metrics.IncForumRequest()
		info, err := s.anonClient().GetUserInfo(ctx, userID)
		if err != nil {
			return rule.Profile{}, err
		}
		p := rule.Profile{IP: info.IP, TiebaUID: info.TiebaUID}
		s.profiles.Set(key, p)
		return p, nil
	}
}

func (s *ProcessService) kindEnabled(w *models.Watcher, kind string) bool {
	switch kind {
	case models.KindThread:
		return w.ScanThreads
	case models.KindPost:
		return w.ScanPosts
	case models.KindComment:
		return w.ScanComments
	default:
		return false
	}
}

func (s *ProcessService) authorFor(content *models.Content) (*models.Author, error) {
	if content.Author != nil {
		return content.Author, nil
	}
	if content.AuthorID == 0 {
		return nil, nil
	}
	var author models.Author
	if err := s.DB.First(&author, "user_id = ?", content.AuthorID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load author %d: %w", content.AuthorID, err)
	}
	content.Author = &author
	return &author, nil
}

func (s *ProcessService) writeLog(w *models.Watcher, content *models.Content, ruleSetName string, whitelist, executed bool, traces []SetTrace) (*models.ProcessLog, error) {
	contextJSON, err := json.Marshal(traces)
	if err != nil {
		return nil, fmt.Errorf("encode trace: %w", err)
	}
	log := &models.ProcessLog{
		WatcherID:   w.ID,
		PID:         content.PID,
		TID:         content.TID,
		RuleSetName: ruleSetName,
		Whitelist:   whitelist,
		Executed:    executed,
		Context:     string(contextJSON),
	}
	if err := s.DB.Create(log).Error; err != nil {
		return nil, fmt.Errorf("write process log: %w", err)
	}
	return log, nil
}
