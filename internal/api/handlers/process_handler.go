package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/moyanhui/webtm/backend/internal/models"
	"github.com/moyanhui/webtm/backend/internal/services"
)

type ProcessHandler struct {
	db      *gorm.DB
	process *services.ProcessService
}

func NewProcessHandler(db *gorm.DB, process *services.ProcessService) *ProcessHandler {
	return &ProcessHandler{db: db, process: process}
}

// Overview returns the last-24h dashboard counters.
func (h *ProcessHandler) Overview(c *gin.Context) {
	since := time.Now().Add(-24 * time.Hour)

	var scanned, hits, whitelisted, executed, pending int64
	h.db.Model(&models.Content{}).Where("created_at > ?", since).Count(&scanned)
	h.db.Model(&models.ProcessLog{}).
		Where("created_at > ? AND rule_set_name <> '' AND whitelist = ?", since, false).Count(&hits)
	h.db.Model(&models.ProcessLog{}).
		Where("created_at > ? AND whitelist = ?", since, true).Count(&whitelisted)
	h.db.Model(&models.ProcessLog{}).
		Where("created_at > ? AND executed = ?", since, true).Count(&executed)
	h.db.Model(&models.Confirmation{}).
		Where("status = ?", models.ConfirmPending).Count(&pending)

	c.JSON(http.StatusOK, gin.H{
		"scanned":               scanned,
		"hits":                  hits,
		"whitelisted":           whitelisted,
		"executed":              executed,
		"pending_confirmations": pending,
	})
}

type processLogEntry struct {
	models.ProcessLog
	Content *models.Content `json:"content,omitempty"`
}

// Search lists process logs, newest first, with optional filters.
func (h *ProcessHandler) Search(c *gin.Context) {
	query := h.db.Model(&models.ProcessLog{})

	if v := c.Query("watcher_id"); v != "" {
		query = query.Where("watcher_id = ?", v)
	}
	if v := c.Query("rule"); v != "" {
		query = query.Where("rule_set_name = ?", v)
	}
	if v := c.Query("tid"); v != "" {
		query = query.Where("tid = ?", v)
	}
	if v := c.Query("pid"); v != "" {
		query = query.Where("pid = ?", v)
	}
	if c.Query("hits_only") == "true" {
		query = query.Where("rule_set_name <> '' AND whitelist = ?", false)
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 200 {
		limit = 50
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count logs"})
		return
	}

	var logs []models.ProcessLog
	if err := query.Order("id desc").Offset((page - 1) * limit).Limit(limit).Find(&logs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch logs"})
		return
	}

	entries := make([]processLogEntry, 0, len(logs))
	for _, log := range logs {
		entries = append(entries, processLogEntry{ProcessLog: log, Content: h.contentFor(log.PID)})
	}

	c.JSON(http.StatusOK, gin.H{
		"total": total,
		"page":  page,
		"limit": limit,
		"items": entries,
	})
}

// Detail returns one content item with every evaluation recorded for it.
func (h *ProcessHandler) Detail(c *gin.Context) {
	pid, err := strconv.ParseInt(c.Param("pid"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pid"})
		return
	}

	var logs []models.ProcessLog
	if err := h.db.Where("pid = ?", pid).Order("id desc").Find(&logs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch logs"})
		return
	}

	content := h.contentFor(pid)
	if content == nil && len(logs) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Content not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"content": content, "logs": logs})
}

type reprocessRequest struct {
	WatcherID   uint `json:"watcher_id" binding:"required"`
	Execute     bool `json:"execute"`
	NeedConfirm bool `json:"need_confirm"`
}

// Reprocess runs the rule engine again over one stored content item.
func (h *ProcessHandler) Reprocess(c *gin.Context) {
	pid, err := strconv.ParseInt(c.Param("pid"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pid"})
		return
	}

	var req reprocessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var watcher models.Watcher
	if err := h.db.First(&watcher, req.WatcherID).Error; err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "watcher does not exist"})
		return
	}

	result, err := h.process.Reprocess(c.Request.Context(), &watcher, pid, req.Execute, req.NeedConfirm)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Content not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rule_set":     result.RuleSet,
		"whitelist":    result.Whitelist,
		"executed":     result.Executed,
		"confirmation": result.Confirmation,
		"log":          result.Log,
	})
}

func (h *ProcessHandler) contentFor(pid int64) *models.Content {
	var content models.Content
	if err := h.db.Preload("Author").First(&content, "pid = ?", pid).Error; err != nil {
		return nil
	}
	return &content
}
