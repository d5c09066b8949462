package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/moyanhui/webtm/backend/internal/models"
	"github.com/moyanhui/webtm/backend/internal/rule"
)

type RuleSetHandler struct {
	db *gorm.DB
}

func NewRuleSetHandler(db *gorm.DB) *RuleSetHandler {
	return &RuleSetHandler{db: db}
}

// List returns the rule sets of one watcher, priority order.
func (h *RuleSetHandler) List(c *gin.Context) {
	watcherID, err := strconv.Atoi(c.Query("watcher_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "watcher_id query parameter required"})
		return
	}

	var sets []models.RuleSet
	if err := h.db.Where("watcher_id = ?", watcherID).
		Order("priority desc, id asc").Find(&sets).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch rule sets"})
		return
	}
	c.JSON(http.StatusOK, sets)
}

func (h *RuleSetHandler) Get(c *gin.Context) {
	set, ok := h.find(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, set)
}

type ruleSetRequest struct {
	WatcherID     uint            `json:"watcher_id" binding:"required"`
	Name          string          `json:"name" binding:"required"`
	Priority      *int            `json:"priority"`
	Whitelist     bool            `json:"whitelist"`
	ManualConfirm bool            `json:"manual_confirm"`
	Enabled       *bool           `json:"enabled"`
	Conditions    json.RawMessage `json:"conditions" binding:"required"`
	Operations    json.RawMessage `json:"operations"`
}

// validate rejects condition and operation payloads the rule registry cannot
// compile, so only executable sets ever reach the database.
func (req *ruleSetRequest) validate() (*models.RuleSet, error) {
	set := models.RuleSet{
		WatcherID:     req.WatcherID,
		Name:          req.Name,
		Whitelist:     req.Whitelist,
		ManualConfirm: req.ManualConfirm,
		Conditions:    string(req.Conditions),
	}
	if req.Priority != nil {
		set.Priority = *req.Priority
	} else {
		set.Priority = rule.DefaultPriority
	}
	if req.Enabled != nil {
		set.Enabled = *req.Enabled
	} else {
		set.Enabled = true
	}
	if len(req.Operations) > 0 {
		set.Operations = string(req.Operations)
	}

	if _, err := rule.Compile(&set); err != nil {
		return nil, err
	}
	return &set, nil
}

func (h *RuleSetHandler) Create(c *gin.Context) {
	var req ruleSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	set, err := req.validate()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var watcher models.Watcher
	if err := h.db.First(&watcher, set.WatcherID).Error; err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "watcher does not exist"})
		return
	}

	if err := h.db.Create(set).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create rule set"})
		return
	}
	c.JSON(http.StatusCreated, set)
}

func (h *RuleSetHandler) Update(c *gin.Context) {
	existing, ok := h.find(c)
	if !ok {
		return
	}

	var req ruleSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	set, err := req.validate()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	existing.Name = set.Name
	existing.Priority = set.Priority
	existing.Whitelist = set.Whitelist
	existing.ManualConfirm = set.ManualConfirm
	existing.Enabled = set.Enabled
	existing.Conditions = set.Conditions
	existing.Operations = set.Operations

	if err := h.db.Save(existing).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update rule set"})
		return
	}
	c.JSON(http.StatusOK, existing)
}

func (h *RuleSetHandler) Delete(c *gin.Context) {
	set, ok := h.find(c)
	if !ok {
		return
	}
	if err := h.db.Delete(set).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete rule set"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Rule set deleted"})
}

func (h *RuleSetHandler) find(c *gin.Context) (*models.RuleSet, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return nil, false
	}
	var set models.RuleSet
	if err := h.db.First(&set, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Rule set not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch rule set"})
		}
		return nil, false
	}
	return &set, true
}

// Info lists every registered condition type so the UI can build its rule
// editor dynamically.
func RuleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, rule.Infos())
}
