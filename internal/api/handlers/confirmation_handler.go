package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/moyanhui/webtm/backend/internal/models"
	"github.com/moyanhui/webtm/backend/internal/services"
)

type ConfirmationHandler struct {
	db      *gorm.DB
	process *services.ProcessService
}

func NewConfirmationHandler(db *gorm.DB, process *services.ProcessService) *ConfirmationHandler {
	return &ConfirmationHandler{db: db, process: process}
}

type confirmationEntry struct {
	models.Confirmation
	Content *models.Content `json:"content,omitempty"`
}

// List returns pending confirmations that have not expired, oldest first.
func (h *ConfirmationHandler) List(c *gin.Context) {
	query := h.db.Where("status = ?", models.ConfirmPending)
	if v := c.Query("watcher_id"); v != "" {
		query = query.Where("watcher_id = ?", v)
	}

	var confirmations []models.Confirmation
	if err := query.Order("created_at asc").Find(&confirmations).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch confirmations"})
		return
	}

	entries := make([]confirmationEntry, 0, len(confirmations))
	for _, confirmation := range confirmations {
		if confirmation.Expired() {
			continue
		}
		entry := confirmationEntry{Confirmation: confirmation}
		var content models.Content
		if err := h.db.Preload("Author").First(&content, "pid = ?", confirmation.PID).Error; err == nil {
			entry.Content = &content
		}
		entries = append(entries, entry)
	}
	c.JSON(http.StatusOK, entries)
}

// Execute runs the queued operations of one confirmation.
func (h *ConfirmationHandler) Execute(c *gin.Context) {
	confirmation, watcher, ok := h.find(c)
	if !ok {
		return
	}

	if err := h.process.ExecuteConfirmation(c.Request.Context(), watcher, confirmation.ID); err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Confirmation not found"})
		case errors.Is(err, services.ErrConfirmationExpired):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Operations executed"})
}

// Ignore discards one confirmation without executing it.
func (h *ConfirmationHandler) Ignore(c *gin.Context) {
	confirmation, watcher, ok := h.find(c)
	if !ok {
		return
	}

	if err := h.process.IgnoreConfirmation(watcher, confirmation.ID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Confirmation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Confirmation ignored"})
}

func (h *ConfirmationHandler) find(c *gin.Context) (*models.Confirmation, *models.Watcher, bool) {
	var confirmation models.Confirmation
	if err := h.db.First(&confirmation, "id = ?", c.Param("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Confirmation not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch confirmation"})
		}
		return nil, nil, false
	}

	var watcher models.Watcher
	if err := h.db.First(&watcher, confirmation.WatcherID).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "watcher of confirmation is gone"})
		return nil, nil, false
	}
	return &confirmation, &watcher, true
}
