package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/moyanhui/webtm/backend/internal/models"
	"github.com/moyanhui/webtm/backend/internal/services"
	"github.com/moyanhui/webtm/backend/internal/util"
)

type WatcherHandler struct {
	db      *gorm.DB
	process *services.ProcessService
}

func NewWatcherHandler(db *gorm.DB, process *services.ProcessService) *WatcherHandler {
	return &WatcherHandler{db: db, process: process}
}

func (h *WatcherHandler) List(c *gin.Context) {
	var watchers []models.Watcher
	if err := h.db.Order("id asc").Find(&watchers).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch watchers"})
		return
	}

	out := make([]models.Watcher, 0, len(watchers))
	for _, w := range watchers {
		out = append(out, w.Sanitized())
	}
	c.JSON(http.StatusOK, out)
}

func (h *WatcherHandler) Get(c *gin.Context) {
	watcher, ok := h.find(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, watcher.Sanitized())
}

type watcherRequest struct {
	Name             string `json:"name"`
	Forum            string `json:"forum" binding:"required"`
	BDUSS            string `json:"bduss"`
	SToken           string `json:"stoken"`
	ScanThreads      *bool  `json:"scan_threads"`
	ScanPosts        *bool  `json:"scan_posts"`
	ScanComments     *bool  `json:"scan_comments"`
	BlockDay         *int   `json:"block_day"`
	BlockReason      string `json:"block_reason"`
	MandatoryConfirm *bool  `json:"mandatory_confirm"`
	FullProcess      *bool  `json:"full_process"`
	Enabled          *bool  `json:"enabled"`
}

func (h *WatcherHandler) Create(c *gin.Context) {
	var req watcherRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	watcher := models.Watcher{
		UserID:       c.GetUint("userID"),
		Name:         req.Name,
		Forum:        req.Forum,
		BDUSS:        req.BDUSS,
		SToken:       req.SToken,
		ScanThreads:  true,
		ScanPosts:    true,
		ScanComments: true,
		BlockDay:     1,
		BlockReason:  req.BlockReason,
		Enabled:      true,
	}
	applyWatcherFlags(&watcher, &req)

	if err := h.db.Create(&watcher).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create watcher"})
		return
	}
	c.JSON(http.StatusCreated, watcher.Sanitized())
}

func (h *WatcherHandler) Update(c *gin.Context) {
	watcher, ok := h.find(c)
	if !ok {
		return
	}

	var req watcherRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	credentialsChanged := false
	watcher.Name = req.Name
	watcher.Forum = req.Forum
	watcher.BlockReason = req.BlockReason
	// Mosaiced credentials come back unchanged from the UI; keep the stored
	// ones in that case.
	if req.BDUSS != "" && !util.IsMosaic(req.BDUSS) && req.BDUSS != watcher.BDUSS {
		watcher.BDUSS = req.BDUSS
		credentialsChanged = true
	}
	if req.SToken != "" && !util.IsMosaic(req.SToken) && req.SToken != watcher.SToken {
		watcher.SToken = req.SToken
		credentialsChanged = true
	}
	applyWatcherFlags(watcher, &req)
	if credentialsChanged {
		watcher.Verified = false
	}

	if err := h.db.Save(watcher).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update watcher"})
		return
	}
	if credentialsChanged {
		h.process.ResetClient(watcher.ID)
	}
	c.JSON(http.StatusOK, watcher.Sanitized())
}

func (h *WatcherHandler) Delete(c *gin.Context) {
	watcher, ok := h.find(c)
	if !ok {
		return
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("watcher_id = ?", watcher.ID).Delete(&models.RuleSet{}).Error; err != nil {
			return err
		}
		if err := tx.Where("watcher_id = ?", watcher.ID).Delete(&models.Confirmation{}).Error; err != nil {
			return err
		}
		return tx.Delete(watcher).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete watcher"})
		return
	}
	h.process.ResetClient(watcher.ID)
	c.JSON(http.StatusOK, gin.H{"message": "Watcher deleted"})
}

// Verify logs the watcher's credentials in against the forum service and
// resolves the forum id.
func (h *WatcherHandler) Verify(c *gin.Context) {
	watcher, ok := h.find(c)
	if !ok {
		return
	}

	info, err := h.process.VerifyWatcher(c.Request.Context(), watcher)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"watcher": watcher.Sanitized(), "account": info})
}

func (h *WatcherHandler) Enable(c *gin.Context)  { h.setEnabled(c, true) }
func (h *WatcherHandler) Disable(c *gin.Context) { h.setEnabled(c, false) }

func (h *WatcherHandler) setEnabled(c *gin.Context, enabled bool) {
	watcher, ok := h.find(c)
	if !ok {
		return
	}
	if err := h.db.Model(watcher).Update("enabled", enabled).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update watcher"})
		return
	}
	watcher.Enabled = enabled
	c.JSON(http.StatusOK, watcher.Sanitized())
}

func (h *WatcherHandler) find(c *gin.Context) (*models.Watcher, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return nil, false
	}
	var watcher models.Watcher
	if err := h.db.First(&watcher, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Watcher not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch watcher"})
		}
		return nil, false
	}
	return &watcher, true
}

func applyWatcherFlags(w *models.Watcher, req *watcherRequest) {
	if req.ScanThreads != nil {
		w.ScanThreads = *req.ScanThreads
	}
	if req.ScanPosts != nil {
		w.ScanPosts = *req.ScanPosts
	}
	if req.ScanComments != nil {
		w.ScanComments = *req.ScanComments
	}
	if req.BlockDay != nil {
		w.BlockDay = *req.BlockDay
	}
	if req.MandatoryConfirm != nil {
		w.MandatoryConfirm = *req.MandatoryConfirm
	}
	if req.FullProcess != nil {
		w.FullProcess = *req.FullProcess
	}
	if req.Enabled != nil {
		w.Enabled = *req.Enabled
	}
}
