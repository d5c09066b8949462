package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/moyanhui/webtm/backend/internal/logger"
	"github.com/moyanhui/webtm/backend/internal/services"
	"github.com/moyanhui/webtm/backend/internal/version"
)

// HealthHandler responds with basic service metadata for uptime checks.
func HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": version.Name,
		"version": version.Version,
	})
}

type SystemHandler struct {
	scanner *services.ScanService
}

func NewSystemHandler(scanner *services.ScanService) *SystemHandler {
	return &SystemHandler{scanner: scanner}
}

// Scan kicks off a scan pass outside the schedule. The pass runs in the
// background; it serializes against the scheduled one.
func (h *SystemHandler) Scan(c *gin.Context) {
	go func() {
		if err := h.scanner.ScanOnce(context.Background()); err != nil {
			logger.Log().WithError(err).Error("manual scan pass failed")
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"message": "Scan started"})
}
