package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/moyanhui/webtm/backend/internal/services"
)

type LogsHandler struct {
	service *services.LogService
}

func NewLogsHandler(service *services.LogService) *LogsHandler {
	return &LogsHandler{service: service}
}

func (h *LogsHandler) List(c *gin.Context) {
	logs, err := h.service.ListLogs()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list logs"})
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *LogsHandler) Read(c *gin.Context) {
	lines, err := strconv.Atoi(c.DefaultQuery("lines", "200"))
	if err != nil || lines < 1 || lines > 5000 {
		lines = 200
	}

	content, err := h.service.ReadLog(c.Param("name"), lines)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "lines": content})
}
