package routes

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/moyanhui/webtm/backend/internal/api/handlers"
	"github.com/moyanhui/webtm/backend/internal/api/middleware"
	"github.com/moyanhui/webtm/backend/internal/config"
	"github.com/moyanhui/webtm/backend/internal/metrics"
	"github.com/moyanhui/webtm/backend/internal/models"
	"github.com/moyanhui/webtm/backend/internal/services"
)

// Register migrates the schema, wires every API route and returns the scanner
// so the caller controls its lifecycle.
func Register(router *gin.Engine, db *gorm.DB, cfg config.Config) (*services.ScanService, error) {
	if err := db.AutoMigrate(
		&models.User{},
		&models.Watcher{},
		&models.RuleSet{},
		&models.Author{},
		&models.Content{},
		&models.ProcessLog{},
		&models.Confirmation{},
		&models.Notification{},
		&models.NotificationProvider{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	notificationService := services.NewNotificationService(db)
	authService := services.NewAuthService(db, cfg)
	processService := services.NewProcessService(db, notificationService, cfg.ConfirmTTL)
	scanService := services.NewScanService(db, processService, notificationService, cfg)
	logService := services.NewLogService(cfg)

	authHandler := handlers.NewAuthHandler(authService, notificationService, db, cfg)
	watcherHandler := handlers.NewWatcherHandler(db, processService)
	ruleSetHandler := handlers.NewRuleSetHandler(db)
	processHandler := handlers.NewProcessHandler(db, processService)
	confirmationHandler := handlers.NewConfirmationHandler(db, processService)
	notificationHandler := handlers.NewNotificationHandler(notificationService)
	providerHandler := handlers.NewNotificationProviderHandler(notificationService)
	logsHandler := handlers.NewLogsHandler(logService)
	systemHandler := handlers.NewSystemHandler(scanService)

	registry := prometheus.NewRegistry()
	metrics.Register(registry)
	registry.MustRegister(collectors.NewGoCollector())

	router.GET("/api/v1/health", handlers.HealthHandler)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")

	api.POST("/auth/login", authHandler.Login)
	api.POST("/auth/register", middleware.OptionalAuth(authService), authHandler.Register)

	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(authService))
	{
		protected.POST("/auth/logout", authHandler.Logout)
		protected.GET("/auth/me", authHandler.Me)
		protected.POST("/auth/change-password", authHandler.ChangePassword)

		protected.GET("/watchers", watcherHandler.List)
		protected.POST("/watchers", watcherHandler.Create)
		protected.GET("/watchers/:id", watcherHandler.Get)
		protected.PUT("/watchers/:id", watcherHandler.Update)
		protected.DELETE("/watchers/:id", watcherHandler.Delete)
		protected.POST("/watchers/:id/verify", watcherHandler.Verify)
		protected.POST("/watchers/:id/enable", watcherHandler.Enable)
		protected.POST("/watchers/:id/disable", watcherHandler.Disable)

		protected.GET("/rulesets", ruleSetHandler.List)
		protected.POST("/rulesets", ruleSetHandler.Create)
		protected.GET("/rulesets/:id", ruleSetHandler.Get)
		protected.PUT("/rulesets/:id", ruleSetHandler.Update)
		protected.DELETE("/rulesets/:id", ruleSetHandler.Delete)
		protected.GET("/rules/info", handlers.RuleInfo)

		protected.GET("/process/overview", processHandler.Overview)
		protected.GET("/process/search", processHandler.Search)
		protected.GET("/process/:pid", processHandler.Detail)
		protected.POST("/process/:pid/reprocess", processHandler.Reprocess)

		protected.GET("/confirmations", confirmationHandler.List)
		protected.POST("/confirmations/:id/execute", confirmationHandler.Execute)
		protected.POST("/confirmations/:id/ignore", confirmationHandler.Ignore)

		protected.GET("/notifications", notificationHandler.List)
		protected.POST("/notifications/:id/read", notificationHandler.MarkAsRead)
		protected.POST("/notifications/read-all", notificationHandler.MarkAllAsRead)

		protected.GET("/notification-providers", providerHandler.List)
		protected.POST("/notification-providers", providerHandler.Create)
		protected.PUT("/notification-providers/:id", providerHandler.Update)
		protected.DELETE("/notification-providers/:id", providerHandler.Delete)
		protected.POST("/notification-providers/test", providerHandler.Test)

		protected.GET("/logs", logsHandler.List)
		protected.GET("/logs/:name", logsHandler.Read)

		protected.POST("/system/scan", systemHandler.Scan)
	}

	return scanService, nil
}
