package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/moyanhui/webtm/backend/internal/config"
	"github.com/moyanhui/webtm/backend/internal/database"
	"github.com/moyanhui/webtm/backend/internal/logger"
	"github.com/moyanhui/webtm/backend/internal/models"
	"github.com/moyanhui/webtm/backend/internal/server"
	"github.com/moyanhui/webtm/backend/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logDir := cfg.LogDir()
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.Fatalf("create log directory: %v", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "webtm.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	logger.Init(cfg.IsDevelopment(), io.MultiWriter(os.Stdout, rotator))

	if len(os.Args) > 1 && os.Args[1] == "reset-password" {
		resetPassword(cfg, os.Args[2:])
		return
	}

	logger.Log().Infof("starting %s %s", version.Name, version.Full())

	db, err := database.Connect(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}

	srv, err := server.New(db, cfg)
	if err != nil {
		log.Fatalf("init server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Log().Infof("listening on :%s", cfg.HTTPPort)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// resetPassword updates a console account password and unlocks the account.
func resetPassword(cfg config.Config, args []string) {
	if len(args) != 2 {
		log.Fatalf("Usage: %s reset-password <email> <new-password>", os.Args[0])
	}
	email, newPassword := args[0], args[1]

	db, err := database.Connect(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}

	var user models.User
	if err := db.Where("email = ?", email).First(&user).Error; err != nil {
		log.Fatalf("user not found: %v", err)
	}
	if err := user.SetPassword(newPassword); err != nil {
		log.Fatalf("failed to hash password: %v", err)
	}
	user.LockedUntil = nil
	user.FailedLoginAttempts = 0
	if err := db.Save(&user).Error; err != nil {
		log.Fatalf("failed to save user: %v", err)
	}
	log.Printf("Password updated successfully for user %s", email)
}
