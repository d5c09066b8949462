package services

import (
	"errors"
	"fmt"

	"github.com/containrrr/shoutrrr"
	"gorm.io/gorm"

	"github.com/moyanhui/webtm/backend/internal/logger"
	"github.com/moyanhui/webtm/backend/internal/models"
	"github.com/moyanhui/webtm/backend/internal/version"
)

// Notification event types used to filter external providers.
const (
	EventRuleHit = "rule_hit"
	EventScan    = "scan"
	EventAuth    = "auth"
	EventTest    = "test"
)

type NotificationService struct {
	DB *gorm.DB
}

func NewNotificationService(db *gorm.DB) *NotificationService {
	return &NotificationService{DB: db}
}

// Internal notifications (DB rows shown in the console)

func (s *NotificationService) Create(nType models.NotificationType, title, message string) (*models.Notification, error) {
	notification := &models.Notification{
		Type:    nType,
		Title:   title,
		Message: message,
		Read:    false,
	}
	result := s.DB.Create(notification)
	return notification, result.Error
}

func (s *NotificationService) List(unreadOnly bool) ([]models.Notification, error) {
	var notifications []models.Notification
	query := s.DB.Order("created_at desc")
	if unreadOnly {
		query = query.Where("read = ?", false)
	}
	result := query.Find(&notifications)
	return notifications, result.Error
}

func (s *NotificationService) MarkAsRead(id string) error {
	return s.DB.Model(&models.Notification{}).Where("id = ?", id).Update("read", true).Error
}

func (s *NotificationService) MarkAllAsRead() error {
	return s.DB.Model(&models.Notification{}).Where("read = ?", false).Update("read", true).Error
}

// Provider management

func (s *NotificationService) ListProviders() ([]models.NotificationProvider, error) {
	var providers []models.NotificationProvider
	result := s.DB.Order("created_at asc").Find(&providers)
	return providers, result.Error
}

func (s *NotificationService) CreateProvider(provider *models.NotificationProvider) error {
	if err := validateProviderURL(provider.URL); err != nil {
		return err
	}
	return s.DB.Create(provider).Error
}

func (s *NotificationService) UpdateProvider(provider *models.NotificationProvider) error {
	if err := validateProviderURL(provider.URL); err != nil {
		return err
	}
	return s.DB.Save(provider).Error
}

func (s *NotificationService) DeleteProvider(id string) error {
	return s.DB.Delete(&models.NotificationProvider{}, "id = ?", id).Error
}

// TestProvider sends a test message through the provider URL synchronously.
func (s *NotificationService) TestProvider(provider models.NotificationProvider) error {
	if err := validateProviderURL(provider.URL); err != nil {
		return err
	}
	return shoutrrr.Send(provider.URL, "Test notification from "+version.Name)
}

func validateProviderURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("provider URL is required")
	}
	if _, err := shoutrrr.CreateSender(rawURL); err != nil {
		return fmt.Errorf("invalid provider URL: %w", err)
	}
	return nil
}

// External notifications (shoutrrr fan-out)

func (s *NotificationService) SendExternal(eventType, title, message string) {
	var providers []models.NotificationProvider
	if err := s.DB.Where("enabled = ?", true).Find(&providers).Error; err != nil {
		logger.Log().WithError(err).Error("fetch notification providers")
		return
	}

	for _, provider := range providers {
		shouldSend := false
		switch eventType {
		case EventRuleHit:
			shouldSend = provider.NotifyRuleHits
		case EventScan:
			shouldSend = provider.NotifyScans
		case EventAuth:
			shouldSend = provider.NotifyAuth
		case EventTest:
			shouldSend = true
		}
		if !shouldSend {
			continue
		}

		go func(p models.NotificationProvider) {
			msg := fmt.Sprintf("%s\n\n%s", title, message)
			if err := shoutrrr.Send(p.URL, msg); err != nil {
				logger.WithFields(map[string]interface{}{"provider": p.Name}).
					WithError(err).Error("send external notification")
			}
		}(provider)
	}
}

// Notify writes an internal row and fans out to external providers in one call.
func (s *NotificationService) Notify(eventType string, nType models.NotificationType, title, message string) {
	if _, err := s.Create(nType, title, message); err != nil {
		logger.Log().WithError(err).Error("create notification")
	}
	s.SendExternal(eventType, title, message)
}
