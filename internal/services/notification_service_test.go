package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyanhui/webtm/backend/internal/models"
)

func TestNotificationService_CreateAndList(t *testing.T) {
	db := setupServicesDB(t)
	service := NewNotificationService(db)

	first, err := service.Create(models.NotificationTypeInfo, "First", "message one")
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	_, err = service.Create(models.NotificationTypeError, "Second", "message two")
	require.NoError(t, err)

	all, err := service.List(false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, service.MarkAsRead(first.ID))
	unread, err := service.List(true)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "Second", unread[0].Title)

	require.NoError(t, service.MarkAllAsRead())
	unread, err = service.List(true)
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestNotificationService_ProviderValidation(t *testing.T) {
	db := setupServicesDB(t)
	service := NewNotificationService(db)

	err := service.CreateProvider(&models.NotificationProvider{Name: "empty"})
	assert.Error(t, err, "empty URL rejected")

	err = service.CreateProvider(&models.NotificationProvider{Name: "bad", URL: "not-a-shoutrrr-url"})
	assert.Error(t, err)

	provider := &models.NotificationProvider{
		Name:    "gotify",
		Type:    "gotify",
		URL:     "gotify://gotify.example.com/AzyoeNS.D4iJLVa",
		Enabled: true,
	}
	require.NoError(t, service.CreateProvider(provider))
	assert.NotEmpty(t, provider.ID)

	providers, err := service.ListProviders()
	require.NoError(t, err)
	assert.Len(t, providers, 1)

	provider.Name = "renamed"
	require.NoError(t, service.UpdateProvider(provider))

	require.NoError(t, service.DeleteProvider(provider.ID))
	providers, err = service.ListProviders()
	require.NoError(t, err)
	assert.Empty(t, providers)
}

func TestNotificationService_Notify(t *testing.T) {
	db := setupServicesDB(t)
	service := NewNotificationService(db)

	// No providers configured: only the internal row is written.
	service.Notify(EventRuleHit, models.NotificationTypeInfo, "Rule matched", "details")

	all, err := service.List(false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Rule matched", all[0].Title)
	assert.False(t, all[0].Read)
}
