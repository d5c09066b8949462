package main

import (
	"fmt"
	"log"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/moyanhui/webtm/backend/internal/models"
)

// Seeds a development database with an admin account, a demo watcher and a
// few rule sets exercising each condition series.
func main() {
	db, err := gorm.Open(sqlite.Open("./data/webtm.db"), &gorm.Config{})
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

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
		log.Fatal("Failed to migrate database:", err)
	}
	fmt.Println("✓ Database migrated successfully")

	var count int64
	db.Model(&models.User{}).Count(&count)
	if count == 0 {
		admin := models.User{
			UUID:    uuid.NewString(),
			Email:   "admin@example.com",
			Name:    "Administrator",
			Role:    "admin",
			APIKey:  uuid.NewString(),
			Enabled: true,
		}
		if err := admin.SetPassword("changeme123"); err != nil {
			log.Fatal("Failed to hash password:", err)
		}
		if err := db.Create(&admin).Error; err != nil {
			log.Fatal("Failed to create admin user:", err)
		}
		fmt.Println("✓ Admin user created (admin@example.com / changeme123)")
	}

	watcher := models.Watcher{
		Name:         "Demo watcher",
		Forum:        "demo",
		ScanThreads:  true,
		ScanPosts:    true,
		ScanComments: true,
		BlockDay:     1,
		BlockReason:  "rule violation",
		Enabled:      true,
	}
	if err := db.Where("forum = ?", watcher.Forum).FirstOrCreate(&watcher).Error; err != nil {
		log.Fatal("Failed to create demo watcher:", err)
	}
	fmt.Println("✓ Demo watcher created")

	ruleSets := []models.RuleSet{
		{
			WatcherID:  watcher.ID,
			Name:       "spam keywords",
			Priority:   60,
			Enabled:    true,
			Conditions: `[{"type":"content_text","options":{"text":"加微信|代练","regex":true}}]`,
			Operations: `"delete"`,
		},
		{
			WatcherID:  watcher.ID,
			Name:       "low level link posters",
			Priority:   50,
			Enabled:    true,
			Conditions: `[{"type":"level","options":{"max":3}},{"type":"content_text","options":{"text":"https?://","regex":true}}]`,
			Operations: `[{"type":"delete","direct":true},{"type":"block","options":{"day":1}}]`,
		},
		{
			WatcherID:  watcher.ID,
			Name:       "trusted regulars",
			Priority:   80,
			Whitelist:  true,
			Enabled:    true,
			Conditions: `[{"type":"level","options":{"min":10}}]`,
		},
	}
	for _, set := range ruleSets {
		if err := db.Where("watcher_id = ? AND name = ?", set.WatcherID, set.Name).
			FirstOrCreate(&set).Error; err != nil {
			log.Fatal("Failed to create rule set:", err)
		}
	}
	fmt.Println("✓ Sample rule sets created")
}
