package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/L0stInFades/Her/internal/models"
	internalsettings "github.com/L0stInFades/Her/internal/settings"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Migrate applies the schema and seeds required default rows.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errAutoMigrate := conn.AutoMigrate(
		&models.User{},
		&models.Session{},
		&models.Conversation{},
		&models.Message{},
		&models.AIModel{},
		&models.AppConfig{},
		&models.UsagePeriod{},
		&models.Setting{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	if errSeed := ensureDefaultAppConfig(conn); errSeed != nil {
		return errSeed
	}
	if errSeed := ensureDefaultModels(conn); errSeed != nil {
		return errSeed
	}
	if errSeed := internalsettings.EnsureDefaults(conn); errSeed != nil {
		return errSeed
	}
	return nil
}

// ensureDefaultAppConfig creates the policy singleton when absent.
func ensureDefaultAppConfig(conn *gorm.DB) error {
	var existing models.AppConfig
	errFind := conn.Where("id = ?", models.AppConfigID).First(&existing).Error
	if errFind == nil {
		return nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return fmt.Errorf("db: load app config: %w", errFind)
	}
	row := models.AppConfig{
		ID:                 models.AppConfigID,
		MaxContextMessages: 50,
		AllowUserAPIKeys:   true,
		RequireUserAPIKey:  false,
		EnforceUsageLimits: true,
		BaseMonthlyUnits:   1000,
		UpdatedAt:          time.Now().UTC(),
	}
	if errCreate := conn.Create(&row).Error; errCreate != nil {
		return fmt.Errorf("db: seed app config: %w", errCreate)
	}
	return nil
}

// ensureDefaultModels seeds the model catalog on first boot.
func ensureDefaultModels(conn *gorm.DB) error {
	var count int64
	if errCount := conn.Model(&models.AIModel{}).Count(&count).Error; errCount != nil {
		return fmt.Errorf("db: count models: %w", errCount)
	}
	if count > 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := []models.AIModel{
		{ID: "openai/gpt-4o", Name: "GPT-4o", Provider: "OpenAI", Description: "Most capable model for complex tasks", Enabled: true, IsDefault: true},
		{ID: "openai/gpt-4o-mini", Name: "GPT-4o Mini", Provider: "OpenAI", Description: "Fast and efficient for most tasks", Enabled: true},
		{ID: "openai/gpt-4-turbo", Name: "GPT-4 Turbo", Provider: "OpenAI", Description: "Powerful model with larger context", Enabled: true},
		{ID: "anthropic/claude-3-opus", Name: "Claude 3 Opus", Provider: "Anthropic", Description: "Most capable for complex analysis", Enabled: true},
		{ID: "anthropic/claude-3-sonnet", Name: "Claude 3 Sonnet", Provider: "Anthropic", Description: "Balanced performance and speed", Enabled: true},
		{ID: "anthropic/claude-3-haiku", Name: "Claude 3 Haiku", Provider: "Anthropic", Description: "Fastest for simple tasks", Enabled: true},
	}
	for i := range rows {
		rows[i].Tags = datatypes.JSON("[]")
		rows[i].CreatedAt = now
		rows[i].UpdatedAt = now
	}
	if errCreate := conn.Create(&rows).Error; errCreate != nil {
		return fmt.Errorf("db: seed models: %w", errCreate)
	}
	return nil
}
