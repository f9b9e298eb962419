package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Role names assignable to a user account.
const (
	// RoleUser is the default role for registered accounts.
	RoleUser = "USER"
	// RoleAdmin grants access to server policy administration.
	RoleAdmin = "ADMIN"
)

// Plan names controlling monthly quota multipliers.
const (
	// PlanBase is the default subscription plan.
	PlanBase = "BASE"
	// PlanPremium is the paid subscription plan.
	PlanPremium = "PREMIUM"
)

// User represents an end-user account stored in the database.
type User struct {
	ID string `gorm:"type:uuid;primaryKey"` // Primary key.

	Email    string `gorm:"type:text;not null;uniqueIndex"` // Unique login email.
	Name     string `gorm:"type:text"`                      // Display name.
	Password string `gorm:"type:text;not null"`             // Hashed password.

	Role string `gorm:"type:text;not null;default:USER"` // USER or ADMIN.
	Plan string `gorm:"type:text;not null;default:BASE"` // BASE or PREMIUM.

	Banned bool `gorm:"not null;default:false"` // Whether the account is blocked.

	PreferredModel string `gorm:"type:text"` // Default model for new generations.
	ProviderAPIKey string `gorm:"type:text"` // Encrypted upstream key, opaque here.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// BeforeCreate assigns a UUID primary key when missing.
func (u *User) BeforeCreate(_ *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}
