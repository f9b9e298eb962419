package models

import (
	"time"

	"gorm.io/datatypes"
)

// AIModel describes an upstream model offered to users.
type AIModel struct {
	ID string `gorm:"type:text;primaryKey"` // Provider-scoped model ID, e.g. openai/gpt-4o.

	Name        string `gorm:"type:text;not null"` // Display name.
	Provider    string `gorm:"type:text"`          // Provider label.
	Description string `gorm:"type:text"`          // Short description.

	Tags datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"` // Capability tags.

	Enabled   bool `gorm:"not null;default:true"`  // Whether users may select it.
	IsDefault bool `gorm:"not null;default:false"` // Whether it is the policy default.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
