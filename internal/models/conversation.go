package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Conversation groups an ordered message log owned by a single user.
type Conversation struct {
	ID string `gorm:"type:uuid;primaryKey"` // Primary key.

	UserID string `gorm:"type:uuid;not null;index"` // Owning account ID.
	User   *User  `gorm:"foreignKey:UserID"`        // Owning account.

	Title string `gorm:"type:text"`          // Display title.
	Model string `gorm:"type:text;not null"` // Currently selected model ID.

	Messages []Message `gorm:"foreignKey:ConversationID"` // Ordered message log.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// BeforeCreate assigns a UUID primary key when missing.
func (c *Conversation) BeforeCreate(_ *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}
