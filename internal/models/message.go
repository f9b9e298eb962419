package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Message roles accepted by the upstream completion API.
const (
	// MessageRoleUser marks content written by the account owner.
	MessageRoleUser = "user"
	// MessageRoleAssistant marks content produced by the model.
	MessageRoleAssistant = "assistant"
	// MessageRoleSystem marks injected instruction content.
	MessageRoleSystem = "system"
)

// Message is a single immutable entry in a conversation log.
type Message struct {
	ID string `gorm:"type:uuid;primaryKey"` // Primary key.

	ConversationID string        `gorm:"type:uuid;not null;index"`        // Owning conversation ID.
	Conversation   *Conversation `gorm:"foreignKey:ConversationID"`       // Owning conversation.
	Role           string        `gorm:"type:text;not null"`              // user, assistant, or system.
	Content        string        `gorm:"type:text;not null"`              // Message body.
	CreatedAt      time.Time     `gorm:"not null;autoCreateTime;index"`   // Ordering timestamp.
}

// BeforeCreate assigns a UUID primary key when missing.
func (m *Message) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}
