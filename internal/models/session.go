package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Session stores the one-way hash of an issued refresh credential.
// A row exists only while the credential is unconsumed; rotation,
// logout, expiry sweep, and theft revocation all delete it.
type Session struct {
	ID string `gorm:"type:uuid;primaryKey"` // Primary key.

	TokenHash string `gorm:"type:text;not null;uniqueIndex"` // SHA-256 hex of the refresh credential.

	UserID string `gorm:"type:uuid;not null;index"` // Owning account ID.
	User   *User  `gorm:"foreignKey:UserID"`        // Owning account.

	ExpiresAt time.Time `gorm:"not null"`                // Absolute expiry.
	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// BeforeCreate assigns a UUID primary key when missing.
func (s *Session) BeforeCreate(_ *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}
