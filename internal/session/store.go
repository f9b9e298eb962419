package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/L0stInFades/Her/internal/models"
	"gorm.io/gorm"
)

// Record is a persisted refresh credential entry.
type Record struct {
	UserID    string
	ExpiresAt time.Time
}

// CredentialStore persists hashed refresh credentials. FindAndDelete
// must be atomic: when two callers race on the same hash, exactly one
// receives the record.
type CredentialStore interface {
	Put(ctx context.Context, hash, userID string, expiresAt time.Time) error
	FindAndDelete(ctx context.Context, hash string) (*Record, error)
	DeleteByHash(ctx context.Context, hash, userID string) error
	DeleteAllForUser(ctx context.Context, userID string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// GormCredentialStore stores refresh credential hashes via GORM.
type GormCredentialStore struct {
	db *gorm.DB
}

// NewGormCredentialStore constructs a GormCredentialStore.
func NewGormCredentialStore(db *gorm.DB) *GormCredentialStore {
	return &GormCredentialStore{db: db}
}

// Put inserts a new refresh credential row.
func (s *GormCredentialStore) Put(ctx context.Context, hash, userID string, expiresAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("credential store: not initialized")
	}
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return fmt.Errorf("credential store: empty hash")
	}
	row := models.Session{
		TokenHash: hash,
		UserID:    userID,
		ExpiresAt: expiresAt.UTC(),
	}
	if errCreate := s.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return fmt.Errorf("credential store: put: %w", errCreate)
	}
	return nil
}

// FindAndDelete consumes the row matching the hash. It returns nil
// when the row does not exist or another caller consumed it first;
// the delete's affected-row count decides the winner.
func (s *GormCredentialStore) FindAndDelete(ctx context.Context, hash string) (*Record, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("credential store: not initialized")
	}

	var row models.Session
	errFind := s.db.WithContext(ctx).Where("token_hash = ?", hash).First(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("credential store: find: %w", errFind)
	}

	res := s.db.WithContext(ctx).Where("token_hash = ?", hash).Delete(&models.Session{})
	if res.Error != nil {
		return nil, fmt.Errorf("credential store: consume: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Lost the race to a concurrent rotation.
		return nil, nil
	}
	return &Record{UserID: row.UserID, ExpiresAt: row.ExpiresAt}, nil
}

// DeleteByHash removes one row matching the hash and owner.
func (s *GormCredentialStore) DeleteByHash(ctx context.Context, hash, userID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("credential store: not initialized")
	}
	if errDelete := s.db.WithContext(ctx).
		Where("token_hash = ? AND user_id = ?", hash, userID).
		Delete(&models.Session{}).Error; errDelete != nil {
		return fmt.Errorf("credential store: delete: %w", errDelete)
	}
	return nil
}

// DeleteAllForUser removes every row owned by the account.
func (s *GormCredentialStore) DeleteAllForUser(ctx context.Context, userID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("credential store: not initialized")
	}
	res := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.Session{})
	if res.Error != nil {
		return 0, fmt.Errorf("credential store: delete all: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteExpired removes rows past their stored expiry.
func (s *GormCredentialStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("credential store: not initialized")
	}
	res := s.db.WithContext(ctx).Where("expires_at < ?", now.UTC()).Delete(&models.Session{})
	if res.Error != nil {
		return 0, fmt.Errorf("credential store: delete expired: %w", res.Error)
	}
	return res.RowsAffected, nil
}
