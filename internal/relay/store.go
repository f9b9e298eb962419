package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/L0stInFades/Her/internal/models"
	"gorm.io/gorm"
)

// ConversationView is a conversation loaded for context assembly.
// RecentMessages holds at most the requested number of newest
// messages, in chronological order.
type ConversationView struct {
	ID             string
	OwnerID        string
	Model          string
	RecentMessages []models.Message
}

// ConversationStore loads conversations and appends messages.
type ConversationStore interface {
	Get(ctx context.Context, id string, recentLimit int) (*ConversationView, error)
	AppendMessage(ctx context.Context, conversationID, role, content string) (*models.Message, error)
}

// GormConversationStore reads and writes conversations via GORM.
type GormConversationStore struct {
	db *gorm.DB
}

// NewGormConversationStore constructs a GormConversationStore.
func NewGormConversationStore(db *gorm.DB) *GormConversationStore {
	return &GormConversationStore{db: db}
}

// Get returns the conversation with its newest messages restored to
// chronological order, or nil when absent.
func (s *GormConversationStore) Get(ctx context.Context, id string, recentLimit int) (*ConversationView, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("conversation store: not initialized")
	}
	if recentLimit <= 0 {
		recentLimit = 50
	}

	var conversation models.Conversation
	errFind := s.db.WithContext(ctx).Where("id = ?", id).First(&conversation).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("conversation store: find: %w", errFind)
	}

	var recent []models.Message
	if errMessages := s.db.WithContext(ctx).
		Where("conversation_id = ?", id).
		Order("created_at DESC").
		Limit(recentLimit).
		Find(&recent).Error; errMessages != nil {
		return nil, fmt.Errorf("conversation store: load messages: %w", errMessages)
	}
	// Newest-first from the query; reverse back to chronological.
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}

	return &ConversationView{
		ID:             conversation.ID,
		OwnerID:        conversation.UserID,
		Model:          conversation.Model,
		RecentMessages: recent,
	}, nil
}

// AppendMessage persists one immutable message row.
func (s *GormConversationStore) AppendMessage(ctx context.Context, conversationID, role, content string) (*models.Message, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("conversation store: not initialized")
	}
	row := models.Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
	}
	if errCreate := s.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return nil, fmt.Errorf("conversation store: append: %w", errCreate)
	}
	return &row, nil
}
