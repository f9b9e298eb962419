package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/L0stInFades/Her/internal/models"
	"github.com/L0stInFades/Her/internal/policy"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// ConversationHandler manages conversation endpoints.
type ConversationHandler struct {
	db     *gorm.DB
	policy *policy.Cache
}

// NewConversationHandler constructs a ConversationHandler.
func NewConversationHandler(db *gorm.DB, policyCache *policy.Cache) *ConversationHandler {
	return &ConversationHandler{db: db, policy: policyCache}
}

// createConversationRequest defines the request body for conversation creation.
type createConversationRequest struct {
	Title string `json:"title"`
	Model string `json:"model"`
}

// Create opens a new conversation for the current account. An omitted
// or disabled model falls back to the server default.
func (h *ConversationHandler) Create(c *gin.Context) {
	principal, ok := CurrentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var body createConversationRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	ctx := c.Request.Context()

	model := strings.TrimSpace(body.Model)
	enabled, errModel := h.policy.IsModelEnabled(ctx, model)
	if errModel != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load model catalog failed"})
		return
	}
	if model == "" || !enabled {
		fallback, errDefault := h.policy.DefaultModelID(ctx)
		if errDefault != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "load model catalog failed"})
			return
		}
		model = fallback
	}

	conversation := models.Conversation{
		UserID: principal.UserID,
		Title:  strings.TrimSpace(body.Title),
		Model:  model,
	}
	if errCreate := h.db.WithContext(ctx).Create(&conversation).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create conversation failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         conversation.ID,
		"title":      conversation.Title,
		"model":      conversation.Model,
		"created_at": conversation.CreatedAt,
	})
}

// List returns the current account's conversations, newest first.
func (h *ConversationHandler) List(c *gin.Context) {
	principal, ok := CurrentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var rows []models.Conversation
	if errFind := h.db.WithContext(c.Request.Context()).
		Where("user_id = ?", principal.UserID).
		Order("updated_at DESC").
		Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list conversations failed"})
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, gin.H{
			"id":         row.ID,
			"title":      row.Title,
			"model":      row.Model,
			"created_at": row.CreatedAt,
			"updated_at": row.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

// Get returns one conversation with its message log.
func (h *ConversationHandler) Get(c *gin.Context) {
	principal, ok := CurrentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	ctx := c.Request.Context()

	var conversation models.Conversation
	if errFind := h.db.WithContext(ctx).First(&conversation, "id = ?", id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if conversation.UserID != principal.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not the conversation owner"})
		return
	}

	var messages []models.Message
	if errFind := h.db.WithContext(ctx).
		Where("conversation_id = ?", conversation.ID).
		Order("created_at ASC").
		Find(&messages).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load messages failed"})
		return
	}

	out := make([]gin.H, 0, len(messages))
	for _, message := range messages {
		out = append(out, gin.H{
			"id":         message.ID,
			"role":       message.Role,
			"content":    message.Content,
			"created_at": message.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"id":       conversation.ID,
		"title":    conversation.Title,
		"model":    conversation.Model,
		"messages": out,
	})
}

// Delete removes a conversation and its messages.
func (h *ConversationHandler) Delete(c *gin.Context) {
	principal, ok := CurrentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	ctx := c.Request.Context()

	var conversation models.Conversation
	if errFind := h.db.WithContext(ctx).First(&conversation, "id = ?", id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if conversation.UserID != principal.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not the conversation owner"})
		return
	}

	errTx := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errDelMessages := tx.Where("conversation_id = ?", conversation.ID).Delete(&models.Message{}).Error; errDelMessages != nil {
			return errDelMessages
		}
		return tx.Delete(&models.Conversation{}, "id = ?", conversation.ID).Error
	})
	if errTx != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	c.Status(http.StatusNoContent)
}
