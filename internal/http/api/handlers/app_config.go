package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/L0stInFades/Her/internal/models"
	"github.com/L0stInFades/Her/internal/policy"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// AppConfigHandler manages the server policy singleton.
type AppConfigHandler struct {
	db     *gorm.DB
	policy *policy.Cache
}

// NewAppConfigHandler constructs an AppConfigHandler.
func NewAppConfigHandler(db *gorm.DB, policyCache *policy.Cache) *AppConfigHandler {
	return &AppConfigHandler{db: db, policy: policyCache}
}

// Get returns the current policy configuration.
func (h *AppConfigHandler) Get(c *gin.Context) {
	var cfg models.AppConfig
	if errFind := h.db.WithContext(c.Request.Context()).
		First(&cfg, "id = ?", models.AppConfigID).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load config failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"max_context_messages": cfg.MaxContextMessages,
		"allow_user_api_keys":  cfg.AllowUserAPIKeys,
		"require_user_api_key": cfg.RequireUserAPIKey,
		"enforce_usage_limits": cfg.EnforceUsageLimits,
		"base_monthly_units":   cfg.BaseMonthlyUnits,
		"updated_at":           cfg.UpdatedAt,
	})
}

// updateAppConfigRequest defines the request body for policy updates.
type updateAppConfigRequest struct {
	MaxContextMessages *int   `json:"max_context_messages"`
	AllowUserAPIKeys   *bool  `json:"allow_user_api_keys"`
	RequireUserAPIKey  *bool  `json:"require_user_api_key"`
	EnforceUsageLimits *bool  `json:"enforce_usage_limits"`
	BaseMonthlyUnits   *int64 `json:"base_monthly_units"`
}

// Update modifies the policy singleton and invalidates the cache so the
// change takes effect without waiting for the TTL.
func (h *AppConfigHandler) Update(c *gin.Context) {
	var body updateAppConfigRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	updates := map[string]any{"updated_at": time.Now().UTC()}
	if body.MaxContextMessages != nil {
		if *body.MaxContextMessages < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max_context_messages must be positive"})
			return
		}
		updates["max_context_messages"] = *body.MaxContextMessages
	}
	if body.AllowUserAPIKeys != nil {
		updates["allow_user_api_keys"] = *body.AllowUserAPIKeys
	}
	if body.RequireUserAPIKey != nil {
		updates["require_user_api_key"] = *body.RequireUserAPIKey
	}
	if body.EnforceUsageLimits != nil {
		updates["enforce_usage_limits"] = *body.EnforceUsageLimits
	}
	if body.BaseMonthlyUnits != nil {
		if *body.BaseMonthlyUnits < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "base_monthly_units must not be negative"})
			return
		}
		updates["base_monthly_units"] = *body.BaseMonthlyUnits
	}

	res := h.db.WithContext(c.Request.Context()).Model(&models.AppConfig{}).
		Where("id = ?", models.AppConfigID).
		Updates(updates)
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update config failed"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	h.policy.Invalidate()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// setModelEnabledRequest defines the request body for model toggling.
type setModelEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// SetModelEnabled toggles a catalog model. Disabling the default model
// is rejected so the fallback chain always terminates.
func (h *AppConfigHandler) SetModelEnabled(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var body setModelEnabledRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	ctx := c.Request.Context()

	if !body.Enabled {
		var model models.AIModel
		if errFind := h.db.WithContext(ctx).First(&model, "id = ?", id).Error; errFind == nil && model.IsDefault {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot disable the default model"})
			return
		}
	}

	res := h.db.WithContext(ctx).Model(&models.AIModel{}).
		Where("id = ?", id).
		Updates(map[string]any{"enabled": body.Enabled, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update model failed"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	h.policy.Invalidate()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
