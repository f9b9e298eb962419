package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/L0stInFades/Her/internal/models"
	"gorm.io/gorm"
)

// DefaultTTL bounds how stale a cached policy read may be.
const DefaultTTL = 30 * time.Second

// fallbackDefaultModel is served when the catalog is empty.
const fallbackDefaultModel = "openai/gpt-4o"

type cached[T any] struct {
	value     T
	expiresAt time.Time
}

func (c *cached[T]) valid(now time.Time) bool {
	return c != nil && now.Before(c.expiresAt)
}

// Cache serves short-TTL reads of the server-wide policy singleton
// and the enabled model catalog. Admin updates call Invalidate.
type Cache struct {
	db    *gorm.DB
	ttl   time.Duration
	nowFn func() time.Time

	mu          sync.Mutex
	config      *cached[models.AppConfig]
	modelsCache *cached[[]models.AIModel]
}

// NewCache constructs a Cache. ttl defaults to DefaultTTL, nowFn to time.Now.
func NewCache(db *gorm.DB, ttl time.Duration, nowFn func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Cache{db: db, ttl: ttl, nowFn: nowFn}
}

// Config returns the current policy, cached.
func (c *Cache) Config(ctx context.Context) (models.AppConfig, error) {
	now := c.nowFn()

	c.mu.Lock()
	if c.config.valid(now) {
		value := c.config.value
		c.mu.Unlock()
		return value, nil
	}
	c.mu.Unlock()

	var row models.AppConfig
	if errFind := c.db.WithContext(ctx).Where("id = ?", models.AppConfigID).First(&row).Error; errFind != nil {
		return models.AppConfig{}, fmt.Errorf("policy: load config: %w", errFind)
	}

	c.mu.Lock()
	c.config = &cached[models.AppConfig]{value: row, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
	return row, nil
}

// EnabledModels returns the selectable model catalog, cached.
func (c *Cache) EnabledModels(ctx context.Context) ([]models.AIModel, error) {
	now := c.nowFn()

	c.mu.Lock()
	if c.modelsCache.valid(now) {
		value := c.modelsCache.value
		c.mu.Unlock()
		return value, nil
	}
	c.mu.Unlock()

	var rows []models.AIModel
	if errFind := c.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("is_default DESC").
		Order("provider ASC").
		Order("name ASC").
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("policy: load models: %w", errFind)
	}

	c.mu.Lock()
	c.modelsCache = &cached[[]models.AIModel]{value: rows, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
	return rows, nil
}

// IsModelEnabled reports whether the model ID is currently selectable.
func (c *Cache) IsModelEnabled(ctx context.Context, modelID string) (bool, error) {
	rows, errModels := c.EnabledModels(ctx)
	if errModels != nil {
		return false, errModels
	}
	for _, row := range rows {
		if row.ID == modelID {
			return true, nil
		}
	}
	return false, nil
}

// DefaultModelID returns the policy default model, falling back to the
// first enabled model and then to a hardcoded ID for an empty catalog.
func (c *Cache) DefaultModelID(ctx context.Context) (string, error) {
	rows, errModels := c.EnabledModels(ctx)
	if errModels != nil {
		return "", errModels
	}
	for _, row := range rows {
		if row.IsDefault {
			return row.ID, nil
		}
	}
	if len(rows) > 0 {
		return rows[0].ID, nil
	}
	return fallbackDefaultModel, nil
}

// Invalidate drops both cached values; the next read hits the database.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.config = nil
	c.modelsCache = nil
	c.mu.Unlock()
}
