package models

import "time"

// AppConfigID is the fixed primary key of the singleton policy row.
const AppConfigID = "default"

// AppConfig is the server-wide policy singleton consumed by the
// policy cache. Admin updates must invalidate the cache explicitly.
type AppConfig struct {
	ID string `gorm:"type:text;primaryKey"` // Always "default".

	MaxContextMessages int  `gorm:"not null;default:50"`    // Context window size in messages.
	AllowUserAPIKeys   bool `gorm:"not null;default:true"`  // Whether BYOK is permitted.
	RequireUserAPIKey  bool `gorm:"not null;default:false"` // Whether BYOK is mandatory for entitled plans.
	EnforceUsageLimits bool `gorm:"not null;default:true"`  // Whether monthly quotas are enforced.
	BaseMonthlyUnits   int64 `gorm:"not null;default:1000"` // Base monthly unit allotment before plan multiplier.

	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
