package models

import "time"

// UsagePeriod accumulates per-user usage counters for one UTC calendar
// month. Counters only increase; rows are created lazily on first use.
type UsagePeriod struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID string `gorm:"type:uuid;not null;uniqueIndex:idx_usage_user_period"` // Owning account ID.
	Period string `gorm:"type:text;not null;uniqueIndex:idx_usage_user_period"` // UTC month as YYYY-MM.

	UnitsUsed           int64 `gorm:"not null;default:0"` // Quota units consumed.
	RequestsUsed        int64 `gorm:"not null;default:0"` // Completed generation count.
	EstimatedTokensUsed int64 `gorm:"not null;default:0"` // Token estimate total.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
