package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/L0stInFades/Her/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DB config keys and defaults for settings.
const (
	// MaxConcurrentStreamsKey controls the per-user stream admission cap.
	MaxConcurrentStreamsKey = "MAX_CONCURRENT_STREAMS_PER_USER"
	// SessionSweepIntervalSecondsKey controls the expired session sweep interval.
	SessionSweepIntervalSecondsKey = "SESSION_SWEEP_INTERVAL_SECONDS"
	// DefaultMaxConcurrentStreams is the fallback per-user stream cap.
	DefaultMaxConcurrentStreams = 2
	// DefaultSessionSweepIntervalSeconds is the fallback sweep interval (seconds).
	DefaultSessionSweepIntervalSeconds = 3600
)

// EnsureDefaults seeds missing setting rows with their defaults.
func EnsureDefaults(conn *gorm.DB) error {
	defaults := map[string]any{
		MaxConcurrentStreamsKey:        DefaultMaxConcurrentStreams,
		SessionSweepIntervalSecondsKey: DefaultSessionSweepIntervalSeconds,
	}
	for key, value := range defaults {
		var existing models.Setting
		errFind := conn.Where("key = ?", key).First(&existing).Error
		if errFind == nil {
			continue
		}
		if !errors.Is(errFind, gorm.ErrRecordNotFound) {
			return fmt.Errorf("settings: load %s: %w", key, errFind)
		}
		payload, errMarshal := json.Marshal(value)
		if errMarshal != nil {
			return fmt.Errorf("settings: marshal %s: %w", key, errMarshal)
		}
		row := models.Setting{Key: key, Value: datatypes.JSON(payload)}
		if errCreate := conn.Create(&row).Error; errCreate != nil {
			return fmt.Errorf("settings: seed %s: %w", key, errCreate)
		}
	}
	return nil
}

// Value returns the raw JSON value stored for the key.
func Value(conn *gorm.DB, key string) (json.RawMessage, bool) {
	if conn == nil || strings.TrimSpace(key) == "" {
		return nil, false
	}
	var row models.Setting
	if errFind := conn.Where("key = ?", key).First(&row).Error; errFind != nil {
		return nil, false
	}
	if len(row.Value) == 0 {
		return nil, false
	}
	return json.RawMessage(row.Value), true
}

// MaxConcurrentStreams returns the configured per-user stream cap.
func MaxConcurrentStreams(conn *gorm.DB) int {
	raw, ok := Value(conn, MaxConcurrentStreamsKey)
	if !ok {
		return DefaultMaxConcurrentStreams
	}
	parsed, okParse := parsePositiveInt(raw)
	if !okParse {
		return DefaultMaxConcurrentStreams
	}
	return parsed
}

// SessionSweepInterval returns the configured expired session sweep interval.
func SessionSweepInterval(conn *gorm.DB) time.Duration {
	raw, ok := Value(conn, SessionSweepIntervalSecondsKey)
	if !ok {
		return DefaultSessionSweepIntervalSeconds * time.Second
	}
	parsed, okParse := parsePositiveInt(raw)
	if !okParse {
		return DefaultSessionSweepIntervalSeconds * time.Second
	}
	return time.Duration(parsed) * time.Second
}

// parsePositiveInt parses a JSON number or numeric string greater than zero.
func parsePositiveInt(raw json.RawMessage) (int, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	var parsedInt int
	if errUnmarshalInt := json.Unmarshal(raw, &parsedInt); errUnmarshalInt == nil {
		return parsedInt, parsedInt > 0
	}
	var parsedString string
	if errUnmarshalString := json.Unmarshal(raw, &parsedString); errUnmarshalString == nil {
		parsed, errParse := strconv.Atoi(strings.TrimSpace(parsedString))
		if errParse != nil {
			return 0, false
		}
		return parsed, parsed > 0
	}
	return 0, false
}
