package config

import "time"

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// SessionRetentionDays is how many days to keep completed and errored
	// sessions before deleting them along with their review results.
	SessionRetentionDays int `yaml:"session_retention_days,omitempty"`

	// EventTTL is the maximum age of Event rows before deletion. The fan-out
	// layer only needs recent events for reconnect catch-up.
	EventTTL time.Duration `yaml:"event_ttl,omitempty"`

	// NotificationTTL is the maximum age of notifications before deletion.
	NotificationTTL time.Duration `yaml:"notification_ttl,omitempty"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval,omitempty"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		SessionRetentionDays: 90,
		EventTTL:             24 * time.Hour,
		NotificationTTL:      7 * 24 * time.Hour,
		CleanupInterval:      12 * time.Hour,
	}
}
