package models

import (
	"encoding/json"
	"time"
)

// WebhookProcessingStatus is the processing state of a stored webhook event
type WebhookProcessingStatus string

const (
	WebhookStatusPending   WebhookProcessingStatus = "pending"
	WebhookStatusProcessed WebhookProcessingStatus = "processed"
	WebhookStatusFailed    WebhookProcessingStatus = "failed"
)

// WebhookEvent stores a received gateway notification before any business
// logic runs, so a crash mid-processing leaves a replayable record instead
// of a lost one. The (provider, dedup_key) pair is unique: redelivery of
// the same notification must be a no-op.
type WebhookEvent struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Provider string `gorm:"type:varchar(50);not null;uniqueIndex:ux_webhook_events_provider_dedup,priority:1" json:"provider"`
	DedupKey string `gorm:"type:varchar(191);not null;uniqueIndex:ux_webhook_events_provider_dedup,priority:2" json:"dedup_key"`

	EventType  string `gorm:"type:varchar(100);index" json:"event_type"`
	ObjectType string `gorm:"type:varchar(50)" json:"object_type"`
	ObjectID   string `gorm:"type:varchar(100);index" json:"object_id"`

	Payload json.RawMessage `gorm:"type:jsonb" json:"payload"`

	ProcessingStatus WebhookProcessingStatus `gorm:"type:varchar(20);index;default:'pending'" json:"processing_status"`
	ProcessingError  string                  `gorm:"type:text" json:"processing_error,omitempty"`
	Attempts         int                     `gorm:"default:0" json:"attempts"`
	ProcessedAt      *time.Time              `json:"processed_at,omitempty"`
}
