package models

import (
	"time"
)

// EventLogLevel is the severity of an event log entry
type EventLogLevel string

const (
	EventLogLevelInfo    EventLogLevel = "info"
	EventLogLevelWarning EventLogLevel = "warning"
	EventLogLevelError   EventLogLevel = "error"
)

// TransactionEventLog is the append-only audit trail of a transaction.
// Rows are immutable once written and are never consulted by business
// logic; they exist for reconciliation and dispute resolution.
type TransactionEventLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	TransactionID string        `gorm:"type:varchar(64);index" json:"transaction_id"`
	Action        string        `gorm:"type:varchar(100)" json:"action"`
	Level         EventLogLevel `gorm:"type:varchar(20);default:'info'" json:"level"`
	Message       string        `gorm:"type:text" json:"message"`

	Context map[string]interface{} `gorm:"serializer:json" json:"context,omitempty"`

	IPAddress string `gorm:"type:varchar(45)" json:"ip_address,omitempty"`
	UserAgent string `gorm:"type:varchar(255)" json:"user_agent,omitempty"`
}
