package models

import (
	"encoding/json"
	"time"
)

// TransactionStatus represents the lifecycle state of a transaction
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusAwaiting  TransactionStatus = "awaiting_confirmation"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusCancelled TransactionStatus = "cancelled"
	TransactionStatusRefunded  TransactionStatus = "refunded"
)

// TerminalStatuses are statuses from which no forward transition is allowed,
// with the single exception of completed -> refunded.
var TerminalStatuses = []TransactionStatus{
	TransactionStatusCompleted,
	TransactionStatusFailed,
	TransactionStatusCancelled,
	TransactionStatusRefunded,
}

// IsTerminal reports whether the status is terminal
func (s TransactionStatus) IsTerminal() bool {
	for _, t := range TerminalStatuses {
		if s == t {
			return true
		}
	}
	return false
}

// AllowedPredecessors returns the set of statuses a transaction may be in
// for a transition into s to be applied. Used for conditional updates.
func (s TransactionStatus) AllowedPredecessors() []TransactionStatus {
	switch s {
	case TransactionStatusAwaiting:
		return []TransactionStatus{TransactionStatusPending}
	case TransactionStatusCompleted, TransactionStatusFailed, TransactionStatusCancelled:
		return []TransactionStatus{TransactionStatusPending, TransactionStatusAwaiting}
	case TransactionStatusRefunded:
		return []TransactionStatus{TransactionStatusCompleted}
	}
	return nil
}

// Transaction is the ledger record of one attempted movement of money.
// It is never hard-deleted; terminal rows are immutable except for the
// completed -> refunded overlay.
type Transaction struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrganizationID uint  `gorm:"index" json:"organization_id"`
	FundraiserID   *uint `gorm:"index" json:"fundraiser_id,omitempty"`
	ProjectID      *uint `json:"project_id,omitempty"`
	ProjectStageID *uint `json:"project_stage_id,omitempty"`

	PaymentMethodConfigID *uint `gorm:"index" json:"payment_method_config_id,omitempty"`

	// TransactionID is generated up front and doubles as the gateway
	// idempotency key, so client retries never double-charge.
	TransactionID string `gorm:"type:varchar(64);uniqueIndex" json:"transaction_id"`
	ExternalID    string `gorm:"type:varchar(100);index" json:"external_id"`

	Amount    int64             `gorm:"not null" json:"amount"` // minor units
	Currency  string            `gorm:"type:char(3);not null" json:"currency"`
	FeeAmount int64             `json:"fee_amount"`
	Status    TransactionStatus `gorm:"type:varchar(30);index;default:'pending'" json:"status"`

	// PaymentMethodSlug is snapshotted at creation; later config edits must
	// not rewrite history.
	PaymentMethodSlug string `gorm:"type:varchar(50)" json:"payment_method_slug"`

	PaymentDetails  json.RawMessage `gorm:"type:jsonb" json:"payment_details,omitempty"`
	GatewayResponse json.RawMessage `gorm:"type:jsonb" json:"gateway_response,omitempty"`
	WebhookPayload  json.RawMessage `gorm:"type:jsonb" json:"webhook_payload,omitempty"`

	RedirectURL string `gorm:"type:text" json:"redirect_url,omitempty"`
	CallbackURL string `gorm:"type:text" json:"callback_url,omitempty"`
	SuccessURL  string `gorm:"type:text" json:"success_url,omitempty"`
	FailureURL  string `gorm:"type:text" json:"failure_url,omitempty"`

	// SubscriptionKey links the transaction to an autopayment subscription
	// when the charge carried recurring intent or was scheduler-driven.
	SubscriptionKey string `gorm:"type:varchar(100);index" json:"subscription_key,omitempty"`

	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	PaidAt     *time.Time `json:"paid_at,omitempty"`
	FailedAt   *time.Time `json:"failed_at,omitempty"`
	RefundedAt *time.Time `json:"refunded_at,omitempty"`

	// Relationships
	PaymentMethodConfig *PaymentMethodConfig  `gorm:"foreignKey:PaymentMethodConfigID" json:"payment_method_config,omitempty"`
	Donation            *Donation             `gorm:"foreignKey:TransactionID;references:TransactionID" json:"donation,omitempty"`
	EventLogs           []TransactionEventLog `gorm:"foreignKey:TransactionID;references:TransactionID" json:"event_logs,omitempty"`
}
