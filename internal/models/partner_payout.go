package models

import (
	"encoding/json"
	"time"
)

// PartnerPayoutStatus is the settlement state of a payout
type PartnerPayoutStatus string

const (
	PartnerPayoutStatusScheduled PartnerPayoutStatus = "scheduled"
	PartnerPayoutStatusExecuted  PartnerPayoutStatus = "executed"
	PartnerPayoutStatusFailed    PartnerPayoutStatus = "failed"
)

// PartnerPayout is a scheduled or executed transfer of collected funds to
// a partner merchant's payout account, reconciled from partner webhook
// events keyed by the gateway-assigned payout id.
type PartnerPayout struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	PartnerMerchantID uint   `gorm:"index;uniqueIndex:ux_partner_payouts_merchant_external,priority:1" json:"partner_merchant_id"`
	ExternalPayoutID  string `gorm:"type:varchar(100);not null;uniqueIndex:ux_partner_payouts_merchant_external,priority:2" json:"external_payout_id"`

	Status   PartnerPayoutStatus `gorm:"type:varchar(20);index;default:'scheduled'" json:"status"`
	Amount   int64               `json:"amount"`
	Currency string              `gorm:"type:char(3)" json:"currency"`

	RawPayload json.RawMessage `gorm:"type:jsonb" json:"raw_payload,omitempty"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`

	PartnerMerchant *PartnerMerchant `gorm:"foreignKey:PartnerMerchantID" json:"partner_merchant,omitempty"`
}
