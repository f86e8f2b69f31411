package models

import (
	"time"

	"gorm.io/gorm"
)

// PartnerMerchantStatus is the onboarding state of a sub-merchant
type PartnerMerchantStatus string

const (
	PartnerMerchantStatusDraft    PartnerMerchantStatus = "draft"
	PartnerMerchantStatusPending  PartnerMerchantStatus = "pending"
	PartnerMerchantStatusActive   PartnerMerchantStatus = "active"
	PartnerMerchantStatusRejected PartnerMerchantStatus = "rejected"
	PartnerMerchantStatusBlocked  PartnerMerchantStatus = "blocked"
)

// CanTransitionTo enforces the onboarding state machine: draft -> pending ->
// active, rejected only from pending, blocked from any non-terminal state.
func (s PartnerMerchantStatus) CanTransitionTo(next PartnerMerchantStatus) bool {
	switch next {
	case PartnerMerchantStatusPending:
		return s == PartnerMerchantStatusDraft
	case PartnerMerchantStatusActive:
		return s == PartnerMerchantStatusPending || s == PartnerMerchantStatusBlocked
	case PartnerMerchantStatusRejected:
		return s == PartnerMerchantStatusPending
	case PartnerMerchantStatusBlocked:
		return s != PartnerMerchantStatusRejected && s != PartnerMerchantStatusBlocked
	}
	return false
}

// PartnerMerchant is a sub-merchant account under a marketplace-style
// split-payment gateway. At most one active merchant per organization,
// enforced by a partial unique index so concurrent activations cannot
// both commit.
type PartnerMerchant struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	OrganizationID uint                  `gorm:"index;index:ux_one_active_merchant_per_org,unique,where:status = 'active'" json:"organization_id"`
	Status         PartnerMerchantStatus `gorm:"type:varchar(20);index;default:'draft'" json:"status"`

	ExternalPartnerID   string `gorm:"type:varchar(100);index" json:"external_partner_id"`
	ContractID          string `gorm:"type:varchar(100)" json:"contract_id"`
	PayoutAccountID     string `gorm:"type:varchar(100)" json:"payout_account_id"`
	PayoutAccountStatus string `gorm:"type:varchar(50)" json:"payout_account_status"`

	// Credentials holds the gateway credential bundle, encrypted at rest
	Credentials []byte `gorm:"type:bytea" json:"-"`

	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	SyncedAt    *time.Time `json:"synced_at,omitempty"`

	Payouts []PartnerPayout `gorm:"foreignKey:PartnerMerchantID" json:"payouts,omitempty"`
}
