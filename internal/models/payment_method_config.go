package models

import (
	"time"

	"gorm.io/gorm"
)

// PaymentMethodConfig is one selectable payment option exposed to donors
// (card, sbp, sberpay, tpay, ...). Configs are never deleted, only
// deactivated, because historical transactions reference them.
type PaymentMethodConfig struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Slug    string `gorm:"type:varchar(50);uniqueIndex" json:"slug"`
	Title   string `gorm:"type:varchar(255)" json:"title"`
	Gateway string `gorm:"type:varchar(50);not null" json:"gateway"`

	// Fee schedule: percent in basis points plus a fixed part in minor units
	FeePercentBP int64 `json:"fee_percent_bp"`
	FeeFixed     int64 `json:"fee_fixed"`

	MinAmount int64 `gorm:"default:100" json:"min_amount"`
	MaxAmount int64 `gorm:"default:100000000" json:"max_amount"`

	IsActive bool `gorm:"default:true" json:"is_active"`
	TestMode bool `gorm:"default:false" json:"test_mode"`

	// Settings is a gateway-specific blob (e.g. payment_method_data.type);
	// the core passes it through untouched.
	Settings map[string]interface{} `gorm:"serializer:json" json:"settings"`
}

// ValidateAmount checks a requested charge amount against the config bounds
func (c PaymentMethodConfig) ValidateAmount(amount int64) bool {
	if amount <= 0 {
		return false
	}
	if c.MinAmount > 0 && amount < c.MinAmount {
		return false
	}
	if c.MaxAmount > 0 && amount > c.MaxAmount {
		return false
	}
	return true
}

// Fee computes the gateway fee for an amount per the config's fee schedule
func (c PaymentMethodConfig) Fee(amount int64) int64 {
	return amount*c.FeePercentBP/10000 + c.FeeFixed
}
