package models

import (
	"time"

	"github.com/teambition/rrule-go"
	"gorm.io/gorm"
)

// SubscriptionPeriod is the recurring charge interval
type SubscriptionPeriod string

const (
	SubscriptionPeriodDaily   SubscriptionPeriod = "daily"
	SubscriptionPeriodWeekly  SubscriptionPeriod = "weekly"
	SubscriptionPeriodMonthly SubscriptionPeriod = "monthly"
)

// RRule returns the RFC 5545 recurrence rule for the period
func (p SubscriptionPeriod) RRule() string {
	switch p {
	case SubscriptionPeriodDaily:
		return "FREQ=DAILY"
	case SubscriptionPeriodWeekly:
		return "FREQ=WEEKLY"
	}
	return "FREQ=MONTHLY"
}

// SubscriptionStatus is the lifecycle state of an autopayment agreement
type SubscriptionStatus string

const (
	SubscriptionStatusPending   SubscriptionStatus = "pending"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPaused    SubscriptionStatus = "paused"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// CanTransitionTo enforces pending -> active -> (paused <-> active) ->
// cancelled. Cancelled is terminal; a cancelled subscription is never
// reactivated, a new agreement must be created instead.
func (s SubscriptionStatus) CanTransitionTo(next SubscriptionStatus) bool {
	if s == SubscriptionStatusCancelled {
		return false
	}
	switch next {
	case SubscriptionStatusActive:
		return s == SubscriptionStatusPending || s == SubscriptionStatusPaused
	case SubscriptionStatusPaused:
		return s == SubscriptionStatusActive
	case SubscriptionStatusCancelled:
		return true
	}
	return false
}

// AutopaymentSubscription is a recurring charge agreement. SubscriptionKey
// is the gateway's reusable payment credential identifier and joins the
// subscription to its transactions via payment_details.
type AutopaymentSubscription struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	OrganizationID  uint   `gorm:"index;uniqueIndex:ux_subscriptions_org_key,priority:1" json:"organization_id"`
	SubscriptionKey string `gorm:"type:varchar(100);not null;uniqueIndex:ux_subscriptions_org_key,priority:2" json:"subscription_key"`

	Title string `gorm:"type:varchar(255)" json:"title"`
	Phone string `gorm:"type:varchar(50)" json:"phone"`

	Amount   int64              `json:"amount"`
	Currency string             `gorm:"type:char(3)" json:"currency"`
	Period   SubscriptionPeriod `gorm:"type:varchar(20);default:'monthly'" json:"period"`

	PaymentMethodSlug     string `gorm:"type:varchar(50)" json:"payment_method_slug"`
	PaymentMethodConfigID *uint  `json:"payment_method_config_id,omitempty"`

	Status       SubscriptionStatus `gorm:"type:varchar(20);index;default:'pending'" json:"status"`
	FailureCount int                `gorm:"default:0" json:"failure_count"`
	ChargeCount  int                `gorm:"default:0" json:"charge_count"`

	FirstPaymentAt *time.Time `json:"first_payment_at,omitempty"`
	LastChargedAt  *time.Time `json:"last_charged_at,omitempty"`
	NextChargeAt   *time.Time `gorm:"index" json:"next_charge_at,omitempty"`
}

// NextDue computes the next charge time after the given reference using
// the subscription period's recurrence rule anchored at the first payment.
func (s AutopaymentSubscription) NextDue(after time.Time) time.Time {
	start := after
	if s.FirstPaymentAt != nil {
		start = *s.FirstPaymentAt
	}

	rule, err := rrule.StrToRRule(s.Period.RRule())
	if err != nil {
		// Fallback: one period of roughly a month
		return after.AddDate(0, 1, 0)
	}
	rule.DTStart(start)
	next := rule.After(after, false)
	if next.IsZero() {
		return after.AddDate(0, 1, 0)
	}
	return next
}
