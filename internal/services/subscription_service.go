package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"donorhub_echo/internal/models"
)

// ErrSubscriptionTransition means the requested subscription status change
// is not allowed (e.g. reactivating a cancelled agreement).
var ErrSubscriptionTransition = errors.New("invalid subscription status transition")

// SubscriptionService turns completed transactions carrying reusable
// payment credentials into standing autopayment agreements and drives
// scheduled charges for them.
type SubscriptionService struct {
	db               *gorm.DB
	transactions     *TransactionService
	failureThreshold int
}

// NewSubscriptionService wires the engine to the transaction state machine:
// it registers itself as a terminal-status hook so completions and failures
// of linked transactions update the agreement.
func NewSubscriptionService(db *gorm.DB, transactions *TransactionService, failureThreshold int) *SubscriptionService {
	s := &SubscriptionService{
		db:               db,
		transactions:     transactions,
		failureThreshold: failureThreshold,
	}
	transactions.OnTerminal(s.handleTerminalTransaction)
	return s
}

func (s *SubscriptionService) handleTerminalTransaction(tx *models.Transaction) {
	if tx.SubscriptionKey != "" {
		// Scheduler-driven charge: settle the outcome on the agreement
		switch tx.Status {
		case models.TransactionStatusCompleted:
			s.recordChargeSuccess(tx)
		case models.TransactionStatusFailed, models.TransactionStatusCancelled:
			s.recordChargeFailure(tx)
		}
		return
	}

	if tx.Status != models.TransactionStatusCompleted {
		return
	}
	recurring, period, token := s.transactions.RecurringIntent(tx)
	if !recurring || token == "" {
		return
	}
	if err := s.register(tx, period, token); err != nil {
		log.Printf("[subscriptions] failed to register agreement for %s: %v", tx.TransactionID, err)
	}
}

// register upserts an agreement keyed by (organization, reusable token).
// The first completion stamps first_payment_at and activates; later
// completions only refresh counters.
func (s *SubscriptionService) register(tx *models.Transaction, period models.SubscriptionPeriod, token string) error {
	if period == "" {
		period = models.SubscriptionPeriodMonthly
	}
	paidAt := time.Now()
	if tx.PaidAt != nil {
		paidAt = *tx.PaidAt
	}

	var sub models.AutopaymentSubscription
	err := s.db.Where("organization_id = ? AND subscription_key = ?", tx.OrganizationID, token).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		sub = models.AutopaymentSubscription{
			OrganizationID:        tx.OrganizationID,
			SubscriptionKey:       token,
			Title:                 fmt.Sprintf("Recurring donation %s", tx.PaymentMethodSlug),
			Amount:                tx.Amount,
			Currency:              tx.Currency,
			Period:                period,
			PaymentMethodSlug:     tx.PaymentMethodSlug,
			PaymentMethodConfigID: tx.PaymentMethodConfigID,
			Status:                models.SubscriptionStatusActive,
			ChargeCount:           1,
			FirstPaymentAt:        &paidAt,
			LastChargedAt:         &paidAt,
		}
		next := sub.NextDue(paidAt)
		sub.NextChargeAt = &next
		if cerr := s.db.Create(&sub).Error; cerr != nil && !isDuplicateKey(cerr) {
			return cerr
		}
		log.Printf("[subscriptions] registered %s/%d for org %d", sub.Period, sub.ID, tx.OrganizationID)
		return nil
	}
	if err != nil {
		return err
	}

	if !sub.Status.CanTransitionTo(models.SubscriptionStatusActive) && sub.Status != models.SubscriptionStatusActive {
		// Cancelled agreements stay cancelled; a fresh donation with the
		// same token does not resurrect them.
		return nil
	}
	next := sub.NextDue(paidAt)
	return s.db.Model(&sub).Updates(map[string]interface{}{
		"status":          models.SubscriptionStatusActive,
		"failure_count":   0,
		"charge_count":    gorm.Expr("charge_count + 1"),
		"last_charged_at": &paidAt,
		"next_charge_at":  &next,
	}).Error
}

func (s *SubscriptionService) recordChargeSuccess(tx *models.Transaction) {
	var sub models.AutopaymentSubscription
	if err := s.db.Where("organization_id = ? AND subscription_key = ?", tx.OrganizationID, tx.SubscriptionKey).First(&sub).Error; err != nil {
		log.Printf("[subscriptions] completed charge %s references unknown key %s", tx.TransactionID, tx.SubscriptionKey)
		return
	}
	now := time.Now()
	updates := map[string]interface{}{
		"failure_count":   0,
		"charge_count":    gorm.Expr("charge_count + 1"),
		"last_charged_at": &now,
	}
	next := sub.NextDue(now)
	updates["next_charge_at"] = &next
	if sub.FirstPaymentAt == nil {
		updates["first_payment_at"] = &now
		updates["status"] = models.SubscriptionStatusActive
	}
	if err := s.db.Model(&sub).Updates(updates).Error; err != nil {
		log.Printf("[subscriptions] failed to record success for %d: %v", sub.ID, err)
	}
}

// recordChargeFailure increments the consecutive failure counter and
// pauses the agreement at the threshold. A single failed period never
// deactivates a subscription: card and gateway hiccups are expected.
func (s *SubscriptionService) recordChargeFailure(tx *models.Transaction) {
	var sub models.AutopaymentSubscription
	if err := s.db.Where("organization_id = ? AND subscription_key = ?", tx.OrganizationID, tx.SubscriptionKey).First(&sub).Error; err != nil {
		return
	}

	failures := sub.FailureCount + 1
	updates := map[string]interface{}{"failure_count": failures}
	if failures >= s.failureThreshold && sub.Status == models.SubscriptionStatusActive {
		updates["status"] = models.SubscriptionStatusPaused
		log.Printf("[subscriptions] paused %d after %d consecutive failures", sub.ID, failures)
	} else {
		// Keep the agreement due so the next period retries
		next := sub.NextDue(time.Now())
		updates["next_charge_at"] = &next
	}
	if err := s.db.Model(&sub).Updates(updates).Error; err != nil {
		log.Printf("[subscriptions] failed to record failure for %d: %v", sub.ID, err)
	}
}

// ChargeDue runs scheduled charges for every active agreement of the given
// period that is due. Idempotent: the charge idempotency key is derived
// from the due date, so re-invoking for the same period cannot
// double-charge.
func (s *SubscriptionService) ChargeDue(ctx context.Context, period models.SubscriptionPeriod) (int, error) {
	now := time.Now()
	var due []models.AutopaymentSubscription
	err := s.db.
		Where("status = ? AND period = ? AND next_charge_at IS NOT NULL AND next_charge_at <= ?",
			models.SubscriptionStatusActive, period, now).
		Find(&due).Error
	if err != nil {
		return 0, err
	}

	charged := 0
	for i := range due {
		if ctx.Err() != nil {
			return charged, ctx.Err()
		}
		sub := &due[i]

		input := ChargeInput{
			OrganizationID:  sub.OrganizationID,
			Amount:          sub.Amount,
			Currency:        sub.Currency,
			MethodSlug:      sub.PaymentMethodSlug,
			IdempotencyKey:  fmt.Sprintf("ap-%d-%s", sub.ID, sub.NextChargeAt.Format("2006-01-02")),
			PaymentToken:    sub.SubscriptionKey,
			SubscriptionKey: sub.SubscriptionKey,
		}
		if _, err := s.transactions.CreateCharge(ctx, input); err != nil {
			// Business rejections already counted by the failed-transaction
			// hook; transient errors stay pending for the webhook.
			log.Printf("[subscriptions] scheduled charge for %d: %v", sub.ID, err)
			continue
		}
		charged++
	}
	return charged, nil
}

// Pause suspends an active agreement on organization request
func (s *SubscriptionService) Pause(subID uint) error {
	return s.transition(subID, models.SubscriptionStatusPaused)
}

// Resume reactivates a paused agreement and resets the failure counter
func (s *SubscriptionService) Resume(subID uint) error {
	if err := s.transition(subID, models.SubscriptionStatusActive); err != nil {
		return err
	}
	return s.db.Model(&models.AutopaymentSubscription{}).
		Where("id = ?", subID).
		Update("failure_count", 0).Error
}

// Cancel terminally ends an agreement
func (s *SubscriptionService) Cancel(subID uint) error {
	return s.transition(subID, models.SubscriptionStatusCancelled)
}

func (s *SubscriptionService) transition(subID uint, next models.SubscriptionStatus) error {
	var sub models.AutopaymentSubscription
	if err := s.db.First(&sub, subID).Error; err != nil {
		return err
	}
	if !sub.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrSubscriptionTransition, sub.Status, next)
	}
	res := s.db.Model(&models.AutopaymentSubscription{}).
		Where("id = ? AND status = ?", sub.ID, sub.Status).
		Update("status", next)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: subscription %d changed concurrently", ErrSubscriptionTransition, sub.ID)
	}
	return nil
}
