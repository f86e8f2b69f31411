package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"donorhub_echo/internal/gateway"
	"donorhub_echo/internal/models"
)

var (
	// ErrMerchantTransition means the requested onboarding transition is
	// not allowed from the merchant's current status.
	ErrMerchantTransition = errors.New("invalid merchant status transition")

	// ErrMerchantConflict means the organization already has an active
	// merchant.
	ErrMerchantConflict = errors.New("organization already has an active merchant")
)

// PartnerService manages sub-merchant onboarding and payout reconciliation
// for the marketplace split-payment model.
type PartnerService struct {
	db       *gorm.DB
	registry *gateway.Registry
}

func NewPartnerService(db *gorm.DB, registry *gateway.Registry) *PartnerService {
	return &PartnerService{db: db, registry: registry}
}

// CreateMerchant starts onboarding for an organization in draft status
func (s *PartnerService) CreateMerchant(orgID uint, externalPartnerID, contractID string) (*models.PartnerMerchant, error) {
	m := models.PartnerMerchant{
		OrganizationID:    orgID,
		Status:            models.PartnerMerchantStatusDraft,
		ExternalPartnerID: externalPartnerID,
		ContractID:        contractID,
	}
	if err := s.db.Create(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// Transition moves a merchant through the onboarding state machine with a
// conditional update, so concurrent admin actions cannot double-apply.
func (s *PartnerService) Transition(merchantID uint, next models.PartnerMerchantStatus) error {
	var m models.PartnerMerchant
	if err := s.db.First(&m, merchantID).Error; err != nil {
		return err
	}
	if !m.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrMerchantTransition, m.Status, next)
	}

	if next == models.PartnerMerchantStatusActive {
		// Fast pre-check; the partial unique index on (organization_id)
		// WHERE status = 'active' is the authority under concurrency.
		var count int64
		s.db.Model(&models.PartnerMerchant{}).
			Where("organization_id = ? AND status = ? AND id != ?", m.OrganizationID, models.PartnerMerchantStatusActive, m.ID).
			Count(&count)
		if count > 0 {
			return ErrMerchantConflict
		}
	}

	updates := map[string]interface{}{"status": next}
	if next == models.PartnerMerchantStatusActive {
		now := time.Now()
		updates["activated_at"] = &now
	}

	res := s.db.Model(&models.PartnerMerchant{}).
		Where("id = ? AND status = ?", m.ID, m.Status).
		Updates(updates)
	if res.Error != nil {
		// Two concurrent activations both pass the pre-check; the index
		// makes the loser fail here instead of committing a second active.
		if next == models.PartnerMerchantStatusActive && isDuplicateKey(res.Error) {
			return ErrMerchantConflict
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: merchant %d changed concurrently", ErrMerchantTransition, m.ID)
	}
	return nil
}

// ActiveMerchant returns the organization's active merchant, or nil
func (s *PartnerService) ActiveMerchant(orgID uint) *models.PartnerMerchant {
	var m models.PartnerMerchant
	err := s.db.Where("organization_id = ? AND status = ?", orgID, models.PartnerMerchantStatusActive).First(&m).Error
	if err != nil {
		return nil
	}
	return &m
}

// RoutingSettings returns the charge-time settings augmentation for an
// organization. A nil map means platform default settlement: merchants in
// any non-active state (including blocked mid-flight) get no routing.
func (s *PartnerService) RoutingSettings(orgID uint) map[string]interface{} {
	m := s.ActiveMerchant(orgID)
	if m == nil || m.PayoutAccountID == "" {
		return nil
	}
	return map[string]interface{}{
		"payout_account_id": m.PayoutAccountID,
	}
}

type payoutNotification struct {
	ID     string `json:"id"`
	Event  string `json:"event"`
	Object struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Amount struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		} `json:"amount"`
		PayoutAccountID string `json:"payout_account_id"`
		ScheduledAt     string `json:"scheduled_at"`
	} `json:"object"`
}

// HandlePayoutEvent ingests a partner payout webhook using the same
// store-then-process ledger as transaction webhooks, idempotently keyed by
// the gateway-assigned payout id.
func (s *PartnerService) HandlePayoutEvent(provider string, raw []byte, headers http.Header) error {
	gw, ok := s.registry.Get(provider)
	if !ok {
		return fmt.Errorf("%w: provider %q", gateway.ErrUnknownMethod, provider)
	}
	if !gw.VerifySignature(raw, headers) {
		return gateway.ErrSignatureInvalid
	}

	var notif payoutNotification
	if err := json.Unmarshal(raw, &notif); err != nil {
		return fmt.Errorf("parse payout notification: %w", err)
	}
	if notif.Object.ID == "" || !strings.HasPrefix(notif.Event, "payout.") {
		return fmt.Errorf("not a payout event")
	}

	dedup := notif.ID
	if dedup == "" {
		dedup = fmt.Sprintf("payout:%s:%s", notif.Object.ID, notif.Event)
	}

	event := &models.WebhookEvent{
		Provider:         provider,
		DedupKey:         dedup,
		EventType:        notif.Event,
		ObjectType:       "payout",
		ObjectID:         notif.Object.ID,
		Payload:          raw,
		ProcessingStatus: models.WebhookStatusPending,
	}
	if err := s.db.Create(event).Error; err != nil {
		if isDuplicateKey(err) {
			var existing models.WebhookEvent
			if s.db.Where("provider = ? AND dedup_key = ?", provider, dedup).First(&existing).Error == nil &&
				existing.ProcessingStatus == models.WebhookStatusProcessed {
				return nil
			}
			event = &existing
		} else {
			return err
		}
	}

	if err := s.applyPayout(&notif); err != nil {
		s.markEvent(event, models.WebhookStatusFailed, err.Error())
		// Stored: answer 200 anyway, sweep or manual review picks it up
		return nil
	}
	s.markEvent(event, models.WebhookStatusProcessed, "")
	return nil
}

func (s *PartnerService) applyPayout(notif *payoutNotification) error {
	var m models.PartnerMerchant
	err := s.db.Where("payout_account_id = ?", notif.Object.PayoutAccountID).First(&m).Error
	if err != nil {
		return fmt.Errorf("no merchant for payout account %q: %w", notif.Object.PayoutAccountID, err)
	}

	amount := parseMinorUnits(notif.Object.Amount.Value)
	now := time.Now()

	status := models.PartnerPayoutStatusScheduled
	var processedAt *time.Time
	switch notif.Event {
	case "payout.succeeded":
		status = models.PartnerPayoutStatusExecuted
		processedAt = &now
	case "payout.canceled", "payout.failed":
		status = models.PartnerPayoutStatusFailed
		processedAt = &now
	}

	var payout models.PartnerPayout
	err = s.db.Where("partner_merchant_id = ? AND external_payout_id = ?", m.ID, notif.Object.ID).First(&payout).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		payout = models.PartnerPayout{
			PartnerMerchantID: m.ID,
			ExternalPayoutID:  notif.Object.ID,
			Status:            status,
			Amount:            amount,
			Currency:          notif.Object.Amount.Currency,
			RawPayload:        mustRaw(notif),
			ProcessedAt:       processedAt,
		}
		if cerr := s.db.Create(&payout).Error; cerr != nil && !isDuplicateKey(cerr) {
			return cerr
		}
		return nil
	}
	if err != nil {
		return err
	}

	// Executed payouts never regress to scheduled on stale redeliveries
	if payout.Status == models.PartnerPayoutStatusExecuted && status == models.PartnerPayoutStatusScheduled {
		log.Printf("[partners] ignored stale payout event for %s", payout.ExternalPayoutID)
		return nil
	}
	return s.db.Model(&payout).Updates(map[string]interface{}{
		"status":       status,
		"amount":       amount,
		"processed_at": processedAt,
	}).Error
}

func (s *PartnerService) markEvent(event *models.WebhookEvent, status models.WebhookProcessingStatus, procErr string) {
	updates := map[string]interface{}{
		"processing_status": status,
		"processing_error":  procErr,
		"attempts":          gorm.Expr("attempts + 1"),
	}
	if status == models.WebhookStatusProcessed {
		now := time.Now()
		updates["processed_at"] = &now
	}
	if err := s.db.Model(event).Updates(updates).Error; err != nil {
		log.Printf("[partners] failed to update event %d: %v", event.ID, err)
	}
}

func mustRaw(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// parseMinorUnits converts a decimal amount string ("100.00") to minor units
func parseMinorUnits(value string) int64 {
	whole, frac, _ := strings.Cut(value, ".")
	units, _ := strconv.ParseInt(whole, 10, 64)
	cents := int64(0)
	if frac != "" {
		if len(frac) > 2 {
			frac = frac[:2]
		}
		for len(frac) < 2 {
			frac += "0"
		}
		cents, _ = strconv.ParseInt(frac, 10, 64)
	}
	return units*100 + cents
}
