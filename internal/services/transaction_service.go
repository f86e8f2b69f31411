package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"donorhub_echo/internal/gateway"
	"donorhub_echo/internal/models"
)

// ErrInvalidAmount means the requested amount fails the payment method
// config bounds. Rejected before any persistence.
var ErrInvalidAmount = errors.New("invalid amount")

// DonorInfo carries donor metadata for the public donation projection
type DonorInfo struct {
	Name         string
	Email        string
	Phone        string
	Anonymous    bool
	Message      string
	WantsReceipt bool
}

// ChargeInput is a charge creation request from the donation form
type ChargeInput struct {
	OrganizationID uint
	FundraiserID   *uint
	ProjectID      *uint
	ProjectStageID *uint

	Amount     int64
	Currency   string
	MethodSlug string

	Donor DonorInfo

	Recurring bool
	Period    models.SubscriptionPeriod

	ReturnURL  string
	SuccessURL string
	FailureURL string

	// IdempotencyKey lets the client retry safely; when empty a fresh
	// transaction id is generated.
	IdempotencyKey string

	// Set only by the subscription scheduler for token-reuse charges
	PaymentToken    string
	SubscriptionKey string

	IPAddress string
	UserAgent string
}

// ChargeOutput is what the donation form needs to continue the flow
type ChargeOutput struct {
	TransactionID string
	Status        models.TransactionStatus
	PaymentURL    string
	QRPayload     string
}

// paymentIntent is the shape stored in Transaction.PaymentDetails at
// creation; gateways later merge their reusable token into it.
type paymentIntent struct {
	Recurring    bool   `json:"recurring,omitempty"`
	Period       string `json:"period,omitempty"`
	PaymentToken string `json:"payment_token,omitempty"`
}

// TransactionService owns the transaction state machine. Every transition
// is a conditional update keyed by the allowed predecessor set, so
// concurrent webhooks and synchronous responses cannot both apply.
type TransactionService struct {
	db             *gorm.DB
	registry       *gateway.Registry
	cache          *RedisCache
	partners       *PartnerService
	gatewayTimeout time.Duration

	terminalHooks []func(tx *models.Transaction)
}

func NewTransactionService(db *gorm.DB, registry *gateway.Registry, cache *RedisCache, partners *PartnerService, gatewayTimeout time.Duration) *TransactionService {
	return &TransactionService{
		db:             db,
		registry:       registry,
		cache:          cache,
		partners:       partners,
		gatewayTimeout: gatewayTimeout,
	}
}

// OnTerminal registers a hook fired after a transaction reaches a terminal
// status. Used by the subscription engine.
func (s *TransactionService) OnTerminal(fn func(tx *models.Transaction)) {
	s.terminalHooks = append(s.terminalHooks, fn)
}

// methodConfig loads a payment method config by slug, through the cache
// when one is configured.
func (s *TransactionService) methodConfig(ctx context.Context, slug string) (*models.PaymentMethodConfig, error) {
	fetch := func() (*models.PaymentMethodConfig, error) {
		var cfg models.PaymentMethodConfig
		if err := s.db.Where("slug = ?", slug).First(&cfg).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, gateway.ErrUnknownMethod
			}
			return nil, err
		}
		return &cfg, nil
	}

	if s.cache == nil {
		return fetch()
	}
	return GetOrSet(s.cache, ctx, "payment_method:"+slug, 5*time.Minute, fetch)
}

// CreateCharge validates, records a pending transaction and drives it
// through the gateway. The caller disconnecting must not abort a charge in
// flight, so the gateway call runs on a detached context with its own
// timeout.
func (s *TransactionService) CreateCharge(ctx context.Context, in ChargeInput) (*ChargeOutput, error) {
	cfg, err := s.methodConfig(ctx, in.MethodSlug)
	if err != nil {
		return nil, err
	}
	if !cfg.IsActive {
		return nil, gateway.ErrUnknownMethod
	}
	if !cfg.ValidateAmount(in.Amount) {
		return nil, ErrInvalidAmount
	}

	gw, settings, err := s.registry.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	txID := in.IdempotencyKey
	if txID == "" {
		txID = "dn-" + uuid.New().String()
	}

	// Idempotent create: a retried request with the same key returns the
	// original transaction without a second gateway call.
	if existing, err := s.byTransactionID(txID); err == nil {
		return &ChargeOutput{
			TransactionID: existing.TransactionID,
			Status:        existing.Status,
			PaymentURL:    existing.RedirectURL,
		}, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	intent := paymentIntent{PaymentToken: in.PaymentToken}
	if in.Recurring {
		intent.Recurring = true
		intent.Period = string(in.Period)
	}
	details, _ := json.Marshal(intent)

	tx := models.Transaction{
		OrganizationID:        in.OrganizationID,
		FundraiserID:          in.FundraiserID,
		ProjectID:             in.ProjectID,
		ProjectStageID:        in.ProjectStageID,
		PaymentMethodConfigID: &cfg.ID,
		TransactionID:         txID,
		Amount:                in.Amount,
		Currency:              in.Currency,
		FeeAmount:             cfg.Fee(in.Amount),
		Status:                models.TransactionStatusPending,
		PaymentMethodSlug:     cfg.Slug,
		PaymentDetails:        details,
		SuccessURL:            in.SuccessURL,
		FailureURL:            in.FailureURL,
		SubscriptionKey:       in.SubscriptionKey,
	}
	if err := s.db.Create(&tx).Error; err != nil {
		// Unique index on transaction_id catches a concurrent retry; the
		// loser returns the winner's row.
		if existing, ferr := s.byTransactionID(txID); ferr == nil {
			return &ChargeOutput{
				TransactionID: existing.TransactionID,
				Status:        existing.Status,
				PaymentURL:    existing.RedirectURL,
			}, nil
		}
		return nil, err
	}

	s.createDonation(&tx, in.Donor)
	s.logEvent(&tx, "transaction.created", models.EventLogLevelInfo,
		fmt.Sprintf("charge created via %s for %d %s", cfg.Slug, in.Amount, in.Currency),
		map[string]interface{}{"recurring": in.Recurring},
		in.IPAddress, in.UserAgent)

	// Partner routing is purely additive: an active sub-merchant gets its
	// payout account merged into the gateway settings.
	if s.partners != nil {
		for k, v := range s.partners.RoutingSettings(in.OrganizationID) {
			settings[k] = v
		}
	}

	chargeReq := gateway.ChargeRequest{
		TransactionID: txID,
		Amount:        in.Amount,
		Currency:      in.Currency,
		Description:   fmt.Sprintf("Donation %s", txID),
		CustomerEmail: in.Donor.Email,
		CustomerPhone: in.Donor.Phone,
		ReturnURL:     in.ReturnURL,
		SaveMethod:    in.Recurring,
		PaymentToken:  in.PaymentToken,
		Settings:      settings,
		Metadata:      map[string]string{"transaction_id": txID},
	}

	// Detach from the caller: money movement runs to completion even if
	// the client goes away.
	gwCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.gatewayTimeout)
	defer cancel()

	result, err := gw.Charge(gwCtx, chargeReq)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrGatewayRejected):
			s.logEvent(&tx, "gateway.rejected", models.EventLogLevelWarning, err.Error(), nil, "", "")
			s.ApplyStatus(&tx, models.TransactionStatusFailed, nil, "")
			return &ChargeOutput{TransactionID: txID, Status: models.TransactionStatusFailed}, err
		default:
			// Transient: the gateway may still complete the charge, never
			// mark failed on a timeout. The webhook or sweep resolves it.
			s.logEvent(&tx, "gateway.unavailable", models.EventLogLevelWarning, err.Error(), nil, "", "")
			return &ChargeOutput{TransactionID: txID, Status: models.TransactionStatusPending}, err
		}
	}

	updates := map[string]interface{}{
		"external_id":      result.ExternalID,
		"redirect_url":     result.RedirectURL,
		"gateway_response": result.Raw,
	}
	if err := s.db.Model(&models.Transaction{}).Where("transaction_id = ?", txID).Updates(updates).Error; err != nil {
		return nil, err
	}
	s.logEvent(&tx, "gateway.accepted", models.EventLogLevelInfo,
		fmt.Sprintf("gateway assigned external id %s", result.ExternalID), nil, "", "")

	return &ChargeOutput{
		TransactionID: txID,
		Status:        models.TransactionStatusPending,
		PaymentURL:    result.RedirectURL,
		QRPayload:     result.QRPayload,
	}, nil
}

func (s *TransactionService) byTransactionID(txID string) (*models.Transaction, error) {
	var tx models.Transaction
	if err := s.db.Where("transaction_id = ?", txID).First(&tx).Error; err != nil {
		return nil, err
	}
	return &tx, nil
}

// Get returns a transaction by its externally visible id
func (s *TransactionService) Get(txID string) (*models.Transaction, error) {
	return s.byTransactionID(txID)
}

// FindByExternalID looks a transaction up by the gateway-assigned id
func (s *TransactionService) FindByExternalID(externalID string) (*models.Transaction, error) {
	var tx models.Transaction
	if err := s.db.Where("external_id = ?", externalID).First(&tx).Error; err != nil {
		return nil, err
	}
	return &tx, nil
}

// ApplyStatus drives a transaction to a new status. It is idempotent: an
// already-applied target is a benign no-op, and a conflicting terminal
// state is logged as an anomaly but never overwritten. Returns whether
// this call applied the transition.
func (s *TransactionService) ApplyStatus(tx *models.Transaction, target models.TransactionStatus, payload json.RawMessage, paymentToken string) (bool, error) {
	if tx.Status == target {
		return false, nil
	}

	preds := target.AllowedPredecessors()
	if preds == nil {
		return false, fmt.Errorf("no transition into status %q", target)
	}

	now := time.Now()
	updates := map[string]interface{}{"status": target}
	switch target {
	case models.TransactionStatusCompleted:
		updates["paid_at"] = &now
	case models.TransactionStatusFailed:
		updates["failed_at"] = &now
	case models.TransactionStatusRefunded:
		updates["refunded_at"] = &now
	}
	if payload != nil {
		updates["webhook_payload"] = payload
	}
	if paymentToken != "" {
		intent := s.intentOf(tx)
		intent.PaymentToken = paymentToken
		details, _ := json.Marshal(intent)
		updates["payment_details"] = details
	}

	res := s.db.Model(&models.Transaction{}).
		Where("transaction_id = ? AND status IN ?", tx.TransactionID, preds).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}

	if res.RowsAffected == 0 {
		// Lost a race or terminal conflict; re-read to tell them apart.
		current, err := s.byTransactionID(tx.TransactionID)
		if err != nil {
			return false, err
		}
		tx.Status = current.Status
		if current.Status == target {
			return false, nil // concurrent delivery already applied it
		}
		if current.Status.IsTerminal() {
			s.logEvent(tx, "status.conflict", models.EventLogLevelError,
				fmt.Sprintf("refused transition %s -> %s: terminal state never regresses", current.Status, target),
				map[string]interface{}{"attempted": string(target)}, "", "")
			log.Printf("[transactions] anomaly: %s already %s, refused %s", tx.TransactionID, current.Status, target)
			return false, nil
		}
		// Non-terminal mismatch (e.g. awaiting arrived after completed was
		// attempted from pending); treat as benign.
		return false, nil
	}

	fresh, err := s.byTransactionID(tx.TransactionID)
	if err != nil {
		return true, err
	}
	*tx = *fresh

	s.logEvent(tx, "status."+string(target), models.EventLogLevelInfo,
		fmt.Sprintf("transaction moved to %s", target), nil, "", "")

	if target.IsTerminal() {
		s.syncDonation(tx)
		for _, hook := range s.terminalHooks {
			hook(tx)
		}
	}
	return true, nil
}

// Refund overlays the refunded status on a completed transaction. Partial
// refunds are not modeled; see DESIGN.md.
func (s *TransactionService) Refund(txID string) error {
	tx, err := s.byTransactionID(txID)
	if err != nil {
		return err
	}
	applied, err := s.ApplyStatus(tx, models.TransactionStatusRefunded, nil, "")
	if err != nil {
		return err
	}
	if !applied && tx.Status != models.TransactionStatusRefunded {
		return fmt.Errorf("refund only permitted from completed, transaction is %s", tx.Status)
	}
	return nil
}

// Intent reads the payment details blob back out of a transaction
func (s *TransactionService) intentOf(tx *models.Transaction) paymentIntent {
	var intent paymentIntent
	if len(tx.PaymentDetails) > 0 {
		_ = json.Unmarshal(tx.PaymentDetails, &intent)
	}
	return intent
}

// RecurringIntent reports whether the transaction was created with
// recurring intent, along with its period and stored reusable token.
func (s *TransactionService) RecurringIntent(tx *models.Transaction) (recurring bool, period models.SubscriptionPeriod, token string) {
	intent := s.intentOf(tx)
	return intent.Recurring, models.SubscriptionPeriod(intent.Period), intent.PaymentToken
}

func (s *TransactionService) createDonation(tx *models.Transaction, donor DonorInfo) {
	// Scheduler-driven charges have no donor-facing projection
	if tx.SubscriptionKey != "" && donor.Name == "" && donor.Email == "" {
		return
	}
	donation := models.Donation{
		OrganizationID: tx.OrganizationID,
		FundraiserID:   tx.FundraiserID,
		TransactionID:  tx.TransactionID,
		DonorName:      donor.Name,
		DonorEmail:     donor.Email,
		DonorPhone:     donor.Phone,
		IsAnonymous:    donor.Anonymous,
		Message:        donor.Message,
		WantsReceipt:   donor.WantsReceipt,
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		Status:         models.DonationStatusPending,
	}
	if err := s.db.Create(&donation).Error; err != nil {
		log.Printf("[transactions] failed to create donation for %s: %v", tx.TransactionID, err)
	}
}

// syncDonation keeps the public projection a deterministic function of the
// transaction status and amount.
func (s *TransactionService) syncDonation(tx *models.Transaction) {
	err := s.db.Model(&models.Donation{}).
		Where("transaction_id = ?", tx.TransactionID).
		Updates(map[string]interface{}{
			"status": models.ProjectDonationStatus(tx.Status),
			"amount": tx.Amount,
		}).Error
	if err != nil {
		log.Printf("[transactions] failed to sync donation for %s: %v", tx.TransactionID, err)
	}
}

func (s *TransactionService) logEvent(tx *models.Transaction, action string, level models.EventLogLevel, message string, ctx map[string]interface{}, ip, ua string) {
	entry := models.TransactionEventLog{
		TransactionID: tx.TransactionID,
		Action:        action,
		Level:         level,
		Message:       message,
		Context:       ctx,
		IPAddress:     ip,
		UserAgent:     ua,
	}
	if err := s.db.Create(&entry).Error; err != nil {
		log.Printf("[transactions] failed to write event log %s for %s: %v", action, tx.TransactionID, err)
	}
}
