package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"gorm.io/gorm"

	"donorhub_echo/internal/gateway"
	"donorhub_echo/internal/models"
)

const sweepLockKey = "webhooks:sweep:lock"

// WebhookService ingests gateway notifications with exactly-once effect
// despite at-least-once delivery: verify, store, dedupe, apply, mark.
type WebhookService struct {
	db           *gorm.DB
	registry     *gateway.Registry
	transactions *TransactionService
	cache        *RedisCache

	orphanMinAge time.Duration
	maxAttempts  int
}

func NewWebhookService(db *gorm.DB, registry *gateway.Registry, transactions *TransactionService, cache *RedisCache, orphanMinAge time.Duration, maxAttempts int) *WebhookService {
	return &WebhookService{
		db:           db,
		registry:     registry,
		transactions: transactions,
		cache:        cache,
		orphanMinAge: orphanMinAge,
		maxAttempts:  maxAttempts,
	}
}

// Handle processes one incoming webhook delivery. Once the event is stored
// the caller must answer 200 to the gateway regardless of processing
// outcome; only a signature failure (rejected before storage) maps to 401.
func (s *WebhookService) Handle(provider string, raw []byte, headers http.Header) error {
	gw, ok := s.registry.Get(provider)
	if !ok {
		return fmt.Errorf("%w: provider %q", gateway.ErrUnknownMethod, provider)
	}

	// Reject unauthenticated deliveries before persisting anything, so a
	// flood of forged calls cannot amplify into writes.
	if !gw.VerifySignature(raw, headers) {
		return gateway.ErrSignatureInvalid
	}

	notif, parseErr := gw.ParseWebhook(raw, headers)
	if parseErr != nil {
		// Still durably record the delivery; an unparseable body gets a
		// content-hash dedup key and a failed status for manual review.
		sum := sha256.Sum256(raw)
		event := &models.WebhookEvent{
			Provider:         provider,
			DedupKey:         "sha256:" + hex.EncodeToString(sum[:]),
			Payload:          raw,
			ProcessingStatus: models.WebhookStatusFailed,
			ProcessingError:  parseErr.Error(),
			Attempts:         1,
		}
		if err := s.db.Create(event).Error; err != nil && !isDuplicateKey(err) {
			return err
		}
		return nil
	}

	event, fresh, err := s.storeEvent(provider, &notif)
	if err != nil {
		return err
	}
	if !fresh {
		// Idempotency short-circuit: same delivery already fully applied
		return nil
	}

	s.process(event, &notif)
	return nil
}

// storeEvent is the durability boundary: the row exists before any business
// mutation, so a crash mid-processing leaves a replayable record. Returns
// fresh=false when the dedup key has already been processed.
func (s *WebhookService) storeEvent(provider string, notif *gateway.Notification) (*models.WebhookEvent, bool, error) {
	event := &models.WebhookEvent{
		Provider:         provider,
		DedupKey:         notif.DedupKey,
		EventType:        notif.EventType,
		ObjectType:       notif.ObjectType,
		ObjectID:         notif.ObjectID,
		Payload:          notif.Raw,
		ProcessingStatus: models.WebhookStatusPending,
	}

	if err := s.db.Create(event).Error; err != nil {
		if !isDuplicateKey(err) {
			return nil, false, err
		}
		// Redelivery: the unique (provider, dedup_key) index kept the
		// original row. Only replay it if it never finished.
		var existing models.WebhookEvent
		if ferr := s.db.Where("provider = ? AND dedup_key = ?", provider, notif.DedupKey).First(&existing).Error; ferr != nil {
			return nil, false, ferr
		}
		if existing.ProcessingStatus == models.WebhookStatusProcessed {
			return &existing, false, nil
		}
		return &existing, true, nil
	}
	return event, true, nil
}

// process resolves the target transaction and applies the status change.
// Processing failures are recorded on the event, never propagated to the
// gateway response. Returns true when the event reached processed.
func (s *WebhookService) process(event *models.WebhookEvent, notif *gateway.Notification) bool {
	tx, err := s.resolveTransaction(notif)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// The gateway can deliver before our synchronous charge call
			// commits; keep the event pending for the sweep to retry.
			log.Printf("[webhooks] orphan event %s/%s: no transaction for object %s", event.Provider, event.DedupKey, notif.ObjectID)
			s.touchEvent(event, models.WebhookStatusPending, "orphan: transaction not found")
			return false
		}
		s.touchEvent(event, models.WebhookStatusFailed, err.Error())
		return false
	}

	if _, err := s.transactions.ApplyStatus(tx, notif.Status, notif.Raw, notif.PaymentToken); err != nil {
		s.touchEvent(event, models.WebhookStatusFailed, err.Error())
		return false
	}
	s.touchEvent(event, models.WebhookStatusProcessed, "")
	return true
}

func (s *WebhookService) resolveTransaction(notif *gateway.Notification) (*models.Transaction, error) {
	if notif.TransactionID != "" {
		if tx, err := s.transactions.Get(notif.TransactionID); err == nil {
			return tx, nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return s.transactions.FindByExternalID(notif.ObjectID)
}

func (s *WebhookService) touchEvent(event *models.WebhookEvent, status models.WebhookProcessingStatus, procErr string) {
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
		log.Printf("[webhooks] failed to update event %d: %v", event.ID, err)
	}
}

// Sweep replays unprocessed events older than the orphan age and returns
// how many reached processed; events that stay orphaned or fail again are
// not counted. Safe to run repeatedly and concurrently: a redis lock keeps
// parallel sweeps apart and the state machine makes replays no-ops anyway.
func (s *WebhookService) Sweep(ctx context.Context) (int, error) {
	if s.cache != nil {
		got, err := s.cache.SetNX(ctx, sweepLockKey, time.Now().Unix(), 5*time.Minute)
		if err == nil && !got {
			return 0, nil
		}
		defer s.cache.Delete(ctx, sweepLockKey)
	}

	cutoff := time.Now().Add(-s.orphanMinAge)
	var events []models.WebhookEvent
	err := s.db.
		Where("processing_status IN ? AND created_at < ? AND attempts < ?",
			[]models.WebhookProcessingStatus{models.WebhookStatusPending, models.WebhookStatusFailed},
			cutoff, s.maxAttempts).
		Order("created_at asc").
		Limit(200).
		Find(&events).Error
	if err != nil {
		return 0, err
	}

	resolved := 0
	for i := range events {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		event := &events[i]

		gw, ok := s.registry.Get(event.Provider)
		if !ok {
			s.touchEvent(event, models.WebhookStatusFailed, "provider no longer registered")
			continue
		}
		notif, err := gw.ParseWebhook(event.Payload, nil)
		if err != nil {
			s.touchEvent(event, models.WebhookStatusFailed, err.Error())
			continue
		}
		if s.process(event, &notif) {
			resolved++
		}
	}
	return resolved, nil
}

// isDuplicateKey detects a unique constraint violation across the drivers
// we run against (pgx in production, sqlite in tests).
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}
