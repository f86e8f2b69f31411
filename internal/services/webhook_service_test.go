package services

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"donorhub_echo/internal/gateway"
	"donorhub_echo/internal/models"
)

func TestWebhookResolvesPendingCharge(t *testing.T) {
	env := newTestEnv(t)

	// Gateway was down during the synchronous call: no external id recorded
	env.gw.chargeErr = gateway.ErrGatewayUnavailable
	out, err := env.transactions.CreateCharge(context.Background(), baseCharge("sbp"))
	require.ErrorIs(t, err, gateway.ErrGatewayUnavailable)

	// The charge went through gateway-side; the webhook reports success
	payload := notifyJSON(t, fakeNotification{
		DedupKey:      "evt-1",
		EventType:     "payment.succeeded",
		ObjectID:      "ext-42",
		TransactionID: out.TransactionID,
		Status:        string(models.TransactionStatusCompleted),
	})
	require.NoError(t, env.webhooks.Handle("fake", payload, nil))

	tx, err := env.transactions.Get(out.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCompleted, tx.Status)
	assert.NotNil(t, tx.PaidAt)

	var donation models.Donation
	require.NoError(t, env.db.Where("transaction_id = ?", out.TransactionID).First(&donation).Error)
	assert.Equal(t, models.DonationStatusCompleted, donation.Status)

	var event models.WebhookEvent
	require.NoError(t, env.db.Where("dedup_key = ?", "evt-1").First(&event).Error)
	assert.Equal(t, models.WebhookStatusProcessed, event.ProcessingStatus)
	assert.NotNil(t, event.ProcessedAt)
}

func TestWebhookResolvesByExternalID(t *testing.T) {
	env := newTestEnv(t)

	// Normal flow: the gateway accepted the charge and assigned ext-1
	out, err := env.transactions.CreateCharge(context.Background(), baseCharge("sbp"))
	require.NoError(t, err)

	// The notification carries only the gateway-side object id
	payload := notifyJSON(t, fakeNotification{
		DedupKey:  "evt-ext",
		EventType: "payment.succeeded",
		ObjectID:  "ext-1",
		Status:    string(models.TransactionStatusCompleted),
	})
	require.NoError(t, env.webhooks.Handle("fake", payload, nil))

	tx, err := env.transactions.Get(out.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCompleted, tx.Status)
}

func TestWebhookOrphanStoredNotFailed(t *testing.T) {
	env := newTestEnv(t)

	payload := notifyJSON(t, fakeNotification{
		DedupKey:  "evt-orphan",
		EventType: "payment.succeeded",
		ObjectID:  "ext-999",
		Status:    string(models.TransactionStatusCompleted),
	})

	// Unknown object id is not an error: the gateway may outrun our commit
	require.NoError(t, env.webhooks.Handle("fake", payload, nil))

	var event models.WebhookEvent
	require.NoError(t, env.db.Where("dedup_key = ?", "evt-orphan").First(&event).Error)
	assert.Equal(t, models.WebhookStatusPending, event.ProcessingStatus)
	assert.Contains(t, event.ProcessingError, "orphan")

	var count int64
	env.db.Model(&models.Transaction{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestWebhookDuplicateDeliveryIsNoOp(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.transactions.CreateCharge(context.Background(), baseCharge("sbp"))
	require.NoError(t, err)

	payload := notifyJSON(t, fakeNotification{
		DedupKey:      "evt-dup",
		EventType:     "payment.succeeded",
		ObjectID:      "ext-1",
		TransactionID: out.TransactionID,
		Status:        string(models.TransactionStatusCompleted),
	})

	require.NoError(t, env.webhooks.Handle("fake", payload, nil))
	require.NoError(t, env.webhooks.Handle("fake", payload, nil))
	require.NoError(t, env.webhooks.Handle("fake", payload, nil))

	// Exactly one completion in the audit trail
	var completions int64
	env.db.Model(&models.TransactionEventLog{}).
		Where("transaction_id = ? AND action = ?", out.TransactionID, "status.completed").
		Count(&completions)
	assert.Equal(t, int64(1), completions)

	// Exactly one stored event row for the dedup key
	var events int64
	env.db.Model(&models.WebhookEvent{}).Where("dedup_key = ?", "evt-dup").Count(&events)
	assert.Equal(t, int64(1), events)
}

func TestWebhookSignatureRejectedBeforeStorage(t *testing.T) {
	env := newTestEnv(t)
	env.gw.rejectUnsigned = true

	payload := notifyJSON(t, fakeNotification{
		DedupKey:  "evt-forged",
		EventType: "payment.succeeded",
		ObjectID:  "ext-1",
		Status:    string(models.TransactionStatusCompleted),
	})

	err := env.webhooks.Handle("fake", payload, nil)
	assert.ErrorIs(t, err, gateway.ErrSignatureInvalid)

	// Nothing persisted for an unauthenticated delivery
	var count int64
	env.db.Model(&models.WebhookEvent{}).Count(&count)
	assert.Equal(t, int64(0), count)

	// The same payload with a valid signature goes through
	headers := http.Header{}
	headers.Set("X-Test-Signature", "valid")
	require.NoError(t, env.webhooks.Handle("fake", payload, headers))
}

func TestWebhookUnknownProvider(t *testing.T) {
	env := newTestEnv(t)
	err := env.webhooks.Handle("ghost", []byte(`{}`), nil)
	assert.ErrorIs(t, err, gateway.ErrUnknownMethod)
}

func TestWebhookUnparseableBodyStoredForReview(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.webhooks.Handle("fake", []byte(`{"unexpected":true}`), nil))

	var event models.WebhookEvent
	require.NoError(t, env.db.First(&event).Error)
	assert.Equal(t, models.WebhookStatusFailed, event.ProcessingStatus)
	assert.NotEmpty(t, event.ProcessingError)
}

func TestSweepResolvesOrphans(t *testing.T) {
	env := newTestEnv(t)

	// Webhook arrives before the charge is committed
	payload := notifyJSON(t, fakeNotification{
		DedupKey:  "evt-early",
		EventType: "payment.succeeded",
		ObjectID:  "ext-1",
		Status:    string(models.TransactionStatusCompleted),
	})
	require.NoError(t, env.webhooks.Handle("fake", payload, nil))

	// A sweep before the charge lands re-attempts the event but resolves
	// nothing; the count must not report the still-orphaned attempt.
	resolved, err := env.webhooks.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, resolved)

	// Now the charge lands, with ext-1 as the gateway-assigned id
	out, err := env.transactions.CreateCharge(context.Background(), baseCharge("sbp"))
	require.NoError(t, err)

	resolved, err = env.webhooks.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	tx, err := env.transactions.Get(out.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCompleted, tx.Status)

	var event models.WebhookEvent
	require.NoError(t, env.db.Where("dedup_key = ?", "evt-early").First(&event).Error)
	assert.Equal(t, models.WebhookStatusProcessed, event.ProcessingStatus)
}

func TestSweepGivesUpAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t)

	payload := notifyJSON(t, fakeNotification{
		DedupKey:  "evt-stuck",
		EventType: "payment.succeeded",
		ObjectID:  "ext-never",
		Status:    string(models.TransactionStatusCompleted),
	})
	require.NoError(t, env.webhooks.Handle("fake", payload, nil))

	for i := 0; i < 10; i++ {
		resolved, err := env.webhooks.Sweep(context.Background())
		require.NoError(t, err)
		assert.Zero(t, resolved)
	}

	var event models.WebhookEvent
	require.NoError(t, env.db.Where("dedup_key = ?", "evt-stuck").First(&event).Error)
	assert.LessOrEqual(t, event.Attempts, 5, "sweep must stop retrying at the attempt cap")
}

func TestOutOfOrderEventsOrderedByStateMachine(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.transactions.CreateCharge(context.Background(), baseCharge("sbp"))
	require.NoError(t, err)

	// "captured" lands before "authorized"
	succeeded := notifyJSON(t, fakeNotification{
		DedupKey:      "evt-2",
		EventType:     "payment.succeeded",
		ObjectID:      "ext-1",
		TransactionID: out.TransactionID,
		Status:        string(models.TransactionStatusCompleted),
	})
	authorized := notifyJSON(t, fakeNotification{
		DedupKey:      "evt-1",
		EventType:     "payment.waiting_for_capture",
		ObjectID:      "ext-1",
		TransactionID: out.TransactionID,
		Status:        string(models.TransactionStatusAwaiting),
	})

	require.NoError(t, env.webhooks.Handle("fake", succeeded, nil))
	require.NoError(t, env.webhooks.Handle("fake", authorized, nil))

	// The stale authorization cannot drag the transaction backwards
	tx, err := env.transactions.Get(out.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCompleted, tx.Status)
}
