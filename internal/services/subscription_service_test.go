package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"donorhub_echo/internal/gateway"
	"donorhub_echo/internal/models"
)

func seedSubscription(t *testing.T, env *testEnv, key string, status models.SubscriptionStatus, nextChargeAt time.Time) *models.AutopaymentSubscription {
	t.Helper()
	first := time.Now().AddDate(0, -1, 0)
	sub := models.AutopaymentSubscription{
		OrganizationID:    1,
		SubscriptionKey:   key,
		Title:             "Recurring donation sbp",
		Amount:            10000,
		Currency:          "RUB",
		Period:            models.SubscriptionPeriodDaily,
		PaymentMethodSlug: "sbp",
		Status:            status,
		FirstPaymentAt:    &first,
		NextChargeAt:      &nextChargeAt,
	}
	require.NoError(t, env.db.Create(&sub).Error)
	return &sub
}

func reloadSubscription(t *testing.T, env *testEnv, id uint) *models.AutopaymentSubscription {
	t.Helper()
	var sub models.AutopaymentSubscription
	require.NoError(t, env.db.First(&sub, id).Error)
	return &sub
}

func TestSubscriptionRegisteredFromRecurringCompletion(t *testing.T) {
	env := newTestEnv(t)

	in := baseCharge("sbp")
	in.Recurring = true
	in.Period = models.SubscriptionPeriodMonthly
	out, err := env.transactions.CreateCharge(context.Background(), in)
	require.NoError(t, err)

	// The gateway reports success and hands back the reusable credential
	payload := notifyJSON(t, fakeNotification{
		DedupKey:      "evt-1",
		EventType:     "payment.succeeded",
		ObjectID:      "ext-1",
		TransactionID: out.TransactionID,
		Status:        string(models.TransactionStatusCompleted),
		PaymentToken:  "tok-777",
	})
	require.NoError(t, env.webhooks.Handle("fake", payload, nil))

	var sub models.AutopaymentSubscription
	require.NoError(t, env.db.Where("subscription_key = ?", "tok-777").First(&sub).Error)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, uint(1), sub.OrganizationID)
	assert.Equal(t, int64(10000), sub.Amount)
	assert.Equal(t, models.SubscriptionPeriodMonthly, sub.Period)
	assert.Equal(t, 1, sub.ChargeCount)
	require.NotNil(t, sub.NextChargeAt)
	assert.True(t, sub.NextChargeAt.After(time.Now()))
}

func TestCompletionWithoutTokenRegistersNothing(t *testing.T) {
	env := newTestEnv(t)

	in := baseCharge("sbp")
	in.Recurring = true
	out, err := env.transactions.CreateCharge(context.Background(), in)
	require.NoError(t, err)

	// No payment_token in the notification: nothing to charge later with
	payload := notifyJSON(t, fakeNotification{
		DedupKey:      "evt-1",
		EventType:     "payment.succeeded",
		ObjectID:      "ext-1",
		TransactionID: out.TransactionID,
		Status:        string(models.TransactionStatusCompleted),
	})
	require.NoError(t, env.webhooks.Handle("fake", payload, nil))

	var count int64
	env.db.Model(&models.AutopaymentSubscription{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestScheduledChargeReusesStoredToken(t *testing.T) {
	env := newTestEnv(t)
	sub := seedSubscription(t, env, "tok-1", models.SubscriptionStatusActive, time.Now().Add(-time.Hour))

	charged, err := env.subscriptions.ChargeDue(context.Background(), models.SubscriptionPeriodDaily)
	require.NoError(t, err)
	assert.Equal(t, 1, charged)

	req := env.gw.last()
	assert.Equal(t, "tok-1", req.PaymentToken)
	assert.Equal(t, int64(10000), req.Amount)

	var tx models.Transaction
	require.NoError(t, env.db.Where("subscription_key = ?", sub.SubscriptionKey).First(&tx).Error)
	assert.Equal(t, models.TransactionStatusPending, tx.Status)

	// Scheduler charges have no donor; no public projection is created
	var donations int64
	env.db.Model(&models.Donation{}).Count(&donations)
	assert.Equal(t, int64(0), donations)
}

func TestScheduledChargeIdempotentAcrossRuns(t *testing.T) {
	env := newTestEnv(t)
	seedSubscription(t, env, "tok-1", models.SubscriptionStatusActive, time.Now().Add(-time.Hour))

	// The scheduler fires twice before the completion webhook lands; the
	// due-date-derived idempotency key collapses both runs into one charge.
	for i := 0; i < 2; i++ {
		_, err := env.subscriptions.ChargeDue(context.Background(), models.SubscriptionPeriodDaily)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, env.gw.calls())
	var count int64
	env.db.Model(&models.Transaction{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestScheduledChargeSuccessAdvancesSchedule(t *testing.T) {
	env := newTestEnv(t)
	sub := seedSubscription(t, env, "tok-1", models.SubscriptionStatusActive, time.Now().Add(-time.Hour))

	_, err := env.subscriptions.ChargeDue(context.Background(), models.SubscriptionPeriodDaily)
	require.NoError(t, err)

	var tx models.Transaction
	require.NoError(t, env.db.Where("subscription_key = ?", sub.SubscriptionKey).First(&tx).Error)

	payload := notifyJSON(t, fakeNotification{
		DedupKey:      "evt-1",
		EventType:     "payment.succeeded",
		ObjectID:      "ext-1",
		TransactionID: tx.TransactionID,
		Status:        string(models.TransactionStatusCompleted),
	})
	require.NoError(t, env.webhooks.Handle("fake", payload, nil))

	got := reloadSubscription(t, env, sub.ID)
	assert.Equal(t, 0, got.FailureCount)
	assert.Equal(t, 1, got.ChargeCount)
	require.NotNil(t, got.NextChargeAt)
	assert.True(t, got.NextChargeAt.After(time.Now()))
}

func TestConsecutiveFailuresPauseSubscription(t *testing.T) {
	env := newTestEnv(t)
	sub := seedSubscription(t, env, "tok-1", models.SubscriptionStatusActive, time.Now().AddDate(0, 0, -3))
	env.gw.chargeErr = gateway.ErrGatewayRejected

	// Three consecutive due periods fail; distinct due dates keep the
	// idempotency keys distinct so each period really charges.
	for day := 3; day >= 1; day-- {
		due := time.Now().AddDate(0, 0, -day)
		require.NoError(t, env.db.Model(&models.AutopaymentSubscription{}).
			Where("id = ?", sub.ID).
			Updates(map[string]interface{}{
				"status":         models.SubscriptionStatusActive,
				"next_charge_at": &due,
			}).Error)

		_, err := env.subscriptions.ChargeDue(context.Background(), models.SubscriptionPeriodDaily)
		require.NoError(t, err)
	}

	got := reloadSubscription(t, env, sub.ID)
	assert.Equal(t, 3, got.FailureCount)
	assert.Equal(t, models.SubscriptionStatusPaused, got.Status)

	// Paused agreements are skipped even when nominally due
	callsBefore := env.gw.calls()
	due := time.Now().Add(-time.Hour)
	require.NoError(t, env.db.Model(&models.AutopaymentSubscription{}).
		Where("id = ?", sub.ID).Update("next_charge_at", &due).Error)
	_, err := env.subscriptions.ChargeDue(context.Background(), models.SubscriptionPeriodDaily)
	require.NoError(t, err)
	assert.Equal(t, callsBefore, env.gw.calls())
}

func TestSingleFailureOnlyDefersNextCharge(t *testing.T) {
	env := newTestEnv(t)
	sub := seedSubscription(t, env, "tok-1", models.SubscriptionStatusActive, time.Now().Add(-time.Hour))
	env.gw.chargeErr = gateway.ErrGatewayRejected

	_, err := env.subscriptions.ChargeDue(context.Background(), models.SubscriptionPeriodDaily)
	require.NoError(t, err)

	got := reloadSubscription(t, env, sub.ID)
	assert.Equal(t, 1, got.FailureCount)
	assert.Equal(t, models.SubscriptionStatusActive, got.Status)
	require.NotNil(t, got.NextChargeAt)
	assert.True(t, got.NextChargeAt.After(time.Now()), "a failed period retries next period")
}

func TestCancelledSubscriptionNeverResurrected(t *testing.T) {
	env := newTestEnv(t)
	sub := seedSubscription(t, env, "tok-1", models.SubscriptionStatusCancelled, time.Now().Add(-time.Hour))

	// A fresh recurring donation reusing the same credential must not
	// silently re-enable the cancelled agreement.
	in := baseCharge("sbp")
	in.Recurring = true
	out, err := env.transactions.CreateCharge(context.Background(), in)
	require.NoError(t, err)

	payload := notifyJSON(t, fakeNotification{
		DedupKey:      "evt-1",
		EventType:     "payment.succeeded",
		ObjectID:      "ext-1",
		TransactionID: out.TransactionID,
		Status:        string(models.TransactionStatusCompleted),
		PaymentToken:  "tok-1",
	})
	require.NoError(t, env.webhooks.Handle("fake", payload, nil))

	got := reloadSubscription(t, env, sub.ID)
	assert.Equal(t, models.SubscriptionStatusCancelled, got.Status)

	assert.ErrorIs(t, env.subscriptions.Resume(sub.ID), ErrSubscriptionTransition)
}

func TestSubscriptionLifecycleTransitions(t *testing.T) {
	env := newTestEnv(t)
	sub := seedSubscription(t, env, "tok-1", models.SubscriptionStatusActive, time.Now().Add(time.Hour))

	require.NoError(t, env.subscriptions.Pause(sub.ID))
	assert.Equal(t, models.SubscriptionStatusPaused, reloadSubscription(t, env, sub.ID).Status)

	// Resume clears the consecutive failure counter
	require.NoError(t, env.db.Model(&models.AutopaymentSubscription{}).
		Where("id = ?", sub.ID).Update("failure_count", 2).Error)
	require.NoError(t, env.subscriptions.Resume(sub.ID))
	got := reloadSubscription(t, env, sub.ID)
	assert.Equal(t, models.SubscriptionStatusActive, got.Status)
	assert.Equal(t, 0, got.FailureCount)

	require.NoError(t, env.subscriptions.Cancel(sub.ID))
	assert.ErrorIs(t, env.subscriptions.Pause(sub.ID), ErrSubscriptionTransition)
}
