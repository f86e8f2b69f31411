package tasks

import (
	"context"
	"fmt"
	"log"

	"gorm.io/gorm"

	"donorhub_echo/internal/models"
	"donorhub_echo/internal/services"
)

const (
	TaskReplayWebhookEvents    = "replay_webhook_events"
	TaskChargeDueSubscriptions = "charge_due_subscriptions"
)

// ReplayWebhookEventsHandler re-attempts unprocessed and orphaned webhook
// events. Safe to run on every tick: processed events are idempotent
// no-ops at both the ledger and state machine level.
func ReplayWebhookEventsHandler(webhooks *services.WebhookService) TaskHandler {
	return func(ctx context.Context, db *gorm.DB, task models.ScheduledTask) (map[string]interface{}, error) {
		resolved, err := webhooks.Sweep(ctx)
		if err != nil {
			return nil, fmt.Errorf("webhook sweep: %w", err)
		}
		log.Printf("[Task: %s] resolved %d events", TaskReplayWebhookEvents, resolved)
		return map[string]interface{}{
			"status":   "success",
			"resolved": resolved,
		}, nil
	}
}

// ChargeDueSubscriptionsHandler runs scheduled charges for every active
// subscription due in the period named by the task arguments.
func ChargeDueSubscriptionsHandler(subscriptions *services.SubscriptionService) TaskHandler {
	return func(ctx context.Context, db *gorm.DB, task models.ScheduledTask) (map[string]interface{}, error) {
		periodStr, ok := task.Arguments["period"].(string)
		if !ok || periodStr == "" {
			return nil, fmt.Errorf("period not provided")
		}
		period := models.SubscriptionPeriod(periodStr)

		charged, err := subscriptions.ChargeDue(ctx, period)
		if err != nil {
			return nil, fmt.Errorf("charge due subscriptions: %w", err)
		}
		log.Printf("[Task: %s] charged %d subscriptions for period %s", TaskChargeDueSubscriptions, charged, period)
		return map[string]interface{}{
			"status":  "success",
			"period":  periodStr,
			"charged": charged,
		}, nil
	}
}
