package tasks

import (
	"log"
	"time"

	"gorm.io/gorm"

	"donorhub_echo/internal/models"
	"donorhub_echo/internal/services"
)

// Deps are the services the payment tasks operate on
type Deps struct {
	Webhooks      *services.WebhookService
	Subscriptions *services.SubscriptionService
}

// DefineTasks registers all available tasks
func DefineTasks(deps Deps) {
	RegisterHandler(LogInfoTask.TaskID(), LogInfoTask.HandleExecution)
	RegisterHandler(TaskReplayWebhookEvents, ReplayWebhookEventsHandler(deps.Webhooks))
	RegisterHandler(TaskChargeDueSubscriptions, ChargeDueSubscriptionsHandler(deps.Subscriptions))
}

// defaultTasks are the recurring rows every deployment needs: the webhook
// replay sweep and one charge run per subscription period.
func defaultTasks() []*models.ScheduledTask {
	hourly := "FREQ=HOURLY"
	daily := "FREQ=DAILY"

	sweep, _ := BuildScheduledTask(TaskReplayWebhookEvents,
		map[string]interface{}{}, time.Now(), &hourly, models.ScheduledTaskTypeRecurring, 3)

	var all []*models.ScheduledTask
	all = append(all, sweep)
	for _, period := range []models.SubscriptionPeriod{
		models.SubscriptionPeriodDaily,
		models.SubscriptionPeriodWeekly,
		models.SubscriptionPeriodMonthly,
	} {
		t, _ := BuildScheduledTask(TaskChargeDueSubscriptions,
			map[string]interface{}{"period": string(period)},
			time.Now(), &daily, models.ScheduledTaskTypeRecurring, 3)
		all = append(all, t)
	}
	return all
}

// EnsureDefaults seeds the recurring payment tasks if they are missing
func EnsureDefaults(db *gorm.DB) {
	for _, t := range defaultTasks() {
		var existing []models.ScheduledTask
		if err := db.Where("task_name = ?", t.TaskName).Find(&existing).Error; err != nil {
			log.Printf("[tasks] failed to check default task %s: %v", t.TaskName, err)
			continue
		}
		found := false
		for _, e := range existing {
			if e.Arguments["period"] == t.Arguments["period"] {
				found = true
				break
			}
		}
		if found {
			continue
		}
		if err := db.Create(t).Error; err != nil {
			log.Printf("[tasks] failed to seed default task %s: %v", t.TaskName, err)
		} else {
			log.Printf("[tasks] seeded default task %s", t.TaskName)
		}
	}
}
