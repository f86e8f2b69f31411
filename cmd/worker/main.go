package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/gorm"

	"donorhub_echo/internal/gateway"
	"donorhub_echo/internal/models"
	"donorhub_echo/internal/services"
	"donorhub_echo/internal/tasks"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	// Initialize Database
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL not set")
	}

	db, err := services.InitDB(databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	var cache *services.RedisCache
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cache, err = services.NewRedisCache(redisURL)
		if err != nil {
			log.Printf("Warning: Redis initialization failed: %v", err)
			cache = nil
		}
	}

	registry := gateway.NewRegistryFromEnv()
	partners := services.NewPartnerService(db, registry)
	transactions := services.NewTransactionService(db, registry, cache, partners,
		time.Duration(envInt("GATEWAY_TIMEOUT_SECONDS", 30))*time.Second)
	webhooks := services.NewWebhookService(db, registry, transactions, cache,
		time.Duration(envInt("WEBHOOK_ORPHAN_MIN_AGE_MINUTES", 5))*time.Minute,
		envInt("WEBHOOK_MAX_ATTEMPTS", 10))
	subscriptions := services.NewSubscriptionService(db, transactions, envInt("SUBSCRIPTION_FAILURE_THRESHOLD", 3))

	// Initialize Task Registry
	tasks.DefineTasks(tasks.Deps{
		Webhooks:      webhooks,
		Subscriptions: subscriptions,
	})
	tasks.EnsureDefaults(db)

	log.Println("Worker started. Waiting for next tick...")

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Println("Shutting down worker...")
		cancel()
	}()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	// Run once on start, then tick
	processScheduledTasks(ctx, db)

	for {
		select {
		case <-ticker.C:
			processScheduledTasks(ctx, db)
		case <-ctx.Done():
			return
		}
	}
}

func processScheduledTasks(ctx context.Context, db *gorm.DB) {
	log.Println("Checking for pending tasks...")

	var pendingTasks []models.ScheduledTask
	now := time.Now()
	if err := db.Where("status = ? AND due <= ?", models.ScheduledTaskStatusActive, now).Find(&pendingTasks).Error; err != nil {
		log.Printf("Error fetching pending tasks: %v", err)
		return
	}

	if len(pendingTasks) == 0 {
		log.Println("No pending tasks found.")
		return
	}

	log.Printf("Found %d pending tasks.", len(pendingTasks))

	for _, task := range pendingTasks {
		if ctx.Err() != nil {
			return
		}
		executeTask(ctx, db, task, 1)
	}
}

func executeTask(ctx context.Context, db *gorm.DB, task models.ScheduledTask, curAttempt int) {
	log.Printf("Processing task: %s (ID: %d)", task.TaskName, task.ID)

	handler, found := tasks.GetHandler(task.TaskName)
	if !found {
		log.Printf("Task handler not found for: %s. Marking as failure.", task.TaskName)

		now := time.Now()
		db.Model(&task).Updates(map[string]interface{}{
			"status":   models.ScheduledTaskStatusFailure,
			"last_run": &now,
		})

		history := models.ScheduledTaskHistory{
			ScheduledTaskID: task.ID,
			TaskName:        task.TaskName,
			RunAt:           now,
			Status:          "handler_not_found",
			AttemptNumber:   curAttempt,
			Arguments:       task.Arguments,
			Result:          map[string]interface{}{"error": "Handler not found"},
		}
		db.Create(&history)
		return
	}

	// Execute task
	startTime := time.Now()
	result, err := handler(ctx, db, task)
	runtimeMs := int(time.Since(startTime).Milliseconds())

	status := "success"
	var resultData map[string]interface{}
	if err != nil {
		status = "failure"
		resultData = map[string]interface{}{"error": err.Error()}
		log.Printf("Task %s failed: %v", task.TaskName, err)
	} else {
		resultData = result
		log.Printf("Task %s completed successfully.", task.TaskName)
	}

	history := models.ScheduledTaskHistory{
		ScheduledTaskID: task.ID,
		TaskName:        task.TaskName,
		RunAt:           startTime,
		Runtime:         runtimeMs,
		Status:          status,
		AttemptNumber:   curAttempt,
		Arguments:       task.Arguments,
		Result:          resultData,
	}
	db.Create(&history)

	// Update ScheduledTask
	taskUpdates := map[string]interface{}{
		"last_run": &startTime,
	}

	if status != "success" {
		if curAttempt < task.MaxAttempt {
			executeTask(ctx, db, task, curAttempt+1)
			return
		}
		taskUpdates["status"] = models.ScheduledTaskStatusFailure
	} else {
		switch task.TaskType {
		case models.ScheduledTaskTypeOneTime:
			taskUpdates["status"] = models.ScheduledTaskStatusDone
		case models.ScheduledTaskTypeRecurring:
			nextDue := task.NextDue()
			// only advance when the next due is in the future, so a stale
			// rule cannot make the task run in a tight loop
			if nextDue.After(task.Due) {
				taskUpdates["status"] = models.ScheduledTaskStatusActive
				taskUpdates["due"] = nextDue
			} else {
				taskUpdates["status"] = models.ScheduledTaskStatusDone
			}
		}
	}

	db.Model(&task).Updates(taskUpdates)
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
