package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"donorhub_echo/internal/models"
	"donorhub_echo/internal/services"

	"github.com/joho/godotenv"
)

// schedule_task enqueues a one-off or recurring row for the worker, e.g. an
// ad-hoc webhook replay sweep or an extra subscription charge run.
func main() {
	taskName := flag.String("task_name", "", "task name (mandatory)")
	argsStr := flag.String("arguments", "{}", "JSON arguments for the task")
	dueStr := flag.String("due", "", "due date (mandatory, RFC3339 or '2006-01-02 15:04')")
	taskType := flag.String("tasktype", "onetime", "task type: onetime or recurring")
	recurring := flag.String("recurring", "", "RFC 5545 recurrence rule, e.g. FREQ=HOURLY")
	maxAttempt := flag.Int("max_attempt", 3, "max attempts")

	flag.Parse()

	if *taskName == "" || *dueStr == "" {
		fmt.Println("Usage: schedule_task -task_name <name> -due <YYYY-MM-DD HH:MM> [options]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	db, err := services.InitDB(dsn)
	if err != nil {
		log.Fatalf("Failed to connect DB: %v", err)
	}

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(*argsStr), &args); err != nil {
		log.Fatalf("Invalid JSON arguments: %v", err)
	}

	due, err := time.Parse(time.RFC3339, *dueStr)
	if err != nil {
		// Bare date-times are read in the operator's local timezone
		due, err = time.ParseInLocation("2006-01-02 15:04", *dueStr, time.Local)
		if err != nil {
			log.Fatalf("Invalid due date, use RFC3339 or '2006-01-02 15:04': %v", err)
		}
	}

	var recurringPtr *string
	if *recurring != "" {
		recurringPtr = recurring
	}

	task := models.ScheduledTask{
		TaskName:          *taskName,
		Arguments:         args,
		Due:               due,
		TaskType:          models.ScheduledTaskType(*taskType),
		RecurringInterval: recurringPtr,
		MaxAttempt:        *maxAttempt,
		Status:            models.ScheduledTaskStatusActive,
	}

	if err := db.Create(&task).Error; err != nil {
		log.Fatalf("Failed to create task: %v", err)
	}

	fmt.Printf("Created task %d: %s due %s (%s)\n", task.ID, task.TaskName, task.Due, task.TaskType)
}
