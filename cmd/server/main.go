package main

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"donorhub_echo/internal/gateway"
	"donorhub_echo/internal/handlers"
	appMiddleware "donorhub_echo/internal/middleware"
	"donorhub_echo/internal/services"
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
	if err := services.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	// Redis is optional; without it config lookups hit the database and
	// the sweep runs unlocked.
	var cache *services.RedisCache
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cache, err = services.NewRedisCache(redisURL)
		if err != nil {
			log.Printf("Warning: Redis initialization failed: %v", err)
			cache = nil
		}
	}

	// Gateways and services
	registry := gateway.NewRegistryFromEnv()

	partners := services.NewPartnerService(db, registry)
	transactions := services.NewTransactionService(db, registry, cache, partners, gatewayTimeout())
	webhooks := services.NewWebhookService(db, registry, transactions, cache, orphanMinAge(), envInt("WEBHOOK_MAX_ATTEMPTS", 10))
	subscriptions := services.NewSubscriptionService(db, transactions, envInt("SUBSCRIPTION_FAILURE_THRESHOLD", 3))

	// Create Echo instance
	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = appMiddleware.CustomErrorHandler

	// Initialize handlers
	paymentHandler := handlers.NewPaymentHandler(transactions)
	webhookHandler := handlers.NewWebhookHandler(webhooks, partners)
	opsHandler := handlers.NewOpsHandler(db, registry, webhooks, subscriptions, partners, transactions)

	// Donation form API
	e.POST("/api/payments", paymentHandler.CreatePayment)
	e.GET("/api/payments/:transaction_id", paymentHandler.GetPayment)

	// Gateway callbacks
	e.POST("/webhooks/:provider", webhookHandler.HandleGatewayWebhook)
	e.POST("/webhooks/partner/:provider", webhookHandler.HandlePartnerWebhook)

	// Reconciliation and administration, shared-secret protected
	ops := e.Group("/ops")
	ops.Use(appMiddleware.RequireOpsSecret(os.Getenv("OPS_SECRET")))
	ops.POST("/sweep", opsHandler.RunSweep)
	ops.POST("/subscriptions/charge", opsHandler.ChargeSubscriptions)
	ops.POST("/subscriptions/:id/pause", opsHandler.PauseSubscription)
	ops.POST("/subscriptions/:id/resume", opsHandler.ResumeSubscription)
	ops.POST("/subscriptions/:id/cancel", opsHandler.CancelSubscription)
	ops.POST("/transactions/:transaction_id/refund", opsHandler.RefundTransaction)
	ops.GET("/methods", opsHandler.ListMethods)
	ops.POST("/methods", opsHandler.CreateMethod)
	ops.POST("/methods/:slug/deactivate", opsHandler.DeactivateMethod)
	ops.POST("/merchants", opsHandler.CreateMerchant)
	ops.POST("/merchants/:id/status", opsHandler.TransitionMerchant)

	// Start server
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Server starting on port %s", port)
	e.Logger.Fatal(e.Start(":" + port))
}

func gatewayTimeout() time.Duration {
	return time.Duration(envInt("GATEWAY_TIMEOUT_SECONDS", 30)) * time.Second
}

func orphanMinAge() time.Duration {
	return time.Duration(envInt("WEBHOOK_ORPHAN_MIN_AGE_MINUTES", 5)) * time.Minute
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
