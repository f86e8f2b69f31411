package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"donorhub_echo/internal/gateway"
	"donorhub_echo/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// A pooled :memory: connection would open a second, empty database
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&models.PaymentMethodConfig{},
		&models.Transaction{},
		&models.Donation{},
		&models.TransactionEventLog{},
		&models.WebhookEvent{},
		&models.PartnerMerchant{},
		&models.PartnerPayout{},
		&models.AutopaymentSubscription{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// fakeNotification is the wire format the fake gateway accepts on its
// webhook path, mirroring what a real provider would deliver.
type fakeNotification struct {
	DedupKey      string `json:"dedup_key"`
	EventType     string `json:"event_type"`
	ObjectID      string `json:"object_id"`
	TransactionID string `json:"transaction_id,omitempty"`
	Status        string `json:"status"`
	PaymentToken  string `json:"payment_token,omitempty"`
}

// fakeGateway is a scriptable Gateway implementation for service tests
type fakeGateway struct {
	mu sync.Mutex

	name       string
	chargeErr  error
	nextResult gateway.ChargeResult

	chargeCalls    int
	lastRequest    gateway.ChargeRequest
	rejectUnsigned bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		name: "fake",
		nextResult: gateway.ChargeResult{
			ExternalID:  "ext-1",
			Status:      "pending",
			RedirectURL: "https://pay.example/redirect",
		},
	}
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) Charge(ctx context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chargeCalls++
	g.lastRequest = req
	if g.chargeErr != nil {
		return gateway.ChargeResult{}, g.chargeErr
	}
	return g.nextResult, nil
}

func (g *fakeGateway) ParseWebhook(raw []byte, headers http.Header) (gateway.Notification, error) {
	var body fakeNotification
	if err := json.Unmarshal(raw, &body); err != nil {
		return gateway.Notification{}, err
	}
	if body.EventType == "" {
		return gateway.Notification{}, fmt.Errorf("missing event_type")
	}
	return gateway.Notification{
		Provider:      g.name,
		DedupKey:      body.DedupKey,
		EventType:     body.EventType,
		ObjectType:    "payment",
		ObjectID:      body.ObjectID,
		TransactionID: body.TransactionID,
		Status:        models.TransactionStatus(body.Status),
		PaymentToken:  body.PaymentToken,
		Raw:           raw,
	}, nil
}

func (g *fakeGateway) VerifySignature(raw []byte, headers http.Header) bool {
	if !g.rejectUnsigned {
		return true
	}
	return headers != nil && headers.Get("X-Test-Signature") == "valid"
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.chargeCalls
}

func (g *fakeGateway) last() gateway.ChargeRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRequest
}

// testEnv bundles the full service graph wired against one in-memory DB
type testEnv struct {
	db            *gorm.DB
	gw            *fakeGateway
	registry      *gateway.Registry
	partners      *PartnerService
	transactions  *TransactionService
	webhooks      *WebhookService
	subscriptions *SubscriptionService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newTestDB(t)
	gw := newFakeGateway()
	registry := gateway.NewRegistry()
	registry.Register(gw, map[string]interface{}{"base_setting": "base"})

	partners := NewPartnerService(db, registry)
	transactions := NewTransactionService(db, registry, nil, partners, 5*time.Second)
	webhooks := NewWebhookService(db, registry, transactions, nil, 0, 5)
	subscriptions := NewSubscriptionService(db, transactions, 3)

	seedMethod(t, db, "sbp")

	return &testEnv{
		db:            db,
		gw:            gw,
		registry:      registry,
		partners:      partners,
		transactions:  transactions,
		webhooks:      webhooks,
		subscriptions: subscriptions,
	}
}

func seedMethod(t *testing.T, db *gorm.DB, slug string) {
	t.Helper()
	cfg := models.PaymentMethodConfig{
		Slug:      slug,
		Title:     slug,
		Gateway:   "fake",
		MinAmount: 100,
		MaxAmount: 10000000,
		IsActive:  true,
		Settings:  map[string]interface{}{"payment_method_data.type": slug},
	}
	if err := db.Create(&cfg).Error; err != nil {
		t.Fatalf("seed method %s: %v", slug, err)
	}
}

func baseCharge(slug string) ChargeInput {
	return ChargeInput{
		OrganizationID: 1,
		Amount:         10000,
		Currency:       "RUB",
		MethodSlug:     slug,
		Donor: DonorInfo{
			Name:  "Ivan Petrov",
			Email: "ivan@example.org",
		},
		ReturnURL: "https://donate.example/return",
	}
}

func notifyJSON(t *testing.T, n fakeNotification) []byte {
	t.Helper()
	b, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	return b
}
