package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"donorhub_echo/internal/gateway"
	"donorhub_echo/internal/models"
)

type stubGateway struct{}

func (stubGateway) Name() string { return "unified" }

func (stubGateway) Charge(ctx context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error) {
	return gateway.ChargeResult{}, nil
}

func (stubGateway) ParseWebhook(raw []byte, headers http.Header) (gateway.Notification, error) {
	return gateway.Notification{}, nil
}

func (stubGateway) VerifySignature(raw []byte, headers http.Header) bool { return true }

func newMethodsHandler(t *testing.T) *OpsHandler {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.PaymentMethodConfig{}))

	registry := gateway.NewRegistry()
	registry.Register(stubGateway{}, nil)
	return NewOpsHandler(db, registry, nil, nil, nil, nil)
}

func postMethod(h *OpsHandler, body string) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/ops/methods", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return rec, h.CreateMethod(e.NewContext(req, rec))
}

func TestCreateMethodRejectsUnknownGateway(t *testing.T) {
	h := newMethodsHandler(t)

	_, err := postMethod(h, `{"slug": "sbp", "gateway": "yookassa"}`)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)

	var count int64
	h.db.Model(&models.PaymentMethodConfig{}).Count(&count)
	assert.Zero(t, count)
}

func TestCreateMethodRegisteredGateway(t *testing.T) {
	h := newMethodsHandler(t)

	rec, err := postMethod(h, `{"slug": "sbp", "gateway": "unified", "min_amount": 1000}`)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, rec.Code)

	var cfg models.PaymentMethodConfig
	require.NoError(t, h.db.Where("slug = ?", "sbp").First(&cfg).Error)
	assert.Equal(t, "unified", cfg.Gateway)
}
