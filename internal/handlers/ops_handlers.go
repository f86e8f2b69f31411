package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"donorhub_echo/internal/gateway"
	"donorhub_echo/internal/models"
	"donorhub_echo/internal/services"
)

// OpsHandler exposes the reconciliation and administration endpoints used
// by the cron/ops collaborators. All routes sit behind the ops secret
// middleware.
type OpsHandler struct {
	db            *gorm.DB
	registry      *gateway.Registry
	webhooks      *services.WebhookService
	subscriptions *services.SubscriptionService
	partners      *services.PartnerService
	transactions  *services.TransactionService
}

func NewOpsHandler(db *gorm.DB, registry *gateway.Registry, webhooks *services.WebhookService, subscriptions *services.SubscriptionService, partners *services.PartnerService, transactions *services.TransactionService) *OpsHandler {
	return &OpsHandler{
		db:            db,
		registry:      registry,
		webhooks:      webhooks,
		subscriptions: subscriptions,
		partners:      partners,
		transactions:  transactions,
	}
}

// RunSweep handles POST /ops/sweep: replay unprocessed webhook events.
// Idempotent, safe to invoke repeatedly.
func (h *OpsHandler) RunSweep(c echo.Context) error {
	resolved, err := h.webhooks.Sweep(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Sweep failed: "+err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"resolved": resolved})
}

// ChargeSubscriptions handles POST /ops/subscriptions/charge?period=monthly
func (h *OpsHandler) ChargeSubscriptions(c echo.Context) error {
	period := models.SubscriptionPeriod(c.QueryParam("period"))
	switch period {
	case models.SubscriptionPeriodDaily, models.SubscriptionPeriodWeekly, models.SubscriptionPeriodMonthly:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid period")
	}

	charged, err := h.subscriptions.ChargeDue(c.Request().Context(), period)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Charge run failed: "+err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"charged": charged})
}

// RefundTransaction handles POST /ops/transactions/:transaction_id/refund
func (h *OpsHandler) RefundTransaction(c echo.Context) error {
	txID := c.Param("transaction_id")
	if err := h.transactions.Refund(txID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Transaction not found")
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "refunded"})
}

// ListMethods handles GET /ops/methods
func (h *OpsHandler) ListMethods(c echo.Context) error {
	var methods []models.PaymentMethodConfig
	if err := h.db.Order("slug asc").Find(&methods).Error; err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to fetch methods")
	}
	return c.JSON(http.StatusOK, methods)
}

// CreateMethod handles POST /ops/methods
func (h *OpsHandler) CreateMethod(c echo.Context) error {
	var cfg models.PaymentMethodConfig
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid JSON payload")
	}
	if cfg.Slug == "" || cfg.Gateway == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "slug and gateway are required")
	}
	if _, ok := h.registry.Get(cfg.Gateway); !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "Unknown gateway: "+cfg.Gateway)
	}
	if err := h.db.Create(&cfg).Error; err != nil {
		return echo.NewHTTPError(http.StatusConflict, "Failed to create method: "+err.Error())
	}
	return c.JSON(http.StatusCreated, cfg)
}

// DeactivateMethod handles POST /ops/methods/:slug/deactivate. Configs are
// never deleted: historical transactions reference them.
func (h *OpsHandler) DeactivateMethod(c echo.Context) error {
	slug := c.Param("slug")
	res := h.db.Model(&models.PaymentMethodConfig{}).Where("slug = ?", slug).Update("is_active", false)
	if res.Error != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to deactivate method")
	}
	if res.RowsAffected == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "Method not found")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deactivated"})
}

// CreateMerchant handles POST /ops/merchants
func (h *OpsHandler) CreateMerchant(c echo.Context) error {
	var req struct {
		OrganizationID    uint   `json:"organization_id"`
		ExternalPartnerID string `json:"external_partner_id"`
		ContractID        string `json:"contract_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid JSON payload")
	}
	m, err := h.partners.CreateMerchant(req.OrganizationID, req.ExternalPartnerID, req.ContractID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to create merchant")
	}
	return c.JSON(http.StatusCreated, m)
}

// TransitionMerchant handles POST /ops/merchants/:id/status
func (h *OpsHandler) TransitionMerchant(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid merchant id")
	}
	var req struct {
		Status models.PartnerMerchantStatus `json:"status"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid JSON payload")
	}

	if err := h.partners.Transition(uint(id), req.Status); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Merchant not found")
		}
		if errors.Is(err, services.ErrMerchantTransition) || errors.Is(err, services.ErrMerchantConflict) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Transition failed")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": string(req.Status)})
}

// PauseSubscription handles POST /ops/subscriptions/:id/pause
func (h *OpsHandler) PauseSubscription(c echo.Context) error {
	return h.subscriptionAction(c, h.subscriptions.Pause)
}

// ResumeSubscription handles POST /ops/subscriptions/:id/resume
func (h *OpsHandler) ResumeSubscription(c echo.Context) error {
	return h.subscriptionAction(c, h.subscriptions.Resume)
}

// CancelSubscription handles POST /ops/subscriptions/:id/cancel
func (h *OpsHandler) CancelSubscription(c echo.Context) error {
	return h.subscriptionAction(c, h.subscriptions.Cancel)
}

func (h *OpsHandler) subscriptionAction(c echo.Context, fn func(uint) error) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid subscription id")
	}
	if err := fn(uint(id)); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Subscription not found")
		}
		if errors.Is(err, services.ErrSubscriptionTransition) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Action failed")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
