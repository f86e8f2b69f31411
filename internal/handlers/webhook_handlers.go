package handlers

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"donorhub_echo/internal/gateway"
	"donorhub_echo/internal/services"
)

const maxWebhookBody = 1 << 16 // 64 KiB

type WebhookHandler struct {
	webhooks *services.WebhookService
	partners *services.PartnerService
}

func NewWebhookHandler(webhooks *services.WebhookService, partners *services.PartnerService) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks, partners: partners}
}

// HandleGatewayWebhook handles POST /webhooks/:provider. Once the event is
// durably stored the gateway always gets a 200, whatever the downstream
// processing outcome; anything else would make it stop retrying.
func (h *WebhookHandler) HandleGatewayWebhook(c echo.Context) error {
	provider := c.Param("provider")

	raw, err := readBody(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Error reading request body")
	}

	if err := h.webhooks.Handle(provider, raw, c.Request().Header); err != nil {
		return webhookErrorResponse(c, provider, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// HandlePartnerWebhook handles POST /webhooks/partner/:provider, the
// distinct payout event stream.
func (h *WebhookHandler) HandlePartnerWebhook(c echo.Context) error {
	provider := c.Param("provider")

	raw, err := readBody(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Error reading request body")
	}

	if err := h.partners.HandlePayoutEvent(provider, raw, c.Request().Header); err != nil {
		return webhookErrorResponse(c, provider, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func webhookErrorResponse(c echo.Context, provider string, err error) error {
	switch {
	case errors.Is(err, gateway.ErrSignatureInvalid):
		// Rejected before storage: forged deliveries must not amplify
		log.Printf("[webhooks] signature verification failed for %s from %s", provider, c.RealIP())
		return echo.NewHTTPError(http.StatusUnauthorized, "Signature verification failed")
	case errors.Is(err, gateway.ErrUnknownMethod):
		return echo.NewHTTPError(http.StatusNotFound, "Unknown provider")
	default:
		log.Printf("[webhooks] failed to store event for %s: %v", provider, err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to store event")
	}
}

func readBody(c echo.Context) ([]byte, error) {
	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, maxWebhookBody)
	return io.ReadAll(c.Request().Body)
}
