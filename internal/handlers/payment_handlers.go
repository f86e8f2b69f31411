package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"donorhub_echo/internal/gateway"
	"donorhub_echo/internal/models"
	"donorhub_echo/internal/services"
)

type PaymentHandler struct {
	transactions *services.TransactionService
}

func NewPaymentHandler(transactions *services.TransactionService) *PaymentHandler {
	return &PaymentHandler{transactions: transactions}
}

// CreatePaymentRequest is the charge creation payload from the donation form
type CreatePaymentRequest struct {
	OrganizationID uint   `json:"organization_id"`
	FundraiserID   *uint  `json:"fundraiser_id,omitempty"`
	ProjectID      *uint  `json:"project_id,omitempty"`
	ProjectStageID *uint  `json:"project_stage_id,omitempty"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	MethodSlug     string `json:"method_slug"`

	DonorName    string `json:"donor_name"`
	DonorEmail   string `json:"donor_email"`
	DonorPhone   string `json:"donor_phone"`
	Anonymous    bool   `json:"anonymous"`
	Message      string `json:"message"`
	WantsReceipt bool   `json:"wants_receipt"`

	Recurring bool   `json:"recurring"`
	Period    string `json:"period,omitempty"`

	ReturnURL  string `json:"return_url"`
	SuccessURL string `json:"success_url"`
	FailureURL string `json:"failure_url"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// CreatePayment handles POST /api/payments
func (h *PaymentHandler) CreatePayment(c echo.Context) error {
	var req CreatePaymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid JSON payload")
	}
	if req.Currency == "" {
		req.Currency = "RUB"
	}

	input := services.ChargeInput{
		OrganizationID: req.OrganizationID,
		FundraiserID:   req.FundraiserID,
		ProjectID:      req.ProjectID,
		ProjectStageID: req.ProjectStageID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		MethodSlug:     req.MethodSlug,
		Donor: services.DonorInfo{
			Name:         req.DonorName,
			Email:        req.DonorEmail,
			Phone:        req.DonorPhone,
			Anonymous:    req.Anonymous,
			Message:      req.Message,
			WantsReceipt: req.WantsReceipt,
		},
		Recurring:      req.Recurring,
		Period:         models.SubscriptionPeriod(req.Period),
		ReturnURL:      req.ReturnURL,
		SuccessURL:     req.SuccessURL,
		FailureURL:     req.FailureURL,
		IdempotencyKey: req.IdempotencyKey,
		IPAddress:      c.RealIP(),
		UserAgent:      c.Request().UserAgent(),
	}

	out, err := h.transactions.CreateCharge(c.Request().Context(), input)
	if err != nil {
		code, body := chargeErrorResponse(out, err)
		return c.JSON(code, body)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"transaction_id": out.TransactionID,
		"status":         out.Status,
		"payment_url":    out.PaymentURL,
		"qr_payload":     out.QRPayload,
	})
}

// chargeErrorResponse maps charge errors to the stable error codes the
// donation form understands.
func chargeErrorResponse(out *services.ChargeOutput, err error) (int, map[string]interface{}) {
	body := map[string]interface{}{}
	if out != nil {
		body["transaction_id"] = out.TransactionID
		body["status"] = out.Status
	}

	switch {
	case errors.Is(err, services.ErrInvalidAmount):
		body["error"] = "invalid_amount"
		return http.StatusBadRequest, body
	case errors.Is(err, gateway.ErrUnknownMethod):
		body["error"] = "unknown_method"
		return http.StatusBadRequest, body
	case errors.Is(err, gateway.ErrGatewayRejected):
		body["error"] = "gateway_rejected"
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		// The transaction stays pending; the donor polls for resolution
		body["error"] = "gateway_unavailable"
		return http.StatusServiceUnavailable, body
	}
	body["error"] = "internal"
	return http.StatusInternalServerError, body
}

// GetPayment handles GET /api/payments/:transaction_id for the donor's
// "processing" state polling.
func (h *PaymentHandler) GetPayment(c echo.Context) error {
	txID := c.Param("transaction_id")
	if txID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing transaction id")
	}

	tx, err := h.transactions.Get(txID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "Transaction not found")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"transaction_id": tx.TransactionID,
		"status":         tx.Status,
		"amount":         tx.Amount,
		"currency":       tx.Currency,
		"payment_url":    tx.RedirectURL,
		"paid_at":        tx.PaidAt,
	})
}
