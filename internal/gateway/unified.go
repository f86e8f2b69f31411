package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"donorhub_echo/internal/models"
)

const ProviderUnified = "unified"

// UnifiedGateway speaks a JSON-over-HTTP PSP protocol where one account
// handles card, sbp, sberpay and tpay by varying payment_method_data.type
// in the method config settings. Webhooks are authenticated with an
// HMAC-SHA256 body signature.
type UnifiedGateway struct {
	apiURL        string
	shopID        string
	secretKey     string
	webhookSecret string
	client        *http.Client
}

func NewUnifiedGateway(apiURL, shopID, secretKey, webhookSecret string, timeout time.Duration) *UnifiedGateway {
	return &UnifiedGateway{
		apiURL:        apiURL,
		shopID:        shopID,
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		client:        &http.Client{Timeout: timeout},
	}
}

func (g *UnifiedGateway) Name() string { return ProviderUnified }

type unifiedPaymentRequest struct {
	Amount struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
	Description       string                 `json:"description,omitempty"`
	PaymentMethodData map[string]interface{} `json:"payment_method_data,omitempty"`
	PaymentMethodID   string                 `json:"payment_method_id,omitempty"`
	SavePaymentMethod bool                   `json:"save_payment_method,omitempty"`
	Capture           bool                   `json:"capture"`
	Confirmation      map[string]interface{} `json:"confirmation,omitempty"`
	Receiver          map[string]interface{} `json:"receiver,omitempty"`
	Metadata          map[string]string      `json:"metadata,omitempty"`
}

type unifiedPaymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		Type             string `json:"type"`
		ConfirmationURL  string `json:"confirmation_url"`
		ConfirmationData string `json:"confirmation_data"`
	} `json:"confirmation"`
}

// Charge creates a payment. The transaction id is sent as the idempotency
// key header, so a retried call returns the original payment.
func (g *UnifiedGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	body := unifiedPaymentRequest{
		Description: req.Description,
		Capture:     true,
		Metadata:    req.Metadata,
	}
	body.Amount.Value = formatMinorUnits(req.Amount)
	body.Amount.Currency = req.Currency

	if req.PaymentToken != "" {
		// Scheduler-driven charge reusing a saved credential, no donor
		// interaction and no confirmation step.
		body.PaymentMethodID = req.PaymentToken
	} else {
		if mt, ok := req.Settings["payment_method_data.type"].(string); ok && mt != "" {
			body.PaymentMethodData = map[string]interface{}{"type": mt}
		}
		body.Confirmation = map[string]interface{}{
			"type":       "redirect",
			"return_url": req.ReturnURL,
		}
		body.SavePaymentMethod = req.SaveMethod
	}

	if payoutAccount, ok := req.Settings["payout_account_id"].(string); ok && payoutAccount != "" {
		body.Receiver = map[string]interface{}{
			"type":       "payout_account",
			"account_id": payoutAccount,
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return ChargeResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiURL+"/payments", bytes.NewReader(payload))
	if err != nil {
		return ChargeResult{}, err
	}
	httpReq.SetBasicAuth(g.shopID, g.secretKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotence-Key", req.TransactionID)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		// Timeouts and connection failures are transient: the payment may
		// still have been created gateway-side.
		return ChargeResult{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ChargeResult{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return ChargeResult{}, fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return ChargeResult{}, fmt.Errorf("%w: status %d: %s", ErrGatewayRejected, resp.StatusCode, raw)
	}

	var pr unifiedPaymentResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return ChargeResult{}, fmt.Errorf("%w: malformed response: %v", ErrGatewayUnavailable, err)
	}

	result := ChargeResult{
		ExternalID:  pr.ID,
		Status:      pr.Status,
		RedirectURL: pr.Confirmation.ConfirmationURL,
		Raw:         raw,
	}
	if pr.Confirmation.Type == "qr" {
		result.QRPayload = pr.Confirmation.ConfirmationData
	}
	return result, nil
}

type unifiedWebhookBody struct {
	ID     string `json:"id"`
	Event  string `json:"event"`
	Object struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		PaymentMethod struct {
			ID    string `json:"id"`
			Saved bool   `json:"saved"`
		} `json:"payment_method"`
		Metadata map[string]string `json:"metadata"`
	} `json:"object"`
}

// ParseWebhook decodes a notification body into a Notification. The dedup
// key is the gateway-assigned delivery id when present, otherwise the
// (object, event) tuple.
func (g *UnifiedGateway) ParseWebhook(raw []byte, headers http.Header) (Notification, error) {
	var body unifiedWebhookBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return Notification{}, fmt.Errorf("parse webhook body: %w", err)
	}
	if body.Event == "" || body.Object.ID == "" {
		return Notification{}, errors.New("webhook missing event or object id")
	}

	n := Notification{
		Provider:      ProviderUnified,
		EventType:     body.Event,
		ObjectType:    "payment",
		ObjectID:      body.Object.ID,
		TransactionID: body.Object.Metadata["transaction_id"],
		Raw:           raw,
	}

	if body.ID != "" {
		n.DedupKey = body.ID
	} else {
		n.DedupKey = fmt.Sprintf("payment:%s:%s", body.Object.ID, body.Event)
	}

	switch body.Event {
	case "payment.succeeded":
		n.Status = models.TransactionStatusCompleted
	case "payment.waiting_for_capture":
		n.Status = models.TransactionStatusAwaiting
	case "payment.canceled":
		// The provider reports both declines and expirations as canceled;
		// cancellation_details distinguish them but both are terminal.
		n.Status = models.TransactionStatusCancelled
	case "refund.succeeded":
		n.ObjectType = "refund"
		n.Status = models.TransactionStatusRefunded
	default:
		return Notification{}, fmt.Errorf("unsupported event type %q", body.Event)
	}

	if body.Object.PaymentMethod.Saved {
		n.PaymentToken = body.Object.PaymentMethod.ID
	}
	return n, nil
}

// VerifySignature checks the HMAC-SHA256 body signature header
func (g *UnifiedGateway) VerifySignature(raw []byte, headers http.Header) bool {
	sig := headers.Get("X-Webhook-Signature")
	if sig == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(g.webhookSecret))
	mac.Write(raw)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

// formatMinorUnits renders minor units as a decimal string ("10000" -> "100.00")
func formatMinorUnits(amount int64) string {
	return strconv.FormatInt(amount/100, 10) + "." + fmt.Sprintf("%02d", amount%100)
}
