package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"donorhub_echo/internal/models"
)

var (
	// ErrGatewayUnavailable is a transient failure (network error, 5xx,
	// timeout). The charge may still succeed gateway-side, so the caller
	// must leave the transaction pending for the webhook to resolve.
	ErrGatewayUnavailable = errors.New("gateway unavailable")

	// ErrGatewayRejected is a business decline (4xx). Terminal, not retried.
	ErrGatewayRejected = errors.New("gateway rejected")

	// ErrUnknownMethod means the payment method slug resolves to no
	// registered gateway.
	ErrUnknownMethod = errors.New("unknown payment method")

	// ErrSignatureInvalid means a webhook failed authenticity verification.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
)

// ChargeRequest carries everything a gateway needs to start a payment.
// Settings is the merged per-method blob; the core never interprets it.
type ChargeRequest struct {
	TransactionID string // doubles as the gateway idempotency key
	Amount        int64  // minor units
	Currency      string
	Description   string

	CustomerEmail string
	CustomerPhone string

	ReturnURL   string
	CallbackURL string

	// Recurring: SaveMethod asks the gateway to issue a reusable credential;
	// PaymentToken reuses one for a scheduler-driven charge.
	SaveMethod   bool
	PaymentToken string

	Settings map[string]interface{}
	Metadata map[string]string
}

// ChargeResult is the synchronous outcome of a charge call
type ChargeResult struct {
	ExternalID  string
	Status      string
	RedirectURL string
	QRPayload   string
	Raw         json.RawMessage
}

// Notification is a parsed webhook event
type Notification struct {
	Provider  string
	DedupKey  string
	EventType string

	ObjectType string
	ObjectID   string // gateway-assigned external id

	TransactionID string // our id, when the gateway echoes it back
	Status        models.TransactionStatus

	// PaymentToken is the reusable credential, present when the gateway
	// saved the payment method.
	PaymentToken string

	Raw json.RawMessage
}

// Gateway is the uniform contract over heterogeneous payment backends.
// Implementations perform no state recording beyond the outbound call.
type Gateway interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	ParseWebhook(raw []byte, headers http.Header) (Notification, error)
	VerifySignature(raw []byte, headers http.Header) bool
}
