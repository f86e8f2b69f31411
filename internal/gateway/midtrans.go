package gateway

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"donorhub_echo/internal/models"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/snap"
)

const ProviderMidtrans = "midtrans"

// MidtransGateway drives payments through Midtrans Snap. Notifications are
// authenticated by the documented signature_key scheme:
// SHA512(order_id + status_code + gross_amount + server_key).
type MidtransGateway struct {
	serverKey  string
	snapClient snap.Client
}

func NewMidtransGateway(serverKey string, production bool) *MidtransGateway {
	env := midtrans.Sandbox
	if production {
		env = midtrans.Production
	}

	var s snap.Client
	s.New(serverKey, env)

	return &MidtransGateway{
		serverKey:  serverKey,
		snapClient: s,
	}
}

func (g *MidtransGateway) Name() string { return ProviderMidtrans }

// Charge creates a Snap transaction. Midtrans enforces order id uniqueness,
// so the transaction id acts as the idempotency key.
func (g *MidtransGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	param := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.TransactionID,
			GrossAmt: req.Amount / 100,
		},
		CustomerDetail: &midtrans.CustomerDetails{
			Email: req.CustomerEmail,
			Phone: req.CustomerPhone,
		},
		Callbacks: &snap.Callbacks{
			Finish: req.ReturnURL,
		},
	}

	resp, err := g.snapClient.CreateTransaction(param)
	if err != nil {
		if err.StatusCode >= 500 || err.StatusCode == 0 {
			return ChargeResult{}, fmt.Errorf("%w: midtrans: %v", ErrGatewayUnavailable, err)
		}
		return ChargeResult{}, fmt.Errorf("%w: midtrans: %v", ErrGatewayRejected, err)
	}

	raw, _ := json.Marshal(resp)
	return ChargeResult{
		ExternalID:  req.TransactionID, // midtrans addresses payments by order id
		Status:      "pending",
		RedirectURL: resp.RedirectURL,
		Raw:         raw,
	}, nil
}

type midtransNotification struct {
	OrderID           string `json:"order_id"`
	TransactionID     string `json:"transaction_id"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	PaymentType       string `json:"payment_type"`
}

// ParseWebhook maps a Midtrans notification to a Notification. Midtrans
// echoes our order id, which is the transaction id.
func (g *MidtransGateway) ParseWebhook(raw []byte, headers http.Header) (Notification, error) {
	var body midtransNotification
	if err := json.Unmarshal(raw, &body); err != nil {
		return Notification{}, fmt.Errorf("parse midtrans notification: %w", err)
	}
	if body.OrderID == "" || body.TransactionStatus == "" {
		return Notification{}, fmt.Errorf("midtrans notification missing order_id or transaction_status")
	}

	n := Notification{
		Provider:      ProviderMidtrans,
		EventType:     body.TransactionStatus,
		ObjectType:    "transaction",
		ObjectID:      body.OrderID,
		TransactionID: body.OrderID,
		DedupKey:      fmt.Sprintf("%s:%s:%s", body.TransactionID, body.OrderID, body.TransactionStatus),
		Raw:           raw,
	}

	switch body.TransactionStatus {
	case "capture":
		if body.FraudStatus == "challenge" {
			n.Status = models.TransactionStatusAwaiting
		} else {
			n.Status = models.TransactionStatusCompleted
		}
	case "settlement":
		n.Status = models.TransactionStatusCompleted
	case "deny", "failure":
		n.Status = models.TransactionStatusFailed
	case "cancel", "expire":
		n.Status = models.TransactionStatusCancelled
	case "refund", "partial_refund":
		n.Status = models.TransactionStatusRefunded
	case "pending":
		n.Status = models.TransactionStatusAwaiting
	default:
		return Notification{}, fmt.Errorf("unsupported transaction_status %q", body.TransactionStatus)
	}
	return n, nil
}

// VerifySignature recomputes the notification signature_key
func (g *MidtransGateway) VerifySignature(raw []byte, headers http.Header) bool {
	var body midtransNotification
	if err := json.Unmarshal(raw, &body); err != nil {
		return false
	}
	if body.SignatureKey == "" {
		return false
	}
	sum := sha512.Sum512([]byte(body.OrderID + body.StatusCode + body.GrossAmount + g.serverKey))
	return hex.EncodeToString(sum[:]) == body.SignatureKey
}
