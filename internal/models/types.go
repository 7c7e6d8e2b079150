package models

import (
	"encoding/json"
	"time"
)

// ReceiptKind distinguishes payment receipts from refund confirmations.
type ReceiptKind string

const (
	ReceiptPayment ReceiptKind = "payment"
	ReceiptRefund  ReceiptKind = "refund"
)

// ReceiptJob is published to the mail worker, which renders and sends it.
type ReceiptJob struct {
	Kind          ReceiptKind `json:"kind"`
	Email         string      `json:"email"`
	Name          string      `json:"name"`
	TransactionID string      `json:"transaction_id"`
	Item          string      `json:"item"`
	Amount        string      `json:"amount"` // major units, e.g. "125.00"
	Currency      string      `json:"currency"`
	ReferenceID   string      `json:"reference_id"` // booking or sale id
	IssuedAt      time.Time   `json:"issued_at"`
}

// AdminAlert is a fire-and-forget operator notification.
type AdminAlert struct {
	Kind       string          `json:"kind"`
	Data       json.RawMessage `json:"data"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// WebhookAck is the body returned to the provider on accepted or ignored events.
type WebhookAck struct {
	Received bool `json:"received"`
}
