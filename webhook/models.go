// Package webhook models inbound payment-provider events recorded for
// replay protection.
package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/xraph/credits/id"
)

type Status string

const (
	StatusReceived  Status = "received"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
	StatusUnmatched Status = "unmatched"
)

// Meta carries provider object references useful when triaging an event.
type Meta struct {
	InvoiceID      string `json:"invoice_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	CustomerID     string `json:"customer_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
}

// Event is one delivery of a provider event. (Provider, EventID) is unique.
type Event struct {
	ID          id.WebhookEventID `json:"id"`
	Provider    string            `json:"provider"`
	EventID     string            `json:"event_id"`
	PayloadHash string            `json:"payload_hash,omitempty"`
	EventType   string            `json:"event_type,omitempty"`
	OwnerID     string            `json:"owner_id,omitempty"`
	Status      Status            `json:"status"`
	Meta        Meta              `json:"meta"`
	ReceivedAt  time.Time         `json:"received_at"`
	ProcessedAt *time.Time        `json:"processed_at,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// HashPayload returns the hex SHA-256 digest of a raw payload.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
