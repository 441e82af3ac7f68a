// Package id defines TypeID-based identifiers for credit ledger records.
//
// Reservations, webhook events, billing transactions and wallet entries all
// share one ID type whose prefix names the record kind, for example
// "rsv_01h2xcejqtf2nbrexx3vqjhp41". IDs are K-sortable (UUIDv7) so they
// double as insertion order in every backend.
//
// Owners (tenants) and messages are identified by caller-supplied strings
// and never use this package.
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the record kind encoded in a TypeID.
type Prefix string

const (
	PrefixReservation  Prefix = "rsv" // credit reservation
	PrefixWebhookEvent Prefix = "whe" // inbound provider event
	PrefixTransaction  Prefix = "btx" // billing transaction / payment
	PrefixEntry        Prefix = "wen" // wallet entry
)

// ID wraps a TypeID. The zero value is Nil and stores as NULL.
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates an ID with the given prefix. An invalid prefix is a
// programming error and panics.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

// Parse parses any TypeID string.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses s and checks that it carries the expected prefix.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}
	return parsed, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}
	return parsed
}

// ──────────────────────────────────────────────────
// Record kinds
// ──────────────────────────────────────────────────

// ReservationID identifies a credit reservation (prefix "rsv").
type ReservationID = ID

// WebhookEventID identifies a recorded provider event (prefix "whe").
type WebhookEventID = ID

// TransactionID identifies a billing transaction (prefix "btx").
type TransactionID = ID

// EntryID identifies a wallet entry (prefix "wen").
type EntryID = ID

// NewReservationID generates a reservation ID.
func NewReservationID() ID { return New(PrefixReservation) }

// NewWebhookEventID generates a webhook event ID.
func NewWebhookEventID() ID { return New(PrefixWebhookEvent) }

// NewTransactionID generates a billing transaction ID.
func NewTransactionID() ID { return New(PrefixTransaction) }

// NewEntryID generates a wallet entry ID.
func NewEntryID() ID { return New(PrefixEntry) }

// ParseReservationID parses s and requires the "rsv" prefix.
func ParseReservationID(s string) (ID, error) { return ParseWithPrefix(s, PrefixReservation) }

// ParseWebhookEventID parses s and requires the "whe" prefix.
func ParseWebhookEventID(s string) (ID, error) { return ParseWithPrefix(s, PrefixWebhookEvent) }

// ParseTransactionID parses s and requires the "btx" prefix.
func ParseTransactionID(s string) (ID, error) { return ParseWithPrefix(s, PrefixTransaction) }

// ParseEntryID parses s and requires the "wen" prefix.
func ParseEntryID(s string) (ID, error) { return ParseWithPrefix(s, PrefixEntry) }

// ──────────────────────────────────────────────────
// Encoding
// ──────────────────────────────────────────────────

// String returns "prefix_suffix", or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

// Prefix returns the prefix component, or "" for Nil.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

// IsNil reports whether i is the zero value.
func (i ID) IsNil() bool { return !i.valid }

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}
	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Value implements driver.Valuer. Nil stores as NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}
	return i.inner.String(), nil
}

// Scan implements sql.Scanner.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
