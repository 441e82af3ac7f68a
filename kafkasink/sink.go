// Package kafkasink publishes committed ledger events to a Kafka topic.
//
// Messages are keyed by owner id so that a hash balancer keeps every
// owner's events on one partition, in commit order. Values are JSON
// encoded Event envelopes.
package kafkasink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/xraph/credits/allowance"
	"github.com/xraph/credits/billing"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/reservation"
	"github.com/xraph/credits/wallet"
)

// Event types published by the sink.
const (
	TypeCreditsAdded         = "credits.added"
	TypeCreditsDebited       = "credits.debited"
	TypeReservationCreated   = "reservation.created"
	TypeReservationCommitted = "reservation.committed"
	TypeReservationReleased  = "reservation.released"
	TypeReservationsExpired  = "reservation.expired"
	TypePaymentRecorded      = "payment.recorded"
	TypeAllowanceReset       = "allowance.reset"
	TypeSubscriptionChanged  = "subscription.changed"
	TypeConsistencyWarning   = "consistency.warning"
)

// HeaderEventType carries Event.Type on every message.
const HeaderEventType = "event_type"

var (
	_ plugin.Plugin                 = (*Sink)(nil)
	_ plugin.OnShutdown             = (*Sink)(nil)
	_ plugin.OnCreditsAdded         = (*Sink)(nil)
	_ plugin.OnCreditsDebited       = (*Sink)(nil)
	_ plugin.OnReservationCreated   = (*Sink)(nil)
	_ plugin.OnReservationCommitted = (*Sink)(nil)
	_ plugin.OnReservationReleased  = (*Sink)(nil)
	_ plugin.OnReservationsExpired  = (*Sink)(nil)
	_ plugin.OnPaymentRecorded      = (*Sink)(nil)
	_ plugin.OnAllowanceReset       = (*Sink)(nil)
	_ plugin.OnSubscriptionChanged  = (*Sink)(nil)
	_ plugin.OnConsistencyWarning   = (*Sink)(nil)
)

// Writer is the subset of *kafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Event is the JSON envelope of every message.
type Event struct {
	Type       string    `json:"type"`
	OwnerID    string    `json:"owner_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// CommittedData is the payload of TypeReservationCommitted.
type CommittedData struct {
	Reservation *reservation.Reservation `json:"reservation"`
	Charge      *billing.MessageCharge   `json:"charge,omitempty"`
}

// WarningData is the payload of TypeConsistencyWarning.
type WarningData struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NewWriter returns a synchronous writer that hashes keys to partitions.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		MaxAttempts:  10,
	}
}

// Sink is a plugin that writes ledger events to Kafka.
type Sink struct {
	writer Writer
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) { s.logger = logger }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// New creates a Sink on w.
func New(w Writer, opts ...Option) *Sink {
	s := &Sink{
		writer: w,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements plugin.Plugin.
func (s *Sink) Name() string { return "kafka-sink" }

// OnShutdown closes the writer when it can be closed.
func (s *Sink) OnShutdown(_ context.Context) error {
	if c, ok := s.writer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// OnCreditsAdded implements plugin.OnCreditsAdded.
func (s *Sink) OnCreditsAdded(ctx context.Context, entry *wallet.Entry) error {
	return s.publish(ctx, TypeCreditsAdded, entry.OwnerID, entry)
}

// OnCreditsDebited implements plugin.OnCreditsDebited.
func (s *Sink) OnCreditsDebited(ctx context.Context, entry *wallet.Entry) error {
	return s.publish(ctx, TypeCreditsDebited, entry.OwnerID, entry)
}

// OnReservationCreated implements plugin.OnReservationCreated.
func (s *Sink) OnReservationCreated(ctx context.Context, r *reservation.Reservation) error {
	return s.publish(ctx, TypeReservationCreated, r.OwnerID, r)
}

// OnReservationCommitted implements plugin.OnReservationCommitted.
func (s *Sink) OnReservationCommitted(ctx context.Context, r *reservation.Reservation, charge *billing.MessageCharge) error {
	return s.publish(ctx, TypeReservationCommitted, r.OwnerID, CommittedData{Reservation: r, Charge: charge})
}

// OnReservationReleased implements plugin.OnReservationReleased.
func (s *Sink) OnReservationReleased(ctx context.Context, r *reservation.Reservation) error {
	return s.publish(ctx, TypeReservationReleased, r.OwnerID, r)
}

// OnReservationsExpired publishes one message per expired reservation.
func (s *Sink) OnReservationsExpired(ctx context.Context, ownerID string, expired []*reservation.Reservation) error {
	msgs := make([]kafka.Message, 0, len(expired))
	for _, r := range expired {
		msg, err := s.message(TypeReservationsExpired, ownerID, r)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	return s.write(ctx, TypeReservationsExpired, ownerID, msgs...)
}

// OnPaymentRecorded implements plugin.OnPaymentRecorded.
func (s *Sink) OnPaymentRecorded(ctx context.Context, txn *billing.Transaction) error {
	return s.publish(ctx, TypePaymentRecorded, txn.OwnerID, txn)
}

// OnAllowanceReset implements plugin.OnAllowanceReset.
func (s *Sink) OnAllowanceReset(ctx context.Context, a *allowance.Allowance) error {
	return s.publish(ctx, TypeAllowanceReset, a.OwnerID, a)
}

// OnSubscriptionChanged implements plugin.OnSubscriptionChanged.
func (s *Sink) OnSubscriptionChanged(ctx context.Context, a *allowance.Allowance) error {
	return s.publish(ctx, TypeSubscriptionChanged, a.OwnerID, a)
}

// OnConsistencyWarning implements plugin.OnConsistencyWarning.
func (s *Sink) OnConsistencyWarning(ctx context.Context, ownerID, kind string, warning error) error {
	return s.publish(ctx, TypeConsistencyWarning, ownerID, WarningData{Kind: kind, Message: warning.Error()})
}

func (s *Sink) publish(ctx context.Context, eventType, ownerID string, data any) error {
	msg, err := s.message(eventType, ownerID, data)
	if err != nil {
		return err
	}
	return s.write(ctx, eventType, ownerID, msg)
}

func (s *Sink) message(eventType, ownerID string, data any) (kafka.Message, error) {
	value, err := json.Marshal(Event{
		Type:       eventType,
		OwnerID:    ownerID,
		OccurredAt: s.now().UTC(),
		Data:       data,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafkasink: marshal %s: %w", eventType, err)
	}
	return kafka.Message{
		Key:     []byte(ownerID),
		Value:   value,
		Headers: []kafka.Header{{Key: HeaderEventType, Value: []byte(eventType)}},
	}, nil
}

func (s *Sink) write(ctx context.Context, eventType, ownerID string, msgs ...kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		s.logger.Warn("kafkasink: publish failed",
			"event_type", eventType,
			"owner_id", ownerID,
			"messages", len(msgs),
			"error", err,
		)
		return fmt.Errorf("kafkasink: write %s: %w", eventType, err)
	}
	return nil
}
