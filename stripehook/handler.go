// Package stripehook applies Stripe webhook events to the credit ledger.
//
// Handler verifies the Stripe signature, resolves the owner of the event
// and runs it through Engine.ProcessWebhook, so every Stripe event is
// applied at most once. Checkout sessions buy credits, paid invoices reset
// the subscription allowance, subscription changes toggle it and refunded
// charges take credits back.
package stripehook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/xraph/credits"
	"github.com/xraph/credits/allowance"
	"github.com/xraph/credits/billing"
	"github.com/xraph/credits/types"
	whevent "github.com/xraph/credits/webhook"
)

// Provider is the provider name recorded on webhook events and billing
// transactions.
const Provider = "stripe"

// Metadata keys read from Stripe objects.
const (
	MetaOwnerID          = "owner_id"
	MetaCredits          = "credits"
	MetaBonusCredits     = "bonus_credits"
	MetaIncludedMessages = "included_messages"
	MetaPlanType         = "plan_type"
)

// Handled event types.
const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventInvoicePaid           = "invoice.paid"
	EventInvoicePaymentSuccess = "invoice.payment_succeeded"
	EventSubscriptionCreated   = "customer.subscription.created"
	EventSubscriptionUpdated   = "customer.subscription.updated"
	EventSubscriptionDeleted   = "customer.subscription.deleted"
	EventChargeRefunded        = "charge.refunded"
)

// ErrInvalidSignature is returned when the payload fails Stripe signature
// verification.
var ErrInvalidSignature = errors.New("stripehook: invalid signature")

// OwnerResolver maps a Stripe customer id to a ledger owner. It returns
// "" when the customer is unknown.
type OwnerResolver interface {
	ResolveOwner(ctx context.Context, customerID string) (string, error)
}

// OwnerResolverFunc adapts a function to OwnerResolver.
type OwnerResolverFunc func(ctx context.Context, customerID string) (string, error)

// ResolveOwner implements OwnerResolver.
func (f OwnerResolverFunc) ResolveOwner(ctx context.Context, customerID string) (string, error) {
	return f(ctx, customerID)
}

// Handler applies Stripe events to an engine.
type Handler struct {
	engine   *credits.Engine
	secret   string
	resolver OwnerResolver
	logger   *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithOwnerResolver resolves owners of events without owner_id metadata.
func WithOwnerResolver(r OwnerResolver) Option {
	return func(h *Handler) { h.resolver = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// New creates a Handler that verifies payloads with the endpoint secret.
func New(engine *credits.Engine, secret string, opts ...Option) *Handler {
	h := &Handler{
		engine: engine,
		secret: secret,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle verifies and applies one delivery. Duplicates return an outcome
// with Reason "duplicate" and no error. A processing error marks the
// event failed and is returned.
func (h *Handler) Handle(ctx context.Context, payload []byte, signatureHeader string) (*credits.WebhookOutcome, error) {
	if strings.TrimSpace(h.secret) == "" {
		return nil, errors.New("stripehook: webhook secret not configured")
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return h.HandleEvent(ctx, &event, payload)
}

// HandleEvent applies an already verified event. payload is the raw body
// used for replay hashing.
func (h *Handler) HandleEvent(ctx context.Context, event *stripelib.Event, payload []byte) (*credits.WebhookOutcome, error) {
	if event.Data == nil {
		return nil, credits.ValidationError{Field: "data", Message: "event has no data object"}
	}
	var obj customerObject
	if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
		return nil, fmt.Errorf("stripehook: decode %s object: %w", event.Type, err)
	}

	ownerID, err := h.resolveOwner(ctx, string(event.Type), event.Data.Raw, obj)
	if err != nil {
		return nil, err
	}

	delivery := credits.WebhookDelivery{
		Provider:  Provider,
		EventID:   event.ID,
		EventType: string(event.Type),
		Payload:   payload,
		OwnerID:   ownerID,
		Meta:      objectMeta(string(event.Type), obj),
	}
	if event.Created > 0 {
		delivery.EventTimestamp = time.Unix(event.Created, 0).UTC()
	}

	return h.engine.ProcessWebhook(ctx, delivery, func(ctx context.Context, evt *whevent.Event) error {
		return h.apply(ctx, evt, event.Data.Raw)
	})
}

// resolveOwner reads owner_id metadata, then asks the resolver about the
// customer. Refunds fall back to the owner of the refunded purchase.
func (h *Handler) resolveOwner(ctx context.Context, eventType string, raw json.RawMessage, obj customerObject) (string, error) {
	if owner := strings.TrimSpace(obj.Metadata[MetaOwnerID]); owner != "" {
		return owner, nil
	}
	if eventType == EventInvoicePaid || eventType == EventInvoicePaymentSuccess {
		var inv Invoice
		if err := json.Unmarshal(raw, &inv); err == nil {
			if owner := strings.TrimSpace(inv.Meta(MetaOwnerID)); owner != "" {
				return owner, nil
			}
		}
	}
	if h.resolver != nil && obj.Customer != "" {
		owner, err := h.resolver.ResolveOwner(ctx, obj.Customer)
		if err != nil {
			return "", fmt.Errorf("stripehook: resolve customer %s: %w", obj.Customer, err)
		}
		if owner != "" {
			return owner, nil
		}
	}
	if eventType == EventChargeRefunded {
		var ch Charge
		if err := json.Unmarshal(raw, &ch); err == nil && ch.PaymentIntent != "" {
			txn, err := h.engine.Store().GetTransaction(ctx, Provider, ch.PaymentIntent)
			if err == nil {
				return txn.OwnerID, nil
			}
			if !credits.IsNotFound(err) {
				return "", err
			}
		}
	}
	return "", nil
}

func objectMeta(eventType string, obj customerObject) whevent.Meta {
	m := whevent.Meta{CustomerID: obj.Customer}
	switch {
	case strings.HasPrefix(eventType, "checkout.session."):
		m.SessionID = obj.ID
	case strings.HasPrefix(eventType, "invoice."):
		m.InvoiceID = obj.ID
	case strings.HasPrefix(eventType, "customer.subscription."):
		m.SubscriptionID = obj.ID
	}
	return m
}

// apply routes a recorded event to the engine operation it stands for.
// Unhandled types are recorded as processed.
func (h *Handler) apply(ctx context.Context, evt *whevent.Event, raw json.RawMessage) error {
	switch evt.EventType {
	case EventCheckoutCompleted:
		var s CheckoutSession
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("stripehook: decode checkout.session: %w", err)
		}
		return h.checkoutCompleted(ctx, evt.OwnerID, s)

	case EventInvoicePaid, EventInvoicePaymentSuccess:
		var inv Invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return fmt.Errorf("stripehook: decode invoice: %w", err)
		}
		return h.invoicePaid(ctx, evt.OwnerID, inv)

	case EventSubscriptionCreated, EventSubscriptionUpdated:
		var sub Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return fmt.Errorf("stripehook: decode subscription: %w", err)
		}
		return h.subscriptionChanged(ctx, evt.OwnerID, sub)

	case EventSubscriptionDeleted:
		_, err := h.engine.DeactivateSubscription(ctx, evt.OwnerID, credits.DeactivateReasonCancelled)
		return err

	case EventChargeRefunded:
		var ch Charge
		if err := json.Unmarshal(raw, &ch); err != nil {
			return fmt.Errorf("stripehook: decode charge: %w", err)
		}
		return h.chargeRefunded(ctx, evt.OwnerID, ch)

	default:
		h.logger.Debug("stripehook: event type not handled",
			"event_id", evt.EventID,
			"event_type", evt.EventType,
		)
		return nil
	}
}

func (h *Handler) checkoutCompleted(ctx context.Context, ownerID string, s CheckoutSession) error {
	if s.Mode != "payment" {
		return nil
	}
	if s.PaymentStatus != "" && s.PaymentStatus != "paid" {
		h.logger.Info("stripehook: checkout not paid yet",
			"session_id", s.ID,
			"payment_status", s.PaymentStatus,
		)
		return nil
	}
	amount, err := parseCount(MetaCredits, s.Metadata[MetaCredits])
	if err != nil {
		return err
	}
	if amount <= 0 {
		h.logger.Warn("stripehook: checkout without credits metadata",
			"session_id", s.ID,
			"owner_id", ownerID,
		)
		return nil
	}

	_, err = h.engine.RecordPurchase(ctx, credits.PaymentInput{
		OwnerID:     ownerID,
		Provider:    Provider,
		ExternalRef: first(s.PaymentIntent, s.ID),
		Credits:     amount,
		Amount:      types.NewMoney(s.AmountTotal, s.Currency),
		Meta: billing.Meta{
			SessionID:       s.ID,
			PaymentIntentID: s.PaymentIntent,
		},
	})
	return err
}

func (h *Handler) invoicePaid(ctx context.Context, ownerID string, inv Invoice) error {
	start, end := inv.ServicePeriod()
	if start.IsZero() || !end.After(start) {
		return credits.ValidationError{Field: "period", Message: fmt.Sprintf("invoice %s has no service period", inv.ID)}
	}
	included, err := parseCount(MetaIncludedMessages, inv.Meta(MetaIncludedMessages))
	if err != nil {
		return err
	}
	bonus, err := parseCount(MetaBonusCredits, inv.Meta(MetaBonusCredits))
	if err != nil {
		return err
	}

	_, err = h.engine.RecordInvoicePayment(ctx, credits.InvoiceInput{
		OwnerID:        ownerID,
		Provider:       Provider,
		InvoiceID:      inv.ID,
		SubscriptionID: inv.SubscriptionID(),
		Amount:         types.NewMoney(inv.AmountPaid, inv.Currency),
		Period: credits.PeriodInput{
			Start:             start,
			End:               end,
			IncludedPerPeriod: included,
			Ref:               inv.ID,
		},
		BonusCredits: bonus,
	})
	return err
}

// activeStatuses keep the allowance running.
var activeStatuses = map[string]bool{"active": true, "trialing": true}

func (h *Handler) subscriptionChanged(ctx context.Context, ownerID string, sub Subscription) error {
	if !activeStatuses[sub.Status] {
		_, err := h.engine.DeactivateSubscription(ctx, ownerID, sub.Status)
		return err
	}

	included, err := parseCount(MetaIncludedMessages, sub.Meta(MetaIncludedMessages))
	if err != nil {
		return err
	}
	start, end := sub.Period()
	var interval allowance.Interval
	switch sub.Interval() {
	case "month":
		interval = allowance.IntervalMonth
	case "year":
		interval = allowance.IntervalYear
	}

	_, err = h.engine.ActivateSubscription(ctx, ownerID, credits.SubscriptionInput{
		SubscriptionID:    sub.ID,
		PlanType:          sub.Meta(MetaPlanType),
		Interval:          interval,
		IncludedPerPeriod: included,
		PeriodStart:       start,
		PeriodEnd:         end,
	})
	return err
}

func (h *Handler) chargeRefunded(ctx context.Context, ownerID string, ch Charge) error {
	if ch.PaymentIntent == "" {
		h.logger.Warn("stripehook: refund without payment intent", "charge_id", ch.ID)
		return nil
	}
	original, err := h.engine.Store().GetTransaction(ctx, Provider, ch.PaymentIntent)
	if credits.IsNotFound(err) {
		// Not a credit purchase, for example a subscription invoice charge.
		h.logger.Info("stripehook: refunded charge has no credit purchase",
			"charge_id", ch.ID,
			"payment_intent", ch.PaymentIntent,
		)
		return nil
	}
	if err != nil {
		return err
	}

	var refundCredits int64
	if !ch.Refunded && ch.Amount > 0 && ch.AmountRefunded < ch.Amount {
		refundCredits = original.Credits * ch.AmountRefunded / ch.Amount
		if refundCredits == 0 {
			return nil
		}
	}

	_, err = h.engine.RecordRefund(ctx, credits.RefundInput{
		OwnerID:     ownerID,
		Provider:    Provider,
		ExternalRef: ch.ID,
		OriginalRef: original.ExternalRef,
		Credits:     refundCredits,
		Amount:      types.NewMoney(ch.AmountRefunded, ch.Currency),
	})
	return err
}

// parseCount reads a non-negative metadata integer; empty is zero.
func parseCount(key, raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, credits.ValidationError{Field: key, Message: fmt.Sprintf("not a non-negative integer: %q", raw)}
	}
	return n, nil
}
