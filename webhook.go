package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/webhook"
)

// Outcome reasons reported by ProcessWebhook.
const (
	WebhookReasonDuplicate = "duplicate"
	WebhookReasonStale     = "stale"
	WebhookReasonUnmatched = "unmatched"
	WebhookReasonFailed    = "failed"
)

// WebhookDelivery is one inbound provider event, already authenticated by
// the caller.
type WebhookDelivery struct {
	Provider  string
	EventID   string
	EventType string
	Payload   []byte
	// PayloadHash defaults to webhook.HashPayload(Payload).
	PayloadHash string
	// OwnerID is empty when no owner could be resolved from the payload.
	OwnerID        string
	EventTimestamp time.Time
	Meta           webhook.Meta
}

// WebhookProcessor applies a recorded event. Its error marks the event
// failed and is returned to the caller of ProcessWebhook.
type WebhookProcessor func(ctx context.Context, evt *webhook.Event) error

// WebhookOutcome is returned by ProcessWebhook.
type WebhookOutcome struct {
	Processed bool
	Reason    string
	Event     *webhook.Event
}

// CheckReplay returns the recorded event with the same provider and event
// id, or failing that with the same payload hash for the owner. It returns
// nil when the delivery is new.
func (e *Engine) CheckReplay(ctx context.Context, provider, eventID, payloadHash, ownerID string) (*webhook.Event, error) {
	evt, err := e.store.GetWebhookEvent(ctx, provider, eventID)
	if err == nil {
		return evt, nil
	}
	if !errors.Is(err, ErrWebhookEventNotFound) {
		return nil, err
	}
	if payloadHash == "" {
		return nil, nil
	}

	evt, err = e.store.FindWebhookEventByHash(ctx, provider, payloadHash, ownerID)
	if errors.Is(err, ErrWebhookEventNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return evt, nil
}

// ProcessWebhook runs processor at most once per provider event. The event
// is recorded as received before processor runs, then marked processed or
// failed. Replays return Reason "duplicate" without an error; events older
// than the staleness window return ErrWebhookStale and are not recorded;
// events without an owner are recorded as unmatched and not processed.
func (e *Engine) ProcessWebhook(ctx context.Context, d WebhookDelivery, processor WebhookProcessor) (*WebhookOutcome, error) {
	d.Provider = strings.TrimSpace(d.Provider)
	d.EventID = strings.TrimSpace(d.EventID)
	if d.Provider == "" {
		return nil, ValidationError{Field: "provider", Message: "required"}
	}
	if d.EventID == "" {
		return nil, ValidationError{Field: "event_id", Message: "required"}
	}
	if processor == nil {
		return nil, ValidationError{Field: "processor", Message: "required"}
	}
	if d.PayloadHash == "" && len(d.Payload) > 0 {
		d.PayloadHash = webhook.HashPayload(d.Payload)
	}

	existing, err := e.CheckReplay(ctx, d.Provider, d.EventID, d.PayloadHash, d.OwnerID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return e.duplicate(ctx, d, existing), nil
	}

	now := e.now().UTC()
	if !d.EventTimestamp.IsZero() {
		if age := now.Sub(d.EventTimestamp); age > e.config.WebhookStalenessWindow {
			e.logger.Warn("webhook event too old",
				"provider", d.Provider,
				"event_id", d.EventID,
				"age", age,
				"window", e.config.WebhookStalenessWindow,
			)
			e.plugins.EmitWebhookStale(ctx, d.Provider, d.EventID, age)
			return &WebhookOutcome{Reason: WebhookReasonStale},
				fmt.Errorf("%w: %s %s is %s old", ErrWebhookStale, d.Provider, d.EventID, age.Round(time.Second))
		}
	}

	evt := &webhook.Event{
		ID:          id.NewWebhookEventID(),
		Provider:    d.Provider,
		EventID:     d.EventID,
		PayloadHash: d.PayloadHash,
		EventType:   d.EventType,
		OwnerID:     d.OwnerID,
		Status:      webhook.StatusReceived,
		Meta:        d.Meta,
		ReceivedAt:  now,
	}
	unmatched := strings.TrimSpace(d.OwnerID) == ""
	if unmatched {
		evt.OwnerID = ""
		evt.Status = webhook.StatusUnmatched
		evt.ProcessedAt = &now
	}

	created, err := e.store.CreateWebhookEvent(ctx, evt)
	if err != nil {
		return nil, err
	}
	if !created {
		prior, err := e.store.GetWebhookEvent(ctx, d.Provider, d.EventID)
		if err != nil {
			return nil, err
		}
		return e.duplicate(ctx, d, prior), nil
	}

	if unmatched {
		e.logger.Warn("webhook event without owner recorded for triage",
			"provider", d.Provider,
			"event_id", d.EventID,
			"event_type", d.EventType,
		)
		e.plugins.EmitWebhookProcessed(ctx, evt)
		return &WebhookOutcome{Reason: WebhookReasonUnmatched, Event: evt}, nil
	}

	if perr := processor(ctx, evt); perr != nil {
		e.BestEffort(ctx, "webhook.mark_failed", func(ctx context.Context) error {
			done := e.now().UTC()
			evt.Status = webhook.StatusFailed
			evt.Error = perr.Error()
			evt.ProcessedAt = &done
			return e.store.UpdateWebhookEvent(ctx, evt)
		})
		e.logger.Error("webhook processing failed",
			"provider", d.Provider,
			"event_id", d.EventID,
			"event_type", d.EventType,
			"owner_id", d.OwnerID,
			"error", perr,
		)
		e.plugins.EmitWebhookFailed(ctx, evt, perr)
		return &WebhookOutcome{Reason: WebhookReasonFailed, Event: evt}, perr
	}

	done := e.now().UTC()
	evt.Status = webhook.StatusProcessed
	evt.ProcessedAt = &done
	if err := e.store.UpdateWebhookEvent(ctx, evt); err != nil {
		return nil, fmt.Errorf("credits: mark webhook %s processed: %w", d.EventID, err)
	}

	e.logger.Debug("webhook processed",
		"provider", d.Provider,
		"event_id", d.EventID,
		"event_type", d.EventType,
		"owner_id", d.OwnerID,
	)
	e.plugins.EmitWebhookProcessed(ctx, evt)
	return &WebhookOutcome{Processed: true, Event: evt}, nil
}

func (e *Engine) duplicate(ctx context.Context, d WebhookDelivery, existing *webhook.Event) *WebhookOutcome {
	e.logger.Info("webhook replay detected",
		"provider", d.Provider,
		"event_id", d.EventID,
		"existing_event_id", existing.EventID,
		"owner_id", d.OwnerID,
	)
	e.plugins.EmitWebhookDuplicate(ctx, d.Provider, d.EventID)
	return &WebhookOutcome{Reason: WebhookReasonDuplicate, Event: existing}
}

// ListWebhookEvents returns recorded events for triage, newest first.
func (e *Engine) ListWebhookEvents(ctx context.Context, opts webhook.ListOpts) ([]*webhook.Event, error) {
	return e.store.ListWebhookEvents(ctx, opts)
}
