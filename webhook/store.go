package webhook

import "context"

type Store interface {
	// CreateWebhookEvent inserts evt. It returns created=false without an
	// error when (Provider, EventID) already exists.
	CreateWebhookEvent(ctx context.Context, evt *Event) (created bool, err error)
	GetWebhookEvent(ctx context.Context, provider, eventID string) (*Event, error)
	// FindWebhookEventByHash looks up an event with the same payload hash.
	// An empty ownerID matches events without an owner.
	FindWebhookEventByHash(ctx context.Context, provider, payloadHash, ownerID string) (*Event, error)
	UpdateWebhookEvent(ctx context.Context, evt *Event) error
	ListWebhookEvents(ctx context.Context, opts ListOpts) ([]*Event, error)
}

type ListOpts struct {
	Provider string
	OwnerID  string
	Status   Status
	Limit    int
	Offset   int
}
