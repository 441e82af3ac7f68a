package reservation

import (
	"context"
	"time"

	"github.com/xraph/credits/id"
)

// Store is the read side of reservation persistence.
type Store interface {
	GetReservation(ctx context.Context, rsvID id.ReservationID) (*Reservation, error)
	ListReservations(ctx context.Context, ownerID string, opts ListOpts) ([]*Reservation, error)
	// ListStaleReservations returns reserved rows with ExpiresAt before now,
	// or without ExpiresAt and ReservedAt before reservedBefore, oldest
	// first.
	ListStaleReservations(ctx context.Context, now, reservedBefore time.Time, limit int) ([]*Reservation, error)
}

type ListOpts struct {
	Status     Status
	CampaignID string
	Limit      int
	Offset     int
}
