// Package reservation models credit holds placed before an external send.
//
// A reservation moves reserved -> committed when the send succeeds, or
// reserved -> released / expired when it fails or goes stale. Released and
// expired rows may be revived back to reserved; committed is terminal.
package reservation

import (
	"time"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

type Status string

const (
	StatusReserved  Status = "reserved"
	StatusCommitted Status = "committed"
	StatusReleased  Status = "released"
	StatusExpired   Status = "expired"
)

// Active reports whether the status counts as a live or settled hold.
func (s Status) Active() bool {
	return s == StatusReserved || s == StatusCommitted
}

// Revivable reports whether a row in this status may return to reserved.
func (s Status) Revivable() bool {
	return s == StatusReleased || s == StatusExpired
}

type Reservation struct {
	types.Entity
	ID             id.ReservationID `json:"id"`
	OwnerID        string           `json:"owner_id"`
	MessageID      string           `json:"message_id,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Amount         int64            `json:"amount"`
	Status         Status           `json:"status"`
	Reason         string           `json:"reason,omitempty"`
	CampaignID     string           `json:"campaign_id,omitempty"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty"`
	ReservedAt     time.Time        `json:"reserved_at"`
	CommittedAt    *time.Time       `json:"committed_at,omitempty"`
	ReleasedAt     *time.Time       `json:"released_at,omitempty"`
}

// Stale reports whether a reserved row is due for reclamation at now.
// Rows without an expiry go stale once they are older than olderThan.
func (r *Reservation) Stale(now time.Time, olderThan time.Duration) bool {
	if r.Status != StatusReserved {
		return false
	}
	if r.ExpiresAt != nil {
		return r.ExpiresAt.Before(now)
	}
	return r.ReservedAt.Before(now.Add(-olderThan))
}
