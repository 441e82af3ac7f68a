// Package allowance models the periodic message quota that a subscription
// grants an owner.
package allowance

import (
	"time"

	"github.com/xraph/credits/types"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusCancelled Status = "cancelled"
)

type Interval string

const (
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

type Allowance struct {
	types.Entity
	OwnerID            string     `json:"owner_id"`
	SubscriptionID     string     `json:"subscription_id,omitempty"`
	PlanType           string     `json:"plan_type,omitempty"`
	Interval           Interval   `json:"interval,omitempty"`
	Status             Status     `json:"status"`
	IncludedPerPeriod  int64      `json:"included_per_period"`
	UsedThisPeriod     int64      `json:"used_this_period"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	LastResetAt        *time.Time `json:"last_reset_at,omitempty"`
	LastResetRef       string     `json:"last_reset_ref,omitempty"`
}

// Remaining is the unused quota for the current period. Inactive and
// cancelled allowances have none.
func (a *Allowance) Remaining() int64 {
	if a == nil || a.Status != StatusActive {
		return 0
	}
	if rem := a.IncludedPerPeriod - a.UsedThisPeriod; rem > 0 {
		return rem
	}
	return 0
}

// Consume takes up to amount from the remaining quota and returns how
// much was taken.
func (a *Allowance) Consume(amount int64) int64 {
	take := min(a.Remaining(), amount)
	if take > 0 {
		a.UsedThisPeriod += take
	}
	return take
}

// InPeriod reports whether the current period already starts at start.
// Activation and reset both set the period, so a second reset for the same
// start is a no-op.
func (a *Allowance) InPeriod(start time.Time) bool {
	return a.CurrentPeriodStart != nil && a.CurrentPeriodStart.Equal(start)
}
