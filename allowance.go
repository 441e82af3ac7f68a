package credits

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/xraph/credits/allowance"
	"github.com/xraph/credits/store"
)

// Reasons reported by ResetAllowance when nothing changed.
const (
	ResetReasonNotActive    = "subscription_not_active"
	ResetReasonAlreadyReset = "already_reset"
)

// DeactivateReasonCancelled marks a subscription as cancelled rather than
// merely inactive.
const DeactivateReasonCancelled = "cancelled"

// AllowanceStatus is the read view of an owner's allowance. Owners without
// a subscription get a zero value with StatusInactive.
type AllowanceStatus struct {
	IncludedPerPeriod   int64
	UsedThisPeriod      int64
	RemainingThisPeriod int64
	CurrentPeriodStart  *time.Time
	CurrentPeriodEnd    *time.Time
	Interval            allowance.Interval
	Status              allowance.Status
}

// SubscriptionInput describes a subscription being activated.
type SubscriptionInput struct {
	SubscriptionID    string             `validate:"required"`
	PlanType          string
	Interval          allowance.Interval `validate:"omitempty,oneof=month year"`
	IncludedPerPeriod int64              `validate:"gte=0"`
	PeriodStart       time.Time          `validate:"required"`
	PeriodEnd         time.Time          `validate:"required,gtfield=PeriodStart"`
}

// PeriodInput describes a new billing period.
type PeriodInput struct {
	Start time.Time `validate:"required"`
	End   time.Time `validate:"required,gtfield=Start"`
	// IncludedPerPeriod replaces the quota when positive; zero keeps the
	// current one.
	IncludedPerPeriod int64 `validate:"gte=0"`
	// Ref identifies what triggered the reset, such as an invoice id.
	Ref string
}

// ResetResult is returned by ResetAllowance.
type ResetResult struct {
	Reset     bool
	Reason    string
	Allowance *allowance.Allowance
}

// GetAllowance returns the owner's allowance figures.
func (e *Engine) GetAllowance(ctx context.Context, ownerID string) (*AllowanceStatus, error) {
	a, err := e.store.GetAllowance(ctx, ownerID)
	if errors.Is(err, ErrAllowanceNotFound) {
		return &AllowanceStatus{Status: allowance.StatusInactive}, nil
	}
	if err != nil {
		return nil, err
	}
	return &AllowanceStatus{
		IncludedPerPeriod:   a.IncludedPerPeriod,
		UsedThisPeriod:      a.UsedThisPeriod,
		RemainingThisPeriod: a.Remaining(),
		CurrentPeriodStart:  a.CurrentPeriodStart,
		CurrentPeriodEnd:    a.CurrentPeriodEnd,
		Interval:            a.Interval,
		Status:              a.Status,
	}, nil
}

// ActivateSubscription starts a subscription period with a fresh quota.
// Activating the same subscription for the same period start again changes
// nothing.
func (e *Engine) ActivateSubscription(ctx context.Context, ownerID string, in SubscriptionInput) (*allowance.Allowance, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	if err := validationError(validate.Struct(in)); err != nil {
		return nil, err
	}

	var out *allowance.Allowance
	err := e.locked(ctx, ownerID, func(ctx context.Context, tx store.Tx, fx *effects) error {
		a, _, err := lockedAllowance(ctx, tx)
		if err != nil {
			return err
		}
		if a.Status == allowance.StatusActive && a.SubscriptionID == in.SubscriptionID && a.InPeriod(in.PeriodStart) {
			out = a
			return nil
		}

		now := e.now().UTC()
		start, end := in.PeriodStart.UTC(), in.PeriodEnd.UTC()
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		a.SubscriptionID = in.SubscriptionID
		a.PlanType = in.PlanType
		a.Interval = in.Interval
		a.Status = allowance.StatusActive
		a.IncludedPerPeriod = in.IncludedPerPeriod
		a.UsedThisPeriod = 0
		a.CurrentPeriodStart = &start
		a.CurrentPeriodEnd = &end
		a.LastResetAt = &now
		a.LastResetRef = in.SubscriptionID
		a.Touch(now)
		if err := tx.SaveAllowance(ctx, a); err != nil {
			return err
		}

		out = a
		fx.emit(func(ctx context.Context) { e.plugins.EmitSubscriptionChanged(ctx, a) })
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("subscription activated",
		"owner_id", ownerID,
		"subscription_id", in.SubscriptionID,
		"plan_type", in.PlanType,
		"included", in.IncludedPerPeriod,
	)
	return out, nil
}

// DeactivateSubscription stops the allowance. The reason "cancelled" marks
// it cancelled; anything else marks it inactive. Unused quota is forfeited.
func (e *Engine) DeactivateSubscription(ctx context.Context, ownerID, reason string) (*allowance.Allowance, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	status := allowance.StatusInactive
	if strings.EqualFold(strings.TrimSpace(reason), DeactivateReasonCancelled) {
		status = allowance.StatusCancelled
	}

	var out *allowance.Allowance
	err := e.locked(ctx, ownerID, func(ctx context.Context, tx store.Tx, fx *effects) error {
		a, exists, err := lockedAllowance(ctx, tx)
		if err != nil {
			return err
		}
		out = a
		if exists && a.Status == status {
			return nil
		}

		now := e.now().UTC()
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		a.Status = status
		a.Touch(now)
		if err := tx.SaveAllowance(ctx, a); err != nil {
			return err
		}
		fx.emit(func(ctx context.Context) { e.plugins.EmitSubscriptionChanged(ctx, a) })
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("subscription deactivated", "owner_id", ownerID, "status", string(status), "reason", reason)
	return out, nil
}

// ResetAllowance starts a new period for an active subscription. It is
// idempotent by period start.
func (e *Engine) ResetAllowance(ctx context.Context, ownerID string, in PeriodInput) (*ResetResult, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	if err := validationError(validate.Struct(in)); err != nil {
		return nil, err
	}

	var res *ResetResult
	err := e.locked(ctx, ownerID, func(ctx context.Context, tx store.Tx, fx *effects) error {
		var err error
		res, err = e.resetAllowance(ctx, tx, fx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) resetAllowance(ctx context.Context, tx store.Tx, fx *effects, in PeriodInput) (*ResetResult, error) {
	a, _, err := lockedAllowance(ctx, tx)
	if err != nil {
		return nil, err
	}
	if a.Status != allowance.StatusActive {
		return &ResetResult{Reason: ResetReasonNotActive, Allowance: a}, nil
	}
	start, end := in.Start.UTC(), in.End.UTC()
	if a.InPeriod(start) {
		return &ResetResult{Reason: ResetReasonAlreadyReset, Allowance: a}, nil
	}

	now := e.now().UTC()
	if in.IncludedPerPeriod > 0 {
		a.IncludedPerPeriod = in.IncludedPerPeriod
	}
	a.UsedThisPeriod = 0
	a.CurrentPeriodStart = &start
	a.CurrentPeriodEnd = &end
	a.LastResetAt = &now
	a.LastResetRef = in.Ref
	a.Touch(now)
	if err := tx.SaveAllowance(ctx, a); err != nil {
		return nil, err
	}

	fx.emit(func(ctx context.Context) {
		e.logger.Info("allowance reset",
			"owner_id", a.OwnerID,
			"period_start", start,
			"included", a.IncludedPerPeriod,
			"ref", in.Ref,
		)
		e.plugins.EmitAllowanceReset(ctx, a)
	})
	return &ResetResult{Reset: true, Allowance: a}, nil
}
