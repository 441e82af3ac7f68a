package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/credits/reservation"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/wallet"
)

// ReconcileOpts overrides the configured sweep bounds. Zero values take
// Config.ReconcileBatchLimit and Config.ReconcileOlderThan.
type ReconcileOpts struct {
	Limit     int
	OlderThan time.Duration
}

// ReconcileResult summarizes one sweep.
type ReconcileResult struct {
	// Released counts reservations moved to expired.
	Released int
	// Owners counts owners whose batch committed.
	Owners int
	// Corrected counts owners whose reserved balance drifted and was reset
	// to the live sum.
	Corrected int
	// Failed counts owners whose batch rolled back.
	Failed int
}

// RecomputeResult is returned by RecomputeReserved.
type RecomputeResult struct {
	Before    int64
	After     int64
	Corrected bool
}

// ReconcileStaleReservations expires reservations that outlived their
// deadline and returns their amount to the owners. Each owner is handled in
// its own locked transaction that re-reads every row, so a sweep may run
// concurrently with itself and with commits. A failing owner does not stop
// the others; failures come back as a MultiError next to the partial
// result, which is never nil.
func (e *Engine) ReconcileStaleReservations(ctx context.Context, opts ReconcileOpts) (*ReconcileResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = e.config.ReconcileBatchLimit
	}
	olderThan := opts.OlderThan
	if olderThan <= 0 {
		olderThan = e.config.ReconcileOlderThan
	}

	start := time.Now()
	now := e.now().UTC()
	res := &ReconcileResult{}

	stale, err := e.store.ListStaleReservations(ctx, now, now.Add(-olderThan), limit)
	if err != nil {
		return res, err
	}
	if len(stale) == 0 {
		return res, nil
	}

	var owners []string
	byOwner := make(map[string][]*reservation.Reservation)
	for _, r := range stale {
		if _, ok := byOwner[r.OwnerID]; !ok {
			owners = append(owners, r.OwnerID)
		}
		byOwner[r.OwnerID] = append(byOwner[r.OwnerID], r)
	}

	var errs MultiError
	for _, ownerID := range owners {
		if ctx.Err() != nil {
			errs.Add(ctx.Err())
			res.Failed += len(owners) - res.Owners - res.Failed
			break
		}

		released, corrected, err := e.expireOwner(ctx, ownerID, byOwner[ownerID], now, olderThan)
		if err != nil {
			res.Failed++
			errs.Add(fmt.Errorf("credits: reconcile owner %s: %w", ownerID, err))
			e.logger.Warn("reconciliation failed for owner",
				"owner_id", ownerID,
				"error", err,
			)
			continue
		}
		res.Owners++
		res.Released += released
		if corrected {
			res.Corrected++
		}
	}

	e.logger.Info("released stale credit reservations",
		"released", res.Released,
		"owners", res.Owners,
		"corrected", res.Corrected,
		"failed", res.Failed,
		"older_than", olderThan,
	)
	e.plugins.EmitReconcileCompleted(ctx, res.Released, res.Owners, res.Failed, time.Since(start))

	return res, errs.ErrOrNil()
}

func (e *Engine) expireOwner(ctx context.Context, ownerID string, candidates []*reservation.Reservation, now time.Time, olderThan time.Duration) (released int, corrected bool, err error) {
	err = e.locked(ctx, ownerID, func(ctx context.Context, tx store.Tx, fx *effects) error {
		released, corrected = 0, false

		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}

		var expired []*reservation.Reservation
		var total int64
		for _, c := range candidates {
			r, err := tx.GetReservation(ctx, c.ID)
			if errors.Is(err, ErrReservationNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			// Committed, released or revived since the scan.
			if !r.Stale(now, olderThan) {
				continue
			}
			r.Status = reservation.StatusExpired
			r.ReleasedAt = &now
			r.Touch(now)
			if err := tx.UpdateReservation(ctx, r); err != nil {
				return err
			}
			expired = append(expired, r)
			total += r.Amount
		}

		if total > w.ReservedBalance {
			fx.warn(WarnReservedUnderflow, total, w.ReservedBalance, "expired holds exceed reserved balance")
		}
		w.ReservedBalance -= min(w.ReservedBalance, total)

		fixed, err := correctDrift(ctx, tx, fx, w)
		if err != nil {
			return err
		}
		if len(expired) == 0 && !fixed {
			return nil
		}
		w.Touch(now)
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}

		released, corrected = len(expired), fixed
		if len(expired) > 0 {
			fx.emit(func(ctx context.Context) { e.plugins.EmitReservationsExpired(ctx, ownerID, expired) })
		}
		return nil
	})
	return released, corrected, err
}

// correctDrift resets w.ReservedBalance to the live sum of reserved rows
// and reports whether it changed. The caller saves w.
func correctDrift(ctx context.Context, tx store.Tx, fx *effects, w *wallet.Wallet) (bool, error) {
	live, err := tx.SumReserved(ctx)
	if err != nil {
		return false, err
	}
	if live == w.ReservedBalance {
		return false, nil
	}
	fx.warn(WarnReservedDrift, live, w.ReservedBalance, "reserved balance does not match live reservations")
	w.ReservedBalance = live
	return true, nil
}

// RecomputeReserved corrects one owner's reserved balance against the sum
// of its live reservations.
func (e *Engine) RecomputeReserved(ctx context.Context, ownerID string) (*RecomputeResult, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}

	res := &RecomputeResult{}
	err := e.locked(ctx, ownerID, func(ctx context.Context, tx store.Tx, fx *effects) error {
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		res.Before = w.ReservedBalance
		fixed, err := correctDrift(ctx, tx, fx, w)
		if err != nil {
			return err
		}
		res.After, res.Corrected = w.ReservedBalance, fixed
		if !fixed {
			return nil
		}
		w.Touch(e.now().UTC())
		return tx.SaveWallet(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
