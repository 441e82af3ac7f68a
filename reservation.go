package credits

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/xraph/credits/billing"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/reservation"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/types"
)

// Defaults applied to reservation options.
const (
	DefaultReserveReason = "sms:reserve"
	DefaultCommitReason  = "sms:send"
)

// ReservationRef addresses a reservation either by ID or by message.
type ReservationRef struct {
	ID        id.ReservationID
	MessageID string
}

// ByID references a reservation by its ID.
func ByID(rsvID id.ReservationID) ReservationRef { return ReservationRef{ID: rsvID} }

// ByMessage references the reservation held for a message.
func ByMessage(messageID string) ReservationRef { return ReservationRef{MessageID: messageID} }

func (r ReservationRef) String() string {
	if !r.ID.IsNil() {
		return r.ID.String()
	}
	return "message:" + r.MessageID
}

// BatchReserveOpts configures ReserveForMessages.
type BatchReserveOpts struct {
	AmountPerMessage int64
	Reason           string
	CampaignID       string
	ExpiresAt        *time.Time
}

// BatchReserveResult counts what ReserveForMessages did. Total is the
// number of distinct message ids after normalization.
type BatchReserveResult struct {
	Reserved int
	Reused   int
	Total    int
}

// ReserveOpts configures Reserve.
type ReserveOpts struct {
	IdempotencyKey string
	MessageID      string
	Reason         string
	CampaignID     string
	ExpiresAt      *time.Time
}

// ReserveResult is returned by Reserve. Reserved is false when an existing
// reservation for the key or message was returned instead.
type ReserveResult struct {
	Reservation *reservation.Reservation
	Reserved    bool
}

// CommitOpts overrides what the commit records on the wallet entry.
type CommitOpts struct {
	Reason     string
	CampaignID string
}

// CommitResult is returned by Commit.
type CommitResult struct {
	Committed        bool
	AlreadyCommitted bool
	Reservation      *reservation.Reservation
	Balance          int64
	Consumption      *ConsumeResult
	BilledAt         *time.Time
}

// ReleaseOpts configures Release.
type ReleaseOpts struct {
	Reason string
}

// ReleaseResult is returned by Release.
type ReleaseResult struct {
	Released        bool
	AlreadyReleased bool
	Reservation     *reservation.Reservation
	ReleasedAt      *time.Time
}

// normalizeMessageIDs trims ids, drops empty ones and removes duplicates
// while keeping first-seen order.
func normalizeMessageIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		msgID := strings.TrimSpace(raw)
		if msgID == "" {
			continue
		}
		if _, dup := seen[msgID]; dup {
			continue
		}
		seen[msgID] = struct{}{}
		out = append(out, msgID)
	}
	return out
}

func (e *Engine) expiry(explicit *time.Time) *time.Time {
	if explicit != nil {
		t := explicit.UTC()
		return &t
	}
	t := e.now().UTC().Add(e.config.ReservationTTL)
	return &t
}

// ReserveForMessages places one hold per message, all or nothing. Messages
// that already hold a live or committed reservation are reused; released or
// expired reservations are revived unless the message was already billed.
func (e *Engine) ReserveForMessages(ctx context.Context, ownerID string, messageIDs []string, opts BatchReserveOpts) (*BatchReserveResult, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	ids := normalizeMessageIDs(messageIDs)
	if len(ids) == 0 {
		return &BatchReserveResult{}, nil
	}
	if opts.AmountPerMessage <= 0 {
		opts.AmountPerMessage = 1
	}
	if int64(len(ids)) > math.MaxInt64/opts.AmountPerMessage {
		return nil, ValidationError{
			Field:   "amount_per_message",
			Message: fmt.Sprintf("%d messages of %d overflow the total", len(ids), opts.AmountPerMessage),
		}
	}
	if opts.Reason == "" {
		opts.Reason = DefaultReserveReason
	}
	expiresAt := e.expiry(opts.ExpiresAt)

	res := &BatchReserveResult{Total: len(ids)}
	err := e.locked(ctx, ownerID, func(ctx context.Context, tx store.Tx, fx *effects) error {
		res.Reserved, res.Reused = 0, 0

		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		a, _, err := lockedAllowance(ctx, tx)
		if err != nil {
			return err
		}
		existing, err := tx.FindReservationsByMessages(ctx, ids)
		if err != nil {
			return err
		}

		var toRevive []*reservation.Reservation
		var toCreate []string
		for _, msgID := range ids {
			cur, ok := existing[msgID]
			switch {
			case !ok:
				toCreate = append(toCreate, msgID)
			case cur.OwnerID != ownerID:
				return fmt.Errorf("%w: message %s is reserved by another owner", ErrAlreadyExists, msgID)
			case cur.Status.Active():
				res.Reused++
			default:
				billed, err := messagePaid(ctx, tx, msgID)
				if err != nil {
					return err
				}
				if billed {
					res.Reused++
					continue
				}
				toRevive = append(toRevive, cur)
			}
		}

		count := int64(len(toRevive) + len(toCreate))
		need := count * opts.AmountPerMessage
		if capacity := spendable(w, a); capacity < need {
			return fmt.Errorf("%w: spendable %d, required %d", ErrInsufficientCredits, capacity, need)
		}
		if count == 0 {
			return nil
		}

		now := e.now().UTC()
		var created []*reservation.Reservation
		for _, r := range toRevive {
			r.Status = reservation.StatusReserved
			r.Amount = opts.AmountPerMessage
			r.Reason = opts.Reason
			r.CampaignID = opts.CampaignID
			r.ReservedAt = now
			r.CommittedAt = nil
			r.ReleasedAt = nil
			r.ExpiresAt = expiresAt
			r.Touch(now)
			if err := tx.UpdateReservation(ctx, r); err != nil {
				return err
			}
			created = append(created, r)
		}
		for _, msgID := range toCreate {
			r := &reservation.Reservation{
				Entity:     types.NewEntityAt(now),
				ID:         id.NewReservationID(),
				OwnerID:    ownerID,
				MessageID:  msgID,
				Amount:     opts.AmountPerMessage,
				Status:     reservation.StatusReserved,
				Reason:     opts.Reason,
				CampaignID: opts.CampaignID,
				ExpiresAt:  expiresAt,
				ReservedAt: now,
			}
			if err := tx.CreateReservation(ctx, r); err != nil {
				return err
			}
			created = append(created, r)
		}

		reserved, err := addAmount("reserved_balance", w.ReservedBalance, need)
		if err != nil {
			return err
		}
		w.ReservedBalance = reserved
		w.Touch(now)
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}

		res.Reserved = int(count)
		for _, r := range created {
			fx.emit(func(ctx context.Context) { e.plugins.EmitReservationCreated(ctx, r) })
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug("reserved credits for messages",
		"owner_id", ownerID,
		"reserved", res.Reserved,
		"reused", res.Reused,
		"total", res.Total,
	)
	return res, nil
}

// Reserve places a single hold of amount. An existing reservation for the
// same idempotency key or message is returned unchanged.
func (e *Engine) Reserve(ctx context.Context, ownerID string, amount int64, opts ReserveOpts) (*ReserveResult, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	if err := requirePositive("amount", amount); err != nil {
		return nil, err
	}
	opts.IdempotencyKey = strings.TrimSpace(opts.IdempotencyKey)
	opts.MessageID = strings.TrimSpace(opts.MessageID)
	if opts.Reason == "" {
		opts.Reason = DefaultReserveReason
	}
	expiresAt := e.expiry(opts.ExpiresAt)

	var res *ReserveResult
	err := e.locked(ctx, ownerID, func(ctx context.Context, tx store.Tx, fx *effects) error {
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}

		if opts.IdempotencyKey != "" {
			existing, err := tx.GetReservationByIdempotencyKey(ctx, opts.IdempotencyKey)
			if err == nil {
				res = &ReserveResult{Reservation: existing}
				return nil
			}
			if !errors.Is(err, ErrReservationNotFound) {
				return err
			}
		}
		if opts.MessageID != "" {
			existing, err := tx.GetReservationByMessage(ctx, opts.MessageID)
			if err == nil {
				if existing.OwnerID != ownerID {
					return fmt.Errorf("%w: message %s is reserved by another owner", ErrAlreadyExists, opts.MessageID)
				}
				res = &ReserveResult{Reservation: existing}
				return nil
			}
			if !errors.Is(err, ErrReservationNotFound) {
				return err
			}
		}

		a, _, err := lockedAllowance(ctx, tx)
		if err != nil {
			return err
		}
		if capacity := spendable(w, a); capacity < amount {
			return fmt.Errorf("%w: spendable %d, required %d", ErrInsufficientCredits, capacity, amount)
		}

		now := e.now().UTC()
		r := &reservation.Reservation{
			Entity:         types.NewEntityAt(now),
			ID:             id.NewReservationID(),
			OwnerID:        ownerID,
			MessageID:      opts.MessageID,
			IdempotencyKey: opts.IdempotencyKey,
			Amount:         amount,
			Status:         reservation.StatusReserved,
			Reason:         opts.Reason,
			CampaignID:     opts.CampaignID,
			ExpiresAt:      expiresAt,
			ReservedAt:     now,
		}
		if err := tx.CreateReservation(ctx, r); err != nil {
			return err
		}
		reserved, err := addAmount("reserved_balance", w.ReservedBalance, amount)
		if err != nil {
			return err
		}
		w.ReservedBalance = reserved
		w.Touch(now)
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}

		res = &ReserveResult{Reservation: r, Reserved: true}
		fx.emit(func(ctx context.Context) { e.plugins.EmitReservationCreated(ctx, r) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// findLocked resolves ref inside the owner's unit of work. Reservations of
// other owners are reported as not found.
func findLocked(ctx context.Context, tx store.Tx, ref ReservationRef) (*reservation.Reservation, error) {
	var (
		r   *reservation.Reservation
		err error
	)
	switch {
	case !ref.ID.IsNil():
		r, err = tx.GetReservation(ctx, ref.ID)
	case strings.TrimSpace(ref.MessageID) != "":
		r, err = tx.GetReservationByMessage(ctx, strings.TrimSpace(ref.MessageID))
	default:
		return nil, ValidationError{Field: "reservation", Message: "id or message id required"}
	}
	if err != nil {
		return nil, err
	}
	if r.OwnerID != tx.OwnerID() {
		return nil, fmt.Errorf("%w: %s", ErrReservationNotFound, ref)
	}
	return r, nil
}

// Commit settles a live reservation: the hold is removed and the amount is
// billed allowance first, then from the wallet. Committing twice returns
// AlreadyCommitted.
func (e *Engine) Commit(ctx context.Context, ownerID string, ref ReservationRef, opts CommitOpts) (*CommitResult, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}

	var res *CommitResult
	err := e.locked(ctx, ownerID, func(ctx context.Context, tx store.Tx, fx *effects) error {
		r, err := findLocked(ctx, tx, ref)
		if err != nil {
			return err
		}

		switch r.Status {
		case reservation.StatusCommitted:
			res = &CommitResult{AlreadyCommitted: true, Reservation: r, BilledAt: r.CommittedAt}
			return nil
		case reservation.StatusReserved:
		default:
			return fmt.Errorf("%w: reservation %s is %s", ErrReservationStateConflict, r.ID, r.Status)
		}

		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		if w.ReservedBalance < r.Amount {
			fx.warn(WarnReservedUnderflow, r.Amount, w.ReservedBalance,
				fmt.Sprintf("reserved balance below reservation %s on commit", r.ID))
		}
		now := e.now().UTC()
		w.ReservedBalance -= min(w.ReservedBalance, r.Amount)
		w.Touch(now)
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}

		reason := firstNonEmpty(opts.Reason, r.Reason, DefaultCommitReason)
		if reason == DefaultReserveReason {
			reason = DefaultCommitReason
		}
		consumption, err := e.consume(ctx, tx, fx, w, r.Amount, consumeParams{
			messageID:         r.MessageID,
			reservationID:     r.ID.String(),
			reason:            reason,
			campaignID:        firstNonEmpty(opts.CampaignID, r.CampaignID),
			tolerateShortfall: true,
		})
		if err != nil {
			return err
		}

		r.Status = reservation.StatusCommitted
		r.CommittedAt = &now
		r.Touch(now)
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return err
		}

		res = &CommitResult{
			Committed:   true,
			Reservation: r,
			Balance:     w.Balance,
			Consumption: consumption,
			BilledAt:    &now,
		}
		charge := consumption.charge(ownerID, r.MessageID)
		fx.emit(func(ctx context.Context) { e.plugins.EmitReservationCommitted(ctx, r, charge) })
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Committed {
		e.logger.Debug("reservation committed",
			"owner_id", ownerID,
			"reservation_id", res.Reservation.ID.String(),
			"message_id", res.Reservation.MessageID,
			"used_allowance", res.Consumption.UsedAllowance,
			"debited", res.Consumption.DebitedCredits,
		)
	}
	return res, nil
}

// Release returns a live hold to the owner. Releasing a released or
// expired reservation is a no-op; releasing a committed one fails with
// ErrAlreadyCommitted.
func (e *Engine) Release(ctx context.Context, ownerID string, ref ReservationRef, opts ReleaseOpts) (*ReleaseResult, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}

	var res *ReleaseResult
	err := e.locked(ctx, ownerID, func(ctx context.Context, tx store.Tx, fx *effects) error {
		r, err := findLocked(ctx, tx, ref)
		if err != nil {
			return err
		}

		switch r.Status {
		case reservation.StatusReleased, reservation.StatusExpired:
			res = &ReleaseResult{AlreadyReleased: true, Reservation: r, ReleasedAt: r.ReleasedAt}
			return nil
		case reservation.StatusCommitted:
			return fmt.Errorf("%w: reservation %s", ErrAlreadyCommitted, r.ID)
		}

		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		if w.ReservedBalance < r.Amount {
			fx.warn(WarnReservedUnderflow, r.Amount, w.ReservedBalance,
				fmt.Sprintf("reserved balance below reservation %s on release", r.ID))
		}
		now := e.now().UTC()
		w.ReservedBalance -= min(w.ReservedBalance, r.Amount)
		w.Touch(now)
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}

		r.Status = reservation.StatusReleased
		r.ReleasedAt = &now
		if opts.Reason != "" {
			r.Reason = opts.Reason
		}
		r.Touch(now)
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return err
		}

		res = &ReleaseResult{Released: true, Reservation: r, ReleasedAt: &now}
		fx.emit(func(ctx context.Context) { e.plugins.EmitReservationReleased(ctx, r) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetReservation returns a reservation by ID.
func (e *Engine) GetReservation(ctx context.Context, rsvID id.ReservationID) (*reservation.Reservation, error) {
	return e.store.GetReservation(ctx, rsvID)
}

// ListReservations returns the owner's reservations, newest first.
func (e *Engine) ListReservations(ctx context.Context, ownerID string, opts reservation.ListOpts) ([]*reservation.Reservation, error) {
	return e.store.ListReservations(ctx, ownerID, opts)
}

func messagePaid(ctx context.Context, tx store.Tx, messageID string) (bool, error) {
	charge, err := tx.GetMessageCharge(ctx, messageID)
	if errors.Is(err, ErrMessageChargeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return charge.Status == billing.ChargePaid, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
