package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/credits/billing"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/wallet"
)

// ConsumeOpts configures ConsumeMessageBilling.
type ConsumeOpts struct {
	MessageID  string
	Reason     string
	CampaignID string
}

// ConsumeResult describes how an amount was paid for.
type ConsumeResult struct {
	UsedAllowance      int64
	DebitedCredits     int64
	RemainingAllowance int64
	Balance            int64
	BillingStatus      billing.ChargeStatus
	BilledAt           *time.Time
	// AlreadyBilled is set when the message was paid before; the figures
	// are the recorded ones.
	AlreadyBilled bool
	// Shortfall is the part neither the allowance nor the wallet covered.
	// Only commits tolerate one.
	Shortfall int64
}

func (c *ConsumeResult) charge(ownerID, messageID string) *billing.MessageCharge {
	return &billing.MessageCharge{
		MessageID:      messageID,
		OwnerID:        ownerID,
		Status:         c.BillingStatus,
		UsedAllowance:  c.UsedAllowance,
		DebitedCredits: c.DebitedCredits,
		BilledAt:       c.BilledAt,
	}
}

type consumeParams struct {
	messageID     string
	reservationID string
	reason        string
	campaignID    string
	// tolerateShortfall debits what exists instead of failing. Commits set
	// it because the hold already vouched for the amount.
	tolerateShortfall bool
}

// ConsumeMessageBilling bills amount for one message: the subscription
// allowance first, the wallet for the remainder. A message that is already
// paid is never charged again. The wallet part must fit the available
// balance or the call fails with ErrInsufficientCredits.
func (e *Engine) ConsumeMessageBilling(ctx context.Context, ownerID string, amount int64, opts ConsumeOpts) (*ConsumeResult, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	if err := requirePositive("amount", amount); err != nil {
		return nil, err
	}

	var res *ConsumeResult
	err := e.locked(ctx, ownerID, func(ctx context.Context, tx store.Tx, fx *effects) error {
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		res, err = e.consume(ctx, tx, fx, w, amount, consumeParams{
			messageID:  strings.TrimSpace(opts.MessageID),
			reason:     firstNonEmpty(opts.Reason, DefaultCommitReason),
			campaignID: opts.CampaignID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// consume runs inside a unit of work and mutates w in place.
func (e *Engine) consume(ctx context.Context, tx store.Tx, fx *effects, w *wallet.Wallet, amount int64, p consumeParams) (*ConsumeResult, error) {
	if p.messageID != "" {
		prior, err := tx.GetMessageCharge(ctx, p.messageID)
		switch {
		case errors.Is(err, ErrMessageChargeNotFound):
		case err != nil:
			return nil, err
		case prior.OwnerID != w.OwnerID:
			return nil, fmt.Errorf("%w: message %s is billed to another owner", ErrAlreadyExists, p.messageID)
		case prior.Paid():
			a, _, err := lockedAllowance(ctx, tx)
			if err != nil {
				return nil, err
			}
			return &ConsumeResult{
				UsedAllowance:      prior.UsedAllowance,
				DebitedCredits:     prior.DebitedCredits,
				RemainingAllowance: a.Remaining(),
				Balance:            w.Balance,
				BillingStatus:      prior.Status,
				BilledAt:           prior.BilledAt,
				AlreadyBilled:      true,
			}, nil
		}
	}

	a, exists, err := lockedAllowance(ctx, tx)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()

	used := int64(0)
	if exists {
		used = a.Consume(amount)
	}
	remainder := amount - used

	debit := remainder
	shortfall := int64(0)
	if remainder > 0 {
		if p.tolerateShortfall {
			debit = min(remainder, max(0, w.Balance))
			shortfall = remainder - debit
		} else if remainder > w.Available() {
			return nil, fmt.Errorf("%w: available %d, required %d", ErrInsufficientCredits, w.Available(), remainder)
		}
	}

	if used > 0 {
		a.Touch(now)
		if err := tx.SaveAllowance(ctx, a); err != nil {
			return nil, err
		}
	}
	if debit > 0 {
		entry, err := e.changeBalance(ctx, tx, w, wallet.EntryDebit, debit, wallet.Meta{
			Reason:        p.reason,
			CampaignID:    p.campaignID,
			MessageID:     p.messageID,
			ReservationID: p.reservationID,
		})
		if err != nil {
			return nil, err
		}
		fx.emit(func(ctx context.Context) { e.plugins.EmitCreditsDebited(ctx, entry) })
	}
	if shortfall > 0 {
		fx.warn(WarnCommitShortfall, remainder, debit,
			fmt.Sprintf("message %q billed %d short", p.messageID, shortfall))
	}

	res := &ConsumeResult{
		UsedAllowance:      used,
		DebitedCredits:     debit,
		RemainingAllowance: a.Remaining(),
		Balance:            w.Balance,
		BillingStatus:      billing.ChargePaid,
		BilledAt:           &now,
		Shortfall:          shortfall,
	}

	if p.messageID != "" {
		charge := res.charge(w.OwnerID, p.messageID)
		if err := tx.SaveMessageCharge(ctx, charge); err != nil {
			return nil, err
		}
		fx.emit(func(ctx context.Context) { e.plugins.EmitMessageBilled(ctx, charge) })
	}
	return res, nil
}
