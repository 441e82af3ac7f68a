package credits

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/xraph/credits/allowance"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/wallet"
)

// WalletResult is returned by balance mutations.
type WalletResult struct {
	Balance int64
	Entry   *wallet.Entry
}

// Balance is a point-in-time view of what an owner can spend.
type Balance struct {
	Balance            int64
	Reserved           int64
	Available          int64
	AllowanceRemaining int64
	// Spendable is Balance + AllowanceRemaining - Reserved, floored at 0.
	Spendable int64
}

func requireOwner(ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return ValidationError{Field: "owner_id", Message: "required"}
	}
	return nil
}

func requirePositive(field string, amount int64) error {
	if amount <= 0 {
		return ValidationError{Field: field, Message: fmt.Sprintf("must be positive, got %d", amount)}
	}
	return nil
}

// addAmount returns total+amount, or a ValidationError when the sum does
// not fit in int64. Both operands are non-negative.
func addAmount(field string, total, amount int64) (int64, error) {
	if amount > math.MaxInt64-total {
		return 0, ValidationError{Field: field, Message: fmt.Sprintf("%d + %d overflows", total, amount)}
	}
	return total + amount, nil
}

// Credit adds amount to the owner's balance.
func (e *Engine) Credit(ctx context.Context, ownerID string, amount int64, meta wallet.Meta) (*WalletResult, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	if err := requirePositive("amount", amount); err != nil {
		return nil, err
	}

	var res *WalletResult
	err := e.locked(ctx, ownerID, func(ctx context.Context, tx store.Tx, fx *effects) error {
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		entry, err := e.changeBalance(ctx, tx, w, wallet.EntryCredit, amount, meta)
		if err != nil {
			return err
		}
		fx.emit(func(ctx context.Context) { e.plugins.EmitCreditsAdded(ctx, entry) })
		res = &WalletResult{Balance: w.Balance, Entry: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug("credits added", "owner_id", ownerID, "amount", amount, "balance", res.Balance)
	return res, nil
}

// Debit removes amount from the owner's balance. It fails with
// ErrInsufficientFunds when the balance is smaller than amount.
func (e *Engine) Debit(ctx context.Context, ownerID string, amount int64, meta wallet.Meta) (*WalletResult, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	if err := requirePositive("amount", amount); err != nil {
		return nil, err
	}

	var res *WalletResult
	err := e.locked(ctx, ownerID, func(ctx context.Context, tx store.Tx, fx *effects) error {
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		if amount > w.Balance {
			return fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientFunds, w.Balance, amount)
		}
		entry, err := e.changeBalance(ctx, tx, w, wallet.EntryDebit, amount, meta)
		if err != nil {
			return err
		}
		fx.emit(func(ctx context.Context) { e.plugins.EmitCreditsDebited(ctx, entry) })
		res = &WalletResult{Balance: w.Balance, Entry: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug("credits debited", "owner_id", ownerID, "amount", amount, "balance", res.Balance)
	return res, nil
}

// changeBalance applies a signed change to w, saves it and appends the
// matching history entry. Debits and refunds subtract.
func (e *Engine) changeBalance(ctx context.Context, tx store.Tx, w *wallet.Wallet, kind wallet.EntryKind, amount int64, meta wallet.Meta) (*wallet.Entry, error) {
	now := e.now().UTC()
	switch kind {
	case wallet.EntryCredit:
		balance, err := addAmount("balance", w.Balance, amount)
		if err != nil {
			return nil, err
		}
		w.Balance = balance
	default:
		w.Balance -= amount
	}
	w.Touch(now)
	if err := tx.SaveWallet(ctx, w); err != nil {
		return nil, err
	}

	entry := &wallet.Entry{
		ID:           id.NewEntryID(),
		OwnerID:      w.OwnerID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: w.Balance,
		Meta:         meta,
		CreatedAt:    now,
	}
	if err := tx.AppendEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// GetAvailable returns Balance - ReservedBalance, floored at 0. Owners
// without a wallet have nothing available.
func (e *Engine) GetAvailable(ctx context.Context, ownerID string) (int64, error) {
	w, err := e.store.GetWallet(ctx, ownerID)
	if errors.Is(err, ErrWalletNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return w.Available(), nil
}

// GetBalance returns the wallet and allowance figures in one view. The
// two reads are not taken under the owner lock.
func (e *Engine) GetBalance(ctx context.Context, ownerID string) (*Balance, error) {
	b := &Balance{}

	w, err := e.store.GetWallet(ctx, ownerID)
	switch {
	case errors.Is(err, ErrWalletNotFound):
	case err != nil:
		return nil, err
	default:
		b.Balance = w.Balance
		b.Reserved = w.ReservedBalance
		b.Available = w.Available()
	}

	a, err := e.store.GetAllowance(ctx, ownerID)
	switch {
	case errors.Is(err, ErrAllowanceNotFound):
	case err != nil:
		return nil, err
	default:
		b.AllowanceRemaining = a.Remaining()
	}

	b.Spendable = spendableFrom(b.Balance, b.AllowanceRemaining, b.Reserved)
	return b, nil
}

// ListEntries returns the owner's wallet history, newest first.
func (e *Engine) ListEntries(ctx context.Context, ownerID string, opts wallet.ListOpts) ([]*wallet.Entry, error) {
	return e.store.ListEntries(ctx, ownerID, opts)
}

// lockedAllowance reads the owner's allowance inside a unit of work,
// treating a missing row as an inactive allowance.
func lockedAllowance(ctx context.Context, tx store.Tx) (*allowance.Allowance, bool, error) {
	a, err := tx.GetAllowance(ctx)
	if errors.Is(err, ErrAllowanceNotFound) {
		return &allowance.Allowance{OwnerID: tx.OwnerID(), Status: allowance.StatusInactive}, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

// spendable is the capacity left for new holds under the lock.
func spendable(w *wallet.Wallet, a *allowance.Allowance) int64 {
	return spendableFrom(w.Balance, a.Remaining(), w.ReservedBalance)
}

// spendableFrom is balance + remaining - reserved, floored at 0. The sum
// saturates at MaxInt64 instead of wrapping.
func spendableFrom(balance, remaining, reserved int64) int64 {
	total := balance
	if remaining > math.MaxInt64-total {
		total = math.MaxInt64
	} else {
		total += remaining
	}
	return max(0, total-reserved)
}
