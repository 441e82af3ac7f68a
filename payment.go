package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/credits/billing"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/types"
	"github.com/xraph/credits/wallet"
)

// PaymentInput describes a completed credit purchase.
type PaymentInput struct {
	OwnerID     string `validate:"required"`
	Provider    string `validate:"required"`
	ExternalRef string `validate:"required"`
	Credits     int64  `validate:"gt=0"`
	Amount      types.Money
	Meta        billing.Meta
}

// RefundInput describes a refund of an earlier purchase.
type RefundInput struct {
	OwnerID     string `validate:"required"`
	Provider    string `validate:"required"`
	ExternalRef string `validate:"required"`
	OriginalRef string `validate:"required,nefield=ExternalRef"`
	// Credits defaults to the credits of the original purchase.
	Credits int64 `validate:"gte=0"`
	Amount  types.Money
}

// InvoiceInput describes a paid subscription invoice.
type InvoiceInput struct {
	OwnerID        string `validate:"required"`
	Provider       string `validate:"required"`
	InvoiceID      string `validate:"required"`
	SubscriptionID string
	Amount         types.Money
	Period         PeriodInput
	// BonusCredits are added to the wallet on top of the allowance reset.
	BonusCredits int64 `validate:"gte=0"`
}

// PaymentResult is returned by the payment recorders.
type PaymentResult struct {
	Transaction     *billing.Transaction
	AlreadyRecorded bool
	Balance         int64
	// Reset is set by RecordInvoicePayment.
	Reset *ResetResult
}

// RecordPurchase records a purchase and credits the wallet in the same
// transaction. A purchase already recorded under the same provider
// reference leaves the wallet untouched.
func (e *Engine) RecordPurchase(ctx context.Context, in PaymentInput) (*PaymentResult, error) {
	if err := validationError(validate.Struct(in)); err != nil {
		return nil, err
	}

	var res *PaymentResult
	err := e.locked(ctx, in.OwnerID, func(ctx context.Context, tx store.Tx, fx *effects) error {
		now := e.now().UTC()
		txn := &billing.Transaction{
			Entity:      types.NewEntityAt(now),
			ID:          id.NewTransactionID(),
			OwnerID:     in.OwnerID,
			Provider:    in.Provider,
			ExternalRef: in.ExternalRef,
			Kind:        billing.KindPurchase,
			Status:      billing.TransactionCompleted,
			Credits:     in.Credits,
			Amount:      in.Amount,
			Meta:        in.Meta,
		}
		created, err := tx.InsertTransaction(ctx, txn)
		if err != nil {
			return err
		}
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		if !created {
			existing, err := tx.GetTransaction(ctx, in.Provider, in.ExternalRef)
			if err != nil {
				return err
			}
			res = &PaymentResult{Transaction: existing, AlreadyRecorded: true, Balance: w.Balance}
			return nil
		}

		entry, err := e.changeBalance(ctx, tx, w, wallet.EntryCredit, in.Credits, wallet.Meta{
			Reason:         "purchase",
			TransactionRef: in.ExternalRef,
		})
		if err != nil {
			return err
		}

		res = &PaymentResult{Transaction: txn, Balance: w.Balance}
		fx.emit(func(ctx context.Context) {
			e.plugins.EmitPaymentRecorded(ctx, txn)
			e.plugins.EmitCreditsAdded(ctx, entry)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !res.AlreadyRecorded {
		e.logger.Info("purchase recorded",
			"owner_id", in.OwnerID,
			"provider", in.Provider,
			"external_ref", in.ExternalRef,
			"credits", in.Credits,
		)
	}
	return res, nil
}

// RecordRefund records a refund of a completed purchase and takes the
// refunded credits back, never below a zero balance.
func (e *Engine) RecordRefund(ctx context.Context, in RefundInput) (*PaymentResult, error) {
	if err := validationError(validate.Struct(in)); err != nil {
		return nil, err
	}

	var res *PaymentResult
	err := e.locked(ctx, in.OwnerID, func(ctx context.Context, tx store.Tx, fx *effects) error {
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}

		existing, err := tx.GetTransaction(ctx, in.Provider, in.ExternalRef)
		switch {
		case err == nil:
			res = &PaymentResult{Transaction: existing, AlreadyRecorded: true, Balance: w.Balance}
			return nil
		case !errors.Is(err, ErrTransactionNotFound):
			return err
		}

		original, err := tx.GetTransaction(ctx, in.Provider, in.OriginalRef)
		if errors.Is(err, ErrTransactionNotFound) {
			return ValidationError{Field: "original_ref", Message: fmt.Sprintf("no purchase %q", in.OriginalRef)}
		}
		if err != nil {
			return err
		}
		if original.OwnerID != in.OwnerID || original.Kind != billing.KindPurchase || original.Status != billing.TransactionCompleted {
			return ValidationError{
				Field:   "original_ref",
				Message: fmt.Sprintf("%q is not a completed purchase of this owner (%s, %s)", in.OriginalRef, original.Kind, original.Status),
			}
		}

		credits := in.Credits
		if credits == 0 {
			credits = original.Credits
		}
		taken := min(credits, max(0, w.Balance))
		if taken < credits {
			fx.warn(WarnRefundShortfall, credits, taken,
				fmt.Sprintf("refund %s exceeds balance", in.ExternalRef))
		}

		now := e.now().UTC()
		txn := &billing.Transaction{
			Entity:      types.NewEntityAt(now),
			ID:          id.NewTransactionID(),
			OwnerID:     in.OwnerID,
			Provider:    in.Provider,
			ExternalRef: in.ExternalRef,
			Kind:        billing.KindRefund,
			Status:      billing.TransactionCompleted,
			Credits:     taken,
			Amount:      in.Amount,
			Meta:        billing.Meta{OriginalRef: in.OriginalRef, PaymentIntentID: original.Meta.PaymentIntentID},
		}
		created, err := tx.InsertTransaction(ctx, txn)
		if err != nil {
			return err
		}
		if !created {
			return fmt.Errorf("%w: refund %s", ErrAlreadyExists, in.ExternalRef)
		}

		original.Status = billing.TransactionRefunded
		original.Touch(now)
		if err := tx.UpdateTransaction(ctx, original); err != nil {
			return err
		}

		var entry *wallet.Entry
		if taken > 0 {
			entry, err = e.changeBalance(ctx, tx, w, wallet.EntryRefund, taken, wallet.Meta{
				Reason:         "refund",
				TransactionRef: in.ExternalRef,
			})
			if err != nil {
				return err
			}
		}

		res = &PaymentResult{Transaction: txn, Balance: w.Balance}
		fx.emit(func(ctx context.Context) {
			e.plugins.EmitPaymentRecorded(ctx, txn)
			if entry != nil {
				e.plugins.EmitCreditsDebited(ctx, entry)
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RecordInvoicePayment records a paid subscription invoice and resets the
// allowance for the invoice period in the same transaction.
func (e *Engine) RecordInvoicePayment(ctx context.Context, in InvoiceInput) (*PaymentResult, error) {
	if err := validationError(validate.Struct(in)); err != nil {
		return nil, err
	}
	if in.Period.Ref == "" {
		in.Period.Ref = in.InvoiceID
	}

	var res *PaymentResult
	err := e.locked(ctx, in.OwnerID, func(ctx context.Context, tx store.Tx, fx *effects) error {
		now := e.now().UTC()
		txn := &billing.Transaction{
			Entity:      types.NewEntityAt(now),
			ID:          id.NewTransactionID(),
			OwnerID:     in.OwnerID,
			Provider:    in.Provider,
			ExternalRef: in.InvoiceID,
			Kind:        billing.KindSubscriptionInvoice,
			Status:      billing.TransactionCompleted,
			Credits:     in.BonusCredits,
			Amount:      in.Amount,
			Meta:        billing.Meta{InvoiceID: in.InvoiceID, SubscriptionID: in.SubscriptionID},
		}
		created, err := tx.InsertTransaction(ctx, txn)
		if err != nil {
			return err
		}
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		if !created {
			existing, err := tx.GetTransaction(ctx, in.Provider, in.InvoiceID)
			if err != nil {
				return err
			}
			res = &PaymentResult{Transaction: existing, AlreadyRecorded: true, Balance: w.Balance}
			return nil
		}

		reset, err := e.resetAllowance(ctx, tx, fx, in.Period)
		if err != nil {
			return err
		}

		var entry *wallet.Entry
		if in.BonusCredits > 0 {
			entry, err = e.changeBalance(ctx, tx, w, wallet.EntryCredit, in.BonusCredits, wallet.Meta{
				Reason:         "subscription_invoice",
				TransactionRef: in.InvoiceID,
			})
			if err != nil {
				return err
			}
		}

		res = &PaymentResult{Transaction: txn, Balance: w.Balance, Reset: reset}
		fx.emit(func(ctx context.Context) {
			e.plugins.EmitPaymentRecorded(ctx, txn)
			if entry != nil {
				e.plugins.EmitCreditsAdded(ctx, entry)
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ListTransactions returns the owner's billing transactions, newest first.
func (e *Engine) ListTransactions(ctx context.Context, ownerID string, opts billing.ListOpts) ([]*billing.Transaction, error) {
	return e.store.ListTransactions(ctx, ownerID, opts)
}
