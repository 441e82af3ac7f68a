package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/xraph/credits"
	"github.com/xraph/credits/allowance"
	"github.com/xraph/credits/billing"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/reservation"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/wallet"
)

var _ store.Tx = (*unit)(nil)

// unit is one owner-locked transaction.
type unit struct {
	s       *Store
	tx      *sqlx.Tx
	ownerID string
	wallet  *walletModel
}

func (t *unit) OwnerID() string { return t.ownerID }

func (t *unit) wrap(op string, err error) error { return t.s.wrap(op, err) }

// lock creates the wallet row when missing and takes the row lock.
func (t *unit) lock(ctx context.Context) error {
	now := time.Now().UTC()
	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(`INSERT INTO credit_wallets (`+walletCols+`)
VALUES (?, 0, 0, ?, ?)
ON CONFLICT (owner_id) DO NOTHING`), t.ownerID, now, now)
	if err != nil {
		return t.wrap("ensure wallet", err)
	}

	var m walletModel
	err = t.tx.GetContext(ctx, &m, t.tx.Rebind(`SELECT `+walletCols+` FROM credit_wallets WHERE owner_id = ?`+t.s.dialect.LockClause), t.ownerID)
	if err != nil {
		return t.wrap("lock wallet", err)
	}
	t.wallet = &m
	return nil
}

// ==================== Wallet ====================

func (t *unit) Wallet(_ context.Context) (*wallet.Wallet, error) {
	return fromWalletModel(t.wallet), nil
}

func (t *unit) SaveWallet(ctx context.Context, w *wallet.Wallet) error {
	if w.OwnerID != t.ownerID {
		return fmt.Errorf("credits/%s: wallet %s saved under lock of %s", t.s.dialect.Name, w.OwnerID, t.ownerID)
	}
	m := toWalletModel(w)
	_, err := t.tx.NamedExecContext(ctx, `UPDATE credit_wallets
SET balance = :balance, reserved_balance = :reserved_balance, updated_at = :updated_at
WHERE owner_id = :owner_id`, m)
	if err != nil {
		return t.wrap("save wallet", err)
	}
	t.wallet = m
	return nil
}

func (t *unit) AppendEntry(ctx context.Context, e *wallet.Entry) error {
	_, err := t.tx.NamedExecContext(ctx, `INSERT INTO credit_wallet_entries (`+entryCols+`)
VALUES (:id, :owner_id, :kind, :amount, :balance_after, :reason, :campaign_id, :message_id, :reservation_id, :transaction_ref, :created_at)`,
		toEntryModel(e))
	if err != nil {
		return t.wrap("append entry", err)
	}
	return nil
}

// ==================== Reservations ====================

func (t *unit) getReservation(ctx context.Context, where string, args ...any) (*reservation.Reservation, error) {
	var m reservationModel
	err := t.tx.GetContext(ctx, &m, t.tx.Rebind(`SELECT `+reservationCols+` FROM credit_reservations WHERE `+where), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credits.ErrReservationNotFound
	}
	if err != nil {
		return nil, t.wrap("get reservation", err)
	}
	return fromReservationModel(&m)
}

func (t *unit) GetReservation(ctx context.Context, rsvID id.ReservationID) (*reservation.Reservation, error) {
	return t.getReservation(ctx, `id = ?`, rsvID.String())
}

func (t *unit) GetReservationByMessage(ctx context.Context, messageID string) (*reservation.Reservation, error) {
	return t.getReservation(ctx, `message_id = ?`, messageID)
}

func (t *unit) GetReservationByIdempotencyKey(ctx context.Context, key string) (*reservation.Reservation, error) {
	return t.getReservation(ctx, `owner_id = ? AND idempotency_key = ?`, t.ownerID, key)
}

func (t *unit) FindReservationsByMessages(ctx context.Context, messageIDs []string) (map[string]*reservation.Reservation, error) {
	out := make(map[string]*reservation.Reservation, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(`SELECT `+reservationCols+` FROM credit_reservations WHERE message_id IN (?)`, messageIDs)
	if err != nil {
		return nil, t.wrap("build reservation lookup", err)
	}
	var models []reservationModel
	if err := t.tx.SelectContext(ctx, &models, t.tx.Rebind(query), args...); err != nil {
		return nil, t.wrap("find reservations", err)
	}
	rsvs, err := fromReservationModels(models)
	if err != nil {
		return nil, err
	}
	for _, r := range rsvs {
		out[r.MessageID] = r
	}
	return out, nil
}

func (t *unit) CreateReservation(ctx context.Context, r *reservation.Reservation) error {
	_, err := t.tx.NamedExecContext(ctx, `INSERT INTO credit_reservations (`+reservationCols+`)
VALUES (:id, :owner_id, :message_id, :idempotency_key, :amount, :status, :reason, :campaign_id, :expires_at, :reserved_at, :committed_at, :released_at, :created_at, :updated_at)`,
		toReservationModel(r))
	if err != nil {
		if t.s.dialect.IsUniqueViolation != nil && t.s.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("%w: reservation for message %q", credits.ErrAlreadyExists, r.MessageID)
		}
		return t.wrap("create reservation", err)
	}
	return nil
}

func (t *unit) UpdateReservation(ctx context.Context, r *reservation.Reservation) error {
	res, err := t.tx.NamedExecContext(ctx, `UPDATE credit_reservations
SET amount = :amount, status = :status, reason = :reason, campaign_id = :campaign_id,
    expires_at = :expires_at, reserved_at = :reserved_at, committed_at = :committed_at,
    released_at = :released_at, updated_at = :updated_at
WHERE id = :id`, toReservationModel(r))
	if err != nil {
		return t.wrap("update reservation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return t.wrap("update reservation", err)
	}
	if n == 0 {
		return credits.ErrReservationNotFound
	}
	return nil
}

func (t *unit) SumReserved(ctx context.Context) (int64, error) {
	var sum int64
	err := t.tx.GetContext(ctx, &sum, t.tx.Rebind(`SELECT COALESCE(SUM(amount), 0) FROM credit_reservations
WHERE owner_id = ? AND status = ?`), t.ownerID, string(reservation.StatusReserved))
	if err != nil {
		return 0, t.wrap("sum reserved", err)
	}
	return sum, nil
}

// ==================== Allowance ====================

func (t *unit) GetAllowance(ctx context.Context) (*allowance.Allowance, error) {
	var m allowanceModel
	err := t.tx.GetContext(ctx, &m, t.tx.Rebind(`SELECT `+allowanceCols+` FROM credit_allowances WHERE owner_id = ?`), t.ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credits.ErrAllowanceNotFound
	}
	if err != nil {
		return nil, t.wrap("get allowance", err)
	}
	return fromAllowanceModel(&m), nil
}

func (t *unit) SaveAllowance(ctx context.Context, a *allowance.Allowance) error {
	m := toAllowanceModel(a)
	m.OwnerID = t.ownerID
	_, err := t.tx.NamedExecContext(ctx, `INSERT INTO credit_allowances (`+allowanceCols+`)
VALUES (:owner_id, :subscription_id, :plan_type, :billing_interval, :status, :included_per_period, :used_this_period,
        :current_period_start, :current_period_end, :last_reset_at, :last_reset_ref, :created_at, :updated_at)
ON CONFLICT (owner_id) DO UPDATE SET
    subscription_id = excluded.subscription_id,
    plan_type = excluded.plan_type,
    billing_interval = excluded.billing_interval,
    status = excluded.status,
    included_per_period = excluded.included_per_period,
    used_this_period = excluded.used_this_period,
    current_period_start = excluded.current_period_start,
    current_period_end = excluded.current_period_end,
    last_reset_at = excluded.last_reset_at,
    last_reset_ref = excluded.last_reset_ref,
    updated_at = excluded.updated_at`, m)
	if err != nil {
		return t.wrap("save allowance", err)
	}
	return nil
}

// ==================== Billing ====================

func (t *unit) GetMessageCharge(ctx context.Context, messageID string) (*billing.MessageCharge, error) {
	var m chargeModel
	err := t.tx.GetContext(ctx, &m, t.tx.Rebind(`SELECT `+chargeCols+` FROM credit_message_charges WHERE message_id = ?`), messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credits.ErrMessageChargeNotFound
	}
	if err != nil {
		return nil, t.wrap("get message charge", err)
	}
	return fromChargeModel(&m), nil
}

func (t *unit) SaveMessageCharge(ctx context.Context, c *billing.MessageCharge) error {
	_, err := t.tx.NamedExecContext(ctx, `INSERT INTO credit_message_charges (`+chargeCols+`)
VALUES (:message_id, :owner_id, :status, :used_allowance, :debited_credits, :billed_at, :error)
ON CONFLICT (message_id) DO UPDATE SET
    status = excluded.status,
    used_allowance = excluded.used_allowance,
    debited_credits = excluded.debited_credits,
    billed_at = excluded.billed_at,
    error = excluded.error`, toChargeModel(c))
	if err != nil {
		return t.wrap("save message charge", err)
	}
	return nil
}

func (t *unit) InsertTransaction(ctx context.Context, txn *billing.Transaction) (bool, error) {
	m, err := toTransactionModel(txn)
	if err != nil {
		return false, err
	}
	res, err := t.tx.NamedExecContext(ctx, `INSERT INTO credit_billing_transactions (`+transactionCols+`)
VALUES (:id, :owner_id, :provider, :external_ref, :kind, :status, :credits, :amount_minor, :currency, :meta, :created_at, :updated_at)
ON CONFLICT (provider, external_ref) DO NOTHING`, m)
	if err != nil {
		return false, t.wrap("insert transaction", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, t.wrap("insert transaction", err)
	}
	return n == 1, nil
}

func (t *unit) GetTransaction(ctx context.Context, provider, externalRef string) (*billing.Transaction, error) {
	return getTransaction(ctx, t.tx, t.wrap, provider, externalRef)
}

func (t *unit) UpdateTransaction(ctx context.Context, txn *billing.Transaction) error {
	m, err := toTransactionModel(txn)
	if err != nil {
		return err
	}
	res, err := t.tx.NamedExecContext(ctx, `UPDATE credit_billing_transactions
SET status = :status, credits = :credits, meta = :meta, updated_at = :updated_at
WHERE provider = :provider AND external_ref = :external_ref`, m)
	if err != nil {
		return t.wrap("update transaction", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return t.wrap("update transaction", err)
	}
	if n == 0 {
		return credits.ErrTransactionNotFound
	}
	return nil
}
