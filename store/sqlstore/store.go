// Package sqlstore implements store.Store on database/sql through sqlx.
// The postgres and sqlite packages configure it with their dialect and
// schema; every query is written with "?" placeholders and rebound for the
// driver.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/xraph/credits"
	"github.com/xraph/credits/allowance"
	"github.com/xraph/credits/billing"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/reservation"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/wallet"
	"github.com/xraph/credits/webhook"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Dialect holds what differs between SQL backends.
type Dialect struct {
	// Name prefixes error messages, e.g. "postgres".
	Name string
	// LockClause is appended to the wallet select that opens a unit of
	// work. Backends that lock at BEGIN leave it empty.
	LockClause string
	// IsUniqueViolation reports whether err is a unique constraint failure.
	IsUniqueViolation func(err error) bool
	// Migrate applies the embedded schema.
	Migrate func(ctx context.Context, db *sql.DB) error
}

// Store implements store.Store on a sqlx database.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
}

// New wraps db with the given dialect.
func New(db *sqlx.DB, d Dialect) *Store {
	return &Store{db: db, dialect: d}
}

// DB returns the underlying database for direct access.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) wrap(op string, err error) error {
	return fmt.Errorf("credits/%s: %s: %w", s.dialect.Name, op, err)
}

// Migrate creates the required tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if s.dialect.Migrate == nil {
		return nil
	}
	if err := s.dialect.Migrate(ctx, s.db.DB); err != nil {
		return fmt.Errorf("%w: %s: %w", credits.ErrMigrationFailed, s.dialect.Name, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithOwnerLock opens a transaction, creates the owner's wallet row if
// needed and locks it for the rest of the transaction.
func (s *Store) WithOwnerLock(ctx context.Context, ownerID string, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		if errors.Is(err, sql.ErrConnDone) {
			return credits.ErrStoreClosed
		}
		return s.wrap("begin", err)
	}
	defer func() { _ = sqlTx.Rollback() }() //nolint:errcheck // no-op after commit

	t := &unit{s: s, tx: sqlTx, ownerID: ownerID}
	if err := t.lock(ctx); err != nil {
		return err
	}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return s.wrap("commit", err)
	}
	return nil
}

// ==================== Column lists ====================

const (
	walletCols      = `owner_id, balance, reserved_balance, created_at, updated_at`
	entryCols       = `id, owner_id, kind, amount, balance_after, reason, campaign_id, message_id, reservation_id, transaction_ref, created_at`
	reservationCols = `id, owner_id, message_id, idempotency_key, amount, status, reason, campaign_id, expires_at, reserved_at, committed_at, released_at, created_at, updated_at`
	allowanceCols   = `owner_id, subscription_id, plan_type, billing_interval, status, included_per_period, used_this_period, current_period_start, current_period_end, last_reset_at, last_reset_ref, created_at, updated_at`
	chargeCols      = `message_id, owner_id, status, used_allowance, debited_credits, billed_at, error`
	transactionCols = `id, owner_id, provider, external_ref, kind, status, credits, amount_minor, currency, meta, created_at, updated_at`
	webhookCols     = `id, provider, event_id, payload_hash, event_type, owner_id, status, meta, received_at, processed_at, error`
)

// page appends LIMIT/OFFSET to q.
func page(q *strings.Builder, args []any, limit, offset int) []any {
	if limit > 0 {
		q.WriteString(" LIMIT ?")
		args = append(args, limit)
		if offset > 0 {
			q.WriteString(" OFFSET ?")
			args = append(args, offset)
		}
	}
	return args
}

// ==================== Wallet reads ====================

func (s *Store) GetWallet(ctx context.Context, ownerID string) (*wallet.Wallet, error) {
	var m walletModel
	err := s.db.GetContext(ctx, &m, s.db.Rebind(`SELECT `+walletCols+` FROM credit_wallets WHERE owner_id = ?`), ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credits.ErrWalletNotFound
	}
	if err != nil {
		return nil, s.wrap("get wallet", err)
	}
	return fromWalletModel(&m), nil
}

func (s *Store) ListEntries(ctx context.Context, ownerID string, opts wallet.ListOpts) ([]*wallet.Entry, error) {
	var q strings.Builder
	q.WriteString(`SELECT ` + entryCols + ` FROM credit_wallet_entries WHERE owner_id = ?`)
	args := []any{ownerID}
	if opts.Kind != "" {
		q.WriteString(` AND kind = ?`)
		args = append(args, string(opts.Kind))
	}
	q.WriteString(` ORDER BY id DESC`)
	args = page(&q, args, opts.Limit, opts.Offset)

	var models []entryModel
	if err := s.db.SelectContext(ctx, &models, s.db.Rebind(q.String()), args...); err != nil {
		return nil, s.wrap("list entries", err)
	}
	out := make([]*wallet.Entry, 0, len(models))
	for i := range models {
		e, err := fromEntryModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ==================== Reservation reads ====================

func (s *Store) GetReservation(ctx context.Context, rsvID id.ReservationID) (*reservation.Reservation, error) {
	var m reservationModel
	err := s.db.GetContext(ctx, &m, s.db.Rebind(`SELECT `+reservationCols+` FROM credit_reservations WHERE id = ?`), rsvID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credits.ErrReservationNotFound
	}
	if err != nil {
		return nil, s.wrap("get reservation", err)
	}
	return fromReservationModel(&m)
}

func (s *Store) ListReservations(ctx context.Context, ownerID string, opts reservation.ListOpts) ([]*reservation.Reservation, error) {
	var q strings.Builder
	q.WriteString(`SELECT ` + reservationCols + ` FROM credit_reservations WHERE owner_id = ?`)
	args := []any{ownerID}
	if opts.Status != "" {
		q.WriteString(` AND status = ?`)
		args = append(args, string(opts.Status))
	}
	if opts.CampaignID != "" {
		q.WriteString(` AND campaign_id = ?`)
		args = append(args, opts.CampaignID)
	}
	q.WriteString(` ORDER BY id DESC`)
	args = page(&q, args, opts.Limit, opts.Offset)

	var models []reservationModel
	if err := s.db.SelectContext(ctx, &models, s.db.Rebind(q.String()), args...); err != nil {
		return nil, s.wrap("list reservations", err)
	}
	return fromReservationModels(models)
}

func (s *Store) ListStaleReservations(ctx context.Context, now, reservedBefore time.Time, limit int) ([]*reservation.Reservation, error) {
	var q strings.Builder
	q.WriteString(`SELECT ` + reservationCols + ` FROM credit_reservations
WHERE status = ?
  AND ((expires_at IS NOT NULL AND expires_at < ?) OR (expires_at IS NULL AND reserved_at < ?))
ORDER BY COALESCE(expires_at, reserved_at) ASC, id ASC`)
	args := page(&q, []any{string(reservation.StatusReserved), now.UTC(), reservedBefore.UTC()}, limit, 0)

	var models []reservationModel
	if err := s.db.SelectContext(ctx, &models, s.db.Rebind(q.String()), args...); err != nil {
		return nil, s.wrap("list stale reservations", err)
	}
	return fromReservationModels(models)
}

// ==================== Allowance and billing reads ====================

func (s *Store) GetAllowance(ctx context.Context, ownerID string) (*allowance.Allowance, error) {
	var m allowanceModel
	err := s.db.GetContext(ctx, &m, s.db.Rebind(`SELECT `+allowanceCols+` FROM credit_allowances WHERE owner_id = ?`), ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credits.ErrAllowanceNotFound
	}
	if err != nil {
		return nil, s.wrap("get allowance", err)
	}
	return fromAllowanceModel(&m), nil
}

func (s *Store) GetMessageCharge(ctx context.Context, messageID string) (*billing.MessageCharge, error) {
	var m chargeModel
	err := s.db.GetContext(ctx, &m, s.db.Rebind(`SELECT `+chargeCols+` FROM credit_message_charges WHERE message_id = ?`), messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credits.ErrMessageChargeNotFound
	}
	if err != nil {
		return nil, s.wrap("get message charge", err)
	}
	return fromChargeModel(&m), nil
}

func (s *Store) GetTransaction(ctx context.Context, provider, externalRef string) (*billing.Transaction, error) {
	return getTransaction(ctx, s.db, s.wrap, provider, externalRef)
}

func (s *Store) ListTransactions(ctx context.Context, ownerID string, opts billing.ListOpts) ([]*billing.Transaction, error) {
	var q strings.Builder
	q.WriteString(`SELECT ` + transactionCols + ` FROM credit_billing_transactions WHERE owner_id = ?`)
	args := []any{ownerID}
	if opts.Kind != "" {
		q.WriteString(` AND kind = ?`)
		args = append(args, string(opts.Kind))
	}
	if opts.Status != "" {
		q.WriteString(` AND status = ?`)
		args = append(args, string(opts.Status))
	}
	q.WriteString(` ORDER BY id DESC`)
	args = page(&q, args, opts.Limit, opts.Offset)

	var models []transactionModel
	if err := s.db.SelectContext(ctx, &models, s.db.Rebind(q.String()), args...); err != nil {
		return nil, s.wrap("list transactions", err)
	}
	out := make([]*billing.Transaction, 0, len(models))
	for i := range models {
		t, err := fromTransactionModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	Rebind(query string) string
}

// getTransaction serves both the store and a unit of work.
func getTransaction(ctx context.Context, q queryer, wrap func(string, error) error, provider, externalRef string) (*billing.Transaction, error) {
	var m transactionModel
	err := q.GetContext(ctx, &m,
		q.Rebind(`SELECT `+transactionCols+` FROM credit_billing_transactions WHERE provider = ? AND external_ref = ?`),
		provider, externalRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credits.ErrTransactionNotFound
	}
	if err != nil {
		return nil, wrap("get transaction", err)
	}
	return fromTransactionModel(&m)
}

// ==================== Webhook events ====================

func (s *Store) CreateWebhookEvent(ctx context.Context, evt *webhook.Event) (bool, error) {
	m, err := toWebhookModel(evt)
	if err != nil {
		return false, err
	}
	res, err := s.db.NamedExecContext(ctx, `INSERT INTO credit_webhook_events (`+webhookCols+`)
VALUES (:id, :provider, :event_id, :payload_hash, :event_type, :owner_id, :status, :meta, :received_at, :processed_at, :error)
ON CONFLICT (provider, event_id) DO NOTHING`, m)
	if err != nil {
		return false, s.wrap("create webhook event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.wrap("create webhook event", err)
	}
	return n == 1, nil
}

func (s *Store) GetWebhookEvent(ctx context.Context, provider, eventID string) (*webhook.Event, error) {
	var m webhookModel
	err := s.db.GetContext(ctx, &m, s.db.Rebind(`SELECT `+webhookCols+` FROM credit_webhook_events WHERE provider = ? AND event_id = ?`), provider, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credits.ErrWebhookEventNotFound
	}
	if err != nil {
		return nil, s.wrap("get webhook event", err)
	}
	return fromWebhookModel(&m)
}

func (s *Store) FindWebhookEventByHash(ctx context.Context, provider, payloadHash, ownerID string) (*webhook.Event, error) {
	var m webhookModel
	err := s.db.GetContext(ctx, &m, s.db.Rebind(`SELECT `+webhookCols+` FROM credit_webhook_events
WHERE provider = ? AND payload_hash = ? AND owner_id = ?
ORDER BY received_at DESC LIMIT 1`), provider, payloadHash, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credits.ErrWebhookEventNotFound
	}
	if err != nil {
		return nil, s.wrap("find webhook event", err)
	}
	return fromWebhookModel(&m)
}

func (s *Store) UpdateWebhookEvent(ctx context.Context, evt *webhook.Event) error {
	m, err := toWebhookModel(evt)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `UPDATE credit_webhook_events
SET owner_id = :owner_id, status = :status, meta = :meta, processed_at = :processed_at, error = :error
WHERE provider = :provider AND event_id = :event_id`, m)
	if err != nil {
		return s.wrap("update webhook event", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return credits.ErrWebhookEventNotFound
	}
	return nil
}

func (s *Store) ListWebhookEvents(ctx context.Context, opts webhook.ListOpts) ([]*webhook.Event, error) {
	var q strings.Builder
	q.WriteString(`SELECT ` + webhookCols + ` FROM credit_webhook_events WHERE 1 = 1`)
	var args []any
	if opts.Provider != "" {
		q.WriteString(` AND provider = ?`)
		args = append(args, opts.Provider)
	}
	if opts.OwnerID != "" {
		q.WriteString(` AND owner_id = ?`)
		args = append(args, opts.OwnerID)
	}
	if opts.Status != "" {
		q.WriteString(` AND status = ?`)
		args = append(args, string(opts.Status))
	}
	q.WriteString(` ORDER BY received_at DESC, id DESC`)
	args = page(&q, args, opts.Limit, opts.Offset)

	var models []webhookModel
	if err := s.db.SelectContext(ctx, &models, s.db.Rebind(q.String()), args...); err != nil {
		return nil, s.wrap("list webhook events", err)
	}
	out := make([]*webhook.Event, 0, len(models))
	for i := range models {
		e, err := fromWebhookModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
