package sqlstore

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/xraph/credits/allowance"
	"github.com/xraph/credits/billing"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/reservation"
	"github.com/xraph/credits/types"
	"github.com/xraph/credits/wallet"
	"github.com/xraph/credits/webhook"
)

// ==================== Helpers ====================

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// ==================== Wallet models ====================

type walletModel struct {
	OwnerID         string    `db:"owner_id"`
	Balance         int64     `db:"balance"`
	ReservedBalance int64     `db:"reserved_balance"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func toWalletModel(w *wallet.Wallet) *walletModel {
	return &walletModel{
		OwnerID:         w.OwnerID,
		Balance:         w.Balance,
		ReservedBalance: w.ReservedBalance,
		CreatedAt:       w.CreatedAt.UTC(),
		UpdatedAt:       w.UpdatedAt.UTC(),
	}
}

func fromWalletModel(m *walletModel) *wallet.Wallet {
	return &wallet.Wallet{
		Entity:          types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		OwnerID:         m.OwnerID,
		Balance:         m.Balance,
		ReservedBalance: m.ReservedBalance,
	}
}

type entryModel struct {
	ID             string    `db:"id"`
	OwnerID        string    `db:"owner_id"`
	Kind           string    `db:"kind"`
	Amount         int64     `db:"amount"`
	BalanceAfter   int64     `db:"balance_after"`
	Reason         string    `db:"reason"`
	CampaignID     string    `db:"campaign_id"`
	MessageID      string    `db:"message_id"`
	ReservationID  string    `db:"reservation_id"`
	TransactionRef string    `db:"transaction_ref"`
	CreatedAt      time.Time `db:"created_at"`
}

func toEntryModel(e *wallet.Entry) *entryModel {
	return &entryModel{
		ID:             e.ID.String(),
		OwnerID:        e.OwnerID,
		Kind:           string(e.Kind),
		Amount:         e.Amount,
		BalanceAfter:   e.BalanceAfter,
		Reason:         e.Meta.Reason,
		CampaignID:     e.Meta.CampaignID,
		MessageID:      e.Meta.MessageID,
		ReservationID:  e.Meta.ReservationID,
		TransactionRef: e.Meta.TransactionRef,
		CreatedAt:      e.CreatedAt.UTC(),
	}
}

func fromEntryModel(m *entryModel) (*wallet.Entry, error) {
	entryID, err := id.ParseEntryID(m.ID)
	if err != nil {
		return nil, err
	}
	return &wallet.Entry{
		ID:           entryID,
		OwnerID:      m.OwnerID,
		Kind:         wallet.EntryKind(m.Kind),
		Amount:       m.Amount,
		BalanceAfter: m.BalanceAfter,
		Meta: wallet.Meta{
			Reason:         m.Reason,
			CampaignID:     m.CampaignID,
			MessageID:      m.MessageID,
			ReservationID:  m.ReservationID,
			TransactionRef: m.TransactionRef,
		},
		CreatedAt: m.CreatedAt.UTC(),
	}, nil
}

// ==================== Reservation models ====================

// Empty message ids and idempotency keys are stored as NULL so the unique
// indexes only bind rows that carry them.
type reservationModel struct {
	ID             string         `db:"id"`
	OwnerID        string         `db:"owner_id"`
	MessageID      sql.NullString `db:"message_id"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	Amount         int64          `db:"amount"`
	Status         string         `db:"status"`
	Reason         string         `db:"reason"`
	CampaignID     string         `db:"campaign_id"`
	ExpiresAt      sql.NullTime   `db:"expires_at"`
	ReservedAt     time.Time      `db:"reserved_at"`
	CommittedAt    sql.NullTime   `db:"committed_at"`
	ReleasedAt     sql.NullTime   `db:"released_at"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func toReservationModel(r *reservation.Reservation) *reservationModel {
	return &reservationModel{
		ID:             r.ID.String(),
		OwnerID:        r.OwnerID,
		MessageID:      nullString(r.MessageID),
		IdempotencyKey: nullString(r.IdempotencyKey),
		Amount:         r.Amount,
		Status:         string(r.Status),
		Reason:         r.Reason,
		CampaignID:     r.CampaignID,
		ExpiresAt:      nullTime(r.ExpiresAt),
		ReservedAt:     r.ReservedAt.UTC(),
		CommittedAt:    nullTime(r.CommittedAt),
		ReleasedAt:     nullTime(r.ReleasedAt),
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

func fromReservationModel(m *reservationModel) (*reservation.Reservation, error) {
	rsvID, err := id.ParseReservationID(m.ID)
	if err != nil {
		return nil, err
	}
	return &reservation.Reservation{
		Entity:         types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:             rsvID,
		OwnerID:        m.OwnerID,
		MessageID:      m.MessageID.String,
		IdempotencyKey: m.IdempotencyKey.String,
		Amount:         m.Amount,
		Status:         reservation.Status(m.Status),
		Reason:         m.Reason,
		CampaignID:     m.CampaignID,
		ExpiresAt:      timePtr(m.ExpiresAt),
		ReservedAt:     m.ReservedAt.UTC(),
		CommittedAt:    timePtr(m.CommittedAt),
		ReleasedAt:     timePtr(m.ReleasedAt),
	}, nil
}

func fromReservationModels(models []reservationModel) ([]*reservation.Reservation, error) {
	out := make([]*reservation.Reservation, 0, len(models))
	for i := range models {
		r, err := fromReservationModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ==================== Allowance models ====================

type allowanceModel struct {
	OwnerID            string       `db:"owner_id"`
	SubscriptionID     string       `db:"subscription_id"`
	PlanType           string       `db:"plan_type"`
	Interval           string       `db:"billing_interval"`
	Status             string       `db:"status"`
	IncludedPerPeriod  int64        `db:"included_per_period"`
	UsedThisPeriod     int64        `db:"used_this_period"`
	CurrentPeriodStart sql.NullTime `db:"current_period_start"`
	CurrentPeriodEnd   sql.NullTime `db:"current_period_end"`
	LastResetAt        sql.NullTime `db:"last_reset_at"`
	LastResetRef       string       `db:"last_reset_ref"`
	CreatedAt          time.Time    `db:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at"`
}

func toAllowanceModel(a *allowance.Allowance) *allowanceModel {
	return &allowanceModel{
		OwnerID:            a.OwnerID,
		SubscriptionID:     a.SubscriptionID,
		PlanType:           a.PlanType,
		Interval:           string(a.Interval),
		Status:             string(a.Status),
		IncludedPerPeriod:  a.IncludedPerPeriod,
		UsedThisPeriod:     a.UsedThisPeriod,
		CurrentPeriodStart: nullTime(a.CurrentPeriodStart),
		CurrentPeriodEnd:   nullTime(a.CurrentPeriodEnd),
		LastResetAt:        nullTime(a.LastResetAt),
		LastResetRef:       a.LastResetRef,
		CreatedAt:          a.CreatedAt.UTC(),
		UpdatedAt:          a.UpdatedAt.UTC(),
	}
}

func fromAllowanceModel(m *allowanceModel) *allowance.Allowance {
	return &allowance.Allowance{
		Entity:             types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		OwnerID:            m.OwnerID,
		SubscriptionID:     m.SubscriptionID,
		PlanType:           m.PlanType,
		Interval:           allowance.Interval(m.Interval),
		Status:             allowance.Status(m.Status),
		IncludedPerPeriod:  m.IncludedPerPeriod,
		UsedThisPeriod:     m.UsedThisPeriod,
		CurrentPeriodStart: timePtr(m.CurrentPeriodStart),
		CurrentPeriodEnd:   timePtr(m.CurrentPeriodEnd),
		LastResetAt:        timePtr(m.LastResetAt),
		LastResetRef:       m.LastResetRef,
	}
}

// ==================== Billing models ====================

type chargeModel struct {
	MessageID      string       `db:"message_id"`
	OwnerID        string       `db:"owner_id"`
	Status         string       `db:"status"`
	UsedAllowance  int64        `db:"used_allowance"`
	DebitedCredits int64        `db:"debited_credits"`
	BilledAt       sql.NullTime `db:"billed_at"`
	Error          string       `db:"error"`
}

func toChargeModel(c *billing.MessageCharge) *chargeModel {
	return &chargeModel{
		MessageID:      c.MessageID,
		OwnerID:        c.OwnerID,
		Status:         string(c.Status),
		UsedAllowance:  c.UsedAllowance,
		DebitedCredits: c.DebitedCredits,
		BilledAt:       nullTime(c.BilledAt),
		Error:          c.Error,
	}
}

func fromChargeModel(m *chargeModel) *billing.MessageCharge {
	return &billing.MessageCharge{
		MessageID:      m.MessageID,
		OwnerID:        m.OwnerID,
		Status:         billing.ChargeStatus(m.Status),
		UsedAllowance:  m.UsedAllowance,
		DebitedCredits: m.DebitedCredits,
		BilledAt:       timePtr(m.BilledAt),
		Error:          m.Error,
	}
}

type transactionModel struct {
	ID          string    `db:"id"`
	OwnerID     string    `db:"owner_id"`
	Provider    string    `db:"provider"`
	ExternalRef string    `db:"external_ref"`
	Kind        string    `db:"kind"`
	Status      string    `db:"status"`
	Credits     int64     `db:"credits"`
	AmountMinor int64     `db:"amount_minor"`
	Currency    string    `db:"currency"`
	Meta        string    `db:"meta"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func toTransactionModel(t *billing.Transaction) (*transactionModel, error) {
	meta, err := json.Marshal(t.Meta)
	if err != nil {
		return nil, err
	}
	return &transactionModel{
		ID:          t.ID.String(),
		OwnerID:     t.OwnerID,
		Provider:    t.Provider,
		ExternalRef: t.ExternalRef,
		Kind:        string(t.Kind),
		Status:      string(t.Status),
		Credits:     t.Credits,
		AmountMinor: t.Amount.Amount,
		Currency:    t.Amount.Currency,
		Meta:        string(meta),
		CreatedAt:   t.CreatedAt.UTC(),
		UpdatedAt:   t.UpdatedAt.UTC(),
	}, nil
}

func fromTransactionModel(m *transactionModel) (*billing.Transaction, error) {
	txnID, err := id.ParseTransactionID(m.ID)
	if err != nil {
		return nil, err
	}
	var meta billing.Meta
	if m.Meta != "" {
		if err := json.Unmarshal([]byte(m.Meta), &meta); err != nil {
			return nil, err
		}
	}
	return &billing.Transaction{
		Entity:      types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:          txnID,
		OwnerID:     m.OwnerID,
		Provider:    m.Provider,
		ExternalRef: m.ExternalRef,
		Kind:        billing.Kind(m.Kind),
		Status:      billing.TransactionStatus(m.Status),
		Credits:     m.Credits,
		Amount:      types.Money{Amount: m.AmountMinor, Currency: m.Currency},
		Meta:        meta,
	}, nil
}

// ==================== Webhook models ====================

type webhookModel struct {
	ID          string       `db:"id"`
	Provider    string       `db:"provider"`
	EventID     string       `db:"event_id"`
	PayloadHash string       `db:"payload_hash"`
	EventType   string       `db:"event_type"`
	OwnerID     string       `db:"owner_id"`
	Status      string       `db:"status"`
	Meta        string       `db:"meta"`
	ReceivedAt  time.Time    `db:"received_at"`
	ProcessedAt sql.NullTime `db:"processed_at"`
	Error       string       `db:"error"`
}

func toWebhookModel(e *webhook.Event) (*webhookModel, error) {
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return nil, err
	}
	return &webhookModel{
		ID:          e.ID.String(),
		Provider:    e.Provider,
		EventID:     e.EventID,
		PayloadHash: e.PayloadHash,
		EventType:   e.EventType,
		OwnerID:     e.OwnerID,
		Status:      string(e.Status),
		Meta:        string(meta),
		ReceivedAt:  e.ReceivedAt.UTC(),
		ProcessedAt: nullTime(e.ProcessedAt),
		Error:       e.Error,
	}, nil
}

func fromWebhookModel(m *webhookModel) (*webhook.Event, error) {
	evtID, err := id.ParseWebhookEventID(m.ID)
	if err != nil {
		return nil, err
	}
	var meta webhook.Meta
	if m.Meta != "" {
		if err := json.Unmarshal([]byte(m.Meta), &meta); err != nil {
			return nil, err
		}
	}
	return &webhook.Event{
		ID:          evtID,
		Provider:    m.Provider,
		EventID:     m.EventID,
		PayloadHash: m.PayloadHash,
		EventType:   m.EventType,
		OwnerID:     m.OwnerID,
		Status:      webhook.Status(m.Status),
		Meta:        meta,
		ReceivedAt:  m.ReceivedAt.UTC(),
		ProcessedAt: timePtr(m.ProcessedAt),
		Error:       m.Error,
	}, nil
}
