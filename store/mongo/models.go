package mongo

import (
	"time"

	"github.com/xraph/credits/allowance"
	"github.com/xraph/credits/billing"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/reservation"
	"github.com/xraph/credits/types"
	"github.com/xraph/credits/wallet"
	"github.com/xraph/credits/webhook"
)

// ==================== Wallet models ====================

type walletModel struct {
	OwnerID         string    `bson:"_id"`
	Balance         int64     `bson:"balance"`
	ReservedBalance int64     `bson:"reserved_balance"`
	LockSeq         int64     `bson:"lock_seq"`
	CreatedAt       time.Time `bson:"created_at"`
	UpdatedAt       time.Time `bson:"updated_at"`
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
	ID           string      `bson:"_id"`
	OwnerID      string      `bson:"owner_id"`
	Kind         string      `bson:"kind"`
	Amount       int64       `bson:"amount"`
	BalanceAfter int64       `bson:"balance_after"`
	Meta         wallet.Meta `bson:"meta"`
	CreatedAt    time.Time   `bson:"created_at"`
}

func toEntryModel(e *wallet.Entry) *entryModel {
	return &entryModel{
		ID:           e.ID.String(),
		OwnerID:      e.OwnerID,
		Kind:         string(e.Kind),
		Amount:       e.Amount,
		BalanceAfter: e.BalanceAfter,
		Meta:         e.Meta,
		CreatedAt:    e.CreatedAt.UTC(),
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
		Meta:         m.Meta,
		CreatedAt:    m.CreatedAt.UTC(),
	}, nil
}

// ==================== Reservation models ====================

// Empty message ids and idempotency keys are omitted so the partial
// unique indexes skip them.
type reservationModel struct {
	ID             string     `bson:"_id"`
	OwnerID        string     `bson:"owner_id"`
	MessageID      string     `bson:"message_id,omitempty"`
	IdempotencyKey string     `bson:"idempotency_key,omitempty"`
	Amount         int64      `bson:"amount"`
	Status         string     `bson:"status"`
	Reason         string     `bson:"reason"`
	CampaignID     string     `bson:"campaign_id"`
	ExpiresAt      *time.Time `bson:"expires_at,omitempty"`
	ReservedAt     time.Time  `bson:"reserved_at"`
	CommittedAt    *time.Time `bson:"committed_at,omitempty"`
	ReleasedAt     *time.Time `bson:"released_at,omitempty"`
	CreatedAt      time.Time  `bson:"created_at"`
	UpdatedAt      time.Time  `bson:"updated_at"`
}

func toReservationModel(r *reservation.Reservation) *reservationModel {
	return &reservationModel{
		ID:             r.ID.String(),
		OwnerID:        r.OwnerID,
		MessageID:      r.MessageID,
		IdempotencyKey: r.IdempotencyKey,
		Amount:         r.Amount,
		Status:         string(r.Status),
		Reason:         r.Reason,
		CampaignID:     r.CampaignID,
		ExpiresAt:      r.ExpiresAt,
		ReservedAt:     r.ReservedAt.UTC(),
		CommittedAt:    r.CommittedAt,
		ReleasedAt:     r.ReleasedAt,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
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
		MessageID:      m.MessageID,
		IdempotencyKey: m.IdempotencyKey,
		Amount:         m.Amount,
		Status:         reservation.Status(m.Status),
		Reason:         m.Reason,
		CampaignID:     m.CampaignID,
		ExpiresAt:      utcPtr(m.ExpiresAt),
		ReservedAt:     m.ReservedAt.UTC(),
		CommittedAt:    utcPtr(m.CommittedAt),
		ReleasedAt:     utcPtr(m.ReleasedAt),
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
	OwnerID            string     `bson:"_id"`
	SubscriptionID     string     `bson:"subscription_id"`
	PlanType           string     `bson:"plan_type"`
	Interval           string     `bson:"interval"`
	Status             string     `bson:"status"`
	IncludedPerPeriod  int64      `bson:"included_per_period"`
	UsedThisPeriod     int64      `bson:"used_this_period"`
	CurrentPeriodStart *time.Time `bson:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `bson:"current_period_end,omitempty"`
	LastResetAt        *time.Time `bson:"last_reset_at,omitempty"`
	LastResetRef       string     `bson:"last_reset_ref"`
	CreatedAt          time.Time  `bson:"created_at"`
	UpdatedAt          time.Time  `bson:"updated_at"`
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
		CurrentPeriodStart: a.CurrentPeriodStart,
		CurrentPeriodEnd:   a.CurrentPeriodEnd,
		LastResetAt:        a.LastResetAt,
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
		CurrentPeriodStart: utcPtr(m.CurrentPeriodStart),
		CurrentPeriodEnd:   utcPtr(m.CurrentPeriodEnd),
		LastResetAt:        utcPtr(m.LastResetAt),
		LastResetRef:       m.LastResetRef,
	}
}

// ==================== Billing models ====================

type chargeModel struct {
	MessageID      string     `bson:"_id"`
	OwnerID        string     `bson:"owner_id"`
	Status         string     `bson:"status"`
	UsedAllowance  int64      `bson:"used_allowance"`
	DebitedCredits int64      `bson:"debited_credits"`
	BilledAt       *time.Time `bson:"billed_at,omitempty"`
	Error          string     `bson:"error,omitempty"`
}

func toChargeModel(c *billing.MessageCharge) *chargeModel {
	return &chargeModel{
		MessageID:      c.MessageID,
		OwnerID:        c.OwnerID,
		Status:         string(c.Status),
		UsedAllowance:  c.UsedAllowance,
		DebitedCredits: c.DebitedCredits,
		BilledAt:       c.BilledAt,
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
		BilledAt:       utcPtr(m.BilledAt),
		Error:          m.Error,
	}
}

type transactionModel struct {
	ID          string       `bson:"_id"`
	OwnerID     string       `bson:"owner_id"`
	Provider    string       `bson:"provider"`
	ExternalRef string       `bson:"external_ref"`
	Kind        string       `bson:"kind"`
	Status      string       `bson:"status"`
	Credits     int64        `bson:"credits"`
	Amount      int64        `bson:"amount"`
	Currency    string       `bson:"currency"`
	Meta        billing.Meta `bson:"meta"`
	CreatedAt   time.Time    `bson:"created_at"`
	UpdatedAt   time.Time    `bson:"updated_at"`
}

func toTransactionModel(t *billing.Transaction) *transactionModel {
	return &transactionModel{
		ID:          t.ID.String(),
		OwnerID:     t.OwnerID,
		Provider:    t.Provider,
		ExternalRef: t.ExternalRef,
		Kind:        string(t.Kind),
		Status:      string(t.Status),
		Credits:     t.Credits,
		Amount:      t.Amount.Amount,
		Currency:    t.Amount.Currency,
		Meta:        t.Meta,
		CreatedAt:   t.CreatedAt.UTC(),
		UpdatedAt:   t.UpdatedAt.UTC(),
	}
}

func fromTransactionModel(m *transactionModel) (*billing.Transaction, error) {
	txnID, err := id.ParseTransactionID(m.ID)
	if err != nil {
		return nil, err
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
		Amount:      types.Money{Amount: m.Amount, Currency: m.Currency},
		Meta:        m.Meta,
	}, nil
}

// ==================== Webhook models ====================

type webhookModel struct {
	ID          string       `bson:"_id"`
	Provider    string       `bson:"provider"`
	EventID     string       `bson:"event_id"`
	PayloadHash string       `bson:"payload_hash"`
	EventType   string       `bson:"event_type"`
	OwnerID     string       `bson:"owner_id"`
	Status      string       `bson:"status"`
	Meta        webhook.Meta `bson:"meta"`
	ReceivedAt  time.Time    `bson:"received_at"`
	ProcessedAt *time.Time   `bson:"processed_at,omitempty"`
	Error       string       `bson:"error,omitempty"`
}

func toWebhookModel(e *webhook.Event) *webhookModel {
	return &webhookModel{
		ID:          e.ID.String(),
		Provider:    e.Provider,
		EventID:     e.EventID,
		PayloadHash: e.PayloadHash,
		EventType:   e.EventType,
		OwnerID:     e.OwnerID,
		Status:      string(e.Status),
		Meta:        e.Meta,
		ReceivedAt:  e.ReceivedAt.UTC(),
		ProcessedAt: e.ProcessedAt,
		Error:       e.Error,
	}
}

func fromWebhookModel(m *webhookModel) (*webhook.Event, error) {
	evtID, err := id.ParseWebhookEventID(m.ID)
	if err != nil {
		return nil, err
	}
	return &webhook.Event{
		ID:          evtID,
		Provider:    m.Provider,
		EventID:     m.EventID,
		PayloadHash: m.PayloadHash,
		EventType:   m.EventType,
		OwnerID:     m.OwnerID,
		Status:      webhook.Status(m.Status),
		Meta:        m.Meta,
		ReceivedAt:  m.ReceivedAt.UTC(),
		ProcessedAt: utcPtr(m.ProcessedAt),
		Error:       m.Error,
	}, nil
}
