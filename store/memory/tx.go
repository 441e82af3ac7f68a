package memory

import (
	"context"
	"fmt"

	"github.com/xraph/credits"
	"github.com/xraph/credits/allowance"
	"github.com/xraph/credits/billing"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/reservation"
	"github.com/xraph/credits/types"
	"github.com/xraph/credits/wallet"
)

// tx stages the writes of one owner-locked unit of work. Reads consult the
// staging area first so a unit of work observes its own writes.
type tx struct {
	s       *Store
	ownerID string

	wallet       *wallet.Wallet
	walletDirty  bool
	entries      []*wallet.Entry
	reservations map[string]*reservation.Reservation
	allowance    *allowance.Allowance
	charges      map[string]*billing.MessageCharge
	transactions map[string]*billing.Transaction
	inserted     map[string]bool
}

func newTx(s *Store, ownerID string) *tx {
	return &tx{
		s:            s,
		ownerID:      ownerID,
		reservations: make(map[string]*reservation.Reservation),
		charges:      make(map[string]*billing.MessageCharge),
		transactions: make(map[string]*billing.Transaction),
		inserted:     make(map[string]bool),
	}
}

func (t *tx) OwnerID() string { return t.ownerID }

func (t *tx) Wallet(_ context.Context) (*wallet.Wallet, error) {
	if t.wallet == nil {
		t.s.mu.RLock()
		w, ok := t.s.wallets[t.ownerID]
		t.s.mu.RUnlock()
		if ok {
			cp := *w
			t.wallet = &cp
		} else {
			t.wallet = &wallet.Wallet{Entity: types.NewEntity(), OwnerID: t.ownerID}
			t.walletDirty = true
		}
	}
	cp := *t.wallet
	return &cp, nil
}

func (t *tx) SaveWallet(_ context.Context, w *wallet.Wallet) error {
	if w.OwnerID != t.ownerID {
		return fmt.Errorf("memory: wallet %s saved under lock of %s", w.OwnerID, t.ownerID)
	}
	cp := *w
	t.wallet = &cp
	t.walletDirty = true
	return nil
}

func (t *tx) AppendEntry(_ context.Context, e *wallet.Entry) error {
	cp := *e
	t.entries = append(t.entries, &cp)
	return nil
}

// ──────────────────────────────────────────────────
// Reservations
// ──────────────────────────────────────────────────

func (t *tx) lookupReservation(key string) (*reservation.Reservation, bool) {
	if r, ok := t.reservations[key]; ok {
		cp := *r
		return &cp, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if r, ok := t.s.reservations[key]; ok {
		cp := *r
		return &cp, true
	}
	return nil, false
}

func (t *tx) GetReservation(_ context.Context, rsvID id.ReservationID) (*reservation.Reservation, error) {
	if r, ok := t.lookupReservation(rsvID.String()); ok {
		return r, nil
	}
	return nil, credits.ErrReservationNotFound
}

func (t *tx) GetReservationByMessage(_ context.Context, messageID string) (*reservation.Reservation, error) {
	for _, r := range t.reservations {
		if r.MessageID == messageID {
			cp := *r
			return &cp, nil
		}
	}
	t.s.mu.RLock()
	key, ok := t.s.byMessage[messageID]
	t.s.mu.RUnlock()
	if ok {
		if r, found := t.lookupReservation(key); found {
			return r, nil
		}
	}
	return nil, credits.ErrReservationNotFound
}

func (t *tx) GetReservationByIdempotencyKey(_ context.Context, key string) (*reservation.Reservation, error) {
	for _, r := range t.reservations {
		if r.IdempotencyKey == key && r.OwnerID == t.ownerID {
			cp := *r
			return &cp, nil
		}
	}
	t.s.mu.RLock()
	rsvKey, ok := t.s.byKey[pairKey(t.ownerID, key)]
	t.s.mu.RUnlock()
	if ok {
		if r, found := t.lookupReservation(rsvKey); found {
			return r, nil
		}
	}
	return nil, credits.ErrReservationNotFound
}

func (t *tx) FindReservationsByMessages(ctx context.Context, messageIDs []string) (map[string]*reservation.Reservation, error) {
	out := make(map[string]*reservation.Reservation, len(messageIDs))
	for _, msgID := range messageIDs {
		r, err := t.GetReservationByMessage(ctx, msgID)
		if err == nil {
			out[msgID] = r
		}
	}
	return out, nil
}

func (t *tx) CreateReservation(ctx context.Context, r *reservation.Reservation) error {
	if _, exists := t.lookupReservation(r.ID.String()); exists {
		return fmt.Errorf("%w: reservation %s", credits.ErrAlreadyExists, r.ID)
	}
	if r.MessageID != "" {
		if _, err := t.GetReservationByMessage(ctx, r.MessageID); err == nil {
			return fmt.Errorf("%w: reservation for message %s", credits.ErrAlreadyExists, r.MessageID)
		}
	}
	if r.IdempotencyKey != "" {
		if _, err := t.GetReservationByIdempotencyKey(ctx, r.IdempotencyKey); err == nil {
			return fmt.Errorf("%w: reservation with idempotency key %s", credits.ErrAlreadyExists, r.IdempotencyKey)
		}
	}
	cp := *r
	t.reservations[r.ID.String()] = &cp
	return nil
}

func (t *tx) UpdateReservation(_ context.Context, r *reservation.Reservation) error {
	if _, exists := t.lookupReservation(r.ID.String()); !exists {
		return credits.ErrReservationNotFound
	}
	cp := *r
	t.reservations[r.ID.String()] = &cp
	return nil
}

func (t *tx) SumReserved(_ context.Context) (int64, error) {
	var sum int64
	t.s.mu.RLock()
	for key, r := range t.s.reservations {
		if _, staged := t.reservations[key]; staged {
			continue
		}
		if r.OwnerID == t.ownerID && r.Status == reservation.StatusReserved {
			sum += r.Amount
		}
	}
	t.s.mu.RUnlock()
	for _, r := range t.reservations {
		if r.OwnerID == t.ownerID && r.Status == reservation.StatusReserved {
			sum += r.Amount
		}
	}
	return sum, nil
}

// ──────────────────────────────────────────────────
// Allowance and billing
// ──────────────────────────────────────────────────

func (t *tx) GetAllowance(_ context.Context) (*allowance.Allowance, error) {
	if t.allowance != nil {
		cp := *t.allowance
		return &cp, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if a, ok := t.s.allowances[t.ownerID]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, credits.ErrAllowanceNotFound
}

func (t *tx) SaveAllowance(_ context.Context, a *allowance.Allowance) error {
	cp := *a
	cp.OwnerID = t.ownerID
	t.allowance = &cp
	return nil
}

func (t *tx) GetMessageCharge(_ context.Context, messageID string) (*billing.MessageCharge, error) {
	if c, ok := t.charges[messageID]; ok {
		cp := *c
		return &cp, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if c, ok := t.s.charges[messageID]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, credits.ErrMessageChargeNotFound
}

func (t *tx) SaveMessageCharge(_ context.Context, c *billing.MessageCharge) error {
	cp := *c
	t.charges[c.MessageID] = &cp
	return nil
}

func (t *tx) InsertTransaction(ctx context.Context, txn *billing.Transaction) (bool, error) {
	if _, err := t.GetTransaction(ctx, txn.Provider, txn.ExternalRef); err == nil {
		return false, nil
	}
	key := pairKey(txn.Provider, txn.ExternalRef)
	cp := *txn
	t.transactions[key] = &cp
	t.inserted[key] = true
	return true, nil
}

func (t *tx) GetTransaction(_ context.Context, provider, externalRef string) (*billing.Transaction, error) {
	key := pairKey(provider, externalRef)
	if txn, ok := t.transactions[key]; ok {
		cp := *txn
		return &cp, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if txn, ok := t.s.transactions[key]; ok {
		cp := *txn
		return &cp, nil
	}
	return nil, credits.ErrTransactionNotFound
}

func (t *tx) UpdateTransaction(ctx context.Context, txn *billing.Transaction) error {
	if _, err := t.GetTransaction(ctx, txn.Provider, txn.ExternalRef); err != nil {
		return err
	}
	cp := *txn
	t.transactions[pairKey(txn.Provider, txn.ExternalRef)] = &cp
	return nil
}

// apply publishes the staged writes. Unique indexes are re-checked under
// the store lock because message ids and transaction refs span owners.
func (t *tx) apply() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return credits.ErrStoreClosed
	}
	for key, r := range t.reservations {
		if r.MessageID != "" {
			if other, ok := s.byMessage[r.MessageID]; ok && other != key {
				return fmt.Errorf("%w: reservation for message %s", credits.ErrAlreadyExists, r.MessageID)
			}
		}
	}
	for key := range t.inserted {
		if _, ok := s.transactions[key]; ok {
			return fmt.Errorf("%w: billing transaction %s", credits.ErrAlreadyExists, key)
		}
	}

	if t.walletDirty && t.wallet != nil {
		s.wallets[t.ownerID] = t.wallet
	}
	s.entries[t.ownerID] = append(s.entries[t.ownerID], t.entries...)
	for key, r := range t.reservations {
		s.reservations[key] = r
		if r.MessageID != "" {
			s.byMessage[r.MessageID] = key
		}
		if r.IdempotencyKey != "" {
			s.byKey[pairKey(r.OwnerID, r.IdempotencyKey)] = key
		}
	}
	if t.allowance != nil {
		s.allowances[t.ownerID] = t.allowance
	}
	for key, c := range t.charges {
		s.charges[key] = c
	}
	for key, txn := range t.transactions {
		s.transactions[key] = txn
	}
	return nil
}
