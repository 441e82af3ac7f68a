// Package memory provides an in-process Store. It is safe for concurrent
// use and keeps the same locking semantics as the SQL backends: one unit of
// work per owner at a time, with writes staged and applied on success.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/xraph/credits"
	"github.com/xraph/credits/allowance"
	"github.com/xraph/credits/billing"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/reservation"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/wallet"
	"github.com/xraph/credits/webhook"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu     sync.RWMutex
	closed bool

	// Owner locks
	lockMu     sync.Mutex
	ownerLocks map[string]*sync.Mutex

	// Wallet storage
	wallets map[string]*wallet.Wallet
	entries map[string][]*wallet.Entry

	// Reservation storage, with unique indexes
	reservations map[string]*reservation.Reservation
	byMessage    map[string]string
	byKey        map[string]string

	allowances map[string]*allowance.Allowance
	charges    map[string]*billing.MessageCharge

	// Billing transactions by provider and external ref
	transactions map[string]*billing.Transaction

	// Webhook events by provider and event id
	webhooks map[string]*webhook.Event
}

func New() *Store {
	return &Store{
		ownerLocks:   make(map[string]*sync.Mutex),
		wallets:      make(map[string]*wallet.Wallet),
		entries:      make(map[string][]*wallet.Entry),
		reservations: make(map[string]*reservation.Reservation),
		byMessage:    make(map[string]string),
		byKey:        make(map[string]string),
		allowances:   make(map[string]*allowance.Allowance),
		charges:      make(map[string]*billing.MessageCharge),
		transactions: make(map[string]*billing.Transaction),
		webhooks:     make(map[string]*webhook.Event),
	}
}

func pairKey(a, b string) string { return a + "\x00" + b }

func (s *Store) ownerLock(ownerID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.ownerLocks[ownerID]
	if !ok {
		l = &sync.Mutex{}
		s.ownerLocks[ownerID] = l
	}
	return l
}

// WithOwnerLock serializes fn with every other unit of work for ownerID.
// fn sees a private staging area; nothing it writes is visible to other
// readers until it returns nil.
func (s *Store) WithOwnerLock(ctx context.Context, ownerID string, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := s.ownerLock(ownerID)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return credits.ErrStoreClosed
	}

	tx := newTx(s, ownerID)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.apply()
}

// ──────────────────────────────────────────────────
// Wallet reads
// ──────────────────────────────────────────────────

func (s *Store) GetWallet(_ context.Context, ownerID string) (*wallet.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if w, ok := s.wallets[ownerID]; ok {
		cp := *w
		return &cp, nil
	}
	return nil, credits.ErrWalletNotFound
}

func (s *Store) ListEntries(_ context.Context, ownerID string, opts wallet.ListOpts) ([]*wallet.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*wallet.Entry
	for _, e := range s.entries[ownerID] {
		if opts.Kind != "" && e.Kind != opts.Kind {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	slices.Reverse(out)
	return page(out, opts.Limit, opts.Offset), nil
}

// ──────────────────────────────────────────────────
// Reservation reads
// ──────────────────────────────────────────────────

func (s *Store) GetReservation(_ context.Context, rsvID id.ReservationID) (*reservation.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.reservations[rsvID.String()]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, credits.ErrReservationNotFound
}

func (s *Store) ListReservations(_ context.Context, ownerID string, opts reservation.ListOpts) ([]*reservation.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*reservation.Reservation
	for _, r := range s.reservations {
		if r.OwnerID != ownerID {
			continue
		}
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		if opts.CampaignID != "" && r.CampaignID != opts.CampaignID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *reservation.Reservation) int {
		return cmp.Compare(b.ID.String(), a.ID.String())
	})
	return page(out, opts.Limit, opts.Offset), nil
}

func (s *Store) ListStaleReservations(_ context.Context, now, reservedBefore time.Time, limit int) ([]*reservation.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*reservation.Reservation
	for _, r := range s.reservations {
		if r.Status != reservation.StatusReserved {
			continue
		}
		stale := (r.ExpiresAt != nil && r.ExpiresAt.Before(now)) ||
			(r.ExpiresAt == nil && r.ReservedAt.Before(reservedBefore))
		if !stale {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *reservation.Reservation) int {
		return staleOrder(a).Compare(staleOrder(b))
	})
	return page(out, limit, 0), nil
}

// staleOrder is the instant a reservation became due.
func staleOrder(r *reservation.Reservation) time.Time {
	if r.ExpiresAt != nil {
		return *r.ExpiresAt
	}
	return r.ReservedAt
}

// ──────────────────────────────────────────────────
// Allowance and billing reads
// ──────────────────────────────────────────────────

func (s *Store) GetAllowance(_ context.Context, ownerID string) (*allowance.Allowance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.allowances[ownerID]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, credits.ErrAllowanceNotFound
}

func (s *Store) GetMessageCharge(_ context.Context, messageID string) (*billing.MessageCharge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.charges[messageID]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, credits.ErrMessageChargeNotFound
}

func (s *Store) GetTransaction(_ context.Context, provider, externalRef string) (*billing.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.transactions[pairKey(provider, externalRef)]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, credits.ErrTransactionNotFound
}

func (s *Store) ListTransactions(_ context.Context, ownerID string, opts billing.ListOpts) ([]*billing.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*billing.Transaction
	for _, t := range s.transactions {
		if t.OwnerID != ownerID {
			continue
		}
		if opts.Kind != "" && t.Kind != opts.Kind {
			continue
		}
		if opts.Status != "" && t.Status != opts.Status {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *billing.Transaction) int {
		return cmp.Compare(b.ID.String(), a.ID.String())
	})
	return page(out, opts.Limit, opts.Offset), nil
}

// ──────────────────────────────────────────────────
// Webhook events
// ──────────────────────────────────────────────────

func (s *Store) CreateWebhookEvent(_ context.Context, evt *webhook.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, credits.ErrStoreClosed
	}
	key := pairKey(evt.Provider, evt.EventID)
	if _, exists := s.webhooks[key]; exists {
		return false, nil
	}
	cp := *evt
	s.webhooks[key] = &cp
	return true, nil
}

func (s *Store) GetWebhookEvent(_ context.Context, provider, eventID string) (*webhook.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.webhooks[pairKey(provider, eventID)]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, credits.ErrWebhookEventNotFound
}

func (s *Store) FindWebhookEventByHash(_ context.Context, provider, payloadHash, ownerID string) (*webhook.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *webhook.Event
	for _, e := range s.webhooks {
		if e.Provider != provider || e.PayloadHash != payloadHash || e.OwnerID != ownerID {
			continue
		}
		if found == nil || e.ReceivedAt.After(found.ReceivedAt) {
			found = e
		}
	}
	if found == nil {
		return nil, credits.ErrWebhookEventNotFound
	}
	cp := *found
	return &cp, nil
}

func (s *Store) UpdateWebhookEvent(_ context.Context, evt *webhook.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(evt.Provider, evt.EventID)
	if _, ok := s.webhooks[key]; !ok {
		return credits.ErrWebhookEventNotFound
	}
	cp := *evt
	s.webhooks[key] = &cp
	return nil
}

func (s *Store) ListWebhookEvents(_ context.Context, opts webhook.ListOpts) ([]*webhook.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*webhook.Event
	for _, e := range s.webhooks {
		if opts.Provider != "" && e.Provider != opts.Provider {
			continue
		}
		if opts.OwnerID != "" && e.OwnerID != opts.OwnerID {
			continue
		}
		if opts.Status != "" && e.Status != opts.Status {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *webhook.Event) int {
		return cmp.Compare(b.ID.String(), a.ID.String())
	})
	return page(out, opts.Limit, opts.Offset), nil
}

// ──────────────────────────────────────────────────
// Core
// ──────────────────────────────────────────────────

func (s *Store) Migrate(_ context.Context) error {
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return credits.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
