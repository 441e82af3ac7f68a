package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/credits"
	"github.com/xraph/credits/allowance"
	"github.com/xraph/credits/billing"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/reservation"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/wallet"
)

var _ store.Tx = (*unit)(nil)

// unit is one owner-locked transaction. Every call must receive the
// session context handed to the WithOwnerLock callback.
type unit struct {
	s       *Store
	ownerID string
	wallet  *walletModel
}

func (t *unit) OwnerID() string { return t.ownerID }

// lock upserts the wallet and bumps lock_seq so that a concurrent unit of
// work for the same owner hits a write conflict.
func (t *unit) lock(ctx context.Context) error {
	now := time.Now().UTC()
	update := bson.M{
		"$inc": bson.M{"lock_seq": 1},
		"$setOnInsert": bson.M{
			"balance":          int64(0),
			"reserved_balance": int64(0),
			"created_at":       now,
			"updated_at":       now,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var m walletModel
	if err := t.s.col(colWallets).FindOneAndUpdate(ctx, bson.M{"_id": t.ownerID}, update, opts).Decode(&m); err != nil {
		return fmt.Errorf("credits/mongo: lock wallet %s: %w", t.ownerID, err)
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
		return fmt.Errorf("credits/mongo: wallet %s saved under lock of %s", w.OwnerID, t.ownerID)
	}
	_, err := t.s.col(colWallets).UpdateOne(ctx, bson.M{"_id": t.ownerID}, bson.M{"$set": bson.M{
		"balance":          w.Balance,
		"reserved_balance": w.ReservedBalance,
		"updated_at":       w.UpdatedAt.UTC(),
	}})
	if err != nil {
		return fmt.Errorf("credits/mongo: save wallet: %w", err)
	}
	t.wallet.Balance = w.Balance
	t.wallet.ReservedBalance = w.ReservedBalance
	t.wallet.UpdatedAt = w.UpdatedAt.UTC()
	return nil
}

func (t *unit) AppendEntry(ctx context.Context, e *wallet.Entry) error {
	if _, err := t.s.col(colEntries).InsertOne(ctx, toEntryModel(e)); err != nil {
		return fmt.Errorf("credits/mongo: append entry: %w", err)
	}
	return nil
}

// ==================== Reservations ====================

func (t *unit) findReservation(ctx context.Context, filter bson.M) (*reservation.Reservation, error) {
	var m reservationModel
	err := t.s.col(colReservations).FindOne(ctx, filter).Decode(&m)
	if isNoDocuments(err) {
		return nil, credits.ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromReservationModel(&m)
}

func (t *unit) GetReservation(ctx context.Context, rsvID id.ReservationID) (*reservation.Reservation, error) {
	return t.findReservation(ctx, bson.M{"_id": rsvID.String()})
}

func (t *unit) GetReservationByMessage(ctx context.Context, messageID string) (*reservation.Reservation, error) {
	return t.findReservation(ctx, bson.M{"message_id": messageID})
}

func (t *unit) GetReservationByIdempotencyKey(ctx context.Context, key string) (*reservation.Reservation, error) {
	return t.findReservation(ctx, bson.M{"owner_id": t.ownerID, "idempotency_key": key})
}

func (t *unit) FindReservationsByMessages(ctx context.Context, messageIDs []string) (map[string]*reservation.Reservation, error) {
	out := make(map[string]*reservation.Reservation, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	cur, err := t.s.col(colReservations).Find(ctx, bson.M{"message_id": bson.M{"$in": messageIDs}})
	if err != nil {
		return nil, fmt.Errorf("credits/mongo: find reservations: %w", err)
	}
	var models []reservationModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("credits/mongo: decode reservations: %w", err)
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
	_, err := t.s.col(colReservations).InsertOne(ctx, toReservationModel(r))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: reservation for message %q", credits.ErrAlreadyExists, r.MessageID)
	}
	if err != nil {
		return fmt.Errorf("credits/mongo: create reservation: %w", err)
	}
	return nil
}

func (t *unit) UpdateReservation(ctx context.Context, r *reservation.Reservation) error {
	m := toReservationModel(r)
	res, err := t.s.col(colReservations).ReplaceOne(ctx, bson.M{"_id": m.ID}, m)
	if err != nil {
		return fmt.Errorf("credits/mongo: update reservation: %w", err)
	}
	if res.MatchedCount == 0 {
		return credits.ErrReservationNotFound
	}
	return nil
}

func (t *unit) SumReserved(ctx context.Context) (int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"owner_id": t.ownerID, "status": string(reservation.StatusReserved)}}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$amount"}}}},
	}
	cur, err := t.s.col(colReservations).Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("credits/mongo: sum reserved: %w", err)
	}
	var rows []struct {
		Total int64 `bson:"total"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return 0, fmt.Errorf("credits/mongo: decode reserved sum: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Total, nil
}

// ==================== Allowance ====================

func (t *unit) GetAllowance(ctx context.Context) (*allowance.Allowance, error) {
	return getAllowance(ctx, t.s.col(colAllowances), t.ownerID)
}

func (t *unit) SaveAllowance(ctx context.Context, a *allowance.Allowance) error {
	m := toAllowanceModel(a)
	m.OwnerID = t.ownerID
	_, err := t.s.col(colAllowances).ReplaceOne(ctx, bson.M{"_id": m.OwnerID}, m, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("credits/mongo: save allowance: %w", err)
	}
	return nil
}

// ==================== Billing ====================

func (t *unit) GetMessageCharge(ctx context.Context, messageID string) (*billing.MessageCharge, error) {
	return getMessageCharge(ctx, t.s.col(colCharges), messageID)
}

func (t *unit) SaveMessageCharge(ctx context.Context, c *billing.MessageCharge) error {
	m := toChargeModel(c)
	_, err := t.s.col(colCharges).ReplaceOne(ctx, bson.M{"_id": m.MessageID}, m, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("credits/mongo: save message charge: %w", err)
	}
	return nil
}

// InsertTransaction looks the reference up before inserting: a duplicate
// key error would abort the surrounding transaction.
func (t *unit) InsertTransaction(ctx context.Context, txn *billing.Transaction) (bool, error) {
	if _, err := t.GetTransaction(ctx, txn.Provider, txn.ExternalRef); err == nil {
		return false, nil
	} else if !credits.IsNotFound(err) {
		return false, err
	}
	_, err := t.s.col(colTransactions).InsertOne(ctx, toTransactionModel(txn))
	if mongo.IsDuplicateKeyError(err) {
		return false, fmt.Errorf("%w: billing transaction %s/%s", credits.ErrAlreadyExists, txn.Provider, txn.ExternalRef)
	}
	if err != nil {
		return false, fmt.Errorf("credits/mongo: insert transaction: %w", err)
	}
	return true, nil
}

func (t *unit) GetTransaction(ctx context.Context, provider, externalRef string) (*billing.Transaction, error) {
	return getTransaction(ctx, t.s.col(colTransactions), provider, externalRef)
}

func (t *unit) UpdateTransaction(ctx context.Context, txn *billing.Transaction) error {
	m := toTransactionModel(txn)
	res, err := t.s.col(colTransactions).UpdateOne(ctx,
		bson.M{"provider": m.Provider, "external_ref": m.ExternalRef},
		bson.M{"$set": bson.M{
			"status":     m.Status,
			"credits":    m.Credits,
			"meta":       m.Meta,
			"updated_at": m.UpdatedAt,
		}})
	if err != nil {
		return fmt.Errorf("credits/mongo: update transaction: %w", err)
	}
	if res.MatchedCount == 0 {
		return credits.ErrTransactionNotFound
	}
	return nil
}
