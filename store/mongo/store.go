// Package mongo provides the MongoDB store. Units of work run in
// multi-document transactions, which need a replica set or sharded
// cluster. Each unit of work opens by bumping a counter on the owner's
// wallet document, so concurrent units for one owner conflict and the
// driver retries the later one.
package mongo

import (
	"context"
	"errors"
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
	"github.com/xraph/credits/webhook"
)

// Collection name constants.
const (
	colWallets      = "credit_wallets"
	colEntries      = "credit_wallet_entries"
	colReservations = "credit_reservations"
	colAllowances   = "credit_allowances"
	colCharges      = "credit_message_charges"
	colTransactions = "credit_billing_transactions"
	colWebhooks     = "credit_webhook_events"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Store implements store.Store on MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// New creates a store on a database of a connected client.
func New(client *mongo.Client, database string) *Store {
	return &Store{client: client, db: client.Database(database)}
}

// Open connects to uri and verifies the connection.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("credits/mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("credits/mongo: ping: %w", err)
	}
	return New(client, database), nil
}

// DB returns the underlying database for direct access.
func (s *Store) DB() *mongo.Database { return s.db }

func (s *Store) col(name string) *mongo.Collection { return s.db.Collection(name) }

// Migrate creates indexes for all credit collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.col(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("%w: mongo %s indexes: %w", credits.ErrMigrationFailed, col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// WithOwnerLock runs fn in a transaction that first writes the owner's
// wallet document. fn may run more than once when the transaction is
// retried after a write conflict.
func (s *Store) WithOwnerLock(ctx context.Context, ownerID string, fn func(ctx context.Context, tx store.Tx) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		if errors.Is(err, mongo.ErrClientDisconnected) {
			return credits.ErrStoreClosed
		}
		return fmt.Errorf("credits/mongo: start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		t := &unit{s: s, ownerID: ownerID}
		if err := t.lock(ctx); err != nil {
			return nil, err
		}
		return nil, fn(ctx, t)
	})
	return err
}

// ==================== Wallet reads ====================

func (s *Store) GetWallet(ctx context.Context, ownerID string) (*wallet.Wallet, error) {
	var m walletModel
	err := s.col(colWallets).FindOne(ctx, bson.M{"_id": ownerID}).Decode(&m)
	if isNoDocuments(err) {
		return nil, credits.ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromWalletModel(&m), nil
}

func (s *Store) ListEntries(ctx context.Context, ownerID string, opts wallet.ListOpts) ([]*wallet.Entry, error) {
	filter := bson.M{"owner_id": ownerID}
	if opts.Kind != "" {
		filter["kind"] = string(opts.Kind)
	}
	var models []entryModel
	if err := s.find(ctx, colEntries, filter, bson.D{{Key: "_id", Value: -1}}, opts.Limit, opts.Offset, &models); err != nil {
		return nil, err
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

// find decodes a sorted, paged query into dst.
func (s *Store) find(ctx context.Context, col string, filter any, sort bson.D, limit, offset int, dst any) error {
	opts := options.Find().SetSort(sort)
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	if offset > 0 {
		opts.SetSkip(int64(offset))
	}
	cur, err := s.col(col).Find(ctx, filter, opts)
	if err != nil {
		return fmt.Errorf("credits/mongo: find %s: %w", col, err)
	}
	if err := cur.All(ctx, dst); err != nil {
		return fmt.Errorf("credits/mongo: decode %s: %w", col, err)
	}
	return nil
}

// ==================== Reservation reads ====================

func (s *Store) GetReservation(ctx context.Context, rsvID id.ReservationID) (*reservation.Reservation, error) {
	var m reservationModel
	err := s.col(colReservations).FindOne(ctx, bson.M{"_id": rsvID.String()}).Decode(&m)
	if isNoDocuments(err) {
		return nil, credits.ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromReservationModel(&m)
}

func (s *Store) ListReservations(ctx context.Context, ownerID string, opts reservation.ListOpts) ([]*reservation.Reservation, error) {
	filter := bson.M{"owner_id": ownerID}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if opts.CampaignID != "" {
		filter["campaign_id"] = opts.CampaignID
	}
	var models []reservationModel
	if err := s.find(ctx, colReservations, filter, bson.D{{Key: "_id", Value: -1}}, opts.Limit, opts.Offset, &models); err != nil {
		return nil, err
	}
	return fromReservationModels(models)
}

func (s *Store) ListStaleReservations(ctx context.Context, now, reservedBefore time.Time, limit int) ([]*reservation.Reservation, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"status": string(reservation.StatusReserved),
			"$or": bson.A{
				bson.M{"expires_at": bson.M{"$lt": now.UTC()}},
				bson.M{"expires_at": bson.M{"$exists": false}, "reserved_at": bson.M{"$lt": reservedBefore.UTC()}},
			},
		}}},
		{{Key: "$addFields", Value: bson.M{"due": bson.M{"$ifNull": bson.A{"$expires_at", "$reserved_at"}}}}},
		{{Key: "$sort", Value: bson.D{{Key: "due", Value: 1}, {Key: "_id", Value: 1}}}},
	}
	if limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: limit}})
	}

	cur, err := s.col(colReservations).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("credits/mongo: list stale reservations: %w", err)
	}
	var models []reservationModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("credits/mongo: decode stale reservations: %w", err)
	}
	return fromReservationModels(models)
}

// ==================== Allowance and billing reads ====================

func (s *Store) GetAllowance(ctx context.Context, ownerID string) (*allowance.Allowance, error) {
	return getAllowance(ctx, s.col(colAllowances), ownerID)
}

func getAllowance(ctx context.Context, col *mongo.Collection, ownerID string) (*allowance.Allowance, error) {
	var m allowanceModel
	err := col.FindOne(ctx, bson.M{"_id": ownerID}).Decode(&m)
	if isNoDocuments(err) {
		return nil, credits.ErrAllowanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromAllowanceModel(&m), nil
}

func (s *Store) GetMessageCharge(ctx context.Context, messageID string) (*billing.MessageCharge, error) {
	return getMessageCharge(ctx, s.col(colCharges), messageID)
}

func getMessageCharge(ctx context.Context, col *mongo.Collection, messageID string) (*billing.MessageCharge, error) {
	var m chargeModel
	err := col.FindOne(ctx, bson.M{"_id": messageID}).Decode(&m)
	if isNoDocuments(err) {
		return nil, credits.ErrMessageChargeNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromChargeModel(&m), nil
}

func (s *Store) GetTransaction(ctx context.Context, provider, externalRef string) (*billing.Transaction, error) {
	return getTransaction(ctx, s.col(colTransactions), provider, externalRef)
}

func getTransaction(ctx context.Context, col *mongo.Collection, provider, externalRef string) (*billing.Transaction, error) {
	var m transactionModel
	err := col.FindOne(ctx, bson.M{"provider": provider, "external_ref": externalRef}).Decode(&m)
	if isNoDocuments(err) {
		return nil, credits.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromTransactionModel(&m)
}

func (s *Store) ListTransactions(ctx context.Context, ownerID string, opts billing.ListOpts) ([]*billing.Transaction, error) {
	filter := bson.M{"owner_id": ownerID}
	if opts.Kind != "" {
		filter["kind"] = string(opts.Kind)
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	var models []transactionModel
	if err := s.find(ctx, colTransactions, filter, bson.D{{Key: "_id", Value: -1}}, opts.Limit, opts.Offset, &models); err != nil {
		return nil, err
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

// ==================== Webhook events ====================

func (s *Store) CreateWebhookEvent(ctx context.Context, evt *webhook.Event) (bool, error) {
	_, err := s.col(colWebhooks).InsertOne(ctx, toWebhookModel(evt))
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("credits/mongo: create webhook event: %w", err)
	}
	return true, nil
}

func (s *Store) GetWebhookEvent(ctx context.Context, provider, eventID string) (*webhook.Event, error) {
	return s.findWebhook(ctx, bson.M{"provider": provider, "event_id": eventID})
}

func (s *Store) FindWebhookEventByHash(ctx context.Context, provider, payloadHash, ownerID string) (*webhook.Event, error) {
	return s.findWebhook(ctx, bson.M{"provider": provider, "payload_hash": payloadHash, "owner_id": ownerID},
		options.FindOne().SetSort(bson.D{{Key: "received_at", Value: -1}}))
}

func (s *Store) findWebhook(ctx context.Context, filter bson.M, opts ...options.Lister[options.FindOneOptions]) (*webhook.Event, error) {
	var m webhookModel
	err := s.col(colWebhooks).FindOne(ctx, filter, opts...).Decode(&m)
	if isNoDocuments(err) {
		return nil, credits.ErrWebhookEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromWebhookModel(&m)
}

func (s *Store) UpdateWebhookEvent(ctx context.Context, evt *webhook.Event) error {
	m := toWebhookModel(evt)
	set := bson.M{
		"owner_id": m.OwnerID,
		"status":   m.Status,
		"meta":     m.Meta,
		"error":    m.Error,
	}
	update := bson.M{"$set": set}
	if m.ProcessedAt != nil {
		set["processed_at"] = m.ProcessedAt
	}
	res, err := s.col(colWebhooks).UpdateOne(ctx, bson.M{"provider": m.Provider, "event_id": m.EventID}, update)
	if err != nil {
		return fmt.Errorf("credits/mongo: update webhook event: %w", err)
	}
	if res.MatchedCount == 0 {
		return credits.ErrWebhookEventNotFound
	}
	return nil
}

func (s *Store) ListWebhookEvents(ctx context.Context, opts webhook.ListOpts) ([]*webhook.Event, error) {
	filter := bson.M{}
	if opts.Provider != "" {
		filter["provider"] = opts.Provider
	}
	if opts.OwnerID != "" {
		filter["owner_id"] = opts.OwnerID
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	var models []webhookModel
	sort := bson.D{{Key: "received_at", Value: -1}, {Key: "_id", Value: -1}}
	if err := s.find(ctx, colWebhooks, filter, sort, opts.Limit, opts.Offset, &models); err != nil {
		return nil, err
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

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all credit collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colEntries: {
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "_id", Value: -1}}},
		},
		colReservations: {
			{
				Keys: bson.D{{Key: "message_id", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"message_id": bson.M{"$exists": true}}),
			},
			{
				Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "idempotency_key", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$exists": true}}),
			},
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}, {Key: "reserved_at", Value: 1}}},
		},
		colCharges: {
			{Keys: bson.D{{Key: "owner_id", Value: 1}}},
		},
		colTransactions: {
			{
				Keys:    bson.D{{Key: "provider", Value: 1}, {Key: "external_ref", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "kind", Value: 1}}},
		},
		colWebhooks: {
			{
				Keys:    bson.D{{Key: "provider", Value: 1}, {Key: "event_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "payload_hash", Value: 1}, {Key: "owner_id", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "received_at", Value: -1}}},
		},
	}
}
