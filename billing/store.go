package billing

import "context"

// Store is the read side of billing persistence.
type Store interface {
	GetTransaction(ctx context.Context, provider, externalRef string) (*Transaction, error)
	ListTransactions(ctx context.Context, ownerID string, opts ListOpts) ([]*Transaction, error)
	GetMessageCharge(ctx context.Context, messageID string) (*MessageCharge, error)
}

type ListOpts struct {
	Kind   Kind
	Status TransactionStatus
	Limit  int
	Offset int
}
