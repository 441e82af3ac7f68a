package wallet

import "context"

// Store is the read side of wallet persistence. Writes happen only inside
// an owner-locked unit of work.
type Store interface {
	GetWallet(ctx context.Context, ownerID string) (*Wallet, error)
	ListEntries(ctx context.Context, ownerID string, opts ListOpts) ([]*Entry, error)
}

// ListOpts filters wallet entries. Results are newest first.
type ListOpts struct {
	Kind   EntryKind
	Limit  int
	Offset int
}
