package allowance

import "context"

// Store is the read side of allowance persistence.
type Store interface {
	GetAllowance(ctx context.Context, ownerID string) (*Allowance, error)
}
