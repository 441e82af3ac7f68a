package credits

import (
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

// Re-export common types so callers don't have to import the types package.

// Money is re-exported from the types package.
type Money = types.Money

// Entity is re-exported from the types package.
type Entity = types.Entity

// ID is the identifier type of every ledger record.
type ID = id.ID

// Money constructors.
var (
	NewMoney = types.NewMoney
	EUR      = types.EUR
	USD      = types.USD
)
