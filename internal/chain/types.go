package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Invoker abstracts the call surface the action executor needs so different
// networks can back Call actions uniformly.
type Invoker interface {
	// Invoke performs a call against target with the given value and call
	// data. A revert or transport failure is returned as an error.
	Invoke(ctx context.Context, target common.Address, value *big.Int, payload []byte) error
	Close()
}

// Snapshot represents summarized network metadata for reporting.
type Snapshot struct {
	ChainID     string
	BlockNumber string
	Notes       string
}
