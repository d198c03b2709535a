package storage

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema:
//
//   mkt:<conditionId>                    → Market
//   ord:<conditionId>:<orderHash>        → Order
//   oidx:<orderHash>                     → conditionId (order hash → market)
//   fill:<conditionId>:<ts>:<fillId>     → Fill
//   px:<conditionId>:<tokenId>:<ts>      → PricePoint
//   vol:<conditionId>                    → collateral volume (big.Int bytes)
//   pend:<takerHash>                     → PendingSettlement
//
// Timestamps are zero-padded nanoseconds so prefix scans iterate in time
// order.
const (
	prefixMarket     = "mkt:"
	prefixOrder      = "ord:"
	prefixOrderIndex = "oidx:"
	prefixFill       = "fill:"
	prefixPrice      = "px:"
	prefixVolume     = "vol:"
	prefixPending    = "pend:"
)

func marketKey(conditionID common.Hash) []byte {
	return []byte(prefixMarket + conditionID.Hex())
}

func orderKey(conditionID, orderHash common.Hash) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixOrder, conditionID.Hex(), orderHash.Hex()))
}

func orderPrefix(conditionID common.Hash) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOrder, conditionID.Hex()))
}

func orderIndexKey(orderHash common.Hash) []byte {
	return []byte(prefixOrderIndex + orderHash.Hex())
}

func fillKey(conditionID common.Hash, tsNanos int64, fillID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixFill, conditionID.Hex(), tsNanos, fillID))
}

func fillPrefix(conditionID common.Hash) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixFill, conditionID.Hex()))
}

func priceKey(conditionID common.Hash, tokenID *big.Int, tsNanos int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%020d", prefixPrice, conditionID.Hex(), tokenID.String(), tsNanos))
}

func pricePrefix(conditionID common.Hash, tokenID *big.Int) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:", prefixPrice, conditionID.Hex(), tokenID.String()))
}

func volumeKey(conditionID common.Hash) []byte {
	return []byte(prefixVolume + conditionID.Hex())
}

func pendingKey(takerHash common.Hash) []byte {
	return []byte(prefixPending + takerHash.Hex())
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
