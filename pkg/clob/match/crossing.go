package match

import (
	"github.com/outcomex/outcomex/pkg/clob"
	"github.com/outcomex/outcomex/pkg/clob/rational"
)

// Crosses classifies a taker/maker pair and checks the price condition
// exactly. It returns the match type the pair would fill under and whether
// the rational-price inequality holds:
//
//	COMPLEMENTARY  opposite sides, same token:   taker price >= maker price
//	MINT           both BUY, complementary:      taker + maker price >= 1
//	MERGE          both SELL, complementary:     taker + maker price <= 1
//
// Orders from different markets, same-side same-token pairs, and orders
// whose price cannot be constructed never cross.
func Crosses(taker, maker *clob.Order) (clob.MatchType, bool) {
	if taker.MarketID != maker.MarketID {
		return 0, false
	}
	tp, err := taker.Price()
	if err != nil {
		return 0, false
	}
	mp, err := maker.Price()
	if err != nil {
		return 0, false
	}

	sameToken := taker.TokenID.Cmp(maker.TokenID) == 0
	if sameToken {
		if maker.Side != taker.Side.Opposite() {
			return 0, false
		}
		if taker.Side == clob.Buy {
			// Buyer pays at least what the seller asks.
			return clob.MatchComplementary, tp.Cmp(mp) >= 0
		}
		// Seller asks at most what the buyer bids.
		return clob.MatchComplementary, mp.Cmp(tp) >= 0
	}

	// Complementary tokens of the same market: synthetic match, same side
	// on both legs.
	if maker.Side != taker.Side {
		return 0, false
	}
	sum := tp.Add(mp)
	if taker.Side == clob.Buy {
		// Joint collateral covers at least one full set per token pair.
		return clob.MatchMint, sum.Cmp(rational.One()) >= 0
	}
	// Joint asks fit inside the one unit of collateral a merge releases.
	return clob.MatchMerge, sum.Cmp(rational.One()) <= 0
}
