// Package match implements the fill computation at the heart of the
// exchange. Match is a pure function of the taker order and the candidate
// list: no I/O, no clock, no shared state. Given identical inputs it
// returns identical fills, which keeps settlement submission reproducible
// and auditable.
package match

import (
	"math/big"

	"github.com/outcomex/outcomex/pkg/clob"
)

// Result is the output of one matching run. Fills are ordered by the
// candidate priority they were taken in; TakerFilled is the total
// consumption of the taker's maker_amount across all fills.
type Result struct {
	Fills       []*clob.Fill
	TakerFilled *big.Int
}

// NoMatch reports whether the run produced no fills. An empty result is
// not an error: the order simply rests.
func (r *Result) NoMatch() bool {
	return len(r.Fills) == 0
}

// Match walks the candidates in selector priority order and consumes the
// taker's remaining capacity. Each candidate is re-checked for crossing
// and remaining capacity before a fill is computed; candidates that yield
// a zero fill on either side are skipped, and iteration stops as soon as
// the taker is fully consumed. The taker is validated up front; a
// malformed taker aborts the whole run.
func Match(taker *clob.Order, candidates []clob.Candidate) (*Result, error) {
	if err := taker.Validate(); err != nil {
		return nil, err
	}
	if _, err := taker.Price(); err != nil {
		return nil, err
	}

	remaining := taker.Remaining()
	res := &Result{TakerFilled: big.NewInt(0)}

	for _, cand := range candidates {
		if remaining.Sign() == 0 {
			break
		}
		maker := cand.Order
		if maker.Hash == taker.Hash {
			continue
		}
		if maker.Validate() != nil {
			continue
		}
		mt, ok := Crosses(taker, maker)
		if !ok || mt != cand.Type {
			continue
		}
		if maker.Remaining().Sign() <= 0 {
			continue
		}

		fill := computeFill(mt, taker, remaining, maker)
		if fill == nil {
			continue
		}
		res.Fills = append(res.Fills, fill)
		remaining.Sub(remaining, fill.TakerFilled)
		res.TakerFilled.Add(res.TakerFilled, fill.TakerFilled)
	}
	return res, nil
}

// computeFill applies the accounting rule for one match type. It returns
// nil when either side's consumption would be zero. All divisions floor,
// biased consistently in the maker's favor so a taker can never extract
// tokens at zero cost from rounding.
func computeFill(mt clob.MatchType, taker *clob.Order, takerRemaining *big.Int, maker *clob.Order) *clob.Fill {
	var takerUse, makerUse, priceNum, priceDen *big.Int

	switch mt {
	case clob.MatchComplementary:
		if taker.Side == clob.Buy {
			// Taker spends collateral, maker supplies tokens. The
			// collateral the maker still wants is derived from its
			// unconsumed token capacity at its own ask.
			available := maker.Remaining()
			makerWant := mulDivFloor(available, maker.TakerAmount, maker.MakerAmount)
			takerUse = bigMin(takerRemaining, makerWant)
			makerUse = mulDivFloor(takerUse, maker.MakerAmount, maker.TakerAmount)
			priceNum, priceDen = takerUse, makerUse
		} else {
			// Taker supplies tokens, maker spends collateral.
			available := maker.Remaining()
			tokensWanted := mulDivFloor(available, maker.TakerAmount, maker.MakerAmount)
			takerUse = bigMin(takerRemaining, tokensWanted)
			makerUse = mulDivFloor(takerUse, maker.MakerAmount, maker.TakerAmount)
			priceNum, priceDen = makerUse, takerUse
		}

	case clob.MatchMint:
		// Both BUY on complementary tokens. Each side can fund
		// collateral/price full sets; the smaller bound wins and each
		// side pays sets * its own price.
		takerSets := mulDivFloor(takerRemaining, taker.TakerAmount, taker.MakerAmount)
		makerSets := mulDivFloor(maker.Remaining(), maker.TakerAmount, maker.MakerAmount)
		sets := bigMin(takerSets, makerSets)
		if sets.Sign() <= 0 {
			return nil
		}
		takerUse = mulDivFloor(sets, taker.MakerAmount, taker.TakerAmount)
		makerUse = mulDivFloor(sets, maker.MakerAmount, maker.TakerAmount)
		priceNum, priceDen = takerUse, sets

	case clob.MatchMerge:
		// Both SELL on complementary tokens. Whole pairs are destroyed,
		// so consumption is symmetric in tokens with no price weighting.
		qty := bigMin(takerRemaining, maker.Remaining())
		takerUse = qty
		makerUse = new(big.Int).Set(qty)
		priceNum = mulDivFloor(qty, taker.TakerAmount, taker.MakerAmount)
		priceDen = qty

	default:
		return nil
	}

	if takerUse.Sign() <= 0 || makerUse.Sign() <= 0 || priceDen.Sign() <= 0 {
		return nil
	}

	// ID and timestamp are audit fields stamped at persist time by the
	// settlement coordinator; leaving them zero keeps Match deterministic.
	return &clob.Fill{
		MarketID:    taker.MarketID,
		TakerHash:   taker.Hash,
		MakerHash:   maker.Hash,
		MatchType:   mt,
		TakerFilled: takerUse,
		MakerFilled: makerUse,
		PriceNum:    new(big.Int).Set(priceNum),
		PriceDen:    new(big.Int).Set(priceDen),
		Maker:       maker,
	}
}

// mulDivFloor returns a*num/den rounded toward zero.
func mulDivFloor(a, num, den *big.Int) *big.Int {
	out := new(big.Int).Mul(a, num)
	return out.Quo(out, den)
}

func bigMin(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
