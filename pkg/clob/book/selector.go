// Package book selects and orders the resting orders an incoming taker
// can fill against. Storage is behind a narrow interface; the eligibility
// predicate and the price-time priority are the point of this package.
package book

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/outcomex/outcomex/pkg/clob"
	"github.com/outcomex/outcomex/pkg/clob/match"
	"github.com/outcomex/outcomex/pkg/clob/rational"
	"github.com/outcomex/outcomex/pkg/util"
)

// OrderStore is the storage surface the selector needs. The store's view
// of filled amounts is an optimistic snapshot, not a lock; the ledger
// corrects any stale read at settlement time.
type OrderStore interface {
	// FindActiveOrders returns resting orders of one market/token/side,
	// excluding the given hash. Ordering is the caller's concern.
	FindActiveOrders(marketID common.Hash, tokenID *big.Int, side clob.Side, exclude common.Hash) ([]*clob.Order, error)
	// Market resolves a condition id to its token pair.
	Market(conditionID common.Hash) (*clob.Market, error)
}

type Selector struct {
	store OrderStore
	clock util.Clock
}

func NewSelector(store OrderStore, clock util.Clock) *Selector {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Selector{store: store, clock: clock}
}

// Select produces the candidate list for one taker order. Direct
// opposite-side same-token candidates come first, best price for the
// taker, time priority on ties; same-side complementary-token candidates
// (mint for buys, merge for sells) follow, best combined price first.
// Direct matches consume existing inventory before any token pair is
// created or destroyed, since they are settlement-cheaper.
func (s *Selector) Select(taker *clob.Order) ([]clob.Candidate, error) {
	mkt, err := s.store.Market(taker.MarketID)
	if err != nil {
		return nil, err
	}
	complement, ok := mkt.Complement(taker.TokenID)
	if !ok {
		return nil, fmt.Errorf("%w: token not in market %s", clob.ErrMalformedOrder, taker.MarketID)
	}
	now := s.clock.Now()

	direct, err := s.store.FindActiveOrders(taker.MarketID, taker.TokenID, taker.Side.Opposite(), taker.Hash)
	if err != nil {
		return nil, fmt.Errorf("find direct candidates: %w", err)
	}
	directType := clob.MatchComplementary
	direct = s.filter(taker, direct, directType, now)
	// Lowest ask first for a buying taker, highest bid first for a
	// selling taker.
	sortByPrice(direct, taker.Side == clob.Buy)

	synthetic, err := s.store.FindActiveOrders(taker.MarketID, complement, taker.Side, taker.Hash)
	if err != nil {
		return nil, fmt.Errorf("find synthetic candidates: %w", err)
	}
	synthType := clob.MatchMint
	if taker.Side == clob.Sell {
		synthType = clob.MatchMerge
	}
	synthetic = s.filter(taker, synthetic, synthType, now)
	// A mint wants the richest complementary bid first (largest combined
	// price); a merge wants the cheapest complementary ask first.
	sortByPrice(synthetic, taker.Side == clob.Sell)

	out := make([]clob.Candidate, 0, len(direct)+len(synthetic))
	for _, o := range direct {
		out = append(out, clob.Candidate{Order: o, Type: directType})
	}
	for _, o := range synthetic {
		out = append(out, clob.Candidate{Order: o, Type: synthType})
	}
	return out, nil
}

func (s *Selector) filter(taker *clob.Order, orders []*clob.Order, want clob.MatchType, now time.Time) []*clob.Order {
	kept := orders[:0]
	for _, o := range orders {
		if o.Hash == taker.Hash || !o.IsActive(now) {
			continue
		}
		if o.Remaining().Sign() <= 0 {
			continue
		}
		if mt, ok := match.Crosses(taker, o); !ok || mt != want {
			continue
		}
		kept = append(kept, o)
	}
	return kept
}

// sortByPrice orders by maker unit price, ascending when asc is true,
// breaking ties by creation time and finally by hash so the candidate
// sequence is total and reproducible.
func sortByPrice(orders []*clob.Order, asc bool) {
	prices := make(map[common.Hash]rational.Rat, len(orders))
	for _, o := range orders {
		p, err := o.Price()
		if err != nil {
			continue // unpriceable orders were filtered already
		}
		prices[o.Hash] = p
	}
	sort.SliceStable(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if c := prices[a.Hash].Cmp(prices[b.Hash]); c != 0 {
			if asc {
				return c < 0
			}
			return c > 0
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return bytes.Compare(a.Hash[:], b.Hash[:]) < 0
	})
}
