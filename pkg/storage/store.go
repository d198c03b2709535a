// Package storage persists orders, markets, fills and price history in
// Pebble. The store is an optimistic cache of the settlement ledger: it is
// written only after reconciliation against ledger truth, never treated as
// a lock on maker capacity.
package storage

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"

	"github.com/outcomex/outcomex/pkg/clob"
)

// PricePoint is one executed-price observation for a token.
type PricePoint struct {
	MarketID  common.Hash `json:"marketId"`
	TokenID   *big.Int    `json:"tokenId"`
	Price     float64     `json:"price"` // display decimal; matching never reads this
	Timestamp time.Time   `json:"timestamp"`
}

type Store struct {
	db *pebble.DB

	// Guards read-modify-write of volume counters.
	volMu sync.Mutex
}

// Open opens or creates a store at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory store, used by tests.
func OpenMemory() (*Store, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// ---- Markets ----

func (s *Store) SaveMarket(m *clob.Market) error {
	return s.putJSON(marketKey(m.ConditionID), m)
}

func (s *Store) Market(conditionID common.Hash) (*clob.Market, error) {
	var m clob.Market
	ok, err := s.getJSON(marketKey(conditionID), &m)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", clob.ErrUnknownMarket, conditionID)
	}
	return &m, nil
}

func (s *Store) ListMarkets() ([]*clob.Market, error) {
	prefix := []byte(prefixMarket)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var markets []*clob.Market
	for iter.First(); iter.Valid(); iter.Next() {
		var m clob.Market
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		markets = append(markets, &m)
	}
	return markets, nil
}

// ---- Orders ----

// SaveOrder writes the order and its hash→market index entry.
func (s *Store) SaveOrder(o *clob.Order) error {
	if err := s.putJSON(orderKey(o.MarketID, o.Hash), o); err != nil {
		return err
	}
	return s.db.Set(orderIndexKey(o.Hash), o.MarketID[:], pebble.Sync)
}

// UpdateOrder persists reconciled fill state. Same write path as
// SaveOrder; orders are never deleted, only status-transitioned.
func (s *Store) UpdateOrder(o *clob.Order) error {
	return s.SaveOrder(o)
}

func (s *Store) Order(hash common.Hash) (*clob.Order, error) {
	val, closer, err := s.db.Get(orderIndexKey(hash))
	if err == pebble.ErrNotFound {
		return nil, fmt.Errorf("%w: %s", clob.ErrUnknownOrder, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("get order index: %w", err)
	}
	marketID := common.BytesToHash(val)
	closer.Close()

	var o clob.Order
	ok, err := s.getJSON(orderKey(marketID, hash), &o)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", clob.ErrUnknownOrder, hash)
	}
	return &o, nil
}

// FindActiveOrders scans one market for resting orders of the given token
// and side, excluding one hash. Expiration is the caller's read-time
// predicate; the store only filters on status.
func (s *Store) FindActiveOrders(marketID common.Hash, tokenID *big.Int, side clob.Side, exclude common.Hash) ([]*clob.Order, error) {
	prefix := orderPrefix(marketID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var orders []*clob.Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o clob.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			continue
		}
		if o.Hash == exclude || o.Side != side {
			continue
		}
		if o.TokenID == nil || o.TokenID.Cmp(tokenID) != 0 {
			continue
		}
		if o.Status != clob.StatusPending && o.Status != clob.StatusPartiallyFilled {
			continue
		}
		orders = append(orders, &o)
	}
	return orders, nil
}

// ---- Fills ----

func (s *Store) SaveFill(f *clob.Fill) error {
	return s.putJSON(fillKey(f.MarketID, f.Timestamp.UnixNano(), f.ID), f)
}

// RecentFills returns up to limit fills for a market, newest first.
func (s *Store) RecentFills(marketID common.Hash, limit int) ([]*clob.Fill, error) {
	prefix := fillPrefix(marketID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var fills []*clob.Fill
	for iter.Last(); iter.Valid() && len(fills) < limit; iter.Prev() {
		var f clob.Fill
		if err := json.Unmarshal(iter.Value(), &f); err != nil {
			continue
		}
		fills = append(fills, &f)
	}
	return fills, nil
}

// ---- Price history and volume ----

func (s *Store) SavePricePoint(p *PricePoint) error {
	return s.putJSON(priceKey(p.MarketID, p.TokenID, p.Timestamp.UnixNano()), p)
}

// PricePoints returns up to limit points for a token, newest first.
func (s *Store) PricePoints(marketID common.Hash, tokenID *big.Int, limit int) ([]*PricePoint, error) {
	prefix := pricePrefix(marketID, tokenID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var points []*PricePoint
	for iter.Last(); iter.Valid() && len(points) < limit; iter.Prev() {
		var p PricePoint
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			continue
		}
		points = append(points, &p)
	}
	return points, nil
}

// AddVolume adds collateral to the market's running volume counter.
func (s *Store) AddVolume(marketID common.Hash, collateral *big.Int) error {
	s.volMu.Lock()
	defer s.volMu.Unlock()

	total := new(big.Int)
	val, closer, err := s.db.Get(volumeKey(marketID))
	if err == nil {
		total.SetBytes(val)
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return fmt.Errorf("get volume: %w", err)
	}
	total.Add(total, collateral)
	return s.db.Set(volumeKey(marketID), total.Bytes(), pebble.NoSync)
}

func (s *Store) Volume(marketID common.Hash) (*big.Int, error) {
	val, closer, err := s.db.Get(volumeKey(marketID))
	if err == pebble.ErrNotFound {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get volume: %w", err)
	}
	defer closer.Close()
	return new(big.Int).SetBytes(val), nil
}

// ---- Pending settlements ----

// PendingSettlement marks a settlement whose batch transaction landed on
// the ledger but whose post-settlement reconciliation has not converged.
// The marker survives restarts and is deleted only once every touched
// order reflects ledger truth.
type PendingSettlement struct {
	TakerHash common.Hash  `json:"takerHash"`
	Fills     []*clob.Fill `json:"fills"`
}

func (s *Store) SavePendingSettlement(p *PendingSettlement) error {
	return s.putJSON(pendingKey(p.TakerHash), p)
}

func (s *Store) DeletePendingSettlement(takerHash common.Hash) error {
	return s.db.Delete(pendingKey(takerHash), pebble.Sync)
}

// PendingSettlements returns all unresolved settlement markers.
func (s *Store) PendingSettlements() ([]*PendingSettlement, error) {
	prefix := []byte(prefixPending)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var pending []*PendingSettlement
	for iter.First(); iter.Valid(); iter.Next() {
		var p PendingSettlement
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			continue
		}
		pending = append(pending, &p)
	}
	return pending, nil
}

// ---- codec helpers ----

func (s *Store) putJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", v, err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Store) getJSON(key []byte, v any) (bool, error) {
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(val, v); err != nil {
		return false, fmt.Errorf("unmarshal %T: %w", v, err)
	}
	return true, nil
}
