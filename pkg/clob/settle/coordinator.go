// Package settle turns a matching result into one ledger transaction and
// reconciles local order state against the ledger's post-transaction
// truth. The engine's output is a plan; what the ledger reports after the
// batch executes is final.
package settle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/outcomex/outcomex/pkg/clob"
	"github.com/outcomex/outcomex/pkg/clob/match"
	"github.com/outcomex/outcomex/pkg/clob/rational"
	"github.com/outcomex/outcomex/pkg/util"
)

// Receipt is the confirmation of one settlement transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// Ledger is the narrow settlement surface: hash an order, submit one
// atomic batch, read back authoritative per-order state, and cancel.
type Ledger interface {
	HashOrder(o *clob.Order) (common.Hash, error)
	SubmitBatch(ctx context.Context, taker *clob.Order, makers []*clob.Order, fillAmounts []*big.Int, totalFill *big.Int) (*Receipt, error)
	OrderStatus(ctx context.Context, hash common.Hash) (*clob.LedgerState, error)
	Cancel(ctx context.Context, o *clob.Order) (*Receipt, error)
}

// Store persists reconciled orders and fill audit records.
type Store interface {
	UpdateOrder(o *clob.Order) error
	SaveFill(f *clob.Fill) error
}

// Sink receives fire-and-forget price and volume bookkeeping.
type Sink interface {
	RecordPricePoint(marketID common.Hash, tokenID *big.Int, price float64, ts time.Time)
	IncrementVolume(marketID common.Hash, collateral *big.Int)
}

// Outcome summarizes one settle call.
type Outcome struct {
	NoMatch     bool
	Receipt     *Receipt
	Fills       []*clob.Fill
	TakerFilled *big.Int
}

type Coordinator struct {
	ledger Ledger
	store  Store
	sink   Sink
	clock  util.Clock
	log    *zap.SugaredLogger

	// Reconciliation retry policy. The read after a confirmed transaction
	// must eventually succeed; these bound one synchronous attempt before
	// the caller falls back to background resumption.
	retries int
	backoff time.Duration
}

func NewCoordinator(ledger Ledger, store Store, sink Sink, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{
		ledger:  ledger,
		store:   store,
		sink:    sink,
		clock:   util.RealClock{},
		log:     log,
		retries: 5,
		backoff: 200 * time.Millisecond,
	}
}

// WithClock swaps the clock, for tests.
func (c *Coordinator) WithClock(clock util.Clock) *Coordinator {
	c.clock = clock
	return c
}

// Settle submits one matching result. An empty result never contacts the
// ledger. A reverted transaction surfaces as ErrSettlementFailed with no
// local mutation. After a confirmed transaction every participant order is
// reconciled against ledger truth, then persisted together with audit fill
// records and price/volume points.
func (c *Coordinator) Settle(ctx context.Context, taker *clob.Order, res *match.Result) (*Outcome, error) {
	if res.NoMatch() {
		return &Outcome{NoMatch: true, TakerFilled: big.NewInt(0)}, nil
	}

	makers := make([]*clob.Order, len(res.Fills))
	amounts := make([]*big.Int, len(res.Fills))
	for i, f := range res.Fills {
		makers[i] = f.Maker
		amounts[i] = f.MakerFilled
	}

	receipt, err := c.ledger.SubmitBatch(ctx, taker, makers, amounts, res.TakerFilled)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", clob.ErrSettlementFailed, err)
	}
	c.log.Infow("batch settled",
		"tx", receipt.TxHash, "taker", taker.Hash,
		"fills", len(res.Fills), "taker_filled", res.TakerFilled)

	// The transaction is final; everything after this point must converge
	// rather than roll back.
	if err := c.Finalize(ctx, taker, res); err != nil {
		return nil, err
	}
	return &Outcome{Receipt: receipt, Fills: res.Fills, TakerFilled: res.TakerFilled}, nil
}

// Finalize is the resumable half of settlement: reconcile every
// participant against ledger truth, persist the reconciled orders, then
// persist audit fill records and emit price/volume points. It is safe to
// call repeatedly after a confirmed transaction; fills keep the id and
// timestamp stamped on the first attempt and sink points fire only when a
// fill is first stamped.
func (c *Coordinator) Finalize(ctx context.Context, taker *clob.Order, res *match.Result) error {
	participants := make([]*clob.Order, 0, len(res.Fills)+1)
	participants = append(participants, taker)
	for _, f := range res.Fills {
		participants = append(participants, f.Maker)
	}
	if err := c.Reconcile(ctx, participants...); err != nil {
		return err
	}

	for _, o := range participants {
		if err := c.store.UpdateOrder(o); err != nil {
			return fmt.Errorf("%w: persist order %s: %v", clob.ErrReconciliationPending, o.Hash, err)
		}
	}
	now := c.clock.Now()
	for _, f := range res.Fills {
		firstAttempt := f.ID == ""
		if firstAttempt {
			f.ID = uuid.NewString()
			f.Timestamp = now
		}
		if err := c.store.SaveFill(f); err != nil {
			return fmt.Errorf("%w: persist fill: %v", clob.ErrReconciliationPending, err)
		}
		if firstAttempt {
			c.recordFill(taker, f, now)
		}
	}
	return nil
}

// Reconcile reads authoritative ledger state for each order and applies
// it. The read is idempotent, so retrying is always safe; when the retry
// budget runs out the error wraps ErrReconciliationPending and the caller
// must resume, not roll back.
func (c *Coordinator) Reconcile(ctx context.Context, orders ...*clob.Order) error {
	for _, o := range orders {
		ls, err := c.readWithRetry(ctx, o.Hash)
		if err != nil {
			return fmt.Errorf("%w: order %s: %v", clob.ErrReconciliationPending, o.Hash, err)
		}
		o.Reconcile(ls)
	}
	return nil
}

func (c *Coordinator) readWithRetry(ctx context.Context, hash common.Hash) (*clob.LedgerState, error) {
	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		ls, err := c.ledger.OrderStatus(ctx, hash)
		if err == nil {
			return ls, nil
		}
		lastErr = err
		c.log.Warnw("ledger status read failed", "order", hash, "attempt", attempt+1, "err", err)
		select {
		case <-ctx.Done():
			return nil, errors.Join(lastErr, ctx.Err())
		case <-c.clock.After(c.backoff << attempt):
		}
	}
	return nil, lastErr
}

// recordFill emits the price point for the token the taker actually traded
// (execution price = taker's realized collateral per token) and the
// market's collateral volume. Both are fire-and-forget.
func (c *Coordinator) recordFill(taker *clob.Order, f *clob.Fill, now time.Time) {
	price, err := rational.New(f.PriceNum, f.PriceDen)
	if err != nil {
		c.log.Warnw("unpriceable fill skipped in history", "fill", f.ID, "err", err)
		return
	}
	c.sink.RecordPricePoint(f.MarketID, taker.TokenID, price.Float64(), now)
	c.sink.IncrementVolume(f.MarketID, collateralVolume(taker, f))
}

// collateralVolume is the collateral that changed hands in one fill. For a
// buying taker that is the taker's own consumption; for a direct sell it
// is the maker's; a mint moves both sides' collateral in; a merge releases
// one collateral unit per destroyed pair.
func collateralVolume(taker *clob.Order, f *clob.Fill) *big.Int {
	switch f.MatchType {
	case clob.MatchMint:
		return new(big.Int).Add(f.TakerFilled, f.MakerFilled)
	case clob.MatchMerge:
		return new(big.Int).Set(f.TakerFilled)
	default:
		if taker.Side == clob.Buy {
			return new(big.Int).Set(f.TakerFilled)
		}
		return new(big.Int).Set(f.MakerFilled)
	}
}
