// Package exchange orchestrates one order's path through the system:
// intake and signature checks, candidate selection, matching, settlement
// and reconciliation-driven lifecycle updates.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/outcomex/outcomex/pkg/clob"
	"github.com/outcomex/outcomex/pkg/clob/book"
	"github.com/outcomex/outcomex/pkg/clob/match"
	"github.com/outcomex/outcomex/pkg/clob/settle"
	"github.com/outcomex/outcomex/pkg/crypto"
	"github.com/outcomex/outcomex/pkg/storage"
	"github.com/outcomex/outcomex/pkg/util"
)

// Config bounds the background reconciliation resume loop.
type Config struct {
	ReconcileTimeout time.Duration
	ReconcileBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReconcileTimeout: 5 * time.Minute,
		ReconcileBackoff: 2 * time.Second,
	}
}

type App struct {
	cfg      Config
	store    *storage.Store
	ledger   settle.Ledger
	hasher   *crypto.OrderHasher
	selector *book.Selector
	coord    *settle.Coordinator
	clock    util.Clock
	log      *zap.SugaredLogger

	wg sync.WaitGroup
}

func New(cfg Config, store *storage.Store, ledger settle.Ledger, hasher *crypto.OrderHasher, sink settle.Sink, logger *zap.Logger) *App {
	clock := util.RealClock{}
	sugar := logger.Sugar()
	return &App{
		cfg:      cfg,
		store:    store,
		ledger:   ledger,
		hasher:   hasher,
		selector: book.NewSelector(store, clock),
		coord:    settle.NewCoordinator(ledger, store, sink, sugar),
		clock:    clock,
		log:      sugar,
	}
}

// Close waits for any background reconciliations to drain.
func (a *App) Close() {
	a.wg.Wait()
}

// SubmitResult is what the API reports for one submitted order.
type SubmitResult struct {
	Order       *clob.Order
	NoMatch     bool
	Fills       []*clob.Fill
	TakerFilled *big.Int
	TxHash      common.Hash
}

// SubmitOrder validates, matches and settles one incoming order.
//
// The matching plan is computed against a snapshot of the book; the
// ledger's atomic batch execution is the real serialization point, so a
// concurrent taker racing for the same makers either reverts here
// (ErrSettlementFailed, safe to retry with fresh candidates) or lands with
// smaller realized fills, which reconciliation corrects. A transient
// failure reading post-transaction state never fails the submission: the
// resume loop keeps reconciling in the background.
func (a *App) SubmitOrder(ctx context.Context, o *clob.Order) (*SubmitResult, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if _, err := o.Price(); err != nil {
		return nil, err
	}
	mkt, err := a.store.Market(o.MarketID)
	if err != nil {
		return nil, err
	}
	if !mkt.HasToken(o.TokenID) {
		return nil, fmt.Errorf("%w: token %s not in market %s", clob.ErrMalformedOrder, o.TokenID, o.MarketID)
	}
	if o.IsExpired(a.clock.Now()) {
		return nil, fmt.Errorf("%w: order already expired", clob.ErrMalformedOrder)
	}

	hash, err := a.ledger.HashOrder(o)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", clob.ErrMalformedOrder, err)
	}
	o.Hash = hash
	if err := a.hasher.VerifyOrderSignature(o); err != nil {
		return nil, err
	}
	if _, err := a.store.Order(hash); err == nil {
		return nil, fmt.Errorf("%w: duplicate order %s", clob.ErrMalformedOrder, hash)
	}

	o.FilledAmount = big.NewInt(0)
	o.Status = clob.StatusPending
	o.CreatedAt = a.clock.Now()
	if err := a.store.SaveOrder(o); err != nil {
		return nil, fmt.Errorf("save order: %w", err)
	}

	candidates, err := a.selector.Select(o)
	if err != nil {
		return nil, err
	}
	res, err := match.Match(o, candidates)
	if err != nil {
		return nil, err
	}

	outcome, err := a.coord.Settle(ctx, o, res)
	switch {
	case err == nil:
	case errors.Is(err, clob.ErrReconciliationPending):
		// The batch is final on the ledger; only the local view lags.
		// Persist a marker first so a crash or restart before the resume
		// loop converges still replays the finalize at startup.
		a.log.Warnw("reconciliation pending, resuming in background", "taker", o.Hash, "err", err)
		pending := &storage.PendingSettlement{TakerHash: o.Hash, Fills: res.Fills}
		if perr := a.store.SavePendingSettlement(pending); perr != nil {
			a.log.Errorw("persist pending settlement", "taker", o.Hash, "err", perr)
		}
		a.resumeFinalize(o, res)
		return &SubmitResult{Order: o, Fills: res.Fills, TakerFilled: res.TakerFilled}, nil
	default:
		return nil, err
	}

	if outcome.NoMatch {
		a.log.Infow("no match, order rests", "order", o.Hash)
		return &SubmitResult{Order: o, NoMatch: true, TakerFilled: big.NewInt(0)}, nil
	}
	result := &SubmitResult{Order: o, Fills: outcome.Fills, TakerFilled: outcome.TakerFilled}
	if outcome.Receipt != nil {
		result.TxHash = outcome.Receipt.TxHash
	}
	return result, nil
}

// resumeFinalize keeps retrying the post-settlement half until the
// authoritative state is obtained. The taker's transaction already
// succeeded; abandoning here would leave local orders permanently out of
// sync. If the configured timeout stops the loop, the persisted marker
// stays so the next startup resumes the reconciliation.
func (a *App) resumeFinalize(taker *clob.Order, res *match.Result) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ReconcileTimeout)
		defer cancel()
		for {
			err := a.coord.Finalize(ctx, taker, res)
			if err == nil {
				if derr := a.store.DeletePendingSettlement(taker.Hash); derr != nil {
					a.log.Errorw("clear pending settlement", "taker", taker.Hash, "err", derr)
				}
				a.log.Infow("background reconciliation complete", "taker", taker.Hash)
				return
			}
			a.log.Warnw("background reconciliation attempt failed", "taker", taker.Hash, "err", err)
			select {
			case <-ctx.Done():
				a.log.Errorw("reconciliation paused until next startup",
					"taker", taker.Hash, "err", err)
				return
			case <-a.clock.After(a.cfg.ReconcileBackoff):
			}
		}
	}()
}

// ResumePendingSettlements replays settlements whose reconciliation never
// converged before the last shutdown. Called once at startup, after the
// store and ledger are wired.
func (a *App) ResumePendingSettlements() error {
	pending, err := a.store.PendingSettlements()
	if err != nil {
		return fmt.Errorf("load pending settlements: %w", err)
	}
	for _, p := range pending {
		taker, err := a.store.Order(p.TakerHash)
		if err != nil {
			a.log.Errorw("pending settlement references unknown taker", "taker", p.TakerHash, "err", err)
			continue
		}
		res := &match.Result{Fills: p.Fills, TakerFilled: big.NewInt(0)}
		ok := true
		for _, f := range p.Fills {
			// Maker orders are not serialized with the fill; reload them.
			maker, err := a.store.Order(f.MakerHash)
			if err != nil {
				a.log.Errorw("pending settlement references unknown maker", "maker", f.MakerHash, "err", err)
				ok = false
				break
			}
			f.Maker = maker
			res.TakerFilled.Add(res.TakerFilled, f.TakerFilled)
		}
		if !ok {
			continue
		}
		a.log.Infow("resuming pending settlement", "taker", p.TakerHash, "fills", len(p.Fills))
		a.resumeFinalize(taker, res)
	}
	return nil
}

// CancelOrder applies a signed cancel. Ledger truth is re-read first so a
// cancel racing a settlement observes any fill that already landed; the
// cancel is accepted only while capacity remains.
func (a *App) CancelOrder(ctx context.Context, hash common.Hash, salt *big.Int, signature []byte) error {
	o, err := a.store.Order(hash)
	if err != nil {
		return err
	}
	digest, err := a.hasher.HashCancel(hash, o.Maker, salt)
	if err != nil {
		return fmt.Errorf("%w: %v", clob.ErrMalformedOrder, err)
	}
	recovered, err := crypto.RecoverAddress(digest.Bytes(), signature)
	if err != nil {
		return fmt.Errorf("%w: %v", clob.ErrBadSignature, err)
	}
	if recovered != o.Maker && recovered != o.Signer {
		return fmt.Errorf("%w: cancel signed by %s", clob.ErrBadSignature, recovered)
	}

	if err := a.coord.Reconcile(ctx, o); err != nil {
		return err
	}
	if err := o.RequestCancel(); err != nil {
		_ = a.store.UpdateOrder(o)
		return err
	}

	if _, err := a.ledger.Cancel(ctx, o); err != nil {
		// The cancel tx reverted, most likely because a settlement beat
		// it; refresh truth before reporting.
		if rerr := a.coord.Reconcile(ctx, o); rerr == nil {
			_ = a.store.UpdateOrder(o)
			if o.Status == clob.StatusFilled {
				return clob.ErrAlreadyFilled
			}
		}
		return fmt.Errorf("%w: cancel: %v", clob.ErrSettlementFailed, err)
	}
	if err := a.coord.Reconcile(ctx, o); err != nil {
		return err
	}
	if err := a.store.UpdateOrder(o); err != nil {
		return fmt.Errorf("persist cancel: %w", err)
	}
	a.log.Infow("order cancelled", "order", hash, "filled", o.FilledAmount)
	return nil
}

// Order returns the stored order with lazily derived expiration.
func (a *App) Order(hash common.Hash) (*clob.Order, error) {
	o, err := a.store.Order(hash)
	if err != nil {
		return nil, err
	}
	o.Status = o.StatusAt(a.clock.Now())
	return o, nil
}

func (a *App) Markets() ([]*clob.Market, error) {
	return a.store.ListMarkets()
}

func (a *App) AddMarket(m *clob.Market) error {
	if m.YesTokenID == nil || m.NoTokenID == nil || m.YesTokenID.Cmp(m.NoTokenID) == 0 {
		return fmt.Errorf("%w: market needs two distinct tokens", clob.ErrMalformedOrder)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = a.clock.Now()
	}
	return a.store.SaveMarket(m)
}

func (a *App) Trades(marketID common.Hash, limit int) ([]*clob.Fill, error) {
	return a.store.RecentFills(marketID, limit)
}

func (a *App) Prices(marketID common.Hash, tokenID *big.Int, limit int) ([]*storage.PricePoint, error) {
	return a.store.PricePoints(marketID, tokenID, limit)
}

func (a *App) Volume(marketID common.Hash) (*big.Int, error) {
	return a.store.Volume(marketID)
}

// BookLevel is one aggregated resting price level for display.
type BookLevel struct {
	Price float64  `json:"price"`
	Size  *big.Int `json:"size"` // total remaining maker_amount at this level
}

// BookSnapshot aggregates the resting orders of one outcome token into
// display levels. Prices here are decimals for rendering only; matching
// never consumes this view.
func (a *App) BookSnapshot(marketID common.Hash, tokenID *big.Int) (bids, asks []BookLevel, err error) {
	now := a.clock.Now()
	for _, side := range []clob.Side{clob.Buy, clob.Sell} {
		orders, ferr := a.store.FindActiveOrders(marketID, tokenID, side, common.Hash{})
		if ferr != nil {
			return nil, nil, ferr
		}
		levels := map[float64]*BookLevel{}
		for _, o := range orders {
			if !o.IsActive(now) {
				continue
			}
			p, perr := o.Price()
			if perr != nil {
				continue
			}
			key := p.Float64()
			lvl, ok := levels[key]
			if !ok {
				lvl = &BookLevel{Price: key, Size: new(big.Int)}
				levels[key] = lvl
			}
			lvl.Size.Add(lvl.Size, o.Remaining())
		}
		flat := make([]BookLevel, 0, len(levels))
		for _, lvl := range levels {
			flat = append(flat, *lvl)
		}
		if side == clob.Buy {
			sortLevels(flat, false) // best bid (highest) first
			bids = flat
		} else {
			sortLevels(flat, true) // best ask (lowest) first
			asks = flat
		}
	}
	return bids, asks, nil
}
