package exchange

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/outcomex/outcomex/pkg/clob"
	"github.com/outcomex/outcomex/pkg/clob/settle"
	"github.com/outcomex/outcomex/pkg/crypto"
	"github.com/outcomex/outcomex/pkg/storage"
)

var (
	testCondition = common.HexToHash("0xc1")
	yesToken      = big.NewInt(1)
	noToken       = big.NewInt(2)
)

// stubLedger executes batches against in-memory per-order balances the
// way the exchange contract would: atomically, rejecting overconsumption,
// and answering status reads with the authoritative remaining amounts.
type stubLedger struct {
	mu     sync.Mutex
	hasher *crypto.OrderHasher
	states map[common.Hash]*clob.LedgerState
}

func newStubLedger(hasher *crypto.OrderHasher) *stubLedger {
	return &stubLedger{hasher: hasher, states: make(map[common.Hash]*clob.LedgerState)}
}

func (l *stubLedger) HashOrder(o *clob.Order) (common.Hash, error) {
	hash, err := l.hasher.HashOrder(o)
	if err != nil {
		return common.Hash{}, err
	}
	l.mu.Lock()
	if _, ok := l.states[hash]; !ok {
		l.states[hash] = &clob.LedgerState{Remaining: new(big.Int).Set(o.MakerAmount)}
	}
	l.mu.Unlock()
	return hash, nil
}

func (l *stubLedger) SubmitBatch(ctx context.Context, taker *clob.Order, makers []*clob.Order, fillAmounts []*big.Int, totalFill *big.Int) (*settle.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	consume := func(hash common.Hash, amount *big.Int) error {
		ls, ok := l.states[hash]
		if !ok {
			return errors.New("unknown order")
		}
		if ls.IsCancelled || ls.Remaining.Cmp(amount) < 0 {
			return errors.New("execution reverted")
		}
		return nil
	}
	if err := consume(taker.Hash, totalFill); err != nil {
		return nil, err
	}
	for i, m := range makers {
		if err := consume(m.Hash, fillAmounts[i]); err != nil {
			return nil, err
		}
	}

	apply := func(hash common.Hash, amount *big.Int) {
		ls := l.states[hash]
		ls.Remaining.Sub(ls.Remaining, amount)
		if ls.Remaining.Sign() == 0 {
			ls.IsFilled = true
		}
	}
	apply(taker.Hash, totalFill)
	for i, m := range makers {
		apply(m.Hash, fillAmounts[i])
	}
	return &settle.Receipt{TxHash: common.HexToHash("0xf00d"), BlockNumber: 1}, nil
}

func (l *stubLedger) OrderStatus(ctx context.Context, hash common.Hash) (*clob.LedgerState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ls, ok := l.states[hash]
	if !ok {
		return nil, errors.New("unknown order")
	}
	return &clob.LedgerState{
		IsFilled:    ls.IsFilled,
		IsCancelled: ls.IsCancelled,
		Remaining:   new(big.Int).Set(ls.Remaining),
	}, nil
}

func (l *stubLedger) Cancel(ctx context.Context, o *clob.Order) (*settle.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ls, ok := l.states[o.Hash]
	if !ok {
		return nil, errors.New("unknown order")
	}
	if ls.IsFilled || ls.Remaining.Sign() == 0 {
		return nil, errors.New("execution reverted")
	}
	ls.IsCancelled = true
	return &settle.Receipt{TxHash: common.HexToHash("0xdead")}, nil
}

type testExchange struct {
	app    *App
	ledger *stubLedger
	hasher *crypto.OrderHasher
	store  *storage.Store
}

func newTestExchange(t *testing.T) *testExchange {
	t.Helper()
	store, err := storage.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	hasher := crypto.NewOrderHasher(crypto.DefaultDomain())
	ledger := newStubLedger(hasher)
	logger := zap.NewNop()
	sink := &RecordingSink{Store: store, Log: logger.Sugar()}

	app := New(DefaultConfig(), store, ledger, hasher, sink, logger)
	t.Cleanup(app.Close)

	if err := app.AddMarket(&clob.Market{
		ConditionID: testCondition,
		Question:    "Does the batch settle?",
		YesTokenID:  new(big.Int).Set(yesToken),
		NoTokenID:   new(big.Int).Set(noToken),
	}); err != nil {
		t.Fatal(err)
	}
	return &testExchange{app: app, ledger: ledger, hasher: hasher, store: store}
}

func (e *testExchange) signedOrder(t *testing.T, signer *crypto.Signer, side clob.Side, tokenID *big.Int, makerAmount, takerAmount int64, salt int64) *clob.Order {
	t.Helper()
	o := &clob.Order{
		Salt:        big.NewInt(salt),
		Maker:       signer.Address(),
		Signer:      signer.Address(),
		MarketID:    testCondition,
		TokenID:     new(big.Int).Set(tokenID),
		Side:        side,
		MakerAmount: big.NewInt(makerAmount),
		TakerAmount: big.NewInt(takerAmount),
	}
	hash, err := e.hasher.HashOrder(o)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := signer.Sign(hash.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	o.Signature = sig
	return o
}

func (e *testExchange) signedCancel(t *testing.T, signer *crypto.Signer, o *clob.Order) []byte {
	t.Helper()
	digest, err := e.hasher.HashCancel(o.Hash, o.Maker, o.Salt)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := signer.Sign(digest.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	return sig
}

func mustKey(t *testing.T) *crypto.Signer {
	t.Helper()
	s, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSubmitRestsThenMatches(t *testing.T) {
	e := newTestExchange(t)
	ctx := context.Background()
	makerKey, takerKey := mustKey(t), mustKey(t)

	// The ask rests: 150 YES tokens at 0.5, nothing to cross yet.
	makerOrder := e.signedOrder(t, makerKey, clob.Sell, yesToken, 150, 75, 1)
	res, err := e.app.SubmitOrder(ctx, makerOrder)
	if err != nil {
		t.Fatal(err)
	}
	if !res.NoMatch {
		t.Fatal("lone ask did not rest")
	}

	// A bid at 0.5 with 100 collateral consumes the maker fully: the
	// maker's inventory only costs 75.
	takerOrder := e.signedOrder(t, takerKey, clob.Buy, yesToken, 100, 200, 2)
	res, err = e.app.SubmitOrder(ctx, takerOrder)
	if err != nil {
		t.Fatal(err)
	}
	if res.NoMatch || len(res.Fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(res.Fills))
	}
	if res.TakerFilled.Int64() != 75 {
		t.Errorf("taker filled = %s, want 75", res.TakerFilled)
	}
	if res.TxHash != common.HexToHash("0xf00d") {
		t.Error("missing settlement transaction hash")
	}

	// Stored state reflects ledger truth.
	taker, err := e.app.Order(takerOrder.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if taker.Status != clob.StatusPartiallyFilled || taker.FilledAmount.Int64() != 75 {
		t.Errorf("taker = %s/%s, want partially_filled/75", taker.Status, taker.FilledAmount)
	}
	maker, err := e.app.Order(makerOrder.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if maker.Status != clob.StatusFilled || maker.FilledAmount.Int64() != 150 {
		t.Errorf("maker = %s/%s, want filled/150", maker.Status, maker.FilledAmount)
	}

	// Audit trail: one trade, 75 collateral of volume, one price point.
	trades, err := e.app.Trades(testCondition, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 || trades[0].ID == "" {
		t.Errorf("trades = %d, want 1 stamped fill", len(trades))
	}
	vol, err := e.app.Volume(testCondition)
	if err != nil {
		t.Fatal(err)
	}
	if vol.Int64() != 75 {
		t.Errorf("volume = %s, want 75", vol)
	}
	points, err := e.app.Prices(testCondition, yesToken, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 || points[0].Price != 0.5 {
		t.Errorf("price points = %v, want one at 0.5", points)
	}

	// The book shows only the taker's leftover bid.
	bids, asks, err := e.app.BookSnapshot(testCondition, yesToken)
	if err != nil {
		t.Fatal(err)
	}
	if len(asks) != 0 {
		t.Errorf("asks = %v, want empty after the maker filled", asks)
	}
	if len(bids) != 1 || bids[0].Price != 0.5 || bids[0].Size.Int64() != 25 {
		t.Errorf("bids = %v, want one level 0.5 x 25", bids)
	}
}

func TestSubmitMintsAcrossComplementaryTokens(t *testing.T) {
	e := newTestExchange(t)
	ctx := context.Background()
	a, b := mustKey(t), mustKey(t)

	// A NO bid at 0.5 rests; a YES bid at 0.6 arrives. Joint price 1.1
	// funds minting new token pairs.
	noBid := e.signedOrder(t, a, clob.Buy, noToken, 250000, 500000, 1)
	if _, err := e.app.SubmitOrder(ctx, noBid); err != nil {
		t.Fatal(err)
	}
	yesBid := e.signedOrder(t, b, clob.Buy, yesToken, 600000, 1000000, 2)
	res, err := e.app.SubmitOrder(ctx, yesBid)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Fills) != 1 || res.Fills[0].MatchType != clob.MatchMint {
		t.Fatalf("fills = %+v, want one MINT", res.Fills)
	}
	if res.TakerFilled.Int64() != 300000 {
		t.Errorf("taker collateral = %s, want 300000", res.TakerFilled)
	}

	// Mint volume counts both collateral legs.
	vol, err := e.app.Volume(testCondition)
	if err != nil {
		t.Fatal(err)
	}
	if vol.Int64() != 550000 {
		t.Errorf("volume = %s, want 550000", vol)
	}
}

func TestSubmitRejections(t *testing.T) {
	e := newTestExchange(t)
	ctx := context.Background()
	key := mustKey(t)

	t.Run("unknown market", func(t *testing.T) {
		o := e.signedOrder(t, key, clob.Buy, yesToken, 100, 200, 1)
		o.MarketID = common.HexToHash("0xbeef")
		if _, err := e.app.SubmitOrder(ctx, o); !errors.Is(err, clob.ErrUnknownMarket) {
			t.Errorf("err = %v, want ErrUnknownMarket", err)
		}
	})

	t.Run("token outside market", func(t *testing.T) {
		o := e.signedOrder(t, key, clob.Buy, big.NewInt(999), 100, 200, 2)
		if _, err := e.app.SubmitOrder(ctx, o); !errors.Is(err, clob.ErrMalformedOrder) {
			t.Errorf("err = %v, want ErrMalformedOrder", err)
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		o := e.signedOrder(t, key, clob.Buy, yesToken, 100, 200, 3)
		o.MakerAmount = big.NewInt(101) // tamper after signing
		if _, err := e.app.SubmitOrder(ctx, o); !errors.Is(err, clob.ErrBadSignature) {
			t.Errorf("err = %v, want ErrBadSignature", err)
		}
	})

	t.Run("duplicate order", func(t *testing.T) {
		o := e.signedOrder(t, key, clob.Buy, yesToken, 100, 200, 4)
		if _, err := e.app.SubmitOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
		dup := e.signedOrder(t, key, clob.Buy, yesToken, 100, 200, 4)
		if _, err := e.app.SubmitOrder(ctx, dup); !errors.Is(err, clob.ErrMalformedOrder) {
			t.Errorf("err = %v, want ErrMalformedOrder", err)
		}
	})

	t.Run("expired order", func(t *testing.T) {
		o := e.signedOrder(t, key, clob.Buy, yesToken, 100, 200, 5)
		o.Expiration = 1 // 1970, long past
		if _, err := e.app.SubmitOrder(ctx, o); !errors.Is(err, clob.ErrMalformedOrder) {
			t.Errorf("err = %v, want ErrMalformedOrder", err)
		}
	})
}

func TestCancelLifecycle(t *testing.T) {
	e := newTestExchange(t)
	ctx := context.Background()
	makerKey, strangerKey := mustKey(t), mustKey(t)

	o := e.signedOrder(t, makerKey, clob.Sell, yesToken, 150, 75, 1)
	res, err := e.app.SubmitOrder(ctx, o)
	if err != nil {
		t.Fatal(err)
	}
	if !res.NoMatch {
		t.Fatal("order did not rest")
	}

	t.Run("stranger cannot cancel", func(t *testing.T) {
		sig := e.signedCancel(t, strangerKey, o)
		if err := e.app.CancelOrder(ctx, o.Hash, o.Salt, sig); !errors.Is(err, clob.ErrBadSignature) {
			t.Errorf("err = %v, want ErrBadSignature", err)
		}
	})

	t.Run("maker cancels", func(t *testing.T) {
		sig := e.signedCancel(t, makerKey, o)
		if err := e.app.CancelOrder(ctx, o.Hash, o.Salt, sig); err != nil {
			t.Fatal(err)
		}
		got, err := e.app.Order(o.Hash)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != clob.StatusCancelled {
			t.Errorf("status = %s, want cancelled", got.Status)
		}
	})

	t.Run("second cancel reports already cancelled", func(t *testing.T) {
		sig := e.signedCancel(t, makerKey, o)
		if err := e.app.CancelOrder(ctx, o.Hash, o.Salt, sig); !errors.Is(err, clob.ErrAlreadyCancelled) {
			t.Errorf("err = %v, want ErrAlreadyCancelled", err)
		}
	})

	t.Run("cancelled order attracts no fills", func(t *testing.T) {
		takerKey := mustKey(t)
		taker := e.signedOrder(t, takerKey, clob.Buy, yesToken, 100, 200, 2)
		res, err := e.app.SubmitOrder(ctx, taker)
		if err != nil {
			t.Fatal(err)
		}
		if !res.NoMatch {
			t.Error("taker matched against a cancelled maker")
		}
	})
}

func TestCancelFilledOrder(t *testing.T) {
	e := newTestExchange(t)
	ctx := context.Background()
	makerKey, takerKey := mustKey(t), mustKey(t)

	maker := e.signedOrder(t, makerKey, clob.Sell, yesToken, 150, 75, 1)
	if _, err := e.app.SubmitOrder(ctx, maker); err != nil {
		t.Fatal(err)
	}
	taker := e.signedOrder(t, takerKey, clob.Buy, yesToken, 100, 200, 2)
	if _, err := e.app.SubmitOrder(ctx, taker); err != nil {
		t.Fatal(err)
	}

	sig := e.signedCancel(t, makerKey, maker)
	if err := e.app.CancelOrder(ctx, maker.Hash, maker.Salt, sig); !errors.Is(err, clob.ErrAlreadyFilled) {
		t.Errorf("err = %v, want ErrAlreadyFilled", err)
	}
}

// Cancelling a partially filled order succeeds and freezes the fill at
// whatever the ledger reports.
func TestCancelPartiallyFilledOrder(t *testing.T) {
	e := newTestExchange(t)
	ctx := context.Background()
	makerKey, takerKey := mustKey(t), mustKey(t)

	maker := e.signedOrder(t, makerKey, clob.Sell, yesToken, 150, 75, 1)
	if _, err := e.app.SubmitOrder(ctx, maker); err != nil {
		t.Fatal(err)
	}
	// A small bid consumes 50 of the maker's 150 tokens.
	taker := e.signedOrder(t, takerKey, clob.Buy, yesToken, 25, 50, 2)
	if _, err := e.app.SubmitOrder(ctx, taker); err != nil {
		t.Fatal(err)
	}

	sig := e.signedCancel(t, makerKey, maker)
	if err := e.app.CancelOrder(ctx, maker.Hash, maker.Salt, sig); err != nil {
		t.Fatal(err)
	}
	got, err := e.app.Order(maker.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != clob.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if got.FilledAmount.Int64() != 50 {
		t.Errorf("filled = %s, want 50", got.FilledAmount)
	}

	sig = e.signedCancel(t, makerKey, maker)
	if err := e.app.CancelOrder(ctx, maker.Hash, maker.Salt, sig); !errors.Is(err, clob.ErrAlreadyCancelled) {
		t.Errorf("second cancel err = %v, want ErrAlreadyCancelled", err)
	}
}

// A cancel landing on the ledger between matching and batch submission
// makes the batch revert; the submission fails cleanly with no local fill.
func TestLedgerCancelBeatsSettlement(t *testing.T) {
	e := newTestExchange(t)
	ctx := context.Background()
	makerKey, takerKey := mustKey(t), mustKey(t)

	maker := e.signedOrder(t, makerKey, clob.Sell, yesToken, 150, 75, 1)
	if _, err := e.app.SubmitOrder(ctx, maker); err != nil {
		t.Fatal(err)
	}

	// Cancel directly on the ledger, bypassing the exchange, as a user
	// submitting their own cancel transaction would.
	if _, err := e.ledger.Cancel(ctx, maker); err != nil {
		t.Fatal(err)
	}

	taker := e.signedOrder(t, takerKey, clob.Buy, yesToken, 100, 200, 2)
	if _, err := e.app.SubmitOrder(ctx, taker); !errors.Is(err, clob.ErrSettlementFailed) {
		t.Fatalf("err = %v, want ErrSettlementFailed", err)
	}

	// The taker remains resting and unfilled; no phantom trade recorded.
	got, err := e.app.Order(taker.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if got.FilledAmount.Sign() != 0 || got.Status != clob.StatusPending {
		t.Errorf("taker = %s/%s, want pending/0", got.Status, got.FilledAmount)
	}
	trades, err := e.app.Trades(testCondition, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 0 {
		t.Errorf("trades = %d, want 0", len(trades))
	}
}

// A settlement whose reconciliation never converged before shutdown is
// replayed at startup from the persisted marker: every participant is
// brought up to ledger truth, the fill is stamped and recorded once, and
// the marker is cleared.
func TestResumePendingSettlementsAfterRestart(t *testing.T) {
	e := newTestExchange(t)
	makerKey, takerKey := mustKey(t), mustKey(t)

	maker := e.signedOrder(t, makerKey, clob.Sell, yesToken, 150, 75, 1)
	taker := e.signedOrder(t, takerKey, clob.Buy, yesToken, 100, 200, 2)
	for _, o := range []*clob.Order{maker, taker} {
		hash, err := e.hasher.HashOrder(o)
		if err != nil {
			t.Fatal(err)
		}
		o.Hash = hash
		o.FilledAmount = big.NewInt(0)
		o.Status = clob.StatusPending
		if err := e.store.SaveOrder(o); err != nil {
			t.Fatal(err)
		}
	}

	// Ledger truth from before the crash: the batch consumed 75 of the
	// taker's collateral and all 150 of the maker's tokens, but the local
	// orders still read pending/0.
	e.ledger.mu.Lock()
	e.ledger.states[taker.Hash] = &clob.LedgerState{Remaining: big.NewInt(25)}
	e.ledger.states[maker.Hash] = &clob.LedgerState{IsFilled: true, Remaining: big.NewInt(0)}
	e.ledger.mu.Unlock()

	if err := e.store.SavePendingSettlement(&storage.PendingSettlement{
		TakerHash: taker.Hash,
		Fills: []*clob.Fill{{
			MarketID:    testCondition,
			TakerHash:   taker.Hash,
			MakerHash:   maker.Hash,
			MatchType:   clob.MatchComplementary,
			TakerFilled: big.NewInt(75),
			MakerFilled: big.NewInt(150),
			PriceNum:    big.NewInt(75),
			PriceDen:    big.NewInt(150),
		}},
	}); err != nil {
		t.Fatal(err)
	}

	if err := e.app.ResumePendingSettlements(); err != nil {
		t.Fatal(err)
	}
	e.app.Close() // drain the background finalize

	gotTaker, err := e.app.Order(taker.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if gotTaker.Status != clob.StatusPartiallyFilled || gotTaker.FilledAmount.Int64() != 75 {
		t.Errorf("taker = %s/%s, want partially_filled/75", gotTaker.Status, gotTaker.FilledAmount)
	}
	gotMaker, err := e.app.Order(maker.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if gotMaker.Status != clob.StatusFilled || gotMaker.FilledAmount.Int64() != 150 {
		t.Errorf("maker = %s/%s, want filled/150", gotMaker.Status, gotMaker.FilledAmount)
	}

	trades, err := e.app.Trades(testCondition, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 || trades[0].ID == "" {
		t.Fatalf("trades = %d, want 1 stamped fill", len(trades))
	}
	vol, err := e.app.Volume(testCondition)
	if err != nil {
		t.Fatal(err)
	}
	if vol.Int64() != 75 {
		t.Errorf("volume = %s, want 75", vol)
	}

	pending, err := e.store.PendingSettlements()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending settlements after resume = %d, want 0", len(pending))
	}
}
