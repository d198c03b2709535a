package match

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/outcomex/outcomex/pkg/clob"
)

var testMarket = common.HexToHash("0xc1")

func mkOrder(id byte, side clob.Side, tokenID, makerAmount, takerAmount int64) *clob.Order {
	return &clob.Order{
		Salt:         big.NewInt(int64(id)),
		MarketID:     testMarket,
		TokenID:      big.NewInt(tokenID),
		Side:         side,
		MakerAmount:  big.NewInt(makerAmount),
		TakerAmount:  big.NewInt(takerAmount),
		FilledAmount: big.NewInt(0),
		Status:       clob.StatusPending,
		Hash:         common.Hash{id},
	}
}

func TestCrosses(t *testing.T) {
	const yes, no = 1, 2
	tests := []struct {
		name     string
		taker    *clob.Order
		maker    *clob.Order
		wantType clob.MatchType
		want     bool
	}{
		{
			name:     "buy crosses cheaper ask",
			taker:    mkOrder(1, clob.Buy, yes, 60, 100), // bid 0.6
			maker:    mkOrder(2, clob.Sell, yes, 100, 50), // ask 0.5
			wantType: clob.MatchComplementary,
			want:     true,
		},
		{
			name:     "buy crosses equal ask",
			taker:    mkOrder(1, clob.Buy, yes, 50, 100),
			maker:    mkOrder(2, clob.Sell, yes, 100, 50),
			wantType: clob.MatchComplementary,
			want:     true,
		},
		{
			name:  "buy below ask does not cross",
			taker: mkOrder(1, clob.Buy, yes, 40, 100), // bid 0.4
			maker: mkOrder(2, clob.Sell, yes, 100, 50),
			want:  false,
		},
		{
			name:     "sell crosses higher bid",
			taker:    mkOrder(1, clob.Sell, yes, 100, 40), // ask 0.4
			maker:    mkOrder(2, clob.Buy, yes, 50, 100),  // bid 0.5
			wantType: clob.MatchComplementary,
			want:     true,
		},
		{
			name:  "same side same token never crosses",
			taker: mkOrder(1, clob.Buy, yes, 60, 100),
			maker: mkOrder(2, clob.Buy, yes, 50, 100),
			want:  false,
		},
		{
			name:     "mint at exactly one",
			taker:    mkOrder(1, clob.Buy, yes, 60, 100), // 0.6
			maker:    mkOrder(2, clob.Buy, no, 40, 100),  // 0.4
			wantType: clob.MatchMint,
			want:     true,
		},
		{
			name:  "mint below one does not cross",
			taker: mkOrder(1, clob.Buy, yes, 60, 100),
			maker: mkOrder(2, clob.Buy, no, 399999, 1000000), // 0.399999
			want:  false,
		},
		{
			name:     "merge at exactly one",
			taker:    mkOrder(1, clob.Sell, yes, 100, 60), // 0.6
			maker:    mkOrder(2, clob.Sell, no, 100, 40),  // 0.4
			wantType: clob.MatchMerge,
			want:     true,
		},
		{
			name:  "merge above one does not cross",
			taker: mkOrder(1, clob.Sell, yes, 100, 60),
			maker: mkOrder(2, clob.Sell, no, 1000000, 400001),
			want:  false,
		},
		{
			name:  "opposite sides on complementary tokens never cross",
			taker: mkOrder(1, clob.Buy, yes, 60, 100),
			maker: mkOrder(2, clob.Sell, no, 100, 40),
			want:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt, ok := Crosses(tt.taker, tt.maker)
			if ok != tt.want {
				t.Fatalf("Crosses() ok = %v, want %v", ok, tt.want)
			}
			if ok && mt != tt.wantType {
				t.Errorf("Crosses() type = %s, want %s", mt, tt.wantType)
			}
		})
	}
}

func TestCrossesDifferentMarkets(t *testing.T) {
	taker := mkOrder(1, clob.Buy, 1, 60, 100)
	maker := mkOrder(2, clob.Sell, 1, 100, 50)
	maker.MarketID = common.HexToHash("0xc2")
	if _, ok := Crosses(taker, maker); ok {
		t.Error("orders from different markets crossed")
	}
}

// Prices one base unit apart at 10^18 scale are indistinguishable under
// float64 division; the exact comparison must still order them.
func TestCrossesExactAtScale(t *testing.T) {
	base := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	double := new(big.Int).Mul(base, big.NewInt(2))

	ask := &clob.Order{ // sells 2*10^18 tokens for 10^18 collateral, ask exactly 0.5
		Salt: big.NewInt(2), MarketID: testMarket, TokenID: big.NewInt(1),
		Side: clob.Sell, MakerAmount: double, TakerAmount: base,
		FilledAmount: big.NewInt(0), Status: clob.StatusPending, Hash: common.Hash{2},
	}
	bid := func(num *big.Int) *clob.Order {
		return &clob.Order{
			Salt: big.NewInt(1), MarketID: testMarket, TokenID: big.NewInt(1),
			Side: clob.Buy, MakerAmount: num, TakerAmount: double,
			FilledAmount: big.NewInt(0), Status: clob.StatusPending, Hash: common.Hash{1},
		}
	}

	over := bid(new(big.Int).Add(base, big.NewInt(1)))  // 0.5 + 1/(2*10^18)
	under := bid(new(big.Int).Sub(base, big.NewInt(1))) // 0.5 - 1/(2*10^18)

	if _, ok := Crosses(over, ask); !ok {
		t.Error("bid one unit above the ask did not cross")
	}
	if _, ok := Crosses(under, ask); ok {
		t.Error("bid one unit below the ask crossed")
	}
}
