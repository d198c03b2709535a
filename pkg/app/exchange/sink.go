package exchange

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/outcomex/outcomex/pkg/storage"
)

// RecordingSink persists price points and volume counters and optionally
// fans each price point out to live subscribers. Both operations are
// fire-and-forget per the settlement contract's bookkeeping role:
// failures are logged, never propagated into settlement.
type RecordingSink struct {
	Store *storage.Store
	Log   *zap.SugaredLogger

	// Broadcast, when set, pushes each price point to a pub/sub channel
	// such as the API WebSocket hub. Channel format: "prices:<conditionId>".
	Broadcast func(channel string, payload any)
}

func (s *RecordingSink) RecordPricePoint(marketID common.Hash, tokenID *big.Int, price float64, ts time.Time) {
	point := &storage.PricePoint{
		MarketID:  marketID,
		TokenID:   tokenID,
		Price:     price,
		Timestamp: ts,
	}
	if err := s.Store.SavePricePoint(point); err != nil {
		s.Log.Warnw("price point dropped", "market", marketID, "token", tokenID, "err", err)
	}
	if s.Broadcast != nil {
		s.Broadcast("prices:"+marketID.Hex(), point)
	}
}

func (s *RecordingSink) IncrementVolume(marketID common.Hash, collateral *big.Int) {
	if err := s.Store.AddVolume(marketID, collateral); err != nil {
		s.Log.Warnw("volume increment dropped", "market", marketID, "err", err)
	}
}
