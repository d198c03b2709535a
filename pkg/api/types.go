package api

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/outcomex/outcomex/pkg/clob"
)

// SubmitOrderRequest is the signed trade intent as submitted over REST.
// Amounts and ids are decimal strings so callers never lose precision to
// JSON numbers.
type SubmitOrderRequest struct {
	Salt        string `json:"salt"`
	Maker       string `json:"maker"`
	Signer      string `json:"signer"`
	MarketID    string `json:"marketId"`
	TokenID     string `json:"tokenId"`
	Side        string `json:"side"` // "BUY" or "SELL"
	MakerAmount string `json:"makerAmount"`
	TakerAmount string `json:"takerAmount"`
	FeeRateBps  uint64 `json:"feeRateBps"`
	Expiration  int64  `json:"expiration"`
	Signature   string `json:"signature"` // 0x-prefixed hex
}

// ToOrder parses the request into the core order model.
func (r *SubmitOrderRequest) ToOrder() (*clob.Order, error) {
	salt, ok := new(big.Int).SetString(r.Salt, 10)
	if !ok {
		return nil, fmt.Errorf("%w: bad salt", clob.ErrMalformedOrder)
	}
	tokenID, ok := new(big.Int).SetString(r.TokenID, 10)
	if !ok {
		return nil, fmt.Errorf("%w: bad token id", clob.ErrMalformedOrder)
	}
	makerAmount, ok := new(big.Int).SetString(r.MakerAmount, 10)
	if !ok {
		return nil, fmt.Errorf("%w: bad maker amount", clob.ErrMalformedOrder)
	}
	takerAmount, ok := new(big.Int).SetString(r.TakerAmount, 10)
	if !ok {
		return nil, fmt.Errorf("%w: bad taker amount", clob.ErrMalformedOrder)
	}
	var side clob.Side
	switch strings.ToUpper(r.Side) {
	case "BUY":
		side = clob.Buy
	case "SELL":
		side = clob.Sell
	default:
		return nil, fmt.Errorf("%w: bad side %q", clob.ErrMalformedOrder, r.Side)
	}
	sig, err := hexutil.Decode(r.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature encoding", clob.ErrBadSignature)
	}
	return &clob.Order{
		Salt:        salt,
		Maker:       common.HexToAddress(r.Maker),
		Signer:      common.HexToAddress(r.Signer),
		MarketID:    common.HexToHash(r.MarketID),
		TokenID:     tokenID,
		Side:        side,
		MakerAmount: makerAmount,
		TakerAmount: takerAmount,
		FeeRateBps:  r.FeeRateBps,
		Expiration:  r.Expiration,
		Signature:   sig,
	}, nil
}

// CancelOrderRequest carries a signed cancel.
type CancelOrderRequest struct {
	OrderHash string `json:"orderHash"`
	Salt      string `json:"salt"`
	Signature string `json:"signature"`
}

// FillInfo is one fill in a submit response or trade feed.
type FillInfo struct {
	ID          string  `json:"id,omitempty"`
	MakerHash   string  `json:"makerHash"`
	TakerHash   string  `json:"takerHash"`
	MatchType   string  `json:"matchType"`
	TakerFilled string  `json:"takerFilled"`
	MakerFilled string  `json:"makerFilled"`
	Price       float64 `json:"price"`
	Timestamp   int64   `json:"timestamp,omitempty"` // unix ms
}

// SubmitOrderResponse reports what happened to one submitted order.
type SubmitOrderResponse struct {
	OrderHash   string     `json:"orderHash"`
	Status      string     `json:"status"` // resting | matched
	TakerFilled string     `json:"takerFilled"`
	Fills       []FillInfo `json:"fills,omitempty"`
	TxHash      string     `json:"txHash,omitempty"`
}

// OrderInfo is the stored view of one order.
type OrderInfo struct {
	Hash        string `json:"hash"`
	Maker       string `json:"maker"`
	MarketID    string `json:"marketId"`
	TokenID     string `json:"tokenId"`
	Side        string `json:"side"`
	MakerAmount string `json:"makerAmount"`
	TakerAmount string `json:"takerAmount"`
	Filled      string `json:"filled"`
	Remaining   string `json:"remaining"`
	Status      string `json:"status"`
	Expiration  int64  `json:"expiration"`
	CreatedAt   int64  `json:"createdAt"` // unix ms
}

func orderInfo(o *clob.Order) OrderInfo {
	return OrderInfo{
		Hash:        o.Hash.Hex(),
		Maker:       o.Maker.Hex(),
		MarketID:    o.MarketID.Hex(),
		TokenID:     o.TokenID.String(),
		Side:        o.Side.String(),
		MakerAmount: o.MakerAmount.String(),
		TakerAmount: o.TakerAmount.String(),
		Filled:      o.FilledAmount.String(),
		Remaining:   o.Remaining().String(),
		Status:      string(o.Status),
		Expiration:  o.Expiration,
		CreatedAt:   o.CreatedAt.UnixMilli(),
	}
}

// MarketInfo is one binary outcome market.
type MarketInfo struct {
	ConditionID string `json:"conditionId"`
	Question    string `json:"question,omitempty"`
	YesTokenID  string `json:"yesTokenId"`
	NoTokenID   string `json:"noTokenId"`
	Volume      string `json:"volume,omitempty"` // collateral units
}

// BookSnapshot is the display view of one token's resting orders.
type BookSnapshot struct {
	MarketID  string      `json:"marketId"`
	TokenID   string      `json:"tokenId"`
	Bids      []BookLevel `json:"bids"` // best (highest) first
	Asks      []BookLevel `json:"asks"` // best (lowest) first
	Timestamp int64       `json:"timestamp"` // unix ms
}

type BookLevel struct {
	Price float64 `json:"price"`
	Size  string  `json:"size"`
}

func fillInfo(f *clob.Fill) FillInfo {
	info := FillInfo{
		ID:          f.ID,
		MakerHash:   f.MakerHash.Hex(),
		TakerHash:   f.TakerHash.Hex(),
		MatchType:   f.MatchType.String(),
		TakerFilled: f.TakerFilled.String(),
		MakerFilled: f.MakerFilled.String(),
	}
	if f.PriceDen != nil && f.PriceDen.Sign() != 0 {
		num, _ := new(big.Float).SetInt(f.PriceNum).Float64()
		den, _ := new(big.Float).SetInt(f.PriceDen).Float64()
		info.Price = num / den
	}
	if !f.Timestamp.IsZero() {
		info.Timestamp = f.Timestamp.UnixMilli()
	}
	return info
}

// WSSubscribeRequest subscribes a socket to channels like
// "trades:<conditionId>" or "prices:<conditionId>".
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}
