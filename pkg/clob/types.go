// Package clob holds the core data model of the binary-outcome exchange:
// orders, markets, fills and the order lifecycle. Matching, candidate
// selection and settlement live in subpackages and share these types.
package clob

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// MatchType classifies how a taker/maker pair fills.
type MatchType uint8

const (
	// MatchComplementary crosses opposite sides of the same outcome token.
	MatchComplementary MatchType = iota
	// MatchMint funds a new YES+NO pair from two BUY orders on
	// complementary tokens.
	MatchMint
	// MatchMerge destroys a YES+NO pair held by two SELL orders on
	// complementary tokens, releasing collateral.
	MatchMerge
)

func (m MatchType) String() string {
	switch m {
	case MatchComplementary:
		return "COMPLEMENTARY"
	case MatchMint:
		return "MINT"
	case MatchMerge:
		return "MERGE"
	default:
		return "UNKNOWN"
	}
}

type Status string

const (
	StatusPending         Status = "pending"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCancelled       Status = "cancelled"
	StatusExpired         Status = "expired"
)

// Market is one binary outcome pair. Owning one unit of the YES token and
// one unit of the NO token is equivalent to one unit of collateral.
type Market struct {
	ConditionID common.Hash `json:"conditionId"`
	Question    string      `json:"question,omitempty"`
	YesTokenID  *big.Int    `json:"yesTokenId"`
	NoTokenID   *big.Int    `json:"noTokenId"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// Complement returns the other token of the pair, or false if tokenID does
// not belong to this market.
func (m *Market) Complement(tokenID *big.Int) (*big.Int, bool) {
	switch {
	case tokenID.Cmp(m.YesTokenID) == 0:
		return new(big.Int).Set(m.NoTokenID), true
	case tokenID.Cmp(m.NoTokenID) == 0:
		return new(big.Int).Set(m.YesTokenID), true
	default:
		return nil, false
	}
}

// HasToken reports whether tokenID is one of the pair.
func (m *Market) HasToken(tokenID *big.Int) bool {
	_, ok := m.Complement(tokenID)
	return ok
}

// LedgerState is the authoritative post-transaction view of one order as
// the settlement ledger reports it.
type LedgerState struct {
	IsFilled    bool
	IsCancelled bool
	Remaining   *big.Int // unfilled maker_amount units
}

// Fill is one taker/maker pairing produced by a matching run and persisted
// as an audit record after settlement. Amounts are denominated in each
// order's own maker_amount units.
type Fill struct {
	ID          string      `json:"id"`
	MarketID    common.Hash `json:"marketId"`
	TakerHash   common.Hash `json:"takerHash"`
	MakerHash   common.Hash `json:"makerHash"`
	MatchType   MatchType   `json:"matchType"`
	TakerFilled *big.Int    `json:"takerFilled"`
	MakerFilled *big.Int    `json:"makerFilled"`

	// Realized taker price for this fill, collateral per outcome token,
	// kept as an exact ratio for the price-history point.
	PriceNum *big.Int `json:"priceNum"`
	PriceDen *big.Int `json:"priceDen"`

	Timestamp time.Time `json:"timestamp"`

	// Maker is the matched resting order. Carried in memory between the
	// engine and the settlement coordinator, not persisted with the fill.
	Maker *Order `json:"-"`
}

// Candidate pairs an eligible resting order with the match type it would
// fill under, in the priority order the selector produced.
type Candidate struct {
	Order *Order
	Type  MatchType
}
