package clob

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/outcomex/outcomex/pkg/clob/rational"
)

// Order is a signed trade intent plus its mutable fill state. The intent
// fields are immutable once hashed; only FilledAmount and Status move, and
// only the settlement coordinator (or an accepted cancel) moves them.
type Order struct {
	// Intent, covered by the order hash and the EIP-712 signature.
	Salt        *big.Int       `json:"salt"`
	Maker       common.Address `json:"maker"`
	Signer      common.Address `json:"signer"`
	MarketID    common.Hash    `json:"marketId"`
	TokenID     *big.Int       `json:"tokenId"`
	Side        Side           `json:"side"`
	MakerAmount *big.Int       `json:"makerAmount"`
	TakerAmount *big.Int       `json:"takerAmount"`
	FeeRateBps  uint64         `json:"feeRateBps"` // opaque to matching
	Expiration  int64          `json:"expiration"` // unix seconds, 0 = never
	Signature   []byte         `json:"signature,omitempty"`

	// Identity and fill state.
	Hash         common.Hash `json:"hash"`
	FilledAmount *big.Int    `json:"filledAmount"`
	Status       Status      `json:"status"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// Validate rejects malformed intent before it reaches matching. Zero or
// negative amounts would make the price ratio meaningless or divide by
// zero; both surface as ErrMalformedOrder.
func (o *Order) Validate() error {
	if o.MakerAmount == nil || o.MakerAmount.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive maker amount", ErrMalformedOrder)
	}
	if o.TakerAmount == nil || o.TakerAmount.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive taker amount", ErrMalformedOrder)
	}
	if o.TokenID == nil || o.TokenID.Sign() < 0 {
		return fmt.Errorf("%w: bad token id", ErrMalformedOrder)
	}
	if o.Expiration < 0 {
		return fmt.Errorf("%w: negative expiration", ErrMalformedOrder)
	}
	return nil
}

// Price returns the order's unit price in collateral per outcome token.
// BUY offers collateral for tokens (maker/taker); SELL offers tokens for
// collateral (taker/maker).
func (o *Order) Price() (rational.Rat, error) {
	var num, den *big.Int
	if o.Side == Buy {
		num, den = o.MakerAmount, o.TakerAmount
	} else {
		num, den = o.TakerAmount, o.MakerAmount
	}
	r, err := rational.New(num, den)
	if err != nil {
		return rational.Rat{}, fmt.Errorf("%w: %v", ErrMalformedOrder, err)
	}
	return r, nil
}

// Remaining is the unconsumed maker_amount capacity.
func (o *Order) Remaining() *big.Int {
	rem := new(big.Int).Sub(o.MakerAmount, o.FilledAmount)
	if rem.Sign() < 0 {
		return big.NewInt(0)
	}
	return rem
}

// IsExpired is observed lazily: expiration is a read-time predicate, not a
// stored transition.
func (o *Order) IsExpired(now time.Time) bool {
	return o.Expiration != 0 && o.Expiration < now.Unix()
}

// IsActive reports whether the order can still be selected as a match
// candidate.
func (o *Order) IsActive(now time.Time) bool {
	if o.IsExpired(now) {
		return false
	}
	return o.Status == StatusPending || o.Status == StatusPartiallyFilled
}

// StatusAt derives the externally visible status, folding in lazy
// expiration for non-terminal orders.
func (o *Order) StatusAt(now time.Time) Status {
	if (o.Status == StatusPending || o.Status == StatusPartiallyFilled) && o.IsExpired(now) {
		return StatusExpired
	}
	return o.Status
}

// Reconcile applies the ledger's authoritative post-transaction state.
// The local fill plan is only a prediction; remaining as reported by the
// ledger wins. FilledAmount stays monotonically non-decreasing and never
// exceeds MakerAmount, and the call is idempotent: applying the same
// LedgerState twice yields the same result.
func (o *Order) Reconcile(ls *LedgerState) {
	newFilled := new(big.Int).Sub(o.MakerAmount, ls.Remaining)
	if newFilled.Sign() < 0 {
		newFilled.SetInt64(0)
	}
	if newFilled.Cmp(o.MakerAmount) > 0 {
		newFilled.Set(o.MakerAmount)
	}
	if newFilled.Cmp(o.FilledAmount) > 0 {
		o.FilledAmount = newFilled
	}

	switch {
	case ls.IsCancelled:
		// Cancellation freezes the fill, even after a partial fill.
		o.Status = StatusCancelled
	case ls.IsFilled || o.FilledAmount.Cmp(o.MakerAmount) == 0:
		o.Status = StatusFilled
	case o.FilledAmount.Sign() > 0:
		o.Status = StatusPartiallyFilled
	default:
		o.Status = StatusPending
	}
}

// RequestCancel transitions to cancelled if capacity remains. The caller
// must reconcile against the ledger first so a concurrent settlement that
// already consumed the order is observed before the cancel is accepted.
func (o *Order) RequestCancel() error {
	switch o.Status {
	case StatusCancelled:
		return ErrAlreadyCancelled
	case StatusFilled:
		return ErrAlreadyFilled
	}
	if o.Remaining().Sign() == 0 {
		return ErrAlreadyFilled
	}
	o.Status = StatusCancelled
	return nil
}

// Clone returns a deep copy. The matching engine works on copies so a
// matching run never mutates the store's view of resting orders.
func (o *Order) Clone() *Order {
	cp := *o
	if o.Salt != nil {
		cp.Salt = new(big.Int).Set(o.Salt)
	}
	if o.TokenID != nil {
		cp.TokenID = new(big.Int).Set(o.TokenID)
	}
	if o.MakerAmount != nil {
		cp.MakerAmount = new(big.Int).Set(o.MakerAmount)
	}
	if o.TakerAmount != nil {
		cp.TakerAmount = new(big.Int).Set(o.TakerAmount)
	}
	if o.FilledAmount != nil {
		cp.FilledAmount = new(big.Int).Set(o.FilledAmount)
	}
	if o.Signature != nil {
		cp.Signature = append([]byte(nil), o.Signature...)
	}
	return &cp
}
