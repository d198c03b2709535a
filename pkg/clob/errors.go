package clob

import "errors"

// Error taxonomy for order intake, matching and settlement. API and app
// layers classify with errors.Is; everything else wraps with %w.
var (
	// ErrMalformedOrder rejects non-positive or inconsistent amounts before
	// matching begins. A malformed order is never partially processed.
	ErrMalformedOrder = errors.New("malformed order")

	// ErrSettlementFailed means the ledger transaction reverted. No local
	// state was mutated; the caller may retry with a fresh matching run.
	ErrSettlementFailed = errors.New("settlement failed")

	// ErrReconciliationPending means the post-settlement ledger read keeps
	// failing after a confirmed transaction. The transaction is final on
	// chain; reconciliation must be resumed, never rolled back.
	ErrReconciliationPending = errors.New("reconciliation pending")

	// ErrAlreadyFilled rejects a cancel for an order with no remaining
	// capacity.
	ErrAlreadyFilled = errors.New("order already filled")

	// ErrAlreadyCancelled rejects a repeated cancel.
	ErrAlreadyCancelled = errors.New("order already cancelled")

	// ErrUnknownOrder is returned for lookups of a hash the store has
	// never seen.
	ErrUnknownOrder = errors.New("unknown order")

	// ErrUnknownMarket is returned when an order references a condition id
	// that is not registered.
	ErrUnknownMarket = errors.New("unknown market")

	// ErrBadSignature rejects an order or cancel whose EIP-712 signature
	// does not recover to the declared signer.
	ErrBadSignature = errors.New("bad signature")
)
