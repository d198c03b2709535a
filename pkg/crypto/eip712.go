package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/outcomex/outcomex/pkg/clob"
)

// EIP712Domain binds signatures to one deployment of the settlement
// contract so orders cannot be replayed across chains or exchanges.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// DefaultDomain is the local development deployment.
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "OutcomeX Exchange",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

// OrderHasher produces the deterministic EIP-712 order hash that doubles
// as the order's identity on the ledger and in local storage.
type OrderHasher struct {
	domain EIP712Domain
}

func NewOrderHasher(domain EIP712Domain) *OrderHasher {
	return &OrderHasher{domain: domain}
}

var orderType = []apitypes.Type{
	{Name: "salt", Type: "uint256"},
	{Name: "maker", Type: "address"},
	{Name: "signer", Type: "address"},
	{Name: "marketId", Type: "bytes32"},
	{Name: "tokenId", Type: "uint256"},
	{Name: "makerAmount", Type: "uint256"},
	{Name: "takerAmount", Type: "uint256"},
	{Name: "expiration", Type: "uint256"},
	{Name: "feeRateBps", Type: "uint256"},
	{Name: "side", Type: "uint8"},
}

var cancelType = []apitypes.Type{
	{Name: "orderHash", Type: "bytes32"},
	{Name: "maker", Type: "address"},
	{Name: "salt", Type: "uint256"},
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// HashOrder computes the EIP-712 digest of an order's immutable intent.
func (h *OrderHasher) HashOrder(o *clob.Order) (common.Hash, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Order":        orderType,
		},
		PrimaryType: "Order",
		Domain:      h.typedDomain(),
		Message: apitypes.TypedDataMessage{
			"salt":        o.Salt.String(),
			"maker":       o.Maker.Hex(),
			"signer":      o.Signer.Hex(),
			"marketId":    o.MarketID.Hex(),
			"tokenId":     o.TokenID.String(),
			"makerAmount": o.MakerAmount.String(),
			"takerAmount": o.TakerAmount.String(),
			"expiration":  new(big.Int).SetInt64(o.Expiration).String(),
			"feeRateBps":  new(big.Int).SetUint64(o.FeeRateBps).String(),
			"side":        fmt.Sprintf("%d", uint8(o.Side)),
		},
	}
	return h.digest(typedData)
}

// HashCancel computes the digest a maker signs to cancel one order.
func (h *OrderHasher) HashCancel(orderHash common.Hash, maker common.Address, salt *big.Int) (common.Hash, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"CancelOrder":  cancelType,
		},
		PrimaryType: "CancelOrder",
		Domain:      h.typedDomain(),
		Message: apitypes.TypedDataMessage{
			"orderHash": orderHash.Hex(),
			"maker":     maker.Hex(),
			"salt":      salt.String(),
		},
	}
	return h.digest(typedData)
}

// VerifyOrderSignature checks that the order's signature recovers to its
// declared signer. The signer may differ from the maker under delegated
// signing; authorization of signer-for-maker is the ledger's concern.
func (h *OrderHasher) VerifyOrderSignature(o *clob.Order) error {
	hash, err := h.HashOrder(o)
	if err != nil {
		return err
	}
	recovered, err := RecoverAddress(hash.Bytes(), o.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", clob.ErrBadSignature, err)
	}
	if recovered != o.Signer {
		return fmt.Errorf("%w: recovered %s, want %s", clob.ErrBadSignature, recovered, o.Signer)
	}
	return nil
}

func (h *OrderHasher) typedDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              h.domain.Name,
		Version:           h.domain.Version,
		ChainId:           (*math.HexOrDecimal256)(h.domain.ChainID),
		VerifyingContract: h.domain.VerifyingContract.Hex(),
	}
}

func (h *OrderHasher) digest(typedData apitypes.TypedData) (common.Hash, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash domain: %w", err)
	}
	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash message: %w", err)
	}
	// keccak256("\x19\x01" || domainSeparator || typedDataHash)
	raw := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(raw), nil
}
