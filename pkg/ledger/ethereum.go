// Package ledger talks to the on-chain exchange contract: the settlement
// system of record. It submits matched batches, cancels orders, and reads
// back the authoritative per-order fill state the coordinator reconciles
// against.
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/outcomex/outcomex/pkg/clob"
	"github.com/outcomex/outcomex/pkg/clob/settle"
	"github.com/outcomex/outcomex/pkg/crypto"
)

// exchangeABI is the settlement surface of the exchange contract. The
// operator submits one atomic batch per matching run; the contract mints,
// merges or transfers outcome tokens and enforces per-order remaining
// capacity, which makes it the serialization point for concurrent takers.
const exchangeABI = `[
  {"type":"function","name":"matchOrders","stateMutability":"nonpayable","inputs":[
    {"name":"takerOrder","type":"tuple","components":[
      {"name":"salt","type":"uint256"},{"name":"maker","type":"address"},
      {"name":"signer","type":"address"},{"name":"marketId","type":"bytes32"},
      {"name":"tokenId","type":"uint256"},{"name":"makerAmount","type":"uint256"},
      {"name":"takerAmount","type":"uint256"},{"name":"expiration","type":"uint256"},
      {"name":"feeRateBps","type":"uint256"},{"name":"side","type":"uint8"},
      {"name":"signature","type":"bytes"}]},
    {"name":"makerOrders","type":"tuple[]","components":[
      {"name":"salt","type":"uint256"},{"name":"maker","type":"address"},
      {"name":"signer","type":"address"},{"name":"marketId","type":"bytes32"},
      {"name":"tokenId","type":"uint256"},{"name":"makerAmount","type":"uint256"},
      {"name":"takerAmount","type":"uint256"},{"name":"expiration","type":"uint256"},
      {"name":"feeRateBps","type":"uint256"},{"name":"side","type":"uint8"},
      {"name":"signature","type":"bytes"}]},
    {"name":"takerFillAmount","type":"uint256"},
    {"name":"makerFillAmounts","type":"uint256[]"}],"outputs":[]},
  {"type":"function","name":"cancelOrder","stateMutability":"nonpayable","inputs":[
    {"name":"orderHash","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"orderStatus","stateMutability":"view","inputs":[
    {"name":"orderHash","type":"bytes32"}],"outputs":[
    {"name":"isFilled","type":"bool"},{"name":"isCancelled","type":"bool"},
    {"name":"remaining","type":"uint256"}]}
]`

// ledgerOrder mirrors the contract's order tuple.
type ledgerOrder struct {
	Salt        *big.Int
	Maker       common.Address
	Signer      common.Address
	MarketId    [32]byte
	TokenId     *big.Int
	MakerAmount *big.Int
	TakerAmount *big.Int
	Expiration  *big.Int
	FeeRateBps  *big.Int
	Side        uint8
	Signature   []byte
}

type EthereumLedger struct {
	client   *ethclient.Client
	abi      abi.ABI
	contract common.Address
	chainID  *big.Int
	operator *crypto.Signer
	hasher   *crypto.OrderHasher
	log      *zap.SugaredLogger

	// Serializes nonce acquisition across concurrent settlement calls.
	sendMu sync.Mutex
}

func Dial(rpcURL string, contract common.Address, chainID *big.Int, operator *crypto.Signer, hasher *crypto.OrderHasher, log *zap.SugaredLogger) (*EthereumLedger, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(exchangeABI))
	if err != nil {
		return nil, fmt.Errorf("parse exchange abi: %w", err)
	}
	return &EthereumLedger{
		client:   client,
		abi:      parsed,
		contract: contract,
		chainID:  chainID,
		operator: operator,
		hasher:   hasher,
		log:      log,
	}, nil
}

var _ settle.Ledger = (*EthereumLedger)(nil)

// HashOrder computes the EIP-712 hash the contract uses as the order's
// identity. It is derived locally and deterministically; no RPC involved.
func (l *EthereumLedger) HashOrder(o *clob.Order) (common.Hash, error) {
	return l.hasher.HashOrder(o)
}

// SubmitBatch submits one matchOrders transaction and waits for it to be
// mined. A reverted transaction is a settlement failure; the caller must
// not mutate any local order state for it.
func (l *EthereumLedger) SubmitBatch(ctx context.Context, taker *clob.Order, makers []*clob.Order, fillAmounts []*big.Int, totalFill *big.Int) (*settle.Receipt, error) {
	if len(makers) != len(fillAmounts) {
		return nil, fmt.Errorf("maker/fill length mismatch: %d vs %d", len(makers), len(fillAmounts))
	}
	makerTuples := make([]ledgerOrder, len(makers))
	for i, m := range makers {
		makerTuples[i] = toLedgerOrder(m)
	}
	data, err := l.abi.Pack("matchOrders", toLedgerOrder(taker), makerTuples, totalFill, fillAmounts)
	if err != nil {
		return nil, fmt.Errorf("pack matchOrders: %w", err)
	}
	return l.send(ctx, data)
}

// Cancel submits an on-chain cancel for the order.
func (l *EthereumLedger) Cancel(ctx context.Context, o *clob.Order) (*settle.Receipt, error) {
	data, err := l.abi.Pack("cancelOrder", [32]byte(o.Hash))
	if err != nil {
		return nil, fmt.Errorf("pack cancelOrder: %w", err)
	}
	return l.send(ctx, data)
}

// OrderStatus reads the authoritative fill state for one order hash.
func (l *EthereumLedger) OrderStatus(ctx context.Context, hash common.Hash) (*clob.LedgerState, error) {
	data, err := l.abi.Pack("orderStatus", [32]byte(hash))
	if err != nil {
		return nil, fmt.Errorf("pack orderStatus: %w", err)
	}
	out, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &l.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call orderStatus: %w", err)
	}
	var status struct {
		IsFilled    bool
		IsCancelled bool
		Remaining   *big.Int
	}
	if err := l.abi.UnpackIntoInterface(&status, "orderStatus", out); err != nil {
		return nil, fmt.Errorf("unpack orderStatus: %w", err)
	}
	return &clob.LedgerState{
		IsFilled:    status.IsFilled,
		IsCancelled: status.IsCancelled,
		Remaining:   status.Remaining,
	}, nil
}

func (l *EthereumLedger) send(ctx context.Context, data []byte) (*settle.Receipt, error) {
	l.sendMu.Lock()
	from := l.operator.Address()
	nonce, err := l.client.PendingNonceAt(ctx, from)
	if err != nil {
		l.sendMu.Unlock()
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		l.sendMu.Unlock()
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	gasLimit, err := l.client.EstimateGas(ctx, ethereum.CallMsg{
		From: from, To: &l.contract, Data: data, GasPrice: gasPrice,
	})
	if err != nil {
		// Estimation failing usually means the call would revert.
		l.sendMu.Unlock()
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &l.contract,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(l.chainID), l.operator.ECDSA())
	if err != nil {
		l.sendMu.Unlock()
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	if err := l.client.SendTransaction(ctx, signed); err != nil {
		l.sendMu.Unlock()
		return nil, fmt.Errorf("send tx: %w", err)
	}
	l.sendMu.Unlock()

	receipt, err := bind.WaitMined(ctx, l.client, signed)
	if err != nil {
		return nil, fmt.Errorf("wait mined %s: %w", signed.Hash(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("transaction %s reverted", signed.Hash())
	}
	l.log.Debugw("ledger tx mined", "tx", signed.Hash(), "block", receipt.BlockNumber, "gas", receipt.GasUsed)
	return &settle.Receipt{
		TxHash:      signed.Hash(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}

func toLedgerOrder(o *clob.Order) ledgerOrder {
	sig := o.Signature
	if sig == nil {
		sig = []byte{}
	}
	return ledgerOrder{
		Salt:        o.Salt,
		Maker:       o.Maker,
		Signer:      o.Signer,
		MarketId:    [32]byte(o.MarketID),
		TokenId:     o.TokenID,
		MakerAmount: o.MakerAmount,
		TakerAmount: o.TakerAmount,
		Expiration:  big.NewInt(o.Expiration),
		FeeRateBps:  new(big.Int).SetUint64(o.FeeRateBps),
		Side:        uint8(o.Side),
		Signature:   sig,
	}
}
