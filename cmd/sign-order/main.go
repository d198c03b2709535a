// sign-order builds and signs an order for manual testing: it prints the
// EIP-712 hash, the signature, and the JSON body ready for POSTing to
// /api/v1/orders.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/outcomex/outcomex/pkg/clob"
	"github.com/outcomex/outcomex/pkg/crypto"
)

func main() {
	var (
		keyHex      = flag.String("key", "", "maker private key hex (generated if empty)")
		marketID    = flag.String("market", "0x01", "condition id (bytes32 hex)")
		tokenID     = flag.String("token", "1", "outcome token id (decimal)")
		side        = flag.String("side", "BUY", "BUY or SELL")
		makerAmount = flag.String("maker-amount", "500000", "amount offered (decimal)")
		takerAmount = flag.String("taker-amount", "1000000", "amount demanded (decimal)")
		expiration  = flag.Int64("expiration", 0, "unix expiry, 0 = never")
		chainID     = flag.Int64("chain", 1337, "chain id")
		contract    = flag.String("contract", "", "exchange contract address")
	)
	flag.Parse()

	var signer *crypto.Signer
	var err error
	if *keyHex == "" {
		signer, err = crypto.GenerateKey()
		fmt.Println("generated new key (keep it secret outside testing)")
	} else {
		signer, err = crypto.FromPrivateKeyHex(*keyHex)
	}
	if err != nil {
		fatal("key: %v", err)
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		fatal("salt: %v", err)
	}
	token, ok := new(big.Int).SetString(*tokenID, 10)
	if !ok {
		fatal("bad token id %q", *tokenID)
	}
	makerAmt, ok := new(big.Int).SetString(*makerAmount, 10)
	if !ok {
		fatal("bad maker amount %q", *makerAmount)
	}
	takerAmt, ok := new(big.Int).SetString(*takerAmount, 10)
	if !ok {
		fatal("bad taker amount %q", *takerAmount)
	}
	orderSide := clob.Buy
	if *side == "SELL" {
		orderSide = clob.Sell
	}

	order := &clob.Order{
		Salt:        salt,
		Maker:       signer.Address(),
		Signer:      signer.Address(),
		MarketID:    common.HexToHash(*marketID),
		TokenID:     token,
		Side:        orderSide,
		MakerAmount: makerAmt,
		TakerAmount: takerAmt,
		Expiration:  *expiration,
	}

	hasher := crypto.NewOrderHasher(crypto.EIP712Domain{
		Name:              "OutcomeX Exchange",
		Version:           "1",
		ChainID:           big.NewInt(*chainID),
		VerifyingContract: common.HexToAddress(*contract),
	})
	hash, err := hasher.HashOrder(order)
	if err != nil {
		fatal("hash order: %v", err)
	}
	sig, err := signer.Sign(hash.Bytes())
	if err != nil {
		fatal("sign: %v", err)
	}

	fmt.Printf("maker:      %s\n", order.Maker)
	fmt.Printf("order hash: %s\n", hash)
	fmt.Printf("signature:  0x%x\n\n", sig)

	body := map[string]any{
		"salt":        salt.String(),
		"maker":       order.Maker.Hex(),
		"signer":      order.Signer.Hex(),
		"marketId":    order.MarketID.Hex(),
		"tokenId":     token.String(),
		"side":        orderSide.String(),
		"makerAmount": makerAmt.String(),
		"takerAmount": takerAmt.String(),
		"feeRateBps":  0,
		"expiration":  *expiration,
		"signature":   fmt.Sprintf("0x%x", sig),
	}
	out, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		fatal("marshal: %v", err)
	}
	fmt.Println("POST /api/v1/orders body:")
	fmt.Println(string(out))
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
