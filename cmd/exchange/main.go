package main

import (
	"encoding/json"
	"log"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/outcomex/outcomex/params"
	"github.com/outcomex/outcomex/pkg/api"
	"github.com/outcomex/outcomex/pkg/app/exchange"
	"github.com/outcomex/outcomex/pkg/clob"
	"github.com/outcomex/outcomex/pkg/crypto"
	"github.com/outcomex/outcomex/pkg/ledger"
	"github.com/outcomex/outcomex/pkg/storage"
	"github.com/outcomex/outcomex/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.LogFile, zapcore.InfoLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	store, err := storage.Open(cfg.Store.Path)
	if err != nil {
		sugar.Fatalw("open store", "path", cfg.Store.Path, "err", err)
	}
	defer store.Close()

	operator, err := crypto.FromPrivateKeyHex(cfg.Ledger.OperatorKeyHex)
	if err != nil {
		sugar.Fatalw("operator key", "err", err)
	}
	hasher := crypto.NewOrderHasher(crypto.EIP712Domain{
		Name:              "OutcomeX Exchange",
		Version:           "1",
		ChainID:           cfg.Ledger.ChainID,
		VerifyingContract: cfg.Ledger.ExchangeAddress,
	})

	led, err := ledger.Dial(cfg.Ledger.RPCURL, cfg.Ledger.ExchangeAddress, cfg.Ledger.ChainID, operator, hasher, sugar)
	if err != nil {
		sugar.Fatalw("dial ledger", "rpc", cfg.Ledger.RPCURL, "err", err)
	}

	sink := &exchange.RecordingSink{Store: store, Log: sugar}
	app := exchange.New(exchange.Config{
		ReconcileTimeout: cfg.Reconcile.Timeout,
		ReconcileBackoff: cfg.Reconcile.Backoff,
	}, store, led, hasher, sink, logger)
	defer app.Close()

	if err := app.ResumePendingSettlements(); err != nil {
		sugar.Errorw("resume pending settlements", "err", err)
	}

	if path := os.Getenv("MARKETS_FILE"); path != "" {
		seedMarkets(app, path, sugar)
	}
	if markets, err := app.Markets(); err == nil {
		sugar.Infow("markets loaded", "count", len(markets))
	}

	server := api.NewServer(app, logger)
	// Price points fan out to WebSocket subscribers as they are recorded.
	sink.Broadcast = server.Hub().BroadcastToChannel

	sugar.Infow("exchange starting",
		"api", cfg.API.Addr, "chain", cfg.Ledger.ChainID,
		"exchange_contract", cfg.Ledger.ExchangeAddress,
		"operator", operator.Address())
	if err := server.Start(cfg.API.Addr); err != nil {
		sugar.Fatalw("api server", "err", err)
	}
}

// seedMarkets registers markets from a JSON file of clob.Market entries.
func seedMarkets(app *exchange.App, path string, sugar *zap.SugaredLogger) {
	data, err := os.ReadFile(path)
	if err != nil {
		sugar.Warnw("markets file unreadable", "path", path, "err", err)
		return
	}
	var markets []*clob.Market
	if err := json.Unmarshal(data, &markets); err != nil {
		sugar.Warnw("markets file invalid", "path", path, "err", err)
		return
	}
	for _, m := range markets {
		if err := app.AddMarket(m); err != nil {
			sugar.Warnw("market rejected", "condition", m.ConditionID, "err", err)
			continue
		}
		sugar.Infow("market registered", "condition", m.ConditionID)
	}
}
