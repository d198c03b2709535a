package params

import (
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

type Ledger struct {
	RPCURL          string         // settlement chain JSON-RPC endpoint
	ChainID         *big.Int       // EIP-712 domain + tx signing
	ExchangeAddress common.Address // verifying exchange contract
	OperatorKeyHex  string         // operator key for settlement txs
}

type API struct {
	Addr string
}

type Store struct {
	Path string
}

type Reconcile struct {
	// Timeout bounds the background resume loop after a confirmed
	// transaction; Backoff paces its retries.
	Timeout time.Duration
	Backoff time.Duration
}

type Config struct {
	Ledger    Ledger
	API       API
	Store     Store
	Reconcile Reconcile
	LogFile   string
}

func Default() Config {
	return Config{
		Ledger: Ledger{
			RPCURL:  "http://127.0.0.1:8545",
			ChainID: big.NewInt(1337),
		},
		API:   API{Addr: ":8080"},
		Store: Store{Path: "data/outcomex"},
		Reconcile: Reconcile{
			Timeout: 5 * time.Minute,
			Backoff: 2 * time.Second,
		},
		LogFile: "data/exchange.log",
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("LEDGER_RPC_URL"); v != "" {
		cfg.Ledger.RPCURL = v
	}
	if v := os.Getenv("LEDGER_CHAIN_ID"); v != "" {
		if id, ok := new(big.Int).SetString(v, 10); ok {
			cfg.Ledger.ChainID = id
		}
	}
	if v := os.Getenv("LEDGER_EXCHANGE_ADDRESS"); v != "" {
		cfg.Ledger.ExchangeAddress = common.HexToAddress(v)
	}
	if v := os.Getenv("LEDGER_OPERATOR_KEY"); v != "" {
		cfg.Ledger.OperatorKeyHex = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("RECONCILE_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Reconcile.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("RECONCILE_BACKOFF_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Reconcile.Backoff = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.LogFile = v
	}

	return cfg
}
