// Package config loads the sequencer's runtime configuration from the
// environment and its genesis allocation from a JSON file, grounded on the
// teacher's node/config.go Config/DefaultConfig/ValidateConfig shape.
package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is every externally tunable knob the sequencer daemon needs,
// loaded once at startup and passed explicitly to every component
// constructor; there are no package-level globals.
type Config struct {
	StoragePath string `envconfig:"STORAGE_PATH" default:"./data/sequencer.db"`
	GenesisPath string `envconfig:"GENESIS_PATH" default:"./genesis.json"`

	DANodeURL      string `envconfig:"DA_NODE_URL"`
	DAAuthToken    string `envconfig:"DA_AUTH_TOKEN"`
	DANamespace    string `envconfig:"DA_NAMESPACE_SEED"`
	DAMaxRetries   int    `envconfig:"DA_MAX_RETRIES" default:"5"`

	L1NodeURL    string `envconfig:"L1_NODE_URL"`
	VaultAddress string `envconfig:"VAULT_ADDRESS"`

	BlockIntervalSeconds int    `envconfig:"BLOCK_INTERVAL_SECONDS" default:"3"`
	MaxBlockTransactions int    `envconfig:"MAX_BLOCK_TRANSACTIONS" default:"500"`
	MinBatchThreshold    int    `envconfig:"MIN_BATCH_THRESHOLD" default:"3"`
	MinimumTransactionFee uint64 `envconfig:"MINIMUM_TRANSACTION_FEE" default:"0"`
	FeeScheduleID        string `envconfig:"FEE_SCHEDULE_ID" default:"v1"`

	WebhookURLs []string `envconfig:"WEBHOOK_URLS"`

	HTTPListenAddr string `envconfig:"HTTP_LISTEN_ADDR" default:":8080"`
}

// Load reads Config from the environment using the sequencer_ prefix (e.g.
// SEQUENCER_STORAGE_PATH), matching the teacher's convention of namespacing
// every env var under a single prefix.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("sequencer", &cfg); err != nil {
		return nil, fmt.Errorf("config: load from environment: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants the teacher's ValidateConfig also enforces:
// required fields present, numeric fields in sane ranges. It also requires a
// non-empty fee_schedule_id; it does not compare it with the fee_schedule_id
// recorded in an existing chain's blocks.
func Validate(cfg *Config) error {
	if cfg.StoragePath == "" {
		return fmt.Errorf("config: storage_path is required")
	}
	if cfg.BlockIntervalSeconds <= 0 {
		return fmt.Errorf("config: block_interval_seconds must be positive")
	}
	if cfg.MaxBlockTransactions <= 0 {
		return fmt.Errorf("config: max_block_transactions must be positive")
	}
	if cfg.MinBatchThreshold <= 0 || cfg.MinBatchThreshold > cfg.MaxBlockTransactions {
		return fmt.Errorf("config: min_batch_threshold must be positive and at most max_block_transactions")
	}
	if cfg.FeeScheduleID == "" {
		return fmt.Errorf("config: fee_schedule_id must not be empty")
	}
	if cfg.DANodeURL != "" && cfg.DANamespace == "" {
		return fmt.Errorf("config: da_namespace_seed is required when da_node_url is set")
	}
	return nil
}

// BlockInterval returns BlockIntervalSeconds as a time.Duration.
func (c *Config) BlockInterval() time.Duration {
	return time.Duration(c.BlockIntervalSeconds) * time.Second
}

// GenesisAllocation is one funded address at genesis.
type GenesisAllocation struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

// genesisFile supports both shapes a genesis loader reasonably wants to
// accept: an explicit "utxos" list (recipient/amount, with output_index
// assigned positionally by the loader) or the "allocations" sugar
// (address -> amount, synthesized into single-output genesis UTXOs in
// address order).
type genesisFile struct {
	UTXOs []struct {
		Recipient string `json:"recipient"`
		Amount    uint64 `json:"amount"`
	} `json:"utxos"`
	Allocations map[string]uint64 `json:"allocations"`
}

// GenesisUTXO is one genesis-allocation output in the canonical form the
// ledger boot path consumes (base64-decoded recipient bytes, not base64 text).
type GenesisUTXO struct {
	TxID        string
	OutputIndex uint32
	Recipient   []byte
	Amount      uint64
}

// LoadGenesis reads and normalizes a genesis file at path, supporting both
// the "utxos" and "allocations" shapes.
func LoadGenesis(path string) ([]GenesisUTXO, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read genesis file: %w", err)
	}
	var gf genesisFile
	if err := json.Unmarshal(raw, &gf); err != nil {
		return nil, fmt.Errorf("config: parse genesis file: %w", err)
	}

	var out []GenesisUTXO
	for i, u := range gf.UTXOs {
		recipient, err := decodeAddress(u.Recipient)
		if err != nil {
			return nil, fmt.Errorf("config: genesis utxo %d: %w", i, err)
		}
		out = append(out, GenesisUTXO{TxID: "genesis", OutputIndex: uint32(i), Recipient: recipient, Amount: u.Amount})
	}

	if len(gf.Allocations) > 0 {
		addrs := make([]string, 0, len(gf.Allocations))
		for addr := range gf.Allocations {
			addrs = append(addrs, addr)
		}
		sortStrings(addrs)
		for i, addr := range addrs {
			recipient, err := decodeAddress(addr)
			if err != nil {
				return nil, fmt.Errorf("config: genesis allocation %s: %w", addr, err)
			}
			out = append(out, GenesisUTXO{TxID: "genesis", OutputIndex: uint32(i), Recipient: recipient, Amount: gf.Allocations[addr]})
		}
	}
	return out, nil
}

// decodeAddress parses an address in the wire textual form consensus.Address
// uses (standard base64), matching how a genesis file's "recipient"/
// allocation key would be produced by consensus.Address.String().
func decodeAddress(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 address %q: %w", s, err)
	}
	return b, nil
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
