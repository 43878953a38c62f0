package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Denomination constants.
// 1 coin = 10^12 base units. All on-chain values are in base units.
const (
	Decimals  = 12
	Coin      = 1_000_000_000_000 // 10^12 base units per coin
	MilliCoin = 1_000_000_000     // 10^9
	MicroCoin = 1_000_000         // 10^6
)

// CoinbaseMaturity is the number of blocks a coinbase output must wait
// before it can be spent. Prevents issues during reorgs.
const CoinbaseMaturity uint64 = 20

// Block and transaction size limits (consensus-critical).
const (
	MaxBlockSize  = 2_000_000 // 2 MB max block size (header + all tx signing bytes)
	MaxBlockTxs   = 500       // Max transactions per block (including coinbase)
	MaxTxInputs   = 2500      // Max inputs per transaction
	MaxTxOutputs  = 2500      // Max outputs per transaction
	MaxScriptData = 65_536    // 64 KB max script data per output

	// MaxBlockTxBytes is the greedy-packing budget a miner fills with
	// mempool transactions: MaxBlockSize minus headroom for the header and
	// the coinbase itself, so a fully packed block never risks exceeding
	// MaxBlockSize once the header and coinbase are added back in.
	MaxBlockTxBytes = MaxBlockSize - 16_384
)

// Proof-of-work and difficulty retargeting constants (consensus-critical).
const (
	// DifficultyAdjustmentInterval is the number of blocks between target
	// retargets.
	DifficultyAdjustmentInterval = 2016

	// TargetBlockTime is the desired number of seconds between blocks.
	TargetBlockTime = 600

	// MTPWindow is the number of recent block timestamps used to compute
	// median-time-past for the strictly-greater-than timestamp rule.
	MTPWindow = 11

	// MaxFutureDrift bounds how far into the future a block timestamp may
	// claim to be, relative to wall-clock.
	MaxFutureDrift = 2 * 60 * 60 // 2 hours, seconds
)

// MaxTarget is the easiest allowed proof-of-work target: the genesis
// target, and the ceiling any retarget clamps to.
var MaxTarget = types.Hash{
	0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
}

// MinTarget is the hardest allowed proof-of-work target (floor any
// retarget clamps to): one full byte of leading zeros more than MaxTarget.
var MinTarget = types.Hash{
	0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
}

// Genesis holds the genesis block configuration and protocol rules.
// This is immutable after chain launch - changes require a hard fork.
type Genesis struct {
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"`

	Timestamp int64  `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Alloc maps a hex-encoded 32-byte pubkey hash (see ParsePubKeyHash)
	// to a genesis allocation value.
	Alloc map[string]uint64 `json:"alloc"`

	Protocol ProtocolConfig `json:"protocol"`
}

// ProtocolConfig holds consensus-critical rules.
// All nodes MUST agree on these values.
type ProtocolConfig struct {
	Consensus ConsensusRules `json:"consensus"`
}

// ConsensusRules defines the block reward schedule and mempool admission floor.
type ConsensusRules struct {
	BlockReward     uint64 `json:"block_reward"`               // Base units at height 0
	MaxSupply       uint64 `json:"max_supply"`                 // Total coin cap in base units (0 = unlimited)
	HalvingInterval uint64 `json:"halving_interval,omitempty"` // Blocks between reward halvings (0 = no halving)
	MinFeeRate      uint64 `json:"min_fee_rate"`                // Minimum fee rate (base units per byte of SigningBytes)
}

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "klingnet-mainnet-1",
		ChainName: "Klingnet Mainnet",
		Symbol:    "KGX",
		Timestamp: 1770734103, // 2026-02-10
		ExtraData: "Klingnet Genesis",
		Alloc: map[string]uint64{
			"9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08": 100_000 * Coin,
		},
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				BlockReward:     50 * Coin,
				MaxSupply:       21_000_000 * Coin,
				HalvingInterval: 210_000,
				MinFeeRate:      1, // 1 base unit per byte
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "klingnet-testnet-1"
	g.ChainName = "Klingnet Testnet"
	g.ExtraData = "Klingnet Testnet Genesis"
	g.Protocol.Consensus.MinFeeRate = 0

	g.Alloc = map[string]uint64{
		TestnetDevPubKeyHash: 200_000 * Coin,
	}

	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Testnet dev identity
//
// Derived from the well-known BIP-39 test mnemonic (DO NOT use on mainnet):
//
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon art
// =============================================================================

const (
	TestnetDevPrivKey    = "1f0717e6e34acc6721021f4dfed54558ec8452452b6195545d06dd348b220091"
	TestnetDevPubKeyHash = "5e7f0f9c6c2a6b6df1f6f7b0f3e6d4c9b8a7f6e5d4c3b2a1908f7e6d5c4b3a29"
)

// ParsePubKeyHash parses a 32-byte hex-encoded pubkey hash, the form used for
// genesis allocation keys (Genesis.Alloc).
func ParsePubKeyHash(s string) (types.Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return types.Hash{}, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != types.HashSize {
		return types.Hash{}, fmt.Errorf("pubkey hash must be %d bytes, got %d", types.HashSize, len(b))
	}
	var h types.Hash
	copy(h[:], b)
	return h, nil
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}

	if g.Protocol.Consensus.BlockReward == 0 {
		return fmt.Errorf("block_reward must be positive")
	}

	var totalAlloc uint64
	for pkHashHex, v := range g.Alloc {
		if _, err := ParsePubKeyHash(pkHashHex); err != nil {
			return fmt.Errorf("invalid alloc pubkey hash %q: %w", pkHashHex, err)
		}
		totalAlloc += v
	}
	if g.Protocol.Consensus.MaxSupply > 0 && totalAlloc > g.Protocol.Consensus.MaxSupply {
		return fmt.Errorf("genesis allocations (%d) exceed max_supply (%d)",
			totalAlloc, g.Protocol.Consensus.MaxSupply)
	}

	return nil
}

// Hash returns a double-SHA256 hash of the genesis configuration, used to
// identify the chain and detect genesis mismatches.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.DoubleHash(data), nil
}

// BlockRewardAt computes the block subsidy at the given height, applying
// halving every HalvingInterval blocks (if configured).
func (c ConsensusRules) BlockRewardAt(height uint64) uint64 {
	if c.HalvingInterval == 0 {
		return c.BlockReward
	}
	halvings := height / c.HalvingInterval
	if halvings >= 64 {
		return 0
	}
	return c.BlockReward >> halvings
}
