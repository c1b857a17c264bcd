package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/klingonchain/coreutxo/pkg/crypto"
	"github.com/klingonchain/coreutxo/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Denomination: 1 coin = 10^8 base units ("satoshis"), Bitcoin-style.
const (
	Decimals = 8
	Coin     = 100_000_000
)

// CoinbaseMaturity is the number of blocks a coinbase output must wait
// before it can be spent. Prevents reorgs from un-minting spent coins.
const CoinbaseMaturity uint64 = 100

// Block and transaction size limits (consensus-critical).
const (
	MaxBlockSize  = 1_000_000 // 1 MB max block size (header + all tx signing bytes)
	MaxBlockTxs   = 500       // Max transactions per block (including coinbase)
	MaxTxInputs   = 2500      // Max inputs per transaction
	MaxTxOutputs  = 2500      // Max outputs per transaction
	MaxScriptData = 65_536    // 64 KB max script data per output
)

// PoW consensus defaults (spec-mandated; see ConsensusRules for per-genesis overrides).
const (
	TargetBlockSpacing  = 600  // seconds between blocks
	RetargetInterval    = 2016 // blocks between difficulty adjustments
	InitialSubsidy      = 50 * Coin
	HalvingInterval     = 210_000 // blocks between subsidy halvings
	MinRelayFeeRate     = 1        // base units per byte of SigningBytes
)

// Genesis holds the genesis block configuration and protocol rules.
// This is immutable after chain launch - changes require a hard fork.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"` // Native coin symbol (e.g., "CUX")

	// Genesis block
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Initial allocations (address -> balance in base units)
	Alloc map[string]uint64 `json:"alloc"`

	// Protocol rules
	Protocol ProtocolConfig `json:"protocol"`
}

// ForkSchedule defines block heights at which protocol upgrades activate.
// A zero value means the fork is not scheduled.
type ForkSchedule struct {
	// Future forks are added here as fields.
}

// IsActive returns true if a fork at forkHeight has activated at currentHeight.
// Returns false if forkHeight is 0 (not scheduled).
func (f *ForkSchedule) IsActive(forkHeight, currentHeight uint64) bool {
	return forkHeight > 0 && currentHeight >= forkHeight
}

// ProtocolConfig holds consensus-critical rules.
// All nodes MUST agree on these values.
type ProtocolConfig struct {
	Consensus ConsensusRules `json:"consensus"`
	Forks     ForkSchedule   `json:"forks,omitempty"`
}

// ConsensusRules defines how blocks are produced and validated. Pure
// proof-of-work: no validator set, no staking.
type ConsensusRules struct {
	// Block timing
	TargetSpacing    int `json:"target_spacing"`    // Target seconds between blocks
	RetargetInterval int `json:"retarget_interval"` // Blocks between difficulty adjustments

	// Initial PoW target, compact-bits encoded (see pkg/block.ExpandTarget).
	InitialBits uint32 `json:"initial_bits"`

	// Economics
	InitialSubsidy  uint64 `json:"initial_subsidy"`  // Base units awarded to the first block's coinbase
	HalvingInterval uint64 `json:"halving_interval"` // Blocks between subsidy halvings (0 = no halving)
	MaxSupply       uint64 `json:"max_supply"`       // Total coin cap in base units (0 = unlimited)
	MinFeeRate      uint64 `json:"min_fee_rate"`     // Minimum relay fee rate (base units per byte of SigningBytes)
}

// =============================================================================
// Testnet Identity
//
// Derived from the well-known BIP-39 test mnemonic (DO NOT use on mainnet):
//
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon art
//
// Derivation path: m/44'/8888'/0'/0/0 (no passphrase)
// =============================================================================

const (
	// TestnetMnemonic is the well-known seed phrase for the testnet faucet key.
	TestnetMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon art"

	// TestnetFaucetPubKey is the compressed public key (hex) derived from TestnetMnemonic.
	TestnetFaucetPubKey = "030bef68f8657df88098a0546da1712c88b459788bea1a6bbe964004166a25144f"

	// TestnetFaucetPrivKey is the private key (hex) derived from TestnetMnemonic.
	TestnetFaucetPrivKey = "1f0717e6e34acc6721021f4dfed54558ec8452452b6195545d06dd348b220091"

	// TestnetAddress is the bech32 (HRP tcux) address derived from TestnetMnemonic.
	// Address = HASH160(compressed pubkey) = RIPEMD160(SHA256(pubkey)).
	TestnetAddress = "tcux13uayfwq9djh7cd5dagxtuzk3mx7r7sc9ldfak2"
)

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "coreutxo-mainnet-1",
		ChainName: "Coreutxo Mainnet",
		Symbol:    "CUX",
		Timestamp: 1770734103, // 2026-02-10
		ExtraData: "Coreutxo Genesis",
		Alloc:     map[string]uint64{},
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				TargetSpacing:    TargetBlockSpacing,
				RetargetInterval: RetargetInterval,
				InitialBits:      0x1d00ffff,
				InitialSubsidy:   InitialSubsidy,
				HalvingInterval:  HalvingInterval,
				MaxSupply:        0, // unbounded; governed entirely by the halving schedule
				MinFeeRate:       MinRelayFeeRate,
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "coreutxo-testnet-1"
	g.ChainName = "Coreutxo Testnet"
	g.ExtraData = "Coreutxo Testnet Genesis"

	// Easier initial target for local testing; the relay fee rate is the
	// same 1 base unit per byte as mainnet.
	g.Protocol.Consensus.InitialBits = 0x207fffff
	g.Protocol.Consensus.MinFeeRate = 1

	// Testnet allocation: 200,000 CUX to the well-known faucet address.
	g.Alloc = map[string]uint64{
		TestnetAddress: 200_000 * Coin,
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

	if g.Protocol.Consensus.TargetSpacing <= 0 {
		return fmt.Errorf("target_spacing must be positive")
	}

	if g.Protocol.Consensus.RetargetInterval <= 0 {
		return fmt.Errorf("retarget_interval must be positive")
	}

	if g.Protocol.Consensus.InitialBits == 0 {
		return fmt.Errorf("initial_bits must be set")
	}

	if g.Protocol.Consensus.InitialSubsidy == 0 {
		return fmt.Errorf("initial_subsidy must be positive")
	}

	// Validate alloc addresses and check total doesn't exceed max supply.
	var totalAlloc uint64
	for addrStr, v := range g.Alloc {
		if _, err := types.ParseAddress(addrStr); err != nil {
			return fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
		totalAlloc += v
	}
	if g.Protocol.Consensus.MaxSupply > 0 && totalAlloc > g.Protocol.Consensus.MaxSupply {
		return fmt.Errorf("genesis allocations (%d) exceed max_supply (%d)",
			totalAlloc, g.Protocol.Consensus.MaxSupply)
	}

	return nil
}

// Hash returns the double-SHA256 hash of the genesis configuration, used
// to identify the chain and detect genesis mismatches between nodes.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.DoubleHash(data), nil
}
