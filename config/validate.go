package config

import (
	"fmt"

	"github.com/klingonchain/coreutxo/pkg/types"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.Mining.Threads < 0 {
		return fmt.Errorf("mining.threads must be non-negative")
	}
	if cfg.Mining.Enabled && cfg.Mining.Coinbase != "" {
		if _, err := types.ParseAddress(cfg.Mining.Coinbase); err != nil {
			return fmt.Errorf("mining.coinbase: %w", err)
		}
	}
	if cfg.RPC.Enabled && cfg.RPC.Addr == "" {
		return fmt.Errorf("rpc.addr is required when rpc is enabled")
	}

	return nil
}
