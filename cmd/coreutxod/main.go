// Command coreutxod runs a Coreutxo full node: it validates blocks and
// transactions against consensus rules, maintains the UTXO set, and
// optionally produces new blocks via proof-of-work mining. A minimal
// JSON-RPC server exposes read and submit endpoints for external
// collaborators; peer-to-peer networking is out of scope for this build.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klingonchain/coreutxo/config"
	"github.com/klingonchain/coreutxo/internal/chain"
	"github.com/klingonchain/coreutxo/internal/consensus"
	klog "github.com/klingonchain/coreutxo/internal/log"
	"github.com/klingonchain/coreutxo/internal/mempool"
	"github.com/klingonchain/coreutxo/internal/miner"
	"github.com/klingonchain/coreutxo/internal/rpc"
	"github.com/klingonchain/coreutxo/internal/storage"
	"github.com/klingonchain/coreutxo/internal/utxo"
	"github.com/klingonchain/coreutxo/pkg/types"
	"github.com/rs/zerolog"
)

func main() {
	// ── 1. Load config (defaults → file → flags) ────────────────────────
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// ── 1a. Set address HRP based on network ─────────────────────────────
	if cfg.Network == config.Testnet {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}

	// ── 2. Init logger ────────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating logs dir: %v\n", err)
			os.Exit(1)
		}
		logFile = logsDir + "/coreutxod.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	logger := klog.WithComponent("node")

	// ── 3. Genesis (hardcoded, not loaded from file) ─────────────────────
	genesis := config.GenesisFor(cfg.Network)

	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Int("target_spacing", genesis.Protocol.Consensus.TargetSpacing).
		Msg("Starting Coreutxo node")

	// ── 4. Open storage ───────────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.ChainDataDir()).Msg("Failed to open database")
	}
	defer db.Close()

	utxoStore := utxo.NewStore(db)
	logger.Info().Str("path", cfg.ChainDataDir()).Msg("Database opened")

	// ── 5. Create consensus engine ────────────────────────────────────────
	engine, err := consensus.NewPoW(genesis.Protocol.Consensus.InitialBits,
		genesis.Protocol.Consensus.RetargetInterval, genesis.Protocol.Consensus.TargetSpacing)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create consensus engine")
	}
	engine.Threads = cfg.Mining.Threads

	// ── 6. Create chain (auto-recovers tip from DB) ───────────────────────
	ch, err := chain.New(types.ChainID{}, db, cfg.BlocksDir(), utxoStore, engine)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create chain")
	}
	defer ch.Close()
	ch.SetConsensusRules(genesis.Protocol.Consensus)

	state := ch.State()
	if state.IsGenesis() {
		if err := ch.InitFromGenesis(genesis); err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize from genesis")
		}
		logger.Info().Msg("Chain initialized from genesis")
	} else {
		logger.Info().
			Uint64("height", ch.Height()).
			Str("tip", ch.TipHash().String()[:16]+"...").
			Msg("Chain resumed from database")
	}

	if cfg.RebuildIndexes {
		logger.Info().Msg("Rebuilding UTXO set from block store")
		if err := ch.RebuildUTXOs(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to rebuild UTXO set")
		}
	}

	// ── 7. Create mempool ─────────────────────────────────────────────────
	adapter := miner.NewUTXOAdapter(utxoStore)
	pool := mempool.New(adapter, 5000)
	pool.SetMinFeeRate(genesis.Protocol.Consensus.MinFeeRate)
	pool.SetCoinbaseMaturity(config.CoinbaseMaturity, ch.Height, utxoStore)

	logger.Info().
		Uint64("min_fee_rate", genesis.Protocol.Consensus.MinFeeRate).
		Msg("Mempool ready")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── 8. Start RPC server (optional) ────────────────────────────────────
	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		rpcServer = rpc.New(cfg.RPC.Addr, ch, utxoStore, pool, genesis)
		if err := rpcServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start RPC server")
		}
		logger.Info().Str("addr", rpcServer.Addr()).Msg("RPC server listening")
	}

	// ── 9. Start block production (if --mine) ────────────────────────────
	if cfg.Mining.Enabled {
		coinbaseAddr, err := resolveCoinbase(cfg.Mining.Coinbase)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to resolve coinbase address")
		}

		m := miner.New(ch, engine, pool, coinbaseAddr,
			ch.BlockSubsidy, genesis.Protocol.Consensus.MaxSupply, ch.Supply)
		blockTime := time.Duration(genesis.Protocol.Consensus.TargetSpacing) * time.Second

		logger.Info().
			Str("coinbase", coinbaseAddr.String()).
			Dur("target_spacing", blockTime).
			Msg("Block production enabled")

		go runMiner(ctx, m, ch, pool, blockTime, logger)
	}

	// ── 10. Startup banner ─────────────────────────────────────────────────
	logger.Info().
		Uint64("height", ch.Height()).
		Str("tip", ch.TipHash().String()[:16]+"...").
		Bool("mining", cfg.Mining.Enabled).
		Msg("Node started successfully")

	// ── 11. Wait for shutdown ───────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	cancel()
	if rpcServer != nil {
		if err := rpcServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping RPC server")
		}
	}
	logger.Info().Msg("Goodbye!")
}

// runMiner repeatedly attempts to produce a block at the network's target
// spacing, applies it to the chain, and clears confirmed transactions from
// the mempool. There is no validator selection or liveness tracking here:
// under pure proof-of-work every node races independently, and the chain's
// cumulative-work fork choice resolves any resulting forks.
func runMiner(ctx context.Context, m *miner.Miner, ch *chain.Chain,
	pool *mempool.Pool, blockTime time.Duration, logger zerolog.Logger) {

	ticker := time.NewTicker(blockTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Block production stopped")
			return
		case <-ticker.C:
			blk, err := m.ProduceBlock()
			if err != nil {
				logger.Error().Err(err).Msg("Failed to produce block")
				continue
			}

			if _, err := ch.ProcessBlock(blk); err != nil {
				logger.Error().Err(err).Msg("Failed to process own block")
				if errors.Is(err, chain.ErrCoinbaseNotMature) {
					for _, t := range blk.Transactions[1:] {
						pool.Remove(t.Hash())
					}
					logger.Info().Msg("Evicted mempool transactions due to coinbase maturity")
				}
				continue
			}
			pool.RemoveConfirmed(blk.Transactions)

			logger.Info().
				Uint64("height", blk.Header.Height).
				Str("hash", blk.Hash().String()[:16]+"...").
				Int("txs", len(blk.Transactions)).
				Uint64("reward", blk.Transactions[0].Outputs[0].Value).
				Msg("Block produced")
		}
	}
}

// resolveCoinbase parses the configured coinbase address. Unlike the
// validator-key-backed addresses of a PoA chain, a PoW miner's reward
// address is always explicit configuration.
func resolveCoinbase(coinbaseStr string) (types.Address, error) {
	if coinbaseStr == "" {
		return types.Address{}, fmt.Errorf("mining.coinbase is required when mining is enabled")
	}
	addr, err := types.ParseAddress(coinbaseStr)
	if err != nil {
		return types.Address{}, fmt.Errorf("invalid coinbase address: %w", err)
	}
	return addr, nil
}
