// Command testnet boots a 2-node local testnet from scratch.
//
// Usage: go run ./cmd/testnet/
//
// It creates a genesis config, boots two in-process nodes (one miner, one
// follower) wired together with netmsg.Loopback, mines 10 blocks, and
// verifies both chains converge on the same tip. Ctrl+C for early shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/chain"
	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	klog "github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/mempool"
	"github.com/Klingon-tech/klingnet-chain/internal/miner"
	"github.com/Klingon-tech/klingnet-chain/internal/netmsg"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

const numBlocks = 10

// nodeBundle groups all components for one logical node.
type nodeBundle struct {
	name  string
	chain *chain.Chain
	pool  *mempool.Pool
	disp  *netmsg.Dispatcher
	miner *miner.Miner // nil for the follower.
}

func main() {
	klog.Init("info", false, "")
	logger := klog.WithComponent("testnet")

	logger.Info().Msg("=== Klingnet 2-Node Local Testnet ===")

	// ── Phase 1: Genesis + a coinbase key for the mining node ────────────

	minerKey, err := crypto.GenerateKey()
	if err != nil {
		logger.Fatal().Err(err).Msg("generate miner key")
	}
	coinbase := crypto.PubKeyHash(minerKey.PublicKey())

	gen := config.TestnetGenesis()
	gen.ChainID = "klingnet-testnet-local"
	gen.ChainName = "Local Testnet"
	gen.Timestamp = time.Now().Unix()
	gen.Alloc = map[string]uint64{coinbase.String(): gen.Protocol.Consensus.MaxSupply / 1000}

	logger.Info().Str("chain_id", gen.ChainID).Str("coinbase", coinbase.String()[:16]+"...").Msg("Genesis config created")

	// ── Phase 2: Build two nodes and wire them via Loopback ──────────────

	node1, err := buildNode("node-1", gen, coinbase, minerKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("build node-1")
	}
	node2, err := buildNode("node-2", gen, types.Hash{}, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("build node-2")
	}
	netmsg.ConnectLoopback(node1.disp, node2.disp)

	logger.Info().
		Uint64("node1_height", node1.chain.Height()).
		Uint64("node2_height", node2.chain.Height()).
		Msg("Genesis initialized on both nodes, connected over loopback")

	// ── Phase 3: Signal handling ──────────────────────────────────────────

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("Shutdown signal received")
		cancel()
	}()

	// ── Phase 4: Block production ─────────────────────────────────────────

	logger.Info().Int("blocks", numBlocks).Msg("Starting block production")

	for i := 0; i < numBlocks; i++ {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Production interrupted")
			goto verify
		default:
		}

		blk, err := node1.miner.ProduceBlockCtx(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("produce block")
		}

		if err := node1.chain.ProcessBlock(blk); err != nil {
			logger.Fatal().Err(err).Msg("process block on node-1")
		}
		node1.pool.RemoveConfirmed(blk.Transactions)

		msg, err := netmsg.EncodeBlock(blk)
		if err != nil {
			logger.Fatal().Err(err).Msg("encode block")
		}
		// Deliver directly to node2's Dispatcher, mirroring what a peer
		// connection would do with a Block message it received.
		if err := node2.disp.DeliverMessage(msg); err != nil {
			logger.Error().Err(err).Msg("deliver block to node-2")
		}

		logger.Info().
			Uint64("height", blk.Header.Height).
			Str("hash", blk.Hash().String()[:16]+"...").
			Int("txs", len(blk.Transactions)).
			Uint64("reward", blk.Transactions[0].Outputs[0].Value).
			Msg("Block produced")
	}

verify:
	// ── Phase 5: Verification ─────────────────────────────────────────────

	h1 := node1.chain.Height()
	h2 := node2.chain.Height()
	t1 := node1.chain.TipHash()
	t2 := node2.chain.TipHash()

	logger.Info().
		Uint64("node1_height", h1).
		Uint64("node2_height", h2).
		Str("node1_tip", t1.String()[:16]+"...").
		Str("node2_tip", t2.String()[:16]+"...").
		Msg("Final chain state")

	if h1 == h2 && t1 == t2 {
		logger.Info().Msg("SUCCESS: Both nodes converged — chains match!")
		fmt.Println()
		fmt.Printf("  Blocks produced:  %d\n", h1-1) // Height() counts genesis too
		fmt.Printf("  Chain tip:        %s\n", t1)
		fmt.Printf("  Block reward:     %.3f coins\n", float64(gen.Protocol.Consensus.BlockReward)/float64(config.Coin))
		fmt.Printf("  Min fee rate:     %d base units/byte\n", gen.Protocol.Consensus.MinFeeRate)
		fmt.Printf("  Max supply:       %d coins\n", gen.Protocol.Consensus.MaxSupply/config.Coin)
		fmt.Printf("  Decimals:         %d\n", config.Decimals)
		fmt.Println()
	} else {
		logger.Error().Msg("FAILURE: Chain mismatch between nodes!")
		os.Exit(1)
	}
}

// buildNode creates a fully wired node with chain, mempool, dispatcher, and
// an optional miner. minerKey is nil for a non-mining follower.
func buildNode(name string, gen *config.Genesis, coinbase types.Hash, minerKey *crypto.PrivateKey) (*nodeBundle, error) {
	db := storage.NewMemory()
	utxoStore := utxo.NewStore(db)

	engine := consensus.NewPoW(1)

	ch, err := chain.New(types.ChainID{}, db, utxoStore, engine)
	if err != nil {
		return nil, fmt.Errorf("create chain: %w", err)
	}
	ch.SetConsensusRules(gen.Protocol.Consensus)
	if err := ch.InitFromGenesis(gen); err != nil {
		return nil, fmt.Errorf("init genesis: %w", err)
	}

	adapter := miner.NewUTXOAdapter(utxoStore)
	pool := mempool.New(adapter, 0)
	pool.SetMinFeeRate(gen.Protocol.Consensus.MinFeeRate)
	pool.SetHeightFunc(ch.Height)

	disp := netmsg.NewDispatcher(ch, pool, nil)

	var m *miner.Miner
	if minerKey != nil {
		m = miner.New(ch, engine, pool, coinbase, gen.Protocol.Consensus)
	}

	return &nodeBundle{
		name:  name,
		chain: ch,
		pool:  pool,
		disp:  disp,
		miner: m,
	}, nil
}
