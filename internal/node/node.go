// Package node wires storage, chain, mempool, and mining together into a
// single embeddable blockchain node. Transport (how messages reach other
// nodes) is deliberately kept out of this package — callers construct a
// netmsg.Dispatcher per connection via NewPeerDispatcher and are
// responsible for moving bytes over whatever transport they choose.
package node

import (
	"context"
	"fmt"
	"os"
	"sync"
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
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
	"github.com/rs/zerolog"
)

// Node is a fully-initialized blockchain node: storage, UTXO set,
// consensus engine, chain, mempool, and (if mining is enabled) a block
// producer.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	db        storage.DB
	utxoStore *utxo.Store
	engine    *consensus.PoW
	ch        *chain.Chain
	pool      *mempool.Pool

	coinbase types.Hash
	mnr      *miner.Miner

	onBlockMined func(*block.Block)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a new Node: logger, genesis, storage,
// consensus engine, chain, mempool, and (if cfg.Mining.Enabled) a miner.
// It does not start the mining loop — call Start for that.
func New(cfg *config.Config) (*Node, error) {
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = logsDir + "/klingnet.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	genesis := config.GenesisFor(cfg.Network)
	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Uint64("block_reward", genesis.Protocol.Consensus.BlockReward).
		Msg("Starting Klingnet Chain Node")

	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.ChainDataDir(), err)
	}
	utxoStore := utxo.NewStore(db)
	logger.Info().Str("path", cfg.ChainDataDir()).Msg("Database opened")

	engine := consensus.NewPoW(cfg.Mining.Threads)

	ch, err := chain.New(types.ChainID{}, db, utxoStore, engine)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create chain: %w", err)
	}
	ch.SetConsensusRules(genesis.Protocol.Consensus)

	if ch.State().IsGenesis() {
		if err := ch.InitFromGenesis(genesis); err != nil {
			db.Close()
			return nil, fmt.Errorf("init from genesis: %w", err)
		}
		logger.Info().Msg("Chain initialized from genesis")
	} else {
		logger.Info().
			Uint64("height", ch.Height()).
			Str("tip", ch.TipHash().String()[:16]+"...").
			Msg("Chain resumed from database")
	}

	pool := mempool.New(miner.NewUTXOAdapter(utxoStore), 0)
	pool.SetMinFeeRate(genesis.Protocol.Consensus.MinFeeRate)
	pool.SetHeightFunc(ch.Height)
	logger.Info().Uint64("min_fee_rate", genesis.Protocol.Consensus.MinFeeRate).Msg("Mempool ready")

	// Transactions orphaned by a reorg get a chance to re-admit against the
	// new tip's UTXO set; Add silently rejects whatever no longer validates.
	ch.SetRevertedTxHandler(func(txs []*tx.Transaction) {
		for _, t := range txs {
			if _, err := pool.Add(t); err != nil {
				logger.Debug().Err(err).Str("txid", t.Hash().String()[:16]+"...").Msg("reorg-orphaned tx not re-admitted")
			}
		}
	})

	n := &Node{
		cfg:       cfg,
		genesis:   genesis,
		logger:    logger,
		db:        db,
		utxoStore: utxoStore,
		engine:    engine,
		ch:        ch,
		pool:      pool,
	}

	if cfg.Mining.Enabled {
		coinbase, err := resolveCoinbase(cfg.Mining.Coinbase)
		if err != nil {
			db.Close()
			return nil, err
		}
		n.coinbase = coinbase
		n.mnr = miner.New(ch, engine, pool, coinbase, genesis.Protocol.Consensus)
		logger.Info().Str("coinbase", coinbase.String()[:16]+"...").Msg("Mining enabled")
	}

	return n, nil
}

// Chain returns the node's chain instance.
func (n *Node) Chain() *chain.Chain { return n.ch }

// Pool returns the node's mempool.
func (n *Node) Pool() *mempool.Pool { return n.pool }

// Genesis returns the genesis configuration the node was initialized with.
func (n *Node) Genesis() *config.Genesis { return n.genesis }

// SetBlockMinedHandler registers a callback invoked after the node's own
// miner successfully produces and applies a block, so callers (a
// transport layer) can broadcast it to peers.
func (n *Node) SetBlockMinedHandler(fn func(*block.Block)) {
	n.onBlockMined = fn
}

// NewPeerDispatcher builds a netmsg.Dispatcher bound to this node's chain
// and mempool, replying through sender. Callers construct one per peer
// connection.
func (n *Node) NewPeerDispatcher(sender netmsg.MessageSender) *netmsg.Dispatcher {
	return netmsg.NewDispatcher(n.ch, n.pool, sender)
}

// Start launches the background mining loop (if mining is enabled) under
// ctx. It returns immediately; call Stop or cancel ctx to shut down.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)

	if n.mnr != nil {
		n.wg.Add(1)
		go n.mineLoop()
	}

	return nil
}

// Stop cancels background work, waits for it to exit, and closes storage.
func (n *Node) Stop() error {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	return n.db.Close()
}

// mineLoop repeatedly produces, applies, and (via onBlockMined) broadcasts
// new blocks until ctx is cancelled. Sealing itself is cancellable mid
// nonce-search through the node's context only; a new tip arriving from a
// peer does not interrupt the current attempt.
func (n *Node) mineLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		default:
		}

		blk, err := n.mnr.ProduceBlockCtx(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			n.logger.Error().Err(err).Msg("block production failed")
			time.Sleep(time.Second)
			continue
		}

		if err := n.ch.ProcessBlock(blk); err != nil {
			n.logger.Warn().Err(err).Msg("mined block rejected by own chain")
			continue
		}
		n.pool.RemoveConfirmed(blk.Transactions)

		n.logger.Info().
			Uint64("height", blk.Header.Height).
			Str("hash", blk.Hash().String()[:16]+"...").
			Int("txs", len(blk.Transactions)).
			Msg("Mined block")

		if n.onBlockMined != nil {
			n.onBlockMined(blk)
		}
	}
}
