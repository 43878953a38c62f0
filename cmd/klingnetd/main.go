// Klingnet full node daemon.
//
// Usage:
//
//	klingnetd [--mine --coinbase=...]  Run node
//	klingnetd --help                   Show help
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Klingon-tech/klingnet-chain/config"
	klog "github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/netmsg"
	"github.com/Klingon-tech/klingnet-chain/internal/node"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
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

	// ── 2. Build the node: storage, chain, mempool, miner ────────────────
	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting node: %v\n", err)
		os.Exit(1)
	}
	logger := klog.WithComponent("daemon")

	// ── 3. Peer transport: listen for inbound, dial configured seeds ─────
	peers := newPeerRegistry()

	if cfg.P2P.Enabled {
		srv := newWSServer(n, peers)
		addr := fmt.Sprintf("%s:%d", cfg.P2P.ListenAddr, cfg.P2P.Port)
		go func() {
			logger.Info().Str("addr", addr).Msg("Peer listener starting")
			if err := http.ListenAndServe(addr, srv); err != nil {
				logger.Error().Err(err).Msg("peer listener stopped")
			}
		}()

		for _, seed := range cfg.P2P.Seeds {
			if err := dialPeer(n, peers, seed); err != nil {
				logger.Warn().Err(err).Str("seed", seed).Msg("failed to dial seed peer")
			}
		}
	}

	// ── 4. Broadcast locally mined blocks to every connected peer ────────
	n.SetBlockMinedHandler(func(blk *block.Block) {
		msg, err := netmsg.EncodeBlock(blk)
		if err != nil {
			logger.Error().Err(err).Msg("failed to encode mined block for broadcast")
			return
		}
		peers.broadcast(msg)
	})

	// ── 5. Run until interrupted ──────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	if err := n.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting node: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")
	cancel()
	if err := n.Stop(); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}
