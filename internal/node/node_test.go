package node

import (
	"context"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
)

func TestResolveCoinbase(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pkHash := crypto.PubKeyHash(key.PublicKey())

	got, err := resolveCoinbase(pkHash.String())
	if err != nil {
		t.Fatalf("resolveCoinbase: %v", err)
	}
	if got != pkHash {
		t.Errorf("resolveCoinbase = %x, want %x", got, pkHash)
	}
}

func TestResolveCoinbase_Empty(t *testing.T) {
	if _, err := resolveCoinbase(""); err == nil {
		t.Fatal("expected error for empty coinbase")
	}
}

func TestResolveCoinbase_Invalid(t *testing.T) {
	if _, err := resolveCoinbase("not-hex"); err == nil {
		t.Fatal("expected error for invalid coinbase")
	}
}

func TestFormatDifficulty(t *testing.T) {
	cases := []struct {
		in   uint64
		want string
	}{
		{500, "500"},
		{1_500, "1.50K"},
		{2_500_000, "2.50M"},
		{3_500_000_000, "3.50G"},
		{4_500_000_000_000, "4.50T"},
	}
	for _, tc := range cases {
		if got := FormatDifficulty(tc.in); got != tc.want {
			t.Errorf("FormatDifficulty(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNodeLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	tmpDir := t.TempDir()

	cfg := config.Default(config.Testnet)
	cfg.DataDir = tmpDir
	cfg.P2P.Port = 0
	cfg.P2P.Seeds = nil
	cfg.RPC.Port = 0
	cfg.Mining.Enabled = false

	if err := config.EnsureDataDirs(cfg); err != nil {
		t.Fatalf("EnsureDataDirs: %v", err)
	}

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if n.Chain().Height() != 1 {
		t.Errorf("expected height 1 (genesis only), got %d", n.Chain().Height())
	}

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := n.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNodeLifecycle_Mining(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pkHash := crypto.PubKeyHash(key.PublicKey())

	tmpDir := t.TempDir()
	cfg := config.Default(config.Testnet)
	cfg.DataDir = tmpDir
	cfg.P2P.Port = 0
	cfg.P2P.Seeds = nil
	cfg.RPC.Port = 0
	cfg.Mining.Enabled = true
	cfg.Mining.Coinbase = pkHash.String()
	cfg.Mining.Threads = 0

	if err := config.EnsureDataDirs(cfg); err != nil {
		t.Fatalf("EnsureDataDirs: %v", err)
	}

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	mined := make(chan *block.Block, 1)
	n.SetBlockMinedHandler(func(blk *block.Block) {
		select {
		case mined <- blk:
		default:
		}
	})

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case blk := <-mined:
		if blk.Header.Height != 1 {
			t.Errorf("first mined block height = %d, want 1", blk.Header.Height)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a mined block")
	}

	if err := n.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := config.LoadFromFile(tmpDir, config.Testnet)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Network != config.Testnet {
		t.Errorf("expected testnet, got %s", cfg.Network)
	}
	if cfg.DataDir != tmpDir {
		t.Errorf("expected datadir %s, got %s", tmpDir, cfg.DataDir)
	}
}
