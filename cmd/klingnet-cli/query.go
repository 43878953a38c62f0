package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/chain"
	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	"github.com/Klingon-tech/klingnet-chain/internal/node"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// openChain opens the node's data directory read-write via badger (badger
// has no read-only mode that coexists with a writer) and reconstructs the
// Chain on top of it. The node process must not be running: badger holds
// an exclusive directory lock, so this fails loudly rather than corrupting
// state if klingnetd already has the directory open.
func openChain(dataDir string, network config.NetworkType) (*chain.Chain, storage.DB, error) {
	cfg := config.Default(network)
	cfg.DataDir = dataDir

	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		return nil, nil, err
	}

	utxoStore := utxo.NewStore(db)
	engine := consensus.NewPoW(1)
	ch, err := chain.New(types.ChainID{}, db, utxoStore, engine)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	genesis := config.GenesisFor(network)
	ch.SetConsensusRules(genesis.Protocol.Consensus)

	if ch.State().IsGenesis() {
		if err := ch.InitFromGenesis(genesis); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("init from genesis: %w", err)
		}
	}

	return ch, db, nil
}

func cmdGenKey(args []string) {
	fs := newFlagSet("genkey")
	out := fs.String("out", "", "Write the private key to an encrypted keyfile instead of printing it")
	fs.Parse(args)

	key, err := crypto.GenerateKey()
	if err != nil {
		fatal("generate key: %v", err)
	}
	pub := key.PublicKey()
	pkHash := crypto.PubKeyHash(pub)
	addr := crypto.AddressFromPubKey(pub)

	if *out != "" {
		passphrase, err := readPassword("Keyfile passphrase: ")
		if err != nil {
			fatal("read passphrase: %v", err)
		}
		confirm, err := readPassword("Confirm passphrase: ")
		if err != nil {
			fatal("read passphrase: %v", err)
		}
		if string(passphrase) != string(confirm) {
			fatal("passphrases do not match")
		}
		encrypted, err := encryptKeyfile(key.Serialize(), passphrase)
		zeroBytes(passphrase)
		zeroBytes(confirm)
		if err != nil {
			fatal("encrypt keyfile: %v", err)
		}
		if err := os.WriteFile(*out, encrypted, 0600); err != nil {
			fatal("write keyfile: %v", err)
		}
		fmt.Printf("Private key written to %s (encrypted, passphrase required to use it)\n", *out)
	} else {
		fmt.Printf("Private key: %x\n", key.Serialize())
	}

	fmt.Printf("Public key:  %x\n", pub)
	fmt.Printf("PubKey hash: %s  (use this with --coinbase, genesis alloc, maketx --output)\n", pkHash)
	fmt.Printf("Address:     %s  (display only, not a valid lock target)\n", addr)
}

func cmdAddress(args []string) {
	fs := newFlagSet("address")
	pubkeyHex := fs.String("pubkey", "", "Public key (hex)")
	fs.Parse(args)

	if *pubkeyHex == "" {
		fatal("Usage: klingnet-cli address --pubkey <hex>")
	}
	pub, err := hexDecode(*pubkeyHex)
	if err != nil {
		fatal("invalid pubkey: %v", err)
	}
	fmt.Println(crypto.AddressFromPubKey(pub))
}

func cmdStatus(dataDir string, network config.NetworkType) {
	ch, db, err := openChain(dataDir, network)
	if err != nil {
		fatal("open chain: %v", err)
	}
	defer db.Close()

	tipHeight := ch.State().Height
	header, err := ch.HeaderAt(tipHeight)
	if err != nil {
		fatal("load tip header: %v", err)
	}

	fmt.Printf("Network:    %s\n", network)
	fmt.Printf("Height:     %d\n", tipHeight)
	fmt.Printf("Tip:        %s\n", ch.TipHash())
	fmt.Printf("Supply:     %s\n", formatAmount(ch.Supply()))
	fmt.Printf("Difficulty: %s\n", node.FormatDifficulty(targetDifficulty(header.Target)))
}

func cmdBlock(args []string, dataDir string, network config.NetworkType) {
	fs := newFlagSet("block")
	height := fs.Uint64("height", 0, "Block height")
	fs.Parse(args)

	ch, db, err := openChain(dataDir, network)
	if err != nil {
		fatal("open chain: %v", err)
	}
	defer db.Close()

	blk, err := ch.GetBlockByHeight(*height)
	if err != nil {
		fatal("get block: %v", err)
	}
	printJSON(blk)
}

func cmdTx(args []string, dataDir string, network config.NetworkType) {
	fs := newFlagSet("tx")
	hashHex := fs.String("hash", "", "Transaction id (hex)")
	fs.Parse(args)

	if *hashHex == "" {
		fatal("Usage: klingnet-cli tx --hash <hex>")
	}
	h, err := config.ParsePubKeyHash(*hashHex)
	if err != nil {
		fatal("invalid hash: %v", err)
	}

	ch, db, err := openChain(dataDir, network)
	if err != nil {
		fatal("open chain: %v", err)
	}
	defer db.Close()

	transaction, err := ch.GetTransaction(h)
	if err != nil {
		fatal("get transaction: %v", err)
	}
	printJSON(transaction)
}

func cmdBalance(args []string, dataDir string, network config.NetworkType) {
	fs := newFlagSet("balance")
	pkHashHex := fs.String("pubkeyhash", "", "Pubkey hash (hex)")
	fs.Parse(args)

	if *pkHashHex == "" {
		fatal("Usage: klingnet-cli balance --pubkeyhash <hex>")
	}
	pkHash, err := config.ParsePubKeyHash(*pkHashHex)
	if err != nil {
		fatal("invalid pubkey hash: %v", err)
	}

	_, db, err := openChain(dataDir, network)
	if err != nil {
		fatal("open chain: %v", err)
	}
	defer db.Close()

	store := utxo.NewStore(db)
	entries, err := store.GetByPubKeyHash(pkHash)
	if err != nil {
		fatal("list utxos: %v", err)
	}

	var total uint64
	for _, u := range entries {
		total += u.Value
	}
	fmt.Printf("Balance: %s  (%d UTXOs)\n", formatAmount(total), len(entries))
}

// targetDifficulty expresses a PoW target as a Bitcoin-style difficulty
// ratio against the easiest possible target, scaled to fit a uint64.
func targetDifficulty(target types.Hash) uint64 {
	maxT := new(big.Int).SetBytes(config.MaxTarget[:])
	t := new(big.Int).SetBytes(target[:])
	if t.Sign() == 0 {
		return 0
	}
	ratio := new(big.Int).Div(maxT, t)
	if ratio.IsUint64() {
		return ratio.Uint64()
	}
	return ^uint64(0)
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal("marshal: %v", err)
	}
	fmt.Println(string(data))
	_ = os.Stdout.Sync()
}

