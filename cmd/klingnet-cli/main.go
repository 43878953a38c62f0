// klingnet-cli is a command-line client for inspecting chain state and
// building/submitting transactions against a klingnetd node. There is no
// RPC server in this stack: read commands open the node's data directory
// directly (the node must be stopped, same as inspecting any embedded
// database), and submit connects to a running node's peer listener.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	dataDir := config.DefaultDataDir()
	network := "mainnet"

	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--datadir" && len(args) > 1:
			dataDir = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--datadir="):
			dataDir = args[0][len("--datadir="):]
			args = args[1:]
		case args[0] == "--network" && len(args) > 1:
			network = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--network="):
			network = args[0][len("--network="):]
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if network == "testnet" {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}

	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	nt := config.Mainnet
	if network == "testnet" {
		nt = config.Testnet
	}

	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "genkey":
		cmdGenKey(cmdArgs)
	case "address":
		cmdAddress(cmdArgs)
	case "status":
		cmdStatus(dataDir, nt)
	case "block":
		cmdBlock(cmdArgs, dataDir, nt)
	case "tx":
		cmdTx(cmdArgs, dataDir, nt)
	case "balance":
		cmdBalance(cmdArgs, dataDir, nt)
	case "maketx":
		cmdMakeTx(cmdArgs)
	case "submit":
		cmdSubmit(cmdArgs)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: klingnet-cli [global flags] <command> [flags]

Global flags:
  --datadir <path>    Data directory (default: %s)
  --network <net>     mainnet (default) or testnet

Commands:
  genkey [--out <keyfile>]         Generate a new keypair; --out encrypts the
                                    private key to disk instead of printing it
  address --pubkey <hex>           Derive a display address from a pubkey
  status                           Print chain height, tip, supply, difficulty
  block --height <n>               Print a block by height
  tx --hash <hex>                  Print a confirmed transaction by id
  balance --pubkeyhash <hex>       Sum confirmed UTXOs locked to a pubkey hash
  maketx (--privkey <hex> | --keyfile <path>) --input <txid:index> --output <pubkeyhash:amount> [--output ...] [--locktime <n>]
                                   Build and sign a transaction, print its JSON
  submit --peer <ws://host:port> --tx <file.json>
                                   Send a signed transaction to a running node

Run 'klingnet-cli help' for this message.
`, config.DefaultDataDir())
}

// ── amount formatting ───────────────────────────────────────────────────

// formatAmount converts raw units to a human-readable decimal string.
func formatAmount(units uint64) string {
	whole := units / config.Coin
	frac := units % config.Coin
	return fmt.Sprintf("%d.%012d", whole, frac)
}

// parseAmount converts a decimal string to raw units.
func parseAmount(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative amount")
	}

	parts := strings.SplitN(s, ".", 2)

	whole, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid whole part: %w", err)
	}

	var frac uint64
	if len(parts) == 2 {
		fracStr := parts[1]
		if len(fracStr) > config.Decimals {
			return 0, fmt.Errorf("too many decimal places (max %d)", config.Decimals)
		}
		fracStr = fracStr + strings.Repeat("0", config.Decimals-len(fracStr))
		frac, err = strconv.ParseUint(fracStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid fractional part: %w", err)
		}
	}

	if whole > math.MaxUint64/config.Coin {
		return 0, fmt.Errorf("amount too large")
	}
	result := whole * config.Coin
	if result > math.MaxUint64-frac {
		return 0, fmt.Errorf("amount too large")
	}

	return result + frac, nil
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ExitOnError)
}
