package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/netmsg"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
	"github.com/gorilla/websocket"
)

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// repeatedFlag collects every occurrence of a flag that may be passed more
// than once (e.g. multiple --output). flag.FlagSet has no built-in support
// for this, so it's implemented as a flag.Value.
type repeatedFlag struct {
	values []string
}

func (r *repeatedFlag) String() string     { return strings.Join(r.values, ",") }
func (r *repeatedFlag) Set(s string) error { r.values = append(r.values, s); return nil }

// parseOutpoint parses "txid:index".
func parseOutpoint(s string) (types.Outpoint, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return types.Outpoint{}, fmt.Errorf("expected txid:index, got %q", s)
	}
	h, err := config.ParsePubKeyHash(parts[0])
	if err != nil {
		return types.Outpoint{}, fmt.Errorf("invalid txid: %w", err)
	}
	idx, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return types.Outpoint{}, fmt.Errorf("invalid index: %w", err)
	}
	return types.Outpoint{TxID: h, Index: uint32(idx)}, nil
}

// parseOutputSpec parses "pubkeyhash:amount".
func parseOutputSpec(s string) (tx.Output, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return tx.Output{}, fmt.Errorf("expected pubkeyhash:amount, got %q", s)
	}
	pkHash, err := config.ParsePubKeyHash(parts[0])
	if err != nil {
		return tx.Output{}, fmt.Errorf("invalid pubkey hash: %w", err)
	}
	amount, err := parseAmount(parts[1])
	if err != nil {
		return tx.Output{}, fmt.Errorf("invalid amount: %w", err)
	}
	return tx.Output{Value: amount, Script: types.P2PKHScript(pkHash)}, nil
}

func cmdMakeTx(args []string) {
	fs := newFlagSet("maketx")
	privKeyHex := fs.String("privkey", "", "Private key (hex)")
	keyfilePath := fs.String("keyfile", "", "Path to an encrypted keyfile written by genkey --out")
	lockTime := fs.Uint64("locktime", 0, "Lock time")
	var inputs, outputs repeatedFlag
	fs.Var(&inputs, "input", "Input outpoint as txid:index (repeatable)")
	fs.Var(&outputs, "output", "Output as pubkeyhash:amount (repeatable)")
	fs.Parse(args)

	if (*privKeyHex == "") == (*keyfilePath == "") || len(inputs.values) == 0 || len(outputs.values) == 0 {
		fatal("Usage: klingnet-cli maketx (--privkey <hex> | --keyfile <path>) --input <txid:index> [--input ...] --output <pubkeyhash:amount> [--output ...] [--locktime <n>]")
	}

	var key *crypto.PrivateKey
	var err error
	if *keyfilePath != "" {
		key, err = loadKeyFromFile(*keyfilePath)
		if err != nil {
			fatal("load keyfile: %v", err)
		}
	} else {
		keyBytes, err2 := hexDecode(*privKeyHex)
		if err2 != nil {
			fatal("invalid private key: %v", err2)
		}
		key, err = crypto.PrivateKeyFromBytes(keyBytes)
		if err != nil {
			fatal("load private key: %v", err)
		}
	}
	defer key.Zero()

	builder := tx.NewBuilder()
	for _, in := range inputs.values {
		op, err := parseOutpoint(in)
		if err != nil {
			fatal("input: %v", err)
		}
		builder.AddInput(op)
	}
	for _, out := range outputs.values {
		o, err := parseOutputSpec(out)
		if err != nil {
			fatal("output: %v", err)
		}
		builder.AddOutput(o.Value, o.Script)
	}
	builder.SetLockTime(*lockTime)

	if err := builder.Sign(key); err != nil {
		fatal("sign: %v", err)
	}

	printJSON(builder.Build())
}

func cmdSubmit(args []string) {
	fs := newFlagSet("submit")
	peerAddr := fs.String("peer", "", "Node peer address (ws://host:port)")
	txFile := fs.String("tx", "", "Path to a signed transaction JSON file")
	fs.Parse(args)

	if *peerAddr == "" || *txFile == "" {
		fatal("Usage: klingnet-cli submit --peer <ws://host:port> --tx <file.json>")
	}

	data, err := os.ReadFile(*txFile)
	if err != nil {
		fatal("read tx file: %v", err)
	}
	var transaction tx.Transaction
	if err := json.Unmarshal(data, &transaction); err != nil {
		fatal("parse tx JSON: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*peerAddr, nil)
	if err != nil {
		fatal("dial %s: %v", *peerAddr, err)
	}
	defer conn.Close()

	msg, err := netmsg.EncodeTransaction(&transaction)
	if err != nil {
		fatal("encode transaction: %v", err)
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		fatal("marshal frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		fatal("send transaction: %v", err)
	}

	// Give the peer a moment to process before the connection drops; there's
	// no ack in the protocol, submission is fire-and-forget.
	time.Sleep(500 * time.Millisecond)
	fmt.Printf("Submitted tx %s to %s\n", transaction.Hash(), *peerAddr)
}
