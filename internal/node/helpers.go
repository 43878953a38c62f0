package node

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// resolveCoinbase parses the --coinbase flag into the 32-byte pubkey hash
// a miner's coinbase output locks to. This is the full consensus hash, not
// the 20-byte display Address truncation, since the latter can't be
// recovered back to the former.
func resolveCoinbase(coinbaseStr string) (types.Hash, error) {
	if coinbaseStr == "" {
		return types.Hash{}, fmt.Errorf("--mine requires --coinbase (hex-encoded pubkey hash)")
	}
	h, err := config.ParsePubKeyHash(coinbaseStr)
	if err != nil {
		return types.Hash{}, fmt.Errorf("invalid coinbase: %w", err)
	}
	return h, nil
}

// FormatDifficulty returns a human-readable difficulty string (e.g. "1.05M").
func FormatDifficulty(d uint64) string {
	switch {
	case d >= 1_000_000_000_000:
		return fmt.Sprintf("%.2fT", float64(d)/1_000_000_000_000)
	case d >= 1_000_000_000:
		return fmt.Sprintf("%.2fG", float64(d)/1_000_000_000)
	case d >= 1_000_000:
		return fmt.Sprintf("%.2fM", float64(d)/1_000_000)
	case d >= 1_000:
		return fmt.Sprintf("%.2fK", float64(d)/1_000)
	default:
		return fmt.Sprintf("%d", d)
	}
}
