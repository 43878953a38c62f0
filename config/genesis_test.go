package config

import "testing"

func TestMainnetGenesis_Valid(t *testing.T) {
	g := MainnetGenesis()
	if err := g.Validate(); err != nil {
		t.Errorf("mainnet genesis should be valid: %v", err)
	}
}

func TestTestnetGenesis_Valid(t *testing.T) {
	g := TestnetGenesis()
	if err := g.Validate(); err != nil {
		t.Errorf("testnet genesis should be valid: %v", err)
	}
}

func TestGenesisFor(t *testing.T) {
	if GenesisFor(Mainnet).ChainID != MainnetGenesis().ChainID {
		t.Error("GenesisFor(Mainnet) mismatch")
	}
	if GenesisFor(Testnet).ChainID != TestnetGenesis().ChainID {
		t.Error("GenesisFor(Testnet) mismatch")
	}
}

func TestGenesis_Validate_NoChainID(t *testing.T) {
	g := MainnetGenesis()
	g.ChainID = ""
	if err := g.Validate(); err == nil {
		t.Error("expected error for empty chain_id")
	}
}

func TestGenesis_Validate_NoBlockReward(t *testing.T) {
	g := MainnetGenesis()
	g.Protocol.Consensus.BlockReward = 0
	if err := g.Validate(); err == nil {
		t.Error("expected error for zero block_reward")
	}
}

func TestGenesis_Validate_AllocExceedsMaxSupply(t *testing.T) {
	g := MainnetGenesis()
	g.Protocol.Consensus.MaxSupply = 1
	if err := g.Validate(); err == nil {
		t.Error("expected error for alloc exceeding max_supply")
	}
}

func TestGenesis_Validate_BadAllocPubKeyHash(t *testing.T) {
	g := MainnetGenesis()
	g.Alloc = map[string]uint64{"not-a-valid-hash": 1}
	if err := g.Validate(); err == nil {
		t.Error("expected error for invalid alloc pubkey hash")
	}
}

func TestGenesis_Hash_Deterministic(t *testing.T) {
	g := MainnetGenesis()
	h1, err := g.Hash()
	if err != nil {
		t.Fatalf("Hash() error: %v", err)
	}
	h2, err := g.Hash()
	if err != nil {
		t.Fatalf("Hash() error: %v", err)
	}
	if h1 != h2 {
		t.Error("Hash() should be deterministic")
	}
	if h1.IsZero() {
		t.Error("Hash() should not be zero")
	}
}

func TestGenesis_Hash_DiffersMainnetTestnet(t *testing.T) {
	h1, _ := MainnetGenesis().Hash()
	h2, _ := TestnetGenesis().Hash()
	if h1 == h2 {
		t.Error("mainnet and testnet genesis hashes should differ")
	}
}

func TestConsensusRules_BlockRewardAt_NoHalving(t *testing.T) {
	c := ConsensusRules{BlockReward: 50 * Coin}
	if r := c.BlockRewardAt(1_000_000); r != 50*Coin {
		t.Errorf("reward = %d, want %d", r, 50*Coin)
	}
}

func TestConsensusRules_BlockRewardAt_Halving(t *testing.T) {
	c := ConsensusRules{BlockReward: 50 * Coin, HalvingInterval: 210_000}

	if r := c.BlockRewardAt(0); r != 50*Coin {
		t.Errorf("reward at 0 = %d, want %d", r, 50*Coin)
	}
	if r := c.BlockRewardAt(209_999); r != 50*Coin {
		t.Errorf("reward at 209999 = %d, want %d", r, 50*Coin)
	}
	if r := c.BlockRewardAt(210_000); r != 25*Coin {
		t.Errorf("reward at 210000 = %d, want %d", r, 25*Coin)
	}
	if r := c.BlockRewardAt(420_000); r != 12*Coin+500_000_000_000 {
		t.Errorf("reward at 420000 = %d, want %d", r, 12*Coin+500_000_000_000)
	}
}

func TestConsensusRules_BlockRewardAt_FullyHalved(t *testing.T) {
	c := ConsensusRules{BlockReward: 50 * Coin, HalvingInterval: 210_000}
	if r := c.BlockRewardAt(210_000 * 64); r != 0 {
		t.Errorf("reward after 64 halvings = %d, want 0", r)
	}
}
