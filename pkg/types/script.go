package types

import (
	"encoding/hex"
	"encoding/json"
)

// ScriptType identifies the type of locking script. Outputs are bare
// public-key-hash locks; no scripting language is supported.
type ScriptType uint8

const (
	ScriptTypeP2PKH ScriptType = 0x01 // Pay to public key hash
)

// String returns a human-readable name for the script type.
func (st ScriptType) String() string {
	switch st {
	case ScriptTypeP2PKH:
		return "P2PKH"
	default:
		return "Unknown"
	}
}

// Script defines the locking condition for a UTXO. The only supported form
// is P2PKH: Data holds the 32-byte pubkey hash the spender must prove
// ownership of.
type Script struct {
	Type ScriptType `json:"type"`
	Data []byte     `json:"data"`
}

// scriptJSON is the JSON representation of a Script with hex-encoded data.
type scriptJSON struct {
	Type ScriptType `json:"type"`
	Data string     `json:"data"`
}

// MarshalJSON encodes the script with hex-encoded data.
func (s Script) MarshalJSON() ([]byte, error) {
	return json.Marshal(scriptJSON{
		Type: s.Type,
		Data: hex.EncodeToString(s.Data),
	})
}

// UnmarshalJSON decodes a script with hex-encoded data.
func (s *Script) UnmarshalJSON(data []byte) error {
	var j scriptJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	s.Type = j.Type
	if j.Data != "" {
		b, err := hex.DecodeString(j.Data)
		if err != nil {
			return err
		}
		s.Data = b
	}
	return nil
}

// PubKeyHash returns the pubkey hash a P2PKH script locks to.
func (s Script) PubKeyHash() Hash {
	var h Hash
	copy(h[:], s.Data)
	return h
}

// P2PKHScript builds a pay-to-pubkey-hash locking script.
func P2PKHScript(pubKeyHash Hash) Script {
	return Script{Type: ScriptTypeP2PKH, Data: pubKeyHash.Bytes()}
}
