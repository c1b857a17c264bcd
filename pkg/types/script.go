package types

import (
	"encoding/hex"
	"encoding/json"
)

// ScriptType identifies the type of locking/unlocking script. The core
// recognizes a closed set of output templates; there is no general
// script-language interpreter.
type ScriptType uint8

const (
	ScriptTypeP2PKH    ScriptType = 0x01 // Pay to public key hash: DUP HASH160 <h160> EQUALVERIFY CHECKSIG
	ScriptTypeP2SH     ScriptType = 0x02 // Pay to script hash: HASH160 <h160> EQUAL
	ScriptTypeOpReturn ScriptType = 0x03 // Unspendable data-carrier, payload <= MaxOpReturnSize bytes
)

// MaxOpReturnSize is the maximum payload size for an OP_RETURN output.
const MaxOpReturnSize = 80

// String returns a human-readable name for the script type.
func (st ScriptType) String() string {
	switch st {
	case ScriptTypeP2PKH:
		return "P2PKH"
	case ScriptTypeP2SH:
		return "P2SH"
	case ScriptTypeOpReturn:
		return "OP_RETURN"
	default:
		return "Unknown"
	}
}

// Script defines the locking condition for a UTXO.
type Script struct {
	Type ScriptType `json:"type"`
	Data []byte     `json:"data"`
}

// IsUnspendable returns true if outputs carrying this script can never be
// spent (OP_RETURN data-carrier outputs).
func (s Script) IsUnspendable() bool {
	return s.Type == ScriptTypeOpReturn
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
