// Package tx defines transaction types and validation.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/klingonchain/coreutxo/pkg/crypto"
	"github.com/klingonchain/coreutxo/pkg/types"
)

// SequenceFinal is the default input sequence number. An input carrying any
// other value signals that its transaction may be replaced in the mempool by
// one paying a higher fee (see internal/mempool's replace-by-fee check).
const SequenceFinal = math.MaxUint32

// Transaction represents a blockchain transaction.
type Transaction struct {
	Version  uint32   `json:"version"`
	Inputs   []Input  `json:"inputs"`
	Outputs  []Output `json:"outputs"`
	LockTime uint64   `json:"locktime"`
}

// Input references a UTXO being spent. Signature/PubKey carry the
// script_sig for the closed P2PKH/P2SH template set: for P2PKH, Signature
// is the DER signature and PubKey the compressed public key; for P2SH,
// PubKey carries the serialized redeem script and Signature the data
// satisfying it. For the coinbase input, Signature carries arbitrary
// data (conventionally the block height, BIP34-style).
type Input struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature []byte         `json:"signature"`
	PubKey    []byte         `json:"pubkey"`
	Sequence  uint32         `json:"sequence"`
}

// inputJSON is the JSON representation of Input with hex-encoded byte fields.
type inputJSON struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature *string        `json:"signature"`
	PubKey    *string        `json:"pubkey"`
	Sequence  uint32         `json:"sequence"`
}

// MarshalJSON encodes the input with hex-encoded signature and pubkey.
func (in Input) MarshalJSON() ([]byte, error) {
	j := inputJSON{PrevOut: in.PrevOut, Sequence: in.Sequence}
	if in.Signature != nil {
		s := hex.EncodeToString(in.Signature)
		j.Signature = &s
	}
	if in.PubKey != nil {
		p := hex.EncodeToString(in.PubKey)
		j.PubKey = &p
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes an input with hex-encoded signature and pubkey.
func (in *Input) UnmarshalJSON(data []byte) error {
	var j inputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	in.PrevOut = j.PrevOut
	in.Sequence = j.Sequence
	if j.Signature != nil {
		b, err := hex.DecodeString(*j.Signature)
		if err != nil {
			return err
		}
		in.Signature = b
	}
	if j.PubKey != nil {
		b, err := hex.DecodeString(*j.PubKey)
		if err != nil {
			return err
		}
		in.PubKey = b
	}
	return nil
}

// Output defines a new UTXO.
type Output struct {
	Value  uint64       `json:"value"`
	Script types.Script `json:"script"`
}

// Hash computes the transaction ID: double-SHA256 of the canonical
// signing bytes. This excludes signatures (except coinbase data) to
// avoid a circular dependency between signing and hashing.
func (tx *Transaction) Hash() types.Hash {
	return crypto.DoubleHash(tx.SigningBytes())
}

// SigningBytes returns the canonical byte representation used for signing.
// Format: version(4) | input_count(4) | [prevout(36) + sequence(4)]... |
// output_count(4) | [value(8) + script_type(1) + script_data_len(4) + script_data]... | locktime(8)
func (tx *Transaction) SigningBytes() []byte {
	var buf []byte

	// Version.
	buf = binary.LittleEndian.AppendUint32(buf, tx.Version)

	// Input count + prevouts + sequence (no signatures, except coinbase data).
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevOut.TxID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
		buf = binary.LittleEndian.AppendUint32(buf, in.Sequence)
		// Include coinbase data (height) in the hash so each coinbase tx
		// has a unique ID. Regular inputs skip this (signature is excluded
		// to avoid circular dependency during signing).
		if in.PrevOut.IsZero() && len(in.Signature) > 0 {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.Signature)))
			buf = append(buf, in.Signature...)
		}
	}

	// Output count + outputs.
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, out.Value)
		buf = append(buf, byte(out.Script.Type))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(out.Script.Data)))
		buf = append(buf, out.Script.Data...)
	}

	// Locktime.
	buf = binary.LittleEndian.AppendUint64(buf, tx.LockTime)

	return buf
}

// TotalOutputValue returns the sum of all output values.
// Returns an error if the sum overflows uint64.
func (tx *Transaction) TotalOutputValue() (uint64, error) {
	var total uint64
	for _, out := range tx.Outputs {
		if total > math.MaxUint64-out.Value {
			return 0, fmt.Errorf("output value overflow")
		}
		total += out.Value
	}
	return total, nil
}

// IsCoinbase reports whether tx is a coinbase transaction: exactly one
// input whose prevout is the null outpoint.
func (tx *Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 1 && tx.Inputs[0].PrevOut.IsZero()
}
