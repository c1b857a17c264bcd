// Package crypto provides cryptographic primitives for the node.
package crypto

import (
	"crypto/sha256"

	"github.com/klingonchain/coreutxo/pkg/types"
	"golang.org/x/crypto/ripemd160" //lint:ignore SA1019 required for HASH160
)

// Hash computes a single SHA-256 digest of the input data.
func Hash(data []byte) types.Hash {
	return sha256.Sum256(data)
}

// DoubleHash computes double-SHA256: Hash(Hash(data)). This is the
// content-hash function used for transaction and block identifiers.
func DoubleHash(data []byte) types.Hash {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// HASH160 computes RIPEMD160(SHA256(data)), the 20-byte digest used to
// derive addresses and script hashes.
func HASH160(data []byte) [20]byte {
	sh := sha256.Sum256(data)
	r := ripemd160.New()
	r.Write(sh[:])
	var out [20]byte
	copy(out[:], r.Sum(nil))
	return out
}

// AddressFromPubKey derives an address from a compressed public key.
// Address = HASH160(compressed_pubkey) = RIPEMD160(SHA256(pubkey)).
func AddressFromPubKey(pubKey []byte) types.Address {
	var addr types.Address
	h := HASH160(pubKey)
	copy(addr[:], h[:])
	return addr
}

// HashConcat double-hashes the concatenation of two hashes.
// Used for building merkle trees.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return DoubleHash(buf[:])
}
