package crypto

import (
	"encoding/hex"

	ethCrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	HashSize = 32
)

/*
	Digests are keccak256 so that a proof can be checked by an EVM verifier without re-hashing
*/

// Hash() executes keccak256 on the concatenation of the input byte slices
func Hash(msgs ...[]byte) []byte { return ethCrypto.Keccak256(msgs...) }

// HashString() returns the hex version of a hash
func HashString(msg []byte) string { return hex.EncodeToString(Hash(msg)) }

// ShortHash() returns the first 20 bytes of the hash
func ShortHash(msg []byte) []byte { return Hash(msg)[:20] }
