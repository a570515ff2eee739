package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"

	ethCrypto "github.com/ethereum/go-ethereum/crypto"
)

/*
	This file implements validator keys on SECP256K1 using the go-ethereum curve implementation.
	Signing is 'prehashed': a 32 byte message is treated as the digest and signed as is, so the signature
	an EVM verifier recovers with 'ecrecover(digest, v, r, s)' is exactly the one gossiped between validators.
	Signatures are 65 bytes [R || S || V] with V in {27, 28}.
*/

const (
	ETHSECP256K1PrivKeySize          = 32
	ETHSECP256K1CompressedPubKeySize = 33 // the wire format of a validator id
	ETHSECP256K1PubKeySize           = 64 // uncompressed without the SEC1 prefix
	ETHSECP256K1SignatureSize        = 65
)

// ensure the keys conform to the key interfaces
var _ PublicKeyI = &ETHSECP256K1PublicKey{}
var _ PrivateKeyI = &ETHSECP256K1PrivateKey{}

// ETHSECP256K1PrivateKey is the ethereum style secp256k1 private key
type ETHSECP256K1PrivateKey struct {
	*ecdsa.PrivateKey
}

// NewETHSECP256K1PrivateKey() generates a new random private key
func NewETHSECP256K1PrivateKey() (*ETHSECP256K1PrivateKey, error) {
	pk, err := ethCrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &ETHSECP256K1PrivateKey{PrivateKey: pk}, nil
}

// BytesToEthSECP256K1Private() converts bytes to a private key
func BytesToEthSECP256K1Private(b []byte) (*ETHSECP256K1PrivateKey, error) {
	pk, err := ethCrypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &ETHSECP256K1PrivateKey{PrivateKey: pk}, nil
}

// Bytes() returns the 32 byte scalar
func (s *ETHSECP256K1PrivateKey) Bytes() []byte { return ethCrypto.FromECDSA(s.PrivateKey) }

// Sign() signs the digest of msg; a 32 byte msg is signed as is
func (s *ETHSECP256K1PrivateKey) Sign(msg []byte) ([]byte, error) {
	signature, err := ethCrypto.Sign(toDigest(msg), s.PrivateKey)
	if err != nil {
		return nil, err
	}
	// normalize V to the EVM {27,28} format
	v := signature[64]
	if v >= 27 {
		v -= 27
	}
	signature[64] = (v & 1) + 27
	return signature, nil
}

// PublicKey() returns the public pair to this private key
func (s *ETHSECP256K1PrivateKey) PublicKey() PublicKeyI {
	return &ETHSECP256K1PublicKey{PublicKey: &s.PrivateKey.PublicKey}
}

// String() returns the hex string representation of the private key
func (s *ETHSECP256K1PrivateKey) String() string { return hex.EncodeToString(s.Bytes()) }

// Equals() compares two private keys
func (s *ETHSECP256K1PrivateKey) Equals(i PrivateKeyI) bool { return bytes.Equal(s.Bytes(), i.Bytes()) }

// MarshalJSON() is the json.Marshaller implementation for ETHSECP256K1PrivateKey
func (s *ETHSECP256K1PrivateKey) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// UnmarshalJSON() is the json.Unmarshaler implementation for ETHSECP256K1PrivateKey
func (s *ETHSECP256K1PrivateKey) UnmarshalJSON(b []byte) (err error) {
	bz, err := unmarshalHexJSON(b)
	if err != nil {
		return
	}
	pk, err := BytesToEthSECP256K1Private(bz)
	if err != nil {
		return
	}
	*s = *pk
	return
}

// ETHSECP256K1PublicKey is the public pair of an ETHSECP256K1PrivateKey
type ETHSECP256K1PublicKey struct {
	*ecdsa.PublicKey
}

// BytesToEthSECP256K1Public() accepts the compressed (33), raw (64) and SEC1 uncompressed (65) encodings
func BytesToEthSECP256K1Public(b []byte) (*ETHSECP256K1PublicKey, error) {
	switch len(b) {
	case ETHSECP256K1CompressedPubKeySize:
		pub, err := ethCrypto.DecompressPubkey(b)
		if err != nil {
			return nil, err
		}
		return &ETHSECP256K1PublicKey{PublicKey: pub}, nil
	case ETHSECP256K1PubKeySize:
		b = append([]byte{0x04}, b...) // add the SEC1 prefix
	case ETHSECP256K1PubKeySize + 1:
	default:
		return nil, fmt.Errorf("invalid secp256k1 public key length %d", len(b))
	}
	pub, err := ethCrypto.UnmarshalPubkey(b)
	if err != nil {
		return nil, err
	}
	return &ETHSECP256K1PublicKey{PublicKey: pub}, nil
}

// Bytes() returns the compressed 33 byte representation of the public key
func (s *ETHSECP256K1PublicKey) Bytes() []byte { return ethCrypto.CompressPubkey(s.PublicKey) }

// BytesUncompressed() returns the 65 byte SEC1 encoding
func (s *ETHSECP256K1PublicKey) BytesUncompressed() []byte {
	return ethCrypto.FromECDSAPub(s.PublicKey)
}

// Address() returns the 20 byte ethereum address of the public key
func (s *ETHSECP256K1PublicKey) Address() []byte {
	return ethCrypto.PubkeyToAddress(*s.PublicKey).Bytes()
}

// VerifyBytes() returns true if sig is a valid 65 byte signature by this key over the digest of msg.
// V must be 27 or 28 and recover this key, as the on-chain verifier ecrecovers with it
func (s *ETHSECP256K1PublicKey) VerifyBytes(msg []byte, sig []byte) bool {
	if len(sig) != ETHSECP256K1SignatureSize || (sig[64] != 27 && sig[64] != 28) {
		return false
	}
	digest := toDigest(msg)
	if !ethCrypto.VerifySignature(s.BytesUncompressed(), digest, sig[:64]) {
		return false
	}
	recovered, err := RecoverPublicKey(digest, sig)
	return err == nil && recovered.Equals(s)
}

// String() returns the hex string representation of the public key
func (s *ETHSECP256K1PublicKey) String() string { return hex.EncodeToString(s.Bytes()) }

// Equals() compares two public keys
func (s *ETHSECP256K1PublicKey) Equals(i PublicKeyI) bool { return bytes.Equal(s.Bytes(), i.Bytes()) }

// MarshalJSON() is the json.Marshaller implementation for ETHSECP256K1PublicKey
func (s *ETHSECP256K1PublicKey) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// UnmarshalJSON() is the json.Unmarshaler implementation for ETHSECP256K1PublicKey
func (s *ETHSECP256K1PublicKey) UnmarshalJSON(b []byte) (err error) {
	bz, err := unmarshalHexJSON(b)
	if err != nil {
		return
	}
	pk, err := BytesToEthSECP256K1Public(bz)
	if err != nil {
		return
	}
	*s = *pk
	return
}

// RecoverPublicKey() recovers the signer of a 65 byte prehashed signature
func RecoverPublicKey(digest, sig []byte) (PublicKeyI, error) {
	if len(sig) != ETHSECP256K1SignatureSize {
		return nil, fmt.Errorf("invalid signature length %d", len(sig))
	}
	// the recovery id is expected in {0,1}
	normalized := make([]byte, ETHSECP256K1SignatureSize)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := ethCrypto.SigToPub(toDigest(digest), normalized)
	if err != nil {
		return nil, err
	}
	return &ETHSECP256K1PublicKey{PublicKey: pub}, nil
}

// toDigest() passes 32 byte messages through and hashes anything else
func toDigest(msg []byte) []byte {
	if len(msg) == HashSize {
		return msg
	}
	return Hash(msg)
}

// unmarshalHexJSON() decodes a json hex string into bytes
func unmarshalHexJSON(b []byte) ([]byte, error) {
	var hexString string
	if err := json.Unmarshal(b, &hexString); err != nil {
		return nil, err
	}
	return hex.DecodeString(hexString)
}
