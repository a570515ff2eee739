package crypto

import (
	"encoding/hex"
	"fmt"
)

// KeyType names a validator key scheme
type KeyType string

const (
	KeyTypeSECP256K1 KeyType = "secp256k1" // ethereum style, prehashed signing; the default
	KeyTypeBLS12381  KeyType = "bls12381"  // aggregable signatures
)

// NewPrivateKey() generates a new private key of the key type
func NewPrivateKey(keyType KeyType) (PrivateKeyI, error) {
	switch keyType {
	case KeyTypeSECP256K1, "":
		return NewETHSECP256K1PrivateKey()
	case KeyTypeBLS12381:
		return NewBLSPrivateKey()
	}
	return nil, fmt.Errorf("unrecognized key type %q", keyType)
}

// NewPrivateKeyFromBytes() decodes a private key of the key type
func NewPrivateKeyFromBytes(keyType KeyType, bz []byte) (PrivateKeyI, error) {
	switch keyType {
	case KeyTypeSECP256K1, "":
		return BytesToEthSECP256K1Private(bz)
	case KeyTypeBLS12381:
		return NewBLSPrivateKeyFromBytes(bz)
	}
	return nil, fmt.Errorf("unrecognized key type %q", keyType)
}

// NewPrivateKeyFromString() decodes a hex private key of the key type
func NewPrivateKeyFromString(keyType KeyType, s string) (PrivateKeyI, error) {
	bz, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return NewPrivateKeyFromBytes(keyType, bz)
}

// KeyTypeOf() returns the key type of a private key
func KeyTypeOf(pk PrivateKeyI) KeyType {
	if _, ok := pk.(*BLS12381PrivateKey); ok {
		return KeyTypeBLS12381
	}
	return KeyTypeSECP256K1
}

// NewPublicKeyFromBytes() creates a new PublicKeyI interface from a byte slice, the scheme is inferred by length
func NewPublicKeyFromBytes(bz []byte) (PublicKeyI, error) {
	switch len(bz) {
	case ETHSECP256K1CompressedPubKeySize, ETHSECP256K1PubKeySize, ETHSECP256K1PubKeySize + 1:
		return BytesToEthSECP256K1Public(bz)
	case BLS12381PubKeySize:
		return NewBLSPublicKeyFromBytes(bz)
	}
	return nil, fmt.Errorf("unrecognized public key format of %d bytes", len(bz))
}

// NewPublicKeyFromString() creates a new PublicKeyI interface from a hex string
func NewPublicKeyFromString(s string) (PublicKeyI, error) {
	bz, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return NewPublicKeyFromBytes(bz)
}

// IsBLS() returns true if the public key is a BLS12-381 key
func IsBLS(pub PublicKeyI) bool {
	_, ok := pub.(*BLS12381PublicKey)
	return ok
}
