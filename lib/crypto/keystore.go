package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const (
	KeyStoreName = "keystore.json"
)

// Keystore represents a lightweight database of encrypted validator signing keys
type Keystore struct {
	ByAddress  map[string]*EncryptedPrivateKey `json:"byAddress"`
	ByNickname map[string]*EncryptedPrivateKey `json:"byNickname"`
}

// NewKeystoreInMemory() creates a new in memory keystore
func NewKeystoreInMemory() *Keystore {
	return &Keystore{
		ByAddress:  make(map[string]*EncryptedPrivateKey),
		ByNickname: make(map[string]*EncryptedPrivateKey),
	}
}

// NewKeystoreFromFile() creates a new keystore object from a file in the data directory
func NewKeystoreFromFile(dataDirPath string) (*Keystore, error) {
	path := filepath.Join(dataDirPath, KeyStoreName)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return NewKeystoreInMemory(), nil
	}
	ksBz, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ks := NewKeystoreInMemory()
	return ks, json.Unmarshal(ksBz, ks)
}

// ImportRaw() encrypts a private key with the password and adds it to the store under its address and optional nickname
func (ks *Keystore) ImportRaw(privateKey PrivateKeyI, password, nickname string) (address string, err error) {
	encrypted, err := EncryptPrivateKey(privateKey, []byte(password))
	if err != nil {
		return
	}
	encrypted.Nickname = nickname
	address = hex.EncodeToString(privateKey.PublicKey().Address())
	ks.ByAddress[address] = encrypted
	if nickname != "" {
		ks.ByNickname[nickname] = encrypted
	}
	return
}

// GetKey() decrypts the key stored under an address or nickname
func (ks *Keystore) GetKey(addressOrNickname, password string) (PrivateKeyI, error) {
	v, ok := ks.ByAddress[addressOrNickname]
	if !ok {
		if v, ok = ks.ByNickname[addressOrNickname]; !ok {
			return nil, fmt.Errorf("key %s not found", addressOrNickname)
		}
	}
	if password == "" {
		return nil, fmt.Errorf("invalid password")
	}
	return DecryptPrivateKey(v, []byte(password))
}

// DeleteKey() removes a key from the store by address, including its nickname entry
func (ks *Keystore) DeleteKey(address string) {
	if v, ok := ks.ByAddress[address]; ok && v.Nickname != "" {
		delete(ks.ByNickname, v.Nickname)
	}
	delete(ks.ByAddress, address)
}

// SaveToFile() persists the keystore to the data directory
func (ks *Keystore) SaveToFile(dataDirPath string) error {
	bz, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDirPath, KeyStoreName), bz, 0600)
}

// EncryptedPrivateKey represents an encrypted form of a private key, including the public key,
// salt used in key derivation, and the encrypted private key itself
type EncryptedPrivateKey struct {
	KeyType   KeyType `json:"keyType"`
	PublicKey string  `json:"publicKey"`
	Salt      string  `json:"salt"`
	Encrypted string  `json:"encrypted"`
	Nickname  string  `json:"nickname"`
}

// EncryptPrivateKey creates an encrypted private key by generating a random salt
// and deriving an encryption key with the KDF, and finally encrypting key using AES-GCM
func EncryptPrivateKey(privateKey PrivateKeyI, password []byte) (*EncryptedPrivateKey, error) {
	// generate random 16 bytes salt
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	// derive an AES-GCM encryption key and nonce using the password and salt
	gcm, nonce, err := kdf(password, salt)
	if err != nil {
		return nil, err
	}
	// encrypt the private key with AES-GCM using the derived key and nonce
	return &EncryptedPrivateKey{
		KeyType:   KeyTypeOf(privateKey),
		PublicKey: privateKey.PublicKey().String(),
		Salt:      hex.EncodeToString(salt),
		Encrypted: hex.EncodeToString(gcm.Seal(nil, nonce, privateKey.Bytes(), nil)),
	}, nil
}

// DecryptPrivateKey takes an EncryptedPrivateKey and decrypts it to a PrivateKeyI interface using the password
func DecryptPrivateKey(epk *EncryptedPrivateKey, password []byte) (pk PrivateKeyI, err error) {
	salt, err := hex.DecodeString(epk.Salt)
	if err != nil {
		return nil, err
	}
	encrypted, err := hex.DecodeString(epk.Encrypted)
	if err != nil {
		return nil, err
	}
	gcm, nonce, err := kdf(password, salt)
	if err != nil {
		return nil, err
	}
	plainText, err := gcm.Open(nil, nonce, encrypted, nil)
	if err != nil {
		return nil, err
	}
	return NewPrivateKeyFromBytes(epk.KeyType, plainText)
}

// kdf derives an AES-GCM encryption key and nonce from a password and salt using Argon2 key derivation
// This key is used to initialize AES-GCM, and a 12-byte nonce is returned for encryption
func kdf(password, salt []byte) (gcm cipher.AEAD, nonce []byte, err error) {
	// use Argon2 to derive a 32 byte key from the password and salt
	key := argon2.Key(password, salt, 3, 32*1024, 4, 32)
	// init AES block cipher with the derived key
	block, err := aes.NewCipher(key)
	if err != nil {
		return
	}
	// init AES-GCM mode with the AES cipher block
	if gcm, err = cipher.NewGCM(block); err != nil {
		return
	}
	// return the gcm and the 12 byte nonce
	return gcm, key[:12], nil
}
