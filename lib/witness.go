package lib

import (
	"time"

	"github.com/canopy-network/ethy/lib/crypto"
)

// Witness is a validator's signature attesting to an event digest
type Witness struct {
	EventId     uint64    `json:"eventId"`
	ChainId     ChainId   `json:"chainId"`
	Digest      Digest    `json:"digest"`      // the digest the validator claims to have signed
	ValidatorId HexBytes  `json:"validatorId"` // the signer public key
	Signature   HexBytes  `json:"signature"`
	Epoch       uint64    `json:"epoch"`       // validator set id the signer claims membership of
	BlockNumber uint64    `json:"blockNumber"` // height of the signing request, bounds the live window
	ReceivedAt  time.Time `json:"receivedAt"`  // local receive time, not on the wire
}

// witnessWire is the RLP gossip schema of a Witness
type witnessWire struct {
	EventId     uint64
	Digest      [DigestSize]byte
	ValidatorId []byte
	Signature   []byte
	Epoch       uint64
	BlockNumber uint64
	ChainId     uint8
}

// NewWitness() signs the digest with the private key and returns the witness
func NewWitness(pk crypto.PrivateKeyI, req *SigningRequest, epoch uint64) (*Witness, ErrorI) {
	sig, err := pk.Sign(req.Digest.Bytes())
	if err != nil {
		return nil, ErrSign(err)
	}
	return &Witness{
		EventId:     req.EventId,
		ChainId:     req.ChainId,
		Digest:      req.Digest,
		ValidatorId: pk.PublicKey().Bytes(),
		Signature:   sig,
		Epoch:       epoch,
		BlockNumber: req.BlockNumber,
		ReceivedAt:  time.Now(),
	}, nil
}

// Encode() returns the gossip bytes of the witness
func (w *Witness) Encode() ([]byte, ErrorI) {
	return Marshal(&witnessWire{
		EventId:     w.EventId,
		Digest:      w.Digest,
		ValidatorId: w.ValidatorId,
		Signature:   w.Signature,
		Epoch:       w.Epoch,
		BlockNumber: w.BlockNumber,
		ChainId:     uint8(w.ChainId),
	})
}

// DecodeWitness() parses gossip bytes into a witness stamped with the receive time
func DecodeWitness(bz []byte) (*Witness, ErrorI) {
	wire := new(witnessWire)
	if err := Unmarshal(bz, wire); err != nil {
		return nil, err
	}
	if len(wire.ValidatorId) == 0 || len(wire.Signature) == 0 {
		return nil, ErrUnmarshal(ErrInvalidArgument())
	}
	return &Witness{
		EventId:     wire.EventId,
		ChainId:     ChainId(wire.ChainId),
		Digest:      wire.Digest,
		ValidatorId: wire.ValidatorId,
		Signature:   wire.Signature,
		Epoch:       wire.Epoch,
		BlockNumber: wire.BlockNumber,
		ReceivedAt:  time.Now(),
	}, nil
}

// VerifySignature() checks the signature is well formed for the claimed digest, it says nothing about the true digest
func (w *Witness) VerifySignature(pub crypto.PublicKeyI) bool {
	return pub.VerifyBytes(w.Digest.Bytes(), w.Signature)
}

// ValidatorKey() returns the hex validator id used to key dedup maps
func (w *Witness) ValidatorKey() string { return w.ValidatorId.String() }
