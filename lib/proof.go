package lib

import (
	"bytes"
	"fmt"
	"sort"
	"time"
)

/* This file defines the finalized proof: a threshold of witnesses over one event digest */

// ProofKeyPrefix is the engine id used to key proofs in storage
var ProofKeyPrefix = []byte("ETHY")

// ProofKey() returns the storage key of the proof of an event
func ProofKey(eventId uint64) []byte {
	return append(append([]byte{}, ProofKeyPrefix...), Uint64ToBytes(eventId)...)
}

// ProofSigner is a counted (validator_id, signature) pair
type ProofSigner struct {
	ValidatorId HexBytes `json:"validatorId"`
	Signature   HexBytes `json:"signature"`
}

// AggregateSignature is a BLS aggregate of the signers with a bitmap over the validator set order
type AggregateSignature struct {
	Signature HexBytes `json:"signature"`
	Bitmap    HexBytes `json:"bitmap"`
}

// Proof is the finalized attestation of an event
type Proof struct {
	EventId        uint64              `json:"eventId"`
	ChainId        ChainId             `json:"chainId"`
	Digest         Digest              `json:"digest"`
	ValidatorSetId uint64              `json:"validatorSetId"` // the creation epoch of the event
	Signers        []ProofSigner       `json:"signers"`        // sorted ascending by validator id
	Aggregate      *AggregateSignature `json:"aggregate,omitempty"`
	BlockNumber    uint64              `json:"blockNumber"`
	BlockHash      Digest              `json:"blockHash"`
	FinalizedAt    time.Time           `json:"finalizedAt"`
}

// SortSigners() orders the signers by validator id so that proofs are deterministic
func (p *Proof) SortSigners() {
	sort.Slice(p.Signers, func(i, j int) bool {
		return bytes.Compare(p.Signers[i].ValidatorId, p.Signers[j].ValidatorId) < 0
	})
}

// Verify() checks the proof against the validator set of its creation epoch: every signer is a distinct member,
// every signature verifies over the digest, signers are ordered and the count reaches the threshold
func (p *Proof) Verify(vs *ValidatorSet) ErrorI {
	if p == nil {
		return ErrInvalidProof("nil proof")
	}
	if vs == nil || vs.Epoch != p.ValidatorSetId {
		return ErrInvalidProof(fmt.Sprintf("validator set %d does not match", p.ValidatorSetId))
	}
	if p.Digest.IsZero() {
		return ErrInvalidProof("empty digest")
	}
	seen := make(map[int]struct{}, len(p.Signers))
	for i, s := range p.Signers {
		if i > 0 && bytes.Compare(p.Signers[i-1].ValidatorId, s.ValidatorId) >= 0 {
			return ErrInvalidProof("signers are not sorted")
		}
		pub, idx, err := vs.GetValidator(s.ValidatorId)
		if err != nil {
			return ErrInvalidProof(fmt.Sprintf("unknown signer %s", s.ValidatorId))
		}
		if _, dup := seen[idx]; dup {
			return ErrInvalidProof(fmt.Sprintf("duplicate signer %s", s.ValidatorId))
		}
		seen[idx] = struct{}{}
		if !pub.VerifyBytes(p.Digest.Bytes(), s.Signature) {
			return ErrInvalidProof(fmt.Sprintf("bad signature from %s", s.ValidatorId))
		}
	}
	if len(seen) < vs.Threshold() {
		return ErrInvalidProof(fmt.Sprintf("%d signers is below the threshold of %d", len(seen), vs.Threshold()))
	}
	if p.Aggregate != nil {
		mk, err := vs.MultiKey()
		if err != nil {
			return err
		}
		if e := mk.SetBitmap(p.Aggregate.Bitmap); e != nil {
			return ErrInvalidProof("bad aggregate bitmap")
		}
		if !mk.VerifyBytes(p.Digest.Bytes(), p.Aggregate.Signature) {
			return ErrInvalidProof("bad aggregate signature")
		}
	}
	return nil
}

// proofWire is the RLP gossip schema of a Proof
type proofWire struct {
	EventId        uint64
	ChainId        uint8
	Digest         [DigestSize]byte
	ValidatorSetId uint64
	ValidatorIds   [][]byte
	Signatures     [][]byte
	AggSignature   []byte
	AggBitmap      []byte
	BlockNumber    uint64
	BlockHash      [DigestSize]byte
	FinalizedAt    uint64
}

// Encode() returns the gossip bytes of the proof
func (p *Proof) Encode() ([]byte, ErrorI) {
	wire := &proofWire{
		EventId:        p.EventId,
		ChainId:        uint8(p.ChainId),
		Digest:         p.Digest,
		ValidatorSetId: p.ValidatorSetId,
		BlockNumber:    p.BlockNumber,
		BlockHash:      p.BlockHash,
		FinalizedAt:    TimeToMillis(p.FinalizedAt),
	}
	for _, s := range p.Signers {
		wire.ValidatorIds = append(wire.ValidatorIds, s.ValidatorId)
		wire.Signatures = append(wire.Signatures, s.Signature)
	}
	if p.Aggregate != nil {
		wire.AggSignature, wire.AggBitmap = p.Aggregate.Signature, p.Aggregate.Bitmap
	}
	return Marshal(wire)
}

// DecodeProof() parses gossip bytes into a proof
func DecodeProof(bz []byte) (*Proof, ErrorI) {
	wire := new(proofWire)
	if err := Unmarshal(bz, wire); err != nil {
		return nil, err
	}
	if len(wire.ValidatorIds) != len(wire.Signatures) {
		return nil, ErrInvalidProof("signer and signature count differ")
	}
	p := &Proof{
		EventId:        wire.EventId,
		ChainId:        ChainId(wire.ChainId),
		Digest:         wire.Digest,
		ValidatorSetId: wire.ValidatorSetId,
		BlockNumber:    wire.BlockNumber,
		BlockHash:      wire.BlockHash,
		FinalizedAt:    MillisToTime(wire.FinalizedAt),
	}
	for i := range wire.ValidatorIds {
		p.Signers = append(p.Signers, ProofSigner{ValidatorId: wire.ValidatorIds[i], Signature: wire.Signatures[i]})
	}
	if len(wire.AggSignature) != 0 {
		p.Aggregate = &AggregateSignature{Signature: wire.AggSignature, Bitmap: wire.AggBitmap}
	}
	return p, nil
}
