package lib

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

/* This file defines the bridge event: the unit of attestation, its digest and its forward-only lifecycle */

const DigestSize = 32

// Digest is the canonical keccak256 hash identifying an event payload
type Digest [DigestSize]byte

// NewDigest() copies a 32 byte slice into a Digest
func NewDigest(bz []byte) (d Digest, err ErrorI) {
	if len(bz) != DigestSize {
		return d, ErrInvalidDigest(len(bz))
	}
	copy(d[:], bz)
	return d, nil
}

// Bytes() returns the digest as a slice
func (d Digest) Bytes() []byte { return d[:] }

// String() returns the hex encoding of the digest
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// IsZero() returns true for the empty digest
func (d Digest) IsZero() bool { return d == Digest{} }

// MarshalJSON() encodes the digest as a hex string
func (d Digest) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

// UnmarshalJSON() decodes a hex string digest
func (d *Digest) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	bz, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	digest, e := NewDigest(bz)
	if e != nil {
		return e
	}
	*d = digest
	return nil
}

// ChainId identifies the foreign chain an event is attested for
type ChainId uint8

const (
	ChainUnknown  ChainId = 0
	ChainEthereum ChainId = 1
)

// EventStatus is the lifecycle position of a bridge event
type EventStatus uint32

const (
	Pending    EventStatus = iota // created from a finalized block, no accepted witness yet
	Witnessing                    // at least one witness accepted (counted or buffered)
	Proven                        // threshold reached; terminal for aggregation, reached exactly once
	Archived                      // proven and submitted, or expired unproven
)

// String() returns the name of the status
func (s EventStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Witnessing:
		return "witnessing"
	case Proven:
		return "proven"
	case Archived:
		return "archived"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(s))
	}
}

// CanTransitionTo() enforces forward-only transitions
func (s EventStatus) CanTransitionTo(next EventStatus) bool { return next > s && next <= Archived }

// IsTerminal() returns true once no more witnesses are useful for the event
func (s EventStatus) IsTerminal() bool { return s >= Proven }

// MarshalJSON() encodes the status by name
func (s EventStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// UnmarshalJSON() decodes the status by name
func (s *EventStatus) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for _, st := range []EventStatus{Pending, Witnessing, Proven, Archived} {
		if st.String() == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown event status %q", name)
}

// BridgeEvent is an event requiring attestation, extracted from a finalized block
type BridgeEvent struct {
	EventId       uint64      `json:"eventId"`       // monotonic identifier
	ChainId       ChainId     `json:"chainId"`       // the foreign chain the event is destined for
	Digest        Digest      `json:"digest"`        // zero until the metadata is known
	CreationEpoch uint64      `json:"creationEpoch"` // validator set id the threshold is pinned to
	Status        EventStatus `json:"status"`        // lifecycle position
	BlockNumber   uint64      `json:"blockNumber"`   // the finalized block that created the event
	BlockHash     Digest      `json:"blockHash"`     // the hash of that block
	CreatedAt     time.Time   `json:"createdAt"`     // local time of creation, drives expiry
	Attempt       uint32      `json:"attempt"`       // resurrection generation, 0 for the first
}

// EventMetadata is the structural description of an event: its payload descriptor and canonical digest
type EventMetadata struct {
	EventId     uint64   `json:"eventId"`
	ChainId     ChainId  `json:"chainId"`
	Digest      Digest   `json:"digest"`
	Descriptor  HexBytes `json:"descriptor"` // opaque payload description as emitted by the ledger
	BlockNumber uint64   `json:"blockNumber"`
	BlockHash   Digest   `json:"blockHash"`
}

// Check() validates the metadata is usable
func (m *EventMetadata) Check() ErrorI {
	if m == nil || m.Digest.IsZero() {
		return ErrInvalidDigest(0)
	}
	return nil
}

// SigningRequest asks the validator set to witness the digest of an event
type SigningRequest struct {
	EventId     uint64  `json:"eventId"`
	ChainId     ChainId `json:"chainId"`
	Digest      Digest  `json:"digest"`
	BlockNumber uint64  `json:"blockNumber"`
	BlockHash   Digest  `json:"blockHash"`
}

// AuditKind classifies flagged data
type AuditKind string

const (
	AuditConflictingMetadata    AuditKind = "conflicting_metadata"     // a second put with a different digest
	AuditDigestMismatch         AuditKind = "digest_mismatch"          // witness digest differs from known metadata
	AuditBufferedDigestMismatch AuditKind = "buffered_digest_mismatch" // buffered witness rejected on drain
	AuditConflictingWitness     AuditKind = "conflicting_witness"      // two signatures from one validator for one event
	AuditInvalidRemoteProof     AuditKind = "invalid_remote_proof"     // a gossiped proof failed local verification
)

// AuditRecord is a flagged piece of data kept for operators, a conflicting witness may indicate key compromise
type AuditRecord struct {
	Kind        AuditKind `json:"kind"`
	EventId     uint64    `json:"eventId"`
	ValidatorId HexBytes  `json:"validatorId,omitempty"`
	Expected    Digest    `json:"expected"`
	Got         Digest    `json:"got"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}
