package store

import (
	"github.com/canopy-network/ethy/lib"
)

var (
	metadataPrefix  = []byte("m/") // event metadata by event id
	eventPrefix     = []byte("e/") // bridge events by event id
	auditPrefix     = []byte("a/") // audit records by time and sequence
	lastBlockKey    = []byte("l/") // the last processed finalized block
	proofPrefix     = []byte("p/") // proofs, followed by lib.ProofKey()
	validatorPrefix = []byte("v/") // validator sets by epoch
)

// metadataKey() returns m/{event id}
func metadataKey(eventId uint64) []byte {
	return append(clone(metadataPrefix), lib.Uint64ToBytes(eventId)...)
}

// eventKey() returns e/{event id}
func eventKey(eventId uint64) []byte {
	return append(clone(eventPrefix), lib.Uint64ToBytes(eventId)...)
}

// validatorKey() returns v/{epoch}
func validatorKey(epoch uint64) []byte {
	return append(clone(validatorPrefix), lib.Uint64ToBytes(epoch)...)
}

// proofKey() returns p/ETHY{event id}
func proofKey(eventId uint64) []byte { return append(clone(proofPrefix), lib.ProofKey(eventId)...) }

// auditKey() returns a/{unix nanos}{sequence} so records iterate in arrival order
func auditKey(nanos int64, seq uint64) []byte {
	k := append(clone(auditPrefix), lib.Uint64ToBytes(uint64(nanos))...)
	return append(k, lib.Uint64ToBytes(seq)...)
}

func clone(b []byte) []byte { return append([]byte{}, b...) }

// PrefixEndBytes() returns the smallest key greater than every key with the prefix
func PrefixEndBytes(prefix []byte) []byte {
	if len(prefix) == 0 {
		return []byte{byte(255)}
	}
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for {
		if end[len(end)-1] != byte(255) {
			end[len(end)-1]++
			break
		} else {
			end = end[:len(end)-1]
			if len(end) == 0 {
				end = nil
				break
			}
		}
	}
	return end
}
