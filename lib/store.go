package lib

/* This file contains persistence module interfaces that are used throughout the gadget */

// StoreI defines the interface for interacting with gadget storage
type StoreI interface {
	MetadataStoreI                     // event metadata with integrity checks
	EventStoreI                        // bridge events and their status
	ProofStoreI                        // finalized proofs
	AuditStoreI                        // flagged data
	ValidatorStoreI                    // validator sets learned from authorities changes
	SetLastBlock(number uint64) ErrorI // save the last processed finalized block
	LastBlock() (uint64, ErrorI)       // the last processed finalized block, 0 when none
	Close() ErrorI                     // gracefully stop the database
}

// MetadataStoreI is the event metadata store: the first digest stored for an event wins
type MetadataStoreI interface {
	// PutMetadata() stores the metadata of an event; a repeat with the same digest is a no-op that reports existed,
	// a differing digest returns ErrConflictingMetadata and leaves the original in place
	PutMetadata(meta *EventMetadata) (existed bool, err ErrorI)
	// GetMetadata() returns nil, nil when the metadata is absent
	GetMetadata(eventId uint64) (*EventMetadata, ErrorI)
}

// EventStoreI persists bridge events
type EventStoreI interface {
	PutEvent(e *BridgeEvent) ErrorI
	GetEvent(eventId uint64) (*BridgeEvent, ErrorI) // nil, nil when absent
	UnfinishedEvents() ([]*BridgeEvent, ErrorI)     // events not yet proven, in event id order
	EventsWithStatus(status EventStatus) ([]*BridgeEvent, ErrorI)
}

// ProofStoreI persists finalized proofs under ProofKey()
type ProofStoreI interface {
	PutProof(p *Proof) ErrorI
	GetProof(eventId uint64) (*Proof, ErrorI) // nil, nil when absent
}

// AuditStoreI persists flagged data for operators
type AuditStoreI interface {
	Audit(record *AuditRecord) ErrorI
	AuditRecords(limit int) ([]*AuditRecord, ErrorI) // newest first
}

// ValidatorStoreI persists the validator sets applied from finalized authorities changes, so a restarted gadget
// resumes with the epochs its events were created under
type ValidatorStoreI interface {
	PutValidatorSet(vs *ValidatorSet) ErrorI
	ValidatorSets() ([]*ValidatorSet, ErrorI) // in epoch order
}
