package store

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alecthomas/units"
	"github.com/canopy-network/ethy/lib"
	"github.com/dgraph-io/badger/v4"
)

var _ lib.StoreI = &Store{} // enforce the Store interface

/*
The Store is a thin persistence layer over a single BadgerDB instance holding five keyspaces:

1. Metadata: the structural description and canonical digest of each event. The first digest stored for an
   event is final; a conflicting put is rejected and recorded in the audit keyspace.

2. Events: bridge events with their lifecycle status, so operators can query progress.

3. Proofs: finalized proofs keyed by 'ETHY' followed by the big endian event id.

4. Audit: flagged data (conflicting metadata, digest mismatches, equivocating witnesses) in arrival order.

5. Last block: the last processed finalized block so a restarted listener resumes where it stopped.

Values are JSON encoded so the database can be inspected with generic tooling.
*/

type Store struct {
	db       *badger.DB    // underlying database
	metaLock sync.Mutex    // serializes metadata check-and-set
	auditSeq atomic.Uint64 // tie breaker for audit records written within the same nanosecond
	log      lib.LoggerI   // logger
}

// New() creates a new instance of a StoreI either in memory or an actual disk DB
func New(config lib.StoreConfig, l lib.LoggerI) (*Store, lib.ErrorI) {
	if config.InMemory {
		return NewStoreInMemory(l)
	}
	return NewStore(filepath.Join(config.DataDirPath, config.DBName), l)
}

// NewStore() creates a new instance of a disk DB
func NewStore(path string, log lib.LoggerI) (*Store, lib.ErrorI) {
	if log == nil {
		log = lib.NewNullLogger()
	}
	db, err := badger.Open(badger.DefaultOptions(path).
		WithMemTableSize(int64(16 * units.MB)).
		WithValueLogFileSize(int64(256 * units.MB)).
		WithLogger(badgerLogger{log}).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, ErrOpenDB(err)
	}
	return NewStoreWithDB(db, log), nil
}

// NewStoreInMemory() creates a new instance of a mem DB
func NewStoreInMemory(log lib.LoggerI) (*Store, lib.ErrorI) {
	db, err := badger.Open(badger.DefaultOptions("").
		WithInMemory(true).
		WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, ErrOpenDB(err)
	}
	return NewStoreWithDB(db, log), nil
}

// NewStoreWithDB() wraps an open badger database
func NewStoreWithDB(db *badger.DB, log lib.LoggerI) *Store {
	if log == nil {
		log = lib.NewNullLogger()
	}
	return &Store{db: db, log: log}
}

// PutMetadata() stores the metadata of an event if none is stored; the first digest wins
func (s *Store) PutMetadata(meta *lib.EventMetadata) (existed bool, err lib.ErrorI) {
	if err = meta.Check(); err != nil {
		return
	}
	s.metaLock.Lock()
	defer s.metaLock.Unlock()
	stored, err := s.GetMetadata(meta.EventId)
	if err != nil {
		return
	}
	if stored != nil {
		if stored.Digest == meta.Digest {
			return true, nil
		}
		// keep the original and flag the conflict
		if e := s.Audit(&lib.AuditRecord{
			Kind:     lib.AuditConflictingMetadata,
			EventId:  meta.EventId,
			Expected: stored.Digest,
			Got:      meta.Digest,
			At:       time.Now(),
		}); e != nil {
			s.log.Errorf("failed to write audit record: %s", e.Error())
		}
		return true, lib.ErrConflictingMetadata(meta.EventId)
	}
	return false, s.setJSON(metadataKey(meta.EventId), meta)
}

// GetMetadata() returns the stored metadata of an event or nil
func (s *Store) GetMetadata(eventId uint64) (meta *lib.EventMetadata, err lib.ErrorI) {
	meta = new(lib.EventMetadata)
	found, err := s.getJSON(metadataKey(eventId), meta)
	if err != nil || !found {
		return nil, err
	}
	return
}

// PutEvent() saves the event and its status
func (s *Store) PutEvent(e *lib.BridgeEvent) lib.ErrorI { return s.setJSON(eventKey(e.EventId), e) }

// GetEvent() returns the stored event or nil
func (s *Store) GetEvent(eventId uint64) (e *lib.BridgeEvent, err lib.ErrorI) {
	e = new(lib.BridgeEvent)
	found, err := s.getJSON(eventKey(eventId), e)
	if err != nil || !found {
		return nil, err
	}
	return
}

// UnfinishedEvents() returns the stored events that are neither proven nor archived
func (s *Store) UnfinishedEvents() ([]*lib.BridgeEvent, lib.ErrorI) {
	return s.events(func(e *lib.BridgeEvent) bool { return !e.Status.IsTerminal() })
}

// EventsWithStatus() returns the stored events currently in status
func (s *Store) EventsWithStatus(status lib.EventStatus) ([]*lib.BridgeEvent, lib.ErrorI) {
	return s.events(func(e *lib.BridgeEvent) bool { return e.Status == status })
}

// events() returns the stored events matching the filter in event id order
func (s *Store) events(filter func(e *lib.BridgeEvent) bool) (events []*lib.BridgeEvent, err lib.ErrorI) {
	e := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: eventPrefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(eventPrefix); it.Next() {
			bz, er := it.Item().ValueCopy(nil)
			if er != nil {
				return er
			}
			event := new(lib.BridgeEvent)
			if er = lib.UnmarshalJSON(bz, event); er != nil {
				return er
			}
			if filter(event) {
				events = append(events, event)
			}
		}
		return nil
	})
	if e != nil {
		return nil, ErrStoreIter(e)
	}
	return
}

// PutProof() saves a finalized proof
func (s *Store) PutProof(p *lib.Proof) lib.ErrorI { return s.setJSON(proofKey(p.EventId), p) }

// GetProof() returns the stored proof or nil
func (s *Store) GetProof(eventId uint64) (p *lib.Proof, err lib.ErrorI) {
	p = new(lib.Proof)
	found, err := s.getJSON(proofKey(eventId), p)
	if err != nil || !found {
		return nil, err
	}
	return
}

// Audit() appends a record to the audit keyspace
func (s *Store) Audit(record *lib.AuditRecord) lib.ErrorI {
	if record.At.IsZero() {
		record.At = time.Now()
	}
	return s.setJSON(auditKey(record.At.UnixNano(), s.auditSeq.Add(1)), record)
}

// AuditRecords() returns up to limit audit records, newest first; limit <= 0 returns all
func (s *Store) AuditRecords(limit int) (records []*lib.AuditRecord, err lib.ErrorI) {
	e := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Reverse: true, Prefix: auditPrefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Seek(PrefixEndBytes(auditPrefix)); it.ValidForPrefix(auditPrefix); it.Next() {
			if limit > 0 && len(records) >= limit {
				break
			}
			bz, er := it.Item().ValueCopy(nil)
			if er != nil {
				return er
			}
			record := new(lib.AuditRecord)
			if er = lib.UnmarshalJSON(bz, record); er != nil {
				return er
			}
			records = append(records, record)
		}
		return nil
	})
	if e != nil {
		return nil, ErrStoreIter(e)
	}
	return
}

// PutValidatorSet() saves a validator set under its epoch
func (s *Store) PutValidatorSet(vs *lib.ValidatorSet) lib.ErrorI {
	return s.setJSON(validatorKey(vs.Epoch), vs)
}

// ValidatorSets() returns every saved validator set in epoch order
func (s *Store) ValidatorSets() (sets []*lib.ValidatorSet, err lib.ErrorI) {
	e := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: validatorPrefix, PrefetchValues: true, PrefetchSize: 16})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(validatorPrefix); it.Next() {
			bz, er := it.Item().ValueCopy(nil)
			if er != nil {
				return er
			}
			vs := new(lib.ValidatorSet)
			if er = lib.UnmarshalJSON(bz, vs); er != nil {
				return er
			}
			sets = append(sets, vs)
		}
		return nil
	})
	if e != nil {
		return nil, ErrStoreIter(e)
	}
	return
}

// SetLastBlock() saves the last processed finalized block
func (s *Store) SetLastBlock(number uint64) lib.ErrorI {
	return s.set(lastBlockKey, lib.Uint64ToBytes(number))
}

// LastBlock() returns the last processed finalized block
func (s *Store) LastBlock() (uint64, lib.ErrorI) {
	bz, err := s.get(lastBlockKey)
	if err != nil {
		return 0, err
	}
	return lib.BytesToUint64(bz), nil
}

// Close() gracefully stops the database
func (s *Store) Close() lib.ErrorI {
	if err := s.db.Close(); err != nil {
		return ErrCloseDB(err)
	}
	return nil
}

// setJSON() encodes the value as json and writes it under the key
func (s *Store) setJSON(key []byte, value any) lib.ErrorI {
	bz, err := lib.MarshalJSON(value)
	if err != nil {
		return err
	}
	return s.set(key, bz)
}

// getJSON() reads the key into ptr, reporting whether it was found
func (s *Store) getJSON(key []byte, ptr any) (bool, lib.ErrorI) {
	bz, err := s.get(key)
	if err != nil || bz == nil {
		return false, err
	}
	if err = lib.UnmarshalJSON(bz, ptr); err != nil {
		return false, err
	}
	return true, nil
}

// set() writes a single key value pair
func (s *Store) set(key, value []byte) lib.ErrorI {
	if err := s.db.Update(func(txn *badger.Txn) error { return txn.Set(key, value) }); err != nil {
		return ErrStoreSet(err)
	}
	return nil
}

// get() reads a single key, a missing key returns nil without error
func (s *Store) get(key []byte) (value []byte, err lib.ErrorI) {
	e := s.db.View(func(txn *badger.Txn) error {
		item, er := txn.Get(key)
		if er != nil {
			return er
		}
		value, er = item.ValueCopy(nil)
		return er
	})
	if e != nil {
		if errors.Is(e, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, ErrStoreGet(e)
	}
	return
}

// badgerLogger routes badger's internal logging to the gadget logger
type badgerLogger struct{ lib.LoggerI }

func (b badgerLogger) Warningf(format string, args ...interface{}) { b.Warnf(format, args...) }
