package aggregator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/canopy-network/ethy/lib"
)

// shard owns the state of every event whose id maps to it
type shard struct {
	sync.Mutex
	events map[uint64]*eventState
}

// eventState is the per event state machine: what is known about the event, the witnesses counted toward its
// proof and the witnesses waiting for its metadata. Every field but status is guarded by the shard lock
type eventState struct {
	status     atomic.Uint32              // lib.EventStatus, readable without the shard lock
	event      lib.BridgeEvent            // the event, Status is refreshed from status on read
	registered bool                       // the signing request was seen and the validator set pinned
	vs         *lib.ValidatorSet          // the validator set of the creation epoch
	threshold  int                        // computed once against vs
	metadata   *lib.EventMetadata         // the stored metadata, nil until known
	pending    []*lib.Witness             // FIFO of witnesses waiting for metadata or registration
	pendingCap int                        // bound of pending, the oldest is dropped beyond it
	witnesses  map[string]lib.ProofSigner // counted signatures by validator key
	proof      *lib.Proof                 // the finalized proof
}

// newEventState() creates an unregistered state in Pending
func newEventState(eventId uint64, attempt uint32, pendingCap int) *eventState {
	if pendingCap < 1 {
		pendingCap = 1
	}
	return &eventState{
		event:      lib.BridgeEvent{EventId: eventId, Attempt: attempt, CreatedAt: time.Now()},
		pendingCap: pendingCap,
		witnesses:  make(map[string]lib.ProofSigner),
	}
}

// Status() atomically loads the status
func (s *eventState) Status() lib.EventStatus { return lib.EventStatus(s.status.Load()) }

// advance() moves the status forward; returns false if the transition is not allowed or another caller won it
func (s *eventState) advance(next lib.EventStatus) bool {
	for {
		current := s.Status()
		if !current.CanTransitionTo(next) {
			return false
		}
		if s.status.CompareAndSwap(uint32(current), uint32(next)) {
			return true
		}
	}
}

// ready() returns true when witnesses can be counted: the validator set is pinned and the digest is known
func (s *eventState) ready() bool { return s.registered && s.metadata != nil }

// snapshot() returns a copy of the event with the current status
func (s *eventState) snapshot() *lib.BridgeEvent {
	e := s.event
	e.Status = s.Status()
	return &e
}

// buffer() appends a witness to the pending FIFO, dropping the oldest beyond the cap. A validator is buffered once
func (s *eventState) buffer(w *lib.Witness) (dropped *lib.Witness, added bool) {
	for _, p := range s.pending {
		if p.ValidatorKey() == w.ValidatorKey() {
			return nil, false
		}
	}
	if len(s.pending) >= s.pendingCap {
		dropped, s.pending = s.pending[0], s.pending[1:]
	}
	s.pending = append(s.pending, w)
	return dropped, true
}

// takePending() empties the buffer
func (s *eventState) takePending() (pending []*lib.Witness) {
	pending, s.pending = s.pending, nil
	return
}

// assemble() builds the proof from the counted witnesses, signers sorted by validator id. When every member of the
// pinned set holds a BLS key the proof also carries the aggregate signature and signer bitmap
func (s *eventState) assemble() (*lib.Proof, lib.ErrorI) {
	p := &lib.Proof{
		EventId:        s.event.EventId,
		ChainId:        s.event.ChainId,
		Digest:         s.metadata.Digest,
		ValidatorSetId: s.event.CreationEpoch,
		BlockNumber:    s.event.BlockNumber,
		BlockHash:      s.event.BlockHash,
		FinalizedAt:    time.Now(),
	}
	for _, signer := range s.witnesses {
		p.Signers = append(p.Signers, signer)
	}
	p.SortSigners()
	if !s.vs.IsBLS() {
		return p, nil
	}
	mk, err := s.vs.MultiKey()
	if err != nil {
		return nil, err
	}
	for _, signer := range p.Signers {
		_, idx, e := s.vs.GetValidator(signer.ValidatorId)
		if e != nil {
			return nil, e
		}
		if er := mk.AddSigner(signer.Signature, idx); er != nil {
			return nil, lib.ErrAggregateSignatures(er)
		}
	}
	sig, er := mk.AggregateSignatures()
	if er != nil {
		return nil, lib.ErrAggregateSignatures(er)
	}
	p.Aggregate = &lib.AggregateSignature{Signature: sig, Bitmap: mk.Bitmap()}
	return p, nil
}

// archivedEntry is the tombstone of an archived event
type archivedEntry struct {
	event  lib.BridgeEvent // the event at archive time
	proven bool            // archived with a proof
}

// effects are callbacks collected under a shard lock and run after it is released
type effects []func()

func (e *effects) add(f func()) { *e = append(*e, f) }

func (e effects) run() {
	for _, f := range e {
		f()
	}
}
