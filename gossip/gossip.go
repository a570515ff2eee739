package gossip

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canopy-network/ethy/lib"
	lru "github.com/hashicorp/golang-lru/v2"
)

/*
	The gossip Validator is the admission gate for witnesses arriving from the network.

	Checks short-circuit in a fixed order:
	1. the sender is a member of the validator set of the witness epoch (an unknown epoch is not a membership)
	2. the signature verifies over the claimed digest; the true digest may not be known yet
	3. the witness is inside the live window of recently finalized blocks
	4. (validator, event) was not admitted before

	Admitted pairs are remembered in a sharded dedup window until the event completes. A second, different
	signature for an admitted pair is an equivocation: the first is kept and the conflict goes to the audit log.
*/

const dedupShards = 32

// Outcome is the verdict of the gossip validator
type Outcome int

const (
	Accept      Outcome = iota // admit and forward to the aggregator
	Reject                     // drop, the reason says why
	AlreadySeen                // a duplicate, not an error
)

// Result is the outcome of validating a witness, Reason is set when rejected
type Result struct {
	Outcome Outcome
	Reason  lib.ErrorI
}

// Label() names the result for logs and metrics
func (r Result) Label() string {
	switch r.Outcome {
	case Accept:
		return "accept"
	case AlreadySeen:
		return "already_seen"
	}
	if r.Reason == nil {
		return "reject"
	}
	switch r.Reason.Code() {
	case lib.CodeNotAValidator:
		return "not_a_validator"
	case lib.CodeBadSignature:
		return "bad_signature"
	case lib.CodeStale:
		return "stale"
	case lib.CodeMalformed:
		return "malformed"
	}
	return "reject"
}

func accept() Result                  { return Result{Outcome: Accept} }
func alreadySeen() Result             { return Result{Outcome: AlreadySeen} }
func reject(reason lib.ErrorI) Result { return Result{Outcome: Reject, Reason: reason} }

// Validator validates gossiped witnesses
type Validator struct {
	registry   *lib.ValidatorRegistry       // validator sets by epoch
	audit      lib.AuditStoreI              // where equivocations are recorded, may be nil
	liveWindow uint64                       // blocks a witness stays live after its signing request
	finalized  atomic.Uint64                // the last finalized block number
	completed  *lru.Cache[uint64, struct{}] // events that already have a proof or were archived
	shards     [dedupShards]*dedupShard     // admitted (validator, event) pairs
	metrics    *lib.Metrics                 // telemetry
	log        lib.LoggerI                  // logger
}

// dedupShard holds admitted signatures for a subset of events
type dedupShard struct {
	sync.Mutex
	events map[uint64]map[string]lib.HexBytes // event id -> validator key -> signature
}

// NewValidator() creates a gossip validator
func NewValidator(config lib.GadgetConfig, registry *lib.ValidatorRegistry, audit lib.AuditStoreI, metrics *lib.Metrics, log lib.LoggerI) (*Validator, error) {
	size := config.CompleteEventCacheSize
	if size <= 0 {
		size = lib.DefaultGadgetConfig().CompleteEventCacheSize
	}
	completed, err := lru.New[uint64, struct{}](size)
	if err != nil {
		return nil, err
	}
	v := &Validator{
		registry:   registry,
		audit:      audit,
		liveWindow: config.LiveWindowBlocks,
		completed:  completed,
		metrics:    metrics,
		log:        log,
	}
	for i := range v.shards {
		v.shards[i] = &dedupShard{events: make(map[uint64]map[string]lib.HexBytes)}
	}
	return v, nil
}

// ValidateBytes() decodes and validates a gossip message
func (v *Validator) ValidateBytes(bz []byte) (*lib.Witness, Result) {
	w, err := lib.DecodeWitness(bz)
	if err != nil {
		return nil, v.record(nil, reject(lib.ErrMalformed(err)))
	}
	return w, v.Validate(w)
}

// Validate() runs every admission check and records the witness in the dedup window when accepted
func (v *Validator) Validate(w *lib.Witness) Result {
	if err := v.CheckFormat(w); err != nil {
		return v.record(w, reject(err))
	}
	if v.IsStale(w) {
		return v.record(w, reject(lib.ErrStale(w.BlockNumber, v.finalized.Load())))
	}
	if v.completed.Contains(w.EventId) {
		return v.record(w, alreadySeen())
	}
	shard := v.shard(w.EventId)
	shard.Lock()
	defer shard.Unlock()
	signers, ok := shard.events[w.EventId]
	if !ok {
		signers = make(map[string]lib.HexBytes)
		shard.events[w.EventId] = signers
	}
	if sig, seen := signers[w.ValidatorKey()]; seen {
		if !bytes.Equal(sig, w.Signature) {
			v.flagConflict(w)
		}
		return v.record(w, alreadySeen())
	}
	signers[w.ValidatorKey()] = w.Signature
	return v.record(w, accept())
}

// CheckFormat() checks membership and signature without touching the dedup window. The validator id is rewritten
// to the canonical encoding of the member key so one key cannot be admitted twice under different encodings
func (v *Validator) CheckFormat(w *lib.Witness) lib.ErrorI {
	vs, ok := v.registry.Get(w.Epoch)
	if !ok {
		return lib.ErrNotAValidator()
	}
	pub, _, err := vs.GetValidator(w.ValidatorId)
	if err != nil {
		return err
	}
	w.ValidatorId = pub.Bytes()
	if !w.VerifySignature(pub) {
		return lib.ErrBadSignature()
	}
	return nil
}

// IsStale() returns true when the witness's block fell out of the live window
func (v *Validator) IsStale(w *lib.Witness) bool {
	finalized := v.finalized.Load()
	return finalized > v.liveWindow && w.BlockNumber < finalized-v.liveWindow
}

// Expired() returns true when the witness no longer needs to be gossiped
func (v *Validator) Expired(w *lib.Witness) bool {
	return v.IsStale(w) || v.completed.Contains(w.EventId)
}

// SetFinalized() advances the finalized block number that bounds the live window
func (v *Validator) SetFinalized(number uint64) {
	for {
		current := v.finalized.Load()
		if number <= current || v.finalized.CompareAndSwap(current, number) {
			return
		}
	}
}

// MarkComplete() records the event as done and frees its dedup entries
func (v *Validator) MarkComplete(eventId uint64) {
	if v.completed.Contains(eventId) {
		v.log.Debugf("event %d completed twice", eventId)
	}
	v.completed.Add(eventId, struct{}{})
	shard := v.shard(eventId)
	shard.Lock()
	delete(shard.events, eventId)
	shard.Unlock()
}

// Forget() removes the event from the completed cache and the dedup window so its witnesses are admitted again
func (v *Validator) Forget(eventId uint64) {
	v.completed.Remove(eventId)
	shard := v.shard(eventId)
	shard.Lock()
	delete(shard.events, eventId)
	shard.Unlock()
}

// IsTracking() returns true if the dedup window holds admitted witnesses for the event
func (v *Validator) IsTracking(eventId uint64) bool {
	shard := v.shard(eventId)
	shard.Lock()
	defer shard.Unlock()
	_, ok := shard.events[eventId]
	return ok
}

// flagConflict() records an equivocating validator
func (v *Validator) flagConflict(w *lib.Witness) {
	err := lib.ErrConflictingWitness(w.EventId, w.ValidatorKey())
	v.log.Warn(err.Error())
	v.metrics.AuditRecorded(lib.AuditConflictingWitness)
	if v.audit == nil {
		return
	}
	if e := v.audit.Audit(&lib.AuditRecord{
		Kind:        lib.AuditConflictingWitness,
		EventId:     w.EventId,
		ValidatorId: w.ValidatorId,
		Got:         w.Digest,
		Detail:      "two signatures for one event",
		At:          time.Now(),
	}); e != nil {
		v.log.Errorf("failed to write audit record: %s", e.Error())
	}
}

// record() logs and counts a result
func (v *Validator) record(w *lib.Witness, r Result) Result {
	v.metrics.WitnessOutcome(r.Label())
	if r.Outcome == Reject && w != nil {
		v.log.Debugf("rejected witness for event %d from %s: %s", w.EventId, w.ValidatorKey(), r.Label())
	}
	return r
}

func (v *Validator) shard(eventId uint64) *dedupShard { return v.shards[eventId%dedupShards] }
