package aggregator

import (
	"sync"
	"time"

	"github.com/canopy-network/ethy/lib"
	lru "github.com/hashicorp/golang-lru/v2"
)

/*
	The Aggregator collects witnesses per event and assembles a proof once a threshold of the validator set that
	was active when the event was created signed the digest stored for the event.

	Each event moves forward only: Pending -> Witnessing -> Proven -> Archived. The first accepted witness, even one
	buffered while the metadata is unknown, moves the event to Witnessing. The Proven transition is a compare and
	swap on the event's atomic status, so exactly one caller assembles and emits the proof.

	Event state is sharded by event id with one mutex per shard. Callbacks to other components run after the
	shard lock is released.
*/

const (
	ReasonSubmitted = "submitted" // the proof was handed to the relayer or the network
	ReasonImported  = "imported"  // a verified proof was received from a peer
	ReasonExpired   = "expired"   // unproven past the max wait
)

// Hooks are the callbacks the aggregator emits
type Hooks struct {
	OnProof     func(p *lib.Proof, local bool)      // a proof was finalized; local is false for imported proofs
	OnArchive   func(eventId uint64, reason string) // the event was archived
	OnResurrect func(eventId uint64)                // an archived unproven event restarted as a new generation
	OnDrop      func(eventId uint64)                // buffered witnesses of a never registered event were dropped
}

// Aggregator is the witness collection engine
type Aggregator struct {
	config   lib.GadgetConfig
	registry *lib.ValidatorRegistry
	store    lib.StoreI
	shards   []*shard
	index    sync.Map                          // event id -> *eventState, for lock free status reads
	archived *lru.Cache[uint64, archivedEntry] // tombstones of archived events
	hooks    Hooks
	metrics  *lib.Metrics
	log      lib.LoggerI
}

// New() creates a witness aggregator
func New(config lib.GadgetConfig, registry *lib.ValidatorRegistry, store lib.StoreI, metrics *lib.Metrics, log lib.LoggerI) (*Aggregator, error) {
	if config.ShardCount < 1 {
		config.ShardCount = 1
	}
	size := config.ArchivedCacheSize
	if size < 1 {
		size = lib.DefaultGadgetConfig().ArchivedCacheSize
	}
	archived, err := lru.New[uint64, archivedEntry](size)
	if err != nil {
		return nil, err
	}
	a := &Aggregator{
		config:   config,
		registry: registry,
		store:    store,
		shards:   make([]*shard, config.ShardCount),
		archived: archived,
		metrics:  metrics,
		log:      log,
	}
	for i := range a.shards {
		a.shards[i] = &shard{events: make(map[uint64]*eventState)}
	}
	return a, nil
}

// SetHooks() sets the callbacks, must be called before any event is processed
func (a *Aggregator) SetHooks(h Hooks) { a.hooks = h }

// RegisterEvent() creates the event of a signing request and pins its threshold to the validator set of epoch
func (a *Aggregator) RegisterEvent(req *lib.SigningRequest, epoch uint64) (*lib.BridgeEvent, lib.ErrorI) {
	return a.register(req, epoch, nil)
}

// register() creates the event; prior is the stored copy of an event restored after a restart
func (a *Aggregator) register(req *lib.SigningRequest, epoch uint64, prior *lib.BridgeEvent) (*lib.BridgeEvent, lib.ErrorI) {
	vs, ok := a.registry.Get(epoch)
	if !ok {
		return nil, lib.ErrUnknownEpoch(epoch)
	}
	var fx effects
	defer func() { fx.run() }()
	sh := a.shard(req.EventId)
	sh.Lock()
	defer sh.Unlock()
	state, err := a.getOrCreate(sh, req.EventId, &fx)
	if err != nil {
		return nil, err
	}
	if state.registered {
		return state.snapshot(), nil
	}
	state.registered, state.vs, state.threshold = true, vs, vs.Threshold()
	state.event.ChainId = req.ChainId
	state.event.CreationEpoch = epoch
	state.event.BlockNumber, state.event.BlockHash = req.BlockNumber, req.BlockHash
	state.event.CreatedAt = time.Now()
	if prior != nil {
		state.event.Attempt, state.event.CreatedAt = prior.Attempt, prior.CreatedAt
		state.advance(prior.Status)
	}
	if state.metadata == nil {
		// the metadata may have been stored by an earlier block
		meta, e := a.store.GetMetadata(req.EventId)
		if e != nil {
			return nil, e
		}
		a.setMetadata(state, meta)
	}
	a.metrics.EventRegistered()
	a.log.Debugf("registered event %d at epoch %d with threshold %d/%d", req.EventId, epoch, state.threshold, vs.Size())
	a.drain(state, &fx)
	a.persist(state)
	return state.snapshot(), nil
}

// RegisterMetadata() stores the metadata of an event and promotes the witnesses buffered for it
func (a *Aggregator) RegisterMetadata(meta *lib.EventMetadata) lib.ErrorI {
	var fx effects
	defer func() { fx.run() }()
	sh := a.shard(meta.EventId)
	sh.Lock()
	defer sh.Unlock()
	if _, err := a.store.PutMetadata(meta); err != nil {
		if lib.IsError(err, lib.IntegrityModule, lib.CodeConflictingMetadata) {
			a.metrics.AuditRecorded(lib.AuditConflictingMetadata)
			a.log.Warn(err.Error())
		}
		return err
	}
	state, err := a.getOrCreate(sh, meta.EventId, &fx)
	if err != nil {
		// archived events keep their stored metadata without restarting
		if lib.IsError(err, lib.ExpiryModule, lib.CodeEventArchived) {
			return nil
		}
		return err
	}
	if state.metadata != nil {
		return nil
	}
	a.setMetadata(state, meta)
	a.drain(state, &fx)
	if state.registered {
		a.persist(state)
	}
	return nil
}

// AddWitness() adds a witness that passed gossip validation. Witnesses are buffered until both the metadata and the
// creation epoch are known, then counted if they sign the stored digest as members of the pinned validator set
func (a *Aggregator) AddWitness(w *lib.Witness) (lib.EventStatus, lib.ErrorI) {
	var fx effects
	defer func() { fx.run() }()
	sh := a.shard(w.EventId)
	sh.Lock()
	defer sh.Unlock()
	state, err := a.getOrCreate(sh, w.EventId, &fx)
	if err != nil {
		return lib.Archived, err
	}
	if state.Status().IsTerminal() {
		return state.Status(), ErrEventTerminal(w.EventId)
	}
	if !state.ready() {
		dropped, added := state.buffer(w)
		if dropped != nil {
			a.log.Debugf("pending buffer of event %d is full, dropped witness of %s", w.EventId, dropped.ValidatorKey())
		}
		if added && state.advance(lib.Witnessing) && state.registered {
			a.persist(state)
		}
		return state.Status(), nil
	}
	if err = a.count(state, w, lib.AuditDigestMismatch, &fx); err != nil {
		return state.Status(), err
	}
	return state.Status(), nil
}

// ImportProof() accepts a proof assembled by a peer after verifying it against the stored digest and the pinned
// validator set. Returns false when the event already has a proof
func (a *Aggregator) ImportProof(p *lib.Proof) (bool, lib.ErrorI) {
	var fx effects
	defer func() { fx.run() }()
	sh := a.shard(p.EventId)
	sh.Lock()
	defer sh.Unlock()
	state, ok := sh.events[p.EventId]
	if !ok {
		if _, archived := a.archived.Peek(p.EventId); archived {
			return false, nil
		}
		return false, ErrUnknownEvent(p.EventId)
	}
	if state.Status().IsTerminal() {
		return false, nil
	}
	if !state.ready() {
		return false, ErrUnknownEvent(p.EventId)
	}
	if err := a.verifyRemote(state, p); err != nil {
		a.flag(&lib.AuditRecord{
			Kind:     lib.AuditInvalidRemoteProof,
			EventId:  p.EventId,
			Expected: state.metadata.Digest,
			Got:      p.Digest,
			Detail:   err.Error(),
		})
		return false, err
	}
	if !state.advance(lib.Proven) {
		return false, nil
	}
	a.finalize(state, p, false, &fx)
	return true, nil
}

// Archive() moves the event to Archived, dropping its in memory state
func (a *Aggregator) Archive(eventId uint64, reason string) lib.ErrorI {
	var fx effects
	defer func() { fx.run() }()
	sh := a.shard(eventId)
	sh.Lock()
	defer sh.Unlock()
	state, ok := sh.events[eventId]
	if !ok {
		if _, archived := a.archived.Peek(eventId); archived {
			return nil
		}
		return a.archiveStored(eventId, reason, &fx)
	}
	a.archive(sh, state, reason, &fx)
	return nil
}

// archiveStored() archives a proven event of a previous run, it is only in the store after a restart
func (a *Aggregator) archiveStored(eventId uint64, reason string, fx *effects) lib.ErrorI {
	event, err := a.store.GetEvent(eventId)
	if err != nil {
		return err
	}
	if event == nil || event.Status != lib.Proven {
		return ErrUnknownEvent(eventId)
	}
	event.Status = lib.Archived
	if err = a.store.PutEvent(event); err != nil {
		return err
	}
	a.archived.Add(eventId, archivedEntry{event: *event, proven: true})
	a.metrics.EventArchived(reason)
	a.log.Infof("archived event %d (%s)", eventId, reason)
	if a.hooks.OnArchive != nil {
		fx.add(func() { a.hooks.OnArchive(eventId, reason) })
	}
	return nil
}

// Undelivered() returns the stored proofs of events left Proven by a previous run, their submission never completed
func (a *Aggregator) Undelivered() (proofs []*lib.Proof, err lib.ErrorI) {
	events, err := a.store.EventsWithStatus(lib.Proven)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		p, er := a.store.GetProof(e.EventId)
		if er != nil {
			return nil, er
		}
		if p == nil {
			a.log.Warnf("proven event %d has no stored proof", e.EventId)
			continue
		}
		proofs = append(proofs, p)
	}
	return
}

// Expire() archives every event still unproven past the max wait and returns their ids
func (a *Aggregator) Expire(now time.Time) (expired []uint64) {
	var fx effects
	defer func() { fx.run() }()
	for _, sh := range a.shards {
		sh.Lock()
		for id, state := range sh.events {
			if state.Status().IsTerminal() || now.Sub(state.event.CreatedAt) <= a.config.MaxWait() {
				continue
			}
			if !state.registered {
				// witnesses for a request this node never saw are dropped without a tombstone
				delete(sh.events, id)
				a.index.Delete(id)
				a.log.Debugf("dropped %d unregistered witnesses of event %d", len(state.pending), id)
				if a.hooks.OnDrop != nil {
					fx.add(func() { a.hooks.OnDrop(id) })
				}
				continue
			}
			a.log.Warn(lib.ErrEventExpired(id).Error())
			a.archive(sh, state, ReasonExpired, &fx)
			expired = append(expired, id)
		}
		sh.Unlock()
	}
	return
}

// Restore() reloads the unfinished events of a previous run and returns them so their witnesses can be re-signed
func (a *Aggregator) Restore() (restored []*lib.BridgeEvent, err lib.ErrorI) {
	events, err := a.store.UnfinishedEvents()
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		req := &lib.SigningRequest{EventId: e.EventId, ChainId: e.ChainId, Digest: e.Digest, BlockNumber: e.BlockNumber, BlockHash: e.BlockHash}
		event, er := a.register(req, e.CreationEpoch, e)
		if er != nil {
			a.log.Warnf("unable to restore event %d: %s", e.EventId, er.Error())
			continue
		}
		restored = append(restored, event)
	}
	return
}

// Status() returns the status of an event without taking a lock
func (a *Aggregator) Status(eventId uint64) (lib.EventStatus, bool) {
	if v, ok := a.index.Load(eventId); ok {
		return v.(*eventState).Status(), true
	}
	if _, ok := a.archived.Peek(eventId); ok {
		return lib.Archived, true
	}
	return lib.Pending, false
}

// Event() returns the event, from memory when live and from the store otherwise
func (a *Aggregator) Event(eventId uint64) (*lib.BridgeEvent, lib.ErrorI) {
	sh := a.shard(eventId)
	sh.Lock()
	var event *lib.BridgeEvent
	if state, ok := sh.events[eventId]; ok {
		event = state.snapshot()
	}
	sh.Unlock()
	if event != nil {
		return event, nil
	}
	return a.store.GetEvent(eventId)
}

// Progress() returns the counted and buffered witnesses of a live event with its threshold
func (a *Aggregator) Progress(eventId uint64) (counted, buffered, threshold int, ok bool) {
	sh := a.shard(eventId)
	sh.Lock()
	defer sh.Unlock()
	state, ok := sh.events[eventId]
	if !ok {
		return
	}
	return len(state.witnesses), len(state.pending), state.threshold, true
}

// GetProof() returns the finalized proof of an event
func (a *Aggregator) GetProof(eventId uint64) (*lib.Proof, bool) {
	sh := a.shard(eventId)
	sh.Lock()
	var proof *lib.Proof
	if state, ok := sh.events[eventId]; ok {
		proof = state.proof
	}
	sh.Unlock()
	if proof != nil {
		return proof, true
	}
	p, err := a.store.GetProof(eventId)
	if err != nil {
		a.log.Errorf("failed to load proof %d: %s", eventId, err.Error())
		return nil, false
	}
	return p, p != nil
}

// getOrCreate() returns the live state of an event, creating it if unknown. Archived events are ignored unless they
// were archived unproven and resurrection is enabled, in which case a new generation starts at Pending
func (a *Aggregator) getOrCreate(sh *shard, eventId uint64, fx *effects) (*eventState, lib.ErrorI) {
	if state, ok := sh.events[eventId]; ok {
		return state, nil
	}
	tomb, archived := a.archived.Peek(eventId)
	if archived && (tomb.proven || !a.config.ResurrectArchived) {
		return nil, lib.ErrEventArchived(eventId)
	}
	var attempt uint32
	if archived {
		attempt = tomb.event.Attempt + 1
	}
	state := newEventState(eventId, attempt, a.pendingCap())
	if archived {
		vs, ok := a.registry.Get(tomb.event.CreationEpoch)
		if !ok {
			return nil, lib.ErrEventArchived(eventId)
		}
		state.registered, state.vs, state.threshold = true, vs, vs.Threshold()
		state.event.ChainId = tomb.event.ChainId
		state.event.CreationEpoch = tomb.event.CreationEpoch
		state.event.BlockNumber, state.event.BlockHash = tomb.event.BlockNumber, tomb.event.BlockHash
		meta, err := a.store.GetMetadata(eventId)
		if err != nil {
			return nil, err
		}
		a.setMetadata(state, meta)
		a.archived.Remove(eventId)
		a.log.Infof("resurrected event %d as attempt %d", eventId, attempt)
		if a.hooks.OnResurrect != nil {
			fx.add(func() { a.hooks.OnResurrect(eventId) })
		}
	}
	sh.events[eventId] = state
	a.index.Store(eventId, state)
	if archived {
		a.persist(state)
	}
	return state, nil
}

// count() checks a witness against the stored digest and the pinned set, then counts it and finalizes the proof
// once the threshold is reached. mismatch is the audit kind used when the digest differs
func (a *Aggregator) count(state *eventState, w *lib.Witness, mismatch lib.AuditKind, fx *effects) lib.ErrorI {
	if w.Digest != state.metadata.Digest {
		a.flag(&lib.AuditRecord{
			Kind:        mismatch,
			EventId:     w.EventId,
			ValidatorId: w.ValidatorId,
			Expected:    state.metadata.Digest,
			Got:         w.Digest,
		})
		return lib.ErrDigestMismatch(w.EventId)
	}
	pub, _, err := state.vs.GetValidator(w.ValidatorId)
	if err != nil {
		return err
	}
	if !w.VerifySignature(pub) {
		return lib.ErrBadSignature()
	}
	key := lib.HexBytes(pub.Bytes()).String()
	if _, counted := state.witnesses[key]; !counted {
		state.witnesses[key] = lib.ProofSigner{ValidatorId: pub.Bytes(), Signature: w.Signature}
	}
	if state.advance(lib.Witnessing) {
		a.persist(state)
	}
	if len(state.witnesses) < state.threshold || state.Status().IsTerminal() {
		return nil
	}
	p, err := state.assemble()
	if err != nil {
		a.log.Errorf("failed to assemble proof for event %d: %s", w.EventId, err.Error())
		return err
	}
	if !state.advance(lib.Proven) {
		return nil
	}
	a.finalize(state, p, true, fx)
	return nil
}

// drain() counts the buffered witnesses once the event is ready
func (a *Aggregator) drain(state *eventState, fx *effects) {
	if !state.ready() {
		return
	}
	for _, w := range state.takePending() {
		if state.Status().IsTerminal() {
			return
		}
		if err := a.count(state, w, lib.AuditBufferedDigestMismatch, fx); err != nil {
			a.log.Debugf("dropped buffered witness of event %d: %s", w.EventId, err.Error())
		}
	}
}

// finalize() records a proof of a state that just moved to Proven and emits it
func (a *Aggregator) finalize(state *eventState, p *lib.Proof, local bool, fx *effects) {
	state.proof = p
	state.pending = nil
	if err := a.store.PutProof(p); err != nil {
		a.log.Errorf("failed to persist proof %d: %s", p.EventId, err.Error())
	}
	a.persist(state)
	a.metrics.ProofFinalized(state.event.CreatedAt)
	a.log.Infof("proof finalized for event %d with %d/%d signers (local=%t)", p.EventId, len(p.Signers), state.vs.Size(), local)
	if a.hooks.OnProof != nil {
		fx.add(func() { a.hooks.OnProof(p, local) })
	}
}

// archive() moves a live state to Archived and replaces it with a tombstone
func (a *Aggregator) archive(sh *shard, state *eventState, reason string, fx *effects) {
	id := state.event.EventId
	state.status.Store(uint32(lib.Archived))
	a.archived.Add(id, archivedEntry{event: *state.snapshot(), proven: state.proof != nil})
	delete(sh.events, id)
	a.index.Delete(id)
	if state.registered {
		a.persist(state)
	}
	a.metrics.EventArchived(reason)
	a.log.Infof("archived event %d (%s)", id, reason)
	if a.hooks.OnArchive != nil {
		fx.add(func() { a.hooks.OnArchive(id, reason) })
	}
}

// verifyRemote() checks a peer's proof against local knowledge
func (a *Aggregator) verifyRemote(state *eventState, p *lib.Proof) lib.ErrorI {
	if p.Digest != state.metadata.Digest {
		return lib.ErrInvalidProof("digest differs from the stored metadata")
	}
	if p.ValidatorSetId != state.event.CreationEpoch {
		return lib.ErrInvalidProof("validator set differs from the creation epoch")
	}
	return p.Verify(state.vs)
}

// setMetadata() records known metadata on the state
func (a *Aggregator) setMetadata(state *eventState, meta *lib.EventMetadata) {
	if meta == nil {
		return
	}
	state.metadata = meta
	state.event.Digest = meta.Digest
	if state.event.ChainId == lib.ChainUnknown {
		state.event.ChainId = meta.ChainId
	}
}

// flag() writes an audit record
func (a *Aggregator) flag(record *lib.AuditRecord) {
	record.At = time.Now()
	a.metrics.AuditRecorded(record.Kind)
	a.log.Warnf("%s for event %d: expected %s got %s", record.Kind, record.EventId, record.Expected, record.Got)
	if err := a.store.Audit(record); err != nil {
		a.log.Errorf("failed to write audit record: %s", err.Error())
	}
}

// persist() saves the event with its current status
func (a *Aggregator) persist(state *eventState) {
	if err := a.store.PutEvent(state.snapshot()); err != nil {
		a.log.Errorf("failed to persist event %d: %s", state.event.EventId, err.Error())
	}
}

// pendingCap() is the configured buffer cap or the size of the active validator set
func (a *Aggregator) pendingCap() int {
	if a.config.PendingBufferCap > 0 {
		return a.config.PendingBufferCap
	}
	if vs, ok := a.registry.Active(); ok {
		return vs.Size()
	}
	return 1
}

func (a *Aggregator) shard(eventId uint64) *shard {
	return a.shards[eventId%uint64(len(a.shards))]
}
